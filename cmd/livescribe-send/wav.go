package main

import (
	"errors"
	"fmt"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// clip is a decoded WAV file downmixed to mono 16-bit samples.
type clip struct {
	samples    []int16
	sampleRate int
}

// readWAV decodes the PCM WAV file at path.
func readWAV(path string) (clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return clip{}, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return clip{}, fmt.Errorf("%s: not a valid WAV file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return clip{}, fmt.Errorf("%s: decode: %w", path, err)
	}
	if buf.Format == nil || buf.Format.SampleRate <= 0 || buf.Format.NumChannels <= 0 {
		return clip{}, errors.New(path + ": missing format chunk")
	}
	return clip{
		samples:    toMono16(buf, int(dec.BitDepth)),
		sampleRate: buf.Format.SampleRate,
	}, nil
}

// toMono16 averages interleaved channels and scales samples of bitDepth bits
// to 16 bits.
func toMono16(buf *goaudio.IntBuffer, bitDepth int) []int16 {
	ch := buf.Format.NumChannels
	out := make([]int16, len(buf.Data)/ch)
	for i := range out {
		sum := 0
		for c := range ch {
			sum += scaleTo16(buf.Data[i*ch+c], bitDepth)
		}
		out[i] = int16(sum / ch)
	}
	return out
}

func scaleTo16(v, bitDepth int) int {
	switch {
	case bitDepth == 8:
		// 8-bit WAV is unsigned.
		return (v - 128) << 8
	case bitDepth > 16:
		return v >> (bitDepth - 16)
	default:
		return v
	}
}
