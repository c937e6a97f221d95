package audio

import (
	"encoding/binary"
	"math"
)

// BytesToInt16 decodes little-endian PCM16 bytes. A trailing odd byte is
// ignored.
func BytesToInt16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/BytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// Int16ToBytes encodes samples as little-endian PCM16 bytes.
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// PCMToFloat32 converts PCM16LE bytes to float32 samples normalised to
// [-1.0, 1.0), the input format of whisper.cpp.
func PCMToFloat32(pcm []byte) []float32 {
	n := len(pcm) / BytesPerSample
	out := make([]float32, n)
	for i := range n {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
	}
	return out
}

// RMS returns the root-mean-square level of pcm normalised to [0, 1].
// Empty input yields 0.
func RMS(pcm []byte) float64 {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// clampInt16 rounds v to the nearest integer and saturates it to the int16
// range.
func clampInt16(v float64) int16 {
	v = math.Round(v)
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}
