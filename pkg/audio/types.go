// Package audio holds the PCM primitives shared by the gateway and the
// recognition engine: the Chunk type, sample conversions and the band-limited
// resampler that normalises client audio to the engine's rate.
//
// All PCM in livescribe is mono, 16-bit signed, little-endian.
package audio

// BytesPerSample is the width of one PCM16LE sample.
const BytesPerSample = 2

// Chunk is one slice of mono PCM16LE audio together with its sample rate.
// Chunks are ephemeral: the gateway builds one per inbound frame and hands
// it to the resampler straight away.
type Chunk struct {
	// Data holds little-endian int16 samples. A trailing odd byte is ignored
	// by every conversion in this package.
	Data []byte

	// SampleRate in Hz. Always positive for chunks built from decoded frames.
	SampleRate int
}

// Samples returns the number of whole samples in c.
func (c Chunk) Samples() int { return len(c.Data) / BytesPerSample }
