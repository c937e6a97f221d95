// Package stt defines the Recognizer interface for the speech-recognition
// engines livescribe drives.
//
// A Recognizer wraps a loaded recognition model (whisper.cpp, Vosk) and
// exposes a uniform utterance-oriented interface: audio is accumulated with
// AcceptAudio, a cheap interim hypothesis is available at any time through
// Partial, and Final commits the authoritative text for the current
// utterance and starts a new one.
//
// Recognizers are NOT safe for concurrent use. The engine owns exactly one
// Recognizer and calls it only from its dedicated worker goroutine, which is
// locked to an OS thread for the lifetime of the model.
package stt

import "context"

// Recognizer is a loaded speech-recognition model bound to a fixed sample
// rate. All audio is mono PCM16LE at ModelConfig.SampleRate.
type Recognizer interface {
	// AcceptAudio appends pcm to the current utterance.
	AcceptAudio(pcm []byte) error

	// Partial returns the realtime hypothesis for the audio accepted since
	// the last Final or Reset. The hypothesis may change as more audio
	// arrives. Backends with a separate lightweight realtime model use it
	// here.
	Partial() (string, error)

	// Final returns the authoritative text of the current utterance, computed
	// by the primary model, and clears the utterance.
	Final() (string, error)

	// Reset discards the current utterance without transcribing it.
	Reset()

	// Close releases the native model resources. The Recognizer must not be
	// used afterwards.
	Close() error
}

// Loader loads a Recognizer. Loading a model is slow and may allocate
// gigabytes of native memory; the engine calls Load exactly once, from its
// worker goroutine.
type Loader interface {
	Load(ctx context.Context, cfg ModelConfig) (Recognizer, error)
}

// LoaderFunc adapts an ordinary function to the Loader interface.
type LoaderFunc func(ctx context.Context, cfg ModelConfig) (Recognizer, error)

// Load calls f(ctx, cfg).
func (f LoaderFunc) Load(ctx context.Context, cfg ModelConfig) (Recognizer, error) {
	return f(ctx, cfg)
}
