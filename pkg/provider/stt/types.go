package stt

import "errors"

// ErrNoModel is returned by loaders when ModelConfig.Model is empty.
var ErrNoModel = errors.New("stt: model path must not be empty")

// ModelConfig identifies the models to load and the audio they will receive.
type ModelConfig struct {
	// Model is the primary model identifier, a filesystem path for the
	// bundled backends. Required.
	Model string

	// RealtimeModel is an optional lightweight model used for partial
	// hypotheses. Empty means Model is used for both. Backends without a
	// separate realtime pass ignore it.
	RealtimeModel string

	// Language is the transcription language (e.g. "en", "de"). Backends
	// whose models are single-language ignore it.
	Language string

	// SampleRate in Hz of the audio passed to AcceptAudio.
	SampleRate int
}

// Validate reports whether the configuration is usable by a loader.
func (c ModelConfig) Validate() error {
	if c.Model == "" {
		return ErrNoModel
	}
	if c.SampleRate <= 0 {
		return errors.New("stt: sample rate must be positive")
	}
	return nil
}
