// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine wraps a frame-level speech detector and surfaces it as a
// stateful, per-stream session. Each session keeps its own detection state
// (noise floor, speech and silence counters) so that independent audio
// streams can be processed without interference.
//
// VAD is synchronous: ProcessFrame returns immediately with a detection
// result, making it suitable for the recognition engine's endpointing loop.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

import (
	"errors"
	"fmt"
)

// MaxNoiseGate is the highest noise-gate level.
const MaxNoiseGate = 3

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the PCM
	// frames passed to ProcessFrame.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds.
	// ProcessFrame returns an error if the supplied frame does not match this
	// size.
	FrameSizeMs int

	// Sensitivity is the primary voice-activity sensitivity. Range: [0.0, 1.0].
	// Higher values classify quieter frames as speech.
	Sensitivity float64

	// NoiseGate is the secondary noise-gate level. Range: 0 (off) to
	// MaxNoiseGate (most aggressive). Higher levels require speech to stand
	// further above the tracked background noise.
	NoiseGate int

	// SpeechFrames is the number of consecutive speech frames required to
	// start a speech segment. Zero means 1.
	SpeechFrames int

	// SilenceFrames is the number of consecutive non-speech frames that end
	// an active speech segment. Zero means 1.
	SilenceFrames int
}

// Validate returns all problems with cfg joined into one error.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("vad: sample rate must be positive, got %d", c.SampleRate))
	}
	if c.FrameSizeMs <= 0 {
		errs = append(errs, fmt.Errorf("vad: frame size must be positive, got %d ms", c.FrameSizeMs))
	}
	if c.Sensitivity < 0 || c.Sensitivity > 1 {
		errs = append(errs, fmt.Errorf("vad: sensitivity must be in [0, 1], got %v", c.Sensitivity))
	}
	if c.NoiseGate < 0 || c.NoiseGate > MaxNoiseGate {
		errs = append(errs, fmt.Errorf("vad: noise gate must be in [0, %d], got %d", MaxNoiseGate, c.NoiseGate))
	}
	if c.SpeechFrames < 0 || c.SilenceFrames < 0 {
		errs = append(errs, errors.New("vad: frame counts must not be negative"))
	}
	return errors.Join(errs...)
}

// FrameBytes returns the size in bytes of one PCM16 mono frame.
func (c Config) FrameBytes() int {
	return c.SampleRate * c.FrameSizeMs / 1000 * 2
}

// SessionHandle represents an active VAD session for a single audio stream. It is
// an interface so that test code can supply mock implementations without a live
// engine. Each session maintains its own detection state; Reset clears this state
// without closing the session.
type SessionHandle interface {
	// ProcessFrame analyses a single audio frame and returns the detection result.
	// The frame must be raw little-endian PCM at the SampleRate and FrameSizeMs
	// configured when the session was created. Returns an error if the frame size
	// is wrong or if the engine encounters an internal failure.
	//
	// This method is called synchronously in the engine loop; it must not block.
	ProcessFrame(frame []byte) (VADEvent, error)

	// Reset clears all accumulated detection state without closing the session.
	Reset()

	// Close releases all resources associated with the session. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. It is the top-level interface
// implemented by each VAD backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may call
// NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	// Returns an error if the configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
