// Package energy implements vad.Engine with an RMS energy detector.
//
// A frame counts as speech when its normalised RMS level exceeds both a
// fixed threshold derived from the sensitivity and, when the noise gate is
// enabled, a multiple of the tracked background noise floor. Speech starts
// after SpeechFrames consecutive speech frames and ends after SilenceFrames
// consecutive non-speech frames.
package energy

import (
	"errors"
	"fmt"
	"math"

	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/provider/vad"
)

const (
	// Threshold range mapped from sensitivity 1.0 (minThreshold) to 0.0
	// (maxThreshold), as normalised RMS.
	minThreshold = 0.002
	maxThreshold = 0.040

	// floorAlpha is the EMA weight of a new non-speech frame in the noise
	// floor estimate.
	floorAlpha = 0.05
)

// gateFactors maps noise-gate levels to the required ratio of frame energy
// to noise floor. Level 0 disables the gate.
var gateFactors = [vad.MaxNoiseGate + 1]float64{0, 1.5, 2.0, 3.0}

var errClosed = errors.New("energy: session is closed")

var _ vad.Engine = (*Engine)(nil)

// Engine creates energy VAD sessions. The zero value is ready to use.
type Engine struct{}

// New returns an energy VAD engine.
func New() *Engine { return &Engine{} }

// NewSession validates cfg and returns a fresh session.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.SpeechFrames == 0 {
		cfg.SpeechFrames = 1
	}
	if cfg.SilenceFrames == 0 {
		cfg.SilenceFrames = 1
	}
	return &Session{
		cfg:        cfg,
		frameBytes: cfg.FrameBytes(),
		threshold:  Threshold(cfg.Sensitivity),
		gate:       gateFactors[cfg.NoiseGate],
	}, nil
}

// Threshold returns the fixed RMS speech threshold for a sensitivity in
// [0, 1].
func Threshold(sensitivity float64) float64 {
	s := math.Min(math.Max(sensitivity, 0), 1)
	return minThreshold + (1-s)*(maxThreshold-minThreshold)
}

// ---- Session ---------------------------------------------------------------

var _ vad.SessionHandle = (*Session)(nil)

// Session is one energy VAD stream. It is not safe for concurrent use.
type Session struct {
	cfg        vad.Config
	frameBytes int
	threshold  float64
	gate       float64

	floor    float64
	speechN  int
	silenceN int
	speaking bool
	closed   bool
}

// ProcessFrame classifies one frame.
func (s *Session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	if s.closed {
		return vad.VADEvent{}, errClosed
	}
	if len(frame) != s.frameBytes {
		return vad.VADEvent{}, fmt.Errorf("energy: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}

	rms := audio.RMS(frame)
	required := s.threshold
	if s.gate > 0 {
		required = math.Max(required, s.floor*s.gate)
	}
	isSpeech := rms > required

	if !isSpeech {
		s.floor += floorAlpha * (rms - s.floor)
	}

	ev := vad.VADEvent{Probability: probability(rms, required)}
	if isSpeech {
		s.speechN++
		s.silenceN = 0
	} else {
		s.silenceN++
		s.speechN = 0
	}

	switch {
	case !s.speaking && s.speechN >= s.cfg.SpeechFrames:
		s.speaking = true
		ev.Type = vad.VADSpeechStart
	case s.speaking && s.silenceN >= s.cfg.SilenceFrames:
		s.speaking = false
		ev.Type = vad.VADSpeechEnd
	case s.speaking:
		ev.Type = vad.VADSpeechContinue
	default:
		ev.Type = vad.VADSilence
	}
	return ev, nil
}

// Reset clears speech state. The noise floor is kept because the background
// does not change across utterances.
func (s *Session) Reset() {
	s.speechN = 0
	s.silenceN = 0
	s.speaking = false
}

// Close marks the session closed.
func (s *Session) Close() error {
	s.closed = true
	return nil
}

// probability squashes the ratio of rms to the required level into (0, 1),
// reaching 0.5 exactly at the decision boundary.
func probability(rms, required float64) float64 {
	if required <= 0 {
		return 1
	}
	r := rms / required
	return r / (1 + r)
}
