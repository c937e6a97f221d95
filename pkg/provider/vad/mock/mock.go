// Package mock provides test doubles for the vad package interfaces.
//
// Session replays a scripted sequence of detections, which lets engine tests
// drive utterance boundaries frame by frame without real audio:
//
//	sess := &mock.Session{Script: mock.Pattern("__SSS_")}
//	eng := &mock.Engine{Session: sess}
package mock

import (
	"sync"

	"github.com/MrWong99/livescribe/pkg/provider/vad"
)

// Pattern returns a Script reading p one frame per byte: 'S' is speech and
// any other byte is silence. Transitions become VADSpeechStart and
// VADSpeechEnd; frames past the end of p repeat its last state.
func Pattern(p string) func(frame int) vad.VADEvent {
	speech := func(i int) bool {
		if len(p) == 0 || i < 0 {
			return false
		}
		return p[min(i, len(p)-1)] == 'S'
	}
	return func(i int) vad.VADEvent {
		now, before := speech(i), speech(i-1)
		switch {
		case now && !before:
			return vad.VADEvent{Type: vad.VADSpeechStart, Probability: 1}
		case now:
			return vad.VADEvent{Type: vad.VADSpeechContinue, Probability: 1}
		case before:
			return vad.VADEvent{Type: vad.VADSpeechEnd}
		default:
			return vad.VADEvent{Type: vad.VADSilence}
		}
	}
}

// NewSessionCall records a single invocation of Engine.NewSession.
type NewSessionCall struct {
	// Cfg is the Config passed to NewSession.
	Cfg vad.Config
}

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by NewSession. If nil, NewSession
	// returns a new default Session.
	Session vad.SessionHandle

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// NewSessionCalls records every call to NewSession in order.
	NewSessionCalls []NewSessionCall
}

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, NewSessionCall{Cfg: cfg})
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

// Reset clears all recorded calls. Thread-safe.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = nil
}

// Ensure Engine implements vad.Engine at compile time.
var _ vad.Engine = (*Engine)(nil)

// ProcessFrameCall records a single invocation of Session.ProcessFrame.
type ProcessFrameCall struct {
	// Frame is a copy of the bytes passed to ProcessFrame.
	Frame []byte
}

// Session is a mock implementation of vad.SessionHandle.
type Session struct {
	mu sync.Mutex

	// EventResult is returned by every ProcessFrame call unless Script is set.
	EventResult vad.VADEvent

	// Script, if non-nil, is called with the zero-based frame index and
	// overrides EventResult.
	Script func(frame int) vad.VADEvent

	// ProcessFrameErr, if non-nil, is returned by every ProcessFrame call.
	ProcessFrameErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// ProcessFrameCalls records every call to ProcessFrame in order.
	ProcessFrameCalls []ProcessFrameCall

	// ResetCallCount is the number of times Reset was called.
	ResetCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// ProcessFrame records the call and returns the scripted event and
// ProcessFrameErr.
func (s *Session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	idx := len(s.ProcessFrameCalls)
	s.ProcessFrameCalls = append(s.ProcessFrameCalls, ProcessFrameCall{Frame: cp})
	if s.Script != nil {
		return s.Script(idx), s.ProcessFrameErr
	}
	return s.EventResult, s.ProcessFrameErr
}

// Reset records the call by incrementing ResetCallCount.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCallCount++
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// ProcessFrameCallCount returns the number of ProcessFrame calls. Thread-safe.
func (s *Session) ProcessFrameCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ProcessFrameCalls)
}

// Resets returns ResetCallCount. Thread-safe.
func (s *Session) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ResetCallCount
}

// ResetCalls clears all recorded call history. Thread-safe.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ProcessFrameCalls = nil
	s.ResetCallCount = 0
	s.CloseCallCount = 0
}

// Ensure Session implements vad.SessionHandle at compile time.
var _ vad.SessionHandle = (*Session)(nil)
