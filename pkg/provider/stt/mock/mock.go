// Package mock provides test doubles for the stt package interfaces.
//
// Use Loader to control model loading (success, failure, or a load that
// blocks until released). Use Recognizer to script the hypotheses the engine
// sees and inspect which audio it was given.
//
// Example:
//
//	rec := &mock.Recognizer{
//	    Partials:  []string{"hello", "hello wor", "hello world"},
//	    FinalText: "Hello world.",
//	}
//	loader := &mock.Loader{Recognizer: rec}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// Loader is a mock implementation of stt.Loader.
type Loader struct {
	mu sync.Mutex

	// Recognizer is returned by Load. If nil, Load returns a new empty
	// Recognizer.
	Recognizer stt.Recognizer

	// LoadErr, if non-nil, is returned as the error from Load.
	LoadErr error

	// Block, if non-nil, makes Load wait until the channel is closed or ctx
	// is done.
	Block chan struct{}

	// LoadCalls records the ModelConfig of every call to Load.
	LoadCalls []stt.ModelConfig
}

// Load records the call, optionally blocks, and returns Recognizer, LoadErr.
func (l *Loader) Load(ctx context.Context, cfg stt.ModelConfig) (stt.Recognizer, error) {
	l.mu.Lock()
	l.LoadCalls = append(l.LoadCalls, cfg)
	block := l.Block
	l.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.LoadErr != nil {
		return nil, l.LoadErr
	}
	if l.Recognizer != nil {
		return l.Recognizer, nil
	}
	return &Recognizer{}, nil
}

// LoadCallCount returns the number of Load calls. Thread-safe.
func (l *Loader) LoadCallCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.LoadCalls)
}

// Ensure Loader implements stt.Loader at compile time.
var _ stt.Loader = (*Loader)(nil)

// Recognizer is a mock implementation of stt.Recognizer. All methods are
// safe for concurrent use so tests can inspect it while an engine drives it.
type Recognizer struct {
	mu sync.Mutex

	// Partials are returned by successive Partial calls. Once exhausted the
	// last entry repeats. Empty means Partial returns "".
	Partials []string

	// PartialFunc, if non-nil, overrides Partials. It receives the number of
	// bytes accepted in the current utterance.
	PartialFunc func(utteranceBytes int) string

	// FinalText is returned by every Final call.
	FinalText string

	// AcceptErr, PartialErr and FinalErr, if non-nil, are returned by the
	// corresponding methods.
	AcceptErr  error
	PartialErr error
	FinalErr   error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	accepted       int
	utteranceBytes int
	partialCalls   int
	finalCalls     int
	resetCalls     int
	closeCalls     int
}

// AcceptAudio records the audio length and returns AcceptErr.
func (r *Recognizer) AcceptAudio(pcm []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.AcceptErr != nil {
		return r.AcceptErr
	}
	r.accepted += len(pcm)
	r.utteranceBytes += len(pcm)
	return nil
}

// Partial returns the next scripted hypothesis.
func (r *Recognizer) Partial() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.partialCalls++
	if r.PartialErr != nil {
		return "", r.PartialErr
	}
	if r.PartialFunc != nil {
		return r.PartialFunc(r.utteranceBytes), nil
	}
	if len(r.Partials) == 0 {
		return "", nil
	}
	i := min(r.partialCalls, len(r.Partials)) - 1
	return r.Partials[i], nil
}

// Final returns FinalText, FinalErr and clears the utterance.
func (r *Recognizer) Final() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalCalls++
	r.utteranceBytes = 0
	if r.FinalErr != nil {
		return "", r.FinalErr
	}
	return r.FinalText, nil
}

// Reset records the call and clears the utterance.
func (r *Recognizer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetCalls++
	r.utteranceBytes = 0
}

// Close records the call and returns CloseErr.
func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeCalls++
	return r.CloseErr
}

// AcceptedBytes returns the total number of bytes passed to AcceptAudio.
func (r *Recognizer) AcceptedBytes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accepted
}

// PartialCallCount returns the number of Partial calls.
func (r *Recognizer) PartialCallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.partialCalls
}

// FinalCallCount returns the number of Final calls.
func (r *Recognizer) FinalCallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finalCalls
}

// ResetCallCount returns the number of Reset calls.
func (r *Recognizer) ResetCallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resetCalls
}

// CloseCallCount returns the number of Close calls.
func (r *Recognizer) CloseCallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeCalls
}

// Ensure Recognizer implements stt.Recognizer at compile time.
var _ stt.Recognizer = (*Recognizer)(nil)
