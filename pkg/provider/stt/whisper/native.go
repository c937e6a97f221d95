// Package whisper implements stt.Recognizer on top of the whisper.cpp CGO
// bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.
//
// whisper.cpp is not a streaming recogniser: every Partial and Final call
// transcribes the whole utterance buffered so far. Partial runs the
// lightweight realtime model (e.g. tiny.en) and Final runs the primary model.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// SampleRate is the only input rate whisper.cpp accepts (WHISPER_SAMPLE_RATE).
const SampleRate = 16000

// minSamples is the shortest buffer worth transcribing (100 ms at 16 kHz).
const minSamples = SampleRate / 10

// Compile-time assertions.
var (
	_ stt.Recognizer = (*Recognizer)(nil)
	_ stt.Loader     = (*Loader)(nil)
)

// Loader loads whisper.cpp models. The zero value is usable.
type Loader struct {
	threads uint
}

// Option is a functional option for configuring a Loader.
type Option func(*Loader)

// WithThreads sets the number of CPU threads used per inference. Zero keeps
// the whisper.cpp default.
func WithThreads(n uint) Option {
	return func(l *Loader) { l.threads = n }
}

// NewLoader returns a Loader configured by opts.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Load loads the primary model and, when cfg.RealtimeModel is set and
// differs from cfg.Model, the realtime model. Both stay resident until the
// Recognizer is closed.
func (l *Loader) Load(ctx context.Context, cfg stt.ModelConfig) (stt.Recognizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("whisper: %w", err)
	}
	if cfg.SampleRate != SampleRate {
		return nil, fmt.Errorf("whisper: sample rate must be %d Hz, got %d", SampleRate, cfg.SampleRate)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: load cancelled: %w", err)
	}

	model, err := whisperlib.New(cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", cfg.Model, err)
	}

	r := &Recognizer{
		model:    model,
		realtime: model,
		language: cfg.Language,
		threads:  l.threads,
	}
	if r.language == "" {
		r.language = "auto"
	}

	if cfg.RealtimeModel != "" && cfg.RealtimeModel != cfg.Model {
		if err := ctx.Err(); err != nil {
			_ = model.Close()
			return nil, fmt.Errorf("whisper: load cancelled: %w", err)
		}
		rt, err := whisperlib.New(cfg.RealtimeModel)
		if err != nil {
			_ = model.Close()
			return nil, fmt.Errorf("whisper: load realtime model %q: %w", cfg.RealtimeModel, err)
		}
		r.realtime = rt
	}
	return r, nil
}

// ---- Recognizer ------------------------------------------------------------

// Recognizer buffers one utterance of float32 samples and transcribes it on
// demand. It must only be used from a single goroutine.
type Recognizer struct {
	model    whisperlib.Model
	realtime whisperlib.Model
	language string
	threads  uint

	buf []float32
}

// AcceptAudio converts pcm to float32 and appends it to the utterance.
func (r *Recognizer) AcceptAudio(pcm []byte) error {
	r.buf = append(r.buf, audio.PCMToFloat32(pcm)...)
	return nil
}

// Partial transcribes the buffered utterance with the realtime model.
func (r *Recognizer) Partial() (string, error) {
	if len(r.buf) < minSamples {
		return "", nil
	}
	return r.infer(r.realtime, r.buf)
}

// Final transcribes the buffered utterance with the primary model and clears
// the buffer, also when inference fails.
func (r *Recognizer) Final() (string, error) {
	samples := r.buf
	r.buf = r.buf[:0]
	if len(samples) < minSamples {
		return "", nil
	}
	return r.infer(r.model, samples)
}

// Reset discards the buffered utterance.
func (r *Recognizer) Reset() { r.buf = r.buf[:0] }

// Close releases both models.
func (r *Recognizer) Close() error {
	var errs []error
	if r.realtime != nil && r.realtime != r.model {
		errs = append(errs, r.realtime.Close())
	}
	if r.model != nil {
		errs = append(errs, r.model.Close())
	}
	r.model, r.realtime = nil, nil
	return errors.Join(errs...)
}

// infer runs whisper.cpp over samples using a fresh context from model and
// returns the concatenated segment text.
func (r *Recognizer) infer(model whisperlib.Model, samples []float32) (string, error) {
	if model == nil {
		return "", errors.New("whisper: recognizer is closed")
	}

	// Contexts are not reusable across Process calls; the model is.
	wctx, err := model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(r.language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", r.language, "err", err)
	}
	if r.threads > 0 {
		wctx.SetThreads(r.threads)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}
