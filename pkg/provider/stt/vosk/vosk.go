// Package vosk implements stt.Recognizer with the Kaldi-based Vosk engine.
// libvosk and vosk_api.h must be available via LIBRARY_PATH and
// C_INCLUDE_PATH at build time.
//
// Vosk is a true streaming recogniser, so Partial is cheap and no separate
// realtime model is needed. Vosk models are single-language; the language
// setting is ignored.
package vosk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	vosk "github.com/alphacep/vosk-api/go"

	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// Compile-time assertions.
var (
	_ stt.Recognizer = (*Recognizer)(nil)
	_ stt.Loader     = (*Loader)(nil)
)

var errClosed = errors.New("vosk: recognizer is closed")

var quietOnce sync.Once

// Loader loads Vosk models. The zero value is usable.
type Loader struct {
	// Verbose keeps libvosk's own logging on stderr.
	Verbose bool
}

// Load loads the model directory cfg.Model and creates a recognizer for
// cfg.SampleRate.
func (l *Loader) Load(ctx context.Context, cfg stt.ModelConfig) (stt.Recognizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("vosk: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("vosk: load cancelled: %w", err)
	}
	if !l.Verbose {
		quietOnce.Do(func() { vosk.SetLogLevel(-1) })
	}
	if cfg.RealtimeModel != "" && cfg.RealtimeModel != cfg.Model {
		slog.Info("vosk: realtime model ignored, partials come from the primary model", "realtime_model", cfg.RealtimeModel)
	}

	model, err := vosk.NewModel(cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("vosk: load model %q: %w", cfg.Model, err)
	}
	rec, err := vosk.NewRecognizer(model, float64(cfg.SampleRate))
	if err != nil {
		model.Free()
		return nil, fmt.Errorf("vosk: create recognizer: %w", err)
	}
	rec.SetWords(0)

	return &Recognizer{model: model, rec: rec}, nil
}

// ---- Recognizer ------------------------------------------------------------

// result is the JSON document returned by the Vosk result accessors.
type result struct {
	Text    string `json:"text"`
	Partial string `json:"partial"`
}

// Recognizer streams audio into a Vosk recognizer. When Vosk detects an
// endpoint on its own, the committed segment is kept and prefixed to later
// hypotheses until Final or Reset.
type Recognizer struct {
	model *vosk.VoskModel
	rec   *vosk.VoskRecognizer

	committed []string
}

// AcceptAudio feeds pcm to Vosk.
func (r *Recognizer) AcceptAudio(pcm []byte) error {
	if r.rec == nil {
		return errClosed
	}
	if r.rec.AcceptWaveform(pcm) != 0 {
		if text := parseText(r.rec.Result()); text != "" {
			r.committed = append(r.committed, text)
		}
	}
	return nil
}

// Partial returns the committed segments followed by Vosk's current partial
// hypothesis.
func (r *Recognizer) Partial() (string, error) {
	if r.rec == nil {
		return "", errClosed
	}
	return joinText(r.committed, parsePartial(r.rec.PartialResult())), nil
}

// Final flushes Vosk and returns the whole utterance. FinalResult resets the
// recognizer's internal state.
func (r *Recognizer) Final() (string, error) {
	if r.rec == nil {
		return "", errClosed
	}
	text := joinText(r.committed, parseText(r.rec.FinalResult()))
	r.committed = r.committed[:0]
	return text, nil
}

// Reset discards the current utterance.
func (r *Recognizer) Reset() {
	if r.rec != nil {
		r.rec.Reset()
	}
	r.committed = r.committed[:0]
}

// Close frees the recognizer and the model.
func (r *Recognizer) Close() error {
	if r.rec != nil {
		r.rec.Free()
		r.rec = nil
	}
	if r.model != nil {
		r.model.Free()
		r.model = nil
	}
	return nil
}

func parseText(doc string) string {
	var res result
	if err := json.Unmarshal([]byte(doc), &res); err != nil {
		slog.Debug("vosk: unparsable result", "json", doc, "err", err)
		return ""
	}
	return strings.TrimSpace(res.Text)
}

func parsePartial(doc string) string {
	var res result
	if err := json.Unmarshal([]byte(doc), &res); err != nil {
		slog.Debug("vosk: unparsable partial", "json", doc, "err", err)
		return ""
	}
	return strings.TrimSpace(res.Partial)
}

// joinText joins the non-empty parts with single spaces.
func joinText(committed []string, tail string) string {
	parts := make([]string, 0, len(committed)+1)
	parts = append(parts, committed...)
	if tail != "" {
		parts = append(parts, tail)
	}
	return strings.Join(parts, " ")
}
