package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/livescribe/pkg/protocol"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
	"github.com/MrWong99/livescribe/pkg/provider/vad"
)

// worker holds the state owned by the engine goroutine. None of its fields
// may be touched from anywhere else.
type worker struct {
	e   *Engine
	ctx context.Context
	rec stt.Recognizer
	vs  vad.SessionHandle

	frameBytes    int
	realtimeBytes int
	maxBytes      int
	prerollFrames int

	pending []byte
	preroll [][]byte

	inSpeech      bool
	utterance     int
	sinceRealtime int
	stab          Stabilizer
	lastEmitted   string
}

// newWorker loads the recogniser under loadCtx and opens the VAD session.
// The worker records its metrics against ctx, which outlives the load.
func (e *Engine) newWorker(ctx, loadCtx context.Context) (*worker, error) {
	cfg := e.cfg
	vcfg := vad.Config{
		SampleRate:   cfg.SampleRate,
		FrameSizeMs:  max(int(cfg.FrameDuration/time.Millisecond), 1),
		Sensitivity:  cfg.Sensitivity,
		NoiseGate:    cfg.NoiseGate,
		SpeechFrames: defaultSpeechFrames,
	}
	frameBytes := vcfg.FrameBytes()
	if frameBytes <= 0 {
		return nil, fmt.Errorf("frame of %v at %d Hz holds no samples", cfg.FrameDuration, cfg.SampleRate)
	}
	vcfg.SilenceFrames = durationBytes(cfg.PostSpeechSilence, cfg.SampleRate, frameBytes) / frameBytes

	vs, err := e.vad.NewSession(vcfg)
	if err != nil {
		return nil, fmt.Errorf("open vad session: %w", err)
	}

	rec, err := e.loader.Load(loadCtx, stt.ModelConfig{
		Model:         cfg.Model,
		RealtimeModel: cfg.RealtimeModel,
		Language:      cfg.Language,
		SampleRate:    cfg.SampleRate,
	})
	if err != nil {
		_ = vs.Close()
		return nil, fmt.Errorf("load models: %w", err)
	}

	w := &worker{
		e:             e,
		ctx:           ctx,
		rec:           rec,
		vs:            vs,
		frameBytes:    frameBytes,
		realtimeBytes: durationBytes(cfg.RealtimeInterval, cfg.SampleRate, frameBytes),
		maxBytes:      durationBytes(cfg.MaxUtterance, cfg.SampleRate, frameBytes),
	}
	if cfg.Preroll > 0 {
		w.prerollFrames = durationBytes(cfg.Preroll, cfg.SampleRate, frameBytes) / frameBytes
	}
	return w, nil
}

func (w *worker) close() {
	if err := w.rec.Close(); err != nil {
		slog.Warn("engine: close recognizer", "err", err)
	}
	_ = w.vs.Close()
}

// process splits chunk into VAD frames, carrying any remainder over to the
// next chunk.
func (w *worker) process(chunk []byte) {
	w.pending = append(w.pending, chunk...)
	off := 0
	for len(w.pending)-off >= w.frameBytes {
		w.frame(w.pending[off : off+w.frameBytes])
		off += w.frameBytes
	}
	rest := copy(w.pending, w.pending[off:])
	w.pending = w.pending[:rest]
}

func (w *worker) frame(f []byte) {
	ev, err := w.vs.ProcessFrame(f)
	if err != nil {
		slog.Warn("engine: vad frame failed", "err", err)
		return
	}

	switch ev.Type {
	case vad.VADSpeechStart:
		w.inSpeech = true
		for _, p := range w.preroll {
			w.accept(p)
		}
		w.preroll = w.preroll[:0]
		w.accept(f)
	case vad.VADSpeechContinue:
		if !w.inSpeech {
			w.inSpeech = true
		}
		w.accept(f)
	case vad.VADSpeechEnd:
		if w.inSpeech {
			w.accept(f)
			w.endUtterance("silence")
		}
	default:
		w.keepPreroll(f)
	}

	if w.inSpeech && w.utterance >= w.maxBytes {
		w.endUtterance("max_utterance")
		w.vs.Reset()
	}
}

// keepPreroll remembers a copy of f in the bounded pre-speech buffer.
func (w *worker) keepPreroll(f []byte) {
	if w.prerollFrames == 0 {
		return
	}
	var buf []byte
	if len(w.preroll) == w.prerollFrames {
		buf = w.preroll[0]
		copy(w.preroll, w.preroll[1:])
		w.preroll = w.preroll[:len(w.preroll)-1]
	} else {
		buf = make([]byte, w.frameBytes)
	}
	copy(buf, f)
	w.preroll = append(w.preroll, buf)
}

// accept adds f to the current utterance and runs a realtime pass whenever
// another RealtimeInterval of audio has accumulated.
func (w *worker) accept(f []byte) {
	if err := w.rec.AcceptAudio(f); err != nil {
		slog.Warn("engine: recognizer rejected audio", "err", err)
		return
	}
	w.utterance += len(f)
	w.sinceRealtime += len(f)
	if w.sinceRealtime >= w.realtimeBytes {
		w.sinceRealtime = 0
		w.realtime()
	}
}

func (w *worker) realtime() {
	start := time.Now()
	text, err := w.rec.Partial()
	w.e.metrics.RecordRecognition(w.ctx, "realtime", time.Since(start))
	if err != nil {
		slog.Warn("engine: realtime recognition failed", "err", err)
		return
	}

	stabilized := w.stab.Update(text)
	if stabilized == "" || stabilized == w.lastEmitted {
		return
	}
	w.lastEmitted = stabilized
	slog.Debug("engine: stabilized", "text", stabilized)
	w.e.emit(protocol.Event{Kind: protocol.KindRealtime, Text: stabilized})
}

// endUtterance closes the current utterance. With full sentences enabled the
// primary model transcribes it; otherwise it is discarded.
func (w *worker) endUtterance(cause string) {
	slog.Debug("engine: utterance ended",
		"cause", cause,
		"audio", time.Duration(w.utterance/2)*time.Second/time.Duration(w.e.cfg.SampleRate),
	)

	if w.e.cfg.EmitFullSentences {
		start := time.Now()
		text, err := w.rec.Final()
		w.e.metrics.RecordRecognition(w.ctx, "final", time.Since(start))
		switch {
		case err != nil:
			slog.Warn("engine: final recognition failed", "err", err)
		case text != "":
			w.e.emit(protocol.Event{Kind: protocol.KindFullSentence, Text: text})
		}
	} else {
		w.rec.Reset()
	}

	w.stab.Reset()
	w.lastEmitted = ""
	w.inSpeech = false
	w.utterance = 0
	w.sinceRealtime = 0
	w.preroll = w.preroll[:0]
}
