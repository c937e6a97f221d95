// Package engine drives the speech-recognition model on a single dedicated
// worker goroutine.
//
// The Engine is an actor: audio enters through the non-blocking [Engine.Feed]
// and transcript events leave through the bounded channel returned by
// [Engine.Events]. Everything in between (model loading, framing,
// voice-activity endpointing, realtime stabilization and final recognition)
// happens on the worker goroutine, which is locked to one OS thread for the
// lifetime of the process because the native recognisers keep thread-affine
// state.
//
// This package lives under internal/ because it encapsulates application-private
// processing logic and is not intended to be imported by external code.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/pkg/protocol"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
	"github.com/MrWong99/livescribe/pkg/provider/vad"
	"github.com/MrWong99/livescribe/pkg/provider/vad/energy"
)

// ErrEngineFatal wraps every error that prevents the engine from reaching
// the Ready state. The process must not serve clients after it.
var ErrEngineFatal = errors.New("engine: fatal")

// State is the engine lifecycle state. It only ever moves forward.
type State int32

const (
	StateUninitialized State = iota
	StateLoading
	StateReady
	StateFeeding
	StateFailed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFeeding:
		return "feeding"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

const (
	defaultSampleRate        = 16000
	defaultFrameDuration     = 30 * time.Millisecond
	defaultRealtimeInterval  = 200 * time.Millisecond
	defaultPostSpeechSilence = 600 * time.Millisecond
	defaultMaxUtterance      = 30 * time.Second
	defaultPreroll           = 300 * time.Millisecond
	defaultSpeechFrames      = 2
	defaultAudioQueue        = 4096
	defaultMaxQueuedAudio    = 60 * time.Second
	defaultEventQueue        = 256
)

// Config holds the recognition settings. Zero durations and sizes take the
// package defaults; see [Config.withDefaults].
type Config struct {
	// Model, RealtimeModel and Language are passed through to the loader.
	Model         string
	RealtimeModel string
	Language      string

	// SampleRate is the rate the recogniser expects and Feed must deliver.
	SampleRate int

	// Sensitivity and NoiseGate configure the voice-activity detector.
	Sensitivity float64
	NoiseGate   int

	// PostSpeechSilence is the trailing silence that ends an utterance.
	PostSpeechSilence time.Duration

	// FrameDuration is the VAD frame length.
	FrameDuration time.Duration

	// RealtimeInterval is the amount of utterance audio between two realtime
	// hypotheses.
	RealtimeInterval time.Duration

	// MaxUtterance forces an utterance end after this much speech audio.
	MaxUtterance time.Duration

	// Preroll is the audio kept from before speech onset and prepended to the
	// utterance.
	Preroll time.Duration

	// EmitFullSentences enables fullSentence events at each utterance end.
	EmitFullSentences bool

	// AudioQueue and EventQueue are the channel capacities in chunks and
	// events.
	AudioQueue int
	EventQueue int

	// MaxQueuedAudio caps the audio waiting in the feed queue, measured at
	// SampleRate. Feed drops chunks past it even when AudioQueue has room.
	MaxQueuedAudio time.Duration
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = defaultSampleRate
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = defaultFrameDuration
	}
	if c.RealtimeInterval <= 0 {
		c.RealtimeInterval = defaultRealtimeInterval
	}
	if c.PostSpeechSilence <= 0 {
		c.PostSpeechSilence = defaultPostSpeechSilence
	}
	if c.MaxUtterance <= 0 {
		c.MaxUtterance = defaultMaxUtterance
	}
	if c.Preroll < 0 {
		c.Preroll = 0
	} else if c.Preroll == 0 {
		c.Preroll = defaultPreroll
	}
	if c.AudioQueue <= 0 {
		c.AudioQueue = defaultAudioQueue
	}
	if c.EventQueue <= 0 {
		c.EventQueue = defaultEventQueue
	}
	if c.MaxQueuedAudio <= 0 {
		c.MaxQueuedAudio = defaultMaxQueuedAudio
	}
	return c
}

// durationBytes converts d to a whole number of PCM16 mono frames of
// frameBytes each, expressed in bytes.
func durationBytes(d time.Duration, sampleRate, frameBytes int) int {
	n := int(d.Seconds()*float64(sampleRate)) * 2
	frames := (n + frameBytes - 1) / frameBytes
	return max(frames, 1) * frameBytes
}

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithVAD replaces the default energy voice-activity detector.
func WithVAD(v vad.Engine) Option {
	return func(e *Engine) { e.vad = v }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine is the recognition engine adapter. Feed, Ready, State, WaitReady
// and Events are safe for concurrent use; Run must be called exactly once.
type Engine struct {
	loader  stt.Loader
	vad     vad.Engine
	cfg     Config
	metrics *observe.Metrics

	state   atomic.Int32
	started atomic.Bool
	audio   chan []byte
	events  chan protocol.Event

	// settled is closed once the state is Ready or Failed; loadErr is
	// written before the close.
	settled chan struct{}
	loadErr error

	// queued is the byte count of chunks sent on audio but not yet taken by
	// the worker; queueBudget is its limit.
	queued      atomic.Int64
	queueBudget int64
	overflow    atomic.Int64
}

// New creates an Engine that loads its recogniser with loader. The engine is
// idle until Run or Start is called.
func New(loader stt.Loader, cfg Config, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		loader:      loader,
		cfg:         cfg,
		audio:       make(chan []byte, cfg.AudioQueue),
		events:      make(chan protocol.Event, cfg.EventQueue),
		settled:     make(chan struct{}),
		queueBudget: int64(durationBytes(cfg.MaxQueuedAudio, cfg.SampleRate, 2)),
	}
	for _, o := range opts {
		o(e)
	}
	if e.vad == nil {
		e.vad = energy.New()
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// SampleRate returns the rate Feed expects.
func (e *Engine) SampleRate() int { return e.cfg.SampleRate }

// State returns the current lifecycle state.
func (e *Engine) State() State { return State(e.state.Load()) }

// Ready reports whether the engine accepts audio.
func (e *Engine) Ready() bool {
	s := e.State()
	return s == StateReady || s == StateFeeding
}

// Events returns the outbound transcript event channel. It is closed when
// Run returns.
func (e *Engine) Events() <-chan protocol.Event { return e.events }

// WaitReady blocks until the engine is Ready, fails to load, or ctx is done.
// A load failure is returned wrapped in [ErrEngineFatal].
func (e *Engine) WaitReady(ctx context.Context) error {
	select {
	case <-e.settled:
		return e.loadErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Feed enqueues a copy of pcm for recognition and returns immediately.
// It returns false when the engine is not ready or its queue is full; in the
// latter case the chunk is dropped and counted. The queue is full when it
// holds AudioQueue chunks or MaxQueuedAudio worth of bytes. A chunk larger
// than the byte budget is still accepted into an empty queue.
func (e *Engine) Feed(pcm []byte) bool {
	if !e.Ready() {
		return false
	}
	size := int64(len(pcm))
	if total := e.queued.Add(size); total > e.queueBudget && total != size {
		e.queued.Add(-size)
		e.dropChunk()
		return false
	}
	chunk := make([]byte, len(pcm))
	copy(chunk, pcm)

	select {
	case e.audio <- chunk:
		e.metrics.AudioFed.Add(context.Background(), size)
		return true
	default:
		e.queued.Add(-size)
		e.dropChunk()
		return false
	}
}

func (e *Engine) dropChunk() {
	n := e.overflow.Add(1)
	e.metrics.AudioOverflow.Add(context.Background(), 1)
	if n == 1 || n%100 == 0 {
		slog.Warn("engine: audio queue full, dropping chunk",
			"capacity", cap(e.audio),
			"queued_bytes", e.queued.Load(),
			"dropped_total", n,
		)
	}
}

// Start runs the engine on a new goroutine. The returned channel receives
// Run's result.
func (e *Engine) Start(ctx context.Context) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- e.Run(ctx) }()
	return errc
}

// Run loads the models and processes audio until ctx is cancelled. It locks
// the calling goroutine to its OS thread for its whole duration. Run returns
// nil on cancellation and an [ErrEngineFatal] error if loading fails.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("engine: already started")
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(e.events)

	e.setState(StateLoading)
	start := time.Now()
	slog.Info("engine: loading models",
		"model", e.cfg.Model,
		"realtime_model", e.cfg.RealtimeModel,
		"language", e.cfg.Language,
	)

	loadCtx, span := observe.StartSpan(ctx, "engine.load",
		trace.WithAttributes(
			attribute.String("model", e.cfg.Model),
			attribute.String("language", e.cfg.Language),
		),
	)
	w, err := e.newWorker(ctx, loadCtx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "model load failed")
	}
	span.End()
	if err != nil {
		e.loadErr = fmt.Errorf("%w: %w", ErrEngineFatal, err)
		e.setState(StateFailed)
		close(e.settled)
		slog.Error("engine: initialisation failed", "err", err)
		return e.loadErr
	}
	defer w.close()

	e.setState(StateReady)
	close(e.settled)
	slog.Info("engine: ready", "load_duration", time.Since(start).Round(time.Millisecond))

	for {
		select {
		case <-ctx.Done():
			slog.Info("engine: stopping")
			return nil
		case chunk := <-e.audio:
			e.queued.Add(-int64(len(chunk)))
			if e.State() == StateReady {
				e.setState(StateFeeding)
			}
			w.process(chunk)
		}
	}
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
	e.metrics.EngineState.Record(context.Background(), int64(s))
}

// emit pushes ev without blocking; a full queue drops it.
func (e *Engine) emit(ev protocol.Event) {
	select {
	case e.events <- ev:
		e.metrics.RecordEventEmitted(context.Background(), ev.Kind)
	default:
		e.metrics.RecordEventDropped(context.Background(), observe.ReasonQueueFull)
		slog.Warn("engine: event queue full, dropping event", "kind", ev.Kind)
	}
}
