package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/livescribe/internal/engine"
	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/pkg/protocol"
	sttmock "github.com/MrWong99/livescribe/pkg/provider/stt/mock"
	"github.com/MrWong99/livescribe/pkg/provider/vad"
	vadmock "github.com/MrWong99/livescribe/pkg/provider/vad/mock"
)

// frameBytes is one 30 ms frame at 16 kHz.
const frameBytes = 960

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// scriptVAD returns a VAD engine whose session reports speech from the first
// frame on, unless script is given.
func scriptVAD(script func(int) vad.VADEvent) (*vadmock.Engine, *vadmock.Session) {
	if script == nil {
		script = vadmock.Pattern("S")
	}
	sess := &vadmock.Session{Script: script}
	return &vadmock.Engine{Session: sess}, sess
}

// startEngine runs e until the test ends and waits for it to become ready.
func startEngine(t *testing.T, e *engine.Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := e.Start(ctx)
	t.Cleanup(func() {
		cancel()
		select {
		case <-errc:
		case <-time.After(2 * time.Second):
			t.Error("engine did not stop")
		}
	})
	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	if err := e.WaitReady(waitCtx); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
}

func nextEvent(t *testing.T, e *engine.Engine) protocol.Event {
	t.Helper()
	select {
	case ev, ok := <-e.Events():
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return protocol.Event{}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func feedFrames(t *testing.T, e *engine.Engine, n int) {
	t.Helper()
	for i := range n {
		if !e.Feed(make([]byte, frameBytes)) {
			t.Fatalf("Feed frame %d rejected", i)
		}
	}
}

func TestEngine_LifecycleStates(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	loader := &sttmock.Loader{Block: block}
	v, _ := scriptVAD(nil)
	e := engine.New(loader, engine.Config{Model: "primary", RealtimeModel: "tiny", Language: "en"},
		engine.WithVAD(v), engine.WithMetrics(testMetrics(t)))

	if got := e.State(); got != engine.StateUninitialized {
		t.Fatalf("initial state = %v", got)
	}
	if e.Feed(make([]byte, frameBytes)) {
		t.Fatal("Feed accepted audio before Ready")
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := e.Start(ctx)
	waitFor(t, "loading", func() bool { return e.State() == engine.StateLoading })
	if e.Ready() {
		t.Fatal("Ready while loading")
	}

	close(block)
	if err := e.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	if !e.Ready() || e.State() != engine.StateReady {
		t.Fatalf("state after load = %v", e.State())
	}

	feedFrames(t, e, 1)
	waitFor(t, "feeding", func() bool { return e.State() == engine.StateFeeding })

	cfg := loader.LoadCalls[0]
	if cfg.Model != "primary" || cfg.RealtimeModel != "tiny" || cfg.Language != "en" || cfg.SampleRate != 16000 {
		t.Errorf("loader config = %+v", cfg)
	}

	cancel()
	if err := <-errc; err != nil {
		t.Errorf("Run returned %v, want nil on cancel", err)
	}
	if _, ok := <-e.Events(); ok {
		t.Error("event channel not closed after Run returned")
	}
}

func TestEngine_LoadFailureIsFatal(t *testing.T) {
	t.Parallel()
	loadErr := errors.New("model file corrupt")
	rec := &sttmock.Recognizer{}
	loader := &sttmock.Loader{LoadErr: loadErr, Recognizer: rec}
	e := engine.New(loader, engine.Config{}, engine.WithMetrics(testMetrics(t)))

	err := e.Run(context.Background())
	if !errors.Is(err, engine.ErrEngineFatal) || !errors.Is(err, loadErr) {
		t.Fatalf("Run error = %v, want ErrEngineFatal wrapping load error", err)
	}
	if got := e.State(); got != engine.StateFailed {
		t.Errorf("state = %v, want failed", got)
	}
	if err := e.WaitReady(context.Background()); !errors.Is(err, engine.ErrEngineFatal) {
		t.Errorf("WaitReady = %v, want ErrEngineFatal", err)
	}
	if e.Feed([]byte{1, 2}) {
		t.Error("Feed accepted audio after failure")
	}
	if _, ok := <-e.Events(); ok {
		t.Error("event channel not closed")
	}
}

func TestEngine_InvalidVADConfigIsFatal(t *testing.T) {
	t.Parallel()
	loader := &sttmock.Loader{}
	e := engine.New(loader, engine.Config{Sensitivity: 2}, engine.WithMetrics(testMetrics(t)))
	if err := e.Run(context.Background()); !errors.Is(err, engine.ErrEngineFatal) {
		t.Fatalf("Run = %v, want ErrEngineFatal", err)
	}
	if n := loader.LoadCallCount(); n != 0 {
		t.Errorf("Load called %d times, want 0", n)
	}
}

func TestEngine_RunTwice(t *testing.T) {
	t.Parallel()
	e := engine.New(&sttmock.Loader{LoadErr: errors.New("x")}, engine.Config{}, engine.WithMetrics(testMetrics(t)))
	_ = e.Run(context.Background())
	if err := e.Run(context.Background()); err == nil || errors.Is(err, engine.ErrEngineFatal) {
		t.Errorf("second Run = %v, want already-started error", err)
	}
}

func TestEngine_EmitsStabilizedRealtimeEvents(t *testing.T) {
	t.Parallel()
	rec := &sttmock.Recognizer{Partials: []string{"hello", "hello wor", "hello world how"}}
	v, _ := scriptVAD(nil)
	e := engine.New(&sttmock.Loader{Recognizer: rec}, engine.Config{RealtimeInterval: 30 * time.Millisecond},
		engine.WithVAD(v), engine.WithMetrics(testMetrics(t)))
	startEngine(t, e)

	feedFrames(t, e, 3)

	for _, want := range []string{"Hello", "Hello wor"} {
		ev := nextEvent(t, e)
		if ev.Kind != protocol.KindRealtime || ev.Text != want {
			t.Fatalf("event = %+v, want realtime %q", ev, want)
		}
	}
	if n := rec.PartialCallCount(); n != 3 {
		t.Errorf("Partial calls = %d, want 3", n)
	}
}

func TestEngine_ChunksAreReframed(t *testing.T) {
	t.Parallel()
	rec := &sttmock.Recognizer{}
	v, sess := scriptVAD(nil)
	e := engine.New(&sttmock.Loader{Recognizer: rec}, engine.Config{},
		engine.WithVAD(v), engine.WithMetrics(testMetrics(t)))
	startEngine(t, e)

	// 2.5 frames then 0.5 frames: exactly three VAD frames.
	e.Feed(make([]byte, frameBytes*5/2))
	e.Feed(make([]byte, frameBytes/2))

	waitFor(t, "three frames", func() bool { return sess.ProcessFrameCallCount() == 3 })
	waitFor(t, "audio accepted", func() bool { return rec.AcceptedBytes() == 3*frameBytes })
}

func TestEngine_FullSentenceAtUtteranceEnd(t *testing.T) {
	t.Parallel()
	rec := &sttmock.Recognizer{FinalText: "Hello world."}
	v, _ := scriptVAD(vadmock.Pattern("SS_"))
	e := engine.New(&sttmock.Loader{Recognizer: rec}, engine.Config{
		EmitFullSentences: true,
		RealtimeInterval:  time.Second,
	}, engine.WithVAD(v), engine.WithMetrics(testMetrics(t)))
	startEngine(t, e)

	feedFrames(t, e, 4)

	ev := nextEvent(t, e)
	if ev.Kind != protocol.KindFullSentence || ev.Text != "Hello world." {
		t.Fatalf("event = %+v, want fullSentence", ev)
	}
	if n := rec.FinalCallCount(); n != 1 {
		t.Errorf("Final calls = %d, want 1", n)
	}
	if n := rec.AcceptedBytes(); n != 3*frameBytes {
		t.Errorf("accepted %d bytes, want %d", n, 3*frameBytes)
	}
}

func TestEngine_UtteranceDiscardedWithoutFullSentences(t *testing.T) {
	t.Parallel()
	rec := &sttmock.Recognizer{FinalText: "unused"}
	v, _ := scriptVAD(vadmock.Pattern("S_"))
	e := engine.New(&sttmock.Loader{Recognizer: rec}, engine.Config{RealtimeInterval: time.Second},
		engine.WithVAD(v), engine.WithMetrics(testMetrics(t)))
	startEngine(t, e)

	feedFrames(t, e, 2)
	waitFor(t, "reset", func() bool { return rec.ResetCallCount() == 1 })

	if n := rec.FinalCallCount(); n != 0 {
		t.Errorf("Final calls = %d, want 0", n)
	}
	select {
	case ev := <-e.Events():
		t.Errorf("unexpected event %+v", ev)
	default:
	}
}

func TestEngine_MaxUtteranceForcesEnd(t *testing.T) {
	t.Parallel()
	rec := &sttmock.Recognizer{}
	v, sess := scriptVAD(nil)
	e := engine.New(&sttmock.Loader{Recognizer: rec}, engine.Config{
		MaxUtterance:     90 * time.Millisecond,
		RealtimeInterval: time.Second,
	}, engine.WithVAD(v), engine.WithMetrics(testMetrics(t)))
	startEngine(t, e)

	feedFrames(t, e, 3)
	waitFor(t, "forced end", func() bool { return rec.ResetCallCount() == 1 })
	waitFor(t, "vad reset", func() bool { return sess.Resets() == 1 })
}

func TestEngine_PrerollPrependedAtSpeechStart(t *testing.T) {
	t.Parallel()
	rec := &sttmock.Recognizer{}
	v, sess := scriptVAD(vadmock.Pattern("____S"))
	e := engine.New(&sttmock.Loader{Recognizer: rec}, engine.Config{
		Preroll:          60 * time.Millisecond,
		RealtimeInterval: time.Second,
	}, engine.WithVAD(v), engine.WithMetrics(testMetrics(t)))
	startEngine(t, e)

	feedFrames(t, e, 5)
	waitFor(t, "five frames", func() bool { return sess.ProcessFrameCallCount() == 5 })
	// Two preroll frames plus the onset frame; older silence is forgotten.
	waitFor(t, "preroll", func() bool { return rec.AcceptedBytes() == 3*frameBytes })
}

func TestEngine_FeedNeverBlocks(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	v, _ := scriptVAD(func(int) vad.VADEvent {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return vad.VADEvent{Type: vad.VADSilence}
	})
	e := engine.New(&sttmock.Loader{}, engine.Config{AudioQueue: 1},
		engine.WithVAD(v), engine.WithMetrics(testMetrics(t)))
	startEngine(t, e)
	defer close(release)

	if !e.Feed(make([]byte, frameBytes)) {
		t.Fatal("first Feed rejected")
	}
	<-started // worker is busy with the first chunk
	if !e.Feed(make([]byte, frameBytes)) {
		t.Fatal("second Feed rejected with free queue slot")
	}

	done := make(chan bool)
	go func() { done <- e.Feed(make([]byte, frameBytes)) }()
	select {
	case ok := <-done:
		if ok {
			t.Error("Feed accepted audio into a full queue")
		}
	case <-time.After(time.Second):
		t.Fatal("Feed blocked on a full queue")
	}
}

func TestEngine_FeedQueueByteBudget(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	v, _ := scriptVAD(func(int) vad.VADEvent {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return vad.VADEvent{Type: vad.VADSilence}
	})
	// 90 ms at 16 kHz is three frames.
	e := engine.New(&sttmock.Loader{}, engine.Config{MaxQueuedAudio: 90 * time.Millisecond},
		engine.WithVAD(v), engine.WithMetrics(testMetrics(t)))
	startEngine(t, e)
	defer close(release)

	if !e.Feed(make([]byte, 10*frameBytes)) {
		t.Fatal("oversized chunk rejected by an empty queue")
	}
	<-started // worker holds the oversized chunk

	for i := range 3 {
		if !e.Feed(make([]byte, frameBytes)) {
			t.Fatalf("frame %d rejected within budget", i)
		}
	}
	if e.Feed(make([]byte, frameBytes)) {
		t.Error("Feed accepted audio past the byte budget")
	}
	if e.Feed(make([]byte, 10*frameBytes)) {
		t.Error("oversized chunk accepted into a non-empty queue")
	}
}
