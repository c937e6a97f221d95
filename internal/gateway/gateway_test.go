package gateway_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/livescribe/internal/bridge"
	"github.com/MrWong99/livescribe/internal/gateway"
	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/internal/session"
	"github.com/MrWong99/livescribe/pkg/protocol"
)

// fakeEngine records fed audio.
type fakeEngine struct {
	ready atomic.Bool

	mu  sync.Mutex
	fed [][]byte
}

func newFakeEngine(ready bool) *fakeEngine {
	e := &fakeEngine{}
	e.ready.Store(ready)
	return e
}

func (e *fakeEngine) Ready() bool     { return e.ready.Load() }
func (e *fakeEngine) SampleRate() int { return 16000 }

func (e *fakeEngine) Feed(pcm []byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fed = append(e.fed, append([]byte(nil), pcm...))
	return true
}

func (e *fakeEngine) chunks() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]byte(nil), e.fed...)
}

// waitFed blocks until at least n chunks were fed and returns them.
func (e *fakeEngine) waitFed(t *testing.T, n int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if got := e.chunks(); len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("fed %d chunks, want %d", len(e.chunks()), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type harness struct {
	handler *gateway.Handler
	slot    *session.Slot
	url     string
	reader  *sdkmetric.ManualReader
	metrics *observe.Metrics
}

func newHarness(t *testing.T, eng gateway.Engine, opts ...gateway.Option) *harness {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	slot := &session.Slot{}
	opts = append([]gateway.Option{gateway.WithMetrics(m)}, opts...)
	h := gateway.New(eng, slot, opts...)
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		h.Shutdown()
		srv.Close()
	})
	return &harness{
		handler: h,
		slot:    slot,
		url:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		reader:  reader,
		metrics: m,
	}
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, h.url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

// counter returns the value of an int64 sum, filtered by reason when given.
func (h *harness) counter(t *testing.T, name, reason string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			sum, _ := met.Data.(metricdata.Sum[int64])
			for _, dp := range sum.DataPoints {
				if reason == "" {
					return dp.Value
				}
				if v, ok := dp.Attributes.Value("reason"); ok && v.AsString() == reason {
					return dp.Value
				}
			}
		}
	}
	return 0
}

func (h *harness) waitCounter(t *testing.T, name, reason string, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.counter(t, name, reason) < want {
		if time.Now().After(deadline) {
			t.Fatalf("%s{reason=%q} = %d, want %d", name, reason, h.counter(t, name, reason), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func pcm(n int, fill byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = fill
	}
	return b
}

func sendFrame(t *testing.T, conn *websocket.Conn, rate int, data []byte) {
	t.Helper()
	msg, err := protocol.EncodeFrame(protocol.Metadata{SampleRate: rate}, data)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	if err := conn.Write(context.Background(), websocket.MessageBinary, msg); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func readClose(t *testing.T, conn *websocket.Conn) websocket.StatusCode {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		_, _, err := conn.Read(ctx)
		if err != nil {
			return websocket.CloseStatus(err)
		}
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) protocol.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	typ, msg, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("message type = %v, want text", typ)
	}
	ev, err := protocol.DecodeEvent(msg)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	return ev
}

func TestParseTakeover(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    gateway.Takeover
		wantErr bool
	}{
		{in: "", want: gateway.TakeoverOrphan},
		{in: "orphan", want: gateway.TakeoverOrphan},
		{in: "close", want: gateway.TakeoverClose},
		{in: "reject", want: gateway.TakeoverReject},
		{in: "kick", wantErr: true},
	}
	for _, tt := range tests {
		got, err := gateway.ParseTakeover(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseTakeover(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseTakeover(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestHandler_FeedsNativeRateUnchanged(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine(true)
	h := newHarness(t, eng)
	conn := h.dial(t)

	data := pcm(3200, 0x11)
	sendFrame(t, conn, 16000, data)

	got := eng.waitFed(t, 1)
	if string(got[0]) != string(data) {
		t.Errorf("fed %d bytes, want the original 3200 bytes", len(got[0]))
	}
}

func TestHandler_ResamplesToEngineRate(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine(true)
	h := newHarness(t, eng)
	conn := h.dial(t)

	// 800 samples at 8 kHz.
	sendFrame(t, conn, 8000, pcm(1600, 0))

	got := eng.waitFed(t, 1)
	if len(got[0]) != 3200 {
		t.Errorf("fed %d bytes, want 3200", len(got[0]))
	}
}

func TestHandler_ImplausibleRateFedUnconverted(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine(true)
	h := newHarness(t, eng)
	conn := h.dial(t)

	data := pcm(3200, 0x22)
	sendFrame(t, conn, 1, data)

	got := eng.waitFed(t, 1)
	if string(got[0]) != string(data) {
		t.Errorf("fed %d bytes, want the original 3200 bytes", len(got[0]))
	}
	if n := h.counter(t, "livescribe.resample.fallbacks", ""); n != 1 {
		t.Errorf("resample fallbacks = %d, want 1", n)
	}
}

func TestHandler_DropsMalformedFrame(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine(true)
	h := newHarness(t, eng)
	conn := h.dial(t)

	if err := conn.Write(context.Background(), websocket.MessageBinary, []byte{0xFF, 0xFF, 0xFF, 0x7F, '{'}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	sendFrame(t, conn, 16000, pcm(320, 1))

	got := eng.waitFed(t, 1)
	if len(got) != 1 || len(got[0]) != 320 {
		t.Errorf("fed %d chunks, want only the valid frame", len(got))
	}
	if n := h.counter(t, "livescribe.frames.dropped", observe.ReasonProtocol); n != 1 {
		t.Errorf("protocol drops = %d, want 1", n)
	}
	if n := h.counter(t, "livescribe.frames.received", ""); n != 2 {
		t.Errorf("frames received = %d, want 2", n)
	}
}

func TestHandler_IgnoresTextMessages(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine(true)
	h := newHarness(t, eng)
	conn := h.dial(t)

	if err := conn.Write(context.Background(), websocket.MessageText, []byte(`{"sampleRate":16000}`)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	sendFrame(t, conn, 16000, pcm(320, 1))

	eng.waitFed(t, 1)
	if n := h.counter(t, "livescribe.frames.received", ""); n != 1 {
		t.Errorf("frames received = %d, want 1", n)
	}
}

func TestHandler_SkipsEmptyAudio(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine(true)
	h := newHarness(t, eng)
	conn := h.dial(t)

	sendFrame(t, conn, 16000, nil)
	sendFrame(t, conn, 16000, pcm(320, 2))

	got := eng.waitFed(t, 1)
	if len(got) != 1 || got[0][0] != 2 {
		t.Errorf("fed %d chunks, want only the non-empty frame", len(got))
	}
}

func TestHandler_DropsUntilEngineReady(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine(false)
	h := newHarness(t, eng)
	conn := h.dial(t)

	sendFrame(t, conn, 16000, pcm(320, 1))
	h.waitCounter(t, "livescribe.frames.dropped", observe.ReasonNotReady, 1)
	if n := len(eng.chunks()); n != 0 {
		t.Fatalf("fed %d chunks before ready", n)
	}

	eng.ready.Store(true)
	sendFrame(t, conn, 16000, pcm(320, 2))
	got := eng.waitFed(t, 1)
	if got[0][0] != 2 {
		t.Error("fed the frame sent before ready")
	}
}

func TestHandler_OrphanTakeover(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine(true)
	h := newHarness(t, eng)

	events := make(chan protocol.Event, 4)
	b := bridge.New(events, h.slot, bridge.WithMetrics(h.metrics))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	first := h.dial(t)
	sendFrame(t, first, 16000, pcm(320, 1))
	eng.waitFed(t, 1)

	events <- protocol.Event{Kind: protocol.KindRealtime, Text: "one"}
	if ev := readEvent(t, first); ev.Text != "one" {
		t.Fatalf("first client got %q, want one", ev.Text)
	}

	second := h.dial(t)
	sendFrame(t, second, 16000, pcm(320, 2))
	eng.waitFed(t, 2)

	events <- protocol.Event{Kind: protocol.KindRealtime, Text: "two"}
	if ev := readEvent(t, second); ev.Text != "two" {
		t.Fatalf("second client got %q, want two", ev.Text)
	}

	// The orphaned client is still read and fed.
	sendFrame(t, first, 16000, pcm(320, 3))
	got := eng.waitFed(t, 3)
	if got[2][0] != 3 {
		t.Errorf("third chunk fill = %d, want 3", got[2][0])
	}

	// And receives nothing further. A read deadline closes the connection,
	// so this check comes last.
	rctx, rcancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer rcancel()
	if _, msg, err := first.Read(rctx); err == nil {
		t.Errorf("orphaned client received %s", msg)
	}
}

func TestHandler_CloseTakeover(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine(true)
	h := newHarness(t, eng, gateway.WithTakeover(gateway.TakeoverClose))

	first := h.dial(t)
	sendFrame(t, first, 16000, pcm(320, 1))
	eng.waitFed(t, 1)

	second := h.dial(t)
	sendFrame(t, second, 16000, pcm(320, 2))
	eng.waitFed(t, 2)

	if status := readClose(t, first); status != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v, want %v", status, websocket.StatusPolicyViolation)
	}
	if h.slot.Load() == nil {
		t.Error("slot emptied, want the second connection installed")
	}
}

func TestHandler_RejectTakeover(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine(true)
	h := newHarness(t, eng, gateway.WithTakeover(gateway.TakeoverReject))

	first := h.dial(t)
	sendFrame(t, first, 16000, pcm(320, 1))
	eng.waitFed(t, 1)
	held := h.slot.Load()

	second := h.dial(t)
	if status := readClose(t, second); status != websocket.StatusTryAgainLater {
		t.Errorf("close status = %v, want %v", status, websocket.StatusTryAgainLater)
	}
	if got := h.slot.Load(); got != held {
		t.Error("rejected connection replaced the session holder")
	}

	// Once the holder leaves, a new client is accepted.
	if err := first.Close(websocket.StatusNormalClosure, ""); err != nil {
		t.Fatalf("Close: %v", err)
	}
	waitSlotEmpty(t, h.slot)
	third := h.dial(t)
	sendFrame(t, third, 16000, pcm(320, 3))
	eng.waitFed(t, 2)
}

func TestHandler_ClearsSlotOnDisconnect(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine(true)
	h := newHarness(t, eng)

	conn := h.dial(t)
	sendFrame(t, conn, 16000, pcm(320, 1))
	eng.waitFed(t, 1)
	if h.slot.Load() == nil {
		t.Fatal("slot empty while connected")
	}

	if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil {
		t.Fatalf("Close: %v", err)
	}
	waitSlotEmpty(t, h.slot)
}

func TestHandler_ShutdownClosesConnections(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine(true)
	h := newHarness(t, eng)

	conn := h.dial(t)
	sendFrame(t, conn, 16000, pcm(320, 1))
	eng.waitFed(t, 1)

	h.handler.Shutdown()
	if status := readClose(t, conn); status != websocket.StatusGoingAway {
		t.Errorf("close status = %v, want %v", status, websocket.StatusGoingAway)
	}
}

func TestHandler_RejectsOversizedFrame(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine(true)
	h := newHarness(t, eng, gateway.WithMaxFrameBytes(1024))

	conn := h.dial(t)
	sendFrame(t, conn, 16000, pcm(4096, 1))
	if status := readClose(t, conn); status != websocket.StatusMessageTooBig {
		t.Errorf("close status = %v, want %v", status, websocket.StatusMessageTooBig)
	}
}

func waitSlotEmpty(t *testing.T, slot *session.Slot) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for slot.Load() != nil {
		if time.Now().After(deadline) {
			t.Fatal("slot not cleared")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
