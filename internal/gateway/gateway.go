// Package gateway accepts client WebSocket connections, decodes inbound
// audio frames and feeds them to the recognition engine.
//
// Each connection runs its own receive loop on the HTTP server goroutine
// that accepted it. Outbound transcript events are not written here: the
// gateway only installs the connection in the session slot, and the bridge
// delivers to whatever the slot holds.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/internal/session"
	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/protocol"
)

// DefaultMaxFrameBytes bounds a single inbound message.
const DefaultMaxFrameBytes = 1 << 20

// Engine is the part of the recognition engine the gateway needs.
type Engine interface {
	// Ready reports whether audio is accepted.
	Ready() bool
	// Feed enqueues PCM16LE mono audio at SampleRate without blocking.
	Feed(pcm []byte) bool
	// SampleRate is the rate Feed expects.
	SampleRate() int
}

// Takeover selects what happens when a client connects while another one
// holds the session.
type Takeover string

const (
	// TakeoverOrphan installs the new connection and leaves the previous one
	// open; its audio is still fed but it receives no more events.
	TakeoverOrphan Takeover = "orphan"
	// TakeoverClose installs the new connection and closes the previous one
	// with status 1008.
	TakeoverClose Takeover = "close"
	// TakeoverReject refuses the new connection with status 1013 while a
	// connection holds the session.
	TakeoverReject Takeover = "reject"
)

// ParseTakeover validates a takeover policy name. Empty means orphan.
func ParseTakeover(s string) (Takeover, error) {
	switch t := Takeover(s); t {
	case "":
		return TakeoverOrphan, nil
	case TakeoverOrphan, TakeoverClose, TakeoverReject:
		return t, nil
	default:
		return "", fmt.Errorf("gateway: unknown takeover policy %q (want orphan, close or reject)", s)
	}
}

// Option is a functional option for configuring a Handler.
type Option func(*Handler)

// WithTakeover sets the takeover policy. Defaults to [TakeoverOrphan].
func WithTakeover(t Takeover) Option {
	return func(h *Handler) { h.takeover = t }
}

// WithMaxFrameBytes sets the read limit per message. Defaults to
// [DefaultMaxFrameBytes].
func WithMaxFrameBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxFrameBytes = n
		}
	}
}

// WithOriginPatterns sets the host patterns accepted for cross-origin
// WebSocket requests (see websocket.AcceptOptions).
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Handler) { h.originPatterns = patterns }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// Handler is the WebSocket endpoint. It implements [http.Handler].
type Handler struct {
	engine         Engine
	slot           *session.Slot
	takeover       Takeover
	maxFrameBytes  int64
	originPatterns []string
	metrics        *observe.Metrics

	mu       sync.Mutex
	conns    map[*wsChannel]struct{}
	shutdown bool
}

var _ http.Handler = (*Handler)(nil)

// New creates a Handler feeding engine and publishing connections to slot.
func New(engine Engine, slot *session.Slot, opts ...Option) *Handler {
	h := &Handler{
		engine:        engine,
		slot:          slot,
		takeover:      TakeoverOrphan,
		maxFrameBytes: DefaultMaxFrameBytes,
		conns:         make(map[*wsChannel]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// ServeHTTP upgrades the request and runs the receive loop until the client
// disconnects or the handler shuts down.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		slog.Debug("gateway: websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(h.maxFrameBytes)

	ch := newWSChannel(conn)
	ctx := observe.WithConnID(r.Context(), ch.ID())
	log := observe.Logger(ctx).With("remote", r.RemoteAddr)

	if !h.track(ch) {
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer h.untrack(ch)

	if !h.install(ch, log) {
		log.Info("gateway: connection rejected, session busy")
		_ = conn.Close(websocket.StatusTryAgainLater, "busy")
		return
	}
	defer func() {
		if h.slot.ClearIf(ch) {
			log.Debug("gateway: slot cleared")
		}
	}()

	h.metrics.ActiveConnections.Add(ctx, 1)
	defer h.metrics.ActiveConnections.Add(context.WithoutCancel(ctx), -1)
	log.Info("gateway: client connected")

	err = h.receive(ctx, conn, log)
	switch status := websocket.CloseStatus(err); status {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusPolicyViolation:
		log.Info("gateway: client disconnected", "status", status)
	default:
		log.Warn("gateway: connection lost", "err", err)
	}
}

// install places ch in the slot according to the takeover policy. It
// reports false when the connection must be rejected.
func (h *Handler) install(ch *wsChannel, log *slog.Logger) bool {
	switch h.takeover {
	case TakeoverReject:
		return h.slot.SetIfEmpty(ch)
	case TakeoverClose:
		if prev := h.slot.Swap(ch); prev != nil {
			log.Info("gateway: closing replaced connection", "replaced_conn_id", prev.ID())
			go func() { _ = prev.Close("replaced") }()
		}
	default:
		if prev := h.slot.Swap(ch); prev != nil {
			log.Info("gateway: previous connection orphaned", "orphaned_conn_id", prev.ID())
		}
	}
	return true
}

// receive reads messages until an error occurs.
func (h *Handler) receive(ctx context.Context, conn *websocket.Conn, log *slog.Logger) error {
	conv := &audio.FormatConverter{
		TargetRate: h.engine.SampleRate(),
		OnFallback: func(error) { h.metrics.ResampleFallbacks.Add(ctx, 1) },
	}
	for {
		typ, msg, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageBinary {
			log.Debug("gateway: ignoring non-binary message", "type", typ)
			continue
		}
		h.metrics.FramesReceived.Add(ctx, 1)
		h.handleFrame(ctx, msg, conv, log)
	}
}

// handleFrame decodes one frame and feeds its audio. Every failure drops
// just this frame.
func (h *Handler) handleFrame(ctx context.Context, msg []byte, conv *audio.FormatConverter, log *slog.Logger) {
	md, pcm, err := protocol.Decode(msg)
	if err != nil {
		h.metrics.RecordFrameDropped(ctx, observe.ReasonProtocol)
		log.Debug("gateway: dropping malformed frame", "err", err)
		return
	}
	if !h.engine.Ready() {
		h.metrics.RecordFrameDropped(ctx, observe.ReasonNotReady)
		log.Debug("gateway: engine not ready, dropping frame")
		return
	}
	if len(pcm) < audio.BytesPerSample {
		return
	}

	chunk, _ := conv.Convert(audio.Chunk{Data: pcm, SampleRate: md.SampleRate})
	h.engine.Feed(chunk.Data)
}

func (h *Handler) track(ch *wsChannel) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.shutdown {
		return false
	}
	h.conns[ch] = struct{}{}
	return true
}

func (h *Handler) untrack(ch *wsChannel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, ch)
}

// Shutdown closes every open connection with status 1001 and refuses new
// ones. Hijacked WebSocket connections are not closed by
// http.Server.Shutdown, so the app registers this with RegisterOnShutdown.
func (h *Handler) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.shutdown = true
	for ch := range h.conns {
		go func() { _ = ch.conn.Close(websocket.StatusGoingAway, "shutting down") }()
	}
}
