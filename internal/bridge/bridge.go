// Package bridge moves transcript events from the engine goroutine to
// whichever client connection currently owns the session slot.
//
// A Bridge is the single owner of outbound socket writes: it drains the
// engine's event channel in FIFO order on one goroutine and never buffers or
// replays events for connections that arrive later.
package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/internal/session"
	"github.com/MrWong99/livescribe/pkg/protocol"
)

const defaultWriteTimeout = 5 * time.Second

// Option is a functional option for configuring a Bridge.
type Option func(*Bridge)

// WithWriteTimeout bounds each Send. Defaults to 5 s.
func WithWriteTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.writeTimeout = d
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// Bridge delivers events to the slot's current channel.
type Bridge struct {
	events       <-chan protocol.Event
	slot         *session.Slot
	writeTimeout time.Duration
	metrics      *observe.Metrics
}

// New creates a Bridge reading from events and delivering to slot.
func New(events <-chan protocol.Event, slot *session.Slot, opts ...Option) *Bridge {
	b := &Bridge{
		events:       events,
		slot:         slot,
		writeTimeout: defaultWriteTimeout,
	}
	for _, o := range opts {
		o(b)
	}
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	return b
}

// Run delivers events until ctx is cancelled or the event channel is closed.
// It always returns nil; delivery failures are logged and counted.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-b.events:
			if !ok {
				return nil
			}
			b.deliver(ctx, ev)
		}
	}
}

// deliver sends ev to the current channel, if any. The slot is read once so
// that a concurrent takeover affects only later events.
func (b *Bridge) deliver(ctx context.Context, ev protocol.Event) {
	ch := b.slot.Load()
	if ch == nil {
		b.metrics.RecordEventDropped(ctx, observe.ReasonNoConnection)
		slog.Debug("bridge: no connection, dropping event", "kind", ev.Kind)
		return
	}

	msg, err := protocol.Encode(ev)
	if err != nil {
		slog.Error("bridge: encode event", "err", err)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, b.writeTimeout)
	defer cancel()
	if err := ch.Send(sendCtx, msg); err != nil {
		b.metrics.RecordEventDropped(ctx, observe.ReasonSendFailed)
		slog.Warn("bridge: send failed", "conn_id", ch.ID(), "kind", ev.Kind, "err", err)
		if b.slot.ClearIf(ch) {
			slog.Info("bridge: cleared failed connection", "conn_id", ch.ID())
		}
		return
	}
	b.metrics.RecordEventDelivered(ctx, ev.Kind)
}
