// Package observe provides application-wide observability primitives for
// livescribe: OpenTelemetry metrics, tracing, and HTTP middleware that ties
// them together with structured logging.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// installs a Prometheus collector so they can be scraped at /metrics, and
// optionally exports spans over OTLP or to stdout. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all livescribe metrics.
const meterName = "github.com/MrWong99/livescribe"

// Drop reasons used with the frames and events dropped counters.
const (
	ReasonProtocol     = "protocol"
	ReasonNotReady     = "not_ready"
	ReasonQueueFull    = "queue_full"
	ReasonNoConnection = "no_connection"
	ReasonSendFailed   = "send_failed"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Ingest ---

	// FramesReceived counts binary frames read from the client socket.
	FramesReceived metric.Int64Counter

	// FramesDropped counts inbound frames discarded before reaching the
	// engine. Use with attribute:
	//   attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// ResampleFallbacks counts frames forwarded at their original rate
	// because resampling failed.
	ResampleFallbacks metric.Int64Counter

	// --- Engine ---

	// AudioFed counts PCM bytes accepted into the engine queue.
	AudioFed metric.Int64Counter

	// AudioOverflow counts chunks dropped because the engine queue was full.
	AudioOverflow metric.Int64Counter

	// RecognitionDuration tracks recogniser inference latency. Use with
	// attribute:
	//   attribute.String("pass", "realtime"|"final")
	RecognitionDuration metric.Float64Histogram

	// EngineState records the current engine lifecycle state as an integer.
	EngineState metric.Int64Gauge

	// --- Delivery ---

	// EventsEmitted counts transcript events produced by the engine. Use
	// with attribute:
	//   attribute.String("kind", ...)
	EventsEmitted metric.Int64Counter

	// EventsDelivered counts transcript events written to a client.
	EventsDelivered metric.Int64Counter

	// EventsDropped counts transcript events that never reached a client.
	// Use with attribute:
	//   attribute.String("reason", ...)
	EventsDropped metric.Int64Counter

	// ActiveConnections tracks the number of open client sockets.
	ActiveConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration is labelled with method, route and upgraded. For
	// WebSocket sessions it measures the whole session.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// recogniser latencies, from tiny realtime passes to large final models.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Ingest.
	if met.FramesReceived, err = m.Int64Counter("livescribe.frames.received",
		metric.WithDescription("Total binary frames received from clients."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("livescribe.frames.dropped",
		metric.WithDescription("Total inbound frames dropped by reason."),
	); err != nil {
		return nil, err
	}
	if met.ResampleFallbacks, err = m.Int64Counter("livescribe.resample.fallbacks",
		metric.WithDescription("Total frames forwarded unresampled after a resample failure."),
	); err != nil {
		return nil, err
	}

	// Engine.
	if met.AudioFed, err = m.Int64Counter("livescribe.engine.audio",
		metric.WithDescription("Total PCM bytes queued for the recognition engine."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.AudioOverflow, err = m.Int64Counter("livescribe.engine.audio_overflow",
		metric.WithDescription("Total audio chunks dropped because the engine queue was full."),
	); err != nil {
		return nil, err
	}
	if met.RecognitionDuration, err = m.Float64Histogram("livescribe.engine.recognition.duration",
		metric.WithDescription("Latency of recogniser inference by pass."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EngineState, err = m.Int64Gauge("livescribe.engine.state",
		metric.WithDescription("Engine lifecycle state (0 uninitialized, 1 loading, 2 ready, 3 feeding, 4 failed)."),
	); err != nil {
		return nil, err
	}

	// Delivery.
	if met.EventsEmitted, err = m.Int64Counter("livescribe.events.emitted",
		metric.WithDescription("Total transcript events produced by the engine by kind."),
	); err != nil {
		return nil, err
	}
	if met.EventsDelivered, err = m.Int64Counter("livescribe.events.delivered",
		metric.WithDescription("Total transcript events written to a client by kind."),
	); err != nil {
		return nil, err
	}
	if met.EventsDropped, err = m.Int64Counter("livescribe.events.dropped",
		metric.WithDescription("Total transcript events dropped by reason."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("livescribe.active_connections",
		metric.WithDescription("Number of open client sockets."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("livescribe.http.request.duration",
		metric.WithDescription("HTTP request and WebSocket session duration by method and route."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFrameDropped records one dropped inbound frame.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordEventEmitted records one transcript event produced by the engine.
func (m *Metrics) RecordEventEmitted(ctx context.Context, kind string) {
	m.EventsEmitted.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordEventDelivered records one transcript event written to a client.
func (m *Metrics) RecordEventDelivered(ctx context.Context, kind string) {
	m.EventsDelivered.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordEventDropped records one transcript event that was not delivered.
func (m *Metrics) RecordEventDropped(ctx context.Context, reason string) {
	m.EventsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordRecognition records the latency of one recogniser pass.
func (m *Metrics) RecordRecognition(ctx context.Context, pass string, d time.Duration) {
	m.RecognitionDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("pass", pass)))
}
