package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/livescribe"

// ConnIDKey is the span attribute carrying the WebSocket connection id.
const ConnIDKey = attribute.Key("livescribe.conn_id")

type connIDKey struct{}

// Tracer returns the livescribe tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on [Tracer]. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID is the hex trace id of the span in ctx, or "" without one.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// WithConnID tags ctx, and the span it carries, with a connection id so
// every log line written through [Logger] can be tied to one client.
func WithConnID(ctx context.Context, id string) context.Context {
	trace.SpanFromContext(ctx).SetAttributes(ConnIDKey.String(id))
	return context.WithValue(ctx, connIDKey{}, id)
}

// ConnID returns the id stored by [WithConnID], or "".
func ConnID(ctx context.Context) string {
	id, _ := ctx.Value(connIDKey{}).(string)
	return id
}

// Logger returns the default logger with trace_id, span_id and conn_id
// attributes taken from ctx. Missing values are left out.
func Logger(ctx context.Context) *slog.Logger {
	var attrs []any
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if id := ConnID(ctx); id != "" {
		attrs = append(attrs, slog.String("conn_id", id))
	}
	if len(attrs) == 0 {
		return slog.Default()
	}
	return slog.Default().With(attrs...)
}
