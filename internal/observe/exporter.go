package observe

import (
	"context"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// TraceExporterConfig selects where spans are exported.
type TraceExporterConfig struct {
	// OTLPEndpoint is a host:port of an OTLP/gRPC collector. It takes
	// precedence over Stdout.
	OTLPEndpoint string

	// OTLPInsecure disables TLS towards the collector.
	OTLPInsecure bool

	// Stdout pretty-prints spans to Writer (default os.Stdout).
	Stdout bool
	Writer io.Writer
}

// NewTraceExporter builds the span exporter described by cfg. It returns a
// nil exporter when tracing export is not configured; spans are then
// recorded but dropped.
func NewTraceExporter(ctx context.Context, cfg TraceExporterConfig) (sdktrace.SpanExporter, error) {
	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	}
	if cfg.Stdout {
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		return stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	}
	return nil, nil
}
