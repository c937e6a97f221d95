package observe

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName defaults to "livescribe".
	ServiceName    string
	ServiceVersion string

	// Traces selects the span exporter. The zero value records spans without
	// exporting them.
	Traces TraceExporterConfig

	// Registry receives the Prometheus collector and backs
	// [Provider.MetricsHandler]. Nil means the prometheus default registry.
	Registry *prometheus.Registry
}

// Provider owns the SDK meter and tracer providers installed as OTel globals.
type Provider struct {
	meters   *sdkmetric.MeterProvider
	tracer   *sdktrace.TracerProvider
	gatherer prometheus.Gatherer
}

// InitProvider builds the meter provider behind a Prometheus collector and a
// tracer provider feeding the exporter chosen by cfg.Traces, then installs
// both, plus the W3C propagators, as OTel globals.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "livescribe"
	}
	res := resource.NewWithAttributes(semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	)

	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if cfg.Registry != nil {
		registerer, gatherer = cfg.Registry, cfg.Registry
	}
	collector, err := promexporter.New(promexporter.WithRegisterer(registerer))
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}

	spans, err := NewTraceExporter(ctx, cfg.Traces)
	if err != nil {
		return nil, fmt.Errorf("observe: trace exporter: %w", err)
	}
	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if spans != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(spans))
	}

	p := &Provider{
		meters:   sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(collector)),
		tracer:   sdktrace.NewTracerProvider(tpOpts...),
		gatherer: gatherer,
	}
	otel.SetMeterProvider(p.meters)
	otel.SetTracerProvider(p.tracer)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return p, nil
}

// MetricsHandler serves the registry the collector was registered with.
func (p *Provider) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})
}

// Shutdown flushes pending spans and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	return errors.Join(p.tracer.Shutdown(ctx), p.meters.Shutdown(ctx))
}
