// Package app wires the livescribe subsystems into a running gateway.
//
// The App owns the full lifecycle: New builds the engine, session slot,
// bridge and HTTP handlers from the config, and Run executes them under one
// errgroup until the context is cancelled or the engine fails.
//
// For testing, inject a mock [stt.Loader] into New and a pre-bound listener
// via [WithListener].
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livescribe/internal/bridge"
	"github.com/MrWong99/livescribe/internal/config"
	"github.com/MrWong99/livescribe/internal/engine"
	"github.com/MrWong99/livescribe/internal/gateway"
	"github.com/MrWong99/livescribe/internal/health"
	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/internal/session"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithListener serves on l instead of listening on server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithMetrics sets the metrics sink for every subsystem. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h at /metrics instead of the default Prometheus
// registry handler.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithEngineOptions passes extra options to [engine.New].
func WithEngineOptions(opts ...engine.Option) Option {
	return func(a *App) { a.engineOpts = append(a.engineOpts, opts...) }
}

// App owns all subsystem lifetimes.
type App struct {
	cfg            *config.Config
	metrics        *observe.Metrics
	metricsHandler http.Handler
	listener       net.Listener
	engineOpts     []engine.Option

	engine  *engine.Engine
	slot    *session.Slot
	gateway *gateway.Handler
	bridge  *bridge.Bridge
	health  *health.Handler

	listening chan struct{}
}

// New creates an App from cfg. loader builds the recognizer once the engine
// starts; nothing is loaded until Run.
func New(cfg *config.Config, loader stt.Loader, opts ...Option) *App {
	a := &App{
		cfg:       cfg,
		slot:      &session.Slot{},
		listening: make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	engineOpts := append([]engine.Option{engine.WithMetrics(a.metrics)}, a.engineOpts...)
	a.engine = engine.New(loader, EngineConfig(cfg), engineOpts...)

	a.gateway = gateway.New(a.engine, a.slot,
		gateway.WithTakeover(cfg.Server.Takeover),
		gateway.WithMaxFrameBytes(cfg.Server.MaxFrameBytes),
		gateway.WithOriginPatterns(cfg.Server.OriginPatterns...),
		gateway.WithMetrics(a.metrics),
	)
	a.bridge = bridge.New(a.engine.Events(), a.slot,
		bridge.WithWriteTimeout(config.Seconds(cfg.Server.WriteTimeout)),
		bridge.WithMetrics(a.metrics),
	)
	a.health = health.New(health.EngineChecker(a.engine.Ready, func() string {
		return a.engine.State().String()
	}))
	return a
}

// EngineConfig maps the file configuration onto the engine's settings.
func EngineConfig(cfg *config.Config) engine.Config {
	ec := engine.Config{
		Model:             cfg.Engine.Model,
		RealtimeModel:     cfg.Engine.RealtimeModel,
		Language:          cfg.Engine.Language,
		SampleRate:        cfg.Engine.SampleRate,
		PostSpeechSilence: config.Seconds(cfg.VAD.PostSpeechSilence),
		FrameDuration:     time.Duration(cfg.VAD.FrameMs) * time.Millisecond,
		RealtimeInterval:  config.Seconds(cfg.Engine.RealtimeInterval),
		MaxUtterance:      config.Seconds(cfg.Engine.MaxUtterance),
		Preroll:           config.Seconds(cfg.Engine.Preroll),
		EmitFullSentences: cfg.Engine.EmitFullSentences,
	}
	if cfg.VAD.Sensitivity != nil {
		ec.Sensitivity = *cfg.VAD.Sensitivity
	}
	if cfg.VAD.NoiseGate != nil {
		ec.NoiseGate = *cfg.VAD.NoiseGate
	}
	return ec
}

// Engine returns the recognition engine.
func (a *App) Engine() *engine.Engine { return a.engine }

// Listening is closed once the HTTP server accepts connections.
func (a *App) Listening() <-chan struct{} { return a.listening }

// Handler returns the HTTP routes wrapped in the observability middleware:
// the WebSocket endpoint at / and /ws, health probes, and /metrics.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /{$}", a.gateway)
	mux.Handle("GET /ws", a.gateway)
	a.health.Register(mux)
	metrics := a.metricsHandler
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	mux.Handle("GET /metrics", metrics)
	return observe.Middleware(a.metrics)(mux)
}

// Run starts the engine, the bridge and the HTTP server and blocks until ctx
// is cancelled or one of them fails. A model load failure is returned
// wrapped in [engine.ErrEngineFatal]; a clean shutdown returns nil.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.engine.Run(gctx) })
	g.Go(func() error { return a.bridge.Run(gctx) })
	g.Go(func() error { return a.serve(gctx) })

	err := g.Wait()
	if err != nil {
		return err
	}
	slog.Info("app: stopped")
	return nil
}

// serve runs the HTTP server until ctx is done. With wait_for_engine the
// listener opens only after the models are loaded.
func (a *App) serve(ctx context.Context) error {
	if a.cfg.Server.WaitsForEngine() {
		slog.Info("app: waiting for engine before accepting connections")
		if err := a.engine.WaitReady(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}

	l := a.listener
	if l == nil {
		var err error
		l, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
		}
	}

	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	srv.RegisterOnShutdown(a.gateway.Shutdown)

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(l) }()
	close(a.listening)
	slog.Info("app: listening", "addr", l.Addr().String())

	select {
	case err := <-errc:
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
	}

	a.health.Drain()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("app: shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("app: serve: %w", err)
	}
	return nil
}
