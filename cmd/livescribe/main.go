// Command livescribe is the real-time speech-to-text WebSocket gateway.
//
// Usage:
//
//	livescribe [-config livescribe.yaml]
//
// Without -config the gateway is configured from defaults and LIVESCRIBE_*
// environment variables only. Clients stream framed PCM audio to ws://host/
// and receive {"type":"realtime","text":"..."} messages.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/livescribe/internal/app"
	"github.com/MrWong99/livescribe/internal/config"
	"github.com/MrWong99/livescribe/internal/engine"
	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
	"github.com/MrWong99/livescribe/pkg/provider/stt/vosk"
	"github.com/MrWong99/livescribe/pkg/provider/stt/whisper"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (optional)")
	watch := flag.Bool("watch", true, "reload log_level when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "livescribe: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "livescribe: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(newLogger(level))

	slog.Info("livescribe starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *configPath != "" && *watch {
		w, err := config.NewWatcher(*configPath, func(_ *config.Config, d config.ConfigDiff) {
			applyReload(level, d)
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			go w.Run(ctx)
		}
	}

	// ── Telemetry ─────────────────────────────────────────────────────────────

	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		Traces: observe.TraceExporterConfig{
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			OTLPInsecure: cfg.Telemetry.OTLPInsecure,
			Stdout:       cfg.Telemetry.StdoutTraces,
		},
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Recognition backend ───────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)

	loader, err := reg.Create(cfg.Engine)
	if err != nil {
		slog.Error("failed to create recognition backend", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	// ── Run ───────────────────────────────────────────────────────────────────
	application := app.New(cfg, loader, app.WithMetricsHandler(telemetry.MetricsHandler()))
	if err := application.Run(ctx); err != nil {
		if errors.Is(err, engine.ErrEngineFatal) {
			slog.Error("recognition engine failed to start", "err", err)
		} else {
			slog.Error("run error", "err", err)
		}
		return 1
	}

	slog.Info("goodbye")
	return 0
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.FromEnv()
	}
	return config.Load(path)
}

// applyReload applies the hot-reloadable part of a config change and warns
// about the rest.
func applyReload(level *slog.LevelVar, d config.ConfigDiff) {
	if d.LogLevelChanged {
		level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart to take effect", "changed", d.RestartRequired)
	}
}

// ── Backend wiring ────────────────────────────────────────────────────────────

// registerBuiltinBackends wires the recognition backends that ship with
// livescribe into reg.
func registerBuiltinBackends(reg *config.Registry) {
	reg.Register("whisper", func(cfg config.EngineConfig) (stt.Loader, error) {
		var opts []whisper.Option
		if cfg.Threads > 0 {
			opts = append(opts, whisper.WithThreads(uint(cfg.Threads)))
		}
		return whisper.NewLoader(opts...), nil
	})
	reg.Register("vosk", func(config.EngineConfig) (stt.Loader, error) {
		return &vosk.Loader{Verbose: slog.Default().Enabled(context.Background(), slog.LevelDebug)}, nil
	})
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       livescribe: startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Backend", cfg.Engine.Backend)
	printRow("Model", cfg.Engine.Model)
	printRow("Realtime model", orDefault(cfg.Engine.RealtimeModel, "(same as model)"))
	printRow("Language", cfg.Engine.Language)
	printRow("Full sentences", fmt.Sprint(cfg.Engine.EmitFullSentences))
	printRow("Takeover", string(cfg.Server.Takeover))
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, value string) {
	if len([]rune(value)) > 19 {
		value = "…" + string([]rune(value)[len([]rune(value))-18:])
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", kind, value)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
