// Command babelrelay relays speech between two languages in real time. Each
// configured direction captures audio, recognizes it, translates the text and
// speaks the translation on the opposite device.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/MrWong99/babelrelay/internal/config"
	"github.com/MrWong99/babelrelay/internal/health"
	"github.com/MrWong99/babelrelay/internal/observe"
	"github.com/MrWong99/babelrelay/internal/pipeline"
	"github.com/MrWong99/babelrelay/pkg/provider/tts"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	listVoices := flag.Bool("list-voices", false, "print the voices of the configured synthesizer and exit")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "babelrelay: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "babelrelay: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(cfg.Server.LogFormat, &level))

	slog.Info("babelrelay starting",
		"version", version,
		"config", *configPath,
		"directions", len(cfg.Directions),
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.WithServiceVersion(version))
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	var closers closerList
	defer closers.closeAll()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg, &closers)

	if *listVoices {
		return printVoices(ctx, reg, cfg.Providers.TTS)
	}

	deps, devices, err := buildDeps(cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	p, err := pipeline.New(pipelineConfig(cfg, devices), deps, pipeline.WithMetrics(metrics))
	if err != nil {
		slog.Error("invalid pipeline configuration", "err", err)
		return 1
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyReload(config.Diff(old, new), &level, p)
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── HTTP: probes and metrics ──────────────────────────────────────────────
	if cfg.Server.ListenAddr != "" {
		srv := newHTTPServer(cfg.Server.ListenAddr, p, metrics)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http server error", "err", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	printStartupSummary(cfg, deps.Translator)
	slog.Info("relay running; press Ctrl+C to stop")

	if err := p.Run(ctx); err != nil {
		slog.Error("relay stopped with error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

func newHTTPServer(addr string, p *pipeline.Pipeline, metrics *observe.Metrics) *http.Server {
	mux := http.NewServeMux()
	health.New(
		[]health.Checker{{Name: "pipeline", Check: p.Ready}},
		health.WithStatus(func() any { return p.Status() }),
	).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// applyReload applies the hot-reloadable parts of a config change and warns
// about the rest.
func applyReload(d config.ConfigDiff, level *slog.LevelVar, p *pipeline.Pipeline) {
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.EchoWindowChanged {
		window := d.NewEchoWindow
		if window <= 0 {
			window = pipeline.DefaultEchoWindow
		}
		p.EchoGuard().SetWindow(window)
		slog.Info("echo window changed", "window", window)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config change takes effect after restart", "sections", d.RestartRequired)
	}
}

// printVoices lists the synthesizer's voices on stdout.
func printVoices(ctx context.Context, reg *config.Registry, entry config.ProviderEntry) int {
	d, err := reg.CreateTTS(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "babelrelay: %v\n", err)
		return 1
	}
	lister, ok := d.(interface {
		ListVoices(ctx context.Context) ([]tts.VoiceProfile, error)
	})
	if !ok {
		fmt.Fprintf(os.Stderr, "babelrelay: synthesizer %q cannot list voices\n", entry.Name)
		return 1
	}
	voices, err := lister.ListVoices(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "babelrelay: list voices: %v\n", err)
		return 1
	}
	for _, v := range voices {
		fmt.Printf("%-24s %s\n", v.ID, v.Name)
	}
	return 0
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(format config.LogFormat, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
