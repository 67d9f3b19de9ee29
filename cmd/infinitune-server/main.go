// Command infinitune-server runs the generation server: the playlist
// supervisor, song pipeline, endpoint queues, and room runtime behind one
// HTTP listener.
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

	"github.com/beastyrabbit/infinitune-sub001/internal/app"
	"github.com/beastyrabbit/infinitune-sub001/internal/config"
	"github.com/beastyrabbit/infinitune-sub001/internal/observe"
	"github.com/beastyrabbit/infinitune-sub001/internal/provider"
	audiohttp "github.com/beastyrabbit/infinitune-sub001/internal/provider/audio"
	imagehttp "github.com/beastyrabbit/infinitune-sub001/internal/provider/image"
	llmhttp "github.com/beastyrabbit/infinitune-sub001/internal/provider/llm"
	"github.com/beastyrabbit/infinitune-sub001/internal/resilience"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "infinitune-server: config file %q not found — run `infinitune setup` to create one\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "infinitune-server: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))

	slog.Info("infinitune server starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"backend", cfg.DataService.Backend,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "infinitune-server"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sdctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sdctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := provider.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Application wiring ────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot-reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(_, newCfg *config.Config) {
		application.ApplyConfig(ctx, newCfg)
	})
	if err != nil {
		slog.Warn("config watcher unavailable, hot-reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders installs the provider implementations that ship
// with the server. All three generation capabilities speak plain HTTP to
// their inference backends.
func registerBuiltinProviders(reg *provider.Registry) {
	reg.RegisterLLM("http", func(e provider.Entry) (provider.LLM, error) {
		return llmhttp.New(e.BaseURL, e.APIKey, e.Model)
	})
	reg.RegisterImage("http", func(e provider.Entry) (provider.Image, error) {
		return imagehttp.New(e.BaseURL, e.APIKey, e.Model)
	})
	reg.RegisterAudio("http", func(e provider.Entry) (provider.Audio, error) {
		return audiohttp.New(e.BaseURL, e.APIKey)
	})
}

// buildProviders instantiates the three capabilities named in cfg and wraps
// each in its circuit breaker.
func buildProviders(cfg *config.Config, reg *provider.Registry) (*app.Providers, error) {
	toEntry := func(e config.ProviderEntry) provider.Entry {
		return provider.Entry{Name: e.Name, APIKey: e.APIKey, BaseURL: e.BaseURL, Model: e.Model, Options: e.Options}
	}

	llm, err := reg.CreateLLM(toEntry(cfg.Providers.LLM))
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	image, err := reg.CreateImage(toEntry(cfg.Providers.Image))
	if err != nil {
		return nil, fmt.Errorf("create image provider %q: %w", cfg.Providers.Image.Name, err)
	}
	audio, err := reg.CreateAudio(toEntry(cfg.Providers.Audio))
	if err != nil {
		return nil, fmt.Errorf("create audio provider %q: %w", cfg.Providers.Audio.Name, err)
	}

	breakers := resilience.FallbackConfig{}
	ps := &app.Providers{
		LLM:   resilience.NewLLMBreaker(llm, cfg.Providers.LLM.Name, breakers),
		Image: resilience.NewImageBreaker(image, cfg.Providers.Image.Name, breakers),
		Audio: resilience.NewAudioBreaker(audio, cfg.Providers.Audio.Name, breakers),
	}

	slog.Info("providers created",
		"llm", cfg.Providers.LLM.Name,
		"image", cfg.Providers.Image.Name,
		"audio", cfg.Providers.Audio.Name,
	)
	return ps, nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
