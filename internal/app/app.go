// Package app wires the Infinitune generation server's subsystems into a
// running application: the data service, the three endpoint queues, the
// song pipeline, the playlist supervisor, the room runtime, and the HTTP
// surface (websocket channel, health probes, metrics).
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithStore, WithMetrics). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/beastyrabbit/infinitune-sub001/internal/config"
	"github.com/beastyrabbit/infinitune-sub001/internal/data"
	"github.com/beastyrabbit/infinitune-sub001/internal/data/memstore"
	"github.com/beastyrabbit/infinitune-sub001/internal/data/postgres"
	"github.com/beastyrabbit/infinitune-sub001/internal/health"
	"github.com/beastyrabbit/infinitune-sub001/internal/observe"
	"github.com/beastyrabbit/infinitune-sub001/internal/pipeline"
	"github.com/beastyrabbit/infinitune-sub001/internal/playlist"
	"github.com/beastyrabbit/infinitune-sub001/internal/provider"
	"github.com/beastyrabbit/infinitune-sub001/internal/queue"
	"github.com/beastyrabbit/infinitune-sub001/internal/room"
)

// Providers holds one interface value per generation capability. Populated
// by main via the provider registry.
type Providers struct {
	LLM   provider.LLM
	Image provider.Image
	Audio provider.Audio
}

// App owns all subsystem lifetimes of the generation server.
type App struct {
	cfg       *config.Config
	providers *Providers

	store      data.Store
	metrics    *observe.Metrics
	queues     *queue.Set
	pipeline   *pipeline.Manager
	supervisor *playlist.Supervisor
	rooms      *room.Manager
	httpSrv    *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a data store instead of creating one from config.
func WithStore(s data.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics injects a metrics sink instead of building one from the
// global meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. The providers
// struct comes from main (populated via the provider registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	if a.metrics == nil {
		m, err := observe.NewMetrics(otel.GetMeterProvider())
		if err != nil {
			return nil, fmt.Errorf("app: init metrics: %w", err)
		}
		a.metrics = m
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	a.initQueues()
	a.initPipeline()
	a.initSupervisor()
	a.initRooms()
	a.initHTTP()

	return a, nil
}

// initStore selects the configured persistence backend; memory is the
// default when no backend is named.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	switch a.cfg.DataService.Backend {
	case "", "memory":
		a.store = memstore.New()
	case "postgres":
		dsn := a.cfg.DataService.PostgresDSN
		if dsn == "" {
			return fmt.Errorf("data_service.postgres_dsn is required for the postgres backend")
		}
		store, err := postgres.NewStore(ctx, dsn)
		if err != nil {
			return err
		}
		a.store = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
	default:
		return fmt.Errorf("unknown data_service.backend %q", a.cfg.DataService.Backend)
	}
	return nil
}

func (a *App) initQueues() {
	audioPoll := func(ctx context.Context, taskID string) (provider.AudioPollResult, error) {
		return a.providers.Audio.PollAudio(ctx, taskID)
	}
	a.queues = queue.NewSet(
		a.cfg.Queues.LLMConcurrency,
		a.cfg.Queues.ImageConcurrency,
		queue.AudioQueueConfig{
			PollInterval:  a.cfg.Queues.AudioPollInterval,
			NotFoundGrace: a.cfg.Queues.AudioNotFoundGrace,
		},
		audioPoll,
		a.metrics,
	)
	a.closers = append(a.closers, func() error {
		a.queues.Stop()
		return nil
	})
}

func (a *App) initPipeline() {
	var opts []pipeline.Option
	if a.cfg.Playlist.DedupWindow > 0 {
		opts = append(opts, pipeline.WithDedupWindow(a.cfg.Playlist.DedupWindow))
	}
	a.pipeline = pipeline.NewManager(
		a.store,
		a.providers.LLM,
		a.providers.Image,
		a.providers.Audio,
		a.queues,
		a.metrics,
		opts...,
	)
}

func (a *App) initSupervisor() {
	a.supervisor = playlist.New(playlist.Config{
		Store:            a.store,
		Workers:          a.pipeline,
		Queues:           a.queues,
		LLM:              a.providers.LLM,
		Audio:            a.providers.Audio,
		Metrics:          a.metrics,
		BufferTarget:     a.cfg.Playlist.BufferTarget,
		HeartbeatTimeout: a.cfg.Playlist.HeartbeatTimeout,
	})
	a.closers = append(a.closers, func() error {
		a.supervisor.Stop()
		return nil
	})
}

func (a *App) initRooms() {
	a.rooms = room.NewManager(room.Config{
		Store:            a.store,
		Metrics:          a.metrics,
		Heartbeats:       a.supervisor,
		StartAtLookahead: a.cfg.Room.StartAtLookahead,
		DriftThreshold:   a.cfg.Room.DriftThreshold,
	})
	a.closers = append(a.closers, func() error {
		a.rooms.Stop()
		return nil
	})
}

func (a *App) initHTTP() {
	mux := http.NewServeMux()
	mux.Handle("/ws/room", a.rooms)
	mux.Handle("/metrics", promhttp.Handler())

	checks := health.New(
		health.Checker{Name: "data", Check: a.checkStore},
	)
	checks.Register(mux)

	a.httpSrv = &http.Server{
		Addr:    a.cfg.Server.ListenAddr,
		Handler: observe.Middleware(a.metrics)(mux),
	}
}

// checkStore probes the data service for the readiness endpoint.
func (a *App) checkStore(ctx context.Context) error {
	_, err := a.store.Playlists().ListActive(ctx)
	return err
}

// Handler exposes the HTTP surface for tests.
func (a *App) Handler() http.Handler { return a.httpSrv.Handler }

// Supervisor exposes the playlist supervisor (used by the server's control
// surfaces to steer and heartbeat playlists).
func (a *App) Supervisor() *playlist.Supervisor { return a.supervisor }

// Rooms exposes the room manager.
func (a *App) Rooms() *room.Manager { return a.rooms }

// Store exposes the data service handle.
func (a *App) Store() data.Store { return a.store }

// ApplyConfig hot-applies the restart-safe parts of a reloaded config:
// queue concurrency limits are retuned without dropping work, and a
// settings.changed event is published for anything watching the data
// service.
func (a *App) ApplyConfig(ctx context.Context, newCfg *config.Config) {
	diff := config.Diff(a.cfg, newCfg)
	if diff.QueuesChanged {
		a.queues.RefreshConcurrency(queue.ProviderLimits{
			LLM:   newCfg.Queues.LLMConcurrency,
			Image: newCfg.Queues.ImageConcurrency,
		})
		slog.Info("queue concurrency refreshed",
			"llm", newCfg.Queues.LLMConcurrency,
			"image", newCfg.Queues.ImageConcurrency)
	}
	if diff.LogLevelChanged {
		slog.Info("log level change requires restart", "new_level", diff.NewLogLevel)
	}
	a.cfg = newCfg
	a.store.Events().Publish(ctx, data.Event{Kind: data.EventSettingsChanged, At: time.Now()})
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run performs the startup sweep, starts the background loops, serves HTTP,
// and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if err := a.supervisor.Start(ctx); err != nil {
		return err
	}
	a.rooms.Start(ctx)

	errCh := make(chan error, 1)
	if a.cfg.Server.ListenAddr != "" {
		go func() {
			slog.Info("server listening", "addr", a.cfg.Server.ListenAddr)
			if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		drain, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := a.httpSrv.Shutdown(drain); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
