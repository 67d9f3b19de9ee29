// Package playlist implements the Playlist Supervisor: the component that
// maintains each playlist's rolling song buffer, prompt epoch, manager
// brief, and active/closing/closed lifecycle.
//
// One supervisor serves the whole process: a single mutex-guarded table of
// live playlists, a background lifecycle loop watching each playlist's
// heartbeat deadline, and per-playlist locks serializing buffer checks and
// epoch steers.
package playlist

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/beastyrabbit/infinitune-sub001/internal/data"
	"github.com/beastyrabbit/infinitune-sub001/internal/observe"
	"github.com/beastyrabbit/infinitune-sub001/internal/provider"
	"github.com/beastyrabbit/infinitune-sub001/internal/queue"
)

// Default tuning, overridable via Config.
const (
	defaultBufferTarget            = 5
	defaultHeartbeatTimeout        = 90 * time.Second
	defaultStaleTransientThreshold = 10 * time.Minute
	defaultPersonaInterval         = 5 * time.Minute
	defaultPersonaBatchSize        = 10
	defaultBriefInterval           = 30 * time.Second

	// lifecycleSweepInterval is how often the background loop re-checks
	// every known playlist's heartbeat deadline and closing drain state.
	lifecycleSweepInterval = 10 * time.Second
)

// SongWorkers is the narrow slice of pipeline.Manager the supervisor needs:
// spawn, cancel, and query song workers without importing the pipeline
// package's concrete Manager type.
type SongWorkers interface {
	Spawn(ctx context.Context, songID string)
	Cancel(songID string)
	Active(songID string) bool
}

// Config holds a Supervisor's dependencies and tunables. Zero-valued
// duration/int fields fall back to the documented defaults.
type Config struct {
	Store   data.Store
	Workers SongWorkers
	Queues  *queue.Set
	LLM     provider.LLM
	Audio   provider.Audio
	Metrics *observe.Metrics

	// BufferTarget is the number of upcoming (not-yet-consumed, non-error)
	// songs an endless playlist tries to keep buffered. Default 5.
	BufferTarget int

	// HeartbeatTimeout is how long a playlist may go without a heartbeat
	// before it transitions active → closing. Default 90s.
	HeartbeatTimeout time.Duration

	// StaleTransientThreshold is how long a song may sit in a transient
	// status before the startup sweep treats it as abandoned and removes
	// it. Default 10m.
	StaleTransientThreshold time.Duration

	// PersonaInterval is how often the stale persona refresh job runs.
	// Default 5m.
	PersonaInterval time.Duration

	// PersonaBatchSize caps how many songs one persona refresh tick claims.
	// Default 10.
	PersonaBatchSize int

	// BriefInterval is how often the manager-brief maintenance job scans
	// for playlists whose managerEpoch has fallen behind promptEpoch.
	// Default 30s.
	BriefInterval time.Duration
}

// Supervisor implements the Playlist Supervisor: per-playlist
// buffer maintenance, epoch discipline, heartbeat lifecycle, the startup
// sweep, the stale persona refresh job, and the manager-brief maintenance
// job. One playlist's mutations are serialized behind its own
// playlistState.mu, the per-playlist buffer lock; other playlists proceed
// independently.
type Supervisor struct {
	store   data.Store
	workers SongWorkers
	queues  *queue.Set
	llm     provider.LLM
	audio   provider.Audio
	metrics *observe.Metrics

	bufferTarget            int
	heartbeatTimeout        time.Duration
	staleTransientThreshold time.Duration
	personaInterval         time.Duration
	personaBatchSize        int
	briefInterval           time.Duration

	mu        sync.Mutex
	playlists map[string]*playlistState

	done     chan struct{}
	stopOnce sync.Once
}

// playlistState is the supervisor's per-playlist bookkeeping: a lock
// serializing that playlist's buffer checks and epoch steers, plus the
// heartbeat deadline the lifecycle loop watches.
type playlistState struct {
	mu       sync.Mutex
	deadline time.Time
}

// New constructs a Supervisor. Store, Workers, Queues, LLM, and Audio must
// be set; Metrics may be nil.
func New(cfg Config) *Supervisor {
	bufferTarget := cfg.BufferTarget
	if bufferTarget <= 0 {
		bufferTarget = defaultBufferTarget
	}
	heartbeatTimeout := cfg.HeartbeatTimeout
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = defaultHeartbeatTimeout
	}
	staleThreshold := cfg.StaleTransientThreshold
	if staleThreshold <= 0 {
		staleThreshold = defaultStaleTransientThreshold
	}
	personaInterval := cfg.PersonaInterval
	if personaInterval <= 0 {
		personaInterval = defaultPersonaInterval
	}
	personaBatch := cfg.PersonaBatchSize
	if personaBatch <= 0 {
		personaBatch = defaultPersonaBatchSize
	}
	briefInterval := cfg.BriefInterval
	if briefInterval <= 0 {
		briefInterval = defaultBriefInterval
	}

	return &Supervisor{
		store:                   cfg.Store,
		workers:                 cfg.Workers,
		queues:                  cfg.Queues,
		llm:                     cfg.LLM,
		audio:                   cfg.Audio,
		metrics:                 cfg.Metrics,
		bufferTarget:            bufferTarget,
		heartbeatTimeout:        heartbeatTimeout,
		staleTransientThreshold: staleThreshold,
		personaInterval:         personaInterval,
		personaBatchSize:        personaBatch,
		briefInterval:           briefInterval,
		playlists:               make(map[string]*playlistState),
		done:                    make(chan struct{}),
	}
}

// Start performs the startup sweep and launches
// the supervisor's background loops: heartbeat/lifecycle, stale persona
// refresh, and manager-brief maintenance.
func (sv *Supervisor) Start(ctx context.Context) error {
	if err := sv.startupSweep(ctx); err != nil {
		return fmt.Errorf("playlist: startup sweep: %w", err)
	}
	go sv.heartbeatLoop(ctx)
	go sv.personaLoop(ctx)
	go sv.briefLoop(ctx)
	return nil
}

// Stop halts the supervisor's background loops. It does not cancel any song
// worker or close any playlist itself — those are lifecycle transitions the
// loops apply while they run, not teardown actions of Stop.
func (sv *Supervisor) Stop() {
	sv.stopOnce.Do(func() { close(sv.done) })
}

func (sv *Supervisor) stateFor(playlistID string) *playlistState {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	st, ok := sv.playlists[playlistID]
	if !ok {
		st = &playlistState{deadline: time.Now().Add(sv.heartbeatTimeout)}
		sv.playlists[playlistID] = st
	}
	return st
}

func (sv *Supervisor) forgetPlaylist(playlistID string) {
	sv.mu.Lock()
	delete(sv.playlists, playlistID)
	sv.mu.Unlock()
}

// Heartbeat records liveness for playlistID, resets its inactivity
// deadline, revives a closing playlist back to active (receiving a
// heartbeat is evidence a consumer is still present, so the closing clock
// should not keep counting down against it; the alternative would close a
// playlist out from under an attentive daemon), and
// tops off the buffer.
func (sv *Supervisor) Heartbeat(ctx context.Context, playlistID string) error {
	st := sv.stateFor(playlistID)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.deadline = time.Now().Add(sv.heartbeatTimeout)
	if err := sv.store.Playlists().Heartbeat(ctx, playlistID); err != nil {
		return err
	}

	pl, err := sv.store.Playlists().GetByID(ctx, playlistID)
	if err != nil {
		return err
	}
	if pl.Status == data.PlaylistClosing {
		if err := sv.store.Playlists().UpdateStatus(ctx, playlistID, data.PlaylistActive); err != nil {
			return err
		}
	}

	return sv.ensureBufferLocked(ctx, playlistID)
}

// EnsureBuffer is the public, lock-acquiring entry point for a buffer check
// outside of a heartbeat (used by the startup sweep).
func (sv *Supervisor) EnsureBuffer(ctx context.Context, playlistID string) error {
	st := sv.stateFor(playlistID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return sv.ensureBufferLocked(ctx, playlistID)
}

// Interrupt creates a highest-priority interrupt song for playlistID and
// spawns its worker immediately, bypassing the ordinary buffer/epoch flow.
func (sv *Supervisor) Interrupt(ctx context.Context, playlistID, prompt string) (data.Song, error) {
	sg, err := sv.store.Songs().CreateInterrupt(ctx, playlistID, prompt)
	if err != nil {
		return data.Song{}, err
	}
	sv.workers.Spawn(ctx, sg.SongID)
	return sg, nil
}

// RetrySong flips an errored song back to retry_pending and spawns a
// worker for it, which re-enters the pipeline exactly as a pending song
// would (grounded on data.SongStore.RetryErrored + worker.run's
// StatusRetryPending case).
func (sv *Supervisor) RetrySong(ctx context.Context, songID string) error {
	if err := sv.store.Songs().RetryErrored(ctx, songID); err != nil {
		return err
	}
	sv.workers.Spawn(ctx, songID)
	return nil
}
