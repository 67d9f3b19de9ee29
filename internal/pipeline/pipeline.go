// Package pipeline implements the Song Pipeline: a per-song worker that
// drives a song through the state machine pending → generating_metadata →
// metadata_ready → submitting_to_ace → generating_audio → saving → ready,
// using the endpoint queues for every external call.
//
// The Manager keeps one goroutine worker per live song in a mutex-guarded
// table; each worker claims its stage before acting, and the cover step runs
// as a fire-and-forget side branch of the main chain.
package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/beastyrabbit/infinitune-sub001/internal/data"
	"github.com/beastyrabbit/infinitune-sub001/internal/observe"
	"github.com/beastyrabbit/infinitune-sub001/internal/provider"
	"github.com/beastyrabbit/infinitune-sub001/internal/queue"
)

// Manager owns every live song worker and the shared collaborators workers
// need: the data store, the three provider capabilities, the endpoint queue
// set, metrics, and the saving step's storage/tag-writing helpers.
//
// Manager is safe for concurrent use. One Manager typically serves an
// entire daemon process; the Playlist Supervisor calls Spawn/Cancel as songs
// are created, steered, or deleted.
type Manager struct {
	store data.Store
	llm   provider.LLM
	image provider.Image
	audio provider.Audio

	queues  *queue.Set
	metrics *observe.Metrics

	storage   Storage
	tagWriter TagWriter

	dedupWindow int

	briefGroup singleflight.Group

	mu      sync.Mutex
	workers map[string]*worker
}

// defaultDedupWindow is how many of a playlist's most recently completed
// songs the duplicate-title check considers when no
// override is configured.
const defaultDedupWindow = 20

// Option configures a Manager during construction.
type Option func(*Manager)

// WithStorage overrides the saving step's blob storage. Defaults to a
// local-filesystem-backed [LocalStorage] rooted at os.TempDir().
func WithStorage(s Storage) Option {
	return func(m *Manager) { m.storage = s }
}

// WithDedupWindow overrides how many of a playlist's most recently completed
// songs the duplicate-title check considers (default 20).
func WithDedupWindow(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.dedupWindow = n
		}
	}
}

// WithTagWriter overrides the saving step's audio tag writer. Defaults to
// [NewTagWriter].
func WithTagWriter(w TagWriter) Option {
	return func(m *Manager) { m.tagWriter = w }
}

// NewManager constructs a Manager. store, llm, image, audio, and queues must
// be non-nil; metrics may be nil, in which case the Manager records no
// completed/errored song metrics.
func NewManager(store data.Store, llm provider.LLM, image provider.Image, audio provider.Audio, queues *queue.Set, metrics *observe.Metrics, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		llm:         llm,
		image:       image,
		audio:       audio,
		queues:      queues,
		metrics:     metrics,
		storage:     NewLocalStorage(""),
		tagWriter:   NewTagWriter(),
		dedupWindow: defaultDedupWindow,
		workers:     make(map[string]*worker),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Spawn starts a worker for songID if one is not already running. Spawning a
// song that already has a live worker is a no-op — the pipeline is
// idempotent under duplicate spawn calls, which the Playlist Supervisor
// relies on during its startup sweep.
func (m *Manager) Spawn(parent context.Context, songID string) {
	m.mu.Lock()
	if _, exists := m.workers[songID]; exists {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	w := &worker{mgr: m, songID: songID, ctx: ctx, cancel: cancel}
	m.workers[songID] = w
	m.mu.Unlock()

	go w.run()
}

// Cancel aborts songID's worker and every pending/active item it holds
// across all three endpoint queues. Cancel does
// not delete the song row — deletion is a separate data operation performed
// by the caller.
func (m *Manager) Cancel(songID string) {
	m.queues.CancelSong(songID)

	m.mu.Lock()
	w, ok := m.workers[songID]
	m.mu.Unlock()
	if ok {
		w.cancel()
	}
}

// Active reports whether songID currently has a live worker.
func (m *Manager) Active(songID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.workers[songID]
	return ok
}

// ActiveCount returns the number of currently live song workers, used by the
// Playlist Supervisor's buffer-deficit accounting.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

func (m *Manager) removeWorker(songID string) {
	m.mu.Lock()
	delete(m.workers, songID)
	m.mu.Unlock()
}

func (m *Manager) recordCompleted(ctx context.Context, playlistID string) {
	if m.metrics == nil {
		return
	}
	m.metrics.RecordSongCompleted(ctx, playlistID)
}

func (m *Manager) recordErrored(ctx context.Context, playlistID string) {
	if m.metrics == nil {
		return
	}
	m.metrics.RecordSongErrored(ctx, playlistID)
}

func (m *Manager) logger() *slog.Logger {
	return slog.Default()
}
