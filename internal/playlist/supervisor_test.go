package playlist

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/beastyrabbit/infinitune-sub001/internal/data"
	"github.com/beastyrabbit/infinitune-sub001/internal/data/memstore"
	"github.com/beastyrabbit/infinitune-sub001/internal/provider"
	"github.com/beastyrabbit/infinitune-sub001/internal/queue"
)

// fakeWorkers is a no-op SongWorkers that just tracks which songIDs were
// spawned or cancelled, without actually driving them through the pipeline.
type fakeWorkers struct {
	mu      sync.Mutex
	spawned map[string]bool
}

func newFakeWorkers() *fakeWorkers {
	return &fakeWorkers{spawned: make(map[string]bool)}
}

func (w *fakeWorkers) Spawn(_ context.Context, songID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.spawned[songID] = true
}

func (w *fakeWorkers) Cancel(songID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.spawned, songID)
}

func (w *fakeWorkers) Active(songID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.spawned[songID]
}

func (w *fakeWorkers) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.spawned)
}

// fakeLLM answers every call with fixed, valid results; none of the tests
// below exercise its output content.
type fakeLLM struct{}

func (fakeLLM) GenerateMetadata(context.Context, provider.MetadataRequest) (provider.MetadataResult, error) {
	return provider.MetadataResult{Title: "t", Artist: "a"}, nil
}

func (fakeLLM) GeneratePersona(context.Context, provider.PersonaRequest) (string, error) {
	return "persona", nil
}

func (fakeLLM) GenerateManagerBrief(context.Context, provider.ManagerBriefRequest) (provider.ManagerBriefResult, error) {
	return provider.ManagerBriefResult{Brief: "brief"}, nil
}

// fakeAudio never has any task outstanding in these tests; BatchPollAudio
// is exercised directly by the startup-sweep test via a populated map.
type fakeAudio struct {
	batch map[string]provider.AudioPollResult
}

func (fakeAudio) SubmitAudio(context.Context, provider.AudioSubmitRequest) (provider.AudioSubmitResult, error) {
	return provider.AudioSubmitResult{}, nil
}

func (fakeAudio) PollAudio(context.Context, string) (provider.AudioPollResult, error) {
	return provider.AudioPollResult{}, nil
}

func (f fakeAudio) BatchPollAudio(_ context.Context, taskIDs []string) (map[string]provider.AudioPollResult, error) {
	out := make(map[string]provider.AudioPollResult, len(taskIDs))
	for _, id := range taskIDs {
		if r, ok := f.batch[id]; ok {
			out[id] = r
		} else {
			out[id] = provider.AudioPollResult{Status: provider.AudioRunning}
		}
	}
	return out, nil
}

func newTestSupervisor(t *testing.T, store data.Store, workers SongWorkers) *Supervisor {
	t.Helper()
	qs := queue.NewSet(1, 1, queue.AudioQueueConfig{}, func(context.Context, string) (provider.AudioPollResult, error) {
		return provider.AudioPollResult{}, nil
	}, nil)
	t.Cleanup(qs.Stop)

	sv := New(Config{
		Store:   store,
		Workers: workers,
		Queues:  qs,
		LLM:     fakeLLM{},
		Audio:   fakeAudio{},
	})
	t.Cleanup(sv.Stop)
	return sv
}

func TestEnsureBufferFillsEndlessPlaylistToTarget(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	pl, err := store.Playlists().Create(ctx, data.Playlist{Mode: data.ModeEndless, Prompt: "lofi"})
	if err != nil {
		t.Fatalf("create playlist: %v", err)
	}

	workers := newFakeWorkers()
	sv := newTestSupervisor(t, store, workers)
	sv.bufferTarget = 3

	if err := sv.EnsureBuffer(ctx, pl.PlaylistID); err != nil {
		t.Fatalf("EnsureBuffer: %v", err)
	}

	songs, err := store.Songs().ListByPlaylist(ctx, pl.PlaylistID)
	if err != nil {
		t.Fatalf("ListByPlaylist: %v", err)
	}
	if len(songs) != 3 {
		t.Fatalf("want 3 songs buffered, got %d", len(songs))
	}
	if workers.count() != 3 {
		t.Fatalf("want 3 workers spawned, got %d", workers.count())
	}

	// A second call against an already-full buffer is a no-op.
	if err := sv.EnsureBuffer(ctx, pl.PlaylistID); err != nil {
		t.Fatalf("EnsureBuffer (second call): %v", err)
	}
	songs, _ = store.Songs().ListByPlaylist(ctx, pl.PlaylistID)
	if len(songs) != 3 {
		t.Fatalf("want buffer to stay at 3, got %d", len(songs))
	}
}

func TestEnsureBufferOneshotClosesOnlyOnceItsSongIsReady(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	pl, err := store.Playlists().Create(ctx, data.Playlist{Mode: data.ModeOneshot, Prompt: "one track"})
	if err != nil {
		t.Fatalf("create playlist: %v", err)
	}

	workers := newFakeWorkers()
	sv := newTestSupervisor(t, store, workers)

	if err := sv.EnsureBuffer(ctx, pl.PlaylistID); err != nil {
		t.Fatalf("EnsureBuffer: %v", err)
	}
	songs, _ := store.Songs().ListByPlaylist(ctx, pl.PlaylistID)
	if len(songs) != 1 {
		t.Fatalf("want exactly 1 song for a oneshot playlist, got %d", len(songs))
	}
	songID := songs[0].SongID

	// The playlist must stay active for the song's whole journey through
	// the transient states, not just while it sits in pending.
	transients := []data.SongStatus{
		data.StatusPending,
		data.StatusGeneratingMetadata,
		data.StatusMetadataReady,
		data.StatusSubmittingToAce,
		data.StatusGeneratingAudio,
		data.StatusSaving,
	}
	for _, status := range transients {
		if err := store.Songs().UpdateStatus(ctx, songID, status); err != nil {
			t.Fatalf("UpdateStatus(%s): %v", status, err)
		}
		if err := sv.EnsureBuffer(ctx, pl.PlaylistID); err != nil {
			t.Fatalf("EnsureBuffer at %s: %v", status, err)
		}
		got, err := store.Playlists().GetByID(ctx, pl.PlaylistID)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if got.Status != data.PlaylistActive {
			t.Fatalf("want still active while song is %s, got %s", status, got.Status)
		}
	}

	// Once the song reaches ready the playlist closes.
	if err := store.Songs().UpdateStatus(ctx, songID, data.StatusReady); err != nil {
		t.Fatalf("UpdateStatus(ready): %v", err)
	}
	if err := sv.EnsureBuffer(ctx, pl.PlaylistID); err != nil {
		t.Fatalf("EnsureBuffer: %v", err)
	}
	got, err := store.Playlists().GetByID(ctx, pl.PlaylistID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != data.PlaylistClosing {
		t.Fatalf("want closing once the single song is ready, got %s", got.Status)
	}
}

func TestSteerPurgesStalePendingButKeepsInterrupts(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	pl, err := store.Playlists().Create(ctx, data.Playlist{Mode: data.ModeEndless, Prompt: "jazz"})
	if err != nil {
		t.Fatalf("create playlist: %v", err)
	}

	stale, err := store.Songs().CreatePending(ctx, pl.PlaylistID, 1, pl.PromptEpoch)
	if err != nil {
		t.Fatalf("CreatePending: %v", err)
	}
	interrupt, err := store.Songs().CreateInterrupt(ctx, pl.PlaylistID, "play something loud")
	if err != nil {
		t.Fatalf("CreateInterrupt: %v", err)
	}

	workers := newFakeWorkers()
	sv := newTestSupervisor(t, store, workers)
	sv.bufferTarget = 0 // isolate the purge from buffer refill for this test

	newEpoch, err := sv.Steer(ctx, pl.PlaylistID)
	if err != nil {
		t.Fatalf("Steer: %v", err)
	}
	if newEpoch != pl.PromptEpoch+1 {
		t.Fatalf("want epoch %d, got %d", pl.PromptEpoch+1, newEpoch)
	}

	if songs, err := store.Songs().GetByIDs(ctx, []string{stale.SongID}); err != nil || len(songs) != 0 {
		t.Fatalf("want stale pending song %q deleted by Steer, got songs=%v err=%v", stale.SongID, songs, err)
	}

	got, err := store.Songs().GetByIDs(ctx, []string{interrupt.SongID})
	if err != nil || len(got) != 1 {
		t.Fatalf("want interrupt song %q to survive Steer, err=%v got=%v", interrupt.SongID, err, got)
	}
}

func TestHeartbeatTransitionsActiveToClosingOnExpiry(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	pl, err := store.Playlists().Create(ctx, data.Playlist{Mode: data.ModeEndless, Prompt: "ambient"})
	if err != nil {
		t.Fatalf("create playlist: %v", err)
	}

	workers := newFakeWorkers()
	sv := newTestSupervisor(t, store, workers)
	sv.heartbeatTimeout = time.Millisecond

	if err := sv.Heartbeat(ctx, pl.PlaylistID); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if err := sv.checkLifecycle(ctx, pl.PlaylistID); err != nil {
		t.Fatalf("checkLifecycle: %v", err)
	}
	got, err := store.Playlists().GetByID(ctx, pl.PlaylistID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != data.PlaylistClosing {
		t.Fatalf("want closing after heartbeat expiry, got %s", got.Status)
	}

	// All songs are still pending (transient), so it must not close yet.
	if err := sv.checkLifecycle(ctx, pl.PlaylistID); err != nil {
		t.Fatalf("checkLifecycle: %v", err)
	}
	got, _ = store.Playlists().GetByID(ctx, pl.PlaylistID)
	if got.Status != data.PlaylistClosing {
		t.Fatalf("want to remain closing while transient songs exist, got %s", got.Status)
	}
}

func TestHeartbeatReviveClosingPlaylistBackToActive(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	pl, err := store.Playlists().Create(ctx, data.Playlist{Mode: data.ModeEndless, Prompt: "drone", Status: data.PlaylistClosing})
	if err != nil {
		t.Fatalf("create playlist: %v", err)
	}

	sv := newTestSupervisor(t, store, newFakeWorkers())
	if err := sv.Heartbeat(ctx, pl.PlaylistID); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	got, err := store.Playlists().GetByID(ctx, pl.PlaylistID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != data.PlaylistActive {
		t.Fatalf("want a heartbeat to revive a closing playlist, got %s", got.Status)
	}
}

func TestStartupSweepSpawnsWorkersForActionableSongs(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	pl, err := store.Playlists().Create(ctx, data.Playlist{Mode: data.ModeEndless, Prompt: "restart test"})
	if err != nil {
		t.Fatalf("create playlist: %v", err)
	}
	pending, err := store.Songs().CreatePending(ctx, pl.PlaylistID, 1, pl.PromptEpoch)
	if err != nil {
		t.Fatalf("CreatePending: %v", err)
	}
	if err := store.Songs().UpdateStatus(ctx, pending.SongID, data.StatusGeneratingAudio); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := store.Songs().UpdateAceTask(ctx, pending.SongID, "ace-task-1", time.Now()); err != nil {
		t.Fatalf("UpdateAceTask: %v", err)
	}

	workers := newFakeWorkers()
	sv := newTestSupervisor(t, store, workers)
	sv.audio = fakeAudio{batch: map[string]provider.AudioPollResult{
		"ace-task-1": {Status: provider.AudioSucceeded, AudioPath: "/tmp/out.wav"},
	}}

	if err := sv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !workers.Active(pending.SongID) {
		t.Fatalf("want startup sweep to spawn a worker for the in-flight audio song")
	}
}

func TestStartupSweepRemovesStaleTransientSongs(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	pl, err := store.Playlists().Create(ctx, data.Playlist{Mode: data.ModeEndless, Prompt: "stale test"})
	if err != nil {
		t.Fatalf("create playlist: %v", err)
	}
	stuck, err := store.Songs().CreatePending(ctx, pl.PlaylistID, 1, pl.PromptEpoch)
	if err != nil {
		t.Fatalf("CreatePending: %v", err)
	}
	if err := store.Songs().UpdateStatus(ctx, stuck.SongID, data.StatusGeneratingMetadata); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	workers := newFakeWorkers()
	sv := newTestSupervisor(t, store, workers)
	sv.staleTransientThreshold = -1 * time.Second // force every transient song to read as stale

	if err := sv.startupSweep(ctx); err != nil {
		t.Fatalf("startupSweep: %v", err)
	}

	if _, err := store.Playlists().GetByID(ctx, pl.PlaylistID); err != nil {
		t.Fatalf("playlist should survive its songs' cleanup: %v", err)
	}
	if songs, err := store.Songs().GetByIDs(ctx, []string{stuck.SongID}); err != nil || len(songs) != 0 {
		t.Fatalf("want stale song %q deleted by the startup sweep, got songs=%v err=%v", stuck.SongID, songs, err)
	}
	if workers.Active(stuck.SongID) {
		t.Fatalf("want no worker left spawned for a song the sweep just deleted")
	}
}
