package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/beastyrabbit/infinitune-sub001/internal/data"
	"github.com/beastyrabbit/infinitune-sub001/internal/data/memstore"
	"github.com/beastyrabbit/infinitune-sub001/internal/provider"
	"github.com/beastyrabbit/infinitune-sub001/internal/queue"
)

type fakeLLM struct {
	metadataCalls atomic.Int32
	duplicateOnce bool

	briefCalls atomic.Int32
}

func (f *fakeLLM) GenerateMetadata(ctx context.Context, req provider.MetadataRequest) (provider.MetadataResult, error) {
	n := f.metadataCalls.Add(1)
	title := "Song"
	if f.duplicateOnce && n == 1 {
		title = "Duplicate"
	}
	return provider.MetadataResult{Title: title, Artist: "Artist", Lyrics: "la la", Caption: "a song", BPM: 120}, nil
}

func (f *fakeLLM) GeneratePersona(ctx context.Context, req provider.PersonaRequest) (string, error) {
	return "persona", nil
}

func (f *fakeLLM) GenerateManagerBrief(ctx context.Context, req provider.ManagerBriefRequest) (provider.ManagerBriefResult, error) {
	f.briefCalls.Add(1)
	return provider.ManagerBriefResult{Brief: "brief", Slots: []provider.ManagerSlot{{WindowSize: 4}}}, nil
}

type fakeImage struct {
	fail bool
}

func (f *fakeImage) GenerateCover(ctx context.Context, req provider.CoverRequest) (provider.CoverResult, error) {
	if f.fail {
		return provider.CoverResult{}, errors.New("image backend down")
	}
	return provider.CoverResult{Bytes: []byte{0xFF, 0xD8}, Format: "jpeg"}, nil
}

type fakeAudio struct {
	mu     sync.Mutex
	status provider.AudioStatus
}

func (f *fakeAudio) SubmitAudio(ctx context.Context, req provider.AudioSubmitRequest) (provider.AudioSubmitResult, error) {
	return provider.AudioSubmitResult{TaskID: "task-1"}, nil
}

func (f *fakeAudio) PollAudio(ctx context.Context, taskID string) (provider.AudioPollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := f.status
	if status == "" {
		status = provider.AudioSucceeded
	}
	return provider.AudioPollResult{Status: status, AudioPath: "/tmp/does-not-need-to-exist.mp3"}, nil
}

func (f *fakeAudio) BatchPollAudio(ctx context.Context, taskIDs []string) (map[string]provider.AudioPollResult, error) {
	out := make(map[string]provider.AudioPollResult, len(taskIDs))
	for _, id := range taskIDs {
		r, _ := f.PollAudio(ctx, id)
		out[id] = r
	}
	return out, nil
}

type fakeStorage struct {
	putAudioErr error
}

func (f *fakeStorage) PutAudio(ctx context.Context, songID, sourcePath string) (string, error) {
	if f.putAudioErr != nil {
		return "", f.putAudioErr
	}
	return "storage://" + songID + "/audio.mp3", nil
}

func (f *fakeStorage) PutCover(ctx context.Context, songID string, data []byte, format string) (string, error) {
	return "storage://" + songID + "/cover." + format, nil
}

type noopTagWriter struct{}

func (noopTagWriter) Write(path string, tags Tags) (time.Duration, error) { return 0, nil }

func newTestSet(audio provider.Audio) *queue.Set {
	pollFn := func(ctx context.Context, taskID string) (provider.AudioPollResult, error) {
		return audio.PollAudio(ctx, taskID)
	}
	return queue.NewSet(4, 4, queue.AudioQueueConfig{PollInterval: 10 * time.Millisecond, NotFoundGrace: time.Second}, pollFn, nil)
}

func newTestPlaylist(t *testing.T, store data.Store) data.Playlist {
	t.Helper()
	pl, err := store.Playlists().Create(context.Background(), data.Playlist{Prompt: "lofi study beats"})
	if err != nil {
		t.Fatalf("create playlist: %v", err)
	}
	return pl
}

func newTestSong(t *testing.T, store data.Store, playlistID string) data.Song {
	t.Helper()
	s, err := store.Songs().CreatePending(context.Background(), playlistID, 0, 0)
	if err != nil {
		t.Fatalf("create song: %v", err)
	}
	return s
}

func waitForStatus(t *testing.T, store data.Store, songID string, want data.SongStatus, timeout time.Duration) data.Song {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		songs, err := store.Songs().GetByIDs(context.Background(), []string{songID})
		if err == nil && len(songs) == 1 && songs[0].Status == want {
			return songs[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("song %s did not reach status %s in time", songID, want)
	return data.Song{}
}

func TestManager_EndToEndReachesReady(t *testing.T) {
	store := memstore.New()
	pl := newTestPlaylist(t, store)
	song := newTestSong(t, store, pl.PlaylistID)

	llm := &fakeLLM{}
	audio := &fakeAudio{}
	mgr := NewManager(store, llm, &fakeImage{}, audio, newTestSet(audio), nil,
		WithStorage(&fakeStorage{}), WithTagWriter(noopTagWriter{}))

	mgr.Spawn(context.Background(), song.SongID)

	got := waitForStatus(t, store, song.SongID, data.StatusReady, 2*time.Second)
	if got.Metadata.Title == "" {
		t.Fatalf("expected metadata to be populated, got %+v", got.Metadata)
	}
	if got.AudioURL == "" {
		t.Fatalf("expected audio URL to be set")
	}
}

func TestManager_DuplicateTitleRetriedExactlyOnce(t *testing.T) {
	store := memstore.New()
	pl := newTestPlaylist(t, store)

	// Seed a completed song with the title the fake LLM will produce first.
	existing := newTestSong(t, store, pl.PlaylistID)
	if ok, err := store.Songs().ClaimMetadata(context.Background(), existing.SongID); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if ok, err := store.Songs().ClaimMetadata(context.Background(), existing.SongID); err != nil || ok {
		t.Fatalf("expected second claim to fail cleanly, got ok=%v err=%v", ok, err)
	}
	if err := store.Songs().CompleteMetadata(context.Background(), existing.SongID, data.Metadata{Title: "Duplicate", Artist: "Artist"}); err != nil {
		t.Fatalf("complete metadata: %v", err)
	}
	if err := store.Songs().MarkReady(context.Background(), existing.SongID); err != nil {
		t.Fatalf("mark ready: %v", err)
	}

	song := newTestSong(t, store, pl.PlaylistID)
	llm := &fakeLLM{duplicateOnce: true}
	audio := &fakeAudio{}
	mgr := NewManager(store, llm, &fakeImage{}, audio, newTestSet(audio), nil,
		WithStorage(&fakeStorage{}), WithTagWriter(noopTagWriter{}))

	mgr.Spawn(context.Background(), song.SongID)

	got := waitForStatus(t, store, song.SongID, data.StatusReady, 2*time.Second)
	if got.Metadata.Title != "Song" {
		t.Fatalf("expected retried metadata title %q, got %q", "Song", got.Metadata.Title)
	}
	if calls := llm.metadataCalls.Load(); calls != 2 {
		t.Fatalf("expected exactly 2 metadata calls (original + one retry), got %d", calls)
	}
}

func TestManager_CoverFailureDoesNotBlockCompletion(t *testing.T) {
	store := memstore.New()
	pl := newTestPlaylist(t, store)
	song := newTestSong(t, store, pl.PlaylistID)

	audio := &fakeAudio{}
	mgr := NewManager(store, &fakeLLM{}, &fakeImage{fail: true}, audio, newTestSet(audio), nil,
		WithStorage(&fakeStorage{}), WithTagWriter(noopTagWriter{}))

	mgr.Spawn(context.Background(), song.SongID)

	got := waitForStatus(t, store, song.SongID, data.StatusReady, 2*time.Second)
	if got.CoverURL != "" {
		t.Fatalf("expected no cover URL when image generation fails, got %q", got.CoverURL)
	}
}

func TestManager_SpawnTwiceIsIdempotent(t *testing.T) {
	store := memstore.New()
	pl := newTestPlaylist(t, store)
	song := newTestSong(t, store, pl.PlaylistID)

	audio := &fakeAudio{}
	mgr := NewManager(store, &fakeLLM{}, &fakeImage{}, audio, newTestSet(audio), nil,
		WithStorage(&fakeStorage{}), WithTagWriter(noopTagWriter{}))

	mgr.Spawn(context.Background(), song.SongID)
	mgr.Spawn(context.Background(), song.SongID)

	waitForStatus(t, store, song.SongID, data.StatusReady, 2*time.Second)
}

func TestManager_CancelStopsWorker(t *testing.T) {
	store := memstore.New()
	pl := newTestPlaylist(t, store)
	song := newTestSong(t, store, pl.PlaylistID)

	blocked := make(chan struct{})
	llm := &blockingLLM{release: blocked}
	audio := &fakeAudio{}
	mgr := NewManager(store, llm, &fakeImage{}, audio, newTestSet(audio), nil,
		WithStorage(&fakeStorage{}), WithTagWriter(noopTagWriter{}))

	mgr.Spawn(context.Background(), song.SongID)
	for !mgr.Active(song.SongID) {
		time.Sleep(time.Millisecond)
	}

	mgr.Cancel(song.SongID)
	close(blocked)

	deadline := time.Now().Add(time.Second)
	for mgr.Active(song.SongID) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if mgr.Active(song.SongID) {
		t.Fatalf("expected worker to stop after Cancel")
	}
}

type blockingLLM struct {
	release chan struct{}
}

func (b *blockingLLM) GenerateMetadata(ctx context.Context, req provider.MetadataRequest) (provider.MetadataResult, error) {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return provider.MetadataResult{}, ctx.Err()
}

func (b *blockingLLM) GeneratePersona(ctx context.Context, req provider.PersonaRequest) (string, error) {
	return "", nil
}

func (b *blockingLLM) GenerateManagerBrief(ctx context.Context, req provider.ManagerBriefRequest) (provider.ManagerBriefResult, error) {
	return provider.ManagerBriefResult{}, nil
}
