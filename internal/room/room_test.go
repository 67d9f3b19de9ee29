package room

import (
	"context"
	"testing"
	"time"

	"github.com/beastyrabbit/infinitune-sub001/internal/data"
	"github.com/beastyrabbit/infinitune-sub001/internal/data/memstore"
)

// seedPlaylist creates a playlist with n ready songs and returns it.
func seedPlaylist(t *testing.T, store *memstore.Store, key string, n int) data.Playlist {
	t.Helper()
	ctx := context.Background()
	pl, err := store.Playlists().Create(ctx, data.Playlist{
		PlaylistKey: key,
		Mode:        data.ModeEndless,
		Status:      data.PlaylistActive,
		Prompt:      "late night synthwave",
	})
	if err != nil {
		t.Fatalf("create playlist: %v", err)
	}
	for i := 0; i < n; i++ {
		sg, err := store.Songs().CreatePending(ctx, pl.PlaylistID, i, 0)
		if err != nil {
			t.Fatalf("create song %d: %v", i, err)
		}
		markSongReady(t, store, sg.SongID)
	}
	return pl
}

// markSongReady walks a pending song through the claims to ready so the
// store's status transition checks stay honest.
func markSongReady(t *testing.T, store *memstore.Store, songID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := store.Songs().ClaimMetadata(ctx, songID); err != nil {
		t.Fatalf("claim metadata: %v", err)
	}
	md := data.Metadata{Title: "T-" + songID, Artist: "A", AudioDuration: 3 * time.Minute}
	if err := store.Songs().CompleteMetadata(ctx, songID, md); err != nil {
		t.Fatalf("complete metadata: %v", err)
	}
	if _, err := store.Songs().ClaimAudio(ctx, songID); err != nil {
		t.Fatalf("claim audio: %v", err)
	}
	if err := store.Songs().UpdateAceTask(ctx, songID, "task-"+songID, time.Now()); err != nil {
		t.Fatalf("ace task: %v", err)
	}
	if err := store.Songs().UpdateStoragePath(ctx, songID, "file:///tmp/"+songID+".mp3"); err != nil {
		t.Fatalf("storage path: %v", err)
	}
	if err := store.Songs().MarkReady(ctx, songID); err != nil {
		t.Fatalf("mark ready: %v", err)
	}
}

func TestAdvance_StartAtIsMonotonic(t *testing.T) {
	store := memstore.New()
	seedPlaylist(t, store, "k1", 3)

	r := newRoom("r1", "k1", store, nil, 300*time.Millisecond, 500*time.Millisecond)
	ctx := context.Background()

	var starts []time.Time
	for i := 0; i < 3; i++ {
		r.advance(ctx, "")
		r.mu.Lock()
		starts = append(starts, r.lastStartAt)
		r.mu.Unlock()
	}

	for i := 1; i < len(starts); i++ {
		if starts[i].Before(starts[i-1]) {
			t.Errorf("startAt went backwards: %v then %v", starts[i-1], starts[i])
		}
	}
}

func TestAdvance_MarksFinishedSongPlayed(t *testing.T) {
	store := memstore.New()
	pl := seedPlaylist(t, store, "k1", 2)

	r := newRoom("r1", "k1", store, nil, 0, 0)
	ctx := context.Background()

	r.advance(ctx, "")
	first := r.playback.CurrentSongID
	if first == "" {
		t.Fatal("no current song after first advance")
	}

	r.advance(ctx, "")
	songs, err := store.Songs().ListByPlaylist(ctx, pl.PlaylistID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var played int
	for _, sg := range songs {
		if sg.Status == data.StatusPlayed {
			played++
			if sg.SongID != first {
				t.Errorf("played song = %s, want %s", sg.SongID, first)
			}
		}
	}
	if played != 1 {
		t.Errorf("played count = %d, want 1", played)
	}
}

func TestAdvance_EmptyPlaylistLeavesRoomIdle(t *testing.T) {
	store := memstore.New()
	r := newRoom("r1", "missing-key", store, nil, 0, 0)

	r.advance(context.Background(), "")
	if r.playback.CurrentSongID != "" || r.playback.IsPlaying {
		t.Errorf("room should stay idle with no playlist, got %+v", r.playback)
	}
}

func TestSetPlaying_FreezesAndResumesPosition(t *testing.T) {
	store := memstore.New()
	seedPlaylist(t, store, "k1", 1)
	r := newRoom("r1", "k1", store, nil, 0, 0)
	r.advance(context.Background(), "")

	r.mu.Lock()
	r.songStart = time.Now().Add(-10 * time.Second)
	r.mu.Unlock()

	r.setPlaying(false)
	if got := r.pausedPos; got < 9*time.Second || got > 11*time.Second {
		t.Errorf("pausedPos = %v, want ~10s", got)
	}

	r.setPlaying(true)
	r.mu.Lock()
	resumed := time.Since(r.songStart)
	r.mu.Unlock()
	if resumed < 9*time.Second || resumed > 11*time.Second {
		t.Errorf("resumed position = %v, want ~10s", resumed)
	}
}

func TestClampVolume(t *testing.T) {
	cases := []struct{ in, want float64 }{
		{-0.5, 0}, {0, 0}, {0.42, 0.42}, {1, 1}, {3.7, 1},
	}
	for _, c := range cases {
		if got := clampVolume(c.in); got != c.want {
			t.Errorf("clampVolume(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestRefreshQueue_KicksOffPlaybackWhenIdle(t *testing.T) {
	store := memstore.New()
	seedPlaylist(t, store, "k1", 2)
	r := newRoom("r1", "k1", store, nil, 0, 0)

	r.RefreshQueue(context.Background())
	if r.playback.CurrentSongID == "" {
		t.Error("idle room with ready songs should start playing on refresh")
	}
}
