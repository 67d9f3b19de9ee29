package daemon

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/beastyrabbit/infinitune-sub001/internal/data"
	"github.com/beastyrabbit/infinitune-sub001/internal/data/memstore"
)

// seedLocalPlaylist creates a playlist with n ready songs for local-mode
// and room-mode tests.
func seedLocalPlaylist(t *testing.T, store *memstore.Store, n int) data.Playlist {
	t.Helper()
	ctx := context.Background()
	pl, err := store.Playlists().Create(ctx, data.Playlist{
		PlaylistKey: "test-key",
		Mode:        data.ModeEndless,
		Status:      data.PlaylistActive,
		Prompt:      "ambient focus",
	})
	if err != nil {
		t.Fatalf("create playlist: %v", err)
	}
	for i := 0; i < n; i++ {
		sg, err := store.Songs().CreatePending(ctx, pl.PlaylistID, i, 0)
		if err != nil {
			t.Fatalf("create song: %v", err)
		}
		if _, err := store.Songs().ClaimMetadata(ctx, sg.SongID); err != nil {
			t.Fatalf("claim metadata: %v", err)
		}
		md := data.Metadata{
			Title:         fmt.Sprintf("Track %d", i),
			Artist:        "Test Artist",
			AudioDuration: 2 * time.Minute,
		}
		if err := store.Songs().CompleteMetadata(ctx, sg.SongID, md); err != nil {
			t.Fatalf("complete metadata: %v", err)
		}
		if _, err := store.Songs().ClaimAudio(ctx, sg.SongID); err != nil {
			t.Fatalf("claim audio: %v", err)
		}
		if err := store.Songs().UpdateAceTask(ctx, sg.SongID, "task-"+sg.SongID, time.Now()); err != nil {
			t.Fatalf("ace task: %v", err)
		}
		if err := store.Songs().UpdateStoragePath(ctx, sg.SongID, fmt.Sprintf("file:///music/%s.mp3", sg.SongID)); err != nil {
			t.Fatalf("storage path: %v", err)
		}
		if err := store.Songs().MarkReady(ctx, sg.SongID); err != nil {
			t.Fatalf("mark ready: %v", err)
		}
	}
	return pl
}

func TestNew_RequiresEngineAndSocket(t *testing.T) {
	if _, err := New(Config{SocketPath: "/tmp/x.sock"}); err == nil {
		t.Error("expected error without engine")
	}
}
