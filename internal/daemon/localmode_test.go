package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/beastyrabbit/infinitune-sub001/internal/data"
	"github.com/beastyrabbit/infinitune-sub001/internal/data/memstore"
	"github.com/beastyrabbit/infinitune-sub001/internal/room/wire"
	"github.com/beastyrabbit/infinitune-sub001/pkg/audio/mock"
)

func newLocalFixture(t *testing.T, songs int) (*localSession, *mock.Engine, *memstore.Store, data.Playlist) {
	t.Helper()
	store := memstore.New()
	pl := seedLocalPlaylist(t, store, songs)
	eng := mock.New()
	ls := newLocalSession(localConfig{
		store:           store,
		engine:          eng,
		playlistID:      pl.PlaylistID,
		pollInterval:    25 * time.Millisecond,
		heartbeatPeriod: 25 * time.Millisecond,
	})
	ls.start()
	t.Cleanup(ls.stop)
	return ls, eng, store, pl
}

func TestLocal_PlaysSongsInOrderIndexOrder(t *testing.T) {
	_, eng, _, _ := newLocalFixture(t, 3)

	waitFor(t, time.Second, func() bool { return eng.Snapshot().SongID != "" })
	first := eng.Snapshot().SongID

	eng.EndSong()
	waitFor(t, time.Second, func() bool {
		s := eng.Snapshot().SongID
		return s != "" && s != first
	})
}

func TestLocal_SongEndMarksPlayedAndAdvancesCursor(t *testing.T) {
	_, eng, store, pl := newLocalFixture(t, 2)
	ctx := context.Background()

	waitFor(t, time.Second, func() bool { return eng.Snapshot().SongID != "" })
	first := eng.Snapshot().SongID

	eng.EndSong()
	waitFor(t, time.Second, func() bool {
		songs, err := store.Songs().ListByPlaylist(ctx, pl.PlaylistID)
		if err != nil {
			return false
		}
		for _, sg := range songs {
			if sg.SongID == first && sg.Status == data.StatusPlayed {
				return true
			}
		}
		return false
	})

	got, err := store.Playlists().GetByID(ctx, pl.PlaylistID)
	if err != nil {
		t.Fatalf("get playlist: %v", err)
	}
	if got.CurrentOrderIndex < 1 {
		t.Errorf("cursor = %d, want >= 1 after advancing", got.CurrentOrderIndex)
	}
}

func TestLocal_HeartbeatKeepsPlaylistSeen(t *testing.T) {
	_, _, store, pl := newLocalFixture(t, 1)
	ctx := context.Background()

	before, err := store.Playlists().GetByID(ctx, pl.PlaylistID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		after, err := store.Playlists().GetByID(ctx, pl.PlaylistID)
		return err == nil && after.LastSeenAt.After(before.LastSeenAt)
	})
}

func TestLocal_SkipAdvancesWithoutWaitingForEnd(t *testing.T) {
	ls, eng, _, _ := newLocalFixture(t, 2)

	waitFor(t, time.Second, func() bool { return eng.Snapshot().SongID != "" })
	first := eng.Snapshot().SongID

	if err := ls.command(wire.CmdSkip, 0, 0, ""); err != nil {
		t.Fatalf("skip: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		s := eng.Snapshot().SongID
		return s != "" && s != first
	})
}

func TestLocal_SelectUnknownSongFails(t *testing.T) {
	ls, eng, _, _ := newLocalFixture(t, 1)
	waitFor(t, time.Second, func() bool { return eng.Snapshot().SongID != "" })

	if err := ls.command(wire.CmdSelectSong, 0, 0, "song-made-up"); err == nil {
		t.Error("selecting a song outside the queue should fail")
	}
}
