package memstore_test

import (
	"context"
	"testing"

	"github.com/beastyrabbit/infinitune-sub001/internal/data"
	"github.com/beastyrabbit/infinitune-sub001/internal/data/memstore"
)

func newPlaylist(t *testing.T, s *memstore.Store) data.Playlist {
	t.Helper()
	pl, err := s.Playlists().Create(context.Background(), data.Playlist{
		PlaylistKey: "k1",
		Mode:        data.ModeEndless,
		Prompt:      "lofi beats",
	})
	if err != nil {
		t.Fatalf("create playlist: %v", err)
	}
	return pl
}

func TestCreatePending_OrderIndexStrictlyIncreasing(t *testing.T) {
	s := memstore.New()
	pl := newPlaylist(t, s)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		sg, err := s.Songs().CreatePending(ctx, pl.PlaylistID, i, 0)
		if err != nil {
			t.Fatalf("create pending %d: %v", i, err)
		}
		if sg.OrderIndex != i {
			t.Errorf("order index = %d, want %d", sg.OrderIndex, i)
		}
	}
}

func TestClaimMetadata_SecondClaimFails(t *testing.T) {
	s := memstore.New()
	pl := newPlaylist(t, s)
	ctx := context.Background()

	sg, _ := s.Songs().CreatePending(ctx, pl.PlaylistID, 1, 0)

	ok, err := s.Songs().ClaimMetadata(ctx, sg.SongID)
	if err != nil || !ok {
		t.Fatalf("first claim = %v, %v; want true, nil", ok, err)
	}

	ok, err = s.Songs().ClaimMetadata(ctx, sg.SongID)
	if err != nil {
		t.Fatalf("second claim err = %v", err)
	}
	if ok {
		t.Error("second claim should fail (already claimed)")
	}
}

func TestIncrementEpoch_Monotonic(t *testing.T) {
	s := memstore.New()
	pl := newPlaylist(t, s)
	ctx := context.Background()

	e1, err := s.Playlists().IncrementEpoch(ctx, pl.PlaylistID)
	if err != nil {
		t.Fatal(err)
	}
	e2, err := s.Playlists().IncrementEpoch(ctx, pl.PlaylistID)
	if err != nil {
		t.Fatal(err)
	}
	if e2 <= e1 {
		t.Errorf("epoch did not increase: %d -> %d", e1, e2)
	}
}

func TestCreatePending_RejectedWhenPlaylistClosed(t *testing.T) {
	s := memstore.New()
	pl := newPlaylist(t, s)
	ctx := context.Background()

	if err := s.Playlists().UpdateStatus(ctx, pl.PlaylistID, data.PlaylistClosed); err != nil {
		t.Fatal(err)
	}

	_, err := s.Songs().CreatePending(ctx, pl.PlaylistID, 1, 0)
	if err != data.ErrPlaylistClosed {
		t.Errorf("err = %v, want ErrPlaylistClosed", err)
	}
}

func TestEventBus_PublishesSongCreated(t *testing.T) {
	s := memstore.New()
	pl := newPlaylist(t, s)
	ctx := context.Background()

	ch, cancel := s.Events().Subscribe()
	defer cancel()

	if _, err := s.Songs().CreatePending(ctx, pl.PlaylistID, 1, 0); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-ch:
		if ev.Kind != data.EventSongCreated {
			t.Errorf("kind = %v, want %v", ev.Kind, data.EventSongCreated)
		}
	default:
		t.Error("expected an event on the bus")
	}
}
