package playlist

import (
	"context"

	"github.com/beastyrabbit/infinitune-sub001/internal/data"
)

// ensureBufferLocked applies the buffer policy for playlistID. The
// caller must hold that playlist's state lock. Endless playlists are topped
// up to bufferTarget; oneshot playlists get at most their single song and
// then transition to closing once it is ready.
func (sv *Supervisor) ensureBufferLocked(ctx context.Context, playlistID string) error {
	pl, err := sv.store.Playlists().GetByID(ctx, playlistID)
	if err != nil {
		return err
	}
	if pl.Status != data.PlaylistActive {
		// Closing playlists drain rather than refill; closed ones are done.
		return nil
	}

	if pl.Mode == data.ModeOneshot {
		return sv.ensureOneshotLocked(ctx, pl)
	}
	return sv.ensureEndlessLocked(ctx, pl)
}

// ensureEndlessLocked creates pending songs until the work queue's
// BufferDeficit (the count of upcoming non-error songs, per
// data.WorkQueue's own doc comment) reaches bufferTarget.
func (sv *Supervisor) ensureEndlessLocked(ctx context.Context, pl data.Playlist) error {
	wq, err := sv.store.Songs().GetWorkQueue(ctx, pl.PlaylistID)
	if err != nil {
		return err
	}

	nextOrderIndex := wq.MaxOrderIndex + 1
	for wq.BufferDeficit < sv.bufferTarget {
		sg, err := sv.store.Songs().CreatePending(ctx, pl.PlaylistID, nextOrderIndex, pl.PromptEpoch)
		if err != nil {
			return err
		}
		sv.spawnActionable(ctx, sg)
		wq.BufferDeficit++
		nextOrderIndex++
	}
	return nil
}

// ensureOneshotLocked creates the playlist's single song if none exists yet,
// and transitions the playlist to closing once that song has reached ready.
// A song still working through the transient states keeps the playlist
// active.
func (sv *Supervisor) ensureOneshotLocked(ctx context.Context, pl data.Playlist) error {
	wq, err := sv.store.Songs().GetWorkQueue(ctx, pl.PlaylistID)
	if err != nil {
		return err
	}

	if wq.TotalSongs == 0 {
		sg, err := sv.store.Songs().CreatePending(ctx, pl.PlaylistID, 1, pl.PromptEpoch)
		if err != nil {
			return err
		}
		sv.spawnActionable(ctx, sg)
		return nil
	}

	if len(wq.RecentCompleted) > 0 && pl.Status == data.PlaylistActive {
		return sv.store.Playlists().UpdateStatus(ctx, pl.PlaylistID, data.PlaylistClosing)
	}
	return nil
}

// spawnActionable hands a freshly created or recovered song to the worker
// pool unless one is already running for it.
func (sv *Supervisor) spawnActionable(ctx context.Context, sg data.Song) {
	if sv.workers.Active(sg.SongID) {
		return
	}
	sv.workers.Spawn(ctx, sg.SongID)
}
