package playlist

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/beastyrabbit/infinitune-sub001/internal/data"
)

// heartbeatLoop periodically checks every known playlist's deadline and
// advances its lifecycle.
func (sv *Supervisor) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(lifecycleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sv.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			sv.sweepLifecycle(ctx)
		}
	}
}

// sweepLifecycle snapshots the known playlist IDs and checks each one's
// lifecycle independently, so one playlist's failure doesn't block the rest.
func (sv *Supervisor) sweepLifecycle(ctx context.Context) {
	sv.mu.Lock()
	ids := make([]string, 0, len(sv.playlists))
	for id := range sv.playlists {
		ids = append(ids, id)
	}
	sv.mu.Unlock()

	for _, id := range ids {
		if err := sv.checkLifecycle(ctx, id); err != nil {
			slog.Error("playlist: lifecycle check failed", "playlist_id", id, "err", err)
		}
	}
}

// checkLifecycle applies one playlist's active→closing expiry and
// closing→closed drain check.
func (sv *Supervisor) checkLifecycle(ctx context.Context, playlistID string) error {
	st := sv.stateFor(playlistID)
	st.mu.Lock()
	expired := time.Now().After(st.deadline)
	st.mu.Unlock()

	pl, err := sv.store.Playlists().GetByID(ctx, playlistID)
	if err != nil {
		if errors.Is(err, data.ErrNotFound) {
			sv.forgetPlaylist(playlistID)
			return nil
		}
		return err
	}

	switch pl.Status {
	case data.PlaylistActive:
		if expired {
			if err := sv.store.Playlists().UpdateStatus(ctx, playlistID, data.PlaylistClosing); err != nil {
				return err
			}
		}
	case data.PlaylistClosing:
		wq, err := sv.store.Songs().GetWorkQueue(ctx, playlistID)
		if err != nil {
			return err
		}
		if wq.TransientCount == 0 {
			sv.cancelAllSongs(ctx, playlistID)
			if err := sv.store.Playlists().UpdateStatus(ctx, playlistID, data.PlaylistClosed); err != nil {
				return err
			}
		}
	case data.PlaylistClosed:
		sv.forgetPlaylist(playlistID)
	}
	return nil
}

// cancelAllSongs reaches into every endpoint queue to cancel any leftover
// item for playlistID's songs before it closes for good.
func (sv *Supervisor) cancelAllSongs(ctx context.Context, playlistID string) {
	songs, err := sv.store.Songs().ListByPlaylist(ctx, playlistID)
	if err != nil {
		slog.Warn("playlist: listing songs for final cancel failed", "playlist_id", playlistID, "err", err)
		return
	}
	for _, sg := range songs {
		sv.workers.Cancel(sg.SongID)
		sv.queues.CancelSong(sg.SongID)
	}
}
