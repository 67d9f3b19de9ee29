package playlist

import (
	"context"
	"log/slog"

	"github.com/beastyrabbit/infinitune-sub001/internal/data"
	"github.com/beastyrabbit/infinitune-sub001/internal/pipeline"
)

// Steer increments playlistID's prompt epoch and applies the epoch
// discipline: delete stale non-interrupt pending songs, recompute the
// remaining songs' priorities on the LLM and image queues and resort them
// (the audio queue is left as is), then refill the buffer under the new
// epoch.
func (sv *Supervisor) Steer(ctx context.Context, playlistID string) (int, error) {
	st := sv.stateFor(playlistID)
	st.mu.Lock()
	defer st.mu.Unlock()

	newEpoch, err := sv.store.Playlists().IncrementEpoch(ctx, playlistID)
	if err != nil {
		return 0, err
	}

	pl, err := sv.store.Playlists().GetByID(ctx, playlistID)
	if err != nil {
		return newEpoch, err
	}

	songs, err := sv.store.Songs().ListByPlaylist(ctx, playlistID)
	if err != nil {
		return newEpoch, err
	}

	purged := 0
	remaining := make([]data.Song, 0, len(songs))
	for _, sg := range songs {
		if sg.Status == data.StatusPending && !sg.IsInterrupt && sg.PromptEpoch < newEpoch {
			sv.workers.Cancel(sg.SongID)
			if err := sv.store.Songs().DeleteSong(ctx, sg.SongID); err != nil {
				slog.Warn("playlist: epoch purge delete failed", "song_id", sg.SongID, "err", err)
				continue
			}
			purged++
			continue
		}
		remaining = append(remaining, sg)
	}
	sv.recordEpochPurge(ctx, playlistID, purged)

	for _, sg := range remaining {
		sv.queues.UpdatePendingPriority(sg.SongID, pipeline.Priority(sg, pl))
	}
	sv.queues.ResortPending()

	return newEpoch, sv.ensureBufferLocked(ctx, playlistID)
}

func (sv *Supervisor) recordEpochPurge(ctx context.Context, playlistID string, n int) {
	if sv.metrics == nil {
		return
	}
	sv.metrics.RecordEpochPurge(ctx, playlistID, n)
}
