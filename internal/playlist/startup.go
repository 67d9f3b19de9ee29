package playlist

import (
	"context"
	"log/slog"
	"time"

	"github.com/beastyrabbit/infinitune-sub001/internal/data"
	"github.com/beastyrabbit/infinitune-sub001/internal/provider"
)

// actionableStatuses are the song states the startup sweep hands back to a
// worker: every non-terminal state, since worker.recover (internal/pipeline)
// already knows how to revert each transient status to its last durable
// checkpoint and carry on.
var actionableStatuses = map[data.SongStatus]bool{
	data.StatusPending:            true,
	data.StatusRetryPending:       true,
	data.StatusGeneratingMetadata: true,
	data.StatusMetadataReady:      true,
	data.StatusSubmittingToAce:    true,
	data.StatusGeneratingAudio:    true,
	data.StatusSaving:             true,
}

// startupSweep reconciles persisted state against a cold process: remove
// stale transient songs and hand every
// remaining actionable song back to a worker on a per-playlist basis, then
// fast-check whatever audio tasks survived that cleanup in one batch call.
func (sv *Supervisor) startupSweep(ctx context.Context) error {
	playlists, err := sv.store.Playlists().ListActive(ctx)
	if err != nil {
		return err
	}
	for _, pl := range playlists {
		if err := sv.sweepPlaylistSongs(ctx, pl); err != nil {
			slog.Error("playlist: startup sweep failed for playlist", "playlist_id", pl.PlaylistID, "err", err)
		}
	}

	sv.reconcileAudioPipeline(ctx)
	return nil
}

// reconcileAudioPipeline batch-polls every song mid-audio-generation in one
// round trip, rather than waiting for each to individually clear the audio
// queue's single active slot before its status is known. Every song this
// reports on has already been handed a worker by sweepPlaylistSongs, and
// worker.recover's runAudioResume does the authoritative per-song poll
// through the audio queue's own pollFn — this is purely diagnostic, turning
// a restart with many in-flight audio tasks into one provider round trip
// instead of a silent, serialized wait before the first log line.
func (sv *Supervisor) reconcileAudioPipeline(ctx context.Context) {
	songs, err := sv.store.Songs().GetInAudioPipeline(ctx)
	if err != nil {
		slog.Error("playlist: listing in-flight audio songs failed", "err", err)
		return
	}
	taskIDs := make([]string, 0, len(songs))
	for _, sg := range songs {
		if sg.HasAceTask() {
			taskIDs = append(taskIDs, sg.AceTaskID)
		}
	}
	if len(taskIDs) == 0 {
		return
	}

	results, err := sv.audio.BatchPollAudio(ctx, taskIDs)
	if err != nil {
		slog.Warn("playlist: batch audio poll failed", "err", err)
		return
	}
	running, terminal := 0, 0
	for _, r := range results {
		if r.Status == provider.AudioRunning {
			running++
		} else {
			terminal++
		}
	}
	slog.Info("playlist: startup audio reconciliation", "in_flight", len(songs), "running", running, "already_terminal", terminal)
}

// sweepPlaylistSongs removes songs stuck in a transient status past
// staleTransientThreshold, hands every remaining actionable song back to a
// worker, and tops off the buffer.
// Staleness is judged against the song's own UpdatedAt rather than
// GetWorkQueue's StaleSongs (which bakes in the store's fixed 30-minute
// threshold) so Config.StaleTransientThreshold is an actual knob.
func (sv *Supervisor) sweepPlaylistSongs(ctx context.Context, pl data.Playlist) error {
	songs, err := sv.store.Songs().ListByPlaylist(ctx, pl.PlaylistID)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, sg := range songs {
		if !actionableStatuses[sg.Status] {
			continue
		}
		if now.Sub(sg.UpdatedAt) > sv.staleTransientThreshold {
			sv.workers.Cancel(sg.SongID)
			sv.queues.CancelSong(sg.SongID)
			if err := sv.store.Songs().DeleteSong(ctx, sg.SongID); err != nil {
				slog.Warn("playlist: stale song cleanup failed", "song_id", sg.SongID, "err", err)
			} else {
				slog.Warn("playlist: removed stale transient song at startup", "song_id", sg.SongID, "playlist_id", pl.PlaylistID, "status", sg.Status)
			}
			continue
		}
		sv.spawnActionable(ctx, sg)
	}

	return sv.EnsureBuffer(ctx, pl.PlaylistID)
}
