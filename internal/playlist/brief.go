package playlist

import (
	"context"
	"log/slog"
	"time"

	"github.com/beastyrabbit/infinitune-sub001/internal/data"
	"github.com/beastyrabbit/infinitune-sub001/internal/provider"
)

// briefPriority is lower (more urgent) than personaPriority: a stale
// manager brief blocks every song worker's metadata step in that playlist
// until it's refreshed, where a missing persona extract blocks nothing.
const briefPriority = 1 << 19

// briefLoop is the Playlist Supervisor's own manager-brief/window
// maintenance job: unlike
// internal/pipeline's ensureManagerBrief, which calls the LLM directly from
// inside a song's own active queue slot to avoid deadlocking the LLM queue,
// this loop runs outside any slot and so routes through the LLM endpoint
// queue like any other generation call.
func (sv *Supervisor) briefLoop(ctx context.Context) {
	ticker := time.NewTicker(sv.briefInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sv.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			sv.refreshStaleBriefs(ctx)
		}
	}
}

// refreshStaleBriefs scans active playlists for a manager epoch that has
// fallen behind the prompt epoch and refreshes each one in turn.
func (sv *Supervisor) refreshStaleBriefs(ctx context.Context) {
	playlists, err := sv.store.Playlists().ListActive(ctx)
	if err != nil {
		slog.Error("playlist: listing active playlists for brief refresh failed", "err", err)
		return
	}
	for _, pl := range playlists {
		if pl.ManagerEpoch >= pl.PromptEpoch && pl.ManagerBrief != "" {
			continue
		}
		sv.refreshOneBrief(ctx, pl)
	}
}

// refreshOneBrief re-checks the playlist is still stale (it may have been
// refreshed by a song worker's own ensureManagerBrief call since the scan)
// before spending an LLM call on it.
func (sv *Supervisor) refreshOneBrief(ctx context.Context, pl data.Playlist) {
	latest, err := sv.store.Playlists().GetByID(ctx, pl.PlaylistID)
	if err != nil {
		slog.Warn("playlist: brief refresh lookup failed", "playlist_id", pl.PlaylistID, "err", err)
		return
	}
	if latest.ManagerEpoch >= latest.PromptEpoch && latest.ManagerBrief != "" {
		return
	}

	v, _, err := sv.queues.LLM.Enqueue(ctx, latest.PlaylistID, briefPriority, "brief", func(ctx context.Context) (any, error) {
		return sv.llm.GenerateManagerBrief(ctx, provider.ManagerBriefRequest{
			PlaylistPrompt: latest.Prompt,
			PreviousBrief:  latest.ManagerBrief,
			WindowStart:    latest.CurrentOrderIndex,
		})
	})
	if err != nil {
		slog.Debug("playlist: brief refresh skipped", "playlist_id", latest.PlaylistID, "err", err)
		return
	}

	res := v.(provider.ManagerBriefResult)
	plan := data.ManagerPlan{Slots: make([]data.ManagerSlot, len(res.Slots))}
	for i, s := range res.Slots {
		plan.Slots[i] = data.ManagerSlot{
			StartOrderIndex: s.StartOrderIndex,
			WindowSize:      s.WindowSize,
			TransitionHint:  s.TransitionHint,
			Topic:           s.Topic,
			LyricalTheme:    s.LyricalTheme,
			EnergyTarget:    s.EnergyTarget,
		}
	}
	if err := sv.store.Playlists().UpdateManagerBrief(ctx, latest.PlaylistID, res.Brief, plan, latest.PromptEpoch); err != nil {
		slog.Warn("playlist: brief persist failed", "playlist_id", latest.PlaylistID, "err", err)
	}
}
