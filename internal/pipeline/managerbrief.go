package pipeline

import (
	"context"
	"log/slog"

	"github.com/beastyrabbit/infinitune-sub001/internal/data"
	"github.com/beastyrabbit/infinitune-sub001/internal/provider"
)

// ensureManagerBrief returns playlist's current manager brief, refreshing it
// first if managerEpoch has fallen behind promptEpoch (managerEpoch never
// exceeds promptEpoch).
//
// Multiple song workers in the same playlist can hit metadata generation in
// the same epoch window simultaneously; singleflight collapses their refresh
// calls into one LLM round trip keyed by playlistID, so only the first
// caller actually talks to the provider and the rest observe its result.
// This call goes directly to the LLM provider rather than through the LLM
// endpoint queue: it runs from inside a song's own active slot on that
// queue, and re-entering the same queue from there would deadlock whenever
// the queue's concurrency is exhausted by metadata workers waiting on each
// other. The Playlist Supervisor's own periodic brief/window maintenance
// does go through the LLM queue, since it runs outside any
// song's slot.
func (m *Manager) ensureManagerBrief(ctx context.Context, pl data.Playlist) string {
	if pl.ManagerEpoch >= pl.PromptEpoch && pl.ManagerBrief != "" {
		return pl.ManagerBrief
	}

	v, err, _ := m.briefGroup.Do(pl.PlaylistID, func() (any, error) {
		latest, err := m.store.Playlists().GetByID(ctx, pl.PlaylistID)
		if err != nil {
			return "", err
		}
		if latest.ManagerEpoch >= latest.PromptEpoch && latest.ManagerBrief != "" {
			return latest.ManagerBrief, nil
		}

		res, err := m.llm.GenerateManagerBrief(ctx, provider.ManagerBriefRequest{
			PlaylistPrompt: latest.Prompt,
			PreviousBrief:  latest.ManagerBrief,
			WindowStart:    latest.CurrentOrderIndex,
		})
		if err != nil {
			return "", err
		}

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
		if err := m.store.Playlists().UpdateManagerBrief(ctx, latest.PlaylistID, res.Brief, plan, latest.PromptEpoch); err != nil {
			return "", err
		}
		return res.Brief, nil
	})
	if err != nil {
		// Best-effort: a stale or empty brief still lets metadata generation
		// proceed with the raw playlist prompt.
		slog.Warn("pipeline: manager brief refresh failed, using existing brief", "playlist_id", pl.PlaylistID, "err", err)
		return pl.ManagerBrief
	}
	return v.(string)
}
