package playlist

import (
	"context"
	"log/slog"
	"time"

	"github.com/beastyrabbit/infinitune-sub001/internal/data"
	"github.com/beastyrabbit/infinitune-sub001/internal/provider"
)

// personaPriority is the queue priority used for persona-refresh LLM calls —
// low urgency, well below an interrupt song's 0 but still finite so it
// eventually runs ahead of heavily stale-epoch work.
const personaPriority = 1 << 20

// personaLoop periodically refreshes the persona extract of recently
// completed songs that don't have one yet.
func (sv *Supervisor) personaLoop(ctx context.Context) {
	ticker := time.NewTicker(sv.personaInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sv.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			sv.refreshStalePersonas(ctx)
		}
	}
}

// refreshStalePersonas claims up to personaBatchSize songs missing a
// persona extract and enqueues one LLM call each.
func (sv *Supervisor) refreshStalePersonas(ctx context.Context) {
	songs, err := sv.store.Songs().GetNeedsPersona(ctx, sv.personaBatchSize)
	if err != nil {
		slog.Error("playlist: listing songs needing persona failed", "err", err)
		return
	}
	for _, sg := range songs {
		go sv.refreshOnePersona(ctx, sg)
	}
}

// refreshOnePersona routes a single persona-extract call through the LLM
// endpoint queue (this runs outside any song worker's active slot, so
// there's no re-entrancy deadlock to avoid the way there is for
// internal/pipeline's direct ensureManagerBrief call).
func (sv *Supervisor) refreshOnePersona(ctx context.Context, sg data.Song) {
	v, _, err := sv.queues.LLM.Enqueue(ctx, sg.SongID, personaPriority, "persona", func(ctx context.Context) (any, error) {
		return sv.llm.GeneratePersona(ctx, provider.PersonaRequest{
			Title:   sg.Metadata.Title,
			Artist:  sg.Metadata.Artist,
			Lyrics:  sg.Metadata.Lyrics,
			Caption: sg.Metadata.Caption,
		})
	})
	if err != nil {
		slog.Debug("playlist: persona refresh skipped", "song_id", sg.SongID, "err", err)
		return
	}

	persona, _ := v.(string)
	if err := sv.store.Songs().UpdatePersonaExtract(ctx, sg.SongID, persona); err != nil {
		slog.Warn("playlist: persona persist failed", "song_id", sg.SongID, "err", err)
	}
}
