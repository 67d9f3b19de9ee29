package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/beastyrabbit/infinitune-sub001/internal/data"
)

type songStore struct{ s *Store }

var _ data.SongStore = (*songStore)(nil)

const songColumns = `
    id, playlist_id, order_index, prompt_epoch, is_interrupt, interrupt_prompt,
    status, ace_task_id, ace_submitted_at, metadata, audio_url, cover_url,
    user_rating, persona_extract, error_message, created_at, updated_at`

func scanSong(row pgx.Row) (data.Song, error) {
	var sg data.Song
	var metaJSON []byte
	var submittedAt *time.Time
	err := row.Scan(
		&sg.SongID, &sg.PlaylistID, &sg.OrderIndex, &sg.PromptEpoch, &sg.IsInterrupt,
		&sg.InterruptPrompt, &sg.Status, &sg.AceTaskID, &submittedAt, &metaJSON,
		&sg.AudioURL, &sg.CoverURL, &sg.UserRating, &sg.PersonaExtract,
		&sg.ErrorMessage, &sg.CreatedAt, &sg.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return data.Song{}, data.ErrNotFound
	}
	if err != nil {
		return data.Song{}, fmt.Errorf("scan song: %w", err)
	}
	if submittedAt != nil {
		sg.AceSubmittedAt = *submittedAt
	}
	_ = json.Unmarshal(metaJSON, &sg.Metadata)
	return sg, nil
}

func (g *songStore) GetByIDs(ctx context.Context, ids []string) ([]data.Song, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := g.s.pool.Query(ctx, `SELECT `+songColumns+` FROM songs WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("get songs by ids: %w", err)
	}
	defer rows.Close()
	var out []data.Song
	for rows.Next() {
		sg, err := scanSong(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}

func (g *songStore) ListByPlaylist(ctx context.Context, playlistID string) ([]data.Song, error) {
	rows, err := g.s.pool.Query(ctx, `SELECT `+songColumns+` FROM songs WHERE playlist_id = $1 ORDER BY order_index`, playlistID)
	if err != nil {
		return nil, fmt.Errorf("list songs by playlist: %w", err)
	}
	defer rows.Close()
	var out []data.Song
	for rows.Next() {
		sg, err := scanSong(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}

// GetWorkQueue re-derives the supervisor's decision inputs from a single
// pass over the playlist's songs, mirroring the in-memory store's logic so
// both backends agree on semantics.
func (g *songStore) GetWorkQueue(ctx context.Context, playlistID string) (data.WorkQueue, error) {
	pl, err := g.s.playlists.GetByID(ctx, playlistID)
	if err != nil {
		return data.WorkQueue{}, err
	}
	songs, err := g.ListByPlaylist(ctx, playlistID)
	if err != nil {
		return data.WorkQueue{}, err
	}

	wq := data.WorkQueue{CurrentEpoch: pl.PromptEpoch}
	now := time.Now()
	for _, sg := range songs {
		wq.TotalSongs++
		if sg.OrderIndex > wq.MaxOrderIndex {
			wq.MaxOrderIndex = sg.OrderIndex
		}
		switch sg.Status {
		case data.StatusPending:
			wq.Pending = append(wq.Pending, sg)
		case data.StatusMetadataReady:
			wq.MetadataReady = append(wq.MetadataReady, sg)
			if sg.CoverURL == "" {
				wq.NeedsCover = append(wq.NeedsCover, sg)
			}
		case data.StatusGeneratingAudio, data.StatusSubmittingToAce, data.StatusSaving:
			wq.GeneratingAudio = append(wq.GeneratingAudio, sg)
		case data.StatusRetryPending:
			wq.RetryPending = append(wq.RetryPending, sg)
		case data.StatusReady:
			wq.RecentCompleted = append(wq.RecentCompleted, sg)
			if sg.Metadata.Title != "" {
				wq.RecentDescriptions = append(wq.RecentDescriptions, strings.TrimSpace(sg.Metadata.Title+" — "+sg.Metadata.Artist))
			}
		case data.StatusError:
			wq.NeedsRecovery = append(wq.NeedsRecovery, sg)
		}
		if sg.Status.IsTransient() {
			wq.TransientCount++
			if now.Sub(sg.UpdatedAt) > staleThreshold {
				wq.StaleSongs = append(wq.StaleSongs, sg)
			}
		}
		if sg.OrderIndex > pl.CurrentOrderIndex && sg.Status != data.StatusError {
			wq.BufferDeficit++
		}
	}
	// RecentCompleted/RecentDescriptions are returned unbounded; the
	// dedup-window size is a pipeline-level config (pipeline.WithDedupWindow),
	// not a store concern.
	return wq, nil
}

// staleThreshold bounds how long a song may sit in a transient status before
// GetWorkQueue reports it under StaleSongs.
const staleThreshold = 30 * time.Minute

func (g *songStore) CreatePending(ctx context.Context, playlistID string, orderIndex int, promptEpoch int) (data.Song, error) {
	pl, err := g.s.playlists.GetByID(ctx, playlistID)
	if err != nil {
		return data.Song{}, err
	}
	if pl.Status != data.PlaylistActive {
		return data.Song{}, data.ErrPlaylistClosed
	}
	row := g.s.pool.QueryRow(ctx, `
        INSERT INTO songs (id, playlist_id, order_index, prompt_epoch, status)
        VALUES (gen_random_uuid()::text, $1, $2, $3, 'pending')
        RETURNING `+songColumns, playlistID, orderIndex, promptEpoch)
	sg, err := scanSong(row)
	if err != nil {
		return data.Song{}, fmt.Errorf("create pending song: %w", err)
	}
	g.s.eventPublish(data.Event{Kind: data.EventSongCreated, PlaylistID: playlistID, SongID: sg.SongID})
	return sg, nil
}

func (g *songStore) CreateInterrupt(ctx context.Context, playlistID string, prompt string) (data.Song, error) {
	pl, err := g.s.playlists.GetByID(ctx, playlistID)
	if err != nil {
		return data.Song{}, err
	}
	if pl.Status != data.PlaylistActive {
		return data.Song{}, data.ErrPlaylistClosed
	}
	row := g.s.pool.QueryRow(ctx, `
        INSERT INTO songs (id, playlist_id, order_index, prompt_epoch, is_interrupt, interrupt_prompt, status)
        SELECT gen_random_uuid()::text, $1, COALESCE(MAX(order_index), 0) + 1, $2, true, $3, 'pending'
        FROM songs WHERE playlist_id = $1
        RETURNING `+songColumns, playlistID, pl.PromptEpoch, prompt)
	sg, err := scanSong(row)
	if err != nil {
		return data.Song{}, fmt.Errorf("create interrupt song: %w", err)
	}
	g.s.eventPublish(data.Event{Kind: data.EventSongCreated, PlaylistID: playlistID, SongID: sg.SongID})
	return sg, nil
}

func (g *songStore) DeleteSong(ctx context.Context, songID string) error {
	tag, err := g.s.pool.Exec(ctx, `DELETE FROM songs WHERE id = $1`, songID)
	if err != nil {
		return fmt.Errorf("delete song: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return data.ErrNotFound
	}
	return nil
}

func (g *songStore) claim(ctx context.Context, songID string, from, to data.SongStatus) (bool, error) {
	tag, err := g.s.pool.Exec(ctx,
		`UPDATE songs SET status = $1, updated_at = now() WHERE id = $2 AND status = $3`,
		to, songID, from)
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (g *songStore) ClaimMetadata(ctx context.Context, songID string) (bool, error) {
	return g.claim(ctx, songID, data.StatusPending, data.StatusGeneratingMetadata)
}

func (g *songStore) ClaimAudio(ctx context.Context, songID string) (bool, error) {
	return g.claim(ctx, songID, data.StatusMetadataReady, data.StatusSubmittingToAce)
}

func (g *songStore) updateStatusQuery(ctx context.Context, songID string, query string, args ...any) error {
	var from string
	if err := g.s.pool.QueryRow(ctx, `SELECT status FROM songs WHERE id = $1`, songID).Scan(&from); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return data.ErrNotFound
		}
		return err
	}
	tag, err := g.s.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return data.ErrNotFound
	}
	var to string
	_ = g.s.pool.QueryRow(ctx, `SELECT status FROM songs WHERE id = $1`, songID).Scan(&to)
	if from != to {
		var playlistID string
		_ = g.s.pool.QueryRow(ctx, `SELECT playlist_id FROM songs WHERE id = $1`, songID).Scan(&playlistID)
		g.s.eventPublish(data.Event{Kind: data.EventSongStatusChanged, PlaylistID: playlistID, SongID: songID, From: from, To: to})
	}
	return nil
}

func (g *songStore) CompleteMetadata(ctx context.Context, songID string, md data.Metadata) error {
	mdJSON, _ := json.Marshal(md)
	return g.updateStatusQuery(ctx, songID,
		`UPDATE songs SET metadata = $1, status = 'metadata_ready', updated_at = now() WHERE id = $2`,
		mdJSON, songID)
}

func (g *songStore) UpdateCover(ctx context.Context, songID string, coverURL string) error {
	_, err := g.s.pool.Exec(ctx, `UPDATE songs SET cover_url = $1, updated_at = now() WHERE id = $2`, coverURL, songID)
	return err
}

func (g *songStore) UpdateAceTask(ctx context.Context, songID string, taskID string, submittedAt time.Time) error {
	return g.updateStatusQuery(ctx, songID,
		`UPDATE songs SET ace_task_id = $1, ace_submitted_at = $2, status = 'generating_audio', updated_at = now() WHERE id = $3`,
		taskID, submittedAt, songID)
}

func (g *songStore) UpdateStoragePath(ctx context.Context, songID string, audioURL string) error {
	return g.updateStatusQuery(ctx, songID,
		`UPDATE songs SET audio_url = $1, status = 'saving', updated_at = now() WHERE id = $2`,
		audioURL, songID)
}

func (g *songStore) UpdateAudioDuration(ctx context.Context, songID string, d time.Duration) error {
	_, err := g.s.pool.Exec(ctx,
		`UPDATE songs SET metadata = jsonb_set(metadata, '{AudioDuration}', to_jsonb($1::bigint)), updated_at = now() WHERE id = $2`,
		d.Nanoseconds(), songID)
	return err
}

func (g *songStore) MarkReady(ctx context.Context, songID string) error {
	return g.updateStatusQuery(ctx, songID, `UPDATE songs SET status = 'ready', updated_at = now() WHERE id = $1`, songID)
}

func (g *songStore) MarkError(ctx context.Context, songID string, message string) error {
	return g.updateStatusQuery(ctx, songID,
		`UPDATE songs SET status = 'error', error_message = $1, updated_at = now() WHERE id = $2`, message, songID)
}

func (g *songStore) RetryErrored(ctx context.Context, songID string) error {
	return g.updateStatusQuery(ctx, songID,
		`UPDATE songs SET status = 'retry_pending', error_message = '', updated_at = now() WHERE id = $1 AND status = 'error'`, songID)
}

func (g *songStore) RevertTransient(ctx context.Context, songID string, to data.SongStatus) error {
	return g.updateStatusQuery(ctx, songID,
		`UPDATE songs SET status = $1, updated_at = now() WHERE id = $2`, to, songID)
}

func (g *songStore) UpdateStatus(ctx context.Context, songID string, status data.SongStatus) error {
	return g.updateStatusQuery(ctx, songID,
		`UPDATE songs SET status = $1, updated_at = now() WHERE id = $2`, status, songID)
}

func (g *songStore) MarkPlayed(ctx context.Context, songID string) error {
	return g.updateStatusQuery(ctx, songID,
		`UPDATE songs SET status = 'played', updated_at = now() WHERE id = $1`, songID)
}

func (g *songStore) GetInAudioPipeline(ctx context.Context) ([]data.Song, error) {
	rows, err := g.s.pool.Query(ctx, `SELECT `+songColumns+` FROM songs WHERE status IN ('submitting_to_ace','generating_audio','saving')`)
	if err != nil {
		return nil, fmt.Errorf("get in audio pipeline: %w", err)
	}
	defer rows.Close()
	var out []data.Song
	for rows.Next() {
		sg, err := scanSong(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}

func (g *songStore) GetNeedsPersona(ctx context.Context, limit int) ([]data.Song, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := g.s.pool.Query(ctx,
		`SELECT `+songColumns+` FROM songs WHERE status = 'ready' AND persona_extract = '' LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("get needs persona: %w", err)
	}
	defer rows.Close()
	var out []data.Song
	for rows.Next() {
		sg, err := scanSong(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}

func (g *songStore) UpdatePersonaExtract(ctx context.Context, songID string, persona string) error {
	_, err := g.s.pool.Exec(ctx, `UPDATE songs SET persona_extract = $1, updated_at = now() WHERE id = $2`, persona, songID)
	return err
}
