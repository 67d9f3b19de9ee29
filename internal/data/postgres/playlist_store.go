package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/beastyrabbit/infinitune-sub001/internal/data"
)

type playlistStore struct{ s *Store }

var _ data.PlaylistStore = (*playlistStore)(nil)

func scanPlaylist(row pgx.Row) (data.Playlist, error) {
	var p data.Playlist
	var planJSON []byte
	err := row.Scan(
		&p.PlaylistID, &p.PlaylistKey, &p.Mode, &p.Status,
		&p.PromptEpoch, &p.CurrentOrderIndex, &p.LastSeenAt,
		&p.Prompt, &p.ManagerBrief, &planJSON, &p.ManagerEpoch,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return data.Playlist{}, data.ErrNotFound
	}
	if err != nil {
		return data.Playlist{}, fmt.Errorf("scan playlist: %w", err)
	}
	_ = json.Unmarshal(planJSON, &p.ManagerPlan.Slots)
	return p, nil
}

const playlistColumns = `
    id, playlist_key, mode, status, prompt_epoch, current_order_index,
    last_seen_at, prompt, manager_brief, manager_plan, manager_epoch,
    created_at, updated_at`

func (p *playlistStore) GetByID(ctx context.Context, id string) (data.Playlist, error) {
	row := p.s.pool.QueryRow(ctx, `SELECT `+playlistColumns+` FROM playlists WHERE id = $1`, id)
	return scanPlaylist(row)
}

func (p *playlistStore) GetByKey(ctx context.Context, key string) (data.Playlist, error) {
	row := p.s.pool.QueryRow(ctx, `SELECT `+playlistColumns+` FROM playlists WHERE playlist_key = $1`, key)
	return scanPlaylist(row)
}

func (p *playlistStore) ListActive(ctx context.Context) ([]data.Playlist, error) {
	rows, err := p.s.pool.Query(ctx, `SELECT `+playlistColumns+` FROM playlists WHERE status IN ('active','closing') ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list active playlists: %w", err)
	}
	defer rows.Close()

	var out []data.Playlist
	for rows.Next() {
		pl, err := scanPlaylist(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pl)
	}
	return out, rows.Err()
}

func (p *playlistStore) Create(ctx context.Context, pl data.Playlist) (data.Playlist, error) {
	planJSON, _ := json.Marshal(pl.ManagerPlan.Slots)
	if pl.Status == "" {
		pl.Status = data.PlaylistActive
	}
	const q = `
        INSERT INTO playlists (id, playlist_key, mode, status, prompt_epoch,
            current_order_index, prompt, manager_plan)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        RETURNING ` + playlistColumns
	row := p.s.pool.QueryRow(ctx, q, pl.PlaylistID, pl.PlaylistKey, pl.Mode, pl.Status,
		pl.PromptEpoch, pl.CurrentOrderIndex, pl.Prompt, planJSON)
	created, err := scanPlaylist(row)
	if err != nil {
		return data.Playlist{}, fmt.Errorf("create playlist: %w", err)
	}
	p.s.eventPublish(data.Event{Kind: data.EventPlaylistCreated, PlaylistID: created.PlaylistID})
	return created, nil
}

func (p *playlistStore) UpdateStatus(ctx context.Context, id string, status data.PlaylistStatus) error {
	var from string
	err := p.s.pool.QueryRow(ctx, `SELECT status FROM playlists WHERE id = $1`, id).Scan(&from)
	if errors.Is(err, pgx.ErrNoRows) {
		return data.ErrNotFound
	} else if err != nil {
		return fmt.Errorf("update playlist status: %w", err)
	}
	_, err = p.s.pool.Exec(ctx, `UPDATE playlists SET status = $1, updated_at = now() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("update playlist status: %w", err)
	}
	if from != string(status) {
		p.s.eventPublish(data.Event{Kind: data.EventPlaylistStatusChange, PlaylistID: id, From: from, To: string(status)})
	}
	return nil
}

func (p *playlistStore) UpdateManagerBrief(ctx context.Context, id string, brief string, plan data.ManagerPlan, epoch int) error {
	planJSON, _ := json.Marshal(plan.Slots)
	tag, err := p.s.pool.Exec(ctx,
		`UPDATE playlists SET manager_brief = $1, manager_plan = $2, manager_epoch = $3, updated_at = now() WHERE id = $4`,
		brief, planJSON, epoch, id)
	if err != nil {
		return fmt.Errorf("update manager brief: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return data.ErrNotFound
	}
	return nil
}

func (p *playlistStore) IncrementEpoch(ctx context.Context, id string) (int, error) {
	var newEpoch int
	err := p.s.pool.QueryRow(ctx,
		`UPDATE playlists SET prompt_epoch = prompt_epoch + 1, updated_at = now() WHERE id = $1 RETURNING prompt_epoch`,
		id).Scan(&newEpoch)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, data.ErrNotFound
	} else if err != nil {
		return 0, fmt.Errorf("increment epoch: %w", err)
	}
	p.s.eventPublish(data.Event{Kind: data.EventPlaylistSteered, PlaylistID: id, NewEpoch: newEpoch})
	return newEpoch, nil
}

func (p *playlistStore) Heartbeat(ctx context.Context, id string) error {
	tag, err := p.s.pool.Exec(ctx, `UPDATE playlists SET last_seen_at = $1, updated_at = now() WHERE id = $2`, time.Now(), id)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return data.ErrNotFound
	}
	p.s.eventPublish(data.Event{Kind: data.EventPlaylistHeartbeat, PlaylistID: id})
	return nil
}

func (p *playlistStore) UpdateCursor(ctx context.Context, id string, currentOrderIndex int) error {
	tag, err := p.s.pool.Exec(ctx,
		`UPDATE playlists SET current_order_index = $1, updated_at = now() WHERE id = $2`, currentOrderIndex, id)
	if err != nil {
		return fmt.Errorf("update cursor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return data.ErrNotFound
	}
	return nil
}
