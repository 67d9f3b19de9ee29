// Package postgres is a PostgreSQL-backed implementation of [data.Store],
// used when Config.DataService.Backend is "postgres": a single pgxpool.Pool,
// idempotent DDL run at startup, thin query wrappers per entity.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlPlaylists = `
CREATE TABLE IF NOT EXISTS playlists (
    id                  TEXT        PRIMARY KEY,
    playlist_key        TEXT        NOT NULL UNIQUE,
    mode                TEXT        NOT NULL DEFAULT 'endless',
    status              TEXT        NOT NULL DEFAULT 'active',
    prompt_epoch        INT         NOT NULL DEFAULT 0,
    current_order_index INT         NOT NULL DEFAULT 0,
    last_seen_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    prompt              TEXT        NOT NULL DEFAULT '',
    manager_brief       TEXT        NOT NULL DEFAULT '',
    manager_plan        JSONB       NOT NULL DEFAULT '[]',
    manager_epoch       INT         NOT NULL DEFAULT 0,
    created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_playlists_status ON playlists (status);
`

const ddlSongs = `
CREATE TABLE IF NOT EXISTS songs (
    id               TEXT        PRIMARY KEY,
    playlist_id      TEXT        NOT NULL REFERENCES playlists (id) ON DELETE CASCADE,
    order_index      INT         NOT NULL,
    prompt_epoch     INT         NOT NULL DEFAULT 0,
    is_interrupt     BOOLEAN     NOT NULL DEFAULT false,
    interrupt_prompt TEXT        NOT NULL DEFAULT '',
    status           TEXT        NOT NULL DEFAULT 'pending',
    ace_task_id      TEXT        NOT NULL DEFAULT '',
    ace_submitted_at TIMESTAMPTZ,
    metadata         JSONB       NOT NULL DEFAULT '{}',
    audio_url        TEXT        NOT NULL DEFAULT '',
    cover_url        TEXT        NOT NULL DEFAULT '',
    user_rating      TEXT        NOT NULL DEFAULT '',
    persona_extract  TEXT        NOT NULL DEFAULT '',
    error_message    TEXT        NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (playlist_id, order_index)
);

CREATE INDEX IF NOT EXISTS idx_songs_playlist_id ON songs (playlist_id);
CREATE INDEX IF NOT EXISTS idx_songs_status ON songs (status);
`

// Migrate creates or ensures all required tables and indexes exist. It is
// idempotent and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlPlaylists, ddlSongs} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
