package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/beastyrabbit/infinitune-sub001/internal/data"
	"github.com/beastyrabbit/infinitune-sub001/internal/data/memstore"
)

// Store is the PostgreSQL-backed [data.Store]. It embeds an in-process event
// bus — Infinitune assumes a single writer process, so events
// never need to cross a NOTIFY channel.
type Store struct {
	pool         *pgxpool.Pool
	playlists    *playlistStore
	songs        *songStore
	eventPublish func(data.Event)
	bus          data.EventBus
}

var _ data.Store = (*Store)(nil)

// NewStore connects to dsn, runs [Migrate], and returns a ready [Store].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("data/postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("data/postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	bus := memstore.New().Events() // reuse the in-memory bus implementation only
	s := &Store{pool: pool, bus: bus}
	s.eventPublish = func(ev data.Event) { bus.Publish(ctx, ev) }
	s.playlists = &playlistStore{s}
	s.songs = &songStore{s}
	return s, nil
}

func (s *Store) Playlists() data.PlaylistStore { return s.playlists }
func (s *Store) Songs() data.SongStore         { return s.songs }
func (s *Store) Events() data.EventBus         { return s.bus }

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }
