// Package postgres persists session snapshots in PostgreSQL.
//
// Meant for deployments where questline runs alongside other services
// sharing a database. One table, JSONB state column, upsert on save.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/questline/internal/snapshot"
)

const ddlSnapshots = `
CREATE TABLE IF NOT EXISTS snapshots (
    session_id TEXT        PRIMARY KEY,
    version    INTEGER     NOT NULL,
    story      TEXT        NOT NULL,
    saved_at   TIMESTAMPTZ NOT NULL,
    state      JSONB       NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_snapshots_saved_at
    ON snapshots (saved_at DESC);
`

// Store is a PostgreSQL-backed [snapshot.Store] over a single
// [pgxpool.Pool].
type Store struct {
	pool *pgxpool.Pool
}

var _ snapshot.Store = (*Store)(nil)

// New connects to the database at dsn and runs [Migrate].
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate ensures the snapshots table exists. Idempotent and safe to call
// on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlSnapshots); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

// Save implements [snapshot.Store].
func (s *Store) Save(ctx context.Context, sessionID string, st snapshot.State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("postgres store: encode %q: %w", sessionID, err)
	}

	const q = `
		INSERT INTO snapshots (session_id, version, story, saved_at, state)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id) DO UPDATE SET
		    version  = excluded.version,
		    story    = excluded.story,
		    saved_at = excluded.saved_at,
		    state    = excluded.state`

	_, err = s.pool.Exec(ctx, q, sessionID, st.Version, st.Story, st.SavedAt, raw)
	if err != nil {
		return fmt.Errorf("postgres store: save %q: %w", sessionID, err)
	}
	return nil
}

// Load implements [snapshot.Store].
func (s *Store) Load(ctx context.Context, sessionID string) (snapshot.State, error) {
	const q = `SELECT state FROM snapshots WHERE session_id = $1`

	var raw []byte
	err := s.pool.QueryRow(ctx, q, sessionID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return snapshot.State{}, snapshot.ErrNotFound
	}
	if err != nil {
		return snapshot.State{}, fmt.Errorf("postgres store: load %q: %w", sessionID, err)
	}

	var st snapshot.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return snapshot.State{}, fmt.Errorf("postgres store: decode %q: %w", sessionID, err)
	}
	return st, nil
}

// Delete implements [snapshot.Store].
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	const q = `DELETE FROM snapshots WHERE session_id = $1`
	if _, err := s.pool.Exec(ctx, q, sessionID); err != nil {
		return fmt.Errorf("postgres store: delete %q: %w", sessionID, err)
	}
	return nil
}

// Sessions implements [snapshot.Store].
func (s *Store) Sessions(ctx context.Context) ([]string, error) {
	const q = `SELECT session_id FROM snapshots ORDER BY saved_at DESC, session_id`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list sessions: %w", err)
	}
	ids, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (string, error) {
		var id string
		err := row.Scan(&id)
		return id, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan sessions: %w", err)
	}
	return ids, nil
}

// Close implements [snapshot.Store]. It releases all pool connections.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
