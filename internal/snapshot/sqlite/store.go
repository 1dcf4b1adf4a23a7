// Package sqlite persists session snapshots in a single SQLite file.
//
// The embedded default for questline deployments: no server, one file,
// WAL journaling for concurrent reader safety. Snapshots are stored as
// JSON in a single table keyed by session ID.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/questline/internal/snapshot"
)

const ddlSnapshots = `
CREATE TABLE IF NOT EXISTS snapshots (
    session_id TEXT    PRIMARY KEY,
    version    INTEGER NOT NULL,
    story      TEXT    NOT NULL,
    saved_at   INTEGER NOT NULL,
    state      TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_snapshots_saved_at
    ON snapshots (saved_at DESC);
`

// Store is a SQLite-backed [snapshot.Store].
type Store struct {
	db *sql.DB
}

var _ snapshot.Store = (*Store)(nil)

// Open opens or creates the snapshot database at path and ensures the
// schema exists.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite store: path is required")
	}

	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store: ping: %w", err)
	}
	if _, err := db.Exec(ddlSnapshots); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Save implements [snapshot.Store].
func (s *Store) Save(ctx context.Context, sessionID string, st snapshot.State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("sqlite store: encode %q: %w", sessionID, err)
	}

	const q = `
		INSERT INTO snapshots (session_id, version, story, saved_at, state)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
		    version  = excluded.version,
		    story    = excluded.story,
		    saved_at = excluded.saved_at,
		    state    = excluded.state`

	_, err = s.db.ExecContext(ctx, q,
		sessionID, st.Version, st.Story, st.SavedAt.UTC().UnixMilli(), string(raw))
	if err != nil {
		return fmt.Errorf("sqlite store: save %q: %w", sessionID, err)
	}
	return nil
}

// Load implements [snapshot.Store].
func (s *Store) Load(ctx context.Context, sessionID string) (snapshot.State, error) {
	const q = `SELECT state FROM snapshots WHERE session_id = ?`

	var raw string
	err := s.db.QueryRowContext(ctx, q, sessionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return snapshot.State{}, snapshot.ErrNotFound
	}
	if err != nil {
		return snapshot.State{}, fmt.Errorf("sqlite store: load %q: %w", sessionID, err)
	}

	var st snapshot.State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return snapshot.State{}, fmt.Errorf("sqlite store: decode %q: %w", sessionID, err)
	}
	return st, nil
}

// Delete implements [snapshot.Store].
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	const q = `DELETE FROM snapshots WHERE session_id = ?`
	if _, err := s.db.ExecContext(ctx, q, sessionID); err != nil {
		return fmt.Errorf("sqlite store: delete %q: %w", sessionID, err)
	}
	return nil
}

// Sessions implements [snapshot.Store].
func (s *Store) Sessions(ctx context.Context) ([]string, error) {
	const q = `SELECT session_id FROM snapshots ORDER BY saved_at DESC, session_id`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite store: scan session: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: list sessions: %w", err)
	}
	return ids, nil
}

// Close implements [snapshot.Store].
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("sqlite store: close: %w", err)
	}
	return nil
}
