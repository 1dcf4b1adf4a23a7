// Package session owns snapshot persistence for one engine run: restoring
// saved state on start, autosaving on an interval, and writing a final
// snapshot on stop.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/questline/internal/cue"
	"github.com/MrWong99/questline/internal/director"
	"github.com/MrWong99/questline/internal/observe"
	"github.com/MrWong99/questline/internal/snapshot"
	"github.com/MrWong99/questline/internal/stage"
)

// defaultAutosaveInterval is the period between periodic snapshots.
const defaultAutosaveInterval = time.Minute

// ErrStoryMismatch reports a snapshot that belongs to a different story
// than the one the engine is running. The snapshot is left untouched so the
// progress is not lost; change the session ID or the story to proceed.
var ErrStoryMismatch = errors.New("session: snapshot from a different story")

// ErrVersionMismatch reports a snapshot written with an unsupported schema
// version.
var ErrVersionMismatch = errors.New("session: unsupported snapshot version")

// Info holds metadata about a running session.
type Info struct {
	// SessionID keys the snapshot in the store.
	SessionID string

	// Story is the compiled story name the session plays.
	Story string

	// StartedAt is when the manager started.
	StartedAt time.Time

	// Restored reports whether a snapshot was applied at start.
	Restored bool

	// LastSaved is when the most recent snapshot was written. Zero until
	// the first save.
	LastSaved time.Time
}

// Manager drives the snapshot lifecycle for a single session. It restores
// state into the director, stage, and cue service on [Manager.Start], saves
// on a ticker while running, and saves once more on [Manager.Stop].
//
// All exported methods are safe for concurrent use.
type Manager struct {
	store    snapshot.Store
	director *director.Director
	stage    *stage.Stage
	cues     *cue.Service
	metrics  *observe.Metrics

	story     string
	sessionID string
	interval  time.Duration

	mu        sync.Mutex
	running   bool
	restored  bool
	startedAt time.Time
	lastSaved time.Time
	done      chan struct{}
}

// ManagerConfig holds the dependencies for a [Manager].
type ManagerConfig struct {
	// Store is the snapshot backend. Required.
	Store snapshot.Store

	// Director, Stage, and Cues are the stateful collaborators whose
	// snapshots make up a session. Required.
	Director *director.Director
	Stage    *stage.Stage
	Cues     *cue.Service

	// Story is the compiled story name stamped into snapshots. Required.
	Story string

	// SessionID keys the snapshot in the store. Required.
	SessionID string

	// Interval is the autosave period. Defaults to one minute if zero.
	Interval time.Duration

	// Metrics receives the active-session gauge. Optional.
	Metrics *observe.Metrics
}

// NewManager creates a [Manager] with the given dependencies.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("session: manager needs a snapshot store")
	case cfg.Director == nil:
		return nil, errors.New("session: manager needs a director")
	case cfg.Stage == nil:
		return nil, errors.New("session: manager needs a stage")
	case cfg.Cues == nil:
		return nil, errors.New("session: manager needs a cue service")
	case cfg.Story == "":
		return nil, errors.New("session: manager needs a story name")
	case cfg.SessionID == "":
		return nil, errors.New("session: manager needs a session ID")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultAutosaveInterval
	}
	return &Manager{
		store:     cfg.Store,
		director:  cfg.Director,
		stage:     cfg.Stage,
		cues:      cfg.Cues,
		metrics:   cfg.Metrics,
		story:     cfg.Story,
		sessionID: cfg.SessionID,
		interval:  interval,
	}, nil
}

// Start restores the saved snapshot for the session, if any, and begins
// periodic autosaving. A missing snapshot starts the session fresh; a
// snapshot that fails validation or cannot be applied aborts the start so
// saved progress is never silently discarded.
//
// The autosave loop runs until [Manager.Stop] is called or ctx is
// cancelled. The director must be initialized before Start.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("session: manager already started (id=%s)", m.sessionID)
	}

	restored, err := m.restore(ctx)
	if err != nil {
		return err
	}

	m.running = true
	m.restored = restored
	m.startedAt = time.Now().UTC()
	m.done = make(chan struct{})
	if m.metrics != nil {
		m.metrics.ActiveSessions.Add(ctx, 1)
	}

	go m.loop(ctx, m.done)

	slog.Info("session started",
		"session_id", m.sessionID,
		"story", m.story,
		"restored", restored,
		"autosave_interval", m.interval,
	)
	return nil
}

// Stop writes a final snapshot and halts the autosave loop. Returns an
// error if no session is running or the final save failed; teardown
// completes either way.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return errors.New("session: manager not started")
	}

	saveErr := m.save(ctx)
	if saveErr != nil {
		slog.Warn("session: final snapshot failed", "session_id", m.sessionID, "err", saveErr)
	}

	close(m.done)
	m.running = false
	m.done = nil
	if m.metrics != nil {
		m.metrics.ActiveSessions.Add(ctx, -1)
	}

	slog.Info("session stopped", "session_id", m.sessionID)
	return saveErr
}

// Save writes a snapshot immediately.
func (m *Manager) Save(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.save(ctx)
}

// Running reports whether the manager has been started and not yet stopped.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Info returns metadata about the session. Zero value before Start.
func (m *Manager) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return Info{}
	}
	return Info{
		SessionID: m.sessionID,
		Story:     m.story,
		StartedAt: m.startedAt,
		Restored:  m.restored,
		LastSaved: m.lastSaved,
	}
}

// restore loads and applies the saved snapshot. Must be called with m.mu
// held. Returns whether a snapshot was applied.
func (m *Manager) restore(ctx context.Context) (bool, error) {
	st, err := m.store.Load(ctx, m.sessionID)
	if errors.Is(err, snapshot.ErrNotFound) {
		slog.Info("no snapshot found, starting fresh", "session_id", m.sessionID)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("session: load snapshot: %w", err)
	}

	if st.Version != snapshot.Version {
		return false, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, st.Version, snapshot.Version)
	}
	if st.Story != m.story {
		return false, fmt.Errorf("%w: snapshot is for %q, running %q", ErrStoryMismatch, st.Story, m.story)
	}

	if err := m.director.Restore(st.Director); err != nil {
		return false, fmt.Errorf("session: restore director: %w", err)
	}
	if err := m.stage.Restore(st.Stage); err != nil {
		return false, fmt.Errorf("session: restore stage: %w", err)
	}
	if err := m.cues.Restore(st.Cues); err != nil {
		return false, fmt.Errorf("session: restore cues: %w", err)
	}

	view := m.director.View()
	slog.Info("session restored",
		"session_id", m.sessionID,
		"story", m.story,
		"saved_at", st.SavedAt,
		"turn", view.Turn,
		"checkpoint", view.ActiveID,
	)
	return true, nil
}

// save captures and writes a snapshot. Must be called with m.mu held.
func (m *Manager) save(ctx context.Context) error {
	st := snapshot.State{
		Version:  snapshot.Version,
		Story:    m.story,
		SavedAt:  time.Now().UTC(),
		Director: m.director.Snapshot(),
		Stage:    m.stage.Snapshot(),
		Cues:     m.cues.Snapshot(),
	}
	if err := m.store.Save(ctx, m.sessionID, st); err != nil {
		return fmt.Errorf("session: save snapshot: %w", err)
	}
	m.lastSaved = st.SavedAt
	slog.Debug("snapshot saved", "session_id", m.sessionID, "turn", st.Director.Turn)
	return nil
}

// loop runs the periodic autosave ticker.
func (m *Manager) loop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			m.mu.Lock()
			if err := m.save(ctx); err != nil {
				slog.Warn("periodic snapshot failed",
					"session_id", m.sessionID,
					"err", err,
				)
			}
			m.mu.Unlock()
		}
	}
}
