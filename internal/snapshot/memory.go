package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory [Store] for tests and the local REPL host.
// Snapshots are kept JSON-encoded, so saved state is isolated from later
// mutations of the caller's maps exactly as with the database stores.
type MemStore struct {
	mu     sync.RWMutex
	states map[string]memEntry
}

type memEntry struct {
	savedAt time.Time
	raw     []byte
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{states: make(map[string]memEntry)}
}

// Save implements [Store].
func (m *MemStore) Save(_ context.Context, sessionID string, st State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("snapshot: encode %q: %w", sessionID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[sessionID] = memEntry{savedAt: st.SavedAt, raw: raw}
	return nil
}

// Load implements [Store].
func (m *MemStore) Load(_ context.Context, sessionID string) (State, error) {
	m.mu.RLock()
	entry, ok := m.states[sessionID]
	m.mu.RUnlock()
	if !ok {
		return State{}, ErrNotFound
	}
	var st State
	if err := json.Unmarshal(entry.raw, &st); err != nil {
		return State{}, fmt.Errorf("snapshot: decode %q: %w", sessionID, err)
	}
	return st, nil
}

// Delete implements [Store].
func (m *MemStore) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, sessionID)
	return nil
}

// Sessions implements [Store].
func (m *MemStore) Sessions(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.states))
	for id := range m.states {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := m.states[ids[i]], m.states[ids[j]]
		if !a.savedAt.Equal(b.savedAt) {
			return a.savedAt.After(b.savedAt)
		}
		return ids[i] < ids[j]
	})
	return ids, nil
}

// Close implements [Store].
func (m *MemStore) Close() error { return nil }
