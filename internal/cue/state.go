package cue

import (
	"fmt"

	"github.com/MrWong99/questline/internal/story"
)

// Counter is the serialized firing history of one cue.
type Counter struct {
	Fired    int `json:"fired"`
	LastTurn int `json:"last_turn"`
}

// State is the portable serialization of the service's per-run state,
// embedded in session snapshots. Only fired cues and explicit enable
// overrides appear.
type State struct {
	Counters  map[string]Counter `json:"counters,omitempty"`
	Overrides map[string]bool    `json:"overrides,omitempty"`
}

// Info describes one declared cue with its live firing state.
type Info struct {
	Key        string       `json:"key"`
	Checkpoint string       `json:"checkpoint"`
	Moment     story.Moment `json:"moment"`
	Role       string       `json:"role"`
	Speaker    string       `json:"speaker,omitempty"`
	Mode       string       `json:"mode"`
	Enabled    bool         `json:"enabled"`
	Fired      int          `json:"fired"`
	LastTurn   int          `json:"last_turn"`
}

// Cues lists every declared cue in graph order with its effective enabled
// state and counters.
func (s *Service) Cues() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Info, 0, len(s.graph.Cues()))
	for _, c := range s.graph.Cues() {
		info := Info{
			Key:        c.Key,
			Checkpoint: c.Checkpoint,
			Moment:     c.Moment,
			Role:       c.Role,
			Speaker:    c.Speaker,
			Mode:       "text",
			Enabled:    s.enabledLocked(c),
		}
		if c.Instruct != "" {
			info.Mode = "instruct"
		}
		if ctr := s.counters[c.Key]; ctr != nil {
			info.Fired = ctr.fired
			info.LastTurn = ctr.lastTurn
		}
		out = append(out, info)
	}
	return out
}

// SetEnabled overrides a cue's declared enabled state for this run.
func (s *Service) SetEnabled(key string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.knownKeyLocked(key) {
		return fmt.Errorf("cue: unknown cue %q", key)
	}
	s.overrides[key] = enabled
	return nil
}

// Snapshot captures counters and overrides for persistence.
func (s *Service) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := State{
		Counters:  make(map[string]Counter, len(s.counters)),
		Overrides: make(map[string]bool, len(s.overrides)),
	}
	for key, ctr := range s.counters {
		st.Counters[key] = Counter{Fired: ctr.fired, LastTurn: ctr.lastTurn}
	}
	for key, forced := range s.overrides {
		st.Overrides[key] = forced
	}
	return st
}

// Restore replaces counters and overrides from a snapshot. Every key must
// name a cue declared by the current graph; a snapshot from a different or
// edited story is rejected whole.
func (s *Service) Restore(st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range st.Counters {
		if !s.knownKeyLocked(key) {
			return fmt.Errorf("cue: restore unknown cue %q", key)
		}
	}
	for key := range st.Overrides {
		if !s.knownKeyLocked(key) {
			return fmt.Errorf("cue: restore unknown cue %q", key)
		}
	}

	s.counters = make(map[string]*counter, len(st.Counters))
	for key, c := range st.Counters {
		s.counters[key] = &counter{fired: c.Fired, lastTurn: c.LastTurn}
	}
	s.overrides = make(map[string]bool, len(st.Overrides))
	for key, forced := range st.Overrides {
		s.overrides[key] = forced
	}
	return nil
}

// Reset clears counters, overrides, queued moments, and the pending action.
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters = make(map[string]*counter)
	s.overrides = make(map[string]bool)
	s.queue = nil
	s.pending = nil
}

func (s *Service) knownKeyLocked(key string) bool {
	for _, c := range s.graph.Cues() {
		if c.Key == key {
			return true
		}
	}
	return false
}
