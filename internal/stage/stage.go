// Package stage holds the prompt-side state that checkpoint activation drives:
// which lore entries are live, the current author's note, merged generation
// preset overrides, and per-role prompt overrides.
//
// The director applies a checkpoint's on-activate effects through
// [Stage.Apply]; cue generation and host reply loops read the result back
// through [Stage.SystemContext] and [Stage.Preset]. All methods are safe for
// concurrent use.
package stage

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/MrWong99/questline/internal/story"
)

// ─────────────────────────────────────────────────────────────────────────────
// Public types
// ─────────────────────────────────────────────────────────────────────────────

// State is the portable serialization of a [Stage], embedded in session
// snapshots. ActiveLore holds lore keys in story declaration order.
type State struct {
	ActiveLore  []string          `json:"active_lore,omitempty"`
	AuthorNote  string            `json:"author_note,omitempty"`
	Preset      map[string]string `json:"preset,omitempty"`
	RolePrompts map[string]string `json:"role_prompts,omitempty"`
}

// Stage accumulates activation effects over the course of a session.
type Stage struct {
	mu          sync.RWMutex
	graph       *story.Graph
	active      map[string]bool
	authorNote  string
	preset      map[string]string
	rolePrompts map[string]string
	loreBudget  int
}

// Option is a functional option for [New].
type Option func(*Stage)

// WithLoreBudget caps the total number of lore content characters rendered by
// [Stage.SystemContext]. Entries are included whole, in declaration order,
// until the next entry would exceed the cap. Non-positive disables the cap.
// Defaults to 4000.
func WithLoreBudget(n int) Option {
	return func(s *Stage) { s.loreBudget = n }
}

// New creates a [Stage] bound to a compiled story graph. The stage starts
// empty: no lore active, no author's note, no preset or role overrides.
func New(graph *story.Graph, opts ...Option) *Stage {
	s := &Stage{
		graph:       graph,
		active:      make(map[string]bool),
		preset:      make(map[string]string),
		rolePrompts: make(map[string]string),
		loreBudget:  4000,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ─────────────────────────────────────────────────────────────────────────────
// Mutation
// ─────────────────────────────────────────────────────────────────────────────

// Apply folds a checkpoint's on-activate effects into the stage: lore keys in
// fx.EnableLore become active, keys in fx.DisableLore inactive (disable wins
// when a key appears in both), a non-empty fx.AuthorNote replaces the current
// note, and fx.Preset entries merge over existing overrides key by key.
//
// Lore keys are validated against the graph before any mutation, so a failed
// Apply leaves the stage unchanged.
func (s *Stage) Apply(fx story.Effects) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range fx.EnableLore {
		if _, ok := s.graph.LoreEntry(key); !ok {
			return fmt.Errorf("stage: enable unknown lore key %q", key)
		}
	}
	for _, key := range fx.DisableLore {
		if _, ok := s.graph.LoreEntry(key); !ok {
			return fmt.Errorf("stage: disable unknown lore key %q", key)
		}
	}

	for _, key := range fx.EnableLore {
		s.active[key] = true
	}
	for _, key := range fx.DisableLore {
		delete(s.active, key)
	}
	if fx.AuthorNote != "" {
		s.authorNote = fx.AuthorNote
	}
	for k, v := range fx.Preset {
		s.preset[k] = v
	}
	return nil
}

// SetRolePrompt overrides the prompt rendered for role. An empty prompt
// removes the override, falling back to the prompt declared in the story.
// The role name is not validated; overrides for unknown roles never render.
func (s *Stage) SetRolePrompt(role, prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prompt == "" {
		delete(s.rolePrompts, role)
		return
	}
	s.rolePrompts[role] = prompt
}

// Reset returns the stage to its initial empty state.
func (s *Stage) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = make(map[string]bool)
	s.authorNote = ""
	s.preset = make(map[string]string)
	s.rolePrompts = make(map[string]string)
}

// ─────────────────────────────────────────────────────────────────────────────
// Accessors
// ─────────────────────────────────────────────────────────────────────────────

// ActiveLore returns the currently active lore entries in story declaration
// order.
func (s *Stage) ActiveLore() []story.LoreEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeLoreLocked()
}

func (s *Stage) activeLoreLocked() []story.LoreEntry {
	var entries []story.LoreEntry
	for _, e := range s.graph.Lore() {
		if s.active[e.Key] {
			entries = append(entries, e)
		}
	}
	return entries
}

// AuthorNote returns the current author's note, or "" when none is set.
func (s *Stage) AuthorNote() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authorNote
}

// Preset returns a copy of the merged generation preset overrides.
func (s *Stage) Preset() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.preset))
	for k, v := range s.preset {
		out[k] = v
	}
	return out
}

// PresetFloat parses the preset override for key as a float. The second
// return is false when the key is absent or not numeric.
func (s *Stage) PresetFloat(key string) (float64, bool) {
	s.mu.RLock()
	raw, ok := s.preset[key]
	s.mu.RUnlock()
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// RolePrompt returns the effective prompt for role: the runtime override if
// one is set, otherwise the prompt declared in the story, otherwise "".
func (s *Stage) RolePrompt(role string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rolePromptLocked(role)
}

func (s *Stage) rolePromptLocked(role string) string {
	if p, ok := s.rolePrompts[role]; ok {
		return p
	}
	if r, ok := s.graph.Role(role); ok {
		return r.Prompt
	}
	return ""
}

// ─────────────────────────────────────────────────────────────────────────────
// Snapshots
// ─────────────────────────────────────────────────────────────────────────────

// Snapshot captures the stage state for persistence.
func (s *Stage) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := State{AuthorNote: s.authorNote}
	for _, e := range s.graph.Lore() {
		if s.active[e.Key] {
			st.ActiveLore = append(st.ActiveLore, e.Key)
		}
	}
	if len(s.preset) > 0 {
		st.Preset = make(map[string]string, len(s.preset))
		for k, v := range s.preset {
			st.Preset[k] = v
		}
	}
	if len(s.rolePrompts) > 0 {
		st.RolePrompts = make(map[string]string, len(s.rolePrompts))
		for k, v := range s.rolePrompts {
			st.RolePrompts[k] = v
		}
	}
	return st
}

// Restore replaces the stage state with a previously captured snapshot.
// Lore keys are validated against the graph before any mutation; a snapshot
// taken against a different story revision is rejected whole.
func (s *Stage) Restore(st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range st.ActiveLore {
		if _, ok := s.graph.LoreEntry(key); !ok {
			return fmt.Errorf("stage: restore unknown lore key %q", key)
		}
	}

	s.active = make(map[string]bool, len(st.ActiveLore))
	for _, key := range st.ActiveLore {
		s.active[key] = true
	}
	s.authorNote = st.AuthorNote
	s.preset = make(map[string]string, len(st.Preset))
	for k, v := range st.Preset {
		s.preset[k] = v
	}
	s.rolePrompts = make(map[string]string, len(st.RolePrompts))
	for k, v := range st.RolePrompts {
		s.rolePrompts[k] = v
	}
	return nil
}
