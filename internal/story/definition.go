// Package story defines the declarative story format and compiles it into an
// immutable checkpoint graph.
//
// A story document describes a branching narrative as checkpoints (objectives
// the players work toward) connected by win/fail transitions, plus the roles,
// lore entries, and scripted cues that dress the scene as the story advances.
// [Compile] validates the document exhaustively and eagerly — duplicate IDs,
// dangling references, malformed trigger patterns, start ambiguity, and
// unreachable or cyclic structure are all rejected before anything runs.
package story

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Definition is the top-level structure of a questline story YAML file.
//
// Example:
//
//	name: "The Smuggler's Debt"
//	roles:
//	  - name: narrator
//	    character: "Captain Vex"
//	checkpoints:
//	  - id: docks
//	    name: "Reach the docks"
//	    objective: "The party finds the smuggler's ship before dawn."
//	transitions:
//	  - id: docks-found
//	    from: docks
//	    to: cargo
//	    patterns: ["(?i)board the ship"]
type Definition struct {
	// Name is the story's display name.
	Name string `yaml:"name"`

	// Start optionally names the starting checkpoint. When empty, the start
	// is inferred as the unique checkpoint no transition points to.
	Start string `yaml:"start"`

	Roles       []RoleDefinition       `yaml:"roles"`
	Lore        []LoreDefinition       `yaml:"lore"`
	Checkpoints []CheckpointDefinition `yaml:"checkpoints"`
	Transitions []TransitionDefinition `yaml:"transitions"`
	Cues        []CueDefinition        `yaml:"cues"`
}

// RoleDefinition binds a speaking slot (e.g. "narrator") to a concrete
// character identity in the host's character registry.
type RoleDefinition struct {
	// Name is the role slot referenced by cues.
	Name string `yaml:"name"`

	// Character is the display name of the character who speaks this role.
	Character string `yaml:"character"`

	// Prompt is an optional system prompt applied when the host drafts this
	// role as the next speaker.
	Prompt string `yaml:"prompt"`
}

// LoreDefinition is a keyed lore-book entry. Checkpoint effects enable and
// disable entries by key; enabled entries are injected into generation
// context by the stage.
type LoreDefinition struct {
	Key     string `yaml:"key"`
	Title   string `yaml:"title"`
	Content string `yaml:"content"`
}

// CheckpointDefinition describes a single story checkpoint.
type CheckpointDefinition struct {
	// ID uniquely identifies the checkpoint within the story.
	ID string `yaml:"id"`

	// Name is the human-readable checkpoint title.
	Name string `yaml:"name"`

	// Objective describes, for the arbiter, what the players must achieve.
	Objective string `yaml:"objective"`

	// OnActivate lists side effects applied when this checkpoint becomes
	// current.
	OnActivate *EffectsDefinition `yaml:"on_activate"`
}

// EffectsDefinition is the on-activate payload of a checkpoint.
type EffectsDefinition struct {
	// EnableLore / DisableLore toggle lore-book entries by key.
	EnableLore  []string `yaml:"enable_lore"`
	DisableLore []string `yaml:"disable_lore"`

	// AuthorNote replaces the injected author note. Empty leaves the current
	// note untouched.
	AuthorNote string `yaml:"author_note"`

	// Preset holds generation preset overrides merged into the active set
	// (e.g. temperature, response length).
	Preset map[string]string `yaml:"preset"`
}

// TransitionDefinition connects two checkpoints.
type TransitionDefinition struct {
	// ID uniquely identifies the transition within the story.
	ID string `yaml:"id"`

	// From and To name the connected checkpoints.
	From string `yaml:"from"`
	To   string `yaml:"to"`

	// Outcome is "win" (objective achieved) or "fail" (the designated
	// failure edge). Defaults to "win".
	Outcome string `yaml:"outcome"`

	// Patterns are regular expressions matched against accepted user turns.
	// A match enqueues an arbiter evaluation for this transition. Mutually
	// exclusive with WithinTurns.
	Patterns []string `yaml:"patterns"`

	// WithinTurns makes this a timed transition: after the party has spent
	// that many turns in the source checkpoint, an evaluation with this
	// transition's outcome is enqueued. Mutually exclusive with Patterns.
	WithinTurns int `yaml:"within_turns"`

	// Condition is free-text guidance handed to the arbiter describing what
	// must be true for this transition to apply.
	Condition string `yaml:"condition"`
}

// CueDefinition is a scripted character interjection bound to a checkpoint
// moment.
type CueDefinition struct {
	// Checkpoint names the owning checkpoint.
	Checkpoint string `yaml:"checkpoint"`

	// Moment is one of "enter", "before_verdict", "after_verdict",
	// "after_speak".
	Moment string `yaml:"moment"`

	// Speaker filters after_speak cues to fire only when the named character
	// just spoke. Ignored for other moments.
	Speaker string `yaml:"speaker"`

	// Role names the role slot that delivers this cue.
	Role string `yaml:"role"`

	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled"`

	// Probability is the firing chance in percent (0–100). Defaults to 100.
	Probability *int `yaml:"probability"`

	// MaxTriggers caps how often the cue may fire per story run. Zero means
	// unlimited.
	MaxTriggers int `yaml:"max_triggers"`

	// CooldownTurns is the minimum number of turns between firings.
	CooldownTurns int `yaml:"cooldown_turns"`

	// Text is delivered verbatim. Mutually exclusive with Instruct.
	Text string `yaml:"text"`

	// Instruct is rendered through the generation provider in the role's
	// voice. Mutually exclusive with Text.
	Instruct string `yaml:"instruct"`

	// When is an optional boolean expression over the runtime state
	// (turn, checkpoint, turns_in_checkpoint, statuses) gating the cue.
	When string `yaml:"when"`
}

// Load reads, parses, and compiles a story file from disk.
func Load(path string) (*Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("story: open %q: %w", path, err)
	}
	defer f.Close()

	g, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("story: load %q: %w", path, err)
	}
	return g, nil
}

// LoadFromReader parses story YAML from r and compiles it.
// The reader is consumed entirely; the caller is responsible for closing it.
func LoadFromReader(r io.Reader) (*Graph, error) {
	def, err := Decode(r)
	if err != nil {
		return nil, err
	}
	return Compile(def)
}

// Decode parses story YAML from r without compiling it.
// Unknown fields are rejected to catch typos early.
func Decode(r io.Reader) (*Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("story: decode yaml: %w", err)
	}
	return &def, nil
}
