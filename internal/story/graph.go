package story

import (
	"regexp"

	"github.com/expr-lang/expr/vm"
)

// Outcome classifies a transition as objective-achieved or designated
// failure edge.
type Outcome string

const (
	OutcomeWin  Outcome = "win"
	OutcomeFail Outcome = "fail"
)

// IsValid reports whether o is a recognised outcome.
func (o Outcome) IsValid() bool {
	return o == OutcomeWin || o == OutcomeFail
}

// Moment identifies when a cue may fire during a story turn.
type Moment string

const (
	// MomentEnter fires when a checkpoint becomes current.
	MomentEnter Moment = "enter"

	// MomentBeforeVerdict fires just before an arbiter evaluation is
	// submitted.
	MomentBeforeVerdict Moment = "before_verdict"

	// MomentAfterVerdict fires after a verdict has been applied.
	MomentAfterVerdict Moment = "after_verdict"

	// MomentAfterSpeak fires after any line lands in the chat, whether a
	// character's or the player's.
	MomentAfterSpeak Moment = "after_speak"
)

// IsValid reports whether m is a recognised moment.
func (m Moment) IsValid() bool {
	switch m {
	case MomentEnter, MomentBeforeVerdict, MomentAfterVerdict, MomentAfterSpeak:
		return true
	}
	return false
}

// Trigger is the sealed variant type for transition triggers. Concrete
// implementations are [*RegexTrigger] and [*TimedTrigger]; a nil Trigger
// means the transition is reachable only through interval evaluation.
type Trigger interface {
	triggerKind() string
}

// RegexTrigger fires when an accepted user turn matches one of its patterns.
type RegexTrigger struct {
	// Patterns are the compiled expressions, parallel to Sources.
	Patterns []*regexp.Regexp

	// Sources are the original pattern strings for logging and snapshots.
	Sources []string
}

func (*RegexTrigger) triggerKind() string { return "regex" }

// Match returns the source of the first pattern matching text.
func (t *RegexTrigger) Match(text string) (string, bool) {
	for i, re := range t.Patterns {
		if re.MatchString(text) {
			return t.Sources[i], true
		}
	}
	return "", false
}

// TimedTrigger fires once the party has spent WithinTurns turns in the
// source checkpoint.
type TimedTrigger struct {
	WithinTurns int
}

func (*TimedTrigger) triggerKind() string { return "timed" }

// Checkpoint is a compiled story checkpoint. Index is its position in the
// graph's topological order.
type Checkpoint struct {
	ID        string
	Name      string
	Objective string
	Index     int
	Effects   Effects
}

// Effects is the compiled on-activate payload of a checkpoint.
type Effects struct {
	EnableLore  []string
	DisableLore []string
	AuthorNote  string
	Preset      map[string]string
}

// IsZero reports whether the effects carry nothing to apply.
func (e Effects) IsZero() bool {
	return len(e.EnableLore) == 0 && len(e.DisableLore) == 0 &&
		e.AuthorNote == "" && len(e.Preset) == 0
}

// Transition is a compiled edge between two checkpoints.
type Transition struct {
	ID        string
	From      string
	To        string
	Outcome   Outcome
	Condition string

	// Trigger is nil for interval-only transitions.
	Trigger Trigger
}

// Role binds a speaking slot to a character identity.
type Role struct {
	Name      string
	Character string
	Prompt    string
}

// LoreEntry is a compiled lore-book entry.
type LoreEntry struct {
	Key     string
	Title   string
	Content string
}

// Cue is a compiled scripted interjection. Cues are immutable; runtime
// enablement overrides and trigger counters live in the cue service.
type Cue struct {
	// Key is the stable identity "checkpoint/moment/N" used for counters,
	// snapshots, and external toggling.
	Key string

	Checkpoint    string
	Moment        Moment
	Speaker       string
	Role          string
	Enabled       bool
	Probability   int
	MaxTriggers   int
	CooldownTurns int
	Text          string
	Instruct      string

	// When is the compiled gating expression, nil when absent.
	When       *vm.Program
	WhenSource string
}

// Graph is a compiled, validated story. It is immutable after [Compile]
// and safe for concurrent use.
type Graph struct {
	name        string
	start       *Checkpoint
	checkpoints []*Checkpoint // topological order
	byID        map[string]*Checkpoint
	outgoing    map[string][]*Transition
	transitions []*Transition
	roles       []Role
	rolesByName map[string]Role
	lore        []LoreEntry
	loreByKey   map[string]LoreEntry
	cues        []*Cue
	cuesByMoment map[string]map[Moment][]*Cue
}

// Name returns the story's display name.
func (g *Graph) Name() string { return g.name }

// Start returns the starting checkpoint.
func (g *Graph) Start() *Checkpoint { return g.start }

// Len returns the number of checkpoints.
func (g *Graph) Len() int { return len(g.checkpoints) }

// Checkpoints returns all checkpoints in topological order. Callers must not
// mutate the returned slice.
func (g *Graph) Checkpoints() []*Checkpoint { return g.checkpoints }

// Checkpoint looks up a checkpoint by ID.
func (g *Graph) Checkpoint(id string) (*Checkpoint, bool) {
	cp, ok := g.byID[id]
	return cp, ok
}

// At returns the checkpoint at topological index i, or nil when out of range.
func (g *Graph) At(i int) *Checkpoint {
	if i < 0 || i >= len(g.checkpoints) {
		return nil
	}
	return g.checkpoints[i]
}

// Outgoing returns the transitions leaving the checkpoint with the given ID,
// in declaration order. Callers must not mutate the returned slice.
func (g *Graph) Outgoing(id string) []*Transition { return g.outgoing[id] }

// Transitions returns every transition in declaration order.
func (g *Graph) Transitions() []*Transition { return g.transitions }

// FailEdge returns the designated failure transition leaving the checkpoint,
// if one exists.
func (g *Graph) FailEdge(id string) (*Transition, bool) {
	for _, t := range g.outgoing[id] {
		if t.Outcome == OutcomeFail {
			return t, true
		}
	}
	return nil, false
}

// Roles returns the declared roles in declaration order.
func (g *Graph) Roles() []Role { return g.roles }

// Role looks up a role by its slot name.
func (g *Graph) Role(name string) (Role, bool) {
	r, ok := g.rolesByName[name]
	return r, ok
}

// Lore returns every lore entry in declaration order.
func (g *Graph) Lore() []LoreEntry { return g.lore }

// LoreEntry looks up a lore entry by key.
func (g *Graph) LoreEntry(key string) (LoreEntry, bool) {
	e, ok := g.loreByKey[key]
	return e, ok
}

// Cues returns every cue in declaration order.
func (g *Graph) Cues() []*Cue { return g.cues }

// CuesFor returns the cues bound to the given checkpoint and moment, in
// declaration order. Callers must not mutate the returned slice.
func (g *Graph) CuesFor(checkpointID string, m Moment) []*Cue {
	byMoment, ok := g.cuesByMoment[checkpointID]
	if !ok {
		return nil
	}
	return byMoment[m]
}
