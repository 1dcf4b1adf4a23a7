package story_test

import (
	"testing"

	"github.com/MrWong99/questline/internal/story"
)

func compileValid(t *testing.T) *story.Graph {
	t.Helper()
	g, err := story.Compile(validDefinition())
	if err != nil {
		t.Fatalf("Compile: unexpected error: %v", err)
	}
	return g
}

func TestGraph_Lookups(t *testing.T) {
	t.Parallel()

	g := compileValid(t)

	cp, ok := g.Checkpoint("cargo")
	if !ok {
		t.Fatal("Checkpoint(cargo): not found")
	}
	if cp.Name != "Search the cargo" {
		t.Errorf("checkpoint name: got %q", cp.Name)
	}
	if cp.Effects.IsZero() {
		t.Error("cargo effects should not be zero")
	}
	if len(cp.Effects.EnableLore) != 1 || cp.Effects.EnableLore[0] != "ledger" {
		t.Errorf("cargo enable_lore: got %v", cp.Effects.EnableLore)
	}

	if _, ok := g.Checkpoint("nowhere"); ok {
		t.Error("Checkpoint(nowhere): found, want miss")
	}
	if g.At(99) != nil {
		t.Error("At(99): got checkpoint, want nil")
	}

	role, ok := g.Role("rival")
	if !ok {
		t.Fatal("Role(rival): not found")
	}
	if role.Character != "Iras the Broker" {
		t.Errorf("role character: got %q", role.Character)
	}

	entry, ok := g.LoreEntry("ledger")
	if !ok {
		t.Fatal("LoreEntry(ledger): not found")
	}
	if entry.Content == "" {
		t.Error("lore content is empty")
	}
}

func TestGraph_FailEdge(t *testing.T) {
	t.Parallel()

	g := compileValid(t)

	edge, ok := g.FailEdge("cargo")
	if !ok {
		t.Fatal("FailEdge(cargo): not found")
	}
	if edge.ID != "t-caught" {
		t.Errorf("fail edge: got %q, want t-caught", edge.ID)
	}

	if _, ok := g.FailEdge("docks"); ok {
		t.Error("FailEdge(docks): found, want none")
	}
}

func TestGraph_TriggerKinds(t *testing.T) {
	t.Parallel()

	g := compileValid(t)

	out := g.Outgoing("docks")
	rt, ok := out[0].Trigger.(*story.RegexTrigger)
	if !ok {
		t.Fatalf("docks trigger: got %T, want *story.RegexTrigger", out[0].Trigger)
	}
	src, matched := rt.Match("We quietly board the ship.")
	if !matched {
		t.Fatal("regex trigger should match boarding text")
	}
	if src != "(?i)board the ship" {
		t.Errorf("matched source: got %q", src)
	}
	if _, matched := rt.Match("We walk away."); matched {
		t.Error("regex trigger should not match unrelated text")
	}

	out = g.Outgoing("cargo")
	tt, ok := out[0].Trigger.(*story.TimedTrigger)
	if !ok {
		t.Fatalf("cargo trigger: got %T, want *story.TimedTrigger", out[0].Trigger)
	}
	if tt.WithinTurns != 6 {
		t.Errorf("within turns: got %d, want 6", tt.WithinTurns)
	}

	// The fail edge carries no trigger; the arbiter reaches it through
	// interval evaluation only.
	if out[1].Trigger != nil {
		t.Errorf("fail edge trigger: got %T, want nil", out[1].Trigger)
	}
}

func TestGraph_CueKeysAndDefaults(t *testing.T) {
	t.Parallel()

	g := compileValid(t)

	cues := g.CuesFor("docks", story.MomentEnter)
	if len(cues) != 2 {
		t.Fatalf("CuesFor(docks, enter): got %d cues, want 2", len(cues))
	}
	if cues[0].Key != "docks/enter/0" || cues[1].Key != "docks/enter/1" {
		t.Errorf("cue keys: got %q, %q", cues[0].Key, cues[1].Key)
	}
	if !cues[0].Enabled {
		t.Error("cues default to enabled")
	}
	if cues[0].Probability != 100 {
		t.Errorf("default probability: got %d, want 100", cues[0].Probability)
	}

	verdict := g.CuesFor("cargo", story.MomentAfterVerdict)
	if len(verdict) != 1 {
		t.Fatalf("CuesFor(cargo, after_verdict): got %d cues, want 1", len(verdict))
	}
	if verdict[0].When == nil {
		t.Error("when-expression should be compiled")
	}
	if verdict[0].WhenSource != "turns_in_checkpoint > 2" {
		t.Errorf("when source: got %q", verdict[0].WhenSource)
	}

	if got := g.CuesFor("escape", story.MomentEnter); len(got) != 0 {
		t.Errorf("CuesFor(escape, enter): got %d cues, want 0", len(got))
	}
}

func TestGraph_CueOverrides(t *testing.T) {
	t.Parallel()

	off := false
	p := 40
	def := validDefinition()
	def.Cues[0].Enabled = &off
	def.Cues[0].Probability = &p

	g, err := story.Compile(def)
	if err != nil {
		t.Fatalf("Compile: unexpected error: %v", err)
	}

	cue := g.CuesFor("docks", story.MomentEnter)[0]
	if cue.Enabled {
		t.Error("cue should respect enabled: false")
	}
	if cue.Probability != 40 {
		t.Errorf("probability: got %d, want 40", cue.Probability)
	}
}
