package stage_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/questline/internal/stage"
	"github.com/MrWong99/questline/internal/story"
)

// ─────────────────────────────────────────────────────────────────────────────
// helpers
// ─────────────────────────────────────────────────────────────────────────────

func compileGraph(t *testing.T) *story.Graph {
	t.Helper()
	g, err := story.Compile(&story.Definition{
		Name: "The Smuggler's Debt",
		Roles: []story.RoleDefinition{
			{Name: "narrator", Character: "Captain Vex", Prompt: "You narrate the harbor in second person."},
			{Name: "rival", Character: "Iras the Broker"},
		},
		Lore: []story.LoreDefinition{
			{Key: "docks", Title: "The Docks", Content: "Rotting piers and fog."},
			{Key: "ledger", Title: "The Ledger", Content: "Names and debts."},
			{Key: "tide", Content: "The tide turns at dawn."},
		},
		Checkpoints: []story.CheckpointDefinition{
			{ID: "docks", Name: "Reach the docks", Objective: "Find the ship."},
			{ID: "cargo", Name: "Search the hold", Objective: "Find the ledger."},
		},
		Transitions: []story.TransitionDefinition{
			{ID: "t-board", From: "docks", To: "cargo", Patterns: []string{"(?i)board"}},
		},
	})
	if err != nil {
		t.Fatalf("Compile: unexpected error: %v", err)
	}
	return g
}

func loreKeys(entries []story.LoreEntry) []string {
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys
}

// ─────────────────────────────────────────────────────────────────────────────
// effects
// ─────────────────────────────────────────────────────────────────────────────

func TestStage_ApplyEnablesLoreInDeclarationOrder(t *testing.T) {
	t.Parallel()
	s := stage.New(compileGraph(t))

	if err := s.Apply(story.Effects{EnableLore: []string{"tide", "docks"}}); err != nil {
		t.Fatalf("Apply: unexpected error: %v", err)
	}

	got := loreKeys(s.ActiveLore())
	want := []string{"docks", "tide"}
	if len(got) != len(want) {
		t.Fatalf("ActiveLore: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ActiveLore: got %v, want %v", got, want)
		}
	}
}

func TestStage_ApplyDisableWinsOverEnable(t *testing.T) {
	t.Parallel()
	s := stage.New(compileGraph(t))

	if err := s.Apply(story.Effects{
		EnableLore:  []string{"docks"},
		DisableLore: []string{"docks"},
	}); err != nil {
		t.Fatalf("Apply: unexpected error: %v", err)
	}

	if got := s.ActiveLore(); len(got) != 0 {
		t.Fatalf("ActiveLore: got %v, want empty", loreKeys(got))
	}
}

func TestStage_ApplyUnknownLoreKeyLeavesStateUntouched(t *testing.T) {
	t.Parallel()
	s := stage.New(compileGraph(t))
	if err := s.Apply(story.Effects{EnableLore: []string{"docks"}}); err != nil {
		t.Fatalf("Apply: unexpected error: %v", err)
	}

	err := s.Apply(story.Effects{EnableLore: []string{"ledger", "ghost"}})
	if err == nil {
		t.Fatal("Apply with unknown lore key: expected error, got nil")
	}
	if !strings.Contains(err.Error(), "ghost") {
		t.Errorf("error should name the unknown key: %v", err)
	}

	got := loreKeys(s.ActiveLore())
	if len(got) != 1 || got[0] != "docks" {
		t.Fatalf("ActiveLore after failed Apply: got %v, want [docks]", got)
	}
}

func TestStage_AuthorNoteEmptyLeavesCurrentNote(t *testing.T) {
	t.Parallel()
	s := stage.New(compileGraph(t))

	if err := s.Apply(story.Effects{AuthorNote: "Keep the fog thick."}); err != nil {
		t.Fatalf("Apply: unexpected error: %v", err)
	}
	if err := s.Apply(story.Effects{EnableLore: []string{"docks"}}); err != nil {
		t.Fatalf("Apply: unexpected error: %v", err)
	}
	if got := s.AuthorNote(); got != "Keep the fog thick." {
		t.Errorf("AuthorNote: got %q, want %q", got, "Keep the fog thick.")
	}

	if err := s.Apply(story.Effects{AuthorNote: "Dawn is close."}); err != nil {
		t.Fatalf("Apply: unexpected error: %v", err)
	}
	if got := s.AuthorNote(); got != "Dawn is close." {
		t.Errorf("AuthorNote: got %q, want %q", got, "Dawn is close.")
	}
}

func TestStage_PresetMergesKeyByKey(t *testing.T) {
	t.Parallel()
	s := stage.New(compileGraph(t))

	if err := s.Apply(story.Effects{Preset: map[string]string{"temperature": "0.7"}}); err != nil {
		t.Fatalf("Apply: unexpected error: %v", err)
	}
	if err := s.Apply(story.Effects{Preset: map[string]string{
		"temperature": "0.9",
		"length":      "300",
	}}); err != nil {
		t.Fatalf("Apply: unexpected error: %v", err)
	}

	p := s.Preset()
	if p["temperature"] != "0.9" || p["length"] != "300" {
		t.Fatalf("Preset: got %v, want temperature=0.9 length=300", p)
	}

	if f, ok := s.PresetFloat("temperature"); !ok || f != 0.9 {
		t.Errorf("PresetFloat(temperature): got %v %v, want 0.9 true", f, ok)
	}
	if _, ok := s.PresetFloat("missing"); ok {
		t.Error("PresetFloat(missing): got ok, want false")
	}
}

func TestStage_PresetFloatRejectsNonNumeric(t *testing.T) {
	t.Parallel()
	s := stage.New(compileGraph(t))
	if err := s.Apply(story.Effects{Preset: map[string]string{"style": "verbose"}}); err != nil {
		t.Fatalf("Apply: unexpected error: %v", err)
	}
	if _, ok := s.PresetFloat("style"); ok {
		t.Error("PresetFloat(style): got ok for non-numeric value, want false")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// role prompts
// ─────────────────────────────────────────────────────────────────────────────

func TestStage_RolePromptOverrideAndFallback(t *testing.T) {
	t.Parallel()
	s := stage.New(compileGraph(t))

	declared := "You narrate the harbor in second person."
	if got := s.RolePrompt("narrator"); got != declared {
		t.Errorf("RolePrompt(narrator): got %q, want declared prompt", got)
	}

	s.SetRolePrompt("narrator", "Speak in verse.")
	if got := s.RolePrompt("narrator"); got != "Speak in verse." {
		t.Errorf("RolePrompt after override: got %q, want %q", got, "Speak in verse.")
	}

	s.SetRolePrompt("narrator", "")
	if got := s.RolePrompt("narrator"); got != declared {
		t.Errorf("RolePrompt after clearing override: got %q, want declared prompt", got)
	}

	if got := s.RolePrompt("stranger"); got != "" {
		t.Errorf("RolePrompt(stranger): got %q, want empty", got)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// rendering
// ─────────────────────────────────────────────────────────────────────────────

func TestStage_SystemContextRendersSectionsInOrder(t *testing.T) {
	t.Parallel()
	s := stage.New(compileGraph(t))
	if err := s.Apply(story.Effects{
		EnableLore: []string{"docks"},
		AuthorNote: "The watch changes at midnight.",
	}); err != nil {
		t.Fatalf("Apply: unexpected error: %v", err)
	}

	out := s.SystemContext("narrator")

	for _, want := range []string{
		"You narrate the harbor in second person.",
		"## World Lore",
		"### The Docks",
		"Rotting piers and fog.",
		"## Author's Note",
		"The watch changes at midnight.",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("SystemContext missing %q:\n%s", want, out)
		}
	}

	if strings.Index(out, "## World Lore") > strings.Index(out, "## Author's Note") {
		t.Errorf("lore should render before the author's note:\n%s", out)
	}
}

func TestStage_SystemContextEmptyStage(t *testing.T) {
	t.Parallel()
	s := stage.New(compileGraph(t))
	if got := s.SystemContext("rival"); got != "" {
		t.Errorf("SystemContext on empty stage: got %q, want empty", got)
	}
}

func TestStage_SystemContextUntitledLore(t *testing.T) {
	t.Parallel()
	s := stage.New(compileGraph(t))
	if err := s.Apply(story.Effects{EnableLore: []string{"tide"}}); err != nil {
		t.Fatalf("Apply: unexpected error: %v", err)
	}

	out := s.SystemContext("rival")
	if !strings.Contains(out, "The tide turns at dawn.") {
		t.Errorf("SystemContext missing untitled lore content:\n%s", out)
	}
	if strings.Contains(out, "### ") {
		t.Errorf("untitled lore should not render a sub-header:\n%s", out)
	}
}

func TestStage_SystemContextHonoursLoreBudget(t *testing.T) {
	t.Parallel()
	s := stage.New(compileGraph(t), stage.WithLoreBudget(25))
	if err := s.Apply(story.Effects{EnableLore: []string{"docks", "ledger"}}); err != nil {
		t.Fatalf("Apply: unexpected error: %v", err)
	}

	out := s.SystemContext("rival")
	if !strings.Contains(out, "Rotting piers and fog.") {
		t.Errorf("first lore entry should fit the budget:\n%s", out)
	}
	if strings.Contains(out, "Names and debts.") {
		t.Errorf("second lore entry should be dropped by the budget:\n%s", out)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// snapshot / restore / reset
// ─────────────────────────────────────────────────────────────────────────────

func TestStage_SnapshotRestoreRoundTrip(t *testing.T) {
	t.Parallel()
	g := compileGraph(t)

	s := stage.New(g)
	if err := s.Apply(story.Effects{
		EnableLore: []string{"tide", "docks"},
		AuthorNote: "Dawn is close.",
		Preset:     map[string]string{"temperature": "0.8"},
	}); err != nil {
		t.Fatalf("Apply: unexpected error: %v", err)
	}
	s.SetRolePrompt("rival", "Taunt the party.")

	snap := s.Snapshot()
	if len(snap.ActiveLore) != 2 || snap.ActiveLore[0] != "docks" || snap.ActiveLore[1] != "tide" {
		t.Fatalf("Snapshot.ActiveLore: got %v, want [docks tide]", snap.ActiveLore)
	}

	restored := stage.New(g)
	if err := restored.Restore(snap); err != nil {
		t.Fatalf("Restore: unexpected error: %v", err)
	}

	if got := loreKeys(restored.ActiveLore()); len(got) != 2 {
		t.Fatalf("restored ActiveLore: got %v, want 2 entries", got)
	}
	if got := restored.AuthorNote(); got != "Dawn is close." {
		t.Errorf("restored AuthorNote: got %q, want %q", got, "Dawn is close.")
	}
	if f, ok := restored.PresetFloat("temperature"); !ok || f != 0.8 {
		t.Errorf("restored PresetFloat(temperature): got %v %v, want 0.8 true", f, ok)
	}
	if got := restored.RolePrompt("rival"); got != "Taunt the party." {
		t.Errorf("restored RolePrompt(rival): got %q, want override", got)
	}
}

func TestStage_RestoreRejectsUnknownLoreKey(t *testing.T) {
	t.Parallel()
	s := stage.New(compileGraph(t))
	if err := s.Apply(story.Effects{EnableLore: []string{"docks"}}); err != nil {
		t.Fatalf("Apply: unexpected error: %v", err)
	}

	err := s.Restore(stage.State{ActiveLore: []string{"ghost"}})
	if err == nil {
		t.Fatal("Restore with unknown lore key: expected error, got nil")
	}

	got := loreKeys(s.ActiveLore())
	if len(got) != 1 || got[0] != "docks" {
		t.Fatalf("ActiveLore after failed Restore: got %v, want [docks]", got)
	}
}

func TestStage_ResetClearsEverything(t *testing.T) {
	t.Parallel()
	s := stage.New(compileGraph(t))
	if err := s.Apply(story.Effects{
		EnableLore: []string{"docks"},
		AuthorNote: "Keep it tense.",
		Preset:     map[string]string{"temperature": "0.5"},
	}); err != nil {
		t.Fatalf("Apply: unexpected error: %v", err)
	}
	s.SetRolePrompt("narrator", "Whisper.")

	s.Reset()

	if got := s.ActiveLore(); len(got) != 0 {
		t.Errorf("ActiveLore after Reset: got %v, want empty", loreKeys(got))
	}
	if got := s.AuthorNote(); got != "" {
		t.Errorf("AuthorNote after Reset: got %q, want empty", got)
	}
	if got := s.Preset(); len(got) != 0 {
		t.Errorf("Preset after Reset: got %v, want empty", got)
	}
	if got := s.RolePrompt("narrator"); got != "You narrate the harbor in second person." {
		t.Errorf("RolePrompt after Reset: got %q, want declared prompt", got)
	}
}
