package turngate_test

import (
	"testing"

	"github.com/MrWong99/questline/internal/turngate"
)

func TestGate_AcceptsFirstRejectsDuplicate(t *testing.T) {
	t.Parallel()

	g := turngate.New()

	if !g.ShouldAcceptUser("We open the door.", "msg-1") {
		t.Fatal("first delivery should be accepted")
	}
	if g.ShouldAcceptUser("We open the door.", "msg-1") {
		t.Error("identical redelivery should be rejected")
	}
}

func TestGate_TrimmedTextSignature(t *testing.T) {
	t.Parallel()

	g := turngate.New()

	if !g.ShouldAcceptUser("We open the door.", "msg-1") {
		t.Fatal("first delivery should be accepted")
	}
	// Same text with surrounding whitespace is the same turn.
	if g.ShouldAcceptUser("  We open the door.  \n", "msg-1") {
		t.Error("whitespace-padded redelivery should be rejected")
	}
}

func TestGate_DifferentKeySameText(t *testing.T) {
	t.Parallel()

	g := turngate.New()

	if !g.ShouldAcceptUser("Hello?", "msg-1") {
		t.Fatal("first delivery should be accepted")
	}
	// Another user sending the same text is a distinct turn.
	if !g.ShouldAcceptUser("Hello?", "msg-2") {
		t.Error("same text under a different key should be accepted")
	}
}

func TestGate_OnlyImmediateDuplicateRejected(t *testing.T) {
	t.Parallel()

	g := turngate.New()

	if !g.ShouldAcceptUser("north", "m1") {
		t.Fatal("accept m1")
	}
	if !g.ShouldAcceptUser("south", "m2") {
		t.Fatal("accept m2")
	}
	// The m1 signature is no longer the previous one, so a genuine repeat
	// of the same command counts again.
	if !g.ShouldAcceptUser("north", "m1") {
		t.Error("non-consecutive repeat should be accepted")
	}
}

func TestGate_RejectsEmptyText(t *testing.T) {
	t.Parallel()

	g := turngate.New()

	if g.ShouldAcceptUser("", "msg-1") {
		t.Error("empty text should be rejected")
	}
	if g.ShouldAcceptUser("   \t\n", "msg-2") {
		t.Error("whitespace-only text should be rejected")
	}
}

func TestGate_RoleAppliedOncePerEpoch(t *testing.T) {
	t.Parallel()

	g := turngate.New()

	if !g.ShouldApplyRole("narrator", 0) {
		t.Fatal("first application should return true")
	}
	if g.ShouldApplyRole("narrator", 0) {
		t.Error("second application in the same epoch should return false")
	}
	// A different role or checkpoint is an independent key.
	if !g.ShouldApplyRole("rival", 0) {
		t.Error("different role should be applied")
	}
	if !g.ShouldApplyRole("narrator", 1) {
		t.Error("different checkpoint should be applied")
	}
}

func TestGate_NewEpochClearsRoleCache(t *testing.T) {
	t.Parallel()

	g := turngate.New()

	if !g.ShouldApplyRole("narrator", 0) {
		t.Fatal("first application should return true")
	}

	before := g.Epoch()
	if got := g.NewEpoch(); got != before+1 {
		t.Errorf("NewEpoch: got %d, want %d", got, before+1)
	}

	if !g.ShouldApplyRole("narrator", 0) {
		t.Error("same triple should be applied again after a new epoch")
	}
}

func TestGate_ResetClearsSignatures(t *testing.T) {
	t.Parallel()

	g := turngate.New()

	if !g.ShouldAcceptUser("again", "m1") {
		t.Fatal("accept m1")
	}
	g.Reset()
	if !g.ShouldAcceptUser("again", "m1") {
		t.Error("after Reset the same delivery should be accepted")
	}
	if g.Epoch() != 0 {
		t.Errorf("Reset must not rewind the epoch, got %d", g.Epoch())
	}
}
