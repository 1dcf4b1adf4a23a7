// Package turngate deduplicates and sequences the host's chat events.
//
// Hosts deliver events at least once and in loose order: a user message may
// arrive twice (edit echo, reconnect replay), and speaker-drafted events can
// overlap within one generation cycle. The [Gate] turns that stream into two
// guarantees the rest of the engine relies on: a user turn is counted once,
// and a role's side effects are applied once per generation cycle.
package turngate

import (
	"crypto/sha256"
	"strings"
	"sync"
)

// Gate tracks generation epochs and dedup state for one story session.
// Construct a fresh Gate per session; it is safe for concurrent use.
type Gate struct {
	mu sync.Mutex

	// epoch counts generation cycles. Role-application dedup is scoped to
	// the current epoch.
	epoch uint64

	// lastSig is the signature of the most recently accepted user turn.
	// Only the immediately previous turn is remembered: the gate rejects
	// back-to-back duplicate deliveries, not legitimate repeats later on.
	lastSig [sha256.Size]byte
	hasSig  bool

	applied map[roleKey]struct{}
}

type roleKey struct {
	epoch      uint64
	checkpoint int
	role       string
}

// New returns a Gate at epoch zero with no remembered state.
func New() *Gate {
	return &Gate{applied: make(map[roleKey]struct{})}
}

// NewEpoch marks the start of a new generation cycle. The role-application
// cache is cleared so every role may act again; the returned value is the new
// epoch, useful for logging.
func (g *Gate) NewEpoch() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.epoch++
	g.applied = make(map[roleKey]struct{})
	return g.epoch
}

// Epoch returns the current generation epoch.
func (g *Gate) Epoch() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.epoch
}

// ShouldAcceptUser reports whether a delivered user message counts as a new
// turn. Empty (or whitespace-only) text is rejected, as is a delivery whose
// (text, messageKey) signature equals the immediately previous accepted one.
func (g *Gate) ShouldAcceptUser(text, messageKey string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}

	sig := signature(trimmed, messageKey)

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.hasSig && sig == g.lastSig {
		return false
	}
	g.lastSig = sig
	g.hasSig = true
	return true
}

// ShouldApplyRole reports whether the given role's side effects should be
// applied for the checkpoint at checkpointIndex. The first call for a given
// (epoch, checkpoint, role) triple returns true; repeats within the same
// epoch return false.
func (g *Gate) ShouldApplyRole(role string, checkpointIndex int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := roleKey{epoch: g.epoch, checkpoint: checkpointIndex, role: role}
	if _, seen := g.applied[key]; seen {
		return false
	}
	g.applied[key] = struct{}{}
	return true
}

// Reset clears all remembered signatures and role applications. The epoch is
// not rewound. Used on session teardown and on snapshot restore.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hasSig = false
	g.lastSig = [sha256.Size]byte{}
	g.applied = make(map[roleKey]struct{})
}

// signature hashes a trimmed message text together with its host-assigned
// key. The key keeps two users sending identical text apart.
func signature(trimmed, messageKey string) [sha256.Size]byte {
	h := sha256.New()
	h.Write([]byte(trimmed))
	h.Write([]byte{0})
	h.Write([]byte(messageKey))
	var sum [sha256.Size]byte
	copy(sum[:], h.Sum(nil))
	return sum
}
