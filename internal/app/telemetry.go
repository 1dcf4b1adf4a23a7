package app

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/questline/internal/arbiter"
	"github.com/MrWong99/questline/internal/director"
	"github.com/MrWong99/questline/internal/host"
	"github.com/MrWong99/questline/internal/observe"
	"github.com/MrWong99/questline/internal/story"
)

// telemetry forwards progression callbacks and chat traffic into the
// metrics instruments. It observes the engine from the outside; nothing in
// the turn path depends on it.
type telemetry struct {
	metrics *observe.Metrics

	mu sync.Mutex

	// pending is the transition reason consumed by the next
	// CheckpointEntered. VerdictApplied always precedes CheckpointEntered
	// for the transition it caused, so a win or fail verdict labels the
	// entry it drives; anything else is a manual activation.
	pending string

	// submitted is when the in-flight evaluation left for the arbiter.
	// The director keeps at most one evaluation pending.
	submitted time.Time
}

var _ director.ProgressListener = (*telemetry)(nil)

func newTelemetry(m *observe.Metrics) *telemetry {
	return &telemetry{metrics: m, pending: "start"}
}

func (t *telemetry) CheckpointEntered(*story.Checkpoint) {
	t.mu.Lock()
	reason := t.pending
	t.pending = ""
	t.mu.Unlock()
	if reason == "" {
		reason = "manual"
	}
	t.metrics.RecordTransition(context.Background(), reason)
}

func (t *telemetry) BeforeVerdict(arbiter.Request) {
	t.mu.Lock()
	t.submitted = time.Now()
	t.mu.Unlock()
}

func (t *telemetry) VerdictApplied(v arbiter.Verdict) {
	t.mu.Lock()
	var seconds float64
	if !t.submitted.IsZero() {
		seconds = time.Since(t.submitted).Seconds()
		t.submitted = time.Time{}
	}
	switch v.Decision {
	case arbiter.DecisionWin:
		t.pending = "win"
	case arbiter.DecisionFail:
		t.pending = "fail"
	}
	t.mu.Unlock()

	t.metrics.RecordVerdict(context.Background(), string(v.Decision), seconds)
}

func (t *telemetry) StoryCompleted() {}

// observeEvent counts chat traffic from the host bus.
func (t *telemetry) observeEvent(ev host.Event) {
	switch ev.Kind {
	case host.EventUserMessage:
		t.metrics.RecordTurn(context.Background(), "user")
	case host.EventCharacterMessage:
		t.metrics.RecordTurn(context.Background(), "character")
	}
}
