// Package director drives a compiled story graph against a live chat host.
//
// The [Director] owns the session's runtime state: per-checkpoint statuses,
// the active checkpoint pointer, and the turn counters. It subscribes to host
// events, filters them through the turn gate, scans the active checkpoint's
// triggers on every accepted player turn, and submits at most one arbiter
// evaluation at a time. Verdicts come back asynchronously and are applied
// under the state mutex; collaborator calls (stage, arbiter, listeners)
// always happen outside it.
//
// Runtime collaborator failures are logged and absorbed: a bad judgment or a
// rejected effect never halts the session. The only failure path surfaced to
// callers is [Director.Init].
package director

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/questline/internal/arbiter"
	"github.com/MrWong99/questline/internal/host"
	"github.com/MrWong99/questline/internal/namematch"
	"github.com/MrWong99/questline/internal/story"
	"github.com/MrWong99/questline/internal/turngate"
)

// ErrDisposed reports an operation on a director after [Director.Dispose].
var ErrDisposed = errors.New("director: disposed")

const (
	defaultIntervalTurns = 5
	minIntervalTurns     = 1
	maxIntervalTurns     = 50
)

// ─────────────────────────────────────────────────────────────────────────────
// Public types
// ─────────────────────────────────────────────────────────────────────────────

// Status is the progression state of a single checkpoint.
type Status string

const (
	// StatusPending marks a checkpoint not yet reached.
	StatusPending Status = "pending"

	// StatusCurrent marks the active checkpoint. At most one checkpoint is
	// current at a time; none is while progression is halted after an
	// unrecovered failure.
	StatusCurrent Status = "current"

	// StatusComplete marks a checkpoint exited through a win.
	StatusComplete Status = "complete"

	// StatusFailed marks a checkpoint exited through a failure.
	StatusFailed Status = "failed"
)

// IsValid reports whether s is a recognized status value.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusCurrent, StatusComplete, StatusFailed:
		return true
	}
	return false
}

// ProgressListener receives story progression callbacks. Callbacks run on
// the goroutine that caused the transition, outside the director's mutex;
// implementations must not call back into the director synchronously from
// within them except through the read-only [Director.View].
type ProgressListener interface {
	// CheckpointEntered fires when a checkpoint becomes current, including
	// the start checkpoint during Init.
	CheckpointEntered(cp *story.Checkpoint)

	// BeforeVerdict fires when an evaluation is submitted to the arbiter.
	BeforeVerdict(req arbiter.Request)

	// VerdictApplied fires after a verdict has been folded into the runtime
	// state, including continue verdicts.
	VerdictApplied(v arbiter.Verdict)

	// StoryCompleted fires once when the final checkpoint wins.
	StoryCompleted()
}

// Evaluator is the arbiter surface the director submits judgments to.
// [arbiter.Arbiter] satisfies it.
type Evaluator interface {
	Submit(req arbiter.Request) <-chan arbiter.Verdict
}

// Stage is the context-injection collaborator driven on checkpoint
// activation. [stage.Stage] satisfies it.
type Stage interface {
	Apply(fx story.Effects) error
	SetRolePrompt(role, prompt string)
	RolePrompt(role string) string
}

// State is the portable serialization of a director's runtime state,
// embedded in session snapshots. Statuses are keyed by checkpoint ID so a
// snapshot survives checkpoint reordering between story revisions.
type State struct {
	ActiveID          string            `json:"active_id"`
	Statuses          map[string]string `json:"statuses"`
	Turn              int               `json:"turn"`
	TurnsSinceEval    int               `json:"turns_since_eval"`
	TurnsInCheckpoint int               `json:"turns_in_checkpoint"`
	IntervalTurns     int               `json:"interval_turns"`
	Completed         bool              `json:"completed,omitempty"`
	Halted            bool              `json:"halted,omitempty"`
}

// View is a point-in-time read of the runtime state, safe to hand to cue
// condition expressions and status surfaces.
type View struct {
	Turn              int
	TurnsInCheckpoint int
	ActiveID          string
	ActiveIndex       int
	Statuses          map[string]Status
	IntervalTurns     int
	EvalPending       bool
	Completed         bool
	Halted            bool
}

// ─────────────────────────────────────────────────────────────────────────────
// Director
// ─────────────────────────────────────────────────────────────────────────────

type lifecycle int

const (
	lifecycleUnstarted lifecycle = iota
	lifecycleReady
	lifecycleDisposed
)

// Director is the orchestrator state machine for one story session.
type Director struct {
	graph *story.Graph
	eval  Evaluator
	stage Stage
	bus   host.Bus
	gate  *turngate.Gate

	mu                sync.Mutex
	life              lifecycle
	statuses          []Status
	activeIdx         int
	turn              int
	turnsSinceEval    int
	turnsInCheckpoint int
	intervalTurns     int
	evalPending       bool
	evalSeq           uint64
	completed         bool
	halted            bool
	subs              []host.Subscription
	listeners         []ProgressListener
}

// Option is a functional option for [New].
type Option func(*Director)

// WithIntervalTurns sets how many accepted turns may pass without a verdict
// before an interval evaluation is submitted. Clamped into [1, 50].
// Defaults to 5.
func WithIntervalTurns(n int) Option {
	return func(d *Director) { d.intervalTurns = clampInterval(n) }
}

// New creates a [Director] for graph, judging through eval, applying effects
// through stage, and consuming events from bus. Call [Director.Init] to
// activate the story.
func New(graph *story.Graph, eval Evaluator, stage Stage, bus host.Bus, opts ...Option) *Director {
	d := &Director{
		graph:         graph,
		eval:          eval,
		stage:         stage,
		bus:           bus,
		gate:          turngate.New(),
		statuses:      make([]Status, graph.Len()),
		activeIdx:     -1,
		intervalTurns: defaultIntervalTurns,
	}
	for i := range d.statuses {
		d.statuses[i] = StatusPending
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// AddListener attaches a progression listener. Listeners added before
// [Director.Init] observe the start checkpoint's entry.
func (d *Director) AddListener(l ProgressListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, l)
}

// Init activates the story: every checkpoint starts pending, the start
// checkpoint becomes current, its on-activate effects are applied through
// the stage, host subscriptions are armed, and listeners are notified.
//
// A stage failure leaves the director unstarted with no subscriptions and no
// status changes; Init may be retried. Init after a successful activation or
// after Dispose is an error.
func (d *Director) Init() error {
	d.mu.Lock()
	switch d.life {
	case lifecycleDisposed:
		d.mu.Unlock()
		return ErrDisposed
	case lifecycleReady:
		d.mu.Unlock()
		return fmt.Errorf("director: already initialized")
	}
	start := d.graph.Start()
	d.mu.Unlock()

	if err := d.stage.Apply(start.Effects); err != nil {
		return fmt.Errorf("director: activate start checkpoint %q: %w", start.ID, err)
	}

	d.mu.Lock()
	if d.life == lifecycleDisposed {
		d.mu.Unlock()
		return ErrDisposed
	}
	for i := range d.statuses {
		d.statuses[i] = StatusPending
	}
	d.statuses[start.Index] = StatusCurrent
	d.activeIdx = start.Index
	d.subs = []host.Subscription{d.bus.Subscribe(d.handleEvent)}
	d.life = lifecycleReady
	listeners := d.listenersLocked()
	d.mu.Unlock()

	slog.Info("story activated",
		"story", d.graph.Name(),
		"start", start.ID,
		"checkpoints", d.graph.Len(),
	)
	for _, l := range listeners {
		l.CheckpointEntered(start)
	}
	return nil
}

// Dispose tears the session down: host subscriptions are cancelled,
// listeners detached, and any in-flight verdict is orphaned. Idempotent.
func (d *Director) Dispose() {
	d.mu.Lock()
	if d.life == lifecycleDisposed {
		d.mu.Unlock()
		return
	}
	d.life = lifecycleDisposed
	subs := d.subs
	d.subs = nil
	d.listeners = nil
	d.evalPending = false
	d.evalSeq++
	d.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}
	d.gate.Reset()
}

// ─────────────────────────────────────────────────────────────────────────────
// Host event handling
// ─────────────────────────────────────────────────────────────────────────────

func (d *Director) handleEvent(ev host.Event) {
	switch ev.Kind {
	case host.EventUserMessage:
		if !d.gate.ShouldAcceptUser(ev.Text, ev.MessageID) {
			slog.Debug("user turn rejected by gate", "message_id", ev.MessageID)
			return
		}
		d.handleUserTurn(ev.Text)
	case host.EventGenerationStarted:
		if ev.Generation == host.GenerationNormal {
			d.gate.NewEpoch()
		}
	case host.EventSpeakerDrafted:
		d.handleSpeakerDrafted(ev.Speaker)
	}
}

// handleUserTurn advances the turn counters and runs the trigger scan for
// one accepted player message.
func (d *Director) handleUserTurn(text string) {
	d.mu.Lock()
	if d.life != lifecycleReady {
		d.mu.Unlock()
		return
	}
	d.turn++
	d.turnsSinceEval++
	d.turnsInCheckpoint++

	if d.completed || d.halted || d.evalPending {
		d.mu.Unlock()
		return
	}

	req, ok := d.scanTriggersLocked(text)
	if !ok {
		d.mu.Unlock()
		return
	}
	d.evalPending = true
	seq := d.evalSeq
	listeners := d.listenersLocked()
	d.mu.Unlock()

	for _, l := range listeners {
		l.BeforeVerdict(req)
	}
	ch := d.eval.Submit(req)
	go func() {
		d.applyVerdict(<-ch, seq)
	}()
}

// scanTriggersLocked picks at most one evaluation for this turn, in priority
// order: win-pattern matches, the fail edge's pattern, elapsed timed
// transitions, then interval pressure.
func (d *Director) scanTriggersLocked(text string) (arbiter.Request, bool) {
	active := d.graph.At(d.activeIdx)
	outgoing := d.graph.Outgoing(active.ID)

	// Win patterns first: a turn that matches both a win and a fail pattern
	// is judged as a potential win.
	for _, outcome := range []story.Outcome{story.OutcomeWin, story.OutcomeFail} {
		for _, tr := range outgoing {
			if tr.Outcome != outcome {
				continue
			}
			rt, ok := tr.Trigger.(*story.RegexTrigger)
			if !ok {
				continue
			}
			if pattern, matched := rt.Match(text); matched {
				return d.requestLocked(active, tr, pattern, text), true
			}
		}
	}

	for _, tr := range outgoing {
		tt, ok := tr.Trigger.(*story.TimedTrigger)
		if !ok {
			continue
		}
		if d.turnsInCheckpoint >= tt.WithinTurns {
			return d.requestLocked(active, tr, "", text), true
		}
	}

	if d.turnsSinceEval >= d.intervalTurns {
		return arbiter.Request{
			CheckpointID:   active.ID,
			CheckpointName: active.Name,
			Objective:      active.Objective,
			Reason:         arbiter.ReasonInterval,
			UserText:       text,
		}, true
	}

	return arbiter.Request{}, false
}

func (d *Director) requestLocked(cp *story.Checkpoint, tr *story.Transition, pattern, text string) arbiter.Request {
	reason := arbiter.ReasonWin
	if tr.Outcome == story.OutcomeFail {
		reason = arbiter.ReasonFail
	}
	return arbiter.Request{
		CheckpointID:   cp.ID,
		CheckpointName: cp.Name,
		Objective:      cp.Objective,
		Reason:         reason,
		TransitionID:   tr.ID,
		Pattern:        pattern,
		Condition:      tr.Condition,
		UserText:       text,
	}
}

// handleSpeakerDrafted pins the drafted role's effective prompt through the
// stage. The turn gate deduplicates overlapping draft events so the
// application happens once per (epoch, checkpoint, role).
func (d *Director) handleSpeakerDrafted(speaker string) {
	role, ok := d.roleForCharacter(speaker)
	if !ok {
		return
	}

	d.mu.Lock()
	if d.life != lifecycleReady {
		d.mu.Unlock()
		return
	}
	idx := d.activeIdx
	d.mu.Unlock()

	if !d.gate.ShouldApplyRole(role.Name, idx) {
		return
	}
	prompt := d.stage.RolePrompt(role.Name)
	if prompt == "" {
		return
	}
	d.stage.SetRolePrompt(role.Name, prompt)
	slog.Debug("drafted role prompt applied",
		"role", role.Name,
		"speaker", speaker,
		"checkpoint_index", idx,
	)
}

// roleForCharacter finds the story role whose character matches speaker
// under normalized comparison.
func (d *Director) roleForCharacter(speaker string) (story.Role, bool) {
	for _, r := range d.graph.Roles() {
		if namematch.Equal(r.Character, speaker) {
			return r, true
		}
	}
	return story.Role{}, false
}

// listenersLocked returns the listener set for iteration outside the mutex.
func (d *Director) listenersLocked() []ProgressListener {
	out := make([]ProgressListener, len(d.listeners))
	copy(out, d.listeners)
	return out
}

func clampInterval(n int) int {
	if n < minIntervalTurns {
		return minIntervalTurns
	}
	if n > maxIntervalTurns {
		return maxIntervalTurns
	}
	return n
}
