// Package cue runs the scripted-interjection layer beside the director.
//
// Stories declare cues: character lines bound to a checkpoint and a moment
// (checkpoint entered, an evaluation about to run or just applied, somebody
// spoke). The [Service] listens to director progression and host events,
// queues the resulting moments, and drains the queue one moment at a time.
// Per moment it shuffles the checkpoint's cues and picks the first one that
// passes every filter; the pick becomes the pending action and is delivered
// by intercepting the host's next normal generation, so the scripted line
// replaces the model's own turn instead of appearing alongside it.
//
// Everything here degrades instead of failing: an unresolvable character, a
// broken condition, or a dead provider logs a warning and the host simply
// generates as if no cue existed.
package cue

import (
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/expr-lang/expr"

	"github.com/MrWong99/questline/internal/arbiter"
	"github.com/MrWong99/questline/internal/director"
	"github.com/MrWong99/questline/internal/host"
	"github.com/MrWong99/questline/internal/namematch"
	"github.com/MrWong99/questline/internal/observe"
	"github.com/MrWong99/questline/internal/story"
	"github.com/MrWong99/questline/pkg/provider/llm"
)

const (
	// drainGuard caps how many moments one drain pass may process before
	// deferring the rest to the next flush.
	drainGuard = 20

	defaultExcerptMessages = 8
	defaultExcerptChars    = 400
	defaultReplyTokens     = 200
)

// Progress is the director surface the service reads runtime state from.
// [director.Director] satisfies it.
type Progress interface {
	View() director.View
}

// Stage supplies the prompt context for instruct cues. [stage.Stage]
// satisfies it.
type Stage interface {
	SystemContext(role string) string
	PresetFloat(key string) (float64, bool)
}

// momentEvent is one queued occurrence of a moment. checkpoint is empty for
// after-speak moments and resolved against the active checkpoint when the
// queue drains.
type momentEvent struct {
	moment     story.Moment
	checkpoint string
	speaker    string
}

// counter tracks one cue's firing history for the current story run.
type counter struct {
	fired    int
	lastTurn int
}

// Service is the talk-control layer. One instance per session; construct
// with [New], wire with [Service.Attach], and register it as a director
// listener. All methods are safe for concurrent use.
type Service struct {
	graph    *story.Graph
	progress Progress
	stage    Stage
	host     host.Host
	provider llm.Provider
	matcher  *namematch.Matcher
	metrics  *observe.Metrics

	excerptMessages int
	excerptChars    int
	replyTokens     int

	mu          sync.Mutex
	rng         *rand.Rand
	queue       []momentEvent
	draining    bool
	interrupted bool
	pending     *action
	selfDepth   int
	suppress    int
	counters    map[string]*counter
	overrides   map[string]bool
	subs        []host.Subscription
	attached    bool
	closed      bool
}

var _ director.ProgressListener = (*Service)(nil)

// Option configures a [Service].
type Option func(*Service)

// WithRand replaces the selection RNG. Shuffles and probability rolls draw
// from it under the service mutex.
func WithRand(rng *rand.Rand) Option {
	return func(s *Service) { s.rng = rng }
}

// WithExcerpt bounds the transcript excerpt handed to instruct cues:
// at most messages entries, each trimmed to chars runes.
func WithExcerpt(messages, chars int) Option {
	return func(s *Service) {
		if messages > 0 {
			s.excerptMessages = messages
		}
		if chars > 0 {
			s.excerptChars = chars
		}
	}
}

// WithMetrics wires delivery attempts into the metrics instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithReplyTokens caps the completion length for instruct cues.
func WithReplyTokens(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.replyTokens = n
		}
	}
}

// New builds a cue service over the compiled graph. provider may only be
// exercised by instruct cues; stories with static text alone never call it.
func New(graph *story.Graph, progress Progress, stg Stage, h host.Host, provider llm.Provider, opts ...Option) *Service {
	s := &Service{
		graph:           graph,
		progress:        progress,
		stage:           stg,
		host:            h,
		provider:        provider,
		matcher:         namematch.New(),
		excerptMessages: defaultExcerptMessages,
		excerptChars:    defaultExcerptChars,
		replyTokens:     defaultReplyTokens,
		counters:        make(map[string]*counter),
		overrides:       make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return s
}

// Attach subscribes to the host bus and installs the generation interceptor.
// Safe to call once; later calls are no-ops.
func (s *Service) Attach() {
	s.mu.Lock()
	if s.closed || s.attached {
		s.mu.Unlock()
		return
	}
	s.attached = true
	s.mu.Unlock()

	sub := s.host.Subscribe(s.handleEvent)
	s.host.SetInterceptor(s.intercept)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.host.SetInterceptor(nil)
		sub.Cancel()
		return
	}
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
}

// Close detaches from the host and drops queued moments and the pending
// action. Idempotent.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := s.subs
	s.subs = nil
	s.queue = nil
	s.pending = nil
	attached := s.attached
	s.mu.Unlock()

	if attached {
		s.host.SetInterceptor(nil)
	}
	for _, sub := range subs {
		sub.Cancel()
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Moment sources
// ─────────────────────────────────────────────────────────────────────────────

// CheckpointEntered implements [director.ProgressListener].
func (s *Service) CheckpointEntered(cp *story.Checkpoint) {
	s.enqueue(momentEvent{moment: story.MomentEnter, checkpoint: cp.ID})
}

// BeforeVerdict implements [director.ProgressListener].
func (s *Service) BeforeVerdict(req arbiter.Request) {
	s.enqueue(momentEvent{moment: story.MomentBeforeVerdict, checkpoint: req.CheckpointID})
}

// VerdictApplied implements [director.ProgressListener]. The moment is keyed
// to the checkpoint that was judged, which for a win is the one just exited.
func (s *Service) VerdictApplied(v arbiter.Verdict) {
	s.enqueue(momentEvent{moment: story.MomentAfterVerdict, checkpoint: v.Request.CheckpointID})
}

// StoryCompleted implements [director.ProgressListener].
func (s *Service) StoryCompleted() {}

func (s *Service) handleEvent(ev host.Event) {
	switch ev.Kind {
	case host.EventUserMessage:
		s.enqueue(momentEvent{moment: story.MomentAfterSpeak, speaker: ev.Author})
	case host.EventCharacterMessage:
		s.mu.Lock()
		self := s.selfDepth > 0
		s.mu.Unlock()
		if self {
			return
		}
		s.enqueue(momentEvent{moment: story.MomentAfterSpeak, speaker: ev.Author})
	case host.EventGenerationStarted:
		if ev.Generation != host.GenerationNormal {
			return
		}
		s.mu.Lock()
		if s.draining {
			s.interrupted = true
		}
		s.mu.Unlock()
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Queue and drain
// ─────────────────────────────────────────────────────────────────────────────

// enqueue appends a moment and, when no drain is running, drains the queue on
// the calling goroutine. The single-drainer flag keeps processing strictly
// FIFO even when sources enqueue concurrently.
func (s *Service) enqueue(ev momentEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	s.interrupted = false
	s.mu.Unlock()

	s.drain()
}

// drain processes queued moments one at a time, dropping the mutex between
// moments so a generation start observed meanwhile can interrupt the pass.
// Interrupted or guarded-off moments stay queued for the next flush.
func (s *Service) drain() {
	for i := 0; i < drainGuard; i++ {
		s.mu.Lock()
		if s.closed {
			s.draining = false
			s.mu.Unlock()
			return
		}
		if s.interrupted || len(s.queue) == 0 {
			if s.interrupted && len(s.queue) > 0 {
				slog.Debug("cue drain interrupted by generation start",
					"deferred", len(s.queue))
			}
			s.draining = false
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.processLocked(ev)
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.draining = false
	if n := len(s.queue); n > 0 {
		slog.Warn("cue drain guard reached, deferring remaining moments", "deferred", n)
	}
	s.mu.Unlock()
}

// processLocked selects at most one cue for the moment and stages it as the
// pending action. Counters are charged at selection time.
func (s *Service) processLocked(ev momentEvent) {
	view := s.progress.View()
	checkpointID := ev.checkpoint
	if checkpointID == "" {
		checkpointID = view.ActiveID
	}
	if checkpointID == "" {
		return
	}

	declared := s.graph.CuesFor(checkpointID, ev.moment)
	if len(declared) == 0 {
		return
	}
	candidates := make([]*story.Cue, len(declared))
	copy(candidates, declared)
	s.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	for _, c := range candidates {
		if !s.eligibleLocked(c, ev, view) {
			continue
		}
		ctr := s.counters[c.Key]
		if ctr == nil {
			ctr = &counter{}
			s.counters[c.Key] = ctr
		}
		ctr.fired++
		ctr.lastTurn = view.Turn

		if s.pending != nil {
			slog.Debug("cue action replaced before delivery",
				"replaced", s.pending.cue.Key, "cue", c.Key)
		}
		s.pending = &action{cue: c, turn: view.Turn}
		slog.Debug("cue selected",
			"cue", c.Key, "moment", string(ev.moment), "checkpoint", checkpointID)
		return
	}
}

// eligibleLocked applies the selection filters in their fixed order. The
// probability roll only runs for cues below 100 so fully-scripted stories
// stay deterministic.
func (s *Service) eligibleLocked(c *story.Cue, ev momentEvent, view director.View) bool {
	if !s.enabledLocked(c) {
		return false
	}
	if c.Moment == story.MomentAfterSpeak && c.Speaker != "" && !namematch.Equal(c.Speaker, ev.speaker) {
		return false
	}
	if c.When != nil && !s.whenPasses(c, ev, view) {
		return false
	}
	if c.Probability < 100 && !(s.rng.Float64()*100 < float64(c.Probability)) {
		return false
	}
	if ctr := s.counters[c.Key]; ctr != nil && ctr.fired > 0 {
		if ctr.lastTurn == view.Turn {
			return false
		}
		if c.CooldownTurns > 0 && view.Turn-ctr.lastTurn < c.CooldownTurns {
			return false
		}
		if c.MaxTriggers > 0 && ctr.fired >= c.MaxTriggers {
			return false
		}
	}
	return true
}

func (s *Service) enabledLocked(c *story.Cue) bool {
	if forced, ok := s.overrides[c.Key]; ok {
		return forced
	}
	return c.Enabled
}

// whenPasses evaluates the cue's gating expression. Runtime errors and
// non-boolean results skip the cue with a warning.
func (s *Service) whenPasses(c *story.Cue, ev momentEvent, view director.View) bool {
	out, err := expr.Run(c.When, whenEnv(ev, view))
	if err != nil {
		slog.Warn("cue condition errored, skipping",
			"cue", c.Key, "when", c.WhenSource, "error", err)
		return false
	}
	pass, ok := out.(bool)
	if !ok {
		slog.Warn("cue condition is not boolean, skipping",
			"cue", c.Key, "when", c.WhenSource)
		return false
	}
	return pass
}

// whenEnv is the variable set cue conditions evaluate against.
func whenEnv(ev momentEvent, view director.View) map[string]any {
	statuses := make(map[string]string, len(view.Statuses))
	for id, st := range view.Statuses {
		statuses[id] = string(st)
	}
	return map[string]any{
		"turn":                view.Turn,
		"turns_in_checkpoint": view.TurnsInCheckpoint,
		"checkpoint":          view.ActiveID,
		"completed":           view.Completed,
		"speaker":             ev.speaker,
		"statuses":            statuses,
	}
}
