// Package arbiter serializes checkpoint judgments against a generation
// provider.
//
// The director submits evaluation requests whenever a trigger fires or the
// evaluation interval elapses; the [Arbiter] queues them and a single drain
// goroutine executes them one at a time, so at most one LLM judgment is in
// flight regardless of how fast turns arrive. A "win" verdict discards every
// request still queued behind it: once the story is known to have advanced,
// stale evaluations from the previous checkpoint are worthless.
//
// The model's output is parsed permissively and every failure mode (provider
// error, timeout, unparseable output) degrades to a "continue" verdict. A bad
// model response never halts the story.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/questline/internal/host"
	llm "github.com/MrWong99/questline/pkg/provider/llm"
)

// ErrClosed reports that a request was resolved without evaluation because
// the arbiter shut down first.
var ErrClosed = errors.New("arbiter: closed")

const (
	defaultExcerptMessages = 8
	defaultExcerptChars    = 400
	defaultMaxTokens       = 256
)

// ─────────────────────────────────────────────────────────────────────────────
// Public types
// ─────────────────────────────────────────────────────────────────────────────

// Reason names what prompted an evaluation.
type Reason string

const (
	// ReasonInterval marks a periodic check after n turns without a verdict.
	ReasonInterval Reason = "interval"

	// ReasonWin marks an evaluation triggered by a completion pattern match
	// or a timed win transition.
	ReasonWin Reason = "win"

	// ReasonFail marks an evaluation triggered by a failure pattern match or
	// a timed fail transition.
	ReasonFail Reason = "fail"
)

// Decision is the arbiter's ruling on a single evaluation.
type Decision string

const (
	// DecisionContinue means the checkpoint stays active.
	DecisionContinue Decision = "continue"

	// DecisionWin means the objective was judged complete.
	DecisionWin Decision = "win"

	// DecisionFail means the objective was judged irrecoverably failed.
	DecisionFail Decision = "fail"
)

// Request describes one judgment to perform.
type Request struct {
	// CheckpointID, CheckpointName, and Objective identify the checkpoint
	// under judgment.
	CheckpointID   string
	CheckpointName string
	Objective      string

	// Reason names what prompted the evaluation.
	Reason Reason

	// TransitionID and Pattern identify the matched transition when the
	// evaluation was pattern- or timer-triggered. Empty for interval checks.
	TransitionID string
	Pattern      string

	// Condition is the transition's free-text completion condition, when one
	// is declared.
	Condition string

	// UserText is the latest accepted player message.
	UserText string
}

// Verdict is the outcome of one evaluation.
type Verdict struct {
	// Decision is the ruling. Synthetic verdicts (provider failure,
	// supersession, shutdown) are always [DecisionContinue].
	Decision Decision

	// Reason is the model's one-line explanation, when one was returned.
	Reason string

	// Confidence is the model's self-reported confidence in [0, 1].
	Confidence float64

	// Superseded marks a request that was discarded unevaluated because an
	// earlier request in the same queue won.
	Superseded bool

	// Err carries the provider or shutdown error behind a synthetic
	// continue verdict. Nil for genuine model rulings.
	Err error

	// Request echoes the evaluated request.
	Request Request
}

// Transcript provides read access to the recent chat history.
// [host.Host] satisfies it.
type Transcript interface {
	Recent(ctx context.Context, n int) ([]host.Message, error)
}

// ─────────────────────────────────────────────────────────────────────────────
// Arbiter
// ─────────────────────────────────────────────────────────────────────────────

// Arbiter owns the evaluation queue and its single drain goroutine.
// All methods are safe for concurrent use.
type Arbiter struct {
	provider        llm.Provider
	chat            Transcript
	excerptMessages int
	excerptChars    int
	maxTokens       int

	mu     sync.Mutex
	queue  []*evaluation
	closed bool

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// evaluation pairs a request with its single-delivery result channel.
type evaluation struct {
	req Request
	out chan Verdict
}

// Option is a functional option for [New].
type Option func(*Arbiter)

// WithExcerpt bounds the conversation excerpt embedded in judgment prompts:
// at most messages entries, each trimmed to chars characters. Defaults to
// 8 messages of 400 characters.
func WithExcerpt(messages, chars int) Option {
	return func(a *Arbiter) {
		if messages > 0 {
			a.excerptMessages = messages
		}
		if chars > 0 {
			a.excerptChars = chars
		}
	}
}

// WithMaxTokens bounds the judgment response length. Defaults to 256.
func WithMaxTokens(n int) Option {
	return func(a *Arbiter) {
		if n > 0 {
			a.maxTokens = n
		}
	}
}

// New creates an [Arbiter] judging against provider with chat as the excerpt
// source. Call [Arbiter.Start] before submitting.
func New(provider llm.Provider, chat Transcript, opts ...Option) *Arbiter {
	a := &Arbiter{
		provider:        provider,
		chat:            chat,
		excerptMessages: defaultExcerptMessages,
		excerptChars:    defaultExcerptChars,
		maxTokens:       defaultMaxTokens,
		wake:            make(chan struct{}, 1),
		done:            make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Start launches the drain goroutine. It runs until ctx is cancelled or
// [Arbiter.Close] is called.
func (a *Arbiter) Start(ctx context.Context) {
	go a.loop(ctx)
}

// Close stops the drain loop and resolves every queued request with a
// continue verdict carrying [ErrClosed]. Safe to call multiple times.
func (a *Arbiter) Close() {
	a.stopOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()
		close(a.done)
	})
	a.resolveAll(Verdict{Decision: DecisionContinue, Err: ErrClosed})
}

// Submit enqueues a judgment request. The returned channel delivers exactly
// one [Verdict] and is never closed without a send. After [Arbiter.Close]
// the verdict is an immediate continue carrying [ErrClosed].
func (a *Arbiter) Submit(req Request) <-chan Verdict {
	out := make(chan Verdict, 1)

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		out <- Verdict{Decision: DecisionContinue, Err: ErrClosed, Request: req}
		return out
	}
	a.queue = append(a.queue, &evaluation{req: req, out: out})
	a.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
	return out
}

// Len reports how many requests are queued, excluding any in flight.
func (a *Arbiter) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// ─────────────────────────────────────────────────────────────────────────────
// Drain loop
// ─────────────────────────────────────────────────────────────────────────────

func (a *Arbiter) loop(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-a.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		ev := a.pop()
		if ev == nil {
			select {
			case <-ctx.Done():
				a.resolveAll(Verdict{Decision: DecisionContinue, Err: ErrClosed})
				return
			case <-a.wake:
				continue
			}
		}

		verdict := a.judge(ctx, ev.req)
		if verdict.Decision == DecisionWin {
			// The story advanced; everything queued behind this request was
			// asked about a checkpoint that no longer holds.
			stale := a.takeAll()
			ev.out <- verdict
			for _, s := range stale {
				s.out <- Verdict{Decision: DecisionContinue, Superseded: true, Request: s.req}
			}
			continue
		}
		ev.out <- verdict
	}
}

func (a *Arbiter) pop() *evaluation {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.queue) == 0 {
		return nil
	}
	ev := a.queue[0]
	a.queue = a.queue[1:]
	return ev
}

func (a *Arbiter) takeAll() []*evaluation {
	a.mu.Lock()
	defer a.mu.Unlock()
	taken := a.queue
	a.queue = nil
	return taken
}

// resolveAll delivers v to every queued waiter and empties the queue.
func (a *Arbiter) resolveAll(v Verdict) {
	for _, ev := range a.takeAll() {
		out := v
		out.Request = ev.req
		ev.out <- out
	}
}

// judge runs a single evaluation end to end. It never returns an error:
// provider failures and unparseable output degrade to continue verdicts.
func (a *Arbiter) judge(ctx context.Context, req Request) Verdict {
	excerpt := a.buildExcerpt(ctx)

	resp, err := a.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt:   buildJudgmentPrompt(req),
		Messages:       []llm.Message{{Role: "user", Content: buildUserMessage(excerpt, req.UserText)}},
		Temperature:    0,
		TemperatureSet: true,
		MaxTokens:      a.maxTokens,
	})
	if err != nil {
		slog.Warn("arbiter judgment failed, continuing",
			"checkpoint", req.CheckpointID,
			"reason", req.Reason,
			"error", err,
		)
		return Verdict{
			Decision: DecisionContinue,
			Err:      fmt.Errorf("arbiter: judge %q: %w", req.CheckpointID, err),
			Request:  req,
		}
	}

	verdict, ok := parseVerdict(resp.Content)
	if !ok {
		slog.Warn("arbiter judgment unparseable, continuing",
			"checkpoint", req.CheckpointID,
			"output_len", len(resp.Content),
		)
	}
	verdict.Request = req
	return verdict
}

// buildExcerpt renders the most recent transcript messages as "speaker: text"
// lines, each trimmed to the excerpt character budget. A transcript read
// failure degrades to an empty excerpt.
func (a *Arbiter) buildExcerpt(ctx context.Context) string {
	msgs, err := a.chat.Recent(ctx, a.excerptMessages)
	if err != nil {
		slog.Warn("arbiter transcript read failed, judging without excerpt", "error", err)
		return ""
	}

	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		text := m.Text
		if r := []rune(text); len(r) > a.excerptChars {
			text = string(r[:a.excerptChars])
		}
		lines = append(lines, fmt.Sprintf("%s: %s", m.Author, text))
	}
	return strings.Join(lines, "\n")
}

// ─────────────────────────────────────────────────────────────────────────────
// Prompt construction
// ─────────────────────────────────────────────────────────────────────────────

// judgmentPromptTemplate is the base system prompt. Checkpoint identity and
// the reason-specific instruction are formatted in at call time.
const judgmentPromptTemplate = `You are the story arbiter for a checkpoint-driven group roleplay session.

Your task: judge whether the active checkpoint's objective has been resolved in the recent conversation.

Checkpoint: %s
Objective: %s

%s

Rules:
- Judge only from the conversation excerpt and the latest player message.
- Be conservative: when in doubt, report neither completed nor failed.
- "completed" and "failed" are mutually exclusive.

Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{
  "completed": <true or false>,
  "failed": <true or false>,
  "reason": "<one short sentence>",
  "confidence": <0.0-1.0>
}`

func buildJudgmentPrompt(req Request) string {
	name := req.CheckpointName
	if name == "" {
		name = req.CheckpointID
	}
	return fmt.Sprintf(judgmentPromptTemplate, name, req.Objective, reasonInstruction(req))
}

func reasonInstruction(req Request) string {
	var sb strings.Builder
	switch req.Reason {
	case ReasonWin:
		if req.Pattern != "" {
			fmt.Fprintf(&sb, "The latest player message matched the completion pattern %q. ", req.Pattern)
		}
		if req.Condition != "" {
			fmt.Fprintf(&sb, "Completion condition: %s. ", req.Condition)
		}
		sb.WriteString("Decide whether the objective is genuinely complete, not merely attempted.")
	case ReasonFail:
		if req.Pattern != "" {
			fmt.Fprintf(&sb, "The latest player message matched the failure pattern %q. ", req.Pattern)
		}
		if req.Condition != "" {
			fmt.Fprintf(&sb, "Failure condition: %s. ", req.Condition)
		}
		sb.WriteString("Decide whether the objective has genuinely failed beyond recovery.")
	default:
		sb.WriteString("This is a periodic check after several turns without a verdict. Decide whether the objective has been completed or irrecoverably failed in the conversation so far.")
	}
	return sb.String()
}

func buildUserMessage(excerpt, userText string) string {
	var sb strings.Builder
	if excerpt != "" {
		sb.WriteString("Recent conversation:\n")
		sb.WriteString(excerpt)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Latest player message: ")
	sb.WriteString(userText)
	return sb.String()
}
