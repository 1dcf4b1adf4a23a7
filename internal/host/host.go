// Package host defines the contract between the engine and the chat
// application it overlays.
//
// A host delivers chat events (user messages, character messages, generation
// lifecycle, drafted speakers), exposes the transcript and character
// registry, and lets the engine synthesize messages and intercept pending
// generations. The engine never assumes exactly-once or ordered delivery;
// deduplication is the turn gate's job.
//
// Adapters live in subpackages ([discord], [remote]); [MemHost] is the
// in-process implementation used by tests and local runs.
package host

import (
	"context"
	"errors"
	"time"
)

// ErrNotConnected is returned by adapter operations invoked before the
// adapter connected to its backend or after it closed.
var ErrNotConnected = errors.New("host: not connected")

// EventKind discriminates host events.
type EventKind string

const (
	// EventUserMessage is a player-authored chat message.
	EventUserMessage EventKind = "user_message"

	// EventCharacterMessage is a character-authored chat message, including
	// messages the engine synthesized itself.
	EventCharacterMessage EventKind = "character_message"

	// EventGenerationStarted fires when the host begins drafting a reply.
	EventGenerationStarted EventKind = "generation_started"

	// EventGenerationStopped fires when a generation is aborted before
	// producing a message.
	EventGenerationStopped EventKind = "generation_stopped"

	// EventGenerationEnded fires when a generation finished and its message
	// landed in the chat.
	EventGenerationEnded EventKind = "generation_ended"

	// EventSpeakerDrafted fires when the host picks which character will
	// speak next, before the generation starts.
	EventSpeakerDrafted EventKind = "speaker_drafted"
)

// GenerationKind distinguishes the host's visible reply drafting from quiet
// background calls (summaries, bookkeeping) that must not count as story
// activity.
type GenerationKind string

const (
	GenerationNormal GenerationKind = "normal"
	GenerationQuiet  GenerationKind = "quiet"
)

// Event is a single host occurrence. Fields beyond Kind are populated per
// kind: message events carry MessageID/Author/Text, generation events carry
// Generation, speaker-drafted events carry Speaker.
type Event struct {
	Kind EventKind

	// MessageID is the host's key for the message, used for delivery dedup.
	MessageID string

	// Author is the display name of whoever produced the message.
	Author string

	// Text is the message content.
	Text string

	// Generation classifies generation lifecycle events.
	Generation GenerationKind

	// Speaker is the drafted character for EventSpeakerDrafted.
	Speaker string
}

// Message is one transcript entry.
type Message struct {
	ID       string
	Author   string
	Text     string
	FromUser bool
	SentAt   time.Time
}

// Subscription is a revocable event-bus registration. Cancel is idempotent.
type Subscription interface {
	Cancel()
}

// Bus fans host events out to subscribers. Handlers are invoked
// sequentially per event; a handler must not block for long.
type Bus interface {
	Subscribe(fn func(Event)) Subscription
}

// Chat is the transcript surface of a host.
type Chat interface {
	// Recent returns up to n transcript messages, oldest first.
	Recent(ctx context.Context, n int) ([]Message, error)

	// Synthesize appends a message attributed to the named character, as if
	// the character had spoken. The host assigns the message ID.
	Synthesize(ctx context.Context, author, text string) error

	// AbortGeneration cancels the host's pending generation, if any.
	AbortGeneration(ctx context.Context) error
}

// Characters exposes the host's character registry.
type Characters interface {
	// Characters returns the display names of all registered characters.
	Characters(ctx context.Context) ([]string, error)
}

// Interceptor is consulted by the host right before it runs a normal
// generation. Returning true means the interceptor handled the turn (for
// example by synthesizing a scripted line) and the host must not generate.
type Interceptor func(ctx context.Context, kind GenerationKind) (handled bool)

// Host is the full engine-facing surface of a chat application.
type Host interface {
	Bus
	Chat
	Characters

	// SetInterceptor installs the pre-generation hook. Passing nil removes
	// it. At most one interceptor is active at a time.
	SetInterceptor(Interceptor)

	// Name identifies the adapter in logs ("memory", "discord", "remote").
	Name() string

	// Close releases the adapter's resources. Idempotent.
	Close() error
}
