package host

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemHost is an in-process host backed by a slice transcript. It backs unit
// tests and the local REPL mode, and is the reference implementation of the
// [Host] contract: events fire synchronously on the calling goroutine, in
// the order the methods are invoked.
type MemHost struct {
	mu          sync.Mutex
	transcript  []Message
	characters  []string
	subs        map[int]func(Event)
	nextSub     int
	interceptor Interceptor
	aborts      int
	closed      bool
}

// NewMemHost returns a MemHost with the given character registry.
func NewMemHost(characters ...string) *MemHost {
	return &MemHost{
		characters: characters,
		subs:       make(map[int]func(Event)),
	}
}

type memSub struct {
	h    *MemHost
	id   int
	once sync.Once
}

func (s *memSub) Cancel() {
	s.once.Do(func() {
		s.h.mu.Lock()
		delete(s.h.subs, s.id)
		s.h.mu.Unlock()
	})
}

// Subscribe implements [Bus].
func (h *MemHost) Subscribe(fn func(Event)) Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextSub
	h.nextSub++
	h.subs[id] = fn
	return &memSub{h: h, id: id}
}

// emit calls every subscriber outside the lock, in registration order.
func (h *MemHost) emit(ev Event) {
	h.mu.Lock()
	fns := make([]func(Event), 0, len(h.subs))
	for id := 0; id < h.nextSub; id++ {
		if fn, ok := h.subs[id]; ok {
			fns = append(fns, fn)
		}
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// PostUser appends a player message to the transcript and emits a
// user-message event. It returns the assigned message ID.
func (h *MemHost) PostUser(author, text string) string {
	msg := Message{
		ID:       uuid.NewString(),
		Author:   author,
		Text:     text,
		FromUser: true,
		SentAt:   time.Now(),
	}
	h.mu.Lock()
	h.transcript = append(h.transcript, msg)
	h.mu.Unlock()

	h.emit(Event{Kind: EventUserMessage, MessageID: msg.ID, Author: author, Text: text})
	return msg.ID
}

// Redeliver re-emits a user-message event for an existing message without
// touching the transcript, simulating at-least-once delivery.
func (h *MemHost) Redeliver(messageID string) {
	h.mu.Lock()
	var found *Message
	for i := range h.transcript {
		if h.transcript[i].ID == messageID {
			found = &h.transcript[i]
			break
		}
	}
	h.mu.Unlock()
	if found == nil {
		return
	}
	h.emit(Event{Kind: EventUserMessage, MessageID: found.ID, Author: found.Author, Text: found.Text})
}

// PostCharacter appends a character message and emits a character-message
// event.
func (h *MemHost) PostCharacter(author, text string) string {
	msg := Message{
		ID:     uuid.NewString(),
		Author: author,
		Text:   text,
		SentAt: time.Now(),
	}
	h.mu.Lock()
	h.transcript = append(h.transcript, msg)
	h.mu.Unlock()

	h.emit(Event{Kind: EventCharacterMessage, MessageID: msg.ID, Author: author, Text: text})
	return msg.ID
}

// DraftSpeaker emits a speaker-drafted event for the named character.
func (h *MemHost) DraftSpeaker(name string) {
	h.emit(Event{Kind: EventSpeakerDrafted, Speaker: name})
}

// BeginGeneration emits a generation-started event and consults the
// interceptor for normal generations. When the interceptor handles the turn
// the generation is treated as stopped and true is returned; the caller must
// not produce a reply.
func (h *MemHost) BeginGeneration(ctx context.Context, kind GenerationKind) (intercepted bool) {
	h.emit(Event{Kind: EventGenerationStarted, Generation: kind})

	h.mu.Lock()
	icept := h.interceptor
	h.mu.Unlock()

	if kind == GenerationNormal && icept != nil && icept(ctx, kind) {
		h.emit(Event{Kind: EventGenerationStopped, Generation: kind})
		return true
	}
	return false
}

// FinishGeneration appends the generated reply and emits character-message
// and generation-ended events.
func (h *MemHost) FinishGeneration(author, text string, kind GenerationKind) string {
	id := h.PostCharacter(author, text)
	h.emit(Event{Kind: EventGenerationEnded, Generation: kind})
	return id
}

// Recent implements [Chat].
func (h *MemHost) Recent(_ context.Context, n int) ([]Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrNotConnected
	}
	if n <= 0 || n > len(h.transcript) {
		n = len(h.transcript)
	}
	out := make([]Message, n)
	copy(out, h.transcript[len(h.transcript)-n:])
	return out, nil
}

// Synthesize implements [Chat]. The synthesized message emits a
// character-message event like any other character line.
func (h *MemHost) Synthesize(_ context.Context, author, text string) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return ErrNotConnected
	}
	h.PostCharacter(author, text)
	return nil
}

// AbortGeneration implements [Chat]. MemHost has no real pending generation;
// the call is counted and a generation-stopped event is emitted.
func (h *MemHost) AbortGeneration(context.Context) error {
	h.mu.Lock()
	h.aborts++
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return ErrNotConnected
	}
	h.emit(Event{Kind: EventGenerationStopped, Generation: GenerationNormal})
	return nil
}

// Aborts returns how often AbortGeneration was called.
func (h *MemHost) Aborts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.aborts
}

// Characters implements [Characters].
func (h *MemHost) Characters(context.Context) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrNotConnected
	}
	out := make([]string, len(h.characters))
	copy(out, h.characters)
	return out, nil
}

// AddCharacter registers an additional character name.
func (h *MemHost) AddCharacter(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.characters = append(h.characters, name)
}

// SetInterceptor implements [Host].
func (h *MemHost) SetInterceptor(fn Interceptor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.interceptor = fn
}

// Name implements [Host].
func (h *MemHost) Name() string { return "memory" }

// Close implements [Host]. Subscriptions are dropped; subsequent chat
// operations return [ErrNotConnected].
func (h *MemHost) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.subs = make(map[int]func(Event))
	return nil
}

var _ Host = (*MemHost)(nil)
