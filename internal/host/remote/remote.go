// Package remote exposes the engine's host contract over a websocket so an
// external chat front-end (a browser overlay, a desktop client) can act as
// the chat surface.
//
// The [Bridge] listens on a TCP address and accepts websocket clients on
// GET /ws. Frames are JSON objects with a "type" discriminator.
//
// Client to bridge:
//
//	{"type":"hello","characters":["Vex","Mara"]}
//	{"type":"user_message","id":"...","author":"Player","text":"..."}
//	{"type":"character_message","id":"...","author":"Vex","text":"..."}
//	{"type":"generation_intent","kind":"normal"}
//	{"type":"generation_stopped","kind":"normal"}
//	{"type":"generation_ended","kind":"normal"}
//	{"type":"speaker_drafted","speaker":"Vex"}
//
// Bridge to client:
//
//	{"type":"message","id":"...","author":"...","text":"...","from_user":true}
//	{"type":"generation_go"} / {"type":"generation_handled"}
//	{"type":"abort"}
//
// A client announcing a normal generation_intent must wait for the bridge's
// answer: generation_go means draft the reply as usual, generation_handled
// means the engine took the turn (a scripted line was synthesized) and the
// client must not generate. Every transcript append, including messages the
// engine synthesizes, is broadcast to all connected clients as a "message"
// frame, so overlays stay in sync and the sender learns the assigned ID.
//
// Message IDs supplied by clients are kept; empty IDs get a generated one.
// A frame whose ID already sits in the transcript is re-emitted to the
// engine without a second append, so at-least-once client delivery behaves
// like [host.MemHost.Redeliver].
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/questline/internal/host"
)

const (
	// transcriptCap bounds the in-memory transcript; older entries are
	// dropped once exceeded.
	transcriptCap = 500

	// writeTimeout bounds a single frame write so one stalled client cannot
	// block broadcasts to the rest.
	writeTimeout = 10 * time.Second
)

// frame is the wire envelope for both directions.
type frame struct {
	Type       string   `json:"type"`
	ID         string   `json:"id,omitempty"`
	Author     string   `json:"author,omitempty"`
	Text       string   `json:"text,omitempty"`
	Kind       string   `json:"kind,omitempty"`
	Speaker    string   `json:"speaker,omitempty"`
	FromUser   bool     `json:"from_user,omitempty"`
	Characters []string `json:"characters,omitempty"`
}

// Option configures a [Bridge].
type Option func(*Bridge)

// WithCharacters seeds the character registry. Clients extend it with hello
// frames.
func WithCharacters(names ...string) Option {
	return func(b *Bridge) { b.characters = append(b.characters, names...) }
}

// Bridge implements [host.Host] backed by websocket clients. It is safe for
// concurrent use.
type Bridge struct {
	ln  net.Listener
	srv *http.Server

	mu          sync.Mutex
	transcript  []host.Message
	characters  []string
	subs        map[int]func(host.Event)
	nextSub     int
	interceptor host.Interceptor
	clients     map[*client]struct{}
	closed      bool
}

var _ host.Host = (*Bridge)(nil)

// New binds addr and starts serving websocket clients. The returned Bridge
// is immediately usable as a [host.Host]; use [Bridge.Addr] to discover the
// bound address when addr holds port 0.
func New(addr string, opts ...Option) (*Bridge, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("remote: listen %q: %w", addr, err)
	}

	b := &Bridge{
		ln:      ln,
		subs:    make(map[int]func(host.Event)),
		clients: make(map[*client]struct{}),
	}
	for _, o := range opts {
		o(b)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", b.accept)
	b.srv = &http.Server{Handler: mux}

	go func() {
		if err := b.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("remote bridge: serve failed", "error", err)
		}
	}()

	slog.Info("remote bridge listening", "addr", ln.Addr().String())
	return b, nil
}

// Addr returns the bound listen address.
func (b *Bridge) Addr() string { return b.ln.Addr().String() }

// client is one connected websocket peer.
type client struct {
	conn *websocket.Conn

	// wmu serializes writes so broadcast order is preserved per client.
	wmu sync.Mutex
}

func (c *client) send(ctx context.Context, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("remote: marshal frame: %w", err)
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.Write(wctx, websocket.MessageText, data)
}

// accept upgrades the request and runs the client's read loop until the
// connection drops.
func (b *Bridge) accept(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Overlays load from arbitrary origins (OBS browser sources, local
		// files), so the origin check stays open.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Warn("remote bridge: accept failed", "error", err)
		return
	}

	c := &client{conn: conn}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "bridge closed")
		return
	}
	b.clients[c] = struct{}{}
	n := len(b.clients)
	b.mu.Unlock()

	slog.Info("remote client connected", "remote_addr", r.RemoteAddr, "clients", n)
	b.readLoop(r.Context(), c)

	b.mu.Lock()
	delete(b.clients, c)
	n = len(b.clients)
	b.mu.Unlock()

	conn.Close(websocket.StatusNormalClosure, "done")
	slog.Info("remote client disconnected", "remote_addr", r.RemoteAddr, "clients", n)
}

func (b *Bridge) readLoop(ctx context.Context, c *client) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Debug("remote bridge: dropping malformed frame", "error", err)
			continue
		}
		b.handleFrame(ctx, c, f)
	}
}

func (b *Bridge) handleFrame(ctx context.Context, c *client, f frame) {
	switch f.Type {
	case "hello":
		b.addCharacters(f.Characters)

	case "user_message":
		b.ingest(ctx, f, true)

	case "character_message":
		b.ingest(ctx, f, false)

	case "generation_intent":
		b.generationIntent(ctx, c, generationKind(f.Kind))

	case "generation_stopped":
		b.emit(host.Event{Kind: host.EventGenerationStopped, Generation: generationKind(f.Kind)})

	case "generation_ended":
		b.emit(host.Event{Kind: host.EventGenerationEnded, Generation: generationKind(f.Kind)})

	case "speaker_drafted":
		b.emit(host.Event{Kind: host.EventSpeakerDrafted, Speaker: f.Speaker})

	default:
		slog.Debug("remote bridge: ignoring unknown frame type", "type", f.Type)
	}
}

func generationKind(s string) host.GenerationKind {
	if s == string(host.GenerationQuiet) {
		return host.GenerationQuiet
	}
	return host.GenerationNormal
}

// ingest appends a client-delivered message, broadcasts it, and emits the
// bus event. Known IDs skip the append so redelivery only re-emits.
func (b *Bridge) ingest(ctx context.Context, f frame, fromUser bool) {
	kind := host.EventCharacterMessage
	if fromUser {
		kind = host.EventUserMessage
	}

	msg := host.Message{
		ID:       f.ID,
		Author:   f.Author,
		Text:     f.Text,
		FromUser: fromUser,
		SentAt:   time.Now(),
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	known := slices.ContainsFunc(b.transcript, func(m host.Message) bool {
		return m.ID == msg.ID
	})
	if !known {
		b.append(msg)
	}
	b.mu.Unlock()

	if !known {
		b.broadcast(ctx, frame{
			Type: "message", ID: msg.ID, Author: msg.Author, Text: msg.Text, FromUser: fromUser,
		})
	}
	b.emit(host.Event{Kind: kind, MessageID: msg.ID, Author: msg.Author, Text: msg.Text})
}

// generationIntent mirrors [host.MemHost.BeginGeneration] over the wire:
// started event, interceptor consult for normal kinds, then the verdict
// frame back to the announcing client.
func (b *Bridge) generationIntent(ctx context.Context, c *client, kind host.GenerationKind) {
	b.emit(host.Event{Kind: host.EventGenerationStarted, Generation: kind})

	b.mu.Lock()
	icept := b.interceptor
	b.mu.Unlock()

	if kind == host.GenerationNormal && icept != nil && icept(ctx, kind) {
		b.emit(host.Event{Kind: host.EventGenerationStopped, Generation: kind})
		if err := c.send(ctx, frame{Type: "generation_handled"}); err != nil {
			slog.Warn("remote bridge: verdict write failed", "error", err)
		}
		return
	}
	if err := c.send(ctx, frame{Type: "generation_go"}); err != nil {
		slog.Warn("remote bridge: verdict write failed", "error", err)
	}
}

// append adds to the transcript under b.mu, trimming past the cap.
func (b *Bridge) append(msg host.Message) {
	b.transcript = append(b.transcript, msg)
	if over := len(b.transcript) - transcriptCap; over > 0 {
		b.transcript = slices.Delete(b.transcript, 0, over)
	}
}

func (b *Bridge) addCharacters(names []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, n := range names {
		if n != "" && !slices.Contains(b.characters, n) {
			b.characters = append(b.characters, n)
		}
	}
}

// emit calls every subscriber outside the lock, in registration order.
func (b *Bridge) emit(ev host.Event) {
	b.mu.Lock()
	fns := make([]func(host.Event), 0, len(b.subs))
	for id := 0; id < b.nextSub; id++ {
		if fn, ok := b.subs[id]; ok {
			fns = append(fns, fn)
		}
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// broadcast writes a frame to every connected client.
func (b *Bridge) broadcast(ctx context.Context, f frame) {
	b.mu.Lock()
	targets := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		targets = append(targets, c)
	}
	b.mu.Unlock()

	for _, c := range targets {
		if err := c.send(ctx, f); err != nil {
			slog.Debug("remote bridge: broadcast write failed", "error", err)
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// host.Host surface
// ─────────────────────────────────────────────────────────────────────────────

type bridgeSub struct {
	b    *Bridge
	id   int
	once sync.Once
}

func (s *bridgeSub) Cancel() {
	s.once.Do(func() {
		s.b.mu.Lock()
		delete(s.b.subs, s.id)
		s.b.mu.Unlock()
	})
}

// Subscribe implements [host.Bus].
func (b *Bridge) Subscribe(fn func(host.Event)) host.Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = fn
	return &bridgeSub{b: b, id: id}
}

// Recent implements [host.Chat].
func (b *Bridge) Recent(_ context.Context, n int) ([]host.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, host.ErrNotConnected
	}
	if n <= 0 || n > len(b.transcript) {
		n = len(b.transcript)
	}
	out := make([]host.Message, n)
	copy(out, b.transcript[len(b.transcript)-n:])
	return out, nil
}

// Synthesize implements [host.Chat]. The message is appended, broadcast to
// every client, and emitted as a character-message event.
func (b *Bridge) Synthesize(ctx context.Context, author, text string) error {
	msg := host.Message{
		ID:     uuid.NewString(),
		Author: author,
		Text:   text,
		SentAt: time.Now(),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return host.ErrNotConnected
	}
	b.append(msg)
	b.mu.Unlock()

	b.broadcast(ctx, frame{Type: "message", ID: msg.ID, Author: author, Text: text})
	b.emit(host.Event{Kind: host.EventCharacterMessage, MessageID: msg.ID, Author: author, Text: text})
	return nil
}

// AbortGeneration implements [host.Chat]. Every client is told to cancel
// its pending generation.
func (b *Bridge) AbortGeneration(ctx context.Context) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return host.ErrNotConnected
	}

	b.broadcast(ctx, frame{Type: "abort"})
	b.emit(host.Event{Kind: host.EventGenerationStopped, Generation: host.GenerationNormal})
	return nil
}

// Characters implements [host.Characters].
func (b *Bridge) Characters(context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, host.ErrNotConnected
	}
	out := make([]string, len(b.characters))
	copy(out, b.characters)
	return out, nil
}

// SetInterceptor implements [host.Host].
func (b *Bridge) SetInterceptor(fn host.Interceptor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.interceptor = fn
}

// Name implements [host.Host].
func (b *Bridge) Name() string { return "remote" }

// Close implements [host.Host]. Connected clients are told the bridge is
// going away; subsequent chat operations return [host.ErrNotConnected].
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.clients = make(map[*client]struct{})
	b.subs = make(map[int]func(host.Event))
	b.mu.Unlock()

	for _, c := range clients {
		c.conn.Close(websocket.StatusGoingAway, "bridge closed")
	}
	return b.srv.Close()
}
