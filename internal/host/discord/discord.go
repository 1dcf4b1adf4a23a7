// Package discord implements [host.Host] over a Discord text channel.
//
// The adapter owns the discordgo session lifecycle. Gateway messages in the
// configured channel become host events: human authors are user messages,
// bot authors are character messages. After each user message the adapter
// drafts a reply in the narrator's voice through the generation provider,
// consulting the interceptor first so scripted lines can take the turn.
//
// A single bot account voices every engine line. Lines for the narrator are
// posted verbatim; lines for other characters are posted as
// "**Name:** text" so readers can tell speakers apart.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/questline/internal/host"
	"github.com/MrWong99/questline/pkg/provider/llm"
)

const (
	defaultExcerptMessages = 8
	defaultExcerptChars    = 400
	defaultReplyTokens     = 200

	// backfill is how many channel messages seed the transcript on start.
	backfill = 50

	// sentCap bounds the set of own message IDs kept for echo suppression.
	sentCap = 200
)

// Config holds the Discord adapter settings.
type Config struct {
	// Token is the bot token, without the "Bot " prefix.
	Token string

	// ChannelID is the text channel the story plays in.
	ChannelID string

	// Narrator is the display name for engine-voiced narration and the role
	// used when drafting replies.
	Narrator string
}

// Stage supplies the prompt context for reply drafting. [stage.Stage]
// satisfies it.
type Stage interface {
	SystemContext(role string) string
	PresetFloat(key string) (float64, bool)
}

// session is the slice of the discordgo API the adapter uses.
type session interface {
	Open() error
	Close() error
	AddHandler(handler any) func()
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
}

var _ session = (*discordgo.Session)(nil)

// Option configures a [Host].
type Option func(*Host)

// WithCharacters seeds the character registry beyond the narrator. Bot
// authors seen in the channel are added as they speak.
func WithCharacters(names ...string) Option {
	return func(h *Host) { h.characters = append(h.characters, names...) }
}

// WithExcerpt sets how much transcript feeds reply drafting: at most
// messages entries, each trimmed to chars runes.
func WithExcerpt(messages, chars int) Option {
	return func(h *Host) {
		if messages > 0 {
			h.excerptMessages = messages
		}
		if chars > 0 {
			h.excerptChars = chars
		}
	}
}

// WithReplyTokens caps the drafted reply length.
func WithReplyTokens(n int) Option {
	return func(h *Host) {
		if n > 0 {
			h.replyTokens = n
		}
	}
}

// Host implements [host.Host] for a Discord text channel. It is safe for
// concurrent use.
type Host struct {
	api       session
	channelID string
	narrator  string
	provider  llm.Provider
	stg       Stage

	excerptMessages int
	excerptChars    int
	replyTokens     int

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	transcript  []host.Message
	characters  []string
	subs        map[int]func(host.Event)
	nextSub     int
	interceptor host.Interceptor
	sent        map[string]struct{}
	sentOrder   []string
	genCancel   context.CancelFunc
	removers    []func()
	closed      bool

	kick      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

var _ host.Host = (*Host)(nil)

// New connects to Discord and starts the reply worker. The transcript is
// seeded with the channel's most recent messages.
func New(cfg Config, provider llm.Provider, stg Stage, opts ...Option) (*Host, error) {
	s, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentMessageContent

	h := attach(s, cfg, provider, stg, opts...)
	if err := s.Open(); err != nil {
		h.cancel()
		return nil, fmt.Errorf("discord: open session: %w", err)
	}

	h.bootstrap()
	slog.Info("discord host connected", "channel_id", cfg.ChannelID, "narrator", cfg.Narrator)
	return h, nil
}

// attach wires a Host over an already-configured session without opening
// it. Split from [New] so tests can inject a fake session.
func attach(api session, cfg Config, provider llm.Provider, stg Stage, opts ...Option) *Host {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		api:             api,
		channelID:       cfg.ChannelID,
		narrator:        cfg.Narrator,
		provider:        provider,
		stg:             stg,
		excerptMessages: defaultExcerptMessages,
		excerptChars:    defaultExcerptChars,
		replyTokens:     defaultReplyTokens,
		ctx:             ctx,
		cancel:          cancel,
		subs:            make(map[int]func(host.Event)),
		sent:            make(map[string]struct{}),
		kick:            make(chan struct{}, 1),
	}
	if h.narrator != "" {
		h.characters = append(h.characters, h.narrator)
	}
	for _, o := range opts {
		o(h)
	}

	h.removers = append(h.removers, api.AddHandler(h.onMessageCreate))
	go h.replyWorker()
	return h
}

// bootstrap seeds transcript and character registry from channel history.
// Failure degrades to an empty transcript.
func (h *Host) bootstrap() {
	msgs, err := h.api.ChannelMessages(h.channelID, backfill, "", "", "")
	if err != nil {
		slog.Warn("discord transcript backfill failed", "error", err)
		return
	}

	h.mu.Lock()
	// Discord returns newest first.
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Author == nil {
			continue
		}
		h.transcript = append(h.transcript, host.Message{
			ID:       m.ID,
			Author:   m.Author.Username,
			Text:     m.Content,
			FromUser: !m.Author.Bot,
			SentAt:   m.Timestamp,
		})
		if m.Author.Bot {
			h.addCharacterLocked(m.Author.Username)
		}
	}
	n := len(h.transcript)
	h.mu.Unlock()

	slog.Debug("discord transcript seeded", "messages", n)
}

// ─────────────────────────────────────────────────────────────────────────────
// Gateway events
// ─────────────────────────────────────────────────────────────────────────────

func (h *Host) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.ChannelID != h.channelID || m.Author == nil {
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	if _, own := h.sent[m.ID]; own {
		// Echo of a message this adapter posted and already emitted.
		h.mu.Unlock()
		return
	}
	msg := host.Message{
		ID:       m.ID,
		Author:   m.Author.Username,
		Text:     m.Content,
		FromUser: !m.Author.Bot,
		SentAt:   m.Timestamp,
	}
	h.transcript = append(h.transcript, msg)
	if m.Author.Bot {
		h.addCharacterLocked(m.Author.Username)
	}
	h.mu.Unlock()

	if msg.FromUser {
		h.emit(host.Event{Kind: host.EventUserMessage, MessageID: msg.ID, Author: msg.Author, Text: msg.Text})
		select {
		case h.kick <- struct{}{}:
		default:
		}
		return
	}
	h.emit(host.Event{Kind: host.EventCharacterMessage, MessageID: msg.ID, Author: msg.Author, Text: msg.Text})
}

// ─────────────────────────────────────────────────────────────────────────────
// Reply drafting
// ─────────────────────────────────────────────────────────────────────────────

func (h *Host) replyWorker() {
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-h.kick:
			h.reply()
		}
	}
}

// reply drafts one narrator turn: speaker-drafted and generation-started
// events, interceptor consult, then the provider call. Failures and
// interceptions end as generation-stopped; a posted reply ends as
// character-message plus generation-ended.
func (h *Host) reply() {
	ctx, cancel := context.WithCancel(h.ctx)
	h.mu.Lock()
	h.genCancel = cancel
	icept := h.interceptor
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.genCancel = nil
		h.mu.Unlock()
		cancel()
	}()

	h.emit(host.Event{Kind: host.EventSpeakerDrafted, Speaker: h.narrator})
	h.emit(host.Event{Kind: host.EventGenerationStarted, Generation: host.GenerationNormal})

	if icept != nil && icept(ctx, host.GenerationNormal) {
		h.emit(host.Event{Kind: host.EventGenerationStopped, Generation: host.GenerationNormal})
		return
	}

	if err := h.api.ChannelTyping(h.channelID); err != nil {
		slog.Debug("discord typing indicator failed", "error", err)
	}

	text, err := h.generate(ctx)
	if err != nil || strings.TrimSpace(text) == "" {
		if err != nil {
			slog.Warn("discord reply generation failed", "error", err)
		}
		h.emit(host.Event{Kind: host.EventGenerationStopped, Generation: host.GenerationNormal})
		return
	}

	if err := h.post(h.narrator, text, host.GenerationNormal); err != nil {
		slog.Warn("discord reply post failed", "error", err)
		h.emit(host.Event{Kind: host.EventGenerationStopped, Generation: host.GenerationNormal})
	}
}

// generate drafts the narrator's next message from the stage context and a
// transcript excerpt.
func (h *Host) generate(ctx context.Context) (string, error) {
	req := llm.CompletionRequest{
		SystemPrompt: h.stg.SystemContext(h.narrator),
		Messages: []llm.Message{{
			Role:    "user",
			Content: buildReplyPrompt(h.narrator, h.excerpt(ctx)),
		}},
		MaxTokens: h.replyTokens,
	}
	if temp, ok := h.stg.PresetFloat("temperature"); ok {
		req.Temperature = temp
		req.TemperatureSet = true
	}

	resp, err := h.provider.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("discord: draft reply: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

func buildReplyPrompt(narrator, excerpt string) string {
	var b strings.Builder
	if excerpt != "" {
		b.WriteString("Recent conversation:\n")
		b.WriteString(excerpt)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Write %s's next message. Respond with the message only, no name prefix.", narrator)
	return b.String()
}

// excerpt renders the most recent transcript messages as "speaker: text"
// lines. A transcript read failure degrades to an empty excerpt.
func (h *Host) excerpt(ctx context.Context) string {
	msgs, err := h.Recent(ctx, h.excerptMessages)
	if err != nil {
		slog.Warn("discord transcript read failed, drafting without excerpt", "error", err)
		return ""
	}
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		text := m.Text
		if runes := []rune(text); len(runes) > h.excerptChars {
			text = string(runes[:h.excerptChars])
		}
		lines = append(lines, m.Author+": "+text)
	}
	return strings.Join(lines, "\n")
}

// post sends a line to the channel as author, records the echo suppression
// ID, appends the transcript, and emits the message events. kind selects
// whether a generation-ended event follows.
func (h *Host) post(author, text string, kind host.GenerationKind) error {
	content := text
	if author != h.narrator {
		content = "**" + author + ":** " + text
	}

	sent, err := h.api.ChannelMessageSend(h.channelID, content)
	if err != nil {
		return fmt.Errorf("discord: send as %q: %w", author, err)
	}

	h.mu.Lock()
	h.markSentLocked(sent.ID)
	h.transcript = append(h.transcript, host.Message{
		ID:     sent.ID,
		Author: author,
		Text:   text,
		SentAt: time.Now(),
	})
	h.mu.Unlock()

	h.emit(host.Event{Kind: host.EventCharacterMessage, MessageID: sent.ID, Author: author, Text: text})
	if kind != "" {
		h.emit(host.Event{Kind: host.EventGenerationEnded, Generation: kind})
	}
	return nil
}

// markSentLocked records an own message ID, trimming the set past sentCap.
func (h *Host) markSentLocked(id string) {
	h.sent[id] = struct{}{}
	h.sentOrder = append(h.sentOrder, id)
	if len(h.sentOrder) > sentCap {
		delete(h.sent, h.sentOrder[0])
		h.sentOrder = h.sentOrder[1:]
	}
}

func (h *Host) addCharacterLocked(name string) {
	if name != "" && !slices.Contains(h.characters, name) {
		h.characters = append(h.characters, name)
	}
}

// emit calls every subscriber outside the lock, in registration order.
func (h *Host) emit(ev host.Event) {
	h.mu.Lock()
	fns := make([]func(host.Event), 0, len(h.subs))
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

// ─────────────────────────────────────────────────────────────────────────────
// host.Host surface
// ─────────────────────────────────────────────────────────────────────────────

type hostSub struct {
	h    *Host
	id   int
	once sync.Once
}

func (s *hostSub) Cancel() {
	s.once.Do(func() {
		s.h.mu.Lock()
		delete(s.h.subs, s.id)
		s.h.mu.Unlock()
	})
}

// Subscribe implements [host.Bus].
func (h *Host) Subscribe(fn func(host.Event)) host.Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextSub
	h.nextSub++
	h.subs[id] = fn
	return &hostSub{h: h, id: id}
}

// Recent implements [host.Chat].
func (h *Host) Recent(_ context.Context, n int) ([]host.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, host.ErrNotConnected
	}
	if n <= 0 || n > len(h.transcript) {
		n = len(h.transcript)
	}
	out := make([]host.Message, n)
	copy(out, h.transcript[len(h.transcript)-n:])
	return out, nil
}

// Synthesize implements [host.Chat].
func (h *Host) Synthesize(_ context.Context, author, text string) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return host.ErrNotConnected
	}
	return h.post(author, text, "")
}

// AbortGeneration implements [host.Chat]. The in-flight draft, if any, is
// cancelled; the stopped event comes from the aborted reply itself.
func (h *Host) AbortGeneration(context.Context) error {
	h.mu.Lock()
	cancel := h.genCancel
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return host.ErrNotConnected
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

// Characters implements [host.Characters].
func (h *Host) Characters(context.Context) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, host.ErrNotConnected
	}
	out := make([]string, len(h.characters))
	copy(out, h.characters)
	return out, nil
}

// SetInterceptor implements [host.Host].
func (h *Host) SetInterceptor(fn host.Interceptor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.interceptor = fn
}

// Name implements [host.Host].
func (h *Host) Name() string { return "discord" }

// Close implements [host.Host]. Idempotent.
func (h *Host) Close() error {
	h.closeOnce.Do(func() {
		h.cancel()

		h.mu.Lock()
		h.closed = true
		removers := h.removers
		h.removers = nil
		h.subs = make(map[int]func(host.Event))
		h.mu.Unlock()

		for _, remove := range removers {
			remove()
		}
		if err := h.api.Close(); err != nil {
			h.closeErr = fmt.Errorf("discord: close session: %w", err)
		}
		slog.Info("discord host closed")
	})
	return h.closeErr
}
