// Package app wires all Questline subsystems into a running engine.
//
// The App struct owns the full lifecycle: New creates and connects every
// subsystem in dependency order, Run starts the background loops and blocks
// until the context is cancelled, and Shutdown tears everything down.
//
// For testing, inject doubles via functional options (WithGraph, WithStore,
// WithHost, WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/questline/internal/arbiter"
	"github.com/MrWong99/questline/internal/config"
	"github.com/MrWong99/questline/internal/cue"
	"github.com/MrWong99/questline/internal/director"
	"github.com/MrWong99/questline/internal/health"
	"github.com/MrWong99/questline/internal/host"
	"github.com/MrWong99/questline/internal/host/discord"
	"github.com/MrWong99/questline/internal/host/remote"
	"github.com/MrWong99/questline/internal/mcp"
	"github.com/MrWong99/questline/internal/observe"
	"github.com/MrWong99/questline/internal/resilience"
	"github.com/MrWong99/questline/internal/session"
	"github.com/MrWong99/questline/internal/snapshot"
	"github.com/MrWong99/questline/internal/snapshot/postgres"
	"github.com/MrWong99/questline/internal/snapshot/sqlite"
	"github.com/MrWong99/questline/internal/stage"
	"github.com/MrWong99/questline/internal/story"
	"github.com/MrWong99/questline/pkg/provider/llm"
)

// Providers holds the generation backends built by main.go via the config
// registry: the primary plus any fallbacks, in failover order.
type Providers struct {
	Primary   resilience.Backend
	Fallbacks []resilience.Backend
}

// App owns all subsystem lifetimes for one engine process.
type App struct {
	cfg *config.Config

	metrics  *observe.Metrics
	tel      *telemetry
	graph    *story.Graph
	store    snapshot.Store
	failover *resilience.Failover
	stg      *stage.Stage
	chat     host.Host
	arb      *arbiter.Arbiter
	dir      *director.Director
	cues     *cue.Service
	manager  *session.Manager
	control  *mcp.Server
	srv      *http.Server

	// closers release resources created by New, in construction order.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithGraph injects a compiled story instead of loading one from
// story.path.
func WithGraph(g *story.Graph) Option {
	return func(a *App) { a.graph = g }
}

// WithStore injects a snapshot store instead of creating one from config.
func WithStore(s snapshot.Store) Option {
	return func(a *App) { a.store = s }
}

// WithHost injects a chat host instead of creating one from config.
func WithHost(h host.Host) Option {
	return func(a *App) { a.chat = h }
}

// WithMetrics injects a metrics instance instead of using the global one.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option
// functions to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: story compilation, snapshot
// store connection, the provider failover chain, the chat host, the turn
// engine, the control surface, and session activation (restore or fresh
// start). A returned App is live: the host is connected and turns count.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Observability ─────────────────────────────────────────────────
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.tel = newTelemetry(a.metrics)

	// ── 2. Story ─────────────────────────────────────────────────────────
	if err := a.initStory(); err != nil {
		return nil, fmt.Errorf("app: init story: %w", err)
	}

	// ── 3. Snapshot store ────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init snapshot store: %w", err)
	}

	// ── 4. Generation providers ──────────────────────────────────────────
	if err := a.initProvider(providers); err != nil {
		return nil, fmt.Errorf("app: init provider: %w", err)
	}

	// ── 5. Stage ─────────────────────────────────────────────────────────
	var stageOpts []stage.Option
	if cfg.Story.LoreBudget > 0 {
		stageOpts = append(stageOpts, stage.WithLoreBudget(cfg.Story.LoreBudget))
	}
	a.stg = stage.New(a.graph, stageOpts...)

	// ── 6. Chat host ─────────────────────────────────────────────────────
	if err := a.initHost(); err != nil {
		return nil, fmt.Errorf("app: init host: %w", err)
	}

	// ── 7. Turn engine ───────────────────────────────────────────────────
	a.initEngine()

	// ── 8. Control surface ───────────────────────────────────────────────
	a.control = mcp.New(a.graph, a.dir, a.cues)

	// ── 9. HTTP server ───────────────────────────────────────────────────
	a.initServer()

	// ── 10. Session activation ───────────────────────────────────────────
	if err := a.activate(ctx); err != nil {
		return nil, fmt.Errorf("app: activate session: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStory loads and compiles the story definition.
func (a *App) initStory() error {
	if a.graph != nil {
		return nil
	}
	g, err := story.Load(a.cfg.Story.Path)
	if err != nil {
		return err
	}
	a.graph = g
	slog.Info("story compiled",
		"story", g.Name(),
		"checkpoints", g.Len(),
		"cues", len(g.Cues()),
	)
	return nil
}

// initStore opens the snapshot backend named in the config.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	switch a.cfg.Session.Store {
	case config.StoreSQLite:
		st, err := sqlite.Open(a.cfg.Session.SQLitePath)
		if err != nil {
			return err
		}
		a.store = st
		a.closers = append(a.closers, st.Close)
	case config.StorePostgres:
		st, err := postgres.New(ctx, a.cfg.Session.PostgresDSN)
		if err != nil {
			return err
		}
		a.store = st
		a.closers = append(a.closers, st.Close)
	default:
		a.store = snapshot.NewMemStore()
	}
	slog.Info("snapshot store ready", "kind", a.cfg.Session.Store)
	return nil
}

// initProvider assembles the generation chain: each backend is instrumented
// and rate limited individually, then the failover fronts them all.
func (a *App) initProvider(providers *Providers) error {
	if providers == nil || providers.Primary.Provider == nil {
		return errors.New("no primary generation backend")
	}

	backends := make([]resilience.Backend, 0, 1+len(providers.Fallbacks))
	backends = append(backends, a.wrapBackend(providers.Primary))
	for _, b := range providers.Fallbacks {
		backends = append(backends, a.wrapBackend(b))
	}

	f, err := resilience.NewFailover(breakerConfig(a.cfg.Provider.Breaker), backends...)
	if err != nil {
		return err
	}
	a.failover = f
	slog.Info("generation chain ready",
		"primary", providers.Primary.Name,
		"fallbacks", len(providers.Fallbacks),
		"rate_limit", a.cfg.Provider.RateLimit,
	)
	return nil
}

// wrapBackend instruments a backend and applies the configured rate limit.
// The metrics wrapper sits innermost so recorded latency covers the API
// call, not the limiter wait.
func (a *App) wrapBackend(b resilience.Backend) resilience.Backend {
	p := observe.WrapProvider(b.Name, b.Provider, a.metrics)
	if rps := a.cfg.Provider.RateLimit; rps > 0 {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		p = llm.NewRateLimited(p, rps, burst)
	}
	return resilience.Backend{Name: b.Name, Provider: p}
}

// initHost attaches the chat host named in the config.
func (a *App) initHost() error {
	if a.chat != nil {
		return nil
	}
	switch a.cfg.Host.Kind {
	case config.HostDiscord:
		h, err := discord.New(discord.Config{
			Token:     a.cfg.Host.Discord.Token,
			ChannelID: a.cfg.Host.Discord.ChannelID,
			Narrator:  a.cfg.Host.Discord.Narrator,
		}, a.failover, a.stg, a.discordOptions()...)
		if err != nil {
			return err
		}
		a.chat = h
	case config.HostRemote:
		b, err := remote.New(a.cfg.Host.Remote.ListenAddr,
			remote.WithCharacters(a.roleCharacters()...))
		if err != nil {
			return err
		}
		a.chat = b
	default:
		a.chat = host.NewMemHost(a.roleCharacters()...)
	}
	slog.Info("chat host attached", "host", a.chat.Name())
	return nil
}

// initEngine builds the arbiter, director, and cue service over the graph,
// stage, and host.
func (a *App) initEngine() {
	var arbOpts []arbiter.Option
	if c := a.cfg.Arbiter; c.ExcerptMessages > 0 || c.ExcerptChars > 0 {
		arbOpts = append(arbOpts, arbiter.WithExcerpt(c.ExcerptMessages, c.ExcerptChars))
	}
	if a.cfg.Arbiter.MaxTokens > 0 {
		arbOpts = append(arbOpts, arbiter.WithMaxTokens(a.cfg.Arbiter.MaxTokens))
	}
	a.arb = arbiter.New(a.failover, a.chat, arbOpts...)

	var dirOpts []director.Option
	if a.cfg.Story.IntervalTurns > 0 {
		dirOpts = append(dirOpts, director.WithIntervalTurns(a.cfg.Story.IntervalTurns))
	}
	a.dir = director.New(a.graph, a.arb, a.stg, a.chat, dirOpts...)

	cueOpts := []cue.Option{cue.WithMetrics(a.metrics)}
	if c := a.cfg.Cues; c.ExcerptMessages > 0 || c.ExcerptChars > 0 {
		cueOpts = append(cueOpts, cue.WithExcerpt(c.ExcerptMessages, c.ExcerptChars))
	}
	if a.cfg.Cues.ReplyTokens > 0 {
		cueOpts = append(cueOpts, cue.WithReplyTokens(a.cfg.Cues.ReplyTokens))
	}
	a.cues = cue.New(a.graph, a.dir, a.stg, a.chat, a.failover, cueOpts...)
}

// initServer builds the HTTP mux when a listen address is configured:
// health endpoints, Prometheus metrics, and the MCP control surface, all
// behind the tracing middleware.
func (a *App) initServer() {
	if a.cfg.Server.ListenAddr == "" {
		return
	}

	mux := http.NewServeMux()
	health.New(
		health.StoryLoaded(a.graph),
		health.HostConnected(a.chat),
		health.ProviderAvailable(a.failover),
		health.StoreReachable(a.store),
	).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("/mcp", a.control.Handler())

	a.srv = &http.Server{
		Addr:    a.cfg.Server.ListenAddr,
		Handler: observe.Middleware(a.metrics)(mux),
	}
}

// activate starts the session: telemetry and cues are registered, the
// director activates the start checkpoint, and the manager restores any
// saved snapshot. Cues attach before Init on a fresh session and after
// restore on a resumed one; the opening enter moment fires exactly once
// either way.
func (a *App) activate(ctx context.Context) error {
	interval := time.Duration(a.cfg.Session.AutosaveSeconds) * time.Second
	mgr, err := session.NewManager(session.ManagerConfig{
		Store:     a.store,
		Director:  a.dir,
		Stage:     a.stg,
		Cues:      a.cues,
		Story:     a.graph.Name(),
		SessionID: a.cfg.Session.ID,
		Interval:  interval,
		Metrics:   a.metrics,
	})
	if err != nil {
		return err
	}
	a.manager = mgr

	a.dir.AddListener(a.tel)
	a.chat.Subscribe(a.tel.observeEvent)

	fresh := a.freshSession(ctx)
	if fresh {
		a.dir.AddListener(a.cues)
		a.cues.Attach()
	}
	if err := a.dir.Init(); err != nil {
		return err
	}
	if err := a.manager.Start(ctx); err != nil {
		return err
	}
	if !fresh {
		a.dir.AddListener(a.cues)
		a.cues.Attach()
	}
	return nil
}

// freshSession reports whether no snapshot exists for the configured
// session ID. Store errors are left for the manager to surface.
func (a *App) freshSession(ctx context.Context) bool {
	_, err := a.store.Load(ctx, a.cfg.Session.ID)
	return errors.Is(err, snapshot.ErrNotFound)
}

// roleCharacters lists the character names declared by the story's roles.
func (a *App) roleCharacters() []string {
	roles := a.graph.Roles()
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, r.Character)
	}
	return names
}

// discordOptions maps the cue tuning block onto the Discord host's reply
// drafting, which follows the same excerpt-and-budget shape.
func (a *App) discordOptions() []discord.Option {
	opts := []discord.Option{discord.WithCharacters(a.roleCharacters()...)}
	if c := a.cfg.Cues; c.ExcerptMessages > 0 || c.ExcerptChars > 0 {
		opts = append(opts, discord.WithExcerpt(c.ExcerptMessages, c.ExcerptChars))
	}
	if a.cfg.Cues.ReplyTokens > 0 {
		opts = append(opts, discord.WithReplyTokens(a.cfg.Cues.ReplyTokens))
	}
	return opts
}

// breakerConfig converts the YAML breaker block to resilience units.
func breakerConfig(c config.BreakerConfig) resilience.BreakerConfig {
	return resilience.BreakerConfig{
		MaxFailures:  c.MaxFailures,
		ResetTimeout: time.Duration(c.ResetSeconds) * time.Second,
		ProbeMax:     c.ProbeMax,
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the arbiter loop and the HTTP server, then blocks until ctx is
// cancelled. Returns context.Canceled (or the underlying cause).
func (a *App) Run(ctx context.Context) error {
	a.arb.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)

	if a.srv != nil {
		g.Go(func() error {
			slog.Info("http server listening", "addr", a.srv.Addr)
			if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := a.srv.Shutdown(sctx); err != nil {
				slog.Warn("http server shutdown error", "err", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return gctx.Err()
	})

	slog.Info("engine running",
		"story", a.graph.Name(),
		"host", a.chat.Name(),
		"session", a.cfg.Session.ID,
	)
	return g.Wait()
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of a config change to the
// running engine. Changes that need a restart are logged and skipped.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.IntervalTurnsChanged && d.NewIntervalTurns > 0 {
		effective := a.dir.SetIntervalTurns(d.NewIntervalTurns)
		slog.Info("evaluation interval updated", "turns", effective)
	}
	if len(d.RestartFields) > 0 {
		slog.Info("config changes need a restart", "fields", strings.Join(d.RestartFields, ", "))
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears the engine down: the HTTP server stops accepting requests,
// the session manager writes a final snapshot, the turn engine detaches,
// the host disconnects, and store resources are released. It respects the
// context deadline: if ctx expires, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down")

		if a.srv != nil {
			if err := a.srv.Shutdown(ctx); err != nil {
				slog.Warn("http server shutdown error", "err", err)
			}
		}

		if a.manager.Running() {
			if err := a.manager.Stop(ctx); err != nil {
				slog.Warn("final snapshot failed", "err", err)
			}
		}

		a.cues.Close()
		a.dir.Dispose()
		a.arb.Close()

		if err := a.chat.Close(); err != nil {
			slog.Warn("host close error", "err", err)
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Host returns the attached chat host.
func (a *App) Host() host.Host { return a.chat }

// Director returns the progression director.
func (a *App) Director() *director.Director { return a.dir }

// Graph returns the compiled story.
func (a *App) Graph() *story.Graph { return a.graph }

// Session returns the snapshot session manager.
func (a *App) Session() *session.Manager { return a.manager }

// Stage returns the stage manager.
func (a *App) Stage() *stage.Stage { return a.stg }

// Provider returns the resilient generation chain.
func (a *App) Provider() llm.Provider { return a.failover }
