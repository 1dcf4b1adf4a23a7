// Command questline runs the checkpoint orchestration engine over a chat host.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/questline/internal/app"
	"github.com/MrWong99/questline/internal/config"
	"github.com/MrWong99/questline/internal/observe"
	"github.com/MrWong99/questline/internal/resilience"
	"github.com/MrWong99/questline/internal/story"
	"github.com/MrWong99/questline/pkg/provider/llm"
	"github.com/MrWong99/questline/pkg/provider/llm/anyllm"
	"github.com/MrWong99/questline/pkg/provider/llm/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	checkOnly := flag.Bool("check", false, "compile the story document, print a summary, and exit")
	flag.Parse()

	// ── Story check mode (explicit path) ──────────────────────────────────────
	// `questline -check story.yaml` validates a story without needing a config.
	if *checkOnly && flag.NArg() > 0 {
		return checkStory(flag.Arg(0))
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "questline: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "questline: %v\n", err)
		}
		return 1
	}

	if *checkOnly {
		return checkStory(cfg.Story.Path)
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	lvl := new(slog.LevelVar)
	lvl.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(newLogger(cfg.Server.LogFormat, lvl))

	slog.Info("questline starting",
		"config", *configPath,
		"story", cfg.Story.Path,
		"host", cfg.Host.Kind,
		"log_level", cfg.Server.LogLevel,
	)

	// ── OpenTelemetry ─────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(context.Background(), observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		lvl.Set(new.Server.LogLevel.Level())
		application.ApplyConfig(old, new)
	})
	if err != nil {
		slog.Warn("config watcher unavailable", "err", err)
	} else {
		defer watcher.Stop()
	}

	// Local host: drive the turn loop from stdin in a separate goroutine.
	if cfg.Host.Kind == config.HostLocal {
		go runLocal(ctx, application, stop)
	}

	slog.Info("engine ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the generation provider factories that ship
// with Questline into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// openai talks to the official SDK. BaseURL supports proxies and
	// OpenAI-compatible servers.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// anyllm fans out to the any-llm provider set. The underlying vendor is
	// picked by options.provider (anthropic, gemini, ollama, …) and defaults
	// to openai.
	reg.RegisterLLM("anyllm", func(entry config.ProviderEntry) (llm.Provider, error) {
		vendor := optString(entry.Options, "provider")
		if vendor == "" {
			vendor = "openai"
		}
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New(vendor, entry.Model, opts...)
	})

	for _, name := range config.ValidProviderNames {
		slog.Debug("registered provider", "kind", "llm", "name", name)
	}
}

// buildProviders instantiates the primary and fallback generation backends
// named in cfg and returns them in an [app.Providers] struct for the
// application to consume.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	primary := cfg.Provider.Primary
	p, err := reg.CreateLLM(primary)
	if err != nil {
		return nil, fmt.Errorf("create primary provider %q: %w", primary.Name, err)
	}
	ps := &app.Providers{Primary: resilience.Backend{Name: backendName(primary), Provider: p}}
	slog.Info("provider created", "kind", "primary", "name", primary.Name, "model", primary.Model)

	for _, entry := range cfg.Provider.Fallbacks {
		fp, err := reg.CreateLLM(entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("unknown fallback provider — skipping", "name", entry.Name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create fallback provider %q: %w", entry.Name, err)
		}
		ps.Fallbacks = append(ps.Fallbacks, resilience.Backend{Name: backendName(entry), Provider: fp})
		slog.Info("provider created", "kind", "fallback", "name", entry.Name, "model", entry.Model)
	}
	return ps, nil
}

// backendName labels a breaker backend for logs and the health surface.
func backendName(entry config.ProviderEntry) string {
	if entry.Model == "" {
		return entry.Name
	}
	return entry.Name + "/" + entry.Model
}

// ── Story check mode ──────────────────────────────────────────────────────────

// checkStory compiles the story document at path and prints a summary of the
// resulting graph without starting the engine.
func checkStory(path string) int {
	g, err := story.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "questline: %v\n", err)
		return 1
	}
	fmt.Printf("%s: ok\n", path)
	fmt.Printf("  story       %s\n", g.Name())
	fmt.Printf("  start       %s\n", g.Start().ID)
	fmt.Printf("  checkpoints %d\n", g.Len())
	fmt.Printf("  transitions %d\n", len(g.Transitions()))
	fmt.Printf("  roles       %d\n", len(g.Roles()))
	fmt.Printf("  cues        %d\n", len(g.Cues()))
	fmt.Printf("  lore        %d\n", len(g.Lore()))
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Questline — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printEntry("Story", cfg.Story.Path)
	printEntry("Host", string(cfg.Host.Kind))
	printEntry("Primary", providerLabel(cfg.Provider.Primary))
	printEntry("Fallbacks", fmt.Sprintf("%d", len(cfg.Provider.Fallbacks)))
	printEntry("Store", string(cfg.Session.Store))
	printEntry("Session", cfg.Session.ID)
	if cfg.Server.ListenAddr != "" {
		printEntry("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerLabel(entry config.ProviderEntry) string {
	if entry.Name == "" {
		return ""
	}
	if entry.Model == "" {
		return entry.Name
	}
	return entry.Name + " / " + entry.Model
}

func printEntry(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if runes := []rune(value); len(runes) > 19 {
		value = string(runes[:16]) + "…"
	}
	fmt.Printf("║  %-14s : %-19s ║\n", label, value)
}

// ── Logger ────────────────────────────────────────────────────────────────────

func newLogger(format config.LogFormat, lvl slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: lvl}
	if format == config.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
