package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the provider names shipped with Questline.
// Used by [Validate] to warn about unrecognised provider names; unknown
// names are not an error because callers may register custom factories.
var ValidProviderNames = []string{"openai", "anyllm"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies the QUESTLINE_*
// environment overlay and defaults, and validates the result. Useful in
// tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: env overlay: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadBytes runs the full pipeline on raw file content. The watcher uses it
// so reloads see the same env overlay and defaults as startup.
func loadBytes(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}

// applyDefaults fills unset fields so the rest of the engine never has to
// special-case empties. Called after the env overlay, before [Validate].
func applyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = LogText
	}
	if cfg.Provider.APIKey != "" {
		cfg.Provider.Primary.APIKey = cfg.Provider.APIKey
	}
	if cfg.Host.Kind == "" {
		cfg.Host.Kind = HostLocal
	}
	if cfg.Host.Discord.Narrator == "" {
		cfg.Host.Discord.Narrator = "Narrator"
	}
	if cfg.Session.ID == "" {
		cfg.Session.ID = "default"
	}
	if cfg.Session.Store == "" {
		cfg.Session.Store = StoreMemory
	}
	if cfg.Session.SQLitePath == "" {
		cfg.Session.SQLitePath = "questline.db"
	}
	if cfg.Session.AutosaveSeconds == 0 {
		cfg.Session.AutosaveSeconds = 60
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}

	// Story
	if cfg.Story.Path == "" {
		errs = append(errs, errors.New("story.path is required"))
	}
	if cfg.Story.IntervalTurns < 0 {
		errs = append(errs, fmt.Errorf("story.interval_turns %d is negative", cfg.Story.IntervalTurns))
	}
	if cfg.Story.LoreBudget < 0 {
		errs = append(errs, fmt.Errorf("story.lore_budget %d is negative", cfg.Story.LoreBudget))
	}

	// Provider name validation — warn for unknown provider names.
	if cfg.Provider.Primary.Name == "" {
		errs = append(errs, errors.New("provider.primary.name is required"))
	}
	validateProviderName("provider.primary", cfg.Provider.Primary.Name)
	for i, fb := range cfg.Provider.Fallbacks {
		prefix := fmt.Sprintf("provider.fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		validateProviderName(prefix, fb.Name)
	}
	if cfg.Provider.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("provider.rate_limit %.2f is negative", cfg.Provider.RateLimit))
	}
	if cfg.Provider.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("provider.breaker.max_failures %d is negative", cfg.Provider.Breaker.MaxFailures))
	}
	if cfg.Provider.Breaker.ResetSeconds < 0 {
		errs = append(errs, fmt.Errorf("provider.breaker.reset_seconds %d is negative", cfg.Provider.Breaker.ResetSeconds))
	}
	if cfg.Provider.Breaker.ProbeMax < 0 {
		errs = append(errs, fmt.Errorf("provider.breaker.probe_max %d is negative", cfg.Provider.Breaker.ProbeMax))
	}

	// Arbiter and cue tuning
	if cfg.Arbiter.ExcerptMessages < 0 {
		errs = append(errs, fmt.Errorf("arbiter.excerpt_messages %d is negative", cfg.Arbiter.ExcerptMessages))
	}
	if cfg.Arbiter.ExcerptChars < 0 {
		errs = append(errs, fmt.Errorf("arbiter.excerpt_chars %d is negative", cfg.Arbiter.ExcerptChars))
	}
	if cfg.Arbiter.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("arbiter.max_tokens %d is negative", cfg.Arbiter.MaxTokens))
	}
	if cfg.Cues.ExcerptMessages < 0 {
		errs = append(errs, fmt.Errorf("cues.excerpt_messages %d is negative", cfg.Cues.ExcerptMessages))
	}
	if cfg.Cues.ExcerptChars < 0 {
		errs = append(errs, fmt.Errorf("cues.excerpt_chars %d is negative", cfg.Cues.ExcerptChars))
	}
	if cfg.Cues.ReplyTokens < 0 {
		errs = append(errs, fmt.Errorf("cues.reply_tokens %d is negative", cfg.Cues.ReplyTokens))
	}

	// Host
	if cfg.Host.Kind != "" && !cfg.Host.Kind.IsValid() {
		errs = append(errs, fmt.Errorf("host.kind %q is invalid; valid values: local, discord, remote", cfg.Host.Kind))
	}
	if cfg.Host.Kind == HostDiscord {
		if cfg.Host.Discord.Token == "" {
			errs = append(errs, errors.New("host.discord.token is required when host.kind is discord"))
		}
		if cfg.Host.Discord.ChannelID == "" {
			errs = append(errs, errors.New("host.discord.channel_id is required when host.kind is discord"))
		}
	}
	if cfg.Host.Kind == HostRemote && cfg.Host.Remote.ListenAddr == "" {
		errs = append(errs, errors.New("host.remote.listen_addr is required when host.kind is remote"))
	}

	// Session
	if cfg.Session.Store != "" && !cfg.Session.Store.IsValid() {
		errs = append(errs, fmt.Errorf("session.store %q is invalid; valid values: memory, sqlite, postgres", cfg.Session.Store))
	}
	if cfg.Session.Store == StorePostgres && cfg.Session.PostgresDSN == "" {
		errs = append(errs, errors.New("session.postgres_dsn is required when session.store is postgres"))
	}
	if cfg.Session.AutosaveSeconds < 0 {
		errs = append(errs, fmt.Errorf("session.autosave_seconds %d is negative", cfg.Session.AutosaveSeconds))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found
// in the [ValidProviderNames] list.
func validateProviderName(field, name string) {
	if name == "" {
		return
	}
	if slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"field", field,
		"name", name,
		"known", ValidProviderNames,
	)
}
