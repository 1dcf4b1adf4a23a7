// Package config provides the configuration schema, loader, provider
// registry, and hot-reload watcher for the Questline engine.
package config

import "log/slog"

// LogLevel controls log verbosity for the Questline engine.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to the corresponding [slog.Level]. Unrecognised values map to
// info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogFormat selects the slog handler used for engine output.
type LogFormat string

const (
	LogText LogFormat = "text"
	LogJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogText || f == LogJSON
}

// HostKind selects which chat host adapter the engine attaches to.
type HostKind string

const (
	// HostLocal runs an in-process host with a stdin/stdout turn loop.
	HostLocal HostKind = "local"

	// HostDiscord attaches to a Discord channel through a bot account.
	HostDiscord HostKind = "discord"

	// HostRemote serves a websocket bridge for an external chat frontend.
	HostRemote HostKind = "remote"
)

// IsValid reports whether k is a recognised host kind.
func (k HostKind) IsValid() bool {
	switch k {
	case HostLocal, HostDiscord, HostRemote:
		return true
	}
	return false
}

// StoreKind selects the snapshot persistence backend.
type StoreKind string

const (
	StoreMemory   StoreKind = "memory"
	StoreSQLite   StoreKind = "sqlite"
	StorePostgres StoreKind = "postgres"
)

// IsValid reports whether s is a recognised store kind.
func (s StoreKind) IsValid() bool {
	switch s {
	case StoreMemory, StoreSQLite, StorePostgres:
		return true
	}
	return false
}

// Config is the root configuration structure for Questline.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader];
// both apply the QUESTLINE_* environment overlay and fill defaults before
// validating.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Story    StoryConfig    `yaml:"story"`
	Provider ProviderConfig `yaml:"provider"`
	Arbiter  ArbiterConfig  `yaml:"arbiter"`
	Cues     CuesConfig     `yaml:"cues"`
	Host     HostConfig     `yaml:"host"`
	Session  SessionConfig  `yaml:"session"`
}

// ServerConfig holds network and logging settings for the engine process.
type ServerConfig struct {
	// ListenAddr is the TCP address for the health and metrics endpoints
	// (e.g., ":8080"). Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr" env:"QUESTLINE_LISTEN_ADDR"`

	// LogLevel controls verbosity. Default: info.
	LogLevel LogLevel `yaml:"log_level" env:"QUESTLINE_LOG_LEVEL"`

	// LogFormat selects text or json output. Default: text.
	LogFormat LogFormat `yaml:"log_format" env:"QUESTLINE_LOG_FORMAT"`
}

// StoryConfig points at the story definition and tunes the turn engine.
type StoryConfig struct {
	// Path is the story definition YAML file. Required.
	Path string `yaml:"path" env:"QUESTLINE_STORY_PATH"`

	// IntervalTurns overrides the evaluation interval. 0 keeps the built-in
	// default; non-zero values are clamped to [1, 50] by the director.
	IntervalTurns int `yaml:"interval_turns"`

	// LoreBudget caps the total lore content characters the stage renders
	// into prompt context at once. 0 keeps the stage default.
	LoreBudget int `yaml:"lore_budget"`
}

// ProviderEntry is the common configuration block shared by all generation
// backends. The Name field is used to look up the constructor in the
// [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai",
	// "anyllm").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by
	// the standard fields above.
	Options map[string]any `yaml:"options"`
}

// ProviderConfig declares the generation backends: a primary plus optional
// fallbacks, a request rate cap, and circuit breaker tuning.
type ProviderConfig struct {
	Primary   ProviderEntry   `yaml:"primary"`
	Fallbacks []ProviderEntry `yaml:"fallbacks"`

	// APIKey, when set, overrides Primary.APIKey. It exists so the secret
	// can live in the environment rather than the YAML file.
	APIKey string `yaml:"-" env:"QUESTLINE_API_KEY"`

	// RateLimit caps provider calls in requests per second. 0 disables the
	// rate limiter.
	RateLimit float64 `yaml:"rate_limit"`

	// Breaker tunes the per-backend circuit breakers.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig mirrors the circuit breaker knobs in YAML-friendly units.
// Zero values keep the breaker defaults.
type BreakerConfig struct {
	MaxFailures  int `yaml:"max_failures"`
	ResetSeconds int `yaml:"reset_seconds"`
	ProbeMax     int `yaml:"probe_max"`
}

// ArbiterConfig tunes checkpoint judgment requests.
type ArbiterConfig struct {
	// ExcerptMessages is how many recent transcript messages feed a
	// judgment. 0 keeps the default.
	ExcerptMessages int `yaml:"excerpt_messages"`

	// ExcerptChars truncates each excerpt message to this many characters.
	// 0 keeps the default.
	ExcerptChars int `yaml:"excerpt_chars"`

	// MaxTokens is the completion budget for a judgment. 0 keeps the
	// default.
	MaxTokens int `yaml:"max_tokens"`
}

// CuesConfig tunes cue line generation.
type CuesConfig struct {
	// ExcerptMessages is how many recent transcript messages feed an
	// instruct prompt. 0 keeps the default.
	ExcerptMessages int `yaml:"excerpt_messages"`

	// ExcerptChars truncates each excerpt message to this many characters.
	// 0 keeps the default.
	ExcerptChars int `yaml:"excerpt_chars"`

	// ReplyTokens is the completion budget for a generated cue line.
	// 0 keeps the default.
	ReplyTokens int `yaml:"reply_tokens"`
}

// HostConfig selects and configures the chat host adapter.
type HostConfig struct {
	// Kind picks the adapter. Default: local.
	Kind HostKind `yaml:"kind" env:"QUESTLINE_HOST"`

	Discord DiscordConfig `yaml:"discord"`
	Remote  RemoteConfig  `yaml:"remote"`
}

// DiscordConfig configures the Discord bot host.
type DiscordConfig struct {
	// Token is the bot token. Required when host.kind is "discord".
	Token string `yaml:"token" env:"QUESTLINE_DISCORD_TOKEN"`

	// ChannelID is the text channel the story plays in. Required when
	// host.kind is "discord".
	ChannelID string `yaml:"channel_id" env:"QUESTLINE_DISCORD_CHANNEL"`

	// Narrator is the display name used when the engine speaks lines for
	// roles without a matching channel member. Default: "Narrator".
	Narrator string `yaml:"narrator"`
}

// RemoteConfig configures the websocket host bridge.
type RemoteConfig struct {
	// ListenAddr is the TCP address the bridge listens on. Required when
	// host.kind is "remote".
	ListenAddr string `yaml:"listen_addr" env:"QUESTLINE_REMOTE_ADDR"`
}

// SessionConfig controls snapshot persistence and autosave.
type SessionConfig struct {
	// ID names the session for snapshot storage. Default: "default".
	ID string `yaml:"id" env:"QUESTLINE_SESSION_ID"`

	// Store selects the snapshot backend. Default: memory.
	Store StoreKind `yaml:"store" env:"QUESTLINE_SNAPSHOT_STORE"`

	// SQLitePath is the database file used when Store is "sqlite".
	// Default: "questline.db".
	SQLitePath string `yaml:"sqlite_path" env:"QUESTLINE_SQLITE_PATH"`

	// PostgresDSN is the connection string used when Store is "postgres".
	PostgresDSN string `yaml:"postgres_dsn" env:"QUESTLINE_POSTGRES_DSN"`

	// AutosaveSeconds is the interval between periodic snapshots. 0 keeps
	// the default (60); negative values are rejected.
	AutosaveSeconds int `yaml:"autosave_seconds"`
}
