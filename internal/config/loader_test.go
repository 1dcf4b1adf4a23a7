package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/questline/internal/config"
)

func TestValidate_MissingStoryPath(t *testing.T) {
	t.Parallel()
	yaml := `
provider:
  primary:
    name: openai
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing story.path, got nil")
	}
	if !strings.Contains(err.Error(), "story.path") {
		t.Errorf("error should mention story.path, got: %v", err)
	}
}

func TestValidate_MissingProviderName(t *testing.T) {
	t.Parallel()
	yaml := `
story:
  path: stories/harbor.yaml
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing provider.primary.name, got nil")
	}
	if !strings.Contains(err.Error(), "provider.primary.name") {
		t.Errorf("error should mention provider.primary.name, got: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: verbose
story:
  path: stories/harbor.yaml
provider:
  primary:
    name: openai
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_FallbackNameRequired(t *testing.T) {
	t.Parallel()
	yaml := `
story:
  path: stories/harbor.yaml
provider:
  primary:
    name: openai
  fallbacks:
    - model: llama3
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for fallback without name, got nil")
	}
	if !strings.Contains(err.Error(), "provider.fallbacks[0].name") {
		t.Errorf("error should mention provider.fallbacks[0].name, got: %v", err)
	}
}

func TestValidate_DiscordRequiresTokenAndChannel(t *testing.T) {
	t.Parallel()
	yaml := `
story:
  path: stories/harbor.yaml
provider:
  primary:
    name: openai
host:
  kind: discord
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for discord host without credentials, got nil")
	}
	if !strings.Contains(err.Error(), "host.discord.token") {
		t.Errorf("error should mention host.discord.token, got: %v", err)
	}
	if !strings.Contains(err.Error(), "host.discord.channel_id") {
		t.Errorf("error should mention host.discord.channel_id, got: %v", err)
	}
}

func TestValidate_RemoteRequiresListenAddr(t *testing.T) {
	t.Parallel()
	yaml := `
story:
  path: stories/harbor.yaml
provider:
  primary:
    name: openai
host:
  kind: remote
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for remote host without listen_addr, got nil")
	}
	if !strings.Contains(err.Error(), "host.remote.listen_addr") {
		t.Errorf("error should mention host.remote.listen_addr, got: %v", err)
	}
}

func TestValidate_PostgresRequiresDSN(t *testing.T) {
	t.Parallel()
	yaml := `
story:
  path: stories/harbor.yaml
provider:
  primary:
    name: openai
session:
  store: postgres
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for postgres store without DSN, got nil")
	}
	if !strings.Contains(err.Error(), "session.postgres_dsn") {
		t.Errorf("error should mention session.postgres_dsn, got: %v", err)
	}
}

func TestValidate_InvalidStoreKind(t *testing.T) {
	t.Parallel()
	yaml := `
story:
  path: stories/harbor.yaml
provider:
  primary:
    name: openai
session:
  store: redis
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid store kind, got nil")
	}
	if !strings.Contains(err.Error(), "session.store") {
		t.Errorf("error should mention session.store, got: %v", err)
	}
}

func TestValidate_NegativeValuesRejected(t *testing.T) {
	t.Parallel()
	yaml := `
story:
  path: stories/harbor.yaml
  interval_turns: -1
provider:
  primary:
    name: openai
  rate_limit: -0.5
arbiter:
  max_tokens: -20
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors for negative values, got nil")
	}
	errStr := err.Error()
	for _, want := range []string{"story.interval_turns", "provider.rate_limit", "arbiter.max_tokens"} {
		if !strings.Contains(errStr, want) {
			t.Errorf("error should mention %s, got: %v", want, err)
		}
	}
}

func TestValidate_MultipleErrorsJoined(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: shouty
session:
  store: postgres
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	for _, want := range []string{"log_level", "story.path", "provider.primary.name", "session.postgres_dsn"} {
		if !strings.Contains(errStr, want) {
			t.Errorf("error should mention %s, got: %v", want, err)
		}
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	if len(config.ValidProviderNames) == 0 {
		t.Fatal("ValidProviderNames should not be empty")
	}
	found := false
	for _, n := range config.ValidProviderNames {
		if n == "openai" {
			found = true
			break
		}
	}
	if !found {
		t.Error("ValidProviderNames should contain \"openai\"")
	}
}
