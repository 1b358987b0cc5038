package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("VO_AGENT_PROVIDER", "anthropic")
	t.Setenv("VO_AGENT_MODEL", "claude-sonnet")
	t.Setenv("VO_AGENT_API_KEY", "sk-test")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.Provider != "anthropic" || cfg.Agent.Model != "claude-sonnet" {
		t.Fatalf("unexpected agent config: %+v", cfg.Agent)
	}
	if cfg.Providers.APIKeys["anthropic"] != "sk-test" {
		t.Fatalf("expected API key from env, got %q", cfg.Providers.APIKeys["anthropic"])
	}
}

func TestLoadValidatesProvider(t *testing.T) {
	t.Setenv("VO_AGENT_PROVIDER", "")
	t.Setenv("VO_AGENT_MODEL", "")
	t.Setenv("VO_AGENT_API_KEY", "")

	_, err := Load("")
	if err == nil {
		t.Fatal("expected error when no provider is configured")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{"agent":{"provider":"openai","model":"gpt-4o","max_tokens":2048}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VO_AGENT_API_KEY", "sk-test")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.Provider != "openai" || cfg.Agent.MaxTokens != 2048 {
		t.Fatalf("unexpected agent config: %+v", cfg.Agent)
	}
}
