// Package config holds the runtime configuration for the assistant: agent
// defaults, channel credentials/policies, provider selection and the
// ambient cron/guardrail settings. Config is loaded from a JSON file and a
// handful of VO_* environment variables, and can be hot-reloaded via
// fsnotify.
package config

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Config is the root configuration for the assistant runtime.
type Config struct {
	Agent     AgentConfig     `json:"agent"`
	Channels  ChannelsConfig  `json:"channels"`
	Providers ProvidersConfig `json:"providers"`
	Cron      CronConfig      `json:"cron,omitempty"`
	Memory    MemoryConfig    `json:"memory,omitempty"`
	Guardrail GuardrailConfig `json:"guardrail,omitempty"`
	Tools     ToolsConfig     `json:"tools,omitempty"`
	DataDir   string          `json:"data_dir,omitempty"`

	mu sync.RWMutex
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
// Used by the fsnotify-driven hot reload.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agent = src.Agent
	c.Channels = src.Channels
	c.Providers = src.Providers
	c.Cron = src.Cron
	c.Memory = src.Memory
	c.Guardrail = src.Guardrail
	c.Tools = src.Tools
	if src.DataDir != "" {
		c.DataDir = src.DataDir
	}
}

// Snapshot returns a value copy of the config safe to read without holding
// the lock for the lifetime of the caller's use.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := *c
	cp.mu = sync.RWMutex{}
	return cp
}

// AgentConfig configures the single assistant persona this process runs.
type AgentConfig struct {
	Name              string  `json:"name"`
	Provider          string  `json:"provider"`
	Model             string  `json:"model"`
	MaxTokens         int     `json:"max_tokens"`
	Temperature       float64 `json:"temperature"`
	MaxToolIterations int     `json:"max_tool_iterations"`
	ContextWindow     int     `json:"context_window"`
	Workspace         string  `json:"workspace"`
	SystemPrompt      string  `json:"system_prompt,omitempty"`
}

// ChannelsConfig groups per-platform channel configuration.
type ChannelsConfig struct {
	Discord  DiscordConfig  `json:"discord,omitempty"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
}

// DiscordConfig configures the Discord channel.
type DiscordConfig struct {
	Enabled        bool     `json:"enabled"`
	Token          string   `json:"-"` // from env DISCORD_BOT_TOKEN only
	AllowFrom      []string `json:"allow_from,omitempty"`
	DMPolicy       string   `json:"dm_policy,omitempty"`
	GroupPolicy    string   `json:"group_policy,omitempty"`
	RequireMention *bool    `json:"require_mention,omitempty"`
	HistoryLimit   int      `json:"history_limit,omitempty"`
}

// TelegramConfig configures the Telegram channel.
type TelegramConfig struct {
	Enabled      bool     `json:"enabled"`
	Token        string   `json:"-"` // from env TELEGRAM_BOT_TOKEN only
	AllowFrom    []string `json:"allow_from,omitempty"`
	DMPolicy     string   `json:"dm_policy,omitempty"`
	GroupPolicy  string   `json:"group_policy,omitempty"`
	Streaming    bool     `json:"streaming,omitempty"`
	HistoryLimit int      `json:"history_limit,omitempty"`
}

// ProvidersConfig holds per-provider credentials and base URLs. Keys are
// never stored in the JSON file (populated from environment at load time).
type ProvidersConfig struct {
	APIKeys  map[string]string `json:"-"`
	BaseURLs map[string]string `json:"base_urls,omitempty"`
}

// MemoryConfig configures the scratch-memory retrieval system
// (SQLite + FTS5, optional MMR rerank — no external vector DB).
type MemoryConfig struct {
	Enabled      *bool   `json:"enabled,omitempty"`
	MaxResults   int     `json:"max_results,omitempty"`
	MinScore     float64 `json:"min_score,omitempty"`
	MMRLambda    float64 `json:"mmr_lambda,omitempty"`
}

// IsEnabled reports whether memory retrieval is active (default true).
func (m MemoryConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// ToolsConfig restricts which registered tools are offered to the model.
// A named Profile picks a preset allow-set; Allow/Deny/AlsoAllow layer on
// top of it. Entries may reference a "group:name" tool group. Empty
// Profile with no Allow/Deny means every registered tool is offered.
type ToolsConfig struct {
	Profile   string   `json:"profile,omitempty"`
	Allow     []string `json:"allow,omitempty"`
	Deny      []string `json:"deny,omitempty"`
	AlsoAllow []string `json:"also_allow,omitempty"`
}

// GuardrailConfig configures the input prompt-injection guardrail.
type GuardrailConfig struct {
	Action string `json:"action,omitempty"` // "log", "warn", "block", "off" (default "log")
}

// CronConfig configures the scheduler's retry/backoff behaviour.
type CronConfig struct {
	MaxRetries     int    `json:"max_retries,omitempty"`
	RetryBaseDelay string `json:"retry_base_delay,omitempty"`
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`
}

// RetryConfig is the resolved (non-string) form of CronConfig, consumed by
// the scheduler's job runner.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig returns the scheduler's default retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}
}

// ToRetryConfig converts CronConfig to RetryConfig with defaults applied.
func (cc CronConfig) ToRetryConfig() RetryConfig {
	cfg := DefaultRetryConfig()
	if cc.MaxRetries > 0 {
		cfg.MaxRetries = cc.MaxRetries
	}
	if cc.RetryBaseDelay != "" {
		if d, err := time.ParseDuration(cc.RetryBaseDelay); err == nil && d > 0 {
			cfg.BaseDelay = d
		}
	}
	if cc.RetryMaxDelay != "" {
		if d, err := time.ParseDuration(cc.RetryMaxDelay); err == nil && d > 0 {
			cfg.MaxDelay = d
		}
	}
	return cfg
}

// FlexibleStringSlice accepts both ["str"] and [123] in JSON, matching the
// loose config shapes agent owners tend to hand-edit.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

func defaultAgentConfig() AgentConfig {
	return AgentConfig{
		Name:              "assistant",
		MaxTokens:         4096,
		Temperature:       0.7,
		MaxToolIterations: 24,
		ContextWindow:     128000,
		Workspace:         ".",
	}
}

// Default returns a Config with built-in defaults applied, before file and
// environment overrides.
func Default() *Config {
	return &Config{
		Agent:   defaultAgentConfig(),
		DataDir: "./data",
	}
}
