package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"
)

// Load reads the config file at path (if it exists), applies VO_*
// environment variable overrides, and returns the resolved Config. A
// missing file is not an error — environment variables and built-in
// defaults still apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		} else {
			file := Default()
			if err := json.Unmarshal(data, file); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", path, err)
			}
			cfg = file
		}
	}

	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv overlays environment variables onto cfg. Provider credentials and
// chat-platform tokens are never read from the JSON file — only from the
// environment — so they never end up committed alongside the rest of the
// config.
func applyEnv(cfg *Config) {
	if v := os.Getenv("VO_AGENT_PROVIDER"); v != "" {
		cfg.Agent.Provider = v
	}
	if v := os.Getenv("VO_AGENT_MODEL"); v != "" {
		cfg.Agent.Model = v
	}
	if v := os.Getenv("VO_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	if cfg.Providers.APIKeys == nil {
		cfg.Providers.APIKeys = make(map[string]string)
	}
	if v := os.Getenv("VO_AGENT_API_KEY"); v != "" {
		cfg.Providers.APIKeys[cfg.Agent.Provider] = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Providers.APIKeys["anthropic"] = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Providers.APIKeys["openai"] = v
	}
	if v := os.Getenv("DASHSCOPE_API_KEY"); v != "" {
		cfg.Providers.APIKeys["dashscope"] = v
	}

	if v := os.Getenv("DISCORD_BOT_TOKEN"); v != "" {
		cfg.Channels.Discord.Token = v
		cfg.Channels.Discord.Enabled = true
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Channels.Telegram.Token = v
		cfg.Channels.Telegram.Enabled = true
	}
}

// Validate checks for fatal configuration errors: a missing provider, model
// or API key. Validate fails fast with a precise "which variable to set" so
// startup errors are actionable.
func Validate(cfg *Config) error {
	if cfg.Agent.Provider == "" {
		return fmt.Errorf("no provider configured: set VO_AGENT_PROVIDER or agent.provider in the config file")
	}
	if cfg.Agent.Model == "" {
		return fmt.Errorf("no model configured: set VO_AGENT_MODEL or agent.model in the config file")
	}
	if cfg.Providers.APIKeys[cfg.Agent.Provider] == "" {
		return fmt.Errorf("no API key configured for provider %q: set VO_AGENT_API_KEY", cfg.Agent.Provider)
	}
	switch cfg.Agent.Provider {
	case "anthropic", "openai", "dashscope", "gemini":
	default:
		return fmt.Errorf("unknown provider %q: must be one of anthropic, openai, dashscope, gemini", cfg.Agent.Provider)
	}
	return nil
}

// Watcher hot-reloads the config file on change, replacing the fields of a
// live Config in place so callers holding a pointer see updates.
type Watcher struct {
	path string
	cfg  *Config
	fsw  *fsnotify.Watcher
}

// NewWatcher starts watching path for changes and applies them to cfg.
// Returns nil, nil if path is empty (reload disabled).
func NewWatcher(path string, cfg *Config) (*Watcher, error) {
	if path == "" {
		return nil, nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch config file %s: %w", path, err)
	}

	w := &Watcher{path: path, cfg: cfg, fsw: fsw}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			fresh, err := Load(w.path)
			if err != nil {
				slog.Warn("config reload failed, keeping previous config", "error", err)
				continue
			}
			w.cfg.ReplaceFrom(fresh)
			slog.Info("config reloaded", "path", w.path)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	if w == nil || w.fsw == nil {
		return nil
	}
	return w.fsw.Close()
}
