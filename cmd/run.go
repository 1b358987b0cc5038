package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goclaw/internal/agent"
	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/channels"
	"github.com/nextlevelbuilder/goclaw/internal/channels/discord"
	"github.com/nextlevelbuilder/goclaw/internal/channels/telegram"
	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/providers"
	"github.com/nextlevelbuilder/goclaw/internal/registry"
	"github.com/nextlevelbuilder/goclaw/internal/router"
	"github.com/nextlevelbuilder/goclaw/internal/scheduler"
	"github.com/nextlevelbuilder/goclaw/internal/search"
	"github.com/nextlevelbuilder/goclaw/internal/sessions"
	"github.com/nextlevelbuilder/goclaw/internal/store"
	"github.com/nextlevelbuilder/goclaw/internal/tools"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the agent: channel gateways, scheduler and event router",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway()
		},
	}
}

// runGateway wires every component named by the runtime: config, storage,
// the provider and tool registries, the channel EventSources, the
// scheduler and the event router, then blocks until SIGINT/SIGTERM.
func runGateway() error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	workspace, err := filepath.Abs(cfg.Agent.Workspace)
	if err != nil {
		return fmt.Errorf("resolve workspace: %w", err)
	}
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}

	db, err := store.Open(filepath.Join(cfg.DataDir, "goclaw.db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	idx, err := search.Open(db.Conn())
	if err != nil {
		return fmt.Errorf("open search index: %w", err)
	}

	reg := registry.New(db)
	sessStore := sessions.NewStore(db, idx)
	queue := bus.NewQueue()
	mgr := channels.NewManager()

	provider, err := buildProvider(cfg)
	if err != nil {
		return fmt.Errorf("build provider: %w", err)
	}

	toolReg := buildToolRegistry(cfg, workspace, reg, db, idx)
	policy := tools.NewPolicyEngine(cfg.Tools)

	loop := &agent.TurnLoop{
		Provider:    provider,
		Tools:       toolReg,
		ToolPolicy:  policy,
		Sessions:    sessStore,
		SearchIndex: idx,
		Guard:       agent.NewInputGuard(cfg.Guardrail.Action),
		Agent:       cfg.Agent,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr.Start(ctx)
	defer mgr.Stop(ctx)

	if cfg.Channels.Discord.Enabled {
		src, err := discord.New(cfg.Channels.Discord, queue, reg, mgr)
		if err != nil {
			return fmt.Errorf("build discord source: %w", err)
		}
		if err := src.Start(ctx); err != nil {
			return fmt.Errorf("start discord source: %w", err)
		}
		defer src.Stop(ctx)
	}

	if cfg.Channels.Telegram.Enabled {
		src, err := telegram.New(cfg.Channels.Telegram, queue, reg, mgr)
		if err != nil {
			return fmt.Errorf("build telegram source: %w", err)
		}
		if err := src.Start(ctx); err != nil {
			return fmt.Errorf("start telegram source: %w", err)
		}
		defer src.Stop(ctx)
	}

	sched := scheduler.NewWithRetry(db, reg, queue, cfg.Cron.ToRetryConfig())
	go sched.Run(ctx)

	rtr := router.New(queue, reg, sessStore, mgr, loop)
	go rtr.Run(ctx)

	slog.Info("goclaw running", "agent", cfg.Agent.Name, "provider", cfg.Agent.Provider)

	// VO_AUTO_RUN=1 brings up an interactive REPL alongside the channel
	// gateways, for local development without a chat platform attached.
	if os.Getenv("VO_AUTO_RUN") == "1" {
		return runREPL(ctx, queue, reg, mgr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down")
	return nil
}

// buildProvider selects the single active provider named by
// cfg.Agent.Provider. Gemini has no dedicated client — like the rest of the
// OpenAI-compatible surface, it's served through the OpenAI provider
// pointed at its own base URL.
func buildProvider(cfg *config.Config) (providers.Provider, error) {
	name := cfg.Agent.Provider
	apiKey := cfg.Providers.APIKeys[name]
	baseURL := cfg.Providers.BaseURLs[name]

	switch name {
	case "anthropic":
		return providers.NewAnthropicProvider(apiKey), nil
	case "openai":
		if baseURL == "" {
			baseURL = "https://api.openai.com/v1"
		}
		return providers.NewOpenAIProvider(name, apiKey, baseURL, cfg.Agent.Model), nil
	case "dashscope":
		if baseURL == "" {
			baseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"
		}
		return providers.NewDashScopeProvider(apiKey, baseURL, cfg.Agent.Model), nil
	case "gemini":
		if baseURL == "" {
			baseURL = "https://generativelanguage.googleapis.com/v1beta/openai"
		}
		return providers.NewOpenAIProvider(name, apiKey, baseURL, cfg.Agent.Model), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

// buildToolRegistry assembles every tool named by the runtime: filesystem
// and shell tools scoped to the agent's workspace, plus the Handler
// Registry and scratch-memory management tools.
func buildToolRegistry(cfg *config.Config, workspace string, reg *registry.Registry, db *store.DB, idx *search.Index) *tools.Registry {
	restrict := true
	toolReg := tools.NewRegistry()

	toolReg.Register(tools.NewReadFileTool(workspace, restrict))
	toolReg.Register(tools.NewWriteFileTool(workspace, restrict))
	toolReg.Register(tools.NewListFilesTool(workspace, restrict))
	toolReg.Register(tools.NewExecTool(workspace, restrict))

	toolReg.Register(tools.NewListChannelsTool(reg))
	toolReg.Register(tools.NewListEventTypesTool(reg))
	toolReg.Register(tools.NewListEventHandlersTool(reg))
	toolReg.Register(tools.NewAddEventHandlerTool(reg))
	toolReg.Register(tools.NewRemoveEventHandlerTool(reg))

	if cfg.Memory.IsEnabled() {
		toolReg.Register(tools.NewMemoryStoreTool(db, idx))
		toolReg.Register(tools.NewMemorySearchTool(idx))
		toolReg.Register(tools.NewMemoryGetTool(db))
		toolReg.Register(tools.NewMemoryListTool(db))
		toolReg.Register(tools.NewMemoryRemoveTool(db, idx))
	}

	return toolReg
}
