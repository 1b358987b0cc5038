package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goclaw/internal/agent"
	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/channels"
	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/registry"
	"github.com/nextlevelbuilder/goclaw/internal/router"
	"github.com/nextlevelbuilder/goclaw/internal/scheduler"
	"github.com/nextlevelbuilder/goclaw/internal/search"
	"github.com/nextlevelbuilder/goclaw/internal/sessions"
	"github.com/nextlevelbuilder/goclaw/internal/store"
	"github.com/nextlevelbuilder/goclaw/internal/tools"
)

// replChannelID is the stable channel/session id for local REPL turns,
// matching spec §8's S1 scenario (resolve("repl")).
const replChannelID = "repl"
const replEventType = "repl_input"

// replWrapWidth bounds terminal output line length when the real width
// can't be determined (piped stdout, non-tty).
const replWrapWidth = 100

func replCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Start an interactive REPL session against the local agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runREPLStandalone()
		},
	}
}

// runREPLStandalone wires the same storage/provider/tool stack run does,
// then drops straight into the REPL loop instead of starting any channel
// EventSource.
func runREPLStandalone() error {
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

	sched := scheduler.NewWithRetry(db, reg, queue, cfg.Cron.ToRetryConfig())
	go sched.Run(ctx)

	rtr := router.New(queue, reg, sessStore, mgr, loop)
	go rtr.Run(ctx)

	return runREPL(ctx, queue, reg, mgr)
}

// replChannel is the Channel implementation backing the local REPL: each
// SendMessage call from a turn's reply is handed to the waiting REPL
// goroutine via replies, rather than rendered asynchronously.
type replChannel struct {
	*channels.BaseChannel
	replies chan string
}

func newREPLChannel() *replChannel {
	return &replChannel{
		BaseChannel: channels.NewBaseChannel(replChannelID, false, true, nil),
		replies:     make(chan string, 1),
	}
}

func (c *replChannel) StartStreaming(ctx context.Context) error          { return nil }
func (c *replChannel) AppendToStream(ctx context.Context, delta string) error { return nil }
func (c *replChannel) FinishStreaming(ctx context.Context) error         { return nil }
func (c *replChannel) Close(ctx context.Context) error                  { return nil }
func (c *replChannel) CurrentUser() (*channels.User, bool)              { return nil, false }

func (c *replChannel) SendMessage(ctx context.Context, text string) error {
	select {
	case c.replies <- text:
	case <-ctx.Done():
	}
	return nil
}

// runREPL registers the REPL as both a channel and a default event handler
// (spec §8 S1: handler "repl_default" bound to event type "repl_input" with
// an empty prompt), then reads lines from stdin, enqueuing one
// ReplInputEvent per line and blocking until the corresponding turn's reply
// arrives on the channel.
func runREPL(ctx context.Context, queue *bus.Queue, reg *registry.Registry, mgr *channels.Manager) error {
	ch := newREPLChannel()
	mgr.RegisterChannel(ch)

	if err := reg.RegisterChannel(ctx, replChannelID, "repl", false, true); err != nil {
		return fmt.Errorf("register repl channel: %w", err)
	}
	if err := reg.RegisterEventType(ctx, replEventType, "a line entered at the local REPL"); err != nil {
		return fmt.Errorf("register repl event type: %w", err)
	}
	if _, err := reg.AddEventHandler(ctx, "repl_default", "", replChannelID, []string{replEventType}); err != nil {
		return fmt.Errorf("register repl default handler: %w", err)
	}

	fmt.Println("goclaw REPL — type a message and press Enter, Ctrl+D to exit.")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		queue.Push(bus.Event{
			Kind:      bus.KindReplInput,
			EventType: replEventType,
			Repl:      bus.ReplPayload{Line: line},
		})

		select {
		case reply := <-ch.replies:
			fmt.Println(runewidth.Wrap(reply, replWrapWidth))
		case <-ctx.Done():
			return nil
		}
	}
}
