package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/agent"
	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/channels"
	"github.com/nextlevelbuilder/goclaw/internal/registry"
	"github.com/nextlevelbuilder/goclaw/internal/search"
	"github.com/nextlevelbuilder/goclaw/internal/sessions"
	"github.com/nextlevelbuilder/goclaw/internal/store"
)

type fakeChannel struct {
	id string
}

func (f *fakeChannel) ID() string                                       { return f.id }
func (f *fakeChannel) IsGroup() bool                                     { return false }
func (f *fakeChannel) IsPrivate() bool                                   { return true }
func (f *fakeChannel) StartStreaming(ctx context.Context) error          { return nil }
func (f *fakeChannel) AppendToStream(ctx context.Context, delta string) error { return nil }
func (f *fakeChannel) FinishStreaming(ctx context.Context) error         { return nil }
func (f *fakeChannel) SendMessage(ctx context.Context, text string) error { return nil }
func (f *fakeChannel) Close(ctx context.Context) error                  { return nil }
func (f *fakeChannel) CurrentUser() (*channels.User, bool)              { return nil, false }

type recordingRunner struct {
	mu     sync.Mutex
	inputs []string
}

func (r *recordingRunner) RunTurn(ctx context.Context, sessionID, channelID string, isGroup, directlyAddressed bool, in agent.Input) (*agent.TurnResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inputs = append(r.inputs, in.Text)
	return &agent.TurnResult{}, nil
}

func (r *recordingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inputs)
}

func newTestRouter(t *testing.T) (*Router, *registry.Registry, *channels.Manager, *recordingRunner) {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	idx, err := search.Open(db.Conn())
	if err != nil {
		t.Fatalf("search.Open: %v", err)
	}

	reg := registry.New(db)
	sessStore := sessions.NewStore(db, idx)
	mgr := channels.NewManager()
	runner := &recordingRunner{}
	q := bus.NewQueue()

	return New(q, reg, sessStore, mgr, runner), reg, mgr, runner
}

func TestDispatchComposesInputAndRunsTurn(t *testing.T) {
	r, reg, mgr, runner := newTestRouter(t)
	ctx := context.Background()

	mgr.RegisterChannel(&fakeChannel{id: "telegram:1"})
	reg.RegisterChannel(ctx, "telegram:1", "telegram", false, true)
	reg.RegisterEventType(ctx, "chat.message", "")
	if _, err := reg.AddEventHandler(ctx, "h1", "be helpful", "telegram:1", []string{"chat.message"}); err != nil {
		t.Fatal(err)
	}

	r.dispatch(ctx, bus.Event{
		Kind:      bus.KindChannel,
		EventType: "chat.message",
		Channel:   bus.ChannelPayload{Channel: "telegram:1", Content: "hello there"},
	})

	if runner.count() != 1 {
		t.Fatalf("expected one turn run, got %d", runner.count())
	}
	if runner.inputs[0] != "be helpful\n\nEvent content:\n\nhello there" {
		t.Fatalf("unexpected composed input: %q", runner.inputs[0])
	}
}

func TestDispatchSkipsHandlerWithUnresolvableChannel(t *testing.T) {
	r, reg, _, runner := newTestRouter(t)
	ctx := context.Background()

	reg.RegisterEventType(ctx, "cron.tick", "")
	// Handler has no channel_id and the event carries no channel either.
	if _, err := reg.AddEventHandler(ctx, "h1", "run", "", []string{"cron.tick"}); err != nil {
		t.Fatal(err)
	}

	r.dispatch(ctx, bus.Event{Kind: bus.KindScheduled, EventType: "cron.tick"})

	time.Sleep(10 * time.Millisecond)
	if runner.count() != 0 {
		t.Fatalf("expected no turn run when channel does not resolve, got %d", runner.count())
	}
}

func TestRunConsumesQueueUntilCancelled(t *testing.T) {
	r, reg, mgr, runner := newTestRouter(t)
	ctx, cancel := context.WithCancel(context.Background())

	mgr.RegisterChannel(&fakeChannel{id: "telegram:1"})
	reg.RegisterChannel(ctx, "telegram:1", "telegram", false, true)
	reg.RegisterEventType(ctx, "chat.message", "")
	reg.AddEventHandler(ctx, "h1", "", "telegram:1", []string{"chat.message"})

	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	r.queue.Push(bus.Event{Kind: bus.KindChannel, EventType: "chat.message", Channel: bus.ChannelPayload{Channel: "telegram:1", Content: "hi"}})

	deadline := time.Now().Add(time.Second)
	for runner.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if runner.count() != 1 {
		t.Fatalf("expected the queued event to be dispatched, got %d", runner.count())
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
