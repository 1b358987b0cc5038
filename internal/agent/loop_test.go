package agent

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/providers"
	"github.com/nextlevelbuilder/goclaw/internal/search"
	"github.com/nextlevelbuilder/goclaw/internal/sessions"
	"github.com/nextlevelbuilder/goclaw/internal/store"
	"github.com/nextlevelbuilder/goclaw/internal/tools"
)

// scriptedProvider returns one ChatResponse per Chat call, in order, looping
// on the last entry if Chat is called more times than the script has.
type scriptedProvider struct {
	responses []*providers.ChatResponse
	calls     int
}

func (p *scriptedProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	idx := p.calls
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	p.calls++
	return p.responses[idx], nil
}

func (p *scriptedProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return p.Chat(ctx, req)
}
func (p *scriptedProvider) DefaultModel() string { return "test-model" }
func (p *scriptedProvider) Name() string         { return "test" }

type echoTool struct{ approval bool }

func (e *echoTool) Name() string        { return "echo" }
func (e *echoTool) Description() string { return "echo" }
func (e *echoTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}
func (e *echoTool) RequiresApproval() bool { return e.approval }
func (e *echoTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	return tools.SilentResult("echoed")
}

func newTestLoop(t *testing.T, provider providers.Provider, registry *tools.Registry) *TurnLoop {
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
	return &TurnLoop{
		Provider:    provider,
		Tools:       registry,
		Sessions:    sessions.NewStore(db, idx),
		SearchIndex: idx,
		Agent:       config.AgentConfig{Model: "test-model", MaxTokens: 512, Temperature: 0.5},
	}
}

func TestRunTurnNoToolCallsPersistsAndReturnsText(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "hello there", FinishReason: "stop"},
	}}
	loop := newTestLoop(t, provider, tools.NewRegistry())

	result, err := loop.RunTurn(context.Background(), "sess-1", "chan-1", false, false, Input{Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Text != "hello there" || result.StopReason != providers.StopReasonStop {
		t.Fatalf("unexpected result: %+v", result)
	}

	state, err := loop.Sessions.Load(context.Background(), "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(state.Messages) != 2 {
		t.Fatalf("expected user+assistant persisted, got %d messages", len(state.Messages))
	}
}

func TestRunTurnExecutesNonApprovalTool(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(&echoTool{approval: false})

	provider := &scriptedProvider{responses: []*providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{{ID: "call-1", Name: "echo", Arguments: map[string]interface{}{}}}, FinishReason: "tool_calls"},
		{Content: "done", FinishReason: "stop"},
	}}
	loop := newTestLoop(t, provider, registry)

	result, err := loop.RunTurn(context.Background(), "sess-2", "chan-1", false, false, Input{Text: "run echo"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Text != "done" || result.PendingApproval {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestRunTurnPausesOnApprovalRequiredTool(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(&echoTool{approval: true})

	provider := &scriptedProvider{responses: []*providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{{ID: "call-1", Name: "echo", Arguments: map[string]interface{}{}}}, FinishReason: "tool_calls"},
	}}
	loop := newTestLoop(t, provider, registry)

	result, err := loop.RunTurn(context.Background(), "sess-3", "chan-1", false, false, Input{Text: "do the dangerous thing"})
	if err != nil {
		t.Fatal(err)
	}
	if !result.PendingApproval {
		t.Fatalf("expected pending approval, got %+v", result)
	}

	state, err := loop.Sessions.Load(context.Background(), "sess-3")
	if err != nil {
		t.Fatal(err)
	}
	if len(state.PendingToolCalls) != 1 || state.PendingToolCalls[0].Name != "echo" {
		t.Fatalf("expected echo pending, got %+v", state.PendingToolCalls)
	}

	// A plain-text follow-up auto-rejects the pending call instead of answering it.
	provider.responses = append(provider.responses, &providers.ChatResponse{Content: "ok, cancelled", FinishReason: "stop"})
	result2, err := loop.RunTurn(context.Background(), "sess-3", "chan-1", false, false, Input{Text: "cancel"})
	if err != nil {
		t.Fatal(err)
	}
	if result2.PendingApproval {
		t.Fatalf("expected the pending call to be auto-rejected, got %+v", result2)
	}

	state2, err := loop.Sessions.Load(context.Background(), "sess-3")
	if err != nil {
		t.Fatal(err)
	}
	if len(state2.PendingToolCalls) != 0 {
		t.Fatalf("expected pending calls cleared, got %+v", state2.PendingToolCalls)
	}
	foundRejection := false
	for _, m := range state2.Messages {
		if m.Role == "tool" && m.ToolCallID == "call-1" {
			foundRejection = true
		}
	}
	if !foundRejection {
		t.Fatal("expected a tool-result rejection message for the previously pending call")
	}
}

func TestRunTurnGroupChatGuardSuppressesNoReply(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "NO_REPLY", FinishReason: "stop"},
	}}
	loop := newTestLoop(t, provider, tools.NewRegistry())

	result, err := loop.RunTurn(context.Background(), "sess-4", "chan-1", true, false, Input{Text: "random group chatter"})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Silent {
		t.Fatalf("expected group-chat guard to silence NO_REPLY, got %+v", result)
	}
}

func TestRunTurnGroupChatGuardSendsWhenDirectlyAddressed(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "NO_REPLY", FinishReason: "stop"},
	}}
	loop := newTestLoop(t, provider, tools.NewRegistry())

	result, err := loop.RunTurn(context.Background(), "sess-5", "chan-1", true, true, Input{Text: "@bot hello"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Silent {
		t.Fatal("a directly-addressed reply must never be silenced, even if NO_REPLY")
	}
}
