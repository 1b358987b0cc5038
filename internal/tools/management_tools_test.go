package tools

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/goclaw/internal/registry"
	"github.com/nextlevelbuilder/goclaw/internal/store"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return registry.New(db)
}

func TestAddEventHandlerToolRejectsUnknownEventTypeAsUserResult(t *testing.T) {
	reg := newTestRegistry(t)
	tool := NewAddEventHandlerTool(reg)

	result := tool.Execute(context.Background(), map[string]interface{}{
		"prompt":      "summarize",
		"event_types": "no_such_event_type",
	})
	if result.IsError {
		t.Fatalf("registration errors must surface as user-visible text, not is_error: %+v", result)
	}
	if result.ForUser == "" {
		t.Fatalf("expected ForUser to carry the registration error, got %+v", result)
	}
}

func TestAddEventHandlerToolRequiresEventTypes(t *testing.T) {
	reg := newTestRegistry(t)
	tool := NewAddEventHandlerTool(reg)
	result := tool.Execute(context.Background(), map[string]interface{}{"prompt": "x"})
	if !result.IsError {
		t.Fatal("expected is_error when event_types is missing")
	}
}

func TestListChannelsToolEmpty(t *testing.T) {
	reg := newTestRegistry(t)
	tool := NewListChannelsTool(reg)
	result := tool.Execute(context.Background(), map[string]interface{}{})
	if result.IsError {
		t.Fatalf("unexpected error: %+v", result)
	}
}

func TestAddEventHandlerToolThenListShowsHandler(t *testing.T) {
	reg := newTestRegistry(t)
	if err := reg.RegisterEventType(context.Background(), "message_received", "a message arrived"); err != nil {
		t.Fatal(err)
	}

	addTool := NewAddEventHandlerTool(reg)
	addResult := addTool.Execute(context.Background(), map[string]interface{}{
		"prompt":      "summarize it",
		"event_types": "message_received",
	})
	if addResult.IsError {
		t.Fatalf("unexpected error adding handler: %+v", addResult)
	}

	listTool := NewListEventHandlersTool(reg)
	listResult := listTool.Execute(context.Background(), map[string]interface{}{})
	if listResult.IsError || listResult.ForLLM == "no event handlers registered" {
		t.Fatalf("expected the new handler to be listed: %+v", listResult)
	}
}
