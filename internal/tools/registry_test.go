package tools

import (
	"context"
	"testing"
)

type echoTool struct{ requiresApproval bool }

func (e *echoTool) Name() string        { return "echo" }
func (e *echoTool) Description() string { return "echoes its input arg" }
func (e *echoTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"text": map[string]interface{}{"type": "string"}},
		"required":   []string{"text"},
	}
}
func (e *echoTool) RequiresApproval() bool { return e.requiresApproval }
func (e *echoTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	return SilentResult(args["text"].(string))
}

func TestRegistryExecuteRoundTrip(t *testing.T) {
	r := NewRegistry()
	r.Register(&echoTool{})

	result := r.Execute(context.Background(), "echo", map[string]interface{}{"text": "hi"})
	if result.IsError || result.ForLLM != "hi" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestRegistryExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	result := r.Execute(context.Background(), "missing", nil)
	if !result.IsError {
		t.Fatal("expected is_error result for unknown tool")
	}
}

func TestRegistryExecuteMissingRequiredArg(t *testing.T) {
	r := NewRegistry()
	r.Register(&echoTool{})
	result := r.Execute(context.Background(), "echo", map[string]interface{}{})
	if !result.IsError {
		t.Fatal("expected is_error result for missing required argument")
	}
}

func TestRegistryRegisterDuplicatePanics(t *testing.T) {
	r := NewRegistry()
	r.Register(&echoTool{})
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate tool registration")
		}
	}()
	r.Register(&echoTool{})
}

func TestRegistryListIsSorted(t *testing.T) {
	r := NewRegistry()
	r.Register(&echoTool{})
	names := r.List()
	if len(names) != 1 || names[0] != "echo" {
		t.Fatalf("unexpected names: %v", names)
	}
}
