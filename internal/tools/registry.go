package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/goclaw/internal/providers"
)

// Registry holds every tool available to the agent turn loop, keyed by
// name. Assembled at process start from management tools (§4.4), scheduler
// tools, scratch-space tools, and per-EventSource tools (§4.8); safe for
// concurrent reads once registration finishes, since tool instances are
// context-driven rather than mutated in place.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Tool names must be globally unique (§4.8); a
// duplicate registration panics, since it can only happen at process wiring
// time (a programmer error, not a runtime condition).
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		panic(fmt.Sprintf("tools: duplicate tool name %q", t.Name()))
	}
	r.tools[t.Name()] = t
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns every registered tool name, sorted for deterministic output.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProviderDefs returns the wire-format tool definitions for every
// registered tool, for requests that don't go through a PolicyEngine.
func (r *Registry) ProviderDefs() []providers.ToolDefinition {
	names := r.List()
	defs := make([]providers.ToolDefinition, 0, len(names))
	for _, name := range names {
		t, _ := r.Get(name)
		defs = append(defs, ToProviderDef(t))
	}
	return defs
}

// Execute coerces args against the tool's declared schema and invokes it.
// A missing tool or malformed arguments become an is_error Result rather
// than a Go error, so the turn loop can always feed a ToolResultMessage
// back to the model (§4.8, §7).
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) *Result {
	t, ok := r.Get(name)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool %q", name))
	}
	coerced, err := CoerceArgs(t.Parameters(), args)
	if err != nil {
		return ErrorResult(fmt.Sprintf("invalid arguments: %v", err))
	}
	return t.Execute(ctx, coerced)
}
