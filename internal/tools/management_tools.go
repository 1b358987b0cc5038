package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/goclaw/internal/registry"
)

// Management tools (§4.4) expose the Handler Registry's CRUD surface to the
// LLM itself, so an agent can wire up new event handlers and channels as
// part of a conversation ("watch for messages in #general and summarize
// them every morning").

// ListChannelsTool lists every registered channel.
type ListChannelsTool struct{ reg *registry.Registry }

func NewListChannelsTool(reg *registry.Registry) *ListChannelsTool { return &ListChannelsTool{reg: reg} }

func (t *ListChannelsTool) RequiresApproval() bool                        { return false }
func (t *ListChannelsTool) Name() string                                  { return "list_channels" }
func (t *ListChannelsTool) Description() string                          { return "List every registered channel" }
func (t *ListChannelsTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}

func (t *ListChannelsTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	channels, err := t.reg.ListChannels(ctx)
	if err != nil {
		return ErrorResult(fmt.Sprintf("list_channels failed: %v", err))
	}
	if len(channels) == 0 {
		return SilentResult("no channels registered")
	}
	var b strings.Builder
	for _, c := range channels {
		fmt.Fprintf(&b, "%s (%s) group=%v private=%v\n", c.ID, c.TypeName, c.IsGroup, c.IsPrivate)
	}
	return SilentResult(b.String())
}

// ListEventTypesTool lists every registered event type.
type ListEventTypesTool struct{ reg *registry.Registry }

func NewListEventTypesTool(reg *registry.Registry) *ListEventTypesTool {
	return &ListEventTypesTool{reg: reg}
}

func (t *ListEventTypesTool) RequiresApproval() bool { return false }
func (t *ListEventTypesTool) Name() string           { return "list_event_types" }
func (t *ListEventTypesTool) Description() string    { return "List every registered event type" }
func (t *ListEventTypesTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}

func (t *ListEventTypesTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	types, err := t.reg.ListEventTypes(ctx)
	if err != nil {
		return ErrorResult(fmt.Sprintf("list_event_types failed: %v", err))
	}
	if len(types) == 0 {
		return SilentResult("no event types registered")
	}
	var b strings.Builder
	for _, et := range types {
		fmt.Fprintf(&b, "%s: %s\n", et.Name, et.Description)
	}
	return SilentResult(b.String())
}

// ListEventHandlersTool lists every registered handler.
type ListEventHandlersTool struct{ reg *registry.Registry }

func NewListEventHandlersTool(reg *registry.Registry) *ListEventHandlersTool {
	return &ListEventHandlersTool{reg: reg}
}

func (t *ListEventHandlersTool) RequiresApproval() bool { return false }
func (t *ListEventHandlersTool) Name() string           { return "list_event_handlers" }
func (t *ListEventHandlersTool) Description() string    { return "List every registered event handler" }
func (t *ListEventHandlersTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}

func (t *ListEventHandlersTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	handlers, err := t.reg.ListEventHandlers(ctx)
	if err != nil {
		return ErrorResult(fmt.Sprintf("list_event_handlers failed: %v", err))
	}
	if len(handlers) == 0 {
		return SilentResult("no event handlers registered")
	}
	var b strings.Builder
	for _, h := range handlers {
		fmt.Fprintf(&b, "%s: channel=%s events=%s prompt=%q\n", h.ID, h.ChannelID, strings.Join(h.EventTypeNames, ","), h.Prompt)
	}
	return SilentResult(b.String())
}

// AddEventHandlerTool registers (or replaces) an event handler.
type AddEventHandlerTool struct{ reg *registry.Registry }

func NewAddEventHandlerTool(reg *registry.Registry) *AddEventHandlerTool {
	return &AddEventHandlerTool{reg: reg}
}

func (t *AddEventHandlerTool) RequiresApproval() bool { return false }
func (t *AddEventHandlerTool) Name() string           { return "add_event_handler" }
func (t *AddEventHandlerTool) Description() string {
	return "Register an event handler: a prompt run whenever one of the given event types fires on the given channel"
}
func (t *AddEventHandlerTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"id":          map[string]interface{}{"type": "string", "description": "Handler id (empty to auto-generate)"},
			"prompt":      map[string]interface{}{"type": "string", "description": "Prompt to run on matching events"},
			"channel_id":  map[string]interface{}{"type": "string", "description": "Channel to run on (empty = event-carried channel only)"},
			"event_types": map[string]interface{}{"type": "string", "description": "Comma-separated event type names"},
		},
		"required": []string{"prompt", "event_types"},
	}
}

func (t *AddEventHandlerTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	id, _ := args["id"].(string)
	prompt, _ := args["prompt"].(string)
	channelID, _ := args["channel_id"].(string)
	eventTypesStr, _ := args["event_types"].(string)

	var eventTypes []string
	for _, et := range strings.Split(eventTypesStr, ",") {
		if et = strings.TrimSpace(et); et != "" {
			eventTypes = append(eventTypes, et)
		}
	}
	if len(eventTypes) == 0 {
		return ErrorResult("event_types is required")
	}

	handlerID, err := t.reg.AddEventHandler(ctx, id, prompt, channelID, eventTypes)
	if err != nil {
		// Registration failures (bad event type, unknown channel) are the
		// caller's mistake, not a tool crash — return them as plain text so
		// the model can retry with corrected arguments.
		return UserResult(err.Error())
	}
	return SilentResult(fmt.Sprintf("registered handler %q", handlerID))
}

// RemoveEventHandlerTool removes a handler.
type RemoveEventHandlerTool struct{ reg *registry.Registry }

func NewRemoveEventHandlerTool(reg *registry.Registry) *RemoveEventHandlerTool {
	return &RemoveEventHandlerTool{reg: reg}
}

func (t *RemoveEventHandlerTool) RequiresApproval() bool { return false }
func (t *RemoveEventHandlerTool) Name() string           { return "remove_event_handler" }
func (t *RemoveEventHandlerTool) Description() string    { return "Remove a registered event handler by id" }
func (t *RemoveEventHandlerTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"id": map[string]interface{}{"type": "string"}},
		"required":   []string{"id"},
	}
}

func (t *RemoveEventHandlerTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	id, _ := args["id"].(string)
	if id == "" {
		return ErrorResult("id is required")
	}
	if err := t.reg.RemoveEventHandler(ctx, id); err != nil {
		return UserResult(err.Error())
	}
	return SilentResult(fmt.Sprintf("removed handler %q", id))
}
