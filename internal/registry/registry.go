// Package registry wraps internal/store's event-type/handler/channel
// tables with the validation rules of spec §4.4: an unknown event type or
// channel is a user-visible error string, never a panic, and replacing a
// handler atomically swaps its event-type join.
package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goclaw/internal/store"
)

// Registry is the Handler Registry component (spec §4.4).
type Registry struct {
	db *store.DB
}

// New builds a Registry over db.
func New(db *store.DB) *Registry {
	return &Registry{db: db}
}

// Channel mirrors store.ChannelRow for external callers.
type Channel struct {
	ID        string
	TypeName  string
	IsGroup   bool
	IsPrivate bool
}

// EventType mirrors store.EventTypeRow.
type EventType struct {
	Name        string
	Description string
}

// Handler mirrors store.HandlerRow.
type Handler struct {
	ID             string
	Prompt         string
	ChannelID      string
	EventTypeNames []string
}

// RegisterChannel upserts a channel into the registry. Called by each
// EventSource at startup; the channel table is ephemeral and repopulated
// every process start.
func (r *Registry) RegisterChannel(ctx context.Context, id, typeName string, isGroup, isPrivate bool) error {
	return r.db.UpsertChannel(ctx, store.ChannelRow{ID: id, TypeName: typeName, IsGroup: isGroup, IsPrivate: isPrivate})
}

// RegisterEventType upserts an event type. Called by EventSources at
// registration or by the scheduler when a job is added.
func (r *Registry) RegisterEventType(ctx context.Context, name, description string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("event type name must not be empty")
	}
	return r.db.UpsertEventType(ctx, name, description)
}

// ListChannels returns every registered channel.
func (r *Registry) ListChannels(ctx context.Context) ([]Channel, error) {
	rows, err := r.db.ListChannels(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Channel, len(rows))
	for i, row := range rows {
		out[i] = Channel{ID: row.ID, TypeName: row.TypeName, IsGroup: row.IsGroup, IsPrivate: row.IsPrivate}
	}
	return out, nil
}

// ListEventTypes returns every registered event type.
func (r *Registry) ListEventTypes(ctx context.Context) ([]EventType, error) {
	rows, err := r.db.ListEventTypes(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]EventType, len(rows))
	for i, row := range rows {
		out[i] = EventType{Name: row.Name, Description: row.Description}
	}
	return out, nil
}

// ListEventHandlers returns every registered handler.
func (r *Registry) ListEventHandlers(ctx context.Context) ([]Handler, error) {
	rows, err := r.db.ListHandlers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Handler, len(rows))
	for i, row := range rows {
		out[i] = Handler{ID: row.ID, Prompt: row.Prompt, ChannelID: row.ChannelID, EventTypeNames: row.EventTypeNames}
	}
	return out, nil
}

// AddEventHandler validates that every named event type and (if given) the
// channel exist, then upserts the handler, atomically replacing its
// event-type join. On validation failure it returns a plain error with a
// user-facing message — callers exposing this as an LLM tool should render
// err.Error() as the tool result rather than failing the turn.
func (r *Registry) AddEventHandler(ctx context.Context, id, prompt, channelID string, eventTypeNames []string) (string, error) {
	if len(eventTypeNames) == 0 {
		return "", fmt.Errorf("at least one event type is required")
	}

	for _, name := range eventTypeNames {
		exists, err := r.db.EventTypeExists(ctx, name)
		if err != nil {
			return "", fmt.Errorf("check event type %q: %w", name, err)
		}
		if !exists {
			return "", fmt.Errorf("unknown event type %q: register it before attaching a handler", name)
		}
	}

	if channelID != "" {
		exists, err := r.db.ChannelExists(ctx, channelID)
		if err != nil {
			return "", fmt.Errorf("check channel %q: %w", channelID, err)
		}
		if !exists {
			return "", fmt.Errorf("unknown channel %q: it must be registered (connected) before a handler can target it", channelID)
		}
	}

	if id == "" {
		id = uuid.NewString()
	}

	if err := r.db.UpsertHandler(ctx, store.HandlerRow{
		ID:             id,
		Prompt:         prompt,
		ChannelID:      channelID,
		EventTypeNames: eventTypeNames,
	}); err != nil {
		return "", fmt.Errorf("add event handler: %w", err)
	}

	return id, nil
}

// RemoveEventHandler deletes a handler and its event-type join rows.
func (r *Registry) RemoveEventHandler(ctx context.Context, id string) error {
	return r.db.DeleteHandler(ctx, id)
}

// HandlersForEventType returns handlers joined to typeName, in insertion
// (registration) order — the router's dispatch-ordering guarantee (spec §4.6).
func (r *Registry) HandlersForEventType(ctx context.Context, typeName string) ([]Handler, error) {
	rows, err := r.db.HandlersForEventType(ctx, typeName)
	if err != nil {
		return nil, err
	}
	out := make([]Handler, len(rows))
	for i, row := range rows {
		out[i] = Handler{ID: row.ID, Prompt: row.Prompt, ChannelID: row.ChannelID, EventTypeNames: row.EventTypeNames}
	}
	return out, nil
}

// ResolveChannel looks up a channel by id, reporting existence.
func (r *Registry) ResolveChannel(ctx context.Context, id string) (Channel, bool, error) {
	row, ok, err := r.db.GetChannel(ctx, id)
	if err != nil || !ok {
		return Channel{}, ok, err
	}
	return Channel{ID: row.ID, TypeName: row.TypeName, IsGroup: row.IsGroup, IsPrivate: row.IsPrivate}, true, nil
}
