package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/goclaw/internal/search"
	"github.com/nextlevelbuilder/goclaw/internal/store"
)

// Scratch-space memory tools (§4.8): store/search/list/remove backed
// directly by the store's agent_data table and mirrored into the search
// index under the "agent_data:" document-id prefix, the same convention
// internal/sessions.Store uses for session entries.

const agentDataDocPrefix = "agent_data:"

// MemoryStoreTool saves a scratch note under a key, visible to every
// channel unless a channel id is supplied.
type MemoryStoreTool struct {
	db  *store.DB
	idx *search.Index
}

func NewMemoryStoreTool(db *store.DB, idx *search.Index) *MemoryStoreTool {
	return &MemoryStoreTool{db: db, idx: idx}
}

func (t *MemoryStoreTool) RequiresApproval() bool { return false }
func (t *MemoryStoreTool) Name() string           { return "memory_store" }
func (t *MemoryStoreTool) Description() string {
	return "Save a note to scratch memory, retrievable later by memory_search or memory_get"
}
func (t *MemoryStoreTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"key":        map[string]interface{}{"type": "string", "description": "Unique key for this note"},
			"value":      map[string]interface{}{"type": "string", "description": "Note content"},
			"tags":       map[string]interface{}{"type": "string", "description": "Comma-separated tags"},
			"channel_id": map[string]interface{}{"type": "string", "description": "Restrict visibility to one channel (empty = visible everywhere)"},
		},
		"required": []string{"key", "value"},
	}
}

func (t *MemoryStoreTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	key, _ := args["key"].(string)
	value, _ := args["value"].(string)
	tagsStr, _ := args["tags"].(string)
	channelID, _ := args["channel_id"].(string)
	if key == "" || value == "" {
		return ErrorResult("key and value are required")
	}

	var tags []string
	for _, tag := range strings.Split(tagsStr, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}

	row := store.AgentDataRow{Key: key, Value: value, Tags: tags, ChannelID: channelID}
	if err := t.db.PutAgentData(ctx, row); err != nil {
		return ErrorResult(fmt.Sprintf("failed to store memory: %v", err))
	}

	docID := agentDataDocPrefix + key
	indexTags := append([]string{store.VisibilityTag(channelID)}, tags...)
	if err := t.idx.Load(ctx, docID, value, key, indexTags); err != nil {
		return ErrorResult(fmt.Sprintf("stored but failed to index: %v", err))
	}
	return SilentResult(fmt.Sprintf("stored memory %q", key))
}

// MemorySearchTool searches scratch notes via the full-text index.
type MemorySearchTool struct {
	idx *search.Index
}

func NewMemorySearchTool(idx *search.Index) *MemorySearchTool {
	return &MemorySearchTool{idx: idx}
}

func (t *MemorySearchTool) RequiresApproval() bool { return false }
func (t *MemorySearchTool) Name() string           { return "memory_search" }
func (t *MemorySearchTool) Description() string    { return "Search scratch memory notes by keyword" }
func (t *MemorySearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{"type": "string", "description": "Search query"},
			"limit": map[string]interface{}{"type": "integer", "description": "Max results (default 10)"},
		},
		"required": []string{"query"},
	}
}

func (t *MemorySearchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	query, _ := args["query"].(string)
	if query == "" {
		return ErrorResult("query is required")
	}
	limit := 10
	if n, ok := args["limit"].(float64); ok && n > 0 {
		limit = int(n)
	}

	results, err := t.idx.Search(ctx, query, nil, limit, false)
	if err != nil {
		return ErrorResult(fmt.Sprintf("search failed: %v", err))
	}
	if len(results) == 0 {
		return SilentResult("no matching memories found")
	}

	var b strings.Builder
	for _, r := range results {
		fmt.Fprintf(&b, "[%s] %s\n", r.Document.Title, r.Document.Text)
	}
	return SilentResult(b.String())
}

// MemoryGetTool fetches a single scratch note by its exact key.
type MemoryGetTool struct {
	db *store.DB
}

func NewMemoryGetTool(db *store.DB) *MemoryGetTool {
	return &MemoryGetTool{db: db}
}

func (t *MemoryGetTool) RequiresApproval() bool { return false }
func (t *MemoryGetTool) Name() string           { return "memory_get" }
func (t *MemoryGetTool) Description() string    { return "Fetch a scratch memory note by its exact key" }
func (t *MemoryGetTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"key": map[string]interface{}{"type": "string"}},
		"required":   []string{"key"},
	}
}

func (t *MemoryGetTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	key, _ := args["key"].(string)
	if key == "" {
		return ErrorResult("key is required")
	}
	row, ok, err := t.db.GetAgentData(ctx, key)
	if err != nil {
		return ErrorResult(fmt.Sprintf("lookup failed: %v", err))
	}
	if !ok {
		return SilentResult(fmt.Sprintf("no memory found for key %q", key))
	}
	return SilentResult(row.Value)
}

// MemoryListTool lists scratch note keys, optionally filtered by prefix.
type MemoryListTool struct {
	db *store.DB
}

func NewMemoryListTool(db *store.DB) *MemoryListTool {
	return &MemoryListTool{db: db}
}

func (t *MemoryListTool) RequiresApproval() bool { return false }
func (t *MemoryListTool) Name() string           { return "memory_list" }
func (t *MemoryListTool) Description() string    { return "List scratch memory note keys, optionally filtered by key prefix" }
func (t *MemoryListTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"prefix": map[string]interface{}{"type": "string", "description": "Key prefix filter (empty = all)"},
		},
	}
}

func (t *MemoryListTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	prefix, _ := args["prefix"].(string)
	rows, err := t.db.ListAgentData(ctx, prefix)
	if err != nil {
		return ErrorResult(fmt.Sprintf("list failed: %v", err))
	}
	if len(rows) == 0 {
		return SilentResult("no memories stored")
	}
	var b strings.Builder
	for _, row := range rows {
		fmt.Fprintf(&b, "%s\n", row.Key)
	}
	return SilentResult(b.String())
}

// MemoryRemoveTool deletes a scratch note and its search document.
type MemoryRemoveTool struct {
	db  *store.DB
	idx *search.Index
}

func NewMemoryRemoveTool(db *store.DB, idx *search.Index) *MemoryRemoveTool {
	return &MemoryRemoveTool{db: db, idx: idx}
}

func (t *MemoryRemoveTool) RequiresApproval() bool { return false }
func (t *MemoryRemoveTool) Name() string           { return "memory_remove" }
func (t *MemoryRemoveTool) Description() string    { return "Delete a scratch memory note by key" }
func (t *MemoryRemoveTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"key": map[string]interface{}{"type": "string"}},
		"required":   []string{"key"},
	}
}

func (t *MemoryRemoveTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	key, _ := args["key"].(string)
	if key == "" {
		return ErrorResult("key is required")
	}
	if err := t.db.RemoveAgentData(ctx, key); err != nil {
		return ErrorResult(fmt.Sprintf("remove failed: %v", err))
	}
	if err := t.idx.Delete(ctx, agentDataDocPrefix+key); err != nil {
		return ErrorResult(fmt.Sprintf("removed but failed to deindex: %v", err))
	}
	return SilentResult(fmt.Sprintf("removed memory %q", key))
}
