package tools

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/goclaw/internal/search"
	"github.com/nextlevelbuilder/goclaw/internal/store"
)

func newTestDBAndIndex(t *testing.T) (*store.DB, *search.Index) {
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
	return db, idx
}

func TestMemoryStoreGetRemoveRoundTrip(t *testing.T) {
	db, idx := newTestDBAndIndex(t)
	ctx := context.Background()

	storeTool := NewMemoryStoreTool(db, idx)
	res := storeTool.Execute(ctx, map[string]interface{}{"key": "k1", "value": "the sky is blue"})
	if res.IsError {
		t.Fatalf("store failed: %+v", res)
	}

	getTool := NewMemoryGetTool(db)
	got := getTool.Execute(ctx, map[string]interface{}{"key": "k1"})
	if got.IsError || got.ForLLM != "the sky is blue" {
		t.Fatalf("unexpected get result: %+v", got)
	}

	removeTool := NewMemoryRemoveTool(db, idx)
	rm := removeTool.Execute(ctx, map[string]interface{}{"key": "k1"})
	if rm.IsError {
		t.Fatalf("remove failed: %+v", rm)
	}

	gone := getTool.Execute(ctx, map[string]interface{}{"key": "k1"})
	if gone.IsError {
		t.Fatalf("unexpected error looking up removed key: %+v", gone)
	}
	if gone.ForLLM == "the sky is blue" {
		t.Fatal("expected memory to be gone after removal")
	}
}

func TestMemorySearchFindsStoredNote(t *testing.T) {
	db, idx := newTestDBAndIndex(t)
	ctx := context.Background()

	NewMemoryStoreTool(db, idx).Execute(ctx, map[string]interface{}{
		"key": "project-x", "value": "Project X deadline is next Friday",
	})

	result := NewMemorySearchTool(idx).Execute(ctx, map[string]interface{}{"query": "deadline"})
	if result.IsError {
		t.Fatalf("search failed: %+v", result)
	}
	if result.ForLLM == "no matching memories found" {
		t.Fatal("expected the stored note to be found")
	}
}

func TestMemoryListFiltersByPrefix(t *testing.T) {
	db, idx := newTestDBAndIndex(t)
	ctx := context.Background()

	NewMemoryStoreTool(db, idx).Execute(ctx, map[string]interface{}{"key": "a:1", "value": "v1"})
	NewMemoryStoreTool(db, idx).Execute(ctx, map[string]interface{}{"key": "b:1", "value": "v2"})

	result := NewMemoryListTool(db).Execute(ctx, map[string]interface{}{"prefix": "a:"})
	if result.IsError {
		t.Fatalf("list failed: %+v", result)
	}
	if result.ForLLM != "a:1\n" {
		t.Fatalf("expected only a:1 listed, got %q", result.ForLLM)
	}
}
