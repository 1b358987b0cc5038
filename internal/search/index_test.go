package search

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	conn, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	idx, err := Open(conn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return idx
}

func TestLoadAndSearch(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	if err := idx.Load(ctx, "memory:1", "the quarterly revenue report is due friday", "revenue report", []string{"agent_data:public"}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := idx.Load(ctx, "memory:2", "the cat sat on the mat", "cat", []string{"agent_data:ch:123"}); err != nil {
		t.Fatalf("Load: %v", err)
	}

	results, err := idx.Search(ctx, "revenue", nil, 10, false)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ID != "memory:1" {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestSearchFiltersByTag(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	idx.Load(ctx, "a", "shared hello world", "a", []string{"agent_data:public"})
	idx.Load(ctx, "b", "private hello world", "b", []string{"agent_data:ch:42"})

	results, err := idx.Search(ctx, "hello", []string{"agent_data:ch:42"}, 10, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].ID != "b" {
		t.Fatalf("expected only channel-42 doc, got %+v", results)
	}
}

func TestDeleteRemovesDocument(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	idx.Load(ctx, "x", "ephemeral note about rotating keys", "x", nil)
	if err := idx.Delete(ctx, "x"); err != nil {
		t.Fatal(err)
	}

	results, err := idx.Search(ctx, "rotating", nil, 10, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results after delete, got %+v", results)
	}
}

func TestSearchMMRReturnsDiverseResults(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	idx.Load(ctx, "1", "deploy the service to production cluster", "deploy a", nil)
	idx.Load(ctx, "2", "deploy the service to production cluster now", "deploy b", nil)
	idx.Load(ctx, "3", "roll back the deployment after failure", "rollback", nil)

	results, err := idx.Search(ctx, "deploy service production", nil, 2, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
}

func TestEmptyQueryReturnsNoResults(t *testing.T) {
	idx := newTestIndex(t)
	results, err := idx.Search(context.Background(), "   ", nil, 10, false)
	if err != nil {
		t.Fatal(err)
	}
	if results != nil {
		t.Fatalf("expected nil results for empty query, got %+v", results)
	}
}
