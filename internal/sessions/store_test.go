package sessions

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/goclaw/internal/providers"
	"github.com/nextlevelbuilder/goclaw/internal/search"
	"github.com/nextlevelbuilder/goclaw/internal/store"
)

func newTestStore(t *testing.T) *Store {
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
	return NewStore(db, idx)
}

func TestAppendAndLoadFoldsMessagesInOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.AppendEntry(ctx, "sess-1", Entry{
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendEntry(ctx, "sess-1", Entry{
		Messages: []providers.Message{{Role: "assistant", Content: "hello"}},
	}); err != nil {
		t.Fatal(err)
	}

	state, err := s.Load(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(state.Messages) != 2 || state.Messages[0].Content != "hi" || state.Messages[1].Content != "hello" {
		t.Fatalf("unexpected fold order: %+v", state.Messages)
	}
}

func TestCompactionEntryReplacesPriorMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s.AppendEntry(ctx, "sess-2", Entry{Messages: []providers.Message{{Role: "user", Content: "turn"}}})
	}
	s.AppendEntry(ctx, "sess-2", Entry{
		IsCompaction: true,
		Messages:     []providers.Message{{Role: "system", Content: "summary of prior turns"}},
	})

	state, err := s.Load(ctx, "sess-2")
	if err != nil {
		t.Fatal(err)
	}
	if len(state.Messages) != 1 || state.Messages[0].Content != "summary of prior turns" {
		t.Fatalf("expected compaction to replace history, got %+v", state.Messages)
	}
}

func TestResolveBuildsBridgeContextOnRotation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sid1, bridge, err := s.Resolve(ctx, "chan:1")
	if err != nil || bridge != "" {
		t.Fatalf("first resolve should not rotate: bridge=%q err=%v", bridge, err)
	}
	s.AppendEntry(ctx, sid1, Entry{Messages: []providers.Message{{Role: "user", Content: "remember the deploy window"}}})

	if _, err := s.db.Conn().ExecContext(ctx, `UPDATE session_keys SET last_activity_at = '2000-01-01T00:00:00Z' WHERE session_key = ?`, "chan:1"); err != nil {
		t.Fatal(err)
	}

	sid2, bridge, err := s.Resolve(ctx, "chan:1")
	if err != nil {
		t.Fatal(err)
	}
	if sid2 == sid1 {
		t.Fatal("expected rotation to a new session id")
	}
	if bridge == "" {
		t.Fatal("expected a non-empty bridge context after rotation")
	}
}

func TestRejectPendingClearsAndSynthesizesToolResults(t *testing.T) {
	state := AgentState{PendingToolCalls: []PendingToolCall{{CallID: "c1", Name: "delete_all"}}}
	newState, rejections := RejectPending(state)

	if len(newState.PendingToolCalls) != 0 {
		t.Fatal("expected pending calls cleared")
	}
	if len(rejections) != 1 || rejections[0].ToolCallID != "c1" || rejections[0].Content != FixedRejectionReason {
		t.Fatalf("unexpected rejections: %+v", rejections)
	}
}

func TestScrubEvictsAgentDataSearchDocuments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.db.PutAgentData(ctx, store.AgentDataRow{Key: "note:1", Value: "hi", PostID: "p1"}); err != nil {
		t.Fatal(err)
	}
	s.idx.Load(ctx, "agent_data:note:1", "hi", "", nil)

	if err := s.Scrub(ctx, "p1"); err != nil {
		t.Fatal(err)
	}

	results, err := s.idx.Search(ctx, "hi", nil, 10, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Fatalf("expected agent_data search doc evicted, got %+v", results)
	}
}
