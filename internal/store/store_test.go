package store

import (
	"context"
	"testing"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	if err := db.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestChannelRoundtrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.UpsertChannel(ctx, ChannelRow{ID: "telegram:1", TypeName: "telegram", IsGroup: true}); err != nil {
		t.Fatalf("UpsertChannel: %v", err)
	}

	row, ok, err := db.GetChannel(ctx, "telegram:1")
	if err != nil || !ok {
		t.Fatalf("GetChannel: %+v ok=%v err=%v", row, ok, err)
	}
	if !row.IsGroup || row.IsPrivate {
		t.Fatalf("unexpected channel flags: %+v", row)
	}

	exists, err := db.ChannelExists(ctx, "missing")
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Fatal("expected missing channel to not exist")
	}
}

func TestHandlerUpsertReplacesJoinAtomically(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.UpsertEventType(ctx, "a", "event a"); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertEventType(ctx, "b", "event b"); err != nil {
		t.Fatal(err)
	}

	h := HandlerRow{ID: "h1", Prompt: "do x", EventTypeNames: []string{"a", "b"}}
	if err := db.UpsertHandler(ctx, h); err != nil {
		t.Fatal(err)
	}

	handlers, err := db.HandlersForEventType(ctx, "a")
	if err != nil || len(handlers) != 1 {
		t.Fatalf("HandlersForEventType(a): %+v err=%v", handlers, err)
	}

	// Re-upsert with a narrower type set — old join rows must be cleared.
	h.EventTypeNames = []string{"a"}
	if err := db.UpsertHandler(ctx, h); err != nil {
		t.Fatal(err)
	}
	handlersB, err := db.HandlersForEventType(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if len(handlersB) != 0 {
		t.Fatalf("expected handler no longer joined to b, got %+v", handlersB)
	}
}

func TestSessionAppendAndCount(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := db.AppendEntry(ctx, SessionEntryRow{SessionID: "s1", MessagesJSON: "[]"}); err != nil {
			t.Fatal(err)
		}
	}

	n, err := db.EntryCount(ctx, "s1")
	if err != nil || n != 3 {
		t.Fatalf("EntryCount = %d, err %v", n, err)
	}

	entries, err := db.Entries(ctx, "s1", 1, 0)
	if err != nil || len(entries) != 3 {
		t.Fatalf("Entries = %+v, err %v", entries, err)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].ID <= entries[i-1].ID {
			t.Fatalf("entries not strictly ordered by id: %+v", entries)
		}
	}
}

func TestResolveRotatesOnStaleness(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	id1, rotated, _, err := db.Resolve(ctx, "chan:1")
	if err != nil || rotated {
		t.Fatalf("first resolve: id=%s rotated=%v err=%v", id1, rotated, err)
	}

	id2, rotated, _, err := db.Resolve(ctx, "chan:1")
	if err != nil || rotated || id2 != id1 {
		t.Fatalf("second resolve should reuse session: id=%s rotated=%v err=%v", id2, rotated, err)
	}

	// Force staleness by rewriting last_activity_at into the past.
	if _, err := db.conn.ExecContext(ctx, `UPDATE session_keys SET last_activity_at = '2000-01-01T00:00:00Z' WHERE session_key = ?`, "chan:1"); err != nil {
		t.Fatal(err)
	}

	id3, rotated, prev, err := db.Resolve(ctx, "chan:1")
	if err != nil || !rotated || id3 == id1 || prev != id1 {
		t.Fatalf("expected rotation: id3=%s rotated=%v prev=%s err=%v", id3, rotated, prev, err)
	}
}

func TestScrubSoftDeletesEntriesAndHardDeletesAgentData(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := db.AppendEntry(ctx, SessionEntryRow{SessionID: "s1", MessagesJSON: "[]", PostID: "p1"}); err != nil {
		t.Fatal(err)
	}
	if err := db.PutAgentData(ctx, AgentDataRow{Key: "note:1", Value: "hi", PostID: "p1"}); err != nil {
		t.Fatal(err)
	}

	removed, err := db.Scrub(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 1 || removed[0] != "note:1" {
		t.Fatalf("expected note:1 removed, got %v", removed)
	}

	n, err := db.EntryCount(ctx, "s1")
	if err != nil || n != 1 {
		t.Fatalf("scrub must not remove the session entry row, count=%d err=%v", n, err)
	}

	entries, err := db.Entries(ctx, "s1", 1, 0)
	if err != nil || len(entries) != 1 || !entries[0].Deleted {
		t.Fatalf("expected soft-deleted entry, got %+v err=%v", entries, err)
	}

	_, ok, err := db.GetAgentData(ctx, "note:1")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected agent_data row to be hard-deleted")
	}
}
