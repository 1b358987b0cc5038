package registry

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/goclaw/internal/store"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func TestAddEventHandlerRejectsUnknownEventType(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.AddEventHandler(ctx, "", "do something", "", []string{"no_such_type"})
	if err == nil {
		t.Fatal("expected an error for an unregistered event type")
	}
}

func TestAddEventHandlerRejectsUnknownChannel(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if err := r.RegisterEventType(ctx, "chat.message", "a chat message arrived"); err != nil {
		t.Fatal(err)
	}

	_, err := r.AddEventHandler(ctx, "", "reply", "no-such-channel", []string{"chat.message"})
	if err == nil {
		t.Fatal("expected an error for an unregistered channel")
	}
}

func TestAddEventHandlerSucceedsAndDispatchesInInsertOrder(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	r.RegisterEventType(ctx, "cron.tick", "")
	r.RegisterChannel(ctx, "telegram:1", "telegram", false, true)

	id1, err := r.AddEventHandler(ctx, "h1", "first", "telegram:1", []string{"cron.tick"})
	if err != nil {
		t.Fatal(err)
	}
	id2, err := r.AddEventHandler(ctx, "h2", "second", "telegram:1", []string{"cron.tick"})
	if err != nil {
		t.Fatal(err)
	}

	handlers, err := r.HandlersForEventType(ctx, "cron.tick")
	if err != nil {
		t.Fatal(err)
	}
	if len(handlers) != 2 || handlers[0].ID != id1 || handlers[1].ID != id2 {
		t.Fatalf("expected insertion-order dispatch [%s,%s], got %+v", id1, id2, handlers)
	}
}

func TestRemoveEventHandlerClearsJoin(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	r.RegisterEventType(ctx, "t1", "")
	id, err := r.AddEventHandler(ctx, "", "p", "", []string{"t1"})
	if err != nil {
		t.Fatal(err)
	}

	if err := r.RemoveEventHandler(ctx, id); err != nil {
		t.Fatal(err)
	}

	handlers, err := r.HandlersForEventType(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(handlers) != 0 {
		t.Fatalf("expected no handlers after removal, got %+v", handlers)
	}
}
