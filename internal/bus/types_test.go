package bus

import (
	"context"
	"testing"
	"time"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue()
	q.Push(Event{Kind: KindChannel, EventType: "a"})
	q.Push(Event{Kind: KindChannel, EventType: "b"})

	ctx := context.Background()
	ev1, ok := q.Pop(ctx)
	if !ok || ev1.EventType != "a" {
		t.Fatalf("expected first event %q, got %+v ok=%v", "a", ev1, ok)
	}
	ev2, ok := q.Pop(ctx)
	if !ok || ev2.EventType != "b" {
		t.Fatalf("expected second event %q, got %+v ok=%v", "b", ev2, ok)
	}
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan Event, 1)
	go func() {
		ev, ok := q.Pop(ctx)
		if ok {
			done <- ev
		}
	}()

	time.Sleep(10 * time.Millisecond)
	q.Push(Event{Kind: KindReplInput, EventType: "repl.input"})

	select {
	case ev := <-done:
		if ev.EventType != "repl.input" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for pushed event")
	}
}

func TestQueuePopCancelled(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := q.Pop(ctx)
	if ok {
		t.Fatal("expected Pop to return false on cancelled context with empty queue")
	}
}
