package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/registry"
	"github.com/nextlevelbuilder/goclaw/internal/store"
)

func newTestScheduler(t *testing.T) (*Scheduler, *bus.Queue) {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	reg := registry.New(db)
	q := bus.NewQueue()
	return New(db, reg, q), q
}

func TestAddJobRejectsInvalidCronExpression(t *testing.T) {
	s, _ := newTestScheduler(t)
	err := s.AddJob(context.Background(), "digest", "not a cron expr", "summarize", "", "")
	if err == nil {
		t.Fatal("expected an error for an invalid cron expression")
	}
}

func TestAddJobRegistersEventTypeHandlerAndRow(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	if err := s.AddJob(ctx, "digest", "* * * * *", "summarize today", "", ""); err != nil {
		t.Fatal(err)
	}

	jobs, err := s.ListJobs(ctx)
	if err != nil || len(jobs) != 1 || jobs[0].Name != "digest" {
		t.Fatalf("unexpected jobs: %+v err=%v", jobs, err)
	}

	handlers, err := s.registry.HandlersForEventType(ctx, "tempus_job:digest")
	if err != nil || len(handlers) != 1 {
		t.Fatalf("expected one handler for the job's event type, got %+v err=%v", handlers, err)
	}
}

func TestRemoveJobDeletesEventTypeHandlerAndRow(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	s.AddJob(ctx, "digest", "* * * * *", "summarize", "", "")
	if err := s.RemoveJob(ctx, "digest"); err != nil {
		t.Fatal(err)
	}

	jobs, err := s.ListJobs(ctx)
	if err != nil || len(jobs) != 0 {
		t.Fatalf("expected no jobs after removal, got %+v", jobs)
	}

	handlers, err := s.registry.HandlersForEventType(ctx, "tempus_job:digest")
	if err != nil || len(handlers) != 0 {
		t.Fatalf("expected no handlers after removal, got %+v", handlers)
	}
}

func TestTickEnqueuesDueJobs(t *testing.T) {
	s, q := newTestScheduler(t)
	ctx := context.Background()

	// "* * * * *" is due every minute, so a tick always fires it.
	if err := s.AddJob(ctx, "always", "* * * * *", "run", "", ""); err != nil {
		t.Fatal(err)
	}

	s.tick(ctx)

	if q.Len() != 1 {
		t.Fatalf("expected one enqueued event, got %d", q.Len())
	}
	ev, ok := q.Pop(ctx)
	if !ok || ev.EventType != "tempus_job:always" || ev.Kind != bus.KindScheduled {
		t.Fatalf("unexpected event: %+v ok=%v", ev, ok)
	}
}

func TestListJobsWithRetryFailsAfterExhaustingRetries(t *testing.T) {
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	reg := registry.New(db)
	s := NewWithRetry(db, reg, bus.NewQueue(), config.RetryConfig{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	})

	if err := s.AddJob(context.Background(), "digest", "* * * * *", "summarize", "", ""); err != nil {
		t.Fatal(err)
	}

	db.Close() // force ListJobs to fail
	if _, err := s.listJobsWithRetry(context.Background()); err == nil {
		t.Fatal("expected an error once retries are exhausted against a closed database")
	}
}
