// Package scheduler implements spec §4.5: cron-scheduled jobs persisted in
// internal/store, ticked once a minute, each due job enqueuing a
// ScheduledEvent onto the router's bus.Queue.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/registry"
	"github.com/nextlevelbuilder/goclaw/internal/store"
)

// JobEventTypePrefix is prepended to a job's name to form its synthetic
// event type, per spec §3's invariant on scheduled job event types.
const JobEventTypePrefix = "tempus_job:"

// tickInterval is how often the scheduler checks for due jobs. Missed ticks
// (process was down) are not replayed, per spec §4.5.
const tickInterval = time.Minute

// Job is a persisted cron job.
type Job struct {
	Name      string
	CronExpr  string
	Prompt    string
	ChannelID string
	Timezone  string
}

// Scheduler owns the cron matcher and the job store, and drives ticks.
type Scheduler struct {
	db       *store.DB
	registry *registry.Registry
	queue    *bus.Queue
	gron     gronx.Gronx
	retry    config.RetryConfig
}

// New builds a Scheduler. db and registry share the same underlying
// database; queue is the router's event queue. Tick failures (listing jobs
// from the database) are retried per config.DefaultRetryConfig; use
// NewWithRetry to override it.
func New(db *store.DB, reg *registry.Registry, queue *bus.Queue) *Scheduler {
	return NewWithRetry(db, reg, queue, config.DefaultRetryConfig())
}

// NewWithRetry builds a Scheduler with an explicit retry policy, normally
// derived from config.CronConfig.ToRetryConfig.
func NewWithRetry(db *store.DB, reg *registry.Registry, queue *bus.Queue, retry config.RetryConfig) *Scheduler {
	return &Scheduler{db: db, registry: reg, queue: queue, gron: gronx.New(), retry: retry}
}

// AddJob registers a synthetic event type "tempus_job:<name>", a matching
// event handler carrying the job's prompt and channel, and the cron job row
// itself, whose only effect when due is that tick enqueues a KindScheduled
// event of that type — all three per spec §4.5.
func (s *Scheduler) AddJob(ctx context.Context, name, cronExpr, prompt, channelID, timezone string) error {
	if !gronx.IsValid(cronExpr) {
		return fmt.Errorf("invalid cron expression %q", cronExpr)
	}

	eventType := JobEventTypePrefix + name
	if err := s.registry.RegisterEventType(ctx, eventType, "scheduled job: "+name); err != nil {
		return fmt.Errorf("register event type: %w", err)
	}

	if _, err := s.registry.AddEventHandler(ctx, jobHandlerID(name), prompt, channelID, []string{eventType}); err != nil {
		return fmt.Errorf("register handler: %w", err)
	}

	if err := s.db.UpsertCronJob(ctx, store.CronJobRow{
		Name:      name,
		CronExpr:  cronExpr,
		Prompt:    prompt,
		ChannelID: channelID,
		Timezone:  timezone,
	}); err != nil {
		return fmt.Errorf("persist cron job: %w", err)
	}

	return nil
}

// RemoveJob deletes the job row, its handler, and its event type — undoing
// everything AddJob created.
func (s *Scheduler) RemoveJob(ctx context.Context, name string) error {
	if err := s.db.DeleteCronJob(ctx, name); err != nil {
		return err
	}
	if err := s.registry.RemoveEventHandler(ctx, jobHandlerID(name)); err != nil {
		return err
	}
	return s.db.DeleteEventType(ctx, JobEventTypePrefix+name)
}

func jobHandlerID(jobName string) string {
	return "scheduler:" + jobName
}

// ListJobs returns every persisted cron job.
func (s *Scheduler) ListJobs(ctx context.Context) ([]Job, error) {
	rows, err := s.db.ListCronJobs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Job, len(rows))
	for i, r := range rows {
		out[i] = Job{Name: r.Name, CronExpr: r.CronExpr, Prompt: r.Prompt, ChannelID: r.ChannelID, Timezone: r.Timezone}
	}
	return out, nil
}

// Run drives the tick loop until ctx is cancelled. It runs in its own
// goroutine, independent of the router.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// listJobsWithRetry retries a failing ListJobs call with exponential backoff
// (capped at retry.MaxDelay), since a single tick's worth of due jobs is
// worth a few seconds' delay rather than a silently skipped minute.
func (s *Scheduler) listJobsWithRetry(ctx context.Context) ([]Job, error) {
	delay := s.retry.BaseDelay
	var lastErr error
	for attempt := 0; attempt <= s.retry.MaxRetries; attempt++ {
		jobs, err := s.ListJobs(ctx)
		if err == nil {
			return jobs, nil
		}
		lastErr = err
		if attempt == s.retry.MaxRetries {
			break
		}
		slog.Warn("scheduler: failed to list jobs, retrying", "error", err, "attempt", attempt+1, "delay", delay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > s.retry.MaxDelay {
			delay = s.retry.MaxDelay
		}
	}
	return nil, lastErr
}

func (s *Scheduler) tick(ctx context.Context) {
	jobs, err := s.listJobsWithRetry(ctx)
	if err != nil {
		slog.Error("scheduler: giving up on this tick, failed to list jobs", "error", err, "attempts", s.retry.MaxRetries+1)
		return
	}

	now := time.Now()
	for _, job := range jobs {
		moment := now
		if job.Timezone != "" {
			if loc, err := time.LoadLocation(job.Timezone); err == nil {
				moment = now.In(loc)
			} else {
				slog.Warn("scheduler: unknown timezone, using local time", "job", job.Name, "timezone", job.Timezone)
			}
		}

		due, err := s.gron.IsDue(job.CronExpr, moment)
		if err != nil {
			slog.Warn("scheduler: bad cron expression", "job", job.Name, "expr", job.CronExpr, "error", err)
			continue
		}
		if !due {
			continue
		}

		s.queue.Push(bus.Event{
			Kind:      bus.KindScheduled,
			EventType: JobEventTypePrefix + job.Name,
			Scheduled: bus.ScheduledPayload{JobName: job.Name},
		})
	}
}
