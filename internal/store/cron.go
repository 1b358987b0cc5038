package store

import (
	"context"
	"database/sql"
	"errors"
)

// CronJobRow is a row of the cron_jobs table.
type CronJobRow struct {
	Name      string
	CronExpr  string
	Prompt    string
	ChannelID string
	Timezone  string
}

// UpsertCronJob inserts or replaces a cron job row.
func (db *DB) UpsertCronJob(ctx context.Context, job CronJobRow) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO cron_jobs (name, cron_expr, prompt, channel_id, timezone) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET cron_expr=excluded.cron_expr, prompt=excluded.prompt, channel_id=excluded.channel_id, timezone=excluded.timezone
	`, job.Name, job.CronExpr, job.Prompt, job.ChannelID, job.Timezone)
	return err
}

// GetCronJob returns a cron job by name.
func (db *DB) GetCronJob(ctx context.Context, name string) (CronJobRow, bool, error) {
	var job CronJobRow
	err := db.conn.QueryRowContext(ctx, `SELECT name, cron_expr, prompt, channel_id, timezone FROM cron_jobs WHERE name = ?`, name).
		Scan(&job.Name, &job.CronExpr, &job.Prompt, &job.ChannelID, &job.Timezone)
	if errors.Is(err, sql.ErrNoRows) {
		return CronJobRow{}, false, nil
	}
	return job, err == nil, err
}

// DeleteCronJob removes a cron job row.
func (db *DB) DeleteCronJob(ctx context.Context, name string) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM cron_jobs WHERE name = ?`, name)
	return err
}

// ListCronJobs returns all persisted cron jobs, used to rehydrate the
// scheduler's in-memory timer set on startup.
func (db *DB) ListCronJobs(ctx context.Context) ([]CronJobRow, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT name, cron_expr, prompt, channel_id, timezone FROM cron_jobs ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CronJobRow
	for rows.Next() {
		var job CronJobRow
		if err := rows.Scan(&job.Name, &job.CronExpr, &job.Prompt, &job.ChannelID, &job.Timezone); err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}
