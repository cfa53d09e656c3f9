package reminder

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Job is a persisted reminder row. Status moves scheduled -> fired,
// scheduled -> cancelled, or fired -> failed; every transition is a
// compare-and-set on the previous status, so a cancel and a fire racing on
// the same job resolve to exactly one winner.
type Job struct {
	JobID     string
	TaskID    string
	OwnerID   string
	RemindAt  time.Time
	Channel   string
	Message   string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Store interface {
	UpsertScheduled(ctx context.Context, job Job) error
	// CancelForTask cancels every scheduled job for the task except keepJobID
	// (pass "" to cancel all) and returns the jobs it cancelled.
	CancelForTask(ctx context.Context, taskID, keepJobID string) ([]Job, error)
	// MarkFired transitions a scheduled job to fired. It returns nil, nil when
	// the job was already cancelled or fired.
	MarkFired(ctx context.Context, jobID string) (*Job, error)
	MarkFailed(ctx context.Context, jobID string) error
	ListScheduled(ctx context.Context) ([]Job, error)
}

const createReminderJobsTableSQL = `
CREATE TABLE IF NOT EXISTS reminder_jobs (
  job_id text PRIMARY KEY,
  task_id text NOT NULL,
  owner_id text NOT NULL,
  remind_at timestamptz NOT NULL,
  channel text NOT NULL DEFAULT '',
  message text NOT NULL DEFAULT '',
  status text NOT NULL DEFAULT 'scheduled',
  created_at timestamptz NOT NULL DEFAULT now(),
  updated_at timestamptz NOT NULL DEFAULT now()
)`

const createReminderJobsTaskIndexSQL = `
CREATE INDEX IF NOT EXISTS reminder_jobs_task_status_idx
ON reminder_jobs (task_id, status)`

const upsertScheduledSQL = `
INSERT INTO reminder_jobs (job_id, task_id, owner_id, remind_at, channel, message, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, 'scheduled', $7, $7)
ON CONFLICT (job_id) DO UPDATE
SET remind_at = EXCLUDED.remind_at,
    channel = EXCLUDED.channel,
    message = EXCLUDED.message,
    status = 'scheduled',
    updated_at = EXCLUDED.updated_at
WHERE reminder_jobs.status <> 'fired'
`

const cancelForTaskSQL = `
UPDATE reminder_jobs
SET status = 'cancelled', updated_at = now()
WHERE task_id = $1 AND status = 'scheduled' AND job_id <> $2
RETURNING job_id, task_id, owner_id, remind_at, channel, message, status, created_at, updated_at
`

const markFiredSQL = `
UPDATE reminder_jobs
SET status = 'fired', updated_at = now()
WHERE job_id = $1 AND status = 'scheduled'
RETURNING job_id, task_id, owner_id, remind_at, channel, message, status, created_at, updated_at
`

const markFailedSQL = `
UPDATE reminder_jobs
SET status = 'failed', updated_at = now()
WHERE job_id = $1 AND status = 'fired'
`

const listScheduledSQL = `
SELECT job_id, task_id, owner_id, remind_at, channel, message, status, created_at, updated_at
FROM reminder_jobs
WHERE status = 'scheduled'
ORDER BY remind_at
`

type PostgresStore struct {
	Pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{Pool: pool}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, createReminderJobsTableSQL); err != nil {
		return err
	}
	if _, err := s.Pool.Exec(ctx, createReminderJobsTaskIndexSQL); err != nil {
		return err
	}
	return nil
}

func (s *PostgresStore) UpsertScheduled(ctx context.Context, job Job) error {
	_, err := s.Pool.Exec(ctx, upsertScheduledSQL,
		job.JobID, job.TaskID, job.OwnerID, job.RemindAt, job.Channel, job.Message, job.UpdatedAt)
	return err
}

func (s *PostgresStore) CancelForTask(ctx context.Context, taskID, keepJobID string) ([]Job, error) {
	rows, err := s.Pool.Query(ctx, cancelForTaskSQL, taskID, keepJobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *PostgresStore) MarkFired(ctx context.Context, jobID string) (*Job, error) {
	row := s.Pool.QueryRow(ctx, markFiredSQL, jobID)
	job, err := scanJob(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, jobID string) error {
	_, err := s.Pool.Exec(ctx, markFailedSQL, jobID)
	return err
}

func (s *PostgresStore) ListScheduled(ctx context.Context) ([]Job, error) {
	rows, err := s.Pool.Query(ctx, listScheduledSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

func scanJob(row pgx.Row) (Job, error) {
	var job Job
	err := row.Scan(&job.JobID, &job.TaskID, &job.OwnerID, &job.RemindAt,
		&job.Channel, &job.Message, &job.Status, &job.CreatedAt, &job.UpdatedAt)
	return job, err
}

func scanJobs(rows pgx.Rows) ([]Job, error) {
	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
