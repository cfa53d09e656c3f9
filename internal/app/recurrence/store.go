package recurrence

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/taskpulse/project/internal/contracts"
)

const createOccurrencesTableSQL = `
CREATE TABLE IF NOT EXISTS recurrence_occurrences (
  source_task_id text NOT NULL,
  occurrence_index integer NOT NULL,
  claimed_at timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (source_task_id, occurrence_index)
)`

const claimOccurrenceSQL = `
INSERT INTO recurrence_occurrences (source_task_id, occurrence_index)
VALUES ($1, $2)
ON CONFLICT (source_task_id, occurrence_index) DO NOTHING
`

const insertGeneratedTaskSQL = `
INSERT INTO tasks (
  task_id, owner_id, title, description, status, priority,
  due_at, remind_at, reminder_channel, recurrence, occurrence_index,
  parent_task_id, tags, created_at, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (task_id) DO NOTHING
`

type PostgresStore struct {
	Pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{Pool: pool}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, createOccurrencesTableSQL)
	return err
}

// CreateOccurrence holds the claim and the task row in one transaction and
// commits only after publish succeeds, so a transient failure at any point
// leaves the dedup key unclaimed for the redelivery.
func (s *PostgresStore) CreateOccurrence(ctx context.Context, task contracts.TaskSnapshot, publish func() error) (bool, error) {
	var recurrence []byte
	if task.Recurrence != nil {
		data, err := json.Marshal(task.Recurrence)
		if err != nil {
			return false, err
		}
		recurrence = data
	}

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, claimOccurrenceSQL, task.ParentTaskID, task.OccurrenceIndex)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	_, err = tx.Exec(ctx, insertGeneratedTaskSQL,
		task.TaskID,
		task.OwnerID,
		task.Title,
		task.Description,
		task.Status,
		task.Priority,
		task.DueAt,
		task.RemindAt,
		task.ReminderChannel,
		recurrence,
		task.OccurrenceIndex,
		task.ParentTaskID,
		task.Tags,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return false, err
	}
	if err := publish(); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}
