package taskapi

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/taskpulse/project/internal/contracts"
)

var ErrTaskNotFound = errors.New("task not found")

const createTasksTableSQL = `
CREATE TABLE IF NOT EXISTS tasks (
  task_id text PRIMARY KEY,
  owner_id text NOT NULL,
  title text NOT NULL,
  description text NOT NULL DEFAULT '',
  status text NOT NULL DEFAULT 'pending',
  priority text NOT NULL DEFAULT 'medium',
  due_at timestamptz,
  remind_at timestamptz,
  reminder_channel text NOT NULL DEFAULT '',
  recurrence jsonb,
  occurrence_index integer NOT NULL DEFAULT 0,
  parent_task_id text NOT NULL DEFAULT '',
  tags text[] NOT NULL DEFAULT '{}',
  completed_at timestamptz,
  deleted_at timestamptz,
  created_at timestamptz NOT NULL,
  updated_at timestamptz NOT NULL
)`

const createTasksOwnerIndexSQL = `
CREATE INDEX IF NOT EXISTS tasks_owner_updated_idx
ON tasks (owner_id, updated_at DESC)`

const insertTaskSQL = `
INSERT INTO tasks (
  task_id, owner_id, title, description, status, priority,
  due_at, remind_at, reminder_channel, recurrence, occurrence_index,
  parent_task_id, tags, completed_at, deleted_at, created_at, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
ON CONFLICT (task_id) DO NOTHING
`

const updateTaskSQL = `
UPDATE tasks
SET title = $3,
    description = $4,
    status = $5,
    priority = $6,
    due_at = $7,
    remind_at = $8,
    reminder_channel = $9,
    recurrence = $10,
    tags = $11,
    completed_at = $12,
    deleted_at = $13,
    updated_at = $14
WHERE task_id = $1 AND owner_id = $2
`

const selectTaskSQL = `
SELECT task_id, owner_id, title, description, status, priority,
       due_at, remind_at, reminder_channel, recurrence, occurrence_index,
       parent_task_id, tags, completed_at, deleted_at, created_at, updated_at
FROM tasks
WHERE task_id = $1 AND owner_id = $2
`

const listTasksSQL = `
SELECT task_id, owner_id, title, description, status, priority,
       due_at, remind_at, reminder_channel, recurrence, occurrence_index,
       parent_task_id, tags, completed_at, deleted_at, created_at, updated_at
FROM tasks
WHERE owner_id = $1
  AND ($2 OR deleted_at IS NULL)
  AND ($3 = '' OR status = $3)
ORDER BY updated_at DESC
LIMIT $4
`

// Repository persists task state. The generated follow-on rows from the
// recurrence engine land in the same table, so reads see them immediately.
type Repository interface {
	Insert(ctx context.Context, task contracts.TaskSnapshot) error
	Update(ctx context.Context, task contracts.TaskSnapshot) error
	Get(ctx context.Context, ownerID, taskID string) (contracts.TaskSnapshot, error)
	List(ctx context.Context, ownerID string, includeDeleted bool, status string, limit int) ([]contracts.TaskSnapshot, error)
}

type PostgresRepository struct {
	Pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{Pool: pool}
}

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.Pool.Exec(ctx, createTasksTableSQL); err != nil {
		return err
	}
	if _, err := r.Pool.Exec(ctx, createTasksOwnerIndexSQL); err != nil {
		return err
	}
	return nil
}

func (r *PostgresRepository) Insert(ctx context.Context, task contracts.TaskSnapshot) error {
	recurrence, err := marshalRecurrence(task.Recurrence)
	if err != nil {
		return err
	}
	_, err = r.Pool.Exec(ctx, insertTaskSQL,
		task.TaskID, task.OwnerID, task.Title, task.Description, task.Status, task.Priority,
		task.DueAt, task.RemindAt, task.ReminderChannel, recurrence, task.OccurrenceIndex,
		task.ParentTaskID, task.Tags, task.CompletedAt, task.DeletedAt, task.CreatedAt, task.UpdatedAt,
	)
	return err
}

func (r *PostgresRepository) Update(ctx context.Context, task contracts.TaskSnapshot) error {
	recurrence, err := marshalRecurrence(task.Recurrence)
	if err != nil {
		return err
	}
	tag, err := r.Pool.Exec(ctx, updateTaskSQL,
		task.TaskID, task.OwnerID, task.Title, task.Description, task.Status, task.Priority,
		task.DueAt, task.RemindAt, task.ReminderChannel, recurrence, task.Tags,
		task.CompletedAt, task.DeletedAt, task.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, ownerID, taskID string) (contracts.TaskSnapshot, error) {
	row := r.Pool.QueryRow(ctx, selectTaskSQL, taskID, ownerID)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return contracts.TaskSnapshot{}, ErrTaskNotFound
	}
	return task, err
}

func (r *PostgresRepository) List(ctx context.Context, ownerID string, includeDeleted bool, status string, limit int) ([]contracts.TaskSnapshot, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.Pool.Query(ctx, listTasksSQL, ownerID, includeDeleted, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := make([]contracts.TaskSnapshot, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanTask(row pgx.Row) (contracts.TaskSnapshot, error) {
	var task contracts.TaskSnapshot
	var recurrence []byte
	err := row.Scan(
		&task.TaskID, &task.OwnerID, &task.Title, &task.Description, &task.Status, &task.Priority,
		&task.DueAt, &task.RemindAt, &task.ReminderChannel, &recurrence, &task.OccurrenceIndex,
		&task.ParentTaskID, &task.Tags, &task.CompletedAt, &task.DeletedAt, &task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		return contracts.TaskSnapshot{}, err
	}
	if len(recurrence) > 0 {
		var rule contracts.RecurrenceRule
		if err := json.Unmarshal(recurrence, &rule); err != nil {
			return contracts.TaskSnapshot{}, err
		}
		task.Recurrence = &rule
	}
	return task, nil
}

func marshalRecurrence(rule *contracts.RecurrenceRule) ([]byte, error) {
	if rule == nil {
		return nil, nil
	}
	return json.Marshal(rule)
}
