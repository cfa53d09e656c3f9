package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Record is one immutable row in the audit trail. Payload keeps the full
// event payload as it arrived; the trail never rewrites history.
type Record struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	OwnerID       string          `json:"owner_id"`
	TaskID        string          `json:"task_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	RecordedAt    time.Time       `json:"recorded_at"`
}

// Filter narrows an audit query. Zero-valued fields are not applied.
// OwnerID is always set by the HTTP layer from the caller's token.
type Filter struct {
	OwnerID   string
	TaskID    string
	EventType string
	From      time.Time
	To        time.Time
	Limit     int
}

const createAuditRecordsTableSQL = `
CREATE TABLE IF NOT EXISTS audit_records (
  event_id text PRIMARY KEY,
  event_type text NOT NULL,
  owner_id text NOT NULL,
  task_id text NOT NULL DEFAULT '',
  occurred_at timestamptz NOT NULL,
  correlation_id text NOT NULL DEFAULT '',
  payload jsonb NOT NULL,
  recorded_at timestamptz NOT NULL DEFAULT now()
)`

const createAuditRecordsOwnerIndexSQL = `
CREATE INDEX IF NOT EXISTS audit_records_owner_occurred_idx
ON audit_records (owner_id, occurred_at DESC)`

const insertAuditRecordSQL = `
INSERT INTO audit_records (event_id, event_type, owner_id, task_id, occurred_at, correlation_id, payload)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (event_id) DO NOTHING
`

type Repository struct {
	Pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{Pool: pool}
}

func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.Pool.Exec(ctx, createAuditRecordsTableSQL); err != nil {
		return err
	}
	if _, err := r.Pool.Exec(ctx, createAuditRecordsOwnerIndexSQL); err != nil {
		return err
	}
	return nil
}

func (r *Repository) Insert(ctx context.Context, record Record) error {
	_, err := r.Pool.Exec(ctx, insertAuditRecordSQL,
		record.EventID,
		record.EventType,
		record.OwnerID,
		record.TaskID,
		record.OccurredAt,
		record.CorrelationID,
		record.Payload,
	)
	return err
}

func (r *Repository) Query(ctx context.Context, filter Filter) ([]Record, error) {
	sql, args := buildQuery(filter)
	rows, err := r.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var record Record
		if err := rows.Scan(
			&record.EventID,
			&record.EventType,
			&record.OwnerID,
			&record.TaskID,
			&record.OccurredAt,
			&record.CorrelationID,
			&record.Payload,
			&record.RecordedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func buildQuery(filter Filter) (string, []any) {
	var sb strings.Builder
	sb.WriteString(`SELECT event_id, event_type, owner_id, task_id, occurred_at, correlation_id, payload, recorded_at
FROM audit_records
WHERE owner_id = $1`)
	args := []any{filter.OwnerID}

	if filter.TaskID != "" {
		args = append(args, filter.TaskID)
		fmt.Fprintf(&sb, " AND task_id = $%d", len(args))
	}
	if filter.EventType != "" {
		args = append(args, filter.EventType)
		fmt.Fprintf(&sb, " AND event_type = $%d", len(args))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		fmt.Fprintf(&sb, " AND occurred_at >= $%d", len(args))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		fmt.Fprintf(&sb, " AND occurred_at <= $%d", len(args))
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	fmt.Fprintf(&sb, " ORDER BY occurred_at DESC LIMIT $%d", len(args))

	return sb.String(), args
}
