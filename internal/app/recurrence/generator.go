package recurrence

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nuid"
	"github.com/taskpulse/project/internal/contracts"
	"github.com/taskpulse/project/internal/sharding"
)

var ErrInvalidEventPayload = errors.New("invalid event payload")

type PublishFunc func(subject string, payload []byte) error

// Store persists occurrence dedup keys and the generated task rows.
type Store interface {
	// CreateOccurrence claims (task.ParentTaskID, task.OccurrenceIndex) and
	// inserts the generated task in one transaction. The claim commits only
	// after publish returns nil; any failure rolls it back so a redelivered
	// completion retries the whole step. It reports false when the key was
	// already claimed, which makes redelivered completion events no-ops.
	CreateOccurrence(ctx context.Context, task contracts.TaskSnapshot, publish func() error) (bool, error)
}

// Generator consumes completion events for recurring tasks and emits the next
// occurrence.
type Generator struct {
	Store   Store
	Publish PublishFunc
	Now     func() time.Time
	NewID   func() string
}

func NewGenerator(store Store, publish PublishFunc) *Generator {
	return &Generator{
		Store:   store,
		Publish: publish,
		Now:     func() time.Time { return time.Now().UTC() },
		NewID:   nuid.Next,
	}
}

func (g *Generator) Handle(ctx context.Context, payload []byte) error {
	var event contracts.Envelope
	if err := json.Unmarshal(payload, &event); err != nil {
		return ErrInvalidEventPayload
	}
	if event.EventType != contracts.TaskCompleted {
		return nil
	}
	task := event.Payload.Task
	if task == nil || task.Recurrence == nil {
		return nil
	}

	rule := *task.Recurrence
	if err := ValidateRule(&rule); err != nil {
		return err
	}

	index := task.OccurrenceIndex
	if index < 1 {
		index = 1
	}
	nextIndex := index + 1
	if rule.Count > 0 && nextIndex > rule.Count {
		return nil
	}

	// Anchor on the due date so the cadence is stable regardless of when the
	// user actually completed the task. A task without a due date anchors on
	// its completion time.
	anchor := g.Now()
	if task.DueAt != nil {
		anchor = *task.DueAt
	} else if task.CompletedAt != nil {
		anchor = *task.CompletedAt
	}
	nextDue, err := NextAfter(anchor, rule)
	if err != nil {
		return err
	}
	if rule.Until != nil && nextDue.After(*rule.Until) {
		return nil
	}

	next := g.nextSnapshot(*task, rule, nextDue, nextIndex)

	out := contracts.Envelope{
		EventID:       g.NewID(),
		EventType:     contracts.TaskCreated,
		OwnerID:       next.OwnerID,
		TaskID:        next.TaskID,
		OccurredAt:    g.Now(),
		CorrelationID: event.EventID,
		Payload:       contracts.Payload{Task: &next},
	}
	data, err := json.Marshal(out)
	if err != nil {
		return err
	}

	// Claim, insert and publish succeed or fail as a unit. A false claim is
	// a redelivered completion whose next occurrence already exists.
	_, err = g.Store.CreateOccurrence(ctx, next, func() error {
		return g.Publish(sharding.TaskEventSubject(next.OwnerID), data)
	})
	return err
}

func (g *Generator) nextSnapshot(task contracts.TaskSnapshot, rule contracts.RecurrenceRule, nextDue time.Time, nextIndex int) contracts.TaskSnapshot {
	now := g.Now()

	next := task
	next.TaskID = g.NewID()
	next.Status = contracts.StatusPending
	next.DueAt = &nextDue
	next.Recurrence = &rule
	next.OccurrenceIndex = nextIndex
	next.ParentTaskID = task.TaskID
	next.CompletedAt = nil
	next.DeletedAt = nil
	next.CreatedAt = now
	next.UpdatedAt = now

	// Keep the reminder the same distance ahead of the due date.
	next.RemindAt = nil
	if task.RemindAt != nil && task.DueAt != nil {
		lead := task.DueAt.Sub(*task.RemindAt)
		remindAt := nextDue.Add(-lead)
		next.RemindAt = &remindAt
	}
	return next
}

// IsDiscard reports whether err marks input that redelivery can never fix.
func IsDiscard(err error) bool {
	return errors.Is(err, ErrInvalidEventPayload) || errors.Is(err, ErrMalformedRule)
}
