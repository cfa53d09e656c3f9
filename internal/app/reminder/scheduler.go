package reminder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nuid"
	"github.com/taskpulse/project/internal/contracts"
	"github.com/taskpulse/project/internal/platform/metrics"
	"github.com/taskpulse/project/internal/sharding"
)

var ErrInvalidEventPayload = errors.New("invalid event payload")

type PublishFunc func(subject string, payload []byte) error

// Clock schedules and cancels trigger-time wakeups.
type Clock interface {
	Schedule(jobID string, at time.Time)
	Cancel(jobID string)
}

// Scheduler keeps reminder jobs in sync with task lifecycle events and turns
// due jobs into reminder.triggered events.
type Scheduler struct {
	Store   Store
	Clock   Clock
	Publish PublishFunc
	Now     func() time.Time
	NewID   func() string
}

func NewScheduler(store Store, clock Clock, publish PublishFunc) *Scheduler {
	return &Scheduler{
		Store:   store,
		Clock:   clock,
		Publish: publish,
		Now:     func() time.Time { return time.Now().UTC() },
		NewID:   nuid.Next,
	}
}

// Restore reloads scheduled jobs into the clock after a restart.
func (s *Scheduler) Restore(ctx context.Context) (int, error) {
	jobs, err := s.Store.ListScheduled(ctx)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		s.Clock.Schedule(job.JobID, job.RemindAt)
	}
	return len(jobs), nil
}

func (s *Scheduler) Handle(ctx context.Context, payload []byte) error {
	var event contracts.Envelope
	if err := json.Unmarshal(payload, &event); err != nil {
		return ErrInvalidEventPayload
	}
	task := event.Payload.Task
	if task == nil {
		if contracts.IsTaskEvent(event.EventType) {
			return ErrInvalidEventPayload
		}
		return nil
	}

	switch event.EventType {
	case contracts.TaskCreated, contracts.TaskRestored:
		if !s.remindInFuture(task) {
			return nil
		}
		return s.schedule(ctx, event, *task)
	case contracts.TaskUpdated:
		if !s.remindInFuture(task) {
			return s.cancelAll(ctx, event, *task)
		}
		return s.schedule(ctx, event, *task)
	case contracts.TaskCompleted, contracts.TaskDeleted:
		return s.cancelAll(ctx, event, *task)
	default:
		return nil
	}
}

// Only a future remind time arms a job. A past one is treated like a cleared
// reminder, never a trigger.
func (s *Scheduler) remindInFuture(task *contracts.TaskSnapshot) bool {
	return task.RemindAt != nil && task.RemindAt.After(s.Now())
}

// schedule upserts the deterministic job for the task's current remind time
// and cancels jobs left over from a previous remind time.
func (s *Scheduler) schedule(ctx context.Context, event contracts.Envelope, task contracts.TaskSnapshot) error {
	now := s.Now()
	channel := task.ReminderChannel
	if channel == "" {
		channel = contracts.ChannelConsole
	}
	jobID := JobID(task.TaskID, *task.RemindAt)
	job := Job{
		JobID:     jobID,
		TaskID:    task.TaskID,
		OwnerID:   task.OwnerID,
		RemindAt:  task.RemindAt.UTC(),
		Channel:   channel,
		Message:   fmt.Sprintf("Reminder: %s", task.Title),
		UpdatedAt: now,
	}

	stale, err := s.Store.CancelForTask(ctx, task.TaskID, jobID)
	if err != nil {
		return err
	}
	if err := s.Store.UpsertScheduled(ctx, job); err != nil {
		return err
	}

	for _, old := range stale {
		s.Clock.Cancel(old.JobID)
		if err := s.publishReminderEvent(contracts.ReminderCancelled, event.EventID, task, old); err != nil {
			return err
		}
	}

	s.Clock.Schedule(jobID, job.RemindAt)
	return s.publishReminderEvent(contracts.ReminderScheduled, event.EventID, task, job)
}

func (s *Scheduler) cancelAll(ctx context.Context, event contracts.Envelope, task contracts.TaskSnapshot) error {
	cancelled, err := s.Store.CancelForTask(ctx, task.TaskID, "")
	if err != nil {
		return err
	}
	for _, job := range cancelled {
		s.Clock.Cancel(job.JobID)
		if err := s.publishReminderEvent(contracts.ReminderCancelled, event.EventID, task, job); err != nil {
			return err
		}
	}
	return nil
}

// FireJob is the clock callback for a due job. The fired transition is a
// compare-and-set, so a job cancelled between scheduling and wakeup stays
// silent, and a duplicate wakeup triggers at most once.
func (s *Scheduler) FireJob(ctx context.Context, jobID string) error {
	job, err := s.Store.MarkFired(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		metrics.RemindersFired.WithLabelValues("lost_race").Inc()
		return nil
	}

	event := contracts.Envelope{
		EventID:    s.NewID(),
		EventType:  contracts.ReminderTriggered,
		OwnerID:    job.OwnerID,
		TaskID:     job.TaskID,
		OccurredAt: s.Now(),
		Payload: contracts.Payload{
			Reminder: &contracts.ReminderInfo{
				JobID:       job.JobID,
				TriggerTime: job.RemindAt,
				Channel:     job.Channel,
				Message:     job.Message,
			},
		},
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := s.Publish(sharding.ReminderEventSubject(job.OwnerID), data); err != nil {
		metrics.RemindersFired.WithLabelValues("publish_failed").Inc()
		if markErr := s.Store.MarkFailed(ctx, jobID); markErr != nil {
			log.Printf("reminder: mark job %s failed after publish error: %v", jobID, markErr)
		}
		s.publishScheduleFailed(*job)
		return err
	}
	metrics.RemindersFired.WithLabelValues("triggered").Inc()
	return nil
}

// publishScheduleFailed is best effort: the job row already records the
// failure, the event only surfaces it to observers.
func (s *Scheduler) publishScheduleFailed(job Job) {
	event := contracts.Envelope{
		EventID:    s.NewID(),
		EventType:  contracts.ReminderScheduleFailed,
		OwnerID:    job.OwnerID,
		TaskID:     job.TaskID,
		OccurredAt: s.Now(),
		Payload: contracts.Payload{
			Reminder: &contracts.ReminderInfo{
				JobID:       job.JobID,
				TriggerTime: job.RemindAt,
				Channel:     job.Channel,
				Message:     job.Message,
			},
		},
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := s.Publish(sharding.ReminderEventSubject(job.OwnerID), data); err != nil {
		log.Printf("reminder: publish %s for job %s: %v", contracts.ReminderScheduleFailed, job.JobID, err)
	}
}

func (s *Scheduler) publishReminderEvent(eventType, correlationID string, task contracts.TaskSnapshot, job Job) error {
	event := contracts.Envelope{
		EventID:       s.NewID(),
		EventType:     eventType,
		OwnerID:       task.OwnerID,
		TaskID:        task.TaskID,
		OccurredAt:    s.Now(),
		CorrelationID: correlationID,
		Payload: contracts.Payload{
			Reminder: &contracts.ReminderInfo{
				JobID:       job.JobID,
				TriggerTime: job.RemindAt,
				Channel:     job.Channel,
				Message:     job.Message,
			},
		},
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return s.Publish(sharding.ReminderEventSubject(task.OwnerID), data)
}

// IsDiscard reports whether err marks input that redelivery can never fix.
func IsDiscard(err error) bool {
	return errors.Is(err, ErrInvalidEventPayload)
}
