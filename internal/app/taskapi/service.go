package taskapi

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nuid"
	"github.com/taskpulse/project/internal/app/recurrence"
	"github.com/taskpulse/project/internal/contracts"
	"github.com/taskpulse/project/internal/sharding"
)

var ErrTitleRequired = errors.New("title is required")
var ErrInvalidStatus = errors.New("status must be pending, in_progress or completed")
var ErrInvalidPriority = errors.New("priority must be low, medium or high")
var ErrRemindAfterDue = errors.New("remind_at must not be after due_at")
var ErrInvalidChannel = errors.New("reminder_channel must be console, push, email or webhook")
var ErrInvalidRecurrence = errors.New("invalid recurrence rule")
var ErrCompleteViaUpdate = errors.New("use the complete operation to complete a task")
var ErrTaskDeleted = errors.New("task is deleted")
var ErrTaskNotDeleted = errors.New("task is not deleted")

type PublishFunc func(subject string, payload []byte) error

// Service owns the task lifecycle. Every mutation persists first, then
// publishes the lifecycle event onto the owner's subject.
type Service struct {
	Repo    Repository
	Publish PublishFunc
	Now     func() time.Time
	NewID   func() string
}

func NewService(repo Repository, publish PublishFunc) *Service {
	return &Service{
		Repo:    repo,
		Publish: publish,
		Now:     func() time.Time { return time.Now().UTC() },
		NewID:   nuid.Next,
	}
}

type CreateTaskRequest struct {
	Title           string                    `json:"title"`
	Description     string                    `json:"description"`
	Priority        string                    `json:"priority"`
	DueAt           *time.Time                `json:"due_at"`
	RemindAt        *time.Time                `json:"remind_at"`
	ReminderChannel string                    `json:"reminder_channel"`
	Recurrence      *contracts.RecurrenceRule `json:"recurrence"`
	Tags            []string                  `json:"tags"`
}

// UpdateTaskRequest is a partial update: nil pointers leave the field alone,
// the clear flags reset optional fields to empty.
type UpdateTaskRequest struct {
	Title           *string                   `json:"title"`
	Description     *string                   `json:"description"`
	Status          *string                   `json:"status"`
	Priority        *string                   `json:"priority"`
	DueAt           *time.Time                `json:"due_at"`
	RemindAt        *time.Time                `json:"remind_at"`
	ReminderChannel *string                   `json:"reminder_channel"`
	Recurrence      *contracts.RecurrenceRule `json:"recurrence"`
	Tags            []string                  `json:"tags"`
	ClearDueAt      bool                      `json:"clear_due_at"`
	ClearRemindAt   bool                      `json:"clear_remind_at"`
	ClearRecurrence bool                      `json:"clear_recurrence"`
}

func (s *Service) Create(ctx context.Context, ownerID string, req CreateTaskRequest) (contracts.TaskSnapshot, error) {
	now := s.Now()
	task := contracts.TaskSnapshot{
		TaskID:          s.NewID(),
		OwnerID:         ownerID,
		Title:           strings.TrimSpace(req.Title),
		Description:     strings.TrimSpace(req.Description),
		Status:          contracts.StatusPending,
		Priority:        normalizePriority(req.Priority),
		DueAt:           req.DueAt,
		RemindAt:        req.RemindAt,
		ReminderChannel: normalizeChannel(req.ReminderChannel),
		Recurrence:      req.Recurrence,
		Tags:            req.Tags,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if task.Recurrence != nil {
		task.OccurrenceIndex = 1
	}
	if err := validateTask(task); err != nil {
		return contracts.TaskSnapshot{}, err
	}

	if err := s.Repo.Insert(ctx, task); err != nil {
		return contracts.TaskSnapshot{}, err
	}
	if err := s.publishTaskEvent(ctx, contracts.TaskCreated, task, nil); err != nil {
		return contracts.TaskSnapshot{}, err
	}
	return task, nil
}

func (s *Service) Update(ctx context.Context, ownerID, taskID string, req UpdateTaskRequest) (contracts.TaskSnapshot, error) {
	current, err := s.Repo.Get(ctx, ownerID, taskID)
	if err != nil {
		return contracts.TaskSnapshot{}, err
	}
	if current.DeletedAt != nil {
		return contracts.TaskSnapshot{}, ErrTaskDeleted
	}
	previous := current

	if req.Title != nil {
		current.Title = strings.TrimSpace(*req.Title)
	}
	if req.Description != nil {
		current.Description = strings.TrimSpace(*req.Description)
	}
	if req.Status != nil {
		current.Status = strings.TrimSpace(strings.ToLower(*req.Status))
		if current.Status == contracts.StatusCompleted {
			return contracts.TaskSnapshot{}, ErrCompleteViaUpdate
		}
		current.CompletedAt = nil
	}
	if req.Priority != nil {
		current.Priority = normalizePriority(*req.Priority)
	}
	if req.DueAt != nil {
		current.DueAt = req.DueAt
	}
	if req.RemindAt != nil {
		current.RemindAt = req.RemindAt
	}
	if req.ReminderChannel != nil {
		current.ReminderChannel = normalizeChannel(*req.ReminderChannel)
	}
	if req.Recurrence != nil {
		current.Recurrence = req.Recurrence
		if current.OccurrenceIndex == 0 {
			current.OccurrenceIndex = 1
		}
	}
	if req.Tags != nil {
		current.Tags = req.Tags
	}
	if req.ClearDueAt {
		current.DueAt = nil
	}
	if req.ClearRemindAt {
		current.RemindAt = nil
	}
	if req.ClearRecurrence {
		current.Recurrence = nil
	}
	current.UpdatedAt = s.Now()

	if err := validateTask(current); err != nil {
		return contracts.TaskSnapshot{}, err
	}
	if err := s.Repo.Update(ctx, current); err != nil {
		return contracts.TaskSnapshot{}, err
	}
	if err := s.publishTaskEvent(ctx, contracts.TaskUpdated, current, &previous); err != nil {
		return contracts.TaskSnapshot{}, err
	}
	return current, nil
}

// Complete is idempotent: completing an already completed task changes
// nothing and emits nothing, so double-clicks do not spawn extra recurrence
// instances.
func (s *Service) Complete(ctx context.Context, ownerID, taskID string) (contracts.TaskSnapshot, error) {
	current, err := s.Repo.Get(ctx, ownerID, taskID)
	if err != nil {
		return contracts.TaskSnapshot{}, err
	}
	if current.DeletedAt != nil {
		return contracts.TaskSnapshot{}, ErrTaskDeleted
	}
	if current.Status == contracts.StatusCompleted {
		return current, nil
	}
	previous := current

	now := s.Now()
	current.Status = contracts.StatusCompleted
	current.CompletedAt = &now
	current.UpdatedAt = now

	if err := s.Repo.Update(ctx, current); err != nil {
		return contracts.TaskSnapshot{}, err
	}
	if err := s.publishTaskEvent(ctx, contracts.TaskCompleted, current, &previous); err != nil {
		return contracts.TaskSnapshot{}, err
	}
	return current, nil
}

// Delete is a soft delete; the row stays for restore and audit.
func (s *Service) Delete(ctx context.Context, ownerID, taskID string) error {
	current, err := s.Repo.Get(ctx, ownerID, taskID)
	if err != nil {
		return err
	}
	if current.DeletedAt != nil {
		return nil
	}
	previous := current

	now := s.Now()
	current.DeletedAt = &now
	current.UpdatedAt = now

	if err := s.Repo.Update(ctx, current); err != nil {
		return err
	}
	return s.publishTaskEvent(ctx, contracts.TaskDeleted, current, &previous)
}

func (s *Service) Restore(ctx context.Context, ownerID, taskID string) (contracts.TaskSnapshot, error) {
	current, err := s.Repo.Get(ctx, ownerID, taskID)
	if err != nil {
		return contracts.TaskSnapshot{}, err
	}
	if current.DeletedAt == nil {
		return contracts.TaskSnapshot{}, ErrTaskNotDeleted
	}
	previous := current

	current.DeletedAt = nil
	current.UpdatedAt = s.Now()

	if err := s.Repo.Update(ctx, current); err != nil {
		return contracts.TaskSnapshot{}, err
	}
	if err := s.publishTaskEvent(ctx, contracts.TaskRestored, current, &previous); err != nil {
		return contracts.TaskSnapshot{}, err
	}
	return current, nil
}

func (s *Service) Get(ctx context.Context, ownerID, taskID string) (contracts.TaskSnapshot, error) {
	return s.Repo.Get(ctx, ownerID, taskID)
}

func (s *Service) List(ctx context.Context, ownerID string, includeDeleted bool, status string, limit int) ([]contracts.TaskSnapshot, error) {
	return s.Repo.List(ctx, ownerID, includeDeleted, status, limit)
}

func (s *Service) publishTaskEvent(ctx context.Context, eventType string, task contracts.TaskSnapshot, previous *contracts.TaskSnapshot) error {
	event := contracts.Envelope{
		EventID:       s.NewID(),
		EventType:     eventType,
		OwnerID:       task.OwnerID,
		TaskID:        task.TaskID,
		OccurredAt:    s.Now(),
		CorrelationID: correlationIDFrom(ctx),
		Payload:       contracts.Payload{Task: &task, Previous: previous},
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return s.Publish(sharding.TaskEventSubject(task.OwnerID), payload)
}

func validateTask(task contracts.TaskSnapshot) error {
	if task.Title == "" {
		return ErrTitleRequired
	}
	switch task.Status {
	case contracts.StatusPending, contracts.StatusInProgress, contracts.StatusCompleted:
	default:
		return ErrInvalidStatus
	}
	switch task.Priority {
	case "low", "medium", "high":
	default:
		return ErrInvalidPriority
	}
	if task.DueAt != nil && task.RemindAt != nil && task.RemindAt.After(*task.DueAt) {
		return ErrRemindAfterDue
	}
	switch task.ReminderChannel {
	case "", contracts.ChannelConsole, contracts.ChannelPush, contracts.ChannelEmail, contracts.ChannelWebhook:
	default:
		return ErrInvalidChannel
	}
	if task.Recurrence != nil {
		if err := recurrence.ValidateRule(task.Recurrence); err != nil {
			return ErrInvalidRecurrence
		}
	}
	return nil
}

func normalizePriority(priority string) string {
	priority = strings.TrimSpace(strings.ToLower(priority))
	if priority == "" {
		return "medium"
	}
	return priority
}

func normalizeChannel(channel string) string {
	return strings.TrimSpace(strings.ToLower(channel))
}

type correlationIDKey struct{}

// WithCorrelationID tags ctx with the request-scoped id carried into every
// event envelope published for that request.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

func correlationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}
