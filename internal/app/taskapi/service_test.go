package taskapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/taskpulse/project/internal/contracts"
)

type fakeTaskRepo struct {
	tasks map[string]contracts.TaskSnapshot
}

func newFakeTaskRepo() *fakeTaskRepo {
	return &fakeTaskRepo{tasks: make(map[string]contracts.TaskSnapshot)}
}

func (r *fakeTaskRepo) Insert(_ context.Context, task contracts.TaskSnapshot) error {
	if _, ok := r.tasks[task.TaskID]; ok {
		return nil
	}
	r.tasks[task.TaskID] = task
	return nil
}

func (r *fakeTaskRepo) Update(_ context.Context, task contracts.TaskSnapshot) error {
	existing, ok := r.tasks[task.TaskID]
	if !ok || existing.OwnerID != task.OwnerID {
		return ErrTaskNotFound
	}
	r.tasks[task.TaskID] = task
	return nil
}

func (r *fakeTaskRepo) Get(_ context.Context, ownerID, taskID string) (contracts.TaskSnapshot, error) {
	task, ok := r.tasks[taskID]
	if !ok || task.OwnerID != ownerID {
		return contracts.TaskSnapshot{}, ErrTaskNotFound
	}
	return task, nil
}

func (r *fakeTaskRepo) List(_ context.Context, ownerID string, includeDeleted bool, status string, _ int) ([]contracts.TaskSnapshot, error) {
	out := make([]contracts.TaskSnapshot, 0)
	for _, task := range r.tasks {
		if task.OwnerID != ownerID {
			continue
		}
		if !includeDeleted && task.DeletedAt != nil {
			continue
		}
		if status != "" && task.Status != status {
			continue
		}
		out = append(out, task)
	}
	return out, nil
}

func newTestService(repo Repository, out *[]contracts.Envelope) *Service {
	svc := NewService(repo, func(subject string, payload []byte) error {
		var event contracts.Envelope
		if err := json.Unmarshal(payload, &event); err != nil {
			return err
		}
		*out = append(*out, event)
		return nil
	})
	svc.Now = func() time.Time { return time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC) }
	ids := 0
	svc.NewID = func() string {
		ids++
		return fmt.Sprintf("tid-%d", ids)
	}
	return svc
}

func TestCreatePublishesTaskCreated(t *testing.T) {
	repo := newFakeTaskRepo()
	var out []contracts.Envelope
	svc := newTestService(repo, &out)

	due := time.Date(2026, 6, 2, 9, 0, 0, 0, time.UTC)
	task, err := svc.Create(context.Background(), "user-1", CreateTaskRequest{
		Title: "write minutes",
		DueAt: &due,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if task.Status != contracts.StatusPending || task.Priority != "medium" {
		t.Fatalf("defaults not applied: %+v", task)
	}
	if len(out) != 1 || out[0].EventType != contracts.TaskCreated {
		t.Fatalf("expected task.created, got %+v", out)
	}
	if out[0].OwnerID != "user-1" || out[0].TaskID != task.TaskID {
		t.Fatalf("envelope keys wrong: %+v", out[0])
	}
	if out[0].Payload.Task == nil || out[0].Payload.Task.Title != "write minutes" {
		t.Fatalf("payload missing task snapshot")
	}
}

func TestCreateValidation(t *testing.T) {
	repo := newFakeTaskRepo()
	var out []contracts.Envelope
	svc := newTestService(repo, &out)

	due := time.Date(2026, 6, 2, 9, 0, 0, 0, time.UTC)
	lateRemind := due.Add(time.Hour)

	cases := []struct {
		name string
		req  CreateTaskRequest
		want error
	}{
		{"empty title", CreateTaskRequest{Title: "  "}, ErrTitleRequired},
		{"bad priority", CreateTaskRequest{Title: "x", Priority: "urgent"}, ErrInvalidPriority},
		{"remind after due", CreateTaskRequest{Title: "x", DueAt: &due, RemindAt: &lateRemind}, ErrRemindAfterDue},
		{"bad channel", CreateTaskRequest{Title: "x", ReminderChannel: "carrier-pigeon"}, ErrInvalidChannel},
		{"bad recurrence", CreateTaskRequest{Title: "x", Recurrence: &contracts.RecurrenceRule{Frequency: "sometimes", Interval: 1}}, ErrInvalidRecurrence},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Create(context.Background(), "user-1", tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
	if len(out) != 0 {
		t.Fatalf("invalid requests must not publish, got %d events", len(out))
	}
}

func TestCreateRecurringStartsAtIndexOne(t *testing.T) {
	repo := newFakeTaskRepo()
	var out []contracts.Envelope
	svc := newTestService(repo, &out)

	task, err := svc.Create(context.Background(), "user-1", CreateTaskRequest{
		Title:      "weekly review",
		Recurrence: &contracts.RecurrenceRule{Frequency: contracts.FreqWeekly, Interval: 1},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if task.OccurrenceIndex != 1 {
		t.Fatalf("occurrence index = %d, want 1", task.OccurrenceIndex)
	}
}

func TestCreateCarriesReminderChannel(t *testing.T) {
	repo := newFakeTaskRepo()
	var out []contracts.Envelope
	svc := newTestService(repo, &out)

	remind := time.Date(2026, 6, 2, 8, 0, 0, 0, time.UTC)
	task, err := svc.Create(context.Background(), "user-1", CreateTaskRequest{
		Title:           "call dentist",
		RemindAt:        &remind,
		ReminderChannel: " Push ",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if task.ReminderChannel != contracts.ChannelPush {
		t.Fatalf("channel = %q, want push", task.ReminderChannel)
	}
	if out[0].Payload.Task.ReminderChannel != contracts.ChannelPush {
		t.Fatalf("event snapshot channel = %q, want push", out[0].Payload.Task.ReminderChannel)
	}
}

func TestPublishCarriesCorrelationID(t *testing.T) {
	repo := newFakeTaskRepo()
	var out []contracts.Envelope
	svc := newTestService(repo, &out)

	ctx := WithCorrelationID(context.Background(), "req-42")
	task, err := svc.Create(ctx, "user-1", CreateTaskRequest{Title: "trace me"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if out[0].CorrelationID != "req-42" {
		t.Fatalf("create correlation = %q, want req-42", out[0].CorrelationID)
	}

	out = nil
	if _, err := svc.Complete(ctx, "user-1", task.TaskID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out[0].CorrelationID != "req-42" {
		t.Fatalf("complete correlation = %q, want req-42", out[0].CorrelationID)
	}
}

func TestUpdatePublishesPrevious(t *testing.T) {
	repo := newFakeTaskRepo()
	var out []contracts.Envelope
	svc := newTestService(repo, &out)

	task, err := svc.Create(context.Background(), "user-1", CreateTaskRequest{Title: "draft"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	out = nil

	newTitle := "final"
	updated, err := svc.Update(context.Background(), "user-1", task.TaskID, UpdateTaskRequest{Title: &newTitle})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Title != "final" {
		t.Fatalf("title = %q", updated.Title)
	}
	if len(out) != 1 || out[0].EventType != contracts.TaskUpdated {
		t.Fatalf("expected task.updated, got %+v", out)
	}
	if out[0].Payload.Previous == nil || out[0].Payload.Previous.Title != "draft" {
		t.Fatalf("previous snapshot missing")
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	repo := newFakeTaskRepo()
	var out []contracts.Envelope
	svc := newTestService(repo, &out)

	task, err := svc.Create(context.Background(), "user-1", CreateTaskRequest{Title: "once"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	out = nil

	if _, err := svc.Complete(context.Background(), "user-1", task.TaskID); err != nil {
		t.Fatalf("first Complete: %v", err)
	}
	if _, err := svc.Complete(context.Background(), "user-1", task.TaskID); err != nil {
		t.Fatalf("second Complete: %v", err)
	}
	if len(out) != 1 || out[0].EventType != contracts.TaskCompleted {
		t.Fatalf("expected exactly one task.completed, got %+v", out)
	}
	stored := repo.tasks[task.TaskID]
	if stored.Status != contracts.StatusCompleted || stored.CompletedAt == nil {
		t.Fatalf("completion not persisted: %+v", stored)
	}
}

func TestDeleteThenRestore(t *testing.T) {
	repo := newFakeTaskRepo()
	var out []contracts.Envelope
	svc := newTestService(repo, &out)

	task, err := svc.Create(context.Background(), "user-1", CreateTaskRequest{Title: "keep"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	out = nil

	if err := svc.Delete(context.Background(), "user-1", task.TaskID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if repo.tasks[task.TaskID].DeletedAt == nil {
		t.Fatalf("delete must be soft")
	}
	if _, err := svc.Update(context.Background(), "user-1", task.TaskID, UpdateTaskRequest{}); !errors.Is(err, ErrTaskDeleted) {
		t.Fatalf("update of deleted task: err = %v, want ErrTaskDeleted", err)
	}

	restored, err := svc.Restore(context.Background(), "user-1", task.TaskID)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored.DeletedAt != nil {
		t.Fatalf("restore left deleted_at set")
	}

	var types []string
	for _, event := range out {
		types = append(types, event.EventType)
	}
	if len(types) != 2 || types[0] != contracts.TaskDeleted || types[1] != contracts.TaskRestored {
		t.Fatalf("event types = %v", types)
	}
}

func TestRestoreRequiresDeleted(t *testing.T) {
	repo := newFakeTaskRepo()
	var out []contracts.Envelope
	svc := newTestService(repo, &out)

	task, err := svc.Create(context.Background(), "user-1", CreateTaskRequest{Title: "live"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.Restore(context.Background(), "user-1", task.TaskID); !errors.Is(err, ErrTaskNotDeleted) {
		t.Fatalf("err = %v, want ErrTaskNotDeleted", err)
	}
}

func TestOwnerIsolation(t *testing.T) {
	repo := newFakeTaskRepo()
	var out []contracts.Envelope
	svc := newTestService(repo, &out)

	task, err := svc.Create(context.Background(), "user-1", CreateTaskRequest{Title: "mine"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.Get(context.Background(), "user-2", task.TaskID); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("cross-owner get: err = %v, want ErrTaskNotFound", err)
	}
	if _, err := svc.Complete(context.Background(), "user-2", task.TaskID); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("cross-owner complete: err = %v, want ErrTaskNotFound", err)
	}
}

func TestUpdateClearFlags(t *testing.T) {
	repo := newFakeTaskRepo()
	var out []contracts.Envelope
	svc := newTestService(repo, &out)

	due := time.Date(2026, 6, 2, 9, 0, 0, 0, time.UTC)
	remind := due.Add(-time.Hour)
	task, err := svc.Create(context.Background(), "user-1", CreateTaskRequest{
		Title:      "trim me",
		DueAt:      &due,
		RemindAt:   &remind,
		Recurrence: &contracts.RecurrenceRule{Frequency: contracts.FreqDaily, Interval: 1},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	updated, err := svc.Update(context.Background(), "user-1", task.TaskID, UpdateTaskRequest{
		ClearDueAt:      true,
		ClearRemindAt:   true,
		ClearRecurrence: true,
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.DueAt != nil || updated.RemindAt != nil || updated.Recurrence != nil {
		t.Fatalf("clear flags not applied: %+v", updated)
	}
}
