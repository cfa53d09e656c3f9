package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/taskpulse/project/internal/contracts"
)

type recordingSender struct {
	sent     []Notification
	failures int
}

func (s *recordingSender) Send(_ context.Context, n Notification) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("send failed")
	}
	s.sent = append(s.sent, n)
	return nil
}

type fakeJobs struct {
	failed []string
}

func (j *fakeJobs) MarkFailed(_ context.Context, jobID string) error {
	j.failed = append(j.failed, jobID)
	return nil
}

func newTestDispatcher(sender Sender, jobs JobStore, out *[]contracts.Envelope) *Dispatcher {
	d := NewDispatcher(map[string]Sender{"console": sender}, jobs, func(subject string, payload []byte) error {
		var event contracts.Envelope
		if err := json.Unmarshal(payload, &event); err != nil {
			return err
		}
		*out = append(*out, event)
		return nil
	})
	d.Sleep = func(time.Duration) {}
	d.Now = func() time.Time { return time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC) }
	ids := 0
	d.NewID = func() string {
		ids++
		return fmt.Sprintf("nid-%d", ids)
	}
	return d
}

func triggeredEvent(t *testing.T, eventID string) []byte {
	t.Helper()
	data, err := json.Marshal(contracts.Envelope{
		EventID:    eventID,
		EventType:  contracts.ReminderTriggered,
		OwnerID:    "user-1",
		TaskID:     "task-1",
		OccurredAt: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		Payload: contracts.Payload{
			Reminder: &contracts.ReminderInfo{
				JobID:       "job-1",
				TriggerTime: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
				Message:     "Reminder: submit report",
			},
		},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestDispatchDeliversOnDefaultChannel(t *testing.T) {
	sender := &recordingSender{}
	jobs := &fakeJobs{}
	var out []contracts.Envelope
	d := newTestDispatcher(sender, jobs, &out)

	if err := d.Handle(context.Background(), triggeredEvent(t, "evt-1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(sender.sent))
	}
	if sender.sent[0].Channel != "console" {
		t.Fatalf("channel = %q, want console", sender.sent[0].Channel)
	}
	if sender.sent[0].Message != "Reminder: submit report" {
		t.Fatalf("message = %q", sender.sent[0].Message)
	}
}

func TestDispatchDedupsByEventID(t *testing.T) {
	sender := &recordingSender{}
	jobs := &fakeJobs{}
	var out []contracts.Envelope
	d := newTestDispatcher(sender, jobs, &out)

	payload := triggeredEvent(t, "evt-1")
	if err := d.Handle(context.Background(), payload); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := d.Handle(context.Background(), payload); err != nil {
		t.Fatalf("second: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("duplicate event delivered %d times, want 1", len(sender.sent))
	}
}

func TestDispatchRetriesTransientFailure(t *testing.T) {
	sender := &recordingSender{failures: 2}
	jobs := &fakeJobs{}
	var out []contracts.Envelope
	d := newTestDispatcher(sender, jobs, &out)

	if err := d.Handle(context.Background(), triggeredEvent(t, "evt-1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected delivery after retries, sent = %d", len(sender.sent))
	}
	if len(jobs.failed) != 0 {
		t.Fatalf("job marked failed despite eventual success")
	}
}

func TestDispatchExhaustionMarksJobFailed(t *testing.T) {
	sender := &recordingSender{failures: 10}
	jobs := &fakeJobs{}
	var out []contracts.Envelope
	d := newTestDispatcher(sender, jobs, &out)

	if err := d.Handle(context.Background(), triggeredEvent(t, "evt-1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(jobs.failed) != 1 || jobs.failed[0] != "job-1" {
		t.Fatalf("failed jobs = %v, want [job-1]", jobs.failed)
	}
	if len(out) != 1 || out[0].EventType != contracts.ReminderDeliveryFailed {
		t.Fatalf("expected reminder.delivery_failed, got %+v", out)
	}
	if out[0].CorrelationID != "evt-1" {
		t.Fatalf("correlation = %q, want evt-1", out[0].CorrelationID)
	}
}

func TestDispatchIgnoresOtherReminderEvents(t *testing.T) {
	sender := &recordingSender{}
	jobs := &fakeJobs{}
	var out []contracts.Envelope
	d := newTestDispatcher(sender, jobs, &out)

	data, err := json.Marshal(contracts.Envelope{
		EventID:   "evt-2",
		EventType: contracts.ReminderScheduled,
		OwnerID:   "user-1",
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := d.Handle(context.Background(), data); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("non-trigger event delivered")
	}
}

func TestDispatchWithoutDefaultSenderIsError(t *testing.T) {
	jobs := &fakeJobs{}
	var out []contracts.Envelope
	d := NewDispatcher(map[string]Sender{}, jobs, func(string, []byte) error { return nil })
	d.Sleep = func(time.Duration) {}

	err := d.Handle(context.Background(), triggeredEvent(t, "evt-1"))
	if !errors.Is(err, ErrNoSender) {
		t.Fatalf("expected ErrNoSender, got %v", err)
	}
	if IsDiscard(err) {
		t.Fatalf("a wiring gap must be retried, not discarded")
	}
	if len(out) != 0 || len(jobs.failed) != 0 {
		t.Fatalf("missing sender must not mark the job failed")
	}

	// Once the sender is wired the redelivered trigger still goes out.
	sender := &recordingSender{}
	d.Senders["console"] = sender
	if err := d.Handle(context.Background(), triggeredEvent(t, "evt-1")); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("redelivered trigger delivered %d times, want 1", len(sender.sent))
	}
}

func TestDispatchMalformedPayloadIsDiscard(t *testing.T) {
	sender := &recordingSender{}
	jobs := &fakeJobs{}
	var out []contracts.Envelope
	d := newTestDispatcher(sender, jobs, &out)

	err := d.Handle(context.Background(), []byte("nope"))
	if !IsDiscard(err) {
		t.Fatalf("expected discardable error, got %v", err)
	}
}

func TestSeenSetExpires(t *testing.T) {
	seen := NewSeenSet(time.Minute)
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	seen.Now = func() time.Time { return now }

	if !seen.Add("evt-1") {
		t.Fatalf("first add should be unseen")
	}
	if seen.Add("evt-1") {
		t.Fatalf("second add within TTL should be seen")
	}
	now = now.Add(2 * time.Minute)
	if !seen.Add("evt-1") {
		t.Fatalf("add after TTL should be unseen again")
	}
}
