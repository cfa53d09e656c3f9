package audit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/taskpulse/project/internal/app/identity"
	"github.com/taskpulse/project/internal/contracts"
)

type fakeTrail struct {
	records   []Record
	insertErr error
}

func (t *fakeTrail) Insert(_ context.Context, record Record) error {
	if t.insertErr != nil {
		return t.insertErr
	}
	for _, existing := range t.records {
		if existing.EventID == record.EventID {
			return nil
		}
	}
	t.records = append(t.records, record)
	return nil
}

func (t *fakeTrail) Query(_ context.Context, filter Filter) ([]Record, error) {
	out := make([]Record, 0)
	for _, record := range t.records {
		if record.OwnerID != filter.OwnerID {
			continue
		}
		if filter.TaskID != "" && record.TaskID != filter.TaskID {
			continue
		}
		if filter.EventType != "" && record.EventType != filter.EventType {
			continue
		}
		out = append(out, record)
	}
	return out, nil
}

func envelopePayload(t *testing.T, eventID, eventType, ownerID, taskID string) []byte {
	t.Helper()
	data, err := json.Marshal(contracts.Envelope{
		EventID:    eventID,
		EventType:  eventType,
		OwnerID:    ownerID,
		TaskID:     taskID,
		OccurredAt: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
		Payload:    contracts.Payload{Task: &contracts.TaskSnapshot{TaskID: taskID, OwnerID: ownerID, Title: "t"}},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestServiceAppendsRecord(t *testing.T) {
	trail := &fakeTrail{}
	svc := NewService(trail)

	if err := svc.Handle(context.Background(), envelopePayload(t, "evt-1", contracts.TaskCreated, "user-1", "task-1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(trail.records) != 1 {
		t.Fatalf("records = %d, want 1", len(trail.records))
	}
	record := trail.records[0]
	if record.EventID != "evt-1" || record.EventType != contracts.TaskCreated || record.OwnerID != "user-1" {
		t.Fatalf("unexpected record %+v", record)
	}
	if len(record.Payload) == 0 {
		t.Fatalf("payload not preserved")
	}
}

func TestServiceRedeliveryInsertsOnce(t *testing.T) {
	trail := &fakeTrail{}
	svc := NewService(trail)

	payload := envelopePayload(t, "evt-1", contracts.TaskCreated, "user-1", "task-1")
	if err := svc.Handle(context.Background(), payload); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := svc.Handle(context.Background(), payload); err != nil {
		t.Fatalf("second: %v", err)
	}
	if len(trail.records) != 1 {
		t.Fatalf("records = %d after redelivery, want 1", len(trail.records))
	}
}

func TestServiceSinkFailurePropagates(t *testing.T) {
	trail := &fakeTrail{insertErr: errors.New("db down")}
	svc := NewService(trail)

	err := svc.Handle(context.Background(), envelopePayload(t, "evt-1", contracts.TaskCreated, "user-1", "task-1"))
	if err == nil {
		t.Fatalf("expected sink error so the message is redelivered")
	}
	if IsDiscard(err) {
		t.Fatalf("sink failure must not be discardable")
	}
}

func TestServiceRejectsMalformedEvent(t *testing.T) {
	svc := NewService(&fakeTrail{})
	if err := svc.Handle(context.Background(), []byte("junk")); !IsDiscard(err) {
		t.Fatalf("expected discardable error")
	}
	if err := svc.Handle(context.Background(), []byte(`{"event_type":"task.created"}`)); !IsDiscard(err) {
		t.Fatalf("missing ids should be discardable")
	}
}

func TestHandlerScopesQueryToTokenOwner(t *testing.T) {
	trail := &fakeTrail{}
	svc := NewService(trail)
	for i, spec := range []struct{ eventID, eventType, ownerID, taskID string }{
		{"evt-1", contracts.TaskCreated, "user-1", "task-1"},
		{"evt-2", contracts.TaskCompleted, "user-1", "task-1"},
		{"evt-3", contracts.TaskCreated, "user-2", "task-9"},
	} {
		if err := svc.Handle(context.Background(), envelopePayload(t, spec.eventID, spec.eventType, spec.ownerID, spec.taskID)); err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}

	tokens := identity.NewTokenManager("test-secret")
	handler := NewHandler(trail, tokens)
	token, err := tokens.Sign("user-1", "alice")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit?event_type=task.created", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Records []Record `json:"records"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Records) != 1 {
		t.Fatalf("records = %d, want 1", len(body.Records))
	}
	if body.Records[0].EventID != "evt-1" {
		t.Fatalf("record = %+v, want evt-1", body.Records[0])
	}
}

func TestHandlerRejectsMissingToken(t *testing.T) {
	handler := NewHandler(&fakeTrail{}, identity.NewTokenManager("test-secret"))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit", nil)
	rec := httptest.NewRecorder()
	handler.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}
