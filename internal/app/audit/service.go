package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/taskpulse/project/internal/contracts"
)

var ErrInvalidEventPayload = errors.New("invalid event payload")

// Recorder is the write side of the trail.
type Recorder interface {
	Insert(ctx context.Context, record Record) error
}

// Service appends every event it sees to the audit trail. A sink failure is
// returned to the caller so the message is not acknowledged and comes back.
type Service struct {
	Records Recorder
	Now     func() time.Time
}

func NewService(records Recorder) *Service {
	return &Service{
		Records: records,
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Handle(ctx context.Context, payload []byte) error {
	var event contracts.Envelope
	if err := json.Unmarshal(payload, &event); err != nil {
		return ErrInvalidEventPayload
	}
	if event.EventID == "" || event.EventType == "" || event.OwnerID == "" {
		return ErrInvalidEventPayload
	}

	body, err := json.Marshal(event.Payload)
	if err != nil {
		return ErrInvalidEventPayload
	}
	return s.Records.Insert(ctx, Record{
		EventID:       event.EventID,
		EventType:     event.EventType,
		OwnerID:       event.OwnerID,
		TaskID:        event.TaskID,
		OccurredAt:    event.OccurredAt,
		CorrelationID: event.CorrelationID,
		Payload:       body,
		RecordedAt:    s.Now(),
	})
}

// IsDiscard reports whether err marks input that redelivery can never fix.
func IsDiscard(err error) bool {
	return errors.Is(err, ErrInvalidEventPayload)
}
