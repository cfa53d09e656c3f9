package notify

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
	"github.com/taskpulse/project/internal/platform/natsutil"
	"github.com/taskpulse/project/internal/sharding"
)

var ErrInvalidEventPayload = errors.New("invalid event payload")
var ErrNoSender = errors.New("no sender configured")

type PublishFunc func(subject string, payload []byte) error

// JobStore records terminal delivery failures on the reminder job row.
type JobStore interface {
	MarkFailed(ctx context.Context, jobID string) error
}

// Dispatcher turns reminder.triggered events into channel deliveries. Each
// delivery is retried with backoff; when attempts run out the job is marked
// failed and a reminder.delivery_failed event is published instead of
// redelivering the trigger forever.
type Dispatcher struct {
	Senders        map[string]Sender
	DefaultChannel string
	Seen           *SeenSet
	Jobs           JobStore
	Publish        PublishFunc
	Attempts       int
	Base           time.Duration
	Max            time.Duration
	Sleep          func(time.Duration)
	Now            func() time.Time
	NewID          func() string
}

func NewDispatcher(senders map[string]Sender, jobs JobStore, publish PublishFunc) *Dispatcher {
	return &Dispatcher{
		Senders:        senders,
		DefaultChannel: contracts.ChannelConsole,
		Seen:           NewSeenSet(10 * time.Minute),
		Jobs:           jobs,
		Publish:        publish,
		Attempts:       4,
		Base:           500 * time.Millisecond,
		Max:            10 * time.Second,
		Sleep:          time.Sleep,
		Now:            func() time.Time { return time.Now().UTC() },
		NewID:          nuid.Next,
	}
}

func (d *Dispatcher) Handle(ctx context.Context, payload []byte) error {
	var event contracts.Envelope
	if err := json.Unmarshal(payload, &event); err != nil {
		return ErrInvalidEventPayload
	}
	if event.EventType != contracts.ReminderTriggered {
		return nil
	}
	reminder := event.Payload.Reminder
	if reminder == nil {
		return ErrInvalidEventPayload
	}
	n := Notification{
		EventID:     event.EventID,
		OwnerID:     event.OwnerID,
		TaskID:      event.TaskID,
		JobID:       reminder.JobID,
		Channel:     d.resolveChannel(reminder.Channel),
		Message:     reminder.Message,
		TriggerTime: reminder.TriggerTime,
	}

	// An unconfigured default is a wiring gap, not bad input: fail before
	// marking the event seen so redelivery retries instead of hitting a nil
	// sender.
	sender, ok := d.Senders[n.Channel]
	if !ok {
		return fmt.Errorf("%w for channel %q", ErrNoSender, n.Channel)
	}
	if !d.Seen.Add(event.EventID) {
		return nil
	}
	var lastErr error
	for attempt := 1; attempt <= d.Attempts; attempt++ {
		lastErr = sender.Send(ctx, n)
		if lastErr == nil {
			metrics.NotificationsSent.WithLabelValues(n.Channel, "delivered").Inc()
			return nil
		}
		if attempt < d.Attempts {
			d.Sleep(natsutil.Backoff(uint64(attempt), d.Base, d.Max))
		}
	}

	metrics.NotificationsSent.WithLabelValues(n.Channel, "failed").Inc()
	log.Printf("notify: delivery of %s on %s failed after %d attempts: %v",
		event.EventID, n.Channel, d.Attempts, lastErr)
	if err := d.Jobs.MarkFailed(ctx, reminder.JobID); err != nil {
		return err
	}
	return d.publishDeliveryFailed(event, *reminder)
}

// resolveChannel falls back to the default when the event's channel has no
// configured sender.
func (d *Dispatcher) resolveChannel(channel string) string {
	if channel != "" {
		if _, ok := d.Senders[channel]; ok {
			return channel
		}
	}
	return d.DefaultChannel
}

func (d *Dispatcher) publishDeliveryFailed(trigger contracts.Envelope, reminder contracts.ReminderInfo) error {
	event := contracts.Envelope{
		EventID:       d.NewID(),
		EventType:     contracts.ReminderDeliveryFailed,
		OwnerID:       trigger.OwnerID,
		TaskID:        trigger.TaskID,
		OccurredAt:    d.Now(),
		CorrelationID: trigger.EventID,
		Payload:       contracts.Payload{Reminder: &reminder},
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return d.Publish(sharding.ReminderEventSubject(trigger.OwnerID), data)
}

// IsDiscard reports whether err marks input that redelivery can never fix.
func IsDiscard(err error) bool {
	return errors.Is(err, ErrInvalidEventPayload)
}
