package messaging

import (
	"errors"

	"github.com/nats-io/nats.go"
)

const (
	tasksStream     = "TASKS"
	remindersStream = "REMINDERS"
	dlqStream       = "DLQ"
)

// DLQSubject returns the dead-letter subject for a consumer group.
func DLQSubject(consumerGroup string) string {
	return "dlq." + consumerGroup
}

// EnsureStreams creates (or validates) the streams the system requires:
// - task.event.>     lifecycle events
// - reminder.event.> reminder events
// - dlq.>            dead-letter copies after retry exhaustion
func EnsureStreams(js nats.JetStreamContext) error {
	streams := []nats.StreamConfig{
		{
			Name:      tasksStream,
			Subjects:  []string{"task.event.>"},
			Retention: nats.LimitsPolicy,
			Storage:   nats.FileStorage,
			Replicas:  1,
		},
		{
			Name:      remindersStream,
			Subjects:  []string{"reminder.event.>"},
			Retention: nats.LimitsPolicy,
			Storage:   nats.FileStorage,
			Replicas:  1,
		},
		{
			Name:      dlqStream,
			Subjects:  []string{"dlq.>"},
			Retention: nats.LimitsPolicy,
			Storage:   nats.FileStorage,
			Replicas:  1,
		},
	}

	for i := range streams {
		if _, err := js.StreamInfo(streams[i].Name); err != nil {
			if errors.Is(err, nats.ErrStreamNotFound) {
				if _, addErr := js.AddStream(&streams[i]); addErr != nil {
					return addErr
				}
				continue
			}
			return err
		}
	}
	return nil
}
