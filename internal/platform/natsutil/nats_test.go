package natsutil

import (
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

type fakePublishAPI struct {
	calls    int
	failures int
	subjects []string
}

func (f *fakePublishAPI) Publish(subject string, _ []byte, _ ...nats.PubOpt) (*nats.PubAck, error) {
	f.calls++
	f.subjects = append(f.subjects, subject)
	if f.calls <= f.failures {
		return nil, errors.New("transport unavailable")
	}
	return &nats.PubAck{}, nil
}

func TestBackoff_CappedAndPositive(t *testing.T) {
	for attempt := uint64(0); attempt < 10; attempt++ {
		d := Backoff(attempt, 100*time.Millisecond, time.Second)
		if d <= 0 {
			t.Fatalf("attempt %d: non-positive delay %s", attempt, d)
		}
		if d > time.Second {
			t.Fatalf("attempt %d: delay %s exceeds cap", attempt, d)
		}
	}
}

func TestRetryPublisher_RecoversFromTransientFailure(t *testing.T) {
	api := &fakePublishAPI{failures: 2}
	p := NewRetryPublisher(api)
	p.Sleep = func(time.Duration) {}

	if err := p.Publish("task.event.1.owner.u1", []byte("{}")); err != nil {
		t.Fatalf("Publish error: %v", err)
	}
	if api.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", api.calls)
	}
}

func TestRetryPublisher_GivesUpAfterAttempts(t *testing.T) {
	api := &fakePublishAPI{failures: 100}
	p := NewRetryPublisher(api)
	p.Sleep = func(time.Duration) {}

	if err := p.Publish("task.event.1.owner.u1", []byte("{}")); err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if api.calls != p.Attempts {
		t.Fatalf("expected %d attempts, got %d", p.Attempts, api.calls)
	}
}
