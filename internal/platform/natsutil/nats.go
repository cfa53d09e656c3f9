package natsutil

import (
	"fmt"
	"log"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/taskpulse/project/internal/messaging"
	"github.com/taskpulse/project/internal/platform/metrics"
)

type Client struct {
	Conn *nats.Conn
	JS   nats.JetStreamContext
}

func ConnectJetStream(url string) (*Client, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	js, err := conn.JetStream()
	if err != nil {
		_ = conn.Drain()
		conn.Close()
		return nil, err
	}
	if err := messaging.EnsureStreams(js); err != nil {
		_ = conn.Drain()
		conn.Close()
		return nil, err
	}
	return &Client{Conn: conn, JS: js}, nil
}

func ConnectJetStreamWithRetry(url string, timeout time.Duration) (*Client, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		client, err := ConnectJetStream(url)
		if err == nil {
			return client, nil
		}
		lastErr = err
		time.Sleep(500 * time.Millisecond)
	}
	return nil, fmt.Errorf("connect jetstream timeout after %s: %w", timeout, lastErr)
}

func (c *Client) Close() {
	if c == nil || c.Conn == nil {
		return
	}
	_ = c.Conn.Drain()
	c.Conn.Close()
}

type Publisher interface {
	Publish(subject string, payload []byte) error
}

type JetStreamPublisher struct {
	JS nats.JetStreamContext
}

func (p JetStreamPublisher) Publish(subject string, payload []byte) error {
	_, err := p.JS.Publish(subject, payload)
	return err
}

// PublishAPI is the slice of nats.JetStreamContext the publishers need.
type PublishAPI interface {
	Publish(subject string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// RetryPublisher retries transient publish failures with exponential backoff
// before giving up.
type RetryPublisher struct {
	JS       PublishAPI
	Attempts int
	Base     time.Duration
	Max      time.Duration
	Sleep    func(time.Duration)
}

func NewRetryPublisher(js PublishAPI) RetryPublisher {
	return RetryPublisher{
		JS:       js,
		Attempts: 4,
		Base:     100 * time.Millisecond,
		Max:      2 * time.Second,
		Sleep:    time.Sleep,
	}
}

func (p RetryPublisher) Publish(subject string, payload []byte) error {
	var lastErr error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if attempt > 0 {
			p.Sleep(Backoff(uint64(attempt), p.Base, p.Max))
		}
		if _, lastErr = p.JS.Publish(subject, payload); lastErr == nil {
			metrics.EventsPublished.WithLabelValues(subjectRoot(subject)).Inc()
			return nil
		}
	}
	return fmt.Errorf("publish %s after %d attempts: %w", subject, p.Attempts, lastErr)
}

func subjectRoot(subject string) string {
	if idx := strings.IndexByte(subject, '.'); idx > 0 {
		return subject[:idx]
	}
	return subject
}

// Backoff returns an exponential delay with full jitter, capped at max.
func Backoff(attempt uint64, base, max time.Duration) time.Duration {
	if attempt == 0 {
		attempt = 1
	}
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if max > 0 && delay > max {
		delay = max
	}
	jittered := time.Duration(rand.Float64() * float64(delay))
	if jittered < base/2 {
		jittered = base / 2
	}
	return jittered
}

// Settler finishes consumed messages according to the at-least-once contract:
// handler success acks, malformed input terminates, transient failures are
// redelivered with exponential backoff until MaxDeliver, then the message is
// copied to the consumer's dead-letter subject and terminated.
type Settler struct {
	JS         PublishAPI
	Group      string
	MaxDeliver int
	Base       time.Duration
	Max        time.Duration
}

func NewSettler(js PublishAPI, group string) Settler {
	return Settler{
		JS:         js,
		Group:      group,
		MaxDeliver: 3,
		Base:       time.Second,
		Max:        30 * time.Second,
	}
}

// Settle finishes msg based on the handler outcome. discard marks input that
// will never succeed (malformed payloads, unsupported types).
func (s Settler) Settle(msg *nats.Msg, handlerErr error, discard bool) {
	if handlerErr == nil {
		metrics.EventsConsumed.WithLabelValues(s.Group, "ack").Inc()
		_ = msg.Ack()
		return
	}
	if discard {
		log.Printf("%s: discarding message on %s: %v", s.Group, msg.Subject, handlerErr)
		metrics.EventsConsumed.WithLabelValues(s.Group, "discard").Inc()
		_ = msg.Term()
		return
	}

	delivered := uint64(1)
	if meta, err := msg.Metadata(); err == nil {
		delivered = meta.NumDelivered
	}
	if int(delivered) >= s.MaxDeliver {
		log.Printf("%s: retries exhausted on %s, dead-lettering: %v", s.Group, msg.Subject, handlerErr)
		if _, err := s.JS.Publish(messaging.DLQSubject(s.Group), msg.Data); err != nil {
			// Keep the message alive rather than lose it with a failed DLQ copy.
			log.Printf("%s: dead-letter publish failed: %v", s.Group, err)
			_ = msg.Nak()
			return
		}
		metrics.DLQPublished.WithLabelValues(s.Group).Inc()
		_ = msg.Term()
		return
	}

	log.Printf("%s: processing failed on %s (delivery %d): %v", s.Group, msg.Subject, delivered, handlerErr)
	metrics.EventsConsumed.WithLabelValues(s.Group, "retry").Inc()
	_ = msg.NakWithDelay(Backoff(delivered, s.Base, s.Max))
}
