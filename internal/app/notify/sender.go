package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Notification is the payload handed to a channel sender.
type Notification struct {
	EventID     string    `json:"event_id"`
	OwnerID     string    `json:"owner_id"`
	TaskID      string    `json:"task_id"`
	JobID       string    `json:"job_id"`
	Channel     string    `json:"channel"`
	Message     string    `json:"message"`
	TriggerTime time.Time `json:"trigger_time"`
}

// Sender delivers a notification over one channel.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// ConsoleSender writes notifications to the process log. It is the default
// channel and the fallback when an event names a channel with no sender.
type ConsoleSender struct{}

func (ConsoleSender) Send(_ context.Context, n Notification) error {
	log.Printf("notify: owner=%s task=%s %s", n.OwnerID, n.TaskID, n.Message)
	return nil
}

// StubSender stands in for channels without a real integration yet (push,
// email). It logs the delivery so the retry and failure paths stay exercised.
type StubSender struct {
	Channel string
}

func (s StubSender) Send(_ context.Context, n Notification) error {
	log.Printf("notify: [%s stub] owner=%s task=%s %s", s.Channel, n.OwnerID, n.TaskID, n.Message)
	return nil
}

// WebhookSender POSTs the notification as JSON to a fixed endpoint.
type WebhookSender struct {
	URL    string
	Client *http.Client
}

func NewWebhookSender(url string) *WebhookSender {
	return &WebhookSender{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *WebhookSender) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: status %d", s.URL, resp.StatusCode)
	}
	return nil
}
