package sync

import (
	"encoding/json"
	"errors"
	"log"

	"github.com/taskpulse/project/internal/contracts"
)

var ErrInvalidEventPayload = errors.New("invalid event payload")

// Hub fans task events out to the owner's live connections. Events never
// cross owners: delivery is looked up by the envelope's owner id, so a
// connection only ever sees its own account's tasks.
type Hub struct {
	Registry *Registry
}

func NewHub(registry *Registry) *Hub {
	return &Hub{Registry: registry}
}

func (h *Hub) HandleEvent(payload []byte) error {
	var event contracts.Envelope
	if err := json.Unmarshal(payload, &event); err != nil {
		return ErrInvalidEventPayload
	}
	if !contracts.IsTaskEvent(event.EventType) {
		return nil
	}

	msg := serverMessage{
		Type:      msgTaskUpdate,
		Action:    event.EventType,
		TaskID:    event.TaskID,
		OwnerID:   event.OwnerID,
		Data:      &event.Payload,
		Timestamp: &event.OccurredAt,
	}
	for _, c := range h.Registry.ForOwner(event.OwnerID) {
		if !c.wants(event.TaskID) {
			continue
		}
		if c.enqueue(msg) {
			continue
		}
		// Slow consumer: drop it rather than stall or buffer unboundedly.
		if removed := h.Registry.Deregister(c.OwnerID, c.ID); removed != nil {
			log.Printf("sync: dropping slow connection %s for owner %s", c.ID, c.OwnerID)
			removed.close()
		}
	}
	return nil
}

// IsDiscard reports whether err marks input that redelivery can never fix.
func IsDiscard(err error) bool {
	return errors.Is(err, ErrInvalidEventPayload)
}
