package event

import (
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/realtime-hub/internal/model"
)

// Type names an outbox event. The outbox processor publishes each event on
// a broker topic of the same name.
type Type string

const (
	DeliveryDelivered Type = "delivery.delivered"
	DeliveryFailed    Type = "delivery.failed"
	DeliveryExhausted Type = "delivery.exhausted"
	DeliveryBounced   Type = "delivery.bounced"
	NotificationRead  Type = "notification.read"
)

// DeliveryTypeFor maps an entry's current status to its outbox event type.
// Pending and sent are not reported.
func DeliveryTypeFor(e *model.DeliveryLogEntry) (Type, bool) {
	switch e.Status {
	case model.DeliveryDelivered:
		return DeliveryDelivered, true
	case model.DeliveryBounced:
		return DeliveryBounced, true
	case model.DeliveryFailed:
		if e.Exhausted() {
			return DeliveryExhausted, true
		}
		return DeliveryFailed, true
	}
	return "", false
}

type DeliveryPayload struct {
	EntryID        uuid.UUID             `json:"entry_id"`
	NotificationID uuid.UUID             `json:"notification_id"`
	Channel        model.DeliveryChannel `json:"channel"`
	Status         model.DeliveryStatus  `json:"status"`
	RetryCount     int                   `json:"retry_count"`
	Error          string                `json:"error,omitempty"`
	OccurredAt     time.Time             `json:"occurred_at"`
}

func NewDeliveryPayload(e *model.DeliveryLogEntry, at time.Time) DeliveryPayload {
	p := DeliveryPayload{
		EntryID:        e.ID,
		NotificationID: e.NotificationID,
		Channel:        e.Channel,
		Status:         e.Status,
		RetryCount:     e.RetryCount,
		OccurredAt:     at,
	}
	if e.ErrorMessage != nil {
		p.Error = *e.ErrorMessage
	}
	return p
}

type ReadPayload struct {
	NotificationID uuid.UUID `json:"notification_id"`
	UserID         string    `json:"user_id"`
	ReadAt         time.Time `json:"read_at"`
}
