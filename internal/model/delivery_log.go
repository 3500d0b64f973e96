package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxAutoRetries caps automatic failed->pending cycles for one entry.
const MaxAutoRetries = 3

type DeliveryChannel string

const (
	ChannelEmail   DeliveryChannel = "email"
	ChannelChat    DeliveryChannel = "chat"
	ChannelWebhook DeliveryChannel = "webhook"
)

// AllDeliveryChannels lists channels in dispatch order.
var AllDeliveryChannels = []DeliveryChannel{ChannelEmail, ChannelChat, ChannelWebhook}

func ParseDeliveryChannel(s string) (DeliveryChannel, error) {
	switch c := DeliveryChannel(s); c {
	case ChannelEmail, ChannelChat, ChannelWebhook:
		return c, nil
	}
	return "", fmt.Errorf("unknown delivery channel %q", s)
}

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryBounced   DeliveryStatus = "bounced"
)

var deliveryTransitions = map[DeliveryStatus][]DeliveryStatus{
	DeliveryPending: {DeliverySent, DeliveryFailed},
	DeliverySent:    {DeliveryDelivered, DeliveryBounced, DeliveryFailed},
	DeliveryFailed:  {DeliveryPending},
	DeliveryBounced: {DeliveryPending},
}

// CanTransition reports whether a delivery log entry may move from one
// status to another. Delivered is final.
func CanTransition(from, to DeliveryStatus) bool {
	for _, s := range deliveryTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// DeliveryLogEntry records the delivery of one notification over one channel.
type DeliveryLogEntry struct {
	ID             uuid.UUID       `json:"id" db:"id"`
	NotificationID uuid.UUID       `json:"notification_id" db:"notification_id"`
	Channel        DeliveryChannel `json:"channel" db:"channel"`
	Target         string          `json:"target" db:"target"`
	Status         DeliveryStatus  `json:"status" db:"status"`
	RetryCount     int             `json:"retry_count" db:"retry_count"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty" db:"next_retry_at"`
	ErrorMessage   *string         `json:"error_message,omitempty" db:"error_message"`
	SentAt         *time.Time      `json:"sent_at,omitempty" db:"sent_at"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty" db:"delivered_at"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
	// Version is bumped on every write; updates compare against it.
	Version int64 `json:"-" db:"version"`
}

func (e *DeliveryLogEntry) Clone() *DeliveryLogEntry {
	if e == nil {
		return nil
	}
	c := *e
	c.NextRetryAt = cloneTime(e.NextRetryAt)
	c.SentAt = cloneTime(e.SentAt)
	c.DeliveredAt = cloneTime(e.DeliveredAt)
	if e.ErrorMessage != nil {
		msg := *e.ErrorMessage
		c.ErrorMessage = &msg
	}
	return &c
}

// CanAutoRetry is true for failed entries still under the automatic cap.
func (e *DeliveryLogEntry) CanAutoRetry() bool {
	return e.Status == DeliveryFailed && e.RetryCount < MaxAutoRetries
}

// Exhausted is true for failed entries that only a manual retry can revive.
func (e *DeliveryLogEntry) Exhausted() bool {
	return e.Status == DeliveryFailed && e.RetryCount >= MaxAutoRetries
}

// Confirmation is a channel's asynchronous report on a sent entry.
type Confirmation struct {
	Status DeliveryStatus `json:"status"`
	Error  string         `json:"error,omitempty"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
