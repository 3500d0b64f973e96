package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Notification is the durable record of one business notification. The only
// mutation after creation is setting ReadAt.
type Notification struct {
	ID               uuid.UUID       `json:"id" db:"id"`
	UserID           string          `json:"user_id" db:"user_id"`
	Title            string          `json:"title" db:"title"`
	Body             string          `json:"body" db:"body"`
	Priority         Priority        `json:"priority" db:"priority"`
	NotificationType string          `json:"notification_type" db:"notification_type"`
	Data             json.RawMessage `json:"data,omitempty" db:"data"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	ReadAt           *time.Time      `json:"read_at,omitempty" db:"read_at"`
}

func (n *Notification) Clone() *Notification {
	if n == nil {
		return nil
	}
	c := *n
	if n.Data != nil {
		c.Data = append(json.RawMessage(nil), n.Data...)
	}
	if n.ReadAt != nil {
		t := *n.ReadAt
		c.ReadAt = &t
	}
	return &c
}

// DispatchRequest is what a business collaborator hands the pipeline.
type DispatchRequest struct {
	UserID           string
	Title            string
	Body             string
	Priority         Priority
	NotificationType string
	Data             json.RawMessage
	Channels         []DeliveryChannel
	Targets          map[DeliveryChannel]string
}

type DispatchResult struct {
	Notification *Notification      `json:"notification"`
	Deliveries   []*DeliveryLogEntry `json:"deliveries"`
}

type NotificationDetail struct {
	Notification  *Notification      `json:"notification"`
	Deliveries    []*DeliveryLogEntry `json:"deliveries"`
	Stats         *DeliveryStats      `json:"stats"`
	Effectiveness int                 `json:"effectiveness"`
}
