package model

import (
	"encoding/json"
	"fmt"
)

// CreateNotificationRequest is the HTTP body for POST /notifications.
type CreateNotificationRequest struct {
	UserID   string            `json:"user_id" binding:"required,max=128"`
	Title    string            `json:"title" binding:"required,max=256"`
	Body     string            `json:"body" binding:"max=4096"`
	Priority string            `json:"priority" binding:"omitempty,oneof=low normal high urgent"`
	Type     string            `json:"type" binding:"max=64"`
	Data     json.RawMessage   `json:"data"`
	Channels []string          `json:"channels" binding:"omitempty,dive,oneof=email chat webhook"`
	Targets  map[string]string `json:"targets"`
}

func (r *CreateNotificationRequest) ToDispatch() (*DispatchRequest, error) {
	req := &DispatchRequest{
		UserID:           r.UserID,
		Title:            r.Title,
		Body:             r.Body,
		Priority:         Priority(r.Priority),
		NotificationType: r.Type,
		Data:             r.Data,
	}
	for _, name := range r.Channels {
		ch, err := ParseDeliveryChannel(name)
		if err != nil {
			return nil, err
		}
		req.Channels = append(req.Channels, ch)
	}
	if len(r.Targets) > 0 {
		req.Targets = make(map[DeliveryChannel]string, len(r.Targets))
		for name, target := range r.Targets {
			ch, err := ParseDeliveryChannel(name)
			if err != nil {
				return nil, fmt.Errorf("targets: %w", err)
			}
			req.Targets[ch] = target
		}
	}
	return req, nil
}

type MarkReadRequest struct {
	UserID string `json:"user_id" binding:"required,max=128"`
}

type ConfirmRequest struct {
	Status string `json:"status" binding:"required,oneof=delivered bounced failed"`
	Error  string `json:"error" binding:"max=1024"`
}

func (r *ConfirmRequest) ToConfirmation() Confirmation {
	return Confirmation{Status: DeliveryStatus(r.Status), Error: r.Error}
}

// PublishRequest pushes an application event to one channel.
type PublishRequest struct {
	Channel string          `json:"channel" binding:"required,channel_name"`
	Type    string          `json:"type" binding:"required,max=64"`
	Data    json.RawMessage `json:"data"`
}
