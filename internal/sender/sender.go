// Package sender holds the per-channel delivery transports. Every channel is
// called the same way: Send(ctx, target, message) and a Result back.
package sender

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/jwalitptl/realtime-hub/internal/model"
)

// ErrInvalidTarget marks a target the channel can never deliver to.
var ErrInvalidTarget = errors.New("invalid delivery target")

type Message struct {
	NotificationID   uuid.UUID       `json:"notificationId"`
	UserID           string          `json:"userId"`
	Title            string          `json:"title"`
	Body             string          `json:"body"`
	Priority         model.Priority  `json:"priority"`
	NotificationType string          `json:"type"`
	Data             json.RawMessage `json:"data,omitempty"`
}

func MessageFor(n *model.Notification) Message {
	return Message{
		NotificationID:   n.ID,
		UserID:           n.UserID,
		Title:            n.Title,
		Body:             n.Body,
		Priority:         n.Priority,
		NotificationType: n.NotificationType,
		Data:             n.Data,
	}
}

type Result struct {
	Success bool
	Err     error
}

func Ok() Result { return Result{Success: true} }

func Fail(err error) Result {
	if err == nil {
		err = errors.New("delivery failed")
	}
	return Result{Err: err}
}

type Sender interface {
	Send(ctx context.Context, target string, msg Message) Result
	// Confirms reports whether a successful send still awaits a channel
	// confirmation before it counts as delivered.
	Confirms() bool
}

// Func adapts a plain function into a fire-and-forget Sender.
type Func func(ctx context.Context, target string, msg Message) Result

func (f Func) Send(ctx context.Context, target string, msg Message) Result {
	return f(ctx, target, msg)
}

func (Func) Confirms() bool { return false }

type Registry struct {
	mu      sync.RWMutex
	senders map[model.DeliveryChannel]Sender
}

func NewRegistry() *Registry {
	return &Registry{senders: make(map[model.DeliveryChannel]Sender)}
}

func (r *Registry) Register(ch model.DeliveryChannel, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[ch] = s
}

func (r *Registry) Get(ch model.DeliveryChannel) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.senders[ch]
	return s, ok
}

// Channels lists the registered channels in a stable order.
func (r *Registry) Channels() []model.DeliveryChannel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.DeliveryChannel, 0, len(r.senders))
	for ch := range r.senders {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// runWithContext runs fn in its own goroutine so a transport without
// context support still returns when ctx is done.
func runWithContext(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
