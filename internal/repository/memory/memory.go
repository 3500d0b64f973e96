// Package memory keeps repositories in process memory. It backs the dev
// profile and the service tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/realtime-hub/internal/model"
	"github.com/jwalitptl/realtime-hub/internal/repository"
)

// NewStore returns a Store whose repositories share nothing but lifetime.
func NewStore() *repository.Store {
	return &repository.Store{
		Notifications: NewNotificationRepository(),
		Deliveries:    NewDeliveryLogRepository(),
		Outbox:        NewOutboxRepository(),
		Ping:          func(context.Context) error { return nil },
		Close:         func() error { return nil },
	}
}

type notificationRepository struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*model.Notification
}

func NewNotificationRepository() repository.NotificationRepository {
	return &notificationRepository{items: make(map[uuid.UUID]*model.Notification)}
}

func (r *notificationRepository) Create(_ context.Context, n *model.Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[n.ID] = n.Clone()
	return nil
}

func (r *notificationRepository) Get(_ context.Context, id uuid.UUID) (*model.Notification, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.items[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return n.Clone(), nil
}

func (r *notificationRepository) MarkRead(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.items[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	if n.ReadAt != nil {
		return false, nil
	}
	n.ReadAt = &at
	return true, nil
}

func (r *notificationRepository) ListByUser(_ context.Context, userID string, limit int) ([]*model.Notification, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.Notification
	for _, n := range r.items {
		if n.UserID == userID {
			out = append(out, n.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type deliveryLogRepository struct {
	mu    sync.Mutex
	items map[uuid.UUID]*model.DeliveryLogEntry
}

func NewDeliveryLogRepository() repository.DeliveryLogRepository {
	return &deliveryLogRepository{items: make(map[uuid.UUID]*model.DeliveryLogEntry)}
}

func (r *deliveryLogRepository) Create(_ context.Context, e *model.DeliveryLogEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.Version = 1
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[e.ID] = e.Clone()
	return nil
}

func (r *deliveryLogRepository) Get(_ context.Context, id uuid.UUID) (*model.DeliveryLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.items[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return e.Clone(), nil
}

func (r *deliveryLogRepository) UpdateStatus(_ context.Context, e *model.DeliveryLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.items[e.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if cur.Version != e.Version {
		return repository.ErrStaleTransition
	}
	e.Version++
	r.items[e.ID] = e.Clone()
	return nil
}

func (r *deliveryLogRepository) ListByNotification(_ context.Context, notificationID uuid.UUID) ([]*model.DeliveryLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.DeliveryLogEntry
	for _, e := range r.items {
		if e.NotificationID == notificationID {
			out = append(out, e.Clone())
		}
	}
	sortEntries(out)
	return out, nil
}

func (r *deliveryLogRepository) ClaimDue(_ context.Context, now time.Time, lease time.Duration, limit int) ([]*model.DeliveryLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []*model.DeliveryLogEntry
	for _, e := range r.items {
		if e.Status != model.DeliveryPending {
			continue
		}
		if e.NextRetryAt != nil && e.NextRetryAt.After(now) {
			continue
		}
		due = append(due, e)
	}
	sort.Slice(due, func(i, j int) bool {
		return dueAt(due[i]).Before(dueAt(due[j]))
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	leaseUntil := now.Add(lease)
	out := make([]*model.DeliveryLogEntry, 0, len(due))
	for _, e := range due {
		until := leaseUntil
		e.NextRetryAt = &until
		e.Version++
		out = append(out, e.Clone())
	}
	return out, nil
}

func (r *deliveryLogRepository) ListWindow(_ context.Context, from, to time.Time) ([]*model.DeliveryLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.DeliveryLogEntry
	for _, e := range r.items {
		if e.CreatedAt.Before(from) || !e.CreatedAt.Before(to) {
			continue
		}
		out = append(out, e.Clone())
	}
	sortEntries(out)
	return out, nil
}

type outboxRepository struct {
	mu    sync.Mutex
	items map[uuid.UUID]*model.OutboxEvent
}

func NewOutboxRepository() repository.OutboxRepository {
	return &outboxRepository{items: make(map[uuid.UUID]*model.OutboxEvent)}
}

func (r *outboxRepository) Create(_ context.Context, e *model.OutboxEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = model.OutboxStatusPending
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *e
	r.items[e.ID] = &c
	return nil
}

func (r *outboxRepository) ClaimPendingEvents(_ context.Context, now time.Time, lease time.Duration, limit int) ([]*model.OutboxEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []*model.OutboxEvent
	for _, e := range r.items {
		if e.Status != model.OutboxStatusPending {
			continue
		}
		if e.RetryAt != nil && e.RetryAt.After(now) {
			continue
		}
		due = append(due, e)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*model.OutboxEvent, 0, len(due))
	for _, e := range due {
		until := now.Add(lease)
		e.RetryAt = &until
		e.UpdatedAt = now
		c := *e
		out = append(out, &c)
	}
	return out, nil
}

func (r *outboxRepository) UpdateStatus(_ context.Context, e *model.OutboxEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[e.ID]; !ok {
		return repository.ErrNotFound
	}
	c := *e
	r.items[e.ID] = &c
	return nil
}

func (r *outboxRepository) DeleteProcessedBefore(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, e := range r.items {
		if e.Status == model.OutboxStatusProcessed && e.ProcessedAt != nil && e.ProcessedAt.Before(before) {
			delete(r.items, id)
			n++
		}
	}
	return n, nil
}

func dueAt(e *model.DeliveryLogEntry) time.Time {
	if e.NextRetryAt != nil {
		return *e.NextRetryAt
	}
	return e.CreatedAt
}

func sortEntries(entries []*model.DeliveryLogEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].Channel < entries[j].Channel
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}
