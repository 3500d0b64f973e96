package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/realtime-hub/internal/model"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrStaleTransition means another writer changed the row since it was read.
	ErrStaleTransition = errors.New("stale delivery log transition")
)

// All repository interfaces in one file
type (
	NotificationRepository interface {
		Create(ctx context.Context, notification *model.Notification) error
		Get(ctx context.Context, id uuid.UUID) (*model.Notification, error)
		// MarkRead sets read_at once. It reports whether this call set it.
		MarkRead(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
		ListByUser(ctx context.Context, userID string, limit int) ([]*model.Notification, error)
	}

	DeliveryLogRepository interface {
		Create(ctx context.Context, entry *model.DeliveryLogEntry) error
		Get(ctx context.Context, id uuid.UUID) (*model.DeliveryLogEntry, error)
		// UpdateStatus writes entry if its Version still matches the stored
		// row, then bumps Version. Otherwise it returns ErrStaleTransition.
		UpdateStatus(ctx context.Context, entry *model.DeliveryLogEntry) error
		ListByNotification(ctx context.Context, notificationID uuid.UUID) ([]*model.DeliveryLogEntry, error)
		// ClaimDue leases up to limit pending entries whose next_retry_at has
		// passed by pushing next_retry_at to now+lease.
		ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*model.DeliveryLogEntry, error)
		ListWindow(ctx context.Context, from, to time.Time) ([]*model.DeliveryLogEntry, error)
	}

	OutboxRepository interface {
		Create(ctx context.Context, event *model.OutboxEvent) error
		// ClaimPendingEvents leases pending events due at now by pushing
		// retry_at to now+lease, so concurrent workers skip them.
		ClaimPendingEvents(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*model.OutboxEvent, error)
		UpdateStatus(ctx context.Context, event *model.OutboxEvent) error
		DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error)
	}
)

// Store groups the repositories one backend provides.
type Store struct {
	Notifications NotificationRepository
	Deliveries    DeliveryLogRepository
	Outbox        OutboxRepository
	Ping          func(ctx context.Context) error
	Close         func() error
}
