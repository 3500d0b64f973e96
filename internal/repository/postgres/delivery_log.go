package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/realtime-hub/internal/model"
	"github.com/jwalitptl/realtime-hub/internal/repository"
)

const deliveryLogColumns = `id, notification_id, channel, target, status, retry_count, next_retry_at,
	error_message, sent_at, delivered_at, created_at, updated_at, version`

type deliveryLogRepository struct {
	BaseRepository
}

func NewDeliveryLogRepository(base BaseRepository) repository.DeliveryLogRepository {
	return &deliveryLogRepository{base}
}

func (r *deliveryLogRepository) Create(ctx context.Context, e *model.DeliveryLogEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.Version = 1

	query := `
		INSERT INTO delivery_logs (` + deliveryLogColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := r.db.ExecContext(ctx, query,
		e.ID,
		e.NotificationID,
		e.Channel,
		e.Target,
		e.Status,
		e.RetryCount,
		e.NextRetryAt,
		e.ErrorMessage,
		e.SentAt,
		e.DeliveredAt,
		e.CreatedAt,
		e.UpdatedAt,
		e.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to create delivery log entry: %w", err)
	}
	return nil
}

func (r *deliveryLogRepository) Get(ctx context.Context, id uuid.UUID) (*model.DeliveryLogEntry, error) {
	var e model.DeliveryLogEntry
	query := `SELECT ` + deliveryLogColumns + ` FROM delivery_logs WHERE id = $1`
	if err := r.db.GetContext(ctx, &e, query, id); err != nil {
		if isNoRows(err) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get delivery log entry: %w", err)
	}
	return &e, nil
}

func (r *deliveryLogRepository) UpdateStatus(ctx context.Context, e *model.DeliveryLogEntry) error {
	query := `
		UPDATE delivery_logs
		SET status = $1,
			retry_count = $2,
			next_retry_at = $3,
			error_message = $4,
			sent_at = $5,
			delivered_at = $6,
			updated_at = $7,
			version = version + 1
		WHERE id = $8 AND version = $9
	`
	result, err := r.db.ExecContext(ctx, query,
		e.Status,
		e.RetryCount,
		e.NextRetryAt,
		e.ErrorMessage,
		e.SentAt,
		e.DeliveredAt,
		e.UpdatedAt,
		e.ID,
		e.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update delivery log entry: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 1 {
		e.Version++
		return nil
	}

	found, err := r.exists(ctx, "delivery_logs", e.ID)
	if err != nil {
		return fmt.Errorf("failed to check delivery log entry: %w", err)
	}
	if !found {
		return repository.ErrNotFound
	}
	return repository.ErrStaleTransition
}

func (r *deliveryLogRepository) ListByNotification(ctx context.Context, notificationID uuid.UUID) ([]*model.DeliveryLogEntry, error) {
	query := `
		SELECT ` + deliveryLogColumns + `
		FROM delivery_logs
		WHERE notification_id = $1
		ORDER BY created_at ASC, channel ASC
	`
	var out []*model.DeliveryLogEntry
	if err := r.db.SelectContext(ctx, &out, query, notificationID); err != nil {
		return nil, fmt.Errorf("failed to list delivery log entries: %w", err)
	}
	return out, nil
}

func (r *deliveryLogRepository) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*model.DeliveryLogEntry, error) {
	query := `
		UPDATE delivery_logs
		SET next_retry_at = $1, version = version + 1
		WHERE id IN (
			SELECT id FROM delivery_logs
			WHERE status = 'pending'
			AND (next_retry_at IS NULL OR next_retry_at <= $2)
			ORDER BY COALESCE(next_retry_at, created_at) ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + deliveryLogColumns

	var out []*model.DeliveryLogEntry
	if err := r.db.SelectContext(ctx, &out, query, now.Add(lease), now, limit); err != nil {
		return nil, fmt.Errorf("failed to claim due delivery log entries: %w", err)
	}
	return out, nil
}

func (r *deliveryLogRepository) ListWindow(ctx context.Context, from, to time.Time) ([]*model.DeliveryLogEntry, error) {
	query := `
		SELECT ` + deliveryLogColumns + `
		FROM delivery_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at ASC
	`
	var out []*model.DeliveryLogEntry
	if err := r.db.SelectContext(ctx, &out, query, from, to); err != nil {
		return nil, fmt.Errorf("failed to list delivery log window: %w", err)
	}
	return out, nil
}
