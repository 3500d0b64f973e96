package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/realtime-hub/internal/model"
	"github.com/jwalitptl/realtime-hub/internal/repository"
)

func setupMockDB(t *testing.T) (sqlmock.Sqlmock, BaseRepository) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return mock, NewBaseRepository(sqlx.NewDb(db, "postgres"))
}

var deliveryLogColumnNames = []string{
	"id", "notification_id", "channel", "target", "status", "retry_count", "next_retry_at",
	"error_message", "sent_at", "delivered_at", "created_at", "updated_at", "version",
}

func TestDeliveryLogUpdateStatusBumpsVersion(t *testing.T) {
	mock, base := setupMockDB(t)
	repo := NewDeliveryLogRepository(base)

	now := time.Now()
	entry := &model.DeliveryLogEntry{
		ID:         uuid.New(),
		Status:     model.DeliverySent,
		RetryCount: 1,
		SentAt:     &now,
		UpdatedAt:  now,
		Version:    4,
	}

	mock.ExpectExec("UPDATE delivery_logs").
		WithArgs(
			model.DeliverySent,
			1,
			sqlmock.AnyArg(), // next_retry_at
			sqlmock.AnyArg(), // error_message
			sqlmock.AnyArg(), // sent_at
			sqlmock.AnyArg(), // delivered_at
			now,
			entry.ID,
			int64(4),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.UpdateStatus(context.Background(), entry))
	assert.Equal(t, int64(5), entry.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliveryLogUpdateStatusDetectsStaleWrite(t *testing.T) {
	tests := []struct {
		name    string
		exists  bool
		wantErr error
	}{
		{name: "row changed underneath", exists: true, wantErr: repository.ErrStaleTransition},
		{name: "row missing", exists: false, wantErr: repository.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, base := setupMockDB(t)
			repo := NewDeliveryLogRepository(base)
			entry := &model.DeliveryLogEntry{ID: uuid.New(), Status: model.DeliveryFailed, Version: 2}

			mock.ExpectExec("UPDATE delivery_logs").WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectQuery("SELECT EXISTS").
				WithArgs(entry.ID).
				WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(tt.exists))

			err := repo.UpdateStatus(context.Background(), entry)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, int64(2), entry.Version)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestDeliveryLogClaimDue(t *testing.T) {
	mock, base := setupMockDB(t)
	repo := NewDeliveryLogRepository(base)

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	lease := 2 * time.Minute
	id, nid := uuid.New(), uuid.New()
	leaseUntil := now.Add(lease)

	rows := sqlmock.NewRows(deliveryLogColumnNames).
		AddRow(id.String(), nid.String(), "email", "a@example.com", "pending", 1, leaseUntil,
			"smtp timeout", nil, nil, now.Add(-time.Hour), now, int64(3))

	mock.ExpectQuery("UPDATE delivery_logs").
		WithArgs(leaseUntil, now, 10).
		WillReturnRows(rows)

	entries, err := repo.ClaimDue(context.Background(), now, lease, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	got := entries[0]
	assert.Equal(t, id, got.ID)
	assert.Equal(t, nid, got.NotificationID)
	assert.Equal(t, model.ChannelEmail, got.Channel)
	assert.Equal(t, model.DeliveryPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.NextRetryAt)
	assert.True(t, got.NextRetryAt.Equal(leaseUntil))
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "smtp timeout", *got.ErrorMessage)
	assert.Nil(t, got.SentAt)
	assert.Equal(t, int64(3), got.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNotificationMarkRead(t *testing.T) {
	id := uuid.New()
	at := time.Now()

	t.Run("first read", func(t *testing.T) {
		mock, base := setupMockDB(t)
		repo := NewNotificationRepository(base)

		mock.ExpectExec("UPDATE notifications SET read_at").
			WithArgs(at, id).
			WillReturnResult(sqlmock.NewResult(0, 1))

		first, err := repo.MarkRead(context.Background(), id, at)
		require.NoError(t, err)
		assert.True(t, first)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already read", func(t *testing.T) {
		mock, base := setupMockDB(t)
		repo := NewNotificationRepository(base)

		mock.ExpectExec("UPDATE notifications SET read_at").
			WithArgs(at, id).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs(id).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		first, err := repo.MarkRead(context.Background(), id, at)
		require.NoError(t, err)
		assert.False(t, first)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestNotificationCreateSendsJSONAsText(t *testing.T) {
	mock, base := setupMockDB(t)
	repo := NewNotificationRepository(base)

	n := &model.Notification{
		UserID:    "42",
		Title:     "Course completed",
		Priority:  model.PriorityNormal,
		CreatedAt: time.Now(),
	}

	mock.ExpectExec("INSERT INTO notifications").
		WithArgs(
			sqlmock.AnyArg(), // id
			"42",
			"Course completed",
			"",
			model.PriorityNormal,
			"",
			"{}",
			sqlmock.AnyArg(), // created_at
			sqlmock.AnyArg(), // read_at
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Create(context.Background(), n))
	assert.NotEqual(t, uuid.Nil, n.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNotificationGetNotFound(t *testing.T) {
	mock, base := setupMockDB(t)
	repo := NewNotificationRepository(base)
	id := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM notifications WHERE id").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.Get(context.Background(), id)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxDeleteProcessedBefore(t *testing.T) {
	mock, base := setupMockDB(t)
	repo := NewOutboxRepository(base)
	cutoff := time.Now().Add(-24 * time.Hour)

	mock.ExpectExec("DELETE FROM outbox_events").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := repo.DeleteProcessedBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
