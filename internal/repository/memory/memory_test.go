package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/realtime-hub/internal/model"
	"github.com/jwalitptl/realtime-hub/internal/repository"
)

func newEntry(created time.Time) *model.DeliveryLogEntry {
	return &model.DeliveryLogEntry{
		NotificationID: uuid.New(),
		Channel:        model.ChannelEmail,
		Status:         model.DeliveryPending,
		CreatedAt:      created,
		UpdatedAt:      created,
	}
}

func TestDeliveryLogUpdateStatusIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	repo := NewDeliveryLogRepository()
	e := newEntry(time.Now())
	require.NoError(t, repo.Create(ctx, e))

	first, err := repo.Get(ctx, e.ID)
	require.NoError(t, err)
	second, err := repo.Get(ctx, e.ID)
	require.NoError(t, err)

	first.Status = model.DeliverySent
	require.NoError(t, repo.UpdateStatus(ctx, first))

	second.Status = model.DeliveryFailed
	assert.ErrorIs(t, repo.UpdateStatus(ctx, second), repository.ErrStaleTransition)

	stored, err := repo.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliverySent, stored.Status)
}

func TestDeliveryLogClaimDueLeasesEntries(t *testing.T) {
	ctx := context.Background()
	repo := NewDeliveryLogRepository()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	due := newEntry(now.Add(-time.Minute))
	later := newEntry(now)
	future := now.Add(time.Hour)
	later.NextRetryAt = &future
	sent := newEntry(now.Add(-time.Minute))
	sent.Status = model.DeliverySent
	for _, e := range []*model.DeliveryLogEntry{due, later, sent} {
		require.NoError(t, repo.Create(ctx, e))
	}

	claimed, err := repo.ClaimDue(ctx, now, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, due.ID, claimed[0].ID)
	assert.True(t, claimed[0].NextRetryAt.Equal(now.Add(time.Minute)))

	again, err := repo.ClaimDue(ctx, now, time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, again, "a leased entry is not claimable until the lease passes")

	// A writer holding the pre-claim version loses.
	due.Status = model.DeliverySent
	assert.ErrorIs(t, repo.UpdateStatus(ctx, due), repository.ErrStaleTransition)
}

func TestDeliveryLogListWindow(t *testing.T) {
	ctx := context.Background()
	repo := NewDeliveryLogRepository()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Create(ctx, newEntry(base.Add(time.Duration(i)*time.Hour))))
	}

	got, err := repo.ListWindow(ctx, base.Add(time.Hour), base.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestNotificationMarkReadOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewNotificationRepository()
	n := &model.Notification{UserID: "7", Title: "hi", CreatedAt: time.Now()}
	require.NoError(t, repo.Create(ctx, n))

	first, err := repo.MarkRead(ctx, n.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, first)

	first, err = repo.MarkRead(ctx, n.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, first)

	_, err = repo.MarkRead(ctx, uuid.New(), time.Now())
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestOutboxClaimAndCleanup(t *testing.T) {
	ctx := context.Background()
	repo := NewOutboxRepository()
	now := time.Now()

	ev := &model.OutboxEvent{EventType: "delivery.delivered", Payload: []byte(`{}`), CreatedAt: now}
	require.NoError(t, repo.Create(ctx, ev))

	claimed, err := repo.ClaimPendingEvents(ctx, now, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	claimed, err = repo.ClaimPendingEvents(ctx, now, time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	processedAt := now.Add(-2 * time.Hour)
	ev.Status = model.OutboxStatusProcessed
	ev.ProcessedAt = &processedAt
	require.NoError(t, repo.UpdateStatus(ctx, ev))

	n, err := repo.DeleteProcessedBefore(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
