package stats

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/realtime-hub/internal/model"
	"github.com/jwalitptl/realtime-hub/internal/repository/memory"
	"github.com/jwalitptl/realtime-hub/pkg/clock"
	appErrors "github.com/jwalitptl/realtime-hub/pkg/errors"
)

var base = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func entry(ch model.DeliveryChannel, status model.DeliveryStatus, offset time.Duration) *model.DeliveryLogEntry {
	return &model.DeliveryLogEntry{
		ID:             uuid.New(),
		NotificationID: uuid.New(),
		Channel:        ch,
		Status:         status,
		CreatedAt:      base.Add(offset),
		UpdatedAt:      base.Add(offset),
	}
}

func sevenTwoOne() []*model.DeliveryLogEntry {
	var out []*model.DeliveryLogEntry
	for i := 0; i < 7; i++ {
		out = append(out, entry(model.ChannelEmail, model.DeliverySent, time.Duration(i)*time.Minute))
	}
	out = append(out,
		entry(model.ChannelChat, model.DeliveryFailed, 10*time.Minute),
		entry(model.ChannelChat, model.DeliveryFailed, 11*time.Minute),
		entry(model.ChannelWebhook, model.DeliveryPending, 12*time.Minute),
	)
	return out
}

func TestAggregateRate(t *testing.T) {
	st := Aggregate(sevenTwoOne(), model.StatsWindow{})

	assert.Equal(t, 10, st.Total)
	assert.Equal(t, 70.0, st.SuccessRate)
	assert.Equal(t, 7, st.ByStatus[model.DeliverySent])
	assert.Equal(t, 2, st.ByStatus[model.DeliveryFailed])
	assert.Equal(t, 1, st.ByStatus[model.DeliveryPending])
	assert.Equal(t, 0, st.ByStatus[model.DeliveryBounced])

	require.Contains(t, st.Channels, model.ChannelEmail)
	assert.Equal(t, 100.0, st.Channels[model.ChannelEmail].SuccessRate)
	assert.Equal(t, 0.0, st.Channels[model.ChannelChat].SuccessRate)
	assert.Equal(t, 1, st.Channels[model.ChannelWebhook].Pending)
}

func TestAggregateEmpty(t *testing.T) {
	st := Aggregate(nil, model.StatsWindow{})
	assert.Equal(t, 0, st.Total)
	assert.Equal(t, 0.0, st.SuccessRate)
	assert.Equal(t, 0.0, st.AvgLatencyMs)
	assert.Empty(t, st.Channels)
}

func TestAggregateDoesNotMutate(t *testing.T) {
	entries := sevenTwoOne()
	before := make([]model.DeliveryLogEntry, len(entries))
	for i, e := range entries {
		before[i] = *e
	}
	Aggregate(entries, model.StatsWindow{})
	for i, e := range entries {
		assert.Equal(t, before[i], *e)
	}
}

func TestAggregateRetryAndLatency(t *testing.T) {
	sent := base.Add(1500 * time.Millisecond)
	delivered := entry(model.ChannelEmail, model.DeliveryDelivered, 0)
	delivered.SentAt = &sent

	retrying := entry(model.ChannelEmail, model.DeliveryPending, 0)
	retrying.RetryCount = 2

	exhausted := entry(model.ChannelEmail, model.DeliveryFailed, 0)
	exhausted.RetryCount = model.MaxAutoRetries

	st := Aggregate([]*model.DeliveryLogEntry{delivered, retrying, exhausted}, model.StatsWindow{})
	assert.Equal(t, 1, st.RetryScheduled)
	assert.Equal(t, 1, st.Exhausted)
	assert.Equal(t, 1500.0, st.AvgLatencyMs)
	assert.Equal(t, 33.33, st.SuccessRate)
}

func TestEffectiveness(t *testing.T) {
	full := &model.DeliveryStats{SuccessRate: 100}
	half := &model.DeliveryStats{SuccessRate: 50}

	assert.Equal(t, 100, Effectiveness(full, true))
	assert.Equal(t, 70, Effectiveness(full, false))
	assert.Equal(t, 65, Effectiveness(half, true))
	assert.Equal(t, 0, Effectiveness(&model.DeliveryStats{}, false))
	assert.Equal(t, 0, Effectiveness(nil, true))
}

func TestReporterGetStats(t *testing.T) {
	repo := memory.NewDeliveryLogRepository()
	for _, e := range sevenTwoOne() {
		require.NoError(t, repo.Create(context.Background(), e))
	}
	outside := entry(model.ChannelEmail, model.DeliveryFailed, -48*time.Hour)
	require.NoError(t, repo.Create(context.Background(), outside))

	clk := clock.NewFake(base.Add(time.Hour))
	r := NewReporter(repo, Config{}, clk, nil)

	st, err := r.GetStats(context.Background(), model.StatsWindow{})
	require.NoError(t, err)
	assert.Equal(t, 10, st.Total)
	assert.Equal(t, 70.0, st.SuccessRate)
	assert.Equal(t, base.Add(time.Hour), st.Window.To)
	assert.Equal(t, base.Add(-23*time.Hour), st.Window.From)

	empty, err := r.GetStats(context.Background(), model.StatsWindow{From: base.Add(-10 * time.Hour), To: base.Add(-9 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Total)
	assert.Equal(t, 0.0, empty.SuccessRate)
}

func TestReporterRejectsInvertedWindow(t *testing.T) {
	r := NewReporter(memory.NewDeliveryLogRepository(), Config{}, clock.NewFake(base), nil)
	_, err := r.GetStats(context.Background(), model.StatsWindow{From: base, To: base.Add(-time.Minute)})

	appErr, ok := appErrors.As(err)
	require.True(t, ok)
	assert.Equal(t, appErrors.ErrBadRequest, appErr.Code)
}

func TestReporterCachesWindow(t *testing.T) {
	repo := memory.NewDeliveryLogRepository()
	require.NoError(t, repo.Create(context.Background(), entry(model.ChannelEmail, model.DeliverySent, 0)))

	r := NewReporter(repo, Config{CacheTTL: time.Minute}, clock.NewFake(base.Add(time.Hour)), nil)
	first, err := r.GetStats(context.Background(), model.StatsWindow{})
	require.NoError(t, err)

	require.NoError(t, repo.Create(context.Background(), entry(model.ChannelEmail, model.DeliveryFailed, time.Minute)))
	second, err := r.GetStats(context.Background(), model.StatsWindow{})
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, second.Total)
}

func TestReporterNotificationStats(t *testing.T) {
	repo := memory.NewDeliveryLogRepository()
	notificationID := uuid.New()
	delivered := entry(model.ChannelEmail, model.DeliveryDelivered, 0)
	failed := entry(model.ChannelChat, model.DeliveryFailed, 0)
	for _, e := range []*model.DeliveryLogEntry{delivered, failed} {
		e.NotificationID = notificationID
		require.NoError(t, repo.Create(context.Background(), e))
	}
	require.NoError(t, repo.Create(context.Background(), entry(model.ChannelEmail, model.DeliverySent, 0)))

	r := NewReporter(repo, Config{}, clock.NewFake(base), nil)
	st, err := r.NotificationStats(context.Background(), notificationID)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 50.0, st.SuccessRate)
}
