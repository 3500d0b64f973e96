package event

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/realtime-hub/internal/model"
	"github.com/jwalitptl/realtime-hub/internal/repository/memory"
	"github.com/jwalitptl/realtime-hub/pkg/clock"
)

func TestServiceEmitStoresPendingEvent(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	repo := memory.NewOutboxRepository()
	svc := NewService(repo, clock.NewFake(now))

	entry := &model.DeliveryLogEntry{
		ID:             uuid.New(),
		NotificationID: uuid.New(),
		Channel:        model.ChannelEmail,
		Status:         model.DeliveryDelivered,
	}
	require.NoError(t, svc.Emit(context.Background(), DeliveryDelivered, NewDeliveryPayload(entry, now)))

	events, err := repo.ClaimPendingEvents(context.Background(), now, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(DeliveryDelivered), events[0].EventType)
	assert.Equal(t, model.OutboxStatusPending, events[0].Status)

	var p DeliveryPayload
	require.NoError(t, json.Unmarshal(events[0].Payload, &p))
	assert.Equal(t, entry.ID, p.EntryID)
	assert.Equal(t, model.ChannelEmail, p.Channel)
}

func TestDeliveryTypeFor(t *testing.T) {
	tests := []struct {
		name   string
		entry  model.DeliveryLogEntry
		want   Type
		report bool
	}{
		{"delivered", model.DeliveryLogEntry{Status: model.DeliveryDelivered}, DeliveryDelivered, true},
		{"bounced", model.DeliveryLogEntry{Status: model.DeliveryBounced}, DeliveryBounced, true},
		{"failed with retries left", model.DeliveryLogEntry{Status: model.DeliveryFailed, RetryCount: 1}, DeliveryFailed, true},
		{"failed at cap", model.DeliveryLogEntry{Status: model.DeliveryFailed, RetryCount: model.MaxAutoRetries}, DeliveryExhausted, true},
		{"pending", model.DeliveryLogEntry{Status: model.DeliveryPending}, "", false},
		{"sent", model.DeliveryLogEntry{Status: model.DeliverySent}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := DeliveryTypeFor(&tt.entry)
			assert.Equal(t, tt.report, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
