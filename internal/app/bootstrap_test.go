package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/realtime-hub/config"
	"github.com/jwalitptl/realtime-hub/internal/model"
	"github.com/jwalitptl/realtime-hub/pkg/logger"
)

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	store, err := OpenStore(ctx, config.DatabaseConfig{Driver: "memory"}, logger.NewNop())
	require.NoError(t, err)
	assert.NoError(t, store.Ping(ctx))

	_, err = OpenStore(ctx, config.DatabaseConfig{Driver: "sqlite"}, logger.NewNop())
	assert.Error(t, err)
}

func TestOpenBrokerWithoutRedis(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := OpenBroker(ctx, config.RedisConfig{}, logger.NewNop())
	require.NoError(t, err)
	defer b.Close()
	assert.False(t, b.Shared)
	assert.NoError(t, b.Check(ctx))

	got := make(chan []byte, 1)
	require.NoError(t, b.Subscribe(ctx, "hub.test", func(p []byte) error {
		got <- p
		return nil
	}))
	require.NoError(t, b.Publish(ctx, "hub.test", []byte(`{"ok":true}`)))
	assert.JSONEq(t, `{"ok":true}`, string(<-got))
}

func TestOpenBrokerBadRedisURL(t *testing.T) {
	_, err := OpenBroker(context.Background(), config.RedisConfig{URL: "not a url"}, logger.NewNop())
	assert.Error(t, err)
}

func TestNewSenders(t *testing.T) {
	senders := NewSenders(config.ChannelsConfig{
		Email:   config.EmailConfig{Enabled: true, Host: "localhost", Port: 1025, From: "hub@example.com"},
		Webhook: config.WebhookConfig{Enabled: true},
	}, logger.NewNop())
	assert.ElementsMatch(t, []model.DeliveryChannel{model.ChannelEmail, model.ChannelWebhook}, senders.Channels())
}

func TestNewMetrics(t *testing.T) {
	m, reg := NewMetrics(config.MonitoringConfig{Namespace: "hub_test"})
	m.Connections.Set(2)
	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() == "hub_test_realtime_connections" {
			found = true
		}
	}
	assert.True(t, found)
}
