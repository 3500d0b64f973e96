package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadListenConfigDefaults(t *testing.T) {
	cfg, err := LoadListenConfig()
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/ws", cfg.URL)
	assert.Equal(t, time.Second, cfg.BaseDelay)
	assert.Equal(t, 5, cfg.MaxAttempts)

	mc := cfg.ToManagerConfig()
	assert.Equal(t, 30*time.Second, mc.MaxDelay)
	assert.Equal(t, 60*time.Second, mc.HeartbeatTimeout)
}

func TestLoadListenConfigFromEnv(t *testing.T) {
	t.Setenv("HUB_URL", "wss://hub.example.com/ws")
	t.Setenv("HUB_CHANNELS", "user:42,alerts")
	t.Setenv("HUB_BASE_DELAY", "250ms")
	t.Setenv("HUB_AUTO_ACK", "true")

	cfg, err := LoadListenConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"user:42", "alerts"}, cfg.Channels)
	assert.True(t, cfg.AutoAck)

	mc := cfg.ToManagerConfig()
	assert.Equal(t, "wss://hub.example.com/ws", mc.URL)
	assert.Equal(t, 250*time.Millisecond, mc.BaseDelay)
	assert.Equal(t, []string{"user:42", "alerts"}, mc.Channels)
}

func TestLoadListenConfigRejectsBadValues(t *testing.T) {
	t.Run("channel", func(t *testing.T) {
		t.Setenv("HUB_CHANNELS", "Bad Channel")
		_, err := LoadListenConfig()
		assert.Error(t, err)
	})
	t.Run("heartbeat", func(t *testing.T) {
		t.Setenv("HUB_HEARTBEAT_TIMEOUT", "10s")
		_, err := LoadListenConfig()
		assert.Error(t, err)
	})
	t.Run("duration", func(t *testing.T) {
		t.Setenv("HUB_MAX_DELAY", "soon")
		_, err := LoadListenConfig()
		assert.Error(t, err)
	})
}
