// Package config loads the listener client settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/jwalitptl/realtime-hub/internal/model"
	"github.com/jwalitptl/realtime-hub/pkg/wsclient"
)

type ListenConfig struct {
	URL              string        `envconfig:"URL" default:"ws://localhost:8080/ws"`
	Channels         []string      `envconfig:"CHANNELS"`
	BaseDelay        time.Duration `envconfig:"BASE_DELAY" default:"1s"`
	MaxDelay         time.Duration `envconfig:"MAX_DELAY" default:"30s"`
	MaxAttempts      int           `envconfig:"MAX_ATTEMPTS" default:"5"`
	PingInterval     time.Duration `envconfig:"PING_INTERVAL" default:"30s"`
	HeartbeatTimeout time.Duration `envconfig:"HEARTBEAT_TIMEOUT" default:"60s"`
	// AutoAck sends a read ack for every notification envelope received.
	AutoAck   bool   `envconfig:"AUTO_ACK" default:"false"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"console"`
}

// LoadListenConfig reads HUB_* variables.
func LoadListenConfig() (*ListenConfig, error) {
	var cfg ListenConfig
	if err := envconfig.Process("hub", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load listener config: %w", err)
	}
	for _, ch := range cfg.Channels {
		if !model.ValidChannel(ch) {
			return nil, fmt.Errorf("invalid channel name %q", ch)
		}
	}
	if cfg.HeartbeatTimeout <= cfg.PingInterval {
		return nil, fmt.Errorf("heartbeat timeout (%s) must exceed ping interval (%s)", cfg.HeartbeatTimeout, cfg.PingInterval)
	}
	return &cfg, nil
}

func (c *ListenConfig) ToManagerConfig() wsclient.Config {
	cfg := wsclient.DefaultConfig(c.URL)
	cfg.Channels = c.Channels
	cfg.BaseDelay = c.BaseDelay
	cfg.MaxDelay = c.MaxDelay
	cfg.MaxAttempts = c.MaxAttempts
	cfg.PingInterval = c.PingInterval
	cfg.HeartbeatTimeout = c.HeartbeatTimeout
	return cfg
}
