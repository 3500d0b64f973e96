// Package app holds the wiring shared by the api and worker processes.
package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jwalitptl/realtime-hub/config"
	"github.com/jwalitptl/realtime-hub/internal/handler/health"
	"github.com/jwalitptl/realtime-hub/internal/model"
	"github.com/jwalitptl/realtime-hub/internal/repository"
	"github.com/jwalitptl/realtime-hub/internal/repository/memory"
	"github.com/jwalitptl/realtime-hub/internal/repository/postgres"
	"github.com/jwalitptl/realtime-hub/internal/sender"
	"github.com/jwalitptl/realtime-hub/pkg/logger"
	"github.com/jwalitptl/realtime-hub/pkg/messaging"
	"github.com/jwalitptl/realtime-hub/pkg/messaging/redis"
	"github.com/jwalitptl/realtime-hub/pkg/metrics"
)

// OpenStore returns the repositories for the configured driver. Postgres
// applies the embedded schema when database.migrate is set.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (*repository.Store, error) {
	switch cfg.Driver {
	case "memory":
		log.Warn("Using in-memory store; data does not survive restarts and is not shared between processes")
		return memory.NewStore(), nil
	case "postgres":
		db, err := postgres.NewDB(cfg)
		if err != nil {
			return nil, err
		}
		if cfg.Migrate {
			if err := postgres.Migrate(ctx, db); err != nil {
				_ = db.Close()
				return nil, err
			}
		}
		log.Info("Connected to postgres", "host", cfg.Host, "database", cfg.Name)
		return postgres.NewStore(db), nil
	}
	return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
}

// Broker is the message broker plus a readiness check for it.
type Broker struct {
	messaging.MessageBroker
	Check  health.Check
	Shared bool
}

// OpenBroker connects to redis when a URL is configured. Without one it
// returns an in-process broker, which only reaches this process.
func OpenBroker(ctx context.Context, cfg config.RedisConfig, log *logger.Logger) (*Broker, error) {
	if cfg.URL == "" {
		log.Warn("No redis URL configured; realtime fan-out and outbox events stay in this process")
		local := messaging.NewLocalBroker(cfg.SubscriberBuffer)
		return &Broker{
			MessageBroker: messaging.NewBrokerAdapter(local, log),
			Check:         func(context.Context) error { return nil },
		}, nil
	}

	rb, err := redis.NewRedisBroker(ctx, cfg.ToBrokerConfig(), log)
	if err != nil {
		return nil, err
	}
	return &Broker{
		MessageBroker: messaging.NewBrokerAdapter(rb, log),
		Check:         rb.Ping,
		Shared:        true,
	}, nil
}

// NewSenders registers every enabled delivery channel.
func NewSenders(cfg config.ChannelsConfig, log *logger.Logger) *sender.Registry {
	senders := sender.NewRegistry()
	if cfg.Email.Enabled {
		senders.Register(model.ChannelEmail, sender.NewEmailSender(cfg.Email.ToSenderConfig(), log))
	}
	if cfg.Chat.Enabled {
		senders.Register(model.ChannelChat, sender.NewChatSender(cfg.Chat.ToSenderConfig(), log))
	}
	if cfg.Webhook.Enabled {
		senders.Register(model.ChannelWebhook, sender.NewWebhookSender(cfg.Webhook.ToSenderConfig(), log))
	}
	log.Info("Delivery channels enabled", "channels", fmt.Sprint(senders.Channels()))
	return senders
}

// NewMetrics registers the application collectors plus the Go runtime and
// process collectors on a fresh registry.
func NewMetrics(cfg config.MonitoringConfig) (*metrics.Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "realtime_hub"
	}
	return metrics.NewMetrics(reg, namespace), reg
}
