package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jwalitptl/realtime-hub/internal/model"
	"github.com/jwalitptl/realtime-hub/pkg/logger"
	"github.com/jwalitptl/realtime-hub/pkg/messaging"
	"github.com/jwalitptl/realtime-hub/pkg/metrics"
)

// DefaultRelayTopic is the broker topic every node listens on.
const DefaultRelayTopic = "realtime:fanout"

// Publisher is what the rest of the system uses to push live envelopes. The
// registry is never reached through a global; callers receive one of these.
type Publisher interface {
	Publish(ctx context.Context, channel string, env model.Envelope) error
}

type localPublisher struct {
	registry *Registry
}

// AsPublisher exposes the registry for single-node deployments.
func (r *Registry) AsPublisher() Publisher {
	return localPublisher{registry: r}
}

func (p localPublisher) Publish(_ context.Context, channel string, env model.Envelope) error {
	p.registry.Publish(channel, env)
	return nil
}

type relayFrame struct {
	Channel  string         `json:"channel"`
	Envelope model.Envelope `json:"envelope"`
}

// Relay routes publishes through a broker so each node fans the envelope out
// to its own connections. If the broker rejects a publish, the envelope is
// still delivered to this node's subscribers. A Relay without a registry is
// publish-only, which is how processes without connections push envelopes.
type Relay struct {
	registry *Registry
	broker   messaging.MessageBroker
	topic    string
	logger   *logger.Logger
	metrics  *metrics.Metrics
}

func NewRelay(registry *Registry, broker messaging.MessageBroker, topic string, log *logger.Logger, m *metrics.Metrics) *Relay {
	if topic == "" {
		topic = DefaultRelayTopic
	}
	if log == nil {
		log = logger.NewNop()
	}
	if m == nil && registry != nil {
		m = registry.metrics
	}
	if m == nil {
		m = metrics.New("hub")
	}
	return &Relay{
		registry: registry,
		broker:   broker,
		topic:    topic,
		logger:   log,
		metrics:  m,
	}
}

func (rl *Relay) Publish(ctx context.Context, channel string, env model.Envelope) error {
	payload, err := json.Marshal(relayFrame{Channel: channel, Envelope: env})
	if err != nil {
		return fmt.Errorf("failed to encode relay frame: %w", err)
	}

	if err := rl.broker.Publish(ctx, rl.topic, payload); err != nil {
		rl.metrics.RelayMessages.WithLabelValues("out", "error").Inc()
		if rl.registry == nil {
			return fmt.Errorf("relay publish failed: %w", err)
		}
		rl.logger.Error(err, "relay publish failed, delivering locally", "channel", channel)
		rl.registry.Publish(channel, env)
		return nil
	}
	rl.metrics.RelayMessages.WithLabelValues("out", "ok").Inc()
	return nil
}

// Start subscribes to the relay topic. Frames are delivered until ctx ends.
func (rl *Relay) Start(ctx context.Context) error {
	return rl.broker.Subscribe(ctx, rl.topic, func(payload []byte) error {
		var frame relayFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			rl.metrics.RelayMessages.WithLabelValues("in", "error").Inc()
			return fmt.Errorf("malformed relay frame: %w", err)
		}
		rl.metrics.RelayMessages.WithLabelValues("in", "ok").Inc()
		rl.registry.Publish(frame.Channel, frame.Envelope)
		return nil
	})
}
