package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jwalitptl/realtime-hub/internal/model"
	"github.com/jwalitptl/realtime-hub/internal/repository"
	"github.com/jwalitptl/realtime-hub/pkg/clock"
	"github.com/jwalitptl/realtime-hub/pkg/logger"
	"github.com/jwalitptl/realtime-hub/pkg/messaging"
	"github.com/jwalitptl/realtime-hub/pkg/metrics"
)

type OutboxProcessorConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// RetryAttempts is the number of publish attempts before an event is
	// marked failed.
	RetryAttempts int
	// RetryDelay grows linearly with each failed attempt.
	RetryDelay time.Duration
	ClaimLease time.Duration
	// TopicPrefix is prepended to the event type to form the broker topic.
	TopicPrefix string
}

type OutboxProcessor struct {
	repo    repository.OutboxRepository
	broker  messaging.MessageBroker
	config  OutboxProcessorConfig
	clock   clock.Clock
	logger  *logger.Logger
	metrics *metrics.Metrics
}

func NewOutboxProcessor(
	repo repository.OutboxRepository,
	broker messaging.MessageBroker,
	config OutboxProcessorConfig,
	clk clock.Clock,
	logger *logger.Logger,
	metrics *metrics.Metrics,
) (*OutboxProcessor, error) {
	// Config validation instead of defaults
	if config.BatchSize <= 0 {
		return nil, errors.New("BatchSize must be greater than 0")
	}
	if config.PollInterval <= 0 {
		return nil, errors.New("PollInterval must be greater than 0")
	}
	if config.RetryAttempts <= 0 {
		return nil, errors.New("RetryAttempts must be greater than 0")
	}
	if config.RetryDelay <= 0 {
		return nil, errors.New("RetryDelay must be greater than 0")
	}
	if config.ClaimLease <= 0 {
		config.ClaimLease = time.Minute
	}
	if clk == nil {
		clk = clock.New()
	}

	return &OutboxProcessor{
		repo:    repo,
		broker:  broker,
		config:  config,
		clock:   clk,
		logger:  logger,
		metrics: metrics,
	}, nil
}

func (p *OutboxProcessor) Start(ctx context.Context) {
	p.logger.Info("Starting outbox processor", "poll_interval", p.config.PollInterval.String())

	for {
		if _, err := p.ProcessEvents(ctx); err != nil {
			p.logger.Error(err, "Failed to process events")
		}

		timer := p.clock.NewTimer(p.config.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			p.logger.Info("Shutting down outbox processor")
			return
		case <-timer.C():
		}
	}
}

// ProcessEvents publishes one claimed batch and reports how many events
// were published.
func (p *OutboxProcessor) ProcessEvents(ctx context.Context) (int, error) {
	timer := prometheus.NewTimer(p.metrics.OutboxProcessingLatency)
	defer timer.ObserveDuration()

	events, err := p.repo.ClaimPendingEvents(ctx, p.clock.Now(), p.config.ClaimLease, p.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to claim pending events: %w", err)
	}
	p.metrics.OutboxQueueSize.Set(float64(len(events)))

	published := 0
	for _, event := range events {
		if err := p.processEvent(ctx, event); err != nil {
			p.logger.Error(err, "Failed to process event",
				"event_id", event.ID.String(),
				"event_type", event.EventType,
				"retry_count", event.RetryCount)
			continue
		}
		published++
	}
	return published, nil
}

func (p *OutboxProcessor) processEvent(ctx context.Context, event *model.OutboxEvent) error {
	now := p.clock.Now()
	err := p.broker.Publish(ctx, p.config.TopicPrefix+event.EventType, event.Payload)
	event.UpdatedAt = now

	if err == nil {
		event.Status = model.OutboxStatusProcessed
		event.ProcessedAt = &now
		event.ErrorMessage = nil
		event.RetryAt = nil
		p.metrics.OutboxEventsProcessed.Inc()
		if updateErr := p.repo.UpdateStatus(ctx, event); updateErr != nil {
			return fmt.Errorf("failed to update event status: %w", updateErr)
		}
		return nil
	}

	event.RetryCount++
	errStr := err.Error()
	event.ErrorMessage = &errStr
	if event.RetryCount >= p.config.RetryAttempts {
		event.Status = model.OutboxStatusFailed
		event.RetryAt = nil
		p.metrics.OutboxEventsFailed.Inc()
	} else {
		retryAt := now.Add(p.config.RetryDelay * time.Duration(event.RetryCount))
		event.RetryAt = &retryAt
		p.metrics.OutboxRetries.WithLabelValues(event.EventType).Inc()
	}
	if updateErr := p.repo.UpdateStatus(ctx, event); updateErr != nil {
		p.logger.Error(updateErr, "Failed to update event status", "event_id", event.ID.String())
	}
	return fmt.Errorf("failed to publish event: %w", err)
}

// Cleanup deletes processed events older than retention.
func (p *OutboxProcessor) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := p.clock.Now().Add(-retention)
	count, err := p.repo.DeleteProcessedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup events: %w", err)
	}
	p.logger.Info("Cleaned up processed outbox events", "deleted", count, "cutoff", cutoff.String())
	return count, nil
}
