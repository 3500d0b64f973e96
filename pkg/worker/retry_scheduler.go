package worker

import (
	"context"
	"time"

	"github.com/jwalitptl/realtime-hub/pkg/clock"
	"github.com/jwalitptl/realtime-hub/pkg/logger"
)

// DueProcessor runs one scheduler step and reports how many entries it
// claimed.
type DueProcessor interface {
	ProcessDue(ctx context.Context) (int, error)
}

type RetrySchedulerConfig struct {
	Interval time.Duration
	// BatchSize is the processor's claim limit. A full batch means more may
	// be due, so the scheduler runs again without waiting.
	BatchSize int
}

// RetryScheduler drives automatic delivery retries. It wakes on the clock,
// never busy-waits, and is the only thing that moves due entries forward.
type RetryScheduler struct {
	processor DueProcessor
	config    RetrySchedulerConfig
	clock     clock.Clock
	logger    *logger.Logger
}

func NewRetryScheduler(processor DueProcessor, config RetrySchedulerConfig, clk clock.Clock, log *logger.Logger) *RetryScheduler {
	if config.Interval <= 0 {
		config.Interval = 5 * time.Second
	}
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &RetryScheduler{processor: processor, config: config, clock: clk, logger: log}
}

func (s *RetryScheduler) Start(ctx context.Context) {
	s.logger.Info("Starting retry scheduler", "interval", s.config.Interval.String())
	for {
		s.drain(ctx)

		timer := s.clock.NewTimer(s.config.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("Shutting down retry scheduler")
			return
		case <-timer.C():
		}
	}
}

func (s *RetryScheduler) drain(ctx context.Context) {
	for ctx.Err() == nil {
		claimed, err := s.processor.ProcessDue(ctx)
		if err != nil {
			s.logger.Error(err, "Retry scheduler step failed")
			return
		}
		if claimed > 0 {
			s.logger.Debug("Processed due deliveries", "claimed", claimed)
		}
		if s.config.BatchSize <= 0 || claimed < s.config.BatchSize {
			return
		}
	}
}
