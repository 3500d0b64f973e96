package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jwalitptl/realtime-hub/internal/model"
	"github.com/jwalitptl/realtime-hub/pkg/logger"
)

// OutboxCleaner deletes processed outbox events older than a retention.
type OutboxCleaner interface {
	Cleanup(ctx context.Context, retention time.Duration) (int64, error)
}

// StatsSource computes delivery stats for a window.
type StatsSource interface {
	GetStats(ctx context.Context, window model.StatsWindow) (*model.DeliveryStats, error)
}

type MaintenanceConfig struct {
	// CleanupSchedule and StatsSchedule accept standard cron specs,
	// descriptors such as @daily, and @every durations.
	CleanupSchedule string
	OutboxRetention time.Duration
	StatsSchedule   string
	JobTimeout      time.Duration
}

func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		CleanupSchedule: "@daily",
		OutboxRetention: 7 * 24 * time.Hour,
		StatsSchedule:   "@hourly",
		JobTimeout:      time.Minute,
	}
}

// Maintenance runs periodic housekeeping for the worker process.
type Maintenance struct {
	cleaner OutboxCleaner
	stats   StatsSource
	config  MaintenanceConfig
	logger  *logger.Logger

	parser cron.Parser
	cron   *cron.Cron

	mu      sync.Mutex
	running map[string]bool
}

func NewMaintenance(cleaner OutboxCleaner, stats StatsSource, config MaintenanceConfig, log *logger.Logger) (*Maintenance, error) {
	if config.JobTimeout <= 0 {
		config.JobTimeout = time.Minute
	}
	if config.OutboxRetention <= 0 {
		return nil, fmt.Errorf("outbox retention must be positive, got %s", config.OutboxRetention)
	}
	if log == nil {
		log = logger.NewNop()
	}

	m := &Maintenance{
		cleaner: cleaner,
		stats:   stats,
		config:  config,
		logger:  log,
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		running: make(map[string]bool),
	}
	m.cron = cron.New(cron.WithParser(m.parser), cron.WithLocation(time.UTC))

	if cleaner != nil && config.CleanupSchedule != "" {
		if err := m.add("outbox_cleanup", config.CleanupSchedule, m.CleanupOutbox); err != nil {
			return nil, err
		}
	}
	if stats != nil && config.StatsSchedule != "" {
		if err := m.add("stats_snapshot", config.StatsSchedule, m.SnapshotStats); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Maintenance) add(name, spec string, job func(context.Context) error) error {
	schedule, err := m.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", spec, name, err)
	}
	m.cron.Schedule(schedule, cron.FuncJob(func() { m.run(name, job) }))
	m.logger.Info("Scheduled maintenance job", "job", name, "schedule", spec)
	return nil
}

// run skips a tick when the previous run of the same job is still going.
func (m *Maintenance) run(name string, job func(context.Context) error) {
	m.mu.Lock()
	if m.running[name] {
		m.mu.Unlock()
		m.logger.Warn("Skipping maintenance job, previous run still active", "job", name)
		return
	}
	m.running[name] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.running, name)
		m.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), m.config.JobTimeout)
	defer cancel()
	if err := job(ctx); err != nil {
		m.logger.Error(err, "Maintenance job failed", "job", name)
	}
}

// Jobs reports how many jobs are scheduled.
func (m *Maintenance) Jobs() int {
	return len(m.cron.Entries())
}

// Start runs the scheduler until ctx is done, then waits for running jobs.
func (m *Maintenance) Start(ctx context.Context) {
	m.cron.Start()
	<-ctx.Done()
	<-m.cron.Stop().Done()
	m.logger.Info("Maintenance scheduler stopped")
}

func (m *Maintenance) CleanupOutbox(ctx context.Context) error {
	deleted, err := m.cleaner.Cleanup(ctx, m.config.OutboxRetention)
	if err != nil {
		return err
	}
	m.logger.Info("Outbox cleanup finished", "deleted", deleted)
	return nil
}

// SnapshotStats logs the default-window delivery stats.
func (m *Maintenance) SnapshotStats(ctx context.Context) error {
	st, err := m.stats.GetStats(ctx, model.StatsWindow{})
	if err != nil {
		return fmt.Errorf("failed to compute delivery stats: %w", err)
	}
	m.logger.Info("Delivery stats snapshot",
		"total", st.Total,
		"success_rate", st.SuccessRate,
		"retry_scheduled", st.RetryScheduled,
		"exhausted", st.Exhausted)
	return nil
}
