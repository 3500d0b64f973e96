package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/jwalitptl/realtime-hub/internal/model"
	"github.com/jwalitptl/realtime-hub/internal/repository"
	"github.com/jwalitptl/realtime-hub/pkg/clock"
	appErrors "github.com/jwalitptl/realtime-hub/pkg/errors"
	"github.com/jwalitptl/realtime-hub/pkg/logger"
)

// DefaultWindow applies when a query gives no lower bound.
const DefaultWindow = 24 * time.Hour

type Config struct {
	// CacheTTL of zero disables caching.
	CacheTTL      time.Duration
	DefaultWindow time.Duration
}

type Reporter struct {
	deliveries repository.DeliveryLogRepository
	cache      *cache.Cache
	cfg        Config
	clock      clock.Clock
	logger     *logger.Logger
}

func NewReporter(deliveries repository.DeliveryLogRepository, cfg Config, clk clock.Clock, log *logger.Logger) *Reporter {
	if cfg.DefaultWindow <= 0 {
		cfg.DefaultWindow = DefaultWindow
	}
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = logger.NewNop()
	}
	r := &Reporter{
		deliveries: deliveries,
		cfg:        cfg,
		clock:      clk,
		logger:     log,
	}
	if cfg.CacheTTL > 0 {
		r.cache = cache.New(cfg.CacheTTL, 2*cfg.CacheTTL)
	}
	return r
}

// GetStats aggregates entries created in [From, To). A zero To means now and
// a zero From means To minus the default window.
func (r *Reporter) GetStats(ctx context.Context, window model.StatsWindow) (*model.DeliveryStats, error) {
	key := fmt.Sprintf("%d:%d", window.From.UnixNano(), window.To.UnixNano())
	if r.cache != nil {
		if cached, found := r.cache.Get(key); found {
			return cached.(*model.DeliveryStats), nil
		}
	}

	resolved := window
	if resolved.To.IsZero() {
		resolved.To = r.clock.Now()
	}
	if resolved.From.IsZero() {
		resolved.From = resolved.To.Add(-r.cfg.DefaultWindow)
	}
	if resolved.From.After(resolved.To) {
		return nil, appErrors.BadRequest("from must not be after to", nil)
	}

	entries, err := r.deliveries.ListWindow(ctx, resolved.From, resolved.To)
	if err != nil {
		return nil, appErrors.Internal(fmt.Errorf("failed to list delivery logs: %w", err))
	}

	st := Aggregate(entries, resolved)
	if r.cache != nil {
		r.cache.SetDefault(key, st)
	}
	r.logger.Debug("delivery stats computed",
		"from", resolved.From.String(),
		"to", resolved.To.String(),
		"total", st.Total,
	)
	return st, nil
}

func (r *Reporter) NotificationStats(ctx context.Context, notificationID uuid.UUID) (*model.DeliveryStats, error) {
	entries, err := r.deliveries.ListByNotification(ctx, notificationID)
	if err != nil {
		return nil, appErrors.Internal(fmt.Errorf("failed to list delivery logs: %w", err))
	}
	return Aggregate(entries, model.StatsWindow{}), nil
}
