// Package notification is the delivery pipeline: it turns one business
// notification into one delivery log entry per channel and drives every
// entry to a terminal state with bounded automatic retries.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jwalitptl/realtime-hub/internal/model"
	"github.com/jwalitptl/realtime-hub/internal/repository"
	"github.com/jwalitptl/realtime-hub/internal/sender"
	"github.com/jwalitptl/realtime-hub/internal/service/stats"
	"github.com/jwalitptl/realtime-hub/pkg/clock"
	appErrors "github.com/jwalitptl/realtime-hub/pkg/errors"
	"github.com/jwalitptl/realtime-hub/pkg/event"
	"github.com/jwalitptl/realtime-hub/pkg/logger"
	"github.com/jwalitptl/realtime-hub/pkg/metrics"
)

const tracerName = "github.com/jwalitptl/realtime-hub/internal/service/notification"

// Publisher pushes live envelopes to connected clients.
type Publisher interface {
	Publish(ctx context.Context, channel string, env model.Envelope) error
}

// SubscriptionChecker reports whether a live connection listens on a channel.
type SubscriptionChecker interface {
	IsSubscribed(connectionID, channel string) bool
}

// ErrNoSender marks a channel with no sender configured on this node.
var ErrNoSender = errors.New("no sender configured")

type Config struct {
	// AttemptTimeout bounds one channel send; running over counts as a failure.
	AttemptTimeout time.Duration
	// ClaimLease hides an entry from other schedulers while it is attempted.
	// It must exceed AttemptTimeout.
	ClaimLease time.Duration
	BatchSize  int
	// Concurrency caps parallel attempts within one scheduler step.
	Concurrency int
	Retry       RetryPolicy
}

func DefaultConfig() Config {
	return Config{
		AttemptTimeout: 30 * time.Second,
		ClaimLease:     2 * time.Minute,
		BatchSize:      50,
		Concurrency:    8,
		Retry:          DefaultRetryPolicy(),
	}
}

type Deps struct {
	Notifications repository.NotificationRepository
	Deliveries    repository.DeliveryLogRepository
	Senders       *sender.Registry
	Publisher     Publisher
	// Subscriptions authorizes read acks from realtime connections. Without
	// it acks are refused.
	Subscriptions SubscriptionChecker
	Events        event.Emitter
	Clock         clock.Clock
	Logger        *logger.Logger
	Metrics       *metrics.Metrics
}

type Service struct {
	notifications repository.NotificationRepository
	deliveries    repository.DeliveryLogRepository
	senders       *sender.Registry
	publisher     Publisher
	subscriptions SubscriptionChecker
	events        event.Emitter
	clock         clock.Clock
	cfg           Config
	logger        *logger.Logger
	metrics       *metrics.Metrics
	tracer        trace.Tracer

	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}
}

func NewService(cfg Config, deps Deps) *Service {
	def := DefaultConfig()
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.ClaimLease <= cfg.AttemptTimeout {
		cfg.ClaimLease = 2 * cfg.AttemptTimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if deps.Senders == nil {
		deps.Senders = sender.NewRegistry()
	}
	if deps.Events == nil {
		deps.Events = event.Nop{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New("hub")
	}

	return &Service{
		notifications: deps.Notifications,
		deliveries:    deps.Deliveries,
		senders:       deps.Senders,
		publisher:     deps.Publisher,
		subscriptions: deps.Subscriptions,
		events:        deps.Events,
		clock:         deps.Clock,
		cfg:           cfg,
		logger:        deps.Logger,
		metrics:       deps.Metrics,
		tracer:        otel.Tracer(tracerName),
		inflight:      make(map[uuid.UUID]struct{}),
	}
}

// Dispatch records the notification, creates one pending entry per channel
// and attempts every channel concurrently. Channel failures are recorded on
// their entries; the returned error covers validation and persistence only.
func (s *Service) Dispatch(ctx context.Context, req *model.DispatchRequest) (*model.DispatchResult, error) {
	ctx, span := s.tracer.Start(ctx, "notification.Dispatch")
	defer span.End()

	channels, err := s.validate(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("user_id", req.UserID))

	now := s.clock.Now()
	n := &model.Notification{
		ID:               uuid.New(),
		UserID:           req.UserID,
		Title:            req.Title,
		Body:             req.Body,
		Priority:         req.Priority,
		NotificationType: req.NotificationType,
		Data:             req.Data,
		CreatedAt:        now,
	}
	if n.Priority == "" {
		n.Priority = model.PriorityNormal
	}
	if err := s.notifications.Create(ctx, n); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, appErrors.Internal(fmt.Errorf("failed to create notification: %w", err))
	}
	span.SetAttributes(attribute.String("notification_id", n.ID.String()))

	lease := now.Add(s.cfg.ClaimLease)
	entries := make([]*model.DeliveryLogEntry, 0, len(channels))
	for _, ch := range channels {
		until := lease
		entry := &model.DeliveryLogEntry{
			ID:             uuid.New(),
			NotificationID: n.ID,
			Channel:        ch,
			Target:         req.Targets[ch],
			Status:         model.DeliveryPending,
			NextRetryAt:    &until,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.deliveries.Create(ctx, entry); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, appErrors.Internal(fmt.Errorf("failed to create delivery log entry: %w", err))
		}
		entries = append(entries, entry)
	}

	s.pushLive(ctx, model.TypeNotification, n.UserID, n)

	// Attempts outlive the caller's request; each carries its own timeout.
	attemptCtx := context.WithoutCancel(ctx)
	results := make([]*model.DeliveryLogEntry, len(entries))
	var wg sync.WaitGroup
	for i, entry := range entries {
		wg.Add(1)
		go func(i int, entry *model.DeliveryLogEntry) {
			defer wg.Done()
			results[i] = s.attempt(attemptCtx, n, entry)
		}(i, entry)
	}
	wg.Wait()

	s.logger.Info("notification dispatched",
		"notification_id", n.ID.String(),
		"user_id", n.UserID,
		"channels", len(results),
	)
	return &model.DispatchResult{Notification: n, Deliveries: results}, nil
}

// Retry re-queues a failed or bounced entry on request and attempts it
// immediately. The retry count is left unchanged.
func (s *Service) Retry(ctx context.Context, entryID uuid.UUID) (*model.DeliveryLogEntry, error) {
	entry, err := s.getEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.Status != model.DeliveryFailed && entry.Status != model.DeliveryBounced {
		return nil, appErrors.Conflict(
			fmt.Sprintf("delivery is %s; only failed or bounced deliveries can be retried", entry.Status), nil)
	}
	if s.isInFlight(entry.ID) {
		return nil, appErrors.Conflict("delivery attempt already in progress", nil)
	}

	n, err := s.notifications.Get(ctx, entry.NotificationID)
	if err != nil {
		return nil, appErrors.Internal(fmt.Errorf("failed to load notification: %w", err))
	}

	now := s.clock.Now()
	lease := now.Add(s.cfg.ClaimLease)
	entry.Status = model.DeliveryPending
	entry.NextRetryAt = &lease
	entry.UpdatedAt = now
	if err := s.deliveries.UpdateStatus(ctx, entry); err != nil {
		if errors.Is(err, repository.ErrStaleTransition) {
			return nil, appErrors.Conflict("delivery changed concurrently", err)
		}
		return nil, appErrors.Internal(fmt.Errorf("failed to requeue delivery: %w", err))
	}

	s.metrics.DeliveryRetries.WithLabelValues("manual").Inc()
	s.logger.Info("delivery manually requeued",
		"entry_id", entry.ID.String(),
		"channel", string(entry.Channel),
		"retry_count", entry.RetryCount,
	)
	return s.attempt(context.WithoutCancel(ctx), n, entry), nil
}

// Confirm applies a channel's asynchronous report to a sent entry.
func (s *Service) Confirm(ctx context.Context, entryID uuid.UUID, c model.Confirmation) (*model.DeliveryLogEntry, error) {
	switch c.Status {
	case model.DeliveryDelivered, model.DeliveryBounced, model.DeliveryFailed:
	default:
		return nil, appErrors.BadRequest("confirmation status must be delivered, bounced or failed", nil)
	}

	entry, err := s.getEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.Status == c.Status && c.Status != model.DeliveryFailed {
		return entry, nil
	}
	if entry.Status != model.DeliverySent {
		return nil, appErrors.Conflict(fmt.Sprintf("delivery is %s, not awaiting confirmation", entry.Status), nil)
	}

	now := s.clock.Now()
	entry.UpdatedAt = now
	switch c.Status {
	case model.DeliveryDelivered:
		entry.Status = model.DeliveryDelivered
		entry.DeliveredAt = &now
		entry.ErrorMessage = nil
	case model.DeliveryBounced:
		entry.Status = model.DeliveryBounced
		entry.ErrorMessage = errorMessage(c.Error, "bounced")
	case model.DeliveryFailed:
		s.markFailed(entry, errors.New(*errorMessage(c.Error, "failed after send")), now)
	}

	if err := s.deliveries.UpdateStatus(ctx, entry); err != nil {
		if errors.Is(err, repository.ErrStaleTransition) {
			return nil, appErrors.Conflict("delivery changed concurrently", err)
		}
		return nil, appErrors.Internal(fmt.Errorf("failed to confirm delivery: %w", err))
	}

	s.logger.Info("delivery confirmed",
		"entry_id", entry.ID.String(),
		"channel", string(entry.Channel),
		"status", string(entry.Status),
	)
	s.record(ctx, entry, now)
	return entry, nil
}

// ProcessDue is one scheduler step. It claims due pending entries and
// attempts them, returning how many it claimed.
func (s *Service) ProcessDue(ctx context.Context) (int, error) {
	now := s.clock.Now()
	entries, err := s.deliveries.ClaimDue(ctx, now, s.cfg.ClaimLease, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to claim due deliveries: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	s.metrics.SchedulerClaimed.Add(float64(len(entries)))

	notifications := make(map[uuid.UUID]*model.Notification)
	attemptCtx := context.WithoutCancel(ctx)
	sem := make(chan struct{}, s.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, entry := range entries {
		n, ok := notifications[entry.NotificationID]
		if !ok {
			n, err = s.notifications.Get(ctx, entry.NotificationID)
			if err != nil {
				s.logger.Error(err, "failed to load notification for due delivery",
					"entry_id", entry.ID.String(),
					"notification_id", entry.NotificationID.String(),
				)
				continue
			}
			notifications[entry.NotificationID] = n
		}
		if entry.RetryCount > 0 {
			s.metrics.DeliveryRetries.WithLabelValues("auto").Inc()
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(n *model.Notification, entry *model.DeliveryLogEntry) {
			defer func() {
				<-sem
				wg.Done()
			}()
			s.attempt(attemptCtx, n, entry)
		}(n, entry)
	}
	wg.Wait()
	return len(entries), nil
}

// MarkRead records the first read of a notification and syncs it to the
// user's other connections. An empty userID skips the ownership check.
func (s *Service) MarkRead(ctx context.Context, notificationID uuid.UUID, userID string) (*model.Notification, error) {
	n, err := s.notifications.Get(ctx, notificationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, appErrors.NotFound("notification", err)
		}
		return nil, appErrors.Internal(err)
	}
	if userID != "" && n.UserID != userID {
		return nil, appErrors.NotFound("notification", nil)
	}

	now := s.clock.Now()
	set, err := s.notifications.MarkRead(ctx, notificationID, now)
	if err != nil {
		return nil, appErrors.Internal(fmt.Errorf("failed to mark notification read: %w", err))
	}
	if !set {
		return n, nil
	}
	n.ReadAt = &now

	payload := event.ReadPayload{NotificationID: n.ID, UserID: n.UserID, ReadAt: now}
	s.pushLive(ctx, model.TypeNotificationRead, n.UserID, payload)
	if err := s.events.Emit(ctx, event.NotificationRead, payload); err != nil {
		s.logger.Error(err, "failed to record read event", "notification_id", n.ID.String())
	}
	return n, nil
}

// HandleAck consumes read receipts arriving over realtime connections. Only
// a connection subscribed to the owner's user channel may mark it read.
func (s *Service) HandleAck(ctx context.Context, connectionID string, ack model.Ack) error {
	if ack.Action != model.AckRead {
		return fmt.Errorf("unsupported ack action %q", ack.Action)
	}
	n, err := s.notifications.Get(ctx, ack.NotificationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return appErrors.NotFound("notification", err)
		}
		return appErrors.Internal(err)
	}
	if s.subscriptions == nil || !s.subscriptions.IsSubscribed(connectionID, model.UserChannel(n.UserID)) {
		s.logger.Warn("read receipt from connection not subscribed to owner",
			"connection_id", connectionID,
			"notification_id", ack.NotificationID.String(),
		)
		return appErrors.NotFound("notification", nil)
	}
	if _, err := s.MarkRead(ctx, n.ID, n.UserID); err != nil {
		return err
	}
	s.logger.Debug("read receipt applied",
		"connection_id", connectionID,
		"notification_id", ack.NotificationID.String(),
	)
	return nil
}

func (s *Service) GetNotification(ctx context.Context, id uuid.UUID) (*model.NotificationDetail, error) {
	n, err := s.notifications.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, appErrors.NotFound("notification", err)
		}
		return nil, appErrors.Internal(err)
	}
	entries, err := s.deliveries.ListByNotification(ctx, id)
	if err != nil {
		return nil, appErrors.Internal(fmt.Errorf("failed to list deliveries: %w", err))
	}

	st := stats.Aggregate(entries, model.StatsWindow{})
	return &model.NotificationDetail{
		Notification:  n,
		Deliveries:    entries,
		Stats:         st,
		Effectiveness: stats.Effectiveness(st, n.ReadAt != nil),
	}, nil
}

// attempt runs one send for a claimed pending entry and persists the
// outcome. It returns the entry as last known.
func (s *Service) attempt(ctx context.Context, n *model.Notification, entry *model.DeliveryLogEntry) *model.DeliveryLogEntry {
	if !s.acquire(entry.ID) {
		s.logger.Debug("delivery attempt already in flight", "entry_id", entry.ID.String())
		return entry
	}
	defer s.release(entry.ID)

	ctx, span := s.tracer.Start(ctx, "notification.attempt", trace.WithAttributes(
		attribute.String("entry_id", entry.ID.String()),
		attribute.String("channel", string(entry.Channel)),
		attribute.Int("retry_count", entry.RetryCount),
	))
	defer span.End()

	started := s.clock.Now()
	var sendErr error
	confirms := false
	snd, ok := s.senders.Get(entry.Channel)
	if !ok {
		sendErr = fmt.Errorf("%w for channel %s", ErrNoSender, entry.Channel)
	} else {
		confirms = snd.Confirms()
		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
		res := snd.Send(attemptCtx, entry.Target, sender.MessageFor(n))
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && res.Err == nil && !res.Success {
			res.Err = attemptCtx.Err()
		}
		cancel()
		switch {
		case res.Success:
		case res.Err != nil:
			sendErr = res.Err
		default:
			sendErr = errors.New("sender reported failure")
		}
		if errors.Is(sendErr, context.DeadlineExceeded) {
			sendErr = fmt.Errorf("attempt timed out after %s: %w", s.cfg.AttemptTimeout, sendErr)
		}
	}

	now := s.clock.Now()
	next := entry.Clone()
	next.UpdatedAt = now
	outcome := "success"
	if sendErr == nil {
		next.Status = model.DeliverySent
		next.SentAt = &now
		next.NextRetryAt = nil
		next.ErrorMessage = nil
		if !confirms {
			next.Status = model.DeliveryDelivered
			next.DeliveredAt = &now
		}
	} else {
		outcome = "failure"
		span.RecordError(sendErr)
		span.SetStatus(codes.Error, sendErr.Error())
		s.markFailed(next, sendErr, now)
	}

	s.metrics.DeliveryAttempts.WithLabelValues(string(entry.Channel), outcome).Inc()
	s.metrics.DeliveryLatency.WithLabelValues(string(entry.Channel)).Observe(now.Sub(started).Seconds())

	if err := s.deliveries.UpdateStatus(ctx, next); err != nil {
		if errors.Is(err, repository.ErrStaleTransition) {
			s.logger.Warn("delivery changed during attempt, abandoning result",
				"entry_id", entry.ID.String(),
				"channel", string(entry.Channel),
			)
			if cur, getErr := s.deliveries.Get(ctx, entry.ID); getErr == nil {
				return cur
			}
			return entry
		}
		s.logger.Error(err, "failed to persist delivery outcome", "entry_id", entry.ID.String())
		return entry
	}

	if sendErr != nil {
		s.logger.Warn("delivery attempt failed",
			"entry_id", next.ID.String(),
			"notification_id", next.NotificationID.String(),
			"channel", string(next.Channel),
			"retry_count", next.RetryCount,
			"status", string(next.Status),
			"error", sendErr.Error(),
		)
	}
	s.record(ctx, next, now)
	return next
}

// markFailed applies a failure and, under the automatic cap, immediately
// schedules the next attempt (failed -> pending). Permanent failures stay
// failed at the current retry count.
func (s *Service) markFailed(e *model.DeliveryLogEntry, cause error, now time.Time) {
	msg := cause.Error()
	e.Status = model.DeliveryFailed
	e.ErrorMessage = &msg
	e.NextRetryAt = nil
	if permanent(cause) {
		return
	}
	if e.CanAutoRetry() {
		e.RetryCount++
		e.Status = model.DeliveryPending
		due := now.Add(s.cfg.Retry.Backoff(e.RetryCount))
		e.NextRetryAt = &due
	}
}

func permanent(err error) bool {
	return errors.Is(err, sender.ErrInvalidTarget) || errors.Is(err, ErrNoSender)
}

// record emits the outbox event and metrics for a persisted outcome.
func (s *Service) record(ctx context.Context, e *model.DeliveryLogEntry, now time.Time) {
	var t event.Type
	switch {
	case e.Status == model.DeliveryPending && e.ErrorMessage != nil:
		t = event.DeliveryFailed
	default:
		var ok bool
		if t, ok = event.DeliveryTypeFor(e); !ok {
			return
		}
	}
	if t == event.DeliveryExhausted {
		s.metrics.DeliveryExhausted.WithLabelValues(string(e.Channel)).Inc()
		s.logger.Warn("delivery retries exhausted, manual retry required",
			"entry_id", e.ID.String(),
			"channel", string(e.Channel),
		)
	}
	if err := s.events.Emit(ctx, t, event.NewDeliveryPayload(e, now)); err != nil {
		s.logger.Error(err, "failed to record delivery event",
			"entry_id", e.ID.String(),
			"event_type", string(t),
		)
	}
}

func (s *Service) pushLive(ctx context.Context, t model.EnvelopeType, userID string, data interface{}) {
	if s.publisher == nil {
		return
	}
	env, err := model.NewEnvelope(t, "", data, s.clock.Now())
	if err != nil {
		s.logger.Error(err, "failed to build live envelope", "type", string(t))
		return
	}
	if err := s.publisher.Publish(ctx, model.UserChannel(userID), env); err != nil {
		s.logger.Warn("live publish failed", "type", string(t), "user_id", userID, "error", err.Error())
	}
}

func (s *Service) validate(req *model.DispatchRequest) ([]model.DeliveryChannel, error) {
	if req == nil {
		return nil, appErrors.BadRequest("request is required", nil)
	}
	if strings.TrimSpace(req.UserID) == "" || !model.ValidChannel(model.UserChannel(req.UserID)) {
		return nil, appErrors.BadRequest("user id is invalid", nil)
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, appErrors.BadRequest("title is required", nil)
	}
	switch req.Priority {
	case "", model.PriorityLow, model.PriorityNormal, model.PriorityHigh, model.PriorityUrgent:
	default:
		return nil, appErrors.BadRequest(fmt.Sprintf("unknown priority %q", req.Priority), nil)
	}

	requested := req.Channels
	if len(requested) == 0 {
		requested = s.senders.Channels()
	}
	seen := make(map[model.DeliveryChannel]bool, len(requested))
	channels := make([]model.DeliveryChannel, 0, len(requested))
	for _, ch := range requested {
		parsed, err := model.ParseDeliveryChannel(string(ch))
		if err != nil {
			return nil, appErrors.BadRequest(err.Error(), err)
		}
		if seen[parsed] {
			continue
		}
		seen[parsed] = true
		channels = append(channels, parsed)
	}
	return channels, nil
}

func (s *Service) getEntry(ctx context.Context, id uuid.UUID) (*model.DeliveryLogEntry, error) {
	entry, err := s.deliveries.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, appErrors.NotFound("delivery", err)
		}
		return nil, appErrors.Internal(err)
	}
	return entry, nil
}

func (s *Service) acquire(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[id]; busy {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Service) release(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, id)
}

func (s *Service) isInFlight(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, busy := s.inflight[id]
	return busy
}

func errorMessage(msg, fallback string) *string {
	if msg == "" {
		msg = fallback
	}
	return &msg
}
