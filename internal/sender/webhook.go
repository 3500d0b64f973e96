package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/jwalitptl/realtime-hub/pkg/circuitbreaker"
	"github.com/jwalitptl/realtime-hub/pkg/logger"
	"github.com/jwalitptl/realtime-hub/pkg/security"
)

const (
	SignatureHeader = "X-Hub-Signature-256"
	DeliveryHeader  = "X-Hub-Delivery"
)

type WebhookConfig struct {
	// Secret signs every body with HMAC-SHA256 when set.
	Secret        string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
}

// StatusError is a non-2xx webhook response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook responded %d", e.Code)
}

type WebhookSender struct {
	client  *http.Client
	signer  security.Signer
	limiter *rate.Limiter
	breaker *circuitbreaker.CircuitBreaker
	logger  *logger.Logger
}

func NewWebhookSender(cfg WebhookConfig, log *logger.Logger) *WebhookSender {
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	return &WebhookSender{
		client:  &http.Client{Timeout: cfg.Timeout},
		signer:  security.NewHMACSigner([]byte(cfg.Secret)),
		limiter: rate.NewLimiter(limit, cfg.Burst),
		breaker: circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{Name: "webhook"}, log),
		logger:  log,
	}
}

func (s *WebhookSender) Confirms() bool { return false }

func (s *WebhookSender) Send(ctx context.Context, target string, msg Message) Result {
	u, err := url.ParseRequestURI(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Fail(fmt.Errorf("%w: %q", ErrInvalidTarget, target))
	}

	body, err := json.Marshal(struct {
		Message
		SentAt time.Time `json:"sentAt"`
	}{Message: msg, SentAt: time.Now().UTC()})
	if err != nil {
		return Fail(fmt.Errorf("encode webhook body: %w", err))
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return Fail(fmt.Errorf("webhook rate limit: %w", err))
	}

	err = s.breaker.Execute(func() error { return s.post(ctx, u.String(), msg, body) })
	if err != nil {
		s.logger.Warn("webhook call failed",
			"notification_id", msg.NotificationID.String(),
			"host", u.Host,
			"error", err.Error(),
		)
		return Fail(fmt.Errorf("call webhook: %w", err))
	}
	return Ok()
}

func (s *WebhookSender) post(ctx context.Context, target string, msg Message, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(DeliveryHeader, msg.NotificationID.String())
	if s.signer != nil {
		req.Header.Set(SignatureHeader, s.signer.Sign(body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}
