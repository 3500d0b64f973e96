package sender

import (
	"context"
	"fmt"
	"net/mail"

	"gopkg.in/gomail.v2"

	"github.com/jwalitptl/realtime-hub/pkg/circuitbreaker"
	"github.com/jwalitptl/realtime-hub/pkg/logger"
)

type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// AwaitConfirmation keeps successful sends in "sent" until a bounce or
	// delivery confirmation arrives.
	AwaitConfirmation bool
}

type mailDialer interface {
	DialAndSend(m ...*gomail.Message) error
}

type EmailSender struct {
	cfg     EmailConfig
	dialer  mailDialer
	breaker *circuitbreaker.CircuitBreaker
	logger  *logger.Logger
}

func NewEmailSender(cfg EmailConfig, log *logger.Logger) *EmailSender {
	return newEmailSender(cfg, gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password), log)
}

func newEmailSender(cfg EmailConfig, dialer mailDialer, log *logger.Logger) *EmailSender {
	if log == nil {
		log = logger.NewNop()
	}
	return &EmailSender{
		cfg:     cfg,
		dialer:  dialer,
		breaker: circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{Name: "email"}, log),
		logger:  log,
	}
}

func (s *EmailSender) Confirms() bool { return s.cfg.AwaitConfirmation }

func (s *EmailSender) Send(ctx context.Context, target string, msg Message) Result {
	to, err := mail.ParseAddress(target)
	if err != nil {
		return Fail(fmt.Errorf("%w: %q: %v", ErrInvalidTarget, target, err))
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.cfg.From)
	m.SetHeader("To", to.Address)
	m.SetHeader("Subject", msg.Title)
	m.SetHeader("X-Notification-ID", msg.NotificationID.String())
	m.SetBody("text/plain", msg.Body)

	err = runWithContext(ctx, func() error {
		return s.breaker.Execute(func() error { return s.dialer.DialAndSend(m) })
	})
	if err != nil {
		s.logger.Warn("email send failed",
			"notification_id", msg.NotificationID.String(),
			"error", err.Error(),
		)
		return Fail(fmt.Errorf("send email: %w", err))
	}
	return Ok()
}
