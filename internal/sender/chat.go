package sender

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/jwalitptl/realtime-hub/pkg/circuitbreaker"
	"github.com/jwalitptl/realtime-hub/pkg/logger"
)

type ChatConfig struct {
	Token string
	// APIURL overrides the slack endpoint; it must end with a slash.
	APIURL string
	// DefaultChannel is used when a request names no chat target.
	DefaultChannel string
}

type ChatSender struct {
	cfg     ChatConfig
	client  *slack.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *logger.Logger
}

func NewChatSender(cfg ChatConfig, log *logger.Logger) *ChatSender {
	if log == nil {
		log = logger.NewNop()
	}
	var opts []slack.Option
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}
	return &ChatSender{
		cfg:     cfg,
		client:  slack.New(cfg.Token, opts...),
		breaker: circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{Name: "chat"}, log),
		logger:  log,
	}
}

func (s *ChatSender) Confirms() bool { return false }

func (s *ChatSender) Send(ctx context.Context, target string, msg Message) Result {
	if target == "" {
		target = s.cfg.DefaultChannel
	}
	if target == "" {
		return Fail(fmt.Errorf("%w: no chat channel", ErrInvalidTarget))
	}

	err := s.breaker.Execute(func() error {
		_, _, err := s.client.PostMessageContext(ctx, target, buildChatMessage(msg)...)
		return err
	})
	if err != nil {
		s.logger.Warn("chat send failed",
			"notification_id", msg.NotificationID.String(),
			"channel", target,
			"error", err.Error(),
		)
		return Fail(fmt.Errorf("post chat message: %w", err))
	}
	return Ok()
}

func buildChatMessage(msg Message) []slack.MsgOption {
	blocks := []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject("mrkdwn", "*"+msg.Title+"*", false, false), nil, nil),
	}
	if msg.Body != "" {
		blocks = append(blocks, slack.NewSectionBlock(slack.NewTextBlockObject("mrkdwn", msg.Body, false, false), nil, nil))
	}
	meta := slack.NewTextBlockObject("mrkdwn",
		fmt.Sprintf("priority: %s | id: %s", msg.Priority, msg.NotificationID), false, false)
	blocks = append(blocks, slack.NewContextBlock("", meta))

	return []slack.MsgOption{
		slack.MsgOptionText(msg.Title+": "+msg.Body, false),
		slack.MsgOptionBlocks(blocks...),
	}
}
