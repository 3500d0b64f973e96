package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

type EnvelopeType string

const (
	// Connection control
	TypeSubscribe   EnvelopeType = "subscribe"
	TypeUnsubscribe EnvelopeType = "unsubscribe"
	TypeSubscribed  EnvelopeType = "subscribed"
	TypePing        EnvelopeType = "ping"
	TypePong        EnvelopeType = "pong"
	TypeConnected   EnvelopeType = "connected"
	TypeError       EnvelopeType = "error"
	TypeAck         EnvelopeType = "ack"

	// Server pushed
	TypeAlert                   EnvelopeType = "alert"
	TypeNotification            EnvelopeType = "notification"
	TypeNotificationRead        EnvelopeType = "notification_read"
	TypeAnalyticsUpdate         EnvelopeType = "analytics_update"
	TypeAnalyticsSummaryUpdated EnvelopeType = "analytics_summary_updated"
	TypeRoadmapUpdate           EnvelopeType = "roadmap_update"
)

const (
	ChannelNotifications = "notifications"
	ChannelAnalytics     = "analytics"

	userChannelPrefix = "user:"
	maxChannelLength  = 128
)

var (
	ErrMissingType    = errors.New("envelope type is required")
	ErrInvalidChannel = errors.New("invalid channel name")

	topicChannelPattern = regexp.MustCompile(`^[a-z][a-z0-9_.-]*$`)
	userIDPattern       = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// IsControl reports whether the type belongs to the connection protocol
// rather than to pushed business data.
func (t EnvelopeType) IsControl() bool {
	switch t {
	case TypeSubscribe, TypeUnsubscribe, TypeSubscribed, TypePing, TypePong,
		TypeConnected, TypeError, TypeAck:
		return true
	}
	return false
}

// Envelope is the unit exchanged over a connection. It is a value type and
// is never modified after creation; the With* helpers return copies.
type Envelope struct {
	Type         EnvelopeType    `json:"type"`
	Channel      string          `json:"channel,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Timestamp    int64           `json:"timestamp,omitempty"`
	ConnectionID string          `json:"connectionId,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// NewEnvelope marshals data into a new envelope stamped with at.
func NewEnvelope(t EnvelopeType, channel string, data interface{}, at time.Time) (Envelope, error) {
	if t == "" {
		return Envelope{}, ErrMissingType
	}
	env := Envelope{
		Type:      t,
		Channel:   channel,
		Timestamp: at.UnixMilli(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, fmt.Errorf("failed to marshal envelope data: %w", err)
		}
		env.Data = raw
	}
	return env, nil
}

// ControlEnvelope builds a data-less protocol envelope.
func ControlEnvelope(t EnvelopeType, channel string, at time.Time) Envelope {
	return Envelope{Type: t, Channel: channel, Timestamp: at.UnixMilli()}
}

func ErrorEnvelope(message string) Envelope {
	return Envelope{Type: TypeError, Message: message}
}

func (e Envelope) WithChannel(channel string) Envelope {
	e.Channel = channel
	return e
}

func (e Envelope) WithConnectionID(id string) Envelope {
	e.ConnectionID = id
	return e
}

func (e Envelope) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a wire frame. The only required field is type.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, ErrMissingType
	}
	return env, nil
}

// UserChannel returns the per-user routing key.
func UserChannel(userID string) string {
	return userChannelPrefix + userID
}

// UserFromChannel extracts the user id from a per-user channel.
func UserFromChannel(channel string) (string, bool) {
	if !strings.HasPrefix(channel, userChannelPrefix) {
		return "", false
	}
	return strings.TrimPrefix(channel, userChannelPrefix), true
}

// ValidChannel accepts user:<id> and lower-case topic names.
func ValidChannel(name string) bool {
	if name == "" || len(name) > maxChannelLength {
		return false
	}
	if id, ok := UserFromChannel(name); ok {
		return userIDPattern.MatchString(id)
	}
	return topicChannelPattern.MatchString(name)
}

type AckAction string

const (
	AckRead AckAction = "read"
)

// Ack is the payload of a client acknowledgment envelope.
type Ack struct {
	NotificationID uuid.UUID `json:"notificationId"`
	Action         AckAction `json:"action"`
}

// NewAckEnvelope wraps a read receipt for the wire.
func NewAckEnvelope(ack Ack, at time.Time) (Envelope, error) {
	return NewEnvelope(TypeAck, "", ack, at)
}

// DecodeAck extracts an Ack from an ack envelope.
func DecodeAck(env Envelope) (Ack, error) {
	if env.Type != TypeAck {
		return Ack{}, fmt.Errorf("unexpected envelope type %q", env.Type)
	}
	var ack Ack
	if err := json.Unmarshal(env.Data, &ack); err != nil {
		return Ack{}, fmt.Errorf("malformed ack: %w", err)
	}
	if ack.NotificationID == uuid.Nil {
		return Ack{}, errors.New("ack notificationId is required")
	}
	if ack.Action == "" {
		ack.Action = AckRead
	}
	return ack, nil
}
