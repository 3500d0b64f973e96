// Package event records delivery status changes in the transactional outbox
// so collaborators outside the hub can follow them.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/realtime-hub/internal/model"
	"github.com/jwalitptl/realtime-hub/internal/repository"
	"github.com/jwalitptl/realtime-hub/pkg/clock"
)

type Emitter interface {
	Emit(ctx context.Context, t Type, payload interface{}) error
}

func NewOutboxEvent(t Type, payload interface{}, at time.Time) (*model.OutboxEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return &model.OutboxEvent{
		ID:        uuid.New(),
		EventType: string(t),
		Payload:   raw,
		Status:    model.OutboxStatusPending,
		CreatedAt: at,
		UpdatedAt: at,
	}, nil
}

type Service struct {
	outbox repository.OutboxRepository
	clock  clock.Clock
}

func NewService(outbox repository.OutboxRepository, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.New()
	}
	return &Service{outbox: outbox, clock: clk}
}

func (s *Service) Emit(ctx context.Context, t Type, payload interface{}) error {
	ev, err := NewOutboxEvent(t, payload, s.clock.Now())
	if err != nil {
		return err
	}
	if err := s.outbox.Create(ctx, ev); err != nil {
		return fmt.Errorf("failed to create outbox event: %w", err)
	}
	return nil
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(context.Context, Type, interface{}) error { return nil }
