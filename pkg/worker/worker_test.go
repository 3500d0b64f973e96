package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/realtime-hub/internal/repository/memory"
	"github.com/jwalitptl/realtime-hub/pkg/clock"
	"github.com/jwalitptl/realtime-hub/pkg/event"
	"github.com/jwalitptl/realtime-hub/pkg/logger"
	"github.com/jwalitptl/realtime-hub/pkg/messaging"
	"github.com/jwalitptl/realtime-hub/pkg/metrics"
)

type scriptedProcessor struct {
	mu     sync.Mutex
	counts []int
	calls  int
}

func (p *scriptedProcessor) ProcessDue(context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.counts) == 0 {
		return 0, nil
	}
	n := p.counts[0]
	p.counts = p.counts[1:]
	return n, nil
}

func (p *scriptedProcessor) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestRetrySchedulerDrainsFullBatches(t *testing.T) {
	clk := clock.NewFake(time.Now())
	proc := &scriptedProcessor{counts: []int{10, 10, 3}}
	s := NewRetryScheduler(proc, RetrySchedulerConfig{Interval: time.Second, BatchSize: 10}, clk, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return clk.PendingTimers() == 1 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, 3, proc.Calls())

	clk.Advance(time.Second)
	require.Eventually(t, func() bool { return proc.Calls() == 4 }, time.Second, 2*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

type flakyBroker struct {
	mu       sync.Mutex
	failures int
	topics   []string
}

func (b *flakyBroker) Publish(_ context.Context, topic string, _ []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures > 0 {
		b.failures--
		return errors.New("broker unavailable")
	}
	b.topics = append(b.topics, topic)
	return nil
}

func (b *flakyBroker) Subscribe(context.Context, string, func([]byte) error) error { return nil }
func (b *flakyBroker) Close() error                                                { return nil }

func newOutboxFixture(t *testing.T, broker messaging.MessageBroker, attempts int) (*OutboxProcessor, *clock.Fake, *event.Service, *metrics.Metrics) {
	t.Helper()
	clk := clock.NewFake(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	repo := memory.NewOutboxRepository()
	m := metrics.New("test")
	p, err := NewOutboxProcessor(repo, broker, OutboxProcessorConfig{
		BatchSize:     10,
		PollInterval:  time.Second,
		RetryAttempts: attempts,
		RetryDelay:    5 * time.Second,
		TopicPrefix:   "hub.",
	}, clk, logger.NewNop(), m)
	require.NoError(t, err)
	return p, clk, event.NewService(repo, clk), m
}

func TestOutboxProcessorPublishesByEventType(t *testing.T) {
	broker := &flakyBroker{}
	p, _, events, m := newOutboxFixture(t, broker, 3)
	ctx := context.Background()

	require.NoError(t, events.Emit(ctx, event.DeliveryDelivered, map[string]string{"entry_id": "1"}))
	require.NoError(t, events.Emit(ctx, event.NotificationRead, map[string]string{"notification_id": "2"}))

	n, err := p.ProcessEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"hub.delivery.delivered", "hub.notification.read"}, broker.topics)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.OutboxEventsProcessed))

	n, err = p.ProcessEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestOutboxProcessorRetriesThenFails(t *testing.T) {
	broker := &flakyBroker{failures: 10}
	p, clk, events, m := newOutboxFixture(t, broker, 2)
	ctx := context.Background()
	require.NoError(t, events.Emit(ctx, event.DeliveryExhausted, map[string]string{"entry_id": "1"}))

	n, err := p.ProcessEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutboxRetries.WithLabelValues(string(event.DeliveryExhausted))))

	// Not due again until the retry delay passes.
	n, _ = p.ProcessEvents(ctx)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutboxRetries.WithLabelValues(string(event.DeliveryExhausted))))

	clk.Advance(5 * time.Second)
	_, err = p.ProcessEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutboxEventsFailed))

	clk.Advance(time.Hour)
	n, _ = p.ProcessEvents(ctx)
	assert.Equal(t, 0, n)
	assert.Empty(t, broker.topics)
}

func TestOutboxProcessorCleanup(t *testing.T) {
	broker := &flakyBroker{}
	p, clk, events, _ := newOutboxFixture(t, broker, 3)
	ctx := context.Background()

	require.NoError(t, events.Emit(ctx, event.DeliveryBounced, map[string]string{"entry_id": "1"}))
	_, err := p.ProcessEvents(ctx)
	require.NoError(t, err)

	deleted, err := p.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 0, deleted)

	clk.Advance(25 * time.Hour)
	deleted, err = p.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)
}

func TestNewOutboxProcessorValidatesConfig(t *testing.T) {
	_, err := NewOutboxProcessor(memory.NewOutboxRepository(), &flakyBroker{}, OutboxProcessorConfig{}, nil, logger.NewNop(), metrics.New("test"))
	assert.Error(t, err)
}
