package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/realtime-hub/internal/model"
	"github.com/jwalitptl/realtime-hub/internal/repository"
	"github.com/jwalitptl/realtime-hub/internal/repository/memory"
	"github.com/jwalitptl/realtime-hub/internal/sender"
	"github.com/jwalitptl/realtime-hub/pkg/clock"
	appErrors "github.com/jwalitptl/realtime-hub/pkg/errors"
	"github.com/jwalitptl/realtime-hub/pkg/event"
)

type published struct {
	channel string
	env     model.Envelope
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []published
}

func (p *recordingPublisher) Publish(_ context.Context, channel string, env model.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, published{channel: channel, env: env})
	return nil
}

func (p *recordingPublisher) ofType(t model.EnvelopeType) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, s := range p.sent {
		if s.env.Type == t {
			out = append(out, s)
		}
	}
	return out
}

type fakeSubscriptions struct {
	mu      sync.Mutex
	members map[string]bool
}

func (f *fakeSubscriptions) allow(connectionID, channel string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.members == nil {
		f.members = make(map[string]bool)
	}
	f.members[connectionID+"|"+channel] = true
}

func (f *fakeSubscriptions) IsSubscribed(connectionID, channel string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members[connectionID+"|"+channel]
}

// scriptedSender fails while fail is set and counts calls. invalidTarget
// makes every send fail permanently.
type scriptedSender struct {
	fail          atomic.Bool
	invalidTarget atomic.Bool
	calls         atomic.Int32
	confirms      bool
}

func (s *scriptedSender) Send(_ context.Context, target string, _ sender.Message) sender.Result {
	s.calls.Add(1)
	if s.invalidTarget.Load() {
		return sender.Fail(fmt.Errorf("%w: %q", sender.ErrInvalidTarget, target))
	}
	if s.fail.Load() {
		return sender.Fail(errors.New("smtp 451 temporary failure"))
	}
	return sender.Ok()
}

func (s *scriptedSender) Confirms() bool { return s.confirms }

type fixture struct {
	svc       *Service
	store     *repository.Store
	clock     *clock.Fake
	publisher *recordingPublisher
	subs      *fakeSubscriptions
	email     *scriptedSender
	chat      *scriptedSender
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store := memory.NewStore()
	clk := clock.NewFake(time.Date(2024, 4, 2, 10, 0, 0, 0, time.UTC))
	pub := &recordingPublisher{}
	subs := &fakeSubscriptions{}
	email := &scriptedSender{}
	chat := &scriptedSender{}

	senders := sender.NewRegistry()
	senders.Register(model.ChannelEmail, email)
	senders.Register(model.ChannelChat, chat)

	svc := NewService(cfg, Deps{
		Notifications: store.Notifications,
		Deliveries:    store.Deliveries,
		Senders:       senders,
		Publisher:     pub,
		Subscriptions: subs,
		Events:        event.NewService(store.Outbox, clk),
		Clock:         clk,
	})
	return &fixture{svc: svc, store: store, clock: clk, publisher: pub, subs: subs, email: email, chat: chat}
}

func (f *fixture) dispatch(t *testing.T, channels ...model.DeliveryChannel) *model.DispatchResult {
	t.Helper()
	res, err := f.svc.Dispatch(context.Background(), &model.DispatchRequest{
		UserID:   "42",
		Title:    "Course assigned",
		Body:     "Complete it by Friday",
		Channels: channels,
		Targets: map[model.DeliveryChannel]string{
			model.ChannelEmail: "ada@example.com",
			model.ChannelChat:  "C-training",
		},
	})
	require.NoError(t, err)
	return res
}

func byChannel(entries []*model.DeliveryLogEntry) map[model.DeliveryChannel]*model.DeliveryLogEntry {
	out := make(map[model.DeliveryChannel]*model.DeliveryLogEntry, len(entries))
	for _, e := range entries {
		out[e.Channel] = e
	}
	return out
}

func appCode(t *testing.T, err error) appErrors.ErrorCode {
	t.Helper()
	appErr, ok := appErrors.As(err)
	require.True(t, ok, "expected AppError, got %v", err)
	return appErr.Code
}

func TestDispatchChannelsAreIndependent(t *testing.T) {
	f := newFixture(t, Config{})
	f.email.fail.Store(true)

	res := f.dispatch(t, model.ChannelEmail, model.ChannelChat)
	require.Len(t, res.Deliveries, 2)
	got := byChannel(res.Deliveries)

	email := got[model.ChannelEmail]
	assert.Equal(t, model.DeliveryPending, email.Status)
	assert.Equal(t, 1, email.RetryCount)
	require.NotNil(t, email.ErrorMessage)
	assert.Contains(t, *email.ErrorMessage, "temporary failure")
	require.NotNil(t, email.NextRetryAt)
	assert.Equal(t, f.clock.Now().Add(30*time.Second), *email.NextRetryAt)

	chat := got[model.ChannelChat]
	assert.Equal(t, model.DeliveryDelivered, chat.Status)
	assert.NotNil(t, chat.SentAt)
	assert.NotNil(t, chat.DeliveredAt)
	assert.Nil(t, chat.ErrorMessage)

	stored, err := f.store.Deliveries.ListByNotification(context.Background(), res.Notification.ID)
	require.NoError(t, err)
	storedBy := byChannel(stored)
	assert.Equal(t, model.DeliveryPending, storedBy[model.ChannelEmail].Status)
	assert.Equal(t, model.DeliveryDelivered, storedBy[model.ChannelChat].Status)

	live := f.publisher.ofType(model.TypeNotification)
	require.Len(t, live, 1)
	assert.Equal(t, "user:42", live[0].channel)
}

func TestAutomaticRetriesStopAtCap(t *testing.T) {
	f := newFixture(t, Config{})
	f.email.fail.Store(true)
	ctx := context.Background()

	res := f.dispatch(t, model.ChannelEmail)
	entryID := res.Deliveries[0].ID

	for _, wait := range []time.Duration{30 * time.Second, time.Minute, 2 * time.Minute} {
		f.clock.Advance(wait)
		claimed, err := f.svc.ProcessDue(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, claimed)
	}

	entry, err := f.store.Deliveries.Get(ctx, entryID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryFailed, entry.Status)
	assert.Equal(t, model.MaxAutoRetries, entry.RetryCount)
	assert.Nil(t, entry.NextRetryAt)
	assert.EqualValues(t, 4, f.email.calls.Load())

	f.clock.Advance(24 * time.Hour)
	claimed, err := f.svc.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, claimed)
	assert.EqualValues(t, 4, f.email.calls.Load())

	// A manual retry that fails again stays at the cap.
	entry, err = f.svc.Retry(ctx, entryID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryFailed, entry.Status)
	assert.Equal(t, model.MaxAutoRetries, entry.RetryCount)

	f.email.fail.Store(false)
	entry, err = f.svc.Retry(ctx, entryID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryDelivered, entry.Status)
	assert.Equal(t, model.MaxAutoRetries, entry.RetryCount)
}

func TestProcessDueSkipsEntriesNotYetDue(t *testing.T) {
	f := newFixture(t, Config{})
	f.email.fail.Store(true)
	f.dispatch(t, model.ChannelEmail)

	f.clock.Advance(10 * time.Second)
	claimed, err := f.svc.ProcessDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, claimed)
	assert.EqualValues(t, 1, f.email.calls.Load())
}

func TestRetryRequiresFailedOrBounced(t *testing.T) {
	f := newFixture(t, Config{})
	res := f.dispatch(t, model.ChannelChat)

	_, err := f.svc.Retry(context.Background(), res.Deliveries[0].ID)
	assert.Equal(t, appErrors.ErrConflict, appCode(t, err))

	_, err = f.svc.Retry(context.Background(), uuid.New())
	assert.Equal(t, appErrors.ErrNotFound, appCode(t, err))
}

func TestConfirmLifecycle(t *testing.T) {
	f := newFixture(t, Config{})
	f.email.confirms = true
	ctx := context.Background()

	first := f.dispatch(t, model.ChannelEmail).Deliveries[0]
	assert.Equal(t, model.DeliverySent, first.Status)

	entry, err := f.svc.Confirm(ctx, first.ID, model.Confirmation{Status: model.DeliveryDelivered})
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryDelivered, entry.Status)
	assert.NotNil(t, entry.DeliveredAt)

	again, err := f.svc.Confirm(ctx, first.ID, model.Confirmation{Status: model.DeliveryDelivered})
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryDelivered, again.Status)

	_, err = f.svc.Confirm(ctx, first.ID, model.Confirmation{Status: model.DeliveryBounced})
	assert.Equal(t, appErrors.ErrConflict, appCode(t, err))

	second := f.dispatch(t, model.ChannelEmail).Deliveries[0]
	bounced, err := f.svc.Confirm(ctx, second.ID, model.Confirmation{Status: model.DeliveryBounced, Error: "mailbox full"})
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryBounced, bounced.Status)
	require.NotNil(t, bounced.ErrorMessage)
	assert.Equal(t, "mailbox full", *bounced.ErrorMessage)

	retried, err := f.svc.Retry(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliverySent, retried.Status)

	_, err = f.svc.Confirm(ctx, second.ID, model.Confirmation{Status: model.DeliveryPending})
	assert.Equal(t, appErrors.ErrBadRequest, appCode(t, err))
}

func TestConfirmFailureSchedulesRetry(t *testing.T) {
	f := newFixture(t, Config{})
	f.email.confirms = true

	sent := f.dispatch(t, model.ChannelEmail).Deliveries[0]
	entry, err := f.svc.Confirm(context.Background(), sent.ID, model.Confirmation{Status: model.DeliveryFailed, Error: "rejected"})
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryPending, entry.Status)
	assert.Equal(t, 1, entry.RetryCount)
}

func TestDispatchValidation(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	tests := []struct {
		name string
		req  *model.DispatchRequest
	}{
		{"nil request", nil},
		{"missing user", &model.DispatchRequest{Title: "x"}},
		{"bad user", &model.DispatchRequest{UserID: "a b", Title: "x"}},
		{"missing title", &model.DispatchRequest{UserID: "42"}},
		{"unknown channel", &model.DispatchRequest{UserID: "42", Title: "x", Channels: []model.DeliveryChannel{"sms"}}},
		{"unknown priority", &model.DispatchRequest{UserID: "42", Title: "x", Priority: "critical"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Dispatch(ctx, tt.req)
			assert.Equal(t, appErrors.ErrBadRequest, appCode(t, err))
		})
	}
}

func TestDispatchRecordsChannelWithoutSender(t *testing.T) {
	f := newFixture(t, Config{})
	res := f.dispatch(t, model.ChannelChat, model.ChannelWebhook)
	require.Len(t, res.Deliveries, 2)

	entries := byChannel(res.Deliveries)
	assert.Equal(t, model.DeliveryDelivered, entries[model.ChannelChat].Status)

	webhook := entries[model.ChannelWebhook]
	assert.Equal(t, model.DeliveryFailed, webhook.Status)
	assert.Equal(t, 0, webhook.RetryCount)
	assert.Nil(t, webhook.NextRetryAt)
	require.NotNil(t, webhook.ErrorMessage)
	assert.Contains(t, *webhook.ErrorMessage, "no sender configured")

	stored, err := f.store.Deliveries.ListByNotification(context.Background(), res.Notification.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestInvalidTargetFailsWithoutAutoRetry(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.email.invalidTarget.Store(true)

	res := f.dispatch(t, model.ChannelEmail)
	entry := res.Deliveries[0]
	assert.Equal(t, model.DeliveryFailed, entry.Status)
	assert.Equal(t, 0, entry.RetryCount)
	assert.Nil(t, entry.NextRetryAt)

	f.clock.Advance(time.Hour)
	claimed, err := f.svc.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, claimed)
	assert.EqualValues(t, 1, f.email.calls.Load())

	f.email.invalidTarget.Store(false)
	retried, err := f.svc.Retry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryDelivered, retried.Status)
	assert.Equal(t, 0, retried.RetryCount)
}

func TestHandleAckRequiresOwnerSubscription(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	res := f.dispatch(t, model.ChannelChat)
	ack := model.Ack{NotificationID: res.Notification.ID, Action: model.AckRead}

	f.subs.allow("conn-other", "user:7")
	err := f.svc.HandleAck(ctx, "conn-other", ack)
	assert.Equal(t, appErrors.ErrNotFound, appCode(t, err))

	n, err := f.store.Notifications.Get(ctx, res.Notification.ID)
	require.NoError(t, err)
	assert.Nil(t, n.ReadAt)
	assert.Empty(t, f.publisher.ofType(model.TypeNotificationRead))

	f.subs.allow("conn-owner", "user:42")
	require.NoError(t, f.svc.HandleAck(ctx, "conn-owner", ack))
	n, err = f.store.Notifications.Get(ctx, res.Notification.ID)
	require.NoError(t, err)
	assert.NotNil(t, n.ReadAt)
}

func TestHandleAckRefusedWithoutSubscriptionChecker(t *testing.T) {
	store := memory.NewStore()
	senders := sender.NewRegistry()
	senders.Register(model.ChannelChat, &scriptedSender{})
	svc := NewService(Config{}, Deps{
		Notifications: store.Notifications,
		Deliveries:    store.Deliveries,
		Senders:       senders,
		Publisher:     &recordingPublisher{},
	})
	res, err := svc.Dispatch(context.Background(), &model.DispatchRequest{UserID: "42", Title: "Hi"})
	require.NoError(t, err)

	err = svc.HandleAck(context.Background(), "conn-1", model.Ack{NotificationID: res.Notification.ID, Action: model.AckRead})
	assert.Equal(t, appErrors.ErrNotFound, appCode(t, err))
}

func TestDispatchDefaultsToRegisteredChannels(t *testing.T) {
	f := newFixture(t, Config{})
	res := f.dispatch(t)
	require.Len(t, res.Deliveries, 2)
	assert.Equal(t, model.PriorityNormal, res.Notification.Priority)
}

type blockingSender struct{}

func (blockingSender) Send(ctx context.Context, _ string, _ sender.Message) sender.Result {
	<-ctx.Done()
	return sender.Fail(ctx.Err())
}

func (blockingSender) Confirms() bool { return false }

func TestAttemptTimeoutCountsAsFailure(t *testing.T) {
	f := newFixture(t, Config{AttemptTimeout: 20 * time.Millisecond})
	f.svc.senders.Register(model.ChannelWebhook, blockingSender{})

	res, err := f.svc.Dispatch(context.Background(), &model.DispatchRequest{
		UserID:   "42",
		Title:    "Slow hook",
		Channels: []model.DeliveryChannel{model.ChannelWebhook},
	})
	require.NoError(t, err)

	entry := res.Deliveries[0]
	assert.Equal(t, model.DeliveryPending, entry.Status)
	assert.Equal(t, 1, entry.RetryCount)
	require.NotNil(t, entry.ErrorMessage)
	assert.Contains(t, *entry.ErrorMessage, "timed out")
}

func TestMarkReadSyncsOnce(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	res := f.dispatch(t, model.ChannelChat)
	id := res.Notification.ID

	_, err := f.svc.MarkRead(ctx, id, "7")
	assert.Equal(t, appErrors.ErrNotFound, appCode(t, err))

	n, err := f.svc.MarkRead(ctx, id, "42")
	require.NoError(t, err)
	require.NotNil(t, n.ReadAt)

	f.subs.allow("conn-1", "user:42")
	require.NoError(t, f.svc.HandleAck(ctx, "conn-1", model.Ack{NotificationID: id, Action: model.AckRead}))

	reads := f.publisher.ofType(model.TypeNotificationRead)
	require.Len(t, reads, 1)
	assert.Equal(t, "user:42", reads[0].channel)

	err = f.svc.HandleAck(ctx, "conn-1", model.Ack{NotificationID: uuid.New(), Action: model.AckRead})
	assert.Equal(t, appErrors.ErrNotFound, appCode(t, err))
}

func TestGetNotificationEffectiveness(t *testing.T) {
	f := newFixture(t, Config{})
	f.email.fail.Store(true)
	ctx := context.Background()
	res := f.dispatch(t, model.ChannelEmail, model.ChannelChat)

	detail, err := f.svc.GetNotification(ctx, res.Notification.ID)
	require.NoError(t, err)
	assert.Len(t, detail.Deliveries, 2)
	assert.Equal(t, 50.0, detail.Stats.SuccessRate)
	assert.Equal(t, 35, detail.Effectiveness)

	_, err = f.svc.MarkRead(ctx, res.Notification.ID, "")
	require.NoError(t, err)
	detail, err = f.svc.GetNotification(ctx, res.Notification.ID)
	require.NoError(t, err)
	assert.Equal(t, 65, detail.Effectiveness)

	_, err = f.svc.GetNotification(ctx, uuid.New())
	assert.Equal(t, appErrors.ErrNotFound, appCode(t, err))
}

func TestOutboxRecordsOutcomes(t *testing.T) {
	f := newFixture(t, Config{})
	f.email.fail.Store(true)
	f.dispatch(t, model.ChannelEmail, model.ChannelChat)

	events, err := f.store.Outbox.ClaimPendingEvents(context.Background(), f.clock.Now(), time.Minute, 10)
	require.NoError(t, err)

	types := make(map[string]int)
	for _, ev := range events {
		types[ev.EventType]++
	}
	assert.Equal(t, map[string]int{
		string(event.DeliveryDelivered): 1,
		string(event.DeliveryFailed):    1,
	}, types)
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := RetryPolicy{InitialInterval: time.Second, Multiplier: 2, MaxInterval: 5 * time.Second}
	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 4*time.Second, p.Backoff(3))
	assert.Equal(t, 5*time.Second, p.Backoff(4))
	assert.Equal(t, time.Second, p.Backoff(0))

	jittered := RetryPolicy{InitialInterval: time.Second, Multiplier: 2, MaxJitter: time.Second}
	d := jittered.Backoff(1)
	assert.GreaterOrEqual(t, d, time.Second)
	assert.Less(t, d, 2*time.Second)
}
