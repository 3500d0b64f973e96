package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdapterPassesPayloadThrough(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := NewBrokerAdapter(NewLocalBroker(4), nil)
	defer broker.Close()

	got := make(chan []byte, 1)
	require.NoError(t, broker.Subscribe(ctx, "delivery.delivered", func(b []byte) error {
		got <- b
		return nil
	}))

	require.NoError(t, broker.Publish(ctx, "delivery.delivered", []byte(`{"entry_id":"e-1","retry_count":2}`)))

	select {
	case b := <-got:
		assert.JSONEq(t, `{"entry_id":"e-1","retry_count":2}`, string(b))
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestLocalBrokerIsolatesTopics(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewLocalBroker(4)
	a, err := b.Subscribe(ctx, "a")
	require.NoError(t, err)
	other, err := b.Subscribe(ctx, "b")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "a", map[string]int{"n": 1}))

	assert.JSONEq(t, `{"n":1}`, string(<-a))
	select {
	case <-other:
		t.Fatal("topic b received a message published to a")
	default:
	}
}

func TestLocalBrokerClose(t *testing.T) {
	b := NewLocalBroker(1)
	ch, err := b.Subscribe(context.Background(), "a")
	require.NoError(t, err)

	require.NoError(t, b.Close())
	_, open := <-ch
	assert.False(t, open)
	assert.ErrorIs(t, b.Publish(context.Background(), "a", 1), ErrBrokerClosed)
}
