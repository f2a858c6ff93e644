package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case event, ok := <-ch:
		require.True(t, ok, "channel closed before an event arrived")
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestMemoryBusDelivers(t *testing.T) {
	b := NewMemoryBus(zap.NewNop())
	defer b.Close()
	ctx := context.Background()

	ch, cancel, err := b.Subscribe(ctx)
	require.NoError(t, err)
	defer cancel()

	want := Event{Kind: KindTaskCreated, CollaborationID: 7, TaskUUID: "abc"}
	require.NoError(t, b.Publish(ctx, want))

	assert.Equal(t, want, waitEvent(t, ch))
}

func TestMemoryBusFanout(t *testing.T) {
	b := NewMemoryBus(zap.NewNop())
	defer b.Close()
	ctx := context.Background()

	first, cancelFirst, err := b.Subscribe(ctx)
	require.NoError(t, err)
	defer cancelFirst()
	second, cancelSecond, err := b.Subscribe(ctx)
	require.NoError(t, err)
	defer cancelSecond()

	want := Event{Kind: KindNodeStatus, NodeID: 3, NodeStatus: "online"}
	require.NoError(t, b.Publish(ctx, want))

	assert.Equal(t, want, waitEvent(t, first))
	assert.Equal(t, want, waitEvent(t, second))
}

func TestMemoryBusCancelClosesChannel(t *testing.T) {
	b := NewMemoryBus(zap.NewNop())
	defer b.Close()

	ch, cancel, err := b.Subscribe(context.Background())
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after cancel")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}

	// Publishing after the subscriber left must not block or panic.
	require.NoError(t, b.Publish(context.Background(), Event{Kind: KindTaskCreated}))
}

func TestMemoryBusDropsWhenSubscriberIsFull(t *testing.T) {
	b := NewMemoryBus(zap.NewNop())
	defer b.Close()
	ctx := context.Background()

	_, cancel, err := b.Subscribe(ctx)
	require.NoError(t, err)
	defer cancel()

	// Nobody drains the channel; publishing far past the buffer must never
	// block the publisher.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer*3; i++ {
			_ = b.Publish(ctx, Event{Kind: KindTaskCreated, TaskUUID: "flood"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}
}

func TestRedisBusDelivers(t *testing.T) {
	srv := miniredis.RunT(t)

	b, err := NewRedisBus(Config{Backend: BackendRedis, RedisAddr: srv.Addr()}, zap.NewNop())
	require.NoError(t, err)
	defer b.Close()
	ctx := context.Background()

	ch, cancel, err := b.Subscribe(ctx)
	require.NoError(t, err)
	defer cancel()

	want := Event{Kind: KindTaskCreated, CollaborationID: 1, TaskUUID: "xyz"}
	require.NoError(t, b.Publish(ctx, want))

	assert.Equal(t, want, waitEvent(t, ch))
}

func TestNewFactory(t *testing.T) {
	b, err := New(Config{}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &MemoryBus{}, b)
	b.Close()

	_, err = New(Config{Backend: Backend("kafka")}, zap.NewNop())
	require.Error(t, err)
}
