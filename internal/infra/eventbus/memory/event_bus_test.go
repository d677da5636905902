package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/issue-reindex/internal/domain/events"
)

const (
	typeA events.EventType = "A"
	typeB events.EventType = "B"
)

func TestPublishAndSubscribe(t *testing.T) {
	t.Parallel()

	bus := NewEventBus()
	ctx := context.Background()

	var got []events.EventEnvelope
	_, err := bus.Subscribe(ctx, []events.EventType{typeA}, func(_ context.Context, evt events.EventEnvelope) error {
		got = append(got, evt)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, events.EventEnvelope{Type: typeA, Payload: 1}, events.WithKey("k1")))
	require.NoError(t, bus.Publish(ctx, events.EventEnvelope{Type: typeB, Payload: 2}))

	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Payload)
	assert.Equal(t, "k1", got[0].Key)
}

func TestMultipleSubscribers(t *testing.T) {
	t.Parallel()

	bus := NewEventBus()
	ctx := context.Background()

	var count atomic.Int32
	for i := 0; i < 3; i++ {
		_, err := bus.Subscribe(ctx, []events.EventType{typeA, typeB}, func(context.Context, events.EventEnvelope) error {
			count.Add(1)
			return nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, bus.Publish(ctx, events.EventEnvelope{Type: typeA}))
	require.NoError(t, bus.Publish(ctx, events.EventEnvelope{Type: typeB}))
	assert.Equal(t, int32(6), count.Load())
}

func TestHandlerError(t *testing.T) {
	t.Parallel()

	bus := NewEventBus()
	ctx := context.Background()
	boom := errors.New("boom")

	_, err := bus.Subscribe(ctx, []events.EventType{typeA}, func(context.Context, events.EventEnvelope) error { return boom })
	require.NoError(t, err)

	assert.ErrorIs(t, bus.Publish(ctx, events.EventEnvelope{Type: typeA}), boom)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	bus := NewEventBus()
	ctx := context.Background()

	var count atomic.Int32
	unsubscribe, err := bus.Subscribe(ctx, []events.EventType{typeA}, func(context.Context, events.EventEnvelope) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, events.EventEnvelope{Type: typeA}))
	unsubscribe()
	unsubscribe()
	require.NoError(t, bus.Publish(ctx, events.EventEnvelope{Type: typeA}))

	assert.Equal(t, int32(1), count.Load())
}

func TestUnsubscribeWaitsForInFlightDelivery(t *testing.T) {
	t.Parallel()

	bus := NewEventBus()
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	unsubscribe, err := bus.Subscribe(ctx, []events.EventType{typeA}, func(context.Context, events.EventEnvelope) error {
		close(entered)
		<-release
		finished.Store(true)
		return nil
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = bus.Publish(ctx, events.EventEnvelope{Type: typeA})
	}()

	<-entered
	go close(release)
	unsubscribe()
	assert.True(t, finished.Load(), "unsubscribe returned before the delivery completed")
	wg.Wait()
}

func TestClose(t *testing.T) {
	t.Parallel()

	bus := NewEventBus()
	ctx := context.Background()
	require.NoError(t, bus.Close())

	_, err := bus.Subscribe(ctx, []events.EventType{typeA}, func(context.Context, events.EventEnvelope) error { return nil })
	assert.ErrorIs(t, err, ErrBusClosed)
	assert.ErrorIs(t, bus.Publish(ctx, events.EventEnvelope{Type: typeA}), ErrBusClosed)
}

func TestCancelledContext(t *testing.T) {
	t.Parallel()

	bus := NewEventBus()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := bus.Subscribe(ctx, []events.EventType{typeA}, func(context.Context, events.EventEnvelope) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, bus.Publish(ctx, events.EventEnvelope{Type: typeA}), context.Canceled)
}
