package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBus_PublishDeliversToSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := bus.Broker().Subscribe(ctx)

	bus.Publish(KindIterationUpdate, map[string]int{"current": 1, "max": 50})

	select {
	case env := <-ch:
		require.Equal(t, KindIterationUpdate, env.Payload.Type)
		require.False(t, env.Payload.Timestamp.IsZero())
	case <-time.After(200 * time.Millisecond):
		require.Fail(t, "timeout waiting for envelope")
	}
}

func TestBus_MultipleKinds(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := bus.Broker().Subscribe(ctx)

	bus.Publish(KindConnected, nil)
	bus.Publish(KindError, "boom")

	for _, want := range []Kind{KindConnected, KindError} {
		select {
		case env := <-ch:
			require.Equal(t, want, env.Payload.Type)
		case <-time.After(200 * time.Millisecond):
			require.Fail(t, "timeout waiting for envelope", "want %s", want)
		}
	}
}
