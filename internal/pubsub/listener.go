package pubsub

import "context"

// ContinuousListener maintains subscription state across repeated reads.
// It wraps a broker subscription so callers don't need to manage the
// underlying channel directly.
type ContinuousListener[T any] struct {
	ctx context.Context
	ch  <-chan Event[T]
}

// NewContinuousListener creates a new listener that subscribes to the broker.
// The subscription is automatically cleaned up when ctx is cancelled.
func NewContinuousListener[T any](ctx context.Context, broker *Broker[T]) *ContinuousListener[T] {
	return &ContinuousListener[T]{
		ctx: ctx,
		ch:  broker.Subscribe(ctx),
	}
}

// Recv blocks until the next event arrives, ctx is cancelled, or the
// broker closes the subscription. ok is false in the latter two cases.
func (l *ContinuousListener[T]) Recv() (Event[T], bool) {
	select {
	case <-l.ctx.Done():
		var zero Event[T]
		return zero, false
	case event, ok := <-l.ch:
		return event, ok
	}
}
