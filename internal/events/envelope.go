// Package events defines the typed envelope broadcast to observers and
// the broker that fans it out.
package events

import (
	"time"

	"github.com/avery-hale/turnkeeper/internal/pubsub"
)

// Kind identifies the shape of Envelope.Data.
type Kind string

const (
	KindSessionState       Kind = "session_state"
	KindPTYOutput          Kind = "pty_output"
	KindSupervisorPTYOut   Kind = "supervisor_pty_output"
	KindHookEvent          Kind = "hook_event"
	KindSupervisorCall     Kind = "supervisor_call"
	KindSupervisorDecision Kind = "supervisor_decision"
	KindSupervisorState    Kind = "supervisor_state"
	KindCommandInject      Kind = "command_inject"
	KindIterationUpdate    Kind = "iteration_update"
	KindError              Kind = "error"
	KindConnected          Kind = "connected"
)

// Envelope is the wire shape broadcast to every observer.
type Envelope struct {
	Type      Kind      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Bus fans Envelope out to every subscriber via a pubsub broker. Delivery
// is best-effort: when a subscriber's buffer is full, the broker's
// non-blocking publish drops that envelope for that subscriber and never
// retries it; the subscriber itself stays subscribed.
type Bus struct {
	broker *pubsub.Broker[Envelope]
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{broker: pubsub.NewBroker[Envelope]()}
}

// Publish wraps data in an Envelope of the given kind and broadcasts it.
func (b *Bus) Publish(kind Kind, data any) {
	b.broker.Publish(pubsub.CreatedEvent, Envelope{
		Type:      kind,
		Timestamp: time.Now(),
		Data:      data,
	})
}

// Broker exposes the underlying broker for Subscribe-based consumers
// (the WebSocket hub).
func (b *Bus) Broker() *pubsub.Broker[Envelope] {
	return b.broker
}

// Close shuts down the bus, closing every subscriber channel.
func (b *Bus) Close() {
	b.broker.Close()
}
