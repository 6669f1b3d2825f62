// Package broadcast fans the typed event envelope out to WebSocket
// observers and cleans raw PTY bytes for human display.
package broadcast

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/avery-hale/turnkeeper/internal/events"
	"github.com/avery-hale/turnkeeper/internal/log"
)

// writeTimeout bounds a single WebSocket write; a stalled observer
// connection must never back up the broker's fan-out goroutine.
const writeTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub upgrades incoming HTTP connections to WebSocket and relays every
// events.Envelope published on the bus to each connected observer.
type Hub struct {
	bus *events.Bus

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan events.Envelope
}

// NewHub constructs a Hub over bus. Call Run in its own goroutine to
// begin relaying.
func NewHub(bus *events.Bus) *Hub {
	return &Hub{bus: bus, clients: make(map[*client]struct{})}
}

// Run subscribes to the bus and relays every envelope to every connected
// client until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	sub := h.bus.Broker().Subscribe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			h.broadcast(evt.Payload)
		}
	}
}

func (h *Hub) broadcast(env events.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- env:
		default:
			log.Warn(log.CatBroadcast, "dropping envelope for slow observer", "type", env.Type)
		}
	}
}

// ServeHTTP upgrades the request to a WebSocket and registers the
// resulting connection as an observer until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn(log.CatBroadcast, "websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan events.Envelope, 64)}
	h.register(c)
	defer h.unregister(c)

	h.bus.Publish(events.KindConnected, map[string]bool{"connected": true})

	go h.readPump(c)
	h.writePump(c)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	_ = c.conn.Close()
}

// readPump discards inbound frames (observers are read-only) but must
// still run so gorilla's ping/pong and close-frame handling fires.
func (h *Hub) readPump(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	for env := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(env); err != nil {
			return
		}
	}
}
