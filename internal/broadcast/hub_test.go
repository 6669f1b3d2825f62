package broadcast

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/avery-hale/turnkeeper/internal/events"
)

func TestHub_BroadcastsEnvelopeToConnectedClient(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	hub := NewHub(bus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(hub)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	// Drain the initial "connected" envelope published on upgrade.
	var connected events.Envelope
	require.NoError(t, conn.ReadJSON(&connected))
	require.Equal(t, events.KindConnected, connected.Type)

	time.Sleep(20 * time.Millisecond) // let the hub register the client
	bus.Publish(events.KindSessionState, map[string]string{"state": "idle"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env events.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	require.Equal(t, events.KindSessionState, env.Type)
}
