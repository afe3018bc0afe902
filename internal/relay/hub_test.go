package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(context.Background(), nil)
	go hub.Run()
	t.Cleanup(hub.Shutdown)
	return hub
}

func testClient(hub *Hub, sessionID, workspaceID string) *Client {
	return NewClient(sessionID, workspaceID, nil, hub)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestHubRegistersClientsIntoRooms(t *testing.T) {
	hub := newTestHub(t)

	c1 := testClient(hub, "S1", "ws-alpha")
	c2 := testClient(hub, "S2", "ws-alpha")
	c3 := testClient(hub, "S3", "ws-beta")

	hub.register <- c1
	hub.register <- c2
	hub.register <- c3

	waitFor(t, func() bool { return hub.ClientCount() == 3 })
	assert.Equal(t, 2, hub.RoomCount())
	assert.Len(t, hub.RoomClients("ws-alpha"), 2)
	assert.Len(t, hub.RoomClients("ws-beta"), 1)

	hub.unregister <- c2
	waitFor(t, func() bool { return hub.ClientCount() == 2 })
	assert.Len(t, hub.RoomClients("ws-alpha"), 1)
}

func TestHubConnectCallbacks(t *testing.T) {
	hub := NewHub(context.Background(), nil)

	connected := make(chan string, 1)
	disconnected := make(chan string, 1)
	hub.OnConnect(func(ctx context.Context, c *Client) { connected <- c.SessionID })
	hub.OnDisconnect(func(ctx context.Context, c *Client) { disconnected <- c.SessionID })

	go hub.Run()
	defer hub.Shutdown()

	c := testClient(hub, "S1", "ws-alpha")
	hub.register <- c

	select {
	case id := <-connected:
		assert.Equal(t, "S1", id)
	case <-time.After(time.Second):
		t.Fatal("connect callback not invoked")
	}

	hub.unregister <- c

	select {
	case id := <-disconnected:
		assert.Equal(t, "S1", id)
	case <-time.After(time.Second):
		t.Fatal("disconnect callback not invoked")
	}
}

func TestBroadcastToRoomExceptSkipsSender(t *testing.T) {
	hub := newTestHub(t)

	sender := testClient(hub, "S1", "ws-alpha")
	peer := testClient(hub, "S2", "ws-alpha")
	other := testClient(hub, "S3", "ws-beta")

	hub.register <- sender
	hub.register <- peer
	hub.register <- other
	waitFor(t, func() bool { return hub.ClientCount() == 3 })

	hub.BroadcastToRoomExcept("ws-alpha", &Message{
		Type:    "state-delta",
		Payload: map[string]string{"jsonText": "{}"},
	}, sender)

	select {
	case data := <-peer.send:
		var msg Message
		require.NoError(t, json.Unmarshal(data, &msg))
		assert.Equal(t, "state-delta", msg.Type)
	case <-time.After(time.Second):
		t.Fatal("peer did not receive broadcast")
	}

	assert.Empty(t, sender.send)
	assert.Empty(t, other.send)
}

func TestSendToSession(t *testing.T) {
	hub := newTestHub(t)

	c1 := testClient(hub, "S1", "ws-alpha")
	c2 := testClient(hub, "S2", "ws-alpha")
	hub.register <- c1
	hub.register <- c2
	waitFor(t, func() bool { return hub.ClientCount() == 2 })

	ok := hub.SendToSession("ws-alpha", "S2", &Message{Type: "voice-offer"})
	assert.True(t, ok)
	assert.Len(t, c2.send, 1)
	assert.Empty(t, c1.send)

	assert.False(t, hub.SendToSession("ws-alpha", "S9", &Message{Type: "voice-offer"}))
	assert.False(t, hub.SendToSession("ws-missing", "S1", &Message{Type: "voice-offer"}))
}

func TestHandleMessageRoutesToHandler(t *testing.T) {
	hub := newTestHub(t)

	received := make(chan *Message, 1)
	hub.RegisterHandler("cursor-move", func(ctx context.Context, c *Client, m *Message) error {
		received <- m
		return nil
	})

	c := testClient(hub, "S1", "ws-alpha")
	frame := []byte(`{"type":"cursor-move","data":{"x":1,"y":2}}`)
	require.NoError(t, hub.HandleMessage(context.Background(), c, frame))

	select {
	case msg := <-received:
		assert.Equal(t, "cursor-move", msg.Type)
	case <-time.After(time.Second):
		t.Fatal("handler not invoked")
	}
}

func TestHandleMessageDropsUnknownTypes(t *testing.T) {
	hub := newTestHub(t)
	c := testClient(hub, "S1", "ws-alpha")

	err := hub.HandleMessage(context.Background(), c, []byte(`{"type":"no-such-event"}`))
	assert.NoError(t, err)
}

func TestHandleMessageRejectsMalformedFrames(t *testing.T) {
	hub := newTestHub(t)
	c := testClient(hub, "S1", "ws-alpha")

	err := hub.HandleMessage(context.Background(), c, []byte(`not json`))
	assert.Error(t, err)
}

func TestStaleSweepHandlesBatchesBeyondChannelBuffer(t *testing.T) {
	hub := newTestHub(t)

	// Register well past the unregister channel's buffer, then make every
	// client stale at once. The sweep must remove them all without
	// wedging the hub's event loop.
	const total = 300
	clients := make([]*Client, total)
	for i := range clients {
		clients[i] = testClient(hub, "S", "ws-alpha")
		hub.register <- clients[i]
	}
	waitFor(t, func() bool { return hub.ClientCount() == total })

	for _, c := range clients {
		c.heartbeatMu.Lock()
		c.lastHeartbeat = time.Now().Add(-5 * time.Minute)
		c.heartbeatMu.Unlock()
	}

	hub.cleanupStaleConnections()

	assert.Zero(t, hub.ClientCount())
	assert.Zero(t, hub.RoomCount())

	// The loop is still responsive after the sweep.
	c := testClient(hub, "S1", "ws-alpha")
	hub.register <- c
	waitFor(t, func() bool { return hub.ClientCount() == 1 })
}

func TestClientSendAfterClose(t *testing.T) {
	hub := newTestHub(t)

	c := testClient(hub, "S1", "ws-alpha")
	hub.register <- c
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	hub.unregister <- c
	waitFor(t, func() bool { return hub.ClientCount() == 0 })

	err := c.Send(&Message{Type: "state-delta"})
	assert.Error(t, err)
}

func TestMarshalMessageFoldsPayload(t *testing.T) {
	data, err := marshalMessage(&Message{
		Type:    "member-left",
		Payload: map[string]string{"sessionId": "S1"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"member-left","data":{"sessionId":"S1"}}`, string(data))
}
