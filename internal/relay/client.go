package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024
)

// Client is one relay connection: a session bound to a workspace room.
type Client struct {
	// SessionID identifies the participant for the lifetime of the
	// connection; there is no resumption, a reconnect is a new session.
	SessionID string

	// WorkspaceID is the room this connection belongs to.
	WorkspaceID string

	conn *websocket.Conn
	hub  *Hub

	send chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	lastHeartbeat time.Time
	heartbeatMu   sync.RWMutex

	readLimit int64

	closed atomic.Bool
}

// NewClient creates a client for an accepted connection with default
// frame and buffer limits.
func NewClient(sessionID, workspaceID string, conn *websocket.Conn, hub *Hub) *Client {
	return newClient(sessionID, workspaceID, conn, hub, maxMessageSize, 256)
}

func newClient(sessionID, workspaceID string, conn *websocket.Conn, hub *Hub, readLimit int64, sendBuffer int) *Client {
	ctx, cancel := context.WithCancel(hub.ctx)

	if readLimit <= 0 {
		readLimit = maxMessageSize
	}
	if sendBuffer <= 0 {
		sendBuffer = 256
	}

	return &Client{
		SessionID:     sessionID,
		WorkspaceID:   workspaceID,
		conn:          conn,
		hub:           hub,
		send:          make(chan []byte, sendBuffer),
		ctx:           ctx,
		cancel:        cancel,
		lastHeartbeat: time.Now(),
		readLimit:     readLimit,
	}
}

// ReadPump pumps frames from the connection into the hub.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.updateHeartbeat()
		return nil
	})

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			_, message, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					c.hub.logger.Warn("read error",
						zap.String("session", c.SessionID), zap.Error(err))
				}
				return
			}

			c.updateHeartbeat()

			if err := c.hub.HandleMessage(c.ctx, c, message); err != nil {
				// Malformed or failing payloads are dropped; the sender is
				// never fed an error for unauthorized or racy state.
				c.hub.logger.Debug("dropped frame",
					zap.String("session", c.SessionID), zap.Error(err))
			}
		}
	}
}

// WritePump pumps queued frames to the connection and keeps it alive with
// pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			if _, err := w.Write(message); err != nil {
				return
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Send queues a message for delivery to this client.
func (c *Client) Send(message *Message) (err error) {
	// Protect against send on a channel the hub just closed.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("client closed")
		}
	}()

	if c.closed.Load() {
		return fmt.Errorf("client closed")
	}

	data, marshalErr := marshalMessage(message)
	if marshalErr != nil {
		return marshalErr
	}
	return c.enqueueErr(data)
}

// enqueue queues pre-marshaled bytes, dropping them when the client's
// buffer is full or the client is gone.
func (c *Client) enqueue(data []byte) {
	_ = c.enqueueErr(data)
}

func (c *Client) enqueueErr(data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("client closed")
		}
	}()

	if c.closed.Load() {
		return fmt.Errorf("client closed")
	}

	select {
	case c.send <- data:
		return nil
	case <-c.ctx.Done():
		return context.Canceled
	default:
		c.hub.logger.Warn("send buffer full, dropping frame",
			zap.String("session", c.SessionID))
		return fmt.Errorf("send buffer full")
	}
}

// Outbox exposes the queued outbound frames. Used by the write pump and
// by in-process tests that stand in for a real connection.
func (c *Client) Outbox() <-chan []byte {
	return c.send
}

func (c *Client) updateHeartbeat() {
	c.heartbeatMu.Lock()
	defer c.heartbeatMu.Unlock()
	c.lastHeartbeat = time.Now()
}

// GetLastHeartbeat returns the time of the last pong from this client.
func (c *Client) GetLastHeartbeat() time.Time {
	c.heartbeatMu.RLock()
	defer c.heartbeatMu.RUnlock()
	return c.lastHeartbeat
}

// Close tears the connection down and removes the client from the hub.
func (c *Client) Close() {
	c.closed.Store(true)
	c.cancel()
	c.hub.unregister <- c
}
