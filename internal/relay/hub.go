package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Hub maintains the set of active clients grouped into workspace rooms and
// fans messages out to them. All room membership changes flow through the
// Run loop, so connect/disconnect handling is serialized.
type Hub struct {
	clients   map[*Client]bool
	clientsMu sync.RWMutex

	// rooms maps workspace id -> clients, in join order.
	rooms   map[string][]*Client
	roomsMu sync.RWMutex

	register   chan *Client
	unregister chan *Client

	handlers   map[string]MessageHandler
	handlersMu sync.RWMutex

	onConnect    ConnectHandler
	onDisconnect ConnectHandler

	shutdown chan struct{}
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	logger *zap.Logger
}

// Message is a relay frame: an event type plus its JSON payload. Payload,
// when set, is marshaled into Data before the frame is written.
type Message struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
	Payload any             `json:"-"`
}

// MessageHandler handles one inbound event type.
type MessageHandler func(ctx context.Context, client *Client, message *Message) error

// ConnectHandler observes a client joining or leaving its room.
type ConnectHandler func(ctx context.Context, client *Client)

// NewHub creates a hub. A nil logger disables logging.
func NewHub(ctx context.Context, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	hubCtx, cancel := context.WithCancel(ctx)

	return &Hub{
		clients:    make(map[*Client]bool),
		rooms:      make(map[string][]*Client),
		register:   make(chan *Client, 256),
		unregister: make(chan *Client, 256),
		handlers:   make(map[string]MessageHandler),
		shutdown:   make(chan struct{}),
		ctx:        hubCtx,
		cancel:     cancel,
		logger:     logger,
	}
}

// RegisterHandler registers the handler for an event type.
func (h *Hub) RegisterHandler(messageType string, handler MessageHandler) {
	h.handlersMu.Lock()
	defer h.handlersMu.Unlock()
	h.handlers[messageType] = handler
}

// OnConnect sets the callback invoked after a client is registered and
// added to its workspace room.
func (h *Hub) OnConnect(handler ConnectHandler) {
	h.onConnect = handler
}

// OnDisconnect sets the callback invoked after a client is removed.
func (h *Hub) OnDisconnect(handler ConnectHandler) {
	h.onDisconnect = handler
}

// Register queues a client for registration into its workspace room.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister queues a client for removal.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Run starts the hub's event loop.
func (h *Hub) Run() {
	h.wg.Add(1)
	defer h.wg.Done()

	staleTicker := time.NewTicker(30 * time.Second)
	defer staleTicker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			h.cleanup()
			return

		case <-h.shutdown:
			h.cleanup()
			return

		case client := <-h.register:
			h.clientsMu.Lock()
			h.clients[client] = true
			h.clientsMu.Unlock()

			h.roomsMu.Lock()
			h.rooms[client.WorkspaceID] = append(h.rooms[client.WorkspaceID], client)
			h.roomsMu.Unlock()

			h.logger.Info("client joined",
				zap.String("session", client.SessionID),
				zap.String("workspace", client.WorkspaceID),
				zap.Int("total", h.ClientCount()))

			if h.onConnect != nil {
				h.onConnect(h.ctx, client)
			}

		case client := <-h.unregister:
			h.removeClient(client)

		case <-staleTicker.C:
			h.cleanupStaleConnections()
		}
	}
}

// removeClient takes a client out of the hub and its room. Called from
// the Run loop for both explicit unregisters and stale sweeps; queueing
// sweep removals back through the unregister channel could fill it and
// deadlock the loop against itself.
func (h *Hub) removeClient(client *Client) {
	removed := false
	h.clientsMu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.closed.Store(true)
		close(client.send)
		removed = true
	}
	h.clientsMu.Unlock()

	if !removed {
		return
	}

	h.removeFromRoom(client)
	h.logger.Info("client left",
		zap.String("session", client.SessionID),
		zap.String("workspace", client.WorkspaceID),
		zap.Int("total", h.ClientCount()))

	if h.onDisconnect != nil {
		h.onDisconnect(h.ctx, client)
	}
}

func (h *Hub) removeFromRoom(client *Client) {
	h.roomsMu.Lock()
	defer h.roomsMu.Unlock()

	members := h.rooms[client.WorkspaceID]
	for i, c := range members {
		if c == client {
			h.rooms[client.WorkspaceID] = append(members[:i], members[i+1:]...)
			break
		}
	}
	if len(h.rooms[client.WorkspaceID]) == 0 {
		delete(h.rooms, client.WorkspaceID)
	}
}

// BroadcastToRoom sends a message to every client in a workspace room.
func (h *Hub) BroadcastToRoom(workspaceID string, message *Message) {
	h.broadcastToRoom(workspaceID, message, nil)
}

// BroadcastToRoomExcept sends a message to every client in a workspace
// room except the sender. This is the rebroadcast rule for state deltas.
func (h *Hub) BroadcastToRoomExcept(workspaceID string, message *Message, except *Client) {
	h.broadcastToRoom(workspaceID, message, except)
}

func (h *Hub) broadcastToRoom(workspaceID string, message *Message, except *Client) {
	data, err := marshalMessage(message)
	if err != nil {
		h.logger.Error("marshal broadcast", zap.Error(err))
		return
	}

	h.roomsMu.RLock()
	members := make([]*Client, len(h.rooms[workspaceID]))
	copy(members, h.rooms[workspaceID])
	h.roomsMu.RUnlock()

	for _, client := range members {
		if client == except {
			continue
		}
		client.enqueue(data)
	}
}

// SendToSession delivers a message to one specific member of a room. Used
// for voice signaling, which is addressed by recipient session id. Returns
// false when no such member is connected.
func (h *Hub) SendToSession(workspaceID, sessionID string, message *Message) bool {
	data, err := marshalMessage(message)
	if err != nil {
		h.logger.Error("marshal unicast", zap.Error(err))
		return false
	}

	h.roomsMu.RLock()
	defer h.roomsMu.RUnlock()

	for _, client := range h.rooms[workspaceID] {
		if client.SessionID == sessionID {
			client.enqueue(data)
			return true
		}
	}
	return false
}

// RoomClients returns the clients of a room in join order.
func (h *Hub) RoomClients(workspaceID string) []*Client {
	h.roomsMu.RLock()
	defer h.roomsMu.RUnlock()

	out := make([]*Client, len(h.rooms[workspaceID]))
	copy(out, h.rooms[workspaceID])
	return out
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// RoomCount returns the number of rooms with at least one client.
func (h *Hub) RoomCount() int {
	h.roomsMu.RLock()
	defer h.roomsMu.RUnlock()
	return len(h.rooms)
}

// HandleMessage routes one inbound frame to its registered handler.
// Unknown event types are dropped without effect.
func (h *Hub) HandleMessage(ctx context.Context, client *Client, data []byte) error {
	var message Message
	if err := json.Unmarshal(data, &message); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}

	h.handlersMu.RLock()
	handler, ok := h.handlers[message.Type]
	h.handlersMu.RUnlock()

	if !ok {
		h.logger.Debug("no handler for event", zap.String("type", message.Type))
		return nil
	}

	return handler(ctx, client, &message)
}

func (h *Hub) cleanup() {
	h.logger.Info("hub shutting down", zap.Int("clients", h.ClientCount()))

	h.clientsMu.Lock()
	for client := range h.clients {
		client.closed.Store(true)
		if client.conn != nil {
			client.conn.Close()
		}
	}
	h.clients = make(map[*Client]bool)
	h.clientsMu.Unlock()

	h.roomsMu.Lock()
	h.rooms = make(map[string][]*Client)
	h.roomsMu.Unlock()
}

func (h *Hub) cleanupStaleConnections() {
	h.clientsMu.RLock()
	var stale []*Client
	for client := range h.clients {
		if time.Since(client.GetLastHeartbeat()) > 90*time.Second {
			stale = append(stale, client)
		}
	}
	h.clientsMu.RUnlock()

	for _, client := range stale {
		h.logger.Warn("removing stale client", zap.String("session", client.SessionID))
		h.removeClient(client)
	}
}

// Shutdown stops the hub and disconnects every client.
func (h *Hub) Shutdown() {
	h.cancel()
	close(h.shutdown)
	h.wg.Wait()
}

// marshalMessage folds Payload into Data and encodes the frame.
func marshalMessage(message *Message) ([]byte, error) {
	if message.Payload != nil {
		data, err := json.Marshal(message.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		message.Data = data
	}
	return json.Marshal(message)
}
