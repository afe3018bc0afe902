package relay

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nodeweave/nodeweave/internal/workspace"
)

// Config holds relay connection settings.
type Config struct {
	ReadBufferSize  int
	WriteBufferSize int

	// CheckOrigin gates cross-origin upgrades.
	CheckOrigin func(r *http.Request) bool

	// WorkspaceParam is the query parameter carrying the workspace id.
	WorkspaceParam string

	// MaxMessageBytes bounds inbound frames; documents larger than this
	// cannot be synced.
	MaxMessageBytes int64

	// SendBuffer is the per-client outbound queue depth.
	SendBuffer int

	EnableCompression bool
}

// DefaultConfig returns the default relay configuration.
func DefaultConfig() *Config {
	return &Config{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// The relay carries no credentials; any origin may join a
			// workspace it knows the id of.
			return true
		},
		WorkspaceParam:    "workspace",
		MaxMessageBytes:   maxMessageSize,
		SendBuffer:        256,
		EnableCompression: false,
	}
}

// Upgrader upgrades HTTP requests into relay clients.
type Upgrader struct {
	config   *Config
	upgrader *websocket.Upgrader
	hub      *Hub
}

// NewUpgrader creates an Upgrader bound to a hub.
func NewUpgrader(config *Config, hub *Hub) *Upgrader {
	if config == nil {
		config = DefaultConfig()
	}

	return &Upgrader{
		config: config,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:    config.ReadBufferSize,
			WriteBufferSize:   config.WriteBufferSize,
			CheckOrigin:       config.CheckOrigin,
			EnableCompression: config.EnableCompression,
		},
		hub: hub,
	}
}

// ServeHTTP upgrades the request, assigns a session id and registers the
// client with its workspace room. An invalid or missing workspace id is
// replaced with a freshly generated one; the client learns the effective
// id from the initial-state snapshot.
func (u *Upgrader) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	workspaceID := workspace.NormalizeID(r.URL.Query().Get(u.config.WorkspaceParam))

	conn, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		u.hub.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	sessionID := uuid.New().String()
	client := newClient(sessionID, workspaceID, conn, u.hub, u.config.MaxMessageBytes, u.config.SendBuffer)

	u.hub.register <- client

	go client.WritePump()
	go client.ReadPump()
}

// Handler returns the upgrade endpoint as an http.HandlerFunc.
func (u *Upgrader) Handler() http.HandlerFunc {
	return u.ServeHTTP
}
