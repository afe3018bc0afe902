// Package server assembles the HTTP surface: the websocket relay
// endpoint, a small read-only API over workspace state, and graceful
// shutdown around both.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/nodeweave/nodeweave/internal/config"
	"github.com/nodeweave/nodeweave/internal/workspace"
)

// WorkspaceReader is the slice of workspace state the API exposes.
// *workspace.Store satisfies it.
type WorkspaceReader interface {
	Get(workspaceID string) (workspace.Snapshot, bool)
	Count() int
}

// Server is the HTTP server with production timeouts.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	logger     *zap.Logger
}

// Options configures the server surface.
type Options struct {
	Addr string

	// RelayHandler serves websocket upgrades at /ws.
	RelayHandler http.Handler

	Workspaces WorkspaceReader

	// ICEServers is handed to clients so they gather candidates against
	// the same infrastructure the deployment expects.
	ICEServers []string

	Logger *zap.Logger

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
}

// New builds the server and its router.
func New(opts Options) (*Server, error) {
	if opts.RelayHandler == nil {
		return nil, fmt.Errorf("relay handler cannot be nil")
	}
	if opts.Workspaces == nil {
		return nil, fmt.Errorf("workspace reader cannot be nil")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ReadHeaderTimeout == 0 {
		opts.ReadHeaderTimeout = 10 * time.Second
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = 60 * time.Second
	}

	router := NewRouter(opts)

	// No ReadTimeout/WriteTimeout: websocket connections are long-lived
	// and manage their own deadlines in the client pumps.
	httpServer := &http.Server{
		Addr:              opts.Addr,
		Handler:           router,
		ReadHeaderTimeout: opts.ReadHeaderTimeout,
		IdleTimeout:       opts.IdleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	return &Server{httpServer: httpServer, logger: opts.Logger}, nil
}

// FromConfig builds server options from loaded configuration.
func FromConfig(cfg *config.Config, relayHandler http.Handler, workspaces WorkspaceReader, logger *zap.Logger) Options {
	return Options{
		Addr:         cfg.Addr(),
		RelayHandler: relayHandler,
		Workspaces:   workspaces,
		ICEServers:   cfg.Voice.STUNServers,
		Logger:       logger,
	}
}

// NewRouter builds the chi router serving the relay and the API.
func NewRouter(opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handleHealth(opts.Workspaces))
	r.Get("/api/workspaces/{id}", handleWorkspace(opts.Workspaces))
	r.Get("/api/voice/ice-servers", handleICEServers(opts.ICEServers))
	r.Get("/ws", opts.RelayHandler.ServeHTTP)

	return r
}

// Start listens and serves until Shutdown or a listener error.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	s.listener = listener
	s.logger.Info("server listening", zap.String("addr", listener.Addr().String()))
	return s.httpServer.Serve(listener)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Close terminates immediately.
func (s *Server) Close() error {
	return s.httpServer.Close()
}

// Addr returns the bound address once Start has created the listener.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}

func handleHealth(workspaces WorkspaceReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "ok",
			"workspaces": workspaces.Count(),
		})
	}
}

// handleWorkspace reports membership and permissions without document
// content; workspace ids act as join capabilities, so the document never
// leaves the relay path.
func handleWorkspace(workspaces WorkspaceReader) http.HandlerFunc {
	type memberSummary struct {
		SessionID string `json:"sessionId"`
		Name      string `json:"name"`
		Color     string `json:"color"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !workspace.ValidID(id) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "workspace not found"})
			return
		}
		snap, ok := workspaces.Get(id)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "workspace not found"})
			return
		}

		members := make([]memberSummary, 0, len(snap.Members))
		for _, m := range snap.Members {
			members = append(members, memberSummary{
				SessionID: m.SessionID,
				Name:      m.Name,
				Color:     m.Color,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"workspaceId":            snap.WorkspaceID,
			"members":                members,
			"ownerSessionId":         snap.OwnerSessionID,
			"allowCollaboratorEdits": snap.AllowCollaboratorEdits,
		})
	}
}

func handleICEServers(servers []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"urls": servers})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
