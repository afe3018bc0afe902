package workspace

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nodeweave/nodeweave/internal/graph"
)

// Store owns every in-memory workspace, created lazily on first join.
// There is no eviction: the scope is ephemeral collaboration, not durable
// storage, and state is discarded with the process.
type Store struct {
	mu         sync.Mutex
	workspaces map[string]*Workspace
	clock      func() time.Time
	logger     *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock injects the time source, for deterministic join ordering in
// tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// NewStore creates an empty workspace store.
func NewStore(logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		workspaces: make(map[string]*Workspace),
		clock:      time.Now,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot is a point-in-time copy of a workspace's shared state, used for
// the initial-state message sent to a joining client.
type Snapshot struct {
	WorkspaceID            string
	JSONText               string
	Graph                  *graph.Graph
	UIFlags                UIFlags
	Members                []*Member
	OwnerSessionID         string
	AllowCollaboratorEdits bool
}

// LeaveResult describes the membership change caused by a disconnect.
type LeaveResult struct {
	WorkspaceID    string
	OwnerSessionID string
	OwnerChanged   bool
	Members        []*Member
	Removed        bool
}

// Join adds a session to a workspace, creating the workspace on first use.
// The first session to join becomes the owner. Returns a snapshot for the
// joining client and whether it became owner.
func (s *Store) Join(workspaceID, sessionID, name, color string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, ok := s.workspaces[workspaceID]
	if !ok {
		ws = &Workspace{ID: workspaceID, Graph: &graph.Graph{}}
		s.workspaces[workspaceID] = ws
		s.logger.Info("workspace created", zap.String("workspace", workspaceID))
	}

	becameOwner := false
	if ws.MemberBySession(sessionID) == nil {
		ws.members = append(ws.members, &Member{
			SessionID: sessionID,
			Name:      name,
			Color:     color,
			JoinedAt:  s.clock(),
		})
		if ws.OwnerSessionID == "" {
			ws.OwnerSessionID = sessionID
			becameOwner = true
		}
	}

	return s.snapshotLocked(ws), becameOwner
}

// Leave removes a session from a workspace. When the owner leaves,
// ownership transfers to the earliest-joined remaining member; the last
// member leaving clears the owner.
func (s *Store) Leave(workspaceID, sessionID string) LeaveResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := LeaveResult{WorkspaceID: workspaceID}
	ws, ok := s.workspaces[workspaceID]
	if !ok {
		return result
	}

	for i, m := range ws.members {
		if m.SessionID == sessionID {
			ws.members = append(ws.members[:i], ws.members[i+1:]...)
			result.Removed = true
			break
		}
	}
	if !result.Removed {
		result.OwnerSessionID = ws.OwnerSessionID
		result.Members = ws.Members()
		return result
	}

	if ws.OwnerSessionID == sessionID {
		ws.OwnerSessionID = ""
		if len(ws.members) > 0 {
			ws.OwnerSessionID = ws.members[0].SessionID
		}
		result.OwnerChanged = true
		s.logger.Info("ownership transferred",
			zap.String("workspace", workspaceID),
			zap.String("owner", ws.OwnerSessionID))
	}

	result.OwnerSessionID = ws.OwnerSessionID
	result.Members = ws.Members()
	return result
}

// SetIdentity updates a member's display name and color.
func (s *Store) SetIdentity(workspaceID, sessionID, name, color string) ([]*Member, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, ok := s.workspaces[workspaceID]
	if !ok {
		return nil, false
	}
	m := ws.MemberBySession(sessionID)
	if m == nil {
		return nil, false
	}
	m.Name = name
	m.Color = color
	return ws.Members(), true
}

// SetCursor records a member's cursor position.
func (s *Store) SetCursor(workspaceID, sessionID string, cursor Cursor) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, ok := s.workspaces[workspaceID]
	if !ok {
		return false
	}
	m := ws.MemberBySession(sessionID)
	if m == nil {
		return false
	}
	m.Cursor = &cursor
	return true
}

// SetEditAccess flips collaborator edit rights. Only the current owner may
// do this; requests from anyone else are silently ignored.
func (s *Store) SetEditAccess(workspaceID, sessionID string, allow bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, ok := s.workspaces[workspaceID]
	if !ok || ws.OwnerSessionID != sessionID {
		return false
	}
	ws.AllowCollaboratorEdits = allow
	return true
}

// ApplyDelta merges a partial update into the workspace, field-level
// last-writer-wins. Document and graph fields require edit rights,
// re-checked at the moment of arrival; UI flags are always accepted.
// Returns the accepted subset, which is what gets rebroadcast — an empty
// result means nothing to broadcast.
func (s *Store) ApplyDelta(workspaceID, sessionID string, delta Delta) (Delta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, ok := s.workspaces[workspaceID]
	if !ok {
		return Delta{}, false
	}

	var accepted Delta
	canEdit := ws.CanEdit(sessionID)

	if delta.JSONText != nil && canEdit {
		ws.JSONText = *delta.JSONText
		accepted.JSONText = delta.JSONText
	}
	if delta.Graph != nil && canEdit {
		ws.Graph = delta.Graph
		accepted.Graph = delta.Graph
	}
	if delta.UIFlags != nil {
		ws.UIFlags = *delta.UIFlags
		accepted.UIFlags = delta.UIFlags
	}

	if (delta.JSONText != nil || delta.Graph != nil) && !canEdit {
		s.logger.Debug("dropped unauthorized document delta",
			zap.String("workspace", workspaceID),
			zap.String("session", sessionID))
	}

	return accepted, !accepted.Empty()
}

// Get returns a snapshot of a workspace, or false when it does not exist.
func (s *Store) Get(workspaceID string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, ok := s.workspaces[workspaceID]
	if !ok {
		return Snapshot{}, false
	}
	return s.snapshotLocked(ws), true
}

// Permissions returns the current owner and collaborator-edit flag.
func (s *Store) Permissions(workspaceID string) (owner string, allow bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, ok := s.workspaces[workspaceID]
	if !ok {
		return "", false, false
	}
	return ws.OwnerSessionID, ws.AllowCollaboratorEdits, true
}

// Count returns the number of live workspaces.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workspaces)
}

func (s *Store) snapshotLocked(ws *Workspace) Snapshot {
	return Snapshot{
		WorkspaceID:            ws.ID,
		JSONText:               ws.JSONText,
		Graph:                  ws.Graph,
		UIFlags:                ws.UIFlags,
		Members:                ws.Members(),
		OwnerSessionID:         ws.OwnerSessionID,
		AllowCollaboratorEdits: ws.AllowCollaboratorEdits,
	}
}
