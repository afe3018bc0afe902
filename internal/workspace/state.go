package workspace

import (
	"time"

	"github.com/nodeweave/nodeweave/internal/graph"
)

// Cursor is a member's pointer position, shared for presence display.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Member is one connected participant of a workspace.
type Member struct {
	SessionID string    `json:"sessionId"`
	Name      string    `json:"name"`
	Color     string    `json:"color"`
	JoinedAt  time.Time `json:"joinedAt"`
	Cursor    *Cursor   `json:"cursor,omitempty"`
}

// UIFlags are shared view settings synced alongside the document.
type UIFlags struct {
	IsFullScreen bool    `json:"isFullScreen"`
	EditorWidth  float64 `json:"editorWidth"`
}

// Delta is a partial state update: only non-nil fields are applied.
// Pointer fields keep "absent" distinct from a zero value, which the
// field-level last-writer-wins merge depends on.
type Delta struct {
	JSONText *string      `json:"jsonText,omitempty"`
	Graph    *graph.Graph `json:"graph,omitempty"`
	UIFlags  *UIFlags     `json:"uiFlags,omitempty"`
}

// Empty reports whether the delta carries no fields.
func (d Delta) Empty() bool {
	return d.JSONText == nil && d.Graph == nil && d.UIFlags == nil
}

// Workspace is the authoritative state for one collaboration session.
// All fields are guarded by the owning Store's mutex; the state lives only
// in process memory and is gone on restart.
type Workspace struct {
	ID                     string
	JSONText               string
	Graph                  *graph.Graph
	UIFlags                UIFlags
	OwnerSessionID         string
	AllowCollaboratorEdits bool

	// members keeps join order so ownership transfer on disconnect is
	// deterministic (earliest-joined remaining member becomes owner).
	members []*Member
}

// Members returns the members in join order.
func (w *Workspace) Members() []*Member {
	out := make([]*Member, len(w.members))
	copy(out, w.members)
	return out
}

// MemberBySession returns the member with the given session id, or nil.
func (w *Workspace) MemberBySession(sessionID string) *Member {
	for _, m := range w.members {
		if m.SessionID == sessionID {
			return m
		}
	}
	return nil
}

// CanEdit resolves the edit-rights policy for a session: the owner may
// always edit; everyone else only while collaborator edits are enabled.
// Re-evaluated on every privileged mutation, never cached.
func (w *Workspace) CanEdit(sessionID string) bool {
	return sessionID == w.OwnerSessionID || w.AllowCollaboratorEdits
}
