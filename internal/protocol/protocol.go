// Package protocol defines the event vocabulary exchanged between sync
// clients and the relay server. Event names and field sets are the wire
// contract; both the server handlers and the client state machine speak
// exactly this set.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/nodeweave/nodeweave/internal/graph"
	"github.com/nodeweave/nodeweave/internal/workspace"
)

// Client → server event types.
const (
	EventSetIdentity      = "set-identity"
	EventCursorMove       = "cursor-move"
	EventEditAccessChange = "request-edit-access-change"
	EventStateDelta       = "state-delta"
	EventVoiceJoin        = "voice-join"
	EventVoiceLeave       = "voice-leave"
	EventVoiceOffer       = "voice-offer"
	EventVoiceAnswer      = "voice-answer"
	EventVoiceICE         = "voice-ice"
)

// Server → client event types. EventStateDelta, EventVoiceJoin and
// EventVoiceLeave are reused in this direction; voice offer/answer/ICE are
// relayed unicast with the sender filled in.
const (
	EventInitialState       = "initial-state"
	EventMemberListChanged  = "member-list-changed"
	EventPermissionsChanged = "permissions-changed"
	EventCursorUpdate       = "cursor-update"
	EventMemberLeft         = "member-left"
)

// Envelope frames every relay message.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode builds an envelope from an event type and payload.
func Encode(eventType string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return &Envelope{Type: eventType, Data: data}, nil
}

// MustEncode is Encode for payload types that cannot fail to marshal.
func MustEncode(eventType string, payload any) *Envelope {
	env, err := Encode(eventType, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// SetIdentity carries a member's chosen display name and color.
type SetIdentity struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// CursorMove is a client's pointer movement.
type CursorMove struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Name  string  `json:"name"`
	Color string  `json:"color"`
}

// EditAccessChange asks the server to flip collaborator edit rights.
// Owner-only; ignored otherwise.
type EditAccessChange struct {
	Allow bool `json:"allow"`
}

// StateDelta is the partial state update in both directions. The embedded
// workspace.Delta carries the optional fields.
type StateDelta = workspace.Delta

// InitialState is the one-time snapshot unicast to a joining client.
type InitialState struct {
	WorkspaceID            string              `json:"workspaceId"`
	SessionID              string              `json:"sessionId"`
	JSONText               string              `json:"jsonText"`
	Graph                  *graph.Graph        `json:"graph"`
	UIFlags                workspace.UIFlags   `json:"uiFlags"`
	Members                []*workspace.Member `json:"members"`
	OwnerSessionID         string              `json:"ownerSessionId"`
	AllowCollaboratorEdits bool                `json:"allowCollaboratorEdits"`
}

// MemberListChanged announces the full membership after a join or rename.
type MemberListChanged struct {
	Members        []*workspace.Member `json:"members"`
	OwnerSessionID string              `json:"ownerSessionId"`
}

// PermissionsChanged announces the current permission state to the room.
type PermissionsChanged struct {
	OwnerSessionID         string `json:"ownerSessionId"`
	AllowCollaboratorEdits bool   `json:"allowCollaboratorEdits"`
}

// CursorUpdate fans a member's cursor out to the rest of the room.
type CursorUpdate struct {
	SessionID string  `json:"sessionId"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Name      string  `json:"name"`
	Color     string  `json:"color"`
}

// MemberLeft announces a disconnect.
type MemberLeft struct {
	SessionID string `json:"sessionId"`
}

// VoicePresence announces a participant enabling or disabling voice.
type VoicePresence struct {
	SessionID string `json:"sessionId"`
}

// VoiceOffer carries an SDP offer. Clients set To; the server relays with
// From set to the sender's session.
type VoiceOffer struct {
	To   string `json:"to,omitempty"`
	From string `json:"from,omitempty"`
	SDP  string `json:"sdp"`
}

// VoiceAnswer carries an SDP answer, addressed like VoiceOffer.
type VoiceAnswer struct {
	To   string `json:"to,omitempty"`
	From string `json:"from,omitempty"`
	SDP  string `json:"sdp"`
}

// VoiceICE carries one ICE candidate, addressed like VoiceOffer.
type VoiceICE struct {
	To        string          `json:"to,omitempty"`
	From      string          `json:"from,omitempty"`
	Candidate json.RawMessage `json:"candidate"`
}
