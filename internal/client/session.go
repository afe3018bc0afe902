// Package client implements the participant side of the sync protocol:
// an explicit connection state machine, local text<->graph resync with
// echo suppression, and debounced delta emission.
package client

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nodeweave/nodeweave/internal/graph"
	"github.com/nodeweave/nodeweave/internal/protocol"
	"github.com/nodeweave/nodeweave/internal/workspace"
)

// State is the session's position in the connection lifecycle.
type State int

const (
	// Connecting: transport not yet established.
	Connecting State = iota
	// Joined: connected, waiting for the initial-state snapshot. Locally
	// generated deltas must not be emitted yet, or the default-empty
	// local state would clobber the authoritative one.
	Joined
	// Synced: snapshot applied; edits flow in both directions.
	Synced
	// Disconnected: transport gone; recovery is a fresh session.
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Joined:
		return "joined"
	case Synced:
		return "synced"
	case Disconnected:
		return "disconnected"
	}
	return "unknown"
}

// Callbacks surface remote effects to the embedding view. All callbacks
// run on the session's read goroutine; nil callbacks are skipped.
type Callbacks struct {
	OnState       func(State)
	OnText        func(text string)
	OnGraph       func(g *graph.Graph)
	OnUIFlags     func(flags workspace.UIFlags)
	OnMembers     func(members []*workspace.Member, ownerSessionID string)
	OnPermissions func(ownerSessionID string, allowCollaboratorEdits bool)
	OnCursor      func(update protocol.CursorUpdate)
	OnMemberLeft  func(sessionID string)
	// OnVoice receives voice-join/voice-leave/offer/answer/ice events for
	// the voice mesh to consume.
	OnVoice func(eventType string, data json.RawMessage)
	// OnInvalidDocument reports the local validity flag after each text
	// edit. Invalid text never leaves the process.
	OnInvalidDocument func(invalid bool)
}

// Options tune session behavior.
type Options struct {
	// TextSyncQuiet is the debounce quiet period for document text deltas.
	TextSyncQuiet time.Duration
	// WidthSyncQuiet coalesces editor width updates.
	WidthSyncQuiet time.Duration
	// LayoutDirection for locally recomputed graphs.
	LayoutDirection graph.Direction
}

// DefaultOptions returns the standard timings.
func DefaultOptions() Options {
	return Options{
		TextSyncQuiet:   500 * time.Millisecond,
		WidthSyncQuiet:  150 * time.Millisecond,
		LayoutDirection: graph.LeftRight,
	}
}

// Session is one participant's connection to a workspace. The local
// document state is owned by the session except while a remote delta is
// being applied, during which local emission is suppressed.
type Session struct {
	transport Transport
	cb        Callbacks
	opts      Options
	logger    *zap.Logger

	mu             sync.Mutex
	state          State
	sessionID      string
	workspaceID    string
	jsonText       string
	graph          *graph.Graph
	uiFlags        workspace.UIFlags
	invalid        bool
	applyingRemote bool

	textDebounce  *Debouncer
	widthDebounce *Debouncer

	closeOnce sync.Once
}

// NewSession creates a session over an established transport. Call Run to
// start consuming server events.
func NewSession(transport Transport, cb Callbacks, opts Options, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.TextSyncQuiet == 0 {
		opts.TextSyncQuiet = DefaultOptions().TextSyncQuiet
	}
	if opts.WidthSyncQuiet == 0 {
		opts.WidthSyncQuiet = DefaultOptions().WidthSyncQuiet
	}
	if opts.LayoutDirection == "" {
		opts.LayoutDirection = graph.LeftRight
	}

	return &Session{
		transport:     transport,
		cb:            cb,
		opts:          opts,
		logger:        logger,
		state:         Joined, // transport is up; snapshot pending
		graph:         &graph.Graph{},
		textDebounce:  NewDebouncer(opts.TextSyncQuiet),
		widthDebounce: NewDebouncer(opts.WidthSyncQuiet),
	}
}

// Run consumes server events until the transport fails or the session is
// closed. It always leaves the session Disconnected.
func (s *Session) Run() error {
	for {
		env, err := s.transport.Receive()
		if err != nil {
			s.setState(Disconnected)
			return err
		}
		s.apply(env)
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID returns the server-assigned session id (empty before the
// snapshot arrives).
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// WorkspaceID returns the effective workspace id from the snapshot.
func (s *Session) WorkspaceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workspaceID
}

// Text returns the current local document text.
func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jsonText
}

// Graph returns the current local graph.
func (s *Session) Graph() *graph.Graph {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph
}

// DocumentInvalid reports the local validity flag.
func (s *Session) DocumentInvalid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalid
}

// Close synchronously severs the transport and cancels pending debounce
// timers. Voice connections are owned by the voice mesh and must be torn
// down by the embedder alongside this call.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.textDebounce.Cancel()
		s.widthDebounce.Cancel()
		s.setState(Disconnected)
		if err := s.transport.Close(); err != nil {
			s.logger.Debug("transport close", zap.Error(err))
		}
	})
}

// UpdateText is the text editor's onChange path. Invalid JSON only flips
// the validity flag; the graph keeps its last good state and nothing is
// emitted. Valid text recomputes the graph immediately and emits the
// combined delta after the quiet period.
func (s *Session) UpdateText(text string) {
	s.mu.Lock()
	if s.applyingRemote {
		s.mu.Unlock()
		return
	}
	s.jsonText = text

	g, err := graph.FromJSON(text)
	if err != nil {
		s.invalid = true
		s.mu.Unlock()
		if s.cb.OnInvalidDocument != nil {
			s.cb.OnInvalidDocument(true)
		}
		return
	}
	graph.ApplyLayout(g, s.opts.LayoutDirection)
	s.invalid = false
	s.graph = g
	s.mu.Unlock()

	if s.cb.OnInvalidDocument != nil {
		s.cb.OnInvalidDocument(false)
	}
	if s.cb.OnGraph != nil {
		s.cb.OnGraph(g)
	}

	// The delta carries the text and graph validated above, captured at
	// trigger time. Reading the session fields when the timer fires would
	// let an invalid edit made during the quiet period reach the wire.
	s.textDebounce.Trigger(func() {
		s.emit(workspace.Delta{JSONText: strPtr(text), Graph: g})
	})
}

// UpdateGraph is the graph editor's path (node drag, edge add/remove).
// Graph edits are coarse user actions and sync immediately; the document
// text is re-derived from the graph first.
func (s *Session) UpdateGraph(g *graph.Graph) {
	s.mu.Lock()
	if s.applyingRemote {
		s.mu.Unlock()
		return
	}

	text, err := graph.ToJSON(g)
	if err != nil {
		// ToJSON degrades rather than fails; an error here means the
		// graph marshaler itself broke, which is not user-reachable.
		s.mu.Unlock()
		s.logger.Error("graph to json", zap.Error(err))
		return
	}
	s.graph = g
	s.jsonText = text
	s.invalid = false
	s.mu.Unlock()

	// A pending text delta would now carry stale state.
	s.textDebounce.Cancel()

	if s.cb.OnText != nil {
		s.cb.OnText(text)
	}
	s.emit(workspace.Delta{JSONText: &text, Graph: g})
}

// SetFullScreen syncs the shared full-screen flag immediately.
func (s *Session) SetFullScreen(on bool) {
	s.mu.Lock()
	if s.applyingRemote {
		s.mu.Unlock()
		return
	}
	s.uiFlags.IsFullScreen = on
	flags := s.uiFlags
	s.mu.Unlock()

	s.emit(workspace.Delta{UIFlags: &flags})
}

// SetEditorWidth coalesces width drags into one delta per quiet period.
func (s *Session) SetEditorWidth(width float64) {
	s.mu.Lock()
	if s.applyingRemote {
		s.mu.Unlock()
		return
	}
	s.uiFlags.EditorWidth = width
	s.mu.Unlock()

	s.widthDebounce.Trigger(func() {
		s.mu.Lock()
		flags := s.uiFlags
		s.mu.Unlock()
		s.emit(workspace.Delta{UIFlags: &flags})
	})
}

// SetIdentity announces the local display name and color.
func (s *Session) SetIdentity(name, color string) error {
	return s.send(protocol.EventSetIdentity, protocol.SetIdentity{Name: name, Color: color})
}

// MoveCursor shares the local pointer position.
func (s *Session) MoveCursor(x, y float64, name, color string) error {
	return s.send(protocol.EventCursorMove, protocol.CursorMove{X: x, Y: y, Name: name, Color: color})
}

// RequestEditAccessChange asks the server to flip collaborator edits.
// The server ignores it unless this session owns the workspace.
func (s *Session) RequestEditAccessChange(allow bool) error {
	return s.send(protocol.EventEditAccessChange, protocol.EditAccessChange{Allow: allow})
}

// AnnounceVoiceJoin tells the room this participant enabled voice.
func (s *Session) AnnounceVoiceJoin() error {
	return s.send(protocol.EventVoiceJoin, struct{}{})
}

// AnnounceVoiceLeave tells the room this participant disabled voice.
func (s *Session) AnnounceVoiceLeave() error {
	return s.send(protocol.EventVoiceLeave, struct{}{})
}

// SendToPeer relays a voice signaling payload to one peer through the
// server. Implements the voice mesh's Signaler.
func (s *Session) SendToPeer(peerID, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", eventType, err)
	}
	var addressed map[string]any
	if err := json.Unmarshal(data, &addressed); err != nil {
		return fmt.Errorf("voice payload must be an object: %w", err)
	}
	addressed["to"] = peerID
	return s.send(eventType, addressed)
}

// emit sends a state delta unless the session is not yet synced or is
// currently applying remote state.
func (s *Session) emit(delta workspace.Delta) {
	s.mu.Lock()
	suppressed := s.state != Synced || s.applyingRemote
	s.mu.Unlock()
	if suppressed || delta.Empty() {
		return
	}

	if err := s.send(protocol.EventStateDelta, delta); err != nil {
		s.logger.Warn("delta emit failed", zap.Error(err))
	}
}

func (s *Session) send(eventType string, payload any) error {
	env, err := protocol.Encode(eventType, payload)
	if err != nil {
		return err
	}
	return s.transport.Send(env)
}

// apply consumes one server event. The applyingRemote flag is held for
// the duration so the local resync callbacks cannot re-emit the state
// that just arrived.
func (s *Session) apply(env *protocol.Envelope) {
	switch env.Type {
	case protocol.EventInitialState:
		s.applyInitialState(env.Data)
	case protocol.EventStateDelta:
		s.applyStateDelta(env.Data)
	case protocol.EventMemberListChanged:
		var msg protocol.MemberListChanged
		if s.decode(env, &msg) && s.cb.OnMembers != nil {
			s.cb.OnMembers(msg.Members, msg.OwnerSessionID)
		}
	case protocol.EventPermissionsChanged:
		var msg protocol.PermissionsChanged
		if s.decode(env, &msg) && s.cb.OnPermissions != nil {
			s.cb.OnPermissions(msg.OwnerSessionID, msg.AllowCollaboratorEdits)
		}
	case protocol.EventCursorUpdate:
		var msg protocol.CursorUpdate
		if s.decode(env, &msg) && s.cb.OnCursor != nil {
			s.cb.OnCursor(msg)
		}
	case protocol.EventMemberLeft:
		var msg protocol.MemberLeft
		if s.decode(env, &msg) {
			if s.cb.OnMemberLeft != nil {
				s.cb.OnMemberLeft(msg.SessionID)
			}
			if s.cb.OnVoice != nil {
				s.cb.OnVoice(protocol.EventMemberLeft, env.Data)
			}
		}
	case protocol.EventVoiceJoin, protocol.EventVoiceLeave,
		protocol.EventVoiceOffer, protocol.EventVoiceAnswer, protocol.EventVoiceICE:
		if s.cb.OnVoice != nil {
			s.cb.OnVoice(env.Type, env.Data)
		}
	default:
		s.logger.Debug("unknown event", zap.String("type", env.Type))
	}
}

func (s *Session) applyInitialState(data json.RawMessage) {
	var snap protocol.InitialState
	if err := json.Unmarshal(data, &snap); err != nil {
		s.logger.Warn("bad snapshot", zap.Error(err))
		return
	}

	s.mu.Lock()
	s.applyingRemote = true
	s.sessionID = snap.SessionID
	s.workspaceID = snap.WorkspaceID
	s.jsonText = snap.JSONText
	if snap.Graph != nil {
		s.graph = snap.Graph
	}
	s.uiFlags = snap.UIFlags
	s.state = Synced
	s.mu.Unlock()

	s.fireStateCallbacks(&snap.JSONText, snap.Graph, &snap.UIFlags)
	if s.cb.OnMembers != nil {
		s.cb.OnMembers(snap.Members, snap.OwnerSessionID)
	}
	if s.cb.OnPermissions != nil {
		s.cb.OnPermissions(snap.OwnerSessionID, snap.AllowCollaboratorEdits)
	}

	s.mu.Lock()
	s.applyingRemote = false
	s.mu.Unlock()

	if s.cb.OnState != nil {
		s.cb.OnState(Synced)
	}
}

func (s *Session) applyStateDelta(data json.RawMessage) {
	var delta workspace.Delta
	if err := json.Unmarshal(data, &delta); err != nil {
		s.logger.Warn("bad delta", zap.Error(err))
		return
	}

	s.mu.Lock()
	s.applyingRemote = true
	var text *string
	if delta.JSONText != nil {
		s.jsonText = *delta.JSONText
		s.invalid = false
		text = delta.JSONText
	}
	if delta.Graph != nil {
		s.graph = delta.Graph
	}
	if delta.UIFlags != nil {
		s.uiFlags = *delta.UIFlags
	}
	s.mu.Unlock()

	s.fireStateCallbacks(text, delta.Graph, delta.UIFlags)
	if text != nil && s.cb.OnInvalidDocument != nil {
		s.cb.OnInvalidDocument(false)
	}

	s.mu.Lock()
	s.applyingRemote = false
	s.mu.Unlock()
}

// fireStateCallbacks runs the document/graph/flags callbacks while the
// applyingRemote flag is held; a callback that loops back into UpdateText
// or UpdateGraph (a view resync) is therefore suppressed.
func (s *Session) fireStateCallbacks(text *string, g *graph.Graph, flags *workspace.UIFlags) {
	if text != nil && s.cb.OnText != nil {
		s.cb.OnText(*text)
	}
	if g != nil && s.cb.OnGraph != nil {
		s.cb.OnGraph(g)
	}
	if flags != nil && s.cb.OnUIFlags != nil {
		s.cb.OnUIFlags(*flags)
	}
}

func (s *Session) decode(env *protocol.Envelope, out any) bool {
	if err := json.Unmarshal(env.Data, out); err != nil {
		s.logger.Warn("bad payload", zap.String("type", env.Type), zap.Error(err))
		return false
	}
	return true
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.mu.Unlock()

	if changed && s.cb.OnState != nil {
		s.cb.OnState(state)
	}
}

func strPtr(s string) *string { return &s }
