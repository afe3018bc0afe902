// Package voice implements the client side of full-mesh voice: one
// peer connection per remote participant, negotiated through the relay
// server, which only forwards offer/answer/ICE frames between peers.
package voice

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/nodeweave/nodeweave/internal/protocol"
)

// Signaler carries signaling frames to the room and to individual peers.
// The sync session implements it; tests use an in-memory recorder, so the
// negotiation state machine needs no network.
type Signaler interface {
	SendToPeer(peerID, eventType string, payload any) error
	AnnounceVoiceJoin() error
	AnnounceVoiceLeave() error
}

// TrackSource provides the local audio tracks. Capture devices are an
// external collaborator: a real implementation asks the OS for the
// microphone and may fail with a permission error.
type TrackSource interface {
	Tracks() ([]webrtc.TrackLocal, error)
}

// Config tunes the mesh.
type Config struct {
	// ICEServers for candidate gathering. Order matters: pion tries them
	// in sequence.
	ICEServers []webrtc.ICEServer

	// NewPeerConnection overrides peer connection construction, for tests.
	NewPeerConnection func(webrtc.Configuration) (*webrtc.PeerConnection, error)
}

// DefaultConfig uses a public STUN server and real pion connections.
func DefaultConfig() Config {
	return Config{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

// Peer is the connection state for one remote participant.
type Peer struct {
	ID string

	pc *webrtc.PeerConnection

	// pending queues ICE candidates that arrived before the remote
	// description was set; flushed in arrival order.
	pending   []webrtc.ICECandidateInit
	remoteSet bool
}

// Mesh owns every peer connection for the local participant.
type Mesh struct {
	signaler Signaler
	source   TrackSource
	config   Config
	logger   *zap.Logger

	// onTrack receives remote audio; playback is an external collaborator.
	onTrack func(peerID string, track *webrtc.TrackRemote)

	mu      sync.Mutex
	enabled bool
	tracks  []webrtc.TrackLocal
	peers   map[string]*Peer

	// earlyCandidates holds ICE frames for peers whose connection object
	// does not exist yet.
	earlyCandidates map[string][]webrtc.ICECandidateInit
}

// NewMesh creates a disabled mesh. Call Enable to join the voice channel.
func NewMesh(signaler Signaler, source TrackSource, config Config, logger *zap.Logger) *Mesh {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.NewPeerConnection == nil {
		config.NewPeerConnection = func(c webrtc.Configuration) (*webrtc.PeerConnection, error) {
			return webrtc.NewPeerConnection(c)
		}
	}
	return &Mesh{
		signaler:        signaler,
		source:          source,
		config:          config,
		logger:          logger,
		peers:           make(map[string]*Peer),
		earlyCandidates: make(map[string][]webrtc.ICECandidateInit),
	}
}

// OnRemoteTrack sets the callback invoked when a peer's audio arrives.
func (m *Mesh) OnRemoteTrack(fn func(peerID string, track *webrtc.TrackRemote)) {
	m.onTrack = fn
}

// Enabled reports whether the local participant is in the voice channel.
func (m *Mesh) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// Enable acquires local audio and announces voice presence to the room.
// On any failure the mesh rolls back to disabled and nothing is
// announced; existing peers (there are none yet) stay untouched.
func (m *Mesh) Enable() error {
	m.mu.Lock()
	if m.enabled {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	tracks, err := m.source.Tracks()
	if err != nil {
		return fmt.Errorf("acquire audio: %w", err)
	}

	m.mu.Lock()
	m.tracks = tracks
	m.enabled = true
	m.mu.Unlock()

	if err := m.signaler.AnnounceVoiceJoin(); err != nil {
		m.teardownAll()
		m.mu.Lock()
		m.enabled = false
		m.tracks = nil
		m.mu.Unlock()
		return fmt.Errorf("announce voice join: %w", err)
	}
	return nil
}

// Disable leaves the voice channel: announces the leave and synchronously
// tears down every peer connection.
func (m *Mesh) Disable() {
	m.mu.Lock()
	wasEnabled := m.enabled
	m.enabled = false
	m.tracks = nil
	m.mu.Unlock()

	if wasEnabled {
		if err := m.signaler.AnnounceVoiceLeave(); err != nil {
			m.logger.Debug("voice leave announce", zap.Error(err))
		}
	}
	m.teardownAll()
}

// Close tears the mesh down; no connection may outlive the view that
// created it.
func (m *Mesh) Close() {
	m.Disable()
}

// HandleEvent consumes one voice-related server event, as forwarded by
// the sync session. Malformed payloads are dropped without effect.
func (m *Mesh) HandleEvent(eventType string, data json.RawMessage) {
	switch eventType {
	case protocol.EventVoiceJoin:
		var p protocol.VoicePresence
		if json.Unmarshal(data, &p) == nil && p.SessionID != "" {
			m.HandlePeerJoined(p.SessionID)
		}
	case protocol.EventVoiceLeave, protocol.EventMemberLeft:
		var p protocol.VoicePresence
		if json.Unmarshal(data, &p) == nil && p.SessionID != "" {
			m.RemovePeer(p.SessionID)
		}
	case protocol.EventVoiceOffer:
		var o protocol.VoiceOffer
		if json.Unmarshal(data, &o) == nil && o.From != "" {
			m.HandleOffer(o.From, o.SDP)
		}
	case protocol.EventVoiceAnswer:
		var a protocol.VoiceAnswer
		if json.Unmarshal(data, &a) == nil && a.From != "" {
			m.HandleAnswer(a.From, a.SDP)
		}
	case protocol.EventVoiceICE:
		var ice protocol.VoiceICE
		if json.Unmarshal(data, &ice) == nil && ice.From != "" {
			var cand webrtc.ICECandidateInit
			if json.Unmarshal(ice.Candidate, &cand) == nil {
				m.HandleCandidate(ice.From, cand)
			}
		}
	}
}

// HandlePeerJoined starts negotiation toward a participant that just
// enabled voice: this side creates the connection, attaches audio and
// sends the offer. Redundant join notices are no-ops.
func (m *Mesh) HandlePeerJoined(peerID string) {
	if !m.Enabled() {
		return
	}

	peer, existed, err := m.ensurePeer(peerID)
	if err != nil {
		m.logger.Warn("peer setup failed", zap.String("peer", peerID), zap.Error(err))
		return
	}
	if existed {
		return
	}

	offer, err := peer.pc.CreateOffer(nil)
	if err != nil {
		m.failPeer(peerID, "create offer", err)
		return
	}
	if err := peer.pc.SetLocalDescription(offer); err != nil {
		m.failPeer(peerID, "set local offer", err)
		return
	}
	if err := m.signaler.SendToPeer(peerID, protocol.EventVoiceOffer, protocol.VoiceOffer{SDP: offer.SDP}); err != nil {
		m.failPeer(peerID, "send offer", err)
	}
}

// HandleOffer answers an incoming offer. A conflicting offer while this
// side is mid-negotiation (glare) is dropped rather than queued.
func (m *Mesh) HandleOffer(peerID, sdp string) {
	if !m.Enabled() {
		return
	}

	peer, _, err := m.ensurePeer(peerID)
	if err != nil {
		m.logger.Warn("peer setup failed", zap.String("peer", peerID), zap.Error(err))
		return
	}

	if peer.pc.SignalingState() != webrtc.SignalingStateStable {
		m.logger.Debug("dropping conflicting offer", zap.String("peer", peerID))
		return
	}

	if err := peer.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}); err != nil {
		m.failPeer(peerID, "set remote offer", err)
		return
	}
	m.markRemoteSet(peerID)

	answer, err := peer.pc.CreateAnswer(nil)
	if err != nil {
		m.failPeer(peerID, "create answer", err)
		return
	}
	if err := peer.pc.SetLocalDescription(answer); err != nil {
		m.failPeer(peerID, "set local answer", err)
		return
	}
	if err := m.signaler.SendToPeer(peerID, protocol.EventVoiceAnswer, protocol.VoiceAnswer{SDP: answer.SDP}); err != nil {
		m.failPeer(peerID, "send answer", err)
	}
}

// HandleAnswer completes a negotiation this side initiated. An answer
// that does not match a pending local offer is dropped.
func (m *Mesh) HandleAnswer(peerID, sdp string) {
	m.mu.Lock()
	peer := m.peers[peerID]
	m.mu.Unlock()
	if peer == nil {
		return
	}

	if peer.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		m.logger.Debug("dropping unexpected answer", zap.String("peer", peerID))
		return
	}

	if err := peer.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	}); err != nil {
		m.failPeer(peerID, "set remote answer", err)
		return
	}
	m.markRemoteSet(peerID)
}

// HandleCandidate applies a remote ICE candidate, queueing it while the
// peer's connection object or remote description does not exist yet.
func (m *Mesh) HandleCandidate(peerID string, candidate webrtc.ICECandidateInit) {
	m.mu.Lock()
	peer := m.peers[peerID]
	if peer == nil {
		m.earlyCandidates[peerID] = append(m.earlyCandidates[peerID], candidate)
		m.mu.Unlock()
		return
	}
	if !peer.remoteSet {
		peer.pending = append(peer.pending, candidate)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err := peer.pc.AddICECandidate(candidate); err != nil {
		m.logger.Debug("add candidate", zap.String("peer", peerID), zap.Error(err))
	}
}

// RemovePeer tears down the connection for one participant.
func (m *Mesh) RemovePeer(peerID string) {
	m.mu.Lock()
	peer := m.peers[peerID]
	delete(m.peers, peerID)
	delete(m.earlyCandidates, peerID)
	m.mu.Unlock()

	if peer != nil {
		if err := peer.pc.Close(); err != nil {
			m.logger.Debug("close peer", zap.String("peer", peerID), zap.Error(err))
		}
	}
}

// PeerCount returns the number of live peer connections.
func (m *Mesh) PeerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}

// Peer returns the connection state for a participant, or nil.
func (m *Mesh) Peer(peerID string) *Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peers[peerID]
}

// ensurePeer returns the existing peer for an id, or creates one with
// local tracks attached and callbacks wired. Creation for an id that
// already has a connection returns the existing object untouched, which
// keeps redundant join notices from producing duplicate offers or tracks.
func (m *Mesh) ensurePeer(peerID string) (*Peer, bool, error) {
	m.mu.Lock()
	if peer, ok := m.peers[peerID]; ok {
		m.mu.Unlock()
		return peer, true, nil
	}
	tracks := m.tracks
	early := m.earlyCandidates[peerID]
	delete(m.earlyCandidates, peerID)
	m.mu.Unlock()

	pc, err := m.config.NewPeerConnection(webrtc.Configuration{ICEServers: m.config.ICEServers})
	if err != nil {
		return nil, false, fmt.Errorf("new peer connection: %w", err)
	}

	for _, track := range tracks {
		if _, err := pc.AddTrack(track); err != nil {
			pc.Close()
			return nil, false, fmt.Errorf("add track: %w", err)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end of gathering
		}
		payload := protocol.VoiceICE{Candidate: marshalCandidate(c.ToJSON())}
		if err := m.signaler.SendToPeer(peerID, protocol.EventVoiceICE, payload); err != nil {
			m.logger.Debug("send candidate", zap.String("peer", peerID), zap.Error(err))
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateClosed:
			m.logger.Info("peer connection ended",
				zap.String("peer", peerID), zap.String("state", state.String()))
			m.RemovePeer(peerID)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if m.onTrack != nil {
			m.onTrack(peerID, track)
		}
	})

	peer := &Peer{ID: peerID, pc: pc, pending: early}

	m.mu.Lock()
	// A concurrent signaling frame may have created the peer meanwhile;
	// the first registration wins.
	if existing, ok := m.peers[peerID]; ok {
		m.mu.Unlock()
		pc.Close()
		return existing, true, nil
	}
	m.peers[peerID] = peer
	m.mu.Unlock()

	return peer, false, nil
}

// markRemoteSet flushes queued candidates once the remote description is
// in place, in arrival order.
func (m *Mesh) markRemoteSet(peerID string) {
	m.mu.Lock()
	peer := m.peers[peerID]
	if peer == nil {
		m.mu.Unlock()
		return
	}
	peer.remoteSet = true
	pending := peer.pending
	peer.pending = nil
	m.mu.Unlock()

	for _, candidate := range pending {
		if err := peer.pc.AddICECandidate(candidate); err != nil {
			m.logger.Debug("flush candidate", zap.String("peer", peerID), zap.Error(err))
		}
	}
}

// failPeer logs a negotiation failure and tears the partial connection
// down; the rest of the mesh is unaffected.
func (m *Mesh) failPeer(peerID, op string, err error) {
	m.logger.Warn("voice negotiation failed",
		zap.String("peer", peerID), zap.String("op", op), zap.Error(err))
	m.RemovePeer(peerID)
}

func (m *Mesh) teardownAll() {
	m.mu.Lock()
	peers := m.peers
	m.peers = make(map[string]*Peer)
	m.earlyCandidates = make(map[string][]webrtc.ICECandidateInit)
	m.mu.Unlock()

	for _, peer := range peers {
		peer.pc.Close()
	}
}

func marshalCandidate(init webrtc.ICECandidateInit) json.RawMessage {
	data, err := json.Marshal(init)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
