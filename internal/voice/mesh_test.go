package voice

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeweave/nodeweave/internal/protocol"
)

type sentFrame struct {
	peerID    string
	eventType string
	payload   any
}

type recordingSignaler struct {
	mu     sync.Mutex
	frames []sentFrame
	joins  int
	leaves int
}

func (r *recordingSignaler) SendToPeer(peerID, eventType string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, sentFrame{peerID: peerID, eventType: eventType, payload: payload})
	return nil
}

func (r *recordingSignaler) AnnounceVoiceJoin() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joins++
	return nil
}

func (r *recordingSignaler) AnnounceVoiceLeave() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaves++
	return nil
}

func (r *recordingSignaler) framesOfType(eventType string) []sentFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sentFrame
	for _, f := range r.frames {
		if f.eventType == eventType {
			out = append(out, f)
		}
	}
	return out
}

type failingTrackSource struct{}

func (failingTrackSource) Tracks() ([]webrtc.TrackLocal, error) {
	return nil, errors.New("microphone permission denied")
}

func newTestMesh(t *testing.T) (*Mesh, *recordingSignaler) {
	t.Helper()
	signaler := &recordingSignaler{}
	mesh := NewMesh(signaler, NewOpusTrackSource("audio", "mic"), Config{}, nil)
	t.Cleanup(mesh.Close)
	require.NoError(t, mesh.Enable())
	return mesh, signaler
}

// remoteOffer builds a real offer SDP from a second, independent peer
// connection, standing in for another participant's browser.
func remoteOffer(t *testing.T) (string, *webrtc.PeerConnection) {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "remote")
	require.NoError(t, err)
	_, err = pc.AddTrack(track)
	require.NoError(t, err)

	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, pc.SetLocalDescription(offer))
	return offer.SDP, pc
}

func TestEnableAnnouncesJoinOnce(t *testing.T) {
	mesh, signaler := newTestMesh(t)

	require.NoError(t, mesh.Enable())

	assert.True(t, mesh.Enabled())
	assert.Equal(t, 1, signaler.joins)
}

func TestEnableRollsBackOnCaptureFailure(t *testing.T) {
	signaler := &recordingSignaler{}
	mesh := NewMesh(signaler, failingTrackSource{}, Config{}, nil)

	err := mesh.Enable()

	require.Error(t, err)
	assert.False(t, mesh.Enabled())
	assert.Zero(t, signaler.joins)
}

func TestPeerJoinedSendsOfferOnce(t *testing.T) {
	mesh, signaler := newTestMesh(t)

	mesh.HandlePeerJoined("peer-1")
	mesh.HandlePeerJoined("peer-1")

	assert.Equal(t, 1, mesh.PeerCount())
	offers := signaler.framesOfType(protocol.EventVoiceOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, "peer-1", offers[0].peerID)
	assert.NotEmpty(t, offers[0].payload.(protocol.VoiceOffer).SDP)
}

func TestOfferProducesAnswer(t *testing.T) {
	mesh, signaler := newTestMesh(t)
	sdp, _ := remoteOffer(t)

	mesh.HandleOffer("peer-1", sdp)

	answers := signaler.framesOfType(protocol.EventVoiceAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, "peer-1", answers[0].peerID)
	assert.NotEmpty(t, answers[0].payload.(protocol.VoiceAnswer).SDP)

	peer := mesh.Peer("peer-1")
	require.NotNil(t, peer)
	assert.True(t, peer.remoteSet)
}

func TestConflictingOfferIsDropped(t *testing.T) {
	mesh, signaler := newTestMesh(t)
	mesh.HandlePeerJoined("peer-1")
	sdp, _ := remoteOffer(t)

	mesh.HandleOffer("peer-1", sdp)

	assert.Empty(t, signaler.framesOfType(protocol.EventVoiceAnswer))
	assert.Len(t, signaler.framesOfType(protocol.EventVoiceOffer), 1)
	assert.Equal(t, 1, mesh.PeerCount())
}

func TestAnswerWithoutPendingOfferIsDropped(t *testing.T) {
	mesh, _ := newTestMesh(t)
	sdp, _ := remoteOffer(t)
	mesh.HandleOffer("peer-1", sdp)

	mesh.HandleAnswer("peer-1", sdp)

	peer := mesh.Peer("peer-1")
	require.NotNil(t, peer)
	assert.Equal(t, webrtc.SignalingStateStable, peer.pc.SignalingState())
}

func TestCandidatesQueueUntilRemoteDescription(t *testing.T) {
	mesh, _ := newTestMesh(t)
	candidate := webrtc.ICECandidateInit{
		Candidate: "candidate:1 1 udp 2122260223 127.0.0.1 54321 typ host",
	}

	// Candidate arrives before the peer connection exists.
	mesh.HandleCandidate("peer-1", candidate)
	require.Nil(t, mesh.Peer("peer-1"))

	sdp, _ := remoteOffer(t)
	mesh.HandleOffer("peer-1", sdp)

	peer := mesh.Peer("peer-1")
	require.NotNil(t, peer)
	assert.True(t, peer.remoteSet)
	assert.Empty(t, peer.pending, "queued candidates must be flushed")
}

func TestCandidateQueueOrderPreserved(t *testing.T) {
	mesh, _ := newTestMesh(t)
	mesh.HandlePeerJoined("peer-1")

	first := webrtc.ICECandidateInit{
		Candidate: "candidate:1 1 udp 2122260223 127.0.0.1 54321 typ host",
	}
	second := webrtc.ICECandidateInit{
		Candidate: "candidate:2 1 udp 2122260222 127.0.0.1 54322 typ host",
	}
	mesh.HandleCandidate("peer-1", first)
	mesh.HandleCandidate("peer-1", second)

	peer := mesh.Peer("peer-1")
	require.NotNil(t, peer)
	require.Len(t, peer.pending, 2)
	assert.Equal(t, first.Candidate, peer.pending[0].Candidate)
	assert.Equal(t, second.Candidate, peer.pending[1].Candidate)
}

func TestRemovePeerClosesConnection(t *testing.T) {
	mesh, _ := newTestMesh(t)
	mesh.HandlePeerJoined("peer-1")
	peer := mesh.Peer("peer-1")
	require.NotNil(t, peer)

	mesh.RemovePeer("peer-1")

	assert.Zero(t, mesh.PeerCount())
	assert.Equal(t, webrtc.PeerConnectionStateClosed, peer.pc.ConnectionState())
}

func TestDisableTearsDownEverything(t *testing.T) {
	mesh, signaler := newTestMesh(t)
	mesh.HandlePeerJoined("peer-1")
	mesh.HandlePeerJoined("peer-2")
	require.Equal(t, 2, mesh.PeerCount())

	mesh.Disable()

	assert.Zero(t, mesh.PeerCount())
	assert.False(t, mesh.Enabled())
	assert.Equal(t, 1, signaler.leaves)
}

func TestDisabledMeshIgnoresSignaling(t *testing.T) {
	signaler := &recordingSignaler{}
	mesh := NewMesh(signaler, NewOpusTrackSource("audio", "mic"), Config{}, nil)

	mesh.HandlePeerJoined("peer-1")
	sdp, _ := remoteOffer(t)
	mesh.HandleOffer("peer-1", sdp)

	assert.Zero(t, mesh.PeerCount())
	assert.Empty(t, signaler.frames)
}

func TestHandleEventDispatch(t *testing.T) {
	mesh, signaler := newTestMesh(t)

	join, _ := json.Marshal(protocol.VoicePresence{SessionID: "peer-1"})
	mesh.HandleEvent(protocol.EventVoiceJoin, join)
	assert.Equal(t, 1, mesh.PeerCount())
	assert.Len(t, signaler.framesOfType(protocol.EventVoiceOffer), 1)

	left, _ := json.Marshal(protocol.VoicePresence{SessionID: "peer-1"})
	mesh.HandleEvent(protocol.EventMemberLeft, left)
	assert.Zero(t, mesh.PeerCount())
}

func TestHandleEventDropsMalformedPayloads(t *testing.T) {
	mesh, signaler := newTestMesh(t)

	mesh.HandleEvent(protocol.EventVoiceJoin, json.RawMessage(`not json`))
	mesh.HandleEvent(protocol.EventVoiceOffer, json.RawMessage(`{"from":""}`))
	mesh.HandleEvent(protocol.EventVoiceICE, json.RawMessage(`{"from":"x","candidate":12}`))

	assert.Zero(t, mesh.PeerCount())
	assert.Empty(t, signaler.framesOfType(protocol.EventVoiceOffer))
}
