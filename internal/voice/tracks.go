package voice

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// OpusTrackSource produces a single Opus audio track fed by an external
// capture pipeline. The track is created lazily and reused across peers,
// so every connection in the mesh carries the same audio.
type OpusTrackSource struct {
	id       string
	streamID string
	track    *webrtc.TrackLocalStaticSample
}

// NewOpusTrackSource names the track and its stream as they will appear
// to remote participants.
func NewOpusTrackSource(id, streamID string) *OpusTrackSource {
	return &OpusTrackSource{id: id, streamID: streamID}
}

// Tracks implements TrackSource.
func (s *OpusTrackSource) Tracks() ([]webrtc.TrackLocal, error) {
	if s.track == nil {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
			s.id, s.streamID,
		)
		if err != nil {
			return nil, fmt.Errorf("create audio track: %w", err)
		}
		s.track = track
	}
	return []webrtc.TrackLocal{s.track}, nil
}

// Sample returns the writable track so a capture loop can push encoded
// audio into it, or nil before the first Tracks call.
func (s *OpusTrackSource) Sample() *webrtc.TrackLocalStaticSample {
	return s.track
}
