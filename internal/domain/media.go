package domain

import pion "github.com/pion/webrtc/v4"

// VideoKind describes which local video sources are live.
type VideoKind string

const (
	VideoNone   VideoKind = "none"
	VideoCamera VideoKind = "camera"
	VideoScreen VideoKind = "screen"
	VideoMulti  VideoKind = "multi"
)

// DeriveVideoKind computes the kind from which sources are live.
func DeriveVideoKind(camera, screen bool) VideoKind {
	switch {
	case camera && screen:
		return VideoMulti
	case camera:
		return VideoCamera
	case screen:
		return VideoScreen
	default:
		return VideoNone
	}
}

// LocalTrack is a captured hardware track that can be sent on a transceiver.
// Only the component that acquired it may Close it.
type LocalTrack interface {
	pion.TrackLocal
	Close() error
}

// VideoProfile bounds the capture size and frame rate of a camera track.
type VideoProfile struct {
	Width     int
	Height    int
	FrameRate float32
}

var (
	ProfileFull    = VideoProfile{Width: 1280, Height: 720, FrameRate: 30}
	ProfileReduced = VideoProfile{Width: 640, Height: 360, FrameRate: 15}
)

// RemoteTrack is one inbound track of a peer. Track is nil in tests.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     pion.RTPCodecType
	Track    *pion.TrackRemote
}

// RemoteStream collects the inbound tracks of one peer.
type RemoteStream struct {
	PeerID string
	Tracks []RemoteTrack
}

// HasVideo reports whether any inbound video track arrived.
func (s *RemoteStream) HasVideo() bool {
	if s == nil {
		return false
	}
	for _, t := range s.Tracks {
		if t.Kind == pion.RTPCodecTypeVideo {
			return true
		}
	}
	return false
}
