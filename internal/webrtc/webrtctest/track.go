package webrtctest

import (
	"sync/atomic"

	pion "github.com/pion/webrtc/v4"
)

// Track is a domain.LocalTrack backed by a static sample track.
type Track struct {
	*pion.TrackLocalStaticSample
	closed atomic.Bool
}

// NewTrack creates an Opus audio or VP8 video track.
func NewTrack(kind pion.RTPCodecType, id string) *Track {
	mime := pion.MimeTypeOpus
	if kind == pion.RTPCodecTypeVideo {
		mime = pion.MimeTypeVP8
	}
	t, err := pion.NewTrackLocalStaticSample(pion.RTPCodecCapability{MimeType: mime}, id, "local")
	if err != nil {
		panic(err)
	}
	return &Track{TrackLocalStaticSample: t}
}

// Close marks the track released.
func (t *Track) Close() error {
	t.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (t *Track) Closed() bool {
	return t.closed.Load()
}
