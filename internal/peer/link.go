// Package peer keeps one PeerLink per remote participant and watches each
// link's transport state.
package peer

import (
	"errors"
	"fmt"

	pion "github.com/pion/webrtc/v4"

	"duocall/core/internal/domain"
)

// Politeness decides which side yields when both sides offer at once.
type Politeness int

const (
	Polite Politeness = iota
	Impolite
)

func (p Politeness) String() string {
	if p == Impolite {
		return "impolite"
	}
	return "polite"
}

// PolitenessFor is the role of self towards peer. The larger id is
// impolite, so the two sides of a pair always disagree.
func PolitenessFor(self, peer string) Politeness {
	if self > peer {
		return Impolite
	}
	return Polite
}

// PendingBuffer holds remote ICE candidates that arrived before the remote
// description. It hands them out once, in arrival order.
type PendingBuffer struct {
	items   []pion.ICECandidateInit
	flushed bool
}

// Push appends c. It reports false once the buffer has been flushed; the
// caller must then apply c directly.
func (b *PendingBuffer) Push(c pion.ICECandidateInit) bool {
	if b.flushed {
		return false
	}
	b.items = append(b.items, c)
	return true
}

// Flush returns the buffered candidates and closes the buffer. Later calls
// return nil.
func (b *PendingBuffer) Flush() []pion.ICECandidateInit {
	if b.flushed {
		return nil
	}
	b.flushed = true
	out := b.items
	b.items = nil
	return out
}

// Len is the number of candidates waiting.
func (b *PendingBuffer) Len() int {
	return len(b.items)
}

// ErrNoTransceiver is returned when attaching to a line that was never
// created.
var ErrNoTransceiver = errors.New("peer: no transceiver")

// Link is the negotiation state for one remote participant. It is only
// touched from the event loop.
type Link struct {
	PeerID     string
	Conn       domain.Connection
	Politeness Politeness

	// OfferInFlight is set from before CreateOffer until SetLocalDescription
	// returns or fails.
	OfferInFlight bool
	// IgnoreNextOffer records that a colliding remote offer was dropped.
	IgnoreNextOffer bool
	// RemoteDescriptionSet turns true with the first applied remote
	// description and stays true.
	RemoteDescriptionSet bool
	// RemoteVersion counts applied remote descriptions.
	RemoteVersion uint64
	Pending       PendingBuffer

	Audio  domain.Transceiver
	Video  domain.Transceiver
	Screen domain.Transceiver

	Remote domain.RemoteStream
}

// Impolite reports whether this side wins glare for the link.
func (l *Link) Impolite() bool {
	return l.Politeness == Impolite
}

// Stable reports whether the connection has no offer outstanding.
func (l *Link) Stable() bool {
	return l.Conn.SignalingState() == pion.SignalingStateStable
}

// AttachAudio puts t on the audio line, or detaches with a nil t.
func (l *Link) AttachAudio(t pion.TrackLocal) error {
	return attach(l.Audio, t)
}

// AttachVideo puts t on the pre-created video line.
func (l *Link) AttachVideo(t pion.TrackLocal) error {
	return attach(l.Video, t)
}

// AttachScreen puts t on the screen line, creating it on first use. A nil t
// never creates the line.
func (l *Link) AttachScreen(t pion.TrackLocal) error {
	if l.Screen == nil {
		if t == nil {
			return nil
		}
		tr, err := l.Conn.AddTransceiver(pion.RTPCodecTypeVideo, pion.RTPTransceiverDirectionSendrecv)
		if err != nil {
			return fmt.Errorf("add screen line: %w", err)
		}
		l.Screen = tr
	}
	return attach(l.Screen, t)
}

// SendingVideoLines counts video lines with a track attached.
func (l *Link) SendingVideoLines() int {
	n := 0
	for _, tr := range []domain.Transceiver{l.Video, l.Screen} {
		if tr != nil && tr.Track() != nil {
			n++
		}
	}
	return n
}

func attach(tr domain.Transceiver, t pion.TrackLocal) error {
	if tr == nil {
		return ErrNoTransceiver
	}
	if tr.Track() == t {
		return nil
	}
	return tr.SetTrack(t)
}
