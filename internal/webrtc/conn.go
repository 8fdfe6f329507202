package webrtc

import (
	"errors"
	"fmt"
	"strings"

	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"duocall/core/internal/domain"
)

// Conn adapts a pion PeerConnection to domain.Connection.
type Conn struct {
	pc  *pion.PeerConnection
	log *zap.Logger
}

func newConn(pc *pion.PeerConnection, peerID string, ev domain.ConnectionEvents, log *zap.Logger) *Conn {
	c := &Conn{pc: pc, log: log}

	pc.OnICECandidate(func(cand *pion.ICECandidate) {
		if cand == nil {
			log.Debug("ICE gathering complete")
			return
		}
		init := cand.ToJSON()
		if isLoopback(init.Candidate) {
			log.Debug("filtering loopback ICE candidate")
			return
		}
		if ev.OnICECandidate != nil {
			ev.OnICECandidate(init)
		}
	})
	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		log.Debug("ICE connection state", zap.String("state", state.String()))
	})
	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		log.Info("peer connection state", zap.String("state", state.String()))
		if ev.OnConnectionStateChange != nil {
			ev.OnConnectionStateChange(state)
		}
	})
	pc.OnNegotiationNeeded(func() {
		if ev.OnNegotiationNeeded != nil {
			ev.OnNegotiationNeeded()
		}
	})
	pc.OnTrack(func(track *pion.TrackRemote, receiver *pion.RTPReceiver) {
		codec := track.Codec()
		log.Info("got track",
			zap.String("kind", track.Kind().String()),
			zap.String("codec", codec.MimeType),
			zap.Uint8("pt", uint8(codec.PayloadType)))
		if ev.OnTrack != nil {
			ev.OnTrack(domain.RemoteTrack{
				ID:       track.ID(),
				StreamID: track.StreamID(),
				Kind:     track.Kind(),
				Track:    track,
			})
		}
	})

	return c
}

func (c *Conn) SignalingState() pion.SignalingState {
	return c.pc.SignalingState()
}

func (c *Conn) ConnectionState() pion.PeerConnectionState {
	return c.pc.ConnectionState()
}

// CreateOffer creates an SDP offer, optionally restarting ICE.
func (c *Conn) CreateOffer(iceRestart bool) (pion.SessionDescription, error) {
	var opts *pion.OfferOptions
	if iceRestart {
		opts = &pion.OfferOptions{ICERestart: true}
	}
	offer, err := c.pc.CreateOffer(opts)
	if err != nil {
		return pion.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	return offer, nil
}

func (c *Conn) CreateAnswer() (pion.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return pion.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	return answer, nil
}

func (c *Conn) SetLocalDescription(desc pion.SessionDescription) error {
	if err := c.pc.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("set local description (%s): %w", desc.Type, err)
	}
	return nil
}

func (c *Conn) SetRemoteDescription(desc pion.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description (%s): %w", desc.Type, err)
	}
	return nil
}

func (c *Conn) LocalDescription() *pion.SessionDescription {
	return c.pc.LocalDescription()
}

func (c *Conn) AddICECandidate(cand pion.ICECandidateInit) error {
	if err := c.pc.AddICECandidate(cand); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// AddTransceiver adds a media line. pion places a placeholder track on
// sending lines; it is swapped out by SetTrack.
func (c *Conn) AddTransceiver(kind pion.RTPCodecType, dir pion.RTPTransceiverDirection) (domain.Transceiver, error) {
	t, err := c.pc.AddTransceiverFromKind(kind, pion.RTPTransceiverInit{Direction: dir})
	if err != nil {
		return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
	}
	tr := &transceiver{conn: c, t: t, kind: kind}
	if s := t.Sender(); s != nil {
		go drainRTCP(s)
	}
	return tr, nil
}

func (c *Conn) Close() error {
	return c.pc.Close()
}

// transceiver adapts a pion RTPTransceiver.
type transceiver struct {
	conn     *Conn
	t        *pion.RTPTransceiver
	kind     pion.RTPCodecType
	attached pion.TrackLocal
}

func (t *transceiver) Kind() pion.RTPCodecType { return t.kind }

func (t *transceiver) Direction() pion.RTPTransceiverDirection { return t.t.Direction() }

func (t *transceiver) Track() pion.TrackLocal { return t.attached }

// SetTrack replaces the sender's track. A recvonly line has no sender yet;
// pion's AddTrack reuses it and promotes it to sendrecv.
func (t *transceiver) SetTrack(track pion.TrackLocal) error {
	if s := t.t.Sender(); s != nil {
		if err := s.ReplaceTrack(track); err != nil {
			return fmt.Errorf("replace %s track: %w", t.kind, err)
		}
		t.attached = track
		return nil
	}
	if track == nil {
		t.attached = nil
		return nil
	}

	sender, err := t.conn.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add %s track: %w", t.kind, err)
	}
	if t.t.Sender() != sender {
		return errors.New("add track: pion allocated a new transceiver instead of reusing the recvonly line")
	}
	go drainRTCP(sender)
	t.attached = track
	return nil
}

// drainRTCP keeps interceptors fed; pion stalls senders whose RTCP is never read.
func drainRTCP(s *pion.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := s.Read(buf); err != nil {
			return
		}
	}
}

func isLoopback(candidate string) bool {
	return strings.Contains(candidate, "127.0.0.1") || strings.Contains(candidate, "::1 ")
}
