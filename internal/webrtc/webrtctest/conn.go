// Package webrtctest provides an in-memory domain.Connection that follows the
// WebRTC signaling state machine without a media engine or network.
package webrtctest

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	pion "github.com/pion/webrtc/v4"

	"duocall/core/internal/domain"
	rtc "duocall/core/internal/webrtc"
)

// ErrInvalidState is returned for description operations that the current
// signaling state does not allow.
var ErrInvalidState = errors.New("webrtctest: invalid signaling state")

// ErrNoRemoteDescription is returned by AddICECandidate before any remote
// description was applied.
var ErrNoRemoteDescription = errors.New("webrtctest: remote description not set")

// Factory hands out Conns and remembers them by peer id.
type Factory struct {
	mu      sync.Mutex
	conns   map[string]*Conn
	created int
	// Err, when set, fails every NewConnection call.
	Err error
}

// NewFactory creates an empty factory.
func NewFactory() *Factory {
	return &Factory{conns: make(map[string]*Conn)}
}

func (f *Factory) NewConnection(peerID string, ev domain.ConnectionEvents) (domain.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	c := NewConn(peerID, ev)
	f.conns[peerID] = c
	f.created++
	return c, nil
}

// Conn returns the most recent connection created for peerID.
func (f *Factory) Conn(peerID string) *Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[peerID]
}

// Created counts NewConnection successes.
func (f *Factory) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

// Conn is a fake peer connection. Events fire synchronously from the
// mutating call, outside the lock.
type Conn struct {
	peerID string
	ev     domain.ConnectionEvents

	mu           sync.Mutex
	signaling    pion.SignalingState
	state        pion.PeerConnectionState
	local        *pion.SessionDescription
	stableLocal  *pion.SessionDescription
	remote       *pion.SessionDescription
	transceivers []*Transceiver
	seenTracks   map[string]bool
	ops          []string
	applied      []pion.ICECandidateInit
	offers       int
	answers      int
	restarts     int
	closed       bool

	// CandidateErr, when set, fails every AddICECandidate call.
	CandidateErr error
}

// NewConn creates a fake connection in the stable/new state.
func NewConn(peerID string, ev domain.ConnectionEvents) *Conn {
	return &Conn{
		peerID:     peerID,
		ev:         ev,
		signaling:  pion.SignalingStateStable,
		state:      pion.PeerConnectionStateNew,
		seenTracks: make(map[string]bool),
	}
}

func (c *Conn) SignalingState() pion.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signaling
}

func (c *Conn) ConnectionState() pion.PeerConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) CreateOffer(iceRestart bool) (pion.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return pion.SessionDescription{}, errors.New("webrtctest: connection closed")
	}

	sections := make([]rtc.MediaSection, 0, len(c.transceivers))
	for _, t := range c.transceivers {
		sections = append(sections, rtc.MediaSection{Kind: t.kind.String(), Mid: t.mid, Direction: t.direction})
	}
	raw, err := rtc.BuildSDP(sections)
	if err != nil {
		return pion.SessionDescription{}, err
	}
	if iceRestart {
		c.restarts++
	}
	return pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: raw}, nil
}

func (c *Conn) CreateAnswer() (pion.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.signaling != pion.SignalingStateHaveRemoteOffer || c.remote == nil {
		return pion.SessionDescription{}, fmt.Errorf("create answer in %s: %w", c.signaling, ErrInvalidState)
	}

	remote, err := rtc.MediaSections(c.remote.SDP)
	if err != nil {
		return pion.SessionDescription{}, err
	}
	sections := make([]rtc.MediaSection, 0, len(remote))
	for _, r := range remote {
		t := c.byMid(r.Mid)
		local := pion.RTPTransceiverDirectionRecvonly
		if t != nil {
			local = t.direction
		}
		sections = append(sections, rtc.MediaSection{Kind: r.Kind, Mid: r.Mid, Direction: answerDirection(local, r.Direction)})
	}
	raw, err := rtc.BuildSDP(sections)
	if err != nil {
		return pion.SessionDescription{}, err
	}
	return pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: raw}, nil
}

func (c *Conn) SetLocalDescription(desc pion.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch desc.Type {
	case pion.SDPTypeOffer:
		if c.signaling != pion.SignalingStateStable && c.signaling != pion.SignalingStateHaveLocalOffer {
			return fmt.Errorf("set local offer in %s: %w", c.signaling, ErrInvalidState)
		}
		c.signaling = pion.SignalingStateHaveLocalOffer
		c.local = &desc
		c.offers++
	case pion.SDPTypeAnswer:
		if c.signaling != pion.SignalingStateHaveRemoteOffer {
			return fmt.Errorf("set local answer in %s: %w", c.signaling, ErrInvalidState)
		}
		c.signaling = pion.SignalingStateStable
		c.local = &desc
		c.stableLocal = &desc
		c.answers++
	case pion.SDPTypeRollback:
		if c.signaling != pion.SignalingStateHaveLocalOffer {
			return fmt.Errorf("rollback local in %s: %w", c.signaling, ErrInvalidState)
		}
		c.signaling = pion.SignalingStateStable
		c.local = c.stableLocal
	default:
		return fmt.Errorf("set local %s: %w", desc.Type, ErrInvalidState)
	}
	c.ops = append(c.ops, "local:"+desc.Type.String())
	return nil
}

func (c *Conn) SetRemoteDescription(desc pion.SessionDescription) error {
	c.mu.Lock()

	switch desc.Type {
	case pion.SDPTypeOffer:
		if c.signaling != pion.SignalingStateStable && c.signaling != pion.SignalingStateHaveRemoteOffer {
			c.mu.Unlock()
			return fmt.Errorf("set remote offer in %s: %w", c.signaling, ErrInvalidState)
		}
	case pion.SDPTypeAnswer:
		if c.signaling != pion.SignalingStateHaveLocalOffer {
			c.mu.Unlock()
			return fmt.Errorf("set remote answer in %s: %w", c.signaling, ErrInvalidState)
		}
	case pion.SDPTypeRollback:
		if c.signaling != pion.SignalingStateHaveRemoteOffer {
			c.mu.Unlock()
			return fmt.Errorf("rollback remote in %s: %w", c.signaling, ErrInvalidState)
		}
		c.signaling = pion.SignalingStateStable
		c.ops = append(c.ops, "remote:rollback")
		c.mu.Unlock()
		return nil
	default:
		c.mu.Unlock()
		return fmt.Errorf("set remote %s: %w", desc.Type, ErrInvalidState)
	}

	sections, err := rtc.MediaSections(desc.SDP)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	var tracks []domain.RemoteTrack
	for _, s := range sections {
		kind := pion.NewRTPCodecType(s.Kind)
		t := c.byMid(s.Mid)
		if t == nil {
			t = &Transceiver{conn: c, kind: kind, mid: s.Mid, direction: pion.RTPTransceiverDirectionRecvonly}
			c.transceivers = append(c.transceivers, t)
		} else if t.kind != kind {
			c.mu.Unlock()
			return fmt.Errorf("mid %s is %s locally and %s remotely: %w", s.Mid, t.kind, kind, ErrInvalidState)
		}
		if s.Sends() && !c.seenTracks[s.Mid] {
			c.seenTracks[s.Mid] = true
			tracks = append(tracks, domain.RemoteTrack{ID: c.peerID + "-" + s.Mid, StreamID: c.peerID, Kind: kind})
		}
	}

	if desc.Type == pion.SDPTypeOffer {
		c.signaling = pion.SignalingStateHaveRemoteOffer
	} else {
		c.signaling = pion.SignalingStateStable
		c.stableLocal = c.local
	}
	c.remote = &desc
	c.ops = append(c.ops, "remote:"+desc.Type.String())
	onTrack := c.ev.OnTrack
	c.mu.Unlock()

	if onTrack != nil {
		for _, t := range tracks {
			onTrack(t)
		}
	}
	return nil
}

func (c *Conn) LocalDescription() *pion.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

func (c *Conn) AddICECandidate(cand pion.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, "candidate:"+cand.Candidate)
	if c.remote == nil {
		return ErrNoRemoteDescription
	}
	if c.CandidateErr != nil {
		return c.CandidateErr
	}
	c.applied = append(c.applied, cand)
	return nil
}

func (c *Conn) AddTransceiver(kind pion.RTPCodecType, dir pion.RTPTransceiverDirection) (domain.Transceiver, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("webrtctest: connection closed")
	}
	t := &Transceiver{conn: c, kind: kind, mid: strconv.Itoa(len(c.transceivers)), direction: dir}
	c.transceivers = append(c.transceivers, t)
	return t, nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.signaling = pion.SignalingStateClosed
	c.state = pion.PeerConnectionStateClosed
	c.mu.Unlock()
	return nil
}

// SetConnectionState moves the transport state and fires the callback.
func (c *Conn) SetConnectionState(s pion.PeerConnectionState) {
	c.mu.Lock()
	c.state = s
	cb := c.ev.OnConnectionStateChange
	c.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

// EmitICECandidate fires the local candidate callback.
func (c *Conn) EmitICECandidate(cand pion.ICECandidateInit) {
	if c.ev.OnICECandidate != nil {
		c.ev.OnICECandidate(cand)
	}
}

// Ops returns the description and candidate operations in call order, for
// example "remote:offer", "candidate:...", "local:answer".
func (c *Conn) Ops() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ops...)
}

// Applied returns the successfully added remote candidates.
func (c *Conn) Applied() []pion.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]pion.ICECandidateInit(nil), c.applied...)
}

// Offers counts local offers applied.
func (c *Conn) Offers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offers
}

// Answers counts local answers applied.
func (c *Conn) Answers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answers
}

// Restarts counts offers created with ICE restart.
func (c *Conn) Restarts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restarts
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Transceivers returns the media lines in mid order.
func (c *Conn) Transceivers() []*Transceiver {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Transceiver(nil), c.transceivers...)
}

func (c *Conn) byMid(mid string) *Transceiver {
	for _, t := range c.transceivers {
		if t.mid == mid {
			return t
		}
	}
	return nil
}

// answerDirection intersects what we can do with what the offerer asked for.
func answerDirection(local, offered pion.RTPTransceiverDirection) pion.RTPTransceiverDirection {
	send := local == pion.RTPTransceiverDirectionSendrecv || local == pion.RTPTransceiverDirectionSendonly
	recv := local == pion.RTPTransceiverDirectionSendrecv || local == pion.RTPTransceiverDirectionRecvonly
	remoteSends := offered == pion.RTPTransceiverDirectionSendrecv || offered == pion.RTPTransceiverDirectionSendonly
	remoteRecvs := offered == pion.RTPTransceiverDirectionSendrecv || offered == pion.RTPTransceiverDirectionRecvonly

	send = send && remoteRecvs
	recv = recv && remoteSends
	switch {
	case send && recv:
		return pion.RTPTransceiverDirectionSendrecv
	case send:
		return pion.RTPTransceiverDirectionSendonly
	case recv:
		return pion.RTPTransceiverDirectionRecvonly
	default:
		return pion.RTPTransceiverDirectionInactive
	}
}

// Transceiver is a fake media line.
type Transceiver struct {
	conn      *Conn
	kind      pion.RTPCodecType
	mid       string
	direction pion.RTPTransceiverDirection
	track     pion.TrackLocal
}

func (t *Transceiver) Kind() pion.RTPCodecType { return t.kind }

func (t *Transceiver) Mid() string { return t.mid }

func (t *Transceiver) Direction() pion.RTPTransceiverDirection {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	return t.direction
}

func (t *Transceiver) Track() pion.TrackLocal {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	return t.track
}

// SetTrack attaches track and promotes recvonly/inactive lines, firing
// negotiation-needed when the direction changes.
func (t *Transceiver) SetTrack(track pion.TrackLocal) error {
	t.conn.mu.Lock()
	t.track = track
	changed := false
	if track != nil {
		switch t.direction {
		case pion.RTPTransceiverDirectionRecvonly:
			t.direction = pion.RTPTransceiverDirectionSendrecv
			changed = true
		case pion.RTPTransceiverDirectionInactive:
			t.direction = pion.RTPTransceiverDirectionSendonly
			changed = true
		}
	}
	cb := t.conn.ev.OnNegotiationNeeded
	t.conn.mu.Unlock()

	if changed && cb != nil {
		cb()
	}
	return nil
}
