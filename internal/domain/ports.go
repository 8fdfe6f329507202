package domain

import pion "github.com/pion/webrtc/v4"

// Signaler sends envelopes over the relay. Sends are best-effort.
type Signaler interface {
	SendCall(msg CallMessage) error
	SendSignal(msg SignalMessage) error
}

// Handler receives envelopes read from the relay.
type Handler interface {
	OnCallMessage(msg CallMessage)
	OnSignalMessage(msg SignalMessage)
}

// CallNotifier is the REST collaborator told about call lifecycle events
// (push notifications to the callee's other devices).
type CallNotifier interface {
	NotifyCall(peerID, roomID string) error
	AcceptCall(peerID, roomID string) error
	DeclineCall(peerID, roomID string) error
	CancelCall(peerID, roomID string) error
}

// ConnectionEvents are the callbacks a Connection fires. They may be invoked
// from any goroutine.
type ConnectionEvents struct {
	OnICECandidate          func(c pion.ICECandidateInit)
	OnConnectionStateChange func(s pion.PeerConnectionState)
	OnTrack                 func(t RemoteTrack)
	OnNegotiationNeeded     func()
}

// Connection is the part of a peer connection the negotiation core drives.
type Connection interface {
	SignalingState() pion.SignalingState
	ConnectionState() pion.PeerConnectionState
	CreateOffer(iceRestart bool) (pion.SessionDescription, error)
	CreateAnswer() (pion.SessionDescription, error)
	SetLocalDescription(desc pion.SessionDescription) error
	SetRemoteDescription(desc pion.SessionDescription) error
	LocalDescription() *pion.SessionDescription
	AddICECandidate(c pion.ICECandidateInit) error
	AddTransceiver(kind pion.RTPCodecType, dir pion.RTPTransceiverDirection) (Transceiver, error)
	Close() error
}

// Transceiver is one media line of a Connection.
type Transceiver interface {
	Kind() pion.RTPCodecType
	Direction() pion.RTPTransceiverDirection
	// Track returns the attached local track, nil when detached.
	Track() pion.TrackLocal
	// SetTrack attaches t, promoting a recvonly line to sendrecv. A nil t
	// detaches the sender without removing the line.
	SetTrack(t pion.TrackLocal) error
}

// ConnectionFactory builds connections for remote peers.
type ConnectionFactory interface {
	NewConnection(peerID string, ev ConnectionEvents) (Connection, error)
}
