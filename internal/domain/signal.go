package domain

import pion "github.com/pion/webrtc/v4"

// Call-control message types.
const (
	CallInvite  = "call_invite"
	CallAccept  = "call_accept"
	CallDecline = "call_decline"
	CallCancel  = "call_cancel"
	CallEnd     = "call_end"
)

// MessageTypeSignal is the envelope type of negotiation messages.
const MessageTypeSignal = "signal"

// Negotiation signal types.
const (
	SignalOffer        = "offer"
	SignalAnswer       = "answer"
	SignalICECandidate = "ice-candidate"
)

// CallMessage is a call-control envelope exchanged through the relay.
type CallMessage struct {
	Type         string `json:"type"`
	RoomID       string `json:"roomId"`
	FromUserID   string `json:"fromUserId,omitempty"`
	ToUserID     string `json:"toUserId,omitempty"`
	FromUsername string `json:"fromUsername,omitempty"`
	ToUsername   string `json:"toUsername,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// SignalMessage carries an offer, answer or ICE candidate for one peer.
type SignalMessage struct {
	Type         string                 `json:"type"`
	SignalType   string                 `json:"signalType"`
	FromUserID   string                 `json:"fromUserId"`
	TargetUserID string                 `json:"targetUserId,omitempty"`
	RoomID       string                 `json:"roomId,omitempty"`
	SDP          string                 `json:"sdp,omitempty"`
	Candidate    *pion.ICECandidateInit `json:"candidate,omitempty"`
}
