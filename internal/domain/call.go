package domain

// Phase is the lifecycle phase of a CallSession.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseDialing         Phase = "dialing"
	PhaseOutgoingRinging Phase = "outgoing_ringing"
	PhaseIncomingRinging Phase = "incoming_ringing"
	PhaseConnecting      Phase = "connecting"
	PhaseActive          Phase = "active"
	PhaseEnded           Phase = "ended"
)

// Live reports whether the phase occupies the call slot.
func (p Phase) Live() bool {
	return p != PhaseIdle && p != PhaseEnded && p != ""
}

// Direction tells who placed the call.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// Reasons carried by an ended session or a call_end message.
const (
	ReasonHangup     = "hangup"
	ReasonLeave      = "leave"
	ReasonDisconnect = "disconnect"
	ReasonTimeout    = "timeout"
	ReasonFailed     = "failed"
	ReasonRemoteEnd  = "remote-end"
	ReasonDeclined   = "declined"
	ReasonCancelled  = "cancelled"
	ReasonBusy       = "busy"
)

// CallSession is the state of the single call slot.
type CallSession struct {
	RoomID           string    `json:"roomId"`
	OtherPartyID     string    `json:"otherPartyId"`
	OtherDisplayName string    `json:"otherDisplayName,omitempty"`
	Direction        Direction `json:"direction"`
	Phase            Phase     `json:"phase"`
	Reason           string    `json:"reason,omitempty"`
}
