// Package call tracks the single call slot: invites, answers, timeouts and
// hangups. It knows nothing about peer connections.
package call

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"duocall/core/internal/config"
	"duocall/core/internal/domain"
	"duocall/core/internal/events"
	"duocall/core/internal/loop"
)

// Timer purposes. All call timers share one scope.
const (
	PurposeDial     loop.Purpose = "dial-timeout"
	PurposeRing     loop.Purpose = "ring-timeout"
	PurposeEndGrace loop.Purpose = "end-grace"

	timerScope = "call"
)

var (
	// ErrCallInProgress is returned when the call slot is taken.
	ErrCallInProgress = errors.New("call: another call is in progress")
	// ErrNoSession is returned when there is no call to act on.
	ErrNoSession = errors.New("call: no call in progress")
	// ErrWrongPhase is returned when the call is not in a phase that allows
	// the operation.
	ErrWrongPhase = errors.New("call: not allowed in current phase")
	// ErrInvalidPeer is returned for an empty id or our own id.
	ErrInvalidPeer = errors.New("call: invalid peer")
)

// Machine is the call-level state machine. Every method must run on the
// loop.
type Machine struct {
	self        string
	displayName string
	loop        *loop.Loop
	signaler    domain.Signaler
	notifier    domain.CallNotifier
	bus         *events.Bus
	timings     config.Timings
	log         *zap.Logger

	session   *domain.CallSession
	newRoomID func() string

	onConnecting func(s domain.CallSession)
	onEnded      func(s domain.CallSession)
}

// NewMachine creates an idle machine. notifier may be nil.
func NewMachine(self, displayName string, l *loop.Loop, signaler domain.Signaler, notifier domain.CallNotifier, bus *events.Bus, timings config.Timings, log *zap.Logger) *Machine {
	return &Machine{
		self:        self,
		displayName: displayName,
		loop:        l,
		signaler:    signaler,
		notifier:    notifier,
		bus:         bus,
		timings:     timings,
		log:         log.Named("call"),
		newRoomID:   uuid.NewString,
	}
}

// OnConnecting is called when both sides agreed to talk.
func (m *Machine) OnConnecting(fn func(s domain.CallSession)) {
	m.onConnecting = fn
}

// OnEnded is called once when the call reaches ended.
func (m *Machine) OnEnded(fn func(s domain.CallSession)) {
	m.onEnded = fn
}

// Session returns a copy of the current session.
func (m *Machine) Session() (domain.CallSession, bool) {
	if m.session == nil {
		return domain.CallSession{Phase: domain.PhaseIdle}, false
	}
	return *m.session, true
}

// Live reports whether the call slot is occupied.
func (m *Machine) Live() bool {
	return m.session != nil && m.session.Phase.Live()
}

// StartOutgoingCall invites peerID into a fresh room.
func (m *Machine) StartOutgoingCall(peerID, peerName string) (domain.CallSession, error) {
	if peerID == "" || peerID == m.self {
		return domain.CallSession{}, fmt.Errorf("call %q: %w", peerID, ErrInvalidPeer)
	}
	if m.Live() {
		return domain.CallSession{}, ErrCallInProgress
	}

	m.reset()
	m.session = &domain.CallSession{
		RoomID:           m.newRoomID(),
		OtherPartyID:     peerID,
		OtherDisplayName: peerName,
		Direction:        domain.DirectionOutgoing,
		Phase:            domain.PhaseDialing,
	}
	m.log.Info("dialing", zap.String("peer", peerID), zap.String("room", m.session.RoomID))

	m.send(domain.CallMessage{
		Type:         domain.CallInvite,
		RoomID:       m.session.RoomID,
		FromUserID:   m.self,
		ToUserID:     peerID,
		FromUsername: m.displayName,
		ToUsername:   peerName,
	})
	m.loop.After(m.key(PurposeDial), m.timings.DialTimeout, m.dialTimedOut)
	m.notify(m.session.RoomID, peerID, domain.CallNotifier.NotifyCall)
	m.publish()
	return *m.session, nil
}

// Ringing reports, as an error, why there is no incoming call to accept.
func (m *Machine) Ringing() error {
	if m.session == nil || !m.session.Phase.Live() {
		return ErrNoSession
	}
	if m.session.Phase != domain.PhaseIncomingRinging {
		return fmt.Errorf("accept in %s: %w", m.session.Phase, ErrWrongPhase)
	}
	return nil
}

// Accept answers the ringing incoming call.
func (m *Machine) Accept() error {
	if err := m.Ringing(); err != nil {
		return err
	}

	m.send(m.reply(domain.CallAccept, ""))
	m.notify(m.session.RoomID, m.session.OtherPartyID, domain.CallNotifier.AcceptCall)
	m.connecting()
	return nil
}

// Decline rejects the ringing incoming call.
func (m *Machine) Decline() error {
	if m.session == nil || !m.session.Phase.Live() {
		return ErrNoSession
	}
	if m.session.Phase != domain.PhaseIncomingRinging {
		return fmt.Errorf("decline in %s: %w", m.session.Phase, ErrWrongPhase)
	}

	m.send(m.reply(domain.CallDecline, ""))
	m.notify(m.session.RoomID, m.session.OtherPartyID, domain.CallNotifier.DeclineCall)
	m.end(domain.ReasonDeclined)
	return nil
}

// Hangup leaves the call in whatever phase it is: cancel while dialing,
// decline while ringing, call_end once connected.
func (m *Machine) Hangup() error {
	if m.session == nil || !m.session.Phase.Live() {
		return ErrNoSession
	}

	switch m.session.Phase {
	case domain.PhaseDialing, domain.PhaseOutgoingRinging:
		m.send(m.reply(domain.CallCancel, ""))
		m.notify(m.session.RoomID, m.session.OtherPartyID, domain.CallNotifier.CancelCall)
		m.end(domain.ReasonCancelled)
	case domain.PhaseIncomingRinging:
		return m.Decline()
	default:
		m.send(m.reply(domain.CallEnd, domain.ReasonHangup))
		m.end(domain.ReasonHangup)
	}
	return nil
}

// MarkActive moves a connecting call to active once media flows.
func (m *Machine) MarkActive() {
	if m.session == nil || m.session.Phase != domain.PhaseConnecting {
		return
	}
	m.session.Phase = domain.PhaseActive
	m.log.Info("call active", zap.String("room", m.session.RoomID))
	m.publish()
}

// PeerLost ends the call when the other party's connection is gone for
// good. The peer is told on a best-effort basis.
func (m *Machine) PeerLost(peerID, reason string) {
	if !m.Live() || m.session.OtherPartyID != peerID {
		return
	}
	switch m.session.Phase {
	case domain.PhaseConnecting, domain.PhaseActive:
	default:
		return
	}
	m.send(m.reply(domain.CallEnd, reason))
	m.end(reason)
}

// HandleMessage applies an inbound call-control envelope.
func (m *Machine) HandleMessage(msg domain.CallMessage) {
	switch msg.Type {
	case domain.CallInvite:
		m.handleInvite(msg)
	case domain.CallAccept:
		m.handleAccept(msg)
	case domain.CallDecline:
		m.handleDecline(msg)
	case domain.CallCancel:
		m.handleCancel(msg)
	case domain.CallEnd:
		m.handleEnd(msg)
	default:
		m.log.Warn("unknown call message", zap.String("type", msg.Type))
	}
}

func (m *Machine) handleInvite(msg domain.CallMessage) {
	if msg.FromUserID == m.self {
		// The relay echoes our own invite once it reached the callee.
		if m.matches(msg) && m.session.Phase == domain.PhaseDialing {
			m.session.Phase = domain.PhaseOutgoingRinging
			m.publish()
		}
		return
	}
	if msg.ToUserID != "" && msg.ToUserID != m.self {
		m.log.Debug("invite for someone else", zap.String("to", msg.ToUserID))
		return
	}
	if msg.RoomID == "" || msg.FromUserID == "" {
		m.log.Warn("invite without room or caller")
		return
	}

	if m.Live() {
		if m.session.RoomID == msg.RoomID {
			m.log.Debug("duplicate invite", zap.String("room", msg.RoomID))
			return
		}
		m.log.Info("busy, declining invite", zap.String("from", msg.FromUserID), zap.String("room", msg.RoomID))
		m.send(domain.CallMessage{
			Type:       domain.CallDecline,
			RoomID:     msg.RoomID,
			FromUserID: m.self,
			ToUserID:   msg.FromUserID,
			Reason:     domain.ReasonBusy,
		})
		return
	}

	m.reset()
	m.session = &domain.CallSession{
		RoomID:           msg.RoomID,
		OtherPartyID:     msg.FromUserID,
		OtherDisplayName: msg.FromUsername,
		Direction:        domain.DirectionIncoming,
		Phase:            domain.PhaseIncomingRinging,
	}
	m.log.Info("incoming call", zap.String("from", msg.FromUserID), zap.String("room", msg.RoomID))
	m.loop.After(m.key(PurposeRing), m.timings.RingTimeout, m.ringTimedOut)
	m.publish()
}

func (m *Machine) handleAccept(msg domain.CallMessage) {
	if !m.matches(msg) {
		m.drop(msg)
		return
	}
	switch m.session.Phase {
	case domain.PhaseDialing, domain.PhaseOutgoingRinging:
		if msg.FromUserID != "" && msg.FromUserID != m.session.OtherPartyID {
			m.drop(msg)
			return
		}
		m.connecting()
	default:
		m.log.Debug("accept ignored", zap.String("phase", string(m.session.Phase)))
	}
}

func (m *Machine) handleDecline(msg domain.CallMessage) {
	if !m.matches(msg) {
		m.drop(msg)
		return
	}
	switch m.session.Phase {
	case domain.PhaseDialing, domain.PhaseOutgoingRinging, domain.PhaseIncomingRinging, domain.PhaseConnecting:
		reason := domain.ReasonDeclined
		if msg.Reason == domain.ReasonBusy {
			reason = domain.ReasonBusy
		}
		m.end(reason)
	default:
		m.log.Debug("decline ignored", zap.String("phase", string(m.session.Phase)))
	}
}

func (m *Machine) handleCancel(msg domain.CallMessage) {
	if !m.matches(msg) {
		m.drop(msg)
		return
	}
	if m.session.Phase.Live() {
		m.end(domain.ReasonCancelled)
	}
}

func (m *Machine) handleEnd(msg domain.CallMessage) {
	if !m.matches(msg) {
		m.drop(msg)
		return
	}
	if !m.session.Phase.Live() {
		return
	}
	reason := msg.Reason
	if reason == "" {
		reason = domain.ReasonRemoteEnd
	}
	m.end(reason)
}

func (m *Machine) dialTimedOut() {
	if m.session == nil {
		return
	}
	switch m.session.Phase {
	case domain.PhaseDialing, domain.PhaseOutgoingRinging:
	default:
		return
	}
	m.log.Info("no answer", zap.String("room", m.session.RoomID))
	m.send(m.reply(domain.CallCancel, domain.ReasonTimeout))
	m.notify(m.session.RoomID, m.session.OtherPartyID, domain.CallNotifier.CancelCall)
	m.end(domain.ReasonTimeout)
}

func (m *Machine) ringTimedOut() {
	if m.session == nil || m.session.Phase != domain.PhaseIncomingRinging {
		return
	}
	m.log.Info("incoming call expired", zap.String("room", m.session.RoomID))
	m.end(domain.ReasonTimeout)
}

func (m *Machine) connecting() {
	m.cancelTimers()
	m.session.Phase = domain.PhaseConnecting
	m.log.Info("connecting", zap.String("peer", m.session.OtherPartyID), zap.String("room", m.session.RoomID))
	m.publish()
	if m.onConnecting != nil {
		m.onConnecting(*m.session)
	}
}

// end moves to ended and schedules the return to idle after the display
// grace.
func (m *Machine) end(reason string) {
	m.cancelTimers()
	m.session.Phase = domain.PhaseEnded
	m.session.Reason = reason
	m.log.Info("call ended", zap.String("room", m.session.RoomID), zap.String("reason", reason))
	m.publish()
	if m.onEnded != nil {
		m.onEnded(*m.session)
	}

	ended := m.session
	m.loop.After(m.key(PurposeEndGrace), m.timings.EndGrace, func() {
		if m.session != ended {
			return
		}
		m.session = nil
		m.bus.Publish(events.CallStateChanged{Session: domain.CallSession{
			RoomID:       ended.RoomID,
			OtherPartyID: ended.OtherPartyID,
			Direction:    ended.Direction,
			Phase:        domain.PhaseIdle,
			Reason:       ended.Reason,
		}})
	})
}

// reset drops an ended session still in its grace window.
func (m *Machine) reset() {
	m.loop.CancelScope(timerScope)
	m.session = nil
}

func (m *Machine) cancelTimers() {
	m.loop.Cancel(m.key(PurposeDial))
	m.loop.Cancel(m.key(PurposeRing))
}

func (m *Machine) matches(msg domain.CallMessage) bool {
	return m.session != nil && msg.RoomID != "" && msg.RoomID == m.session.RoomID
}

func (m *Machine) drop(msg domain.CallMessage) {
	room := ""
	if m.session != nil {
		room = m.session.RoomID
	}
	m.log.Info("dropping call message for another room",
		zap.String("type", msg.Type),
		zap.String("room", msg.RoomID),
		zap.String("current", room))
}

func (m *Machine) reply(msgType, reason string) domain.CallMessage {
	return domain.CallMessage{
		Type:       msgType,
		RoomID:     m.session.RoomID,
		FromUserID: m.self,
		ToUserID:   m.session.OtherPartyID,
		Reason:     reason,
	}
}

func (m *Machine) key(p loop.Purpose) loop.Key {
	return loop.Key{Scope: timerScope, Purpose: p}
}

func (m *Machine) send(msg domain.CallMessage) {
	if err := m.signaler.SendCall(msg); err != nil {
		m.log.Warn("send call message", zap.String("type", msg.Type), zap.Error(err))
	}
}

// notify tells the REST collaborator off the loop. Failures are logged.
func (m *Machine) notify(roomID, peerID string, fn func(domain.CallNotifier, string, string) error) {
	if m.notifier == nil {
		return
	}
	n, log := m.notifier, m.log
	go func() {
		if err := fn(n, peerID, roomID); err != nil {
			log.Warn("call notification", zap.String("peer", peerID), zap.Error(err))
		}
	}()
}

func (m *Machine) publish() {
	m.bus.Publish(events.CallStateChanged{Session: *m.session})
}
