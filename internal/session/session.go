// Package session wires the call machine, the negotiation core and local
// media into one object that receives relay messages and exposes the call
// controls.
package session

import (
	"context"
	"errors"

	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"duocall/core/internal/call"
	"duocall/core/internal/config"
	"duocall/core/internal/domain"
	"duocall/core/internal/events"
	"duocall/core/internal/loop"
	"duocall/core/internal/media"
	"duocall/core/internal/negotiation"
	"duocall/core/internal/peer"
)

// ErrStopped is returned once the event loop has shut down.
var ErrStopped = errors.New("session: loop stopped")

// Options are the collaborators of a Session.
type Options struct {
	Self        string
	DisplayName string
	Notifier    domain.CallNotifier
	Factory     domain.ConnectionFactory
	Capturer    media.Capturer
	Timings     config.Timings
}

// Session coordinates one participant. It implements domain.Handler.
// Public methods must not be called from the loop.
type Session struct {
	self     string
	loop     *loop.Loop
	bus      *events.Bus
	registry *peer.Registry
	orch     *negotiation.Orchestrator
	machine  *call.Machine
	media    *media.Manager
	signal   domain.Signaler
	log      *zap.Logger
}

// New builds the core. Call SetSignaler before the relay delivers anything.
func New(opts Options, l *loop.Loop, bus *events.Bus, log *zap.Logger) *Session {
	s := &Session{
		self: opts.Self,
		loop: l,
		bus:  bus,
		log:  log.Named("session"),
	}
	out := &roomSignaler{s: s}

	s.registry = peer.NewRegistry(opts.Self, opts.Factory, l, bus, opts.Timings, log)
	s.media = media.NewManager(opts.Capturer, l, s.registry, bus, opts.Timings, log)
	s.orch = negotiation.New(s.registry, l, out, s.media, opts.Timings, log)
	s.machine = call.NewMachine(opts.Self, opts.DisplayName, l, out, opts.Notifier, bus, opts.Timings, log)

	hooks := s.orch.Hooks()
	hooks.StateChanged = s.onPeerState
	s.registry.SetHooks(hooks)
	s.orch.SetOnFailed(func(peerID string, err error) {
		s.machine.PeerLost(peerID, domain.ReasonFailed)
	})
	s.media.SetRenegotiator(s.orch.ForceOffer)
	s.machine.OnConnecting(s.onConnecting)
	s.machine.OnEnded(s.onEnded)
	return s
}

// SetSignaler injects the relay client after construction, since the
// client itself needs the Session as its handler.
func (s *Session) SetSignaler(sig domain.Signaler) {
	s.signal = sig
}

// OnCallMessage implements domain.Handler.
func (s *Session) OnCallMessage(msg domain.CallMessage) {
	s.loop.Post(func() { s.machine.HandleMessage(msg) })
}

// OnSignalMessage implements domain.Handler.
func (s *Session) OnSignalMessage(msg domain.SignalMessage) {
	s.loop.Post(func() {
		if !s.admit(msg) {
			return
		}
		s.orch.HandleRemoteSignal(msg)
	})
}

// admit passes only signals from the other party of the live call. A signal
// that names a room must name the live call's room.
func (s *Session) admit(msg domain.SignalMessage) bool {
	if msg.TargetUserID != "" && msg.TargetUserID != s.self {
		s.log.Debug("signal for someone else", zap.String("target", msg.TargetUserID))
		return false
	}
	sess, ok := s.machine.Session()
	if !ok || !sess.Phase.Live() {
		s.log.Debug("dropping signal outside a call",
			zap.String("type", msg.SignalType),
			zap.String("from", msg.FromUserID))
		return false
	}
	if msg.FromUserID != sess.OtherPartyID {
		s.log.Info("dropping signal from someone outside the call",
			zap.String("type", msg.SignalType),
			zap.String("from", msg.FromUserID),
			zap.String("peer", sess.OtherPartyID))
		return false
	}
	if msg.RoomID != "" && msg.RoomID != sess.RoomID {
		s.log.Info("dropping signal for another room",
			zap.String("type", msg.SignalType),
			zap.String("room", msg.RoomID),
			zap.String("current", sess.RoomID))
		return false
	}
	return true
}

func (s *Session) onConnecting(sess domain.CallSession) {
	if err := s.orch.Connect(sess.OtherPartyID); err != nil {
		s.log.Warn("connect", zap.String("peer", sess.OtherPartyID), zap.Error(err))
		s.machine.PeerLost(sess.OtherPartyID, domain.ReasonFailed)
	}
}

func (s *Session) onEnded(sess domain.CallSession) {
	s.registry.Release(sess.OtherPartyID)
	go s.releaseMediaIfIdle()
}

// releaseMediaIfIdle stops local capture unless a call is live. It must not
// run on the loop.
func (s *Session) releaseMediaIfIdle() {
	s.media.CloseIf(func() bool { return !s.machine.Live() })
}

func (s *Session) onPeerState(peerID string, state pion.PeerConnectionState) {
	sess, ok := s.machine.Session()
	if !ok || sess.OtherPartyID != peerID {
		return
	}
	switch state {
	case pion.PeerConnectionStateConnected:
		s.machine.MarkActive()
	case pion.PeerConnectionStateClosed:
		s.machine.PeerLost(peerID, domain.ReasonFailed)
	}
}

// StartCall dials peerID and opens the microphone.
func (s *Session) StartCall(ctx context.Context, peerID, peerName string) (domain.CallSession, error) {
	var (
		sess domain.CallSession
		err  error
	)
	if !s.loop.Do(func() { sess, err = s.machine.StartOutgoingCall(peerID, peerName) }) {
		return domain.CallSession{}, ErrStopped
	}
	if err != nil {
		return domain.CallSession{}, err
	}
	s.openMicrophone(ctx)
	return sess, nil
}

// Accept answers the ringing call. The microphone is opened before the
// accept goes out so the first description already carries it.
func (s *Session) Accept(ctx context.Context) error {
	var err error
	if !s.loop.Do(func() { err = s.machine.Ringing() }) {
		return ErrStopped
	}
	if err != nil {
		return err
	}
	s.openMicrophone(ctx)
	if !s.loop.Do(func() { err = s.machine.Accept() }) {
		return ErrStopped
	}
	if err != nil {
		// The call went away while the microphone was opening.
		s.releaseMediaIfIdle()
	}
	return err
}

// Decline rejects the ringing call.
func (s *Session) Decline() error {
	var err error
	if !s.loop.Do(func() { err = s.machine.Decline() }) {
		return ErrStopped
	}
	return err
}

// Hangup leaves the current call.
func (s *Session) Hangup() error {
	var err error
	if !s.loop.Do(func() { err = s.machine.Hangup() }) {
		return ErrStopped
	}
	return err
}

// Call returns the current call slot.
func (s *Session) Call() domain.CallSession {
	sess := domain.CallSession{Phase: domain.PhaseIdle}
	s.loop.Do(func() { sess, _ = s.machine.Session() })
	return sess
}

// Media exposes the camera, screen and microphone controls.
func (s *Session) Media() *media.Manager {
	return s.media
}

// Subscribe registers an observer on the event bus.
func (s *Session) Subscribe(fn func(events.Event)) func() {
	return s.bus.Subscribe(fn)
}

// Close hangs up, tears down every link and releases local media.
func (s *Session) Close() {
	s.loop.Do(func() {
		if s.machine.Live() {
			if err := s.machine.Hangup(); err != nil {
				s.log.Warn("hangup on close", zap.Error(err))
			}
		}
		s.registry.ReleaseAll()
	})
	s.media.Close()
}

func (s *Session) openMicrophone(ctx context.Context) {
	if _, err := s.media.StartMicrophone(ctx); err != nil {
		s.log.Warn("microphone unavailable, continuing without audio", zap.Error(err))
	}
}

// roomSignaler stamps outgoing negotiation messages with the live room. It
// runs on the loop.
type roomSignaler struct {
	s *Session
}

func (r *roomSignaler) SendCall(msg domain.CallMessage) error {
	if r.s.signal == nil {
		return errors.New("session: no signaler")
	}
	return r.s.signal.SendCall(msg)
}

func (r *roomSignaler) SendSignal(msg domain.SignalMessage) error {
	if r.s.signal == nil {
		return errors.New("session: no signaler")
	}
	if sess, ok := r.s.machine.Session(); ok && sess.Phase.Live() && msg.RoomID == "" && msg.TargetUserID == sess.OtherPartyID {
		msg.RoomID = sess.RoomID
	}
	return r.s.signal.SendSignal(msg)
}
