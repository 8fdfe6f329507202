// Package negotiation runs perfect negotiation over the peer registry:
// offers, answers, glare, candidate buffering and ICE restarts.
package negotiation

import (
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"duocall/core/internal/config"
	"duocall/core/internal/domain"
	"duocall/core/internal/loop"
	"duocall/core/internal/peer"
)

const (
	// PurposeGlareRetry keys the replay of an offer ignored during glare.
	PurposeGlareRetry loop.Purpose = "glare-retry"
	// PurposeOfferTimeout keys the rollback of an unanswered local offer.
	PurposeOfferTimeout loop.Purpose = "offer-timeout"
)

const glareRetryAttempts = 3

// ErrNoLink is returned for operations on a peer without a link.
var ErrNoLink = errors.New("negotiation: no link for peer")

// TrackSource puts the current local tracks on a link's lines.
type TrackSource interface {
	AttachLocal(link *peer.Link) error
}

type glareRetry struct {
	sdp     string
	version uint64
	bo      backoff.BackOff
}

// Orchestrator drives offer/answer for every link. All methods run on the
// loop.
type Orchestrator struct {
	registry *peer.Registry
	loop     *loop.Loop
	signaler domain.Signaler
	tracks   TrackSource
	timings  config.Timings
	log      *zap.Logger

	retries  map[string]*glareRetry
	onFailed func(peerID string, err error)
}

// New creates an orchestrator. tracks may be nil when nothing is captured.
func New(registry *peer.Registry, l *loop.Loop, signaler domain.Signaler, tracks TrackSource, timings config.Timings, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		registry: registry,
		loop:     l,
		signaler: signaler,
		tracks:   tracks,
		timings:  timings,
		log:      log.Named("negotiation"),
		retries:  make(map[string]*glareRetry),
	}
}

// SetOnFailed installs the escalation called when an ICE restart cannot be
// started.
func (o *Orchestrator) SetOnFailed(fn func(peerID string, err error)) {
	o.onFailed = fn
}

// Hooks returns the registry callbacks served by the orchestrator.
func (o *Orchestrator) Hooks() peer.Hooks {
	return peer.Hooks{
		RestartICE: func(peerID string) { o.RestartICE(peerID) },
		ForceOffer: func(peerID string) {
			if err := o.ForceOffer(peerID); err != nil {
				o.log.Warn("forced offer", zap.String("peer", peerID), zap.Error(err))
			}
		},
		LocalCandidate: o.sendCandidate,
		NegotiationNeeded: func(peerID string) {
			if err := o.StartOffer(peerID); err != nil {
				o.log.Warn("negotiation needed", zap.String("peer", peerID), zap.Error(err))
			}
		},
	}
}

// Connect prepares the link for peerID. The impolite side sends the first
// offer; the polite side waits for it.
func (o *Orchestrator) Connect(peerID string) error {
	link, err := o.registry.Ensure(peerID)
	if err != nil {
		return err
	}
	if o.tracks != nil {
		if err := o.tracks.AttachLocal(link); err != nil {
			o.log.Warn("attach local tracks", zap.String("peer", peerID), zap.Error(err))
		}
	}
	if !link.Impolite() {
		o.log.Debug("polite side, waiting for offer", zap.String("peer", peerID))
		return nil
	}
	return o.offer(link, false)
}

// HandleRemoteSignal applies an inbound offer, answer or candidate.
func (o *Orchestrator) HandleRemoteSignal(msg domain.SignalMessage) {
	if msg.FromUserID == "" || msg.FromUserID == o.registry.Self() {
		o.log.Debug("dropping signal without usable sender", zap.String("from", msg.FromUserID))
		return
	}

	switch msg.SignalType {
	case domain.SignalOffer:
		o.handleOffer(msg.FromUserID, msg.SDP)
	case domain.SignalAnswer:
		o.handleAnswer(msg.FromUserID, msg.SDP)
	case domain.SignalICECandidate:
		o.handleCandidate(msg.FromUserID, msg.Candidate)
	default:
		o.log.Warn("unknown signal type", zap.String("type", msg.SignalType))
	}
}

func (o *Orchestrator) handleOffer(peerID, sdp string) {
	link, err := o.registry.Ensure(peerID)
	if err != nil {
		o.log.Warn("offer for unusable peer", zap.String("peer", peerID), zap.Error(err))
		return
	}

	collision := link.OfferInFlight || !link.Stable()
	if collision && link.Impolite() {
		o.log.Info("glare, ignoring remote offer",
			zap.String("peer", peerID),
			zap.String("signaling", link.Conn.SignalingState().String()))
		link.IgnoreNextOffer = true
		o.scheduleGlareRetry(link, sdp)
		return
	}
	link.IgnoreNextOffer = false

	if collision && link.Conn.SignalingState() == pion.SignalingStateHaveLocalOffer {
		o.log.Info("glare, rolling back local offer", zap.String("peer", peerID))
		if err := link.Conn.SetLocalDescription(pion.SessionDescription{Type: pion.SDPTypeRollback}); err != nil {
			o.log.Warn("rollback", zap.String("peer", peerID), zap.Error(err))
			return
		}
	}

	o.applyOffer(link, sdp)
}

func (o *Orchestrator) applyOffer(link *peer.Link, sdp string) {
	peerID := link.PeerID
	if err := link.Conn.SetRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: sdp}); err != nil {
		o.log.Warn("apply remote offer", zap.String("peer", peerID), zap.Error(err))
		return
	}
	o.remoteApplied(link)

	if o.tracks != nil {
		if err := o.tracks.AttachLocal(link); err != nil {
			o.log.Warn("attach local tracks", zap.String("peer", peerID), zap.Error(err))
		}
	}

	answer, err := link.Conn.CreateAnswer()
	if err != nil {
		o.log.Warn("create answer", zap.String("peer", peerID), zap.Error(err))
		return
	}
	if s := link.Conn.SignalingState(); s != pion.SignalingStateHaveRemoteOffer {
		o.log.Info("signaling moved on before answer", zap.String("peer", peerID), zap.String("signaling", s.String()))
		return
	}
	if err := link.Conn.SetLocalDescription(answer); err != nil {
		o.log.Warn("set local answer", zap.String("peer", peerID), zap.Error(err))
		return
	}
	o.sendDescription(peerID, domain.SignalAnswer, answer.SDP)
}

func (o *Orchestrator) handleAnswer(peerID, sdp string) {
	link, ok := o.registry.Get(peerID)
	if !ok {
		o.log.Debug("answer for unknown peer", zap.String("peer", peerID))
		return
	}
	if s := link.Conn.SignalingState(); s != pion.SignalingStateHaveLocalOffer {
		o.log.Debug("dropping stale answer", zap.String("peer", peerID), zap.String("signaling", s.String()))
		return
	}
	if err := link.Conn.SetRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: sdp}); err != nil {
		o.log.Warn("apply remote answer", zap.String("peer", peerID), zap.Error(err))
		return
	}
	o.remoteApplied(link)
}

func (o *Orchestrator) handleCandidate(peerID string, c *pion.ICECandidateInit) {
	if c == nil {
		return
	}
	link, err := o.registry.Ensure(peerID)
	if err != nil {
		o.log.Debug("candidate for unusable peer", zap.String("peer", peerID), zap.Error(err))
		return
	}
	if !link.RemoteDescriptionSet && link.Pending.Push(*c) {
		o.log.Debug("buffered candidate", zap.String("peer", peerID), zap.Int("pending", link.Pending.Len()))
		return
	}
	o.applyCandidate(link, *c)
}

func (o *Orchestrator) applyCandidate(link *peer.Link, c pion.ICECandidateInit) {
	if err := link.Conn.AddICECandidate(c); err != nil {
		o.log.Debug("candidate rejected", zap.String("peer", link.PeerID), zap.Error(err))
	}
}

// remoteApplied records a new remote description and replays the
// candidates that raced ahead of the first one.
func (o *Orchestrator) remoteApplied(link *peer.Link) {
	link.RemoteDescriptionSet = true
	link.RemoteVersion++
	o.loop.Cancel(loop.Key{Scope: link.PeerID, Purpose: PurposeOfferTimeout})
	for _, c := range link.Pending.Flush() {
		o.applyCandidate(link, c)
	}
}

// StartOffer renegotiates with peerID when local media changed. Only the
// impolite side offers; the call is a no-op otherwise.
func (o *Orchestrator) StartOffer(peerID string) error {
	link, ok := o.registry.Get(peerID)
	if !ok {
		return fmt.Errorf("start offer to %s: %w", peerID, ErrNoLink)
	}
	if !link.Impolite() {
		o.log.Debug("polite side, not offering", zap.String("peer", peerID))
		return nil
	}
	return o.offer(link, false)
}

// ForceOffer renegotiates regardless of politeness. It still waits for a
// stable signaling state.
func (o *Orchestrator) ForceOffer(peerID string) error {
	link, ok := o.registry.Get(peerID)
	if !ok {
		return fmt.Errorf("force offer to %s: %w", peerID, ErrNoLink)
	}
	return o.offer(link, false)
}

// RestartICE sends an ICE-restart offer. Calls made while an offer is
// outstanding are absorbed. When no restart can be started the failure is
// escalated.
func (o *Orchestrator) RestartICE(peerID string) {
	link, ok := o.registry.Get(peerID)
	if !ok {
		o.fail(peerID, fmt.Errorf("restart ice: %w", ErrNoLink))
		return
	}
	if link.Conn.SignalingState() == pion.SignalingStateClosed {
		o.fail(peerID, errors.New("restart ice: connection closed"))
		return
	}
	o.log.Info("restarting ICE", zap.String("peer", peerID))
	if err := o.offer(link, true); err != nil {
		o.fail(peerID, err)
	}
}

func (o *Orchestrator) fail(peerID string, err error) {
	o.log.Warn("negotiation failed", zap.String("peer", peerID), zap.Error(err))
	if o.onFailed != nil {
		o.onFailed(peerID, err)
	}
}

func (o *Orchestrator) offer(link *peer.Link, iceRestart bool) error {
	peerID := link.PeerID
	if link.OfferInFlight {
		o.log.Debug("offer already in flight", zap.String("peer", peerID))
		return nil
	}
	if !link.Stable() {
		o.log.Debug("not stable, skipping offer",
			zap.String("peer", peerID),
			zap.String("signaling", link.Conn.SignalingState().String()))
		return nil
	}

	link.OfferInFlight = true
	defer func() { link.OfferInFlight = false }()

	if o.tracks != nil {
		if err := o.tracks.AttachLocal(link); err != nil {
			o.log.Warn("attach local tracks", zap.String("peer", peerID), zap.Error(err))
		}
	}

	offer, err := link.Conn.CreateOffer(iceRestart)
	if err != nil {
		return fmt.Errorf("offer to %s: %w", peerID, err)
	}
	if !link.Stable() {
		o.log.Info("signaling moved on during offer", zap.String("peer", peerID))
		return nil
	}
	if err := link.Conn.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("offer to %s: %w", peerID, err)
	}
	o.sendDescription(peerID, domain.SignalOffer, offer.SDP)
	o.armOfferTimeout(link, offer.SDP)
	return nil
}

// armOfferTimeout rolls back the offer carrying sdp if it is still
// unanswered when the timer fires, then replays an offer ignored meanwhile.
func (o *Orchestrator) armOfferTimeout(link *peer.Link, sdp string) {
	peerID := link.PeerID
	o.loop.After(loop.Key{Scope: peerID, Purpose: PurposeOfferTimeout}, o.timings.OfferTimeout, func() {
		current, ok := o.registry.Get(peerID)
		if !ok || current != link {
			return
		}
		if current.Conn.SignalingState() != pion.SignalingStateHaveLocalOffer {
			return
		}
		if local := current.Conn.LocalDescription(); local == nil || local.SDP != sdp {
			return
		}
		o.log.Warn("offer never answered, rolling back", zap.String("peer", peerID))
		if err := current.Conn.SetLocalDescription(pion.SessionDescription{Type: pion.SDPTypeRollback}); err != nil {
			o.log.Warn("rollback", zap.String("peer", peerID), zap.Error(err))
			return
		}
		if r, ok := o.retries[peerID]; ok {
			o.loop.Cancel(loop.Key{Scope: peerID, Purpose: PurposeGlareRetry})
			o.retryOffer(peerID, r)
		}
	})
}

// scheduleGlareRetry keeps an ignored offer around in case our own offer is
// lost. It is replayed once signaling is stable again, unless a newer remote
// description was applied in between. When the retries run out the offer
// stays parked until our own offer is answered or rolled back.
func (o *Orchestrator) scheduleGlareRetry(link *peer.Link, sdp string) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = o.timings.GlareRetry
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	r := &glareRetry{sdp: sdp, version: link.RemoteVersion, bo: backoff.WithMaxRetries(bo, glareRetryAttempts)}
	o.retries[link.PeerID] = r
	o.armRetry(link.PeerID, r)
}

func (o *Orchestrator) armRetry(peerID string, r *glareRetry) {
	d := r.bo.NextBackOff()
	if d == backoff.Stop {
		o.log.Info("parking ignored offer until the local offer resolves", zap.String("peer", peerID))
		return
	}
	o.loop.After(loop.Key{Scope: peerID, Purpose: PurposeGlareRetry}, d, func() {
		o.retryOffer(peerID, r)
	})
}

func (o *Orchestrator) retryOffer(peerID string, r *glareRetry) {
	if o.retries[peerID] != r {
		return
	}
	link, ok := o.registry.Get(peerID)
	if !ok || link.RemoteVersion != r.version {
		delete(o.retries, peerID)
		o.log.Debug("ignored offer superseded", zap.String("peer", peerID))
		return
	}
	if link.OfferInFlight || !link.Stable() {
		o.armRetry(peerID, r)
		return
	}

	delete(o.retries, peerID)
	link.IgnoreNextOffer = false
	o.log.Info("replaying ignored offer", zap.String("peer", peerID))
	o.applyOffer(link, r.sdp)
}

func (o *Orchestrator) sendDescription(peerID, signalType, sdp string) {
	o.send(domain.SignalMessage{
		Type:         domain.MessageTypeSignal,
		SignalType:   signalType,
		FromUserID:   o.registry.Self(),
		TargetUserID: peerID,
		SDP:          sdp,
	})
}

func (o *Orchestrator) sendCandidate(peerID string, c pion.ICECandidateInit) {
	o.send(domain.SignalMessage{
		Type:         domain.MessageTypeSignal,
		SignalType:   domain.SignalICECandidate,
		FromUserID:   o.registry.Self(),
		TargetUserID: peerID,
		Candidate:    &c,
	})
}

func (o *Orchestrator) send(msg domain.SignalMessage) {
	if err := o.signaler.SendSignal(msg); err != nil {
		o.log.Warn("send signal",
			zap.String("type", msg.SignalType),
			zap.String("peer", msg.TargetUserID),
			zap.Error(err))
	}
}
