package peer

import (
	"errors"
	"fmt"
	"sort"

	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"duocall/core/internal/config"
	"duocall/core/internal/domain"
	"duocall/core/internal/events"
	"duocall/core/internal/loop"
)

// Deferred task purposes owned by the registry.
const (
	PurposeDisconnectGrace loop.Purpose = "disconnect-grace"
	PurposeVideoWatchdog   loop.Purpose = "video-watchdog"
)

// ErrSelf is returned when asked to link with our own id.
var ErrSelf = errors.New("peer: cannot link with self")

// Hooks are called on the loop. Unset hooks are skipped.
type Hooks struct {
	// RestartICE recovers a failed or stuck transport.
	RestartICE func(peerID string)
	// ForceOffer renegotiates regardless of politeness.
	ForceOffer func(peerID string)
	// LocalCandidate forwards a gathered candidate to the peer.
	LocalCandidate func(peerID string, c pion.ICECandidateInit)
	// NegotiationNeeded fires when the connection asks to renegotiate.
	NegotiationNeeded func(peerID string)
	// StateChanged observes transport state after the registry reacted.
	StateChanged func(peerID string, s pion.PeerConnectionState)
}

// Registry owns the id-keyed link table. Every method must run on the loop.
type Registry struct {
	self    string
	factory domain.ConnectionFactory
	loop    *loop.Loop
	bus     *events.Bus
	timings config.Timings
	log     *zap.Logger

	links map[string]*Link
	hooks Hooks
}

// NewRegistry creates an empty registry for the local participant self.
func NewRegistry(self string, factory domain.ConnectionFactory, l *loop.Loop, bus *events.Bus, timings config.Timings, log *zap.Logger) *Registry {
	return &Registry{
		self:    self,
		factory: factory,
		loop:    l,
		bus:     bus,
		timings: timings,
		log:     log.Named("peer"),
		links:   make(map[string]*Link),
	}
}

// SetHooks installs the callbacks. The negotiation layer is built after the
// registry, so this closes the cycle.
func (r *Registry) SetHooks(h Hooks) {
	r.hooks = h
}

// Self is the local participant id.
func (r *Registry) Self() string {
	return r.self
}

// Get returns the link for peerID if one exists.
func (r *Registry) Get(peerID string) (*Link, bool) {
	link, ok := r.links[peerID]
	return link, ok
}

// Links returns every link ordered by peer id.
func (r *Registry) Links() []*Link {
	out := make([]*Link, 0, len(r.links))
	for _, link := range r.links {
		out = append(out, link)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Len is the number of live links.
func (r *Registry) Len() int {
	return len(r.links)
}

// Ensure returns the link for peerID, creating the connection with an audio
// sendrecv line and a video recvonly line when absent. Fixing both m-lines
// up front keeps the section layout identical on both sides no matter who
// turns video on first.
func (r *Registry) Ensure(peerID string) (*Link, error) {
	if link, ok := r.links[peerID]; ok {
		return link, nil
	}
	if peerID == r.self || peerID == "" {
		return nil, fmt.Errorf("ensure %q: %w", peerID, ErrSelf)
	}

	link := &Link{
		PeerID:     peerID,
		Politeness: PolitenessFor(r.self, peerID),
		Remote:     domain.RemoteStream{PeerID: peerID},
	}
	conn, err := r.factory.NewConnection(peerID, r.events(link))
	if err != nil {
		return nil, fmt.Errorf("new connection for %s: %w", peerID, err)
	}
	link.Conn = conn

	if link.Audio, err = conn.AddTransceiver(pion.RTPCodecTypeAudio, pion.RTPTransceiverDirectionSendrecv); err != nil {
		conn.Close()
		return nil, fmt.Errorf("pre-create audio line: %w", err)
	}
	if link.Video, err = conn.AddTransceiver(pion.RTPCodecTypeVideo, pion.RTPTransceiverDirectionRecvonly); err != nil {
		conn.Close()
		return nil, fmt.Errorf("pre-create video line: %w", err)
	}

	r.links[peerID] = link
	r.log.Info("link created",
		zap.String("peer", peerID),
		zap.Stringer("politeness", link.Politeness))
	return link, nil
}

// Release closes the link's connection and cancels its timers. The local
// tracks attached to it are left running.
func (r *Registry) Release(peerID string) {
	link, ok := r.links[peerID]
	if !ok {
		return
	}
	delete(r.links, peerID)
	r.loop.CancelScope(peerID)
	if err := link.Conn.Close(); err != nil {
		r.log.Warn("close connection", zap.String("peer", peerID), zap.Error(err))
	}
	r.log.Info("link released", zap.String("peer", peerID))
}

// ReleaseAll releases every link.
func (r *Registry) ReleaseAll() {
	for _, link := range r.Links() {
		r.Release(link.PeerID)
	}
}

// ArmVideoWatchdog forces a fresh offer if no remote video shows up in time
// after local video was attached. Only the impolite side arms it; the
// polite side's offers would be ignored under glare anyway.
func (r *Registry) ArmVideoWatchdog(peerID string) {
	link, ok := r.links[peerID]
	if !ok || !link.Impolite() || link.Remote.HasVideo() {
		return
	}
	key := loop.Key{Scope: peerID, Purpose: PurposeVideoWatchdog}
	r.loop.After(key, r.timings.VideoWatchdog, func() {
		if !r.current(link) || link.Remote.HasVideo() {
			return
		}
		r.log.Info("no remote video after attach, forcing offer", zap.String("peer", peerID))
		if r.hooks.ForceOffer != nil {
			r.hooks.ForceOffer(peerID)
		}
	})
}

// events builds the connection callbacks. They hop onto the loop and are
// dropped once the link has been released or replaced.
func (r *Registry) events(link *Link) domain.ConnectionEvents {
	return domain.ConnectionEvents{
		OnICECandidate: func(c pion.ICECandidateInit) {
			r.loop.Post(func() {
				if r.current(link) && r.hooks.LocalCandidate != nil {
					r.hooks.LocalCandidate(link.PeerID, c)
				}
			})
		},
		OnConnectionStateChange: func(s pion.PeerConnectionState) {
			r.loop.Post(func() {
				if r.current(link) {
					r.handleState(link, s)
				}
			})
		},
		OnTrack: func(t domain.RemoteTrack) {
			r.loop.Post(func() {
				if r.current(link) {
					r.handleTrack(link, t)
				}
			})
		},
		OnNegotiationNeeded: func() {
			r.loop.Post(func() {
				if r.current(link) && r.hooks.NegotiationNeeded != nil {
					r.hooks.NegotiationNeeded(link.PeerID)
				}
			})
		},
	}
}

func (r *Registry) current(link *Link) bool {
	return r.links[link.PeerID] == link
}

func (r *Registry) handleState(link *Link, s pion.PeerConnectionState) {
	peerID := link.PeerID
	grace := loop.Key{Scope: peerID, Purpose: PurposeDisconnectGrace}
	r.log.Info("connection state", zap.String("peer", peerID), zap.String("state", s.String()))

	switch s {
	case pion.PeerConnectionStateFailed:
		r.loop.Cancel(grace)
		r.restart(peerID)
	case pion.PeerConnectionStateDisconnected:
		r.loop.After(grace, r.timings.DisconnectGrace, func() {
			if !r.current(link) || link.Conn.ConnectionState() != pion.PeerConnectionStateDisconnected {
				return
			}
			r.log.Info("still disconnected after grace", zap.String("peer", peerID))
			r.restart(peerID)
		})
	case pion.PeerConnectionStateConnected:
		r.loop.Cancel(grace)
	}

	r.bus.Publish(events.PeerConnectionStateChanged{PeerID: peerID, State: s})
	if r.hooks.StateChanged != nil {
		r.hooks.StateChanged(peerID, s)
	}
}

func (r *Registry) restart(peerID string) {
	if r.hooks.RestartICE != nil {
		r.hooks.RestartICE(peerID)
	}
}

func (r *Registry) handleTrack(link *Link, t domain.RemoteTrack) {
	link.Remote.Tracks = append(link.Remote.Tracks, t)
	if t.Kind == pion.RTPCodecTypeVideo {
		r.loop.Cancel(loop.Key{Scope: link.PeerID, Purpose: PurposeVideoWatchdog})
	}
	stream := domain.RemoteStream{
		PeerID: link.PeerID,
		Tracks: append([]domain.RemoteTrack(nil), link.Remote.Tracks...),
	}
	r.bus.Publish(events.RemoteStreamChanged{PeerID: link.PeerID, Stream: stream})
}
