// Package events is the publish/subscribe boundary between the call core and
// its observers (UI, audio, stats). Publishing never blocks and a misbehaving
// subscriber cannot affect the publisher or other subscribers.
package events

import (
	"sync"

	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"duocall/core/internal/domain"
)

// Event is one of the concrete event types below.
type Event interface {
	eventName() string
}

// CallStateChanged carries a snapshot of the call slot.
type CallStateChanged struct {
	Session domain.CallSession
}

// PeerConnectionStateChanged reports a transport state change for one peer.
type PeerConnectionStateChanged struct {
	PeerID string
	State  pion.PeerConnectionState
}

// VideoKindChanged reports the derived local video kind. Track is the most
// recently started video track, nil when none is live.
type VideoKindChanged struct {
	Kind  domain.VideoKind
	Track domain.LocalTrack
}

// RemoteStreamChanged reports that a peer's inbound stream gained a track.
type RemoteStreamChanged struct {
	PeerID string
	Stream domain.RemoteStream
}

func (CallStateChanged) eventName() string           { return "call_state_changed" }
func (PeerConnectionStateChanged) eventName() string { return "peer_connection_state_changed" }
func (VideoKindChanged) eventName() string           { return "video_kind_changed" }
func (RemoteStreamChanged) eventName() string        { return "remote_stream" }

// Name returns a stable identifier for e, used in logs.
func Name(e Event) string {
	return e.eventName()
}

// Bus fans events out to subscribers. Each subscriber has its own ordered
// queue drained by its own goroutine.
type Bus struct {
	log *zap.Logger

	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
}

// NewBus creates an empty bus.
func NewBus(log *zap.Logger) *Bus {
	return &Bus{
		log:  log.Named("events"),
		subs: make(map[uint64]*subscriber),
	}
}

// Subscribe registers fn and returns a function that unregisters it. fn is
// called sequentially, in publish order, on a goroutine owned by the bus.
func (b *Bus) Subscribe(fn func(Event)) (unsubscribe func()) {
	s := &subscriber{
		fn:   fn,
		log:  b.log,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	go s.pump()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		s.stop()
	}
}

// Publish queues e for every current subscriber.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	b.log.Debug("publish", zap.String("event", e.eventName()), zap.Int("subscribers", len(b.subs)))
	for _, s := range b.subs {
		s.push(e)
	}
}

// Close unregisters all subscribers.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, s := range b.subs {
		s.stop()
		delete(b.subs, id)
	}
}

type subscriber struct {
	fn  func(Event)
	log *zap.Logger

	mu       sync.Mutex
	queue    []Event
	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func (s *subscriber) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *subscriber) push(e Event) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) pump() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			e := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			s.deliver(e)
		}
	}
}

func (s *subscriber) deliver(e Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("subscriber panicked", zap.String("event", e.eventName()), zap.Any("panic", r))
		}
	}()
	s.fn(e)
}
