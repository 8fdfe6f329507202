package negotiation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"duocall/core/internal/config"
	"duocall/core/internal/domain"
	"duocall/core/internal/events"
	"duocall/core/internal/loop"
	"duocall/core/internal/peer"
	"duocall/core/internal/webrtc/webrtctest"
)

// relay routes signal messages between sides. While held, messages queue
// until release.
type relay struct {
	mu    sync.Mutex
	held  bool
	queue []domain.SignalMessage
	sides map[string]*side
	sent  []domain.SignalMessage
}

func newRelay() *relay {
	return &relay{sides: make(map[string]*side)}
}

func (r *relay) SendCall(domain.CallMessage) error { return nil }

func (r *relay) SendSignal(msg domain.SignalMessage) error {
	r.mu.Lock()
	r.sent = append(r.sent, msg)
	if r.held {
		r.queue = append(r.queue, msg)
		r.mu.Unlock()
		return nil
	}
	dst := r.sides[msg.TargetUserID]
	r.mu.Unlock()
	if dst != nil {
		dst.deliver(msg)
	}
	return nil
}

func (r *relay) hold() {
	r.mu.Lock()
	r.held = true
	r.mu.Unlock()
}

func (r *relay) release() {
	r.mu.Lock()
	r.held = false
	queue := r.queue
	r.queue = nil
	r.mu.Unlock()
	for _, msg := range queue {
		r.mu.Lock()
		dst := r.sides[msg.TargetUserID]
		r.mu.Unlock()
		if dst != nil {
			dst.deliver(msg)
		}
	}
}

func (r *relay) count(from, signalType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, msg := range r.sent {
		if msg.FromUserID == from && msg.SignalType == signalType {
			n++
		}
	}
	return n
}

type micSource struct {
	mic *webrtctest.Track
}

func (m *micSource) AttachLocal(link *peer.Link) error {
	return link.AttachAudio(m.mic)
}

type side struct {
	id       string
	loop     *loop.Loop
	factory  *webrtctest.Factory
	registry *peer.Registry
	orch     *Orchestrator
	failed   []string
}

func newSide(t *testing.T, id string, sig domain.Signaler, tune ...func(*config.Timings)) *side {
	t.Helper()
	log := zap.NewNop()
	ctx, cancel := context.WithCancel(context.Background())
	l := loop.New(log)
	go l.Run(ctx)
	bus := events.NewBus(log)
	t.Cleanup(func() {
		cancel()
		<-l.Done()
		bus.Close()
	})

	timings := config.DefaultTimings()
	timings.GlareRetry = 20 * time.Millisecond
	for _, fn := range tune {
		fn(&timings)
	}

	s := &side{id: id, loop: l, factory: webrtctest.NewFactory()}
	s.registry = peer.NewRegistry(id, s.factory, l, bus, timings, log)
	s.orch = New(s.registry, l, sig, &micSource{mic: webrtctest.NewTrack(pion.RTPCodecTypeAudio, id+"-mic")}, timings, log)
	s.orch.SetOnFailed(func(peerID string, err error) { s.failed = append(s.failed, peerID) })
	s.registry.SetHooks(s.orch.Hooks())
	return s
}

func (s *side) deliver(msg domain.SignalMessage) {
	s.loop.Post(func() { s.orch.HandleRemoteSignal(msg) })
}

func (s *side) do(fn func()) {
	s.loop.Do(fn)
}

func (s *side) signaling(peerID string) pion.SignalingState {
	var st pion.SignalingState
	s.do(func() {
		if link, ok := s.registry.Get(peerID); ok {
			st = link.Conn.SignalingState()
		}
	})
	return st
}

func newPair(t *testing.T) (*relay, *side, *side) {
	t.Helper()
	r := newRelay()
	alice := newSide(t, "alice", r)
	bob := newSide(t, "bob", r)
	r.sides["alice"] = alice
	r.sides["bob"] = bob
	return r, alice, bob
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func bothStable(alice, bob *side) func() bool {
	return func() bool {
		return alice.signaling("bob") == pion.SignalingStateStable &&
			bob.signaling("alice") == pion.SignalingStateStable &&
			alice.factory.Conn("bob") != nil && alice.factory.Conn("bob").Answers()+alice.factory.Conn("bob").Offers() > 0
	}
}

func TestConnect_ImpoliteOffersPoliteAnswers(t *testing.T) {
	r, alice, bob := newPair(t)

	var err error
	bob.do(func() { err = bob.orch.Connect("alice") })
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	eventually(t, "both sides stable", bothStable(alice, bob))

	if n := r.count("bob", domain.SignalOffer); n != 1 {
		t.Errorf("expected 1 offer from bob, got %d", n)
	}
	if n := r.count("alice", domain.SignalAnswer); n != 1 {
		t.Errorf("expected 1 answer from alice, got %d", n)
	}
	if dir := alice.factory.Conn("bob").Transceivers()[0].Direction(); dir != pion.RTPTransceiverDirectionSendrecv {
		t.Errorf("answerer audio must be sendrecv, got %s", dir)
	}
}

func TestConnect_PoliteWaits(t *testing.T) {
	r, alice, _ := newPair(t)

	alice.do(func() { alice.orch.Connect("bob") })
	alice.do(func() { alice.orch.StartOffer("bob") })

	if n := r.count("alice", domain.SignalOffer); n != 0 {
		t.Errorf("polite side must not offer, sent %d", n)
	}
}

func TestGlare_PoliteRollsBackOnePairSurvives(t *testing.T) {
	r, alice, bob := newPair(t)
	alice.do(func() { alice.registry.Ensure("bob") })
	bob.do(func() { bob.registry.Ensure("alice") })

	r.hold()
	alice.do(func() { alice.orch.ForceOffer("bob") })
	bob.do(func() { bob.orch.ForceOffer("alice") })
	r.release()

	eventually(t, "both sides stable", func() bool {
		return alice.signaling("bob") == pion.SignalingStateStable &&
			bob.signaling("alice") == pion.SignalingStateStable &&
			r.count("alice", domain.SignalAnswer) == 1
	})
	// Let the ignored offer's retry window pass.
	time.Sleep(200 * time.Millisecond)

	if n := r.count("bob", domain.SignalAnswer); n != 0 {
		t.Errorf("impolite side must not answer the colliding offer, sent %d", n)
	}
	if !contains(alice.factory.Conn("bob").Ops(), "local:rollback") {
		t.Errorf("polite side must roll back, ops=%v", alice.factory.Conn("bob").Ops())
	}
	for _, s := range []*side{alice, bob} {
		for _, c := range []*webrtctest.Conn{s.factory.Conn("alice"), s.factory.Conn("bob")} {
			if c != nil && len(c.Transceivers()) != 2 {
				t.Errorf("%s: expected 2 media lines, got %d", s.id, len(c.Transceivers()))
			}
		}
	}
	if st := bob.signaling("alice"); st != pion.SignalingStateStable {
		t.Errorf("bob ended in %s", st)
	}
}

func shortOfferTimeout(t *config.Timings) {
	t.OfferTimeout = 150 * time.Millisecond
}

func TestOfferTimeout_RollsBackAndReplaysIgnoredOffer(t *testing.T) {
	r := newRelay()
	bob := newSide(t, "bob", r, shortOfferTimeout)
	r.sides["bob"] = bob
	// bob's own offer never reaches alice.
	r.hold()

	conn := webrtctest.NewConn("bob", domain.ConnectionEvents{})
	conn.AddTransceiver(pion.RTPCodecTypeAudio, pion.RTPTransceiverDirectionSendrecv)
	conn.AddTransceiver(pion.RTPCodecTypeVideo, pion.RTPTransceiverDirectionRecvonly)
	aliceOffer, _ := conn.CreateOffer(false)

	bob.do(func() {
		bob.registry.Ensure("alice")
		bob.orch.ForceOffer("alice")
	})
	bob.deliver(domain.SignalMessage{SignalType: domain.SignalOffer, FromUserID: "alice", SDP: aliceOffer.SDP})

	eventually(t, "ignored offer answered", func() bool {
		return bob.factory.Conn("alice").Answers() == 1
	})
	want := []string{"local:offer", "local:rollback", "remote:offer", "local:answer"}
	if got := bob.factory.Conn("alice").Ops(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("ops:\n got %v\nwant %v", got, want)
	}
	if st := bob.signaling("alice"); st != pion.SignalingStateStable {
		t.Errorf("expected stable, got %s", st)
	}
}

func TestOfferTimeout_AnsweredOfferKept(t *testing.T) {
	r := newRelay()
	alice := newSide(t, "alice", r, shortOfferTimeout)
	bob := newSide(t, "bob", r, shortOfferTimeout)
	r.sides["alice"] = alice
	r.sides["bob"] = bob

	bob.do(func() { bob.orch.Connect("alice") })
	eventually(t, "both sides stable", bothStable(alice, bob))
	time.Sleep(300 * time.Millisecond)

	if contains(bob.factory.Conn("alice").Ops(), "local:rollback") {
		t.Errorf("answered offer must not be rolled back, ops=%v", bob.factory.Conn("alice").Ops())
	}
}

func TestCandidateBeforeOffer_BufferedAndAppliedOnce(t *testing.T) {
	_, alice, _ := newPair(t)
	remote := webrtctest.NewConn("alice", domain.ConnectionEvents{})
	remote.AddTransceiver(pion.RTPCodecTypeAudio, pion.RTPTransceiverDirectionSendrecv)
	offer, _ := remote.CreateOffer(false)

	c1 := pion.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.2 5000 typ host"}
	c2 := pion.ICECandidateInit{Candidate: "candidate:2 1 udp 1 10.0.0.2 5002 typ host"}

	alice.deliver(domain.SignalMessage{SignalType: domain.SignalICECandidate, FromUserID: "bob", Candidate: &c1})
	alice.do(func() {})
	if ops := alice.factory.Conn("bob").Ops(); len(ops) != 0 {
		t.Fatalf("candidate must be buffered, ops=%v", ops)
	}

	alice.deliver(domain.SignalMessage{SignalType: domain.SignalOffer, FromUserID: "bob", SDP: offer.SDP})
	alice.deliver(domain.SignalMessage{SignalType: domain.SignalICECandidate, FromUserID: "bob", Candidate: &c2})
	alice.do(func() {})

	want := []string{"remote:offer", "candidate:" + c1.Candidate, "local:answer", "candidate:" + c2.Candidate}
	got := alice.factory.Conn("bob").Ops()
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("ops:\n got %v\nwant %v", got, want)
	}
	if n := len(alice.factory.Conn("bob").Applied()); n != 2 {
		t.Errorf("expected 2 applied candidates, got %d", n)
	}
}

func TestCandidateFailure_Swallowed(t *testing.T) {
	_, alice, bob := newPair(t)
	bob.do(func() { bob.orch.Connect("alice") })
	eventually(t, "both sides stable", bothStable(alice, bob))

	alice.factory.Conn("bob").CandidateErr = errors.New("bad candidate")
	c := pion.ICECandidateInit{Candidate: "candidate:9"}
	alice.deliver(domain.SignalMessage{SignalType: domain.SignalICECandidate, FromUserID: "bob", Candidate: &c})
	alice.do(func() {})

	if st := alice.signaling("bob"); st != pion.SignalingStateStable {
		t.Errorf("candidate failure must not disturb signaling, got %s", st)
	}
}

func TestStaleAnswer_Dropped(t *testing.T) {
	_, alice, bob := newPair(t)
	bob.do(func() { bob.orch.Connect("alice") })
	eventually(t, "both sides stable", bothStable(alice, bob))

	alice.deliver(domain.SignalMessage{SignalType: domain.SignalAnswer, FromUserID: "bob", SDP: "v=0"})
	alice.do(func() {})

	if contains(alice.factory.Conn("bob").Ops(), "remote:answer") {
		t.Error("stable side must drop answers")
	}
}

func TestRestartICE_IdempotentWhileOutstanding(t *testing.T) {
	r, _, bob := newPair(t)
	r.hold()
	bob.do(func() {
		bob.registry.Ensure("alice")
		bob.orch.RestartICE("alice")
		bob.orch.RestartICE("alice")
	})

	if n := bob.factory.Conn("alice").Restarts(); n != 1 {
		t.Errorf("expected 1 restart offer, got %d", n)
	}
	if n := r.count("bob", domain.SignalOffer); n != 1 {
		t.Errorf("expected 1 offer sent, got %d", n)
	}
}

func TestRestartICE_EscalatesWithoutLink(t *testing.T) {
	_, alice, _ := newPair(t)
	alice.do(func() { alice.orch.RestartICE("bob") })

	var failed []string
	alice.do(func() { failed = append(failed, alice.failed...) })
	if len(failed) != 1 || failed[0] != "bob" {
		t.Errorf("expected escalation for bob, got %v", failed)
	}
}

func TestConnectionFailed_TriggersRestartOffer(t *testing.T) {
	r, alice, bob := newPair(t)
	bob.do(func() { bob.orch.Connect("alice") })
	eventually(t, "both sides stable", bothStable(alice, bob))

	alice.factory.Conn("bob").SetConnectionState(pion.PeerConnectionStateFailed)
	eventually(t, "restart offer from polite side", func() bool {
		return alice.factory.Conn("bob").Restarts() == 1
	})
	eventually(t, "restart answered", func() bool {
		return r.count("bob", domain.SignalAnswer) == 1
	})
}

func contains(ops []string, op string) bool {
	for _, o := range ops {
		if o == op {
			return true
		}
	}
	return false
}
