package peer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"duocall/core/internal/config"
	"duocall/core/internal/domain"
	"duocall/core/internal/events"
	"duocall/core/internal/loop"
	"duocall/core/internal/webrtc/webrtctest"
)

type harness struct {
	loop     *loop.Loop
	factory  *webrtctest.Factory
	registry *Registry
	restarts atomic.Int32
	forced   atomic.Int32
}

func newHarness(t *testing.T, self string) *harness {
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
	timings.DisconnectGrace = 60 * time.Millisecond
	timings.VideoWatchdog = 40 * time.Millisecond

	h := &harness{loop: l, factory: webrtctest.NewFactory()}
	h.registry = NewRegistry(self, h.factory, l, bus, timings, log)
	h.registry.SetHooks(Hooks{
		RestartICE: func(string) { h.restarts.Add(1) },
		ForceOffer: func(string) { h.forced.Add(1) },
	})
	return h
}

func (h *harness) ensure(t *testing.T, peerID string) *Link {
	t.Helper()
	var (
		link *Link
		err  error
	)
	h.loop.Do(func() { link, err = h.registry.Ensure(peerID) })
	if err != nil {
		t.Fatalf("ensure %s: %v", peerID, err)
	}
	return link
}

// settle waits until every closure posted so far has run.
func (h *harness) settle() {
	h.loop.Do(func() {})
}

func TestPolitenessFor_Antisymmetric(t *testing.T) {
	pairs := [][2]string{{"alice", "bob"}, {"a", "b"}, {"user-10", "user-9"}, {"Z", "a"}}
	for _, p := range pairs {
		a, b := p[0], p[1]
		if PolitenessFor(a, b) == PolitenessFor(b, a) {
			t.Errorf("%s/%s: both sides got %s", a, b, PolitenessFor(a, b))
		}
		if PolitenessFor(a, b) != PolitenessFor(a, b) {
			t.Errorf("%s/%s: politeness not stable", a, b)
		}
	}
	if PolitenessFor("bob", "alice") != Impolite {
		t.Error("larger id must be impolite")
	}
}

func TestPendingBuffer_FlushesOnceInOrder(t *testing.T) {
	var b PendingBuffer
	b.Push(pion.ICECandidateInit{Candidate: "c1"})
	b.Push(pion.ICECandidateInit{Candidate: "c2"})

	got := b.Flush()
	if len(got) != 2 || got[0].Candidate != "c1" || got[1].Candidate != "c2" {
		t.Fatalf("unexpected flush: %+v", got)
	}
	if again := b.Flush(); again != nil {
		t.Errorf("second flush replayed %+v", again)
	}
	if b.Push(pion.ICECandidateInit{Candidate: "c3"}) {
		t.Error("push after flush must be refused")
	}
}

func TestEnsure_PrecreatesLinesAndIsIdempotent(t *testing.T) {
	h := newHarness(t, "alice")
	first := h.ensure(t, "bob")
	second := h.ensure(t, "bob")

	if first != second {
		t.Error("ensure must return the existing link")
	}
	if h.factory.Created() != 1 {
		t.Errorf("expected 1 connection, got %d", h.factory.Created())
	}
	if first.Politeness != Polite {
		t.Errorf("alice must be polite towards bob, got %s", first.Politeness)
	}

	lines := h.factory.Conn("bob").Transceivers()
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[0].Kind() != pion.RTPCodecTypeAudio || lines[0].Direction() != pion.RTPTransceiverDirectionSendrecv {
		t.Errorf("audio line: %s %s", lines[0].Kind(), lines[0].Direction())
	}
	if lines[1].Kind() != pion.RTPCodecTypeVideo || lines[1].Direction() != pion.RTPTransceiverDirectionRecvonly {
		t.Errorf("video line: %s %s", lines[1].Kind(), lines[1].Direction())
	}
}

func TestEnsure_RejectsSelf(t *testing.T) {
	h := newHarness(t, "alice")
	var err error
	h.loop.Do(func() { _, err = h.registry.Ensure("alice") })
	if !errors.Is(err, ErrSelf) {
		t.Errorf("expected ErrSelf, got %v", err)
	}
}

func TestDisconnect_RecoversWithinGrace(t *testing.T) {
	h := newHarness(t, "alice")
	h.ensure(t, "bob")
	conn := h.factory.Conn("bob")

	conn.SetConnectionState(pion.PeerConnectionStateDisconnected)
	time.Sleep(20 * time.Millisecond)
	conn.SetConnectionState(pion.PeerConnectionStateConnected)
	time.Sleep(100 * time.Millisecond)
	h.settle()

	if n := h.restarts.Load(); n != 0 {
		t.Errorf("expected no restart, got %d", n)
	}
}

func TestDisconnect_RestartsOnceAfterGrace(t *testing.T) {
	h := newHarness(t, "alice")
	h.ensure(t, "bob")
	conn := h.factory.Conn("bob")

	conn.SetConnectionState(pion.PeerConnectionStateDisconnected)
	time.Sleep(150 * time.Millisecond)
	h.settle()

	if n := h.restarts.Load(); n != 1 {
		t.Errorf("expected exactly 1 restart, got %d", n)
	}
}

func TestFailed_RestartsImmediately(t *testing.T) {
	h := newHarness(t, "alice")
	h.ensure(t, "bob")

	h.factory.Conn("bob").SetConnectionState(pion.PeerConnectionStateFailed)
	h.settle()

	if n := h.restarts.Load(); n != 1 {
		t.Errorf("expected 1 restart, got %d", n)
	}
}

func TestRelease_ClosesAndDropsLateCallbacks(t *testing.T) {
	h := newHarness(t, "alice")
	h.ensure(t, "bob")
	conn := h.factory.Conn("bob")

	conn.SetConnectionState(pion.PeerConnectionStateDisconnected)
	h.settle()
	h.loop.Do(func() { h.registry.Release("bob") })
	conn.SetConnectionState(pion.PeerConnectionStateFailed)
	time.Sleep(100 * time.Millisecond)
	h.settle()

	if !conn.Closed() {
		t.Error("connection must be closed on release")
	}
	if n := h.restarts.Load(); n != 0 {
		t.Errorf("released link must not restart, got %d", n)
	}
	if _, ok := h.registry.Get("bob"); ok {
		t.Error("link must be removed")
	}
}

func TestVideoWatchdog_ImpoliteForcesOffer(t *testing.T) {
	h := newHarness(t, "zed")
	h.ensure(t, "bob")

	h.loop.Do(func() { h.registry.ArmVideoWatchdog("bob") })
	time.Sleep(100 * time.Millisecond)
	h.settle()

	if n := h.forced.Load(); n != 1 {
		t.Errorf("expected 1 forced offer, got %d", n)
	}
}

func TestVideoWatchdog_CancelledByRemoteVideo(t *testing.T) {
	h := newHarness(t, "zed")
	link := h.ensure(t, "bob")

	h.loop.Do(func() { h.registry.ArmVideoWatchdog("bob") })
	h.loop.Do(func() {
		h.registry.handleTrack(link, domain.RemoteTrack{ID: "v", Kind: pion.RTPCodecTypeVideo})
	})
	time.Sleep(100 * time.Millisecond)
	h.settle()

	if n := h.forced.Load(); n != 0 {
		t.Errorf("expected no forced offer, got %d", n)
	}
}

func TestVideoWatchdog_PoliteNeverArms(t *testing.T) {
	h := newHarness(t, "alice")
	h.ensure(t, "bob")

	h.loop.Do(func() { h.registry.ArmVideoWatchdog("bob") })
	time.Sleep(100 * time.Millisecond)
	h.settle()

	if n := h.forced.Load(); n != 0 {
		t.Errorf("polite side must not force offers, got %d", n)
	}
}

func TestAttachScreen_CreatesLineLazily(t *testing.T) {
	h := newHarness(t, "alice")
	link := h.ensure(t, "bob")
	track := webrtctest.NewTrack(pion.RTPCodecTypeVideo, "screen")

	var err error
	h.loop.Do(func() { err = link.AttachScreen(nil) })
	if err != nil || link.Screen != nil {
		t.Fatalf("detaching a missing screen line must be a no-op, err=%v", err)
	}
	h.loop.Do(func() { err = link.AttachScreen(track) })
	if err != nil {
		t.Fatalf("attach screen: %v", err)
	}
	if n := len(h.factory.Conn("bob").Transceivers()); n != 3 {
		t.Errorf("expected 3 lines, got %d", n)
	}
	if link.SendingVideoLines() != 1 {
		t.Errorf("expected 1 sending video line, got %d", link.SendingVideoLines())
	}
}
