package events

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"duocall/core/internal/domain"
)

func collect(t *testing.T, b *Bus) (<-chan Event, func()) {
	t.Helper()
	ch := make(chan Event, 64)
	unsub := b.Subscribe(func(e Event) { ch <- e })
	return ch, unsub
}

func next(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestPublish_DeliversInOrder(t *testing.T) {
	b := NewBus(zap.NewNop())
	defer b.Close()
	ch, _ := collect(t, b)

	phases := []domain.Phase{domain.PhaseDialing, domain.PhaseConnecting, domain.PhaseActive}
	for _, p := range phases {
		b.Publish(CallStateChanged{Session: domain.CallSession{RoomID: "room-42", Phase: p}})
	}

	for _, want := range phases {
		e, ok := next(t, ch).(CallStateChanged)
		if !ok {
			t.Fatalf("expected CallStateChanged")
		}
		if e.Session.Phase != want {
			t.Fatalf("expected phase %s, got %s", want, e.Session.Phase)
		}
	}
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	b := NewBus(zap.NewNop())
	defer b.Close()
	ch, unsub := collect(t, b)

	unsub()
	unsub()
	b.Publish(VideoKindChanged{Kind: domain.VideoCamera})

	select {
	case e := <-ch:
		t.Fatalf("unexpected event after unsubscribe: %s", Name(e))
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPanickingSubscriber_DoesNotAffectOthers(t *testing.T) {
	b := NewBus(zap.NewNop())
	defer b.Close()

	b.Subscribe(func(Event) { panic("bad subscriber") })
	ch, _ := collect(t, b)

	b.Publish(PeerConnectionStateChanged{PeerID: "bob"})
	b.Publish(PeerConnectionStateChanged{PeerID: "carol"})

	if e := next(t, ch).(PeerConnectionStateChanged); e.PeerID != "bob" {
		t.Errorf("expected bob first, got %s", e.PeerID)
	}
	if e := next(t, ch).(PeerConnectionStateChanged); e.PeerID != "carol" {
		t.Errorf("expected carol second, got %s", e.PeerID)
	}
}

func TestPublish_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBus(zap.NewNop())
	defer b.Close()

	release := make(chan struct{})
	b.Subscribe(func(Event) { <-release })
	defer close(release)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(VideoKindChanged{Kind: domain.VideoNone})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}
