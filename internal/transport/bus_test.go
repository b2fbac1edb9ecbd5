package transport

import (
	"context"
	"errors"
	"testing"
	"time"
)

type recordedEvent struct {
	kind  string
	peer  string
	frame []byte
}

type recordingHandler struct {
	events chan recordedEvent
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{events: make(chan recordedEvent, 64)}
}

func (h *recordingHandler) HandleOpen(ch Channel) {
	h.events <- recordedEvent{kind: "open", peer: ch.PeerID()}
}

func (h *recordingHandler) HandleData(ch Channel, frame []byte) {
	h.events <- recordedEvent{kind: "data", peer: ch.PeerID(), frame: frame}
}

func (h *recordingHandler) HandleClose(peerID string, err error) {
	h.events <- recordedEvent{kind: "close", peer: peerID}
}

func (h *recordingHandler) next(t *testing.T) recordedEvent {
	t.Helper()
	select {
	case ev := <-h.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transport event")
		return recordedEvent{}
	}
}

func TestRegisterRejectsTakenAddress(t *testing.T) {
	bus := NewBus()
	if err := bus.Register("alice", newRecordingHandler()); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := bus.Register("alice", newRecordingHandler()); !errors.Is(err, ErrAddressInUse) {
		t.Fatalf("expected ErrAddressInUse, got %v", err)
	}
}

func TestConnectRaisesOpenOnBothSides(t *testing.T) {
	bus := NewBus()
	alice := newRecordingHandler()
	bob := newRecordingHandler()
	if err := bus.Register("alice", alice); err != nil {
		t.Fatalf("register alice failed: %v", err)
	}
	if err := bus.Register("bob", bob); err != nil {
		t.Fatalf("register bob failed: %v", err)
	}

	ch, err := bus.Connect(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if ch.PeerID() != "bob" {
		t.Fatalf("dialer channel must address bob, got %q", ch.PeerID())
	}
	if ev := alice.next(t); ev.kind != "open" || ev.peer != "bob" {
		t.Fatalf("alice expected open from bob, got %+v", ev)
	}
	if ev := bob.next(t); ev.kind != "open" || ev.peer != "alice" {
		t.Fatalf("bob expected open from alice, got %+v", ev)
	}
}

func TestFramesArriveInSendOrder(t *testing.T) {
	bus := NewBus()
	alice := newRecordingHandler()
	bob := newRecordingHandler()
	_ = bus.Register("alice", alice)
	_ = bus.Register("bob", bob)

	ch, err := bus.Connect(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if ev := bob.next(t); ev.kind != "open" {
		t.Fatalf("expected open first, got %+v", ev)
	}

	for _, frame := range []string{"one", "two", "three"} {
		if err := ch.Send(context.Background(), []byte(frame)); err != nil {
			t.Fatalf("send failed: %v", err)
		}
	}
	for _, want := range []string{"one", "two", "three"} {
		ev := bob.next(t)
		if ev.kind != "data" || string(ev.frame) != want {
			t.Fatalf("expected data %q, got %+v", want, ev)
		}
	}
}

func TestClosePropagatesToBothSides(t *testing.T) {
	bus := NewBus()
	alice := newRecordingHandler()
	bob := newRecordingHandler()
	_ = bus.Register("alice", alice)
	_ = bus.Register("bob", bob)

	ch, err := bus.Connect(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	alice.next(t)
	bob.next(t)

	if err := ch.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if ev := alice.next(t); ev.kind != "close" {
		t.Fatalf("alice expected close, got %+v", ev)
	}
	if ev := bob.next(t); ev.kind != "close" {
		t.Fatalf("bob expected close, got %+v", ev)
	}
	if err := ch.Send(context.Background(), []byte("late")); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed after close, got %v", err)
	}
}

func TestConnectTimesOutWhenPeerNeverRegisters(t *testing.T) {
	bus := NewBus()
	_ = bus.Register("alice", newRecordingHandler())
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if _, err := bus.Connect(ctx, "alice", "ghost"); !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("expected ErrConnectTimeout, got %v", err)
	}
}

func TestConnectRequiresLocalRegistration(t *testing.T) {
	bus := NewBus()
	_ = bus.Register("bob", newRecordingHandler())
	if _, err := bus.Connect(context.Background(), "nobody", "bob"); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
}
