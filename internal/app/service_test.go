package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"ember-chat/go-node/internal/config"
	"ember-chat/go-node/internal/destruction"
	"ember-chat/go-node/internal/exchange"
	"ember-chat/go-node/internal/session"
	"ember-chat/go-node/internal/transport"
	"ember-chat/go-node/pkg/models"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.ConnectTimeout = time.Second
	cfg.WaitBudget = 2 * time.Second
	cfg.PollInterval = 20 * time.Millisecond
	return cfg
}

func newStartedService(t *testing.T, bus *transport.Bus, cfg config.Config) *Service {
	t.Helper()
	svc, err := NewService(Options{Config: cfg, Backend: bus, Log: quietLogger()})
	if err != nil {
		t.Fatalf("new service failed: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	t.Cleanup(svc.Stop)
	return svc
}

func drainUntil(t *testing.T, events <-chan Event, method string) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed before %q", method)
			}
			if ev.Method == method {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", method)
		}
	}
}

func TestServiceEndToEndMessage(t *testing.T) {
	bus := transport.NewBus()
	alice := newStartedService(t, bus, testConfig(t))
	bob := newStartedService(t, bus, testConfig(t))

	bobID, ok := bob.Identity()
	if !ok {
		t.Fatal("bob must have an identity after start")
	}
	_, bobEvents, cancel := bob.Subscribe(0)
	defer cancel()

	if err := alice.ConnectToPeer(context.Background(), bobID.PeerID); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	drainUntil(t, bobEvents, session.EventPeerIdentityReady)

	sent, err := alice.SendMessage(context.Background(), bobID.PeerID, "hello", false, 0)
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if string(sent.Content) != "hello" || sent.Direction != models.DirectionSent {
		t.Fatalf("unexpected sent record: %+v", sent)
	}

	ev := drainUntil(t, bobEvents, exchange.EventMessageReceived)
	payload, ok := ev.Payload.(exchange.MessageEvent)
	if !ok {
		t.Fatalf("unexpected payload type %T", ev.Payload)
	}
	if string(payload.Message.Content) != "hello" {
		t.Fatalf("unexpected received content %q", payload.Message.Content)
	}

	aliceID, _ := alice.Identity()
	if got := bob.Messages(aliceID.PeerID); len(got) != 1 {
		t.Fatalf("bob must store one message, got %d", len(got))
	}
}

func TestServiceSelfDestructFlow(t *testing.T) {
	bus := transport.NewBus()
	alice := newStartedService(t, bus, testConfig(t))
	bob := newStartedService(t, bus, testConfig(t))

	bobID, _ := bob.Identity()
	_, bobEvents, cancel := bob.Subscribe(0)
	defer cancel()

	if err := alice.ConnectToPeer(context.Background(), bobID.PeerID); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	sent, err := alice.SendMessage(context.Background(), bobID.PeerID, "vanishing", true, 1)
	if err != nil {
		t.Fatalf("self-destruct send failed: %v", err)
	}

	ev := drainUntil(t, bobEvents, exchange.EventMessageReceived)
	payload := ev.Payload.(exchange.MessageEvent)
	if !payload.Message.IsSelfDestruct {
		t.Fatal("bob must receive a placeholder first")
	}

	revealed, err := bob.DecryptSelfDestruct(sent.ID)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if string(revealed.Content) != "vanishing" {
		t.Fatalf("unexpected revealed content %q", revealed.Content)
	}
}

func TestServiceIdentitySurvivesRestart(t *testing.T) {
	bus := transport.NewBus()
	cfg := testConfig(t)

	svc := newStartedService(t, bus, cfg)
	first, ok := svc.Identity()
	if !ok {
		t.Fatal("identity missing after start")
	}
	svc.Stop()

	again, err := NewService(Options{Config: cfg, Backend: bus, Log: quietLogger()})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if err := again.Start(context.Background()); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	defer again.Stop()

	second, _ := again.Identity()
	if second.PeerID != first.PeerID {
		t.Fatalf("identity must survive restart: %q vs %q", second.PeerID, first.PeerID)
	}
}

func TestServiceDestroyEverything(t *testing.T) {
	bus := transport.NewBus()
	alice := newStartedService(t, bus, testConfig(t))
	bob := newStartedService(t, bus, testConfig(t))

	bobID, _ := bob.Identity()
	_, aliceEvents, cancel := alice.Subscribe(0)
	defer cancel()

	if err := alice.ConnectToPeer(context.Background(), bobID.PeerID); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if _, err := alice.SendMessage(context.Background(), bobID.PeerID, "doomed", false, 0); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	if err := alice.DestroyEverything(context.Background()); err != nil {
		t.Fatalf("destroy everything failed: %v", err)
	}
	drainUntil(t, aliceEvents, destruction.EventDataDestroyed)

	if _, ok := alice.Identity(); ok {
		t.Fatal("identity must be wiped")
	}
	if got := alice.Contacts(); len(got) != 0 {
		t.Fatalf("contacts must be wiped, got %d", len(got))
	}
}

func TestHubDropsSlowSubscribers(t *testing.T) {
	hub := NewNotificationHub(8)
	_, ch, cancel := hub.Subscribe(0)
	defer cancel()

	// Overflow the 128-slot buffer without draining.
	for i := 0; i < 200; i++ {
		hub.Publish("tick", i)
	}
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return // dropped, as intended
			}
		case <-deadline:
			t.Fatal("slow subscriber must be dropped")
		}
	}
}

func TestHubReplaysHistoryFromSeq(t *testing.T) {
	hub := NewNotificationHub(16)
	hub.Publish("a", nil)
	hub.Publish("b", nil)
	hub.Publish("c", nil)

	replay, _, cancel := hub.Subscribe(1)
	defer cancel()
	if len(replay) != 2 || replay[0].Method != "b" || replay[1].Method != "c" {
		t.Fatalf("unexpected replay %+v", replay)
	}
}
