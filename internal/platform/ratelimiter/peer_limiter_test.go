package ratelimiter

import (
	"testing"
	"time"
)

func TestAllowEnforcesBurstPerPeer(t *testing.T) {
	l := New(1, 3, time.Minute)
	now := time.Now()

	for i := 0; i < 3; i++ {
		if !l.Allow("peer-a", now) {
			t.Fatalf("frame %d within burst must pass", i)
		}
	}
	if l.Allow("peer-a", now) {
		t.Fatal("frame beyond burst must be rejected")
	}
	if !l.Allow("peer-b", now) {
		t.Fatal("another peer must have its own bucket")
	}
}

func TestAllowRefillsOverTime(t *testing.T) {
	l := New(10, 1, time.Minute)
	now := time.Now()

	if !l.Allow("peer-a", now) {
		t.Fatal("first frame must pass")
	}
	if l.Allow("peer-a", now) {
		t.Fatal("second immediate frame must be rejected")
	}
	if !l.Allow("peer-a", now.Add(150*time.Millisecond)) {
		t.Fatal("frame after refill must pass")
	}
}

func TestNilLimiterIsUnlimited(t *testing.T) {
	var l *PeerLimiter
	for i := 0; i < 100; i++ {
		if !l.Allow("peer-a", time.Now()) {
			t.Fatal("nil limiter must allow everything")
		}
	}
	if New(0, 10, time.Minute) != nil {
		t.Fatal("invalid rate must yield nil")
	}
}

func TestIdlePeersAreEvicted(t *testing.T) {
	l := New(100, 100, time.Second)
	start := time.Now()

	l.Allow("idle-peer", start)
	later := start.Add(5 * time.Second)
	for i := 0; i < evictEvery; i++ {
		l.Allow("busy-peer", later)
	}

	l.mu.Lock()
	_, ok := l.byPeer["idle-peer"]
	l.mu.Unlock()
	if ok {
		t.Fatal("idle peer bucket must be evicted")
	}
}
