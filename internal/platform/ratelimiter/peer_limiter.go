// Package ratelimiter bounds how fast individual peers may push frames into
// the node.
package ratelimiter

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// evictEvery controls how often the idle-peer sweep runs, measured in Allow
// calls rather than wall time.
const evictEvery = 512

// PeerLimiter applies a token bucket per peer identifier and evicts buckets
// for peers that have gone quiet.
type PeerLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu     sync.Mutex
	byPeer map[string]*bucket
	calls  uint64
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a per-peer limiter allowing framesPerSecond sustained with the
// given burst. Invalid arguments yield nil, which Allow treats as unlimited.
func New(framesPerSecond float64, burst int, idleTTL time.Duration) *PeerLimiter {
	if framesPerSecond <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &PeerLimiter{
		limit:   rate.Limit(framesPerSecond),
		burst:   burst,
		idleTTL: idleTTL,
		byPeer:  make(map[string]*bucket),
	}
}

// Allow reports whether the peer may deliver one more frame at now.
func (l *PeerLimiter) Allow(peerID string, now time.Time) bool {
	if l == nil {
		return true
	}
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.byPeer[peerID]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byPeer[peerID] = b
	}
	b.lastSeen = now
	allowed := b.limiter.AllowN(now, 1)

	l.calls++
	if l.calls%evictEvery == 0 {
		cutoff := now.Add(-l.idleTTL)
		for id, v := range l.byPeer {
			if v.lastSeen.Before(cutoff) {
				delete(l.byPeer, id)
			}
		}
	}
	return allowed
}
