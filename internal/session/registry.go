package session

import (
	"sync"

	"ember-chat/go-node/internal/transport"
)

// State tracks where a peer session is in its lifecycle. Sessions are not
// persisted; after a restart everything starts over from Disconnected and
// trust is rebuilt from the stored contact.
type State string

const (
	StateDisconnected     State = "disconnected"
	StateConnecting       State = "connecting"
	StateAwaitingIdentity State = "awaiting-identity"
	StateVerified         State = "verified"
)

// Registry maps peer identifiers to their live channel and handshake state.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	waiters map[string]chan struct{}
}

type entry struct {
	ch    transport.Channel
	state State
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		waiters: make(map[string]chan struct{}),
	}
}

// Track records the channel for a peer, creating or updating the entry.
func (r *Registry) Track(peerID string, ch transport.Channel, state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[peerID] = &entry{ch: ch, state: state}
}

func (r *Registry) SetState(peerID string, state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[peerID]; ok {
		e.state = state
	}
}

func (r *Registry) Get(peerID string) (transport.Channel, State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[peerID]
	if !ok {
		return nil, StateDisconnected, false
	}
	return e.ch, e.state, true
}

// Channel returns the live channel for a verified or pending session.
func (r *Registry) Channel(peerID string) (transport.Channel, bool) {
	ch, _, ok := r.Get(peerID)
	if !ok || ch == nil {
		return nil, false
	}
	return ch, true
}

// Remove forgets the session and hands back its channel so the caller can
// close it outside the lock.
func (r *Registry) Remove(peerID string) (transport.Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[peerID]
	if !ok {
		return nil, false
	}
	delete(r.entries, peerID)
	return e.ch, true
}

// MarkVerified advances the session and wakes every WaitVerified caller for
// the peer.
func (r *Registry) MarkVerified(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[peerID]; ok {
		e.state = StateVerified
	}
	if w, ok := r.waiters[peerID]; ok {
		close(w)
		delete(r.waiters, peerID)
	}
}

// waiter returns the one-shot channel closed on the peer's next verification.
func (r *Registry) waiter(peerID string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.waiters[peerID]
	if !ok {
		w = make(chan struct{})
		r.waiters[peerID] = w
	}
	return w
}

func (r *Registry) Peers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	return out
}

// Clear drops every session and returns the channels for closing.
func (r *Registry) Clear() []transport.Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]transport.Channel, 0, len(r.entries))
	for _, e := range r.entries {
		if e.ch != nil {
			out = append(out, e.ch)
		}
	}
	r.entries = make(map[string]*entry)
	return out
}
