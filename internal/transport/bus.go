package transport

import (
	"context"
	"sync"
	"time"
)

const endpointQueueSize = 256

// Bus is the in-memory Backend. Every node in the same process registers on
// one Bus; a channel is a pair of endpoints, each with its own dispatch
// goroutine, which preserves arrival order per channel without blocking
// other peers.
type Bus struct {
	mu         sync.Mutex
	registered map[string]*registration
	pollEvery  time.Duration
}

type registration struct {
	handler  Handler
	channels map[*endpoint]struct{}
}

func NewBus() *Bus {
	return &Bus{
		registered: make(map[string]*registration),
		pollEvery:  50 * time.Millisecond,
	}
}

func (b *Bus) Register(peerID string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, taken := b.registered[peerID]; taken {
		return ErrAddressInUse
	}
	b.registered[peerID] = &registration{
		handler:  h,
		channels: make(map[*endpoint]struct{}),
	}
	return nil
}

func (b *Bus) Deregister(peerID string) {
	b.mu.Lock()
	reg, ok := b.registered[peerID]
	delete(b.registered, peerID)
	b.mu.Unlock()
	if !ok {
		return
	}
	for ep := range reg.channels {
		ep.closePair(nil)
	}
}

// Connect waits for the remote peer to register, then opens an endpoint pair
// and raises HandleOpen on both sides.
func (b *Bus) Connect(ctx context.Context, localID, remoteID string) (Channel, error) {
	ticker := time.NewTicker(b.pollEvery)
	defer ticker.Stop()
	for {
		ch, ok, err := b.tryConnect(localID, remoteID)
		if err != nil {
			return nil, err
		}
		if ok {
			return ch, nil
		}
		select {
		case <-ctx.Done():
			return nil, ErrConnectTimeout
		case <-ticker.C:
		}
	}
}

func (b *Bus) tryConnect(localID, remoteID string) (Channel, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	local, ok := b.registered[localID]
	if !ok {
		return nil, false, ErrNotRegistered
	}
	remote, ok := b.registered[remoteID]
	if !ok {
		return nil, false, nil
	}

	near := newEndpoint(remoteID, local.handler)
	far := newEndpoint(localID, remote.handler)
	near.twin, far.twin = far, near
	local.channels[near] = struct{}{}
	remote.channels[far] = struct{}{}
	near.onShutdown = b.cleanupFunc(localID, near)
	far.onShutdown = b.cleanupFunc(remoteID, far)

	near.enqueue(event{kind: eventOpen})
	far.enqueue(event{kind: eventOpen})
	return near, true, nil
}

func (b *Bus) cleanupFunc(peerID string, ep *endpoint) func() {
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if reg, ok := b.registered[peerID]; ok {
			delete(reg.channels, ep)
		}
	}
}

type eventKind int

const (
	eventOpen eventKind = iota
	eventData
	eventClose
)

type event struct {
	kind  eventKind
	frame []byte
	err   error
}

type endpoint struct {
	remoteID   string
	twin       *endpoint
	handler    Handler
	onShutdown func()

	mu     sync.Mutex
	events chan event
	closed bool
	once   sync.Once
}

func newEndpoint(remoteID string, h Handler) *endpoint {
	ep := &endpoint{
		remoteID: remoteID,
		handler:  h,
		events:   make(chan event, endpointQueueSize),
	}
	go ep.dispatch()
	return ep
}

func (ep *endpoint) dispatch() {
	for ev := range ep.events {
		switch ev.kind {
		case eventOpen:
			ep.handler.HandleOpen(ep)
		case eventData:
			ep.handler.HandleData(ep, ev.frame)
		case eventClose:
			ep.handler.HandleClose(ep.remoteID, ev.err)
		}
	}
}

func (ep *endpoint) PeerID() string {
	return ep.remoteID
}

func (ep *endpoint) Send(ctx context.Context, frame []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	ep.mu.Lock()
	closed := ep.closed
	ep.mu.Unlock()
	if closed || ep.twin == nil {
		return ErrChannelClosed
	}
	if !ep.twin.enqueue(event{kind: eventData, frame: append([]byte(nil), frame...)}) {
		return ErrChannelClosed
	}
	return nil
}

func (ep *endpoint) Close() error {
	ep.closePair(nil)
	return nil
}

// closePair tears down both ends, delivering a final close event to each.
func (ep *endpoint) closePair(err error) {
	if ep.twin != nil {
		ep.twin.shutdown(err)
	}
	ep.shutdown(err)
}

func (ep *endpoint) enqueue(ev event) bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.closed {
		return false
	}
	select {
	case ep.events <- ev:
		return true
	default:
		return false
	}
}

func (ep *endpoint) shutdown(err error) {
	ep.once.Do(func() {
		ep.mu.Lock()
		ep.closed = true
		// The queue is only written under this lock, so after marking closed
		// the close event is the final one. Drop it rather than block when
		// the consumer is already saturated.
		select {
		case ep.events <- event{kind: eventClose, err: err}:
		default:
		}
		close(ep.events)
		ep.mu.Unlock()
		if ep.onShutdown != nil {
			ep.onShutdown()
		}
	})
}
