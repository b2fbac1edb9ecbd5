// Package transport defines the session-oriented channel seam the protocol
// core runs on. The core only needs connect/accept, ordered frame delivery
// per channel and close/error notifications; signaling and NAT traversal
// live behind the Backend implementation.
package transport

import (
	"context"
	"errors"
)

var (
	ErrAddressInUse   = errors.New("transport address already in use")
	ErrNotRegistered  = errors.New("transport identity is not registered")
	ErrChannelClosed  = errors.New("transport channel is closed")
	ErrConnectTimeout = errors.New("transport connect timed out")
)

// Channel is one reliable, ordered point-to-point link to a peer.
type Channel interface {
	PeerID() string
	Send(ctx context.Context, frame []byte) error
	Close() error
}

// Handler receives channel lifecycle events. Events for a single channel
// arrive in order; events across different channels interleave freely.
type Handler interface {
	HandleOpen(ch Channel)
	HandleData(ch Channel, frame []byte)
	HandleClose(peerID string, err error)
}

// Backend registers a local address and opens channels to remote ones.
type Backend interface {
	// Register claims the peer identifier and installs the event handler.
	// A taken address yields ErrAddressInUse.
	Register(peerID string, h Handler) error
	// Connect opens a channel from the registered local address to a remote
	// one, waiting until the context deadline for the peer to appear. Both
	// sides observe HandleOpen.
	Connect(ctx context.Context, localID, remoteID string) (Channel, error)
	// Deregister releases the address and closes its channels.
	Deregister(peerID string)
}
