// Package session drives the symmetric identity handshake and tracks live
// peer sessions. Verification is mutual and unprompted: both sides assert
// their identity the moment a channel opens, and each side trusts a peer only
// after checking the assertion's signature against the key it carries.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ember-chat/go-node/internal/identity"
	"ember-chat/go-node/internal/metrics"
	"ember-chat/go-node/internal/storage"
	"ember-chat/go-node/internal/transport"
	"ember-chat/go-node/internal/wire"
	"ember-chat/go-node/pkg/models"
)

var ErrIdentityNotReady = errors.New("peer identity not ready")

// collisionRetryCap bounds how many fresh identities Register will try when
// the transport address is already taken.
const collisionRetryCap = 5

const (
	EventPeerIdentityReady    = "peer-identity-ready"
	EventContactStatusChanged = "contact-status-changed"
)

// Notifier receives protocol events for the presentation layer.
type Notifier interface {
	Publish(event string, payload any)
}

type noopNotifier struct{}

func (noopNotifier) Publish(string, any) {}

// PeerReady is the payload of EventPeerIdentityReady.
type PeerReady struct {
	PeerID    string `json:"peerId"`
	DisplayID string `json:"displayId"`
}

// ContactStatus is the payload of EventContactStatusChanged.
type ContactStatus struct {
	PeerID    string `json:"peerId"`
	Connected bool   `json:"connected"`
	Verified  bool   `json:"verified"`
}

type Config struct {
	Identity      *identity.Manager
	IdentityStore *storage.IdentityStore
	Contacts      *storage.ContactStore
	Backend       transport.Backend
	Registry      *Registry
	Notifier      Notifier
	Metrics       *metrics.Metrics
	Log           *slog.Logger

	ConnectTimeout time.Duration
	WaitBudget     time.Duration
	PollEvery      time.Duration
}

// Controller implements the handshake on top of the transport seam.
type Controller struct {
	ids      *identity.Manager
	idStore  *storage.IdentityStore
	contacts *storage.ContactStore
	backend  transport.Backend
	registry *Registry
	notify   Notifier
	metrics  *metrics.Metrics
	log      *slog.Logger

	connectTimeout time.Duration
	waitBudget     time.Duration
	pollEvery      time.Duration
}

func NewController(cfg Config) *Controller {
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = noopNotifier{}
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.WaitBudget <= 0 {
		cfg.WaitBudget = 10 * time.Second
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 500 * time.Millisecond
	}
	return &Controller{
		ids:            cfg.Identity,
		idStore:        cfg.IdentityStore,
		contacts:       cfg.Contacts,
		backend:        cfg.Backend,
		registry:       cfg.Registry,
		notify:         cfg.Notifier,
		metrics:        cfg.Metrics,
		log:            cfg.Log,
		connectTimeout: cfg.ConnectTimeout,
		waitBudget:     cfg.WaitBudget,
		pollEvery:      cfg.PollEvery,
	}
}

func (c *Controller) Registry() *Registry { return c.registry }

// Register claims the local peer identifier on the transport. An address
// collision means another node already derived the same identifier, so the
// identity is regenerated and re-registered, up to collisionRetryCap times.
func (c *Controller) Register(h transport.Handler) error {
	for attempt := 0; ; attempt++ {
		peerID := c.ids.PeerID()
		if peerID == "" {
			return identity.ErrNoIdentity
		}
		err := c.backend.Register(peerID, h)
		if err == nil {
			return nil
		}
		if !errors.Is(err, transport.ErrAddressInUse) {
			return err
		}
		if attempt >= collisionRetryCap {
			return fmt.Errorf("peer identifier collision persists after %d retries: %w", collisionRetryCap, transport.ErrAddressInUse)
		}
		c.log.Warn("peer identifier collision, regenerating identity", "peer_id", peerID)
		id, _, genErr := c.ids.Generate()
		if genErr != nil {
			return genErr
		}
		if c.idStore != nil {
			if saveErr := c.idStore.Save(id); saveErr != nil {
				return saveErr
			}
		}
	}
}

// Connect opens a channel to the peer, creating a placeholder contact that
// the handshake fills in. Idempotent for already-open sessions; a placeholder
// created by a failed attempt is removed again.
func (c *Controller) Connect(ctx context.Context, peerID string) error {
	localID := c.ids.PeerID()
	if localID == "" {
		return identity.ErrNoIdentity
	}
	if _, ok := c.registry.Channel(peerID); ok {
		return nil
	}

	placeholder := false
	if _, ok := c.contacts.Get(peerID); !ok {
		if err := c.contacts.Put(models.Contact{PeerID: peerID}); err != nil {
			return err
		}
		placeholder = true
	}
	c.registry.Track(peerID, nil, StateConnecting)

	cctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()
	if _, err := c.backend.Connect(cctx, localID, peerID); err != nil {
		c.registry.Remove(peerID)
		if placeholder {
			if _, delErr := c.contacts.Delete(peerID); delErr != nil {
				c.log.Warn("placeholder contact cleanup failed", "peer_id", peerID, "error", delErr)
			}
		}
		return err
	}
	// HandleOpen fires asynchronously and sends the identity assertion.
	return nil
}

// HandleOpen tracks the channel and immediately asserts the local identity.
// Both sides do this unconditionally; neither waits for the other.
func (c *Controller) HandleOpen(ch transport.Channel) {
	peerID := ch.PeerID()
	if _, ok := c.contacts.Get(peerID); !ok {
		if err := c.contacts.Put(models.Contact{PeerID: peerID}); err != nil {
			c.log.Error("placeholder contact persist failed", "peer_id", peerID, "error", err)
		}
	}
	c.registry.Track(peerID, ch, StateAwaitingIdentity)
	if err := c.sendAssertion(ch); err != nil {
		c.log.Warn("identity assertion send failed", "peer_id", peerID, "error", err)
	}
}

// HandleIdentity verifies an inbound identity assertion. A bad signature or a
// key that does not derive the claimed identifier drops the assertion and
// leaves the session awaiting identity.
func (c *Controller) HandleIdentity(ch transport.Channel, env wire.Identity) {
	peerID := ch.PeerID()
	if env.PeerID != peerID {
		c.log.Warn("identity assertion for wrong peer dropped", "peer_id", peerID)
		return
	}
	derived, err := identity.BuildPeerID(env.PublicKey)
	if err != nil || derived != env.PeerID {
		c.rejectAssertion(peerID, "public key does not derive claimed identifier")
		return
	}
	payload := identity.AssertionBytes(env.PeerID, env.DisplayID, env.PublicKey, env.Timestamp)
	if !identity.Verify(payload, env.Signature, env.PublicKey) {
		c.rejectAssertion(peerID, "signature verification failed")
		return
	}

	contact, _ := c.contacts.Get(peerID)
	contact.PeerID = peerID
	contact.DisplayID = env.DisplayID
	contact.PublicKey = append([]byte(nil), env.PublicKey...)
	contact.Verified = true
	contact.Connected = true
	contact.LastSeen = time.Now().UTC()
	if err := c.contacts.Put(contact); err != nil {
		c.log.Error("verified contact persist failed", "peer_id", peerID, "error", err)
		return
	}

	c.registry.MarkVerified(peerID)
	if c.metrics != nil {
		c.metrics.HandshakesVerified.Inc()
	}
	c.log.Info("peer identity verified", "peer_id", peerID)

	ack := wire.IdentityAck{PeerID: c.ids.PeerID(), Timestamp: time.Now().UnixMilli()}
	if err := c.send(ch, ack); err != nil {
		c.log.Warn("identity ack send failed", "peer_id", peerID, "error", err)
	}

	c.notify.Publish(EventPeerIdentityReady, PeerReady{PeerID: peerID, DisplayID: env.DisplayID})
	c.notify.Publish(EventContactStatusChanged, ContactStatus{PeerID: peerID, Connected: true, Verified: true})
}

// HandleAck marks the peer verified when its key is already on file. An ack
// ahead of the peer's own assertion proves nothing about the key, so it is
// ignored and the assertion settles verification when it lands.
func (c *Controller) HandleAck(peerID string, env wire.IdentityAck) {
	contact, ok := c.contacts.Get(peerID)
	if !ok || len(contact.PublicKey) == 0 {
		c.log.Debug("identity ack before peer assertion ignored", "peer_id", peerID)
		return
	}
	if contact.Verified {
		return
	}
	contact.Verified = true
	contact.Connected = true
	contact.LastSeen = time.Now().UTC()
	if err := c.contacts.Put(contact); err != nil {
		c.log.Error("acked contact persist failed", "peer_id", peerID, "error", err)
		return
	}
	c.registry.MarkVerified(peerID)
	c.notify.Publish(EventPeerIdentityReady, PeerReady{PeerID: peerID, DisplayID: contact.DisplayID})
	c.notify.Publish(EventContactStatusChanged, ContactStatus{PeerID: peerID, Connected: true, Verified: true})
}

// HandleClose drops the session. Verification survives the disconnect; only
// the live connection flag is lowered.
func (c *Controller) HandleClose(peerID string, err error) {
	c.registry.Remove(peerID)
	contact, ok := c.contacts.Get(peerID)
	if ok && contact.Connected {
		contact.Connected = false
		if putErr := c.contacts.Put(contact); putErr != nil {
			c.log.Error("contact disconnect persist failed", "peer_id", peerID, "error", putErr)
		}
	}
	if err != nil {
		c.log.Info("channel closed", "peer_id", peerID, "error", err)
	} else {
		c.log.Info("channel closed", "peer_id", peerID)
	}
	c.notify.Publish(EventContactStatusChanged, ContactStatus{PeerID: peerID, Connected: false, Verified: contact.Verified})
}

// WaitVerified blocks until the peer's identity is verified, the context is
// cancelled or the wait budget runs out. Verification wakes waiters
// immediately; the poll covers verification that happened before the call.
func (c *Controller) WaitVerified(ctx context.Context, peerID string) error {
	ready := func() bool {
		contact, ok := c.contacts.Get(peerID)
		return ok && contact.Ready()
	}
	if ready() {
		return nil
	}

	waiter := c.registry.waiter(peerID)
	ticker := time.NewTicker(c.pollEvery)
	defer ticker.Stop()
	budget := time.NewTimer(c.waitBudget)
	defer budget.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-budget.C:
			return ErrIdentityNotReady
		case <-waiter:
			if ready() {
				return nil
			}
			waiter = c.registry.waiter(peerID)
		case <-ticker.C:
			if ready() {
				return nil
			}
		}
	}
}

// ReassertIdentity resends the local identity assertion on an open channel,
// healing a peer that lost its half of the handshake.
func (c *Controller) ReassertIdentity(ch transport.Channel) {
	if err := c.sendAssertion(ch); err != nil {
		c.log.Warn("identity reassertion failed", "peer_id", ch.PeerID(), "error", err)
	}
}

// Drop closes and forgets the peer's session, if any.
func (c *Controller) Drop(peerID string) {
	if ch, ok := c.registry.Remove(peerID); ok && ch != nil {
		_ = ch.Close()
	}
}

// Shutdown closes every session and releases the transport address.
func (c *Controller) Shutdown() {
	for _, ch := range c.registry.Clear() {
		_ = ch.Close()
	}
	if peerID := c.ids.PeerID(); peerID != "" {
		c.backend.Deregister(peerID)
	}
}

func (c *Controller) rejectAssertion(peerID, reason string) {
	if c.metrics != nil {
		c.metrics.SignatureFailures.Inc()
	}
	c.log.Warn("identity assertion rejected", "peer_id", peerID, "reason", reason)
}

func (c *Controller) sendAssertion(ch transport.Channel) error {
	id, ok := c.ids.Identity()
	if !ok {
		return identity.ErrNoIdentity
	}
	now := time.Now().UnixMilli()
	payload := identity.AssertionBytes(id.PeerID, id.DisplayID, id.PublicKey, now)
	sig, err := c.ids.Sign(payload)
	if err != nil {
		return err
	}
	return c.send(ch, wire.Identity{
		PeerID:    id.PeerID,
		DisplayID: id.DisplayID,
		PublicKey: id.PublicKey,
		Timestamp: now,
		Signature: sig,
	})
}

func (c *Controller) send(ch transport.Channel, env wire.Envelope) error {
	frame, err := wire.Encode(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return ch.Send(ctx, frame)
}
