// Package destruction implements the remote wipe protocol. Destruction is
// privileged and irreversible: a peer can only ever force removal of the data
// slice it contributed, and a full wipe is terminal for the running node.
package destruction

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"ember-chat/go-node/internal/identity"
	"ember-chat/go-node/internal/metrics"
	"ember-chat/go-node/internal/session"
	"ember-chat/go-node/internal/storage"
	"ember-chat/go-node/internal/transport"
	"ember-chat/go-node/internal/wire"
)

const EventDataDestroyed = "data-destroyed"

// DataDestroyed is the payload of EventDataDestroyed.
type DataDestroyed struct {
	Scope  string `json:"scope"`
	PeerID string `json:"peerId,omitempty"`
}

type Config struct {
	Identity      *identity.Manager
	IdentityStore *storage.IdentityStore
	Contacts      *storage.ContactStore
	Messages      *storage.MessageStore
	Envelopes     *storage.EnvelopeStore
	Controller    *session.Controller
	Notifier      session.Notifier
	Metrics       *metrics.Metrics
	Log           *slog.Logger
}

type Coordinator struct {
	ids       *identity.Manager
	idStore   *storage.IdentityStore
	contacts  *storage.ContactStore
	messages  *storage.MessageStore
	envelopes *storage.EnvelopeStore
	ctrl      *session.Controller
	notify    session.Notifier
	metrics   *metrics.Metrics
	log       *slog.Logger
}

func New(cfg Config) *Coordinator {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	c := &Coordinator{
		ids:       cfg.Identity,
		idStore:   cfg.IdentityStore,
		contacts:  cfg.Contacts,
		messages:  cfg.Messages,
		envelopes: cfg.Envelopes,
		ctrl:      cfg.Controller,
		notify:    cfg.Notifier,
		metrics:   cfg.Metrics,
		log:       cfg.Log,
	}
	if c.notify == nil {
		c.notify = noopNotifier{}
	}
	return c
}

type noopNotifier struct{}

func (noopNotifier) Publish(string, any) {}

// DestroyContact wipes every local trace of the peer and asks it, best
// effort, to do the same for us. Local deletion does not depend on delivery.
// Safe to call twice; the second call finds nothing and does nothing.
func (c *Coordinator) DestroyContact(ctx context.Context, peerID string) error {
	if ch, ok := c.ctrl.Registry().Channel(peerID); ok {
		c.sendDestroyCommand(ctx, ch, peerID)
	}
	existed, err := c.wipePeerData(peerID)
	if err != nil {
		return err
	}
	c.ctrl.Drop(peerID)
	if existed {
		c.log.Info("contact data destroyed", "peer_id", peerID)
		c.notify.Publish(EventDataDestroyed, DataDestroyed{Scope: "contact", PeerID: peerID})
	}
	return nil
}

// DestroyEverything wipes the whole node: destroy-commands fan out to every
// live session, all collections are cleared, channels close and the identity
// key material is overwritten. The node needs a fresh identity afterward.
func (c *Coordinator) DestroyEverything(ctx context.Context) error {
	for _, peerID := range c.ctrl.Registry().Peers() {
		if ch, ok := c.ctrl.Registry().Channel(peerID); ok {
			c.sendDestroyCommand(ctx, ch, peerID)
		}
	}

	var errs []error
	if err := c.messages.Wipe(); err != nil {
		errs = append(errs, err)
	}
	if err := c.envelopes.Wipe(); err != nil {
		errs = append(errs, err)
	}
	if err := c.contacts.Wipe(); err != nil {
		errs = append(errs, err)
	}
	if c.idStore != nil {
		if err := c.idStore.Wipe(); err != nil {
			errs = append(errs, err)
		}
	}

	c.ctrl.Shutdown()
	c.ids.SecureWipe()

	c.log.Info("all local data destroyed")
	c.notify.Publish(EventDataDestroyed, DataDestroyed{Scope: "all"})
	return errors.Join(errs...)
}

// HandleDestroyCommand services a peer's wipe request. The issuer only ever
// removes its own slice of data, so an open channel is all the authorization
// the protocol requires.
func (c *Coordinator) HandleDestroyCommand(ch transport.Channel, env wire.DestroyCommand) {
	issuer := ch.PeerID()
	if env.Issuer != issuer {
		c.log.Warn("destroy command with mismatched issuer dropped", "peer_id", issuer)
		return
	}
	if c.metrics != nil {
		c.metrics.DestroysReceived.Inc()
	}

	if _, err := c.wipePeerData(issuer); err != nil {
		c.log.Error("destroy command wipe failed", "peer_id", issuer, "error", err)
		return
	}
	c.log.Info("destroy command serviced", "peer_id", issuer)

	ack := wire.DestroyAck{Target: issuer, Timestamp: time.Now().UnixMilli()}
	if frame, err := wire.Encode(ack); err == nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ch.Send(sctx, frame); err != nil {
			c.log.Warn("destroy ack send failed", "peer_id", issuer, "error", err)
		}
	}
	c.notify.Publish(EventDataDestroyed, DataDestroyed{Scope: "contact", PeerID: issuer})
}

// HandleDestroyAck confirms the peer executed our wipe request.
func (c *Coordinator) HandleDestroyAck(peerID string, env wire.DestroyAck) {
	c.log.Info("destroy command acknowledged", "peer_id", peerID)
}

func (c *Coordinator) sendDestroyCommand(ctx context.Context, ch transport.Channel, peerID string) {
	cmd := wire.DestroyCommand{
		Issuer:    c.ids.PeerID(),
		Target:    peerID,
		Scope:     wire.ScopeAll,
		Timestamp: time.Now().UnixMilli(),
	}
	frame, err := wire.Encode(cmd)
	if err != nil {
		c.log.Warn("destroy command encode failed", "peer_id", peerID, "error", err)
		return
	}
	if err := ch.Send(ctx, frame); err != nil {
		c.log.Warn("destroy command send failed", "peer_id", peerID, "error", err)
		return
	}
	if c.metrics != nil {
		c.metrics.DestroysSent.Inc()
	}
}

// wipePeerData removes the peer's messages, self-destruct envelopes and
// contact row, reporting whether anything was there to remove.
func (c *Coordinator) wipePeerData(peerID string) (bool, error) {
	messages, err := c.messages.DeleteByContact(peerID)
	if err != nil {
		return false, err
	}
	envelopes, err := c.envelopes.DeleteByContact(peerID)
	if err != nil {
		return false, err
	}
	contactDeleted, err := c.contacts.Delete(peerID)
	if err != nil {
		return false, err
	}
	return messages > 0 || envelopes > 0 || contactDeleted, nil
}
