// Package exchange moves encrypted messages between verified peers. It is the
// transport handler for the node: every inbound frame lands here and is
// dispatched by envelope kind to the handshake controller, the destruction
// coordinator or the message paths below.
package exchange

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ember-chat/go-node/internal/identity"
	"ember-chat/go-node/internal/metrics"
	"ember-chat/go-node/internal/platform/ratelimiter"
	"ember-chat/go-node/internal/session"
	"ember-chat/go-node/internal/storage"
	"ember-chat/go-node/internal/transport"
	"ember-chat/go-node/internal/wire"
	"ember-chat/go-node/pkg/models"
)

var (
	ErrNotConnected = errors.New("no open channel to peer")
	ErrInvalidTTL   = errors.New("self-destruct ttl out of range")
)

const (
	EventMessageReceived = "message-received"
	EventMessageSent     = "message-sent"

	// placeholderContent is stored instead of plaintext until a
	// self-destruct message is deliberately decrypted.
	placeholderContent = "[self-destruct message]"

	defaultSweepEvery = time.Minute
)

// MessageEvent is the payload of EventMessageSent and EventMessageReceived.
type MessageEvent struct {
	PeerID  string         `json:"peerId"`
	Message models.Message `json:"message"`
}

// Destructor services the destruction envelopes the dispatcher routes away.
type Destructor interface {
	HandleDestroyCommand(ch transport.Channel, env wire.DestroyCommand)
	HandleDestroyAck(peerID string, env wire.DestroyAck)
}

type Config struct {
	Identity   *identity.Manager
	Contacts   *storage.ContactStore
	Messages   *storage.MessageStore
	Envelopes  *storage.EnvelopeStore
	Controller *session.Controller
	Destructor Destructor
	Notifier   session.Notifier
	Metrics    *metrics.Metrics
	Log        *slog.Logger
	Limiter    *ratelimiter.PeerLimiter
	SweepEvery time.Duration
}

// Exchange implements transport.Handler and the message operations.
type Exchange struct {
	ids        *identity.Manager
	contacts   *storage.ContactStore
	messages   *storage.MessageStore
	envelopes  *storage.EnvelopeStore
	ctrl       *session.Controller
	destructor Destructor
	notify     session.Notifier
	metrics    *metrics.Metrics
	log        *slog.Logger
	limiter    *ratelimiter.PeerLimiter
	sweepEvery time.Duration
}

func New(cfg Config) *Exchange {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = defaultSweepEvery
	}
	x := &Exchange{
		ids:        cfg.Identity,
		contacts:   cfg.Contacts,
		messages:   cfg.Messages,
		envelopes:  cfg.Envelopes,
		ctrl:       cfg.Controller,
		destructor: cfg.Destructor,
		notify:     cfg.Notifier,
		metrics:    cfg.Metrics,
		log:        cfg.Log,
		limiter:    cfg.Limiter,
		sweepEvery: cfg.SweepEvery,
	}
	if x.notify == nil {
		x.notify = noopNotifier{}
	}
	return x
}

type noopNotifier struct{}

func (noopNotifier) Publish(string, any) {}

// SetDestructor breaks the construction cycle between the exchange and the
// destruction coordinator; it must be called before the transport handler is
// registered.
func (x *Exchange) SetDestructor(d Destructor) {
	x.destructor = d
}

func (x *Exchange) HandleOpen(ch transport.Channel) {
	x.ctrl.HandleOpen(ch)
}

func (x *Exchange) HandleClose(peerID string, err error) {
	x.ctrl.HandleClose(peerID, err)
}

// HandleData decodes and dispatches one inbound frame. Malformed or unknown
// envelopes and over-limit peers are dropped with a log; adversarial input
// never tears the channel down.
func (x *Exchange) HandleData(ch transport.Channel, frame []byte) {
	peerID := ch.PeerID()
	if !x.limiter.Allow(peerID, time.Now()) {
		if x.metrics != nil {
			x.metrics.FramesRateLimited.Inc()
		}
		x.log.Warn("inbound frame rate limited", "peer_id", peerID)
		return
	}

	env, err := wire.Decode(frame)
	if err != nil {
		x.log.Warn("undecodable frame dropped", "peer_id", peerID, "error", err)
		return
	}

	switch e := env.(type) {
	case wire.Identity:
		x.ctrl.HandleIdentity(ch, e)
	case wire.IdentityAck:
		x.ctrl.HandleAck(peerID, e)
	case wire.Message:
		x.receiveMessage(ch, e)
	case wire.SelfDestruct:
		x.receiveSelfDestruct(ch, e)
	case wire.DestroyCommand:
		if x.destructor != nil {
			x.destructor.HandleDestroyCommand(ch, e)
		}
	case wire.DestroyAck:
		if x.destructor != nil {
			x.destructor.HandleDestroyAck(peerID, e)
		}
	}
}

// Send encrypts text to a verified peer and persists the sender's plaintext
// copy once the transport accepted the frame. Plaintext never crosses the
// wire.
func (x *Exchange) Send(ctx context.Context, peerID, text string) (models.Message, error) {
	contact, ch, err := x.readyChannel(ctx, peerID)
	if err != nil {
		return models.Message{}, err
	}

	enc, err := x.ids.EncryptMessage([]byte(text), contact.PublicKey)
	if err != nil {
		return models.Message{}, err
	}
	env := wire.Message{
		Ciphertext: enc.Ciphertext,
		Nonce:      enc.Nonce,
		Timestamp:  enc.Timestamp.UnixMilli(),
	}
	if err := x.sendEnvelope(ctx, ch, env); err != nil {
		return models.Message{}, err
	}

	msg := models.Message{
		ID:        newMessageID("msg"),
		ContactID: peerID,
		Content:   []byte(text),
		Direction: models.DirectionSent,
		Timestamp: enc.Timestamp,
	}
	if err := x.messages.Save(msg); err != nil {
		return models.Message{}, err
	}
	if x.metrics != nil {
		x.metrics.MessagesSent.Inc()
	}
	x.notify.Publish(EventMessageSent, MessageEvent{PeerID: peerID, Message: msg})
	return msg, nil
}

// SendSelfDestruct encrypts text under a fresh one-off key and ships key and
// ciphertext together. Nothing lands in the plaintext message store until the
// envelope is deliberately decrypted; the stored envelope alone carries the
// content until then, and only until it expires.
func (x *Exchange) SendSelfDestruct(ctx context.Context, peerID, text string, ttlHours float64) (string, error) {
	if ttlHours <= 0 || ttlHours > wire.MaxTTLHours {
		return "", ErrInvalidTTL
	}
	_, ch, err := x.readyChannel(ctx, peerID)
	if err != nil {
		return "", err
	}

	key, err := x.ids.NewSelfDestructKey()
	if err != nil {
		return "", err
	}
	ciphertext, nonce, err := x.ids.EncryptWithKey([]byte(text), key)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	messageID := newMessageID("sd")
	env := wire.SelfDestruct{
		MessageID:    messageID,
		Ciphertext:   ciphertext,
		Nonce:        nonce,
		SymmetricKey: key,
		TTLHours:     ttlHours,
		Timestamp:    now.UnixMilli(),
	}
	if err := x.sendEnvelope(ctx, ch, env); err != nil {
		return "", err
	}

	stored := models.SelfDestructEnvelope{
		ID:           messageID,
		ContactID:    peerID,
		Ciphertext:   ciphertext,
		Nonce:        nonce,
		SymmetricKey: key,
		TTLHours:     ttlHours,
		CreatedAt:    now,
		ExpiresAt:    expiryFrom(now, ttlHours),
	}
	if err := x.envelopes.Put(stored); err != nil {
		return "", err
	}
	if x.metrics != nil {
		x.metrics.MessagesSent.Inc()
	}
	x.notify.Publish(EventMessageSent, MessageEvent{PeerID: peerID, Message: models.Message{
		ID:             messageID,
		ContactID:      peerID,
		Content:        []byte(placeholderContent),
		Direction:      models.DirectionSent,
		Timestamp:      now,
		IsSelfDestruct: true,
		SelfDestructID: messageID,
	}})
	return messageID, nil
}

// DecryptSelfDestruct reveals a self-destruct message from its stored
// envelope and deletes the envelope. Idempotent: once revealed, later calls
// return the same plaintext record. An expired (swept) envelope is gone for
// good and yields ErrDecryptionFailed.
func (x *Exchange) DecryptSelfDestruct(messageID string) (models.Message, error) {
	if msg, ok := x.messages.Get(messageID); ok && !msg.IsSelfDestruct {
		return msg, nil
	}

	env, ok := x.envelopes.Get(messageID)
	if !ok {
		return models.Message{}, identity.ErrDecryptionFailed
	}
	plaintext, err := x.ids.DecryptWithKey(env.Ciphertext, env.Nonce, env.SymmetricKey)
	if err != nil {
		return models.Message{}, err
	}

	var msg models.Message
	if _, hasPlaceholder := x.messages.Get(messageID); hasPlaceholder {
		revealed, _, err := x.messages.RevealSelfDestruct(messageID, plaintext)
		if err != nil {
			return models.Message{}, err
		}
		msg = revealed
	} else {
		// No placeholder means this side sent the message.
		msg = models.Message{
			ID:             messageID,
			ContactID:      env.ContactID,
			Content:        plaintext,
			Direction:      models.DirectionSent,
			Timestamp:      env.CreatedAt,
			SelfDestructID: messageID,
		}
		if err := x.messages.Save(msg); err != nil {
			return models.Message{}, err
		}
	}
	if _, err := x.envelopes.Delete(messageID); err != nil {
		x.log.Warn("self-destruct envelope delete failed", "message_id", messageID, "error", err)
	}
	return msg, nil
}

// RunSweeper deletes expired self-destruct envelopes on a fixed cadence until
// the context is cancelled. Envelopes never decrypted before expiry are
// unrecoverable afterward; that is the point.
func (x *Exchange) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(x.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			x.SweepExpired(time.Now())
		}
	}
}

// SweepExpired runs one sweep pass and reports how many envelopes it removed.
func (x *Exchange) SweepExpired(now time.Time) int {
	deleted, err := x.envelopes.DeleteExpired(now)
	if err != nil {
		x.log.Error("expiry sweep failed", "error", err)
		return 0
	}
	if deleted > 0 {
		if x.metrics != nil {
			x.metrics.EnvelopesSwept.Add(float64(deleted))
		}
		x.log.Info("expired self-destruct envelopes swept", "deleted", deleted)
	}
	return deleted
}

func (x *Exchange) receiveMessage(ch transport.Channel, env wire.Message) {
	peerID := ch.PeerID()
	contact, ok := x.contacts.Get(peerID)
	if !ok || len(contact.PublicKey) == 0 {
		// Partial handshake on the peer's side; reassert and drop.
		x.log.Info("message from unverified peer dropped, reasserting identity", "peer_id", peerID)
		x.ctrl.ReassertIdentity(ch)
		return
	}

	plaintext, err := x.ids.DecryptMessage(env.Ciphertext, env.Nonce, contact.PublicKey)
	if err != nil {
		if x.metrics != nil {
			x.metrics.DecryptFailures.Inc()
		}
		x.log.Warn("inbound message failed decryption", "peer_id", peerID, "error", err)
		return
	}

	msg := models.Message{
		ID:        newMessageID("msg"),
		ContactID: peerID,
		Content:   plaintext,
		Direction: models.DirectionReceived,
		Timestamp: time.UnixMilli(env.Timestamp).UTC(),
	}
	if err := x.messages.Save(msg); err != nil {
		x.log.Error("received message persist failed", "peer_id", peerID, "error", err)
		return
	}
	if x.metrics != nil {
		x.metrics.MessagesReceived.Inc()
	}
	x.notify.Publish(EventMessageReceived, MessageEvent{PeerID: peerID, Message: msg})
}

func (x *Exchange) receiveSelfDestruct(ch transport.Channel, env wire.SelfDestruct) {
	peerID := ch.PeerID()
	now := time.Now().UTC()
	stored := models.SelfDestructEnvelope{
		ID:           env.MessageID,
		ContactID:    peerID,
		Ciphertext:   append([]byte(nil), env.Ciphertext...),
		Nonce:        append([]byte(nil), env.Nonce...),
		SymmetricKey: append([]byte(nil), env.SymmetricKey...),
		TTLHours:     env.TTLHours,
		CreatedAt:    now,
		ExpiresAt:    expiryFrom(now, env.TTLHours),
	}
	if err := x.envelopes.Put(stored); err != nil {
		x.log.Error("self-destruct envelope persist failed", "peer_id", peerID, "error", err)
		return
	}
	placeholder := models.Message{
		ID:             env.MessageID,
		ContactID:      peerID,
		Content:        []byte(placeholderContent),
		Direction:      models.DirectionReceived,
		Timestamp:      now,
		IsSelfDestruct: true,
		SelfDestructID: env.MessageID,
	}
	if err := x.messages.Save(placeholder); err != nil {
		x.log.Error("self-destruct placeholder persist failed", "peer_id", peerID, "error", err)
		return
	}
	if x.metrics != nil {
		x.metrics.MessagesReceived.Inc()
	}
	x.notify.Publish(EventMessageReceived, MessageEvent{PeerID: peerID, Message: placeholder})
}

// readyChannel waits for the peer to verify and returns its contact and live
// channel.
func (x *Exchange) readyChannel(ctx context.Context, peerID string) (models.Contact, transport.Channel, error) {
	if err := x.ctrl.WaitVerified(ctx, peerID); err != nil {
		return models.Contact{}, nil, err
	}
	contact, ok := x.contacts.Get(peerID)
	if !ok || !contact.Ready() {
		return models.Contact{}, nil, session.ErrIdentityNotReady
	}
	ch, ok := x.ctrl.Registry().Channel(peerID)
	if !ok {
		return models.Contact{}, nil, ErrNotConnected
	}
	return contact, ch, nil
}

func (x *Exchange) sendEnvelope(ctx context.Context, ch transport.Channel, env wire.Envelope) error {
	frame, err := wire.Encode(env)
	if err != nil {
		return err
	}
	return ch.Send(ctx, frame)
}

func expiryFrom(now time.Time, ttlHours float64) time.Time {
	return now.Add(time.Duration(ttlHours * float64(time.Hour)))
}

func newMessageID(prefix string) string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s_%d_0", prefix, time.Now().UnixMilli())
	}
	return fmt.Sprintf("%s_%d_%s", prefix, time.Now().UnixMilli(), hex.EncodeToString(buf))
}
