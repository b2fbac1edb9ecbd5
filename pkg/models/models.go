package models

import "time"

// Identity is the long-lived keypair owned by the local installation.
// PrivateSeed is the 32-byte ed25519 seed; it is zeroed on destruction.
type Identity struct {
	PublicKey   []byte    `json:"public_key"`
	PrivateSeed []byte    `json:"private_seed"`
	PeerID      string    `json:"peer_id"`
	DisplayID   string    `json:"display_id"`
	CreatedAt   time.Time `json:"created_at"`
}

type Contact struct {
	PeerID    string    `json:"peer_id"`
	DisplayID string    `json:"display_id"`
	PublicKey []byte    `json:"public_key,omitempty"`
	Connected bool      `json:"connected"`
	Verified  bool      `json:"verified"`
	LastSeen  time.Time `json:"last_seen"`
}

// Ready reports whether messages may be encrypted to this contact.
// Verified implies a stored public key; both are checked anyway.
func (c Contact) Ready() bool {
	return c.Verified && len(c.PublicKey) > 0
}

const (
	DirectionSent     = "sent"
	DirectionReceived = "received"
)

type Message struct {
	ID             string    `json:"id"`
	ContactID      string    `json:"contact_id"`
	Content        []byte    `json:"content"`
	Direction      string    `json:"direction"`
	Timestamp      time.Time `json:"timestamp"`
	IsSelfDestruct bool      `json:"is_self_destruct"`
	SelfDestructID string    `json:"self_destruct_id,omitempty"`
}

// SelfDestructEnvelope is the locally stored ephemeral payload. The symmetric
// key lives only here; once the envelope expires or is decrypted the key is
// gone and the ciphertext is unrecoverable.
type SelfDestructEnvelope struct {
	ID           string    `json:"id"`
	ContactID    string    `json:"contact_id"`
	Ciphertext   []byte    `json:"ciphertext"`
	Nonce        []byte    `json:"nonce"`
	SymmetricKey []byte    `json:"symmetric_key,omitempty"`
	TTLHours     float64   `json:"ttl_hours"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (e SelfDestructEnvelope) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}
