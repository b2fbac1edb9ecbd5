package wire

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrUnknownType     = errors.New("unknown envelope type")
	ErrInvalidEnvelope = errors.New("invalid envelope")
)

// Kind discriminates the closed set of wire envelopes.
type Kind string

const (
	KindIdentity     Kind = "identity"
	KindIdentityAck  Kind = "identity-ack"
	KindMessage      Kind = "message"
	KindSelfDestruct Kind = "self-destruct-message"
	KindDestroyCmd   Kind = "destroy-command"
	KindDestroyAck   Kind = "destroy-ack"
)

const (
	// ScopeAll is the only destruction scope this protocol defines.
	ScopeAll = "all"

	MaxTTLHours = 24 * 30
)

// Envelope is the sealed sum over the six wire payloads.
type Envelope interface {
	Kind() Kind
	validate() error
}

// Identity is the signed identity assertion both sides send unconditionally
// on every channel establishment.
type Identity struct {
	PeerID    string `json:"peerId"`
	DisplayID string `json:"displayId"`
	PublicKey []byte `json:"publicKey"`
	Timestamp int64  `json:"timestamp"`
	Signature []byte `json:"signature"`
}

type IdentityAck struct {
	PeerID    string `json:"peerId"`
	Timestamp int64  `json:"timestamp"`
}

type Message struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
	Timestamp  int64  `json:"timestamp"`
}

// SelfDestruct carries the symmetric key next to the ciphertext: the
// protocol's ephemerality is about local storage lifetime, not transport
// confidentiality beyond the channel itself.
type SelfDestruct struct {
	MessageID    string  `json:"messageId"`
	Ciphertext   []byte  `json:"ciphertext"`
	Nonce        []byte  `json:"nonce"`
	SymmetricKey []byte  `json:"symmetricKey"`
	TTLHours     float64 `json:"ttlHours"`
	Timestamp    int64   `json:"timestamp"`
}

type DestroyCommand struct {
	Issuer    string `json:"issuer"`
	Target    string `json:"target"`
	Scope     string `json:"scope"`
	Timestamp int64  `json:"timestamp"`
}

type DestroyAck struct {
	Target    string `json:"target"`
	Timestamp int64  `json:"timestamp"`
}

func (Identity) Kind() Kind       { return KindIdentity }
func (IdentityAck) Kind() Kind    { return KindIdentityAck }
func (Message) Kind() Kind        { return KindMessage }
func (SelfDestruct) Kind() Kind   { return KindSelfDestruct }
func (DestroyCommand) Kind() Kind { return KindDestroyCmd }
func (DestroyAck) Kind() Kind     { return KindDestroyAck }

func (e Identity) validate() error {
	if e.PeerID == "" || len(e.PublicKey) != ed25519.PublicKeySize || len(e.Signature) != ed25519.SignatureSize {
		return ErrInvalidEnvelope
	}
	return nil
}

func (e IdentityAck) validate() error {
	if e.PeerID == "" {
		return ErrInvalidEnvelope
	}
	return nil
}

func (e Message) validate() error {
	if len(e.Ciphertext) == 0 || len(e.Nonce) != chacha20poly1305.NonceSizeX {
		return ErrInvalidEnvelope
	}
	return nil
}

func (e SelfDestruct) validate() error {
	if e.MessageID == "" || len(e.Ciphertext) == 0 {
		return ErrInvalidEnvelope
	}
	if len(e.Nonce) != chacha20poly1305.NonceSizeX || len(e.SymmetricKey) != chacha20poly1305.KeySize {
		return ErrInvalidEnvelope
	}
	if e.TTLHours <= 0 || e.TTLHours > MaxTTLHours {
		return ErrInvalidEnvelope
	}
	return nil
}

func (e DestroyCommand) validate() error {
	if e.Issuer == "" || e.Target == "" || e.Scope != ScopeAll {
		return ErrInvalidEnvelope
	}
	return nil
}

func (e DestroyAck) validate() error {
	if e.Target == "" {
		return ErrInvalidEnvelope
	}
	return nil
}

type frame struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"-"`
}

// Encode frames an envelope as JSON with its type discriminator inlined.
func Encode(env Envelope) ([]byte, error) {
	if err := env.validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	// Splice the discriminator into the flat object.
	tag, err := json.Marshal(struct {
		Type Kind `json:"type"`
	}{env.Kind()})
	if err != nil {
		return nil, err
	}
	if string(body) == "{}" {
		return tag, nil
	}
	out := make([]byte, 0, len(tag)+len(body))
	out = append(out, tag[:len(tag)-1]...)
	out = append(out, ',')
	out = append(out, body[1:]...)
	return out, nil
}

// Decode parses a framed envelope, rejecting unknown discriminators and
// structurally invalid payloads.
func Decode(data []byte) (Envelope, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, ErrInvalidEnvelope
	}

	var env Envelope
	switch f.Type {
	case KindIdentity:
		env = decodeInto[Identity](data)
	case KindIdentityAck:
		env = decodeInto[IdentityAck](data)
	case KindMessage:
		env = decodeInto[Message](data)
	case KindSelfDestruct:
		env = decodeInto[SelfDestruct](data)
	case KindDestroyCmd:
		env = decodeInto[DestroyCommand](data)
	case KindDestroyAck:
		env = decodeInto[DestroyAck](data)
	default:
		return nil, ErrUnknownType
	}
	if env == nil {
		return nil, ErrInvalidEnvelope
	}
	if err := env.validate(); err != nil {
		return nil, err
	}
	return env, nil
}

func decodeInto[T Envelope](data []byte) Envelope {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil
	}
	return v
}
