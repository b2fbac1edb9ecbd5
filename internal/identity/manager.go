package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"ember-chat/go-node/pkg/models"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrNoIdentity       = errors.New("no active identity")
	ErrInvalidPeerKey   = errors.New("invalid peer public key")
	ErrInvalidKey       = errors.New("invalid symmetric key")
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrInvalidMnemonic  = errors.New("invalid mnemonic")
)

const hkdfInfoSession = "ember/session/key/v1"

// Encrypted is the output of an authenticated encryption call. Nonces are
// drawn fresh per call and never reused for the same key.
type Encrypted struct {
	Ciphertext []byte
	Nonce      []byte
	Timestamp  time.Time
}

// Manager owns the long-term keypair. The keypair is read by every crypto
// call and written only by Generate/Import/SecureWipe.
type Manager struct {
	mu       sync.RWMutex
	identity models.Identity
	priv     ed25519.PrivateKey
}

func NewManager() *Manager {
	return &Manager{}
}

// Generate creates a fresh identity from new BIP-39 entropy and makes it the
// active identity. The returned mnemonic is the only way to recover the
// identity on another installation.
func (m *Manager) Generate() (models.Identity, string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return models.Identity{}, "", err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return models.Identity{}, "", err
	}
	id, err := m.Import(mnemonic)
	if err != nil {
		return models.Identity{}, "", err
	}
	return id, mnemonic, nil
}

// Import deterministically rebuilds an identity from a recovery phrase and
// activates it.
func (m *Manager) Import(mnemonic string) (models.Identity, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if !bip39.IsMnemonicValid(mnemonic) {
		return models.Identity{}, ErrInvalidMnemonic
	}
	seedBytes := bip39.NewSeed(mnemonic, "")
	priv, err := deriveSigningKey(seedBytes)
	if err != nil {
		return models.Identity{}, err
	}
	pub := priv.Public().(ed25519.PublicKey)

	peerID, err := BuildPeerID(pub)
	if err != nil {
		return models.Identity{}, err
	}
	displayID, err := BuildDisplayID(pub)
	if err != nil {
		return models.Identity{}, err
	}

	identity := models.Identity{
		PublicKey:   append([]byte(nil), pub...),
		PrivateSeed: append([]byte(nil), priv.Seed()...),
		PeerID:      peerID,
		DisplayID:   displayID,
		CreatedAt:   time.Now().UTC(),
	}

	m.mu.Lock()
	m.identity = identity
	m.priv = append(ed25519.PrivateKey(nil), priv...)
	m.mu.Unlock()

	return cloneIdentity(identity), nil
}

// Load activates a previously persisted identity.
func (m *Manager) Load(identity models.Identity) error {
	if len(identity.PrivateSeed) != ed25519.SeedSize {
		return ErrNoIdentity
	}
	priv := ed25519.NewKeyFromSeed(identity.PrivateSeed)
	pub := priv.Public().(ed25519.PublicKey)
	identity.PublicKey = append([]byte(nil), pub...)

	m.mu.Lock()
	m.identity = cloneIdentity(identity)
	m.priv = priv
	m.mu.Unlock()
	return nil
}

func (m *Manager) Identity() (models.Identity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.priv == nil {
		return models.Identity{}, false
	}
	return cloneIdentity(m.identity), true
}

func (m *Manager) PeerID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.identity.PeerID
}

// Sign produces a detached ed25519 signature over payload.
func (m *Manager) Sign(payload []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.priv == nil {
		return nil, ErrNoIdentity
	}
	return ed25519.Sign(m.priv, payload), nil
}

// Verify checks a detached signature against an arbitrary public key.
func Verify(payload, signature, publicKey []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(publicKey, payload, signature)
}

// SharedSecret performs static Diffie-Hellman between the local private key
// and a peer's public key, expanded through HKDF. Deterministic per key
// pair; nothing is cached beyond the call.
func (m *Manager) SharedSecret(peerPublicKey []byte) ([]byte, error) {
	m.mu.RLock()
	seed := append([]byte(nil), m.identity.PrivateSeed...)
	m.mu.RUnlock()
	if len(seed) == 0 {
		return nil, ErrNoIdentity
	}
	defer zeroBytes(seed)

	xPriv, err := x25519PrivateFromSeed(seed)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(xPriv)
	xPub, err := x25519PublicFromEd25519(peerPublicKey)
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(xPriv, xPub)
	if err != nil {
		return nil, ErrInvalidPeerKey
	}
	defer zeroBytes(shared)

	reader := hkdf.New(sha256.New, shared, nil, []byte(hkdfInfoSession))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// EncryptMessage authenticated-encrypts plaintext to a recipient's long-term
// public key.
func (m *Manager) EncryptMessage(plaintext, recipientPublicKey []byte) (Encrypted, error) {
	key, err := m.SharedSecret(recipientPublicKey)
	if err != nil {
		return Encrypted{}, err
	}
	defer zeroBytes(key)
	ciphertext, nonce, err := sealWithKey(key, plaintext)
	if err != nil {
		return Encrypted{}, err
	}
	return Encrypted{Ciphertext: ciphertext, Nonce: nonce, Timestamp: time.Now().UTC()}, nil
}

// DecryptMessage reverses EncryptMessage. Authentication failure yields
// ErrDecryptionFailed, never garbage plaintext.
func (m *Manager) DecryptMessage(ciphertext, nonce, senderPublicKey []byte) ([]byte, error) {
	key, err := m.SharedSecret(senderPublicKey)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(key)
	return openWithKey(key, ciphertext, nonce)
}

// NewSelfDestructKey draws a fresh random symmetric key, independent per
// message and never derived from the identity.
func (m *Manager) NewSelfDestructKey() ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// EncryptWithKey authenticated-encrypts with a caller-provided key.
func (m *Manager) EncryptWithKey(plaintext, key []byte) (ciphertext, nonce []byte, err error) {
	return sealWithKey(key, plaintext)
}

// DecryptWithKey reverses EncryptWithKey.
func (m *Manager) DecryptWithKey(ciphertext, nonce, key []byte) ([]byte, error) {
	return openWithKey(key, ciphertext, nonce)
}

// SecureWipe overwrites the in-memory key material with zeros and drops the
// identity. Idempotent and safe with no active identity.
func (m *Manager) SecureWipe() {
	m.mu.Lock()
	defer m.mu.Unlock()
	zeroBytes(m.priv)
	zeroBytes(m.identity.PrivateSeed)
	zeroBytes(m.identity.PublicKey)
	m.priv = nil
	m.identity = models.Identity{}
}

func sealWithKey(key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, ErrInvalidKey
	}
	nonce = make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

func openWithKey(key, ciphertext, nonce []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, ErrInvalidKey
	}
	if len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrDecryptionFailed
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func cloneIdentity(in models.Identity) models.Identity {
	out := in
	out.PublicKey = append([]byte(nil), in.PublicKey...)
	out.PrivateSeed = append([]byte(nil), in.PrivateSeed...)
	return out
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
