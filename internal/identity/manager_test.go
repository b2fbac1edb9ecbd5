package identity

import (
	"bytes"
	"errors"
	"testing"
	"unicode"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager()
	if _, _, err := m.Generate(); err != nil {
		t.Fatalf("generate identity failed: %v", err)
	}
	return m
}

func TestGenerateDerivesAddressablePeerID(t *testing.T) {
	m := NewManager()
	id, mnemonic, err := m.Generate()
	if err != nil {
		t.Fatalf("generate identity failed: %v", err)
	}
	if mnemonic == "" {
		t.Fatal("expected a recovery mnemonic")
	}
	if id.PeerID == "" || len(id.PeerID) > 40 {
		t.Fatalf("peer id out of bounds: %q", id.PeerID)
	}
	if !unicode.IsLetter(rune(id.PeerID[0])) {
		t.Fatalf("peer id must start with a letter: %q", id.PeerID)
	}
	if id.DisplayID == id.PeerID {
		t.Fatal("display id must not equal peer id")
	}
}

func TestImportIsDeterministic(t *testing.T) {
	m1 := NewManager()
	id1, mnemonic, err := m1.Generate()
	if err != nil {
		t.Fatalf("generate identity failed: %v", err)
	}
	m2 := NewManager()
	id2, err := m2.Import(mnemonic)
	if err != nil {
		t.Fatalf("import identity failed: %v", err)
	}
	if id1.PeerID != id2.PeerID {
		t.Fatalf("peer id must be reproducible from mnemonic: %s != %s", id1.PeerID, id2.PeerID)
	}
	if !bytes.Equal(id1.PublicKey, id2.PublicKey) {
		t.Fatal("public key must be reproducible from mnemonic")
	}
}

func TestImportRejectsInvalidMnemonic(t *testing.T) {
	m := NewManager()
	if _, err := m.Import("not a valid phrase"); !errors.Is(err, ErrInvalidMnemonic) {
		t.Fatalf("expected ErrInvalidMnemonic, got %v", err)
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	m := newTestManager(t)
	id, _ := m.Identity()
	payload := []byte("identity assertion")
	sig, err := m.Sign(payload)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if !Verify(payload, sig, id.PublicKey) {
		t.Fatal("signature must verify against own public key")
	}
	other := newTestManager(t)
	otherID, _ := other.Identity()
	if Verify(payload, sig, otherID.PublicKey) {
		t.Fatal("signature must not verify against another key")
	}
	sig[0] ^= 0xFF
	if Verify(payload, sig, id.PublicKey) {
		t.Fatal("tampered signature must not verify")
	}
}

func TestSharedSecretIsSymmetric(t *testing.T) {
	alice := newTestManager(t)
	bob := newTestManager(t)
	aliceID, _ := alice.Identity()
	bobID, _ := bob.Identity()

	k1, err := alice.SharedSecret(bobID.PublicKey)
	if err != nil {
		t.Fatalf("alice shared secret failed: %v", err)
	}
	k2, err := bob.SharedSecret(aliceID.PublicKey)
	if err != nil {
		t.Fatalf("bob shared secret failed: %v", err)
	}
	if !bytes.Equal(k1, k2) {
		t.Fatal("shared secrets must agree")
	}
}

func TestEncryptDecryptMessageRoundTrip(t *testing.T) {
	alice := newTestManager(t)
	bob := newTestManager(t)
	aliceID, _ := alice.Identity()
	bobID, _ := bob.Identity()

	enc, err := alice.EncryptMessage([]byte("hello"), bobID.PublicKey)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	plaintext, err := bob.DecryptMessage(enc.Ciphertext, enc.Nonce, aliceID.PublicKey)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if string(plaintext) != "hello" {
		t.Fatalf("round trip mismatch: %q", plaintext)
	}
}

func TestDecryptMessageFailsDeterministicallyOnTamper(t *testing.T) {
	alice := newTestManager(t)
	bob := newTestManager(t)
	aliceID, _ := alice.Identity()
	bobID, _ := bob.Identity()

	enc, err := alice.EncryptMessage([]byte("hello"), bobID.PublicKey)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}

	tamperedCiphertext := append([]byte(nil), enc.Ciphertext...)
	tamperedCiphertext[0] ^= 0x01
	if _, err := bob.DecryptMessage(tamperedCiphertext, enc.Nonce, aliceID.PublicKey); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("tampered ciphertext: expected ErrDecryptionFailed, got %v", err)
	}

	tamperedNonce := append([]byte(nil), enc.Nonce...)
	tamperedNonce[0] ^= 0x01
	if _, err := bob.DecryptMessage(enc.Ciphertext, tamperedNonce, aliceID.PublicKey); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("tampered nonce: expected ErrDecryptionFailed, got %v", err)
	}

	// Wrong sender key also fails authentication.
	eve := newTestManager(t)
	eveID, _ := eve.Identity()
	if _, err := bob.DecryptMessage(enc.Ciphertext, enc.Nonce, eveID.PublicKey); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("wrong key: expected ErrDecryptionFailed, got %v", err)
	}
}

func TestSelfDestructKeyRoundTrip(t *testing.T) {
	m := newTestManager(t)
	key, err := m.NewSelfDestructKey()
	if err != nil {
		t.Fatalf("key generation failed: %v", err)
	}
	ciphertext, nonce, err := m.EncryptWithKey([]byte("burn after reading"), key)
	if err != nil {
		t.Fatalf("encrypt with key failed: %v", err)
	}
	plaintext, err := m.DecryptWithKey(ciphertext, nonce, key)
	if err != nil {
		t.Fatalf("decrypt with key failed: %v", err)
	}
	if string(plaintext) != "burn after reading" {
		t.Fatalf("round trip mismatch: %q", plaintext)
	}

	otherKey, err := m.NewSelfDestructKey()
	if err != nil {
		t.Fatalf("key generation failed: %v", err)
	}
	if _, err := m.DecryptWithKey(ciphertext, nonce, otherKey); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed with wrong key, got %v", err)
	}
}

func TestSecureWipeIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	m.SecureWipe()
	if _, ok := m.Identity(); ok {
		t.Fatal("identity must be gone after wipe")
	}
	if _, err := m.Sign([]byte("x")); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("expected ErrNoIdentity after wipe, got %v", err)
	}
	// Second wipe and wipe-without-identity are no-ops.
	m.SecureWipe()
	NewManager().SecureWipe()
}

func TestWipedManagerCanRegenerate(t *testing.T) {
	m := newTestManager(t)
	m.SecureWipe()
	if _, _, err := m.Generate(); err != nil {
		t.Fatalf("regenerate after wipe failed: %v", err)
	}
	if _, ok := m.Identity(); !ok {
		t.Fatal("expected active identity after regenerate")
	}
}
