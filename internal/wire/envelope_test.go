package wire

import (
	"bytes"
	"errors"
	"testing"

	"golang.org/x/crypto/chacha20poly1305"
)

func TestEncodeDecodeIdentityAssertion(t *testing.T) {
	in := Identity{
		PeerID:    "q7fXk2",
		DisplayID: "AB12-CD34-EF56",
		PublicKey: make([]byte, 32),
		Timestamp: 1700000000000,
		Signature: make([]byte, 64),
	}
	data, err := Encode(in)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	env, err := Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	out, ok := env.(Identity)
	if !ok {
		t.Fatalf("expected Identity, got %T", env)
	}
	if out.PeerID != in.PeerID || !bytes.Equal(out.PublicKey, in.PublicKey) || out.Timestamp != in.Timestamp {
		t.Fatal("identity assertion fields must survive the round trip")
	}
}

func TestDecodeDispatchesByType(t *testing.T) {
	cmd := DestroyCommand{Issuer: "alice", Target: "bob", Scope: ScopeAll, Timestamp: 1}
	data, err := Encode(cmd)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	env, err := Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if env.Kind() != KindDestroyCmd {
		t.Fatalf("expected destroy-command, got %s", env.Kind())
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"presence","peerId":"x"}`)); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestDecodeRejectsStructurallyInvalidPayloads(t *testing.T) {
	cases := []struct {
		name string
		env  Envelope
	}{
		{"identity short key", Identity{PeerID: "a", PublicKey: []byte{1}, Signature: make([]byte, 64)}},
		{"message bad nonce", Message{Ciphertext: []byte{1}, Nonce: []byte{1, 2}}},
		{"self-destruct zero ttl", SelfDestruct{
			MessageID:    "sd_1_ab",
			Ciphertext:   []byte{1},
			Nonce:        make([]byte, chacha20poly1305.NonceSizeX),
			SymmetricKey: make([]byte, chacha20poly1305.KeySize),
			TTLHours:     0,
		}},
		{"destroy wrong scope", DestroyCommand{Issuer: "a", Target: "b", Scope: "messages"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Encode(tc.env); !errors.Is(err, ErrInvalidEnvelope) {
				t.Fatalf("expected ErrInvalidEnvelope, got %v", err)
			}
		})
	}
	if _, err := Decode([]byte(`{"type":"identity-ack"}`)); !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("expected ErrInvalidEnvelope for empty ack, got %v", err)
	}
}

func TestSelfDestructRoundTripKeepsKeyAndTTL(t *testing.T) {
	in := SelfDestruct{
		MessageID:    "sd_1700000000000_ab12",
		Ciphertext:   []byte{9, 9, 9},
		Nonce:        make([]byte, chacha20poly1305.NonceSizeX),
		SymmetricKey: make([]byte, chacha20poly1305.KeySize),
		TTLHours:     0.0003,
		Timestamp:    1700000000000,
	}
	data, err := Encode(in)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	env, err := Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	out := env.(SelfDestruct)
	if out.TTLHours != in.TTLHours || !bytes.Equal(out.SymmetricKey, in.SymmetricKey) {
		t.Fatal("self-destruct fields must survive the round trip")
	}
}
