package identity

import (
	"crypto/ed25519"
	"crypto/sha512"

	"filippo.io/edwards25519"
)

// The identity keypair is plain ed25519. Key agreement maps both halves onto
// Curve25519: the private scalar is the clamped SHA-512 prefix of the seed
// (the same scalar ed25519 signs with), the public key is the Montgomery
// form of the Edwards point.

func x25519PrivateFromSeed(seed []byte) ([]byte, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, ErrInvalidPeerKey
	}
	h := sha512.Sum512(seed)
	priv := make([]byte, 32)
	copy(priv, h[:32])
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	return priv, nil
}

func x25519PublicFromEd25519(publicKey []byte) ([]byte, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return nil, ErrInvalidPeerKey
	}
	p, err := new(edwards25519.Point).SetBytes(publicKey)
	if err != nil {
		return nil, ErrInvalidPeerKey
	}
	return p.BytesMontgomery(), nil
}
