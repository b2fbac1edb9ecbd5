package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"io"
	"unicode"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/hkdf"
)

const (
	hkdfInfoSigning = "ember/identity/signing/v1"

	// Transport-imposed ceiling on addressable peer identifiers.
	maxPeerIDLen = 40
)

func deriveSigningKey(seedBytes []byte) (ed25519.PrivateKey, error) {
	signingSeed, err := hkdfExpand(seedBytes, hkdfInfoSigning, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	return ed25519.NewKeyFromSeed(signingSeed), nil
}

// BuildPeerID encodes the first half of the public key into a short,
// URL/path-safe address. The identifier always starts with a letter so it is
// valid wherever the transport requires a name-like token.
func BuildPeerID(publicKey []byte) (string, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return "", ErrInvalidPeerKey
	}
	id := base58.Encode(publicKey[:16])
	if !unicode.IsLetter(rune(id[0])) {
		id = "p" + id
	}
	if len(id) > maxPeerIDLen {
		id = id[:maxPeerIDLen]
	}
	return id, nil
}

// BuildDisplayID derives the human-facing fingerprint from the second half of
// the public key. Cosmetic only; never used for addressing or lookup.
func BuildDisplayID(publicKey []byte) (string, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return "", ErrInvalidPeerKey
	}
	h := blake2b.Sum256(publicKey[16:])
	enc := base58.Encode(h[:10])
	for len(enc) < 12 {
		enc = enc + "x"
	}
	return enc[0:4] + "-" + enc[4:8] + "-" + enc[8:12], nil
}

func hkdfExpand(seed []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}

// AssertionBytes is the canonical serialization signed in identity
// assertions. Field order is fixed to keep signatures reproducible.
func AssertionBytes(peerID, displayID string, publicKey []byte, unixMilli int64) []byte {
	b := make([]byte, 0, len(peerID)+len(displayID)+len(publicKey)+11)
	b = append(b, []byte(peerID)...)
	b = append(b, 0)
	b = append(b, []byte(displayID)...)
	b = append(b, 0)
	b = append(b, publicKey...)
	b = append(b, 0)
	b = append(b,
		byte(unixMilli>>56), byte(unixMilli>>48), byte(unixMilli>>40), byte(unixMilli>>32),
		byte(unixMilli>>24), byte(unixMilli>>16), byte(unixMilli>>8), byte(unixMilli))
	return b
}
