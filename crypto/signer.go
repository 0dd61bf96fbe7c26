// Package crypto provides the signing capability used to authenticate gossip payloads.
package crypto

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"lukechampine.com/blake3"
)

// Common errors for key handling
var (
	ErrInvalidPrivateKey = errors.New("invalid private key")
	ErrEmptyData         = errors.New("nothing to sign")
)

// Signer produces signatures over opaque bytes.
type Signer interface {
	Sign(data []byte) ([]byte, error)
	PublicKey() []byte
}

// Verifier checks a signature against a public key.
type Verifier interface {
	Verify(data, signature, publicKey []byte) bool
}

// Digest returns the BLAKE3-256 digest that gossip signatures cover.
// Fields are length-prefixed so that topic/id boundaries cannot be shifted.
func Digest(topic, messageID string, payload []byte) []byte {
	h := blake3.New(32, nil)
	writeField(h, []byte(topic))
	writeField(h, []byte(messageID))
	writeField(h, payload)
	return h.Sum(nil)
}

func writeField(w interface{ Write([]byte) (int, error) }, b []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(b)))
	_, _ = w.Write(n[:])
	_, _ = w.Write(b)
}

// Secp256k1Signer signs with a secp256k1 private key.
type Secp256k1Signer struct {
	key    *secp256k1.PrivateKey
	pubKey []byte
}

// GenerateSecp256k1Signer creates a signer with a fresh random key.
func GenerateSecp256k1Signer() (*Secp256k1Signer, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return newSecp256k1Signer(key), nil
}

// Secp256k1SignerFromHex loads a signer from a hex-encoded 32-byte private key.
func Secp256k1SignerFromHex(keyHex string) (*Secp256k1Signer, error) {
	raw, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	if len(raw) != secp256k1.PrivKeyBytesLen {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidPrivateKey, secp256k1.PrivKeyBytesLen, len(raw))
	}
	return newSecp256k1Signer(secp256k1.PrivKeyFromBytes(raw)), nil
}

func newSecp256k1Signer(key *secp256k1.PrivateKey) *Secp256k1Signer {
	return &Secp256k1Signer{
		key:    key,
		pubKey: key.PubKey().SerializeCompressed(),
	}
}

// Sign returns a DER-encoded ECDSA signature over the BLAKE3 hash of data.
func (s *Secp256k1Signer) Sign(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrEmptyData
	}
	hash := blake3.Sum256(data)
	return ecdsa.Sign(s.key, hash[:]).Serialize(), nil
}

// PublicKey returns the 33-byte compressed public key.
func (s *Secp256k1Signer) PublicKey() []byte {
	out := make([]byte, len(s.pubKey))
	copy(out, s.pubKey)
	return out
}

// PrivateKeyHex returns the hex-encoded private key, for persisting identities.
func (s *Secp256k1Signer) PrivateKeyHex() string {
	return hex.EncodeToString(s.key.Serialize())
}

// Secp256k1Verifier verifies signatures produced by Secp256k1Signer.
type Secp256k1Verifier struct{}

// Verify reports whether signature is valid for data under publicKey.
// Malformed keys or signatures verify as false.
func (Secp256k1Verifier) Verify(data, signature, publicKey []byte) bool {
	if len(data) == 0 || len(signature) == 0 || len(publicKey) == 0 {
		return false
	}

	pub, err := secp256k1.ParsePubKey(publicKey)
	if err != nil {
		return false
	}
	sig, err := ecdsa.ParseDERSignature(signature)
	if err != nil {
		return false
	}

	hash := blake3.Sum256(data)
	return sig.Verify(hash[:], pub)
}
