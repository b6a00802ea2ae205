package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"
)

// X25519PublicKeySize is the encoded size of an X25519 public key.
const X25519PublicKeySize = 32

var x25519Curve = ecdh.X25519()

// GenerateEphemeralX25519KeyPair creates a per-link X25519 keypair. The public half is
// returned in its 32-byte wire form.
func GenerateEphemeralX25519KeyPair() (*ecdh.PrivateKey, []byte, error) {
	privateKey, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate X25519 private key: %w", err)
	}
	return privateKey, privateKey.PublicKey().Bytes(), nil
}

// ComputeX25519SharedSecret runs ECDH between a local private key and a peer public key.
func ComputeX25519SharedSecret(privateKey *ecdh.PrivateKey, peerPublic []byte) ([]byte, error) {
	if privateKey == nil {
		return nil, errors.New("X25519 private key is required")
	}
	if len(peerPublic) != X25519PublicKeySize {
		return nil, fmt.Errorf("invalid X25519 public key length: got %d want %d", len(peerPublic), X25519PublicKeySize)
	}

	publicKey, err := x25519Curve.NewPublicKey(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("parse X25519 public key: %w", err)
	}

	shared, err := privateKey.ECDH(publicKey)
	if err != nil {
		return nil, fmt.Errorf("compute X25519 shared secret: %w", err)
	}
	return shared, nil
}
