package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const challengeNonceSize = 32

// Sign signs a handshake or challenge payload with a participant or relay identity key.
func Sign(privateKey ed25519.PrivateKey, data []byte) ([]byte, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("sign: identity key is %d bytes, expected %d", len(privateKey), ed25519.PrivateKeySize)
	}
	if len(data) == 0 {
		return nil, errors.New("sign: nothing to sign")
	}
	return ed25519.Sign(privateKey, data), nil
}

// Verify reports whether signature was made over data by publicKey. Malformed keys and
// signatures verify as false.
func Verify(publicKey ed25519.PublicKey, data, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize || len(data) == 0 {
		return false
	}
	return ed25519.Verify(publicKey, data, signature)
}

// NewChallengeNonce returns a fresh base64 nonce for a proof-of-key challenge.
func NewChallengeNonce() (string, error) {
	raw := make([]byte, challengeNonceSize)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate challenge nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// ChallengeSignable is the text a participant signs to answer a relay challenge: purpose,
// relay ID, participant ID and nonce, one per line. Handshake signatures cover JSON, so the
// two never share a signable.
func ChallengeSignable(purpose, relayID, participantID, nonce string) []byte {
	return []byte(strings.Join([]string{purpose, relayID, participantID, nonce}, "\n"))
}

// SignChallenge answers a relay challenge and returns the base64 signature.
func SignChallenge(privateKey ed25519.PrivateKey, purpose, relayID, participantID, nonce string) (string, error) {
	signature, err := Sign(privateKey, ChallengeSignable(purpose, relayID, participantID, nonce))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(signature), nil
}

// VerifyChallenge checks a base64 answer produced by SignChallenge against the base64 public
// key pinned for the participant.
func VerifyChallenge(publicKeyBase64, purpose, relayID, participantID, nonce, signatureBase64 string) bool {
	if nonce == "" {
		return false
	}
	publicKey, err := DecodePublicKey(publicKeyBase64)
	if err != nil {
		return false
	}
	signature, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signatureBase64))
	if err != nil {
		return false
	}
	return Verify(publicKey, ChallengeSignable(purpose, relayID, participantID, nonce), signature)
}
