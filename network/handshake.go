package network

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"talkfeed/crypto"
)

var (
	// ErrKeyChanged indicates a known peer presented a different public key.
	ErrKeyChanged = errors.New("network: peer public key changed")
	// ErrPeerRefused is wrapped by AdmitPeer errors that should reach the peer as forbidden.
	ErrPeerRefused = errors.New("network: peer refused")
)

// KeyChangeDecisionFunc blocks handshake progression until trust decision is made.
type KeyChangeDecisionFunc func(peerID, existingPublicKeyBase64, receivedPublicKeyBase64 string) (bool, error)

// KnownPeerKeyLookupFunc returns the pinned key for a peer, or "" when none is pinned.
type KnownPeerKeyLookupFunc func(peerID string) (string, error)

// AdmitPeerFunc registers a verified peer before the relay answers its handshake. Errors
// wrapping ErrKeyChanged or ErrPeerRefused are reported to the peer as such.
type AdmitPeerFunc func(remote RemoteIdentity) error

// HandshakeOptions configures handshake verification and link behavior.
type HandshakeOptions struct {
	Identity            LocalIdentity
	KnownPeerKeys       map[string]string
	KnownPeerKeyLookup  KnownPeerKeyLookupFunc
	OnKeyChangeDecision KeyChangeDecisionFunc
	// AdmitPeer is only consulted by Server.
	AdmitPeer AdmitPeerFunc

	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	AutoRespondPing   *bool
}

func (o HandshakeOptions) withDefaults() HandshakeOptions {
	out := o
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if out.KeepAliveTimeout <= 0 {
		out.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if out.FrameReadTimeout <= 0 {
		out.FrameReadTimeout = DefaultFrameReadTimeout
	}
	return out
}

func (o HandshakeOptions) validateIdentity() error {
	if o.Identity.ID == "" {
		return errors.New("local identity ID is required")
	}
	if o.Identity.Name == "" {
		return errors.New("local identity name is required")
	}
	if len(o.Identity.Ed25519PrivateKey) == 0 {
		return errors.New("local Ed25519 private key is required")
	}
	if len(o.Identity.Ed25519PublicKey) == 0 {
		return errors.New("local Ed25519 public key is required")
	}
	return nil
}

func (o HandshakeOptions) autoRespondPingEnabled() bool {
	if o.AutoRespondPing == nil {
		return true
	}
	return *o.AutoRespondPing
}

func (o HandshakeOptions) linkOptions(remote RemoteIdentity) LinkOptions {
	return LinkOptions{
		LocalID:           o.Identity.ID,
		Remote:            remote,
		KeepAliveInterval: o.KeepAliveInterval,
		KeepAliveTimeout:  o.KeepAliveTimeout,
		FrameReadTimeout:  o.FrameReadTimeout,
		AutoRespondPing:   o.autoRespondPingEnabled(),
	}
}

// deriveLinkKeys runs ECDH against the peer's ephemeral key and expands the result into the
// two directional link keys. clientID/relayID order is fixed so both ends agree.
func deriveLinkKeys(localEphemeralPrivateKey *ecdh.PrivateKey, peerX25519PublicKeyBase64, clientID, relayID, challengeNonceBase64 string) (crypto.LinkKeys, error) {
	peerPublicRaw, err := base64.StdEncoding.DecodeString(peerX25519PublicKeyBase64)
	if err != nil {
		return crypto.LinkKeys{}, fmt.Errorf("decode peer ephemeral public key: %w", err)
	}

	sharedSecret, err := crypto.ComputeX25519SharedSecret(localEphemeralPrivateKey, peerPublicRaw)
	if err != nil {
		return crypto.LinkKeys{}, err
	}

	challengeNonce, err := decodeChallengeNonce(challengeNonceBase64)
	if err != nil {
		return crypto.LinkKeys{}, err
	}

	return crypto.DeriveLinkKeys(sharedSecret, clientID, relayID, challengeNonce)
}

func decodeChallengeNonce(encoded string) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode challenge nonce: %w", err)
	}
	if len(nonce) != challengeNonceSize {
		return nil, fmt.Errorf("invalid challenge nonce length: got %d want %d", len(nonce), challengeNonceSize)
	}
	return nonce, nil
}

func generateHandshakeChallengeNonce() (string, error) {
	nonce := make([]byte, challengeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(nonce), nil
}

func evaluatePeerKey(peerID, receivedBase64 string, known map[string]string, lookup KnownPeerKeyLookupFunc, decision KeyChangeDecisionFunc) error {
	existing := ""
	if known != nil {
		existing = known[peerID]
	}
	if existing == "" && lookup != nil {
		pinned, err := lookup(peerID)
		if err != nil {
			return fmt.Errorf("lookup pinned key for peer %q: %w", peerID, err)
		}
		existing = pinned
	}

	if existing == "" || existing == receivedBase64 {
		return nil
	}

	if decision == nil {
		return ErrKeyChanged
	}

	trust, err := decision(peerID, existing, receivedBase64)
	if err != nil {
		return fmt.Errorf("key change decision for peer %q: %w", peerID, err)
	}
	if !trust {
		return ErrKeyChanged
	}
	return nil
}

func makeVersionMismatchError(got int64) ErrorMessage {
	return ErrorMessage{
		Type:              TypeError,
		Code:              CodeVersionMismatch,
		Message:           fmt.Sprintf("Unsupported protocol version. Expected %d, got %d.", ProtocolVersion, got),
		SupportedVersions: []int{ProtocolVersion},
		Timestamp:         time.Now().UnixMilli(),
	}
}
