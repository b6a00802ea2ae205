package crypto

import (
	"bytes"
	"testing"
)

func TestLinkKeyDerivationMatchesAcrossEnds(t *testing.T) {
	clientPrivate, clientPublic, err := GenerateEphemeralX25519KeyPair()
	if err != nil {
		t.Fatalf("generate client ephemeral keypair: %v", err)
	}
	relayPrivate, relayPublic, err := GenerateEphemeralX25519KeyPair()
	if err != nil {
		t.Fatalf("generate relay ephemeral keypair: %v", err)
	}

	clientShared, err := ComputeX25519SharedSecret(clientPrivate, relayPublic)
	if err != nil {
		t.Fatalf("compute client shared secret: %v", err)
	}
	relayShared, err := ComputeX25519SharedSecret(relayPrivate, clientPublic)
	if err != nil {
		t.Fatalf("compute relay shared secret: %v", err)
	}
	if !bytes.Equal(clientShared, relayShared) {
		t.Fatalf("expected matching shared secrets")
	}

	nonce := []byte("handshake-nonce")
	clientKeys, err := DeriveLinkKeys(clientShared, "participant-1", "relay-1", nonce)
	if err != nil {
		t.Fatalf("derive client link keys: %v", err)
	}
	relayKeys, err := DeriveLinkKeys(relayShared, "participant-1", "relay-1", nonce)
	if err != nil {
		t.Fatalf("derive relay link keys: %v", err)
	}

	if len(clientKeys.ClientToRelay) != LinkKeySize || len(clientKeys.RelayToClient) != LinkKeySize {
		t.Fatalf("unexpected link key sizes")
	}
	if !bytes.Equal(clientKeys.ClientToRelay, relayKeys.ClientToRelay) || !bytes.Equal(clientKeys.RelayToClient, relayKeys.RelayToClient) {
		t.Fatalf("expected matching link keys")
	}
	if bytes.Equal(clientKeys.ClientToRelay, clientKeys.RelayToClient) {
		t.Fatalf("expected distinct directional keys")
	}

	otherNonce, err := DeriveLinkKeys(clientShared, "participant-1", "relay-1", []byte("other"))
	if err != nil {
		t.Fatalf("derive keys with other nonce: %v", err)
	}
	if bytes.Equal(otherNonce.ClientToRelay, clientKeys.ClientToRelay) {
		t.Fatalf("expected nonce to change derived keys")
	}
}

func TestComputeSharedSecretRejectsBadPublicKey(t *testing.T) {
	privateKey, _, err := GenerateEphemeralX25519KeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	if _, err := ComputeX25519SharedSecret(privateKey, []byte("short")); err == nil {
		t.Fatalf("expected error for short public key")
	}
	if _, err := ComputeX25519SharedSecret(nil, make([]byte, X25519PublicKeySize)); err == nil {
		t.Fatalf("expected error for nil private key")
	}
}
