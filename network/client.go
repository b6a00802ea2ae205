package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"talkfeed/crypto"
)

// Dial connects to a relay, performs the handshake, and returns a ready Link.
func Dial(ctx context.Context, address string, options HandshakeOptions) (*Link, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: opts.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	link, err := clientHandshake(conn, opts)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return link, nil
}

func clientHandshake(conn net.Conn, opts HandshakeOptions) (*Link, error) {
	if err := conn.SetDeadline(time.Now().Add(opts.ConnectionTimeout)); err != nil {
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	challengePayload, err := ReadControlFrameWithTimeout(conn, opts.ConnectionTimeout)
	if err != nil {
		return nil, fmt.Errorf("read handshake challenge: %w", err)
	}
	challengeType, err := DecodeMessageType(challengePayload)
	if err != nil {
		return nil, err
	}
	if challengeType == TypeError {
		return nil, decodeRemoteError(challengePayload)
	}
	if challengeType != TypeHandshakeChallenge {
		return nil, fmt.Errorf("expected %q, got %q", TypeHandshakeChallenge, challengeType)
	}

	var challenge HandshakeChallenge
	if err := json.Unmarshal(challengePayload, &challenge); err != nil {
		return nil, fmt.Errorf("decode handshake challenge: %w", err)
	}
	if _, err := decodeChallengeNonce(challenge.Nonce); err != nil {
		return nil, err
	}

	localEphemeralPrivateKey, localEphemeralPublicKey, err := crypto.GenerateEphemeralX25519KeyPair()
	if err != nil {
		return nil, err
	}

	handshake, err := BuildHandshakeMessage(opts.Identity, localEphemeralPublicKey, challenge.Nonce)
	if err != nil {
		return nil, err
	}

	payload, err := EncodeJSON(handshake)
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(conn, payload); err != nil {
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	responsePayload, err := ReadControlFrameWithTimeout(conn, opts.ConnectionTimeout)
	if err != nil {
		return nil, fmt.Errorf("read handshake response: %w", err)
	}

	msgType, err := DecodeMessageType(responsePayload)
	if err != nil {
		return nil, err
	}
	if msgType == TypeError {
		return nil, decodeRemoteError(responsePayload)
	}
	if msgType != TypeHandshakeResponse {
		return nil, fmt.Errorf("expected %q, got %q", TypeHandshakeResponse, msgType)
	}

	response, err := decodeHandshake(responsePayload)
	if err != nil {
		return nil, err
	}
	if _, err := VerifyHandshakeMessage(response); err != nil {
		if errors.Is(err, ErrUnsupportedVersion) {
			return nil, err
		}
		return nil, fmt.Errorf("verify handshake response: %w", err)
	}
	if response.ChallengeNonce != challenge.Nonce {
		return nil, errors.New("handshake response is not bound to this challenge")
	}

	if err := evaluatePeerKey(
		response.PeerID,
		response.Ed25519PublicKey,
		opts.KnownPeerKeys,
		opts.KnownPeerKeyLookup,
		opts.OnKeyChangeDecision,
	); err != nil {
		return nil, err
	}

	keys, err := deriveLinkKeys(localEphemeralPrivateKey, response.X25519PublicKey, opts.Identity.ID, response.PeerID, challenge.Nonce)
	if err != nil {
		return nil, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}

	return newLink(conn, keys.ClientToRelay, keys.RelayToClient, opts.linkOptions(RemoteIdentity{
		ID:        response.PeerID,
		Name:      response.PeerName,
		PublicKey: response.Ed25519PublicKey,
	}))
}
