package network

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"talkfeed/crypto"
	"talkfeed/models"
)

const (
	// ProtocolVersion is the current link protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted sealed frame size (1 MB).
	MaxFrameSize = 1024 * 1024
	// MaxControlFrameSize bounds plaintext handshake frames read before keys exist.
	MaxControlFrameSize = 16 * 1024
	// DefaultConnectionTimeout bounds TCP dial/handshake duration.
	DefaultConnectionTimeout = 10 * time.Second
	// DefaultKeepAliveInterval sends ping on idle links.
	DefaultKeepAliveInterval = 30 * time.Second
	// DefaultKeepAliveTimeout waits this long for pong after ping.
	DefaultKeepAliveTimeout = 10 * time.Second
	// DefaultFrameReadTimeout bounds each frame read.
	DefaultFrameReadTimeout = 30 * time.Second
	// DefaultRequestTimeout bounds request/response exchanges on a Client.
	DefaultRequestTimeout = 10 * time.Second

	challengeNonceSize = 32
)

const (
	TypeHandshakeChallenge = "handshake_challenge"
	TypeHandshake          = "handshake"
	TypeHandshakeResponse  = "handshake_response"
	TypePublish            = "publish"
	TypeSubscribe          = "subscribe"
	TypeSubscribed         = "subscribed"
	TypeUnsubscribe        = "unsubscribe"
	TypeSignal             = "signal"
	TypeLookupParticipant  = "lookup_participant"
	TypeParticipant        = "participant"
	TypeCreateRoom         = "create_room"
	TypeListRooms          = "list_rooms"
	TypeRooms              = "rooms"
	TypePing               = "ping"
	TypePong               = "pong"
	TypeDisconnect         = "disconnect"
	TypeError              = "error"
)

// Error codes carried in ErrorMessage.Code.
const (
	CodeNotFound         = "not_found"
	CodeInvalidRequest   = "invalid_request"
	CodeForbidden        = "forbidden"
	CodeInternal         = "internal"
	CodeUnknownType      = "unknown_type"
	CodeVersionMismatch  = "version_mismatch"
	CodeKeyChanged       = "key_changed"
	CodeInvalidChallenge = "invalid_handshake_challenge"
	CodeInvalidHandshake = "invalid_handshake"
)

var (
	// ErrFrameTooLarge indicates payload exceeds the frame size limit.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrInvalidSignature indicates signature verification failed.
	ErrInvalidSignature = errors.New("network: invalid signature")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
)

// LocalIdentity contains the local values required to build handshake messages.
type LocalIdentity struct {
	ID                string
	Name              string
	Ed25519PrivateKey ed25519.PrivateKey
	Ed25519PublicKey  ed25519.PublicKey
}

// RemoteIdentity is the verified identity of the far end of a link.
type RemoteIdentity struct {
	ID        string
	Name      string
	PublicKey string
}

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// HandshakeChallenge is the first frame a relay sends on a new connection.
type HandshakeChallenge struct {
	Type  string `json:"type"`
	Nonce string `json:"nonce"`
}

// HandshakeMessage is the signed handshake payload sent by both sides. The client sends it
// with Type handshake, the relay answers with Type handshake_response.
type HandshakeMessage struct {
	Type             string `json:"type"`
	PeerID           string `json:"peer_id"`
	PeerName         string `json:"peer_name"`
	Ed25519PublicKey string `json:"ed25519_public_key"`
	X25519PublicKey  string `json:"x25519_public_key"`
	ChallengeNonce   string `json:"challenge_nonce"`
	ProtocolVersion  int    `json:"protocol_version"`
	Timestamp        int64  `json:"timestamp"`
	Signature        string `json:"signature"`
}

// PublishMessage inserts one record into the relay feed.
type PublishMessage struct {
	Type      string              `json:"type"`
	RequestID string              `json:"request_id,omitempty"`
	Signal    models.SignalRecord `json:"signal"`
}

// SubscribeMessage opens a filtered stream. The subscription ID is chosen by the client and
// scoped to the link.
type SubscribeMessage struct {
	Type           string `json:"type"`
	RequestID      string `json:"request_id"`
	SubscriptionID string `json:"subscription_id"`
	Column         string `json:"column"`
	Value          string `json:"value"`
}

// SubscribedMessage confirms a subscription is live.
type SubscribedMessage struct {
	Type           string `json:"type"`
	RequestID      string `json:"request_id"`
	SubscriptionID string `json:"subscription_id"`
}

// UnsubscribeMessage releases a subscription.
type UnsubscribeMessage struct {
	Type           string `json:"type"`
	SubscriptionID string `json:"subscription_id"`
}

// SignalMessage delivers one inserted record to a subscription.
type SignalMessage struct {
	Type           string              `json:"type"`
	SubscriptionID string              `json:"subscription_id"`
	Signal         models.SignalRecord `json:"signal"`
}

// LookupParticipantMessage resolves a participant by ID or display name.
type LookupParticipantMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Query     string `json:"query"`
}

// ParticipantMessage answers a lookup.
type ParticipantMessage struct {
	Type        string             `json:"type"`
	RequestID   string             `json:"request_id"`
	Participant models.Participant `json:"participant"`
}

// CreateRoomMessage asks the relay to create a room.
type CreateRoomMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Name      string `json:"name"`
}

// ListRoomsMessage asks for the room directory.
type ListRoomsMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
}

// RoomsMessage answers create_room (one room) and list_rooms.
type RoomsMessage struct {
	Type      string        `json:"type"`
	RequestID string        `json:"request_id"`
	Rooms     []models.Room `json:"rooms"`
}

// DisconnectMessage signals graceful disconnect.
type DisconnectMessage struct {
	Type      string `json:"type"`
	FromID    string `json:"from_id"`
	Timestamp int64  `json:"timestamp"`
}

// PingMessage is a keep-alive ping.
type PingMessage struct {
	Type      string `json:"type"`
	FromID    string `json:"from_id"`
	Timestamp int64  `json:"timestamp"`
}

// PongMessage is a keep-alive pong response.
type PongMessage struct {
	Type      string `json:"type"`
	FromID    string `json:"from_id"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorMessage reports protocol and request errors.
type ErrorMessage struct {
	Type              string `json:"type"`
	Code              string `json:"code"`
	Message           string `json:"message"`
	RequestID         string `json:"request_id,omitempty"`
	SupportedVersions []int  `json:"supported_versions,omitempty"`
	Timestamp         int64  `json:"timestamp"`
}

// NewErrorMessage builds an error frame tied to a request.
func NewErrorMessage(code, message, requestID string) ErrorMessage {
	return ErrorMessage{
		Type:      TypeError,
		Code:      code,
		Message:   message,
		RequestID: requestID,
		Timestamp: time.Now().UnixMilli(),
	}
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	// One write per frame keeps concurrent writers from interleaving header and body.
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	return readFrameLimited(r, MaxFrameSize)
}

func readFrameLimited(r io.Reader, limit uint32) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > limit {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	return readWithDeadline(conn, timeout, MaxFrameSize)
}

// ReadControlFrameWithTimeout reads a plaintext handshake frame, which is held to
// MaxControlFrameSize.
func ReadControlFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	return readWithDeadline(conn, timeout, MaxControlFrameSize)
}

func readWithDeadline(conn net.Conn, timeout time.Duration, limit uint32) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return readFrameLimited(conn, limit)
}

func buildHandshakeMessage(identity LocalIdentity, ephemeralPublicKey []byte, challengeNonce, msgType string) (HandshakeMessage, error) {
	if len(identity.Ed25519PrivateKey) != ed25519.PrivateKeySize {
		return HandshakeMessage{}, errors.New("invalid local Ed25519 private key")
	}
	if len(identity.Ed25519PublicKey) != ed25519.PublicKeySize {
		return HandshakeMessage{}, errors.New("invalid local Ed25519 public key")
	}

	msg := HandshakeMessage{
		Type:             msgType,
		PeerID:           identity.ID,
		PeerName:         identity.Name,
		Ed25519PublicKey: crypto.EncodePublicKey(identity.Ed25519PublicKey),
		X25519PublicKey:  base64.StdEncoding.EncodeToString(ephemeralPublicKey),
		ChallengeNonce:   challengeNonce,
		ProtocolVersion:  ProtocolVersion,
		Timestamp:        time.Now().UnixMilli(),
	}

	signature, err := signHandshake(msg, identity.Ed25519PrivateKey)
	if err != nil {
		return HandshakeMessage{}, err
	}
	msg.Signature = base64.StdEncoding.EncodeToString(signature)
	return msg, nil
}

// BuildHandshakeMessage builds and signs the client handshake for a relay challenge.
func BuildHandshakeMessage(identity LocalIdentity, ephemeralPublicKey []byte, challengeNonce string) (HandshakeMessage, error) {
	return buildHandshakeMessage(identity, ephemeralPublicKey, challengeNonce, TypeHandshake)
}

// BuildHandshakeResponse builds and signs the relay's handshake response. It signs over the
// same challenge nonce, binding the response to this connection.
func BuildHandshakeResponse(identity LocalIdentity, ephemeralPublicKey []byte, challengeNonce string) (HandshakeMessage, error) {
	return buildHandshakeMessage(identity, ephemeralPublicKey, challengeNonce, TypeHandshakeResponse)
}

// VerifyHandshakeMessage verifies the signature and protocol version of a handshake or
// handshake response.
func VerifyHandshakeMessage(msg HandshakeMessage) (ed25519.PublicKey, error) {
	if msg.ProtocolVersion != ProtocolVersion {
		return nil, ErrUnsupportedVersion
	}
	if msg.PeerID == "" {
		return nil, errors.New("handshake peer ID is required")
	}

	publicKey, err := crypto.DecodePublicKey(msg.Ed25519PublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode Ed25519 public key: %w", err)
	}

	signatureBytes, err := base64.StdEncoding.DecodeString(msg.Signature)
	if err != nil {
		return nil, fmt.Errorf("decode handshake signature: %w", err)
	}

	signaturePayload := msg
	signaturePayload.Signature = ""
	signable, err := json.Marshal(signaturePayload)
	if err != nil {
		return nil, fmt.Errorf("marshal handshake signable payload: %w", err)
	}
	if !crypto.Verify(publicKey, signable, signatureBytes) {
		return nil, ErrInvalidSignature
	}

	return publicKey, nil
}

func signHandshake(msg HandshakeMessage, privateKey ed25519.PrivateKey) ([]byte, error) {
	signaturePayload := msg
	signaturePayload.Signature = ""
	signable, err := json.Marshal(signaturePayload)
	if err != nil {
		return nil, fmt.Errorf("marshal handshake signable payload: %w", err)
	}

	signature, err := crypto.Sign(privateKey, signable)
	if err != nil {
		return nil, fmt.Errorf("sign handshake payload: %w", err)
	}
	return signature, nil
}

func decodeHandshake(payload []byte) (HandshakeMessage, error) {
	var msg HandshakeMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return HandshakeMessage{}, fmt.Errorf("decode handshake: %w", err)
	}
	return msg, nil
}

func decodeRemoteError(payload []byte) error {
	var remote ErrorMessage
	if err := json.Unmarshal(payload, &remote); err != nil {
		return fmt.Errorf("decode remote error response: %w", err)
	}
	return &RemoteError{Code: remote.Code, Message: remote.Message}
}
