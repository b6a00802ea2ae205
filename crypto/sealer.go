package crypto

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

const sequenceSize = 8

var (
	// ErrReplayedFrame is returned when a frame's sequence does not advance.
	ErrReplayedFrame = errors.New("crypto: replayed or reordered frame")
	// ErrFrameAuth is returned when a frame fails authentication.
	ErrFrameAuth = errors.New("crypto: frame authentication failed")
)

// FrameSealer encrypts outbound link frames as seq(8) || ChaCha20-Poly1305 ciphertext.
type FrameSealer struct {
	mu   sync.Mutex
	aead cipher.AEAD
	seq  uint64
}

// NewFrameSealer returns a sealer for one link direction.
func NewFrameSealer(key []byte) (*FrameSealer, error) {
	aead, err := newLinkAEAD(key)
	if err != nil {
		return nil, err
	}
	return &FrameSealer{aead: aead}, nil
}

// Seal encrypts plaintext under the next sequence number.
func (s *FrameSealer) Seal(plaintext []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	out := make([]byte, sequenceSize, sequenceSize+len(plaintext)+s.aead.Overhead())
	binary.BigEndian.PutUint64(out, s.seq)
	return s.aead.Seal(out, sequenceNonce(s.seq), plaintext, out[:sequenceSize])
}

// FrameOpener authenticates and decrypts inbound frames, rejecting any sequence number
// that does not strictly increase.
type FrameOpener struct {
	mu      sync.Mutex
	aead    cipher.AEAD
	lastSeq uint64
}

// NewFrameOpener returns an opener for one link direction.
func NewFrameOpener(key []byte) (*FrameOpener, error) {
	aead, err := newLinkAEAD(key)
	if err != nil {
		return nil, err
	}
	return &FrameOpener{aead: aead}, nil
}

// Open verifies and decrypts one sealed frame.
func (o *FrameOpener) Open(frame []byte) ([]byte, error) {
	if len(frame) < sequenceSize+o.aead.Overhead() {
		return nil, fmt.Errorf("%w: frame too short", ErrFrameAuth)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	seq := binary.BigEndian.Uint64(frame[:sequenceSize])
	if seq <= o.lastSeq {
		return nil, ErrReplayedFrame
	}

	plaintext, err := o.aead.Open(nil, sequenceNonce(seq), frame[sequenceSize:], frame[:sequenceSize])
	if err != nil {
		return nil, ErrFrameAuth
	}
	o.lastSeq = seq
	return plaintext, nil
}

func newLinkAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("invalid link key length: got %d want %d", len(key), chacha20poly1305.KeySize)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("create ChaCha20-Poly1305: %w", err)
	}
	return aead, nil
}

func sequenceNonce(seq uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[chacha20poly1305.NonceSize-sequenceSize:], seq)
	return nonce
}
