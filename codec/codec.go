// Package codec converts raw PCM audio frames to transport-safe text payloads and back.
//
// Frames are mono float32 little-endian PCM. Encoding is plain standard base64 with no
// compression, so a frame of FrameSamples samples always encodes to the same text length.
package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	// FrameSamples is the number of samples captured per frame.
	FrameSamples = 1024
	// BytesPerSample is the size of one float32 PCM sample.
	BytesPerSample = 4
	// FrameBytes is the raw size of one full capture frame.
	FrameBytes = FrameSamples * BytesPerSample
	// MaxEncodedChunk bounds the encoded payload of one AudioChunk signal.
	MaxEncodedChunk = 64 * 1024
	// MaxFrameBytes is the largest raw frame that still encodes under MaxEncodedChunk.
	MaxFrameBytes = MaxEncodedChunk / 4 * 3
)

var (
	// ErrEmptyPayload indicates a chunk carried no audio.
	ErrEmptyPayload = errors.New("codec: empty payload")
	// ErrFrameTooLarge indicates a raw frame would exceed MaxEncodedChunk once encoded.
	ErrFrameTooLarge = errors.New("codec: frame exceeds max chunk size")
)

// DecodeError reports a chunk that could not be turned back into audio.
// Callers drop the chunk; it is never fatal.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return "codec: decode: " + e.Reason
	}
	return fmt.Sprintf("codec: decode: %s: %v", e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Encode returns the text form of a raw frame.
func Encode(frame []byte) string {
	return base64.StdEncoding.EncodeToString(frame)
}

// EncodeChecked is Encode with the chunk size limit enforced.
func EncodeChecked(frame []byte) (string, error) {
	if len(frame) == 0 {
		return "", ErrEmptyPayload
	}
	if len(frame) > MaxFrameBytes {
		return "", ErrFrameTooLarge
	}
	return Encode(frame), nil
}

// Decode reverses Encode. Malformed input yields a *DecodeError.
func Decode(text string) ([]byte, error) {
	if text == "" {
		return nil, &DecodeError{Reason: "empty payload", Err: ErrEmptyPayload}
	}
	if len(text) > MaxEncodedChunk {
		return nil, &DecodeError{Reason: "payload too large", Err: ErrFrameTooLarge}
	}

	raw, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, &DecodeError{Reason: "invalid base64", Err: err}
	}
	if len(raw) == 0 {
		return nil, &DecodeError{Reason: "empty payload", Err: ErrEmptyPayload}
	}
	return raw, nil
}
