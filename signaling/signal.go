// Package signaling defines the push-to-talk messages carried on the feed and the rules for
// turning raw feed rows back into intent.
package signaling

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"talkfeed/models"
)

// Kind is the type column of a signal row.
type Kind string

const (
	StartTalking Kind = "start_talking"
	AudioChunk   Kind = "audio_chunk"
	StopTalking  Kind = "stop_talking"
	Poke         Kind = "poke"
)

// DefaultPokeName is shown when a poke arrives without a sender name.
const DefaultPokeName = "Someone"

var (
	// ErrMalformed marks a row that cannot be interpreted. Such rows are dropped.
	ErrMalformed = errors.New("signaling: malformed signal")
	// ErrEcho marks a row published by the local participant that must not be acted on.
	ErrEcho = errors.New("signaling: own signal")
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case StartTalking, AudioChunk, StopTalking, Poke:
		return true
	default:
		return false
	}
}

// RequiresPayload reports whether a row of kind k is malformed without a payload.
func (k Kind) RequiresPayload() bool {
	return k == StartTalking || k == AudioChunk
}

// Signal is a validated feed row.
type Signal struct {
	ID              string
	ConversationKey string
	SenderID        string
	Kind            Kind
	Payload         string
	CreatedAt       time.Time
}

// Parse validates a raw row. Failures wrap ErrMalformed.
func Parse(record models.SignalRecord) (Signal, error) {
	kind := Kind(strings.TrimSpace(record.Type))
	if kind == "" {
		return Signal{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if !kind.Valid() {
		return Signal{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, record.Type)
	}

	payload := ""
	if record.Payload != nil {
		payload = *record.Payload
	}
	if kind.RequiresPayload() && payload == "" {
		return Signal{}, fmt.Errorf("%w: %s without payload", ErrMalformed, kind)
	}

	sig := Signal{
		ID:              record.ID,
		ConversationKey: record.ConversationKey(),
		SenderID:        record.SenderID,
		Kind:            kind,
		Payload:         payload,
	}
	if record.CreatedAt > 0 {
		sig.CreatedAt = time.UnixMilli(record.CreatedAt)
	}
	return sig, nil
}

// IsEcho reports whether sig is the local participant's own talk traffic. Pokes are never
// echoes.
func IsEcho(sig Signal, selfID string) bool {
	if sig.Kind == Poke || selfID == "" {
		return false
	}
	return sig.SenderID == selfID
}

// Accept parses record and applies echo suppression for selfID. The returned error is
// ErrMalformed or ErrEcho; either way the row should be dropped.
func Accept(record models.SignalRecord, selfID string) (Signal, error) {
	sig, err := Parse(record)
	if err != nil {
		return Signal{}, err
	}
	if IsEcho(sig, selfID) {
		return Signal{}, ErrEcho
	}
	return sig, nil
}

// PokeText formats the notice shown for a poke from name.
func PokeText(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultPokeName
	}
	return "👋 " + name + " poked you"
}
