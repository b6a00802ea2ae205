package signaling

import (
	"github.com/google/uuid"

	"talkfeed/codec"
	"talkfeed/feed"
	"talkfeed/models"
)

// Sender builds outbound rows for one participant in one conversation.
type Sender struct {
	conversation feed.Conversation
	selfID       string
	displayName  string
	newID        func() string
}

// NewSender returns a Sender. An empty display name falls back to selfID.
func NewSender(conversation feed.Conversation, selfID, displayName string) *Sender {
	if displayName == "" {
		displayName = selfID
	}
	return &Sender{
		conversation: conversation,
		selfID:       selfID,
		displayName:  displayName,
		newID:        uuid.NewString,
	}
}

func (s *Sender) Conversation() feed.Conversation { return s.conversation }

func (s *Sender) StartTalking() models.SignalRecord {
	return s.record(StartTalking, &s.displayName)
}

// AudioChunk encodes one raw frame. Oversized or empty frames are rejected.
func (s *Sender) AudioChunk(frame []byte) (models.SignalRecord, error) {
	text, err := codec.EncodeChecked(frame)
	if err != nil {
		return models.SignalRecord{}, err
	}
	return s.record(AudioChunk, &text), nil
}

func (s *Sender) StopTalking() models.SignalRecord {
	return s.record(StopTalking, nil)
}

func (s *Sender) Poke() models.SignalRecord {
	return s.record(Poke, &s.displayName)
}

func (s *Sender) record(kind Kind, payload *string) models.SignalRecord {
	r := models.SignalRecord{
		ID:       s.newID(),
		SenderID: s.selfID,
		Type:     string(kind),
	}
	if payload != nil {
		p := *payload
		r.Payload = &p
	}
	s.conversation.Stamp(&r)
	return r
}
