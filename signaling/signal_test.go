package signaling

import (
	"testing"

	"github.com/stretchr/testify/require"

	"talkfeed/codec"
	"talkfeed/feed"
	"talkfeed/models"
)

func strPtr(s string) *string { return &s }

func TestParseRejectsMalformedRows(t *testing.T) {
	tests := []struct {
		name   string
		record models.SignalRecord
	}{
		{name: "missing type", record: models.SignalRecord{SenderID: "a", Payload: strPtr("x")}},
		{name: "unknown type", record: models.SignalRecord{SenderID: "a", Type: "wave"}},
		{name: "chunk without payload", record: models.SignalRecord{SenderID: "a", Type: "audio_chunk"}},
		{name: "chunk with empty payload", record: models.SignalRecord{SenderID: "a", Type: "audio_chunk", Payload: strPtr("")}},
		{name: "start without name", record: models.SignalRecord{SenderID: "a", Type: "start_talking"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.record)
			require.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestParseAcceptsOptionalPayloads(t *testing.T) {
	sig, err := Parse(models.SignalRecord{ID: "1", RoomID: "r", SenderID: "a", Type: "stop_talking", CreatedAt: 1700000000000})
	require.NoError(t, err)
	require.Equal(t, StopTalking, sig.Kind)
	require.Equal(t, "r", sig.ConversationKey)
	require.Equal(t, int64(1700000000000), sig.CreatedAt.UnixMilli())

	sig, err = Parse(models.SignalRecord{SenderID: "a", Type: "poke"})
	require.NoError(t, err)
	require.Empty(t, sig.Payload)
	require.Equal(t, "👋 Someone poked you", PokeText(sig.Payload))
}

func TestAcceptSuppressesOwnTalkTraffic(t *testing.T) {
	for _, kind := range []Kind{StartTalking, AudioChunk, StopTalking} {
		_, err := Accept(models.SignalRecord{SenderID: "me", Type: string(kind), Payload: strPtr("AAAA")}, "me")
		require.ErrorIs(t, err, ErrEcho, kind)
	}

	sig, err := Accept(models.SignalRecord{SenderID: "me", Type: "poke", Payload: strPtr("Me")}, "me")
	require.NoError(t, err)
	require.Equal(t, Poke, sig.Kind)

	sig, err = Accept(models.SignalRecord{SenderID: "you", Type: "audio_chunk", Payload: strPtr("AAAA")}, "me")
	require.NoError(t, err)
	require.Equal(t, "you", sig.SenderID)
}

func TestSenderBuildsDirectRows(t *testing.T) {
	conv := feed.Direct("bob", "alice")
	s := NewSender(conv, "alice", "Alice")

	start := s.StartTalking()
	require.Equal(t, "start_talking", start.Type)
	require.Equal(t, "Alice", *start.Payload)
	require.Equal(t, models.NilRoomID, start.RoomID)
	require.Equal(t, "direct:alice:bob", start.ChannelKey)
	require.NotEmpty(t, start.ID)

	frame := codec.Float32ToBytes([]float32{0.1, -0.2})
	chunk, err := s.AudioChunk(frame)
	require.NoError(t, err)
	decoded, err := codec.Decode(*chunk.Payload)
	require.NoError(t, err)
	require.Equal(t, frame, decoded)
	require.NotEqual(t, start.ID, chunk.ID)

	stop := s.StopTalking()
	require.Nil(t, stop.Payload)

	_, err = s.AudioChunk(nil)
	require.ErrorIs(t, err, codec.ErrEmptyPayload)
}

func TestSenderBuildsRoomRows(t *testing.T) {
	s := NewSender(feed.Room("room-1"), "u1", "")
	poke := s.Poke()
	require.Equal(t, "room-1", poke.RoomID)
	require.Empty(t, poke.ChannelKey)
	require.Equal(t, "u1", *poke.Payload)

	sig, err := Parse(poke)
	require.NoError(t, err)
	require.Equal(t, "room-1", sig.ConversationKey)
}
