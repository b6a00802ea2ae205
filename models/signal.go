package models

// NilRoomID is stored in room_id for direct conversations, which are keyed by channel_key instead.
const NilRoomID = "00000000-0000-0000-0000-000000000000"

// SignalRecord is one row of the shared signals feed exactly as it travels on the wire.
// Type and Payload are carried raw; receivers validate them before acting.
type SignalRecord struct {
	ID         string  `json:"id"`
	RoomID     string  `json:"room_id"`
	ChannelKey string  `json:"channel_key,omitempty"`
	SenderID   string  `json:"sender_id"`
	Type       string  `json:"type"`
	Payload    *string `json:"payload"`
	CreatedAt  int64   `json:"created_at"`
}

// ConversationKey returns the key the record is addressed to: the channel key for direct
// conversations, the room ID otherwise.
func (r SignalRecord) ConversationKey() string {
	if r.ChannelKey != "" {
		return r.ChannelKey
	}
	return r.RoomID
}
