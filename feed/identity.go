// Package feed models the append-only signal feed: conversation identity, equality filters,
// the Transport contract and an in-process Hub that fans inserted rows out to subscribers.
package feed

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"talkfeed/models"
)

// DirectKeyPrefix marks keys derived for a pairwise conversation.
const DirectKeyPrefix = "direct:"

// Filter columns understood by every Transport.
const (
	ColumnChannelKey = "channel_key"
	ColumnRoomID     = "room_id"
)

var (
	// ErrInvalidConversation is returned for conversations with no usable key.
	ErrInvalidConversation = errors.New("feed: invalid conversation")
	// ErrInvalidParticipantID is returned for IDs that cannot be a direct conversation member.
	ErrInvalidParticipantID = errors.New("feed: invalid participant id")
)

// ValidateParticipantID rejects empty IDs and IDs containing ':', the separator between the
// two members of a DirectKey.
func ValidateParticipantID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidParticipantID)
	}
	if strings.Contains(id, ":") {
		return fmt.Errorf("%w: %q contains ':'", ErrInvalidParticipantID, id)
	}
	return nil
}

// DirectKey derives the pairwise conversation key for a and b. The result does not
// depend on argument order. Both IDs must pass ValidateParticipantID or the key cannot be
// split back into its members.
func DirectKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return DirectKeyPrefix + strings.Join(ids, ":")
}

// RoomKey returns the conversation key of a group room, which is the room ID itself.
func RoomKey(roomID string) string {
	return roomID
}

// Conversation identifies a pairwise or group conversation.
type Conversation struct {
	Key    string
	Direct bool
}

// Direct returns the conversation between self and peer.
func Direct(self, peer string) Conversation {
	return Conversation{Key: DirectKey(self, peer), Direct: true}
}

// Room returns the conversation of a group room.
func Room(roomID string) Conversation {
	return Conversation{Key: RoomKey(roomID)}
}

// Validate reports whether the conversation can be subscribed to.
func (c Conversation) Validate() error {
	if strings.TrimSpace(c.Key) == "" {
		return ErrInvalidConversation
	}
	if c.Direct != strings.HasPrefix(c.Key, DirectKeyPrefix) {
		return ErrInvalidConversation
	}
	if !c.Direct && c.Key == models.NilRoomID {
		return ErrInvalidConversation
	}
	return nil
}

// Filter is the server-side equality predicate used to subscribe to the conversation.
func (c Conversation) Filter() Filter {
	if c.Direct {
		return Filter{Column: ColumnChannelKey, Value: c.Key}
	}
	return Filter{Column: ColumnRoomID, Value: c.Key}
}

// Stamp fills the routing columns of r for this conversation.
func (c Conversation) Stamp(r *models.SignalRecord) {
	if c.Direct {
		r.RoomID = models.NilRoomID
		r.ChannelKey = c.Key
		return
	}
	r.RoomID = c.Key
	r.ChannelKey = ""
}

func (c Conversation) String() string {
	return c.Key
}

// Filter is an equality match on one column of the signals table.
type Filter struct {
	Column string `json:"column"`
	Value  string `json:"value"`
}

// Validate rejects filters on unknown columns or empty values.
func (f Filter) Validate() error {
	if f.Value == "" {
		return ErrInvalidConversation
	}
	switch f.Column {
	case ColumnChannelKey, ColumnRoomID:
		return nil
	default:
		return ErrInvalidConversation
	}
}

// Matches reports whether r falls inside the filter.
func (f Filter) Matches(r models.SignalRecord) bool {
	switch f.Column {
	case ColumnChannelKey:
		return r.ChannelKey == f.Value
	case ColumnRoomID:
		return r.RoomID == f.Value
	default:
		return false
	}
}
