package models

// Participant represents a known talker as registered with a relay.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	PublicKey   string `json:"public_key,omitempty"`
	LastSeen    int64  `json:"last_seen"`
}
