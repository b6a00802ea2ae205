package ptt

import "time"

// State is a snapshot of one conversation session. LocalTalking and RemoteTalkingBy are
// independent flags and may both be set.
type State struct {
	LocalTalking    bool
	RemoteTalkingBy string
	Notice          string
	NoticeExpiry    time.Time
	Subscribed      bool
}

// RemoteTalking reports whether a remote participant is flagged as talking.
func (s State) RemoteTalking() bool {
	return s.RemoteTalkingBy != ""
}

// HasNotice reports whether a poke notice is showing.
func (s State) HasNotice() bool {
	return s.Notice != ""
}
