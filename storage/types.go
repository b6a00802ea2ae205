package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrKeyMismatch indicates a participant presented a key other than the one pinned for it.
	ErrKeyMismatch = errors.New("storage: participant key does not match pinned key")
)

const (
	// SecuritySeverityInfo indicates informational security event context.
	SecuritySeverityInfo = "info"
	// SecuritySeverityWarning indicates potentially suspicious behavior.
	SecuritySeverityWarning = "warning"
	// SecuritySeverityCritical indicates serious security failures.
	SecuritySeverityCritical = "critical"
)

const (
	maxSignalListLimit     = 1000
	defaultSignalListLimit = 200
)

// SignalQuery narrows SignalsSince. Column is one of the feed filter columns.
type SignalQuery struct {
	Column   string
	Value    string
	AfterSeq int64
	Limit    int
}

// StoredSignal is a signals row together with its feed sequence number.
type StoredSignal struct {
	Seq int64
	ID  string

	RoomID     string
	ChannelKey string
	SenderID   string
	Type       string
	Payload    *string
	CreatedAt  int64
}

// SecurityEvent is one relay audit entry.
type SecurityEvent struct {
	ID            int64
	EventType     string
	ParticipantID string
	Details       map[string]string
	Severity      string
	Timestamp     int64
}

// SecurityEventFilter narrows SecurityEvents. Zero fields match everything.
type SecurityEventFilter struct {
	EventType     string
	ParticipantID string
	Severity      string
	Since         int64
	Limit         int
}

type scanner interface {
	Scan(dest ...any) error
}

func validateSecuritySeverity(severity string) error {
	switch severity {
	case SecuritySeverityInfo, SecuritySeverityWarning, SecuritySeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid security event severity %q", severity)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
