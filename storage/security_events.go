package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	defaultSecurityEventLimit = 100
	maxSecurityEventLimit     = 1000
)

// RecordSecurityEvent appends a rejected handshake, forged sender or similar relay audit
// entry. Severity defaults to info and Timestamp to now.
func (s *Store) RecordSecurityEvent(ctx context.Context, event SecurityEvent) error {
	event.EventType = strings.TrimSpace(event.EventType)
	if event.EventType == "" {
		return errors.New("security event needs an event type")
	}
	if event.Severity == "" {
		event.Severity = SecuritySeverityInfo
	}
	if err := validateSecuritySeverity(event.Severity); err != nil {
		return err
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	details := []byte("{}")
	if len(event.Details) > 0 {
		raw, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("encode %s details: %w", event.EventType, err)
		}
		details = raw
	}

	participantID := strings.TrimSpace(event.ParticipantID)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO security_events (event_type, participant_id, details, severity, timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		event.EventType,
		sql.NullString{String: participantID, Valid: participantID != ""},
		string(details),
		event.Severity,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("record %s event: %w", event.EventType, err)
	}
	return nil
}

// SecurityEvents lists audit entries newest first.
func (s *Store) SecurityEvents(ctx context.Context, filter SecurityEventFilter) ([]SecurityEvent, error) {
	if filter.Severity != "" {
		if err := validateSecuritySeverity(filter.Severity); err != nil {
			return nil, err
		}
	}

	var (
		where []string
		args  []any
	)
	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.ParticipantID != "" {
		where = append(where, "participant_id = ?")
		args = append(args, filter.ParticipantID)
	}
	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, filter.Severity)
	}
	if filter.Since > 0 {
		where = append(where, "timestamp >= ?")
		args = append(args, filter.Since)
	}

	limit := filter.Limit
	switch {
	case limit <= 0:
		limit = defaultSecurityEventLimit
	case limit > maxSecurityEventLimit:
		limit = maxSecurityEventLimit
	}

	query := `SELECT id, event_type, participant_id, details, severity, timestamp FROM security_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list security events: %w", err)
	}
	defer rows.Close()

	var events []SecurityEvent
	for rows.Next() {
		event, err := scanSecurityEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list security events: %w", err)
	}
	return events, nil
}

// PruneSecurityEventsBefore drops audit entries recorded before cutoff (unix millis).
func (s *Store) PruneSecurityEventsBefore(ctx context.Context, cutoff int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM security_events WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune security events: %w", err)
	}
	return res.RowsAffected()
}

func scanSecurityEvent(row scanner) (SecurityEvent, error) {
	var (
		event         SecurityEvent
		participantID sql.NullString
		details       string
	)
	if err := row.Scan(&event.ID, &event.EventType, &participantID, &details, &event.Severity, &event.Timestamp); err != nil {
		return SecurityEvent{}, fmt.Errorf("scan security event: %w", err)
	}
	event.ParticipantID = participantID.String
	if details != "" && details != "{}" {
		if err := json.Unmarshal([]byte(details), &event.Details); err != nil {
			return SecurityEvent{}, fmt.Errorf("decode security event %d details: %w", event.ID, err)
		}
	}
	return event, nil
}
