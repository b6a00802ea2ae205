package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"talkfeed/models"
)

// InsertSignal appends one row to the signals feed and stamps record.CreatedAt. A row whose
// ID is already stored is left untouched and reported as inserted=false.
func (s *Store) InsertSignal(ctx context.Context, record *models.SignalRecord) (bool, error) {
	if record == nil {
		return false, errors.New("signal record is required")
	}
	if strings.TrimSpace(record.ID) == "" {
		return false, errors.New("signal_id is required")
	}
	if strings.TrimSpace(record.RoomID) == "" {
		return false, errors.New("room_id is required")
	}
	if strings.TrimSpace(record.SenderID) == "" {
		return false, errors.New("sender_id is required")
	}
	if record.Type == "" {
		return false, errors.New("type is required")
	}

	createdAt := nowUnixMilli()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO signals (
			signal_id,
			room_id,
			channel_key,
			sender_id,
			type,
			payload,
			created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(signal_id) DO NOTHING`,
		record.ID,
		record.RoomID,
		record.ChannelKey,
		record.SenderID,
		record.Type,
		nullString(record.Payload),
		createdAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert signal %q: %w", record.ID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for signal %q: %w", record.ID, err)
	}
	if affected == 0 {
		return false, nil
	}

	record.CreatedAt = createdAt
	return true, nil
}

// GetSignal fetches one row by signal ID.
func (s *Store) GetSignal(ctx context.Context, signalID string) (*StoredSignal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT seq, signal_id, room_id, channel_key, sender_id, type, payload, created_at
		FROM signals
		WHERE signal_id = ?`,
		signalID,
	)

	sig, err := scanSignal(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get signal %q: %w", signalID, err)
	}
	return sig, nil
}

// SignalsSince lists rows of one conversation after a sequence cursor, oldest first.
func (s *Store) SignalsSince(ctx context.Context, q SignalQuery) ([]StoredSignal, error) {
	column, err := signalFilterColumn(q.Column)
	if err != nil {
		return nil, err
	}
	if q.Value == "" {
		return nil, errors.New("filter value is required")
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultSignalListLimit
	}
	if limit > maxSignalListLimit {
		limit = maxSignalListLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, signal_id, room_id, channel_key, sender_id, type, payload, created_at
		FROM signals
		WHERE `+column+` = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?`,
		q.Value,
		q.AfterSeq,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list signals: %w", err)
	}
	defer rows.Close()

	signals := make([]StoredSignal, 0)
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signal row: %w", err)
		}
		signals = append(signals, *sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate signal rows: %w", err)
	}

	return signals, nil
}

// PruneSignalsBefore deletes rows created before cutoff (unix ms).
func (s *Store) PruneSignalsBefore(ctx context.Context, cutoff int64) (int64, error) {
	if cutoff <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM signals WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune signals: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for signal prune: %w", err)
	}
	return rowsAffected, nil
}

// CountSignals returns the number of rows currently held in the feed.
func (s *Store) CountSignals(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM signals`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count signals: %w", err)
	}
	return count, nil
}

// Record converts a stored row back to its wire form.
func (s StoredSignal) Record() models.SignalRecord {
	return models.SignalRecord{
		ID:         s.ID,
		RoomID:     s.RoomID,
		ChannelKey: s.ChannelKey,
		SenderID:   s.SenderID,
		Type:       s.Type,
		Payload:    s.Payload,
		CreatedAt:  s.CreatedAt,
	}
}

func signalFilterColumn(column string) (string, error) {
	switch column {
	case "channel_key", "room_id":
		return column, nil
	default:
		return "", fmt.Errorf("invalid signal filter column %q", column)
	}
}

func scanSignal(row scanner) (*StoredSignal, error) {
	var (
		sig     StoredSignal
		payload sql.NullString
	)
	if err := row.Scan(
		&sig.Seq,
		&sig.ID,
		&sig.RoomID,
		&sig.ChannelKey,
		&sig.SenderID,
		&sig.Type,
		&payload,
		&sig.CreatedAt,
	); err != nil {
		return nil, err
	}

	sig.Payload = stringPtr(payload)
	return &sig, nil
}
