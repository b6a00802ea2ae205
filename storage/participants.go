package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"talkfeed/models"
)

// UpsertParticipant records a participant seen on a link, refreshing name and last_seen.
func (s *Store) UpsertParticipant(ctx context.Context, participant models.Participant) error {
	if strings.TrimSpace(participant.ID) == "" {
		return errors.New("participant_id is required")
	}
	if strings.TrimSpace(participant.DisplayName) == "" {
		return errors.New("display_name is required")
	}
	if participant.LastSeen == 0 {
		participant.LastSeen = nowUnixMilli()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO participants (participant_id, display_name, public_key, created_at, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(participant_id) DO UPDATE SET
			display_name = excluded.display_name,
			public_key = CASE WHEN excluded.public_key = '' THEN participants.public_key ELSE excluded.public_key END,
			last_seen = excluded.last_seen`,
		participant.ID,
		participant.DisplayName,
		participant.PublicKey,
		participant.LastSeen,
		participant.LastSeen,
	)
	if err != nil {
		return fmt.Errorf("upsert participant %q: %w", participant.ID, err)
	}
	return nil
}

// RegisterParticipant admits a participant that just proved ownership of PublicKey. The
// first registration pins the key; later ones refresh name and last_seen only when the key
// matches, otherwise the row is left untouched and ErrKeyMismatch is returned. Check and
// write happen in one statement, so concurrent first registrations cannot both pin.
func (s *Store) RegisterParticipant(ctx context.Context, participant models.Participant) error {
	if strings.TrimSpace(participant.ID) == "" {
		return errors.New("participant_id is required")
	}
	if strings.TrimSpace(participant.DisplayName) == "" {
		return errors.New("display_name is required")
	}
	if strings.TrimSpace(participant.PublicKey) == "" {
		return errors.New("public_key is required")
	}
	if participant.LastSeen == 0 {
		participant.LastSeen = nowUnixMilli()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO participants (participant_id, display_name, public_key, created_at, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(participant_id) DO UPDATE SET
			display_name = excluded.display_name,
			public_key = excluded.public_key,
			last_seen = excluded.last_seen
		WHERE participants.public_key = '' OR participants.public_key = excluded.public_key`,
		participant.ID,
		participant.DisplayName,
		participant.PublicKey,
		participant.LastSeen,
		participant.LastSeen,
	)
	if err != nil {
		return fmt.Errorf("register participant %q: %w", participant.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for participant %q: %w", participant.ID, err)
	}
	if affected == 0 {
		return fmt.Errorf("register participant %q: %w", participant.ID, ErrKeyMismatch)
	}
	return nil
}

// GetParticipant fetches a participant by ID.
func (s *Store) GetParticipant(ctx context.Context, participantID string) (*models.Participant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT participant_id, display_name, public_key, last_seen
		FROM participants
		WHERE participant_id = ?`,
		participantID,
	)

	participant, err := scanParticipant(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get participant %q: %w", participantID, err)
	}
	return participant, nil
}

// FindParticipant resolves a participant by exact ID, then by display name ignoring case.
// When several participants share a name the most recently seen wins.
func (s *Store) FindParticipant(ctx context.Context, query string) (*models.Participant, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrNotFound
	}

	participant, err := s.GetParticipant(ctx, query)
	if err == nil {
		return participant, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT participant_id, display_name, public_key, last_seen
		FROM participants
		WHERE display_name = ? COLLATE NOCASE
		ORDER BY last_seen DESC, participant_id
		LIMIT 1`,
		query,
	)
	participant, err = scanParticipant(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find participant %q: %w", query, err)
	}
	return participant, nil
}

// ListParticipants returns all participants sorted by display name.
func (s *Store) ListParticipants(ctx context.Context) ([]models.Participant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT participant_id, display_name, public_key, last_seen
		FROM participants
		ORDER BY display_name COLLATE NOCASE, participant_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	participants := make([]models.Participant, 0)
	for rows.Next() {
		participant, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan participant row: %w", err)
		}
		participants = append(participants, *participant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participant rows: %w", err)
	}
	return participants, nil
}

func scanParticipant(row scanner) (*models.Participant, error) {
	var participant models.Participant
	if err := row.Scan(&participant.ID, &participant.DisplayName, &participant.PublicKey, &participant.LastSeen); err != nil {
		return nil, err
	}
	return &participant, nil
}
