package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"talkfeed/models"
)

// CreateRoom inserts a new room row.
func (s *Store) CreateRoom(ctx context.Context, room models.Room) error {
	if strings.TrimSpace(room.ID) == "" {
		return errors.New("room_id is required")
	}
	if room.ID == models.NilRoomID {
		return errors.New("room_id is reserved for direct conversations")
	}
	if strings.TrimSpace(room.Name) == "" {
		return errors.New("room name is required")
	}
	if strings.TrimSpace(room.CreatedBy) == "" {
		return errors.New("created_by is required")
	}
	if room.CreatedAt == 0 {
		room.CreatedAt = nowUnixMilli()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (room_id, name, created_by, created_at) VALUES (?, ?, ?, ?)`,
		room.ID,
		room.Name,
		room.CreatedBy,
		room.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert room %q: %w", room.ID, err)
	}
	return nil
}

// GetRoom fetches a room by ID.
func (s *Store) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT room_id, name, created_by, created_at FROM rooms WHERE room_id = ?`,
		roomID,
	)

	room, err := scanRoom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get room %q: %w", roomID, err)
	}
	return room, nil
}

// ListRooms returns every room, newest first.
func (s *Store) ListRooms(ctx context.Context) ([]models.Room, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT room_id, name, created_by, created_at
		FROM rooms
		ORDER BY created_at DESC, room_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	rooms := make([]models.Room, 0)
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan room row: %w", err)
		}
		rooms = append(rooms, *room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate room rows: %w", err)
	}
	return rooms, nil
}

func scanRoom(row scanner) (*models.Room, error) {
	var room models.Room
	if err := row.Scan(&room.ID, &room.Name, &room.CreatedBy, &room.CreatedAt); err != nil {
		return nil, err
	}
	return &room, nil
}
