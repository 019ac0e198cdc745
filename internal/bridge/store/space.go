package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SpaceDescriptor identifies the canonical container room for all agent
// rooms. There is exactly one row, enforced by the migration's CHECK(id=1).
type SpaceDescriptor struct {
	SpaceRoomID string
	CreatedAt   time.Time
}

// GetSpace returns the canonical Space descriptor, or sql.ErrNoRows if the
// bridge has not yet created one.
func (s *Store) GetSpace(ctx context.Context) (*SpaceDescriptor, error) {
	row := s.db.QueryRowContext(ctx, `SELECT space_room_id, created_at FROM space_descriptor WHERE id = 1`)
	d := &SpaceDescriptor{}
	if err := row.Scan(&d.SpaceRoomID, &d.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get space descriptor: %w", err)
	}
	return d, nil
}

// SetSpace records the canonical Space room id, once, at first boot.
func (s *Store) SetSpace(ctx context.Context, roomID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO space_descriptor (id, space_room_id, created_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, roomID, time.Now())
	if err != nil {
		return fmt.Errorf("set space descriptor: %w", err)
	}
	return nil
}
