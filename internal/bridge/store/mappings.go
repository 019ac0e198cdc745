package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AgentMapping is one row per agent ever observed in the registry.
// MatrixPassword is never selected by any listing query reachable from the
// HTTP control plane — see ListMappingSummaries.
type AgentMapping struct {
	AgentID        string
	AgentName      string
	MatrixUserID   string
	MatrixPassword string
	RoomID         sql.NullString
	RoomCreated    bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
	RemovedAt      sql.NullTime
}

// MappingSummary is the redacted projection of AgentMapping safe to return
// from GET /agents/mappings: it has no MatrixPassword field to forget to
// scrub, because the underlying query never selects that column.
type MappingSummary struct {
	AgentID      string
	AgentName    string
	MatrixUserID string
	RoomID       sql.NullString
	RoomCreated  bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Upsert inserts agent as a new mapping, or updates agent_name/matrix
// metadata of an existing one keyed by agent_id. matrix_user_id and room_id
// are never changed by Upsert once set — identity stability (spec P2) is
// the caller's responsibility to preserve by never overwriting those fields
// across a rename.
func (s *Store) Upsert(ctx context.Context, m *AgentMapping) error {
	now := time.Now()
	existing, err := s.GetByAgentID(ctx, m.AgentID)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("upsert mapping %s: lookup: %w", m.AgentID, err)
	}

	if existing == nil {
		m.CreatedAt = now
		m.UpdatedAt = now
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agent_mappings
				(agent_id, agent_name, matrix_user_id, matrix_password, room_id, room_created, created_at, updated_at, removed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, m.AgentID, m.AgentName, m.MatrixUserID, m.MatrixPassword, m.RoomID, m.RoomCreated, m.CreatedAt, m.UpdatedAt, m.RemovedAt)
		if err != nil {
			return fmt.Errorf("upsert mapping %s: insert: %w", m.AgentID, err)
		}
		return nil
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE agent_mappings
		SET agent_name = ?, room_id = COALESCE(room_id, ?), room_created = ?, updated_at = ?, removed_at = ?
		WHERE agent_id = ?
	`, m.AgentName, m.RoomID, m.RoomCreated, now, m.RemovedAt, m.AgentID)
	if err != nil {
		return fmt.Errorf("upsert mapping %s: update: %w", m.AgentID, err)
	}
	return nil
}

// GetByAgentID retrieves a mapping by its stable agent_id.
func (s *Store) GetByAgentID(ctx context.Context, agentID string) (*AgentMapping, error) {
	return s.scanOneMapping(ctx, "WHERE agent_id = ?", agentID)
}

// GetByMatrixUser retrieves a mapping by its Matrix user id.
func (s *Store) GetByMatrixUser(ctx context.Context, mxid string) (*AgentMapping, error) {
	return s.scanOneMapping(ctx, "WHERE matrix_user_id = ?", mxid)
}

// GetByRoom retrieves a mapping by its room id.
func (s *Store) GetByRoom(ctx context.Context, roomID string) (*AgentMapping, error) {
	return s.scanOneMapping(ctx, "WHERE room_id = ?", roomID)
}

func (s *Store) scanOneMapping(ctx context.Context, where string, arg any) (*AgentMapping, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, agent_name, matrix_user_id, matrix_password, room_id, room_created, created_at, updated_at, removed_at
		FROM agent_mappings
		`+where, arg)

	m := &AgentMapping{}
	err := row.Scan(&m.AgentID, &m.AgentName, &m.MatrixUserID, &m.MatrixPassword, &m.RoomID, &m.RoomCreated, &m.CreatedAt, &m.UpdatedAt, &m.RemovedAt)
	if err == sql.ErrNoRows {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("get mapping: %w", err)
	}
	return m, nil
}

// ListActive returns every mapping with removed_at IS NULL, including
// matrix_password, for internal callers (the Reconciler, the Provisioner).
// It is never exposed directly over HTTP; X1 uses ListMappingSummaries.
func (s *Store) ListActive(ctx context.Context) ([]*AgentMapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, agent_name, matrix_user_id, matrix_password, room_id, room_created, created_at, updated_at, removed_at
		FROM agent_mappings
		WHERE removed_at IS NULL
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list active mappings: %w", err)
	}
	defer rows.Close()

	var out []*AgentMapping
	for rows.Next() {
		m := &AgentMapping{}
		if err := rows.Scan(&m.AgentID, &m.AgentName, &m.MatrixUserID, &m.MatrixPassword, &m.RoomID, &m.RoomCreated, &m.CreatedAt, &m.UpdatedAt, &m.RemovedAt); err != nil {
			return nil, fmt.Errorf("scan mapping: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListMappingSummaries returns the HTTP-safe projection of active mappings.
// The query never selects matrix_password, so there is no column to redact.
func (s *Store) ListMappingSummaries(ctx context.Context) ([]*MappingSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, agent_name, matrix_user_id, room_id, room_created, created_at, updated_at
		FROM agent_mappings
		WHERE removed_at IS NULL
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list mapping summaries: %w", err)
	}
	defer rows.Close()

	var out []*MappingSummary
	for rows.Next() {
		m := &MappingSummary{}
		if err := rows.Scan(&m.AgentID, &m.AgentName, &m.MatrixUserID, &m.RoomID, &m.RoomCreated, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan mapping summary: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListWithRemovedAtBefore returns soft-deleted mappings whose removed_at is
// older than cutoff — candidates for hard deletion past the grace window.
func (s *Store) ListWithRemovedAtBefore(ctx context.Context, cutoff time.Time) ([]*AgentMapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, agent_name, matrix_user_id, matrix_password, room_id, room_created, created_at, updated_at, removed_at
		FROM agent_mappings
		WHERE removed_at IS NOT NULL AND removed_at < ?
		ORDER BY removed_at ASC
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list expired mappings: %w", err)
	}
	defer rows.Close()

	var out []*AgentMapping
	for rows.Next() {
		m := &AgentMapping{}
		if err := rows.Scan(&m.AgentID, &m.AgentName, &m.MatrixUserID, &m.MatrixPassword, &m.RoomID, &m.RoomCreated, &m.CreatedAt, &m.UpdatedAt, &m.RemovedAt); err != nil {
			return nil, fmt.Errorf("scan expired mapping: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SoftDelete sets removed_at = at for agentID, iff it is currently null.
func (s *Store) SoftDelete(ctx context.Context, agentID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_mappings SET removed_at = ?, updated_at = ? WHERE agent_id = ? AND removed_at IS NULL
	`, at, time.Now(), agentID)
	if err != nil {
		return fmt.Errorf("soft delete %s: %w", agentID, err)
	}
	return checkRowsAffected(res, agentID)
}

// Undelete clears removed_at for agentID (rediscovery within the grace
// window). Per P5, nothing else about the row changes.
func (s *Store) Undelete(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_mappings SET removed_at = NULL, updated_at = ? WHERE agent_id = ?
	`, time.Now(), agentID)
	if err != nil {
		return fmt.Errorf("undelete %s: %w", agentID, err)
	}
	return checkRowsAffected(res, agentID)
}

// HardDelete permanently removes a mapping row (and, via FK cascade, its
// invitation status and conversation bindings) after the grace window.
func (s *Store) HardDelete(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agent_mappings WHERE agent_id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("hard delete %s: %w", agentID, err)
	}
	return checkRowsAffected(res, agentID)
}

// UpdateAgentName updates the mutable display name during a rename, leaving
// matrix_user_id and room_id untouched (P2).
func (s *Store) UpdateAgentName(ctx context.Context, agentID, name string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_mappings SET agent_name = ?, updated_at = ? WHERE agent_id = ?
	`, name, time.Now(), agentID)
	if err != nil {
		return fmt.Errorf("rename %s: %w", agentID, err)
	}
	return checkRowsAffected(res, agentID)
}

// SetMatrixAccount records the Matrix identity provisioned for agentID. It
// is the only way matrix_user_id/matrix_password are written after the
// initial Upsert, since Upsert deliberately leaves them alone (P2: identity
// stability across renames).
func (s *Store) SetMatrixAccount(ctx context.Context, agentID, matrixUserID, matrixPassword string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_mappings SET matrix_user_id = ?, matrix_password = ?, updated_at = ? WHERE agent_id = ?
	`, matrixUserID, matrixPassword, time.Now(), agentID)
	if err != nil {
		return fmt.Errorf("set matrix account for %s: %w", agentID, err)
	}
	return checkRowsAffected(res, agentID)
}

// SetRoom records the provisioned room for an agent.
func (s *Store) SetRoom(ctx context.Context, agentID, roomID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_mappings SET room_id = ?, room_created = 1, updated_at = ? WHERE agent_id = ?
	`, roomID, time.Now(), agentID)
	if err != nil {
		return fmt.Errorf("set room for %s: %w", agentID, err)
	}
	return checkRowsAffected(res, agentID)
}

func checkRowsAffected(res sql.Result, agentID string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("agent mapping not found: %s", agentID)
	}
	return nil
}
