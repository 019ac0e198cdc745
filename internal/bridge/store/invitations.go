package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InvitationState is the status of one (agent_id, invitee_mxid) invitation.
type InvitationState string

const (
	InvitationPending InvitationState = "pending"
	InvitationJoined  InvitationState = "joined"
	InvitationFailed  InvitationState = "failed"
)

// InvitationStatus is a child record of AgentMapping keyed by
// (agent_id, invitee_mxid), used to avoid re-inviting already-joined core
// users on every reconcile.
type InvitationStatus struct {
	AgentID     string
	InviteeMXID string
	Status      InvitationState
	UpdatedAt   time.Time
}

// GetInvitation returns the current invitation state, or sql.ErrNoRows if
// no attempt has been recorded yet.
func (s *Store) GetInvitation(ctx context.Context, agentID, inviteeMXID string) (*InvitationStatus, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, invitee_mxid, status, updated_at
		FROM invitation_status
		WHERE agent_id = ? AND invitee_mxid = ?
	`, agentID, inviteeMXID)

	inv := &InvitationStatus{}
	var status string
	if err := row.Scan(&inv.AgentID, &inv.InviteeMXID, &status, &inv.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get invitation: %w", err)
	}
	inv.Status = InvitationState(status)
	return inv, nil
}

// SetInvitation upserts the invitation state for (agentID, inviteeMXID).
func (s *Store) SetInvitation(ctx context.Context, agentID, inviteeMXID string, status InvitationState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invitation_status (agent_id, invitee_mxid, status, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id, invitee_mxid) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at
	`, agentID, inviteeMXID, string(status), time.Now())
	if err != nil {
		return fmt.Errorf("set invitation %s/%s: %w", agentID, inviteeMXID, err)
	}
	return nil
}

// ListInvitations returns every recorded invitation for an agent.
func (s *Store) ListInvitations(ctx context.Context, agentID string) ([]*InvitationStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, invitee_mxid, status, updated_at
		FROM invitation_status
		WHERE agent_id = ?
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list invitations for %s: %w", agentID, err)
	}
	defer rows.Close()

	var out []*InvitationStatus
	for rows.Next() {
		inv := &InvitationStatus{}
		var status string
		if err := rows.Scan(&inv.AgentID, &inv.InviteeMXID, &status, &inv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan invitation: %w", err)
		}
		inv.Status = InvitationState(status)
		out = append(out, inv)
	}
	return out, rows.Err()
}
