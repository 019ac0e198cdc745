package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ConversationStrategy selects how a room's messages are partitioned into
// agent-service conversations.
type ConversationStrategy string

const (
	StrategyPerRoom ConversationStrategy = "per-room"
	StrategyPerUser ConversationStrategy = "per-user"
)

// ConversationBinding links a (room, agent[, user]) triple to an
// agent-service conversation id for context isolation (P8).
type ConversationBinding struct {
	RoomID         string
	AgentID        string
	UserMXID       string // empty for per-room strategy
	ConversationID string
	Strategy       ConversationStrategy
	CreatedAt      time.Time
	LastMessageAt  time.Time
}

// GetConversation looks up the binding for (room, agent[, user]). userMXID
// is "" for per-room strategy.
func (s *Store) GetConversation(ctx context.Context, roomID, agentID, userMXID string) (*ConversationBinding, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT room_id, agent_id, user_mxid, conversation_id, strategy, created_at, last_message_at
		FROM conversation_bindings
		WHERE room_id = ? AND agent_id = ? AND user_mxid = ?
	`, roomID, agentID, userMXID)

	b := &ConversationBinding{}
	var strategy string
	if err := row.Scan(&b.RoomID, &b.AgentID, &b.UserMXID, &b.ConversationID, &strategy, &b.CreatedAt, &b.LastMessageAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	b.Strategy = ConversationStrategy(strategy)
	return b, nil
}

// SetConversation upserts a binding and bumps last_message_at, used both to
// create a binding lazily and to refresh it after each message.
func (s *Store) SetConversation(ctx context.Context, b *ConversationBinding) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_bindings (room_id, agent_id, user_mxid, conversation_id, strategy, created_at, last_message_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(room_id, agent_id, user_mxid) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			last_message_at = excluded.last_message_at
	`, b.RoomID, b.AgentID, b.UserMXID, b.ConversationID, string(b.Strategy), now, now)
	if err != nil {
		return fmt.Errorf("set conversation binding: %w", err)
	}
	return nil
}

// TouchConversation bumps last_message_at without changing conversation_id.
func (s *Store) TouchConversation(ctx context.Context, roomID, agentID, userMXID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversation_bindings SET last_message_at = ?
		WHERE room_id = ? AND agent_id = ? AND user_mxid = ?
	`, time.Now(), roomID, agentID, userMXID)
	if err != nil {
		return fmt.Errorf("touch conversation binding: %w", err)
	}
	return nil
}

// DropConversation deletes a binding — used when the upstream conversation
// is gone (VerifyConversation reports it missing) so it can be
// transparently recreated.
func (s *Store) DropConversation(ctx context.Context, roomID, agentID, userMXID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM conversation_bindings WHERE room_id = ? AND agent_id = ? AND user_mxid = ?
	`, roomID, agentID, userMXID)
	if err != nil {
		return fmt.Errorf("drop conversation binding: %w", err)
	}
	return nil
}

// ListStaleConversations returns bindings whose last_message_at predates
// cutoff, candidates for deletion per the ">N days" staleness rule.
func (s *Store) ListStaleConversations(ctx context.Context, cutoff time.Time) ([]*ConversationBinding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT room_id, agent_id, user_mxid, conversation_id, strategy, created_at, last_message_at
		FROM conversation_bindings
		WHERE last_message_at < ?
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale conversations: %w", err)
	}
	defer rows.Close()

	var out []*ConversationBinding
	for rows.Next() {
		b := &ConversationBinding{}
		var strategy string
		if err := rows.Scan(&b.RoomID, &b.AgentID, &b.UserMXID, &b.ConversationID, &strategy, &b.CreatedAt, &b.LastMessageAt); err != nil {
			return nil, fmt.Errorf("scan stale conversation: %w", err)
		}
		b.Strategy = ConversationStrategy(strategy)
		out = append(out, b)
	}
	return out, rows.Err()
}
