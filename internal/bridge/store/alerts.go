package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RecordReconcileFailure increments the consecutive-failure counter for
// agentID and returns the new count, so the Reconciler can compare it
// against the "N consecutive cycles" alert threshold.
func (s *Store) RecordReconcileFailure(ctx context.Context, agentID string) (int, error) {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_counters (agent_id, consecutive_fails, last_failure_at)
		VALUES (?, 1, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			consecutive_fails = consecutive_fails + 1,
			last_failure_at = excluded.last_failure_at
	`, agentID, now)
	if err != nil {
		return 0, fmt.Errorf("record reconcile failure for %s: %w", agentID, err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT consecutive_fails FROM alert_counters WHERE agent_id = ?`, agentID).Scan(&count); err != nil {
		return 0, fmt.Errorf("read failure count for %s: %w", agentID, err)
	}
	return count, nil
}

// ResetReconcileFailures clears the counter for agentID after a successful
// reconcile pass.
func (s *Store) ResetReconcileFailures(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE alert_counters SET consecutive_fails = 0 WHERE agent_id = ?
	`, agentID)
	if err != nil {
		return fmt.Errorf("reset reconcile failures for %s: %w", agentID, err)
	}
	return nil
}

// MarkAlerted records that an alert fired for agentID, used by the 5-minute
// per-alert-key dedup window (spec §7).
func (s *Store) MarkAlerted(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE alert_counters SET last_alerted_at = ? WHERE agent_id = ?
	`, time.Now(), agentID)
	if err != nil {
		return fmt.Errorf("mark alerted for %s: %w", agentID, err)
	}
	return nil
}

// LastAlertedAt returns when an alert last fired for agentID, or the zero
// time if never.
func (s *Store) LastAlertedAt(ctx context.Context, agentID string) (time.Time, error) {
	var t sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT last_alerted_at FROM alert_counters WHERE agent_id = ?`, agentID).Scan(&t)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read last alerted at for %s: %w", agentID, err)
	}
	if !t.Valid {
		return time.Time{}, nil
	}
	return t.Time, nil
}
