package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// EnqueueNudge persists a nudge request. A nudge is pending until
// MarkNudgeProcessed stamps it.
func (s *Store) EnqueueNudge(ctx context.Context, n *NudgeRequest) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO nudge_queue (id, issue_id, source_execution_id, priority, reason, created_at, processed_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)`,
		n.ID, n.IssueID, n.SourceExecutionID, n.Priority, n.Reason, n.CreatedAt, n.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue nudge: %w", err)
	}
	return nil
}

// PendingNudges returns unprocessed nudges, highest priority first and
// oldest first within a priority.
func (s *Store) PendingNudges(ctx context.Context, limit int) ([]*NudgeRequest, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, issue_id, source_execution_id, priority, COALESCE(reason, ''), created_at, processed_at
		FROM nudge_queue
		WHERE processed_at IS NULL
		ORDER BY priority DESC, created_at ASC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("pending nudges: %w", err)
	}
	defer rows.Close()

	var nudges []*NudgeRequest
	for rows.Next() {
		var n NudgeRequest
		if err := rows.Scan(&n.ID, &n.IssueID, &n.SourceExecutionID, &n.Priority, &n.Reason, &n.CreatedAt, &n.ProcessedAt); err != nil {
			return nil, fmt.Errorf("pending nudges: %w", err)
		}
		nudges = append(nudges, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pending nudges: %w", err)
	}
	return nudges, nil
}

// MarkNudgeProcessed stamps a nudge as handled.
func (s *Store) MarkNudgeProcessed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE nudge_queue SET processed_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark nudge processed: %w", err)
	}
	return nil
}

// PendingNudgeCount returns the number of unprocessed nudges.
func (s *Store) PendingNudgeCount(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM nudge_queue WHERE processed_at IS NULL`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("pending nudge count: %w", err)
	}
	return count, nil
}
