package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordBudgetUsage appends one usage sample for an execution.
func (s *Store) RecordBudgetUsage(ctx context.Context, executionID uuid.UUID, tokensUsed int, durationSeconds float64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO budget_usage (id, execution_id, tokens_used, duration_seconds, recorded_at)
		VALUES (gen_random_uuid(), $1, $2, $3, NOW())`,
		executionID, tokensUsed, durationSeconds,
	)
	if err != nil {
		return fmt.Errorf("record budget usage: %w", err)
	}
	return nil
}

// TotalBudgetUsage aggregates recorded usage. A zero since covers all
// history.
func (s *Store) TotalBudgetUsage(ctx context.Context, since time.Time) (*BudgetUsage, error) {
	query := `SELECT COALESCE(SUM(tokens_used), 0), COALESCE(SUM(duration_seconds), 0), COUNT(*) FROM budget_usage`
	args := []any{}
	if !since.IsZero() {
		query += ` WHERE recorded_at >= $1`
		args = append(args, since)
	}

	var usage BudgetUsage
	err := s.pool.QueryRow(ctx, query, args...).Scan(&usage.TokensUsed, &usage.DurationSeconds, &usage.Executions)
	if err != nil {
		return nil, fmt.Errorf("total budget usage: %w", err)
	}
	return &usage, nil
}
