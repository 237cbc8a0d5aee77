package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// executionColumns is the SELECT list shared by every execution query.
// Nullable text and int columns are coalesced so they scan into plain Go
// fields; timestamps stay nullable and scan into pointers.
const executionColumns = `
	id, issue_id, repo_url, status,
	COALESCE(mode, 'implement'),
	COALESCE(prompt, ''),
	COALESCE(result, ''),
	COALESCE(branch, ''),
	COALESCE(pr_number, 0),
	COALESCE(external_run_id, ''),
	checkpoint,
	started_at, completed_at, created_at`

func scanExecution(row pgx.Row) (*Execution, error) {
	var e Execution
	err := row.Scan(
		&e.ID, &e.IssueID, &e.RepoURL, &e.Status,
		&e.Mode, &e.Prompt, &e.Result, &e.Branch,
		&e.PRNumber, &e.ExternalRunID, &e.Checkpoint,
		&e.StartedAt, &e.CompletedAt, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func scanExecutions(rows pgx.Rows) ([]*Execution, error) {
	defer rows.Close()
	var executions []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, e)
	}
	return executions, rows.Err()
}

// CreateExecution inserts a new execution record. It fails with a unique
// violation when the issue already has an active execution; use
// ClaimExecution when that race should be absorbed instead.
func (s *Store) CreateExecution(ctx context.Context, e *Execution) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO executions (id, issue_id, repo_url, status, mode, prompt, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)`,
		e.ID, e.IssueID, e.RepoURL, e.Status, e.Mode, e.Prompt, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

// ClaimExecution atomically claims an issue by inserting a pending
// execution. The partial unique index on active executions guarantees at
// most one claim wins; losing the race returns ok=false with no error.
func (s *Store) ClaimExecution(ctx context.Context, e *Execution) (bool, error) {
	err := s.CreateExecution(ctx, e)
	if err == nil {
		return true, nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return false, nil
	}
	return false, err
}

// UpdateExecutionStatus moves an execution through its lifecycle.
// started_at is stamped on the first transition to running and
// completed_at on the first terminal transition. An empty result keeps
// the stored one. Terminal statuses are sticky: once completed or
// failed, a late running update (a straggling callback or poll) is
// ignored and reported as ErrNotFound.
func (s *Store) UpdateExecutionStatus(ctx context.Context, id uuid.UUID, status ExecutionStatus, result string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE executions
		SET status = $2,
		    result = COALESCE(NULLIF($3, ''), result),
		    started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN NOW() ELSE started_at END,
		    completed_at = CASE WHEN $2 IN ('completed', 'failed') THEN COALESCE(completed_at, NOW()) ELSE completed_at END
		WHERE id = $1
		  AND (status NOT IN ('completed', 'failed') OR status = $2)`,
		id, status, result,
	)
	if err != nil {
		return fmt.Errorf("update execution status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetExternalRunID records the compute backend's run identifier so the
// execution can be recovered after a coordinator restart.
func (s *Store) SetExternalRunID(ctx context.Context, id uuid.UUID, runID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE executions SET external_run_id = $2 WHERE id = $1`, id, runID)
	if err != nil {
		return fmt.Errorf("set external run id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPRInfo records the pull request opened by an execution.
func (s *Store) SetPRInfo(ctx context.Context, id uuid.UUID, prNumber int, branch string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE executions SET pr_number = $2, branch = $3 WHERE id = $1`, id, prNumber, branch)
	if err != nil {
		return fmt.Errorf("set pr info: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveCheckpoint stores the agent's progress snapshot on its execution.
func (s *Store) SaveCheckpoint(ctx context.Context, id uuid.UUID, checkpoint map[string]any) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE executions SET checkpoint = $2 WHERE id = $1`, id, checkpoint)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// LatestCheckpoint returns the most recent checkpoint recorded for an
// issue across all of its executions, or nil when none exists.
func (s *Store) LatestCheckpoint(ctx context.Context, issueID string) (map[string]any, error) {
	var checkpoint map[string]any
	err := s.pool.QueryRow(ctx, `
		SELECT checkpoint FROM executions
		WHERE issue_id = $1 AND checkpoint IS NOT NULL
		ORDER BY created_at DESC
		LIMIT 1`,
		issueID,
	).Scan(&checkpoint)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest checkpoint: %w", err)
	}
	return checkpoint, nil
}

// GetExecution returns one execution by id.
func (s *Store) GetExecution(ctx context.Context, id uuid.UUID) (*Execution, error) {
	e, err := scanExecution(s.pool.QueryRow(ctx,
		`SELECT`+executionColumns+` FROM executions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

// GetActiveExecutions returns all pending and running executions, oldest
// first.
func (s *Store) GetActiveExecutions(ctx context.Context) ([]*Execution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT`+executionColumns+` FROM executions
		WHERE status IN ('pending', 'running')
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("get active executions: %w", err)
	}
	executions, err := scanExecutions(rows)
	if err != nil {
		return nil, fmt.Errorf("get active executions: %w", err)
	}
	return executions, nil
}

// ActiveExecutionForIssue returns the issue's pending or running
// execution, or ErrNotFound when the issue is idle.
func (s *Store) ActiveExecutionForIssue(ctx context.Context, issueID string) (*Execution, error) {
	e, err := scanExecution(s.pool.QueryRow(ctx, `
		SELECT`+executionColumns+` FROM executions
		WHERE issue_id = $1 AND status IN ('pending', 'running')
		LIMIT 1`,
		issueID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("active execution for issue: %w", err)
	}
	return e, nil
}

// LatestExecutionForIssue returns the most recent execution for an issue
// regardless of status, or ErrNotFound.
func (s *Store) LatestExecutionForIssue(ctx context.Context, issueID string) (*Execution, error) {
	e, err := scanExecution(s.pool.QueryRow(ctx, `
		SELECT`+executionColumns+` FROM executions
		WHERE issue_id = $1
		ORDER BY created_at DESC
		LIMIT 1`,
		issueID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest execution for issue: %w", err)
	}
	return e, nil
}

// CountActiveExecutions returns the number of pending and running
// executions, used for the concurrency gate.
func (s *Store) CountActiveExecutions(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM executions WHERE status IN ('pending', 'running')`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active executions: %w", err)
	}
	return count, nil
}

// ActiveExecutionsWithExternalRunID returns active executions that were
// handed to an external backend, for poll recovery after a restart.
func (s *Store) ActiveExecutionsWithExternalRunID(ctx context.Context) ([]*Execution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT`+executionColumns+` FROM executions
		WHERE status IN ('pending', 'running')
		  AND external_run_id IS NOT NULL AND external_run_id <> ''
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("active executions with external run id: %w", err)
	}
	executions, err := scanExecutions(rows)
	if err != nil {
		return nil, fmt.Errorf("active executions with external run id: %w", err)
	}
	return executions, nil
}

// TimeoutStaleExecutions fails every active execution whose work began
// before the cutoff (falling back to created_at for claims that never
// started) and returns the rows it changed so callers can release labels
// and cancel backends.
func (s *Store) TimeoutStaleExecutions(ctx context.Context, cutoff time.Time) ([]*Execution, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE executions
		SET status = 'failed',
		    result = 'Timed out',
		    completed_at = NOW()
		WHERE status IN ('pending', 'running') AND COALESCE(started_at, created_at) < $1
		RETURNING`+executionColumns,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("timeout stale executions: %w", err)
	}
	executions, err := scanExecutions(rows)
	if err != nil {
		return nil, fmt.Errorf("timeout stale executions: %w", err)
	}
	return executions, nil
}

// ListExecutions returns executions newest first with optional status and
// issue filters. Zero values skip the corresponding filter.
func (s *Store) ListExecutions(ctx context.Context, status ExecutionStatus, issueID string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT`+executionColumns+` FROM executions
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR issue_id = $2)
		ORDER BY created_at DESC
		LIMIT $3`,
		string(status), issueID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	executions, err := scanExecutions(rows)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return executions, nil
}
