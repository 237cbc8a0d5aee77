package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const issueStateColumns = `
	issue_number, repo,
	COALESCE(classification, ''),
	COALESCE(parent_issue, 0),
	sub_issues, retry_count, metadata,
	last_checked_at, created_at, updated_at`

func scanIssueState(row pgx.Row) (*IssueState, error) {
	var st IssueState
	err := row.Scan(
		&st.IssueNumber, &st.Repo, &st.Classification, &st.ParentIssue,
		&st.SubIssues, &st.RetryCount, &st.Metadata,
		&st.LastCheckedAt, &st.CreatedAt, &st.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// UpsertIssueState creates or partially updates the derived state row for
// an issue. Nil patch fields keep the stored values.
func (s *Store) UpsertIssueState(ctx context.Context, issueNumber int, repo string, patch IssueStatePatch) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO issue_state (issue_number, repo, classification, parent_issue, sub_issues, retry_count, metadata, last_checked_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, 0), $7, $8, NOW(), NOW())
		ON CONFLICT (issue_number, repo) DO UPDATE SET
			classification = COALESCE($3, issue_state.classification),
			parent_issue = COALESCE($4, issue_state.parent_issue),
			sub_issues = COALESCE($5, issue_state.sub_issues),
			retry_count = COALESCE($6, issue_state.retry_count),
			metadata = COALESCE($7, issue_state.metadata),
			last_checked_at = COALESCE($8, issue_state.last_checked_at),
			updated_at = NOW()`,
		issueNumber, repo,
		patch.Classification, patch.ParentIssue, patch.SubIssues,
		patch.RetryCount, patch.Metadata, patch.LastCheckedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert issue state: %w", err)
	}
	return nil
}

// GetIssueState returns the derived state for an issue, or ErrNotFound.
func (s *Store) GetIssueState(ctx context.Context, issueNumber int, repo string) (*IssueState, error) {
	st, err := scanIssueState(s.pool.QueryRow(ctx,
		`SELECT`+issueStateColumns+` FROM issue_state WHERE issue_number = $1 AND repo = $2`,
		issueNumber, repo,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get issue state: %w", err)
	}
	return st, nil
}

// SetClassification records the classifier's verdict for an issue.
func (s *Store) SetClassification(ctx context.Context, issueNumber int, repo, classification string) error {
	return s.UpsertIssueState(ctx, issueNumber, repo, IssueStatePatch{
		Classification: &classification,
	})
}

// IncrementRetryCount bumps and returns the issue's retry counter,
// creating the state row when missing.
func (s *Store) IncrementRetryCount(ctx context.Context, issueNumber int, repo string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		INSERT INTO issue_state (issue_number, repo, retry_count, created_at, updated_at)
		VALUES ($1, $2, 1, NOW(), NOW())
		ON CONFLICT (issue_number, repo) DO UPDATE SET
			retry_count = issue_state.retry_count + 1,
			updated_at = NOW()
		RETURNING retry_count`,
		issueNumber, repo,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment retry count: %w", err)
	}
	return count, nil
}

// ResetRetryCount zeroes the issue's retry counter after a success.
func (s *Store) ResetRetryCount(ctx context.Context, issueNumber int, repo string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE issue_state SET retry_count = 0, updated_at = NOW()
		WHERE issue_number = $1 AND repo = $2`,
		issueNumber, repo,
	)
	if err != nil {
		return fmt.Errorf("reset retry count: %w", err)
	}
	return nil
}

// MergeMetadata shallow-merges keys into the issue's metadata document,
// creating the state row when missing.
func (s *Store) MergeMetadata(ctx context.Context, issueNumber int, repo string, patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO issue_state (issue_number, repo, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (issue_number, repo) DO UPDATE SET
			metadata = COALESCE(issue_state.metadata, '{}'::jsonb) || EXCLUDED.metadata,
			updated_at = NOW()`,
		issueNumber, repo, patch,
	)
	if err != nil {
		return fmt.Errorf("merge metadata: %w", err)
	}
	return nil
}

// DeleteMetadataKeys removes keys from the issue's metadata document.
func (s *Store) DeleteMetadataKeys(ctx context.Context, issueNumber int, repo string, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE issue_state
		SET metadata = metadata - $3::text[], updated_at = NOW()
		WHERE issue_number = $1 AND repo = $2 AND metadata IS NOT NULL`,
		issueNumber, repo, keys,
	)
	if err != nil {
		return fmt.Errorf("delete metadata keys: %w", err)
	}
	return nil
}

// ListIssueStates returns the derived state rows for a repo, optionally
// narrowed to a single classification.
func (s *Store) ListIssueStates(ctx context.Context, repo, classification string) ([]*IssueState, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT`+issueStateColumns+`
		FROM issue_state
		WHERE repo = $1 AND ($2 = '' OR classification = $2)
		ORDER BY issue_number ASC`,
		repo, classification,
	)
	if err != nil {
		return nil, fmt.Errorf("list issue states: %w", err)
	}
	defer rows.Close()

	var states []*IssueState
	for rows.Next() {
		st, err := scanIssueState(rows)
		if err != nil {
			return nil, fmt.Errorf("list issue states: %w", err)
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list issue states: %w", err)
	}
	return states, nil
}

// LinkSubIssues records the decomposition of a parent issue into
// sub-issues, updating both directions in one transaction.
func (s *Store) LinkSubIssues(ctx context.Context, parentIssue int, repo string, subIssues []int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("link sub-issues: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO issue_state (issue_number, repo, sub_issues, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (issue_number, repo) DO UPDATE SET
			sub_issues = EXCLUDED.sub_issues,
			updated_at = NOW()`,
		parentIssue, repo, subIssues,
	)
	if err != nil {
		return fmt.Errorf("link sub-issues: %w", err)
	}

	for _, sub := range subIssues {
		_, err = tx.Exec(ctx, `
			INSERT INTO issue_state (issue_number, repo, parent_issue, created_at, updated_at)
			VALUES ($1, $2, $3, NOW(), NOW())
			ON CONFLICT (issue_number, repo) DO UPDATE SET
				parent_issue = EXCLUDED.parent_issue,
				updated_at = NOW()`,
			sub, repo, parentIssue,
		)
		if err != nil {
			return fmt.Errorf("link sub-issues: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("link sub-issues: %w", err)
	}
	return nil
}
