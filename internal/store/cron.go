package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GetCronState returns the persisted cursor for a periodic sweep, or nil
// when the sweep has never run.
func (s *Store) GetCronState(ctx context.Context, key string) (map[string]any, error) {
	var value map[string]any
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM cron_state WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cron state: %w", err)
	}
	return value, nil
}

// SetCronState upserts the cursor for a periodic sweep.
func (s *Store) SetCronState(ctx context.Context, key string, value map[string]any) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cron_state (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = NOW()`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set cron state: %w", err)
	}
	return nil
}
