package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDuplicateDelivery is returned when a webhook delivery id was already
// persisted. Redelivered webhooks are absorbed, not reprocessed.
var ErrDuplicateDelivery = errors.New("store: duplicate webhook delivery")

// InsertWebhookEvent persists a raw webhook delivery. The unique index on
// delivery_id makes ingress idempotent.
func (s *Store) InsertWebhookEvent(ctx context.Context, e *WebhookEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_events (id, delivery_id, event_type, action, repo, issue_id, payload, processed, received_at, processed_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), $8, $9, $10)`,
		e.ID, e.DeliveryID, e.EventType, e.Action, e.Repo, e.IssueID, e.Payload,
		e.Processed, e.ReceivedAt, e.ProcessedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicateDelivery
		}
		return fmt.Errorf("insert webhook event: %w", err)
	}
	return nil
}

// UnprocessedEventsBefore returns unprocessed webhook events received
// before the cutoff, oldest first. The deduplicator groups them by issue.
func (s *Store) UnprocessedEventsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*WebhookEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, delivery_id, event_type,
		       COALESCE(action, ''), COALESCE(repo, ''), COALESCE(issue_id, ''), COALESCE(payload, ''),
		       processed, coalesced_into, received_at, processed_at
		FROM webhook_events
		WHERE processed = false AND received_at < $1
		ORDER BY received_at ASC
		LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("unprocessed webhook events: %w", err)
	}
	defer rows.Close()

	var events []*WebhookEvent
	for rows.Next() {
		var e WebhookEvent
		err := rows.Scan(
			&e.ID, &e.DeliveryID, &e.EventType,
			&e.Action, &e.Repo, &e.IssueID, &e.Payload,
			&e.Processed, &e.CoalescedInto, &e.ReceivedAt, &e.ProcessedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("unprocessed webhook events: %w", err)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("unprocessed webhook events: %w", err)
	}
	return events, nil
}

// MarkEventsProcessed stamps a group of events processed. coalescedInto
// points at the group's primary event and is nil for singleton groups.
func (s *Store) MarkEventsProcessed(ctx context.Context, ids []uuid.UUID, coalescedInto *uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_events
		SET processed = true, processed_at = NOW(), coalesced_into = $2
		WHERE id = ANY($1)`,
		ids, coalescedInto,
	)
	if err != nil {
		return fmt.Errorf("mark webhook events processed: %w", err)
	}
	return nil
}

// PendingWebhookCount returns the number of events awaiting the
// deduplicator.
func (s *Store) PendingWebhookCount(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM webhook_events WHERE processed = false`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("pending webhook count: %w", err)
	}
	return count, nil
}
