package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/arete-ai/arete/internal/model"
)

// RecordWebhookEvent inserts the event row if it does not exist and
// returns its current state. Presence of ProcessedAt means a prior
// delivery completed and this one must be acknowledged without side
// effects.
func (db *DB) RecordWebhookEvent(ctx context.Context, externalEventID, eventType string) (model.WebhookEvent, error) {
	var e model.WebhookEvent
	err := db.pool.QueryRow(ctx,
		`INSERT INTO webhook_events (external_event_id, type)
		 VALUES ($1, $2)
		 ON CONFLICT (external_event_id) DO UPDATE SET type = webhook_events.type
		 RETURNING external_event_id, type, received_at, processed_at`,
		externalEventID, eventType,
	).Scan(&e.ExternalEventID, &e.Type, &e.ReceivedAt, &e.ProcessedAt)
	if err != nil {
		return model.WebhookEvent{}, fmt.Errorf("storage: record webhook event: %w", err)
	}
	return e, nil
}

// ProcessWebhookEvent runs fn and the processed_at marker in a single
// transaction. If fn fails nothing is committed, the event stays
// unprocessed, and the provider's retry will run it again.
func (db *DB) ProcessWebhookEvent(ctx context.Context, externalEventID string, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("storage: begin webhook tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Lock the event row so concurrent redeliveries serialize; the loser
	// of the race sees processed_at set and skips.
	var processed *bool
	err = tx.QueryRow(ctx,
		`SELECT processed_at IS NOT NULL FROM webhook_events
		 WHERE external_event_id = $1 FOR UPDATE`, externalEventID,
	).Scan(&processed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("storage: lock webhook event: %w", err)
	}
	if processed != nil && *processed {
		return nil
	}

	if err := fn(ctx, tx); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE webhook_events SET processed_at = now() WHERE external_event_id = $1`,
		externalEventID,
	); err != nil {
		return fmt.Errorf("storage: mark webhook processed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit webhook tx: %w", err)
	}
	return nil
}
