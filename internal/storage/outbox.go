package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// OutboxEntry is one pending vector-index operation.
type OutboxEntry struct {
	ID        int64
	MessageID uuid.UUID
	Operation string // "upsert" or "delete"
	Attempts  int
}

// maxOutboxAttempts bounds retries before an entry is parked for manual
// inspection (attempts keeps incrementing but the row stays; alerts key on
// the failure counter).
const maxOutboxAttempts = 10

// FetchOutbox selects up to limit pending entries, oldest first, and locks
// them for 60 seconds so concurrent workers do not double-process. The lock
// window must exceed the worker's per-batch timeout.
func (db *DB) FetchOutbox(ctx context.Context, limit int) ([]OutboxEntry, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin outbox fetch: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id, message_id, operation, attempts
		 FROM index_outbox
		 WHERE (locked_until IS NULL OR locked_until < now())
		   AND attempts < $1
		 ORDER BY created_at ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		maxOutboxAttempts, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: fetch outbox: %w", err)
	}

	var out []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.MessageID, &e.Operation, &e.Attempts); err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage: scan outbox entry: %w", err)
		}
		out = append(out, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate outbox: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(out))
	for i, e := range out {
		ids[i] = e.ID
	}
	if _, err := tx.Exec(ctx,
		`UPDATE index_outbox SET locked_until = now() + interval '60 seconds' WHERE id = ANY($1)`,
		ids,
	); err != nil {
		return nil, fmt.Errorf("storage: lock outbox entries: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit outbox lock: %w", err)
	}
	return out, nil
}

// CompleteOutbox removes successfully processed entries.
func (db *DB) CompleteOutbox(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := db.pool.Exec(ctx,
		`DELETE FROM index_outbox WHERE id = ANY($1)`, ids,
	); err != nil {
		return fmt.Errorf("storage: complete outbox: %w", err)
	}
	return nil
}

// FailOutbox bumps the attempt counter, records the error, and backs off
// exponentially (2^attempts seconds, capped at 5 minutes) so a vector-store
// outage does not turn into a tight retry loop.
func (db *DB) FailOutbox(ctx context.Context, ids []int64, cause string) error {
	if len(ids) == 0 {
		return nil
	}
	if len(cause) > 512 {
		cause = cause[:512]
	}
	if _, err := db.pool.Exec(ctx,
		`UPDATE index_outbox
		 SET attempts = attempts + 1,
		     last_error = $2,
		     locked_until = now() + LEAST(POWER(2, attempts + 1), 300) * interval '1 second'
		 WHERE id = ANY($1)`,
		ids, cause,
	); err != nil {
		return fmt.Errorf("storage: fail outbox: %w", err)
	}
	return nil
}

// EnqueueOutboxDelete records vector-store deletions for purged messages.
func (db *DB) EnqueueOutboxDelete(ctx context.Context, messageIDs []uuid.UUID) error {
	for _, id := range messageIDs {
		if _, err := db.pool.Exec(ctx,
			`INSERT INTO index_outbox (message_id, operation) VALUES ($1, 'delete')`, id,
		); err != nil {
			return fmt.Errorf("storage: enqueue outbox delete: %w", err)
		}
	}
	return nil
}

// CleanupOutboxDeadLetters removes entries past the attempt cap that are
// older than 7 days.
func (db *DB) CleanupOutboxDeadLetters(ctx context.Context) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM index_outbox
		 WHERE attempts >= $1
		   AND created_at < now() - interval '7 days'`,
		maxOutboxAttempts,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup outbox dead-letters: %w", err)
	}
	return tag.RowsAffected(), nil
}
