package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// PurgeResult reports the effect of one retention sweep.
type PurgeResult struct {
	Conversations int64
	Messages      int64
	VecIDs        []uuid.UUID
}

// PurgeExpiredConversations deletes conversations whose updated_at is
// older than the horizon. Messages cascade via FK; the indexed points'
// external_vec_ids are returned so the caller can delete them from the
// vector store. Usage and webhook rows are untouched.
func (db *DB) PurgeExpiredConversations(ctx context.Context, horizon time.Time, batch int) (PurgeResult, error) {
	if batch <= 0 {
		batch = 500
	}

	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return PurgeResult{}, fmt.Errorf("storage: begin purge: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id FROM conversations
		 WHERE updated_at < $1
		 ORDER BY updated_at
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		horizon, batch,
	)
	if err != nil {
		return PurgeResult{}, fmt.Errorf("storage: select expired conversations: %w", err)
	}
	var convIDs []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return PurgeResult{}, fmt.Errorf("storage: scan expired conversation: %w", err)
		}
		convIDs = append(convIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return PurgeResult{}, err
	}
	if len(convIDs) == 0 {
		return PurgeResult{}, tx.Commit(ctx)
	}

	var res PurgeResult
	vecRows, err := tx.Query(ctx,
		`SELECT external_vec_id FROM messages
		 WHERE conversation_id = ANY($1) AND external_vec_id IS NOT NULL`,
		convIDs,
	)
	if err != nil {
		return PurgeResult{}, fmt.Errorf("storage: select purged vec ids: %w", err)
	}
	for vecRows.Next() {
		var id uuid.UUID
		if err := vecRows.Scan(&id); err != nil {
			vecRows.Close()
			return PurgeResult{}, fmt.Errorf("storage: scan vec id: %w", err)
		}
		res.VecIDs = append(res.VecIDs, id)
	}
	vecRows.Close()
	if err := vecRows.Err(); err != nil {
		return PurgeResult{}, err
	}

	msgTag, err := tx.Exec(ctx,
		`DELETE FROM messages WHERE conversation_id = ANY($1)`, convIDs,
	)
	if err != nil {
		return PurgeResult{}, fmt.Errorf("storage: purge messages: %w", err)
	}
	res.Messages = msgTag.RowsAffected()

	convTag, err := tx.Exec(ctx,
		`DELETE FROM conversations WHERE id = ANY($1)`, convIDs,
	)
	if err != nil {
		return PurgeResult{}, fmt.Errorf("storage: purge conversations: %w", err)
	}
	res.Conversations = convTag.RowsAffected()

	if err := tx.Commit(ctx); err != nil {
		return PurgeResult{}, fmt.Errorf("storage: commit purge: %w", err)
	}
	return res, nil
}
