package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// MessageForIndex holds the fields needed to build a vector-store point for
// a chat message, joined with its conversation for session scoping.
type MessageForIndex struct {
	ID        uuid.UUID
	SessionID string
	Owner     string
	Role      string
	Content   string
	CreatedAt time.Time
}

// MessagesForIndex hydrates messages pending vector indexing. Messages whose
// conversation was purged between enqueue and processing are simply absent
// from the result.
func (db *DB) MessagesForIndex(ctx context.Context, ids []uuid.UUID) ([]MessageForIndex, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT m.id, c.session_id, COALESCE(m.owner_username, ''), m.role, m.content, m.created_at
		 FROM messages m
		 JOIN conversations c ON c.id = m.conversation_id
		 WHERE m.id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: query messages for index: %w", err)
	}
	defer rows.Close()

	var out []MessageForIndex
	for rows.Next() {
		var m MessageForIndex
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Owner, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan message for index: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// IndexedMessage pairs a message id with the dense vector that was upserted
// for it, so Postgres keeps a canonical copy of the embedding.
type IndexedMessage struct {
	ID        uuid.UUID
	Embedding pgvector.Vector
}

// MarkMessagesIndexed backfills external_vec_id and the canonical embedding
// after a successful upsert. The vector-store point id equals the message id.
func (db *DB) MarkMessagesIndexed(ctx context.Context, msgs []IndexedMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, m := range msgs {
		batch.Queue(
			`UPDATE messages SET external_vec_id = id, embedding = $2 WHERE id = $1`,
			m.ID, m.Embedding,
		)
	}
	results := db.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range msgs {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("storage: mark messages indexed: %w", err)
		}
	}
	return nil
}
