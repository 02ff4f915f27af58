package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/arete-ai/arete/internal/model"
)

// AppendMessageParams carries one conversation turn into AppendMessage.
type AppendMessageParams struct {
	SessionID      string
	OwnerUsername  *string
	CollectionHint *string
	Role           model.MessageRole
	Content        string
	ClientMsgID    *string
	Metadata       map[string]any
}

// AppendMessage resolves or creates the conversation for SessionID, then
// inserts the message and an index_outbox row in the same transaction.
//
// Concurrent appends to the same conversation serialize on the
// conversation row lock, preserving (created_at, seq) monotonicity.
// A duplicate ClientMsgID returns the previously stored message unchanged.
func (db *DB) AppendMessage(ctx context.Context, p AppendMessageParams) (model.Message, error) {
	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return model.Message{}, fmt.Errorf("storage: begin append: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conv, err := lockOrCreateConversation(ctx, tx, p.SessionID, p.OwnerUsername, p.CollectionHint)
	if err != nil {
		return model.Message{}, err
	}

	// Idempotent replay: same client id in the same conversation returns
	// the prior row.
	if p.ClientMsgID != nil {
		prior, err := getMessageByClientID(ctx, tx, conv.ID, *p.ClientMsgID)
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return model.Message{}, fmt.Errorf("storage: commit append replay: %w", err)
			}
			return prior, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return model.Message{}, err
		}
	}

	meta := p.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return model.Message{}, fmt.Errorf("storage: marshal message metadata: %w", err)
	}

	var m model.Message
	m.Metadata = meta
	err = tx.QueryRow(ctx,
		`INSERT INTO messages (conversation_id, role, content, owner_username, client_msg_id, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb)
		 RETURNING id, conversation_id, seq, role, content, owner_username, client_msg_id, external_vec_id, created_at`,
		conv.ID, p.Role, p.Content, p.OwnerUsername, p.ClientMsgID, metaJSON,
	).Scan(&m.ID, &m.ConversationID, &m.Seq, &m.Role, &m.Content, &m.OwnerUsername, &m.ClientMsgID, &m.ExternalVecID, &m.CreatedAt)
	if err != nil {
		return model.Message{}, fmt.Errorf("storage: insert message: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE conversations SET updated_at = now() WHERE id = $1`, conv.ID,
	); err != nil {
		return model.Message{}, fmt.Errorf("storage: touch conversation: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO index_outbox (message_id, operation) VALUES ($1, 'upsert')`, m.ID,
	); err != nil {
		return model.Message{}, fmt.Errorf("storage: enqueue index outbox: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Message{}, fmt.Errorf("storage: commit append: %w", err)
	}
	return m, nil
}

// lockOrCreateConversation returns the conversation for sessionID with its
// row locked for the duration of the transaction, creating it when absent.
// An owner that conflicts with the stored owner is rejected.
func lockOrCreateConversation(ctx context.Context, tx pgx.Tx, sessionID string, owner, hint *string) (model.Conversation, error) {
	var c model.Conversation
	err := tx.QueryRow(ctx,
		`SELECT id, session_id, owner_username, collection_hint, created_at, updated_at
		 FROM conversations WHERE session_id = $1 FOR UPDATE`, sessionID,
	).Scan(&c.ID, &c.SessionID, &c.OwnerUsername, &c.CollectionHint, &c.CreatedAt, &c.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		err = tx.QueryRow(ctx,
			`INSERT INTO conversations (session_id, owner_username, collection_hint)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (session_id) DO UPDATE SET updated_at = conversations.updated_at
			 RETURNING id, session_id, owner_username, collection_hint, created_at, updated_at`,
			sessionID, owner, hint,
		).Scan(&c.ID, &c.SessionID, &c.OwnerUsername, &c.CollectionHint, &c.CreatedAt, &c.UpdatedAt)
	}
	if err != nil {
		return model.Conversation{}, fmt.Errorf("storage: resolve conversation: %w", err)
	}

	if owner != nil && c.OwnerUsername != nil && *owner != *c.OwnerUsername {
		return model.Conversation{}, ErrOwnerMismatch
	}
	// An anonymous conversation never retroactively gains an owner, and an
	// owned conversation rejects anonymous owner claims silently (the
	// message keeps its own owner column).
	return c, nil
}

func getMessageByClientID(ctx context.Context, tx pgx.Tx, conversationID uuid.UUID, clientMsgID string) (model.Message, error) {
	var m model.Message
	err := tx.QueryRow(ctx,
		`SELECT id, conversation_id, seq, role, content, owner_username, client_msg_id, external_vec_id, created_at
		 FROM messages WHERE conversation_id = $1 AND client_msg_id = $2`,
		conversationID, clientMsgID,
	).Scan(&m.ID, &m.ConversationID, &m.Seq, &m.Role, &m.Content, &m.OwnerUsername, &m.ClientMsgID, &m.ExternalVecID, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Message{}, ErrNotFound
		}
		return model.Message{}, fmt.Errorf("storage: get message by client id: %w", err)
	}
	return m, nil
}

// GetConversationBySession returns the conversation for a session id.
func (db *DB) GetConversationBySession(ctx context.Context, sessionID string) (model.Conversation, error) {
	var c model.Conversation
	err := db.pool.QueryRow(ctx,
		`SELECT id, session_id, owner_username, collection_hint, created_at, updated_at
		 FROM conversations WHERE session_id = $1`, sessionID,
	).Scan(&c.ID, &c.SessionID, &c.OwnerUsername, &c.CollectionHint, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Conversation{}, ErrNotFound
		}
		return model.Conversation{}, fmt.Errorf("storage: get conversation: %w", err)
	}
	return c, nil
}

// HistoryCursor is the keyset position for message pagination.
type HistoryCursor struct {
	CreatedAt time.Time `json:"t"`
	ID        uuid.UUID `json:"id"`
}

// ListMessages returns up to limit messages of a conversation in ascending
// (created_at, id) order, starting after the cursor when non-nil.
func (db *DB) ListMessages(ctx context.Context, conversationID uuid.UUID, after *HistoryCursor, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows pgx.Rows
	var err error
	if after != nil {
		rows, err = db.pool.Query(ctx,
			`SELECT id, conversation_id, seq, role, content, owner_username, client_msg_id, external_vec_id, created_at
			 FROM messages
			 WHERE conversation_id = $1 AND (created_at, id) > ($2, $3)
			 ORDER BY created_at, id
			 LIMIT $4`,
			conversationID, after.CreatedAt, after.ID, limit)
	} else {
		rows, err = db.pool.Query(ctx,
			`SELECT id, conversation_id, seq, role, content, owner_username, client_msg_id, external_vec_id, created_at
			 FROM messages
			 WHERE conversation_id = $1
			 ORDER BY created_at, id
			 LIMIT $2`,
			conversationID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: list messages: %w", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.Role, &m.Content, &m.OwnerUsername, &m.ClientMsgID, &m.ExternalVecID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListRecentMessages returns the newest limit messages of a conversation
// in ascending (created_at, id) order.
func (db *DB) ListRecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, conversation_id, seq, role, content, owner_username, client_msg_id, external_vec_id, created_at
		 FROM (
		   SELECT id, conversation_id, seq, role, content, owner_username, client_msg_id, external_vec_id, created_at
		   FROM messages
		   WHERE conversation_id = $1
		   ORDER BY created_at DESC, id DESC
		   LIMIT $2
		 ) tail
		 ORDER BY created_at, id`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list recent messages: %w", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.Role, &m.Content, &m.OwnerUsername, &m.ClientMsgID, &m.ExternalVecID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetMessage returns a single message by id.
func (db *DB) GetMessage(ctx context.Context, id uuid.UUID) (model.Message, error) {
	var m model.Message
	err := db.pool.QueryRow(ctx,
		`SELECT id, conversation_id, seq, role, content, owner_username, client_msg_id, external_vec_id, created_at
		 FROM messages WHERE id = $1`, id,
	).Scan(&m.ID, &m.ConversationID, &m.Seq, &m.Role, &m.Content, &m.OwnerUsername, &m.ClientMsgID, &m.ExternalVecID, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Message{}, ErrNotFound
		}
		return model.Message{}, fmt.Errorf("storage: get message: %w", err)
	}
	return m, nil
}

// GetMessages hydrates messages by id, preserving the input order.
// Unknown ids are skipped.
func (db *DB) GetMessages(ctx context.Context, ids []uuid.UUID) ([]model.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, conversation_id, seq, role, content, owner_username, client_msg_id, external_vec_id, created_at
		 FROM messages WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("storage: get messages: %w", err)
	}
	defer rows.Close()

	byID := make(map[uuid.UUID]model.Message, len(ids))
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.Role, &m.Content, &m.OwnerUsername, &m.ClientMsgID, &m.ExternalVecID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		byID[m.ID] = m
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]model.Message, 0, len(ids))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// SetMessageVecID backfills the vector-store point id after indexing.
func (db *DB) SetMessageVecID(ctx context.Context, messageID, vecID uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE messages SET external_vec_id = $2 WHERE id = $1`, messageID, vecID,
	)
	if err != nil {
		return fmt.Errorf("storage: set message vec id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
