package model

import (
	"time"

	"github.com/google/uuid"
)

// MessageRole identifies who authored a conversation turn.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// ValidMessageRole reports whether r is a known role.
func ValidMessageRole(r MessageRole) bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Conversation groups the messages of one client session.
// SessionID is an opaque client-supplied identifier and is unique:
// two conversations with the same session never exist.
type Conversation struct {
	ID             uuid.UUID      `json:"id"`
	SessionID      string         `json:"session_id"`
	OwnerUsername  *string        `json:"owner_username,omitempty"`
	CollectionHint *string        `json:"collection_hint,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Message is one append-only conversation turn. Seq is the insert sequence
// that, paired with CreatedAt, gives a strictly increasing order within the
// conversation. ExternalVecID links to the vector store once indexed.
type Message struct {
	ID             uuid.UUID      `json:"id"`
	ConversationID uuid.UUID      `json:"conversation_id"`
	Seq            int64          `json:"-"`
	Role           MessageRole    `json:"role"`
	Content        string         `json:"content"`
	OwnerUsername  *string        `json:"owner_username,omitempty"`
	ExternalVecID  *uuid.UUID     `json:"external_vec_id,omitempty"`
	ClientMsgID    *string        `json:"client_msg_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// SearchScope narrows semantic chat search. Exactly one of SessionID or
// Owner must be set; IncludeDocuments widens an owner scope to the owner's
// uploaded documents.
type SearchScope struct {
	SessionID        string `json:"session,omitempty"`
	Owner            string `json:"owner,omitempty"`
	IncludeDocuments bool   `json:"include_documents,omitempty"`
}

// RankedMessage is a semantic chat search hit.
type RankedMessage struct {
	Message Message `json:"message"`
	Score   float32 `json:"score"`
	Source  string  `json:"source"` // "chat" or "document"
}
