// Package chat records conversation turns and serves history and
// semantic search over them.
package chat

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/arete-ai/arete/internal/model"
	"github.com/arete-ai/arete/internal/retrieval"
	"github.com/arete-ai/arete/internal/search"
	"github.com/arete-ai/arete/internal/storage"
)

// Message content and pagination bounds.
const (
	MaxContentLen   = 16000
	DefaultPageSize = 50
	MaxPageSize     = 200
)

var (
	// ErrInvalidCursor is returned when a history cursor cannot be decoded.
	ErrInvalidCursor = errors.New("chat: invalid cursor")

	// ErrInvalidArgument wraps every request-shape failure so callers can
	// map the whole class to a client error.
	ErrInvalidArgument = errors.New("chat: invalid argument")
)

// Store is the persistence surface the service needs. *storage.DB
// satisfies it.
type Store interface {
	AppendMessage(ctx context.Context, p storage.AppendMessageParams) (model.Message, error)
	GetConversationBySession(ctx context.Context, sessionID string) (model.Conversation, error)
	ListMessages(ctx context.Context, conversationID uuid.UUID, after *storage.HistoryCursor, limit int) ([]model.Message, error)
	ListRecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]model.Message, error)
	GetMessages(ctx context.Context, ids []uuid.UUID) ([]model.Message, error)
}

// Retriever runs scoped hybrid retrieval. *retrieval.Orchestrator
// satisfies it.
type Retriever interface {
	Retrieve(ctx context.Context, query string, opts retrieval.Options) (retrieval.Result, error)
}

// Service is the chat persistence and search layer.
type Service struct {
	store     Store
	retriever Retriever
	logger    *slog.Logger
}

// New builds a chat Service.
func New(store Store, retriever Retriever, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, retriever: retriever, logger: logger}
}

// AppendParams carries one turn into Append.
type AppendParams struct {
	SessionID      string
	Owner          string
	CollectionHint string
	Role           model.MessageRole
	Content        string
	ClientMsgID    string
	Metadata       map[string]any
}

// Append validates and persists one conversation turn. The message row and
// its async-indexing outbox entry commit atomically; vector indexing
// happens later and its failure never surfaces here.
func (s *Service) Append(ctx context.Context, p AppendParams) (model.Message, error) {
	if p.SessionID == "" {
		return model.Message{}, fmt.Errorf("%w: session id required", ErrInvalidArgument)
	}
	if !model.ValidMessageRole(p.Role) {
		return model.Message{}, fmt.Errorf("%w: unknown role %q", ErrInvalidArgument, p.Role)
	}
	n := utf8.RuneCountInString(p.Content)
	if n == 0 {
		return model.Message{}, fmt.Errorf("%w: content must not be empty", ErrInvalidArgument)
	}
	if n > MaxContentLen {
		return model.Message{}, fmt.Errorf("%w: content exceeds %d characters", ErrInvalidArgument, MaxContentLen)
	}

	return s.store.AppendMessage(ctx, storage.AppendMessageParams{
		SessionID:      p.SessionID,
		OwnerUsername:  optional(p.Owner),
		CollectionHint: optional(p.CollectionHint),
		Role:           p.Role,
		Content:        p.Content,
		ClientMsgID:    optional(p.ClientMsgID),
		Metadata:       p.Metadata,
	})
}

// HistoryPage is one page of ascending conversation history.
type HistoryPage struct {
	Messages   []model.Message
	NextCursor string
	HasMore    bool
}

// History returns conversation messages in ascending (created_at, id)
// order starting after the opaque cursor. An owner, when provided, must
// match the conversation's owner.
func (s *Service) History(ctx context.Context, sessionID, owner, cursor string, limit int) (HistoryPage, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	conv, err := s.store.GetConversationBySession(ctx, sessionID)
	if err != nil {
		return HistoryPage{}, err
	}
	if owner != "" && conv.OwnerUsername != nil && *conv.OwnerUsername != owner {
		return HistoryPage{}, storage.ErrOwnerMismatch
	}

	after, err := decodeCursor(cursor)
	if err != nil {
		return HistoryPage{}, err
	}

	// One extra row decides has_more without a count query.
	msgs, err := s.store.ListMessages(ctx, conv.ID, after, limit+1)
	if err != nil {
		return HistoryPage{}, err
	}

	page := HistoryPage{Messages: msgs}
	if len(msgs) > limit {
		page.Messages = msgs[:limit]
		page.HasMore = true
	}
	if n := len(page.Messages); n > 0 && page.HasMore {
		last := page.Messages[n-1]
		page.NextCursor = encodeCursor(storage.HistoryCursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return page, nil
}

// Tail returns the newest n messages of a session in ascending order.
// An unknown session yields an empty tail, not an error.
func (s *Service) Tail(ctx context.Context, sessionID string, n int) ([]model.Message, error) {
	conv, err := s.store.GetConversationBySession(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.store.ListRecentMessages(ctx, conv.ID, n)
}

// SearchResult is the outcome of a scoped semantic search.
type SearchResult struct {
	Hits     []model.RankedMessage
	Cached   bool
	Degraded bool
}

// Search runs semantic retrieval over chat history, optionally widened to
// the owner's uploaded documents. Scoping is applied inside the vector
// store query; results are never post-filtered.
func (s *Service) Search(ctx context.Context, query string, scope model.SearchScope, topK int) (SearchResult, error) {
	if err := model.ValidateQueryText(query); err != nil {
		return SearchResult{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if (scope.SessionID == "") == (scope.Owner == "") {
		return SearchResult{}, fmt.Errorf("%w: scope must name exactly one of session or owner", ErrInvalidArgument)
	}
	if scope.IncludeDocuments && scope.Owner == "" {
		return SearchResult{}, fmt.Errorf("%w: include_documents requires an owner scope", ErrInvalidArgument)
	}

	collections := []string{search.ChatCollection}
	if scope.IncludeDocuments {
		collections = append(collections, search.UserDocsCollection)
	}

	res, err := s.retriever.Retrieve(ctx, query, retrieval.Options{
		Collections: collections,
		TopK:        topK,
		Scope:       search.Scope{SessionID: scope.SessionID, Owner: scope.Owner},
	})
	if err != nil {
		return SearchResult{}, err
	}

	hits, err := s.hydrate(ctx, res.Passages)
	if err != nil {
		return SearchResult{}, err
	}
	return SearchResult{Hits: hits, Cached: res.Cached, Degraded: res.Degraded}, nil
}

// hydrate resolves chat hits to their canonical Postgres rows, preserving
// fusion order. Document hits carry the passage text directly. A chat hit
// whose row has since been purged is dropped.
func (s *Service) hydrate(ctx context.Context, ranked []model.Ranked) ([]model.RankedMessage, error) {
	var chatIDs []uuid.UUID
	for _, r := range ranked {
		if r.Passage.Collection != search.ChatCollection {
			continue
		}
		id, err := uuid.Parse(r.Passage.ID)
		if err != nil {
			s.logger.Warn("non-uuid chat point id", "id", r.Passage.ID)
			continue
		}
		chatIDs = append(chatIDs, id)
	}

	byID := make(map[uuid.UUID]model.Message, len(chatIDs))
	if len(chatIDs) > 0 {
		msgs, err := s.store.GetMessages(ctx, chatIDs)
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			byID[m.ID] = m
		}
	}

	out := make([]model.RankedMessage, 0, len(ranked))
	for _, r := range ranked {
		if r.Passage.Collection != search.ChatCollection {
			out = append(out, model.RankedMessage{
				Message: model.Message{
					Content:  r.Passage.Text,
					Metadata: map[string]any{"source_ref": r.Passage.SourceRef},
				},
				Score:  r.Score,
				Source: "document",
			})
			continue
		}
		id, err := uuid.Parse(r.Passage.ID)
		if err != nil {
			continue
		}
		m, ok := byID[id]
		if !ok {
			continue
		}
		out = append(out, model.RankedMessage{Message: m, Score: r.Score, Source: "chat"})
	}
	return out, nil
}

func encodeCursor(c storage.HistoryCursor) string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(s string) (*storage.HistoryCursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	var c storage.HistoryCursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, ErrInvalidCursor
	}
	if c.ID == uuid.Nil && c.CreatedAt.IsZero() {
		return nil, ErrInvalidCursor
	}
	return &c, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
