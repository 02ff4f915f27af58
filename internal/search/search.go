// Package search provides hybrid vector search over Qdrant collections
// holding corpus passages and indexed chat messages.
//
// Every collection carries two named vectors: "dense" (cosine) and "sparse"
// (IDF-modified dot product over learned term expansions). Dense and sparse
// queries return independent ranked lists; rank fusion is the caller's job.
package search

import (
	"context"

	"github.com/google/uuid"

	"github.com/arete-ai/arete/internal/embedding"
)

// Named vector slots present in every collection.
const (
	VectorDense  = "dense"
	VectorSparse = "sparse"
)

// ChatCollection holds indexed conversation turns.
// UserDocsCollection holds passages from user-uploaded documents.
// Curated corpora live in their own collections named by the catalog.
const (
	ChatCollection     = "chat_messages"
	UserDocsCollection = "user_docs"
)

// Hit is one scored point from a single-modality query. Payload fields are
// extracted eagerly so callers never touch Qdrant types.
type Hit struct {
	ID        uuid.UUID
	Score     float32
	Text      string
	SourceRef string
	SessionID string
	Owner     string
	Role      string
}

// Scope restricts a query to one session or one owner's data. Zero-valued
// fields add no condition; tenant scoping is enforced in Qdrant itself,
// never by post-filtering results.
type Scope struct {
	SessionID string
	Owner     string
}

// Point is the data needed to upsert a single passage or message.
type Point struct {
	ID        uuid.UUID
	Dense     []float32
	Sparse    embedding.SparseVector
	Text      string
	SourceRef string
	SessionID string
	Owner     string
	Role      string
	CreatedAt int64 // unix seconds
}

// Index is the vector store surface consumed by retrieval and chat.
// Implementations must be safe for concurrent use.
type Index interface {
	// DenseQuery returns the top hits for a dense vector, ranked by
	// cosine similarity.
	DenseQuery(ctx context.Context, collection string, vec []float32, scope Scope, limit int) ([]Hit, error)

	// SparseQuery returns the top hits for a sparse vector, ranked by
	// IDF-weighted dot product.
	SparseQuery(ctx context.Context, collection string, vec embedding.SparseVector, scope Scope, limit int) ([]Hit, error)

	// Upsert writes points with both named vectors.
	Upsert(ctx context.Context, collection string, points []Point) error

	// DeleteByIDs removes specific points.
	DeleteByIDs(ctx context.Context, collection string, ids []uuid.UUID) error

	// DeleteBySession removes all points for a session.
	DeleteBySession(ctx context.Context, collection, sessionID string) error

	// DeleteByOwner removes all points for an owner.
	DeleteByOwner(ctx context.Context, collection, owner string) error

	// Healthy returns nil if the vector store is reachable.
	Healthy(ctx context.Context) error
}
