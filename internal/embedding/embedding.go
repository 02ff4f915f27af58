// Package embedding provides dense and sparse vector generation for hybrid
// semantic retrieval.
//
// Defines a Provider interface and an implementation backed by a
// text-embeddings-inference style sidecar. The interface allows swapping
// providers without changing consumers.
package embedding

import (
	"context"
	"errors"
	"fmt"

	"github.com/pgvector/pgvector-go"
)

// ErrUnavailable indicates the embedding backend could not be reached or
// failed after all retries. Callers decide whether retrieval degrades or
// fails based on which modalities remain.
var ErrUnavailable = errors.New("embedding: backend unavailable")

// SparseVector is a learned sparse representation (term-expansion weights
// over a vocabulary). Indices are vocabulary positions; Values are their
// activation weights. Indices are sorted ascending with no duplicates.
type SparseVector struct {
	Indices []uint32  `json:"indices"`
	Values  []float32 `json:"values"`
}

// Validate checks structural invariants of a sparse vector.
func (s SparseVector) Validate() error {
	if len(s.Indices) != len(s.Values) {
		return fmt.Errorf("embedding: sparse vector has %d indices but %d values", len(s.Indices), len(s.Values))
	}
	for i := 1; i < len(s.Indices); i++ {
		if s.Indices[i] <= s.Indices[i-1] {
			return fmt.Errorf("embedding: sparse indices not strictly ascending at position %d", i)
		}
	}
	return nil
}

// Empty reports whether the sparse vector has no active terms.
func (s SparseVector) Empty() bool { return len(s.Indices) == 0 }

// Provider generates dense and sparse embeddings from text.
// Implementations must be safe for concurrent use.
type Provider interface {
	// DenseEmbed generates a single dense embedding vector from text.
	DenseEmbed(ctx context.Context, text string) (pgvector.Vector, error)

	// DenseEmbedBatch generates dense embeddings for multiple texts,
	// returned in input order.
	DenseEmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error)

	// SparseEmbed generates a learned sparse vector from text.
	SparseEmbed(ctx context.Context, text string) (SparseVector, error)

	// Dimensions returns the dense embedding dimensionality.
	Dimensions() int
}

// NoopProvider returns zero-valued embeddings. Used in tests and when no
// sidecar is configured; retrieval falls back to whatever modality remains.
type NoopProvider struct {
	dims int
}

// NewNoopProvider creates a provider that returns zero vectors.
func NewNoopProvider(dims int) *NoopProvider {
	return &NoopProvider{dims: dims}
}

// Dimensions returns the dense embedding size.
func (p *NoopProvider) Dimensions() int { return p.dims }

// DenseEmbed returns a zero vector.
func (p *NoopProvider) DenseEmbed(_ context.Context, _ string) (pgvector.Vector, error) {
	return pgvector.NewVector(make([]float32, p.dims)), nil
}

// DenseEmbedBatch returns zero vectors.
func (p *NoopProvider) DenseEmbedBatch(_ context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs := make([]pgvector.Vector, len(texts))
	for i := range vecs {
		vecs[i] = pgvector.NewVector(make([]float32, p.dims))
	}
	return vecs, nil
}

// SparseEmbed returns an empty sparse vector.
func (p *NoopProvider) SparseEmbed(_ context.Context, _ string) (SparseVector, error) {
	return SparseVector{}, nil
}
