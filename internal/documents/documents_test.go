package documents

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arete-ai/arete/internal/embedding"
	"github.com/arete-ai/arete/internal/search"
)

type fakeProvider struct {
	denseErr  error
	sparseErr error
}

func (f *fakeProvider) DenseEmbed(_ context.Context, _ string) (pgvector.Vector, error) {
	return pgvector.NewVector([]float32{1, 0, 0}), f.denseErr
}

func (f *fakeProvider) DenseEmbedBatch(_ context.Context, texts []string) ([]pgvector.Vector, error) {
	if f.denseErr != nil {
		return nil, f.denseErr
	}
	out := make([]pgvector.Vector, len(texts))
	for i := range texts {
		out[i] = pgvector.NewVector([]float32{float32(i), 1, 0})
	}
	return out, nil
}

func (f *fakeProvider) SparseEmbed(_ context.Context, _ string) (embedding.SparseVector, error) {
	if f.sparseErr != nil {
		return embedding.SparseVector{}, f.sparseErr
	}
	return embedding.SparseVector{Indices: []uint32{7}, Values: []float32{0.5}}, nil
}

func (f *fakeProvider) Dimensions() int { return 3 }

type fakeIndex struct {
	search.Index

	collection string
	points     []search.Point
	upsertErr  error
}

func (f *fakeIndex) Upsert(_ context.Context, collection string, points []search.Point) error {
	f.collection = collection
	f.points = points
	return f.upsertErr
}

func TestIngestSmallDocument(t *testing.T) {
	idx := &fakeIndex{}
	ing := New(&fakeProvider{}, idx, nil)

	rec, err := ing.Ingest(context.Background(), "socrates", "notes.txt", []byte("the unexamined life"))
	require.NoError(t, err)

	assert.Equal(t, 1, rec.Chunks)
	assert.Equal(t, 19, rec.Characters)
	assert.NotEmpty(t, rec.DocumentID)

	require.Len(t, idx.points, 1)
	assert.Equal(t, search.UserDocsCollection, idx.collection)
	assert.Equal(t, "socrates", idx.points[0].Owner)
	assert.Equal(t, "notes.txt#0", idx.points[0].SourceRef)
	assert.Equal(t, "the unexamined life", idx.points[0].Text)
	assert.Len(t, idx.points[0].Dense, 3)
}

func TestIngestChunksLongDocument(t *testing.T) {
	idx := &fakeIndex{}
	ing := New(&fakeProvider{}, idx, nil, WithChunking(50, 10))

	text := strings.Repeat("philosophy begins in wonder ", 20)
	rec, err := ing.Ingest(context.Background(), "plato", "rep.txt", []byte(text))
	require.NoError(t, err)

	assert.Greater(t, rec.Chunks, 1)
	require.Len(t, idx.points, rec.Chunks)
	for i, p := range idx.points {
		assert.LessOrEqual(t, len([]rune(p.Text)), 50, "chunk %d over size", i)
		assert.NotEmpty(t, p.Sparse.Indices)
	}
}

func TestIngestRejectsEmpty(t *testing.T) {
	ing := New(&fakeProvider{}, &fakeIndex{}, nil)

	_, err := ing.Ingest(context.Background(), "plato", "empty.txt", []byte("   \n\t  "))
	assert.ErrorIs(t, err, ErrEmptyDocument)
}

func TestIngestEmbedFailureAborts(t *testing.T) {
	idx := &fakeIndex{}
	ing := New(&fakeProvider{denseErr: embedding.ErrUnavailable}, idx, nil)

	_, err := ing.Ingest(context.Background(), "plato", "a.txt", []byte("some text"))
	require.Error(t, err)
	assert.ErrorIs(t, err, embedding.ErrUnavailable)
	assert.Empty(t, idx.points, "nothing indexed on embed failure")
}

func TestIngestSparseFailureAborts(t *testing.T) {
	idx := &fakeIndex{}
	ing := New(&fakeProvider{sparseErr: errors.New("sidecar down")}, idx, nil)

	_, err := ing.Ingest(context.Background(), "plato", "a.txt", []byte("some text"))
	require.Error(t, err)
	assert.Empty(t, idx.points)
}

func TestIngestUpsertFailure(t *testing.T) {
	idx := &fakeIndex{upsertErr: errors.New("qdrant down")}
	ing := New(&fakeProvider{}, idx, nil)

	_, err := ing.Ingest(context.Background(), "plato", "a.txt", []byte("some text"))
	require.Error(t, err)
}

func TestSplitChunksOverlap(t *testing.T) {
	text := strings.Repeat("abcde ", 40) // 240 runes
	chunks := splitChunks(text, 100, 20)

	require.Greater(t, len(chunks), 1)
	// Overlap carries the tail of one chunk into the head of the next.
	tail := chunks[0][len(chunks[0])-5:]
	assert.Contains(t, chunks[1], tail)
}

func TestSplitChunksBreaksAtWhitespace(t *testing.T) {
	text := strings.Repeat("word ", 100)
	for _, c := range splitChunks(text, 48, 8) {
		assert.False(t, strings.HasPrefix(c, "ord"), "chunk split mid-word: %q", c)
	}
}

func TestChunkIDStable(t *testing.T) {
	idx := &fakeIndex{}
	ing := New(&fakeProvider{}, idx, nil)

	rec, err := ing.Ingest(context.Background(), "plato", "a.txt", []byte("hello world"))
	require.NoError(t, err)

	docID := idx.points[0].ID
	_ = rec
	assert.NotEqual(t, docID.String(), rec.DocumentID, "chunk ids derive from but differ from the document id")
}
