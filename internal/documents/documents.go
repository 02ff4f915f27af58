// Package documents ingests user-uploaded text documents into the vector
// store. Uploads are chunked, embedded in both modalities, and upserted
// into the user documents collection scoped by owner.
package documents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/arete-ai/arete/internal/embedding"
	"github.com/arete-ai/arete/internal/search"
)

var (
	// ErrEmptyDocument is returned for uploads with no extractable text.
	ErrEmptyDocument = errors.New("documents: no extractable text")

	// ErrTooManyChunks is returned when a document exceeds the chunk cap.
	ErrTooManyChunks = errors.New("documents: document too large")
)

const (
	// defaultChunkRunes is the target chunk length. Chunks break at the
	// last whitespace before the limit so words stay intact.
	defaultChunkRunes = 1200

	// defaultOverlapRunes is carried from the tail of each chunk into the
	// next so sentences spanning a boundary remain searchable.
	defaultOverlapRunes = 200

	// maxChunks caps ingestion work per upload.
	maxChunks = 500

	// sparseConcurrency bounds concurrent sparse embedding calls. Dense
	// vectors go through the batch endpoint in one call.
	sparseConcurrency = 4
)

// Receipt describes a completed ingestion.
type Receipt struct {
	DocumentID string `json:"document_id"`
	Chunks     int    `json:"chunks"`
	Characters int    `json:"characters"`
}

// Ingester chunks, embeds, and indexes uploaded documents.
type Ingester struct {
	embedder embedding.Provider
	index    search.Index
	logger   *slog.Logger

	chunkRunes   int
	overlapRunes int
}

// Option configures an Ingester.
type Option func(*Ingester)

// WithChunking overrides the chunk size and overlap, both in runes.
func WithChunking(size, overlap int) Option {
	return func(g *Ingester) {
		if size > 0 {
			g.chunkRunes = size
		}
		if overlap >= 0 && overlap < size {
			g.overlapRunes = overlap
		}
	}
}

// New creates an Ingester writing to the user documents collection.
func New(embedder embedding.Provider, index search.Index, logger *slog.Logger, opts ...Option) *Ingester {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Ingester{
		embedder:     embedder,
		index:        index,
		logger:       logger,
		chunkRunes:   defaultChunkRunes,
		overlapRunes: defaultOverlapRunes,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Ingest splits content into chunks, embeds each chunk in both modalities,
// and upserts the result. The returned character count is the basis for
// usage metering and reflects the extracted text, not the raw upload size.
func (g *Ingester) Ingest(ctx context.Context, owner, filename string, content []byte) (Receipt, error) {
	text := strings.TrimSpace(strings.ToValidUTF8(string(content), ""))
	if text == "" {
		return Receipt{}, ErrEmptyDocument
	}

	chunks := splitChunks(text, g.chunkRunes, g.overlapRunes)
	if len(chunks) > maxChunks {
		return Receipt{}, fmt.Errorf("%w: %d chunks exceeds limit of %d", ErrTooManyChunks, len(chunks), maxChunks)
	}

	dense, err := g.embedder.DenseEmbedBatch(ctx, chunks)
	if err != nil {
		return Receipt{}, fmt.Errorf("documents: dense embed: %w", err)
	}
	if len(dense) != len(chunks) {
		return Receipt{}, fmt.Errorf("documents: dense embed returned %d vectors for %d chunks", len(dense), len(chunks))
	}

	sparse := make([]embedding.SparseVector, len(chunks))
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(sparseConcurrency)
	for i, chunk := range chunks {
		grp.Go(func() error {
			sv, err := g.embedder.SparseEmbed(gctx, chunk)
			if err != nil {
				return fmt.Errorf("documents: sparse embed chunk %d: %w", i, err)
			}
			sparse[i] = sv
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return Receipt{}, err
	}

	docID := uuid.New()
	now := time.Now().Unix()
	points := make([]search.Point, len(chunks))
	for i, chunk := range chunks {
		points[i] = search.Point{
			ID:        chunkID(docID, i),
			Dense:     dense[i].Slice(),
			Sparse:    sparse[i],
			Text:      chunk,
			SourceRef: fmt.Sprintf("%s#%d", filename, i),
			Owner:     owner,
			CreatedAt: now,
		}
	}
	if err := g.index.Upsert(ctx, search.UserDocsCollection, points); err != nil {
		return Receipt{}, fmt.Errorf("documents: index: %w", err)
	}

	g.logger.Info("document ingested",
		"owner", owner,
		"document_id", docID,
		"chunks", len(chunks),
		"characters", utf8.RuneCountInString(text))

	return Receipt{
		DocumentID: docID.String(),
		Chunks:     len(chunks),
		Characters: utf8.RuneCountInString(text),
	}, nil
}

// chunkID derives a stable point id from the document id and chunk index,
// so a partially failed upsert can be retried without orphaning points.
func chunkID(docID uuid.UUID, i int) uuid.UUID {
	return uuid.NewSHA1(docID, []byte(fmt.Sprintf("chunk-%d", i)))
}

// splitChunks cuts text into overlapping rune windows, breaking at the
// last whitespace before the window end when one exists.
func splitChunks(text string, size, overlap int) []string {
	runes := []rune(text)
	if len(runes) <= size {
		return []string{text}
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + size
		if end >= len(runes) {
			chunks = append(chunks, strings.TrimSpace(string(runes[start:])))
			break
		}
		cut := end
		for i := end; i > start+size/2; i-- {
			if isSpace(runes[i-1]) {
				cut = i
				break
			}
		}
		chunk := strings.TrimSpace(string(runes[start:cut]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		next := cut - overlap
		if next <= start {
			next = cut
		}
		start = next
	}
	return chunks
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\n' || r == '\t' || r == '\r'
}
