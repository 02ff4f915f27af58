package arete

import (
	"context"

	"github.com/pgvector/pgvector-go"

	"github.com/arete-ai/arete/internal/embedding"
	"github.com/arete-ai/arete/internal/llm"
)

// EmbeddingProvider is the public contract for replacing the HTTP sidecar
// embedder, e.g. with an in-process model. Implementations must be safe
// for concurrent use.
type EmbeddingProvider interface {
	// DenseEmbed returns one dense vector for text.
	DenseEmbed(ctx context.Context, text string) ([]float32, error)

	// DenseEmbedBatch returns dense vectors in input order.
	DenseEmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// SparseEmbed returns a learned sparse vector for text.
	SparseEmbed(ctx context.Context, text string) (SparseEmbedding, error)

	// Dimensions returns the dense vector dimensionality.
	Dimensions() int
}

// SparseEmbedding is a learned sparse vector: vocabulary positions and
// their activation weights. Indices must be strictly ascending.
type SparseEmbedding struct {
	Indices []uint32
	Values  []float32
}

// GenMessage is one turn of a generation prompt.
type GenMessage struct {
	Role    string // "system", "user", or "assistant"
	Content string
}

// GenParams tune a single generation.
type GenParams struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Stop        []string
}

// GenResult is a completed blocking generation.
type GenResult struct {
	Text         string
	TokensUsed   int
	FinishReason string
}

// GenChunk is one streamed generation increment. The final chunk has
// Done set and carries the total token count.
type GenChunk struct {
	Delta      string
	Done       bool
	TokensUsed int
}

// Generator is the public contract for replacing the OpenAI-compatible
// LLM client. Implementations must be safe for concurrent use.
type Generator interface {
	Generate(ctx context.Context, msgs []GenMessage, p GenParams) (GenResult, error)

	// GenerateStream starts a streaming generation. Chunks arrive on the
	// first channel; a terminal error, if any, on the second. Both close
	// when the stream ends.
	GenerateStream(ctx context.Context, msgs []GenMessage, p GenParams) (<-chan GenChunk, <-chan error)
}

// embedderAdapter bridges a public EmbeddingProvider to the internal
// embedding.Provider contract.
type embedderAdapter struct {
	p EmbeddingProvider
}

func (a *embedderAdapter) DenseEmbed(ctx context.Context, text string) (pgvector.Vector, error) {
	vec, err := a.p.DenseEmbed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(vec), nil
}

func (a *embedderAdapter) DenseEmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs, err := a.p.DenseEmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	out := make([]pgvector.Vector, len(vecs))
	for i, v := range vecs {
		out[i] = pgvector.NewVector(v)
	}
	return out, nil
}

func (a *embedderAdapter) SparseEmbed(ctx context.Context, text string) (embedding.SparseVector, error) {
	sv, err := a.p.SparseEmbed(ctx, text)
	if err != nil {
		return embedding.SparseVector{}, err
	}
	return embedding.SparseVector{Indices: sv.Indices, Values: sv.Values}, nil
}

func (a *embedderAdapter) Dimensions() int { return a.p.Dimensions() }

// generatorAdapter bridges a public Generator to the internal llm.Client
// contract.
type generatorAdapter struct {
	g Generator
}

func toGenMessages(msgs []llm.Message) []GenMessage {
	out := make([]GenMessage, len(msgs))
	for i, m := range msgs {
		out[i] = GenMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

func toGenParams(p llm.Params) GenParams {
	return GenParams{
		Model:       p.Model,
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
		Stop:        p.Stop,
	}
}

func (a *generatorAdapter) Generate(ctx context.Context, msgs []llm.Message, p llm.Params) (llm.Result, error) {
	res, err := a.g.Generate(ctx, toGenMessages(msgs), toGenParams(p))
	if err != nil {
		return llm.Result{}, err
	}
	return llm.Result{Text: res.Text, TokensUsed: res.TokensUsed, FinishReason: res.FinishReason}, nil
}

func (a *generatorAdapter) GenerateStream(ctx context.Context, msgs []llm.Message, p llm.Params) (<-chan llm.StreamChunk, <-chan error) {
	in, inErr := a.g.GenerateStream(ctx, toGenMessages(msgs), toGenParams(p))
	chunks := make(chan llm.StreamChunk)
	errCh := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errCh)
		for c := range in {
			oc := llm.StreamChunk{Delta: c.Delta, Done: c.Done, TokensUsed: c.TokensUsed}
			if c.Done {
				oc.Finish = llm.FinishNormal
			}
			select {
			case chunks <- oc:
			case <-ctx.Done():
				return
			}
		}
		if err := <-inErr; err != nil {
			errCh <- err
		}
	}()

	return chunks, errCh
}
