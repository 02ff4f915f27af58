package retrieval

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arete-ai/arete/internal/cache"
	"github.com/arete-ai/arete/internal/embedding"
	"github.com/arete-ai/arete/internal/llm"
	"github.com/arete-ai/arete/internal/model"
	"github.com/arete-ai/arete/internal/search"
)

// stable ids so tie-break assertions are deterministic
var (
	idA = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	idB = uuid.MustParse("00000000-0000-0000-0000-00000000000b")
	idC = uuid.MustParse("00000000-0000-0000-0000-00000000000c")
	idD = uuid.MustParse("00000000-0000-0000-0000-00000000000d")
)

func hits(ids ...uuid.UUID) []search.Hit {
	out := make([]search.Hit, len(ids))
	for i, id := range ids {
		out[i] = search.Hit{ID: id, Text: "t-" + id.String()}
	}
	return out
}

func TestFuseSingleList(t *testing.T) {
	merged := fuse([]rankedList{{Weight: 1, Hits: hits(idA, idB, idC)}})

	require.Len(t, merged, 3)
	assert.Equal(t, idA, merged[0].Hit.ID)
	assert.Equal(t, idB, merged[1].Hit.ID)
	assert.Equal(t, idC, merged[2].Hit.ID)
	assert.InDelta(t, 1.0/61, merged[0].Score, 1e-9)
	assert.InDelta(t, 1.0/62, merged[1].Score, 1e-9)
}

func TestFuseMergesAcrossLists(t *testing.T) {
	// idB ranks second in both lists and should beat idA and idC, which
	// each lead only one list.
	merged := fuse([]rankedList{
		{Weight: 0.5, Hits: hits(idA, idB), Order: 0},
		{Weight: 0.5, Hits: hits(idC, idB), Order: 1},
	})

	require.Len(t, merged, 3)
	assert.Equal(t, idB, merged[0].Hit.ID)
	assert.InDelta(t, 0.5/62+0.5/62, merged[0].Score, 1e-9)
}

func TestFuseWeights(t *testing.T) {
	// Heavier list wins when ranks are equal.
	merged := fuse([]rankedList{
		{Weight: 0.7, Hits: hits(idA), Order: 0},
		{Weight: 0.3, Hits: hits(idB), Order: 1},
	})

	require.Len(t, merged, 2)
	assert.Equal(t, idA, merged[0].Hit.ID)
	assert.Equal(t, idB, merged[1].Hit.ID)
}

func TestFuseTieBreakEarlierListThenID(t *testing.T) {
	// Same weight, same rank, distinct candidates: exact score tie.
	merged := fuse([]rankedList{
		{Weight: 0.5, Hits: hits(idD), Order: 0},
		{Weight: 0.5, Hits: hits(idA), Order: 1},
	})
	require.Len(t, merged, 2)
	assert.Equal(t, idD, merged[0].Hit.ID, "earlier list wins the tie")

	// Same list position twice within one list order: fall back to id.
	merged = fuse([]rankedList{
		{Weight: 0.5, Hits: hits(idD), Order: 0},
		{Weight: 0.5, Hits: hits(idB), Order: 0},
	})
	require.Len(t, merged, 2)
	assert.Equal(t, idB, merged[0].Hit.ID, "ascending id breaks the remaining tie")
}

func TestFuseDeduplicatesByID(t *testing.T) {
	merged := fuse([]rankedList{
		{Weight: 1, Hits: hits(idA, idA)},
	})
	require.Len(t, merged, 1)
	assert.InDelta(t, 1.0/61+1.0/62, merged[0].Score, 1e-9)
}

func TestFuseSkipsZeroWeightLists(t *testing.T) {
	merged := fuse([]rankedList{
		{Weight: 0, Hits: hits(idA)},
		{Weight: 1, Hits: hits(idB)},
	})
	require.Len(t, merged, 1)
	assert.Equal(t, idB, merged[0].Hit.ID)
}

// fakeIndex serves canned hits per modality and records calls.
type fakeIndex struct {
	dense     []search.Hit
	sparse    []search.Hit
	denseErr  error
	sparseErr error

	denseCalls  int
	sparseCalls int
	lastLimit   int
	lastScope   search.Scope
}

func (f *fakeIndex) DenseQuery(_ context.Context, _ string, _ []float32, scope search.Scope, limit int) ([]search.Hit, error) {
	f.denseCalls++
	f.lastLimit = limit
	f.lastScope = scope
	return f.dense, f.denseErr
}

func (f *fakeIndex) SparseQuery(_ context.Context, _ string, _ embedding.SparseVector, scope search.Scope, limit int) ([]search.Hit, error) {
	f.sparseCalls++
	f.lastLimit = limit
	f.lastScope = scope
	return f.sparse, f.sparseErr
}

func (f *fakeIndex) Upsert(context.Context, string, []search.Point) error     { return nil }
func (f *fakeIndex) DeleteByIDs(context.Context, string, []uuid.UUID) error   { return nil }
func (f *fakeIndex) DeleteBySession(context.Context, string, string) error    { return nil }
func (f *fakeIndex) DeleteByOwner(context.Context, string, string) error      { return nil }
func (f *fakeIndex) Healthy(context.Context) error                            { return nil }

// fakeEmbedder returns fixed vectors, optionally failing one modality.
type fakeEmbedder struct {
	denseErr  error
	sparseErr error
}

func (f *fakeEmbedder) Dimensions() int { return 3 }

func (f *fakeEmbedder) DenseEmbed(_ context.Context, _ string) (pgvector.Vector, error) {
	if f.denseErr != nil {
		return pgvector.Vector{}, f.denseErr
	}
	return pgvector.NewVector([]float32{0.1, 0.2, 0.3}), nil
}

func (f *fakeEmbedder) DenseEmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	out := make([]pgvector.Vector, len(texts))
	for i := range texts {
		v, err := f.DenseEmbed(ctx, texts[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) SparseEmbed(_ context.Context, _ string) (embedding.SparseVector, error) {
	if f.sparseErr != nil {
		return embedding.SparseVector{}, f.sparseErr
	}
	return embedding.SparseVector{Indices: []uint32{1, 7}, Values: []float32{0.5, 0.2}}, nil
}

// fakeLLM returns a fixed completion.
type fakeLLM struct {
	text  string
	err   error
	calls int
}

func (f *fakeLLM) Generate(context.Context, []llm.Message, llm.Params) (llm.Result, error) {
	f.calls++
	if f.err != nil {
		return llm.Result{}, f.err
	}
	return llm.Result{Text: f.text, TokensUsed: 10, FinishReason: "stop"}, nil
}

func (f *fakeLLM) GenerateStream(context.Context, []llm.Message, llm.Params) (<-chan llm.StreamChunk, <-chan error) {
	ch := make(chan llm.StreamChunk)
	errc := make(chan error)
	close(ch)
	close(errc)
	return ch, errc
}

func newTestOrchestrator(idx search.Index, emb embedding.Provider, client llm.Client) *Orchestrator {
	return New(emb, idx, client, cache.Noop{}, "test-model")
}

func TestRetrieveHybrid(t *testing.T) {
	idx := &fakeIndex{dense: hits(idA, idB), sparse: hits(idB, idC)}
	o := newTestOrchestrator(idx, &fakeEmbedder{}, nil)

	res, err := o.Retrieve(context.Background(), "what is virtue", Options{
		Collections: []string{"aristotle"},
		TopK:        10,
		Alpha:       0.5,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"dense", "sparse"}, res.ModalitiesUsed)
	assert.False(t, res.Degraded)
	assert.False(t, res.Cached)
	require.Len(t, res.Passages, 3)
	assert.Equal(t, idB.String(), res.Passages[0].Passage.ID)
	assert.Equal(t, "aristotle", res.Passages[0].Passage.Collection)
	assert.Equal(t, 40, idx.lastLimit, "candidate fetch is 4x top-k")
}

func TestRetrieveTruncatesToTopK(t *testing.T) {
	idx := &fakeIndex{dense: hits(idA, idB, idC, idD)}
	o := newTestOrchestrator(idx, &fakeEmbedder{sparseErr: embedding.ErrUnavailable}, nil)

	res, err := o.Retrieve(context.Background(), "q", Options{
		Collections: []string{"c"},
		TopK:        2,
	})
	require.NoError(t, err)
	assert.Len(t, res.Passages, 2)
}

func TestRetrieveDegradesToSparseOnly(t *testing.T) {
	idx := &fakeIndex{sparse: hits(idA)}
	o := newTestOrchestrator(idx, &fakeEmbedder{denseErr: fmt.Errorf("sidecar down")}, nil)

	res, err := o.Retrieve(context.Background(), "q", Options{Collections: []string{"c"}})
	require.NoError(t, err)

	assert.Equal(t, []string{"sparse"}, res.ModalitiesUsed)
	assert.True(t, res.Degraded)
	assert.Zero(t, idx.denseCalls)
	require.Len(t, res.Passages, 1)
}

func TestRetrieveBothModalitiesDown(t *testing.T) {
	o := newTestOrchestrator(&fakeIndex{}, &fakeEmbedder{
		denseErr:  fmt.Errorf("dense down"),
		sparseErr: fmt.Errorf("sparse down"),
	}, nil)

	_, err := o.Retrieve(context.Background(), "q", Options{Collections: []string{"c"}})
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestRetrieveQueryFailureDegrades(t *testing.T) {
	idx := &fakeIndex{dense: hits(idA), sparseErr: fmt.Errorf("qdrant timeout")}
	o := newTestOrchestrator(idx, &fakeEmbedder{}, nil)

	res, err := o.Retrieve(context.Background(), "q", Options{Collections: []string{"c"}})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	require.Len(t, res.Passages, 1)
}

func TestRetrieveAllQueriesFail(t *testing.T) {
	idx := &fakeIndex{
		denseErr:  fmt.Errorf("down"),
		sparseErr: fmt.Errorf("down"),
	}
	o := newTestOrchestrator(idx, &fakeEmbedder{}, nil)

	_, err := o.Retrieve(context.Background(), "q", Options{Collections: []string{"c"}})
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestRetrieveScoreFloor(t *testing.T) {
	idx := &fakeIndex{dense: hits(idA, idB)}
	o := newTestOrchestrator(idx, &fakeEmbedder{sparseErr: fmt.Errorf("off")}, nil)

	res, err := o.Retrieve(context.Background(), "q", Options{
		Collections: []string{"c"},
		// Between the rank-1 and rank-2 scores for a single dense list
		// at the default alpha of 0.5 (0.5/61 and 0.5/62).
		ScoreFloor: 0.5 / 61.5,
	})
	require.NoError(t, err)
	require.Len(t, res.Passages, 1)
	assert.Equal(t, idA.String(), res.Passages[0].Passage.ID)
}

func TestRetrievePassesScope(t *testing.T) {
	idx := &fakeIndex{dense: hits(idA)}
	o := newTestOrchestrator(idx, &fakeEmbedder{}, nil)

	scope := search.Scope{SessionID: "sess-1", Owner: "alice"}
	_, err := o.Retrieve(context.Background(), "q", Options{
		Collections: []string{"c"},
		Scope:       scope,
	})
	require.NoError(t, err)
	assert.Equal(t, scope, idx.lastScope)
}

func TestRetrieveEmptyCollections(t *testing.T) {
	o := newTestOrchestrator(&fakeIndex{}, &fakeEmbedder{}, nil)
	_, err := o.Retrieve(context.Background(), "q", Options{})
	require.Error(t, err)
}

func TestExpandHyDE(t *testing.T) {
	client := &fakeLLM{text: "Virtue is a disposition acquired through habituation."}
	o := newTestOrchestrator(&fakeIndex{}, &fakeEmbedder{}, client)

	texts := o.expand(context.Background(), "what is virtue", model.ExpansionHyDE)
	require.Len(t, texts, 1)
	assert.Equal(t, client.text, texts[0])
	assert.Equal(t, 1, client.calls)
}

func TestExpandHyDEFallsBackOnError(t *testing.T) {
	client := &fakeLLM{err: llm.ErrUnavailable}
	o := newTestOrchestrator(&fakeIndex{}, &fakeEmbedder{}, client)

	texts := o.expand(context.Background(), "what is virtue", model.ExpansionHyDE)
	assert.Equal(t, []string{"what is virtue"}, texts)
}

func TestExpandMultiQuery(t *testing.T) {
	client := &fakeLLM{text: "1. what does virtue mean\n- how is virtue defined\nthe nature of virtue\nextra line ignored"}
	o := newTestOrchestrator(&fakeIndex{}, &fakeEmbedder{}, client)

	texts := o.expand(context.Background(), "what is virtue", model.ExpansionMultiQuery)
	require.Len(t, texts, 4, "original query plus three paraphrases")
	assert.Equal(t, "what is virtue", texts[0])
	assert.Equal(t, "what does virtue mean", texts[1])
	assert.Equal(t, "how is virtue defined", texts[2])
	assert.Equal(t, "the nature of virtue", texts[3])
}

func TestExpandOffSkipsLLM(t *testing.T) {
	client := &fakeLLM{text: "unused"}
	o := newTestOrchestrator(&fakeIndex{}, &fakeEmbedder{}, client)

	texts := o.expand(context.Background(), "q", model.ExpansionOff)
	assert.Equal(t, []string{"q"}, texts)
	assert.Zero(t, client.calls)
}

func TestNormalizeQuery(t *testing.T) {
	assert.Equal(t, "what is virtue", normalizeQuery("  What   IS\tvirtue\n"))
	assert.Equal(t, normalizeQuery("What is virtue"), normalizeQuery("what is virtue"))
}

func TestResultKeyStability(t *testing.T) {
	o := newTestOrchestrator(&fakeIndex{}, &fakeEmbedder{}, nil)
	vecs := []embedded{{dense: []float32{0.1, 0.2}, sparse: embedding.SparseVector{Indices: []uint32{3}, Values: []float32{0.4}}}}
	opts := Options{Collections: []string{"c"}, TopK: 10, Alpha: 0.5}

	assert.Equal(t, o.resultKey(vecs, opts), o.resultKey(vecs, opts))

	other := opts
	other.Alpha = 0.7
	assert.NotEqual(t, o.resultKey(vecs, opts), o.resultKey(vecs, other))

	scoped := opts
	scoped.Scope = search.Scope{Owner: "alice"}
	assert.NotEqual(t, o.resultKey(vecs, opts), o.resultKey(vecs, scoped))
}
