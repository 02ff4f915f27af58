// Package retrieval implements hybrid dense+sparse retrieval with
// reciprocal rank fusion and optional LLM query expansion.
package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arete-ai/arete/internal/cache"
	"github.com/arete-ai/arete/internal/embedding"
	"github.com/arete-ai/arete/internal/llm"
	"github.com/arete-ai/arete/internal/metrics"
	"github.com/arete-ai/arete/internal/model"
	"github.com/arete-ai/arete/internal/search"
)

// ErrUnavailable means neither the dense nor the sparse modality could
// produce candidates. Single-modality failures degrade instead.
var ErrUnavailable = errors.New("retrieval: no modality available")

const (
	// candidateMultiple widens per-list fetches so fusion has enough
	// overlap to reorder before truncating to top-k.
	candidateMultiple = 4

	// multiQueryCount is the number of LLM paraphrases for multi-query
	// expansion (the original query is embedded alongside them).
	multiQueryCount = 3

	expansionMaxTokens = 256
)

// Options shape a single retrieval call.
type Options struct {
	Collections []string
	TopK        int
	Expansion   model.ExpansionMode
	Scope       search.Scope

	// Alpha weights the dense modality; the sparse side gets 1-Alpha.
	Alpha float64

	// ScoreFloor drops fused candidates below this score. Zero keeps all.
	ScoreFloor float64
}

// Result is the retrieval half of a query: ranked passages plus metadata
// describing how the run behaved.
type Result struct {
	Passages       []model.Ranked
	ModalitiesUsed []string
	Cached         bool
	Degraded       bool
	LatencyMs      int64
}

// Orchestrator runs the retrieval pipeline: expand, embed, fan out to
// collections, fuse, truncate.
type Orchestrator struct {
	embedder embedding.Provider
	index    search.Index
	llm      llm.Client
	cache    cache.Store
	logger   *slog.Logger

	embedModel     string
	expansionModel string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithExpansionModel sets the LLM model used for hyde and multi-query
// expansion.
func WithExpansionModel(m string) Option {
	return func(o *Orchestrator) { o.expansionModel = m }
}

// WithLogger sets the orchestrator logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New builds an Orchestrator. embedModel namespaces the embedding cache so
// a model swap cannot serve stale vectors. client may be nil when no
// expansion mode will ever be requested.
func New(embedder embedding.Provider, index search.Index, client llm.Client, store cache.Store, embedModel string, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		embedder:   embedder,
		index:      index,
		llm:        client,
		cache:      store,
		logger:     slog.Default(),
		embedModel: embedModel,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.cache == nil {
		o.cache = cache.Noop{}
	}
	return o
}

// embedded holds both modality vectors for one expansion text. Either side
// may be absent after a partial embedding failure.
type embedded struct {
	text   string
	dense  []float32
	sparse embedding.SparseVector
}

// cachedResult is the serialized form stored in the retrieval cache.
type cachedResult struct {
	Passages       []model.Ranked `json:"passages"`
	ModalitiesUsed []string       `json:"modalities_used"`
	Degraded       bool           `json:"degraded"`
}

// Retrieve runs the full pipeline for one query.
func (o *Orchestrator) Retrieve(ctx context.Context, query string, opts Options) (Result, error) {
	start := time.Now()
	defer func() {
		metrics.RetrievalLatency.Observe(time.Since(start).Seconds())
	}()

	if opts.TopK <= 0 {
		opts.TopK = model.DefaultTopK
	}
	if opts.Alpha <= 0 || opts.Alpha > 1 {
		opts.Alpha = 0.5
	}
	if opts.Expansion == "" {
		opts.Expansion = model.ExpansionOff
	}
	if len(opts.Collections) == 0 {
		return Result{}, fmt.Errorf("retrieval: no collections")
	}

	texts := o.expand(ctx, query, opts.Expansion)
	vecs, modalities, err := o.embedAll(ctx, texts)
	if err != nil {
		return Result{}, err
	}

	key := o.resultKey(vecs, opts)
	var hit cachedResult
	if err := o.cache.Get(ctx, cache.FamilyRetrieval, key, &hit); err == nil {
		return Result{
			Passages:       hit.Passages,
			ModalitiesUsed: hit.ModalitiesUsed,
			Cached:         true,
			Degraded:       hit.Degraded,
			LatencyMs:      time.Since(start).Milliseconds(),
		}, nil
	}

	lists, queryErrs := o.fanOut(ctx, vecs, opts)
	if len(lists) == 0 {
		if queryErrs > 0 {
			return Result{}, ErrUnavailable
		}
		// Embedded fine, queried fine, found nothing.
		return Result{
			ModalitiesUsed: modalities,
			LatencyMs:      time.Since(start).Milliseconds(),
		}, nil
	}

	passages := o.rank(lists, opts)
	degraded := len(modalities) < 2 || queryErrs > 0

	o.cache.Set(ctx, cache.FamilyRetrieval, key, cachedResult{
		Passages:       passages,
		ModalitiesUsed: modalities,
		Degraded:       degraded,
	})

	return Result{
		Passages:       passages,
		ModalitiesUsed: modalities,
		Cached:         false,
		Degraded:       degraded,
		LatencyMs:      time.Since(start).Milliseconds(),
	}, nil
}

// expand produces the texts to embed. Expansion failures fall back to the
// raw query so retrieval still answers.
func (o *Orchestrator) expand(ctx context.Context, query string, mode model.ExpansionMode) []string {
	if mode == model.ExpansionOff || o.llm == nil {
		return []string{query}
	}
	switch mode {
	case model.ExpansionHyDE:
		hyp, err := o.hypotheticalAnswer(ctx, query)
		if err != nil {
			o.logger.Warn("hyde expansion failed, retrieving with raw query", "error", err)
			return []string{query}
		}
		return []string{hyp}
	case model.ExpansionMultiQuery:
		paraphrases, err := o.paraphrases(ctx, query)
		if err != nil {
			o.logger.Warn("multi-query expansion failed, retrieving with raw query", "error", err)
			return []string{query}
		}
		return append([]string{query}, paraphrases...)
	}
	return []string{query}
}

func (o *Orchestrator) hypotheticalAnswer(ctx context.Context, query string) (string, error) {
	res, err := o.llm.Generate(ctx, []llm.Message{
		{Role: "system", Content: "You write one short, factual passage that could plausibly appear in a scholarly text answering the user's question. Answer with the passage only."},
		{Role: "user", Content: query},
	}, llm.Params{Model: o.expansionModel, Temperature: 0.3, MaxTokens: expansionMaxTokens})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(res.Text)
	if text == "" {
		return "", fmt.Errorf("empty hypothetical answer")
	}
	return text, nil
}

func (o *Orchestrator) paraphrases(ctx context.Context, query string) ([]string, error) {
	res, err := o.llm.Generate(ctx, []llm.Message{
		{Role: "system", Content: fmt.Sprintf("Rewrite the user's search query %d different ways, preserving its meaning. Output one rewrite per line with no numbering.", multiQueryCount)},
		{Role: "user", Content: query},
	}, llm.Params{Model: o.expansionModel, Temperature: 0.7, MaxTokens: expansionMaxTokens})
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(res.Text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*0123456789. "))
		if line == "" {
			continue
		}
		out = append(out, line)
		if len(out) == multiQueryCount {
			break
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no paraphrases in response")
	}
	return out, nil
}

// embedAll computes dense and sparse vectors for every expansion text
// concurrently. One modality may fail across the board and retrieval
// degrades to the other; both failing is ErrUnavailable.
func (o *Orchestrator) embedAll(ctx context.Context, texts []string) ([]embedded, []string, error) {
	vecs := make([]embedded, len(texts))
	for i, t := range texts {
		vecs[i].text = t
	}

	var (
		mu        sync.Mutex
		denseErr  error
		sparseErr error
	)
	var wg sync.WaitGroup
	for i := range vecs {
		wg.Add(1)
		go func(e *embedded) {
			defer wg.Done()
			dense, err := o.denseEmbed(ctx, e.text)
			if err != nil {
				mu.Lock()
				denseErr = err
				mu.Unlock()
				return
			}
			e.dense = dense
		}(&vecs[i])

		wg.Add(1)
		go func(e *embedded) {
			defer wg.Done()
			sparse, err := o.sparseEmbed(ctx, e.text)
			if err != nil {
				mu.Lock()
				sparseErr = err
				mu.Unlock()
				return
			}
			e.sparse = sparse
		}(&vecs[i])
	}
	wg.Wait()

	if denseErr != nil && sparseErr != nil {
		return nil, nil, fmt.Errorf("%w: dense: %v; sparse: %v", ErrUnavailable, denseErr, sparseErr)
	}

	var modalities []string
	if denseErr == nil {
		modalities = append(modalities, "dense")
	} else {
		o.logger.Warn("dense embedding unavailable, degrading to sparse-only", "error", denseErr)
		metrics.RetrievalDegraded.WithLabelValues("dense").Inc()
	}
	if sparseErr == nil {
		modalities = append(modalities, "sparse")
	} else {
		o.logger.Warn("sparse embedding unavailable, degrading to dense-only", "error", sparseErr)
		metrics.RetrievalDegraded.WithLabelValues("sparse").Inc()
	}
	return vecs, modalities, nil
}

// normalizeQuery canonicalizes text for embedding cache keys: lowercase
// with whitespace collapsed.
func normalizeQuery(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func (o *Orchestrator) denseEmbed(ctx context.Context, text string) ([]float32, error) {
	key := cache.Key(o.embedModel, normalizeQuery(text))
	var vec []float32
	if err := o.cache.Get(ctx, cache.FamilyDenseEmbed, key, &vec); err == nil && len(vec) == o.embedder.Dimensions() {
		return vec, nil
	}
	v, err := o.embedder.DenseEmbed(ctx, text)
	if err != nil {
		return nil, err
	}
	vec = v.Slice()
	o.cache.Set(ctx, cache.FamilyDenseEmbed, key, vec)
	return vec, nil
}

func (o *Orchestrator) sparseEmbed(ctx context.Context, text string) (embedding.SparseVector, error) {
	key := cache.Key(o.embedModel, normalizeQuery(text))
	var vec embedding.SparseVector
	if err := o.cache.Get(ctx, cache.FamilySparseEmbed, key, &vec); err == nil && vec.Validate() == nil {
		return vec, nil
	}
	vec, err := o.embedder.SparseEmbed(ctx, text)
	if err != nil {
		return embedding.SparseVector{}, err
	}
	o.cache.Set(ctx, cache.FamilySparseEmbed, key, vec)
	return vec, nil
}

// fanOut queries every collection with every expansion's vectors. Each
// (collection, expansion, modality) triple becomes one ranked list.
// Individual query failures drop that list and count as degradation.
func (o *Orchestrator) fanOut(ctx context.Context, vecs []embedded, opts Options) ([]rankedList, int) {
	limit := candidateMultiple * opts.TopK
	expansionWeight := 1.0 / float64(len(vecs))

	type slot struct {
		list rankedList
		ok   bool
	}
	// Two modality slots per (collection, expansion) pair. Slot order is
	// the tie-break order: dense before sparse, earlier expansions first.
	slots := make([]slot, 0, 2*len(opts.Collections)*len(vecs))
	g, gctx := errgroup.WithContext(ctx)
	var failed int
	var mu sync.Mutex

	order := 0
	for _, coll := range opts.Collections {
		for i := range vecs {
			v := &vecs[i]
			if v.dense != nil {
				idx, ord := len(slots), order
				slots = append(slots, slot{})
				order++
				coll := coll
				g.Go(func() error {
					hits, err := o.index.DenseQuery(gctx, coll, v.dense, opts.Scope, limit)
					mu.Lock()
					defer mu.Unlock()
					if err != nil {
						failed++
						o.logger.Warn("dense query failed", "collection", coll, "error", err)
						metrics.RetrievalDegraded.WithLabelValues("dense").Inc()
						return nil
					}
					slots[idx] = slot{list: rankedList{
						Weight:     opts.Alpha * expansionWeight,
						Hits:       hits,
						Collection: coll,
						Order:      ord,
					}, ok: true}
					return nil
				})
			}
			if !v.sparse.Empty() {
				idx, ord := len(slots), order
				slots = append(slots, slot{})
				order++
				coll := coll
				g.Go(func() error {
					hits, err := o.index.SparseQuery(gctx, coll, v.sparse, opts.Scope, limit)
					mu.Lock()
					defer mu.Unlock()
					if err != nil {
						failed++
						o.logger.Warn("sparse query failed", "collection", coll, "error", err)
						metrics.RetrievalDegraded.WithLabelValues("sparse").Inc()
						return nil
					}
					slots[idx] = slot{list: rankedList{
						Weight:     (1 - opts.Alpha) * expansionWeight,
						Hits:       hits,
						Collection: coll,
						Order:      ord,
					}, ok: true}
					return nil
				})
			}
		}
	}
	_ = g.Wait()

	lists := make([]rankedList, 0, len(slots))
	for _, s := range slots {
		if s.ok && len(s.list.Hits) > 0 {
			lists = append(lists, s.list)
		}
	}
	return lists, failed
}

// rank fuses the lists, applies the score floor, and truncates to top-k.
func (o *Orchestrator) rank(lists []rankedList, opts Options) []model.Ranked {
	merged := fuse(lists)
	out := make([]model.Ranked, 0, opts.TopK)
	for _, f := range merged {
		if opts.ScoreFloor > 0 && f.Score < opts.ScoreFloor {
			continue
		}
		out = append(out, model.Ranked{
			Passage: toPassage(f.Hit, f.Collection),
			Score:   float32(f.Score),
		})
		if len(out) == opts.TopK {
			break
		}
	}
	return out
}

func toPassage(h search.Hit, collection string) model.Passage {
	p := model.Passage{
		ID:         h.ID.String(),
		Text:       h.Text,
		SourceRef:  h.SourceRef,
		Collection: collection,
	}
	meta := make(map[string]any)
	if h.SessionID != "" {
		meta["session_id"] = h.SessionID
	}
	if h.Role != "" {
		meta["role"] = h.Role
	}
	if len(meta) > 0 {
		p.Metadata = meta
	}
	return p
}

// resultKey fingerprints everything that determines a retrieval outcome:
// the target collections, the vectors actually used, top-k, and the
// modality weighting.
func (o *Orchestrator) resultKey(vecs []embedded, opts Options) string {
	h := sha256.New()
	for _, c := range opts.Collections {
		h.Write([]byte(c))
		h.Write([]byte{0})
	}
	h.Write([]byte(opts.Scope.SessionID))
	h.Write([]byte{0})
	h.Write([]byte(opts.Scope.Owner))
	h.Write([]byte{0})
	var buf [8]byte
	for _, v := range vecs {
		for _, f := range v.dense {
			binary.LittleEndian.PutUint32(buf[:4], math.Float32bits(f))
			h.Write(buf[:4])
		}
		for i, idx := range v.sparse.Indices {
			binary.LittleEndian.PutUint32(buf[:4], idx)
			h.Write(buf[:4])
			binary.LittleEndian.PutUint32(buf[4:], math.Float32bits(v.sparse.Values[i]))
			h.Write(buf[4:])
		}
		h.Write([]byte{1})
	}
	h.Write([]byte(strconv.Itoa(opts.TopK)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatFloat(opts.Alpha, 'f', -1, 64)))
	return hex.EncodeToString(h.Sum(nil))[:32]
}
