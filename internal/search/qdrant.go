package search

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"

	"github.com/arete-ai/arete/internal/embedding"
)

// QdrantConfig holds configuration for connecting to Qdrant.
type QdrantConfig struct {
	URL    string // e.g. "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey string
	Dims   uint64
}

// QdrantIndex implements Index backed by a Qdrant cluster over gRPC.
type QdrantIndex struct {
	client *qdrant.Client
	dims   uint64
	logger *slog.Logger

	healthGroup singleflight.Group
	healthErr   atomic.Value // stores *error (pointer-to-error, never nil pointer; inner error may be nil)
	healthAt    atomic.Int64 // unix nanos of last check
}

// parseQdrantURL extracts host, port, and TLS flag from a Qdrant URL.
// Accepts forms like "https://host:6333", "http://host:6333", or "host:6334".
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("search: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("search: invalid port in qdrant URL: %q", portStr)
		}
		// If the user specified the REST port (6333), use the gRPC port (6334).
		if p == 6333 {
			port = 6334
		} else {
			port = p
		}
	} else {
		port = 6334
	}

	return host, port, useTLS, nil
}

// NewQdrantIndex creates a QdrantIndex and connects via gRPC.
func NewQdrantIndex(cfg QdrantConfig, logger *slog.Logger) (*QdrantIndex, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("search: connect to qdrant at %s:%d: %w", host, port, err)
	}

	return &QdrantIndex{
		client: client,
		dims:   cfg.Dims,
		logger: logger,
	}, nil
}

// EnsureCollection creates the collection with both named vectors if it
// doesn't already exist and ensures payload indexes are present. Index
// creation is always attempted; CreateFieldIndex is idempotent on Qdrant,
// so this safely backfills indexes added after the collection was created.
func (q *QdrantIndex) EnsureCollection(ctx context.Context, name string) error {
	exists, err := q.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("search: check collection exists: %w", err)
	}

	if !exists {
		m := uint64(16)
		efConstruct := uint64(128)

		if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfigMap(map[string]*qdrant.VectorParams{
				VectorDense: {
					Size:     q.dims,
					Distance: qdrant.Distance_Cosine,
					HnswConfig: &qdrant.HnswConfigDiff{
						M:           &m,
						EfConstruct: &efConstruct,
					},
				},
			}),
			SparseVectorsConfig: qdrant.NewSparseVectorsConfig(map[string]*qdrant.SparseVectorParams{
				VectorSparse: {
					Modifier: qdrant.Modifier_Idf.Enum(),
				},
			}),
		}); err != nil {
			return fmt.Errorf("search: create collection %q: %w", name, err)
		}
		q.logger.Info("qdrant: created collection", "collection", name, "dims", q.dims)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	for _, field := range []string{"session_id", "owner", "source_ref", "role"} {
		if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: name,
			FieldName:      field,
			FieldType:      &keywordType,
		}); err != nil {
			return fmt.Errorf("search: ensure index on %q: %w", field, err)
		}
	}

	floatType := qdrant.FieldType_FieldTypeFloat
	if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: name,
		FieldName:      "created_unix",
		FieldType:      &floatType,
	}); err != nil {
		return fmt.Errorf("search: ensure index on created_unix: %w", err)
	}

	return nil
}

func scopeFilter(scope Scope) *qdrant.Filter {
	var must []*qdrant.Condition
	if scope.SessionID != "" {
		must = append(must, qdrant.NewMatch("session_id", scope.SessionID))
	}
	if scope.Owner != "" {
		must = append(must, qdrant.NewMatch("owner", scope.Owner))
	}
	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}

// DenseQuery returns the top hits for a dense vector.
func (q *QdrantIndex) DenseQuery(ctx context.Context, collection string, vec []float32, scope Scope, limit int) ([]Hit, error) {
	return q.query(ctx, collection, qdrant.NewQueryDense(vec), VectorDense, scope, limit)
}

// SparseQuery returns the top hits for a sparse vector. An empty sparse
// vector matches nothing and returns no hits without a round trip.
func (q *QdrantIndex) SparseQuery(ctx context.Context, collection string, vec embedding.SparseVector, scope Scope, limit int) ([]Hit, error) {
	if vec.Empty() {
		return nil, nil
	}
	return q.query(ctx, collection, qdrant.NewQuerySparse(vec.Indices, vec.Values), VectorSparse, scope, limit)
}

func (q *QdrantIndex) query(ctx context.Context, collection string, query *qdrant.Query, using string, scope Scope, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 10
	}

	fetchLimit := uint64(limit) //nolint:gosec // limit is bounded by caller
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          query,
		Using:          &using,
		Filter:         scopeFilter(scope),
		Limit:          &fetchLimit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("search: qdrant query %q: %w", collection, err)
	}

	hits := make([]Hit, 0, len(scored))
	for _, sp := range scored {
		idStr := sp.Id.GetUuid()
		if idStr == "" {
			continue
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			q.logger.Warn("qdrant: invalid UUID in point ID", "id", idStr)
			continue
		}
		h := Hit{ID: id, Score: sp.Score}
		if p := sp.Payload; p != nil {
			h.Text = p["text"].GetStringValue()
			h.SourceRef = p["source_ref"].GetStringValue()
			h.SessionID = p["session_id"].GetStringValue()
			h.Owner = p["owner"].GetStringValue()
			h.Role = p["role"].GetStringValue()
		}
		hits = append(hits, h)
	}
	return hits, nil
}

// ListCollections returns the names of all collections in the store.
func (q *QdrantIndex) ListCollections(ctx context.Context) ([]string, error) {
	names, err := q.client.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("search: list collections: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Upsert inserts or updates points with both named vectors.
func (q *QdrantIndex) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	qdrantPoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		payload := map[string]any{
			"text":         p.Text,
			"created_unix": float64(p.CreatedAt),
		}
		if p.SourceRef != "" {
			payload["source_ref"] = p.SourceRef
		}
		if p.SessionID != "" {
			payload["session_id"] = p.SessionID
		}
		if p.Owner != "" {
			payload["owner"] = p.Owner
		}
		if p.Role != "" {
			payload["role"] = p.Role
		}

		vectors := map[string]*qdrant.Vector{
			VectorDense: qdrant.NewVectorDense(p.Dense),
		}
		if !p.Sparse.Empty() {
			vectors[VectorSparse] = qdrant.NewVectorSparse(p.Sparse.Indices, p.Sparse.Values)
		}

		qdrantPoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(p.ID.String()),
			Vectors: qdrant.NewVectorsMap(vectors),
			Payload: qdrant.NewValueMap(payload),
		}
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrantPoints,
	})
	if err != nil {
		return fmt.Errorf("search: qdrant upsert %d points: %w", len(points), err)
	}
	return nil
}

// DeleteByIDs removes specific points from a collection.
func (q *QdrantIndex) DeleteByIDs(ctx context.Context, collection string, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewID(id.String())
	}

	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: pointIDs,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("search: qdrant delete %d points: %w", len(ids), err)
	}
	return nil
}

// DeleteBySession removes all points for a session.
func (q *QdrantIndex) DeleteBySession(ctx context.Context, collection, sessionID string) error {
	return q.deleteByFilter(ctx, collection, qdrant.NewMatch("session_id", sessionID))
}

// DeleteByOwner removes all points for an owner (account deletion).
// The caller is responsible for also deleting the Postgres rows.
func (q *QdrantIndex) DeleteByOwner(ctx context.Context, collection, owner string) error {
	return q.deleteByFilter(ctx, collection, qdrant.NewMatch("owner", owner))
}

func (q *QdrantIndex) deleteByFilter(ctx context.Context, collection string, cond *qdrant.Condition) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{
					Must: []*qdrant.Condition{cond},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("search: qdrant delete by filter: %w", err)
	}
	return nil
}

// Healthy returns nil if Qdrant is reachable. Results are cached for 5
// seconds to avoid hammering the health endpoint on every request.
// Concurrent calls after cache expiry are deduplicated via singleflight so
// only one gRPC call is made; all waiters share its result.
func (q *QdrantIndex) Healthy(ctx context.Context) error {
	// Fast path: return the cached result if fresh.
	if time.Since(time.Unix(0, q.healthAt.Load())) < 5*time.Second {
		return q.loadHealthErr()
	}

	// Deduplicate concurrent checks. Use context.Background() instead of the
	// caller's ctx because singleflight reuses the first caller's context;
	// if that caller cancels, all waiters would get a stale error.
	result, _, _ := q.healthGroup.Do("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		_, err := q.client.HealthCheck(checkCtx)
		if err != nil {
			q.storeHealthErr(fmt.Errorf("search: qdrant unhealthy: %w", err))
		} else {
			q.storeHealthErr(nil)
		}
		q.healthAt.Store(time.Now().UnixNano())
		return q.loadHealthErr(), nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

// storeHealthErr stores an error (or nil) in the atomic.Value.
// atomic.Value cannot store nil directly, so we wrap it in a pointer.
func (q *QdrantIndex) storeHealthErr(err error) {
	q.healthErr.Store(&err)
}

// loadHealthErr loads the cached health error.
func (q *QdrantIndex) loadHealthErr() error {
	v := q.healthErr.Load()
	if v == nil {
		return nil
	}
	return *v.(*error)
}

// Close shuts down the Qdrant gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}
