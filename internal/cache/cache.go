// Package cache provides the best-effort key-value cache used by retrieval,
// embeddings, and subscription enforcement.
//
// All reads and writes are advisory: a backend failure is logged at debug
// level, counted on cache_unavailable_total, and treated as a miss (reads)
// or a no-op (writes). Nothing in the request path blocks on the cache
// being healthy.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arete-ai/arete/internal/metrics"
)

// Family namespaces cache keys and selects the TTL applied on writes.
type Family string

const (
	FamilyDenseEmbed   Family = "emb_dense"
	FamilySparseEmbed  Family = "emb_sparse"
	FamilyRetrieval    Family = "retrieval"
	FamilySubscription Family = "subscription"
	FamilyUsage        Family = "usage"
)

// ErrMiss is returned by Get when the key is absent, expired, or the
// backend was unavailable.
var ErrMiss = errors.New("cache: miss")

// Store is the cache contract. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get unmarshals the cached value for (family, key) into dest.
	// Returns ErrMiss when absent; backend failures also surface as ErrMiss.
	Get(ctx context.Context, family Family, key string, dest any) error

	// Set stores value as JSON under (family, key) with the family's TTL.
	// Best-effort: errors are swallowed and counted.
	Set(ctx context.Context, family Family, key string, value any)

	// Invalidate removes (family, key). Best-effort.
	Invalidate(ctx context.Context, family Family, key string)

	// Close releases the backend connection.
	Close() error
}

// TTLs maps each family to its expiry. Families absent from the map get
// DefaultTTL.
type TTLs map[Family]time.Duration

// DefaultTTL applies when a family has no configured TTL.
const DefaultTTL = 5 * time.Minute

func (t TTLs) ttl(f Family) time.Duration {
	if d, ok := t[f]; ok && d > 0 {
		return d
	}
	return DefaultTTL
}

// Redis is the go-redis backed Store.
type Redis struct {
	rdb    *redis.Client
	ttls   TTLs
	logger *slog.Logger
}

// NewRedis connects to Redis and verifies the connection with a short ping.
func NewRedis(ctx context.Context, url string, ttls TTLs, logger *slog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("cache: parse redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("cache: ping redis: %w", err)
	}

	return &Redis{rdb: rdb, ttls: ttls, logger: logger}, nil
}

func redisKey(family Family, key string) string {
	return string(family) + ":" + key
}

// Get implements Store.
func (c *Redis) Get(ctx context.Context, family Family, key string, dest any) error {
	raw, err := c.rdb.Get(ctx, redisKey(family, key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			metrics.CacheUnavailable.Inc()
			c.logger.Debug("cache: get failed", "family", family, "error", err)
		}
		return ErrMiss
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		// A corrupt entry is as good as a miss; drop it so it can't recur.
		c.Invalidate(ctx, family, key)
		return ErrMiss
	}
	return nil
}

// Set implements Store.
func (c *Redis) Set(ctx context.Context, family Family, key string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		c.logger.Debug("cache: marshal failed", "family", family, "error", err)
		return
	}
	if err := c.rdb.Set(ctx, redisKey(family, key), raw, c.ttls.ttl(family)).Err(); err != nil {
		metrics.CacheUnavailable.Inc()
		c.logger.Debug("cache: set failed", "family", family, "error", err)
	}
}

// Invalidate implements Store.
func (c *Redis) Invalidate(ctx context.Context, family Family, key string) {
	if err := c.rdb.Del(ctx, redisKey(family, key)).Err(); err != nil {
		metrics.CacheUnavailable.Inc()
		c.logger.Debug("cache: invalidate failed", "family", family, "error", err)
	}
}

// Close implements Store.
func (c *Redis) Close() error { return c.rdb.Close() }

// Noop is the Store used when no cache backend is configured.
type Noop struct{}

// Get always misses.
func (Noop) Get(context.Context, Family, string, any) error { return ErrMiss }

// Set is a no-op.
func (Noop) Set(context.Context, Family, string, any) {}

// Invalidate is a no-op.
func (Noop) Invalidate(context.Context, Family, string) {}

// Close is a no-op.
func (Noop) Close() error { return nil }

// Key builds a cache key from parts, hashing the payload so arbitrary
// query text can't produce unbounded or unsafe Redis keys.
func Key(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}
