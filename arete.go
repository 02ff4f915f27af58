// Package arete is the public API for embedding the Arete retrieval server.
//
// Consumers import this package to construct and extend the server without
// forking it:
//
//	app, err := arete.New(
//	    arete.WithVersion(version),
//	    arete.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: arete (root) imports
// internal/*, but internal/* never imports arete (root). Public extension
// types (EmbeddingProvider, Generator) are standalone; their adapters live
// here because this is the only file that sees both sides of the boundary.
package arete

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/arete-ai/arete/internal/auth"
	"github.com/arete-ai/arete/internal/billing"
	"github.com/arete-ai/arete/internal/cache"
	"github.com/arete-ai/arete/internal/chat"
	"github.com/arete-ai/arete/internal/config"
	"github.com/arete-ai/arete/internal/documents"
	"github.com/arete-ai/arete/internal/embedding"
	"github.com/arete-ai/arete/internal/llm"
	"github.com/arete-ai/arete/internal/pipeline"
	"github.com/arete-ai/arete/internal/ratelimit"
	"github.com/arete-ai/arete/internal/retrieval"
	"github.com/arete-ai/arete/internal/search"
	"github.com/arete-ai/arete/internal/server"
	"github.com/arete-ai/arete/internal/storage"
	"github.com/arete-ai/arete/internal/telemetry"
	"github.com/arete-ai/arete/migrations"
)

// Startup error classes. cmd/arete maps these to distinct exit codes so
// orchestrators can tell a bad config from a dead dependency.
var (
	ErrConfig     = errors.New("arete: configuration error")
	ErrDependency = errors.New("arete: dependency init error")
	ErrMigration  = errors.New("arete: migration error")
)

// Idempotency key housekeeping cadence. The replay window itself lives in
// the storage package; this only controls how often expired rows get swept.
const (
	idempotencyCleanupInterval = time.Hour
	idempotencyInProgressTTL   = time.Hour
)

// retentionBatch caps how many conversations one sweep pass deletes.
const retentionBatch = 500

// App is the Arete server lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	index        *search.QdrantIndex
	outbox       *search.OutboxWorker
	embedder     embedding.Provider
	cacheStore   cache.Store
	limiter      *ratelimit.FixedWindow
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the Arete server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("arete starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("%w: telemetry: %w", ErrDependency, err)
	}

	// Connect to database and run migrations.
	db, err := storage.New(context.Background(), cfg.DatabaseURL, cfg.MaxConns, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("%w: storage: %w", ErrDependency, err)
	}
	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("%w: %w", ErrMigration, err)
	}

	// Create JWT manager. With no key paths configured an ephemeral
	// keypair is generated; config.Validate rejects that in production.
	authMgr, err := auth.NewManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("%w: auth: %w", ErrDependency, err)
	}

	// Create embedding provider. An external override takes priority.
	var embedder embedding.Provider
	switch {
	case o.embedder != nil:
		embedder = &embedderAdapter{p: o.embedder}
		logger.Info("embedding provider: external", "dimensions", embedder.Dimensions())
	case cfg.EmbeddingURL != "":
		embedder = embedding.NewSidecarProvider(cfg.EmbeddingURL, cfg.EmbeddingModel, cfg.EmbeddingDimensions,
			embedding.WithRetries(cfg.EmbeddingRetries),
			embedding.WithTimeout(cfg.EmbeddingTimeout),
			embedding.WithLogger(logger),
		)
		logger.Info("embedding provider: sidecar",
			"url", cfg.EmbeddingURL, "model", cfg.EmbeddingModel, "dimensions", cfg.EmbeddingDimensions)
	default:
		embedder = embedding.NewNoopProvider(cfg.EmbeddingDimensions)
		logger.Warn("embedding provider: noop (semantic retrieval disabled)")
	}

	// Initialize the Qdrant index and ensure both collections exist.
	index, err := search.NewQdrantIndex(search.QdrantConfig{
		URL:    cfg.QdrantURL,
		APIKey: cfg.QdrantAPIKey,
		Dims:   uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
	}, logger)
	if err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("%w: qdrant: %w", ErrDependency, err)
	}
	for _, collection := range []string{search.ChatCollection, search.UserDocsCollection} {
		if err := index.EnsureCollection(context.Background(), collection); err != nil {
			_ = index.Close()
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("%w: qdrant ensure collection %s: %w", ErrDependency, collection, err)
		}
	}
	outbox := search.NewOutboxWorker(db, index, embedder, logger, cfg.OutboxInterval, cfg.OutboxBatch)

	// Cache. Redis when configured, otherwise a pass-through noop.
	var cacheStore cache.Store = cache.Noop{}
	if cfg.RedisURL != "" {
		redisCache, err := cache.NewRedis(context.Background(), cfg.RedisURL, cache.TTLs{
			cache.FamilyDenseEmbed:   cfg.TTLDenseEmbed,
			cache.FamilySparseEmbed:  cfg.TTLSparseEmbed,
			cache.FamilyRetrieval:    cfg.TTLRetrieval,
			cache.FamilySubscription: cfg.TTLSubscription,
			cache.FamilyUsage:        cfg.TTLUsage,
		}, logger)
		if err != nil {
			logger.Warn("redis unreachable, caching disabled", "error", err)
		} else {
			cacheStore = redisCache
			logger.Info("cache: redis")
		}
	}

	// LLM client, bounded by a concurrency gate so a slow backend queues
	// instead of piling up goroutines.
	var generator llm.Client
	if o.generator != nil {
		generator = &generatorAdapter{g: o.generator}
		logger.Info("llm: external generator")
	} else {
		generator = llm.NewOpenAIClient(cfg.LLMBaseURL, cfg.LLMAPIKey,
			llm.WithRetries(cfg.LLMRetries),
			llm.WithTimeout(cfg.LLMTimeout),
			llm.WithCharsPerToken(cfg.CharsPerToken),
			llm.WithLogger(logger),
		)
		logger.Info("llm: openai-compatible", "base_url", cfg.LLMBaseURL, "model", cfg.LLMModel)
	}
	if cfg.LLMMaxConcurrency > 0 {
		generator = llm.NewLimited(generator, int64(cfg.LLMMaxConcurrency), cfg.LLMQueueWait)
	}

	// Services.
	retriever := retrieval.New(embedder, index, generator, cacheStore, cfg.EmbeddingModel,
		retrieval.WithExpansionModel(cfg.LLMModel),
		retrieval.WithLogger(logger),
	)
	chatSvc := chat.New(db, retriever, logger)
	ingester := documents.New(embedder, index, logger)

	limiter := ratelimit.NewFixedWindow()
	enforcer := billing.NewEnforcer(db, cacheStore, limiter, billing.Config{
		Enabled:       cfg.PaymentsEnabled,
		GraceDays:     cfg.GraceDays,
		FailOpenRead:  cfg.FailOpenRead,
		FailOpenWrite: cfg.FailOpenWrite,
	}, logger)

	var webhooks *billing.WebhookHandler
	if cfg.PaymentsEnabled {
		webhooks = billing.NewWebhookHandler(db, enforcer, cfg.WebhookSecret, logger)
		logger.Info("payments: enabled")
	} else {
		logger.Info("payments: disabled (all principals treated by declared tier)")
	}

	pl := pipeline.New(retriever, generator, chatSvc, enforcer, pipeline.Config{
		Model:         cfg.LLMModel,
		Temperature:   cfg.LLMTemperature,
		MaxTokens:     cfg.LLMMaxTokens,
		CharsPerToken: cfg.CharsPerToken,
	}, logger)

	srv := server.New(server.ServerConfig{
		DB:                  db,
		AuthMgr:             authMgr,
		Pipeline:            pl,
		ChatSvc:             chatSvc,
		Enforcer:            enforcer,
		Logger:              logger,
		Webhooks:            webhooks,
		Lister:              index,
		Ingester:            ingester,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		MaxUploadBytes:      cfg.MaxUploadBytes,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		index:        index,
		outbox:       outbox,
		embedder:     embedder,
		cacheStore:   cacheStore,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the outbox worker, background loops, and the HTTP server,
// then blocks until ctx is cancelled or a fatal server error occurs. On
// return, Shutdown is called automatically; callers should not call
// Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	a.outbox.Start(ctx)

	// Warm the embedding sidecar so the first query does not pay the
	// model load cost.
	if p, ok := a.embedder.(*embedding.SidecarProvider); ok {
		go p.Warmup(ctx)
	}

	go a.retentionLoop(ctx)
	go a.idempotencyCleanupLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a phased graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight,
// (2) drain remaining outbox entries to Qdrant.
// It then closes the cache, rate limiter, Qdrant client, database pool,
// and OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("arete shutting down")

	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	outboxCtx, outboxCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
	a.outbox.Drain(outboxCtx)
	outboxCancel()

	_ = a.cacheStore.Close()
	_ = a.limiter.Close()
	_ = a.index.Close()
	_ = a.otelShutdown(context.Background())
	a.db.Close()

	a.logger.Info("arete stopped")
	return nil
}

// retentionLoop purges conversations past the retention horizon and removes
// their indexed points from Qdrant. Runs until ctx is cancelled.
func (a *App) retentionLoop(ctx context.Context) {
	if a.cfg.RetentionDays <= 0 {
		a.logger.Info("retention sweep: disabled")
		return
	}

	ticker := time.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			horizon := time.Now().UTC().AddDate(0, 0, -a.cfg.RetentionDays)
			res, err := a.db.PurgeExpiredConversations(ctx, horizon, retentionBatch)
			if err != nil {
				a.logger.Warn("retention sweep failed", "error", err)
				continue
			}
			if len(res.VecIDs) > 0 {
				if err := a.index.DeleteByIDs(ctx, search.ChatCollection, res.VecIDs); err != nil {
					a.logger.Warn("retention sweep: qdrant delete failed", "error", err, "points", len(res.VecIDs))
				}
			}
			if res.Conversations > 0 {
				a.logger.Info("retention sweep complete",
					"conversations", res.Conversations, "messages", res.Messages)
			}
		}
	}
}

// idempotencyCleanupLoop removes idempotency records past the replay window
// and abandoned in-progress reservations.
func (a *App) idempotencyCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(idempotencyCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.db.CleanupIdempotencyKeys(ctx, idempotencyInProgressTTL)
			if err != nil {
				a.logger.Warn("idempotency cleanup failed", "error", err)
			} else if n > 0 {
				a.logger.Info("idempotency cleanup", "removed", n)
			}
		}
	}
}

// contextWithOptionalTimeout wraps ctx with a timeout when d is positive.
func contextWithOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
