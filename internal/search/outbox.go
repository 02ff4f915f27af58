package search

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/arete-ai/arete/internal/embedding"
	"github.com/arete-ai/arete/internal/metrics"
	"github.com/arete-ai/arete/internal/storage"
)

// OutboxWorker polls the index_outbox table and reconciles the chat
// collection in Qdrant: it embeds newly appended messages, upserts them,
// backfills external_vec_id, and applies deletions from retention purges.
type OutboxWorker struct {
	db           *storage.DB
	index        Index
	embedder     embedding.Provider
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int

	started     atomic.Bool
	cancelLoop  context.CancelFunc
	done        chan struct{}
	once        sync.Once
	lastCleanup time.Time
	drainCh     chan context.Context // carries the drain context to pollLoop for the final poll
}

// NewOutboxWorker creates an outbox worker.
func NewOutboxWorker(db *storage.DB, index Index, embedder embedding.Provider, logger *slog.Logger, pollInterval time.Duration, batchSize int) *OutboxWorker {
	return &OutboxWorker{
		db:           db,
		index:        index,
		embedder:     embedder,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		done:         make(chan struct{}),
		drainCh:      make(chan context.Context, 1),
	}
}

// Start begins the background poll loop. It is safe to call only once;
// subsequent calls are no-ops and log a warning.
func (w *OutboxWorker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("index outbox: Start called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Drain signals the poll loop to stop, processes remaining entries, and
// blocks until done or the context expires. The ctx parameter is passed to
// the final poll so it respects the caller's deadline.
func (w *OutboxWorker) Drain(ctx context.Context) {
	// Send the drain context to pollLoop via channel (race-free).
	// Must be sent before cancelLoop so pollLoop can receive it on ctx.Done().
	select {
	case w.drainCh <- ctx:
	default:
	}
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("index outbox: drain timed out")
	}
}

func (w *OutboxWorker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final drain: prefer the drain context (sent by Drain via channel)
			// so the final poll respects the caller's deadline.
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			if drainCtx != nil {
				w.processBatch(drainCtx)
			} else {
				// Fallback for direct cancellation without Drain (e.g., tests).
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				w.processBatch(fallbackCtx)
				cancel()
			}
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			w.processBatch(batchCtx)
			cancel()
		}
	}
}

func (w *OutboxWorker) processBatch(ctx context.Context) {
	entries, err := w.db.FetchOutbox(ctx, w.batchSize)
	if err != nil {
		w.logger.Error("index outbox: fetch pending", "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	var upserts, deletes []storage.OutboxEntry
	for _, e := range entries {
		switch e.Operation {
		case "upsert":
			upserts = append(upserts, e)
		case "delete":
			deletes = append(deletes, e)
		}
	}

	if len(upserts) > 0 {
		w.processUpserts(ctx, upserts)
	}
	if len(deletes) > 0 {
		w.processDeletes(ctx, deletes)
	}

	// Periodically clean up dead-letter entries (attempts past cap, older than 7 days).
	if time.Since(w.lastCleanup) > time.Hour {
		if n, err := w.db.CleanupOutboxDeadLetters(ctx); err != nil {
			w.logger.Error("index outbox: cleanup dead-letters failed", "error", err)
		} else if n > 0 {
			w.logger.Info("index outbox: cleaned dead-letter entries", "deleted", n)
		}
		w.lastCleanup = time.Now()
	}
}

func (w *OutboxWorker) processUpserts(ctx context.Context, entries []storage.OutboxEntry) {
	msgIDs := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		msgIDs[i] = e.MessageID
	}

	msgs, err := w.db.MessagesForIndex(ctx, msgIDs)
	if err != nil {
		w.logger.Error("index outbox: hydrate messages", "error", err, "count", len(msgIDs))
		w.failEntries(ctx, entries, err.Error())
		return
	}
	if len(msgs) == 0 {
		// All messages purged between enqueue and processing.
		w.succeedEntries(ctx, entries)
		return
	}

	texts := make([]string, len(msgs))
	for i, m := range msgs {
		texts[i] = m.Content
	}
	dense, err := w.embedder.DenseEmbedBatch(ctx, texts)
	if err != nil {
		w.logger.Error("index outbox: dense embed", "error", err, "count", len(texts))
		w.failEntries(ctx, entries, err.Error())
		return
	}

	points := make([]Point, 0, len(msgs))
	for i, m := range msgs {
		// Sparse embedding failure degrades the point to dense-only rather
		// than blocking indexing.
		sparse, serr := w.embedder.SparseEmbed(ctx, m.Content)
		if serr != nil {
			w.logger.Warn("index outbox: sparse embed failed, indexing dense-only",
				"message_id", m.ID, "error", serr)
			sparse = embedding.SparseVector{}
		}
		points = append(points, Point{
			ID:        m.ID,
			Dense:     dense[i].Slice(),
			Sparse:    sparse,
			Text:      m.Content,
			SessionID: m.SessionID,
			Owner:     m.Owner,
			Role:      m.Role,
			CreatedAt: m.CreatedAt.Unix(),
		})
	}

	if err := w.index.Upsert(ctx, ChatCollection, points); err != nil {
		w.logger.Error("index outbox: qdrant upsert", "error", err, "count", len(points))
		w.failEntries(ctx, entries, err.Error())
		return
	}

	indexed := make([]storage.IndexedMessage, len(msgs))
	for i, m := range msgs {
		indexed[i] = storage.IndexedMessage{ID: m.ID, Embedding: dense[i]}
	}
	if err := w.db.MarkMessagesIndexed(ctx, indexed); err != nil {
		w.logger.Error("index outbox: backfill vec ids", "error", err)
	}

	w.succeedEntries(ctx, entries)
	w.logger.Info("index outbox: upserted", "count", len(points))
}

func (w *OutboxWorker) processDeletes(ctx context.Context, entries []storage.OutboxEntry) {
	ids := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		ids[i] = e.MessageID
	}

	if err := w.index.DeleteByIDs(ctx, ChatCollection, ids); err != nil {
		w.logger.Error("index outbox: qdrant delete", "error", err, "count", len(ids))
		w.failEntries(ctx, entries, err.Error())
		return
	}

	w.succeedEntries(ctx, entries)
	w.logger.Info("index outbox: deleted", "count", len(ids))
}

func (w *OutboxWorker) succeedEntries(ctx context.Context, entries []storage.OutboxEntry) {
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if err := w.db.CompleteOutbox(ctx, ids); err != nil {
		w.logger.Error("index outbox: delete completed entries", "error", err)
	}
}

func (w *OutboxWorker) failEntries(ctx context.Context, entries []storage.OutboxEntry, errMsg string) {
	metrics.ChatVectorIndexFailures.Add(float64(len(entries)))

	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if err := w.db.FailOutbox(ctx, ids, errMsg); err != nil {
		w.logger.Error("index outbox: update failed entries", "error", err)
	}
}
