package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/arete-ai/arete/internal/billing"
	"github.com/arete-ai/arete/internal/chat"
	"github.com/arete-ai/arete/internal/documents"
	"github.com/arete-ai/arete/internal/model"
	"github.com/arete-ai/arete/internal/pipeline"
	"github.com/arete-ai/arete/internal/ratelimit"
	"github.com/arete-ai/arete/internal/storage"
)

// CollectionLister exposes the vector store's collection names.
// *search.QdrantIndex satisfies it.
type CollectionLister interface {
	ListCollections(ctx context.Context) ([]string, error)
	Healthy(ctx context.Context) error
}

// DocumentIngester stores an uploaded document's chunks for one owner.
type DocumentIngester interface {
	Ingest(ctx context.Context, owner, filename string, content []byte) (documents.Receipt, error)
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db        *storage.DB
	pipeline  *pipeline.Pipeline
	chatSvc   *chat.Service
	enforcer  *billing.Enforcer
	webhooks  *billing.WebhookHandler
	lister    CollectionLister
	ingester  DocumentIngester
	logger    *slog.Logger
	startedAt time.Time
	version   string
	maxBody   int64
	maxUpload int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Webhooks, Lister, Ingester.
type HandlersDeps struct {
	DB        *storage.DB
	Pipeline  *pipeline.Pipeline
	ChatSvc   *chat.Service
	Enforcer  *billing.Enforcer
	Webhooks  *billing.WebhookHandler
	Lister    CollectionLister
	Ingester  DocumentIngester
	Logger    *slog.Logger
	Version   string
	MaxBody   int64
	MaxUpload int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:        d.DB,
		pipeline:  d.Pipeline,
		chatSvc:   d.ChatSvc,
		enforcer:  d.Enforcer,
		webhooks:  d.Webhooks,
		lister:    d.Lister,
		ingester:  d.Ingester,
		logger:    d.Logger,
		startedAt: time.Now(),
		version:   d.Version,
		maxBody:   d.MaxBody,
		maxUpload: d.MaxUpload,
	}
}

// decodeJSON decodes a bounded JSON request body.
func (h *Handlers) decodeJSON(w http.ResponseWriter, r *http.Request, target any) error {
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(target)
}

// HandleQuery handles POST /v1/query, blocking or SSE per the request.
func (h *Handlers) HandleQuery(w http.ResponseWriter, r *http.Request) {
	var req model.QueryRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, model.ProblemBadInput,
			"Bad Request", "request body is not valid JSON for this endpoint")
		return
	}
	if err := req.Validate(); err != nil {
		writeProblem(w, r, http.StatusBadRequest, model.ProblemBadInput,
			"Bad Request", err.Error())
		return
	}

	principal := PrincipalFromContext(r.Context())
	if req.Stream {
		h.streamQuery(w, r, principal, req)
		return
	}

	resp, dec, err := h.pipeline.Query(r.Context(), principal, req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	ratelimit.SetHeaders(w, dec.RateLimit)
	writeJSON(w, http.StatusOK, resp)
}

// usageSummary is the GET /v1/usage response body.
type usageSummary struct {
	BillingPeriod string     `json:"billing_period"`
	Tokens        int64      `json:"tokens"`
	TokenLimit    int64      `json:"token_limit"`
	Tier          model.Tier `json:"tier"`
}

// HandleUsage handles GET /v1/usage: the principal's current-period
// consumption against their tier allowance.
func (h *Handlers) HandleUsage(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFromContext(r.Context())
	period := billing.CurrentPeriod()

	tokens, err := h.db.SumTokens(r.Context(), principal.ID, period)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	tier := principal.Tier
	if tier == "" {
		tier = model.TierFree
	}
	writeJSON(w, http.StatusOK, usageSummary{
		BillingPeriod: period,
		Tokens:        tokens,
		TokenLimit:    billing.Limits(tier).TokensPerMonth,
		Tier:          tier,
	})
}

// HandleCollections handles GET /v1/collections.
func (h *Handlers) HandleCollections(w http.ResponseWriter, r *http.Request) {
	names, err := h.lister.ListCollections(r.Context())
	if err != nil {
		writeProblem(w, r, http.StatusServiceUnavailable, model.ProblemUpstreamUnavailable,
			"Service Unavailable", "the vector store is unavailable")
		return
	}
	writeJSON(w, http.StatusOK, model.CollectionPage[string]{Data: names})
}

// HandleWebhook handles POST /webhooks/payments.
func (h *Handlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if h.webhooks == nil {
		writeProblem(w, r, http.StatusNotFound, model.ProblemNotFound,
			"Not Found", "payments are not enabled")
		return
	}

	body, err := readBody(w, r, h.maxBody)
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, model.ProblemBadInput,
			"Bad Request", "could not read request body")
		return
	}

	status, err := h.webhooks.HandleWebhook(r.Context(), body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("webhook rejected", "status", status, "error", err,
			"request_id", RequestIDFromContext(r.Context()))
		writeProblem(w, r, status, model.ProblemBadInput, "Webhook Rejected",
			"the event could not be processed")
		return
	}
	writeJSON(w, status, map[string]string{"status": "ok"})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        h.version,
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
	})
}

// HandleLive handles GET /health/live.
func (h *Handlers) HandleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReady handles GET /health/ready: readiness requires Postgres and
// the vector store.
func (h *Handlers) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{"postgres": "ok", "qdrant": "ok"}
	healthy := true
	if err := h.db.Ping(ctx); err != nil {
		checks["postgres"] = err.Error()
		healthy = false
	}
	if h.lister != nil {
		if err := h.lister.Healthy(ctx); err != nil {
			checks["qdrant"] = err.Error()
			healthy = false
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"checks": checks})
}

// guard runs the access check for an endpoint and writes the denial if
// any. The second return is false when the request was already answered.
func (h *Handlers) guard(w http.ResponseWriter, r *http.Request, pol billing.EndpointPolicy) (billing.Decision, bool) {
	principal := PrincipalFromContext(r.Context())
	dec := h.enforcer.CheckAccess(r.Context(), principal, pol)
	if !dec.Allowed {
		writeDecision(w, r, dec)
		return dec, false
	}
	ratelimit.SetHeaders(w, dec.RateLimit)
	return dec, true
}

func readBody(w http.ResponseWriter, r *http.Request, maxBody int64) ([]byte, error) {
	if maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	}
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}
