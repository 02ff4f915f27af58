package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/arete-ai/arete/internal/auth"
	"github.com/arete-ai/arete/internal/billing"
	"github.com/arete-ai/arete/internal/chat"
	"github.com/arete-ai/arete/internal/metrics"
	"github.com/arete-ai/arete/internal/pipeline"
	"github.com/arete-ai/arete/internal/storage"
)

// Server is the Arete HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a
// Server. Optional fields (nil-safe): Webhooks, Lister, Ingester.
type ServerConfig struct {
	// Required dependencies.
	DB       *storage.DB
	AuthMgr  *auth.Manager
	Pipeline *pipeline.Pipeline
	ChatSvc  *chat.Service
	Enforcer *billing.Enforcer
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	Webhooks *billing.WebhookHandler
	Lister   CollectionLister
	Ingester DocumentIngester

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	MaxUploadBytes      int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:        cfg.DB,
		Pipeline:  cfg.Pipeline,
		ChatSvc:   cfg.ChatSvc,
		Enforcer:  cfg.Enforcer,
		Webhooks:  cfg.Webhooks,
		Lister:    cfg.Lister,
		Ingester:  cfg.Ingester,
		Logger:    cfg.Logger,
		Version:   cfg.Version,
		MaxBody:   cfg.MaxRequestBodyBytes,
		MaxUpload: cfg.MaxUploadBytes,
	})

	mux := http.NewServeMux()

	// Retrieval and generation. Anonymous callers are admitted as FREE
	// tier; access gating happens inside the pipeline.
	mux.HandleFunc("POST /v1/query", h.HandleQuery)

	// Chat persistence and search. Session scope works anonymously;
	// owner scope requires authentication.
	mux.HandleFunc("POST /v1/chat/messages", h.HandleAppendMessage)
	mux.HandleFunc("GET /v1/chat/conversations/{session_id}/messages", h.HandleHistory)
	mux.HandleFunc("POST /v1/chat/search", h.HandleChatSearch)

	// Document uploads (authenticated, BASIC and above).
	mux.Handle("POST /v1/documents",
		requireAuthenticated(http.HandlerFunc(h.HandleUploadDocument)))

	// Catalog and usage.
	mux.HandleFunc("GET /v1/collections", h.HandleCollections)
	mux.Handle("GET /v1/usage",
		requireAuthenticated(http.HandlerFunc(h.HandleUsage)))

	// Payment provider webhooks authenticate by signature, not bearer token.
	mux.HandleFunc("POST /webhooks/payments", h.HandleWebhook)

	// Health and metrics (no auth).
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /health/live", h.HandleLive)
	mux.HandleFunc("GET /health/ready", h.HandleReady)
	mux.Handle("GET /metrics", metrics.Handler())

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.AuthMgr, cfg.DB, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
