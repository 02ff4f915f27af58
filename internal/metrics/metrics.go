// Package metrics defines the Prometheus counters and histograms exposed on
// GET /metrics. OTEL handles traces and request metrics; these counters are
// the service-level degradation signals that alerts key on.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CacheUnavailable counts cache reads/writes that were bypassed because
	// the cache backend was unreachable. Cache failures never fail requests.
	CacheUnavailable = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cache_unavailable_total",
		Help: "Cache operations bypassed due to backend errors.",
	})

	// ChatVectorIndexFailures counts messages persisted to Postgres whose
	// vector indexing failed; the outbox reconciler retries them.
	ChatVectorIndexFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_vector_index_failures_total",
		Help: "Chat message vector indexing failures (message still persisted).",
	})

	// UsageTrackFailures counts TrackUsage calls that could not be recorded.
	UsageTrackFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "usage_track_failures_total",
		Help: "Usage records that could not be written.",
	})

	// EnforcementDegraded counts access checks answered by the fail-open /
	// fail-closed policy because the subscription or quota lookup failed.
	EnforcementDegraded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subscription_enforcement_degraded_total",
		Help: "Access checks decided by fail-open/fail-closed policy.",
	}, []string{"policy"})

	// RetrievalDegraded counts retrievals that completed single-modality.
	RetrievalDegraded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "retrieval_degraded_total",
		Help: "Retrievals that lost a modality but still returned results.",
	}, []string{"modality"})

	// LLMRequests counts LLM generations by outcome.
	LLMRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_requests_total",
		Help: "LLM generation attempts by outcome.",
	}, []string{"mode", "outcome"})

	// WebhookEvents counts processed payment webhook deliveries.
	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_webhook_events_total",
		Help: "Payment webhook deliveries by disposition.",
	}, []string{"type", "disposition"})

	// RetrievalLatency observes end-to-end retrieval latency.
	RetrievalLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "retrieval_duration_seconds",
		Help:    "End-to-end hybrid retrieval latency.",
		Buckets: prometheus.DefBuckets,
	})
)

// Handler returns the Prometheus exposition handler for GET /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
