package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/arete-ai/arete/internal/billing"
	"github.com/arete-ai/arete/internal/chat"
	"github.com/arete-ai/arete/internal/embedding"
	"github.com/arete-ai/arete/internal/llm"
	"github.com/arete-ai/arete/internal/model"
	"github.com/arete-ai/arete/internal/pipeline"
	"github.com/arete-ai/arete/internal/ratelimit"
	"github.com/arete-ai/arete/internal/retrieval"
	"github.com/arete-ai/arete/internal/storage"
)

// writeProblem writes an RFC 7807 problem response.
func writeProblem(w http.ResponseWriter, r *http.Request, status int, typ, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.Problem{
		Type:      typ,
		Title:     title,
		Status:    status,
		Detail:    detail,
		Instance:  r.URL.Path,
		RequestID: RequestIDFromContext(r.Context()),
	})
}

// writeJSON writes a plain JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeDecision renders a denied access decision, including rate-limit
// headers when the denial carries a window.
func writeDecision(w http.ResponseWriter, r *http.Request, d billing.Decision) {
	ratelimit.SetHeaders(w, d.RateLimit)
	typ, title := decisionProblem(d.Reason)
	writeProblem(w, r, d.Status, typ, title, d.Detail)
}

func decisionProblem(reason string) (typ, title string) {
	switch reason {
	case billing.ReasonTierInsufficient:
		return model.ProblemTierInsufficient, "Tier Insufficient"
	case billing.ReasonSubscriptionInactive:
		return model.ProblemSubscriptionInactive, "Subscription Inactive"
	case billing.ReasonQuotaExceeded:
		return model.ProblemQuotaExceeded, "Rate Limit Exceeded"
	case billing.ReasonServiceUnavailable:
		return model.ProblemServiceUnavailable, "Service Unavailable"
	}
	return model.ProblemForbidden, "Forbidden"
}

// writeDomainError maps service-layer errors onto the HTTP taxonomy.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var accessErr *pipeline.AccessError
	if errors.As(err, &accessErr) {
		writeDecision(w, r, accessErr.Decision)
		return
	}

	switch {
	case errors.Is(err, pipeline.ErrDeadlineExhausted), errors.Is(err, llm.ErrTimeout):
		writeProblem(w, r, http.StatusGatewayTimeout, model.ProblemLLMTimeout,
			"Upstream Timeout", "the request did not complete within its deadline")
	case errors.Is(err, llm.ErrRateLimited), errors.Is(err, llm.ErrSaturated):
		w.Header().Set("Retry-After", "5")
		writeProblem(w, r, http.StatusTooManyRequests, model.ProblemQuotaExceeded,
			"Too Many Requests", "generation capacity is saturated, retry shortly")
	case errors.Is(err, llm.ErrResponseInvalid):
		writeProblem(w, r, http.StatusBadGateway, model.ProblemUpstreamInvalid,
			"Bad Gateway", "the language model returned an unusable response")
	case errors.Is(err, llm.ErrUnavailable), errors.Is(err, retrieval.ErrUnavailable),
		errors.Is(err, embedding.ErrUnavailable):
		writeProblem(w, r, http.StatusServiceUnavailable, model.ProblemUpstreamUnavailable,
			"Service Unavailable", "a required upstream dependency is unavailable")
	case errors.Is(err, storage.ErrOwnerMismatch):
		// 403 rather than 404 so resource ids cannot be enumerated.
		writeProblem(w, r, http.StatusForbidden, model.ProblemForbidden,
			"Forbidden", "you do not own this conversation")
	case errors.Is(err, storage.ErrNotFound):
		writeProblem(w, r, http.StatusNotFound, model.ProblemNotFound,
			"Not Found", "the requested resource does not exist")
	case errors.Is(err, chat.ErrInvalidCursor):
		writeProblem(w, r, http.StatusBadRequest, model.ProblemBadInput,
			"Bad Request", "the cursor is not valid")
	case errors.Is(err, chat.ErrInvalidArgument):
		writeProblem(w, r, http.StatusBadRequest, model.ProblemBadInput,
			"Bad Request", err.Error())
	case errors.Is(err, storage.ErrIdempotencyPayloadMismatch):
		writeProblem(w, r, http.StatusUnprocessableEntity, model.ProblemBadInput,
			"Unprocessable Entity", "idempotency key was already used with a different payload")
	case errors.Is(err, storage.ErrIdempotencyInProgress):
		w.Header().Set("Retry-After", "2")
		writeProblem(w, r, http.StatusConflict, model.ProblemBadInput,
			"Conflict", "a request with this idempotency key is still in progress")
	default:
		writeProblem(w, r, http.StatusInternalServerError, model.ProblemInternal,
			"Internal Server Error", "an unexpected error occurred")
	}
}
