package server

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/arete-ai/arete/internal/billing"
	"github.com/arete-ai/arete/internal/chat"
	"github.com/arete-ai/arete/internal/llm"
	"github.com/arete-ai/arete/internal/model"
)

// Endpoint gates for the chat surface.
var (
	chatAppendPolicy = billing.EndpointPolicy{
		Name: "/v1/chat/messages", Method: "POST", Billable: true,
	}
	chatHistoryPolicy = billing.EndpointPolicy{
		Name: "/v1/chat/messages", Method: "GET",
	}
	chatSearchPolicy = billing.EndpointPolicy{
		Name: "/v1/chat/search", Method: "POST",
	}
)

// appendMessageRequest is the POST /v1/chat/messages body.
type appendMessageRequest struct {
	SessionID   string            `json:"session_id"`
	Role        model.MessageRole `json:"role"`
	Content     string            `json:"content"`
	ClientMsgID string            `json:"client_msg_id,omitempty"`
	Collection  string            `json:"collection,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
}

// HandleAppendMessage handles POST /v1/chat/messages. An Idempotency-Key
// header collapses duplicate deliveries: the first request reserves the
// key, retries with the same body replay the stored response, retries
// with a different body are rejected.
func (h *Handlers) HandleAppendMessage(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	principal := PrincipalFromContext(r.Context())

	body, err := readBody(w, r, h.maxBody)
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, model.ProblemBadInput,
			"Bad Request", "could not read request body")
		return
	}
	var req appendMessageRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, model.ProblemBadInput,
			"Bad Request", "request body is not valid JSON for this endpoint")
		return
	}

	decision, ok := h.guard(w, r, chatAppendPolicy)
	if !ok {
		return
	}

	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey != "" {
		sum := sha256.Sum256(body)
		lookup, err := h.db.BeginIdempotency(r.Context(), principal.ID,
			chatAppendPolicy.Name, idemKey, hex.EncodeToString(sum[:]))
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		if lookup.Completed {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(lookup.StatusCode)
			_, _ = w.Write(lookup.ResponseData)
			return
		}
	}

	msg, err := h.chatSvc.Append(r.Context(), chat.AppendParams{
		SessionID:      req.SessionID,
		Owner:          ownerOf(principal),
		CollectionHint: req.Collection,
		Role:           req.Role,
		Content:        req.Content,
		ClientMsgID:    req.ClientMsgID,
		Metadata:       req.Metadata,
	})
	if err != nil {
		if idemKey != "" {
			if cerr := h.db.ClearInProgressIdempotency(r.Context(), principal.ID, chatAppendPolicy.Name, idemKey); cerr != nil {
				h.logger.Warn("idempotency reservation not cleared", "error", cerr)
			}
		}
		writeDomainError(w, r, err)
		return
	}

	if idemKey != "" {
		if err := h.db.CompleteIdempotency(r.Context(), principal.ID,
			chatAppendPolicy.Name, idemKey, http.StatusCreated, msg); err != nil {
			h.logger.Warn("idempotency completion not recorded", "error", err)
		}
	}

	h.enforcer.TrackUsage(r.Context(), withTier(principal, decision.Tier), chatAppendPolicy,
		llm.EstimateTokens(req.Content, 0), time.Since(start))
	writeJSON(w, http.StatusCreated, msg)
}

// HandleHistory handles GET /v1/chat/conversations/{session_id}/messages.
func (h *Handlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.guard(w, r, chatHistoryPolicy); !ok {
		return
	}
	principal := PrincipalFromContext(r.Context())

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeProblem(w, r, http.StatusBadRequest, model.ProblemBadInput,
				"Bad Request", "limit must be a positive integer")
			return
		}
		limit = n
	}

	page, err := h.chatSvc.History(r.Context(),
		r.PathValue("session_id"), ownerOf(principal), r.URL.Query().Get("cursor"), limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	out := model.CollectionPage[model.Message]{
		Data:    page.Messages,
		HasMore: page.HasMore,
	}
	if page.NextCursor != "" {
		out.NextCursor = &page.NextCursor
	}
	writeJSON(w, http.StatusOK, out)
}

// chatSearchRequest is the POST /v1/chat/search body.
type chatSearchRequest struct {
	Query string            `json:"query"`
	Scope model.SearchScope `json:"scope"`
	TopK  int               `json:"top_k,omitempty"`
}

// chatSearchResponse is the POST /v1/chat/search success envelope.
type chatSearchResponse struct {
	Data     []model.RankedMessage `json:"data"`
	Cached   bool                  `json:"cached"`
	Degraded bool                  `json:"degraded,omitempty"`
}

// HandleChatSearch handles POST /v1/chat/search. Session scopes are open
// to any caller holding the session id; owner scopes require the caller
// to be that owner.
func (h *Handlers) HandleChatSearch(w http.ResponseWriter, r *http.Request) {
	var req chatSearchRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, model.ProblemBadInput,
			"Bad Request", "request body is not valid JSON for this endpoint")
		return
	}

	if _, ok := h.guard(w, r, chatSearchPolicy); !ok {
		return
	}
	principal := PrincipalFromContext(r.Context())

	if req.Scope.Owner != "" && req.Scope.Owner != ownerOf(principal) {
		writeProblem(w, r, http.StatusForbidden, model.ProblemForbidden,
			"Forbidden", "owner scope must match the authenticated principal")
		return
	}

	res, err := h.chatSvc.Search(r.Context(), req.Query, req.Scope, req.TopK)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, chatSearchResponse{
		Data: res.Hits, Cached: res.Cached, Degraded: res.Degraded,
	})
}

func ownerOf(p model.Principal) string {
	if p.Anonymous {
		return ""
	}
	return p.Username
}

func withTier(p model.Principal, tier model.Tier) model.Principal {
	if tier != "" {
		p.Tier = tier
	}
	return p
}
