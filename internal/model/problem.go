package model

// Problem is an RFC 7807 Problem Details error body. Every error response
// carries the request id; Detail is actionable text and never includes
// internal identifiers beyond the request id.
type Problem struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Instance  string `json:"instance,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Problem type URIs. Stable contract: clients switch on these, not on
// Detail text.
const (
	ProblemBadInput             = "https://arete.dev/problems/bad-input"
	ProblemUnauthorized         = "https://arete.dev/problems/unauthorized"
	ProblemForbidden            = "https://arete.dev/problems/forbidden"
	ProblemTierInsufficient     = "https://arete.dev/problems/tier-insufficient"
	ProblemSubscriptionInactive = "https://arete.dev/problems/subscription-inactive"
	ProblemQuotaExceeded        = "https://arete.dev/problems/quota-exceeded"
	ProblemNotFound             = "https://arete.dev/problems/not-found"
	ProblemLLMTimeout           = "https://arete.dev/problems/llm-timeout"
	ProblemUpstreamUnavailable  = "https://arete.dev/problems/upstream-unavailable"
	ProblemUpstreamInvalid      = "https://arete.dev/problems/upstream-invalid"
	ProblemServiceUnavailable   = "https://arete.dev/problems/service-unavailable"
	ProblemInternal             = "https://arete.dev/problems/internal"
)

// CollectionPage is the success envelope for collection-valued responses.
type CollectionPage[T any] struct {
	Data       []T     `json:"data"`
	NextCursor *string `json:"next_cursor"`
	HasMore    bool    `json:"has_more"`
}
