package model

import (
	"fmt"
	"regexp"
	"unicode/utf8"
)

// Query input bounds. These protect the embedding pipeline and the LLM
// prompt budget from caller-controlled blowup.
const (
	MaxQueryLen = 500
	MinTopK     = 1
	MaxTopK     = 50
	DefaultTopK = 10
)

var collectionRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{0,63}$`)

// ExpansionMode selects optional LLM-side query expansion before retrieval.
type ExpansionMode string

const (
	ExpansionOff        ExpansionMode = "off"
	ExpansionHyDE       ExpansionMode = "hyde"
	ExpansionMultiQuery ExpansionMode = "multi-query"
)

// ValidExpansion reports whether m is a known expansion mode.
func ValidExpansion(m ExpansionMode) bool {
	switch m {
	case ExpansionOff, ExpansionHyDE, ExpansionMultiQuery:
		return true
	}
	return false
}

// QueryRequest is the request body for POST /v1/query. FusionWeight is the
// dense-modality weight alpha; nil means the 0.5 default.
type QueryRequest struct {
	Query        string        `json:"query"`
	Collection   string        `json:"collection"`
	TopK         int           `json:"top_k,omitempty"`
	Expansion    ExpansionMode `json:"expansion,omitempty"`
	FusionWeight *float64      `json:"fusion_weight,omitempty"`
	ScoreFloor   float64       `json:"score_floor,omitempty"`
	Stream       bool          `json:"stream,omitempty"`
	SessionID    string        `json:"session_id,omitempty"`
}

// Validate checks bounds and normalizes defaults in place.
func (q *QueryRequest) Validate() error {
	if err := ValidateQueryText(q.Query); err != nil {
		return err
	}
	if err := ValidateCollectionName(q.Collection); err != nil {
		return err
	}
	if q.TopK == 0 {
		q.TopK = DefaultTopK
	}
	if q.TopK < MinTopK || q.TopK > MaxTopK {
		return fmt.Errorf("top_k must be in [%d,%d] (got %d)", MinTopK, MaxTopK, q.TopK)
	}
	if q.Expansion == "" {
		q.Expansion = ExpansionOff
	}
	if !ValidExpansion(q.Expansion) {
		return fmt.Errorf("unknown expansion mode %q", q.Expansion)
	}
	if q.FusionWeight != nil && (*q.FusionWeight < 0 || *q.FusionWeight > 1) {
		return fmt.Errorf("fusion_weight must be in [0,1] (got %g)", *q.FusionWeight)
	}
	if q.ScoreFloor < 0 || q.ScoreFloor > 1 {
		return fmt.Errorf("score_floor must be in [0,1] (got %g)", q.ScoreFloor)
	}
	return nil
}

// ValidateQueryText enforces the 1..500 character bound.
func ValidateQueryText(s string) error {
	n := utf8.RuneCountInString(s)
	if n == 0 {
		return fmt.Errorf("query must not be empty")
	}
	if n > MaxQueryLen {
		return fmt.Errorf("query exceeds maximum length of %d characters", MaxQueryLen)
	}
	return nil
}

// ValidateCollectionName enforces the collection naming rule.
func ValidateCollectionName(s string) error {
	if !collectionRe.MatchString(s) {
		return fmt.Errorf("collection must match %s", collectionRe.String())
	}
	return nil
}

// Passage is one indexed chunk of corpus text.
type Passage struct {
	ID         string         `json:"id"`
	Text       string         `json:"text"`
	SourceRef  string         `json:"source_ref"`
	Collection string         `json:"collection"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Ranked is a passage with its fused retrieval score.
type Ranked struct {
	Passage Passage `json:"passage"`
	Score   float32 `json:"score"`
}

// QueryResponse is the blocking response body for POST /v1/query.
type QueryResponse struct {
	Response string        `json:"response"`
	Sources  []Ranked      `json:"sources"`
	Metadata QueryMetadata `json:"metadata"`
}

// QueryMetadata reports how the retrieval half of the pipeline behaved.
type QueryMetadata struct {
	Cached         bool     `json:"cached"`
	ModalitiesUsed []string `json:"modalities_used"`
	LatencyMs      int64    `json:"latency_ms"`
	Degraded       bool     `json:"degraded,omitempty"`
}
