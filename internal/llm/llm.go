// Package llm provides blocking and streaming text generation against an
// OpenAI-compatible chat-completions endpoint.
package llm

import (
	"context"
	"errors"
)

// Sentinel errors map onto the HTTP error taxonomy at the server layer:
// ErrTimeout → 504, ErrUnavailable → 503, ErrResponseInvalid → 502,
// ErrRateLimited and ErrSaturated → 429.
var (
	ErrTimeout         = errors.New("llm: generation timed out")
	ErrUnavailable     = errors.New("llm: backend unavailable")
	ErrResponseInvalid = errors.New("llm: malformed backend response")
	ErrRateLimited     = errors.New("llm: backend rate limited")
	ErrSaturated       = errors.New("llm: generation capacity saturated")
)

// Message is one turn of a chat prompt.
type Message struct {
	Role    string `json:"role"` // "system", "user", or "assistant"
	Content string `json:"content"`
}

// Params tune a single generation.
type Params struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Stop        []string
}

// Result is a completed blocking generation.
type Result struct {
	Text         string
	TokensUsed   int    // reported by the backend, or estimated from text length
	FinishReason string // "stop", "length", or backend-specific
}

// FinishState classifies how a stream ended.
type FinishState string

const (
	FinishNormal    FinishState = "normal"
	FinishTimeout   FinishState = "timeout"
	FinishCancelled FinishState = "cancelled"
)

// StreamChunk is one delta from a streaming generation. Exactly one chunk
// has Done set; it is the last value on the channel and carries the finish
// state and token usage for the delivered text.
type StreamChunk struct {
	Delta      string
	Done       bool
	Finish     FinishState
	TokensUsed int
}

// Client generates text. Implementations must be safe for concurrent use.
type Client interface {
	// Generate runs a blocking generation.
	Generate(ctx context.Context, msgs []Message, p Params) (Result, error)

	// GenerateStream starts a streaming generation. Chunks arrive on the
	// first channel; a terminal error, if any, on the second. Both close
	// when the stream ends. Cancelling ctx aborts the upstream request.
	GenerateStream(ctx context.Context, msgs []Message, p Params) (<-chan StreamChunk, <-chan error)
}

// EstimateTokens approximates the token count of text when the backend
// reports no usage. One token per four characters is a reasonable bound for
// English prose.
func EstimateTokens(text string, charsPerToken int) int {
	if charsPerToken <= 0 {
		charsPerToken = 4
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}
