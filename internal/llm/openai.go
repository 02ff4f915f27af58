package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/arete-ai/arete/internal/metrics"
)

// OpenAIClient talks to any OpenAI-compatible /chat/completions endpoint
// (vLLM, llama.cpp server, a hosted gateway).
type OpenAIClient struct {
	baseURL       string
	apiKey        string
	httpClient    *http.Client
	retries       int
	timeout       time.Duration
	charsPerToken int
	logger        *slog.Logger
}

// OpenAIOption configures an OpenAIClient.
type OpenAIOption func(*OpenAIClient)

// WithRetries sets how many times a transient blocking-call failure is
// retried. Streaming calls never retry; a started stream cannot be replayed.
func WithRetries(n int) OpenAIOption {
	return func(c *OpenAIClient) {
		if n >= 0 {
			c.retries = n
		}
	}
}

// WithTimeout sets the total generation budget across all attempts.
func WithTimeout(d time.Duration) OpenAIOption {
	return func(c *OpenAIClient) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithCharsPerToken sets the token estimation divisor used when the backend
// reports no usage.
func WithCharsPerToken(n int) OpenAIOption {
	return func(c *OpenAIClient) {
		if n > 0 {
			c.charsPerToken = n
		}
	}
}

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) OpenAIOption {
	return func(c *OpenAIClient) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewOpenAIClient creates a client for an OpenAI-compatible endpoint.
// baseURL includes the version prefix, e.g. "http://localhost:8000/v1".
func NewOpenAIClient(baseURL, apiKey string, opts ...OpenAIOption) *OpenAIClient {
	c := &OpenAIClient{
		baseURL:       strings.TrimRight(baseURL, "/"),
		apiKey:        apiKey,
		httpClient:    &http.Client{},
		retries:       1,
		timeout:       60 * time.Second,
		charsPerToken: 4,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

type chatStreamEvent struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Generate runs a blocking generation. Transient failures (connection
// errors, 5xx, 429) are retried with the remaining per-attempt budget;
// other 4xx fail fast.
func (c *OpenAIClient) Generate(ctx context.Context, msgs []Message, p Params) (Result, error) {
	payload, err := json.Marshal(chatRequest{
		Model:       p.Model,
		Messages:    msgs,
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
		Stop:        p.Stop,
	})
	if err != nil {
		return Result{}, fmt.Errorf("llm: marshal request: %w", err)
	}

	attempts := c.retries + 1
	perAttempt := c.timeout / time.Duration(attempts)

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if ctx.Err() != nil {
			metrics.LLMRequests.WithLabelValues("blocking", "timeout").Inc()
			return Result{}, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		}

		attemptCtx, cancel := context.WithTimeout(ctx, perAttempt)
		res, retryable, err := c.generateOnce(attemptCtx, payload)
		cancel()
		if err == nil {
			metrics.LLMRequests.WithLabelValues("blocking", "ok").Inc()
			return res, nil
		}
		if !retryable {
			metrics.LLMRequests.WithLabelValues("blocking", "error").Inc()
			return Result{}, err
		}
		lastErr = err
		if attempt < attempts-1 {
			c.logger.Debug("llm attempt failed, retrying",
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()))
		}
	}

	metrics.LLMRequests.WithLabelValues("blocking", "error").Inc()
	if errors.Is(lastErr, ErrTimeout) || errors.Is(lastErr, ErrRateLimited) {
		return Result{}, lastErr
	}
	return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (c *OpenAIClient) generateOnce(ctx context.Context, payload []byte) (Result, bool, error) {
	resp, err := c.post(ctx, payload)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, true, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return Result{}, true, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if retryable, err := classifyStatus(resp); err != nil {
		return Result{}, retryable, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, true, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Result{}, false, fmt.Errorf("%w: %v", ErrResponseInvalid, err)
	}
	if parsed.Error != nil {
		return Result{}, false, fmt.Errorf("%w: %s: %s", ErrResponseInvalid, parsed.Error.Type, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return Result{}, false, fmt.Errorf("%w: no choices in response", ErrResponseInvalid)
	}

	res := Result{
		Text:         parsed.Choices[0].Message.Content,
		FinishReason: parsed.Choices[0].FinishReason,
	}
	if parsed.Usage != nil && parsed.Usage.CompletionTokens > 0 {
		res.TokensUsed = parsed.Usage.CompletionTokens
	} else {
		res.TokensUsed = EstimateTokens(res.Text, c.charsPerToken)
	}
	return res, false, nil
}

// GenerateStream starts a streaming generation. The returned chunk channel
// always ends with a Done chunk carrying the finish state and the token
// count for the text actually delivered; the error channel carries at most
// one terminal error for failures before any tokens flowed.
func (c *OpenAIClient) GenerateStream(ctx context.Context, msgs []Message, p Params) (<-chan StreamChunk, <-chan error) {
	chunks := make(chan StreamChunk, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		payload, err := json.Marshal(chatRequest{
			Model:       p.Model,
			Messages:    msgs,
			Temperature: p.Temperature,
			MaxTokens:   p.MaxTokens,
			Stop:        p.Stop,
			Stream:      true,
		})
		if err != nil {
			errs <- fmt.Errorf("llm: marshal request: %w", err)
			return
		}

		streamCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		resp, err := c.post(streamCtx, payload)
		if err != nil {
			metrics.LLMRequests.WithLabelValues("stream", "error").Inc()
			if errors.Is(err, context.DeadlineExceeded) {
				errs <- fmt.Errorf("%w: %v", ErrTimeout, err)
			} else {
				errs <- fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
			return
		}
		defer func() { _ = resp.Body.Close() }()

		if _, err := classifyStatus(resp); err != nil {
			metrics.LLMRequests.WithLabelValues("stream", "error").Inc()
			errs <- err
			return
		}

		c.consumeStream(streamCtx, resp.Body, chunks)
	}()

	return chunks, errs
}

// consumeStream reads SSE events off the response body and forwards deltas.
// Closing happens in the caller; this only ever sends.
func (c *OpenAIClient) consumeStream(ctx context.Context, body io.Reader, chunks chan<- StreamChunk) {
	var (
		delivered  strings.Builder
		usedTokens int
	)

	finish := func(state FinishState) {
		tokens := usedTokens
		if tokens == 0 {
			tokens = EstimateTokens(delivered.String(), c.charsPerToken)
		}
		outcome := "ok"
		if state != FinishNormal {
			outcome = string(state)
		}
		metrics.LLMRequests.WithLabelValues("stream", outcome).Inc()
		// Terminal chunk is non-blocking only against ctx: the channel is
		// buffered and the consumer drains until close.
		select {
		case chunks <- StreamChunk{Done: true, Finish: state, TokensUsed: tokens}:
		case <-ctx.Done():
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			finish(FinishNormal)
			return
		}

		var ev chatStreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			c.logger.Warn("llm: skipping malformed stream event", slog.String("error", err.Error()))
			continue
		}
		if ev.Usage != nil && ev.Usage.CompletionTokens > 0 {
			usedTokens = ev.Usage.CompletionTokens
		}
		if len(ev.Choices) == 0 {
			continue
		}
		if delta := ev.Choices[0].Delta.Content; delta != "" {
			delivered.WriteString(delta)
			select {
			case chunks <- StreamChunk{Delta: delta}:
			case <-ctx.Done():
				finish(finishStateFor(ctx))
				return
			}
		}
		if ev.Choices[0].FinishReason != nil && *ev.Choices[0].FinishReason != "" {
			finish(FinishNormal)
			return
		}
	}

	// Body ended without [DONE]: a timeout or cancellation tore the
	// connection down mid-stream. Delivered text stays usable.
	finish(finishStateFor(ctx))
}

func finishStateFor(ctx context.Context) FinishState {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return FinishTimeout
	case ctx.Err() != nil:
		return FinishCancelled
	default:
		return FinishNormal
	}
}

func (c *OpenAIClient) post(ctx context.Context, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return c.httpClient.Do(req)
}

// classifyStatus maps a non-200 response onto the error taxonomy.
// The bool reports whether a retry could help.
func classifyStatus(resp *http.Response) (bool, error) {
	switch {
	case resp.StatusCode == http.StatusOK:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return true, ErrRateLimited
	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return true, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, string(body))
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("llm: status %d: %s", resp.StatusCode, string(body))
	}
}
