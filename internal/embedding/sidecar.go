package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"
)

// SidecarProvider calls a text-embeddings-inference style sidecar that
// serves both a dense model and a SPLADE-style sparse model.
//
// The sidecar exposes POST /embed (dense) and POST /embed_sparse (sparse),
// both accepting {"inputs": [...]} and returning one result per input.
type SidecarProvider struct {
	baseURL    string
	model      string
	httpClient *http.Client
	dimensions int
	retries    int
	timeout    time.Duration
	logger     *slog.Logger
}

// SidecarOption configures a SidecarProvider.
type SidecarOption func(*SidecarProvider)

// WithRetries sets how many times a transient failure is retried.
// The total timeout budget is split evenly across attempts.
func WithRetries(n int) SidecarOption {
	return func(p *SidecarProvider) {
		if n >= 0 {
			p.retries = n
		}
	}
}

// WithTimeout sets the total timeout budget across all attempts.
func WithTimeout(d time.Duration) SidecarOption {
	return func(p *SidecarProvider) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithLogger sets the provider's logger.
func WithLogger(l *slog.Logger) SidecarOption {
	return func(p *SidecarProvider) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewSidecarProvider creates a provider that calls the embedding sidecar.
// Dimensions must match the dense model's native output size.
func NewSidecarProvider(baseURL, model string, dimensions int, opts ...SidecarOption) *SidecarProvider {
	p := &SidecarProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{},
		dimensions: dimensions,
		retries:    2,
		timeout:    10 * time.Second,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Dimensions returns the dense model's native vector size.
func (p *SidecarProvider) Dimensions() int { return p.dimensions }

// Warmup issues a throwaway embed so the sidecar loads model weights before
// the first user request. Failures are logged and swallowed; the sidecar may
// simply not be up yet.
func (p *SidecarProvider) Warmup(ctx context.Context) {
	if _, err := p.DenseEmbed(ctx, "warmup"); err != nil {
		p.logger.Warn("embedding warmup failed, first request will be slow",
			slog.String("error", err.Error()))
	}
}

type sidecarRequest struct {
	Inputs []string `json:"inputs"`
	Model  string   `json:"model,omitempty"`
}

type sidecarSparseEntry struct {
	Index uint32  `json:"index"`
	Value float32 `json:"value"`
}

// DenseEmbed generates a single dense embedding.
func (p *SidecarProvider) DenseEmbed(ctx context.Context, text string) (pgvector.Vector, error) {
	vecs, err := p.DenseEmbedBatch(ctx, []string{text})
	if err != nil {
		return pgvector.Vector{}, err
	}
	return vecs[0], nil
}

// DenseEmbedBatch generates dense embeddings for multiple texts in a single
// sidecar call, returned in input order.
func (p *SidecarProvider) DenseEmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var raw [][]float32
	if err := p.post(ctx, "/embed", sidecarRequest{Inputs: texts, Model: p.model}, &raw); err != nil {
		return nil, err
	}
	if len(raw) != len(texts) {
		return nil, fmt.Errorf("embedding: sidecar returned %d vectors for %d inputs", len(raw), len(texts))
	}

	vecs := make([]pgvector.Vector, len(raw))
	for i, v := range raw {
		if len(v) != p.dimensions {
			return nil, fmt.Errorf("embedding: sidecar returned %d dimensions, expected %d", len(v), p.dimensions)
		}
		vecs[i] = pgvector.NewVector(v)
	}
	return vecs, nil
}

// SparseEmbed generates a learned sparse vector for a single text.
func (p *SidecarProvider) SparseEmbed(ctx context.Context, text string) (SparseVector, error) {
	var raw [][]sidecarSparseEntry
	if err := p.post(ctx, "/embed_sparse", sidecarRequest{Inputs: []string{text}}, &raw); err != nil {
		return SparseVector{}, err
	}
	if len(raw) != 1 {
		return SparseVector{}, fmt.Errorf("embedding: sidecar returned %d sparse vectors for 1 input", len(raw))
	}

	sv := SparseVector{
		Indices: make([]uint32, 0, len(raw[0])),
		Values:  make([]float32, 0, len(raw[0])),
	}
	for _, e := range raw[0] {
		sv.Indices = append(sv.Indices, e.Index)
		sv.Values = append(sv.Values, e.Value)
	}
	if err := sv.Validate(); err != nil {
		return SparseVector{}, err
	}
	return sv, nil
}

// post sends one request with retry on transient failure. The configured
// timeout is a total budget split evenly across attempts, so a slow first
// attempt cannot starve the retries.
func (p *SidecarProvider) post(ctx context.Context, path string, reqBody any, out any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("embedding: marshal request: %w", err)
	}

	attempts := p.retries + 1
	perAttempt := p.timeout / time.Duration(attempts)

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		}

		attemptCtx, cancel := context.WithTimeout(ctx, perAttempt)
		retryable, err := p.doOnce(attemptCtx, path, payload, out)
		cancel()
		if err == nil {
			return nil
		}
		if !retryable {
			return err
		}
		lastErr = err
		if attempt < attempts-1 {
			p.logger.Debug("embedding attempt failed, retrying",
				slog.String("path", path),
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()))
		}
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

// doOnce performs a single HTTP attempt. The bool return reports whether the
// failure is transient (connection errors, timeouts, 5xx, 429).
func (p *SidecarProvider) doOnce(ctx context.Context, path string, payload []byte, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("embedding: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return true, fmt.Errorf("embedding: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		transient := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return transient, fmt.Errorf("embedding: sidecar status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("embedding: decode response: %w", err)
	}
	return false, nil
}
