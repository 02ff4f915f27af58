// Package pipeline composes retrieval, prompt construction, generation,
// persistence, and metering into the end-to-end query flow.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/arete-ai/arete/internal/billing"
	"github.com/arete-ai/arete/internal/chat"
	"github.com/arete-ai/arete/internal/llm"
	"github.com/arete-ai/arete/internal/model"
	"github.com/arete-ai/arete/internal/retrieval"
)

// ErrDeadlineExhausted means the request arrived with no time left on its
// deadline; nothing downstream was attempted.
var ErrDeadlineExhausted = errors.New("pipeline: request deadline exhausted")

// AccessError carries a denial out of the guard stage. The server layer
// renders it from the embedded decision.
type AccessError struct {
	Decision billing.Decision
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("pipeline: access denied: %s", e.Decision.Reason)
}

// Guard is the enforcement surface. *billing.Enforcer satisfies it.
type Guard interface {
	CheckAccess(ctx context.Context, p model.Principal, pol billing.EndpointPolicy) billing.Decision
	TrackUsage(ctx context.Context, p model.Principal, pol billing.EndpointPolicy, tokens int, duration time.Duration)
}

// History is the conversation surface the pipeline reads and writes.
// *chat.Service satisfies it.
type History interface {
	Append(ctx context.Context, p chat.AppendParams) (model.Message, error)
	Tail(ctx context.Context, sessionID string, n int) ([]model.Message, error)
}

// Config tunes prompt construction and generation.
type Config struct {
	Model         string
	Temperature   float64
	MaxTokens     int
	CharsPerToken int

	// HistoryTail is how many prior turns the prompt includes when the
	// request names a session.
	HistoryTail int

	// PersistTimeout bounds the post-response persistence and metering
	// work, which runs detached from the request context.
	PersistTimeout time.Duration
}

const (
	defaultHistoryTail    = 6
	defaultPersistTimeout = 10 * time.Second

	systemPreamble = `You are Arete, a research assistant for classical philosophy. Answer using only the numbered passages provided. Cite passages by their number, e.g. [2]. If the passages do not answer the question, say so plainly.`
)

// QueryPolicy gates POST /v1/query. Generation consumes tokens, so the
// endpoint is billable and fails closed when enforcement lookups fail.
var QueryPolicy = billing.EndpointPolicy{
	Name:     "/v1/query",
	Method:   "POST",
	Billable: true,
}

// Pipeline is the per-request orchestrator.
type Pipeline struct {
	retriever chat.Retriever
	generator llm.Client
	history   History
	guard     Guard
	logger    *slog.Logger
	cfg       Config
}

// New builds a Pipeline. history may be nil when chat persistence is
// disabled; sessionless queries then still work.
func New(retriever chat.Retriever, generator llm.Client, history History, guard Guard, cfg Config, logger *slog.Logger) *Pipeline {
	if cfg.HistoryTail <= 0 {
		cfg.HistoryTail = defaultHistoryTail
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaultPersistTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		retriever: retriever,
		generator: generator,
		history:   history,
		guard:     guard,
		logger:    logger,
		cfg:       cfg,
	}
}

// prepared is the output of the stages shared by blocking and streaming:
// guard, retrieval, and prompt construction. The allow decision rides along
// so the server layer can surface rate-limit state on success responses.
type prepared struct {
	msgs     []llm.Message
	sources  []model.Ranked
	metadata model.QueryMetadata
	decision billing.Decision
	prompt   int // estimated prompt tokens
}

func (p *Pipeline) prepare(ctx context.Context, principal model.Principal, req model.QueryRequest) (prepared, error) {
	if d, ok := ctx.Deadline(); ok && time.Until(d) <= 0 {
		return prepared{}, ErrDeadlineExhausted
	}

	dec := p.guard.CheckAccess(ctx, principal, QueryPolicy)
	if !dec.Allowed {
		return prepared{}, &AccessError{Decision: dec}
	}

	var alpha float64
	if req.FusionWeight != nil {
		alpha = *req.FusionWeight
	}
	res, err := p.retriever.Retrieve(ctx, req.Query, retrieval.Options{
		Collections: []string{req.Collection},
		TopK:        req.TopK,
		Expansion:   req.Expansion,
		Alpha:       alpha,
		ScoreFloor:  req.ScoreFloor,
	})
	if err != nil {
		return prepared{}, err
	}

	var tail []model.Message
	if req.SessionID != "" && p.history != nil {
		tail, err = p.history.Tail(ctx, req.SessionID, p.cfg.HistoryTail)
		if err != nil {
			// History is an enrichment; the query can answer without it.
			p.logger.Warn("history tail unavailable", "session_id", req.SessionID, "error", err)
			tail = nil
		}
	}

	msgs := composePrompt(req.Query, res.Passages, tail)
	var promptText strings.Builder
	for _, m := range msgs {
		promptText.WriteString(m.Content)
	}

	return prepared{
		msgs:    msgs,
		sources: res.Passages,
		metadata: model.QueryMetadata{
			Cached:         res.Cached,
			ModalitiesUsed: res.ModalitiesUsed,
			LatencyMs:      res.LatencyMs,
			Degraded:       res.Degraded,
		},
		decision: dec,
		prompt:   llm.EstimateTokens(promptText.String(), p.cfg.CharsPerToken),
	}, nil
}

// Query runs the blocking path and returns the complete answer along with
// the guard decision that admitted the request.
func (p *Pipeline) Query(ctx context.Context, principal model.Principal, req model.QueryRequest) (model.QueryResponse, billing.Decision, error) {
	start := time.Now()
	prep, err := p.prepare(ctx, principal, req)
	if err != nil {
		return model.QueryResponse{}, billing.Decision{}, err
	}

	result, err := p.generator.Generate(ctx, prep.msgs, p.params())
	if err != nil {
		// Failed generations still persist the user turn and a
		// zero-token usage record.
		p.finish(principal, req, "", 0, time.Since(start))
		return model.QueryResponse{}, prep.decision, err
	}

	p.finish(principal, req, result.Text, prep.prompt+result.TokensUsed, time.Since(start))

	return model.QueryResponse{
		Response: result.Text,
		Sources:  prep.sources,
		Metadata: prep.metadata,
	}, prep.decision, nil
}

// StreamResult is a started streaming generation. Sources and Metadata are
// available immediately; Chunks and Errs follow the llm.Client contract.
// The caller must drain Chunks, even on early exit, or the relay leaks.
type StreamResult struct {
	Sources  []model.Ranked
	Metadata model.QueryMetadata
	Chunks   <-chan llm.StreamChunk
	Errs     <-chan error
}

// QueryStream runs the streaming path. Persistence and metering of the
// assembled assistant turn happen when the stream completes, using the
// text actually delivered.
func (p *Pipeline) QueryStream(ctx context.Context, principal model.Principal, req model.QueryRequest) (StreamResult, billing.Decision, error) {
	start := time.Now()
	prep, err := p.prepare(ctx, principal, req)
	if err != nil {
		return StreamResult{}, billing.Decision{}, err
	}

	inner, innerErrs := p.generator.GenerateStream(ctx, prep.msgs, p.params())

	chunks := make(chan llm.StreamChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		var assembled strings.Builder
		var tokens int
		for c := range inner {
			if c.Done {
				tokens = c.TokensUsed
			} else {
				assembled.WriteString(c.Delta)
			}
			chunks <- c
		}
		if err := <-innerErrs; err != nil {
			// Partial output is discarded; the user turn and a
			// zero-token usage record are still written.
			p.finish(principal, req, "", 0, time.Since(start))
			errs <- err
			return
		}
		if tokens == 0 {
			tokens = llm.EstimateTokens(assembled.String(), p.cfg.CharsPerToken)
		}
		p.finish(principal, req, assembled.String(), prep.prompt+tokens, time.Since(start))
	}()

	return StreamResult{
		Sources:  prep.sources,
		Metadata: prep.metadata,
		Chunks:   chunks,
		Errs:     errs,
	}, prep.decision, nil
}

func (p *Pipeline) params() llm.Params {
	return llm.Params{
		Model:       p.cfg.Model,
		Temperature: p.cfg.Temperature,
		MaxTokens:   p.cfg.MaxTokens,
	}
}

// finish persists the exchanged turns and meters usage. It runs on a fresh
// context so client disconnects cannot lose the records.
func (p *Pipeline) finish(principal model.Principal, req model.QueryRequest, answer string, tokens int, elapsed time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PersistTimeout)
	defer cancel()

	if req.SessionID != "" && p.history != nil {
		owner := ""
		if !principal.Anonymous {
			owner = principal.Username
		}
		hint := req.Collection
		if _, err := p.history.Append(ctx, chat.AppendParams{
			SessionID:      req.SessionID,
			Owner:          owner,
			CollectionHint: hint,
			Role:           model.RoleUser,
			Content:        req.Query,
		}); err != nil {
			p.logger.Error("persist user turn failed", "session_id", req.SessionID, "error", err)
		}
		if answer != "" {
			if _, err := p.history.Append(ctx, chat.AppendParams{
				SessionID:      req.SessionID,
				Owner:          owner,
				CollectionHint: hint,
				Role:           model.RoleAssistant,
				Content:        answer,
			}); err != nil {
				p.logger.Error("persist assistant turn failed", "session_id", req.SessionID, "error", err)
			}
		}
	}

	p.guard.TrackUsage(ctx, principal, QueryPolicy, tokens, elapsed)
}

// composePrompt builds the chat prompt: preamble, numbered passages with
// source refs, recent history, then the question.
func composePrompt(query string, sources []model.Ranked, tail []model.Message) []llm.Message {
	var b strings.Builder
	b.WriteString(systemPreamble)
	if len(sources) > 0 {
		b.WriteString("\n\nPassages:\n")
		for i, s := range sources {
			fmt.Fprintf(&b, "[%d] (%s) %s\n", i+1, s.Passage.SourceRef, s.Passage.Text)
		}
	} else {
		b.WriteString("\n\nNo passages were retrieved for this question.")
	}

	msgs := []llm.Message{{Role: "system", Content: b.String()}}
	for _, m := range tail {
		switch m.Role {
		case model.RoleUser, model.RoleAssistant:
			msgs = append(msgs, llm.Message{Role: string(m.Role), Content: m.Content})
		}
	}
	return append(msgs, llm.Message{Role: "user", Content: query})
}
