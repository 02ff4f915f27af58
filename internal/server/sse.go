package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/arete-ai/arete/internal/llm"
	"github.com/arete-ai/arete/internal/model"
	"github.com/arete-ai/arete/internal/pipeline"
	"github.com/arete-ai/arete/internal/ratelimit"
)

// heartbeatInterval bounds how long a dead client can hold a stream open.
const heartbeatInterval = 5 * time.Second

// sseFrame is one streamed event body.
type sseFrame struct {
	Chunk    string               `json:"chunk,omitempty"`
	Sources  []model.Ranked       `json:"sources,omitempty"`
	Metadata *model.QueryMetadata `json:"metadata,omitempty"`
	Error    *model.Problem       `json:"error,omitempty"`
	Done     bool                 `json:"done,omitempty"`
	Finish   string               `json:"finish,omitempty"`
}

// streamQuery runs the streaming query path over Server-Sent Events.
// The first frame carries sources and retrieval metadata, deltas follow,
// and exactly one final frame has done=true.
func (h *Handlers) streamQuery(w http.ResponseWriter, r *http.Request, principal model.Principal, req model.QueryRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, r, http.StatusInternalServerError, model.ProblemInternal,
			"Internal Server Error", "streaming is not supported by this connection")
		return
	}

	res, dec, err := h.pipeline.QueryStream(r.Context(), principal, req)
	if err != nil {
		// Nothing has been written yet; fail as a normal HTTP error.
		writeDomainError(w, r, err)
		return
	}

	ratelimit.SetHeaders(w, dec.RateLimit)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeFrame(w, flusher, sseFrame{Sources: res.Sources, Metadata: &res.Metadata})

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case c, open := <-res.Chunks:
			if !open {
				// Channel closed: either a terminal error follows or the
				// Done chunk already went out.
				if err := <-res.Errs; err != nil {
					writeFrame(w, flusher, sseFrame{Error: streamProblem(r, err), Done: true})
				}
				return
			}
			if c.Done {
				writeFrame(w, flusher, sseFrame{Done: true, Finish: string(c.Finish)})
				continue
			}
			writeFrame(w, flusher, sseFrame{Chunk: c.Delta})
		case <-heartbeat.C:
			// SSE comment; keeps intermediaries from timing out the
			// stream and surfaces dead connections to the writer.
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case <-r.Context().Done():
			// Client went away; drain the relay so persistence of the
			// partial answer still runs.
			go func() {
				for range res.Chunks {
				}
				<-res.Errs
			}()
			return
		}
	}
}

func writeFrame(w http.ResponseWriter, flusher http.Flusher, f sseFrame) {
	payload, err := json.Marshal(f)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(payload)
	_, _ = w.Write([]byte("\n\n"))
	flusher.Flush()
}

// streamProblem maps a mid-stream error to a problem body. The status
// line is already 200; the problem rides inside the final frame.
func streamProblem(r *http.Request, err error) *model.Problem {
	p := &model.Problem{
		Type:      model.ProblemUpstreamUnavailable,
		Title:     "Stream Failed",
		Status:    http.StatusServiceUnavailable,
		RequestID: RequestIDFromContext(r.Context()),
	}
	switch {
	case err == nil:
		return nil
	case isTimeout(err):
		p.Type = model.ProblemLLMTimeout
		p.Status = http.StatusGatewayTimeout
		p.Detail = "generation timed out"
	default:
		p.Detail = "generation failed"
	}
	return p
}

func isTimeout(err error) bool {
	return errors.Is(err, llm.ErrTimeout) || errors.Is(err, pipeline.ErrDeadlineExhausted)
}
