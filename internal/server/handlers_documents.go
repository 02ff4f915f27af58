package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/arete-ai/arete/internal/billing"
	"github.com/arete-ai/arete/internal/documents"
	"github.com/arete-ai/arete/internal/model"
)

// documentUploadPolicy gates uploads to paying tiers. Character-derived
// token estimates from the receipt feed usage accounting.
var documentUploadPolicy = billing.EndpointPolicy{
	Name:     "/v1/documents",
	Method:   "POST",
	MinTier:  model.TierBasic,
	Billable: true,
}

// uploadCharsPerToken mirrors the LLM-side estimate so document characters and
// generated text meter on the same scale.
const uploadCharsPerToken = 4

// HandleUploadDocument handles POST /v1/documents. The upload is a
// multipart form with a single "file" part.
func (h *Handlers) HandleUploadDocument(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	principal := PrincipalFromContext(r.Context())
	if principal.Anonymous {
		writeProblem(w, r, http.StatusUnauthorized, model.ProblemUnauthorized,
			"Unauthorized", "document upload requires authentication")
		return
	}
	if h.ingester == nil {
		writeProblem(w, r, http.StatusNotFound, model.ProblemNotFound,
			"Not Found", "document upload is not enabled")
		return
	}

	decision, ok := h.guard(w, r, documentUploadPolicy)
	if !ok {
		return
	}

	// Uploads get their own cap; document files dwarf JSON bodies.
	limit := h.maxUpload
	if limit <= 0 {
		limit = h.maxBody
	}
	if limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, model.ProblemBadInput,
			"Bad Request", `multipart form must carry a "file" part`)
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeProblem(w, r, http.StatusRequestEntityTooLarge, model.ProblemBadInput,
				"Payload Too Large", "the uploaded file exceeds the size limit")
			return
		}
		writeProblem(w, r, http.StatusBadRequest, model.ProblemBadInput,
			"Bad Request", "could not read the uploaded file")
		return
	}

	receipt, err := h.ingester.Ingest(r.Context(), principal.Username, header.Filename, content)
	if err != nil {
		switch {
		case errors.Is(err, documents.ErrEmptyDocument):
			writeProblem(w, r, http.StatusBadRequest, model.ProblemBadInput,
				"Bad Request", "the uploaded file contains no extractable text")
		case errors.Is(err, documents.ErrTooManyChunks):
			writeProblem(w, r, http.StatusRequestEntityTooLarge, model.ProblemBadInput,
				"Payload Too Large", "the uploaded file produces too many chunks")
		default:
			writeDomainError(w, r, err)
		}
		return
	}

	// Metering uses extracted characters, never the raw upload size.
	tokens := (receipt.Characters + uploadCharsPerToken - 1) / uploadCharsPerToken
	h.enforcer.TrackUsage(r.Context(), withTier(principal, decision.Tier),
		documentUploadPolicy, tokens, time.Since(start))

	writeJSON(w, http.StatusCreated, receipt)
}
