package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/onnwee/vidcredit/internal/ledger"
	"github.com/onnwee/vidcredit/internal/middleware"
)

// GenerationSubmitter creates and reads generations.
type GenerationSubmitter interface {
	Submit(ctx context.Context, accountID string, credits int64) (*ledger.Generation, error)
	Get(ctx context.Context, generationID string) (*ledger.Generation, error)
}

// GenerationHandlers serves the account-facing generation endpoints.
type GenerationHandlers struct {
	generations GenerationSubmitter
	logger      *slog.Logger
}

// NewGenerationHandlers creates a new GenerationHandlers instance.
func NewGenerationHandlers(generations GenerationSubmitter, logger *slog.Logger) *GenerationHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &GenerationHandlers{generations: generations, logger: logger}
}

// SubmitGenerationRequest is the body of POST /generations.
type SubmitGenerationRequest struct {
	AccountID string `json:"account_id"`
	Credits   int64  `json:"credits"`
}

// Submit reserves credits and dispatches a new generation.
// POST /generations
func (h *GenerationHandlers) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitGenerationRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if req.AccountID == "" {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "account_id is required")
		return
	}
	if req.Credits <= 0 {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "credits must be positive")
		return
	}

	g, err := h.generations.Submit(r.Context(), req.AccountID, req.Credits)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, g)
}

// Get returns a generation.
// GET /generations/{id}
func (h *GenerationHandlers) Get(w http.ResponseWriter, r *http.Request) {
	g, err := h.generations.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, g)
}
