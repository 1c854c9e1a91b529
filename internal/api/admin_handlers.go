package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/onnwee/vidcredit/internal/audit"
	"github.com/onnwee/vidcredit/internal/generation"
	"github.com/onnwee/vidcredit/internal/ledger"
	"github.com/onnwee/vidcredit/internal/middleware"
	"github.com/onnwee/vidcredit/internal/reconcile"
)

// operatorRefundReason is stored on generations an operator refunds.
const operatorRefundReason = "refunded by operator"

// GenerationOperator is the slice of the generation service operators use.
type GenerationOperator interface {
	Get(ctx context.Context, generationID string) (*ledger.Generation, error)
	Start(ctx context.Context, generationID string, credits int64) (*ledger.Generation, error)
	Fail(ctx context.Context, generationID, reason string) (*generation.FailResult, error)
	Retry(ctx context.Context, generationID string) (*ledger.Generation, error)
}

// ReconcileRunner triggers an immediate reconciliation run.
type ReconcileRunner interface {
	RunNow(ctx context.Context) (*reconcile.Report, error)
}

// ReviewLister lists the manual review queue.
type ReviewLister interface {
	ReviewItems(ctx context.Context) ([]ledger.ReviewItem, error)
}

// AdminHandlersConfig configures AdminHandlers.
type AdminHandlersConfig struct {
	Generations GenerationOperator
	Reconciler  ReconcileRunner
	Review      ReviewLister
	Audit       audit.Repository
	Logger      *slog.Logger
}

// AdminHandlers serves operator endpoints. Every mutating action is written
// to the audit log.
type AdminHandlers struct {
	config AdminHandlersConfig
}

// NewAdminHandlers creates a new AdminHandlers instance.
func NewAdminHandlers(config AdminHandlersConfig) *AdminHandlers {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &AdminHandlers{config: config}
}

// RefundResponse is the body of a successful refund.
type RefundResponse struct {
	Success    bool           `json:"success"`
	NewBalance int64          `json:"new_balance"`
	Outcome    ledger.Outcome `json:"outcome"`
}

// Refund fails a pending or processing generation and returns its
// reservation. Repeating the call on a failed generation is a no-op that
// reports already_refunded. Completed generations are a conflict.
// POST /admin/generations/{id}/refund
func (h *AdminHandlers) Refund(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res, err := h.config.Generations.Fail(r.Context(), id, operatorRefundReason)
	if err != nil {
		h.record(r, audit.EntityGeneration, id, audit.ActionRefundGeneration, audit.OutcomeFailure)
		writeDomainError(w, r, h.config.Logger, err)
		return
	}
	h.record(r, audit.EntityGeneration, id, audit.ActionRefundGeneration, audit.OutcomeSuccess)
	writeJSON(w, r, http.StatusOK, RefundResponse{
		Success:    true,
		NewBalance: res.Refund.Balance,
		Outcome:    res.Refund.Outcome,
	})
}

// RetryRequest is the optional body of a retry. With Resubmit set the reset
// generation is started again, reserving Credits (default: the amount
// reserved before the reset).
type RetryRequest struct {
	Resubmit bool  `json:"resubmit"`
	Credits  int64 `json:"credits"`
}

// Retry resets a failed or processing generation to pending.
// POST /admin/generations/{id}/retry
func (h *AdminHandlers) Retry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req RetryRequest
	if !decodeJSON(w, r, &req, true) {
		return
	}
	if req.Credits < 0 {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "credits must not be negative")
		return
	}

	credits := req.Credits
	if req.Resubmit && credits == 0 {
		before, err := h.config.Generations.Get(r.Context(), id)
		if err != nil {
			writeDomainError(w, r, h.config.Logger, err)
			return
		}
		credits = before.CreditsReserved
	}

	g, err := h.config.Generations.Retry(r.Context(), id)
	if err == nil && req.Resubmit {
		g, err = h.config.Generations.Start(r.Context(), id, credits)
	}
	if err != nil {
		h.record(r, audit.EntityGeneration, id, audit.ActionRetryGeneration, audit.OutcomeFailure)
		writeDomainError(w, r, h.config.Logger, err)
		return
	}
	h.record(r, audit.EntityGeneration, id, audit.ActionRetryGeneration, audit.OutcomeSuccess)
	writeJSON(w, r, http.StatusOK, g)
}

// Reconcile runs reconciliation immediately and returns its report. Phase
// failures are listed in the report; the response is an error only when
// no report was produced.
// POST /admin/reconcile
func (h *AdminHandlers) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.config.Reconciler.RunNow(r.Context())
	outcome := audit.OutcomeSuccess
	if err != nil {
		outcome = audit.OutcomeFailure
	}
	h.record(r, audit.EntityReconciliation, "manual", audit.ActionRunReconciliation, outcome)
	if report == nil {
		if err == nil {
			err = errors.New("reconciliation produced no report")
		}
		writeDomainError(w, r, h.config.Logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}

// ReviewResponse is the body of GET /admin/review.
type ReviewResponse struct {
	Items []ledger.ReviewItem `json:"items"`
}

// Review lists discrepancies awaiting manual review.
// GET /admin/review
func (h *AdminHandlers) Review(w http.ResponseWriter, r *http.Request) {
	items, err := h.config.Review.ReviewItems(r.Context())
	if err != nil {
		writeDomainError(w, r, h.config.Logger, err)
		return
	}
	if items == nil {
		items = []ledger.ReviewItem{}
	}
	writeJSON(w, r, http.StatusOK, ReviewResponse{Items: items})
}

// AuditExport exports audit records by actor or by entity.
// GET /admin/audit?actor=...|entity_type=...&entity_id=...[&format=json|csv][&from=RFC3339][&to=RFC3339][&limit=n]
func (h *AdminHandlers) AuditExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := audit.ExportOptions{
		Format:     audit.ExportFormat(q.Get("format")),
		ActorID:    q.Get("actor"),
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
	}
	if opts.Format == "" {
		opts.Format = audit.ExportFormatJSON
	}

	badRequest := func(msg string) {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, msg)
	}
	if opts.Format != audit.ExportFormatJSON && opts.Format != audit.ExportFormatCSV {
		badRequest("format must be json or csv")
		return
	}
	for name, dst := range map[string]*time.Time{"from": &opts.From, "to": &opts.To} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				badRequest(name + " must be an RFC 3339 timestamp")
				return
			}
			*dst = t
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest("limit must be a non-negative integer")
			return
		}
		opts.Limit = n
	}

	data, err := audit.ExportLogs(r.Context(), h.config.Audit, opts)
	if errors.Is(err, audit.ErrExportFilter) {
		badRequest(err.Error())
		return
	}
	if err != nil {
		h.config.Logger.ErrorContext(r.Context(), "audit export failed", "error", err)
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
		return
	}

	contentType := "application/json"
	if opts.Format == audit.ExportFormatCSV {
		contentType = "text/csv"
		w.Header().Set("Content-Disposition", `attachment; filename="audit.csv"`)
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.config.Logger.ErrorContext(r.Context(), "failed to write audit export", "error", err)
	}
}

// record appends an audit entry. The action has already taken effect, so a
// failure is logged and not returned to the caller.
func (h *AdminHandlers) record(r *http.Request, entityType, entityID, action, outcome string) {
	if h.config.Audit == nil {
		return
	}
	if _, err := audit.RecordFromRequest(r, h.config.Audit, entityType, entityID, action, outcome); err != nil {
		h.config.Logger.ErrorContext(r.Context(), "failed to record audit entry",
			"action", action,
			"entity_id", entityID,
			"error", err)
	}
}
