package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/onnwee/vidcredit/internal/ledger"
	"github.com/onnwee/vidcredit/internal/middleware"
	"github.com/onnwee/vidcredit/internal/purchase"
)

// CheckoutCreator opens checkouts and reads purchases.
type CheckoutCreator interface {
	CreateCheckout(ctx context.Context, accountID, packageID string) (*purchase.Checkout, error)
	Get(ctx context.Context, purchaseID string) (*ledger.Purchase, error)
}

// PurchaseHandlers serves checkout and purchase reads.
type PurchaseHandlers struct {
	purchases CheckoutCreator
	logger    *slog.Logger
}

// NewPurchaseHandlers creates a new PurchaseHandlers instance.
func NewPurchaseHandlers(purchases CheckoutCreator, logger *slog.Logger) *PurchaseHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &PurchaseHandlers{purchases: purchases, logger: logger}
}

// CheckoutRequest is the body of POST /checkout.
type CheckoutRequest struct {
	AccountID string `json:"account_id"`
	PackageID string `json:"package_id"`
}

// Checkout records a pending purchase and returns the hosted checkout URL.
// Credits are granted later, by the provider's approval notification.
// POST /checkout
func (h *PurchaseHandlers) Checkout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if req.AccountID == "" || req.PackageID == "" {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "account_id and package_id are required")
		return
	}

	checkout, err := h.purchases.CreateCheckout(r.Context(), req.AccountID, req.PackageID)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, checkout)
}

// Get returns a purchase.
// GET /purchases/{id}
func (h *PurchaseHandlers) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.purchases.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, p)
}
