package api

import (
	"context"
	"log/slog"
	"net/http"
	"slices"

	"github.com/onnwee/vidcredit/internal/ledger"
)

// AccountReader reads balances and transaction history.
type AccountReader interface {
	Balance(ctx context.Context, accountID string) (int64, error)
	Transactions(ctx context.Context, accountID string) ([]ledger.Transaction, error)
}

// AccountHandlers serves account reads.
type AccountHandlers struct {
	accounts AccountReader
	logger   *slog.Logger
}

// NewAccountHandlers creates a new AccountHandlers instance.
func NewAccountHandlers(accounts AccountReader, logger *slog.Logger) *AccountHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccountHandlers{accounts: accounts, logger: logger}
}

// BalanceResponse is the body of GET /accounts/{id}/balance.
type BalanceResponse struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
}

// Balance returns the stored balance. An unknown account is 404, a storage
// failure 503; the two are never conflated.
// GET /accounts/{id}/balance
func (h *AccountHandlers) Balance(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("id")
	balance, err := h.accounts.Balance(r.Context(), accountID)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, BalanceResponse{AccountID: accountID, Balance: balance})
}

// TransactionsResponse is the body of GET /accounts/{id}/transactions.
type TransactionsResponse struct {
	AccountID    string               `json:"account_id"`
	Transactions []ledger.Transaction `json:"transactions"`
}

// Transactions lists the account's ledger entries, newest first.
// GET /accounts/{id}/transactions
func (h *AccountHandlers) Transactions(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("id")
	txns, err := h.accounts.Transactions(r.Context(), accountID)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if txns == nil {
		txns = []ledger.Transaction{}
	}
	slices.Reverse(txns)
	writeJSON(w, r, http.StatusOK, TransactionsResponse{AccountID: accountID, Transactions: txns})
}
