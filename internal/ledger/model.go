// Package ledger owns account balances and the append-only transaction
// history behind them. Every balance change goes through one of the ledger
// operations, each of which runs as a single atomic unit against a Store.
package ledger

import "time"

// TransactionKind identifies why a transaction exists.
type TransactionKind string

// Transaction kinds. Consumption amounts are negative; the others are positive.
const (
	TransactionPurchase    TransactionKind = "purchase"
	TransactionConsumption TransactionKind = "consumption"
	TransactionRefund      TransactionKind = "refund"
)

// TransactionCommitted is the only status a stored transaction can have.
const TransactionCommitted = "committed"

// PurchaseStatus is the lifecycle state of a purchase.
type PurchaseStatus string

// Purchase states.
const (
	PurchasePending  PurchaseStatus = "pending"
	PurchaseApproved PurchaseStatus = "approved"
	PurchaseRejected PurchaseStatus = "rejected"
)

// GenerationStatus is the lifecycle state of a generation job.
type GenerationStatus string

// Generation states.
const (
	GenerationPending    GenerationStatus = "pending"
	GenerationProcessing GenerationStatus = "processing"
	GenerationCompleted  GenerationStatus = "completed"
	GenerationFailed     GenerationStatus = "failed"
)

// Account holds a credit balance. The balance equals the signed sum of the
// account's committed transactions and never drops below zero.
type Account struct {
	ID             string    `json:"id"`
	CreditsBalance int64     `json:"credits_balance"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Transaction is an immutable ledger entry.
type Transaction struct {
	ID                  string          `json:"id"`
	AccountID           string          `json:"account_id"`
	Kind                TransactionKind `json:"kind"`
	Amount              int64           `json:"amount"`
	RelatedPurchaseID   string          `json:"related_purchase_id,omitempty"`
	RelatedGenerationID string          `json:"related_generation_id,omitempty"`
	Status              string          `json:"status"`
	CreatedAt           time.Time       `json:"created_at"`
}

// Purchase is a request to buy credits, confirmed by the payment provider.
// AppliedAt is set exactly once, together with the purchase transaction.
type Purchase struct {
	ID                string         `json:"id"`
	AccountID         string         `json:"account_id"`
	AmountCredits     int64          `json:"amount_credits"`
	Status            PurchaseStatus `json:"status"`
	ProviderPaymentID string         `json:"provider_payment_id"`
	AppliedAt         *time.Time     `json:"applied_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Generation is one video generation job.
// CreditsUsed is non-zero only while credits are reserved against the job.
type Generation struct {
	ID              string           `json:"id"`
	AccountID       string           `json:"account_id"`
	Status          GenerationStatus `json:"status"`
	ProviderTaskID  string           `json:"provider_task_id,omitempty"`
	CreditsReserved int64            `json:"credits_reserved"`
	CreditsUsed     int64            `json:"credits_used"`
	RetryCount      int              `json:"retry_count"`
	ErrorMessage    string           `json:"error_message,omitempty"`
	ResultURL       string           `json:"result_url,omitempty"`
	CoverURL        string           `json:"cover_url,omitempty"`
	DurationSeconds float64          `json:"duration_seconds,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// GenerationUpdate lists the fields to change in a status transition.
// Nil pointers leave the stored value untouched; a pointer to "" clears it.
type GenerationUpdate struct {
	Status          GenerationStatus
	ProviderTaskID  *string
	ErrorMessage    *string
	ResultURL       *string
	CoverURL        *string
	DurationSeconds *float64
	RetryCount      *int
}

// OwnershipRow joins a committed consumption transaction with the generation it charged for.
type OwnershipRow struct {
	TransactionID        string
	TransactionAccountID string
	GenerationID         string
	// GenerationAccountID is empty when the generation does not exist.
	GenerationAccountID string
	GenerationExists    bool
}

// BalanceDrift reports an account whose stored balance disagrees with its history.
type BalanceDrift struct {
	AccountID     string `json:"account_id"`
	StoredBalance int64  `json:"stored_balance"`
	LedgerBalance int64  `json:"ledger_balance"`
}

// OwnershipCorrection records one automatic ownership repair.
type OwnershipCorrection struct {
	ID            string    `json:"id"`
	GenerationID  string    `json:"generation_id"`
	TransactionID string    `json:"transaction_id"`
	AccountBefore string    `json:"account_before"`
	AccountAfter  string    `json:"account_after"`
	CorrectedAt   time.Time `json:"corrected_at"`
}

// Review item kinds.
const (
	ReviewMissingGeneration  = "missing_generation"
	ReviewAmbiguousOwnership = "ambiguous_ownership"
	ReviewBalanceDrift       = "balance_drift"
)

// ReviewItem is a discrepancy that needs a human decision.
// (Kind, SubjectID) is unique; enqueueing the same pair twice is a no-op.
type ReviewItem struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	SubjectID string    `json:"subject_id"`
	Reason    string    `json:"reason"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
