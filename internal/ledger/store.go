package ledger

import (
	"context"
	"time"
)

// Store runs atomic units of work against ledger state.
//
// Everything done through the Tx passed to fn commits together or not at all.
// Implementations must make each guarded update a compare-and-swap: when the
// guard no longer holds the update reports false instead of writing.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of reads and guarded writes available inside one atomic unit.
type Tx interface {
	// CreateAccount inserts an account with a zero balance. ErrDuplicate if it exists.
	CreateAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	// AdjustBalance adds delta to the balance and returns the new balance.
	// It returns ErrInsufficientBalance instead of going below zero.
	AdjustBalance(ctx context.Context, accountID string, delta int64) (int64, error)

	InsertTransaction(ctx context.Context, t *Transaction) error
	ListTransactions(ctx context.Context, accountID string) ([]Transaction, error)
	// LastConsumption returns the newest consumption transaction charged for the generation.
	LastConsumption(ctx context.Context, generationID string) (*Transaction, error)
	// ListConsumptionOwnership joins every committed consumption with its generation.
	ListConsumptionOwnership(ctx context.Context) ([]OwnershipRow, error)

	CreatePurchase(ctx context.Context, p *Purchase) error
	GetPurchase(ctx context.Context, id string) (*Purchase, error)
	GetPurchaseByPaymentID(ctx context.Context, providerPaymentID string) (*Purchase, error)
	// TransitionPurchase moves status from -> to if the purchase is still in from.
	TransitionPurchase(ctx context.Context, id string, from, to PurchaseStatus, at time.Time) (bool, error)
	// MarkPurchaseApplied sets applied_at if it is unset and the purchase is approved.
	MarkPurchaseApplied(ctx context.Context, id string, at time.Time) (bool, error)

	CreateGeneration(ctx context.Context, g *Generation) error
	GetGeneration(ctx context.Context, id string) (*Generation, error)
	GetGenerationByTaskID(ctx context.Context, providerTaskID string) (*Generation, error)
	// ListGenerations returns generations in status last updated before the cutoff, oldest first.
	ListGenerations(ctx context.Context, status GenerationStatus, updatedBefore time.Time, limit int) ([]Generation, error)
	// ReserveCredits records amount as reserved and used if nothing is reserved yet
	// and the generation is pending.
	ReserveCredits(ctx context.Context, generationID string, amount int64, at time.Time) (bool, error)
	// ReleaseCredits zeroes credits_used if it is positive and returns the released amount.
	// A zero return means nothing was reserved.
	ReleaseCredits(ctx context.Context, generationID string, at time.Time) (int64, error)
	// UpdateGeneration applies upd if the generation is still in from.
	UpdateGeneration(ctx context.Context, generationID string, from GenerationStatus, upd GenerationUpdate, at time.Time) (bool, error)
	// ReassignGeneration changes the owner if it is still fromAccount.
	ReassignGeneration(ctx context.Context, generationID, fromAccount, toAccount string, at time.Time) (bool, error)

	InsertOwnershipCorrection(ctx context.Context, c *OwnershipCorrection) error
	ListOwnershipCorrections(ctx context.Context, generationID string) ([]OwnershipCorrection, error)
	// EnqueueReview adds the item unless (Kind, SubjectID) is already queued.
	EnqueueReview(ctx context.Context, item *ReviewItem) (bool, error)
	ListReviewItems(ctx context.Context) ([]ReviewItem, error)
}
