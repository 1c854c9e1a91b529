package ledger

import "errors"

// Kind classifies ledger errors so that callers can decide whether to retry,
// report, or treat the result as normal.
type Kind int

// Error kinds.
const (
	KindNone Kind = iota
	// KindValidation means the input was rejected; retrying cannot help.
	KindValidation
	// KindConflict means the state already moved on (already applied, already refunded, not pending).
	KindConflict
	// KindNotFound means a referenced entity does not exist.
	KindNotFound
	// KindDependency means storage was unreachable or aborted the unit; retry with backoff.
	KindDependency
	// KindInternal is anything unclassified.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindDependency:
		return "dependency"
	default:
		return "internal"
	}
}

// Validation errors.
var (
	ErrInvalidAmount     = errors.New("amount must be a positive integer")
	ErrInvalidID         = errors.New("id is required")
	ErrOwnershipMismatch = errors.New("entity belongs to a different account")
	ErrAmountMismatch    = errors.New("amount does not match the purchase")
)

// Conflict errors.
var (
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrPurchaseNotApproved  = errors.New("purchase is not approved")
	ErrAlreadyReserved      = errors.New("credits already reserved for generation")
	ErrGenerationNotPending = errors.New("generation is not pending")
	ErrDuplicate            = errors.New("entity already exists")
)

// Not found errors.
var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrPurchaseNotFound    = errors.New("purchase not found")
	ErrGenerationNotFound  = errors.New("generation not found")
	ErrTransactionNotFound = errors.New("transaction not found")
)

// ErrUnavailable wraps transient storage failures.
var ErrUnavailable = errors.New("ledger storage unavailable")

// KindOf classifies err by walking its wrap chain.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrUnavailable):
		return KindDependency
	case errors.Is(err, ErrAccountNotFound),
		errors.Is(err, ErrPurchaseNotFound),
		errors.Is(err, ErrGenerationNotFound),
		errors.Is(err, ErrTransactionNotFound):
		return KindNotFound
	case errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrPurchaseNotApproved),
		errors.Is(err, ErrAlreadyReserved),
		errors.Is(err, ErrGenerationNotPending),
		errors.Is(err, ErrDuplicate):
		return KindConflict
	case errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidID),
		errors.Is(err, ErrOwnershipMismatch),
		errors.Is(err, ErrAmountMismatch):
		return KindValidation
	default:
		return KindInternal
	}
}

// IsRetryable reports whether err is worth retrying with backoff.
func IsRetryable(err error) bool {
	return KindOf(err) == KindDependency
}
