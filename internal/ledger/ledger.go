package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/onnwee/vidcredit/internal/tracing"
)

// Outcome describes how a ledger operation resolved.
type Outcome string

// Outcomes. The Already* outcomes are normal results of a replay, not errors.
const (
	OutcomeApplied         Outcome = "applied"
	OutcomeAlreadyApplied  Outcome = "already_applied"
	OutcomeConsumed        Outcome = "consumed"
	OutcomeRefunded        Outcome = "refunded"
	OutcomeAlreadyRefunded Outcome = "already_refunded"
)

// Result is returned by every balance-changing operation.
type Result struct {
	AccountID     string  `json:"account_id"`
	Balance       int64   `json:"balance"`
	Outcome       Outcome `json:"outcome"`
	TransactionID string  `json:"transaction_id,omitempty"`
}

// Operation names used in logs, spans and metrics.
const (
	OpApplyPurchase    = "apply_purchase"
	OpConsumeCredits   = "consume_credits"
	OpRefundForFailure = "refund_for_failure"
)

// Default retry settings for dependency failures.
const (
	DefaultMaxRetries     = 3
	DefaultInitialBackoff = 50 * time.Millisecond
	DefaultMaxBackoff     = 2 * time.Second
)

// Config configures a Ledger.
type Config struct {
	// Logger for ledger activity.
	Logger *slog.Logger
	// Metrics for operation tracking. Optional.
	Metrics *Metrics
	// MaxRetries bounds retries of a unit that failed with a dependency error.
	MaxRetries uint64
	// InitialBackoff is the first retry delay.
	InitialBackoff time.Duration
	// MaxBackoff caps the retry delay.
	MaxBackoff time.Duration
	// Now overrides the clock; nil uses time.Now.
	Now func() time.Time
	// NewID overrides id generation; nil uses random UUIDs.
	NewID func() string
}

// Ledger performs balance-changing operations atomically against a Store.
type Ledger struct {
	store  Store
	config Config
}

// New creates a Ledger over store.
func New(store Store, config Config) *Ledger {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.InitialBackoff == 0 {
		config.InitialBackoff = DefaultInitialBackoff
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = DefaultMaxBackoff
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.NewID == nil {
		config.NewID = func() string { return uuid.New().String() }
	}
	return &Ledger{store: store, config: config}
}

// Now returns the ledger clock reading.
func (l *Ledger) Now() time.Time {
	return l.config.Now()
}

// NewID returns a fresh identifier.
func (l *Ledger) NewID() string {
	return l.config.NewID()
}

// Run executes fn as one atomic unit, retrying with bounded exponential
// backoff while the store reports dependency failures. Any other error is
// returned immediately. fn may run more than once and must not keep state
// between attempts.
func (l *Ledger) Run(ctx context.Context, op string, fn func(tx Tx) error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = l.config.InitialBackoff
	eb.MaxInterval = l.config.MaxBackoff
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, l.config.MaxRetries), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := l.store.WithTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		l.config.Metrics.retried(op)
		l.config.Logger.WarnContext(ctx, "ledger unit failed, retrying",
			slog.String("operation", op),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
		return err
	}, policy)
}

// CreateAccount opens an account with a zero balance.
func (l *Ledger) CreateAccount(ctx context.Context, accountID string) (*Account, error) {
	if accountID == "" {
		return nil, ErrInvalidID
	}
	now := l.config.Now()
	a := &Account{ID: accountID, CreatedAt: now, UpdatedAt: now}
	err := l.Run(ctx, "create_account", func(tx Tx) error {
		return tx.CreateAccount(ctx, a)
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ApplyPurchase credits an approved purchase to its account exactly once.
//
// The purchase's applied_at marker and the purchase transaction are written
// in the same unit. A replay returns OutcomeAlreadyApplied with the current
// balance and no side effect.
func (l *Ledger) ApplyPurchase(ctx context.Context, purchaseID, accountID string, amountCredits int64) (res Result, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "ledger."+OpApplyPurchase,
		tracing.AttrPurchaseID.String(purchaseID), tracing.AttrAccountID.String(accountID))
	defer func() { endSpan(err) }()

	if purchaseID == "" || accountID == "" {
		return Result{}, ErrInvalidID
	}
	if amountCredits <= 0 {
		return Result{}, ErrInvalidAmount
	}

	err = l.Run(ctx, OpApplyPurchase, func(tx Tx) error {
		now := l.config.Now()
		res = Result{AccountID: accountID}

		p, err := tx.GetPurchase(ctx, purchaseID)
		if err != nil {
			return err
		}
		if p.AccountID != accountID {
			return fmt.Errorf("purchase %s: %w", purchaseID, ErrOwnershipMismatch)
		}
		if p.AmountCredits != amountCredits {
			return fmt.Errorf("purchase %s: %w", purchaseID, ErrAmountMismatch)
		}

		if p.AppliedAt != nil {
			return l.currentBalance(ctx, tx, accountID, OutcomeAlreadyApplied, &res)
		}
		if p.Status != PurchaseApproved {
			return fmt.Errorf("purchase %s is %s: %w", purchaseID, p.Status, ErrPurchaseNotApproved)
		}

		marked, err := tx.MarkPurchaseApplied(ctx, purchaseID, now)
		if err != nil {
			return err
		}
		if !marked {
			// Lost the race to a concurrent unit that applied it first.
			return l.currentBalance(ctx, tx, accountID, OutcomeAlreadyApplied, &res)
		}

		balance, err := tx.AdjustBalance(ctx, accountID, amountCredits)
		if err != nil {
			return err
		}

		txn := &Transaction{
			ID:                l.config.NewID(),
			AccountID:         accountID,
			Kind:              TransactionPurchase,
			Amount:            amountCredits,
			RelatedPurchaseID: purchaseID,
			Status:            TransactionCommitted,
			CreatedAt:         now,
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}

		res.Balance = balance
		res.Outcome = OutcomeApplied
		res.TransactionID = txn.ID
		return nil
	})
	l.finish(ctx, OpApplyPurchase, res, err, amountCredits, TransactionPurchase,
		slog.String("purchase_id", purchaseID), slog.String("account_id", accountID))
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// ConsumeCredits reserves amount against a pending generation and charges the account.
//
// The reservation, the balance decrement and the consumption transaction
// commit together. An account without enough credits yields
// ErrInsufficientBalance and nothing changes.
func (l *Ledger) ConsumeCredits(ctx context.Context, accountID, generationID string, amount int64) (res Result, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "ledger."+OpConsumeCredits,
		tracing.AttrGenerationID.String(generationID), tracing.AttrAccountID.String(accountID))
	defer func() { endSpan(err) }()

	if accountID == "" || generationID == "" {
		return Result{}, ErrInvalidID
	}
	if amount <= 0 {
		return Result{}, ErrInvalidAmount
	}

	err = l.Run(ctx, OpConsumeCredits, func(tx Tx) error {
		now := l.config.Now()
		res = Result{AccountID: accountID}

		g, err := tx.GetGeneration(ctx, generationID)
		if err != nil {
			return err
		}
		if g.AccountID != accountID {
			return fmt.Errorf("generation %s: %w", generationID, ErrOwnershipMismatch)
		}
		if g.Status != GenerationPending {
			return fmt.Errorf("generation %s is %s: %w", generationID, g.Status, ErrGenerationNotPending)
		}

		reserved, err := tx.ReserveCredits(ctx, generationID, amount, now)
		if err != nil {
			return err
		}
		if !reserved {
			return fmt.Errorf("generation %s: %w", generationID, ErrAlreadyReserved)
		}

		balance, err := tx.AdjustBalance(ctx, accountID, -amount)
		if err != nil {
			return err
		}

		txn := &Transaction{
			ID:                  l.config.NewID(),
			AccountID:           accountID,
			Kind:                TransactionConsumption,
			Amount:              -amount,
			RelatedGenerationID: generationID,
			Status:              TransactionCommitted,
			CreatedAt:           now,
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}

		res.Balance = balance
		res.Outcome = OutcomeConsumed
		res.TransactionID = txn.ID
		return nil
	})
	l.finish(ctx, OpConsumeCredits, res, err, amount, TransactionConsumption,
		slog.String("generation_id", generationID), slog.String("account_id", accountID))
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// RefundForFailure returns the credits reserved for a generation.
//
// The guard is credits_used > 0; releasing it and inserting the refund
// commit together, so any number of calls refund at most once. The refund
// goes to the account the consumption was charged to, which may differ from
// the generation's current owner.
func (l *Ledger) RefundForFailure(ctx context.Context, generationID string) (res Result, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "ledger."+OpRefundForFailure, tracing.AttrGenerationID.String(generationID))
	defer func() { endSpan(err) }()

	if generationID == "" {
		return Result{}, ErrInvalidID
	}

	var refunded int64
	err = l.Run(ctx, OpRefundForFailure, func(tx Tx) error {
		now := l.config.Now()
		res = Result{}
		refunded = 0

		g, err := tx.GetGeneration(ctx, generationID)
		if err != nil {
			return err
		}

		accountID := g.AccountID
		last, err := tx.LastConsumption(ctx, generationID)
		switch KindOf(err) {
		case KindNone:
			accountID = last.AccountID
		case KindNotFound:
		default:
			return err
		}
		res.AccountID = accountID

		released, err := tx.ReleaseCredits(ctx, generationID, now)
		if err != nil {
			return err
		}
		if released == 0 {
			return l.currentBalance(ctx, tx, accountID, OutcomeAlreadyRefunded, &res)
		}

		balance, err := tx.AdjustBalance(ctx, accountID, released)
		if err != nil {
			return err
		}

		txn := &Transaction{
			ID:                  l.config.NewID(),
			AccountID:           accountID,
			Kind:                TransactionRefund,
			Amount:              released,
			RelatedGenerationID: generationID,
			Status:              TransactionCommitted,
			CreatedAt:           now,
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}

		refunded = released
		res.Balance = balance
		res.Outcome = OutcomeRefunded
		res.TransactionID = txn.ID
		return nil
	})
	l.finish(ctx, OpRefundForFailure, res, err, refunded, TransactionRefund,
		slog.String("generation_id", generationID))
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// Balance returns the stored balance of an account.
func (l *Ledger) Balance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := l.Run(ctx, "balance", func(tx Tx) error {
		a, err := tx.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		balance = a.CreditsBalance
		return nil
	})
	return balance, err
}

// Transactions returns an account's transaction history, oldest first.
func (l *Ledger) Transactions(ctx context.Context, accountID string) ([]Transaction, error) {
	var out []Transaction
	err := l.Run(ctx, "transactions", func(tx Tx) error {
		if _, err := tx.GetAccount(ctx, accountID); err != nil {
			return err
		}
		var err error
		out, err = tx.ListTransactions(ctx, accountID)
		return err
	})
	return out, err
}

// CheckConservation compares the stored balance with the sum of the account's transactions.
// It returns nil drift when they agree.
func (l *Ledger) CheckConservation(ctx context.Context, accountID string) (*BalanceDrift, error) {
	var drift *BalanceDrift
	err := l.Run(ctx, "check_conservation", func(tx Tx) error {
		a, err := tx.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		drift, err = conservation(ctx, tx, a)
		return err
	})
	return drift, err
}

// BalanceDrifts checks conservation for every account and returns the violations.
func (l *Ledger) BalanceDrifts(ctx context.Context) ([]BalanceDrift, error) {
	var drifts []BalanceDrift
	err := l.Run(ctx, "balance_drifts", func(tx Tx) error {
		drifts = nil
		accounts, err := tx.ListAccounts(ctx)
		if err != nil {
			return err
		}
		for i := range accounts {
			d, err := conservation(ctx, tx, &accounts[i])
			if err != nil {
				return err
			}
			if d != nil {
				drifts = append(drifts, *d)
			}
		}
		return nil
	})
	return drifts, err
}

func conservation(ctx context.Context, tx Tx, a *Account) (*BalanceDrift, error) {
	txns, err := tx.ListTransactions(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	var sum int64
	for _, t := range txns {
		if t.Status == TransactionCommitted {
			sum += t.Amount
		}
	}
	if sum == a.CreditsBalance {
		return nil, nil
	}
	return &BalanceDrift{AccountID: a.ID, StoredBalance: a.CreditsBalance, LedgerBalance: sum}, nil
}

func (l *Ledger) currentBalance(ctx context.Context, tx Tx, accountID string, outcome Outcome, res *Result) error {
	a, err := tx.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	res.AccountID = accountID
	res.Balance = a.CreditsBalance
	res.Outcome = outcome
	return nil
}

func (l *Ledger) finish(ctx context.Context, op string, res Result, err error, amount int64, kind TransactionKind, attrs ...slog.Attr) {
	if err != nil {
		l.config.Metrics.observe(op, KindOf(err).String())
		attrs = append(attrs, slog.String("error", err.Error()), slog.String("error_kind", KindOf(err).String()))
		level := slog.LevelWarn
		if k := KindOf(err); k == KindDependency || k == KindInternal {
			level = slog.LevelError
		}
		l.config.Logger.LogAttrs(ctx, level, "ledger operation failed", append(attrs, slog.String("operation", op))...)
		return
	}

	l.config.Metrics.observe(op, string(res.Outcome))
	if res.Outcome == OutcomeApplied || res.Outcome == OutcomeConsumed || res.Outcome == OutcomeRefunded {
		l.config.Metrics.moved(kind, amount)
	}
	attrs = append(attrs,
		slog.String("operation", op),
		slog.String("outcome", string(res.Outcome)),
		slog.Int64("balance", res.Balance))
	l.config.Logger.LogAttrs(ctx, slog.LevelInfo, "ledger operation completed", attrs...)
}
