// Package reconcile repairs and reports drift between the ledger and the
// records it charges for. One run:
//
//   - corrects generations whose owner differs from the account their
//     consumption was charged to (the transaction's account wins),
//   - queues cases it cannot repair for manual review,
//   - fails and refunds generations stuck without a provider callback,
//   - reports accounts whose balance disagrees with their transactions,
//   - replays acknowledged webhook events whose processing never finished.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/onnwee/vidcredit/internal/generation"
	"github.com/onnwee/vidcredit/internal/ledger"
	"github.com/onnwee/vidcredit/internal/webhook"
)

// Defaults.
const (
	DefaultStaleAfter  = 30 * time.Minute
	DefaultReplayAfter = 2 * time.Minute
	DefaultBatchLimit  = 200
)

// Sweeper fails generations stuck past a threshold.
type Sweeper interface {
	SweepStale(ctx context.Context, olderThan time.Duration, limit int) (*generation.SweepResult, error)
}

// Replayer reprocesses unfinished webhook events.
type Replayer interface {
	Replay(ctx context.Context, receivedBefore time.Time, limit int) (*webhook.ReplayResult, error)
}

// Unresolved is a discrepancy that was queued for manual review.
type Unresolved struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// Report is the structured result of one run.
type Report struct {
	StartedAt     time.Time             `json:"started_at"`
	FinishedAt    time.Time             `json:"finished_at"`
	Discrepancies int                   `json:"discrepancies"`
	Corrected     []string              `json:"corrected"`
	Unresolved    []Unresolved          `json:"unresolved"`
	StaleFailed   []string              `json:"stale_failed"`
	StaleRefunded []string              `json:"stale_refunded"`
	BalanceDrift  []ledger.BalanceDrift `json:"balance_drift"`
	Replayed      int                   `json:"replayed"`
	Errors        []string              `json:"errors,omitempty"`
}

// Config configures a Reconciler.
type Config struct {
	// StaleAfter is how long a generation may hold a reservation without progress.
	StaleAfter time.Duration
	// ReplayAfter is how old an unprocessed event must be before it is replayed.
	ReplayAfter time.Duration
	// BatchLimit bounds sweep and replay batches.
	BatchLimit int
	Logger     *slog.Logger
	Metrics    *Metrics
}

// Reconciler performs reconciliation runs. Sweeper and Replayer are optional.
type Reconciler struct {
	ledger   *ledger.Ledger
	sweeper  Sweeper
	replayer Replayer
	config   Config
}

// NewReconciler creates a Reconciler.
func NewReconciler(l *ledger.Ledger, sweeper Sweeper, replayer Replayer, config Config) *Reconciler {
	if config.StaleAfter == 0 {
		config.StaleAfter = DefaultStaleAfter
	}
	if config.ReplayAfter == 0 {
		config.ReplayAfter = DefaultReplayAfter
	}
	if config.BatchLimit == 0 {
		config.BatchLimit = DefaultBatchLimit
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Reconciler{ledger: l, sweeper: sweeper, replayer: replayer, config: config}
}

// Run performs one reconciliation pass. Later phases run even when an
// earlier one fails; the failures are listed in Report.Errors and the first
// one is returned.
func (r *Reconciler) Run(ctx context.Context) (*Report, error) {
	report := &Report{
		StartedAt:     r.ledger.Now(),
		Corrected:     []string{},
		Unresolved:    []Unresolved{},
		StaleFailed:   []string{},
		StaleRefunded: []string{},
		BalanceDrift:  []ledger.BalanceDrift{},
	}
	var firstErr error
	fail := func(phase string, err error) {
		report.Errors = append(report.Errors, phase+": "+err.Error())
		if firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", phase, err)
		}
		r.config.Logger.ErrorContext(ctx, "reconciliation phase failed",
			slog.String("phase", phase),
			slog.String("error", err.Error()))
	}

	if r.replayer != nil {
		res, err := r.replayer.Replay(ctx, report.StartedAt.Add(-r.config.ReplayAfter), r.config.BatchLimit)
		if err != nil {
			fail("replay", err)
		} else {
			report.Replayed = res.Replayed
		}
	}

	if err := r.reconcileOwnership(ctx, report); err != nil {
		fail("ownership", err)
	}

	if r.sweeper != nil {
		res, err := r.sweeper.SweepStale(ctx, r.config.StaleAfter, r.config.BatchLimit)
		if res != nil {
			report.StaleFailed = append(report.StaleFailed, res.Failed...)
			report.StaleRefunded = append(report.StaleRefunded, res.Refunded...)
		}
		if err != nil {
			fail("stale_sweep", err)
		}
	}

	if err := r.checkBalances(ctx, report); err != nil {
		fail("balance_drift", err)
	}

	report.FinishedAt = r.ledger.Now()
	r.config.Metrics.observe(report)
	r.config.Logger.InfoContext(ctx, "reconciliation completed",
		slog.Int("discrepancies", report.Discrepancies),
		slog.Int("corrected", len(report.Corrected)),
		slog.Int("unresolved", len(report.Unresolved)),
		slog.Int("stale_failed", len(report.StaleFailed)),
		slog.Int("balance_drift", len(report.BalanceDrift)),
		slog.Int("replayed", report.Replayed))
	return report, firstErr
}

type ownershipGroup struct {
	generationID string
	exists       bool
	owner        string
	rows         []ledger.OwnershipRow
}

func (g *ownershipGroup) chargedAccounts() []string {
	var accounts []string
	for _, row := range g.rows {
		if !slices.Contains(accounts, row.TransactionAccountID) {
			accounts = append(accounts, row.TransactionAccountID)
		}
	}
	sort.Strings(accounts)
	return accounts
}

func (g *ownershipGroup) mismatched() int {
	n := 0
	for _, row := range g.rows {
		if !row.GenerationExists || row.TransactionAccountID != row.GenerationAccountID {
			n++
		}
	}
	return n
}

// reconcileOwnership finds consumptions charged to an account other than
// the generation's owner and corrects the owner to the charged account.
func (r *Reconciler) reconcileOwnership(ctx context.Context, report *Report) error {
	var rows []ledger.OwnershipRow
	err := r.ledger.Run(ctx, "list_consumption_ownership", func(tx ledger.Tx) error {
		var err error
		rows, err = tx.ListConsumptionOwnership(ctx)
		return err
	})
	if err != nil {
		return err
	}

	groups := make(map[string]*ownershipGroup)
	var order []string
	for _, row := range rows {
		g, ok := groups[row.GenerationID]
		if !ok {
			g = &ownershipGroup{generationID: row.GenerationID, exists: row.GenerationExists, owner: row.GenerationAccountID}
			groups[row.GenerationID] = g
			order = append(order, row.GenerationID)
		}
		g.rows = append(g.rows, row)
	}

	for _, id := range order {
		g := groups[id]
		n := g.mismatched()
		if n == 0 {
			continue
		}
		report.Discrepancies += n

		if !g.exists {
			for _, row := range g.rows {
				reason := fmt.Sprintf("consumption %s references missing generation %s", row.TransactionID, g.generationID)
				if err := r.enqueue(ctx, report, ledger.ReviewMissingGeneration, row.TransactionID, reason, ""); err != nil {
					return err
				}
			}
			continue
		}

		accounts := g.chargedAccounts()
		if len(accounts) > 1 {
			reason := fmt.Sprintf("generation %s owned by %s was charged to %d accounts", g.generationID, g.owner, len(accounts))
			if err := r.enqueue(ctx, report, ledger.ReviewAmbiguousOwnership, g.generationID, reason, strings.Join(accounts, ",")); err != nil {
				return err
			}
			continue
		}

		corrected, err := r.correct(ctx, g, accounts[0])
		if err != nil {
			return err
		}
		if corrected {
			report.Corrected = append(report.Corrected, g.generationID)
		}
	}
	return nil
}

// correct reassigns the generation to account and records the correction
// in the same unit. It reports false when the owner changed since the scan.
func (r *Reconciler) correct(ctx context.Context, g *ownershipGroup, account string) (bool, error) {
	trigger := g.rows[len(g.rows)-1].TransactionID
	var moved bool
	err := r.ledger.Run(ctx, "correct_ownership", func(tx ledger.Tx) error {
		now := r.ledger.Now()
		var err error
		moved, err = tx.ReassignGeneration(ctx, g.generationID, g.owner, account, now)
		if err != nil || !moved {
			return err
		}
		return tx.InsertOwnershipCorrection(ctx, &ledger.OwnershipCorrection{
			ID:            r.ledger.NewID(),
			GenerationID:  g.generationID,
			TransactionID: trigger,
			AccountBefore: g.owner,
			AccountAfter:  account,
			CorrectedAt:   now,
		})
	})
	if err != nil {
		return false, err
	}
	if moved {
		r.config.Logger.WarnContext(ctx, "generation ownership corrected",
			slog.String("generation_id", g.generationID),
			slog.String("transaction_id", trigger),
			slog.String("account_before", g.owner),
			slog.String("account_after", account))
	} else {
		r.config.Logger.InfoContext(ctx, "generation owner changed during reconciliation, skipping",
			slog.String("generation_id", g.generationID))
	}
	return moved, nil
}

func (r *Reconciler) checkBalances(ctx context.Context, report *Report) error {
	drifts, err := r.ledger.BalanceDrifts(ctx)
	if err != nil {
		return err
	}
	for _, d := range drifts {
		report.BalanceDrift = append(report.BalanceDrift, d)
		reason := fmt.Sprintf("stored balance %d, transactions sum to %d", d.StoredBalance, d.LedgerBalance)
		if err := r.enqueue(ctx, report, ledger.ReviewBalanceDrift, d.AccountID, reason, ""); err != nil {
			return err
		}
	}
	return nil
}

// enqueue adds the case to the review queue and to the report. The queue
// ignores repeats, but the report lists every open case on every run.
func (r *Reconciler) enqueue(ctx context.Context, report *Report, kind, subjectID, reason, details string) error {
	var added bool
	err := r.ledger.Run(ctx, "enqueue_review", func(tx ledger.Tx) error {
		var err error
		added, err = tx.EnqueueReview(ctx, &ledger.ReviewItem{
			ID:        r.ledger.NewID(),
			Kind:      kind,
			SubjectID: subjectID,
			Reason:    reason,
			Details:   details,
			CreatedAt: r.ledger.Now(),
		})
		return err
	})
	if err != nil {
		return err
	}
	report.Unresolved = append(report.Unresolved, Unresolved{ID: subjectID, Kind: kind, Reason: reason})
	if added {
		r.config.Logger.WarnContext(ctx, "discrepancy queued for manual review",
			slog.String("kind", kind),
			slog.String("subject_id", subjectID),
			slog.String("reason", reason))
	}
	return nil
}

// ReviewItems lists the discrepancies queued for manual review.
func (r *Reconciler) ReviewItems(ctx context.Context) ([]ledger.ReviewItem, error) {
	var items []ledger.ReviewItem
	err := r.ledger.Run(ctx, "list_review_items", func(tx ledger.Tx) error {
		var err error
		items, err = tx.ListReviewItems(ctx)
		return err
	})
	return items, err
}
