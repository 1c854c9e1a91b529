package reconcile

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onnwee/vidcredit/internal/generation"
	"github.com/onnwee/vidcredit/internal/ledger"
	"github.com/onnwee/vidcredit/internal/webhook"
)

func newTestLedger(t *testing.T, accounts ...string) *ledger.Ledger {
	t.Helper()
	l := ledger.New(ledger.NewInMemoryStore(), ledger.Config{InitialBackoff: time.Millisecond})
	for _, a := range accounts {
		if _, err := l.CreateAccount(context.Background(), a); err != nil {
			t.Fatal(err)
		}
	}
	return l
}

func fund(t *testing.T, l *ledger.Ledger, accountID string, amount int64) {
	t.Helper()
	ctx := context.Background()
	id := "pur_" + accountID
	err := l.Run(ctx, "test", func(tx ledger.Tx) error {
		return tx.CreatePurchase(ctx, &ledger.Purchase{
			ID: id, AccountID: accountID, AmountCredits: amount,
			Status: ledger.PurchaseApproved, ProviderPaymentID: "cs_" + id, CreatedAt: time.Now(),
		})
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.ApplyPurchase(ctx, id, accountID, amount); err != nil {
		t.Fatal(err)
	}
}

func createGeneration(t *testing.T, l *ledger.Ledger, id, accountID string) {
	t.Helper()
	ctx := context.Background()
	err := l.Run(ctx, "test", func(tx ledger.Tx) error {
		return tx.CreateGeneration(ctx, &ledger.Generation{
			ID: id, AccountID: accountID, Status: ledger.GenerationPending, CreatedAt: time.Now(), UpdatedAt: time.Now(),
		})
	})
	if err != nil {
		t.Fatal(err)
	}
}

func reassign(t *testing.T, l *ledger.Ledger, genID, from, to string) {
	t.Helper()
	ctx := context.Background()
	err := l.Run(ctx, "test", func(tx ledger.Tx) error {
		_, err := tx.ReassignGeneration(ctx, genID, from, to, time.Now())
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
}

// insertConsumption charges accountID for genID without touching the generation,
// the way a bad upstream write would.
func insertConsumption(t *testing.T, l *ledger.Ledger, txnID, accountID, genID string, amount int64) {
	t.Helper()
	ctx := context.Background()
	err := l.Run(ctx, "test", func(tx ledger.Tx) error {
		if _, err := tx.AdjustBalance(ctx, accountID, -amount); err != nil {
			return err
		}
		return tx.InsertTransaction(ctx, &ledger.Transaction{
			ID: txnID, AccountID: accountID, Kind: ledger.TransactionConsumption, Amount: -amount,
			RelatedGenerationID: genID, Status: ledger.TransactionCommitted, CreatedAt: time.Now(),
		})
	})
	if err != nil {
		t.Fatal(err)
	}
}

func reviewItems(t *testing.T, l *ledger.Ledger) []ledger.ReviewItem {
	t.Helper()
	var items []ledger.ReviewItem
	err := l.Run(context.Background(), "test", func(tx ledger.Tx) error {
		var err error
		items, err = tx.ListReviewItems(context.Background())
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	return items
}

// TestRun_CorrectsOwnershipDrift covers a consumption on A referencing a generation owned by B.
func TestRun_CorrectsOwnershipDrift(t *testing.T) {
	l := newTestLedger(t, "acct_a", "acct_b")
	ctx := context.Background()
	fund(t, l, "acct_a", 10)
	createGeneration(t, l, "gen_1", "acct_a")
	if _, err := l.ConsumeCredits(ctx, "acct_a", "gen_1", 3); err != nil {
		t.Fatal(err)
	}
	reassign(t, l, "gen_1", "acct_a", "acct_b")

	r := NewReconciler(l, nil, nil, Config{Metrics: NewMetrics()})
	report, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Discrepancies != 1 || len(report.Corrected) != 1 || report.Corrected[0] != "gen_1" {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(report.Unresolved) != 0 {
		t.Errorf("expected nothing unresolved, got %+v", report.Unresolved)
	}

	var g *ledger.Generation
	var corrections []ledger.OwnershipCorrection
	err = l.Run(ctx, "test", func(tx ledger.Tx) error {
		var err error
		if g, err = tx.GetGeneration(ctx, "gen_1"); err != nil {
			return err
		}
		corrections, err = tx.ListOwnershipCorrections(ctx, "gen_1")
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if g.AccountID != "acct_a" {
		t.Errorf("expected generation owned by acct_a, got %s", g.AccountID)
	}
	if len(corrections) != 1 {
		t.Fatalf("expected one correction record, got %d", len(corrections))
	}
	c := corrections[0]
	if c.AccountBefore != "acct_b" || c.AccountAfter != "acct_a" || c.TransactionID == "" || c.CorrectedAt.IsZero() {
		t.Errorf("unexpected correction %+v", c)
	}

	// Re-running finds nothing for the repaired record.
	again, err := r.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if again.Discrepancies != 0 || len(again.Corrected) != 0 {
		t.Errorf("expected idempotent rerun, got %+v", again)
	}
}

func TestRun_AmbiguousOwnershipQueuedForReview(t *testing.T) {
	l := newTestLedger(t, "acct_a", "acct_b", "acct_c")
	ctx := context.Background()
	fund(t, l, "acct_a", 10)
	fund(t, l, "acct_b", 10)
	createGeneration(t, l, "gen_1", "acct_c")
	insertConsumption(t, l, "txn_a", "acct_a", "gen_1", 2)
	insertConsumption(t, l, "txn_b", "acct_b", "gen_1", 2)

	r := NewReconciler(l, nil, nil, Config{})
	for run := 0; run < 2; run++ {
		report, err := r.Run(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if report.Discrepancies != 2 || len(report.Corrected) != 0 {
			t.Fatalf("run %d: unexpected report %+v", run, report)
		}
		if len(report.Unresolved) != 1 || report.Unresolved[0].Kind != ledger.ReviewAmbiguousOwnership || report.Unresolved[0].ID != "gen_1" {
			t.Fatalf("run %d: expected ambiguous case reported, got %+v", run, report.Unresolved)
		}
	}

	items := reviewItems(t, l)
	if len(items) != 1 {
		t.Fatalf("expected one queued review item, got %d", len(items))
	}
	if items[0].Details != "acct_a,acct_b" {
		t.Errorf("unexpected details %q", items[0].Details)
	}
	g, _ := generationOwner(l, "gen_1")
	if g != "acct_c" {
		t.Errorf("ambiguous generation must not be reassigned, got %s", g)
	}
}

func generationOwner(l *ledger.Ledger, id string) (string, error) {
	var owner string
	err := l.Run(context.Background(), "test", func(tx ledger.Tx) error {
		g, err := tx.GetGeneration(context.Background(), id)
		if err != nil {
			return err
		}
		owner = g.AccountID
		return nil
	})
	return owner, err
}

func TestRun_MissingGenerationQueuedForReview(t *testing.T) {
	l := newTestLedger(t, "acct_a")
	ctx := context.Background()
	fund(t, l, "acct_a", 10)
	insertConsumption(t, l, "txn_ghost", "acct_a", "gen_ghost", 4)

	r := NewReconciler(l, nil, nil, Config{})
	report, err := r.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Discrepancies != 1 || len(report.Unresolved) != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	u := report.Unresolved[0]
	if u.Kind != ledger.ReviewMissingGeneration || u.ID != "txn_ghost" {
		t.Errorf("unexpected unresolved entry %+v", u)
	}
}

func TestRun_ReportsBalanceDrift(t *testing.T) {
	l := newTestLedger(t, "acct_a")
	ctx := context.Background()
	fund(t, l, "acct_a", 10)
	err := l.Run(ctx, "test", func(tx ledger.Tx) error {
		_, err := tx.AdjustBalance(ctx, "acct_a", 5)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	report, err := NewReconciler(l, nil, nil, Config{}).Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.BalanceDrift) != 1 {
		t.Fatalf("expected one drift, got %+v", report.BalanceDrift)
	}
	d := report.BalanceDrift[0]
	if d.AccountID != "acct_a" || d.StoredBalance != 15 || d.LedgerBalance != 10 {
		t.Errorf("unexpected drift %+v", d)
	}
	if b, _ := l.Balance(ctx, "acct_a"); b != 15 {
		t.Errorf("drift must not be auto-fixed, balance is %d", b)
	}
	items := reviewItems(t, l)
	if len(items) != 1 || items[0].Kind != ledger.ReviewBalanceDrift {
		t.Errorf("expected drift queued for review, got %+v", items)
	}
}

type fakeSweeper struct {
	res *generation.SweepResult
	err error
}

func (f *fakeSweeper) SweepStale(ctx context.Context, olderThan time.Duration, limit int) (*generation.SweepResult, error) {
	return f.res, f.err
}

type fakeReplayer struct {
	res            *webhook.ReplayResult
	err            error
	calls          int32
	receivedBefore time.Time
}

func (f *fakeReplayer) Replay(ctx context.Context, receivedBefore time.Time, limit int) (*webhook.ReplayResult, error) {
	atomic.AddInt32(&f.calls, 1)
	f.receivedBefore = receivedBefore
	return f.res, f.err
}

func TestRun_ReplayCutoffUsesLedgerClock(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	l := ledger.New(ledger.NewInMemoryStore(), ledger.Config{
		InitialBackoff: time.Millisecond,
		Now:            func() time.Time { return now },
	})
	replayer := &fakeReplayer{res: &webhook.ReplayResult{}}

	report, err := NewReconciler(l, nil, replayer, Config{ReplayAfter: 5 * time.Minute}).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if want := now.Add(-5 * time.Minute); !replayer.receivedBefore.Equal(want) {
		t.Errorf("expected replay cutoff %s, got %s", want, replayer.receivedBefore)
	}
	if !report.StartedAt.Equal(now) {
		t.Errorf("expected report stamped with ledger clock, got %s", report.StartedAt)
	}
}

func TestRun_IncludesSweepAndReplay(t *testing.T) {
	l := newTestLedger(t, "acct_a")
	sweeper := &fakeSweeper{res: &generation.SweepResult{Failed: []string{"gen_1"}, Refunded: []string{"gen_2"}}}
	replayer := &fakeReplayer{res: &webhook.ReplayResult{Replayed: 3}}

	report, err := NewReconciler(l, sweeper, replayer, Config{}).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Replayed != 3 {
		t.Errorf("expected 3 replayed, got %d", report.Replayed)
	}
	if len(report.StaleFailed) != 1 || len(report.StaleRefunded) != 1 {
		t.Errorf("unexpected sweep results %+v", report)
	}
}

func TestRun_PhaseFailureDoesNotStopLaterPhases(t *testing.T) {
	l := newTestLedger(t, "acct_a", "acct_b")
	ctx := context.Background()
	fund(t, l, "acct_a", 10)
	createGeneration(t, l, "gen_1", "acct_a")
	if _, err := l.ConsumeCredits(ctx, "acct_a", "gen_1", 1); err != nil {
		t.Fatal(err)
	}
	reassign(t, l, "gen_1", "acct_a", "acct_b")

	replayer := &fakeReplayer{err: errors.New("event log unavailable")}
	report, err := NewReconciler(l, nil, replayer, Config{}).Run(ctx)
	if err == nil {
		t.Fatal("expected replay failure to be returned")
	}
	if len(report.Errors) != 1 {
		t.Errorf("expected one phase error, got %v", report.Errors)
	}
	if len(report.Corrected) != 1 {
		t.Errorf("expected ownership phase to run, got %+v", report)
	}
}

func TestRun_WithGenerationService(t *testing.T) {
	l := newTestLedger(t, "acct_a")
	ctx := context.Background()
	fund(t, l, "acct_a", 10)
	svc := generation.NewService(l, generation.Config{})
	g, err := svc.Submit(ctx, "acct_a", 4)
	if err != nil {
		t.Fatal(err)
	}

	r := NewReconciler(l, svc, nil, Config{StaleAfter: -time.Second})
	report, err := r.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.StaleFailed) != 1 || report.StaleFailed[0] != g.ID {
		t.Fatalf("expected %s failed by the sweep, got %+v", g.ID, report)
	}
	if b, _ := l.Balance(ctx, "acct_a"); b != 10 {
		t.Errorf("expected refund to restore balance 10, got %d", b)
	}
	if len(report.BalanceDrift) != 0 {
		t.Errorf("expected no drift, got %+v", report.BalanceDrift)
	}
}
