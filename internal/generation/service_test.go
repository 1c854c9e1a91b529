package generation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/vidcredit/internal/ledger"
)

type stubDispatcher struct {
	mu     sync.Mutex
	err    error
	nextID string
	calls  int
}

func (d *stubDispatcher) Dispatch(ctx context.Context, g *ledger.Generation) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return "", d.err
	}
	if d.nextID != "" {
		return d.nextID, nil
	}
	return "task_" + g.ID, nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	svc        *Service
	ledger     *ledger.Ledger
	dispatcher *stubDispatcher
	clock      *testClock
}

// newFixture builds a service over an in-memory ledger with one funded account.
func newFixture(t *testing.T, balance int64) *fixture {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := ledger.New(ledger.NewInMemoryStore(), ledger.Config{
		InitialBackoff: time.Millisecond,
		Now:            clock.Now,
	})
	d := &stubDispatcher{}
	svc := NewService(l, Config{Dispatcher: d, MaxRetries: 2, Metrics: NewMetrics()})

	ctx := context.Background()
	if _, err := l.CreateAccount(ctx, "acct_a"); err != nil {
		t.Fatal(err)
	}
	if balance > 0 {
		err := l.Run(ctx, "seed", func(tx ledger.Tx) error {
			return tx.CreatePurchase(ctx, &ledger.Purchase{
				ID: "pur_seed", AccountID: "acct_a", AmountCredits: balance,
				Status: ledger.PurchaseApproved, ProviderPaymentID: "cs_seed", CreatedAt: clock.Now(),
			})
		})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := l.ApplyPurchase(ctx, "pur_seed", "acct_a", balance); err != nil {
			t.Fatal(err)
		}
	}
	return &fixture{svc: svc, ledger: l, dispatcher: d, clock: clock}
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), "acct_a")
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func (f *fixture) transactionsOfKind(t *testing.T, kind ledger.TransactionKind) int {
	t.Helper()
	txns, err := f.ledger.Transactions(context.Background(), "acct_a")
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, txn := range txns {
		if txn.Kind == kind {
			n++
		}
	}
	return n
}

// TestSubmitFailRefund covers the reserve, fail, refund and redelivery scenario.
func TestSubmitFailRefund(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	g, err := f.svc.Submit(ctx, "acct_a", 2)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if g.Status != ledger.GenerationProcessing || g.ProviderTaskID == "" {
		t.Fatalf("expected processing with task id, got %+v", g)
	}
	if got := f.balance(t); got != 8 {
		t.Fatalf("expected balance 8, got %d", got)
	}

	res, err := f.svc.FailByTask(ctx, g.ProviderTaskID, "provider error")
	if err != nil {
		t.Fatalf("FailByTask failed: %v", err)
	}
	if res.Outcome != OutcomeFailed || res.Refund.Outcome != ledger.OutcomeRefunded || res.Refund.Balance != 10 {
		t.Fatalf("unexpected fail result %+v", res)
	}

	// Redelivered failure.
	res, err = f.svc.FailByTask(ctx, g.ProviderTaskID, "provider error")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeAlreadyFailed || res.Refund.Outcome != ledger.OutcomeAlreadyRefunded {
		t.Errorf("expected no-op on redelivery, got %+v", res)
	}
	if got := f.balance(t); got != 10 {
		t.Errorf("expected balance 10, got %d", got)
	}
	if n := f.transactionsOfKind(t, ledger.TransactionRefund); n != 1 {
		t.Errorf("expected one refund transaction, got %d", n)
	}

	stored, _ := f.svc.Get(ctx, g.ID)
	if stored.Status != ledger.GenerationFailed || stored.CreditsUsed != 0 || stored.ErrorMessage != "provider error" {
		t.Errorf("unexpected stored generation %+v", stored)
	}
}

func TestStart_InsufficientBalanceNeverDispatches(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, "acct_a", 5)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if f.dispatcher.calls != 0 {
		t.Errorf("expected no dispatch, got %d", f.dispatcher.calls)
	}
	if got := f.balance(t); got != 1 {
		t.Errorf("expected balance unchanged at 1, got %d", got)
	}
}

func TestStart_DispatchFailureRefunds(t *testing.T) {
	f := newFixture(t, 10)
	f.dispatcher.err = errors.New("connection refused")
	ctx := context.Background()

	g, err := f.svc.Create(ctx, "acct_a")
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.svc.Start(ctx, g.ID, 4)
	if !errors.Is(err, ErrDispatchFailed) {
		t.Fatalf("expected ErrDispatchFailed, got %v", err)
	}
	stored, _ := f.svc.Get(ctx, g.ID)
	if stored.Status != ledger.GenerationFailed {
		t.Errorf("expected failed, got %s", stored.Status)
	}
	if got := f.balance(t); got != 10 {
		t.Errorf("expected balance 10 after refund, got %d", got)
	}
}

func TestStart_TwiceChargesOnce(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	g, err := f.svc.Submit(ctx, "acct_a", 3)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Start(ctx, g.ID, 3); err == nil {
		t.Fatal("expected second start to fail")
	}
	if got := f.balance(t); got != 7 {
		t.Errorf("expected balance 7, got %d", got)
	}
	if f.dispatcher.calls != 1 {
		t.Errorf("expected one dispatch, got %d", f.dispatcher.calls)
	}
}

func TestComplete(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	g, err := f.svc.Submit(ctx, "acct_a", 2)
	if err != nil {
		t.Fatal(err)
	}

	creation := Creation{ID: "cr_1", URL: "https://cdn.example/v.mp4", CoverURL: "https://cdn.example/c.jpg", DurationSeconds: 5.5}
	out, err := f.svc.Complete(ctx, g.ProviderTaskID, creation)
	if err != nil || out != OutcomeCompleted {
		t.Fatalf("expected completed, got %s (%v)", out, err)
	}
	out, err = f.svc.Complete(ctx, g.ProviderTaskID, creation)
	if err != nil || out != OutcomeAlreadyCompleted {
		t.Fatalf("expected already completed, got %s (%v)", out, err)
	}

	stored, _ := f.svc.Get(ctx, g.ID)
	if stored.Status != ledger.GenerationCompleted || stored.ResultURL != creation.URL || stored.DurationSeconds != 5.5 {
		t.Errorf("unexpected stored generation %+v", stored)
	}
	if stored.CreditsUsed != 2 {
		t.Errorf("expected credits to stay consumed, got %d", stored.CreditsUsed)
	}
	if got := f.balance(t); got != 8 {
		t.Errorf("expected balance 8, got %d", got)
	}

	if _, err := f.svc.Fail(ctx, g.ID, "late failure"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected failing a completed job to be rejected, got %v", err)
	}
}

func TestComplete_TaskMismatch(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	g, err := f.svc.Submit(ctx, "acct_a", 2)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		taskID  string
		wantErr error
	}{
		{"wrong task", "task_other", ErrTaskMismatch},
		{"missing task", "", ErrTaskMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.CompleteGeneration(ctx, g.ID, tt.taskID, Creation{}); !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	if _, err := f.svc.Complete(ctx, "task_unknown", Creation{}); !errors.Is(err, ledger.ErrGenerationNotFound) {
		t.Errorf("expected not found for unknown task, got %v", err)
	}
	stored, _ := f.svc.Get(ctx, g.ID)
	if stored.Status != ledger.GenerationProcessing {
		t.Errorf("expected generation to stay processing, got %s", stored.Status)
	}
}

func TestFail_ConcurrentRefundsOnce(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	g, err := f.svc.Submit(ctx, "acct_a", 4)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Fail(ctx, g.ID, "boom"); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := f.balance(t); got != 10 {
		t.Errorf("expected balance 10, got %d", got)
	}
	if n := f.transactionsOfKind(t, ledger.TransactionRefund); n != 1 {
		t.Errorf("expected one refund, got %d", n)
	}
}

func TestRetry(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	g, err := f.svc.Submit(ctx, "acct_a", 2)
	if err != nil {
		t.Fatal(err)
	}

	// Retrying a processing job fails and refunds it before the reset.
	reset, err := f.svc.Retry(ctx, g.ID)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if reset.Status != ledger.GenerationPending || reset.ProviderTaskID != "" || reset.ErrorMessage != "" || reset.RetryCount != 1 {
		t.Fatalf("unexpected reset generation %+v", reset)
	}
	if reset.CreditsUsed != 0 {
		t.Errorf("reset must not reserve credits, got credits_used=%d", reset.CreditsUsed)
	}
	if got := f.balance(t); got != 10 {
		t.Errorf("expected balance 10 after reset, got %d", got)
	}

	// Starting again reserves again.
	started, err := f.svc.Start(ctx, g.ID, 2)
	if err != nil {
		t.Fatalf("Start after retry failed: %v", err)
	}
	if started.Status != ledger.GenerationProcessing {
		t.Errorf("expected processing, got %s", started.Status)
	}
	if got := f.balance(t); got != 8 {
		t.Errorf("expected balance 8, got %d", got)
	}
}

func TestRetry_Limits(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	g, err := f.svc.Create(ctx, "acct_a")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Retry(ctx, g.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected pending job retry to be rejected, got %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := f.svc.Fail(ctx, g.ID, "boom"); err != nil {
			t.Fatal(err)
		}
		if _, err := f.svc.Retry(ctx, g.ID); err != nil {
			t.Fatalf("retry %d failed: %v", i+1, err)
		}
	}
	if _, err := f.svc.Fail(ctx, g.ID, "boom"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Retry(ctx, g.ID); !errors.Is(err, ErrRetryLimit) {
		t.Errorf("expected ErrRetryLimit, got %v", err)
	}
}

func TestSweepStale(t *testing.T) {
	f := newFixture(t, 20)
	ctx := context.Background()

	stale, err := f.svc.Submit(ctx, "acct_a", 3)
	if err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(2 * time.Hour)
	fresh, err := f.svc.Submit(ctx, "acct_a", 4)
	if err != nil {
		t.Fatal(err)
	}

	res, err := f.svc.SweepStale(ctx, time.Hour, 0)
	if err != nil {
		t.Fatalf("SweepStale failed: %v", err)
	}
	if len(res.Failed) != 1 || res.Failed[0] != stale.ID {
		t.Fatalf("expected only %s failed, got %+v", stale.ID, res)
	}

	if g, _ := f.svc.Get(ctx, fresh.ID); g.Status != ledger.GenerationProcessing {
		t.Errorf("expected fresh job untouched, got %s", g.Status)
	}
	if got := f.balance(t); got != 16 {
		t.Errorf("expected balance 16, got %d", got)
	}

	// A second sweep finds nothing.
	res, err = f.svc.SweepStale(ctx, time.Hour, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Failed) != 0 || len(res.Refunded) != 0 {
		t.Errorf("expected idempotent sweep, got %+v", res)
	}
}

func TestSweepStale_RefundsOrphanedReservation(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	g, err := f.svc.Submit(ctx, "acct_a", 5)
	if err != nil {
		t.Fatal(err)
	}
	// Simulate a crash between the failed transition and the refund.
	reason := "crashed"
	err = f.ledger.Run(ctx, "test", func(tx ledger.Tx) error {
		_, err := tx.UpdateGeneration(ctx, g.ID, ledger.GenerationProcessing,
			ledger.GenerationUpdate{Status: ledger.GenerationFailed, ErrorMessage: &reason}, f.clock.Now())
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(2 * time.Hour)

	res, err := f.svc.SweepStale(ctx, time.Hour, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Refunded) != 1 || res.Refunded[0] != g.ID {
		t.Fatalf("expected orphaned reservation refunded, got %+v", res)
	}
	if got := f.balance(t); got != 10 {
		t.Errorf("expected balance 10, got %d", got)
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want ledger.Kind
	}{
		{ErrTaskMismatch, ledger.KindValidation},
		{ErrInvalidTransition, ledger.KindConflict},
		{ErrRetryLimit, ledger.KindConflict},
		{ErrDispatchFailed, ledger.KindDependency},
		{ledger.ErrGenerationNotFound, ledger.KindNotFound},
		{nil, ledger.KindNone},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
