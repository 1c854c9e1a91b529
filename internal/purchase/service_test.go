package purchase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v81"

	"github.com/onnwee/vidcredit/internal/ledger"
)

type fakeCheckoutClient struct {
	mu       sync.Mutex
	calls    []*CheckoutSessionParams
	err      error
	sessions int
}

func (f *fakeCheckoutClient) CreateCheckoutSession(params *CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, params)
	if f.err != nil {
		return nil, f.err
	}
	f.sessions++
	id := "cs_test_" + params.PurchaseID
	return &stripe.CheckoutSession{ID: id, URL: "https://checkout.example/" + id}, nil
}

func newTestService(t *testing.T) (*Service, *ledger.Ledger, *fakeCheckoutClient) {
	t.Helper()
	l := ledger.New(ledger.NewInMemoryStore(), ledger.Config{InitialBackoff: time.Millisecond})
	catalog, err := NewCatalog(DefaultPackages)
	if err != nil {
		t.Fatalf("failed to build catalog: %v", err)
	}
	client := &fakeCheckoutClient{}
	svc := NewService(l, Config{
		Client:     client,
		Catalog:    catalog,
		SuccessURL: "https://app.example/success",
		CancelURL:  "https://app.example/cancel",
	})
	if _, err := l.CreateAccount(context.Background(), "acct_a"); err != nil {
		t.Fatalf("failed to create account: %v", err)
	}
	return svc, l, client
}

func balance(t *testing.T, l *ledger.Ledger, accountID string) int64 {
	t.Helper()
	b, err := l.Balance(context.Background(), accountID)
	if err != nil {
		t.Fatalf("failed to read balance: %v", err)
	}
	return b
}

func TestCreateCheckout(t *testing.T) {
	svc, _, client := newTestService(t)
	ctx := context.Background()

	co, err := svc.CreateCheckout(ctx, "acct_a", "creator")
	if err != nil {
		t.Fatalf("CreateCheckout failed: %v", err)
	}
	if co.AmountCredits != 500 {
		t.Errorf("expected 500 credits, got %d", co.AmountCredits)
	}
	if co.URL == "" || co.SessionID == "" {
		t.Errorf("expected session id and url, got %+v", co)
	}
	if len(client.calls) != 1 || client.calls[0].PurchaseID != co.PurchaseID {
		t.Fatalf("expected one session for purchase %s, got %+v", co.PurchaseID, client.calls)
	}

	p, err := svc.Get(ctx, co.PurchaseID)
	if err != nil {
		t.Fatalf("purchase not recorded: %v", err)
	}
	if p.Status != ledger.PurchasePending || p.ProviderPaymentID != co.SessionID || p.AmountCredits != 500 {
		t.Errorf("unexpected purchase %+v", p)
	}
}

func TestCreateCheckout_Errors(t *testing.T) {
	tests := []struct {
		name      string
		accountID string
		packageID string
		clientErr error
		wantErr   error
	}{
		{"unknown package", "acct_a", "platinum", nil, ErrPackageNotFound},
		{"unknown account", "acct_missing", "starter", nil, ledger.ErrAccountNotFound},
		{"missing account id", "", "starter", nil, ledger.ErrInvalidID},
		{"provider failure", "acct_a", "starter", errors.New("stripe down"), ledger.ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, client := newTestService(t)
			client.err = tt.clientErr
			_, err := svc.CreateCheckout(context.Background(), tt.accountID, tt.packageID)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestHandleNotification_ApprovalCreditsOnce(t *testing.T) {
	svc, l, _ := newTestService(t)
	ctx := context.Background()
	co, err := svc.CreateCheckout(ctx, "acct_a", "starter")
	if err != nil {
		t.Fatal(err)
	}

	n := Notification{EventID: "evt_1", PaymentID: co.SessionID, Status: PaymentApproved}
	res, result, err := svc.HandleNotification(ctx, n)
	if err != nil {
		t.Fatalf("HandleNotification failed: %v", err)
	}
	if res != ResolutionApplied || result.Balance != 100 {
		t.Fatalf("expected applied with balance 100, got %s %+v", res, result)
	}

	res, _, err = svc.HandleNotification(ctx, n)
	if err != nil {
		t.Fatal(err)
	}
	if res != ResolutionAlreadyApplied {
		t.Errorf("expected already applied on replay, got %s", res)
	}
	if got := balance(t, l, "acct_a"); got != 100 {
		t.Errorf("expected balance 100 after replay, got %d", got)
	}
}

func TestHandleNotification_ChargeChecked(t *testing.T) {
	tests := []struct {
		name    string
		charge  Charge
		wantErr error
	}{
		{"matching package id", Charge{AmountCents: 999, Currency: "usd", PackageID: "starter"}, nil},
		{"matched by credits", Charge{AmountCents: 999, Currency: "USD"}, nil},
		{"short amount", Charge{AmountCents: 499, Currency: "usd", PackageID: "starter"}, ledger.ErrAmountMismatch},
		{"other currency", Charge{AmountCents: 999, Currency: "gbp", PackageID: "starter"}, ledger.ErrAmountMismatch},
		{"package of different size", Charge{AmountCents: 3999, Currency: "usd", PackageID: "creator"}, ledger.ErrAmountMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, l, _ := newTestService(t)
			ctx := context.Background()
			co, err := svc.CreateCheckout(ctx, "acct_a", "starter")
			if err != nil {
				t.Fatal(err)
			}
			charge := tt.charge
			res, _, err := svc.HandleNotification(ctx, Notification{PaymentID: co.SessionID, Status: PaymentApproved, Charge: &charge})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			want := int64(100)
			if tt.wantErr != nil {
				want = 0
				if ledger.KindOf(err) != ledger.KindValidation {
					t.Errorf("expected validation kind, got %s", ledger.KindOf(err))
				}
			} else if res != ResolutionApplied {
				t.Errorf("expected applied, got %s", res)
			}
			if got := balance(t, l, "acct_a"); got != want {
				t.Errorf("expected balance %d, got %d", want, got)
			}
		})
	}
}

func TestHandleNotification_ConcurrentApprovals(t *testing.T) {
	svc, l, _ := newTestService(t)
	ctx := context.Background()
	co, err := svc.CreateCheckout(ctx, "acct_a", "studio")
	if err != nil {
		t.Fatal(err)
	}

	var applied int32
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, _, err := svc.HandleNotification(ctx, Notification{PurchaseID: co.PurchaseID, Status: PaymentApproved})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if res == ResolutionApplied {
				atomic.AddInt32(&applied, 1)
			}
		}()
	}
	wg.Wait()

	if applied != 1 {
		t.Errorf("expected exactly one application, got %d", applied)
	}
	if got := balance(t, l, "acct_a"); got != 2000 {
		t.Errorf("expected balance 2000, got %d", got)
	}
}

func TestHandleNotification_Rejection(t *testing.T) {
	svc, l, _ := newTestService(t)
	ctx := context.Background()
	co, err := svc.CreateCheckout(ctx, "acct_a", "starter")
	if err != nil {
		t.Fatal(err)
	}

	res, _, err := svc.HandleNotification(ctx, Notification{PaymentID: co.SessionID, Status: PaymentRejected})
	if err != nil || res != ResolutionRejected {
		t.Fatalf("expected rejected, got %s (%v)", res, err)
	}

	// A late approval for a rejected purchase changes nothing.
	res, _, err = svc.HandleNotification(ctx, Notification{PaymentID: co.SessionID, Status: PaymentApproved})
	if err != nil || res != ResolutionIgnored {
		t.Fatalf("expected ignored, got %s (%v)", res, err)
	}
	if got := balance(t, l, "acct_a"); got != 0 {
		t.Errorf("expected balance 0, got %d", got)
	}
}

func TestHandleNotification_RejectionAfterApprovalIgnored(t *testing.T) {
	svc, l, _ := newTestService(t)
	ctx := context.Background()
	co, err := svc.CreateCheckout(ctx, "acct_a", "starter")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := svc.HandleNotification(ctx, Notification{PaymentID: co.SessionID, Status: PaymentApproved}); err != nil {
		t.Fatal(err)
	}

	res, _, err := svc.HandleNotification(ctx, Notification{PaymentID: co.SessionID, Status: PaymentRejected})
	if err != nil || res != ResolutionIgnored {
		t.Fatalf("expected ignored, got %s (%v)", res, err)
	}
	p, _ := svc.Get(ctx, co.PurchaseID)
	if p.Status != ledger.PurchaseApproved {
		t.Errorf("expected purchase to stay approved, got %s", p.Status)
	}
	if got := balance(t, l, "acct_a"); got != 100 {
		t.Errorf("expected balance 100, got %d", got)
	}
}

func TestHandleNotification_Validation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	co, err := svc.CreateCheckout(ctx, "acct_a", "starter")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		n       Notification
		wantErr error
	}{
		{"unknown status", Notification{PaymentID: co.SessionID, Status: "refunded"}, ErrUnknownPaymentStatus},
		{"no identifiers", Notification{Status: PaymentApproved}, ledger.ErrInvalidID},
		{"unknown payment", Notification{PaymentID: "cs_unknown", Status: PaymentApproved}, ledger.ErrPurchaseNotFound},
		{"mismatched ids", Notification{PurchaseID: co.PurchaseID, PaymentID: "cs_other", Status: PaymentApproved}, ledger.ErrOwnershipMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := svc.HandleNotification(ctx, tt.n)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestHandleNotification_PendingIgnored(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	co, err := svc.CreateCheckout(ctx, "acct_a", "starter")
	if err != nil {
		t.Fatal(err)
	}
	res, _, err := svc.HandleNotification(ctx, Notification{PaymentID: co.SessionID, Status: PaymentPending})
	if err != nil || res != ResolutionIgnored {
		t.Errorf("expected ignored, got %s (%v)", res, err)
	}
}

func TestNewCatalog(t *testing.T) {
	tests := []struct {
		name     string
		packages []CreditPackage
		wantErr  bool
	}{
		{"defaults", DefaultPackages, false},
		{"missing id", []CreditPackage{{Credits: 1, PriceCents: 1}}, true},
		{"zero credits", []CreditPackage{{ID: "x", PriceCents: 1}}, true},
		{"duplicate", []CreditPackage{{ID: "x", Credits: 1, PriceCents: 1}, {ID: "x", Credits: 2, PriceCents: 2}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCatalog(tt.packages)
			if (err != nil) != tt.wantErr {
				t.Errorf("expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}

	c, _ := NewCatalog([]CreditPackage{{ID: "x", Credits: 1, PriceCents: 1}})
	if p, _ := c.Get("x"); p.Currency != "usd" {
		t.Errorf("expected default currency usd, got %q", p.Currency)
	}
}
