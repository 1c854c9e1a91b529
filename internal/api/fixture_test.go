package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v81"

	"github.com/onnwee/vidcredit/internal/audit"
	"github.com/onnwee/vidcredit/internal/auth"
	"github.com/onnwee/vidcredit/internal/eventlog"
	"github.com/onnwee/vidcredit/internal/generation"
	"github.com/onnwee/vidcredit/internal/idempotency"
	"github.com/onnwee/vidcredit/internal/ledger"
	"github.com/onnwee/vidcredit/internal/middleware"
	"github.com/onnwee/vidcredit/internal/purchase"
	"github.com/onnwee/vidcredit/internal/reconcile"
	"github.com/onnwee/vidcredit/internal/signature"
	"github.com/onnwee/vidcredit/internal/webhook"
)

const (
	testPaymentSecret    = "payments-secret"
	testGenerationSecret = "generations-secret"
	testStripeSecret     = "whsec_test_secret"
	testJWTSecret        = "jwt-secret-for-api-tests"
)

type stubCheckoutClient struct{}

func (stubCheckoutClient) CreateCheckoutSession(params *purchase.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	id := "cs_test_" + params.PurchaseID
	return &stripe.CheckoutSession{ID: id, URL: "https://checkout.example/" + id}, nil
}

// fixture is a full in-memory stack behind the real router.
type fixture struct {
	t           *testing.T
	handler     http.Handler
	ledger      *ledger.Ledger
	generations *generation.Service
	purchases   *purchase.Service
	events      *eventlog.InMemoryLog
	audit       *audit.InMemoryRepository
	jwt         *auth.JWTService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := ledger.New(ledger.NewInMemoryStore(), ledger.Config{InitialBackoff: time.Millisecond})
	catalog, err := purchase.NewCatalog(purchase.DefaultPackages)
	if err != nil {
		t.Fatal(err)
	}
	purchases := purchase.NewService(l, purchase.Config{Client: stubCheckoutClient{}, Catalog: catalog, Logger: logger})
	generations := generation.NewService(l, generation.Config{Logger: logger})
	events := eventlog.NewInMemoryLog()
	processor := webhook.NewProcessor(events, purchases, generations, logger, nil)
	reconciler := reconcile.NewReconciler(l, generations, processor, reconcile.Config{Logger: logger})
	job := reconcile.NewJob(reconcile.JobConfig{Logger: logger}, reconciler)
	auditRepo := audit.NewInMemoryRepository()
	jwtService := auth.NewJWTService(testJWTSecret, "")

	handler := NewRouter(RouterConfig{
		Accounts:    NewAccountHandlers(l, logger),
		Generations: NewGenerationHandlers(generations, logger),
		Purchases:   NewPurchaseHandlers(purchases, logger),
		Webhooks: NewWebhookHandlers(WebhookHandlersConfig{
			Processor:          processor,
			PaymentVerifier:    &signature.Verifier{Secret: []byte(testPaymentSecret)},
			GenerationVerifier: &signature.Verifier{Secret: []byte(testGenerationSecret)},
			StripeSecret:       testStripeSecret,
			Logger:             logger,
		}),
		Admin: NewAdminHandlers(AdminHandlersConfig{
			Generations: generations,
			Reconciler:  job,
			Review:      reconciler,
			Audit:       auditRepo,
			Logger:      logger,
		}),
		Health:     NewHealthHandlers(HealthHandlersConfig{}),
		Authorizer: jwtService,
		Idempotency: middleware.IdempotencyConfig{
			Repository: idempotency.NewInMemoryRepository(),
			TTL:        time.Hour,
		},
		Logger: logger,
	})

	if _, err := l.CreateAccount(context.Background(), "acct_a"); err != nil {
		t.Fatal(err)
	}
	return &fixture{
		t:           t,
		handler:     handler,
		ledger:      l,
		generations: generations,
		purchases:   purchases,
		events:      events,
		audit:       auditRepo,
		jwt:         jwtService,
	}
}

// fund credits acct_a through an approved purchase.
func (f *fixture) fund(credits int64) {
	f.t.Helper()
	ctx := context.Background()
	id := f.ledger.NewID()
	err := f.ledger.Run(ctx, "seed", func(tx ledger.Tx) error {
		return tx.CreatePurchase(ctx, &ledger.Purchase{
			ID: id, AccountID: "acct_a", AmountCredits: credits,
			Status: ledger.PurchaseApproved, ProviderPaymentID: "pay_" + id, CreatedAt: time.Now(),
		})
	})
	if err != nil {
		f.t.Fatal(err)
	}
	if _, err := f.ledger.ApplyPurchase(ctx, id, "acct_a", credits); err != nil {
		f.t.Fatal(err)
	}
}

func (f *fixture) balance() int64 {
	f.t.Helper()
	b, err := f.ledger.Balance(context.Background(), "acct_a")
	if err != nil {
		f.t.Fatal(err)
	}
	return b
}

func (f *fixture) token(role string) string {
	f.t.Helper()
	tok, err := f.jwt.GenerateToken("ops-1", role, time.Minute)
	if err != nil {
		f.t.Fatal(err)
	}
	return tok
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) get(path string) *httptest.ResponseRecorder {
	return f.do(httptest.NewRequest(http.MethodGet, path, nil))
}

func (f *fixture) postJSON(path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return f.do(req)
}

func (f *fixture) admin(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer "+f.token(auth.RoleOperator))
	return f.do(req)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func errorCodeOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[ErrorResponse](t, rec).Error.Code
}
