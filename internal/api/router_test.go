package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/vidcredit/internal/middleware"
)

func TestRouter_UnknownPath(t *testing.T) {
	f := newFixture(t)
	rec := f.get("/nope")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if code := errorCodeOf(t, rec); code != ErrCodeNotFound {
		t.Errorf("expected %q, got %q", ErrCodeNotFound, code)
	}
}

func TestRouter_SetsRequestID(t *testing.T) {
	f := newFixture(t)
	rec := f.get("/health")
	if rec.Header().Get(middleware.RequestIDHeader) == "" {
		t.Error("expected a request id header")
	}
}

func TestRouter_StripeRouteNeedsSecret(t *testing.T) {
	h := NewRouter(RouterConfig{
		Webhooks: NewWebhookHandlers(WebhookHandlersConfig{}),
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader("{}")))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 without a stripe secret, got %d", rec.Code)
	}
}

func TestRouter_AdminNeedsAuthorizer(t *testing.T) {
	h := NewRouter(RouterConfig{Admin: NewAdminHandlers(AdminHandlersConfig{})})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/generations/gen_1/refund", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected admin routes to be unrouted, got %d", rec.Code)
	}
}

func TestRouter_RateLimitsAccountRoutes(t *testing.T) {
	f := newFixture(t)
	f.handler = NewRouter(RouterConfig{
		Accounts:    NewAccountHandlers(f.ledger, nil),
		PublicLimit: middleware.RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Minute},
	})
	for i := 0; i < 2; i++ {
		if rec := f.get("/accounts/acct_a/balance"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := f.get("/accounts/acct_a/balance")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := middleware.NewMetrics()
	if err := metrics.Register(reg); err != nil {
		t.Fatal(err)
	}
	f := newFixture(t)
	f.handler = NewRouter(RouterConfig{
		Accounts:       NewAccountHandlers(f.ledger, nil),
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Metrics:        metrics,
	})

	f.get("/accounts/acct_a/balance")
	rec := f.get("/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `path="/accounts/{id}/balance"`) {
		t.Errorf("expected normalized path in metrics, got:\n%s", rec.Body.String())
	}
}
