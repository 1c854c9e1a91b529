package api

import (
	"log/slog"
	"net/http"

	"github.com/onnwee/vidcredit/internal/auth"
	"github.com/onnwee/vidcredit/internal/middleware"
)

// ServiceName names the service in traces and the root endpoint.
const ServiceName = "vidcredit-api"

// RouterConfig wires handlers and middleware into a single http.Handler.
// Nil handler groups are not routed.
type RouterConfig struct {
	Accounts    *AccountHandlers
	Generations *GenerationHandlers
	Purchases   *PurchaseHandlers
	Webhooks    *WebhookHandlers
	Admin       *AdminHandlers
	Health      *HealthHandlers

	// Authorizer guards /admin routes. Without one they are not routed.
	Authorizer middleware.Authorizer
	// MetricsHandler serves GET /metrics when set.
	MetricsHandler http.Handler

	RateLimitStore middleware.RateLimitStore
	PublicLimit    middleware.RateLimitConfig
	AdminLimit     middleware.RateLimitConfig
	// Idempotency applies to the account-facing routes when its Repository is set.
	Idempotency middleware.IdempotencyConfig
	CORS        middleware.CORSConfig

	Metrics *middleware.Metrics
	Logger  *slog.Logger
}

// IdempotentRoutes are the POST routes that honor Idempotency-Key.
var IdempotentRoutes = map[string]bool{
	"/generations": true,
	"/checkout":    true,
}

// NewRouter builds the HTTP handler.
//
// Middleware order, outermost first: Recover, RequestID, Tracing, Logging,
// HTTPMetrics, CORS. Account routes add rate limiting by client IP and
// idempotency. Admin routes add bearer auth and rate limiting by subject.
// Webhooks are neither rate limited nor deduplicated here; the event log
// handles redelivery.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RateLimitStore == nil {
		cfg.RateLimitStore = middleware.NewInMemoryRateLimitStore()
	}
	if cfg.PublicLimit.Validate() != nil {
		cfg.PublicLimit = middleware.DefaultPublicLimit()
	}
	if cfg.AdminLimit.Validate() != nil {
		cfg.AdminLimit = middleware.DefaultAdminLimit()
	}

	public := func(h http.HandlerFunc) http.Handler {
		var next http.Handler = h
		if cfg.Idempotency.Repository != nil {
			idem := cfg.Idempotency
			if idem.Routes == nil {
				idem.Routes = IdempotentRoutes
			}
			if idem.Logger == nil {
				idem.Logger = cfg.Logger
			}
			if idem.Metrics == nil {
				idem.Metrics = cfg.Metrics
			}
			next = middleware.Idempotency(idem)(next)
		}
		return middleware.RateLimiter(cfg.RateLimitStore, cfg.PublicLimit, middleware.IPKeyFunc(), cfg.Metrics)(next)
	}
	admin := func(h http.HandlerFunc) http.Handler {
		limited := middleware.RateLimiter(cfg.RateLimitStore, cfg.AdminLimit, middleware.SubjectKeyFunc(), cfg.Metrics)(h)
		return middleware.RequireRole(cfg.Authorizer, auth.RoleOperator)(limited)
	}

	mux := http.NewServeMux()

	if cfg.Health != nil {
		mux.HandleFunc("GET /health", cfg.Health.Health)
		mux.HandleFunc("GET /ready", cfg.Health.Ready)
	}
	if cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", cfg.MetricsHandler)
	}

	if cfg.Accounts != nil {
		mux.Handle("GET /accounts/{id}/balance", public(cfg.Accounts.Balance))
		mux.Handle("GET /accounts/{id}/transactions", public(cfg.Accounts.Transactions))
	}
	if cfg.Generations != nil {
		mux.Handle("POST /generations", public(cfg.Generations.Submit))
		mux.Handle("GET /generations/{id}", public(cfg.Generations.Get))
	}
	if cfg.Purchases != nil {
		mux.Handle("POST /checkout", public(cfg.Purchases.Checkout))
		mux.Handle("GET /purchases/{id}", public(cfg.Purchases.Get))
	}

	if cfg.Webhooks != nil {
		mux.HandleFunc("POST /webhooks/payments", cfg.Webhooks.HandlePayment)
		mux.HandleFunc("POST /webhooks/generations", cfg.Webhooks.HandleGeneration)
		if cfg.Webhooks.config.StripeSecret != "" {
			mux.HandleFunc("POST /webhooks/stripe", cfg.Webhooks.HandleStripe)
		}
	}

	if cfg.Admin != nil && cfg.Authorizer != nil {
		mux.Handle("POST /admin/generations/{id}/refund", admin(cfg.Admin.Refund))
		mux.Handle("POST /admin/generations/{id}/retry", admin(cfg.Admin.Retry))
		if cfg.Admin.config.Reconciler != nil {
			mux.Handle("POST /admin/reconcile", admin(cfg.Admin.Reconcile))
		}
		if cfg.Admin.config.Review != nil {
			mux.Handle("GET /admin/review", admin(cfg.Admin.Review))
		}
		if cfg.Admin.config.Audit != nil {
			mux.Handle("GET /admin/audit", admin(cfg.Admin.AuditExport))
		}
	} else if cfg.Admin != nil {
		cfg.Logger.Warn("admin routes disabled: no token authorizer configured")
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeNotFound)
			WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "The requested resource was not found")
			return
		}
		writeJSON(w, r, http.StatusOK, map[string]string{"service": ServiceName})
	})

	var handler http.Handler = mux
	handler = middleware.CORS(cfg.CORS)(handler)
	handler = middleware.HTTPMetrics(cfg.Metrics)(handler)
	handler = middleware.Logging(cfg.Logger)(handler)
	handler = middleware.Tracing(ServiceName)(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recover(cfg.Logger)(handler)
	return handler
}
