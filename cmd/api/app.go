package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/vidcredit/internal/api"
	"github.com/onnwee/vidcredit/internal/audit"
	"github.com/onnwee/vidcredit/internal/auth"
	"github.com/onnwee/vidcredit/internal/config"
	"github.com/onnwee/vidcredit/internal/db"
	"github.com/onnwee/vidcredit/internal/eventlog"
	"github.com/onnwee/vidcredit/internal/generation"
	"github.com/onnwee/vidcredit/internal/health"
	"github.com/onnwee/vidcredit/internal/idempotency"
	"github.com/onnwee/vidcredit/internal/jobs"
	"github.com/onnwee/vidcredit/internal/ledger"
	"github.com/onnwee/vidcredit/internal/middleware"
	"github.com/onnwee/vidcredit/internal/purchase"
	"github.com/onnwee/vidcredit/internal/reconcile"
	"github.com/onnwee/vidcredit/internal/signature"
	"github.com/onnwee/vidcredit/internal/webhook"
)

const (
	dispatchTimeout         = 30 * time.Second
	shutdownTimeout         = 10 * time.Second
	idempotencyCleanupEvery = 10 * time.Minute
)

// app is the wired server and its background work.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	handler http.Handler

	job       *reconcile.Job
	scheduler *jobs.Scheduler
	// memIdempotency is set when keys live in process and need sweeping.
	memIdempotency *idempotency.InMemoryRepository

	closers []func() error
}

// metricsSet groups every collector the service exports.
type metricsSet struct {
	http       *middleware.Metrics
	ledger     *ledger.Metrics
	generation *generation.Metrics
	webhook    *webhook.Metrics
	reconcile  *reconcile.Metrics
	jobs       *jobs.Metrics
}

func newMetricsSet(reg prometheus.Registerer) (*metricsSet, error) {
	m := &metricsSet{
		http:       middleware.NewMetrics(),
		ledger:     ledger.NewMetrics(),
		generation: generation.NewMetrics(),
		webhook:    webhook.NewMetrics(),
		reconcile:  reconcile.NewMetrics(),
		jobs:       jobs.NewMetrics(),
	}
	for _, r := range []interface {
		Register(prometheus.Registerer) error
	}{m.http, m.ledger, m.generation, m.webhook, m.reconcile, m.jobs} {
		if err := r.Register(reg); err != nil {
			return nil, err
		}
	}
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("failed to register go collector: %w", err)
	}
	return m, nil
}

// stores are the persistence backends, Postgres or in-memory.
type stores struct {
	sqlDB  *sql.DB
	ledger ledger.Store
	events eventlog.Log
	audit  audit.Repository
}

func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stores, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("no database_url configured, using in-memory stores")
		return &stores{
			ledger: ledger.NewInMemoryStore(),
			events: eventlog.NewInMemoryLog(),
			audit:  audit.NewInMemoryRepository(),
		}, nil
	}

	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(cfg.DatabaseURL, logger); err != nil {
		conn.Close()
		return nil, err
	}
	return &stores{
		sqlDB:  conn,
		ledger: ledger.NewPostgresStore(conn, logger),
		events: eventlog.NewPostgresLog(conn, logger),
		audit:  audit.NewPostgresRepository(conn),
	}, nil
}

// newApp wires every component from cfg. reg receives all collectors.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg *prometheus.Registry) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	metrics, err := newMetricsSet(reg)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if st.sqlDB != nil {
		a.closers = append(a.closers, st.sqlDB.Close)
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis_url: %w", err)
		}
		redisClient = redis.NewClient(opts)
		a.closers = append(a.closers, redisClient.Close)
	}

	l := ledger.New(st.ledger, ledger.Config{Logger: logger, Metrics: metrics.ledger})

	catalog, err := purchase.NewCatalog(cfg.CreditPackages)
	if err != nil {
		return nil, err
	}
	purchaseConfig := purchase.Config{
		Catalog:    catalog,
		SuccessURL: cfg.CheckoutSuccessURL,
		CancelURL:  cfg.CheckoutCancelURL,
		Logger:     logger,
	}
	if cfg.StripeAPIKey != "" {
		purchaseConfig.Client = purchase.NewStripeClient(cfg.StripeAPIKey)
	} else {
		logger.Warn("no stripe_api_key configured, checkout is unavailable")
	}
	purchases := purchase.NewService(l, purchaseConfig)

	generationConfig := generation.Config{
		MaxRetries: cfg.GenerationMaxRetries,
		Logger:     logger,
		Metrics:    metrics.generation,
	}
	if cfg.GenerationProviderURL != "" {
		generationConfig.Dispatcher = generation.NewHTTPDispatcher(cfg.GenerationProviderURL, cfg.GenerationProviderAPIKey, dispatchTimeout)
	} else {
		logger.Warn("no generation_provider_url configured, jobs are accepted locally")
	}
	generations := generation.NewService(l, generationConfig)

	processor := webhook.NewProcessor(st.events, purchases, generations, logger, metrics.webhook,
		webhook.WithUnknownTaskGrace(cfg.GenerationCallbackGrace()))

	reconciler := reconcile.NewReconciler(l, generations, processor, reconcile.Config{
		StaleAfter: cfg.GenerationStaleAfter(),
		Logger:     logger,
		Metrics:    metrics.reconcile,
	})
	a.job = reconcile.NewJob(reconcile.JobConfig{
		Interval:   cfg.ReconcileInterval(),
		Logger:     logger,
		JobMetrics: metrics.jobs,
	}, reconciler)

	if cfg.JobBackend == config.JobBackendRiver {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open river pool: %w", err)
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		if err := jobs.MigrateRiver(ctx, pool, logger); err != nil {
			return nil, err
		}
		a.scheduler, err = jobs.NewScheduler(pool, a.job, jobs.RiverConfig{
			Interval: cfg.ReconcileInterval(),
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
	}

	var idemRepo idempotency.Repository
	var rateStore middleware.RateLimitStore
	healthConfig := api.HealthHandlersConfig{}
	if st.sqlDB != nil {
		healthConfig.DBChecker = health.NewDBChecker(st.sqlDB)
	}
	if redisClient != nil {
		idemRepo = idempotency.NewRedisRepository(redisClient)
		rateStore = middleware.NewRedisRateLimitStore(redisClient, metrics.http, logger)
		healthConfig.RedisChecker = health.NewRedisChecker(redisClient)
	} else {
		a.memIdempotency = idempotency.NewInMemoryRepository()
		idemRepo = a.memIdempotency
		rateStore = middleware.NewInMemoryRateLimitStore()
	}

	routerConfig := api.RouterConfig{
		Accounts:    api.NewAccountHandlers(l, logger),
		Generations: api.NewGenerationHandlers(generations, logger),
		Purchases:   api.NewPurchaseHandlers(purchases, logger),
		Webhooks: api.NewWebhookHandlers(api.WebhookHandlersConfig{
			Processor: processor,
			PaymentVerifier: &signature.Verifier{
				Secret:     []byte(cfg.PaymentWebhookSecret),
				Tolerance:  cfg.SignatureTolerance(),
				Production: cfg.IsProduction(),
			},
			GenerationVerifier: &signature.Verifier{
				Secret:     []byte(cfg.GenerationWebhookSecret),
				Tolerance:  cfg.SignatureTolerance(),
				Production: cfg.IsProduction(),
			},
			StripeSecret: cfg.StripeWebhookSecret,
			Metrics:      metrics.webhook,
			Logger:       logger,
		}),
		Admin: api.NewAdminHandlers(api.AdminHandlersConfig{
			Generations: generations,
			Reconciler:  a.job,
			Review:      reconciler,
			Audit:       st.audit,
			Logger:      logger,
		}),
		Health:         api.NewHealthHandlers(healthConfig),
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		RateLimitStore: rateStore,
		PublicLimit:    middleware.RateLimitConfig{RequestsPerWindow: cfg.RateLimitPublicPerMinute, WindowDuration: time.Minute},
		AdminLimit:     middleware.RateLimitConfig{RequestsPerWindow: cfg.RateLimitAdminPerMinute, WindowDuration: time.Minute},
		Idempotency: middleware.IdempotencyConfig{
			Repository: idemRepo,
			Required:   cfg.IdempotencyRequired,
			TTL:        cfg.IdempotencyTTL(),
		},
		CORS:    middleware.CORSConfig{AllowedOrigins: cfg.CORSAllowedOrigins},
		Metrics: metrics.http,
		Logger:  logger,
	}
	if cfg.AdminJWTSecret != "" {
		routerConfig.Authorizer = auth.NewJWTService(cfg.AdminJWTSecret, cfg.AdminJWTPreviousSecret)
	}
	a.handler = api.NewRouter(routerConfig)

	ok = true
	return a, nil
}

// serve runs the HTTP server on ln and the background work until ctx is
// cancelled, then shuts everything down.
func (a *app) serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:      a.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// River stops on its own context; keep it alive until Stop drains running jobs.
	if a.scheduler != nil {
		if err := a.scheduler.Start(context.WithoutCancel(ctx)); err != nil {
			return err
		}
	} else if err := a.job.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("starting server", slog.String("addr", ln.Addr().String()))
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	if a.memIdempotency != nil {
		g.Go(func() error {
			idempotency.RunPeriodicCleanup(gctx, a.memIdempotency, idempotencyCleanupEvery, a.logger)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server forced to shutdown: %w", err))
		}
		if a.scheduler != nil {
			if err := a.scheduler.Stop(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("river scheduler stop: %w", err))
			}
		} else {
			a.job.Stop()
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Error("failed to close resource", slog.String("error", err.Error()))
		}
	}
	a.closers = nil
}
