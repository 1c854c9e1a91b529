// Command reconcile performs a single reconciliation pass against the
// configured database and prints the report as JSON.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/onnwee/vidcredit/internal/audit"
	"github.com/onnwee/vidcredit/internal/config"
	"github.com/onnwee/vidcredit/internal/db"
	"github.com/onnwee/vidcredit/internal/eventlog"
	"github.com/onnwee/vidcredit/internal/generation"
	"github.com/onnwee/vidcredit/internal/ledger"
	"github.com/onnwee/vidcredit/internal/middleware"
	"github.com/onnwee/vidcredit/internal/purchase"
	"github.com/onnwee/vidcredit/internal/reconcile"
	"github.com/onnwee/vidcredit/internal/webhook"
)

// cliActor is the audit actor for runs started from this command.
const cliActor = "cli:reconcile"

// errRunFailed marks a run that finished with phase errors.
var errRunFailed = errors.New("reconciliation finished with errors")

type runner interface {
	Run(ctx context.Context) (*reconcile.Report, error)
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	timeout := flag.Duration("timeout", reconcile.DefaultTimeout, "upper bound for the run")
	flag.Parse()

	_ = godotenv.Load()

	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		}
		os.Exit(1)
	}
	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	if cfg.DatabaseURL == "" {
		logger.Error("reconcile requires database_url")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer conn.Close()

	l := ledger.New(ledger.NewPostgresStore(conn, logger), ledger.Config{Logger: logger})
	generations := generation.NewService(l, generation.Config{MaxRetries: cfg.GenerationMaxRetries, Logger: logger})
	catalog, err := purchase.NewCatalog(cfg.CreditPackages)
	if err != nil {
		logger.Error("invalid credit packages", slog.String("error", err.Error()))
		os.Exit(1)
	}
	purchases := purchase.NewService(l, purchase.Config{Catalog: catalog, Logger: logger})
	processor := webhook.NewProcessor(eventlog.NewPostgresLog(conn, logger), purchases, generations, logger, nil,
		webhook.WithUnknownTaskGrace(cfg.GenerationCallbackGrace()))
	reconciler := reconcile.NewReconciler(l, generations, processor, reconcile.Config{
		StaleAfter: cfg.GenerationStaleAfter(),
		Logger:     logger,
	})

	if err := runOnce(ctx, reconciler, audit.NewPostgresRepository(conn), os.Stdout, logger); err != nil {
		logger.Error("reconcile failed", slog.String("error", err.Error()))
		conn.Close()
		os.Exit(1)
	}
}

// runOnce performs one pass, records it in the audit log and writes the
// report to out. A report with phase errors is still written.
func runOnce(ctx context.Context, r runner, repo audit.Repository, out io.Writer, logger *slog.Logger) error {
	ctx = middleware.SetSubject(ctx, cliActor)
	ctx = middleware.WithRequestID(ctx, uuid.NewString())

	started := time.Now()
	report, runErr := r.Run(ctx)

	outcome := audit.OutcomeSuccess
	if runErr != nil {
		outcome = audit.OutcomeFailure
	}
	if _, err := audit.Record(ctx, repo, audit.EntityReconciliation, "cli", audit.ActionRunReconciliation, outcome); err != nil {
		logger.ErrorContext(ctx, "failed to record audit entry", slog.String("error", err.Error()))
	}

	if report == nil {
		return runErr
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	logger.InfoContext(ctx, "reconciliation finished",
		slog.Int("discrepancies", report.Discrepancies),
		slog.Int("replayed", report.Replayed),
		slog.Duration("duration", time.Since(started)))
	if runErr != nil {
		return fmt.Errorf("%w: %w", errRunFailed, runErr)
	}
	return nil
}
