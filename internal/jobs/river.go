package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"

	"github.com/onnwee/vidcredit/internal/reconcile"
)

// QueueReconcile is the River queue reconciliation runs on. It has a single
// worker so two passes never overlap.
const QueueReconcile = "reconcile"

// ReconcileArgs is the River job that triggers one reconciliation pass.
type ReconcileArgs struct {
	// Trigger records who asked for the run: "periodic" or "manual".
	Trigger string `json:"trigger"`
}

// Kind implements river.JobArgs.
func (ReconcileArgs) Kind() string { return "reconcile" }

// InsertOpts routes the job to the reconciliation queue.
func (ReconcileArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: QueueReconcile, MaxAttempts: 3}
}

// ReconcileWorker runs reconciliation for River jobs.
type ReconcileWorker struct {
	river.WorkerDefaults[ReconcileArgs]
	job     *reconcile.Job
	timeout time.Duration
	logger  *slog.Logger
}

// NewReconcileWorker wraps job, which supplies the run timeout and metrics.
func NewReconcileWorker(job *reconcile.Job, timeout time.Duration, logger *slog.Logger) *ReconcileWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconcileWorker{job: job, timeout: timeout, logger: logger}
}

// Work runs one pass. A failed pass is returned so River retries it.
func (w *ReconcileWorker) Work(ctx context.Context, job *river.Job[ReconcileArgs]) error {
	report, err := w.job.RunNow(ctx)
	if err != nil {
		return fmt.Errorf("reconciliation failed: %w", err)
	}
	w.logger.InfoContext(ctx, "river reconciliation job finished",
		slog.Int64("job_id", job.ID),
		slog.String("trigger", job.Args.Trigger),
		slog.Int("corrected", len(report.Corrected)),
		slog.Int("unresolved", len(report.Unresolved)))
	return nil
}

// Timeout bounds the River job slightly above the run's own timeout.
func (w *ReconcileWorker) Timeout(*river.Job[ReconcileArgs]) time.Duration {
	if w.timeout <= 0 {
		return 0
	}
	return w.timeout + 10*time.Second
}

// RiverConfig configures the River scheduler.
type RiverConfig struct {
	Interval time.Duration
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Scheduler runs reconciliation as a periodic River job backed by PostgreSQL.
type Scheduler struct {
	client *river.Client[pgx.Tx]
	logger *slog.Logger
}

// MigrateRiver applies River's own schema migrations.
func MigrateRiver(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("failed to create river migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return fmt.Errorf("river migrate up failed: %w", err)
	}
	if logger != nil {
		logger.Info("river migrations applied", slog.Int("count", len(res.Versions)))
	}
	return nil
}

// NewScheduler builds a River client with the reconciliation worker and a
// periodic job that enqueues a pass every config.Interval.
func NewScheduler(pool *pgxpool.Pool, job *reconcile.Job, config RiverConfig) (*Scheduler, error) {
	if config.Interval <= 0 {
		config.Interval = reconcile.DefaultInterval
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	workers := river.NewWorkers()
	if err := river.AddWorkerSafely(workers, NewReconcileWorker(job, config.Timeout, config.Logger)); err != nil {
		return nil, fmt.Errorf("failed to register reconcile worker: %w", err)
	}

	periodic := river.NewPeriodicJob(
		river.PeriodicInterval(config.Interval),
		func() (river.JobArgs, *river.InsertOpts) {
			return ReconcileArgs{Trigger: "periodic"}, nil
		},
		&river.PeriodicJobOpts{RunOnStart: true},
	)

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Logger: config.Logger,
		Queues: map[string]river.QueueConfig{
			QueueReconcile: {MaxWorkers: 1},
		},
		Workers:      workers,
		PeriodicJobs: []*river.PeriodicJob{periodic},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create river client: %w", err)
	}
	return &Scheduler{client: client, logger: config.Logger}, nil
}

// Start begins working jobs. It returns once the client is running.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.client.Start(ctx); err != nil {
		return fmt.Errorf("failed to start river client: %w", err)
	}
	s.logger.Info("river scheduler started", slog.String("queue", QueueReconcile))
	return nil
}

// Stop waits for running jobs to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	return s.client.Stop(ctx)
}

// Enqueue inserts a manual reconciliation pass.
func (s *Scheduler) Enqueue(ctx context.Context) (int64, error) {
	res, err := s.client.Insert(ctx, ReconcileArgs{Trigger: "manual"}, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue reconciliation: %w", err)
	}
	return res.Job.ID, nil
}
