package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// JobType labels reconciliation runs in the shared background job metrics.
const JobType = "reconciliation"

// JobMetrics provides centralized background job metrics tracking.
type JobMetrics interface {
	IncJobsTotal(jobType, status string)
	ObserveJobDuration(jobType string, seconds float64)
	IncJobErrors(jobType, errorType string)
}

// Runner performs one reconciliation pass.
type Runner interface {
	Run(ctx context.Context) (*Report, error)
}

// JobConfig configures the periodic reconciliation job.
type JobConfig struct {
	// Interval is the duration between runs.
	Interval time.Duration
	// Timeout bounds each run.
	Timeout time.Duration
	// RunOnStart runs once immediately instead of waiting for the first tick.
	RunOnStart bool
	Logger     *slog.Logger
	JobMetrics JobMetrics
}

// Defaults for JobConfig.
const (
	DefaultInterval = 5 * time.Minute
	DefaultTimeout  = 2 * time.Minute
)

// Job runs reconciliation on a ticker until stopped.
type Job struct {
	config JobConfig
	runner Runner

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	last    *Report
}

// NewJob creates a periodic reconciliation job.
func NewJob(config JobConfig, runner Runner) *Job {
	if config.Interval == 0 {
		config.Interval = DefaultInterval
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Job{config: config, runner: runner}
}

// Start begins the periodic job in a background goroutine. Starting a running job is a no-op.
func (j *Job) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return nil
	}
	j.running = true
	j.stopCh = make(chan struct{})
	j.doneCh = make(chan struct{})
	j.mu.Unlock()

	go j.run(ctx)
	return nil
}

// Stop signals the job to stop and waits for the current run to finish.
func (j *Job) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	stopCh := j.stopCh
	doneCh := j.doneCh
	j.mu.Unlock()

	close(stopCh)
	<-doneCh

	j.mu.Lock()
	j.running = false
	j.mu.Unlock()
}

// IsRunning returns whether the job loop is active.
func (j *Job) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

// LastReport returns the report of the most recent run, or nil.
func (j *Job) LastReport() *Report {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.last
}

func (j *Job) run(ctx context.Context) {
	defer close(j.doneCh)

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	if j.config.RunOnStart {
		j.RunNow(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			j.config.Logger.Info("reconciliation job stopping due to context cancellation")
			return
		case <-j.stopCh:
			j.config.Logger.Info("reconciliation job stopping due to stop signal")
			return
		case <-ticker.C:
			j.RunNow(ctx)
		}
	}
}

// RunNow performs one bounded run immediately and records its metrics.
func (j *Job) RunNow(parent context.Context) (*Report, error) {
	ctx, cancel := context.WithTimeout(parent, j.config.Timeout)
	defer cancel()

	start := time.Now()
	report, err := j.runner.Run(ctx)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "failure"
		errorType := "run_error"
		if ctx.Err() == context.DeadlineExceeded {
			errorType = "timeout"
		}
		if j.config.JobMetrics != nil {
			j.config.JobMetrics.IncJobErrors(JobType, errorType)
		}
		j.config.Logger.Error("reconciliation run failed",
			"error", err,
			"duration_seconds", duration)
	}
	if j.config.JobMetrics != nil {
		j.config.JobMetrics.IncJobsTotal(JobType, status)
		j.config.JobMetrics.ObserveJobDuration(JobType, duration)
	}

	if report != nil {
		j.mu.Lock()
		j.last = report
		j.mu.Unlock()
	}
	return report, err
}
