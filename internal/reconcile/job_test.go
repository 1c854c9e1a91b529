package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type countingRunner struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *countingRunner) Run(ctx context.Context) (*Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return &Report{Discrepancies: r.calls}, r.err
}

func (r *countingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type recordingJobMetrics struct {
	mu     sync.Mutex
	totals map[string]int
	errors map[string]int
}

func newRecordingJobMetrics() *recordingJobMetrics {
	return &recordingJobMetrics{totals: map[string]int{}, errors: map[string]int{}}
}

func (m *recordingJobMetrics) IncJobsTotal(jobType, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totals[jobType+"/"+status]++
}

func (m *recordingJobMetrics) ObserveJobDuration(jobType string, seconds float64) {}

func (m *recordingJobMetrics) IncJobErrors(jobType, errorType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[jobType+"/"+errorType]++
}

func TestJob_StartStop(t *testing.T) {
	runner := &countingRunner{}
	job := NewJob(JobConfig{Interval: 10 * time.Millisecond, RunOnStart: true}, runner)

	if job.IsRunning() {
		t.Fatal("job should not be running before Start")
	}
	if err := job.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Starting twice is a no-op.
	if err := job.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !job.IsRunning() {
		t.Fatal("expected job to be running")
	}

	deadline := time.Now().Add(2 * time.Second)
	for runner.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	job.Stop()

	if job.IsRunning() {
		t.Error("expected job to be stopped")
	}
	if runner.count() < 3 {
		t.Errorf("expected at least 3 runs, got %d", runner.count())
	}
	if job.LastReport() == nil {
		t.Error("expected a last report")
	}

	after := runner.count()
	time.Sleep(30 * time.Millisecond)
	if runner.count() != after {
		t.Error("job ran after Stop")
	}
	// Stopping a stopped job is a no-op.
	job.Stop()
}

func TestJob_StopsOnContextCancel(t *testing.T) {
	job := NewJob(JobConfig{Interval: time.Hour}, &countingRunner{})
	ctx, cancel := context.WithCancel(context.Background())
	if err := job.Start(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()
	job.Stop()
	if job.IsRunning() {
		t.Error("expected job to be stopped")
	}
}

func TestJob_RunNowRecordsMetrics(t *testing.T) {
	metrics := newRecordingJobMetrics()

	ok := NewJob(JobConfig{JobMetrics: metrics}, &countingRunner{})
	if _, err := ok.RunNow(context.Background()); err != nil {
		t.Fatal(err)
	}
	failing := NewJob(JobConfig{JobMetrics: metrics}, &countingRunner{err: errors.New("boom")})
	if _, err := failing.RunNow(context.Background()); err == nil {
		t.Fatal("expected error")
	}

	if metrics.totals[JobType+"/success"] != 1 || metrics.totals[JobType+"/failure"] != 1 {
		t.Errorf("unexpected totals %v", metrics.totals)
	}
	if metrics.errors[JobType+"/run_error"] != 1 {
		t.Errorf("unexpected errors %v", metrics.errors)
	}
}
