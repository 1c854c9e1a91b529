// Package generation implements the video generation lifecycle:
// pending -> processing -> completed | failed, with credits reserved on
// start and refunded whenever a job enters failed.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/vidcredit/internal/ledger"
)

// DefaultMaxRetries bounds manual resets of a failed generation.
const DefaultMaxRetries = 3

// DefaultSweepLimit bounds how many generations one sweep touches.
const DefaultSweepLimit = 100

// Outcome describes how a lifecycle call resolved.
type Outcome string

// Outcomes.
const (
	OutcomeCompleted        Outcome = "completed"
	OutcomeAlreadyCompleted Outcome = "already_completed"
	OutcomeFailed           Outcome = "failed"
	OutcomeAlreadyFailed    Outcome = "already_failed"
)

// Creation is the provider's output for a completed job.
type Creation struct {
	ID              string
	URL             string
	CoverURL        string
	DurationSeconds float64
}

// FailResult is returned by Fail.
type FailResult struct {
	Outcome Outcome       `json:"outcome"`
	Refund  ledger.Result `json:"refund"`
}

// SweepResult lists the generations a sweep repaired.
type SweepResult struct {
	// Failed were stuck before a provider callback and have been failed and refunded.
	Failed []string `json:"failed"`
	// Refunded were already failed but still held a reservation.
	Refunded []string `json:"refunded"`
}

// Config configures a Service.
type Config struct {
	Dispatcher Dispatcher
	MaxRetries int
	Logger     *slog.Logger
	Metrics    *Metrics
}

// Service drives generations through their lifecycle over a Ledger.
type Service struct {
	ledger *ledger.Ledger
	config Config
}

// NewService creates a generation service.
func NewService(l *ledger.Ledger, config Config) *Service {
	if config.Dispatcher == nil {
		config.Dispatcher = NoopDispatcher{}
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Service{ledger: l, config: config}
}

// Create records a pending generation for an account.
func (s *Service) Create(ctx context.Context, accountID string) (*ledger.Generation, error) {
	if accountID == "" {
		return nil, ledger.ErrInvalidID
	}
	now := s.ledger.Now()
	g := &ledger.Generation{
		ID:        s.ledger.NewID(),
		AccountID: accountID,
		Status:    ledger.GenerationPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.ledger.Run(ctx, "create_generation", func(tx ledger.Tx) error {
		if _, err := tx.GetAccount(ctx, accountID); err != nil {
			return err
		}
		return tx.CreateGeneration(ctx, g)
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// Submit creates a generation and starts it.
func (s *Service) Submit(ctx context.Context, accountID string, credits int64) (*ledger.Generation, error) {
	if credits <= 0 {
		return nil, ledger.ErrInvalidAmount
	}
	g, err := s.Create(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return s.Start(ctx, g.ID, credits)
}

// Start reserves credits for a pending generation, moves it to processing
// and dispatches it. When the reservation fails nothing is dispatched.
// When dispatch fails the generation is failed and refunded.
func (s *Service) Start(ctx context.Context, generationID string, credits int64) (*ledger.Generation, error) {
	g, err := s.Get(ctx, generationID)
	if err != nil {
		return nil, err
	}

	if _, err := s.ledger.ConsumeCredits(ctx, g.AccountID, g.ID, credits); err != nil {
		return nil, err
	}

	var moved bool
	err = s.ledger.Run(ctx, "start_generation", func(tx ledger.Tx) error {
		var err error
		moved, err = tx.UpdateGeneration(ctx, g.ID, ledger.GenerationPending,
			ledger.GenerationUpdate{Status: ledger.GenerationProcessing}, s.ledger.Now())
		return err
	})
	if err != nil {
		s.refundAfterAbort(ctx, g.ID, err)
		return nil, err
	}
	if !moved {
		err := fmt.Errorf("generation %s left pending before dispatch: %w", g.ID, ErrInvalidTransition)
		s.refundAfterAbort(ctx, g.ID, err)
		return nil, err
	}
	s.config.Metrics.transitioned(ledger.GenerationProcessing)

	current, err := s.Get(ctx, g.ID)
	if err != nil {
		return nil, err
	}

	taskID, err := s.config.Dispatcher.Dispatch(ctx, current)
	if err != nil {
		s.config.Metrics.dispatchFailure()
		if _, failErr := s.Fail(ctx, g.ID, "dispatch failed: "+err.Error()); failErr != nil {
			s.config.Logger.ErrorContext(ctx, "failed to fail undispatched generation",
				slog.String("generation_id", g.ID),
				slog.String("error", failErr.Error()))
		}
		if !errors.Is(err, ErrDispatchFailed) {
			err = fmt.Errorf("%w: %w", ErrDispatchFailed, err)
		}
		return nil, err
	}

	var recorded bool
	err = s.ledger.Run(ctx, "record_task_id", func(tx ledger.Tx) error {
		var err error
		recorded, err = tx.UpdateGeneration(ctx, g.ID, ledger.GenerationProcessing,
			ledger.GenerationUpdate{ProviderTaskID: &taskID}, s.ledger.Now())
		return err
	})
	if err != nil {
		return nil, err
	}
	if !recorded {
		s.config.Logger.WarnContext(ctx, "generation left processing before task id was recorded",
			slog.String("generation_id", g.ID),
			slog.String("provider_task_id", taskID))
	}

	s.config.Logger.InfoContext(ctx, "generation dispatched",
		slog.String("generation_id", g.ID),
		slog.String("account_id", g.AccountID),
		slog.String("provider_task_id", taskID),
		slog.Int64("credits", credits))
	return s.Get(ctx, g.ID)
}

// Complete marks the generation that owns taskID completed.
func (s *Service) Complete(ctx context.Context, taskID string, creation Creation) (Outcome, error) {
	if taskID == "" {
		return "", fmt.Errorf("missing task id: %w", ErrTaskMismatch)
	}
	g, err := s.GetByTaskID(ctx, taskID)
	if err != nil {
		return "", err
	}
	return s.CompleteGeneration(ctx, g.ID, taskID, creation)
}

// CompleteGeneration moves processing -> completed if taskID matches the stored provider task id.
func (s *Service) CompleteGeneration(ctx context.Context, generationID, taskID string, creation Creation) (Outcome, error) {
	var outcome Outcome
	err := s.ledger.Run(ctx, "complete_generation", func(tx ledger.Tx) error {
		g, err := tx.GetGeneration(ctx, generationID)
		if err != nil {
			return err
		}
		if taskID == "" || g.ProviderTaskID != taskID {
			return fmt.Errorf("generation %s: task %q: %w", generationID, taskID, ErrTaskMismatch)
		}
		switch g.Status {
		case ledger.GenerationCompleted:
			outcome = OutcomeAlreadyCompleted
			return nil
		case ledger.GenerationProcessing:
		default:
			return fmt.Errorf("generation %s is %s: %w", generationID, g.Status, ErrInvalidTransition)
		}

		duration := creation.DurationSeconds
		empty := ""
		moved, err := tx.UpdateGeneration(ctx, generationID, ledger.GenerationProcessing, ledger.GenerationUpdate{
			Status:          ledger.GenerationCompleted,
			ResultURL:       &creation.URL,
			CoverURL:        &creation.CoverURL,
			DurationSeconds: &duration,
			ErrorMessage:    &empty,
		}, s.ledger.Now())
		if err != nil {
			return err
		}
		if !moved {
			return fmt.Errorf("generation %s: %w", generationID, ErrInvalidTransition)
		}
		outcome = OutcomeCompleted
		return nil
	})
	if err != nil {
		return "", err
	}
	if outcome == OutcomeCompleted {
		s.config.Metrics.transitioned(ledger.GenerationCompleted)
		s.config.Logger.InfoContext(ctx, "generation completed",
			slog.String("generation_id", generationID),
			slog.String("provider_task_id", taskID))
	}
	return outcome, nil
}

// FailByTask fails the generation that owns taskID.
func (s *Service) FailByTask(ctx context.Context, taskID, reason string) (*FailResult, error) {
	if taskID == "" {
		return nil, fmt.Errorf("missing task id: %w", ErrTaskMismatch)
	}
	g, err := s.GetByTaskID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return s.Fail(ctx, g.ID, reason)
}

// Fail moves a pending or processing generation to failed and refunds its
// reservation. The refund runs whatever the prior state, so calling Fail on a
// failed generation repairs a reservation left behind without refunding twice.
func (s *Service) Fail(ctx context.Context, generationID, reason string) (*FailResult, error) {
	outcome := OutcomeAlreadyFailed
	err := s.ledger.Run(ctx, "fail_generation", func(tx ledger.Tx) error {
		outcome = OutcomeAlreadyFailed
		g, err := tx.GetGeneration(ctx, generationID)
		if err != nil {
			return err
		}
		switch g.Status {
		case ledger.GenerationFailed:
			return nil
		case ledger.GenerationCompleted:
			return fmt.Errorf("generation %s is completed: %w", generationID, ErrInvalidTransition)
		}
		moved, err := tx.UpdateGeneration(ctx, generationID, g.Status, ledger.GenerationUpdate{
			Status:       ledger.GenerationFailed,
			ErrorMessage: &reason,
		}, s.ledger.Now())
		if err != nil {
			return err
		}
		if !moved {
			return fmt.Errorf("generation %s changed concurrently: %w", generationID, ErrInvalidTransition)
		}
		outcome = OutcomeFailed
		return nil
	})
	if err != nil {
		return nil, err
	}
	if outcome == OutcomeFailed {
		s.config.Metrics.transitioned(ledger.GenerationFailed)
		s.config.Logger.InfoContext(ctx, "generation failed",
			slog.String("generation_id", generationID),
			slog.String("reason", reason))
	}

	refund, err := s.ledger.RefundForFailure(ctx, generationID)
	if err != nil {
		return nil, err
	}
	return &FailResult{Outcome: outcome, Refund: refund}, nil
}

// Retry resets a generation to pending so it can be started again.
//
// A processing generation is failed and refunded first. The reset clears
// the task id and error and increments retry_count; it never reserves
// credits. A later Start makes the new reservation.
func (s *Service) Retry(ctx context.Context, generationID string) (*ledger.Generation, error) {
	g, err := s.Get(ctx, generationID)
	if err != nil {
		return nil, err
	}
	switch g.Status {
	case ledger.GenerationProcessing:
		if _, err := s.Fail(ctx, generationID, "reset by operator"); err != nil {
			return nil, err
		}
	case ledger.GenerationFailed:
		// Make sure no reservation survives the reset.
		if _, err := s.ledger.RefundForFailure(ctx, generationID); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("generation %s is %s: %w", generationID, g.Status, ErrInvalidTransition)
	}

	err = s.ledger.Run(ctx, "retry_generation", func(tx ledger.Tx) error {
		cur, err := tx.GetGeneration(ctx, generationID)
		if err != nil {
			return err
		}
		if cur.Status != ledger.GenerationFailed {
			return fmt.Errorf("generation %s is %s: %w", generationID, cur.Status, ErrInvalidTransition)
		}
		if cur.RetryCount >= s.config.MaxRetries {
			return fmt.Errorf("generation %s retried %d times: %w", generationID, cur.RetryCount, ErrRetryLimit)
		}
		empty := ""
		retries := cur.RetryCount + 1
		moved, err := tx.UpdateGeneration(ctx, generationID, ledger.GenerationFailed, ledger.GenerationUpdate{
			Status:         ledger.GenerationPending,
			ProviderTaskID: &empty,
			ErrorMessage:   &empty,
			RetryCount:     &retries,
		}, s.ledger.Now())
		if err != nil {
			return err
		}
		if !moved {
			return fmt.Errorf("generation %s: %w", generationID, ErrInvalidTransition)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.config.Metrics.transitioned(ledger.GenerationPending)
	s.config.Logger.InfoContext(ctx, "generation reset for retry", slog.String("generation_id", generationID))
	return s.Get(ctx, generationID)
}

// SweepStale fails generations that have held a reservation without
// progress for longer than olderThan, and refunds failed generations that
// still hold one.
func (s *Service) SweepStale(ctx context.Context, olderThan time.Duration, limit int) (*SweepResult, error) {
	if limit <= 0 {
		limit = DefaultSweepLimit
	}
	cutoff := s.ledger.Now().Add(-olderThan)

	var processing, pending, failed []ledger.Generation
	err := s.ledger.Run(ctx, "list_stale_generations", func(tx ledger.Tx) error {
		var err error
		if processing, err = tx.ListGenerations(ctx, ledger.GenerationProcessing, cutoff, limit); err != nil {
			return err
		}
		if pending, err = tx.ListGenerations(ctx, ledger.GenerationPending, cutoff, limit); err != nil {
			return err
		}
		failed, err = tx.ListGenerations(ctx, ledger.GenerationFailed, cutoff, limit)
		return err
	})
	if err != nil {
		return nil, err
	}

	res := &SweepResult{Failed: []string{}, Refunded: []string{}}
	stuck := processing
	for _, g := range pending {
		if g.CreditsUsed > 0 {
			stuck = append(stuck, g)
		}
	}
	for _, g := range stuck {
		fr, err := s.Fail(ctx, g.ID, fmt.Sprintf("no provider callback after %s", olderThan))
		if err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			return res, err
		}
		if fr.Outcome == OutcomeFailed {
			res.Failed = append(res.Failed, g.ID)
		}
	}
	for _, g := range failed {
		if g.CreditsUsed <= 0 {
			continue
		}
		r, err := s.ledger.RefundForFailure(ctx, g.ID)
		if err != nil {
			return res, err
		}
		if r.Outcome == ledger.OutcomeRefunded {
			res.Refunded = append(res.Refunded, g.ID)
		}
	}

	if n := len(res.Failed) + len(res.Refunded); n > 0 {
		s.config.Metrics.recovered(n)
		s.config.Logger.WarnContext(ctx, "recovered stale generations",
			slog.Int("failed", len(res.Failed)),
			slog.Int("refunded", len(res.Refunded)))
	}
	return res, nil
}

// Get returns a generation by id.
func (s *Service) Get(ctx context.Context, generationID string) (*ledger.Generation, error) {
	if generationID == "" {
		return nil, ledger.ErrInvalidID
	}
	var g *ledger.Generation
	err := s.ledger.Run(ctx, "get_generation", func(tx ledger.Tx) error {
		var err error
		g, err = tx.GetGeneration(ctx, generationID)
		return err
	})
	return g, err
}

// GetByTaskID returns the generation dispatched under providerTaskID.
func (s *Service) GetByTaskID(ctx context.Context, providerTaskID string) (*ledger.Generation, error) {
	var g *ledger.Generation
	err := s.ledger.Run(ctx, "get_generation_by_task", func(tx ledger.Tx) error {
		var err error
		g, err = tx.GetGenerationByTaskID(ctx, providerTaskID)
		return err
	})
	return g, err
}

// refundAfterAbort returns a reservation made by Start when the job could not move to processing.
func (s *Service) refundAfterAbort(ctx context.Context, generationID string, cause error) {
	reason := "start aborted: " + cause.Error()
	if _, err := s.Fail(ctx, generationID, reason); err != nil {
		s.config.Logger.ErrorContext(ctx, "failed to release reservation of aborted generation",
			slog.String("generation_id", generationID),
			slog.String("error", err.Error()))
	}
}
