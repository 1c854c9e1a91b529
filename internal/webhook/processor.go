// Package webhook turns verified inbound webhook bodies into state machine
// calls. Every delivery is recorded in the event log before any side effect;
// duplicates are acknowledged without reprocessing, and deliveries whose
// processing failed transiently are picked up again by the Replayer.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/vidcredit/internal/eventlog"
	"github.com/onnwee/vidcredit/internal/generation"
	"github.com/onnwee/vidcredit/internal/ledger"
	"github.com/onnwee/vidcredit/internal/purchase"
	"github.com/onnwee/vidcredit/internal/tracing"
)

// DefaultUnknownTaskGrace is how long a generation callback naming an
// unrecorded task id stays unprocessed. The provider may call back before
// Start has stored the task id it returned.
const DefaultUnknownTaskGrace = 15 * time.Minute

// ErrRecordFailed means the delivery could not be durably recorded.
// Nothing happened, so the provider may safely retry.
var ErrRecordFailed = errors.New("failed to record webhook event")

// PurchaseHandler applies payment notifications.
type PurchaseHandler interface {
	HandleNotification(ctx context.Context, n purchase.Notification) (purchase.Resolution, *ledger.Result, error)
}

// GenerationHandler applies generation provider callbacks.
type GenerationHandler interface {
	Complete(ctx context.Context, taskID string, creation generation.Creation) (generation.Outcome, error)
	FailByTask(ctx context.Context, taskID, reason string) (*generation.FailResult, error)
}

// Status describes how a delivery was handled.
type Status string

// Delivery statuses.
const (
	StatusProcessed Status = "processed"
	StatusDuplicate Status = "duplicate"
	StatusIgnored   Status = "ignored"
	// StatusDeferred means processing failed transiently; the event stays
	// unprocessed for the Replayer.
	StatusDeferred Status = "deferred"
)

// Receipt is the result of one delivery.
type Receipt struct {
	Provider string `json:"provider"`
	EventID  string `json:"event_id"`
	Status   Status `json:"status"`
	Detail   string `json:"detail,omitempty"`
}

// Processor records and applies webhook deliveries.
type Processor struct {
	events      eventlog.Log
	purchases   PurchaseHandler
	generations GenerationHandler
	logger      *slog.Logger
	metrics     *Metrics

	unknownTaskGrace time.Duration
	now              func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithUnknownTaskGrace sets how long callbacks for unknown task ids are
// deferred before being acknowledged. Non-positive values keep the default.
func WithUnknownTaskGrace(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.unknownTaskGrace = d
		}
	}
}

// WithClock sets the time source used to age deliveries.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// NewProcessor creates a Processor.
func NewProcessor(events eventlog.Log, purchases PurchaseHandler, generations GenerationHandler, logger *slog.Logger, metrics *Metrics, opts ...Option) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{
		events:           events,
		purchases:        purchases,
		generations:      generations,
		logger:           logger,
		metrics:          metrics,
		unknownTaskGrace: DefaultUnknownTaskGrace,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// HandlePayment records and applies a payment notification body.
// It returns an error only for ErrMalformedPayload or ErrRecordFailed.
func (p *Processor) HandlePayment(ctx context.Context, body []byte) (*Receipt, error) {
	n, err := ParsePaymentNotification(body)
	if err != nil {
		p.metrics.event(eventlog.ProviderPayments, "malformed")
		return nil, err
	}
	return p.ingest(ctx, eventlog.ProviderPayments, n.EventID, body)
}

// HandleGeneration records and applies a generation provider callback body.
// It returns an error only for ErrMalformedPayload or ErrRecordFailed.
func (p *Processor) HandleGeneration(ctx context.Context, body []byte) (*Receipt, error) {
	ev, err := ParseGenerationEvent(body)
	if err != nil {
		p.metrics.event(eventlog.ProviderGenerations, "malformed")
		return nil, err
	}
	return p.ingest(ctx, eventlog.ProviderGenerations, ev.EventID(), body)
}

func (p *Processor) ingest(ctx context.Context, provider, eventID string, body []byte) (*Receipt, error) {
	receipt := &Receipt{Provider: provider, EventID: eventID}
	logger := p.logger.With(slog.String("provider", provider), slog.String("event_id", eventID))
	tracing.SetAttributes(ctx, tracing.AttrProvider.String(provider), tracing.AttrEventID.String(eventID))

	isNew, err := p.events.Record(ctx, provider, eventID, body)
	if err != nil {
		p.metrics.event(provider, "record_failed")
		logger.ErrorContext(ctx, "failed to record webhook event", slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %w", ErrRecordFailed, err)
	}
	if !isNew {
		p.metrics.event(provider, string(StatusDuplicate))
		logger.InfoContext(ctx, "webhook event already received, ignoring")
		tracing.AddEvent(ctx, "duplicate_delivery")
		receipt.Status = StatusDuplicate
		return receipt, nil
	}

	receipt.Status, receipt.Detail = p.process(ctx, provider, eventID, body, p.now())
	p.metrics.event(provider, string(receipt.Status))
	tracing.SetAttributes(ctx, tracing.AttrOutcome.String(string(receipt.Status)))
	return receipt, nil
}

// process applies a recorded delivery and marks it processed unless it
// failed in a way worth retrying. receivedAt is when the delivery first
// arrived.
func (p *Processor) process(ctx context.Context, provider, eventID string, body []byte, receivedAt time.Time) (Status, string) {
	var (
		status Status
		detail string
		err    error
	)
	switch provider {
	case eventlog.ProviderPayments:
		status, detail, err = p.applyPayment(ctx, body)
	case eventlog.ProviderGenerations:
		status, detail, err = p.applyGeneration(ctx, body)
	case eventlog.ProviderStripe:
		status, detail, err = p.applyStripe(ctx, body)
	default:
		status, detail = StatusIgnored, "unknown provider "+provider
	}

	logger := p.logger.With(slog.String("provider", provider), slog.String("event_id", eventID))
	if err != nil {
		kind := generation.KindOf(err)
		if kind == ledger.KindDependency || kind == ledger.KindInternal {
			logger.ErrorContext(ctx, "webhook processing failed, deferring",
				slog.String("error", err.Error()),
				slog.String("error_kind", kind.String()))
			return StatusDeferred, err.Error()
		}
		if provider == eventlog.ProviderGenerations && errors.Is(err, ledger.ErrGenerationNotFound) {
			if age := p.now().Sub(receivedAt); age < p.unknownTaskGrace {
				logger.WarnContext(ctx, "callback for unrecorded generation task, deferring",
					slog.String("error", err.Error()),
					slog.Duration("age", age))
				return StatusDeferred, err.Error()
			}
			logger.ErrorContext(ctx, "callback for unknown generation task",
				slog.String("error", err.Error()),
				slog.Duration("age", p.now().Sub(receivedAt)))
		}
		// Retrying cannot change the answer; acknowledge and keep the reason.
		logger.WarnContext(ctx, "webhook event rejected by state machine",
			slog.String("error", err.Error()),
			slog.String("error_kind", kind.String()))
		status, detail = StatusIgnored, err.Error()
	}

	if markErr := p.events.MarkProcessed(ctx, provider, eventID); markErr != nil {
		// The effect is idempotent, so a later replay is harmless.
		logger.ErrorContext(ctx, "failed to mark webhook event processed", slog.String("error", markErr.Error()))
	}
	return status, detail
}

func (p *Processor) applyPayment(ctx context.Context, body []byte) (Status, string, error) {
	n, err := ParsePaymentNotification(body)
	if err != nil {
		return StatusIgnored, "", err
	}
	return p.applyNotification(ctx, n)
}

func (p *Processor) applyNotification(ctx context.Context, n purchase.Notification) (Status, string, error) {
	resolution, res, err := p.purchases.HandleNotification(ctx, n)
	if err != nil {
		return StatusIgnored, "", err
	}
	attrs := []any{
		slog.String("event_id", n.EventID),
		slog.String("purchase_status", n.Status),
		slog.String("resolution", string(resolution)),
	}
	if res != nil {
		attrs = append(attrs, slog.String("account_id", res.AccountID), slog.Int64("balance", res.Balance))
	}
	p.logger.InfoContext(ctx, "payment notification applied", attrs...)

	if resolution == purchase.ResolutionIgnored {
		return StatusIgnored, string(resolution), nil
	}
	return StatusProcessed, string(resolution), nil
}

func (p *Processor) applyGeneration(ctx context.Context, body []byte) (Status, string, error) {
	ev, err := ParseGenerationEvent(body)
	if err != nil {
		return StatusIgnored, "", err
	}

	switch ev.State {
	case StateSuccess:
		creation, ok := ev.Primary()
		if !ok {
			p.logger.WarnContext(ctx, "success callback without creations", slog.String("provider_task_id", ev.TaskID))
		}
		outcome, err := p.generations.Complete(ctx, ev.TaskID, creation)
		if err != nil {
			return StatusIgnored, "", fmt.Errorf("task %s: %w", ev.TaskID, err)
		}
		return StatusProcessed, string(outcome), nil

	case StateFailed:
		res, err := p.generations.FailByTask(ctx, ev.TaskID, "provider reported failure")
		if err != nil {
			return StatusIgnored, "", fmt.Errorf("task %s: %w", ev.TaskID, err)
		}
		return StatusProcessed, string(res.Refund.Outcome), nil

	default:
		p.logger.InfoContext(ctx, "generation callback state has no effect",
			slog.String("provider_task_id", ev.TaskID),
			slog.String("state", ev.State))
		return StatusIgnored, "state " + ev.State, nil
	}
}
