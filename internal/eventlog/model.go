// Package eventlog records every inbound webhook delivery exactly once per
// (provider, provider_event_id) and tracks whether it has been processed.
package eventlog

import (
	"context"
	"errors"
	"time"
)

// Known providers.
const (
	ProviderPayments    = "payments"
	ProviderGenerations = "generations"
	ProviderStripe      = "stripe"
)

// Event log errors.
var (
	ErrEventNotFound = errors.New("inbound event not found")
	ErrInvalidEvent  = errors.New("provider and provider event id are required")
)

// Event is one recorded inbound delivery.
type Event struct {
	Provider        string
	ProviderEventID string
	Payload         []byte
	ReceivedAt      time.Time
	Processed       bool
	ProcessedAt     *time.Time
}

// Log is the append-only record of inbound deliveries.
type Log interface {
	// Record stores the delivery if its key is new.
	// A duplicate key returns isNew=false and no error; the stored payload is kept.
	Record(ctx context.Context, provider, providerEventID string, payload []byte) (isNew bool, err error)

	// MarkProcessed flags the event as processed. Marking twice is a no-op.
	// Returns ErrEventNotFound if the event was never recorded.
	MarkProcessed(ctx context.Context, provider, providerEventID string) error

	// Get returns a recorded event.
	Get(ctx context.Context, provider, providerEventID string) (*Event, error)

	// ListUnprocessed returns up to limit unprocessed events received before the
	// given time, oldest first.
	ListUnprocessed(ctx context.Context, receivedBefore time.Time, limit int) ([]Event, error)
}

func validateKey(provider, providerEventID string) error {
	if provider == "" || providerEventID == "" {
		return ErrInvalidEvent
	}
	return nil
}
