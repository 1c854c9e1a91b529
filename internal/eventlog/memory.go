package eventlog

import (
	"context"
	"sort"
	"sync"
	"time"
)

type eventKey struct {
	provider string
	id       string
}

// InMemoryLog implements Log with in-memory storage.
type InMemoryLog struct {
	mu     sync.RWMutex
	events map[eventKey]*Event
	now    func() time.Time
}

// NewInMemoryLog creates a new in-memory event log.
func NewInMemoryLog() *InMemoryLog {
	return &InMemoryLog{
		events: make(map[eventKey]*Event),
		now:    time.Now,
	}
}

// Record stores the delivery if its key is new.
func (l *InMemoryLog) Record(ctx context.Context, provider, providerEventID string, payload []byte) (bool, error) {
	if err := validateKey(provider, providerEventID); err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := eventKey{provider, providerEventID}
	if _, exists := l.events[key]; exists {
		return false, nil
	}

	l.events[key] = &Event{
		Provider:        provider,
		ProviderEventID: providerEventID,
		Payload:         append([]byte(nil), payload...),
		ReceivedAt:      l.now(),
	}
	return true, nil
}

// MarkProcessed flags the event as processed.
func (l *InMemoryLog) MarkProcessed(ctx context.Context, provider, providerEventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev, ok := l.events[eventKey{provider, providerEventID}]
	if !ok {
		return ErrEventNotFound
	}
	if ev.Processed {
		return nil
	}
	now := l.now()
	ev.Processed = true
	ev.ProcessedAt = &now
	return nil
}

// Get returns a copy of a recorded event.
func (l *InMemoryLog) Get(ctx context.Context, provider, providerEventID string) (*Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ev, ok := l.events[eventKey{provider, providerEventID}]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := copyEvent(ev)
	return &cp, nil
}

// ListUnprocessed returns unprocessed events received before the cutoff, oldest first.
func (l *InMemoryLog) ListUnprocessed(ctx context.Context, receivedBefore time.Time, limit int) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Event
	for _, ev := range l.events {
		if ev.Processed || !ev.ReceivedAt.Before(receivedBefore) {
			continue
		}
		out = append(out, copyEvent(ev))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copyEvent(ev *Event) Event {
	cp := *ev
	cp.Payload = append([]byte(nil), ev.Payload...)
	if ev.ProcessedAt != nil {
		t := *ev.ProcessedAt
		cp.ProcessedAt = &t
	}
	return cp
}
