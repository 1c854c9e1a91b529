package idempotency

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	rec       Record
	expiresAt time.Time
}

// InMemoryRepository keeps records in a map. Expired entries are treated as
// absent and dropped by DeleteExpired.
type InMemoryRepository struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewInMemoryRepository creates an empty repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{entries: make(map[string]memoryEntry), now: time.Now}
}

// Reserve implements Repository.
func (r *InMemoryRepository) Reserve(ctx context.Context, rec *Record, ttl time.Duration) (*Record, bool, error) {
	if rec.Key == "" {
		return nil, false, ErrInvalidKey
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if e, ok := r.entries[rec.Key]; ok && now.Before(e.expiresAt) {
		existing := e.rec
		return &existing, false, nil
	}
	stored := *rec
	stored.Status = StatusProcessing
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	r.entries[rec.Key] = memoryEntry{rec: stored, expiresAt: now.Add(ttl)}
	return nil, true, nil
}

// Complete implements Repository.
func (r *InMemoryRepository) Complete(ctx context.Context, key string, statusCode int, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return ErrKeyNotFound
	}
	e.rec.Status = StatusCompleted
	e.rec.ResponseStatusCode = statusCode
	e.rec.ResponseBody = body
	r.entries[key] = e
	return nil
}

// Release implements Repository.
func (r *InMemoryRepository) Release(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
	return nil
}

// DeleteExpired removes expired entries and returns how many were removed.
func (r *InMemoryRepository) DeleteExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	deleted := 0
	for key, e := range r.entries {
		if !now.Before(e.expiresAt) {
			delete(r.entries, key)
			deleted++
		}
	}
	return deleted
}
