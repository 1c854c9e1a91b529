package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Repository stores audit records. Query results are newest first; a limit
// of 0 means no limit.
type Repository interface {
	Append(ctx context.Context, entry Entry) (*Log, error)
	QueryByEntity(ctx context.Context, entityType, entityID string, limit int) ([]*Log, error)
	QueryByActor(ctx context.Context, actorID string, limit int) ([]*Log, error)
}

// InMemoryRepository is an in-memory implementation of Repository.
// Used for testing and development.
type InMemoryRepository struct {
	mu   sync.RWMutex
	logs []*Log
	now  func() time.Time
}

// NewInMemoryRepository creates a new in-memory audit repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{now: time.Now}
}

// Append implements Repository.
func (r *InMemoryRepository) Append(ctx context.Context, entry Entry) (*Log, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	log := &Log{
		ID:         uuid.New().String(),
		ActorID:    entry.ActorID,
		EntityType: entry.EntityType,
		EntityID:   entry.EntityID,
		Action:     entry.Action,
		Outcome:    entry.Outcome,
		RequestID:  entry.RequestID,
		IPAddress:  entry.IPAddress,
		UserAgent:  entry.UserAgent,
		CreatedAt:  r.now().UTC(),
	}
	if n := len(r.logs); n > 0 {
		log.PreviousHash = r.logs[n-1].Hash
	}
	log.Hash = log.computeHash()
	r.logs = append(r.logs, log)

	logCopy := *log
	return &logCopy, nil
}

// QueryByEntity implements Repository.
func (r *InMemoryRepository) QueryByEntity(ctx context.Context, entityType, entityID string, limit int) ([]*Log, error) {
	return r.query(limit, func(l *Log) bool {
		return l.EntityType == entityType && l.EntityID == entityID
	}), nil
}

// QueryByActor implements Repository.
func (r *InMemoryRepository) QueryByActor(ctx context.Context, actorID string, limit int) ([]*Log, error) {
	return r.query(limit, func(l *Log) bool { return l.ActorID == actorID }), nil
}

// All returns every record, oldest first.
func (r *InMemoryRepository) All() []*Log {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Log, len(r.logs))
	for i, l := range r.logs {
		logCopy := *l
		out[i] = &logCopy
	}
	return out
}

func (r *InMemoryRepository) query(limit int, match func(*Log) bool) []*Log {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []*Log
	for i := len(r.logs) - 1; i >= 0; i-- {
		if !match(r.logs[i]) {
			continue
		}
		logCopy := *r.logs[i]
		results = append(results, &logCopy)
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results
}
