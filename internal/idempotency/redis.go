package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRepository stores records as JSON strings with a TTL, so expiry
// needs no cleanup job.
type RedisRepository struct {
	client redis.Cmdable
}

// NewRedisRepository creates a repository over client.
func NewRedisRepository(client redis.Cmdable) *RedisRepository {
	return &RedisRepository{client: client}
}

// Reserve implements Repository with SET NX.
func (r *RedisRepository) Reserve(ctx context.Context, rec *Record, ttl time.Duration) (*Record, bool, error) {
	if rec.Key == "" {
		return nil, false, ErrInvalidKey
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	stored := *rec
	stored.Status = StatusProcessing
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode idempotency record: %w", err)
	}

	ok, err := r.client.SetNX(ctx, rec.Key, data, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	if ok {
		return nil, true, nil
	}
	existing, err := r.get(ctx, rec.Key)
	if errors.Is(err, ErrKeyNotFound) {
		// Expired between SETNX and GET; report it as in flight so the client retries.
		return &Record{Key: rec.Key, Status: StatusProcessing}, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// Complete implements Repository. The reservation's TTL is kept.
func (r *RedisRepository) Complete(ctx context.Context, key string, statusCode int, body string) error {
	rec, err := r.get(ctx, key)
	if err != nil {
		return err
	}
	rec.Status = StatusCompleted
	rec.ResponseStatusCode = statusCode
	rec.ResponseBody = body
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode idempotency record: %w", err)
	}
	if err := r.client.Set(ctx, key, data, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("failed to store idempotent response: %w", err)
	}
	return nil
}

// Release implements Repository.
func (r *RedisRepository) Release(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

func (r *RedisRepository) get(ctx context.Context, key string) (*Record, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read idempotency key: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode idempotency record: %w", err)
	}
	return &rec, nil
}
