// Package idempotency stores the outcome of client requests under an
// Idempotency-Key so a retried request replays the first response instead
// of repeating its side effect.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Record states. A processing record reserves the key while the first
// request is in flight.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
)

var (
	// ErrKeyNotFound is returned when an idempotency key is not found.
	ErrKeyNotFound = errors.New("idempotency key not found")
	// ErrInvalidKey is returned when the key is empty or has characters outside printable ASCII.
	ErrInvalidKey = errors.New("invalid idempotency key")
	// ErrKeyTooLong is returned when the key exceeds MaxKeyLength.
	ErrKeyTooLong = errors.New("idempotency key exceeds maximum length of 64 characters")
)

// MaxKeyLength is the maximum allowed length for an idempotency key.
const MaxKeyLength = 64

// DefaultTTL is how long a completed response is kept.
const DefaultTTL = 24 * time.Hour

// Record is a reserved or completed idempotent request.
type Record struct {
	Key                string    `json:"key"`
	Method             string    `json:"method"`
	Route              string    `json:"route"`
	Fingerprint        string    `json:"fingerprint"`
	Status             string    `json:"status"`
	ResponseBody       string    `json:"response_body,omitempty"`
	ResponseStatusCode int       `json:"response_status_code,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// ValidateKey checks that key is non-empty printable ASCII no longer than MaxKeyLength.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	for i := 0; i < len(key); i++ {
		if key[i] < 0x21 || key[i] > 0x7e {
			return ErrInvalidKey
		}
	}
	return nil
}

// Fingerprint hashes the parts of a request that must match on replay.
func Fingerprint(method, route string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(route))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// StorageKey scopes a client key to the route it was sent to.
func StorageKey(route, key string) string {
	return "idem:" + route + ":" + key
}

// Repository stores idempotency records.
type Repository interface {
	// Reserve stores rec as processing if its key is unused. When the key
	// exists it returns the stored record and reserved=false.
	Reserve(ctx context.Context, rec *Record, ttl time.Duration) (existing *Record, reserved bool, err error)

	// Complete stores the final response for a reserved key.
	Complete(ctx context.Context, key string, statusCode int, body string) error

	// Release drops a reservation so the client can retry.
	Release(ctx context.Context, key string) error
}
