// Package audit records administrative actions in an append-only,
// hash-chained log for incident review.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Entity types.
const (
	EntityGeneration     = "generation"
	EntityReconciliation = "reconciliation"
)

// Actions.
const (
	ActionRefundGeneration  = "refund_generation"
	ActionRetryGeneration   = "retry_generation"
	ActionRunReconciliation = "run_reconciliation"
)

// Log is a stored audit record.
type Log struct {
	ID         string    `json:"id"`
	ActorID    string    `json:"actor_id"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Action     string    `json:"action"`
	Outcome    string    `json:"outcome"`
	RequestID  string    `json:"request_id,omitempty"`
	IPAddress  string    `json:"ip_address,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	CreatedAt  time.Time `json:"created_at"`

	// PreviousHash is the Hash of the record appended before this one.
	PreviousHash string `json:"previous_hash,omitempty"`
	Hash         string `json:"hash"`
}

// Entry is the input for a new audit record.
type Entry struct {
	ActorID    string
	EntityType string
	EntityID   string
	Action     string
	Outcome    string
	RequestID  string
	IPAddress  string
	UserAgent  string
}

// computeHash hashes the record's content together with its predecessor's hash.
func (l *Log) computeHash() string {
	h := sha256.New()
	h.Write([]byte(strings.Join([]string{
		l.PreviousHash,
		l.ID,
		l.ActorID,
		l.EntityType,
		l.EntityID,
		l.Action,
		l.Outcome,
		l.RequestID,
		l.IPAddress,
		l.UserAgent,
		l.CreatedAt.UTC().Format(time.RFC3339Nano),
	}, "\x1f")))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChain checks that logs, oldest first, form an unbroken chain.
// It returns the index of the first bad record, or -1.
func VerifyChain(logs []*Log) int {
	prev := ""
	for i, l := range logs {
		if l.PreviousHash != prev || l.computeHash() != l.Hash {
			return i
		}
		prev = l.Hash
	}
	return -1
}
