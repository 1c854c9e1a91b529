package audit

import (
	"context"
	"errors"
	"net/http"

	"github.com/onnwee/vidcredit/internal/middleware"
)

var (
	// ErrNilRepository is returned when a nil repository is passed to logging functions.
	ErrNilRepository = errors.New("audit repository cannot be nil")
	// ErrInvalidEntityType is returned for an empty or unknown entity type.
	ErrInvalidEntityType = errors.New("invalid audit entity type")
	// ErrInvalidEntityID is returned when an invalid entity ID is provided.
	ErrInvalidEntityID = errors.New("entity ID cannot be empty")
	// ErrInvalidAction is returned for an empty or unknown action.
	ErrInvalidAction = errors.New("invalid audit action")
)

// ValidEntityTypes defines the allowed entity types for audit logging.
var ValidEntityTypes = map[string]bool{
	EntityGeneration:     true,
	EntityReconciliation: true,
}

// ValidActions defines the allowed actions for audit logging.
var ValidActions = map[string]bool{
	ActionRefundGeneration:  true,
	ActionRetryGeneration:   true,
	ActionRunReconciliation: true,
}

func validateEntry(e Entry) error {
	if !ValidEntityTypes[e.EntityType] {
		return ErrInvalidEntityType
	}
	if e.EntityID == "" {
		return ErrInvalidEntityID
	}
	if !ValidActions[e.Action] {
		return ErrInvalidAction
	}
	return nil
}

// Record appends an entry for an action taken outside an HTTP request, such
// as a CLI run. The actor and request id come from ctx when present.
func Record(ctx context.Context, repo Repository, entityType, entityID, action, outcome string) (*Log, error) {
	if repo == nil {
		return nil, ErrNilRepository
	}
	entry := Entry{
		ActorID:    middleware.GetSubject(ctx),
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Outcome:    outcome,
		RequestID:  middleware.GetRequestID(ctx),
	}
	if err := validateEntry(entry); err != nil {
		return nil, err
	}
	return repo.Append(ctx, entry)
}

// RecordFromRequest appends an entry with the authenticated subject, request
// id, client IP and user agent of r.
//
// The caller decides what a failure means; admin handlers log it and carry
// on, since the action has already taken effect.
func RecordFromRequest(r *http.Request, repo Repository, entityType, entityID, action, outcome string) (*Log, error) {
	if repo == nil {
		return nil, ErrNilRepository
	}
	ctx := r.Context()
	entry := Entry{
		ActorID:    middleware.GetSubject(ctx),
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Outcome:    outcome,
		RequestID:  middleware.GetRequestID(ctx),
		IPAddress:  middleware.ClientIP(r),
		UserAgent:  r.UserAgent(),
	}
	if err := validateEntry(entry); err != nil {
		return nil, err
	}
	return repo.Append(ctx, entry)
}
