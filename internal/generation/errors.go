package generation

import (
	"errors"

	"github.com/onnwee/vidcredit/internal/ledger"
)

// Generation lifecycle errors.
var (
	// ErrTaskMismatch means a provider callback named a task id other than the stored one.
	ErrTaskMismatch = errors.New("provider task id does not match generation")
	// ErrInvalidTransition means the generation is not in a state that allows the request.
	ErrInvalidTransition = errors.New("invalid generation state transition")
	// ErrRetryLimit means the generation has been reset the maximum number of times.
	ErrRetryLimit = errors.New("generation retry limit reached")
	// ErrDispatchFailed means the provider did not accept the job.
	ErrDispatchFailed = errors.New("generation dispatch failed")
)

// KindOf classifies err, extending ledger.KindOf with generation errors.
func KindOf(err error) ledger.Kind {
	switch {
	case errors.Is(err, ErrTaskMismatch):
		return ledger.KindValidation
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrRetryLimit):
		return ledger.KindConflict
	case errors.Is(err, ErrDispatchFailed):
		return ledger.KindDependency
	default:
		return ledger.KindOf(err)
	}
}
