package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy (sentinels). Adapters translate driver errors into exactly
// one of these; the manager passes them through unchanged and the
// orchestrator decides retry/compensate/abort from them.
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrPolicyDenied       = errors.New("policy denied")
	ErrNoBackend          = errors.New("no backend")
	ErrUnavailable        = errors.New("backend unavailable")
	ErrTransient          = errors.New("transient failure")
	ErrPermanent          = errors.New("permanent failure")
	ErrConflict           = errors.New("conflict")
	ErrNotFound           = errors.New("not found")
	ErrQueueFull          = errors.New("queue full")
	ErrLockLost           = errors.New("saga lock lost")
	ErrCompensationFailed = errors.New("compensation failed")
	ErrCorruptEventLog    = errors.New("corrupt event log")
)

// Error is the structured error surfaced to API callers. Kind is one of the
// sentinels above; Retriable mirrors the taxonomy (only ErrTransient retries).
type Error struct {
	Kind      error
	Message   string
	SagaID    string
	StepID    string
	Retriable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.SagaID != "" && e.StepID != "" {
		return fmt.Sprintf("saga=%s step=%s: %s: %v", e.SagaID, e.StepID, e.Message, e.Kind)
	}
	if e.SagaID != "" {
		return fmt.Sprintf("saga=%s: %s: %v", e.SagaID, e.Message, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Kind)
}

// Unwrap exposes the taxonomy sentinel for errors.Is checks.
func (e *Error) Unwrap() error { return e.Kind }

// NewError builds a structured Error around a taxonomy sentinel.
func NewError(kind error, msg, sagaID, stepID string) *Error {
	return &Error{
		Kind:      kind,
		Message:   msg,
		SagaID:    sagaID,
		StepID:    stepID,
		Retriable: errors.Is(kind, ErrTransient),
	}
}

// IsRetriable reports whether err should be retried by the caller.
func IsRetriable(err error) bool { return errors.Is(err, ErrTransient) }

// Classify maps an arbitrary adapter error onto the taxonomy. Errors already
// carrying a sentinel pass through; everything unknown is Permanent.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTransient),
		errors.Is(err, ErrPermanent),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrPolicyDenied),
		errors.Is(err, ErrNoBackend),
		errors.Is(err, ErrUnavailable):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}
}
