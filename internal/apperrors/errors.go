// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation  = errors.New("validation error")
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrInternal    = errors.New("internal error")
	ErrUnavailable = errors.New("storage unavailable")
	ErrLaunch      = errors.New("launch failed")
	ErrModeration  = errors.New("moderation rejected")
	ErrRetryBudget = errors.New("retry budget exhausted")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "id", "status")
	Resource string // For not found/conflict (e.g., "replay")
	Op       string // Operation that failed (e.g., "store.enqueue")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel and the cause so both stay reachable through errors.Is().
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
	}
}

// DuplicateID reports an insert of an id that already exists.
func DuplicateID(resource, id string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  fmt.Sprintf("%s %s already exists", resource, id),
		Resource: resource,
	}
}

// InvalidTransition reports a status change the state machine does not allow.
func InvalidTransition(id, from, to string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  fmt.Sprintf("replay %s cannot move from %s to %s", id, from, to),
		Resource: "replay",
		Field:    "status",
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Unavailable wraps a storage failure that may succeed on retry.
func Unavailable(op string, cause error) error {
	return &Error{
		Sentinel: ErrUnavailable,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Launch wraps a failure of the orchestration platform to start a worker.
func Launch(op string, cause error) error {
	return &Error{
		Sentinel: ErrLaunch,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// ModerationRejected reports a participant name containing a disallowed term.
func ModerationRejected(jobID, player, term string) error {
	return &Error{
		Sentinel: ErrModeration,
		Message:  fmt.Sprintf("replay %s: player %q contains disallowed term %q", jobID, player, term),
		Resource: "replay",
		Field:    "player",
	}
}

// RetryBudgetExhausted reports a job that failed too many times to be requeued.
func RetryBudgetExhausted(jobID string, failCount, maxFails int) error {
	return &Error{
		Sentinel: ErrRetryBudget,
		Message:  fmt.Sprintf("replay %s failed %d times (max %d)", jobID, failCount, maxFails),
		Resource: "replay",
	}
}

// Retryable reports whether err is a transient failure worth another attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrLaunch)
}
