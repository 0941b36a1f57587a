package models

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned when a caller violated a precondition.
	// Never retried.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidState is returned when an operation is not allowed from the
	// entity's current state.
	ErrInvalidState = errors.New("invalid state")

	// ErrNotFound is returned when a referenced agent, team or session does
	// not exist.
	ErrNotFound = errors.New("not found")

	// ErrCapacityExceeded is returned when a concurrency or size ceiling
	// would be breached.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrBudgetDenied is returned when a debit or spawn would exceed a hard
	// budget limit.
	ErrBudgetDenied = errors.New("budget denied")

	// ErrTransient marks upstream errors classified retryable (network,
	// timeout). The owning component retries per its backoff policy.
	ErrTransient = errors.New("transient error")

	// ErrFatal marks unrecoverable errors; the owning subtree is failed.
	ErrFatal = errors.New("fatal error")

	// ErrInternal marks an invariant violation inside the core. Never
	// surfaced verbatim; callers see a generic message plus a correlation id.
	ErrInternal = errors.New("internal error")

	// ErrDisconnected is returned when the gateway call queue is full while
	// reconnecting. It is a transient kind.
	ErrDisconnected = fmt.Errorf("%w: gateway disconnected", ErrTransient)
)

// ValidationError wraps field-specific validation errors. It is an
// ErrInvalidInput kind.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// Unwrap lets errors.Is classify validation errors as invalid input.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsRetryable reports whether err may be retried by the owning component.
// Only transient errors qualify; everything else either surfaces to the
// caller or fails the subtree.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Transient wraps err as retryable, preserving the chain.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Fatal wraps err as unrecoverable, preserving the chain.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrFatal, err)
}
