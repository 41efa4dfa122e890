package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTransient marks a retryable stage failure (oracle/network/timeout).
	ErrTransient = errors.New("transient stage error")

	// ErrValidation marks malformed transaction or case input. Never retried.
	ErrValidation = errors.New("validation error")

	// ErrConflict is returned for duplicate case creation and concurrent approval requests.
	ErrConflict = errors.New("conflict")

	// ErrTerminalState is returned when mutating a case that is DONE, FAILED, REJECTED or CANCELLED.
	ErrTerminalState = errors.New("case is in a terminal state")

	// ErrInvalidTransition is returned for a state change missing from the transition table.
	ErrInvalidTransition = errors.New("invalid state transition")

	ErrNotFound        = errors.New("record not found")
	ErrAlreadyResolved = errors.New("approval request already resolved")
	ErrNotReady        = errors.New("report not ready")
)

// Transient wraps err as a retryable stage failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsRetryable reports whether a stage error should consume retry budget
// rather than fail the case immediately. Unclassified errors are treated as
// transient; only validation errors are fatal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return !errors.Is(err, ErrValidation)
}
