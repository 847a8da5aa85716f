// Package faults defines the error classes shared by the reconciliation engine.
//
// Domain packages wrap these with their own sentinels so callers can match
// either the specific error or the class:
//
//	var ErrAccountNotFound = fmt.Errorf("account %w", faults.ErrNotFound)
package faults

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound marks a referenced entity that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConfigInvalid marks a configuration value that is unset or does not
	// parse as its declared kind.
	ErrConfigInvalid = errors.New("configuration invalid")

	// ErrInvariantViolation marks a mutation the engine refuses to perform.
	ErrInvariantViolation = errors.New("invariant violation")
)

// TransientError wraps a failure of an external collaborator (unreachable,
// timed out, 5xx). It never implies a value such as "zero usage".
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: transient: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError. A nil err stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransientError
	if errors.As(err, &te) {
		return err
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is a transient external failure.
// Deadline expiry counts as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Invariant returns an ErrInvariantViolation carrying a description.
func Invariant(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}
