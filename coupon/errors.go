/*
errors.go - Centralized error types for the redemption engine

PURPOSE:
  All error types in one place. Stores translate driver errors into these
  so callers can use errors.Is() without knowing the backend.

ERROR CATEGORIES:
  1. Input errors - Malformed registration, duplicate codes
  2. Lookup errors - Unknown coupon
  3. Quota errors - Conditional decrement found a counter at zero
  4. Storage errors - Backend unavailable or transaction conflict

Gate rejections are NOT errors. They are reported as Decision values.

SEE ALSO:
  - retry.go: Which of these are retried
  - store/sqlite/sqlite.go: Driver error translation
*/
package coupon

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidArgument is returned for malformed registration input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrDuplicateCode is returned when registering a code that already exists.
	ErrDuplicateCode = errors.New("coupon code already exists")

	// ErrNotFound is returned when a coupon code or id is unknown.
	ErrNotFound = errors.New("coupon not found")

	// ErrQuotaExhausted is returned by DecrementGlobalAndUserTotal when a
	// required counter is already zero. Nothing was mutated.
	ErrQuotaExhausted = errors.New("quota exhausted")

	// ErrStorageFailure covers every fault of the underlying store.
	ErrStorageFailure = errors.New("storage failure")

	// ErrConflict is a storage failure caused by a concurrent transaction
	// (serialization failure, busy database).
	ErrConflict = fmt.Errorf("%w: concurrent modification detected", ErrStorageFailure)
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidArgumentError names the offending registration field.
type InvalidArgumentError struct {
	Field  string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid argument %s: %s", e.Field, e.Reason)
}

func (e *InvalidArgumentError) Unwrap() error { return ErrInvalidArgument }

func invalidArgument(field, reason string) error {
	return &InvalidArgumentError{Field: field, Reason: reason}
}

// StorageError wraps a backend fault. It matches both ErrStorageFailure and
// the underlying cause.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorageFailure, e.Err} }

// Storage wraps err as a StorageError unless it already is a domain error
// or nil. Stores call this at every driver boundary.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageFailure) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrDuplicateCode) || errors.Is(err, ErrQuotaExhausted) ||
		errors.Is(err, ErrInvalidArgument) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
// Cancellation and deadline errors never are.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, ErrStorageFailure)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidArgument) || errors.Is(err, ErrDuplicateCode)
}

// IsNotFound returns true if the error indicates a missing coupon.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
