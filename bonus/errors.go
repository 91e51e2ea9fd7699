/*
errors.go - Centralized error types for the bonus engine

PURPOSE:
  All error types in one place so every layer classifies failures the same
  way. Callers must be able to tell retryable failures (store, lock,
  recomputation) from non-retryable ones (validation, not-found, duplicate).

ERROR CATEGORIES:
  1. Client errors    - ErrValidation, ErrDuplicateCustomer, ErrAmbiguousIdentifier,
                        ErrInvalidTransition. No side effects.
  2. Not found        - ErrCustomerNotFound, ErrTransactionNotFound. No side effects.
  3. Retryable        - ErrRecomputationFailed, ErrConcurrencyConflict, ErrStore.
                        The whole unit of work was rolled back.

USAGE:
  if errors.Is(err, bonus.ErrCustomerNotFound) { ... }
  if bonus.IsRetryable(err) { retry the whole request }

SEE ALSO:
  - ledger.go: Wraps store failures into these types
  - api/errors.go: Maps them to HTTP statuses
*/
package bonus

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned when a request is rejected before any write.
	ErrValidation = errors.New("validation failed")

	// ErrCustomerNotFound is returned when a customer identifier resolves to nothing.
	ErrCustomerNotFound = errors.New("customer not found")

	// ErrTransactionNotFound is returned when an amend/delete target does not exist.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrDuplicateCustomer is returned when a natural key (name or card number)
	// is already taken within the tenant.
	ErrDuplicateCustomer = errors.New("duplicate customer")

	// ErrAmbiguousIdentifier is returned when an identifier matches more than one row.
	ErrAmbiguousIdentifier = errors.New("ambiguous identifier")

	// ErrInvalidTransition is returned when a transaction cannot move to the
	// requested state (editing a deleted row, restore when disabled).
	ErrInvalidTransition = errors.New("invalid transaction state transition")

	// ErrRecomputationFailed is returned when the reduction step failed. The
	// enclosing unit, log write included, was rolled back.
	ErrRecomputationFailed = errors.New("ledger recomputation failed")

	// ErrConcurrencyConflict is returned when a customer lock could not be
	// acquired in time or the store reported a lock/serialization conflict.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrStore is returned for other store failures inside a unit of work.
	ErrStore = errors.New("store failure")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// TransitionError reports a state change the protocol does not allow.
type TransitionError struct {
	ID     TransactionID
	From   TxState
	Reason string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("transaction %s (%s): %s", e.ID, e.From, e.Reason)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// RecomputeError wraps the cause of a failed reduction for one customer.
type RecomputeError struct {
	CustomerKey CustomerKey
	Err         error
}

func (e *RecomputeError) Error() string {
	return fmt.Sprintf("recompute ledger for customer %s: %v", e.CustomerKey, e.Err)
}

// Unwrap exposes both the sentinel and the cause, so errors.Is works for
// ErrRecomputationFailed as well as for ErrConcurrencyConflict raised by the store.
func (e *RecomputeError) Unwrap() []error { return []error{ErrRecomputationFailed, e.Err} }

// StoreError wraps a low-level store failure with the operation name.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() []error { return []error{ErrStore, e.Err} }

// ConflictError reports a lock that could not be taken.
type ConflictError struct {
	CustomerKey CustomerKey
	Err         error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("customer %s is busy: %v", e.CustomerKey, e.Err)
}

func (e *ConflictError) Unwrap() []error { return []error{ErrConcurrencyConflict, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the whole request may succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) ||
		errors.Is(err, ErrRecomputationFailed) ||
		errors.Is(err, ErrStore)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrDuplicateCustomer) ||
		errors.Is(err, ErrAmbiguousIdentifier) ||
		errors.Is(err, ErrInvalidTransition)
}

// IsNotFound returns true if the error indicates a missing customer or transaction.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCustomerNotFound) ||
		errors.Is(err, ErrTransactionNotFound)
}

// isDomain reports whether err already carries one of the classification
// sentinels and must be passed through untouched.
func isDomain(err error) bool {
	return IsClientError(err) || IsNotFound(err) || IsRetryable(err)
}
