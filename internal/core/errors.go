package core

import (
	"errors"
	"fmt"
)

// Sentinels for the error taxonomy. Every typed error below matches exactly one
// of them through errors.Is, so callers can branch without type assertions.
var (
	ErrValidation       = errors.New("validation error")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrCurrencyMismatch = errors.New("currency mismatch")
	ErrStorage          = errors.New("storage error")
)

// ValidationError reports malformed or missing input. Field names the first
// offending input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid is a shorthand for &ValidationError{...}.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// NotFoundError reports a reference to an entity that does not exist.
type NotFoundError struct {
	Kind string // "account", "transaction", "budget"
	ID   int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConflictError reports a uniqueness or state violation.
type ConflictError struct {
	Field  string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.Field, e.Reason)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// CurrencyMismatchError reports an attempt to combine amounts of different
// currencies without an explicit conversion.
type CurrencyMismatchError struct {
	Want string
	Got  string
}

func (e *CurrencyMismatchError) Error() string {
	if e.Want == "" {
		return fmt.Sprintf("currency mismatch: %s mixed with other currencies and no target currency given", e.Got)
	}
	return fmt.Sprintf("currency mismatch: no conversion rate from %s to %s", e.Got, e.Want)
}

func (e *CurrencyMismatchError) Is(target error) bool { return target == ErrCurrencyMismatch }

// StorageError wraps a failure of the underlying store. Callers should treat it
// as fatal for the session.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// Kind returns a short machine-readable name for err's category.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrCurrencyMismatch):
		return "currency_mismatch"
	case errors.Is(err, ErrStorage):
		return "storage"
	default:
		return "internal"
	}
}
