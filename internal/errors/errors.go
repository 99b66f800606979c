package errors

import (
	"fmt"
	"strings"
)

// ErrorCode represents a driftlock error code.
type ErrorCode string

const (
	ErrConnectivity   ErrorCode = "CONNECTIVITY"     // transient, retryable
	ErrConflict       ErrorCode = "CONFLICT"         // permanent, rejected by the backend
	ErrValidation     ErrorCode = "VALIDATION"       // permanent, bad input
	ErrPersistence    ErrorCode = "PERSISTENCE"      // local store write failed
	ErrNotFound       ErrorCode = "NOT_FOUND"        // no matching object
	ErrTooManyResults ErrorCode = "TOO_MANY_RESULTS" // singular lookup matched 2+
	ErrProgrammer     ErrorCode = "PROGRAMMER"       // misuse of the API, never retried
	ErrAggregate      ErrorCode = "AGGREGATE"        // multiple concurrent failures
	ErrInternal       ErrorCode = "INTERNAL"         // unexpected
)

// DriftError represents a structured error with code and details.
type DriftError struct {
	Code    ErrorCode
	Message string
	Details map[string]any
	cause   error
}

// Error implements the error interface.
func (e *DriftError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause, if any.
func (e *DriftError) Unwrap() error {
	return e.cause
}

// NewConnectivity creates a transient connectivity error wrapping cause.
// Callers treat it as retryable: it halts replay without discarding work.
func NewConnectivity(cause error) *DriftError {
	msg := "network unavailable"
	if cause != nil {
		msg = cause.Error()
	}
	return &DriftError{
		Code:    ErrConnectivity,
		Message: msg,
		cause:   cause,
	}
}

// NewConflict creates a permanent backend-rejection error.
func NewConflict(msg string) *DriftError {
	return &DriftError{
		Code:    ErrConflict,
		Message: msg,
	}
}

// NewValidation creates a permanent error for invalid input.
func NewValidation(msg string) *DriftError {
	return &DriftError{
		Code:    ErrValidation,
		Message: msg,
	}
}

// NewPersistence creates an error for a failed local store operation.
func NewPersistence(op string, cause error) *DriftError {
	return &DriftError{
		Code:    ErrPersistence,
		Message: fmt.Sprintf("local store %s failed: %v", op, cause),
		Details: map[string]any{"op": op},
		cause:   cause,
	}
}

// NewNotFound creates an error for a missing object.
func NewNotFound(identifier string) *DriftError {
	return &DriftError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("object not found: %s", identifier),
		Details: map[string]any{"identifier": identifier},
	}
}

// NewTooManyResults creates the error distinguishing "2+ matches on a
// singular lookup" from "no match". Callers use it to flag a local
// data-integrity problem or fall back to a remote fetch.
func NewTooManyResults(className string, count int) *DriftError {
	return &DriftError{
		Code:    ErrTooManyResults,
		Message: fmt.Sprintf("query on %q matched %d objects, expected at most one", className, count),
		Details: map[string]any{"class": className, "count": count},
	}
}

// NewProgrammer creates a fail-fast error for API misuse. These are never
// retried and never swallowed.
func NewProgrammer(msg string) *DriftError {
	return &DriftError{
		Code:    ErrProgrammer,
		Message: msg,
	}
}

// NewInternal creates an error for unexpected internal failures.
func NewInternal(err error) *DriftError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &DriftError{
		Code:    ErrInternal,
		Message: msg,
		cause:   err,
	}
}

// Is checks if an error is a DriftError with the given code.
func Is(err error, code ErrorCode) bool {
	if dErr, ok := err.(*DriftError); ok {
		return dErr.Code == code
	}
	return false
}

// Aggregate wraps multiple underlying failures from concurrently awaited
// work into one composite error.
type Aggregate struct {
	Errors []error
}

// Error implements the error interface.
func (a *Aggregate) Error() string {
	msgs := make([]string, len(a.Errors))
	for i, err := range a.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("%s: %d tasks failed: %s", ErrAggregate, len(a.Errors), strings.Join(msgs, "; "))
}

// Unwrap exposes the underlying causes for errors.Is/As traversal.
func (a *Aggregate) Unwrap() []error {
	return a.Errors
}

// Combine folds a list of failures into the error a waiter should see:
// nil for none, the single cause unwrapped when there is exactly one, and
// an Aggregate when there are several.
func Combine(errs []error) error {
	nonNil := make([]error, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return nonNil[0]
	default:
		return &Aggregate{Errors: nonNil}
	}
}

// IsConnectivity reports whether err (or anything it wraps) is a
// transient connectivity failure. An Aggregate counts as connectivity
// only if every underlying cause does.
func IsConnectivity(err error) bool {
	if err == nil {
		return false
	}
	if agg, ok := err.(*Aggregate); ok {
		for _, sub := range agg.Errors {
			if !IsConnectivity(sub) {
				return false
			}
		}
		return len(agg.Errors) > 0
	}
	if dErr, ok := err.(*DriftError); ok {
		if dErr.Code == ErrConnectivity {
			return true
		}
		if dErr.cause != nil {
			return IsConnectivity(dErr.cause)
		}
	}
	return false
}
