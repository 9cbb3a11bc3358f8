// Package apperrors provides structured errors shared by the agent engine and
// its transports, with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrNotReady   = errors.New("not ready")
	ErrInternal   = errors.New("internal error")
)

// Error carries a sentinel plus the context needed to report it.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // Offending field for validation errors (e.g. "restart")
	Resource string // Resource kind for not found/conflict (e.g. "job", "agent")
	ID       string // Resource identifier, when known
	Op       string // Operation that failed (e.g. "store.updateJobs")
	Cause    error  // Underlying error
}

func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the cause to errors.Is/As.
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

// Validationf is Validation with a format string.
func Validationf(field, format string, args ...any) error {
	return Validation(field, fmt.Sprintf(format, args...))
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
		ID:       id,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  fmt.Sprintf("%s %s: %s", resource, id, reason),
		Resource: resource,
		ID:       id,
	}
}

// NotReady reports that a component cannot serve requests yet.
func NotReady(resource, reason string) error {
	return &Error{
		Sentinel: ErrNotReady,
		Message:  fmt.Sprintf("%s is not ready: %s", resource, reason),
		Resource: resource,
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
