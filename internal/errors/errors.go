// Package errors provides centralized error definitions and error handling
// utilities for the coordination core. It defines domain-specific errors,
// semantic sentinel errors, error constructors with context wrapping, and
// error classification helpers.
//
// # Error Types
//
// The package provides two categories of errors:
//
// Domain-specific errors represent errors from specific subsystems:
//   - LockError: errors related to lock acquisition, release, and renewal
//   - SessionError: errors related to session lifecycle management
//   - ConflictError: errors related to conflict detection and resolution
//   - StoreError: errors related to the shared state store
//
// Sentinel errors represent common conditions callers branch on:
//   - ErrNotOwner: caller does not hold the lock it tried to release/renew
//   - ErrBusy: resource contended, recoverable via wait or retry
//   - ErrNotFound: the referenced lock/session/conflict has no live record
//   - ErrStoreUnavailable: the shared state store cannot be reached
//
// # Usage
//
// Creating errors:
//
//	err := errors.NewLockError("release rejected", errors.ErrNotOwner).
//		WithResource("file:/a.py").WithSessionID("s1")
//
// Checking errors:
//
//	if errors.Is(err, errors.ErrNotOwner) { ... }
//
//	var lockErr *errors.LockError
//	if errors.As(err, &lockErr) { ... }
//
//	if errors.IsRetryable(err) { ... }
//
// # Classification
//
// ErrBusy and ErrStoreUnavailable are retryable; ErrNotOwner and
// ErrNotFound are not: they indicate either a caller bug or a legitimate
// race the caller must handle explicitly (e.g. re-acquire).
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Lock-related sentinel errors
var (
	// ErrNotOwner indicates the caller attempted to release or renew a lock
	// it does not hold. Always surfaced, never downgraded to a no-op.
	ErrNotOwner = New("not the lock owner")
	// ErrBusy indicates the resource is held by another session.
	ErrBusy = New("resource busy")
	// ErrLockWaitTimeout indicates a waiting acquisition timed out.
	ErrLockWaitTimeout = New("lock wait timed out")
)

// Session-related sentinel errors
var (
	// ErrSessionExpired indicates the session missed heartbeats beyond the
	// liveness window and has been cleaned up.
	ErrSessionExpired = New("session expired")
	// ErrSessionTerminated indicates the session was explicitly deregistered.
	ErrSessionTerminated = New("session terminated")
)

// Conflict-related sentinel errors
var (
	// ErrConflictClosed indicates a resolve call carried a new directive
	// for a conflict that already reached its outcome.
	ErrConflictClosed = New("conflict already closed")
)

// General sentinel errors
var (
	// ErrNotFound indicates an operation referenced an id with no live record.
	// Typically a benign race: the lock or session already expired.
	ErrNotFound = New("not found")
	// ErrStoreUnavailable indicates the shared state store cannot be reached.
	// Fatal for new operations; the core never fabricates success.
	ErrStoreUnavailable = New("state store unavailable")
	// ErrInvalidInput indicates input validation failed.
	ErrInvalidInput = New("invalid input")
	// ErrCanceled indicates an operation was canceled by the caller.
	ErrCanceled = New("operation canceled")
)

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// IsUserFacing returns whether the error is safe to show users.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// LockError represents errors from lock acquisition, release, and renewal.
//
// Example:
//
//	err := errors.NewLockError("release rejected", errors.ErrNotOwner).
//		WithResource("file:/a.py").WithHolder("s2")
type LockError struct {
	baseError
	Resource  string
	LockType  string
	SessionID string
	// Holder is the session currently holding the lock, for diagnostic
	// display when the error is ErrBusy or ErrNotOwner.
	Holder string
}

// NewLockError creates a new LockError.
func NewLockError(message string, cause error) *LockError {
	return &LockError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  errors.Is(cause, ErrBusy),
			userFacing: true,
		},
	}
}

// WithResource adds the contended resource id to the error context.
func (e *LockError) WithResource(resource string) *LockError {
	e.Resource = resource
	return e
}

// WithLockType adds the lock type to the error context.
func (e *LockError) WithLockType(lockType string) *LockError {
	e.LockType = lockType
	return e
}

// WithSessionID adds the requesting session id to the error context.
func (e *LockError) WithSessionID(id string) *LockError {
	e.SessionID = id
	return e
}

// WithHolder adds the current holder's session id to the error context.
func (e *LockError) WithHolder(holder string) *LockError {
	e.Holder = holder
	return e
}

// Error returns the formatted error message.
func (e *LockError) Error() string {
	var parts []string
	if e.Resource != "" {
		parts = append(parts, fmt.Sprintf("resource=%s", e.Resource))
	}
	if e.LockType != "" {
		parts = append(parts, fmt.Sprintf("type=%s", e.LockType))
	}
	if e.SessionID != "" {
		parts = append(parts, fmt.Sprintf("session=%s", e.SessionID))
	}
	if e.Holder != "" {
		parts = append(parts, fmt.Sprintf("holder=%s", e.Holder))
	}

	prefix := "lock error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("lock error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *LockError) Is(target error) bool {
	if _, ok := target.(*LockError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// SessionError represents errors related to session lifecycle management.
type SessionError struct {
	baseError
	SessionID string
	ProjectID string
}

// NewSessionError creates a new SessionError.
func NewSessionError(message string, cause error) *SessionError {
	return &SessionError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithSessionID adds a session ID to the error context.
func (e *SessionError) WithSessionID(id string) *SessionError {
	e.SessionID = id
	return e
}

// WithProjectID adds a project ID to the error context.
func (e *SessionError) WithProjectID(id string) *SessionError {
	e.ProjectID = id
	return e
}

// Error returns the formatted error message.
func (e *SessionError) Error() string {
	var parts []string
	if e.SessionID != "" {
		parts = append(parts, fmt.Sprintf("session=%s", e.SessionID))
	}
	if e.ProjectID != "" {
		parts = append(parts, fmt.Sprintf("project=%s", e.ProjectID))
	}

	prefix := "session error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("session error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *SessionError) Is(target error) bool {
	if _, ok := target.(*SessionError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ConflictError represents errors from conflict detection and resolution.
type ConflictError struct {
	baseError
	ConflictID   string
	ConflictType string
	Resource     string
}

// NewConflictError creates a new ConflictError.
func NewConflictError(message string, cause error) *ConflictError {
	return &ConflictError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithConflictID adds a conflict ID to the error context.
func (e *ConflictError) WithConflictID(id string) *ConflictError {
	e.ConflictID = id
	return e
}

// WithConflictType adds the conflict type to the error context.
func (e *ConflictError) WithConflictType(t string) *ConflictError {
	e.ConflictType = t
	return e
}

// WithResource adds the contended resource to the error context.
func (e *ConflictError) WithResource(resource string) *ConflictError {
	e.Resource = resource
	return e
}

// Error returns the formatted error message.
func (e *ConflictError) Error() string {
	var parts []string
	if e.ConflictID != "" {
		parts = append(parts, fmt.Sprintf("conflict=%s", e.ConflictID))
	}
	if e.ConflictType != "" {
		parts = append(parts, fmt.Sprintf("type=%s", e.ConflictType))
	}
	if e.Resource != "" {
		parts = append(parts, fmt.Sprintf("resource=%s", e.Resource))
	}

	prefix := "conflict error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("conflict error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ConflictError) Is(target error) bool {
	if _, ok := target.(*ConflictError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// StoreError represents errors from the shared state store.
type StoreError struct {
	baseError
	Backend string
	Key     string
}

// NewStoreError creates a new StoreError. Store errors are retryable by
// default since store unavailability is usually transient.
func NewStoreError(message string, cause error) *StoreError {
	return &StoreError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityCritical,
			retryable:  true,
			userFacing: false,
		},
	}
}

// WithBackend adds the backend scheme to the error context.
func (e *StoreError) WithBackend(backend string) *StoreError {
	e.Backend = backend
	return e
}

// WithKey adds the store key to the error context.
func (e *StoreError) WithKey(key string) *StoreError {
	e.Key = key
	return e
}

// Error returns the formatted error message.
func (e *StoreError) Error() string {
	var parts []string
	if e.Backend != "" {
		parts = append(parts, fmt.Sprintf("backend=%s", e.Backend))
	}
	if e.Key != "" {
		parts = append(parts, fmt.Sprintf("key=%s", e.Key))
	}

	prefix := "store error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("store error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *StoreError) Is(target error) bool {
	if _, ok := target.(*StoreError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// classifier is implemented by errors that carry their own classification.
type classifier interface {
	IsRetryable() bool
	IsUserFacing() bool
}

// IsRetryable reports whether the operation that produced err may succeed
// on retry. ErrBusy and ErrStoreUnavailable are transient by definition;
// domain errors carry their own flag.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var c classifier
	if errors.As(err, &c) {
		return c.IsRetryable()
	}
	return errors.Is(err, ErrBusy) || errors.Is(err, ErrStoreUnavailable)
}

// IsUserFacing reports whether err is safe to display to end users.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	var c classifier
	if errors.As(err, &c) {
		return c.IsUserFacing()
	}
	// Sentinel errors about contention and ownership are user-facing by
	// design: they describe the caller's action, not internal state.
	return errors.Is(err, ErrBusy) || errors.Is(err, ErrNotOwner) ||
		errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflictClosed)
}

// SeverityOf returns the severity of err, defaulting to SeverityError for
// errors that do not carry their own.
func SeverityOf(err error) Severity {
	if err == nil {
		return SeverityInfo
	}
	var s interface{ Severity() Severity }
	if errors.As(err, &s) {
		return s.Severity()
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return SeverityCritical
	}
	return SeverityError
}
