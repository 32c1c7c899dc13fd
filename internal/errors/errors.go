// Package errors provides centralized error definitions and error handling
// utilities for the cacheflow codebase. It defines domain-specific errors,
// sentinel errors, constructors with context wrapping, and classification
// helpers.
//
// # Error Types
//
// Domain-specific errors represent errors from specific subsystems:
//   - FetchError: a transport-level fetch failure, carrying the resource
//     and attempt count
//   - MutationError: a failure while handling a cache mutation through
//     the strategy coordinator
//   - InvalidationError: a failure during cache invalidation
//
// # Usage
//
// Creating errors:
//
//	err := errors.NewFetchError("fetch failed", cause).WithResource("events:page:3")
//
// Checking errors:
//
//	if errors.Is(err, errors.ErrSlotOccupied) { ... }
//
//	var fetchErr *errors.FetchError
//	if errors.As(err, &fetchErr) { ... }
//
//	if errors.IsCancellation(err) { ... } // not a failure, excluded from metrics
//	if errors.IsRetryable(err) { ... }
//
// # Classification
//
// Cancellation is deliberately not classified as retryable: a cancelled
// operation was superseded on purpose and retrying it would recreate the
// request the cancellation was meant to kill.
package errors

import (
	"context"
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
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Cache store sentinel errors
var (
	// ErrEntryNotFound indicates that no cache entry exists for a key.
	ErrEntryNotFound = New("cache entry not found")
	// ErrStaleWrite indicates a Put carrying an older fetchedAt than the
	// entry already committed for the key.
	ErrStaleWrite = New("stale write rejected")
	// ErrNoSnapshot indicates a rollback was requested but no prior
	// snapshot exists. Callers treat this as a no-op, not a failure.
	ErrNoSnapshot = New("no snapshot to roll back to")
)

// Prefetch and cancellation sentinel errors
var (
	// ErrSlotOccupied indicates a non-cancelled command already exists
	// for a slot.
	ErrSlotOccupied = New("slot already has a live command")
	// ErrQueueStopped indicates the prefetch queue is not running.
	ErrQueueStopped = New("prefetch queue stopped")
	// ErrCancelled indicates an operation was cancelled before its
	// result could be committed.
	ErrCancelled = New("operation cancelled")
	// ErrTokenNotFound indicates that a cancellation token could not be found.
	ErrTokenNotFound = New("cancellation token not found")
)

// General sentinel errors
var (
	// ErrOffline indicates that the network monitor reports no connectivity.
	ErrOffline = New("network offline")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all error types.
type baseError struct {
	message   string
	cause     error
	severity  Severity
	retryable bool
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

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// FetchError represents a transport-level failure from the injected
// fetch primitive.
//
// Example:
//
//	err := errors.NewFetchError("fetch failed", cause).
//	    WithResource("events:page:3").
//	    WithAttempt(2)
type FetchError struct {
	baseError
	Resource string
	Attempt  int
}

// NewFetchError creates a new FetchError. Fetch failures are retryable
// by default; the caller's retry budget decides whether a retry happens.
func NewFetchError(message string, cause error) *FetchError {
	return &FetchError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			severity:  SeverityError,
			retryable: true,
		},
	}
}

// WithResource adds the fetched resource descriptor to the error context.
func (e *FetchError) WithResource(resource string) *FetchError {
	e.Resource = resource
	return e
}

// WithAttempt records which attempt produced this failure.
func (e *FetchError) WithAttempt(n int) *FetchError {
	e.Attempt = n
	return e
}

// WithSeverity sets the error severity.
func (e *FetchError) WithSeverity(s Severity) *FetchError {
	e.severity = s
	return e
}

// Error returns the formatted error message.
func (e *FetchError) Error() string {
	var parts []string
	if e.Resource != "" {
		parts = append(parts, fmt.Sprintf("resource=%s", e.Resource))
	}
	if e.Attempt > 0 {
		parts = append(parts, fmt.Sprintf("attempt=%d", e.Attempt))
	}

	prefix := "fetch error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("fetch error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *FetchError) Is(target error) bool {
	if _, ok := target.(*FetchError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// MutationError represents a failure while handling a mutation through
// the strategy coordinator.
type MutationError struct {
	baseError
	MutationType string
	EntityType   string
	EntityID     string
}

// NewMutationError creates a new MutationError.
func NewMutationError(message string, cause error) *MutationError {
	return &MutationError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityError,
		},
	}
}

// WithMutation adds the mutation triple to the error context.
func (e *MutationError) WithMutation(mutationType, entityType, entityID string) *MutationError {
	e.MutationType = mutationType
	e.EntityType = entityType
	e.EntityID = entityID
	return e
}

// Error returns the formatted error message.
func (e *MutationError) Error() string {
	var parts []string
	if e.MutationType != "" {
		parts = append(parts, fmt.Sprintf("type=%s", e.MutationType))
	}
	if e.EntityType != "" {
		parts = append(parts, fmt.Sprintf("entity=%s", e.EntityType))
	}
	if e.EntityID != "" {
		parts = append(parts, fmt.Sprintf("id=%s", e.EntityID))
	}

	prefix := "mutation error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("mutation error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *MutationError) Is(target error) bool {
	if _, ok := target.(*MutationError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// InvalidationError represents a failure during cache invalidation.
type InvalidationError struct {
	baseError
	Strategy string
	Targets  []string
}

// NewInvalidationError creates a new InvalidationError.
func NewInvalidationError(message string, cause error) *InvalidationError {
	return &InvalidationError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityWarning,
		},
	}
}

// WithStrategy adds the invalidation strategy to the error context.
func (e *InvalidationError) WithStrategy(strategy string) *InvalidationError {
	e.Strategy = strategy
	return e
}

// WithTargets adds the affected cache keys to the error context.
func (e *InvalidationError) WithTargets(targets []string) *InvalidationError {
	e.Targets = targets
	return e
}

// Error returns the formatted error message.
func (e *InvalidationError) Error() string {
	var parts []string
	if e.Strategy != "" {
		parts = append(parts, fmt.Sprintf("strategy=%s", e.Strategy))
	}
	if len(e.Targets) > 0 {
		parts = append(parts, fmt.Sprintf("targets=%d", len(e.Targets)))
	}

	prefix := "invalidation error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("invalidation error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *InvalidationError) Is(target error) bool {
	if _, ok := target.(*InvalidationError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// classifier is implemented by errors that know their own classification.
type classifier interface {
	IsRetryable() bool
	Severity() Severity
}

// IsCancellation reports whether err represents a cancelled operation.
// Cancellation is a distinguishable outcome, not a failure: cancelled
// operations are excluded from retry and from failure metrics.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// IsRetryable reports whether err is transient and the operation may
// succeed on retry. Cancellations are never retryable.
func IsRetryable(err error) bool {
	if err == nil || IsCancellation(err) {
		return false
	}
	var c classifier
	if errors.As(err, &c) {
		return c.IsRetryable()
	}
	return false
}

// IsDuplicateSlot reports whether err is a duplicate-slot rejection.
func IsDuplicateSlot(err error) bool {
	return errors.Is(err, ErrSlotOccupied)
}

// IsNotFound reports whether err indicates a missing cache entry or token.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEntryNotFound) || errors.Is(err, ErrTokenNotFound)
}

// GetSeverity returns the severity of the error, defaulting to
// SeverityError for unclassified errors and SeverityInfo for nil.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityInfo
	}
	var c classifier
	if errors.As(err, &c) {
		return c.Severity()
	}
	return SeverityError
}
