// Package errors provides error handling for agentpulse.
//
// This package re-exports github.com/cockroachdb/errors and defines the
// coordination error taxonomy shared by the limiter, breaker, dispatcher and
// scheduler:
//
//	ErrAlreadyRunning   soft signal, a job was due but its previous run is active
//	ErrTimeout          a job or outbound call exceeded its deadline
//	ErrRateLimited      admission rejected by a rate window or token budget
//	ErrCircuitOpen      the target's breaker is open and no fallback is configured
//	ErrTransportFailure the outbound call itself failed
//	ErrInvalidConfig    rejected at load or registration time
//
// Wrap the sentinels to add context; callers match them with errors.Is:
//
//	if err := dispatcher.Call(...); errors.Is(err, errors.ErrRateLimited) {
//	    // back off until the next tick
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
)

// User-facing messages and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSafeDetails    = crdb.WithSafeDetails
	WithSecondaryError = crdb.WithSecondaryError
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapOnce     = crdb.UnwrapOnce
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Assertions
var (
	AssertionFailedf = crdb.AssertionFailedf
)

// Coordination sentinels. Wrap these with errors.Wrap() to add context while
// preserving the type.
var (
	// ErrAlreadyRunning indicates a job was asked to start while its previous
	// run is still active. It is a skip, not a failure.
	ErrAlreadyRunning = New("job already running")

	// ErrTimeout indicates a job or an outbound call exceeded its deadline
	ErrTimeout = New("operation timed out")

	// ErrRateLimited indicates admission was refused by a rate window or budget
	ErrRateLimited = New("rate limited")

	// ErrCircuitOpen indicates the target's circuit breaker refused the call
	ErrCircuitOpen = New("circuit open")

	// ErrTransportFailure indicates the outbound call failed
	ErrTransportFailure = New("transport failure")

	// ErrInvalidConfig indicates a configuration or job definition was rejected
	ErrInvalidConfig = New("invalid configuration")

	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")
)

// IsTimeout checks if an error is or wraps ErrTimeout
func IsTimeout(err error) bool {
	return err != nil && Is(err, ErrTimeout)
}

// IsRateLimited checks if an error is or wraps ErrRateLimited
func IsRateLimited(err error) bool {
	return err != nil && Is(err, ErrRateLimited)
}

// IsCircuitOpen checks if an error is or wraps ErrCircuitOpen
func IsCircuitOpen(err error) bool {
	return err != nil && Is(err, ErrCircuitOpen)
}

// IsTransient reports whether retrying later could succeed.
// Configuration errors and explicit skips are not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return IsAny(err, ErrTimeout, ErrRateLimited, ErrCircuitOpen, ErrTransportFailure)
}

// NewInvalidConfigError creates an invalid-config error with a formatted message
func NewInvalidConfigError(format string, args ...interface{}) error {
	return Wrapf(ErrInvalidConfig, format, args...)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrapf(ErrNotFound, format, args...)
}
