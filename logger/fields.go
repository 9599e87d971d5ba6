package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across agentpulse.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Jobs
	FieldJobName    = "job_name"
	FieldRunID      = "run_id"
	FieldTrigger    = "trigger_job"
	FieldOutcome    = "outcome"
	FieldInterval   = "interval"
	FieldTimeout    = "timeout"
	FieldGeneration = "generation"

	// Dispatch
	FieldIdentity = "identity"
	FieldTarget   = "target"
	FieldFallback = "fallback"
	FieldAttempt  = "attempt"
	FieldReason   = "reason"
	FieldTokens   = "tokens"
	FieldModel    = "model"

	// Components
	FieldComponent = "component"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldStartTime  = "start_time"

	// Errors
	FieldError = "error"

	// Counts and sizes
	FieldCount = "count"
	FieldSize  = "size"

	// Status
	FieldState = "state"

	// agentpulse-specific
	FieldSymbol = "symbol" // log glyph (꩜, ✿, ❀, etc.)
)

// Context keys for propagating logging context
type contextKey string

const (
	jobNameKey   contextKey = "logger_job_name"
	runIDKey     contextKey = "logger_run_id"
	componentKey contextKey = "logger_component"
)

// WithJobName adds a job name to the context for logging
func WithJobName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, jobNameKey, name)
}

// WithRunID adds a run ID to the context for logging
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if name, ok := ctx.Value(jobNameKey).(string); ok && name != "" {
		fields = append(fields, FieldJobName, name)
	}
	if runID, ok := ctx.Value(runIDKey).(string); ok && runID != "" {
		fields = append(fields, FieldRunID, runID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// FromContext returns base enriched with the fields carried by ctx.
// A nil base falls back to the global Logger.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	if base == nil {
		base = Logger
	}
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	sched := schedule.NewScheduler(runner, queue, registry, cfg,
//	    logger.ComponentLogger("pulse.scheduler"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
