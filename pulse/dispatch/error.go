package dispatch

import (
	"fmt"
	"strings"
	"time"

	"github.com/teranos/agentpulse/errors"
)

// AttemptOutcome classifies one attempt of a dispatched call
type AttemptOutcome string

const (
	OutcomeRateLimited AttemptOutcome = "rate_limited" // admission refused
	OutcomeCircuitOpen AttemptOutcome = "circuit_open" // breaker refused the target
	OutcomeTimeout     AttemptOutcome = "timeout"      // per-attempt deadline hit
	OutcomeFailed      AttemptOutcome = "failed"       // transport error
	OutcomeCancelled   AttemptOutcome = "cancelled"    // parent context done
)

// Attempt is the record of one try
type Attempt struct {
	Number   int
	Target   string
	Fallback bool
	Outcome  AttemptOutcome
	Duration time.Duration
	Err      error
}

func (a Attempt) String() string {
	target := a.Target
	if a.Fallback {
		target += " (fallback)"
	}
	return fmt.Sprintf("#%d %s %s: %v", a.Number, target, a.Outcome, a.Err)
}

// CallError is returned when no attempt of a call succeeded. It lists every
// attempt, and errors.Is matches any sentinel carried by any of them.
type CallError struct {
	Identity string
	Target   string
	Attempts []Attempt
}

func (e *CallError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = a.String()
	}
	return fmt.Sprintf("dispatch %s -> %s failed after %d attempt(s): %s",
		e.Identity, e.Target, len(e.Attempts), strings.Join(parts, "; "))
}

// Is reports whether any attempt failed with target
func (e *CallError) Is(target error) bool {
	for _, a := range e.Attempts {
		if a.Err != nil && errors.Is(a.Err, target) {
			return true
		}
	}
	return false
}

// Unwrap exposes every attempt's error
func (e *CallError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		if a.Err != nil {
			errs = append(errs, a.Err)
		}
	}
	return errs
}

// Last returns the final attempt
func (e *CallError) Last() Attempt {
	if len(e.Attempts) == 0 {
		return Attempt{}
	}
	return e.Attempts[len(e.Attempts)-1]
}

// Outcomes returns the outcome of every attempt in order
func (e *CallError) Outcomes() []AttemptOutcome {
	out := make([]AttemptOutcome, len(e.Attempts))
	for i, a := range e.Attempts {
		out[i] = a.Outcome
	}
	return out
}

func circuitOpenError(target string, hasFallback bool) error {
	err := errors.Wrapf(errors.ErrCircuitOpen, "target %s", target)
	if !hasFallback {
		err = errors.WithHintf(err, "configure dispatch.fallbacks.%s to route around an open circuit", target)
	}
	return err
}
