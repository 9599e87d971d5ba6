// Package dispatch wraps outbound model calls with admission control, bounded
// retries, per-attempt timeouts, circuit breaking and provider fallback.
package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/agentpulse/ai/llm"
	"github.com/teranos/agentpulse/ai/tracker"
	"github.com/teranos/agentpulse/am"
	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/logger"
	"github.com/teranos/agentpulse/pulse/breaker"
	"github.com/teranos/agentpulse/pulse/budget"
)

// Transport performs one outbound call against a named target
type Transport interface {
	Call(ctx context.Context, target string, req llm.Request) (*llm.Response, error)
}

// UsageRecorder persists the outcome of every call that reached a target
type UsageRecorder interface {
	TrackUsage(ctx context.Context, usage *tracker.ModelUsage) error
}

// tokenAllowance is implemented by transports that know each target's
// completion allowance
type tokenAllowance interface {
	MaxTokens(target string) int
}

const defaultCompletionTokens = 1000

// Config holds the retry policy
type Config struct {
	MaxAttempts      int
	AttemptTimeout   time.Duration
	RetryDelay       time.Duration     // fixed wait after a failed call
	RateLimitBackoff time.Duration     // wait after a transient admission rejection
	Fallbacks        map[string]string // primary target -> fallback target
}

// ConfigFromAm converts the dispatch section of am.toml
func ConfigFromAm(cfg am.DispatchConfig) Config {
	fallbacks := make(map[string]string, len(cfg.Fallbacks))
	for k, v := range cfg.Fallbacks {
		fallbacks[k] = v
	}
	return Config{
		MaxAttempts:      cfg.MaxAttempts,
		AttemptTimeout:   cfg.AttemptTimeout(),
		RetryDelay:       cfg.RetryDelay(),
		RateLimitBackoff: cfg.RateLimitBackoff(),
		Fallbacks:        fallbacks,
	}
}

// Dispatcher is shared by every job body. Limiter and breaker state is owned
// by those components; the dispatcher only sequences them.
type Dispatcher struct {
	limiter   *budget.Limiter
	breaker   *breaker.Breaker
	transport Transport
	usage     UsageRecorder // nil = not recorded

	mu  sync.RWMutex
	cfg Config

	logger  *zap.SugaredLogger
	timeNow func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates a dispatcher
func New(limiter *budget.Limiter, brk *breaker.Breaker, transport Transport, cfg Config, log *zap.SugaredLogger) *Dispatcher {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Dispatcher{
		limiter:   limiter,
		breaker:   brk,
		transport: transport,
		cfg:       cfg,
		logger:    log,
		timeNow:   time.Now,
		sleep:     sleepContext,
	}
}

// SetUsageRecorder enables persistence of call outcomes
func (d *Dispatcher) SetUsageRecorder(u UsageRecorder) {
	d.usage = u
}

// ApplyConfig swaps the retry policy on config reload
func (d *Dispatcher) ApplyConfig(cfg *am.Config) error {
	next := ConfigFromAm(cfg.Dispatch)
	d.mu.Lock()
	d.cfg = next
	d.mu.Unlock()
	d.logger.Infow("Dispatch policy updated",
		"max_attempts", next.MaxAttempts,
		"attempt_timeout", next.AttemptTimeout,
		"fallbacks", len(next.Fallbacks))
	return nil
}

func (d *Dispatcher) config() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// Dispatch calls target with the configured attempt count and timeout
func (d *Dispatcher) Dispatch(ctx context.Context, identity, target string, req llm.Request) (*llm.Response, error) {
	cfg := d.config()
	return d.Call(ctx, identity, target, req, cfg.MaxAttempts, cfg.AttemptTimeout)
}

// Call sends req to target on behalf of identity.
//
// Every attempt is admitted by the limiter first. A transient rejection is
// retried after RateLimitBackoff; budget and size rejections end the call.
// When target's circuit is open the configured fallback is tried instead,
// without consuming one of target's attempts. Failed calls are reported to
// the breaker and retried after RetryDelay. If nothing succeeds the returned
// *CallError lists every attempt.
func (d *Dispatcher) Call(ctx context.Context, identity, target string, req llm.Request, maxAttempts int, perAttemptTimeout time.Duration) (*llm.Response, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	cfg := d.config()
	fallback, hasFallback := cfg.Fallbacks[target]

	estimate := req.EstimatedTokens(d.completionAllowance(target))
	callErr := &CallError{Identity: identity, Target: target}
	record := func(a Attempt) {
		a.Number = len(callErr.Attempts) + 1
		callErr.Attempts = append(callErr.Attempts, a)
	}

	primaryUsed, fallbackUsed := 0, 0
	for primaryUsed < maxAttempts {
		if err := ctx.Err(); err != nil {
			record(Attempt{Target: target, Outcome: OutcomeCancelled, Err: err})
			return nil, callErr
		}

		if ok, reason := d.limiter.Admit(identity, estimate); !ok {
			primaryUsed++
			record(Attempt{Target: target, Outcome: OutcomeRateLimited, Err: budget.RejectionError(identity, reason)})
			if !reason.Transient() {
				break
			}
			if primaryUsed < maxAttempts {
				if err := d.sleep(ctx, cfg.RateLimitBackoff); err != nil {
					record(Attempt{Target: target, Outcome: OutcomeCancelled, Err: err})
					return nil, callErr
				}
			}
			continue
		}

		callTarget, usingFallback := target, false
		if !d.breaker.CanCall(target) {
			record(Attempt{Target: target, Outcome: OutcomeCircuitOpen, Err: circuitOpenError(target, hasFallback)})
			if !hasFallback || fallbackUsed >= maxAttempts {
				d.limiter.Settle(identity, estimate, 0)
				break
			}
			if !d.breaker.CanCall(fallback) {
				record(Attempt{Target: fallback, Fallback: true, Outcome: OutcomeCircuitOpen, Err: circuitOpenError(fallback, false)})
				d.limiter.Settle(identity, estimate, 0)
				break
			}
			d.logger.Infow("Circuit open, using fallback",
				logger.FieldIdentity, identity,
				logger.FieldTarget, target,
				logger.FieldFallback, fallback)
			callTarget, usingFallback = fallback, true
			fallbackUsed++
		} else {
			primaryUsed++
		}

		resp, latency, err := d.attempt(ctx, callTarget, req, perAttemptTimeout)
		if err == nil {
			d.breaker.RecordSuccess(callTarget)
			d.limiter.Settle(identity, estimate, resp.Usage.TotalTokens)
			d.recordUsage(ctx, identity, callTarget, resp.Model, resp.Usage.TotalTokens, latency, nil)
			if len(callErr.Attempts) > 0 {
				d.logger.Infow("Call succeeded after retries",
					logger.FieldIdentity, identity,
					logger.FieldTarget, callTarget,
					logger.FieldAttempt, len(callErr.Attempts)+1)
			}
			return resp, nil
		}

		d.limiter.Settle(identity, estimate, 0)

		if ctx.Err() != nil {
			// Shutdown, not a verdict on the target
			d.breaker.Release(callTarget)
			record(Attempt{Target: callTarget, Fallback: usingFallback, Outcome: OutcomeCancelled, Duration: latency, Err: err})
			return nil, callErr
		}

		d.breaker.RecordFailure(callTarget)
		d.recordUsage(ctx, identity, callTarget, req.Model, 0, latency, err)

		outcome := OutcomeFailed
		if errors.IsTimeout(err) {
			outcome = OutcomeTimeout
		}
		record(Attempt{Target: callTarget, Fallback: usingFallback, Outcome: outcome, Duration: latency, Err: err})
		d.logger.Warnw("Call attempt failed",
			logger.FieldIdentity, identity,
			logger.FieldTarget, callTarget,
			logger.FieldAttempt, len(callErr.Attempts),
			logger.FieldOutcome, string(outcome),
			logger.FieldError, err)

		if primaryUsed < maxAttempts {
			if err := d.sleep(ctx, cfg.RetryDelay); err != nil {
				record(Attempt{Target: target, Outcome: OutcomeCancelled, Err: err})
				return nil, callErr
			}
		}
	}

	d.logger.Errorw("Call failed",
		logger.FieldIdentity, identity,
		logger.FieldTarget, target,
		logger.FieldCount, len(callErr.Attempts),
		logger.FieldError, callErr)
	return nil, callErr
}

// attempt issues one call under its own deadline
func (d *Dispatcher) attempt(ctx context.Context, target string, req llm.Request, timeout time.Duration) (*llm.Response, time.Duration, error) {
	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	started := d.timeNow()
	resp, err := d.transport.Call(attemptCtx, target, req)
	latency := d.timeNow().Sub(started)

	if err == nil && resp == nil {
		err = errors.Newf("target %s returned no response", target)
	}
	if err == nil {
		return resp, latency, nil
	}

	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil && !errors.IsTimeout(err) {
		err = errors.Mark(errors.Wrapf(err, "call to %s exceeded %s", target, timeout), errors.ErrTimeout)
	} else if !errors.IsTransient(err) && ctx.Err() == nil {
		err = errors.Mark(err, errors.ErrTransportFailure)
	}
	return nil, latency, err
}

func (d *Dispatcher) completionAllowance(target string) int {
	if ta, ok := d.transport.(tokenAllowance); ok {
		if n := ta.MaxTokens(target); n > 0 {
			return n
		}
	}
	return defaultCompletionTokens
}

func (d *Dispatcher) recordUsage(ctx context.Context, identity, target, model string, tokens int, latency time.Duration, callErr error) {
	if d.usage == nil {
		return
	}
	usage := &tracker.ModelUsage{
		Identity:         identity,
		Target:           target,
		Model:            model,
		TokensUsed:       tokens,
		LatencyMS:        latency.Milliseconds(),
		Success:          callErr == nil,
		RequestTimestamp: d.timeNow().Add(-latency),
	}
	if callErr != nil {
		msg := callErr.Error()
		usage.ErrorMessage = &msg
	}
	// Recorded even when ctx is already done
	if err := d.usage.TrackUsage(context.WithoutCancel(ctx), usage); err != nil {
		d.logger.Warnw("Failed to record model usage",
			logger.FieldIdentity, identity,
			logger.FieldTarget, target,
			logger.FieldError, err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
