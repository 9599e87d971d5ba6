// Package breaker keeps one circuit breaker per outbound target.
//
// A target starts closed. FailureThreshold consecutive failures open it; while
// open, CanCall refuses until OpenDuration has elapsed. The first CanCall after
// that moves the target to half-open and admits exactly one probe. The probe's
// outcome closes the circuit or reopens it with a fresh open timestamp.
package breaker

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/agentpulse/am"
	"github.com/teranos/agentpulse/logger"
)

// State is a breaker state
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Settings configure every target's breaker
type Settings struct {
	FailureThreshold int
	OpenDuration     time.Duration
}

// SettingsFromConfig converts the breaker config section
func SettingsFromConfig(cfg am.BreakerConfig) Settings {
	return Settings{
		FailureThreshold: cfg.FailureThreshold,
		OpenDuration:     cfg.OpenDuration(),
	}
}

// Transition describes a state change of one target
type Transition struct {
	Target   string
	From     State
	To       State
	At       time.Time
	Failures int
}

// TransitionListener observes state changes. It is called with the breaker
// lock released and must not block for long.
type TransitionListener func(Transition)

type targetState struct {
	state         State
	failures      int
	openedAt      time.Time
	probeInFlight bool
}

// Breaker tracks per-target circuit state
type Breaker struct {
	mu        sync.Mutex
	settings  Settings
	targets   map[string]*targetState
	timeNow   func() time.Time // Injectable for testing
	logger    *zap.SugaredLogger
	listeners []TransitionListener
}

// New creates a breaker with real time
func New(settings Settings, log *zap.SugaredLogger) *Breaker {
	return NewWithClock(settings, log, time.Now)
}

// NewWithClock creates a breaker with injectable clock (for testing)
func NewWithClock(settings Settings, log *zap.SugaredLogger, timeNow func() time.Time) *Breaker {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Breaker{
		settings: settings,
		targets:  make(map[string]*targetState),
		timeNow:  timeNow,
		logger:   logger.AddBreakerSymbol(log),
	}
}

// OnTransition registers a listener for state changes
func (b *Breaker) OnTransition(listener TransitionListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, listener)
}

// CanCall reports whether a call to target may proceed. While half-open only
// the caller that claims the probe gets true; it must then report the outcome
// through RecordSuccess, RecordFailure or Release.
func (b *Breaker) CanCall(target string) bool {
	b.mu.Lock()
	ts := b.stateFor(target)

	var transition *Transition
	allowed := false

	switch ts.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		now := b.timeNow()
		if now.Sub(ts.openedAt) >= b.settings.OpenDuration {
			transition = b.move(target, ts, StateHalfOpen, now)
			ts.probeInFlight = true
			allowed = true
		}
	case StateHalfOpen:
		if !ts.probeInFlight {
			ts.probeInFlight = true
			allowed = true
		}
	}
	listeners := b.listeners
	b.mu.Unlock()

	notify(listeners, transition)
	return allowed
}

// RecordSuccess resets target's failure count and closes a half-open
// circuit. An open circuit only closes through a probe, so a late success
// from a call admitted before it opened leaves it untouched.
func (b *Breaker) RecordSuccess(target string) {
	b.mu.Lock()
	ts := b.stateFor(target)

	var transition *Transition
	switch ts.state {
	case StateOpen:
		b.logger.Debugw("Ignoring late success while open", logger.FieldTarget, target)
	case StateHalfOpen:
		ts.failures = 0
		ts.probeInFlight = false
		transition = b.move(target, ts, StateClosed, b.timeNow())
	default:
		ts.failures = 0
	}
	listeners := b.listeners
	b.mu.Unlock()

	notify(listeners, transition)
}

// RecordFailure counts a failed call. A failed probe reopens the circuit at
// once; in the closed state the circuit opens when the consecutive failure
// count reaches the threshold.
func (b *Breaker) RecordFailure(target string) {
	b.mu.Lock()
	ts := b.stateFor(target)
	now := b.timeNow()

	var transition *Transition
	ts.failures++

	switch ts.state {
	case StateHalfOpen:
		ts.probeInFlight = false
		ts.openedAt = now
		transition = b.move(target, ts, StateOpen, now)
	case StateClosed:
		if ts.failures >= b.settings.FailureThreshold {
			ts.openedAt = now
			transition = b.move(target, ts, StateOpen, now)
		}
	case StateOpen:
		// A call that was admitted before the circuit opened failed late
	}
	listeners := b.listeners
	b.mu.Unlock()

	notify(listeners, transition)
}

// Release gives back a claimed probe without an outcome, e.g. when the caller
// was cancelled before the call was made. The state does not change.
func (b *Breaker) Release(target string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stateFor(target).probeInFlight = false
}

// State returns target's current state without claiming a probe
func (b *Breaker) State(target string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateFor(target).state
}

// UpdateSettings swaps threshold and open duration. Open circuits keep their
// open timestamp and are judged against the new duration.
func (b *Breaker) UpdateSettings(settings Settings) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settings = settings
	b.logger.Infow("Breaker settings updated",
		"failure_threshold", settings.FailureThreshold,
		"open_duration", settings.OpenDuration)
}

// ApplyConfig is an am.ReloadCallback that updates settings from a reloaded config
func (b *Breaker) ApplyConfig(cfg *am.Config) error {
	b.UpdateSettings(SettingsFromConfig(cfg.Breaker))
	return nil
}

// TargetSnapshot is the observable state of one target
type TargetSnapshot struct {
	Target        string    `json:"target"`
	State         State     `json:"state"`
	Failures      int       `json:"consecutive_failures"`
	OpenedAt      time.Time `json:"opened_at,omitempty"`
	ProbeInFlight bool      `json:"probe_in_flight"`
}

// Snapshot returns every known target's state, sorted by target
func (b *Breaker) Snapshot() []TargetSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]TargetSnapshot, 0, len(b.targets))
	for target, ts := range b.targets {
		out = append(out, TargetSnapshot{
			Target:        target,
			State:         ts.state,
			Failures:      ts.failures,
			OpenedAt:      ts.openedAt,
			ProbeInFlight: ts.probeInFlight,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

// Must be called with lock held
func (b *Breaker) stateFor(target string) *targetState {
	ts, ok := b.targets[target]
	if !ok {
		ts = &targetState{state: StateClosed}
		b.targets[target] = ts
	}
	return ts
}

// move changes state and logs it. Must be called with lock held.
func (b *Breaker) move(target string, ts *targetState, to State, now time.Time) *Transition {
	t := &Transition{Target: target, From: ts.state, To: to, At: now, Failures: ts.failures}
	ts.state = to

	if to == StateOpen {
		b.logger.Warnw("Circuit opened",
			logger.FieldTarget, target,
			"from", string(t.From),
			"consecutive_failures", ts.failures,
			"open_duration", b.settings.OpenDuration)
	} else {
		b.logger.Infow("Circuit state changed",
			logger.FieldTarget, target,
			"from", string(t.From),
			"to", string(to))
	}
	return t
}

func notify(listeners []TransitionListener, t *Transition) {
	if t == nil {
		return
	}
	for _, listener := range listeners {
		listener(*t)
	}
}
