package budget

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/agentpulse/am"
	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/logger"
)

// Reason explains why an admission was refused. Empty when admitted.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonRateLimited     Reason = "rate_limited"          // minute window full
	ReasonDailyLimit      Reason = "daily_limit_exceeded"  // 24h window full
	ReasonTokenBudget     Reason = "token_budget_exceeded" // enforced share of the token budget used up
	ReasonRequestTooLarge Reason = "request_too_large"     // estimate above the per-request cap
)

// Transient reports whether the same request could be admitted within seconds.
// Budget and size rejections will not clear by waiting out a backoff.
func (r Reason) Transient() bool {
	return r == ReasonRateLimited
}

const (
	minuteWindow = 60 * time.Second
	dayWindow    = 24 * time.Hour
)

// Limits are the admission limits of one identity
type Limits struct {
	MaxRequestsPerMinute int
	MaxRequestsPerDay    int
	TokenBudget          int // 0 = no token budget
	TokenBudgetPercent   int
	BudgetPeriod         time.Duration
	MaxTokensPerRequest  int // 0 = no per-request cap
}

// EnforcedTokenLimit is the part of TokenBudget that may actually be spent
func (l Limits) EnforcedTokenLimit() int {
	if l.TokenBudget <= 0 {
		return 0
	}
	return l.TokenBudget * l.TokenBudgetPercent / 100
}

// LimitsFromSettings converts configured settings to Limits
func LimitsFromSettings(s am.RateLimitSettings) Limits {
	return Limits{
		MaxRequestsPerMinute: s.MaxRequestsPerMinute,
		MaxRequestsPerDay:    s.MaxRequestsPerDay,
		TokenBudget:          s.TokenBudget,
		TokenBudgetPercent:   s.TokenBudgetPercent,
		BudgetPeriod:         s.BudgetPeriod(),
		MaxTokensPerRequest:  s.MaxTokensPerRequest,
	}
}

// window is the admission state of one identity.
// Timestamps are appended in admission order, so both slices stay sorted.
type window struct {
	minute      []time.Time
	day         []time.Time
	tokensUsed  int
	periodStart time.Time
}

// Limiter admits outbound calls per identity against a 60-second window, a
// 24-hour window and a rolling token budget, using sliding windows of call
// timestamps. Check-and-record happens under one lock, so concurrent callers
// can never overshoot a window.
type Limiter struct {
	mu        sync.Mutex
	defaults  Limits
	overrides map[string]Limits
	windows   map[string]*window
	timeNow   func() time.Time // Injectable for testing
	logger    *zap.SugaredLogger
}

// NewLimiter creates a limiter with real time
func NewLimiter(defaults Limits, overrides map[string]Limits, log *zap.SugaredLogger) *Limiter {
	return NewLimiterWithClock(defaults, overrides, log, time.Now)
}

// NewLimiterWithClock creates a limiter with injectable clock (for testing)
func NewLimiterWithClock(defaults Limits, overrides map[string]Limits, log *zap.SugaredLogger, timeNow func() time.Time) *Limiter {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Limiter{
		defaults:  defaults,
		overrides: copyOverrides(overrides),
		windows:   make(map[string]*window),
		timeNow:   timeNow,
		logger:    logger.AddPulseSymbol(log),
	}
}

// NewLimiterFromConfig builds a limiter from the rate_limit config section
func NewLimiterFromConfig(cfg am.RateLimitConfig, log *zap.SugaredLogger) *Limiter {
	defaults, overrides := limitsFromConfig(cfg)
	return NewLimiter(defaults, overrides, log)
}

func limitsFromConfig(cfg am.RateLimitConfig) (Limits, map[string]Limits) {
	overrides := make(map[string]Limits, len(cfg.Identities))
	for identity := range cfg.Identities {
		overrides[identity] = LimitsFromSettings(cfg.SettingsFor(identity))
	}
	return LimitsFromSettings(cfg.RateLimitSettings), overrides
}

func copyOverrides(overrides map[string]Limits) map[string]Limits {
	out := make(map[string]Limits, len(overrides))
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// Admit decides whether identity may make one call estimated at
// estimatedTokens. On admission the call is recorded in both windows and the
// estimate is charged to the token budget; a rejection changes nothing.
// Admit never blocks on anything but the limiter's own lock.
func (l *Limiter) Admit(identity string, estimatedTokens int) (bool, Reason) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.timeNow()
	limits := l.limitsFor(identity)
	w := l.windowFor(identity)
	w.prune(now)

	if limits.MaxTokensPerRequest > 0 && estimatedTokens > limits.MaxTokensPerRequest {
		return l.reject(identity, ReasonRequestTooLarge, estimatedTokens)
	}
	if len(w.minute) >= limits.MaxRequestsPerMinute {
		return l.reject(identity, ReasonRateLimited, estimatedTokens)
	}
	if len(w.day) >= limits.MaxRequestsPerDay {
		return l.reject(identity, ReasonDailyLimit, estimatedTokens)
	}
	if enforced := limits.EnforcedTokenLimit(); enforced > 0 {
		w.rollPeriod(now, limits.BudgetPeriod)
		if w.tokensUsed+estimatedTokens > enforced {
			return l.reject(identity, ReasonTokenBudget, estimatedTokens)
		}
	}

	w.minute = append(w.minute, now)
	w.day = append(w.day, now)
	w.tokensUsed += estimatedTokens
	if w.periodStart.IsZero() {
		w.periodStart = now
	}
	return true, ReasonNone
}

func (l *Limiter) reject(identity string, reason Reason, estimatedTokens int) (bool, Reason) {
	l.logger.Debugw("Admission rejected",
		logger.FieldIdentity, identity,
		logger.FieldReason, string(reason),
		logger.FieldTokens, estimatedTokens)
	return false, reason
}

// Settle replaces an admitted estimate with the token count the provider
// actually reported. The counter never drops below zero.
func (l *Limiter) Settle(identity string, estimatedTokens, actualTokens int) {
	if estimatedTokens == actualTokens {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.windowFor(identity)
	w.tokensUsed += actualTokens - estimatedTokens
	if w.tokensUsed < 0 {
		w.tokensUsed = 0
	}
}

// SeedState is persisted usage replayed into a fresh limiter
type SeedState struct {
	Requests    []time.Time // call times within the last 24h, any order
	TokensUsed  int
	PeriodStart time.Time
}

// Seed replaces identity's window with persisted usage so restarts do not
// hand out a fresh allowance.
func (l *Limiter) Seed(identity string, state SeedState) {
	l.mu.Lock()
	defer l.mu.Unlock()

	requests := append([]time.Time(nil), state.Requests...)
	sort.Slice(requests, func(i, j int) bool { return requests[i].Before(requests[j]) })

	w := &window{
		day:         requests,
		tokensUsed:  state.TokensUsed,
		periodStart: state.PeriodStart,
	}
	now := l.timeNow()
	cutoff := now.Add(-minuteWindow)
	for _, t := range requests {
		if t.After(cutoff) {
			w.minute = append(w.minute, t)
		}
	}
	w.prune(now)
	l.windows[identity] = w
}

// UpdateLimits swaps the limits in place. Recorded windows are kept, so a
// lowered limit takes effect at the next admission.
func (l *Limiter) UpdateLimits(defaults Limits, overrides map[string]Limits) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.defaults = defaults
	l.overrides = copyOverrides(overrides)
	l.logger.Infow("Rate limits updated",
		"max_requests_per_minute", defaults.MaxRequestsPerMinute,
		"max_requests_per_day", defaults.MaxRequestsPerDay,
		"enforced_token_limit", defaults.EnforcedTokenLimit(),
		"identity_overrides", len(overrides))
}

// ApplyConfig is an am.ReloadCallback that updates limits from a reloaded config
func (l *Limiter) ApplyConfig(cfg *am.Config) error {
	defaults, overrides := limitsFromConfig(cfg.RateLimit)
	l.UpdateLimits(defaults, overrides)
	return nil
}

// Stats is a snapshot of one identity's admission state
type Stats struct {
	Identity           string    `json:"identity"`
	RequestsLastMinute int       `json:"requests_last_minute"`
	RequestsLastDay    int       `json:"requests_last_day"`
	TokensUsed         int       `json:"tokens_used"`
	TokenLimit         int       `json:"token_limit"`
	PeriodStart        time.Time `json:"period_start"`
	Limits             Limits    `json:"-"`
}

// Stats returns the current admission state of identity
func (l *Limiter) Stats(identity string) Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.timeNow()
	limits := l.limitsFor(identity)
	stats := Stats{Identity: identity, Limits: limits, TokenLimit: limits.EnforcedTokenLimit()}

	w, ok := l.windows[identity]
	if !ok {
		return stats
	}
	w.prune(now)
	if limits.EnforcedTokenLimit() > 0 {
		w.rollPeriod(now, limits.BudgetPeriod)
	}

	stats.RequestsLastMinute = len(w.minute)
	stats.RequestsLastDay = len(w.day)
	stats.TokensUsed = w.tokensUsed
	stats.PeriodStart = w.periodStart
	return stats
}

// Identities returns every identity that has a window, sorted
func (l *Limiter) Identities() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := make([]string, 0, len(l.windows))
	for id := range l.windows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Must be called with lock held
func (l *Limiter) limitsFor(identity string) Limits {
	if o, ok := l.overrides[identity]; ok {
		return o
	}
	return l.defaults
}

// windowFor returns identity's window, creating it lazily.
// Must be called with lock held.
func (l *Limiter) windowFor(identity string) *window {
	w, ok := l.windows[identity]
	if !ok {
		w = &window{}
		l.windows[identity] = w
	}
	return w
}

// prune drops timestamps that fell out of the trailing windows.
// A timestamp exactly one window old is already outside (now-window, now].
func (w *window) prune(now time.Time) {
	w.minute = pruneBefore(w.minute, now.Add(-minuteWindow))
	w.day = pruneBefore(w.day, now.Add(-dayWindow))
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	expired := 0
	for _, t := range times {
		if t.After(cutoff) {
			break
		}
		expired++
	}
	if expired == 0 {
		return times
	}
	// Copy down so the backing array does not grow without bound
	return append(times[:0], times[expired:]...)
}

// rollPeriod starts a new budget period once the current one has elapsed
func (w *window) rollPeriod(now time.Time, period time.Duration) {
	if w.periodStart.IsZero() || period <= 0 {
		return
	}
	if now.Sub(w.periodStart) >= period {
		w.tokensUsed = 0
		w.periodStart = now
	}
}

// RejectionError builds the typed error for a refused admission
func RejectionError(identity string, reason Reason) error {
	err := errors.Wrapf(errors.ErrRateLimited, "identity %s: %s", identity, reason)
	return errors.WithDetail(err, fmt.Sprintf("reason: %s", reason))
}
