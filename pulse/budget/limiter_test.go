package budget

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/agentpulse/am"
	"github.com/teranos/agentpulse/errors"
)

// mockClock allows controlling time in tests
type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock(now time.Time) *mockClock {
	return &mockClock{now: now}
}

func (m *mockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func requestLimits(perMinute, perDay int) Limits {
	return Limits{MaxRequestsPerMinute: perMinute, MaxRequestsPerDay: perDay}
}

// Test Case 1: Minute window
// Given: maxRequestsPerMinute=2
// When: admits at t=0, t=1s, t=2s, t=61s
// Then: true, true, false(rate_limited), true
func TestLimiter_MinuteWindow(t *testing.T) {
	clock := newMockClock(epoch)
	limiter := NewLimiterWithClock(requestLimits(2, 1000), nil, nil, clock.Now)

	ok, reason := limiter.Admit("guardian", 0)
	assert.True(t, ok)
	assert.Equal(t, ReasonNone, reason)

	clock.Advance(time.Second)
	ok, _ = limiter.Admit("guardian", 0)
	assert.True(t, ok)

	clock.Advance(time.Second)
	ok, reason = limiter.Admit("guardian", 0)
	assert.False(t, ok)
	assert.Equal(t, ReasonRateLimited, reason)

	clock.Advance(59 * time.Second) // t=61s, the t=0 call has left the window
	ok, _ = limiter.Admit("guardian", 0)
	assert.True(t, ok)
}

// Test Case 2: Boundary
// Given: a call at t=0 filling a 1/min window
// When: admitting at exactly t=60s
// Then: the t=0 call is outside (now-60s, now] and the call is admitted
func TestLimiter_WindowBoundaryIsExclusive(t *testing.T) {
	clock := newMockClock(epoch)
	limiter := NewLimiterWithClock(requestLimits(1, 1000), nil, nil, clock.Now)

	ok, _ := limiter.Admit("imperium", 0)
	require.True(t, ok)

	clock.Advance(59*time.Second + 999*time.Millisecond)
	ok, _ = limiter.Admit("imperium", 0)
	assert.False(t, ok)

	clock.Advance(time.Millisecond)
	ok, _ = limiter.Admit("imperium", 0)
	assert.True(t, ok)
}

// Test Case 3: Day window
// Given: maxRequestsPerDay=3 and a generous minute window
// When: four calls spread over an hour, then one more 24h after the first
// Then: the fourth is refused with daily_limit_exceeded, the fifth admitted
func TestLimiter_DayWindow(t *testing.T) {
	clock := newMockClock(epoch)
	limiter := NewLimiterWithClock(requestLimits(10, 3), nil, nil, clock.Now)

	for i := 0; i < 3; i++ {
		ok, _ := limiter.Admit("sandbox", 0)
		require.True(t, ok, "call %d", i+1)
		clock.Advance(20 * time.Minute)
	}

	ok, reason := limiter.Admit("sandbox", 0)
	assert.False(t, ok)
	assert.Equal(t, ReasonDailyLimit, reason)

	clock.Advance(24*time.Hour - 60*time.Minute) // exactly 24h after the first call
	ok, _ = limiter.Admit("sandbox", 0)
	assert.True(t, ok)
}

// Test Case 4: Token budget
// Given: budget 1000 tokens enforced at 70%
// When: admitting 400 + 300 tokens, then 1 more
// Then: 700 is the ceiling, the extra token is refused
func TestLimiter_TokenBudget(t *testing.T) {
	clock := newMockClock(epoch)
	limits := Limits{
		MaxRequestsPerMinute: 100,
		MaxRequestsPerDay:    100,
		TokenBudget:          1000,
		TokenBudgetPercent:   70,
		BudgetPeriod:         24 * time.Hour,
	}
	limiter := NewLimiterWithClock(limits, nil, nil, clock.Now)

	assert.Equal(t, 700, limits.EnforcedTokenLimit())

	ok, _ := limiter.Admit("conquest", 400)
	require.True(t, ok)
	ok, _ = limiter.Admit("conquest", 300)
	require.True(t, ok)

	ok, reason := limiter.Admit("conquest", 1)
	assert.False(t, ok)
	assert.Equal(t, ReasonTokenBudget, reason)
	assert.False(t, reason.Transient())

	// A new period starts once the old one has elapsed
	clock.Advance(24 * time.Hour)
	ok, _ = limiter.Admit("conquest", 500)
	assert.True(t, ok)
	assert.Equal(t, 500, limiter.Stats("conquest").TokensUsed)
}

func TestLimiter_RequestTooLarge(t *testing.T) {
	limits := requestLimits(10, 10)
	limits.MaxTokensPerRequest = 1000
	limiter := NewLimiterWithClock(limits, nil, nil, newMockClock(epoch).Now)

	ok, reason := limiter.Admit("guardian", 1001)
	assert.False(t, ok)
	assert.Equal(t, ReasonRequestTooLarge, reason)

	ok, _ = limiter.Admit("guardian", 1000)
	assert.True(t, ok)
}

func TestLimiter_RejectionLeavesStateUnchanged(t *testing.T) {
	clock := newMockClock(epoch)
	limits := Limits{
		MaxRequestsPerMinute: 1,
		MaxRequestsPerDay:    10,
		TokenBudget:          100,
		TokenBudgetPercent:   100,
		BudgetPeriod:         time.Hour,
	}
	limiter := NewLimiterWithClock(limits, nil, nil, clock.Now)

	ok, _ := limiter.Admit("guardian", 10)
	require.True(t, ok)
	before := limiter.Stats("guardian")

	ok, _ = limiter.Admit("guardian", 10)
	require.False(t, ok)

	after := limiter.Stats("guardian")
	assert.Equal(t, before.RequestsLastMinute, after.RequestsLastMinute)
	assert.Equal(t, before.RequestsLastDay, after.RequestsLastDay)
	assert.Equal(t, before.TokensUsed, after.TokensUsed)
}

func TestLimiter_IdentitiesAreIndependent(t *testing.T) {
	limiter := NewLimiterWithClock(requestLimits(1, 10), nil, nil, newMockClock(epoch).Now)

	ok, _ := limiter.Admit("guardian", 0)
	assert.True(t, ok)
	ok, _ = limiter.Admit("imperium", 0)
	assert.True(t, ok)
	ok, _ = limiter.Admit("guardian", 0)
	assert.False(t, ok)

	assert.Equal(t, []string{"guardian", "imperium"}, limiter.Identities())
}

func TestLimiter_IdentityOverrides(t *testing.T) {
	overrides := map[string]Limits{"conquest": requestLimits(3, 10)}
	limiter := NewLimiterWithClock(requestLimits(1, 10), overrides, nil, newMockClock(epoch).Now)

	for i := 0; i < 3; i++ {
		ok, _ := limiter.Admit("conquest", 0)
		assert.True(t, ok)
	}
	ok, _ := limiter.Admit("conquest", 0)
	assert.False(t, ok)
}

func TestLimiter_Settle(t *testing.T) {
	limits := Limits{MaxRequestsPerMinute: 10, MaxRequestsPerDay: 10, TokenBudget: 1000, TokenBudgetPercent: 100, BudgetPeriod: time.Hour}
	limiter := NewLimiterWithClock(limits, nil, nil, newMockClock(epoch).Now)

	ok, _ := limiter.Admit("guardian", 500)
	require.True(t, ok)

	limiter.Settle("guardian", 500, 120)
	assert.Equal(t, 120, limiter.Stats("guardian").TokensUsed)

	limiter.Settle("guardian", 500, 0)
	assert.Equal(t, 0, limiter.Stats("guardian").TokensUsed, "counter never goes negative")
}

func TestLimiter_Seed(t *testing.T) {
	clock := newMockClock(epoch)
	limiter := NewLimiterWithClock(requestLimits(2, 3), nil, nil, clock.Now)

	limiter.Seed("guardian", SeedState{
		Requests: []time.Time{
			epoch.Add(-10 * time.Second),
			epoch.Add(-25 * time.Hour), // outside both windows
			epoch.Add(-2 * time.Hour),
		},
		TokensUsed:  42,
		PeriodStart: epoch.Add(-2 * time.Hour),
	})

	stats := limiter.Stats("guardian")
	assert.Equal(t, 1, stats.RequestsLastMinute)
	assert.Equal(t, 2, stats.RequestsLastDay)
	assert.Equal(t, 42, stats.TokensUsed)

	ok, _ := limiter.Admit("guardian", 0)
	assert.True(t, ok)
	ok, reason := limiter.Admit("guardian", 0)
	assert.False(t, ok)
	assert.Equal(t, ReasonRateLimited, reason)
}

func TestLimiter_UpdateLimits(t *testing.T) {
	clock := newMockClock(epoch)
	limiter := NewLimiterWithClock(requestLimits(5, 10), nil, nil, clock.Now)

	for i := 0; i < 2; i++ {
		ok, _ := limiter.Admit("guardian", 0)
		require.True(t, ok)
	}

	limiter.UpdateLimits(requestLimits(2, 10), nil)
	ok, reason := limiter.Admit("guardian", 0)
	assert.False(t, ok)
	assert.Equal(t, ReasonRateLimited, reason)
}

func TestLimiter_ApplyConfig(t *testing.T) {
	limiter := NewLimiterWithClock(requestLimits(5, 10), nil, nil, newMockClock(epoch).Now)

	cfg := &am.Config{RateLimit: am.RateLimitConfig{
		RateLimitSettings: am.RateLimitSettings{MaxRequestsPerMinute: 1, MaxRequestsPerDay: 10},
		Identities: map[string]am.RateLimitSettings{
			"guardian": {MaxRequestsPerMinute: 2},
		},
	}}
	require.NoError(t, limiter.ApplyConfig(cfg))

	assert.Equal(t, 2, limiter.Stats("guardian").Limits.MaxRequestsPerMinute)
	assert.Equal(t, 10, limiter.Stats("guardian").Limits.MaxRequestsPerDay)
	assert.Equal(t, 1, limiter.Stats("sandbox").Limits.MaxRequestsPerMinute)
}

func TestLimiter_ConcurrentAdmitsNeverOvershoot(t *testing.T) {
	limiter := NewLimiterWithClock(requestLimits(25, 1000), nil, nil, newMockClock(epoch).Now)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if ok, _ := limiter.Admit("guardian", 0); ok {
					mu.Lock()
					admitted++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 25, admitted)
}

// Property: for any sequence of admits and clock steps, the admitted calls in
// every trailing 60s interval never exceed maxRequestsPerMinute, and in every
// trailing 24h interval never exceed maxRequestsPerDay.
func TestLimiter_TrailingWindowProperty(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		rng := rand.New(rand.NewSource(seed))
		perMinute := 1 + rng.Intn(5)
		perDay := perMinute + rng.Intn(40)

		clock := newMockClock(epoch)
		limiter := NewLimiterWithClock(requestLimits(perMinute, perDay), nil, nil, clock.Now)

		var admitted []time.Time
		for step := 0; step < 2000; step++ {
			switch rng.Intn(4) {
			case 0:
				clock.Advance(time.Duration(rng.Intn(90)) * time.Second)
			case 1:
				clock.Advance(time.Duration(rng.Intn(120)) * time.Minute)
			default:
				if ok, _ := limiter.Admit("guardian", 0); ok {
					admitted = append(admitted, clock.Now())
				}
			}
		}

		for i, end := range admitted {
			inMinute, inDay := 0, 0
			for _, at := range admitted[:i+1] {
				if at.After(end.Add(-minuteWindow)) {
					inMinute++
				}
				if at.After(end.Add(-dayWindow)) {
					inDay++
				}
			}
			require.LessOrEqual(t, inMinute, perMinute, "seed %d: minute window overshoot at %v", seed, end)
			require.LessOrEqual(t, inDay, perDay, "seed %d: day window overshoot at %v", seed, end)
		}
	}
}

func TestRejectionError(t *testing.T) {
	err := RejectionError("guardian", ReasonDailyLimit)

	assert.True(t, errors.Is(err, errors.ErrRateLimited))
	assert.Contains(t, err.Error(), "daily_limit_exceeded")
	assert.Contains(t, errors.GetAllDetails(err), "reason: daily_limit_exceeded")
}
