package am

import (
	"github.com/Masterminds/semver/v3"
	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/version"
)

// Validate checks that the configuration is valid.
// Every returned error wraps errors.ErrInvalidConfig.
func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		return errors.Mark(err, errors.ErrInvalidConfig)
	}
	return nil
}

func (c *Config) validate() error {
	if err := c.checkRequires(version.Version); err != nil {
		return err
	}

	s := c.Scheduler
	if s.TickIntervalSeconds <= 0 {
		return errors.Newf("scheduler.tick_interval_seconds must be > 0, got %d", s.TickIntervalSeconds)
	}
	if s.MaxConcurrentJobs <= 0 {
		return errors.Newf("scheduler.max_concurrent_jobs must be > 0, got %d", s.MaxConcurrentJobs)
	}
	if s.HealthCheckIntervalSeconds <= 0 {
		return errors.Newf("scheduler.health_check_interval_seconds must be > 0, got %d", s.HealthCheckIntervalSeconds)
	}
	// 0 = clear stuck jobs as soon as their timeout passes
	if s.StuckGraceSeconds < 0 {
		return errors.Newf("scheduler.stuck_grace_seconds must be >= 0, got %d", s.StuckGraceSeconds)
	}
	if s.FailureRetryDelaySeconds < 0 {
		return errors.Newf("scheduler.failure_retry_delay_seconds must be >= 0, got %d", s.FailureRetryDelaySeconds)
	}
	if s.ShutdownPolicy != ShutdownDrain && s.ShutdownPolicy != ShutdownAbandon {
		return errors.Newf("scheduler.shutdown_policy must be %q or %q, got %q", ShutdownDrain, ShutdownAbandon, s.ShutdownPolicy)
	}
	if s.ShutdownTimeoutSeconds < 0 {
		return errors.Newf("scheduler.shutdown_timeout_seconds must be >= 0, got %d", s.ShutdownTimeoutSeconds)
	}

	if c.Dependent.Enabled {
		if c.Dependent.JobName == "" {
			return errors.New("dependent.job_name cannot be empty when enabled")
		}
		if c.Dependent.DelaySeconds < 0 {
			return errors.Newf("dependent.delay_seconds must be >= 0, got %d", c.Dependent.DelaySeconds)
		}
		if c.Dependent.TimeoutSeconds <= 0 {
			return errors.Newf("dependent.timeout_seconds must be > 0, got %d", c.Dependent.TimeoutSeconds)
		}
		if _, ok := c.Agents[c.Dependent.JobName]; ok {
			return errors.Newf("dependent.job_name %q collides with an agent name", c.Dependent.JobName)
		}
	}

	if err := validateRateLimit("rate_limit", c.RateLimit.RateLimitSettings); err != nil {
		return err
	}
	for identity := range c.RateLimit.Identities {
		if err := validateRateLimit("rate_limit.identities."+identity, c.RateLimit.SettingsFor(identity)); err != nil {
			return err
		}
	}

	if c.Breaker.FailureThreshold <= 0 {
		return errors.Newf("breaker.failure_threshold must be > 0, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.OpenDurationSeconds <= 0 {
		return errors.Newf("breaker.open_duration_seconds must be > 0, got %d", c.Breaker.OpenDurationSeconds)
	}

	d := c.Dispatch
	if d.MaxAttempts <= 0 {
		return errors.Newf("dispatch.max_attempts must be > 0, got %d", d.MaxAttempts)
	}
	if d.AttemptTimeoutSeconds <= 0 {
		return errors.Newf("dispatch.attempt_timeout_seconds must be > 0, got %d", d.AttemptTimeoutSeconds)
	}
	if d.RetryDelaySeconds < 0 {
		return errors.Newf("dispatch.retry_delay_seconds must be >= 0, got %d", d.RetryDelaySeconds)
	}
	if d.RateLimitBackoffMs < 0 {
		return errors.Newf("dispatch.rate_limit_backoff_ms must be >= 0, got %d", d.RateLimitBackoffMs)
	}
	for target, fallback := range d.Fallbacks {
		if target == fallback {
			return errors.Newf("dispatch.fallbacks.%s cannot fall back to itself", target)
		}
	}

	for name, p := range c.Providers {
		if p.Kind != ProviderOpenAI && p.Kind != ProviderAnthropic {
			return errors.Newf("providers.%s.kind must be %q or %q, got %q", name, ProviderOpenAI, ProviderAnthropic, p.Kind)
		}
		if p.BaseURL == "" {
			return errors.Newf("providers.%s.base_url cannot be empty", name)
		}
		if p.RequestsPerSecond < 0 {
			return errors.Newf("providers.%s.requests_per_second must be >= 0, got %f", name, p.RequestsPerSecond)
		}
	}

	for name, a := range c.Agents {
		if !a.Enabled {
			continue
		}
		if a.IntervalMinutes <= 0 {
			return errors.Newf("agents.%s.interval_minutes must be > 0, got %d", name, a.IntervalMinutes)
		}
		if a.TimeoutMinutes <= 0 {
			return errors.Newf("agents.%s.timeout_minutes must be > 0, got %d", name, a.TimeoutMinutes)
		}
		if a.Target == "" {
			return errors.Newf("agents.%s.target cannot be empty", name)
		}
	}

	return nil
}

func validateRateLimit(prefix string, r RateLimitSettings) error {
	if r.MaxRequestsPerMinute <= 0 {
		return errors.Newf("%s.max_requests_per_minute must be > 0, got %d", prefix, r.MaxRequestsPerMinute)
	}
	if r.MaxRequestsPerDay <= 0 {
		return errors.Newf("%s.max_requests_per_day must be > 0, got %d", prefix, r.MaxRequestsPerDay)
	}
	// Token budget: 0 = no budget, negative = invalid
	if r.TokenBudget < 0 {
		return errors.Newf("%s.token_budget must be >= 0, got %d", prefix, r.TokenBudget)
	}
	if r.TokenBudget > 0 {
		if r.TokenBudgetPercent <= 0 || r.TokenBudgetPercent > 100 {
			return errors.Newf("%s.token_budget_percent must be in (0, 100], got %d", prefix, r.TokenBudgetPercent)
		}
		if r.BudgetPeriodHours <= 0 {
			return errors.Newf("%s.budget_period_hours must be > 0, got %d", prefix, r.BudgetPeriodHours)
		}
	}
	if r.MaxTokensPerRequest < 0 {
		return errors.Newf("%s.max_tokens_per_request must be >= 0, got %d", prefix, r.MaxTokensPerRequest)
	}
	return nil
}

// checkRequires enforces the optional binary version constraint.
// Development builds skip the check.
func (c *Config) checkRequires(binaryVersion string) error {
	if c.Requires == "" {
		return nil
	}
	constraint, err := semver.NewConstraint(c.Requires)
	if err != nil {
		return errors.Wrapf(err, "requires %q is not a valid version constraint", c.Requires)
	}
	if binaryVersion == "" || binaryVersion == "dev" {
		return nil
	}
	v, err := semver.NewVersion(binaryVersion)
	if err != nil {
		return errors.Wrapf(err, "binary version %q is not semver", binaryVersion)
	}
	if !constraint.Check(v) {
		return errors.Newf("config requires agentpulse %s, running %s", c.Requires, binaryVersion)
	}
	return nil
}
