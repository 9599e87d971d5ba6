// Package am loads the agentpulse configuration ("I am configured as ...").
//
// Sources merge in precedence order: defaults < /etc/agentpulse/am.toml <
// ~/.agentpulse/am.toml < project am.toml (upward search) < AGENTPULSE_* env vars.
package am

import (
	"fmt"
	"sort"
	"time"
)

// Config represents the agentpulse configuration
type Config struct {
	// Requires is an optional semver constraint on the binary version (e.g. ">= 0.3")
	Requires  string                    `mapstructure:"requires"`
	Database  DatabaseConfig            `mapstructure:"database"`
	Scheduler SchedulerConfig           `mapstructure:"scheduler"`
	Dependent DependentConfig           `mapstructure:"dependent"`
	RateLimit RateLimitConfig           `mapstructure:"rate_limit"`
	Breaker   BreakerConfig             `mapstructure:"breaker"`
	Dispatch  DispatchConfig            `mapstructure:"dispatch"`
	Providers map[string]ProviderConfig `mapstructure:"providers"`
	Agents    map[string]AgentConfig    `mapstructure:"agents"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// SchedulerConfig configures the tick loop and job admission
type SchedulerConfig struct {
	TickIntervalSeconds        int    `mapstructure:"tick_interval_seconds"`         // How often due jobs are checked (default: 60)
	MaxConcurrentJobs          int    `mapstructure:"max_concurrent_jobs"`           // Global cap on running jobs (default: 2)
	HealthCheckIntervalSeconds int    `mapstructure:"health_check_interval_seconds"` // Health sweep period (default: 300)
	StuckGraceSeconds          int    `mapstructure:"stuck_grace_seconds"`           // Added to a job's timeout before the sweep clears it
	FailureRetryDelaySeconds   int    `mapstructure:"failure_retry_delay_seconds"`   // Wait after a failed run before retrying
	ShutdownPolicy             string `mapstructure:"shutdown_policy"`               // "drain" or "abandon"
	ShutdownTimeoutSeconds     int    `mapstructure:"shutdown_timeout_seconds"`      // Upper bound on drain
}

// Shutdown policies
const (
	ShutdownDrain   = "drain"
	ShutdownAbandon = "abandon"
)

// DependentConfig configures the verification job queued after each primary success
type DependentConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	JobName        string `mapstructure:"job_name"`
	DelaySeconds   int    `mapstructure:"delay_seconds"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	Target         string `mapstructure:"target"`
	Prompt         string `mapstructure:"prompt"`
}

// RateLimitConfig configures admission windows and the token budget
type RateLimitConfig struct {
	RateLimitSettings `mapstructure:",squash"`

	// Identities overrides the settings above for a single identity.
	// Zero fields inherit the global value.
	Identities map[string]RateLimitSettings `mapstructure:"identities"`
}

// RateLimitSettings holds one identity's limits
type RateLimitSettings struct {
	MaxRequestsPerMinute int `mapstructure:"max_requests_per_minute"`
	MaxRequestsPerDay    int `mapstructure:"max_requests_per_day"`
	TokenBudget          int `mapstructure:"token_budget"`         // 0 = no token budget
	TokenBudgetPercent   int `mapstructure:"token_budget_percent"` // Share of TokenBudget that may be used
	BudgetPeriodHours    int `mapstructure:"budget_period_hours"`
	MaxTokensPerRequest  int `mapstructure:"max_tokens_per_request"` // 0 = no per-request cap
}

// BreakerConfig configures the per-target circuit breakers
type BreakerConfig struct {
	FailureThreshold    int `mapstructure:"failure_threshold"`
	OpenDurationSeconds int `mapstructure:"open_duration_seconds"`
}

// DispatchConfig configures retries and fallbacks for outbound calls
type DispatchConfig struct {
	MaxAttempts           int               `mapstructure:"max_attempts"`
	AttemptTimeoutSeconds int               `mapstructure:"attempt_timeout_seconds"`
	RetryDelaySeconds     int               `mapstructure:"retry_delay_seconds"`
	RateLimitBackoffMs    int               `mapstructure:"rate_limit_backoff_ms"`
	Fallbacks             map[string]string `mapstructure:"fallbacks"` // target = "fallback target"
}

// ProviderConfig configures one outbound language-model endpoint
type ProviderConfig struct {
	Kind              string  `mapstructure:"kind"` // "openai" (OpenAI-compatible) or "anthropic"
	BaseURL           string  `mapstructure:"base_url"`
	APIKey            string  `mapstructure:"api_key"`
	Model             string  `mapstructure:"model"`
	MaxTokens         int     `mapstructure:"max_tokens"`
	Temperature       float64 `mapstructure:"temperature"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"` // Client-side pacing, 0 = unpaced
}

// Provider kinds
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// AgentConfig configures one periodic agent job
type AgentConfig struct {
	IntervalMinutes int    `mapstructure:"interval_minutes"`
	TimeoutMinutes  int    `mapstructure:"timeout_minutes"`
	Enabled         bool   `mapstructure:"enabled"`
	Target          string `mapstructure:"target"`
	Prompt          string `mapstructure:"prompt"`
}

// Interval returns the agent's schedule interval
func (a AgentConfig) Interval() time.Duration {
	return time.Duration(a.IntervalMinutes) * time.Minute
}

// Timeout returns the agent's run timeout
func (a AgentConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutMinutes) * time.Minute
}

// TickInterval returns the scheduler tick period
func (s SchedulerConfig) TickInterval() time.Duration {
	return time.Duration(s.TickIntervalSeconds) * time.Second
}

// HealthCheckInterval returns the health sweep period
func (s SchedulerConfig) HealthCheckInterval() time.Duration {
	return time.Duration(s.HealthCheckIntervalSeconds) * time.Second
}

// StuckGrace returns the grace added to a job timeout by the health sweep
func (s SchedulerConfig) StuckGrace() time.Duration {
	return time.Duration(s.StuckGraceSeconds) * time.Second
}

// FailureRetryDelay returns the wait after a failed run
func (s SchedulerConfig) FailureRetryDelay() time.Duration {
	return time.Duration(s.FailureRetryDelaySeconds) * time.Second
}

// ShutdownTimeout returns the upper bound on draining in-flight jobs
func (s SchedulerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSeconds) * time.Second
}

// Delay returns the dependent job delay
func (d DependentConfig) Delay() time.Duration {
	return time.Duration(d.DelaySeconds) * time.Second
}

// Timeout returns the dependent job timeout
func (d DependentConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// OpenDuration returns how long a tripped breaker stays open
func (b BreakerConfig) OpenDuration() time.Duration {
	return time.Duration(b.OpenDurationSeconds) * time.Second
}

// AttemptTimeout returns the per-attempt deadline for outbound calls
func (d DispatchConfig) AttemptTimeout() time.Duration {
	return time.Duration(d.AttemptTimeoutSeconds) * time.Second
}

// RetryDelay returns the wait between failed attempts
func (d DispatchConfig) RetryDelay() time.Duration {
	return time.Duration(d.RetryDelaySeconds) * time.Second
}

// RateLimitBackoff returns the wait after an admission rejection
func (d DispatchConfig) RateLimitBackoff() time.Duration {
	return time.Duration(d.RateLimitBackoffMs) * time.Millisecond
}

// BudgetPeriod returns the token budget period
func (r RateLimitSettings) BudgetPeriod() time.Duration {
	return time.Duration(r.BudgetPeriodHours) * time.Hour
}

// SettingsFor returns the effective limits for identity, with zero
// override fields inherited from the global settings.
func (r RateLimitConfig) SettingsFor(identity string) RateLimitSettings {
	s := r.RateLimitSettings
	o, ok := r.Identities[identity]
	if !ok {
		return s
	}
	if o.MaxRequestsPerMinute != 0 {
		s.MaxRequestsPerMinute = o.MaxRequestsPerMinute
	}
	if o.MaxRequestsPerDay != 0 {
		s.MaxRequestsPerDay = o.MaxRequestsPerDay
	}
	if o.TokenBudget != 0 {
		s.TokenBudget = o.TokenBudget
	}
	if o.TokenBudgetPercent != 0 {
		s.TokenBudgetPercent = o.TokenBudgetPercent
	}
	if o.BudgetPeriodHours != 0 {
		s.BudgetPeriodHours = o.BudgetPeriodHours
	}
	if o.MaxTokensPerRequest != 0 {
		s.MaxTokensPerRequest = o.MaxTokensPerRequest
	}
	return s
}

// AgentNames returns the configured agent names in sorted order
func (c *Config) AgentNames() []string {
	names := make([]string, 0, len(c.Agents))
	for name := range c.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "agentpulse.db"
	}
	return c.Database.Path
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Scheduler: {Tick: %ds, MaxConcurrent: %d}, Agents: %d}",
		c.Database.Path, c.Scheduler.TickIntervalSeconds, c.Scheduler.MaxConcurrentJobs, len(c.Agents))
}
