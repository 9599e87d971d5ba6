package am

import (
	"github.com/spf13/viper"
)

// DefaultDirPermissions is used for ~/.agentpulse
const DefaultDirPermissions = 0o755

// defaultAgents mirrors the cadence the agents were tuned for:
// name -> {interval minutes, timeout minutes}
var defaultAgents = map[string][2]int{
	"guardian": {180, 30},
	"imperium": {120, 45},
	"sandbox":  {240, 20},
	"conquest": {360, 60},
}

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "agentpulse.db")

	// Scheduler defaults
	v.SetDefault("scheduler.tick_interval_seconds", 60)
	v.SetDefault("scheduler.max_concurrent_jobs", 2)
	v.SetDefault("scheduler.health_check_interval_seconds", 300)
	v.SetDefault("scheduler.stuck_grace_seconds", 300)
	v.SetDefault("scheduler.failure_retry_delay_seconds", 300)
	v.SetDefault("scheduler.shutdown_policy", ShutdownDrain)
	v.SetDefault("scheduler.shutdown_timeout_seconds", 30)

	// Dependent verification job
	v.SetDefault("dependent.enabled", true)
	v.SetDefault("dependent.job_name", "custodes")
	v.SetDefault("dependent.delay_seconds", 60)
	v.SetDefault("dependent.timeout_seconds", 900)
	v.SetDefault("dependent.target", "anthropic")
	v.SetDefault("dependent.prompt", "Review the following agent output for correctness and risk. Answer PASS or FAIL with one line of reasoning.")

	// Rate limits (per identity)
	v.SetDefault("rate_limit.max_requests_per_minute", 42)
	v.SetDefault("rate_limit.max_requests_per_day", 3400)
	v.SetDefault("rate_limit.token_budget", 200000)
	v.SetDefault("rate_limit.token_budget_percent", 70)
	v.SetDefault("rate_limit.budget_period_hours", 720)
	v.SetDefault("rate_limit.max_tokens_per_request", 4000)

	// Circuit breaker
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.open_duration_seconds", 60)

	// Dispatch
	v.SetDefault("dispatch.max_attempts", 3)
	v.SetDefault("dispatch.attempt_timeout_seconds", 60)
	v.SetDefault("dispatch.retry_delay_seconds", 5)
	v.SetDefault("dispatch.rate_limit_backoff_ms", 500)
	v.SetDefault("dispatch.fallbacks", map[string]string{"anthropic": "openrouter"})

	// Providers
	v.SetDefault("providers.anthropic.kind", ProviderAnthropic)
	v.SetDefault("providers.anthropic.base_url", "https://api.anthropic.com/v1")
	v.SetDefault("providers.anthropic.model", "claude-3-5-haiku-latest")
	v.SetDefault("providers.anthropic.max_tokens", 1000)
	v.SetDefault("providers.anthropic.temperature", 0.2)
	v.SetDefault("providers.anthropic.requests_per_second", 1.0)
	v.SetDefault("providers.openrouter.kind", ProviderOpenAI)
	v.SetDefault("providers.openrouter.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("providers.openrouter.model", "openai/gpt-4o-mini")
	v.SetDefault("providers.openrouter.max_tokens", 1000)
	v.SetDefault("providers.openrouter.temperature", 0.2)
	v.SetDefault("providers.openrouter.requests_per_second", 1.0)

	// Agents
	for name, cadence := range defaultAgents {
		prefix := "agents." + name + "."
		v.SetDefault(prefix+"interval_minutes", cadence[0])
		v.SetDefault(prefix+"timeout_minutes", cadence[1])
		v.SetDefault(prefix+"enabled", true)
		v.SetDefault(prefix+"target", "anthropic")
		v.SetDefault(prefix+"prompt", "Run the "+name+" review cycle and report findings.")
	}
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	_ = v.BindEnv("database.path", "AGENTPULSE_DATABASE_PATH")
	_ = v.BindEnv("providers.anthropic.api_key", "AGENTPULSE_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("providers.openrouter.api_key", "AGENTPULSE_OPENROUTER_API_KEY", "OPENROUTER_API_KEY")
}
