// Package schedule runs the periodic agent jobs: the runner guarantees
// at-most-one execution per job name under a timeout, the scheduler decides
// what is due on every tick, and the dependent queue delays verification jobs
// after each primary success.
package schedule

import (
	"context"
	"sort"
	"time"

	"github.com/teranos/agentpulse/am"
	"github.com/teranos/agentpulse/errors"
)

// Body is the work of one job. The payload is nil for primary jobs and the
// triggering job's output for dependent jobs.
type Body func(ctx context.Context, payload []byte) ([]byte, error)

// JobSpec is the immutable definition of one periodic job
type JobSpec struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration
	Enabled  bool

	// Carried for agent bodies
	Target string
	Prompt string
}

// Validate rejects definitions that could never run correctly
func (s JobSpec) Validate() error {
	if s.Name == "" {
		return errors.NewInvalidConfigError("job name cannot be empty")
	}
	if s.Interval <= 0 {
		return errors.NewInvalidConfigError("job %q: interval must be positive, got %s", s.Name, s.Interval)
	}
	if s.Timeout <= 0 {
		return errors.NewInvalidConfigError("job %q: timeout must be positive, got %s", s.Name, s.Timeout)
	}
	return nil
}

// ValidateJobs validates every spec and rejects duplicate names
func ValidateJobs(jobs []JobSpec) error {
	seen := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		if err := job.Validate(); err != nil {
			return err
		}
		if seen[job.Name] {
			return errors.NewInvalidConfigError("job %q registered twice", job.Name)
		}
		seen[job.Name] = true
	}
	return nil
}

// JobSpecsFromConfig builds one spec per configured agent, sorted by name
func JobSpecsFromConfig(cfg *am.Config) []JobSpec {
	specs := make([]JobSpec, 0, len(cfg.Agents))
	for name, agent := range cfg.Agents {
		specs = append(specs, JobSpec{
			Name:     name,
			Interval: agent.Interval(),
			Timeout:  agent.Timeout(),
			Enabled:  agent.Enabled,
			Target:   agent.Target,
			Prompt:   agent.Prompt,
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Outcome is how a run ended
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeFailed         Outcome = "failed"
	OutcomeTimeout        Outcome = "timeout"
	OutcomeCancelled      Outcome = "cancelled"
	OutcomeAlreadyRunning Outcome = "already_running" // skipped, not a failure
	OutcomeStuck          Outcome = "stuck"           // cleared by the health sweep
)

// JobStatus is the runtime state of one job name
type JobStatus struct {
	Name             string        `json:"name"`
	Running          bool          `json:"running"`
	LastRunStartedAt time.Time     `json:"last_run_started_at"`
	LastSuccessAt    time.Time     `json:"last_success_at"`
	LastFailureAt    time.Time     `json:"last_failure_at"`
	LastOutcome      Outcome       `json:"last_outcome,omitempty"`
	LastError        string        `json:"last_error,omitempty"`
	LastDuration     time.Duration `json:"last_duration"`
	Runs             int           `json:"runs"`
	Failures         int           `json:"failures"`

	timeout    time.Duration
	generation uint64
}

// FailedSinceSuccess reports whether the latest finished run failed
func (s JobStatus) FailedSinceSuccess() bool {
	return !s.LastFailureAt.IsZero() && s.LastFailureAt.After(s.LastSuccessAt)
}

// Result is what Runner.Run reports about one run
type Result struct {
	RunID      string
	Outcome    Outcome
	Output     []byte
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration is the wall time of the run
func (r Result) Duration() time.Duration {
	if r.StartedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

type triggerKey struct{}

// WithTrigger records the primary job that caused a dependent run
func WithTrigger(ctx context.Context, trigger string) context.Context {
	return context.WithValue(ctx, triggerKey{}, trigger)
}

// TriggerFromContext returns the primary job of a dependent run, or ""
func TriggerFromContext(ctx context.Context) string {
	trigger, _ := ctx.Value(triggerKey{}).(string)
	return trigger
}
