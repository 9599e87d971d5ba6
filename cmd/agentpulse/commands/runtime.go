package commands

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/logger"
	"github.com/teranos/agentpulse/pulse/breaker"
	"github.com/teranos/agentpulse/pulse/budget"
	"github.com/teranos/agentpulse/pulse/schedule"
)

// logBreakerTransitions reports every circuit state change. Opening is a
// warning; half-open and closed are informational.
func logBreakerTransitions(log *zap.SugaredLogger) breaker.TransitionListener {
	log = logger.AddBreakerSymbol(log)
	return func(tr breaker.Transition) {
		fields := []interface{}{
			logger.FieldTarget, tr.Target,
			"from", string(tr.From),
			logger.FieldState, string(tr.To),
			"consecutive_failures", tr.Failures,
		}
		if tr.To == breaker.StateOpen {
			log.Warnw("Circuit opened", fields...)
			return
		}
		log.Infow("Circuit state changed", fields...)
	}
}

// pendingVerification is a queued dependent task without its payload
type pendingVerification struct {
	Trigger string    `json:"trigger_job"`
	FireAt  time.Time `json:"fire_at"`
}

// runtimeSummary is the in-memory state of a running daemon, printed on
// request and logged at shutdown
type runtimeSummary struct {
	Scheduler          map[string]interface{}   `json:"scheduler"`
	Jobs               []schedule.JobStatus     `json:"jobs"`
	Limits             []budget.Stats           `json:"limits"`
	Breakers           []breaker.TargetSnapshot `json:"breakers"`
	Health             schedule.HealthReport    `json:"health"`
	Pending            []pendingVerification    `json:"pending_verifications"`
	NextVerificationAt *time.Time               `json:"next_verification_at,omitempty"`
}

func (d *daemon) summary() runtimeSummary {
	status := d.scheduler.Status()
	jobs := make([]schedule.JobStatus, 0, len(status))
	for _, st := range status {
		jobs = append(jobs, st)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })

	identities := d.limiter.Identities()
	limits := make([]budget.Stats, 0, len(identities))
	for _, id := range identities {
		limits = append(limits, d.limiter.Stats(id))
	}

	queue := d.scheduler.Queue()
	tasks := queue.PendingTasks()
	pending := make([]pendingVerification, 0, len(tasks))
	for _, task := range tasks {
		pending = append(pending, pendingVerification{Trigger: task.TriggerJob, FireAt: task.FireAt})
	}

	s := runtimeSummary{
		Scheduler: d.scheduler.GetStats(),
		Jobs:      jobs,
		Limits:    limits,
		Breakers:  d.breaker.Snapshot(),
		Health:    d.scheduler.LastHealth(),
		Pending:   pending,
	}
	if next, ok := queue.NextFireAt(); ok {
		s.NextVerificationAt = &next
	}
	return s
}

// logSummary writes one line per job, identity and target
func (d *daemon) logSummary(log *zap.SugaredLogger) {
	s := d.summary()
	for _, job := range s.Jobs {
		log.Infow("Job summary",
			logger.FieldJobName, job.Name,
			logger.FieldOutcome, string(job.LastOutcome),
			"runs", job.Runs,
			"failures", job.Failures,
			"last_success_at", job.LastSuccessAt)
	}
	for _, l := range s.Limits {
		log.Infow("Limiter summary",
			logger.FieldIdentity, l.Identity,
			"requests_last_minute", l.RequestsLastMinute,
			"requests_last_day", l.RequestsLastDay,
			logger.FieldTokens, l.TokensUsed,
			"token_limit", l.TokenLimit)
	}
	for _, b := range s.Breakers {
		log.Infow("Breaker summary",
			logger.FieldTarget, b.Target,
			logger.FieldState, string(b.State),
			"consecutive_failures", b.Failures)
	}
	log.Infow("Scheduler summary",
		"ticks", s.Scheduler["ticks_since_start"],
		"pending_verifications", len(s.Pending),
		"last_health_at", s.Health.CheckedAt)
}

// triggerAll runs every enabled agent now. Agents that are running or find
// no free slot are skipped. Returns the names that were started.
func (d *daemon) triggerAll(log *zap.SugaredLogger) []string {
	var started []string
	for _, job := range d.jobs {
		if !job.Enabled {
			continue
		}
		err := d.scheduler.Trigger(job.Name)
		switch {
		case err == nil:
			started = append(started, job.Name)
		case errors.Is(err, errors.ErrAlreadyRunning):
			log.Debugw("Trigger skipped, agent running", logger.FieldJobName, job.Name)
		default:
			log.Warnw("Trigger failed", logger.FieldJobName, job.Name, logger.FieldError, err)
		}
	}
	return started
}
