package commands

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/agentpulse/agents"
	"github.com/teranos/agentpulse/ai/provider"
	"github.com/teranos/agentpulse/ai/tracker"
	"github.com/teranos/agentpulse/am"
	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/logger"
	"github.com/teranos/agentpulse/pulse/breaker"
	"github.com/teranos/agentpulse/pulse/budget"
	"github.com/teranos/agentpulse/pulse/dispatch"
	"github.com/teranos/agentpulse/pulse/schedule"
)

// daemon is the wired set of components behind `agentpulse start`
type daemon struct {
	cfg        *am.Config
	limiter    *budget.Limiter
	breaker    *breaker.Breaker
	dispatcher *dispatch.Dispatcher
	runner     *schedule.Runner
	scheduler  *schedule.Scheduler
	runs       *schedule.ExecutionStore
	jobs       []schedule.JobSpec
}

// buildDaemon wires limiter, breaker, providers, dispatcher, agent bodies and
// scheduler around database. The scheduler is not started.
func buildDaemon(ctx context.Context, cfg *am.Config, database *sql.DB, httpClient *http.Client, log *zap.SugaredLogger) (*daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	limiter := budget.NewLimiterFromConfig(cfg.RateLimit, log.Named("budget"))
	identities := append(cfg.AgentNames(), cfg.Dependent.JobName)
	if err := budget.SeedLimiter(ctx, limiter, budget.NewStore(database), identities); err != nil {
		return nil, err
	}

	brk := breaker.New(breaker.SettingsFromConfig(cfg.Breaker), log.Named("breaker"))
	brk.OnTransition(logBreakerTransitions(log.Named("breaker")))

	registry, err := provider.NewRegistryFromConfig(cfg.Providers, httpClient, log.Named("provider"))
	if err != nil {
		return nil, err
	}
	for target, fallback := range cfg.Dispatch.Fallbacks {
		if !registry.Has(target) || !registry.Has(fallback) {
			return nil, errors.NewInvalidConfigError("dispatch.fallbacks: %s -> %s names an unknown provider", target, fallback)
		}
	}

	dispatcher := dispatch.New(limiter, brk, registry, dispatch.ConfigFromAm(cfg.Dispatch), log.Named("dispatch"))
	dispatcher.SetUsageRecorder(tracker.NewUsageTracker(database, log.Named("tracker")))

	runs := schedule.NewExecutionStore(database)
	runner := schedule.NewRunner(nil, log.Named("runner"))
	runner.SetRecorder(runs)

	scheduler := schedule.NewSchedulerWithContext(ctx, schedule.ConfigFromAm(cfg), runner, nil, log.Named("scheduler"))
	jobs := schedule.JobSpecsFromConfig(cfg)
	for _, job := range jobs {
		if job.Enabled && !registry.Has(job.Target) {
			return nil, errors.NewInvalidConfigError("agent %s targets unknown provider %q", job.Name, job.Target)
		}
	}
	if cfg.Dependent.Enabled && !registry.Has(cfg.Dependent.Target) {
		return nil, errors.NewInvalidConfigError("dependent job %s targets unknown provider %q", cfg.Dependent.JobName, cfg.Dependent.Target)
	}
	agents.Register(scheduler, cfg, jobs, dispatcher, log.Named("agents"))

	return &daemon{
		cfg:        cfg,
		limiter:    limiter,
		breaker:    brk,
		dispatcher: dispatcher,
		runner:     runner,
		scheduler:  scheduler,
		runs:       runs,
		jobs:       jobs,
	}, nil
}

// watchConfig pushes reloaded limits, breaker thresholds and dispatch
// settings into the running components. Job definitions are not reloaded.
func (d *daemon) watchConfig(path string, log *zap.SugaredLogger) (*am.ConfigWatcher, error) {
	watcher, err := am.NewConfigWatcher(path, log)
	if err != nil {
		return nil, err
	}
	watcher.OnReload(d.limiter.ApplyConfig)
	watcher.OnReload(d.breaker.ApplyConfig)
	watcher.OnReload(d.dispatcher.ApplyConfig)
	watcher.Start()
	return watcher, nil
}

// pruneHistory drops run records older than retention
func (d *daemon) pruneHistory(ctx context.Context, retention time.Duration, log *zap.SugaredLogger) {
	if retention <= 0 {
		return
	}
	removed, err := d.runs.CleanupOldRuns(ctx, time.Now().Add(-retention))
	if err != nil {
		log.Warnw("Failed to prune run history", logger.FieldError, err)
		return
	}
	if removed > 0 {
		log.Infow("Pruned run history", logger.FieldCount, removed, "retention", retention)
	}
}
