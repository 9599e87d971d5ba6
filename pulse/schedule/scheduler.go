package schedule

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/teranos/agentpulse/am"
	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/logger"
)

// DependentSpec configures the verification job run after primary successes
type DependentSpec struct {
	Enabled bool
	JobName string
	Delay   time.Duration
	Timeout time.Duration
}

// Config contains configuration for the scheduler loop
type Config struct {
	TickInterval        time.Duration
	MaxConcurrentJobs   int
	HealthCheckInterval time.Duration
	StuckGrace          time.Duration
	FailureRetryDelay   time.Duration // 0 = failed jobs wait for their interval
	ShutdownPolicy      string        // am.ShutdownDrain or am.ShutdownAbandon
	ShutdownTimeout     time.Duration
	Dependent           DependentSpec
}

// ConfigFromAm converts the scheduler and dependent config sections
func ConfigFromAm(cfg *am.Config) Config {
	return Config{
		TickInterval:        cfg.Scheduler.TickInterval(),
		MaxConcurrentJobs:   cfg.Scheduler.MaxConcurrentJobs,
		HealthCheckInterval: cfg.Scheduler.HealthCheckInterval(),
		StuckGrace:          cfg.Scheduler.StuckGrace(),
		FailureRetryDelay:   cfg.Scheduler.FailureRetryDelay(),
		ShutdownPolicy:      cfg.Scheduler.ShutdownPolicy,
		ShutdownTimeout:     cfg.Scheduler.ShutdownTimeout(),
		Dependent: DependentSpec{
			Enabled: cfg.Dependent.Enabled,
			JobName: cfg.Dependent.JobName,
			Delay:   cfg.Dependent.Delay(),
			Timeout: cfg.Dependent.Timeout(),
		},
	}
}

// Scheduler owns the job set. Every tick it launches due jobs through the
// runner, drains due dependent tasks and, every HealthCheckInterval, runs the
// health sweep. At most MaxConcurrentJobs jobs run at once.
type Scheduler struct {
	cfg      Config
	runner   *Runner
	queue    *DependentQueue
	clock    Clock
	sem      *semaphore.Weighted
	inFlight atomic.Int64

	bodies        map[string]Body
	dependentBody Body
	jobs          []JobSpec
	specs         map[string]JobSpec

	ctx       context.Context // tick loop
	cancel    context.CancelFunc
	jobCtx    context.Context // running jobs
	jobCancel context.CancelFunc
	wg        sync.WaitGroup
	jobsWG    sync.WaitGroup

	mu              sync.Mutex
	started         bool
	stopped         bool
	lastTickAt      time.Time
	ticksSinceStart int64
	lastHealthAt    time.Time
	lastHealth      HealthReport

	logger   *zap.SugaredLogger
	pulseLog *zap.SugaredLogger // Logger with Pulse symbol pre-attached
}

// NewScheduler creates a scheduler
func NewScheduler(cfg Config, runner *Runner, queue *DependentQueue, log *zap.SugaredLogger) *Scheduler {
	return NewSchedulerWithContext(context.Background(), cfg, runner, queue, log)
}

// NewSchedulerWithContext creates a scheduler whose jobs are cancelled with ctx
func NewSchedulerWithContext(ctx context.Context, cfg Config, runner *Runner, queue *DependentQueue, log *zap.SugaredLogger) *Scheduler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if queue == nil {
		queue = NewDependentQueue(runner.clock)
	}
	maxConcurrent := cfg.MaxConcurrentJobs
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	loopCtx, cancel := context.WithCancel(ctx)
	jobCtx, jobCancel := context.WithCancel(ctx)

	return &Scheduler{
		cfg:       cfg,
		runner:    runner,
		queue:     queue,
		clock:     runner.clock,
		sem:       semaphore.NewWeighted(int64(maxConcurrent)),
		bodies:    make(map[string]Body),
		specs:     make(map[string]JobSpec),
		ctx:       loopCtx,
		cancel:    cancel,
		jobCtx:    jobCtx,
		jobCancel: jobCancel,
		logger:    log,
		pulseLog:  logger.AddPulseSymbol(log),
	}
}

// Register sets the body run for job name. Must be called before Start.
func (s *Scheduler) Register(name string, body Body) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bodies[name] = body
}

// RegisterDependent sets the verification body. The triggering job's name is
// available through TriggerFromContext and its output is the payload.
func (s *Scheduler) RegisterDependent(body Body) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dependentBody = body
}

// Start validates jobs and begins the tick loop. Invalid definitions are
// rejected here with errors.ErrInvalidConfig. The first tick runs at once.
func (s *Scheduler) Start(jobs []JobSpec) error {
	if err := s.register(jobs); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.run()

	s.pulseLog.Infow("Scheduler started",
		logger.FieldInterval, s.cfg.TickInterval,
		logger.FieldCount, len(jobs),
		"max_concurrent", s.cfg.MaxConcurrentJobs)
	return nil
}

// register validates and installs the job set
func (s *Scheduler) register(jobs []JobSpec) error {
	if err := ValidateJobs(jobs); err != nil {
		return err
	}
	if s.cfg.TickInterval <= 0 {
		return errors.NewInvalidConfigError("tick interval must be positive, got %s", s.cfg.TickInterval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("scheduler already started")
	}
	for _, job := range jobs {
		if job.Enabled && s.bodies[job.Name] == nil {
			return errors.NewInvalidConfigError("job %q has no registered body", job.Name)
		}
	}
	if s.cfg.Dependent.Enabled {
		if s.dependentBody == nil {
			return errors.NewInvalidConfigError("dependent job %q has no registered body", s.cfg.Dependent.JobName)
		}
		if s.cfg.Dependent.Timeout <= 0 {
			return errors.NewInvalidConfigError("dependent job %q: timeout must be positive", s.cfg.Dependent.JobName)
		}
	}

	s.jobs = append([]JobSpec(nil), jobs...)
	for _, job := range jobs {
		s.specs[job.Name] = job
	}
	s.started = true
	return nil
}

// Shutdown stops the tick loop and then drains or abandons running jobs
// according to the shutdown policy. Safe to call more than once.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	if s.cfg.ShutdownPolicy == am.ShutdownAbandon {
		s.jobCancel()
	} else if !s.waitJobs(s.cfg.ShutdownTimeout) {
		s.pulseLog.Warnw("Shutdown timeout reached, cancelling running jobs",
			logger.FieldTimeout, s.cfg.ShutdownTimeout,
			"running", s.runner.Running())
		s.jobCancel()
	}
	// The runner returns as soon as a job's context is cancelled
	s.jobsWG.Wait()
	s.jobCancel()

	s.pulseLog.Infow("Scheduler stopped", "ticks", s.ticks())
}

// waitJobs waits for running jobs; false when timeout passed first
func (s *Scheduler) waitJobs(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.jobsWG.Wait()
		close(done)
	}()
	if timeout <= 0 {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// run is the main scheduler loop
func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.tick(s.clock.Now())
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tick(s.clock.Now())
		}
	}
}

func (s *Scheduler) tick(now time.Time) {
	s.mu.Lock()
	s.lastTickAt = now
	s.ticksSinceStart++
	lastHealth := s.lastHealthAt
	s.mu.Unlock()

	s.launchDue(now)
	s.drainDependents(now)

	if s.cfg.HealthCheckInterval > 0 && now.Sub(lastHealth) >= s.cfg.HealthCheckInterval {
		s.sweep(now)
	}
}

// launchDue starts every due job while slots are free
func (s *Scheduler) launchDue(now time.Time) {
	for _, spec := range s.jobs {
		if s.ctx.Err() != nil {
			return
		}
		st, _ := s.runner.StatusOf(spec.Name)
		if !s.isDue(spec, st, now) {
			continue
		}
		if !s.sem.TryAcquire(1) {
			s.pulseLog.Debugw("At max concurrent jobs, deferring",
				logger.FieldJobName, spec.Name,
				"in_flight", s.inFlight.Load())
			return
		}
		t, ok := s.runner.begin(spec, "")
		if !ok {
			s.sem.Release(1)
			continue
		}
		s.launch(t, nil, s.bodies[spec.Name], false)
	}
}

// isDue reports whether spec should start at now. A job is due when it never
// ran, when Interval has passed since its last success (or since its last
// start if it never succeeded), or when its last run failed and
// FailureRetryDelay has passed since.
func (s *Scheduler) isDue(spec JobSpec, st JobStatus, now time.Time) bool {
	if !spec.Enabled || st.Running {
		return false
	}
	if st.LastRunStartedAt.IsZero() {
		return true
	}

	anchor := st.LastSuccessAt
	if anchor.IsZero() {
		anchor = st.LastRunStartedAt
	}
	if now.Sub(anchor) >= spec.Interval {
		return true
	}

	return st.FailedSinceSuccess() && s.cfg.FailureRetryDelay > 0 &&
		!now.Before(st.LastFailureAt.Add(s.cfg.FailureRetryDelay))
}

// drainDependents takes due dependent tasks one slot at a time, so tasks
// that find no free slot stay queued for the next tick. A task whose
// trigger still has a verification running also waits.
func (s *Scheduler) drainDependents(now time.Time) {
	if s.dependentBody == nil {
		return
	}
	idle := func(task PendingDependentTask) bool {
		st, _ := s.runner.StatusOf(s.dependentName(task.TriggerJob))
		return !st.Running
	}
	for s.ctx.Err() == nil {
		if !s.sem.TryAcquire(1) {
			return
		}
		tasks := s.queue.DrainDueWhere(now, 1, idle)
		if len(tasks) == 0 {
			s.sem.Release(1)
			return
		}
		task := tasks[0]

		spec := JobSpec{
			Name:     s.dependentName(task.TriggerJob),
			Interval: s.cfg.Dependent.Delay,
			Timeout:  s.cfg.Dependent.Timeout,
			Enabled:  true,
		}
		t, ok := s.runner.begin(spec, task.TriggerJob)
		if !ok {
			s.sem.Release(1)
			// Only released by a sweep between the check and the claim
			s.pulseLog.Warnw("Dependent task dropped, previous verification still running",
				logger.FieldJobName, spec.Name,
				logger.FieldTrigger, task.TriggerJob)
			continue
		}

		s.pulseLog.Debugw("Dependent task due",
			logger.FieldJobName, spec.Name,
			logger.FieldTrigger, task.TriggerJob,
			"late_by", now.Sub(task.FireAt))
		s.launch(t, task.Payload, s.dependentBody, true)
	}
}

func (s *Scheduler) dependentName(trigger string) string {
	return s.cfg.Dependent.JobName + ":" + trigger
}

// launch runs a claimed ticket in its own goroutine. The caller holds one
// semaphore slot, released when the runner returns.
func (s *Scheduler) launch(t *ticket, payload []byte, body Body, dependent bool) {
	s.inFlight.Add(1)
	s.jobsWG.Add(1)
	go func() {
		defer s.jobsWG.Done()
		defer s.inFlight.Add(-1)
		defer s.sem.Release(1)

		res, err := s.runner.execute(s.jobCtx, t, payload, body)
		s.afterRun(t, res, err, dependent)
	}()
}

func (s *Scheduler) afterRun(t *ticket, res Result, err error, dependent bool) {
	if dependent {
		if err != nil {
			// At-most-once: a failed verification is not retried
			s.pulseLog.Warnw("Dependent job failed, not retried",
				logger.FieldJobName, t.spec.Name,
				logger.FieldTrigger, t.trigger,
				logger.FieldOutcome, string(res.Outcome),
				logger.FieldError, err)
		}
		return
	}

	if res.Outcome != OutcomeSuccess || !s.cfg.Dependent.Enabled || s.dependentBody == nil {
		return
	}
	task := s.queue.Enqueue(t.spec.Name, res.Output, s.cfg.Dependent.Delay)
	s.pulseLog.Infow("Dependent job scheduled",
		logger.FieldJobName, s.dependentName(t.spec.Name),
		logger.FieldTrigger, t.spec.Name,
		"fire_at", task.FireAt)
}

// Trigger runs job name now, outside its schedule. It returns
// errors.ErrAlreadyRunning when the job is running.
//
// The lock is held until the job is launched so Shutdown never waits on the
// job group while a trigger is adding to it.
func (s *Scheduler) Trigger(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	running := s.started && !s.stopped
	spec, ok := s.specs[name]
	body := s.bodies[name]

	if !running {
		return errors.New("scheduler is not running")
	}
	if !ok || body == nil {
		return errors.NewNotFoundError("job %s", name)
	}
	if !s.sem.TryAcquire(1) {
		return errors.Newf("scheduler at capacity (%d jobs running)", s.inFlight.Load())
	}
	t, ok := s.runner.begin(spec, "")
	if !ok {
		s.sem.Release(1)
		return errors.Wrapf(errors.ErrAlreadyRunning, "job %s", name)
	}

	s.pulseLog.Infow("Manual trigger", logger.FieldJobName, name)
	s.launch(t, nil, body, false)
	return nil
}

// Status returns the status of every job that has run or is running
func (s *Scheduler) Status() map[string]JobStatus {
	status := s.runner.Status()
	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range s.specs {
		if _, ok := status[name]; !ok {
			status[name] = JobStatus{Name: name}
		}
	}
	return status
}

// Queue returns the dependent task queue
func (s *Scheduler) Queue() *DependentQueue {
	return s.queue
}

// LastHealth returns the most recent health sweep report
func (s *Scheduler) LastHealth() HealthReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHealth
}

func (s *Scheduler) ticks() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticksSinceStart
}

// GetStats returns scheduler statistics
func (s *Scheduler) GetStats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	return map[string]interface{}{
		"last_tick_at":      s.lastTickAt,
		"ticks_since_start": s.ticksSinceStart,
		"interval":          s.cfg.TickInterval,
		"in_flight":         s.inFlight.Load(),
		"pending_dependent": s.queue.Pending(),
		"last_health_at":    s.lastHealthAt,
	}
}
