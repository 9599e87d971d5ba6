package schedule

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/logger"
)

// RunRecorder persists finished runs
type RunRecorder interface {
	RecordRun(ctx context.Context, run *Run) error
}

// Runner executes jobs under their timeout, at most one execution per job
// name. It owns every JobStatus; nothing else writes them.
type Runner struct {
	mu     sync.Mutex
	status map[string]*JobStatus

	clock    Clock
	recorder RunRecorder // nil = history not persisted
	newRunID func() string

	logger   *zap.SugaredLogger
	openLog  *zap.SugaredLogger
	closeLog *zap.SugaredLogger
}

// ticket is a claimed execution slot for one job name
type ticket struct {
	spec       JobSpec
	trigger    string
	runID      string
	generation uint64
	startedAt  time.Time
}

type bodyResult struct {
	output []byte
	err    error
}

// NewRunner creates a runner. A nil clock means wall time.
func NewRunner(clock Clock, log *zap.SugaredLogger) *Runner {
	if clock == nil {
		clock = RealClock()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Runner{
		status:   make(map[string]*JobStatus),
		clock:    clock,
		newRunID: uuid.NewString,
		logger:   logger.AddPulseSymbol(log),
		openLog:  logger.AddPulseOpenSymbol(log),
		closeLog: logger.AddPulseCloseSymbol(log),
	}
}

// SetRecorder enables run history persistence
func (r *Runner) SetRecorder(rec RunRecorder) {
	r.recorder = rec
}

// Run executes body as job spec.Name. A job that is already running is not
// started again: the result has OutcomeAlreadyRunning and the error is nil.
//
// The body runs under spec.Timeout. When the timeout fires Run returns
// errors.ErrTimeout at once and cancels the body's context; a body that
// ignores cancellation keeps running detached but can no longer change the
// job's status. Running is cleared on every exit path, panics included.
func (r *Runner) Run(ctx context.Context, spec JobSpec, payload []byte, body Body) (Result, error) {
	t, ok := r.begin(spec, TriggerFromContext(ctx))
	if !ok {
		return Result{Outcome: OutcomeAlreadyRunning}, nil
	}
	return r.execute(ctx, t, payload, body)
}

// begin claims spec.Name if it is idle
func (r *Runner) begin(spec JobSpec, trigger string) (*ticket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.statusFor(spec.Name)
	if st.Running {
		r.logger.Debugw("Job already running, skipped",
			logger.FieldJobName, spec.Name,
			logger.FieldStartTime, st.LastRunStartedAt)
		return nil, false
	}

	now := r.clock.Now()
	st.generation++
	st.Running = true
	st.LastRunStartedAt = now
	st.timeout = spec.Timeout

	return &ticket{
		spec:       spec,
		trigger:    trigger,
		runID:      r.newRunID(),
		generation: st.generation,
		startedAt:  now,
	}, true
}

func (r *Runner) execute(ctx context.Context, t *ticket, payload []byte, body Body) (Result, error) {
	name := t.spec.Name

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	runCtx = logger.WithRunID(logger.WithJobName(runCtx, name), t.runID)
	if t.trigger != "" {
		runCtx = WithTrigger(runCtx, t.trigger)
	}

	r.openLog.Infow("Job started",
		logger.FieldJobName, name,
		logger.FieldRunID, t.runID,
		logger.FieldTimeout, t.spec.Timeout)

	done := make(chan bodyResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- bodyResult{err: errors.Newf("job %s panicked: %v", name, p)}
			}
		}()
		out, err := body(runCtx, payload)
		done <- bodyResult{output: out, err: err}
	}()

	var (
		outcome Outcome
		output  []byte
		runErr  error
	)
	select {
	case res := <-done:
		output = res.output
		if res.err != nil {
			outcome = OutcomeFailed
			runErr = errors.Wrapf(res.err, "job %s failed", name)
		} else {
			outcome = OutcomeSuccess
		}
	case <-r.clock.After(t.spec.Timeout):
		outcome = OutcomeTimeout
		runErr = errors.WithDetailf(
			errors.Wrapf(errors.ErrTimeout, "job %s exceeded its timeout", name),
			"timeout: %s", t.spec.Timeout)
		cancel(runErr)
	case <-ctx.Done():
		outcome = OutcomeCancelled
		runErr = errors.Wrapf(ctx.Err(), "job %s cancelled", name)
	}

	result := r.finish(ctx, t, outcome, output, runErr)
	return result, runErr
}

// finish records the outcome unless the sweep already gave the slot away
func (r *Runner) finish(ctx context.Context, t *ticket, outcome Outcome, output []byte, runErr error) Result {
	r.mu.Lock()
	now := r.clock.Now()
	st := r.statusFor(t.spec.Name)
	stale := st.generation != t.generation
	if !stale {
		st.Running = false
		st.LastOutcome = outcome
		st.LastDuration = now.Sub(t.startedAt)
		st.Runs++
		switch outcome {
		case OutcomeSuccess:
			st.LastSuccessAt = now
			st.LastError = ""
		case OutcomeFailed, OutcomeTimeout:
			st.LastFailureAt = now
			st.Failures++
			st.LastError = runErr.Error()
		case OutcomeCancelled:
			st.LastError = runErr.Error()
		}
	}
	r.mu.Unlock()

	result := Result{
		RunID:      t.runID,
		Outcome:    outcome,
		Output:     output,
		StartedAt:  t.startedAt,
		FinishedAt: now,
	}

	fields := []interface{}{
		logger.FieldJobName, t.spec.Name,
		logger.FieldRunID, t.runID,
		logger.FieldOutcome, string(outcome),
		logger.FieldDurationMS, result.Duration().Milliseconds(),
	}
	switch {
	case stale:
		r.logger.Warnw("Run finished after the health sweep released it", fields...)
	case runErr != nil:
		r.closeLog.Warnw("Job finished", append(fields, logger.FieldError, runErr)...)
	default:
		r.closeLog.Infow("Job finished", append(fields, logger.FieldSize, len(output))...)
	}

	if r.recorder != nil && !stale {
		run := &Run{
			ID:          t.runID,
			JobName:     t.spec.Name,
			TriggerJob:  t.trigger,
			Outcome:     outcome,
			StartedAt:   t.startedAt,
			CompletedAt: now,
			DurationMS:  result.Duration().Milliseconds(),
			OutputSize:  len(output),
		}
		if runErr != nil {
			run.ErrorMessage = runErr.Error()
		}
		if err := r.recorder.RecordRun(context.WithoutCancel(ctx), run); err != nil {
			r.logger.Warnw("Failed to record run", logger.FieldRunID, t.runID, logger.FieldError, err)
		}
	}
	return result
}

// Sweep releases jobs that have been running longer than their timeout plus
// grace. A released run that finishes later leaves the status untouched.
func (r *Runner) Sweep(now time.Time, grace time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var cleared []string
	for name, st := range r.status {
		if !st.Running || now.Sub(st.LastRunStartedAt) <= st.timeout+grace {
			continue
		}
		st.generation++
		st.Running = false
		st.LastOutcome = OutcomeStuck
		st.LastFailureAt = now
		st.Failures++
		st.LastError = "released by health sweep"
		cleared = append(cleared, name)
		r.logger.Warnw("Released stuck job",
			logger.FieldJobName, name,
			logger.FieldStartTime, st.LastRunStartedAt,
			logger.FieldTimeout, st.timeout)
	}
	sort.Strings(cleared)
	return cleared
}

// Status returns a copy of every job's status
func (r *Runner) Status() map[string]JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]JobStatus, len(r.status))
	for name, st := range r.status {
		out[name] = *st
	}
	return out
}

// StatusOf returns a copy of one job's status
func (r *Runner) StatusOf(name string) (JobStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.status[name]
	if !ok {
		return JobStatus{Name: name}, false
	}
	return *st, true
}

// Running returns the names of running jobs, sorted
func (r *Runner) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var names []string
	for name, st := range r.status {
		if st.Running {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (r *Runner) statusFor(name string) *JobStatus {
	st, ok := r.status[name]
	if !ok {
		st = &JobStatus{Name: name}
		r.status[name] = st
	}
	return st
}
