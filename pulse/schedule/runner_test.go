package schedule

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/agentpulse/errors"
	aptest "github.com/teranos/agentpulse/internal/testing"
)

func guardianSpec() JobSpec {
	return JobSpec{Name: "guardian", Interval: 3 * time.Hour, Timeout: 30 * time.Minute, Enabled: true}
}

func TestRun_Success(t *testing.T) {
	clock := newFakeClock(epoch)
	r := NewRunner(clock, nil)

	res, err := r.Run(context.Background(), guardianSpec(), nil, func(ctx context.Context, _ []byte) ([]byte, error) {
		return []byte("report"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, []byte("report"), res.Output)
	assert.NotEmpty(t, res.RunID)

	st, ok := r.StatusOf("guardian")
	require.True(t, ok)
	assert.False(t, st.Running)
	assert.Equal(t, epoch, st.LastRunStartedAt)
	assert.Equal(t, epoch, st.LastSuccessAt)
	assert.True(t, st.LastFailureAt.IsZero())
	assert.Equal(t, 1, st.Runs)
}

func TestRun_BodyError(t *testing.T) {
	r := NewRunner(newFakeClock(epoch), nil)

	res, err := r.Run(context.Background(), guardianSpec(), nil, func(ctx context.Context, _ []byte) ([]byte, error) {
		return nil, errors.New("model returned garbage")
	})
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Contains(t, err.Error(), "job guardian failed")

	st, _ := r.StatusOf("guardian")
	assert.False(t, st.Running)
	assert.Equal(t, epoch, st.LastFailureAt)
	assert.True(t, st.LastSuccessAt.IsZero())
	assert.Equal(t, 1, st.Failures)
	assert.True(t, st.FailedSinceSuccess())
}

func TestRun_PanicClearsRunning(t *testing.T) {
	r := NewRunner(newFakeClock(epoch), nil)

	res, err := r.Run(context.Background(), guardianSpec(), nil, func(ctx context.Context, _ []byte) ([]byte, error) {
		panic("nil map write")
	})
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Contains(t, err.Error(), "panicked: nil map write")

	st, _ := r.StatusOf("guardian")
	assert.False(t, st.Running)
}

func TestRun_AlreadyRunningIsNotAnError(t *testing.T) {
	r := NewRunner(newFakeClock(epoch), nil)
	release := make(chan struct{})
	started := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = r.Run(context.Background(), guardianSpec(), nil, func(ctx context.Context, _ []byte) ([]byte, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	res, err := r.Run(context.Background(), guardianSpec(), nil, func(ctx context.Context, _ []byte) ([]byte, error) {
		t.Error("second execution must not start")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyRunning, res.Outcome)

	close(release)
	wg.Wait()
	st, _ := r.StatusOf("guardian")
	assert.Equal(t, 1, st.Runs)
}

func TestRun_ConcurrentCallersExecuteOnce(t *testing.T) {
	r := NewRunner(newFakeClock(epoch), nil)
	release := make(chan struct{})
	var executions, skipped atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.Run(context.Background(), guardianSpec(), nil, func(ctx context.Context, _ []byte) ([]byte, error) {
				executions.Add(1)
				<-release
				return nil, nil
			})
			assert.NoError(t, err)
			if res.Outcome == OutcomeAlreadyRunning {
				skipped.Add(1)
			}
		}()
	}

	require.Eventually(t, func() bool { return skipped.Load() == 19 }, 2*time.Second, time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), executions.Load())
}

// guardian: interval 3h, timeout 30m, body sleeps 40m
func TestRun_GuardianTimeoutScenario(t *testing.T) {
	clock := newFakeClock(epoch)
	r := NewRunner(clock, nil)
	bodyDone := make(chan struct{})

	type outcome struct {
		res Result
		err error
	}
	results := make(chan outcome, 1)
	go func() {
		res, err := r.Run(context.Background(), guardianSpec(), nil, func(ctx context.Context, _ []byte) ([]byte, error) {
			defer close(bodyDone)
			<-clock.After(40 * time.Minute)
			return []byte("too late"), nil
		})
		results <- outcome{res, err}
	}()

	// runner timeout and the body's sleep
	require.Eventually(t, func() bool { return clock.Timers() == 2 }, time.Second, time.Millisecond)

	clock.Advance(30 * time.Minute)
	got := <-results
	require.Error(t, got.err)
	assert.True(t, errors.IsTimeout(got.err))
	assert.Equal(t, OutcomeTimeout, got.res.Outcome)
	assert.Contains(t, errors.FlattenDetails(got.err), "timeout: 30m0s")

	st, _ := r.StatusOf("guardian")
	assert.False(t, st.Running)
	assert.Equal(t, epoch.Add(30*time.Minute), st.LastFailureAt)
	assert.True(t, st.LastSuccessAt.IsZero())

	// The body finishing later does not count as a success
	clock.Advance(10 * time.Minute)
	<-bodyDone
	st, _ = r.StatusOf("guardian")
	assert.True(t, st.LastSuccessAt.IsZero())
	assert.Equal(t, OutcomeTimeout, st.LastOutcome)

	s := NewScheduler(Config{TickInterval: time.Minute, MaxConcurrentJobs: 2}, r, nil, nil)
	assert.False(t, s.isDue(guardianSpec(), st, epoch.Add(3*time.Hour-time.Second)))
	assert.True(t, s.isDue(guardianSpec(), st, epoch.Add(3*time.Hour)))
}

func TestRun_NeverReturningBodyTimesOut(t *testing.T) {
	r := NewRunner(nil, nil)
	block := make(chan struct{})
	defer close(block)

	spec := JobSpec{Name: "sandbox", Interval: time.Hour, Timeout: 50 * time.Millisecond, Enabled: true}

	start := time.Now()
	res, err := r.Run(context.Background(), spec, nil, func(ctx context.Context, _ []byte) ([]byte, error) {
		<-block // ignores ctx
		return nil, nil
	})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err))
	assert.Equal(t, OutcomeTimeout, res.Outcome)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)

	st, _ := r.StatusOf("sandbox")
	assert.False(t, st.Running)
	assert.False(t, st.LastFailureAt.IsZero())
}

func TestRun_TimeoutCancelsBodyContext(t *testing.T) {
	r := NewRunner(nil, nil)
	spec := JobSpec{Name: "imperium", Interval: time.Hour, Timeout: 20 * time.Millisecond, Enabled: true}
	cause := make(chan error, 1)

	_, err := r.Run(context.Background(), spec, nil, func(ctx context.Context, _ []byte) ([]byte, error) {
		<-ctx.Done()
		cause <- context.Cause(ctx)
		return nil, ctx.Err()
	})
	require.Error(t, err)

	select {
	case c := <-cause:
		assert.True(t, errors.IsTimeout(c))
	case <-time.After(2 * time.Second):
		t.Fatal("body context was not cancelled")
	}
}

func TestRun_ParentCancellation(t *testing.T) {
	r := NewRunner(newFakeClock(epoch), nil)
	ctx, cancel := context.WithCancel(context.Background())
	block := make(chan struct{})
	defer close(block)

	go func() {
		assert.Eventually(t, func() bool { return len(r.Running()) == 1 }, time.Second, time.Millisecond)
		cancel()
	}()

	res, err := r.Run(ctx, guardianSpec(), nil, func(ctx context.Context, _ []byte) ([]byte, error) {
		<-block
		return nil, nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, OutcomeCancelled, res.Outcome)

	st, _ := r.StatusOf("guardian")
	assert.False(t, st.Running)
	assert.True(t, st.LastFailureAt.IsZero(), "shutdown is not a job failure")
}

func TestSweep_ReleasesStuckJobAndIgnoresLateFinish(t *testing.T) {
	clock := newFakeClock(epoch)
	r := NewRunner(clock, nil)

	stale, ok := r.begin(guardianSpec(), "")
	require.True(t, ok)

	clock.Advance(30*time.Minute + 5*time.Minute)
	assert.Empty(t, r.Sweep(clock.Now(), 5*time.Minute), "exactly timeout+grace is not stuck yet")

	clock.Advance(time.Second)
	assert.Equal(t, []string{"guardian"}, r.Sweep(clock.Now(), 5*time.Minute))

	st, _ := r.StatusOf("guardian")
	assert.False(t, st.Running)
	assert.Equal(t, OutcomeStuck, st.LastOutcome)

	fresh, ok := r.begin(guardianSpec(), "")
	require.True(t, ok, "released job can start again")

	// The original run reporting late must not clear the new run
	r.finish(context.Background(), stale, OutcomeSuccess, nil, nil)
	st, _ = r.StatusOf("guardian")
	assert.True(t, st.Running)
	assert.True(t, st.LastSuccessAt.IsZero())

	r.finish(context.Background(), fresh, OutcomeSuccess, nil, nil)
	st, _ = r.StatusOf("guardian")
	assert.False(t, st.Running)
	assert.False(t, st.LastSuccessAt.IsZero())
}

func TestRun_RecordsHistory(t *testing.T) {
	db := aptest.CreateTestDB(t)
	store := NewExecutionStore(db)
	clock := newFakeClock(epoch)
	r := NewRunner(clock, nil)
	r.SetRecorder(store)

	ctx := WithTrigger(context.Background(), "guardian")
	spec := JobSpec{Name: "custodes:guardian", Interval: time.Minute, Timeout: 15 * time.Minute, Enabled: true}

	var seenTrigger string
	res, err := r.Run(ctx, spec, []byte("payload"), func(ctx context.Context, payload []byte) ([]byte, error) {
		seenTrigger = TriggerFromContext(ctx)
		return append([]byte("verified "), payload...), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "guardian", seenTrigger)

	run, err := store.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, "custodes:guardian", run.JobName)
	assert.Equal(t, "guardian", run.TriggerJob)
	assert.Equal(t, OutcomeSuccess, run.Outcome)
	assert.Equal(t, len("verified payload"), run.OutputSize)
	assert.Empty(t, run.ErrorMessage)
}
