package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/agentpulse/am"
	"github.com/teranos/agentpulse/display"
	"github.com/teranos/agentpulse/errors"
	aptest "github.com/teranos/agentpulse/internal/testing"
	"github.com/teranos/agentpulse/pulse/breaker"
	"github.com/teranos/agentpulse/pulse/schedule"
)

// chatServer answers every chat completion with reply
func chatServer(t *testing.T, reply string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id":    "cmpl-1",
			"model": "test-model",
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": reply}},
			},
			"usage": map[string]int{"prompt_tokens": 40, "completion_tokens": 10, "total_tokens": 50},
		})
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

func testConfig(t *testing.T, baseURL string) *am.Config {
	t.Helper()
	v := viper.New()
	am.SetDefaults(v)
	cfg, err := am.LoadWithViper(v)
	require.NoError(t, err)

	cfg.Providers = map[string]am.ProviderConfig{
		"anthropic":  {Kind: am.ProviderOpenAI, BaseURL: baseURL, Model: "test-model", MaxTokens: 200},
		"openrouter": {Kind: am.ProviderOpenAI, BaseURL: baseURL, Model: "test-model", MaxTokens: 200},
	}
	cfg.Dispatch.RetryDelaySeconds = 0
	cfg.Scheduler.ShutdownTimeoutSeconds = 5
	return cfg
}

func TestBuildDaemon_RunsAgentsAndRecordsHistory(t *testing.T) {
	server, calls := chatServer(t, "PASS: nothing to flag")
	cfg := testConfig(t, server.URL)
	database := aptest.CreateTestDB(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := buildDaemon(ctx, cfg, database, server.Client(), zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.Len(t, d.jobs, 4)

	require.NoError(t, d.scheduler.Start(d.jobs))

	// The first tick starts max_concurrent_jobs agents at once
	require.Eventually(t, func() bool {
		runs, err := d.runs.LatestRuns(ctx)
		return err == nil && len(runs) >= cfg.Scheduler.MaxConcurrentJobs
	}, 5*time.Second, 10*time.Millisecond)
	d.scheduler.Shutdown()

	runs, err := d.runs.LatestRuns(ctx)
	require.NoError(t, err)
	for _, run := range runs {
		assert.Equal(t, schedule.OutcomeSuccess, run.Outcome, run.JobName)
	}
	assert.GreaterOrEqual(t, int(calls.Load()), cfg.Scheduler.MaxConcurrentJobs)

	// Each successful run queued its verification
	assert.Equal(t, len(runs), d.scheduler.Queue().Pending())

	report, err := collectStatus(ctx, database, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.NotNil(t, report.Usage)
	assert.GreaterOrEqual(t, report.Usage.TotalRequests, cfg.Scheduler.MaxConcurrentJobs)
	assert.Equal(t, 50*report.Usage.TotalRequests, report.Usage.TotalTokens)
	assert.NotEmpty(t, report.Identity)

	stats := d.limiter.Stats(runs[0].JobName)
	assert.Equal(t, 1, stats.RequestsLastMinute)
}

func TestBuildDaemon_RejectsUnknownTargets(t *testing.T) {
	server, _ := chatServer(t, "PASS")

	t.Run("agent target", func(t *testing.T) {
		cfg := testConfig(t, server.URL)
		agent := cfg.Agents["guardian"]
		agent.Target = "local"
		cfg.Agents["guardian"] = agent

		_, err := buildDaemon(context.Background(), cfg, aptest.CreateTestDB(t), nil, zap.NewNop().Sugar())
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrInvalidConfig))
		assert.Contains(t, err.Error(), `unknown provider "local"`)
	})

	t.Run("fallback", func(t *testing.T) {
		cfg := testConfig(t, server.URL)
		cfg.Dispatch.Fallbacks = map[string]string{"anthropic": "ollama"}

		_, err := buildDaemon(context.Background(), cfg, aptest.CreateTestDB(t), nil, zap.NewNop().Sugar())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "anthropic -> ollama")
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := testConfig(t, server.URL)
		cfg.Scheduler.ShutdownPolicy = "kill"

		_, err := buildDaemon(context.Background(), cfg, aptest.CreateTestDB(t), nil, zap.NewNop().Sugar())
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrInvalidConfig))
	})
}

func TestDaemon_TriggerAllAndSummary(t *testing.T) {
	server, _ := chatServer(t, "PASS")
	cfg := testConfig(t, server.URL)
	database := aptest.CreateTestDB(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := buildDaemon(ctx, cfg, database, server.Client(), zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, d.scheduler.Start(d.jobs))
	defer d.scheduler.Shutdown()

	// Wait for the first tick's agents to finish and free their slots
	require.Eventually(t, func() bool {
		runs, err := d.runs.LatestRuns(ctx)
		return err == nil && len(runs) >= cfg.Scheduler.MaxConcurrentJobs &&
			d.scheduler.GetStats()["in_flight"] == int64(0)
	}, 5*time.Second, 10*time.Millisecond)

	totalRuns := func() int {
		n := 0
		for _, st := range d.scheduler.Status() {
			n += st.Runs
		}
		return n
	}
	before := totalRuns()

	started := d.triggerAll(zap.NewNop().Sugar())
	require.NotEmpty(t, started)
	assert.LessOrEqual(t, len(started), cfg.Scheduler.MaxConcurrentJobs)

	require.Eventually(t, func() bool {
		return totalRuns() >= before+len(started) && d.scheduler.GetStats()["in_flight"] == int64(0)
	}, 5*time.Second, 10*time.Millisecond)

	s := d.summary()
	assert.Len(t, s.Jobs, len(d.jobs))
	assert.NotEmpty(t, s.Limits)
	require.NotEmpty(t, s.Breakers)
	for _, b := range s.Breakers {
		assert.Equal(t, breaker.StateClosed, b.State, b.Target)
	}
	assert.Len(t, s.Pending, d.scheduler.Queue().Pending())
	require.NotNil(t, s.NextVerificationAt)

	var buf bytes.Buffer
	require.NoError(t, display.OutputJSON(&buf, s))
	assert.Contains(t, buf.String(), `"pending_verifications"`)
	assert.Contains(t, buf.String(), `"ticks_since_start"`)
}

func TestLogBreakerTransitions(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	b := breaker.New(breaker.Settings{FailureThreshold: 1, OpenDuration: 0}, nil)
	b.OnTransition(logBreakerTransitions(zap.New(core).Sugar()))

	b.RecordFailure("anthropic")
	require.True(t, b.CanCall("anthropic"))
	b.RecordSuccess("anthropic")

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, "Circuit opened", entries[0].Message)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "anthropic", entries[0].ContextMap()["target"])
	assert.Equal(t, "half-open", entries[1].ContextMap()["state"])
	assert.Equal(t, "closed", entries[2].ContextMap()["state"])
}
