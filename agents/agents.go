// Package agents builds the scheduled job bodies. Each agent sends its prompt
// through the dispatcher under its own identity and returns a JSON Report;
// the verifier reviews that report after the dependent delay.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/teranos/agentpulse/ai/llm"
	"github.com/teranos/agentpulse/am"
	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/internal/util"
	"github.com/teranos/agentpulse/logger"
	"github.com/teranos/agentpulse/pulse/schedule"
)

// Dispatcher is the admission-checked call path the bodies use
type Dispatcher interface {
	Dispatch(ctx context.Context, identity, target string, req llm.Request) (*llm.Response, error)
}

// Report is the output of one agent run and the payload of its verification
type Report struct {
	Agent       string    `json:"agent"`
	Target      string    `json:"target"`
	Model       string    `json:"model"`
	Content     string    `json:"content"`
	Tokens      int       `json:"tokens"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Verdict is the output of one verification run
type Verdict struct {
	Trigger    string    `json:"trigger"`
	Passed     bool      `json:"passed"`
	Summary    string    `json:"summary"`
	Model      string    `json:"model"`
	Tokens     int       `json:"tokens"`
	ReviewedAt time.Time `json:"reviewed_at"`
}

var timeNow = func() time.Time { return time.Now().UTC() }

// NewAgent returns the body for one configured agent
func NewAgent(spec schedule.JobSpec, d Dispatcher, log *zap.SugaredLogger) schedule.Body {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	name := spec.Name

	return func(ctx context.Context, _ []byte) ([]byte, error) {
		if strings.TrimSpace(spec.Prompt) == "" {
			return nil, errors.NewInvalidConfigError("agent %s has no prompt", name)
		}

		resp, err := d.Dispatch(ctx, name, spec.Target, llm.Request{
			System: fmt.Sprintf("You are the %s agent. Report findings as a short list.", name),
			Prompt: spec.Prompt,
		})
		if err != nil {
			return nil, err
		}

		report := Report{
			Agent:       name,
			Target:      resp.Target,
			Model:       resp.Model,
			Content:     resp.Content,
			Tokens:      resp.Usage.TotalTokens,
			GeneratedAt: timeNow(),
		}
		logger.FromContext(ctx, log).Infow("Agent report ready",
			logger.FieldTarget, report.Target,
			logger.FieldModel, report.Model,
			logger.FieldTokens, report.Tokens)

		out, err := json.Marshal(report)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to encode %s report", name)
		}
		return out, nil
	}
}

// NewVerifier returns the dependent body. It reviews the Report passed as
// payload; a FAIL verdict is a finished review, not a failed run.
func NewVerifier(cfg am.DependentConfig, d Dispatcher, log *zap.SugaredLogger) schedule.Body {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	return func(ctx context.Context, payload []byte) ([]byte, error) {
		trigger := schedule.TriggerFromContext(ctx)

		var report Report
		if err := json.Unmarshal(payload, &report); err != nil {
			return nil, errors.WithDetailf(
				errors.Wrapf(err, "invalid report from %s", trigger),
				"payload size: %d", len(payload))
		}

		resp, err := d.Dispatch(ctx, cfg.JobName, cfg.Target, llm.Request{
			System:      cfg.Prompt,
			Prompt:      fmt.Sprintf("Agent: %s\nModel: %s\n\n%s", report.Agent, report.Model, report.Content),
			Temperature: util.Ptr(0.0),
		})
		if err != nil {
			return nil, err
		}

		passed, summary, err := parseVerdict(resp.Content)
		if err != nil {
			return nil, errors.Wrapf(err, "review of %s", trigger)
		}
		verdict := Verdict{
			Trigger:    trigger,
			Passed:     passed,
			Summary:    summary,
			Model:      resp.Model,
			Tokens:     resp.Usage.TotalTokens,
			ReviewedAt: timeNow(),
		}

		l := logger.FromContext(ctx, log)
		if passed {
			l.Infow("Review passed", logger.FieldTrigger, trigger, "summary", summary)
		} else {
			l.Warnw("Review failed", logger.FieldTrigger, trigger, "summary", summary)
		}

		out, err := json.Marshal(verdict)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode verdict")
		}
		return out, nil
	}
}

// parseVerdict reads a reply that starts with PASS or FAIL
func parseVerdict(content string) (bool, string, error) {
	text := strings.TrimLeft(strings.TrimSpace(content), "*# ")

	var passed bool
	switch head := strings.ToUpper(text); {
	case strings.HasPrefix(head, "PASS"):
		passed = true
	case strings.HasPrefix(head, "FAIL"):
	default:
		return false, "", errors.Newf("verdict must start with PASS or FAIL, got %q", truncate(text, 80))
	}
	summary := strings.TrimSpace(strings.TrimLeft(text[len("PASS"):], "*:-. \t\n"))
	return passed, summary, nil
}

// truncate keeps the first n runes of s
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

// Register installs a body for every enabled job and, when the dependent job
// is enabled, the verifier
func Register(s *schedule.Scheduler, cfg *am.Config, jobs []schedule.JobSpec, d Dispatcher, log *zap.SugaredLogger) {
	for _, job := range jobs {
		if !job.Enabled {
			continue
		}
		s.Register(job.Name, NewAgent(job, d, log))
	}
	if cfg.Dependent.Enabled {
		s.RegisterDependent(NewVerifier(cfg.Dependent, d, log))
	}
}
