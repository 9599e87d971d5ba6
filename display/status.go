// Package display renders CLI output: pterm tables for people, indented JSON
// for scripts.
package display

import (
	"fmt"
	"io"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/pterm/pterm"

	"github.com/teranos/agentpulse/ai/tracker"
	"github.com/teranos/agentpulse/pulse/schedule"
)

// StatusReport is what `agentpulse status` shows
type StatusReport struct {
	Since    time.Time                   `json:"since"`
	Runs     []*schedule.Run             `json:"runs"`
	Outcomes map[schedule.Outcome]int    `json:"outcomes"`
	Usage    *tracker.UsageStats         `json:"usage,omitempty"`
	Identity []tracker.IdentityBreakdown `json:"identities"`
}

// RunsTable builds the latest-run-per-job table
func RunsTable(runs []*schedule.Run) pterm.TableData {
	data := pterm.TableData{{"Job", "Trigger", "Outcome", "Started", "Duration", "Error"}}
	for _, r := range runs {
		trigger := r.TriggerJob
		if trigger == "" {
			trigger = "-"
		}
		data = append(data, []string{
			r.JobName,
			trigger,
			colorOutcome(r.Outcome),
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			(time.Duration(r.DurationMS) * time.Millisecond).String(),
			truncate(r.ErrorMessage, 60),
		})
	}
	return data
}

// IdentityTable builds the token usage table
func IdentityTable(rows []tracker.IdentityBreakdown) pterm.TableData {
	data := pterm.TableData{{"Identity", "Requests", "Failures", "Tokens", "Avg latency"}}
	for _, r := range rows {
		data = append(data, []string{
			r.Identity,
			strconv.Itoa(r.RequestCount),
			strconv.Itoa(r.FailureCount),
			strconv.Itoa(r.TotalTokens),
			fmt.Sprintf("%.0fms", r.AvgLatencyMS),
		})
	}
	return data
}

// RenderStatus writes the status report as tables
func RenderStatus(w io.Writer, report StatusReport) error {
	pterm.Fprintln(w, pterm.LightCyan("Latest runs"))
	if len(report.Runs) == 0 {
		pterm.Fprintln(w, pterm.Gray("  no runs recorded"))
	} else {
		table, err := pterm.DefaultTable.WithHasHeader().WithData(RunsTable(report.Runs)).Srender()
		if err != nil {
			return err
		}
		pterm.Fprintln(w, table)
	}

	pterm.Fprintln(w)
	pterm.Fprintln(w, pterm.LightCyan(fmt.Sprintf("Token usage since %s", report.Since.Local().Format("2006-01-02 15:04"))))
	if report.Usage != nil {
		pterm.Fprintln(w, fmt.Sprintf("  %d requests, %.0f%% successful, %d tokens, %d models",
			report.Usage.TotalRequests, report.Usage.SuccessRate*100,
			report.Usage.TotalTokens, report.Usage.UniqueModels))
	}
	if len(report.Identity) > 0 {
		table, err := pterm.DefaultTable.WithHasHeader().WithData(IdentityTable(report.Identity)).Srender()
		if err != nil {
			return err
		}
		pterm.Fprintln(w, table)
	}
	return nil
}

func colorOutcome(o schedule.Outcome) string {
	switch o {
	case schedule.OutcomeSuccess:
		return pterm.Green(string(o))
	case schedule.OutcomeFailed, schedule.OutcomeStuck:
		return pterm.Red(string(o))
	case schedule.OutcomeTimeout:
		return pterm.Yellow(string(o))
	default:
		return pterm.Gray(string(o))
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n-3]) + "..."
}
