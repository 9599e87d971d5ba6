package commands

import (
	"context"
	"database/sql"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/agentpulse/ai/tracker"
	"github.com/teranos/agentpulse/am"
	"github.com/teranos/agentpulse/display"
	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/logger"
	"github.com/teranos/agentpulse/pulse/schedule"
	"github.com/teranos/agentpulse/sym"
)

// StatusCmd shows recent runs and token usage from the database
var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: sym.Pulse + " Show recent runs and token usage",
	Long: `Show the latest run of every job and per-identity token usage.

Reads the database only, so it works whether or not the scheduler is running.

Examples:
  agentpulse status               # Last 24 hours of usage
  agentpulse status --since 168h  # Last week
  agentpulse status --json`,
	RunE: runStatus,
}

func init() {
	StatusCmd.Flags().Duration("since", 24*time.Hour, "Usage window")
	StatusCmd.Flags().BoolP("json", "j", false, "Output as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	window, _ := cmd.Flags().GetDuration("since")

	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	database, err := openDatabase(cfg.GetDatabasePath())
	if err != nil {
		return err
	}
	defer database.Close()

	report, err := collectStatus(cmd.Context(), database, time.Now().Add(-window))
	if err != nil {
		return err
	}

	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(cmd.OutOrStdout(), report)
	}
	return display.RenderStatus(cmd.OutOrStdout(), report)
}

// collectStatus reads the run history and usage ledger
func collectStatus(ctx context.Context, database *sql.DB, since time.Time) (display.StatusReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	report := display.StatusReport{Since: since}

	runs := schedule.NewExecutionStore(database)
	latest, err := runs.LatestRuns(ctx)
	if err != nil {
		return report, err
	}
	report.Runs = latest

	if report.Outcomes, err = runs.OutcomeCounts(ctx, since); err != nil {
		return report, err
	}

	usage := tracker.NewUsageTracker(database, logger.Logger)
	if report.Usage, err = usage.GetUsageStats(ctx, since); err != nil {
		return report, err
	}
	if report.Identity, err = usage.GetIdentityBreakdown(ctx, since); err != nil {
		return report, err
	}
	return report, nil
}
