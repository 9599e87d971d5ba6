package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/agentpulse/am"
	"github.com/teranos/agentpulse/display"
	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/logger"
	"github.com/teranos/agentpulse/sym"
)

// StartCmd runs the scheduler in the foreground
var StartCmd = &cobra.Command{
	Use:   "start",
	Short: sym.Pulse + " Run the agent scheduler",
	Long: sym.Pulse + ` Run the agent scheduler in the foreground.

The daemon will:
- Seed rate and token windows from the persisted usage ledger
- Run every enabled agent on its interval, never overlapping with itself
- Queue the verification job after each successful agent run
- Reload rate limits and breaker thresholds when the config file changes
- Run every agent at once on SIGUSR1, print runtime state on SIGUSR2
- Run until interrupted (Ctrl+C), then drain or abandon running jobs`,
	RunE: runStart,
}

func init() {
	StartCmd.Flags().Duration("retention", 30*24*time.Hour, "Drop run history older than this at startup (0 keeps everything)")
	StartCmd.Flags().Bool("no-watch", false, "Do not reload configuration on file changes")
}

func runStart(cmd *cobra.Command, args []string) error {
	retention, _ := cmd.Flags().GetDuration("retention")
	noWatch, _ := cmd.Flags().GetBool("no-watch")
	log := logger.Logger

	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	database, err := openDatabase(cfg.GetDatabasePath())
	if err != nil {
		return err
	}
	defer database.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := buildDaemon(ctx, cfg, database, nil, log)
	if err != nil {
		return err
	}
	d.pruneHistory(ctx, retention, log)

	if path := am.ActiveConfigPath(); path != "" && !noWatch {
		watcher, err := d.watchConfig(path, log)
		if err != nil {
			log.Warnw("Config reload disabled", logger.FieldError, err)
		} else {
			defer watcher.Stop()
		}
	}

	if err := d.scheduler.Start(d.jobs); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s agentpulse started\n", sym.PulseOpen)
	for _, job := range d.jobs {
		state := "enabled"
		if !job.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(out, "  %-10s every %-6v timeout %-6v %s -> %s\n", job.Name, job.Interval, job.Timeout, state, job.Target)
	}
	if cfg.Dependent.Enabled {
		fmt.Fprintf(out, "  %-10s %v after each success -> %s\n", cfg.Dependent.JobName, cfg.Dependent.Delay(), cfg.Dependent.Target)
	}
	fmt.Fprintf(out, "\n%s Press Ctrl+C for graceful shutdown (%s)\n", sym.Pulse, cfg.Scheduler.ShutdownPolicy)
	if triggerSignal != nil {
		fmt.Fprintf(out, "%s kill -USR1 %d runs every agent now, kill -USR2 %d prints runtime state\n", sym.Pulse, os.Getpid(), os.Getpid())
	}
	fmt.Fprintln(out)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, append([]os.Signal{os.Interrupt, syscall.SIGTERM}, controlSignals()...)...)
	defer signal.Stop(sigChan)

wait:
	for sig := range sigChan {
		switch sig {
		case triggerSignal:
			started := d.triggerAll(log)
			log.Infow("Manual trigger", logger.FieldCount, len(started), "jobs", started)
		case summarySignal:
			if err := display.OutputJSON(out, d.summary()); err != nil {
				log.Warnw("Failed to print runtime summary", logger.FieldError, err)
			}
		default:
			break wait
		}
	}

	fmt.Fprintf(out, "\n%s Shutting down...\n", sym.PulseClose)
	d.scheduler.Shutdown()
	d.logSummary(log)
	cancel()

	fmt.Fprintf(out, "%s agentpulse stopped\n", sym.PulseClose)
	return nil
}
