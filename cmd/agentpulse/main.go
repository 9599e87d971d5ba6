package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/agentpulse/cmd/agentpulse/commands"
	"github.com/teranos/agentpulse/logger"
)

var rootCmd = &cobra.Command{
	Use:   "agentpulse",
	Short: "agentpulse - scheduled AI agents behind rate limits and circuit breakers",
	Long: `agentpulse runs periodic AI agent jobs.

Every outbound model call passes the shared rate and token budget and the
per-provider circuit breaker. Each successful agent run is reviewed by the
dependent verification job a fixed delay later.

Available commands:
  start   - Run the scheduler until interrupted
  status  - Show recent runs and token usage
  config  - Show or validate configuration ("I am")
  version - Show version information

Examples:
  agentpulse start                 # Run in the foreground
  agentpulse start --json-logs     # Structured logs for a log shipper
  agentpulse status --since 24h    # Runs and usage of the last day
  agentpulse config show --format yaml`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.InitializeWithVerbosity(jsonLogs, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON")

	rootCmd.AddCommand(commands.StartCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
