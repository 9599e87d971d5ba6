package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/agentpulse/am"
	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/sym"
)

// ConfigCmd represents the config command
var ConfigCmd = &cobra.Command{
	Use:     "config",
	Aliases: []string{"am"},
	Short:   sym.AM + " Show or validate configuration",
	Long: sym.AM + ` config - agentpulse configuration ("I am")

Configuration sources (in order of precedence):
1. Environment variables (AGENTPULSE_* prefix, plus ANTHROPIC_API_KEY and OPENROUTER_API_KEY)
2. Project config (./am.toml, searched upward)
3. User config (~/.agentpulse/am.toml)
4. System config (/etc/agentpulse/am.toml)
5. Default values

Examples:
  agentpulse config show                  # Effective configuration as TOML
  agentpulse config show --format json    # ... as JSON
  agentpulse config validate              # Check limits, intervals and providers
  agentpulse config where                 # Which files are read`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long:  "Display the merged configuration from all sources. API keys are redacted.",
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the effective configuration",
	RunE:  runConfigValidate,
}

var configWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where configuration is loaded from",
	RunE:  runConfigWhere,
}

var configFormat string

func init() {
	configShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")

	ConfigCmd.AddCommand(configShowCmd)
	ConfigCmd.AddCommand(configValidateCmd)
	ConfigCmd.AddCommand(configWhereCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	data, err := encodeSettings(redactSettings(am.GetViper().AllSettings()), configFormat)
	if err != nil {
		return err
	}
	if configFormat != "json" {
		fmt.Fprintln(cmd.OutOrStdout(), "# agentpulse configuration")
	}
	fmt.Fprint(cmd.OutOrStdout(), string(data))
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}

	fmt.Fprintf(cmd.OutOrStdout(), "✓ Configuration is valid (%d agents, %d providers)\n",
		len(cfg.Agents), len(cfg.Providers))
	return nil
}

func runConfigWhere(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Configuration cascade (later overrides earlier):")
	fmt.Fprintln(out, "  [DEFAULT]  Built-in defaults")
	for _, path := range am.ConfigPaths() {
		status := "missing"
		if _, err := os.Stat(path); err == nil {
			status = "loaded"
		}
		fmt.Fprintf(out, "  [FILE]     %s (%s)\n", path, status)
	}
	fmt.Fprintln(out, "  [ENV]      AGENTPULSE_* environment variables")

	if active := am.ActiveConfigPath(); active != "" {
		fmt.Fprintf(out, "\nWatched for reloads: %s\n", active)
	}
	return nil
}

// redactSettings masks provider API keys in viper's settings map
func redactSettings(settings map[string]interface{}) map[string]interface{} {
	providers, ok := settings["providers"].(map[string]interface{})
	if !ok {
		return settings
	}
	for _, p := range providers {
		entry, ok := p.(map[string]interface{})
		if !ok {
			continue
		}
		if key, ok := entry["api_key"].(string); ok && key != "" {
			entry["api_key"] = "<redacted>"
		}
	}
	return settings
}

func encodeSettings(settings map[string]interface{}, format string) ([]byte, error) {
	switch format {
	case "json":
		data, err := json.MarshalIndent(settings, "", "  ")
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal config to JSON")
		}
		return append(data, '\n'), nil
	case "yaml":
		data, err := yaml.Marshal(settings)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal config to YAML")
		}
		return data, nil
	case "toml":
		data, err := toml.Marshal(settings)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal config to TOML")
		}
		return data, nil
	default:
		return nil, errors.Newf("unsupported format: %s (supported: toml, json, yaml)", format)
	}
}
