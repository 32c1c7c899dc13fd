package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/citypages/cacheflow/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify cacheflow configuration",
	Long: `View or modify cacheflow configuration.

Without arguments, displays the current configuration.
Use subcommands to modify settings or create a config file.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the user's config file.

Keys use dot notation, e.g.:
  cacheflow config set prefetch.concurrency_budget 5
  cacheflow config set scheduler.strategy conservative
  cacheflow config set cache.stale_after_ms 600000

Valid keys:
  prefetch.concurrency_budget    - Max commands executing at once
  prefetch.dispatch_interval_ms  - Queue dispatch period
  prefetch.delayed_base_ms       - Base delay for the delayed strategy
  scheduler.active_interval_ms   - Revalidation period while active
  scheduler.idle_interval_ms     - Revalidation period while idle
  scheduler.background_interval_ms - Revalidation period while hidden
  scheduler.idle_threshold_ms    - Inactivity before active flips idle
  scheduler.strategy             - Revalidation strategy
  scheduler.max_retries          - Retry bookkeeping bound
  invalidation.batch_window_ms   - Batch accumulation window
  cache.stale_after_ms           - Default freshness window
  cache.nav_debounce_ms          - Page navigation debounce
  cache.prefetch_radius          - Adjacent pages to prefetch
  network.probe_interval_ms      - Network probe period
  logging.level                  - Log level`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/cacheflow/config.yaml with all available options.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "# config file: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), "# config file: (none - using defaults)")
	}

	out, err := yaml.Marshal(configDocument(cfg))
	if err != nil {
		return fmt.Errorf("failed to render configuration: %w", err)
	}
	fmt.Fprint(cmd.OutOrStdout(), string(out))
	return nil
}

// configDocument shapes the config for YAML output with the same keys
// the config file uses.
func configDocument(cfg *config.Config) map[string]any {
	return map[string]any{
		"prefetch": map[string]any{
			"concurrency_budget":    cfg.Prefetch.ConcurrencyBudget,
			"dispatch_interval_ms":  cfg.Prefetch.DispatchIntervalMs,
			"delayed_base_ms":       cfg.Prefetch.DelayedBaseMs,
			"slow_delay_multiplier": cfg.Prefetch.SlowDelayMultiplier,
		},
		"scheduler": map[string]any{
			"active_interval_ms":     cfg.Scheduler.ActiveIntervalMs,
			"idle_interval_ms":       cfg.Scheduler.IdleIntervalMs,
			"background_interval_ms": cfg.Scheduler.BackgroundIntervalMs,
			"idle_threshold_ms":      cfg.Scheduler.IdleThresholdMs,
			"idle_check_interval_ms": cfg.Scheduler.IdleCheckIntervalMs,
			"strategy":               cfg.Scheduler.Strategy,
			"max_retries":            cfg.Scheduler.MaxRetries,
		},
		"invalidation": map[string]any{
			"batch_window_ms":     cfg.Invalidation.BatchWindowMs,
			"default_debounce_ms": cfg.Invalidation.DefaultDebounceMs,
		},
		"cache": map[string]any{
			"stale_after_ms":      cfg.Cache.StaleAfterMs,
			"stale_after_by_kind": cfg.Cache.StaleAfterByKind,
			"nav_debounce_ms":     cfg.Cache.NavDebounceMs,
			"prefetch_radius":     cfg.Cache.PrefetchRadius,
		},
		"network": map[string]any{
			"probe_interval_ms": cfg.Network.ProbeIntervalMs,
		},
		"logging": map[string]any{
			"enabled": cfg.Logging.Enabled,
			"level":   cfg.Logging.Level,
			"dir":     cfg.Logging.Dir,
		},
	}
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key := args[0]
	value := args[1]

	validKeys := map[string]string{
		"prefetch.concurrency_budget":      "int",
		"prefetch.dispatch_interval_ms":    "int",
		"prefetch.delayed_base_ms":         "int",
		"scheduler.active_interval_ms":     "int",
		"scheduler.idle_interval_ms":       "int",
		"scheduler.background_interval_ms": "int",
		"scheduler.idle_threshold_ms":      "int",
		"scheduler.idle_check_interval_ms": "int",
		"scheduler.strategy":               "string",
		"scheduler.max_retries":            "int",
		"invalidation.batch_window_ms":     "int",
		"invalidation.default_debounce_ms": "int",
		"cache.stale_after_ms":             "int",
		"cache.nav_debounce_ms":            "int",
		"cache.prefetch_radius":            "int",
		"network.probe_interval_ms":        "int",
		"logging.enabled":                  "bool",
		"logging.level":                    "string",
	}

	keyType, ok := validKeys[key]
	if !ok {
		return fmt.Errorf("unknown configuration key: %s\nRun 'cacheflow config set --help' to see valid keys", key)
	}

	var typedValue any
	switch keyType {
	case "string":
		typedValue = value
	case "bool":
		if value != "true" && value != "false" {
			return fmt.Errorf("invalid value for %s: expected true or false", key)
		}
		typedValue = value == "true"
	case "int":
		intVal, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for %s: expected integer", key)
		}
		if intVal < 0 {
			return fmt.Errorf("invalid value for %s: must be non-negative", key)
		}
		typedValue = intVal
	}

	viper.Set(key, typedValue)

	// Reject values the validator would refuse before persisting them.
	if _, err := config.Load(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	configDir := config.ConfigDir()
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configFile := config.ConfigFile()
	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %v\n", key, typedValue)
	fmt.Fprintf(cmd.OutOrStdout(), "Config saved to %s\n", configFile)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	configDir := config.ConfigDir()
	configFile := config.ConfigFile()

	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s\nUse 'cacheflow config set' to modify values", configFile)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configContent := `# Cacheflow Configuration

# Speculative prefetch queue
prefetch:
  # Max commands executing at once
  concurrency_budget: 3
  # How often the dispatch loop drains the queue (ms)
  dispatch_interval_ms: 50
  # Pre-execution delay for the "delayed" strategy (ms)
  delayed_base_ms: 500
  # Delay multiplier on slow connections
  slow_delay_multiplier: 2.0

# Background revalidation
scheduler:
  active_interval_ms: 30000
  idle_interval_ms: 120000
  background_interval_ms: 300000
  # Inactivity before active flips to idle (ms)
  idle_threshold_ms: 60000
  idle_check_interval_ms: 10000
  # Options: aggressive, balanced, conservative, user-driven, network-aware
  strategy: balanced
  max_retries: 3

# Cache invalidation
invalidation:
  # Accumulation window for batch invalidations (ms)
  batch_window_ms: 100
  default_debounce_ms: 0

# Paginated cache store
cache:
  # Default freshness window (ms)
  stale_after_ms: 300000
  # Per-kind overrides, e.g. { venues: 600000 }
  stale_after_by_kind: {}
  # Page navigation debounce (ms)
  nav_debounce_ms: 300
  # Adjacent pages to prefetch around the current one
  prefetch_radius: 1

# Network monitor
network:
  probe_interval_ms: 30000

logging:
  enabled: false
  # Options: debug, info, warn, error
  level: info
  # Log directory; empty logs to stderr
  dir: ""
`

	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created config file at %s\n", configFile)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintln(cmd.OutOrStdout(), used)
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), config.ConfigFile())
	return nil
}
