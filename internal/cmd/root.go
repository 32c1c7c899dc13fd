package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/citypages/cacheflow/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "cacheflow",
	Short: "Adaptive cache and prefetch coordination engine",
	Long: `Cacheflow is an in-process engine that coordinates paginated caching,
speculative prefetch, cancellation, background revalidation, and
mutation-driven invalidation for a host application.

The simulate command runs a scripted workload against the engine so
its behavior can be inspected without a host.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/cacheflow/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath("$HOME/.config/cacheflow")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("CACHEFLOW")
	// Replace dots with underscores for nested keys in env vars
	// e.g., CACHEFLOW_PREFETCH_CONCURRENCY_BUDGET
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
