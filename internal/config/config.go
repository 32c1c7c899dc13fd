package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete cacheflow configuration
type Config struct {
	Prefetch     PrefetchConfig     `mapstructure:"prefetch"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Invalidation InvalidationConfig `mapstructure:"invalidation"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Network      NetworkConfig      `mapstructure:"network"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// PrefetchConfig controls the speculative-fetch queue
type PrefetchConfig struct {
	// ConcurrencyBudget is the maximum number of commands executing at once
	ConcurrencyBudget int `mapstructure:"concurrency_budget"`
	// DispatchIntervalMs is how often the dispatch loop drains the queue (in milliseconds)
	DispatchIntervalMs int `mapstructure:"dispatch_interval_ms"`
	// DelayedBaseMs is the pre-execution delay for the "delayed" strategy (in milliseconds)
	DelayedBaseMs int `mapstructure:"delayed_base_ms"`
	// SlowDelayMultiplier scales strategy delays when the connection is slow
	SlowDelayMultiplier float64 `mapstructure:"slow_delay_multiplier"`
}

// SchedulerConfig controls background revalidation
type SchedulerConfig struct {
	// ActiveIntervalMs is the revalidation period while the app is active
	ActiveIntervalMs int `mapstructure:"active_interval_ms"`
	// IdleIntervalMs is the revalidation period while the app is idle
	IdleIntervalMs int `mapstructure:"idle_interval_ms"`
	// BackgroundIntervalMs is the revalidation period while the app is hidden
	BackgroundIntervalMs int `mapstructure:"background_interval_ms"`
	// IdleThresholdMs is how long without user interaction before active flips to idle
	IdleThresholdMs int `mapstructure:"idle_threshold_ms"`
	// IdleCheckIntervalMs is how often the idle detector runs
	IdleCheckIntervalMs int `mapstructure:"idle_check_interval_ms"`
	// Strategy selects which domains a revalidation pass refreshes
	// Options: "aggressive", "balanced", "conservative", "user-driven", "network-aware"
	Strategy string `mapstructure:"strategy"`
	// MaxRetries bounds retry bookkeeping for failed background refetches
	MaxRetries int `mapstructure:"max_retries"`
}

// InvalidationConfig controls the cache invalidation service
type InvalidationConfig struct {
	// BatchWindowMs is the accumulation window for batch invalidations (in milliseconds)
	BatchWindowMs int `mapstructure:"batch_window_ms"`
	// DefaultDebounceMs is applied to non-batch requests that don't set their own debounce
	DefaultDebounceMs int `mapstructure:"default_debounce_ms"`
}

// CacheConfig controls the paginated cache store
type CacheConfig struct {
	// StaleAfterMs is the default freshness window for cache entries (in milliseconds)
	StaleAfterMs int `mapstructure:"stale_after_ms"`
	// StaleAfterByKind overrides the freshness window per entity kind (in milliseconds)
	StaleAfterByKind map[string]int `mapstructure:"stale_after_by_kind"`
	// NavDebounceMs is the debounce applied to page-change requests
	NavDebounceMs int `mapstructure:"nav_debounce_ms"`
	// PrefetchRadius is how many adjacent pages to prefetch around the current one
	PrefetchRadius int `mapstructure:"prefetch_radius"`
}

// NetworkConfig controls the network monitor
type NetworkConfig struct {
	// ProbeIntervalMs is how often the monitor probes connectivity while subscribed
	ProbeIntervalMs int `mapstructure:"probe_interval_ms"`
}

// LoggingConfig controls structured logging output
type LoggingConfig struct {
	// Enabled turns logging on or off
	Enabled bool `mapstructure:"enabled"`
	// Level is the minimum log level: "debug", "info", "warn", "error"
	Level string `mapstructure:"level"`
	// Dir is the log directory; empty logs to stderr
	Dir string `mapstructure:"dir"`
}

// Default returns a Config populated with default values
func Default() *Config {
	return &Config{
		Prefetch: PrefetchConfig{
			ConcurrencyBudget:   3,
			DispatchIntervalMs:  50,
			DelayedBaseMs:       500,
			SlowDelayMultiplier: 2.0,
		},
		Scheduler: SchedulerConfig{
			ActiveIntervalMs:     30_000,  // 30s while the user is looking
			IdleIntervalMs:       120_000, // 2m while idle
			BackgroundIntervalMs: 300_000, // 5m while hidden
			IdleThresholdMs:      60_000,
			IdleCheckIntervalMs:  10_000,
			Strategy:             "balanced",
			MaxRetries:           3,
		},
		Invalidation: InvalidationConfig{
			BatchWindowMs:     100,
			DefaultDebounceMs: 0, // No debounce unless the request asks for one
		},
		Cache: CacheConfig{
			StaleAfterMs:     300_000, // 5 minutes, one canonical default for all kinds
			StaleAfterByKind: map[string]int{},
			NavDebounceMs:    300,
			PrefetchRadius:   1,
		},
		Network: NetworkConfig{
			ProbeIntervalMs: 30_000,
		},
		Logging: LoggingConfig{
			Enabled: true,
			Level:   "info",
			Dir:     "",
		},
	}
}

// DispatchInterval returns the dispatch interval as a time.Duration
func (c PrefetchConfig) DispatchInterval() time.Duration {
	return time.Duration(c.DispatchIntervalMs) * time.Millisecond
}

// DelayedBase returns the delayed-strategy base delay as a time.Duration
func (c PrefetchConfig) DelayedBase() time.Duration {
	return time.Duration(c.DelayedBaseMs) * time.Millisecond
}

// ActiveInterval returns the active revalidation period as a time.Duration
func (c SchedulerConfig) ActiveInterval() time.Duration {
	return time.Duration(c.ActiveIntervalMs) * time.Millisecond
}

// IdleInterval returns the idle revalidation period as a time.Duration
func (c SchedulerConfig) IdleInterval() time.Duration {
	return time.Duration(c.IdleIntervalMs) * time.Millisecond
}

// BackgroundInterval returns the background revalidation period as a time.Duration
func (c SchedulerConfig) BackgroundInterval() time.Duration {
	return time.Duration(c.BackgroundIntervalMs) * time.Millisecond
}

// IdleThreshold returns the idle threshold as a time.Duration
func (c SchedulerConfig) IdleThreshold() time.Duration {
	return time.Duration(c.IdleThresholdMs) * time.Millisecond
}

// IdleCheckInterval returns the idle detector period as a time.Duration
func (c SchedulerConfig) IdleCheckInterval() time.Duration {
	return time.Duration(c.IdleCheckIntervalMs) * time.Millisecond
}

// BatchWindow returns the batch accumulation window as a time.Duration
func (c InvalidationConfig) BatchWindow() time.Duration {
	return time.Duration(c.BatchWindowMs) * time.Millisecond
}

// DefaultDebounce returns the default debounce as a time.Duration
func (c InvalidationConfig) DefaultDebounce() time.Duration {
	return time.Duration(c.DefaultDebounceMs) * time.Millisecond
}

// StaleAfter returns the freshness window for the given entity kind,
// falling back to the global default when no per-kind override exists.
func (c CacheConfig) StaleAfter(kind string) time.Duration {
	if ms, ok := c.StaleAfterByKind[kind]; ok {
		return time.Duration(ms) * time.Millisecond
	}
	return time.Duration(c.StaleAfterMs) * time.Millisecond
}

// NavDebounce returns the page-change debounce as a time.Duration
func (c CacheConfig) NavDebounce() time.Duration {
	return time.Duration(c.NavDebounceMs) * time.Millisecond
}

// ProbeInterval returns the connectivity probe period as a time.Duration
func (c NetworkConfig) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalMs) * time.Millisecond
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("prefetch.concurrency_budget", defaults.Prefetch.ConcurrencyBudget)
	viper.SetDefault("prefetch.dispatch_interval_ms", defaults.Prefetch.DispatchIntervalMs)
	viper.SetDefault("prefetch.delayed_base_ms", defaults.Prefetch.DelayedBaseMs)
	viper.SetDefault("prefetch.slow_delay_multiplier", defaults.Prefetch.SlowDelayMultiplier)

	viper.SetDefault("scheduler.active_interval_ms", defaults.Scheduler.ActiveIntervalMs)
	viper.SetDefault("scheduler.idle_interval_ms", defaults.Scheduler.IdleIntervalMs)
	viper.SetDefault("scheduler.background_interval_ms", defaults.Scheduler.BackgroundIntervalMs)
	viper.SetDefault("scheduler.idle_threshold_ms", defaults.Scheduler.IdleThresholdMs)
	viper.SetDefault("scheduler.idle_check_interval_ms", defaults.Scheduler.IdleCheckIntervalMs)
	viper.SetDefault("scheduler.strategy", defaults.Scheduler.Strategy)
	viper.SetDefault("scheduler.max_retries", defaults.Scheduler.MaxRetries)

	viper.SetDefault("invalidation.batch_window_ms", defaults.Invalidation.BatchWindowMs)
	viper.SetDefault("invalidation.default_debounce_ms", defaults.Invalidation.DefaultDebounceMs)

	viper.SetDefault("cache.stale_after_ms", defaults.Cache.StaleAfterMs)
	viper.SetDefault("cache.stale_after_by_kind", defaults.Cache.StaleAfterByKind)
	viper.SetDefault("cache.nav_debounce_ms", defaults.Cache.NavDebounceMs)
	viper.SetDefault("cache.prefetch_radius", defaults.Cache.PrefetchRadius)

	viper.SetDefault("network.probe_interval_ms", defaults.Network.ProbeIntervalMs)

	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.dir", defaults.Logging.Dir)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "cacheflow")
	}
	// Fall back to ~/.config/cacheflow
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cacheflow"
	}
	return filepath.Join(home, ".config", "cacheflow")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
