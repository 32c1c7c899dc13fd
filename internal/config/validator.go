package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "prefetch.concurrency_budget")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// maxConcurrencyBudget caps the prefetch budget; beyond this the engine
// would just thrash the collaborator's fetch primitive.
const maxConcurrencyBudget = 32

// ValidSchedulerStrategies returns the list of valid revalidation strategies
func ValidSchedulerStrategies() []string {
	return []string{"aggressive", "balanced", "conservative", "user-driven", "network-aware"}
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validatePrefetch()...)
	errors = append(errors, c.validateScheduler()...)
	errors = append(errors, c.validateInvalidation()...)
	errors = append(errors, c.validateCache()...)
	errors = append(errors, c.validateNetwork()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

func (c *Config) validatePrefetch() []ValidationError {
	var errors []ValidationError

	if c.Prefetch.ConcurrencyBudget < 1 || c.Prefetch.ConcurrencyBudget > maxConcurrencyBudget {
		errors = append(errors, ValidationError{
			Field:   "prefetch.concurrency_budget",
			Value:   c.Prefetch.ConcurrencyBudget,
			Message: fmt.Sprintf("must be between 1 and %d", maxConcurrencyBudget),
		})
	}
	if c.Prefetch.DispatchIntervalMs < 1 {
		errors = append(errors, ValidationError{
			Field:   "prefetch.dispatch_interval_ms",
			Value:   c.Prefetch.DispatchIntervalMs,
			Message: "must be at least 1",
		})
	}
	if c.Prefetch.DelayedBaseMs < 0 {
		errors = append(errors, ValidationError{
			Field:   "prefetch.delayed_base_ms",
			Value:   c.Prefetch.DelayedBaseMs,
			Message: "must not be negative",
		})
	}
	if c.Prefetch.SlowDelayMultiplier < 1.0 {
		errors = append(errors, ValidationError{
			Field:   "prefetch.slow_delay_multiplier",
			Value:   c.Prefetch.SlowDelayMultiplier,
			Message: "must be at least 1.0",
		})
	}

	return errors
}

func (c *Config) validateScheduler() []ValidationError {
	var errors []ValidationError

	if c.Scheduler.ActiveIntervalMs < 1 {
		errors = append(errors, ValidationError{
			Field:   "scheduler.active_interval_ms",
			Value:   c.Scheduler.ActiveIntervalMs,
			Message: "must be at least 1",
		})
	}
	if c.Scheduler.IdleIntervalMs < c.Scheduler.ActiveIntervalMs {
		errors = append(errors, ValidationError{
			Field:   "scheduler.idle_interval_ms",
			Value:   c.Scheduler.IdleIntervalMs,
			Message: "must not be shorter than the active interval",
		})
	}
	if c.Scheduler.BackgroundIntervalMs < c.Scheduler.IdleIntervalMs {
		errors = append(errors, ValidationError{
			Field:   "scheduler.background_interval_ms",
			Value:   c.Scheduler.BackgroundIntervalMs,
			Message: "must not be shorter than the idle interval",
		})
	}
	if c.Scheduler.IdleThresholdMs < 1 {
		errors = append(errors, ValidationError{
			Field:   "scheduler.idle_threshold_ms",
			Value:   c.Scheduler.IdleThresholdMs,
			Message: "must be at least 1",
		})
	}
	if c.Scheduler.IdleCheckIntervalMs < 1 {
		errors = append(errors, ValidationError{
			Field:   "scheduler.idle_check_interval_ms",
			Value:   c.Scheduler.IdleCheckIntervalMs,
			Message: "must be at least 1",
		})
	}
	if !slices.Contains(ValidSchedulerStrategies(), c.Scheduler.Strategy) {
		errors = append(errors, ValidationError{
			Field:   "scheduler.strategy",
			Value:   c.Scheduler.Strategy,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidSchedulerStrategies(), ", ")),
		})
	}
	if c.Scheduler.MaxRetries < 0 {
		errors = append(errors, ValidationError{
			Field:   "scheduler.max_retries",
			Value:   c.Scheduler.MaxRetries,
			Message: "must not be negative",
		})
	}

	return errors
}

func (c *Config) validateInvalidation() []ValidationError {
	var errors []ValidationError

	if c.Invalidation.BatchWindowMs < 1 {
		errors = append(errors, ValidationError{
			Field:   "invalidation.batch_window_ms",
			Value:   c.Invalidation.BatchWindowMs,
			Message: "must be at least 1",
		})
	}
	if c.Invalidation.DefaultDebounceMs < 0 {
		errors = append(errors, ValidationError{
			Field:   "invalidation.default_debounce_ms",
			Value:   c.Invalidation.DefaultDebounceMs,
			Message: "must not be negative",
		})
	}

	return errors
}

func (c *Config) validateCache() []ValidationError {
	var errors []ValidationError

	if c.Cache.StaleAfterMs < 1 {
		errors = append(errors, ValidationError{
			Field:   "cache.stale_after_ms",
			Value:   c.Cache.StaleAfterMs,
			Message: "must be at least 1",
		})
	}
	for kind, ms := range c.Cache.StaleAfterByKind {
		if ms < 1 {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("cache.stale_after_by_kind.%s", kind),
				Value:   ms,
				Message: "must be at least 1",
			})
		}
	}
	if c.Cache.NavDebounceMs < 0 {
		errors = append(errors, ValidationError{
			Field:   "cache.nav_debounce_ms",
			Value:   c.Cache.NavDebounceMs,
			Message: "must not be negative",
		})
	}
	if c.Cache.PrefetchRadius < 0 {
		errors = append(errors, ValidationError{
			Field:   "cache.prefetch_radius",
			Value:   c.Cache.PrefetchRadius,
			Message: "must not be negative",
		})
	}

	return errors
}

func (c *Config) validateNetwork() []ValidationError {
	var errors []ValidationError

	if c.Network.ProbeIntervalMs < 1 {
		errors = append(errors, ValidationError{
			Field:   "network.probe_interval_ms",
			Value:   c.Network.ProbeIntervalMs,
			Message: "must be at least 1",
		})
	}

	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	return errors
}
