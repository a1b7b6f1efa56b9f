package config

import (
	"time"

	"github.com/spf13/viper"
)

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *EngineConfig {
	return &EngineConfig{
		MaxConcurrent:       4,
		TickInterval:        time.Second,
		CheckpointThreshold: 50,
		MaxLogEntries:       1000,
		Retry: RetryConfig{
			Backoff:    time.Second,
			Multiplier: 2,
		},
		Persistence: PersistenceConfig{
			Path: ".taskcore/state.db",
		},
		Logging: LoggingConfig{
			Level: "INFO",
		},
		Breaker: BreakerConfig{
			ConsecutiveFailures: 5,
			OpenTimeout:         30 * time.Second,
		},
	}
}

// setDefaults registers every scalar key so environment overrides apply
// even when no file mentions the key.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("max_concurrent", d.MaxConcurrent)
	v.SetDefault("tick_interval", d.TickInterval)
	v.SetDefault("default_timeout", d.DefaultTimeout)
	v.SetDefault("checkpoint_threshold", d.CheckpointThreshold)
	v.SetDefault("max_log_entries", d.MaxLogEntries)

	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.backoff", d.Retry.Backoff)
	v.SetDefault("retry.multiplier", d.Retry.Multiplier)
	v.SetDefault("retry.max_backoff", d.Retry.MaxBackoff)

	v.SetDefault("resources", []ResourceConfig{})

	v.SetDefault("persistence.path", d.Persistence.Path)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.dir", d.Logging.Dir)

	v.SetDefault("breaker.enabled", d.Breaker.Enabled)
	v.SetDefault("breaker.consecutive_failures", d.Breaker.ConsecutiveFailures)
	v.SetDefault("breaker.open_timeout", d.Breaker.OpenTimeout)
}
