// Package config loads engine configuration from defaults, a global file, a
// project file and TASKCORE_* environment variables.
package config

import "time"

// RetryConfig is the default retry policy for tasks that declare none.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff" yaml:"backoff"`
	Multiplier  float64       `mapstructure:"multiplier" yaml:"multiplier"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"` // 0 = uncapped
}

// ResourceConfig declares a resource registered at startup.
type ResourceConfig struct {
	ID       string `mapstructure:"id" yaml:"id"`
	Capacity int    `mapstructure:"capacity" yaml:"capacity"`
}

// PersistenceConfig locates the state database.
type PersistenceConfig struct {
	Path string `mapstructure:"path" yaml:"path"` // Empty disables persistence
}

// LoggingConfig controls the engine log.
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	Dir   string `mapstructure:"dir" yaml:"dir"` // Empty logs to stderr
}

// BreakerConfig configures the per-task-type circuit breakers.
type BreakerConfig struct {
	Enabled             bool          `mapstructure:"enabled" yaml:"enabled"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures" yaml:"consecutive_failures"`
	OpenTimeout         time.Duration `mapstructure:"open_timeout" yaml:"open_timeout"`
}

// EngineConfig is the top-level configuration.
type EngineConfig struct {
	MaxConcurrent       int               `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	TickInterval        time.Duration     `mapstructure:"tick_interval" yaml:"tick_interval"`
	DefaultTimeout      time.Duration     `mapstructure:"default_timeout" yaml:"default_timeout"` // 0 = none
	CheckpointThreshold int               `mapstructure:"checkpoint_threshold" yaml:"checkpoint_threshold"`
	MaxLogEntries       int               `mapstructure:"max_log_entries" yaml:"max_log_entries"`
	Retry               RetryConfig       `mapstructure:"retry" yaml:"retry"`
	Resources           []ResourceConfig  `mapstructure:"resources" yaml:"resources"`
	Persistence         PersistenceConfig `mapstructure:"persistence" yaml:"persistence"`
	Logging             LoggingConfig     `mapstructure:"logging" yaml:"logging"`
	Breaker             BreakerConfig     `mapstructure:"breaker" yaml:"breaker"`
}
