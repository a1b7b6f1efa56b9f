package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/aristath/taskcore/internal/logging"
)

// ValidationError represents a single validation failure.
type ValidationError struct {
	Field   string // Config key, e.g. "retry.multiplier"
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Validate checks the configuration and returns every problem found.
func (c *EngineConfig) Validate() ValidationErrors {
	var errs ValidationErrors
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	if c.MaxConcurrent <= 0 {
		add("max_concurrent", c.MaxConcurrent, "must be positive")
	}
	if c.TickInterval <= 0 {
		add("tick_interval", c.TickInterval, "must be positive")
	}
	if c.DefaultTimeout < 0 {
		add("default_timeout", c.DefaultTimeout, "must not be negative")
	}
	if c.MaxLogEntries <= 0 {
		add("max_log_entries", c.MaxLogEntries, "must be positive")
	}
	if c.CheckpointThreshold > 100 {
		add("checkpoint_threshold", c.CheckpointThreshold, "must be at most 100")
	}

	if c.Retry.MaxAttempts < 0 {
		add("retry.max_attempts", c.Retry.MaxAttempts, "must not be negative")
	}
	if c.Retry.Backoff < 0 {
		add("retry.backoff", c.Retry.Backoff, "must not be negative")
	}
	if c.Retry.Multiplier < 1 {
		add("retry.multiplier", c.Retry.Multiplier, "must be at least 1")
	}
	if c.Retry.MaxBackoff < 0 {
		add("retry.max_backoff", c.Retry.MaxBackoff, "must not be negative")
	}

	seen := make(map[string]bool, len(c.Resources))
	for i, r := range c.Resources {
		field := fmt.Sprintf("resources[%d]", i)
		switch {
		case r.ID == "":
			add(field+".id", r.ID, "must not be empty")
		case seen[r.ID]:
			add(field+".id", r.ID, "declared twice")
		}
		seen[r.ID] = true
		if r.Capacity <= 0 {
			add(field+".capacity", r.Capacity, "must be positive")
		}
	}

	if !slices.Contains(logging.ValidLevels(), strings.ToUpper(c.Logging.Level)) {
		add("logging.level", c.Logging.Level, "must be one of "+strings.Join(logging.ValidLevels(), ", "))
	}

	if c.Breaker.Enabled {
		if c.Breaker.ConsecutiveFailures == 0 {
			add("breaker.consecutive_failures", c.Breaker.ConsecutiveFailures, "must be positive")
		}
		if c.Breaker.OpenTimeout <= 0 {
			add("breaker.open_timeout", c.Breaker.OpenTimeout, "must be positive")
		}
	}

	return errs
}
