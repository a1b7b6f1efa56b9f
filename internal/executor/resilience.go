package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrBreakerOpen is returned when a task type's circuit breaker rejects a job.
var ErrBreakerOpen = errors.New("circuit breaker open")

// BreakerSettings configures the per-type circuit breakers.
type BreakerSettings struct {
	ConsecutiveFailures uint32        // Trip after this many consecutive failures (default 5)
	OpenTimeout         time.Duration // Stay open this long before probing (default 30s)
	HalfOpenRequests    uint32        // Probe requests allowed while half-open (default 1)
	OnStateChange       func(name string, from, to gobreaker.State)
}

// CircuitBreakerRegistry manages one circuit breaker per task type.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	settings BreakerSettings
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewCircuitBreakerRegistry creates a registry, filling zero settings with defaults.
func NewCircuitBreakerRegistry(settings BreakerSettings) *CircuitBreakerRegistry {
	if settings.ConsecutiveFailures == 0 {
		settings.ConsecutiveFailures = 5
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = 30 * time.Second
	}
	if settings.HalfOpenRequests == 0 {
		settings.HalfOpenRequests = 1
	}
	return &CircuitBreakerRegistry{
		settings: settings,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the circuit breaker for the given task type, creating it on first use.
func (r *CircuitBreakerRegistry) Get(taskType string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[taskType]; ok {
		return cb
	}

	threshold := r.settings.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        taskType,
		MaxRequests: r.settings.HalfOpenRequests,
		Interval:    0, // Don't clear counts automatically
		Timeout:     r.settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: r.settings.OnStateChange,
		IsSuccessful: func(err error) bool {
			// Cancellation and timeouts are scheduler decisions, not executor faults
			if err == nil {
				return true
			}
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	r.breakers[taskType] = cb
	return cb
}

// State reports the breaker state for a task type without creating one.
func (r *CircuitBreakerRegistry) State(taskType string) (gobreaker.State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[taskType]
	if !ok {
		return gobreaker.StateClosed, false
	}
	return cb.State(), true
}

// Breaker wraps an executor so that each task type fails fast once its
// executor keeps failing.
type Breaker struct {
	inner    Executor
	registry *CircuitBreakerRegistry
}

// WithBreaker wraps inner with circuit breakers from registry.
func WithBreaker(inner Executor, registry *CircuitBreakerRegistry) *Breaker {
	return &Breaker{inner: inner, registry: registry}
}

// Execute implements Executor.
func (b *Breaker) Execute(ctx context.Context, job Job, r Reporter) (Result, error) {
	name := job.Type
	if name == "" {
		name = "default"
	}
	cb := b.registry.Get(name)

	out, err := cb.Execute(func() (interface{}, error) {
		return b.inner.Execute(ctx, job, r)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Result{}, fmt.Errorf("%w for task type %q: %v", ErrBreakerOpen, name, err)
		}
		return Result{}, err
	}

	return out.(Result), nil
}
