// Package executor defines the contract the scheduler uses to run a task's
// real work, plus the built-in executors: subprocesses, simulated work for
// tests and demos, a per-type router and a circuit-breaker wrapper.
package executor

import (
	"context"
	"fmt"
)

// Level is the severity of an execution log entry.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Job is the executor's view of a single task attempt.
type Job struct {
	TaskID      string
	ExecutionID string
	Type        string
	Description string
	Attempt     int // 1 for the first run
	Variables   map[string]string
	State       map[string]any
	Extra       map[string]any
}

// Metrics is a resource usage sample reported alongside progress.
type Metrics struct {
	CPU     float64            `json:"cpu"`
	Memory  float64            `json:"memory"`
	Disk    float64            `json:"disk"`
	Network float64            `json:"network"`
	Custom  map[string]float64 `json:"custom,omitempty"`
}

// Reporter receives progress from a running job. Implementations are safe for
// concurrent use by a single job.
type Reporter interface {
	// Progress reports completion percentage (0-100) and an optional metrics sample.
	Progress(percent int, metrics *Metrics)

	// Log appends a leveled message to the execution log.
	Log(level Level, msg string)

	// Checkpoint records a state snapshot the task can later be rolled back to.
	Checkpoint(description string, state map[string]any, artifacts ...string)
}

// Result is what a successful job resolves with.
type Result struct {
	Output    map[string]any `json:"output,omitempty"`
	Artifacts []string       `json:"artifacts,omitempty"`
}

// Executor runs a job to completion. Cancellation of ctx is the best-effort
// abort signal for cancel and timeout; implementations should return promptly.
type Executor interface {
	Execute(ctx context.Context, job Job, r Reporter) (Result, error)
}

// Func adapts a plain function to the Executor interface.
type Func func(ctx context.Context, job Job, r Reporter) (Result, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, job Job, r Reporter) (Result, error) {
	return f(ctx, job, r)
}

// Router dispatches jobs to an executor registered for the job's type,
// falling back to a default executor.
type Router struct {
	routes   map[string]Executor
	fallback Executor
}

// NewRouter creates a Router. fallback may be nil, in which case unknown types fail.
func NewRouter(fallback Executor) *Router {
	return &Router{
		routes:   make(map[string]Executor),
		fallback: fallback,
	}
}

// Handle registers an executor for a task type.
func (r *Router) Handle(taskType string, e Executor) {
	r.routes[taskType] = e
}

// Execute implements Executor.
func (r *Router) Execute(ctx context.Context, job Job, rep Reporter) (Result, error) {
	if e, ok := r.routes[job.Type]; ok {
		return e.Execute(ctx, job, rep)
	}
	if r.fallback != nil {
		return r.fallback.Execute(ctx, job, rep)
	}
	return Result{}, fmt.Errorf("no executor registered for task type %q", job.Type)
}
