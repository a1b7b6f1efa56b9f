package scheduler

import (
	"fmt"
	"maps"
	"time"

	"github.com/aristath/taskcore/internal/executor"
)

// TaskStatus represents the current state of a task.
type TaskStatus int

const (
	TaskPending   TaskStatus = iota // Waiting for dependencies, resources or start time
	TaskQueued                      // Admitted to the ready queue
	TaskRunning                     // Currently executing
	TaskCompleted                   // Finished successfully
	TaskFailed                      // Finished with error (may be retried)
	TaskCancelled                   // Cancelled explicitly or by cascade
)

var statusNames = map[TaskStatus]string{
	TaskPending:   "pending",
	TaskQueued:    "queued",
	TaskRunning:   "running",
	TaskCompleted: "completed",
	TaskFailed:    "failed",
	TaskCancelled: "cancelled",
}

func (s TaskStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseTaskStatus converts a status name back to a TaskStatus.
func ParseTaskStatus(name string) (TaskStatus, bool) {
	for s, n := range statusNames {
		if n == name {
			return s, true
		}
	}
	return 0, false
}

// MarshalText encodes the status by name.
func (s TaskStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *TaskStatus) UnmarshalText(text []byte) error {
	parsed, ok := ParseTaskStatus(string(text))
	if !ok {
		return fmt.Errorf("unknown task status %q", text)
	}
	*s = parsed
	return nil
}

// IsTerminal reports whether no further transition is possible.
// Failed is not terminal: the retry manager may move it back to pending.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskCancelled
}

// DependencyType is the temporal relation between a task and one of its dependencies.
type DependencyType string

const (
	FinishToStart  DependencyType = "finish-to-start"
	StartToStart   DependencyType = "start-to-start"
	FinishToFinish DependencyType = "finish-to-finish"
	StartToFinish  DependencyType = "start-to-finish"
)

// Valid reports whether t is one of the four known relations.
func (t DependencyType) Valid() bool {
	switch t {
	case FinishToStart, StartToStart, FinishToFinish, StartToFinish:
		return true
	}
	return false
}

// TaskDependency references another task.
type TaskDependency struct {
	TaskID string         `json:"task_id"`
	Type   DependencyType `json:"type"`
	// Lag is the minimum delay after the dependency is satisfied before this task may start.
	Lag time.Duration `json:"lag,omitempty"`
}

// ResourceRequirement declares a resource a task holds while running.
type ResourceRequirement struct {
	ResourceID string `json:"resource_id"`
	Quantity   int    `json:"quantity,omitempty"`
	Unit       string `json:"unit,omitempty"`
	Exclusive  bool   `json:"exclusive,omitempty"`
	Priority   int    `json:"priority,omitempty"`
}

// Schedule constrains when a task may start.
type Schedule struct {
	StartTime  *time.Time `json:"start_time,omitempty"`
	Deadline   *time.Time `json:"deadline,omitempty"`
	Recurrence string     `json:"recurrence,omitempty"`
}

// RetryPolicy controls how often and how fast a failed task is retried.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	Backoff     time.Duration `json:"backoff"`
	Multiplier  float64       `json:"multiplier"`
	MaxBackoff  time.Duration `json:"max_backoff,omitempty"` // 0 = uncapped
}

// RollbackStrategy selects which state cancellation with rollback restores.
type RollbackStrategy string

const (
	RollbackPreviousCheckpoint RollbackStrategy = "previous-checkpoint"
	RollbackInitialState       RollbackStrategy = "initial-state"
	RollbackCustom             RollbackStrategy = "custom"
)

// ErrorKind classifies why a task failed.
type ErrorKind string

const (
	ErrorKindExecution  ErrorKind = "execution"
	ErrorKindTimeout    ErrorKind = "timeout"
	ErrorKindDependency ErrorKind = "dependency"
	ErrorKindResource   ErrorKind = "resource"
	ErrorKindBreaker    ErrorKind = "breaker"
)

// TaskMetadata holds the engine-owned annotations of a task plus an opaque
// blob for executor-specific data.
type TaskMetadata struct {
	Error         string            `json:"error,omitempty"`
	ErrorKind     ErrorKind         `json:"error_kind,omitempty"`
	FailedAt      *time.Time        `json:"failed_at,omitempty"`
	CancelReason  string            `json:"cancel_reason,omitempty"`
	CancelledAt   *time.Time        `json:"cancelled_at,omitempty"`
	RollbackError string            `json:"rollback_error,omitempty"`
	WorkflowID    string            `json:"workflow_id,omitempty"`
	Variables     map[string]string `json:"variables,omitempty"`
	Extra         map[string]any    `json:"extra,omitempty"`
}

// TaskCheckpoint is an immutable snapshot of task state.
type TaskCheckpoint struct {
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	Description string         `json:"description"`
	State       map[string]any `json:"state,omitempty"`
	Artifacts   []string       `json:"artifacts,omitempty"`
}

// Task is the unit of schedulable work.
type Task struct {
	ID          string                `json:"id"`
	CreatedAt   time.Time             `json:"created_at"`
	Type        string                `json:"type"`
	Description string                `json:"description,omitempty"`
	Tags        []string              `json:"tags,omitempty"`
	Metadata    TaskMetadata          `json:"metadata"`
	Priority    int                   `json:"priority"`
	Schedule    *Schedule             `json:"schedule,omitempty"`
	Deps        []TaskDependency      `json:"dependencies,omitempty"`
	Resources   []ResourceRequirement `json:"resources,omitempty"`

	RetryPolicy      RetryPolicy      `json:"retry_policy"`
	Timeout          time.Duration    `json:"timeout,omitempty"`
	RollbackStrategy RollbackStrategy `json:"rollback_strategy,omitempty"`
	RollbackHandler  string           `json:"rollback_handler,omitempty"` // Name of the custom handler

	Status      TaskStatus       `json:"status"`
	Progress    int              `json:"progress"`
	Duration    time.Duration    `json:"duration"`
	Checkpoints []TaskCheckpoint `json:"checkpoints,omitempty"`
	State       map[string]any   `json:"state,omitempty"`
	Result      *executor.Result `json:"result,omitempty"`
	AssignedTo  string           `json:"assigned_to,omitempty"`
	ExecutionID string           `json:"execution_id,omitempty"` // Current or last execution record

	Attempts    int        `json:"attempts"` // Retries scheduled so far
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	seq uint64 // Registration order, used for FIFO tie-breaking
}

// DependsOnIDs returns the ids of all declared dependencies.
func (t *Task) DependsOnIDs() []string {
	ids := make([]string, 0, len(t.Deps))
	for _, d := range t.Deps {
		ids = append(ids, d.TaskID)
	}
	return ids
}

// HasTag reports whether the task carries the given tag.
func (t *Task) HasTag(tag string) bool {
	for _, tg := range t.Tags {
		if tg == tag {
			return true
		}
	}
	return false
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}

	cp := *task
	cp.Tags = append([]string(nil), task.Tags...)
	cp.Deps = append([]TaskDependency(nil), task.Deps...)
	cp.Resources = append([]ResourceRequirement(nil), task.Resources...)
	cp.Checkpoints = append([]TaskCheckpoint(nil), task.Checkpoints...)
	cp.State = maps.Clone(task.State)
	cp.Metadata.Variables = maps.Clone(task.Metadata.Variables)
	cp.Metadata.Extra = maps.Clone(task.Metadata.Extra)
	if task.Schedule != nil {
		s := *task.Schedule
		cp.Schedule = &s
	}
	if task.Result != nil {
		r := *task.Result
		cp.Result = &r
	}
	return &cp
}

// LogEntry is one leveled message in an execution log.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     executor.Level `json:"level"`
	Message   string         `json:"message"`
}

// TaskExecution records a single run attempt.
type TaskExecution struct {
	ID          string           `json:"id"`
	TaskID      string           `json:"task_id"`
	ExecutorID  string           `json:"executor_id"`
	Attempt     int              `json:"attempt"`
	StartedAt   time.Time        `json:"started_at"`
	EndedAt     *time.Time       `json:"ended_at,omitempty"`
	Status      TaskStatus       `json:"status"`
	Progress    int              `json:"progress"`
	Metrics     executor.Metrics `json:"metrics"`
	PeakMetrics executor.Metrics `json:"peak_metrics"`
	Logs        []LogEntry       `json:"logs,omitempty"`
	Dropped     int              `json:"dropped_logs,omitempty"` // Entries evicted by the log bound
}

func cloneExecution(e *TaskExecution) *TaskExecution {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Logs = append([]LogEntry(nil), e.Logs...)
	cp.Metrics.Custom = maps.Clone(e.Metrics.Custom)
	cp.PeakMetrics.Custom = maps.Clone(e.PeakMetrics.Custom)
	return &cp
}
