package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask     = "task"
	TopicWorkflow = "workflow"
)

// Event type constants
const (
	EventTypeTaskCreated      = "task.created"
	EventTypeTaskStarted      = "task.started"
	EventTypeTaskProgress     = "task.progress"
	EventTypeTaskOutput       = "task.output"
	EventTypeTaskCheckpoint   = "task.checkpoint"
	EventTypeTaskCompleted    = "task.completed"
	EventTypeTaskFailed       = "task.failed"
	EventTypeTaskRetrying     = "task.retrying"
	EventTypeTaskCancelled    = "task.cancelled"
	EventTypeWorkflowProgress = "workflow.progress"
)

// TaskCreatedEvent is published when a task is registered.
type TaskCreatedEvent struct {
	ID         string
	Type       string
	Priority   int
	WorkflowID string
	Timestamp  time.Time
}

func (e TaskCreatedEvent) EventType() string { return EventTypeTaskCreated }
func (e TaskCreatedEvent) TaskID() string    { return e.ID }

// TaskStartedEvent is published when a task enters running.
type TaskStartedEvent struct {
	ID          string
	Type        string
	ExecutionID string
	Attempt     int
	Timestamp   time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskProgressEvent is published when the executor reports progress.
type TaskProgressEvent struct {
	ID        string
	Progress  int
	CPU       float64
	Memory    float64
	Timestamp time.Time
}

func (e TaskProgressEvent) EventType() string { return EventTypeTaskProgress }
func (e TaskProgressEvent) TaskID() string    { return e.ID }

// TaskOutputEvent is published for every execution log entry.
type TaskOutputEvent struct {
	ID        string
	Level     string
	Line      string
	Timestamp time.Time
}

func (e TaskOutputEvent) EventType() string { return EventTypeTaskOutput }
func (e TaskOutputEvent) TaskID() string    { return e.ID }

// TaskCheckpointEvent is published when a checkpoint is recorded.
type TaskCheckpointEvent struct {
	ID           string
	CheckpointID string
	Description  string
	Timestamp    time.Time
}

func (e TaskCheckpointEvent) EventType() string { return EventTypeTaskCheckpoint }
func (e TaskCheckpointEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task completes successfully.
type TaskCompletedEvent struct {
	ID        string
	Result    map[string]any
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when a task fails. WillRetry is false once
// retries are exhausted or the failure is not retryable.
type TaskFailedEvent struct {
	ID        string
	Err       error
	Kind      string
	Attempt   int
	WillRetry bool
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// TaskRetryingEvent is published when a retry is scheduled.
type TaskRetryingEvent struct {
	ID        string
	Attempt   int // Retry number, starting at 1
	Delay     time.Duration
	Timestamp time.Time
}

func (e TaskRetryingEvent) EventType() string { return EventTypeTaskRetrying }
func (e TaskRetryingEvent) TaskID() string    { return e.ID }

// TaskCancelledEvent is published when a task is cancelled.
type TaskCancelledEvent struct {
	ID         string
	Reason     string
	RolledBack bool
	Timestamp  time.Time
}

func (e TaskCancelledEvent) EventType() string { return EventTypeTaskCancelled }
func (e TaskCancelledEvent) TaskID() string    { return e.ID }

// WorkflowProgressEvent is published when a workflow member changes state.
type WorkflowProgressEvent struct {
	WorkflowID string
	Name       string
	Status     string
	Total      int
	Completed  int
	Running    int
	Failed     int
	Cancelled  int
	Pending    int
	Timestamp  time.Time
}

func (e WorkflowProgressEvent) EventType() string { return EventTypeWorkflowProgress }
func (e WorkflowProgressEvent) TaskID() string    { return "" }
