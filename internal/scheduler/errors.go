package scheduler

import (
	"errors"
	"fmt"
)

// Validation errors are returned synchronously to callers.
var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrDuplicateTask     = errors.New("task already exists")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrDependencyCycle   = errors.New("dependency cycle")
	ErrInvalidTask       = errors.New("invalid task")
	ErrInvalidWorkflow   = errors.New("invalid workflow")
	ErrTaskCompleted     = errors.New("task already completed")
	ErrEngineStopped     = errors.New("engine stopped")
)

// Failure causes recorded on tasks.
var (
	ErrDependencyMissing = errors.New("dependency task missing")
	ErrTimeout           = errors.New("task timed out")
	ErrResourceLost      = errors.New("resource no longer available")
	ErrDeadlineExceeded  = errors.New("deadline passed before task could start")
)

// TaskError ties an error to the task and operation it occurred in.
type TaskError struct {
	TaskID string
	Op     string
	Err    error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s task %q: %v", e.Op, e.TaskID, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

func taskErr(op, taskID string, err error) error {
	return &TaskError{TaskID: taskID, Op: op, Err: err}
}
