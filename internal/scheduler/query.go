package scheduler

import (
	"fmt"
	"sort"
	"strings"
)

// SortField names the task attribute ListTasks orders by.
type SortField string

const (
	SortByCreated  SortField = "created"
	SortByPriority SortField = "priority"
	SortByStatus   SortField = "status"
	SortByType     SortField = "type"
)

// SortSpec orders a task listing. The zero value sorts by creation, oldest first.
type SortSpec struct {
	Field SortField
	Desc  bool
}

// TaskFilter selects tasks for ListTasks. Empty fields match everything;
// Tags must all be present on a task.
type TaskFilter struct {
	Statuses   []TaskStatus
	Type       string
	Tags       []string
	WorkflowID string
}

func (f TaskFilter) matches(t *Task) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if t.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if f.WorkflowID != "" && t.Metadata.WorkflowID != f.WorkflowID {
		return false
	}
	for _, tag := range f.Tags {
		if !t.HasTag(tag) {
			return false
		}
	}
	return true
}

// TaskList is one page of a task listing.
type TaskList struct {
	Tasks   []*Task `json:"tasks"`
	Total   int     `json:"total"`
	HasMore bool    `json:"has_more"`
}

// ListTasks returns the tasks matching filter, ordered by sortBy, starting at
// offset. A limit of zero or less returns every remaining task.
func (e *Engine) ListTasks(filter TaskFilter, sortBy SortSpec, limit, offset int) TaskList {
	tasks := e.registry.Filter(filter.matches)

	less := taskLess(sortBy.Field)
	sort.SliceStable(tasks, func(i, j int) bool {
		if sortBy.Desc {
			return less(tasks[j], tasks[i])
		}
		return less(tasks[i], tasks[j])
	})

	total := len(tasks)
	offset = max(offset, 0)
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}

	return TaskList{
		Tasks:   tasks[offset:end],
		Total:   total,
		HasMore: end < total,
	}
}

func taskLess(field SortField) func(a, b *Task) bool {
	switch field {
	case SortByPriority:
		return func(a, b *Task) bool { return a.Priority < b.Priority }
	case SortByStatus:
		return func(a, b *Task) bool { return a.Status < b.Status }
	case SortByType:
		return func(a, b *Task) bool { return strings.Compare(a.Type, b.Type) < 0 }
	default:
		return func(a, b *Task) bool {
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.seq < b.seq
		}
	}
}

// DependencyStatus describes one dependency of a task.
type DependencyStatus struct {
	TaskID    string         `json:"task_id"`
	Type      DependencyType `json:"type"`
	Status    string         `json:"status"`
	Satisfied bool           `json:"satisfied"`
	Missing   bool           `json:"missing,omitempty"`
}

// TaskStatusReport is the full queryable state of one task.
type TaskStatusReport struct {
	Task         *Task              `json:"task"`
	Execution    *TaskExecution     `json:"execution,omitempty"`
	Executions   int                `json:"executions"`
	Dependencies []DependencyStatus `json:"dependencies"`
	Dependents   []string           `json:"dependents"`
	Resources    []ResourceStatus   `json:"resources"`
	Held         []string           `json:"held,omitempty"`
	Queued       bool               `json:"in_queue"`
}

// GetTaskStatus returns a task together with its latest execution, the
// state of its dependencies, its dependents and its resources.
func (e *Engine) GetTaskStatus(taskID string) (*TaskStatusReport, error) {
	task, ok := e.registry.Get(taskID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTaskNotFound, taskID)
	}

	report := &TaskStatusReport{
		Task:       task,
		Executions: len(e.registry.Executions(taskID)),
		Dependents: e.graph.DependentsOf(taskID),
		Resources:  e.ledger.StatusFor(task.Resources),
		Held:       e.ledger.Holding(taskID),
	}
	if exec, ok := e.registry.LatestExecution(taskID); ok {
		report.Execution = exec
	}

	now := e.now()
	for _, d := range task.Deps {
		ds := DependencyStatus{TaskID: d.TaskID, Type: d.Type}
		if depTask, ok := e.registry.Get(d.TaskID); ok {
			ds.Status = depTask.Status.String()
			ds.Satisfied = IsSatisfied(d, depTask, now)
		} else {
			ds.Missing = true
			ds.Status = "missing"
		}
		report.Dependencies = append(report.Dependencies, ds)
	}

	e.mu.Lock()
	report.Queued = e.queue.contains(taskID)
	e.mu.Unlock()

	return report, nil
}

// GetTask returns a copy of a task.
func (e *Engine) GetTask(taskID string) (*Task, error) {
	task, ok := e.registry.Get(taskID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTaskNotFound, taskID)
	}
	return task, nil
}

// Executions returns every execution record of a task, oldest first.
func (e *Engine) Executions(taskID string) []*TaskExecution {
	return e.registry.Executions(taskID)
}

// QueuedIDs returns the ready queue in dispatch order.
func (e *Engine) QueuedIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.ids()
}
