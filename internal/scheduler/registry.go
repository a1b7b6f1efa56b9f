package scheduler

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is the in-memory store of task records and their execution
// history. Every read returns a copy; every write goes through Update.
type Registry struct {
	mu         sync.RWMutex
	tasks      map[string]*Task
	executions map[string][]*TaskExecution // taskID -> attempts, oldest first
	nextSeq    uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tasks:      make(map[string]*Task),
		executions: make(map[string][]*TaskExecution),
	}
}

// Insert adds a task. Returns ErrDuplicateTask if the ID is taken.
func (r *Registry) Insert(task *Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.insertLocked(task)
}

// InsertAll adds a batch of tasks atomically: either all are inserted or none.
func (r *Registry) InsertAll(tasks []*Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if _, exists := r.tasks[t.ID]; exists || seen[t.ID] {
			return fmt.Errorf("%w: %q", ErrDuplicateTask, t.ID)
		}
		seen[t.ID] = true
	}
	for _, t := range tasks {
		if err := r.insertLocked(t); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) insertLocked(task *Task) error {
	if _, exists := r.tasks[task.ID]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateTask, task.ID)
	}
	r.nextSeq++
	task.seq = r.nextSeq
	r.tasks[task.ID] = cloneTask(task)
	return nil
}

// Get returns a copy of the task.
func (r *Registry) Get(taskID string) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, exists := r.tasks[taskID]
	if !exists {
		return nil, false
	}
	return cloneTask(task), true
}

// Update applies fn to the stored task under the write lock and returns a
// copy of the result. If fn returns an error the task is left unchanged.
func (r *Registry) Update(taskID string, fn func(t *Task) error) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, exists := r.tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrTaskNotFound, taskID)
	}

	working := cloneTask(task)
	if err := fn(working); err != nil {
		return nil, err
	}
	working.ID = task.ID
	working.CreatedAt = task.CreatedAt
	working.seq = task.seq
	r.tasks[taskID] = working
	return cloneTask(working), nil
}

// Tasks returns all tasks in registration order.
func (r *Registry) Tasks() []*Task {
	return r.Filter(func(*Task) bool { return true })
}

// ByStatus returns tasks in the given status, in registration order.
func (r *Registry) ByStatus(status TaskStatus) []*Task {
	return r.Filter(func(t *Task) bool { return t.Status == status })
}

// Filter returns copies of the tasks matching keep, in registration order.
func (r *Registry) Filter(keep func(t *Task) bool) []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		if keep(t) {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// AddExecution records the start of a new attempt.
func (r *Registry) AddExecution(exec *TaskExecution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executions[exec.TaskID] = append(r.executions[exec.TaskID], cloneExecution(exec))
}

// UpdateExecution applies fn to the given execution record. Returns false if
// the record does not exist.
func (r *Registry) UpdateExecution(taskID, execID string, fn func(e *TaskExecution)) (*TaskExecution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.executions[taskID] {
		if e.ID == execID {
			fn(e)
			return cloneExecution(e), true
		}
	}
	return nil, false
}

// LatestExecution returns the most recent execution of a task.
func (r *Registry) LatestExecution(taskID string) (*TaskExecution, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	execs := r.executions[taskID]
	if len(execs) == 0 {
		return nil, false
	}
	return cloneExecution(execs[len(execs)-1]), true
}

// Executions returns all execution records of a task, oldest first.
func (r *Registry) Executions(taskID string) []*TaskExecution {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*TaskExecution, 0, len(r.executions[taskID]))
	for _, e := range r.executions[taskID] {
		out = append(out, cloneExecution(e))
	}
	return out
}
