package scheduler

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/taskcore/internal/events"
)

// OrderingStrategy decides the order in which a workflow's tasks are
// registered, which in turn breaks ties between equally ready tasks.
type OrderingStrategy string

const (
	BreadthFirst  OrderingStrategy = "breadth-first"  // By dependency depth, shallow first
	DepthFirst    OrderingStrategy = "depth-first"    // Each dependency chain before the next
	PriorityBased OrderingStrategy = "priority-based" // By priority, highest first
)

// ErrorStrategy decides what a workflow does when a member fails for good.
type ErrorStrategy string

const (
	FailFast        ErrorStrategy = "fail-fast"
	ContinueOnError ErrorStrategy = "continue-on-error"
	RetryFailed     ErrorStrategy = "retry-failed"
)

// WorkflowState is the aggregate state of a workflow.
type WorkflowState string

const (
	WorkflowCreated   WorkflowState = "created"
	WorkflowRunning   WorkflowState = "running"
	WorkflowCompleted WorkflowState = "completed"
	WorkflowFailed    WorkflowState = "failed"
	WorkflowCancelled WorkflowState = "cancelled"
)

// IsTerminal reports whether the workflow can no longer change state.
func (s WorkflowState) IsTerminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed || s == WorkflowCancelled
}

// Parallelism is the workflow-level concurrency policy.
type Parallelism struct {
	MaxConcurrent int              `json:"max_concurrent"` // 0 = engine limit only
	Strategy      OrderingStrategy `json:"strategy"`
}

// ErrorHandling is the workflow-level failure policy.
type ErrorHandling struct {
	Strategy   ErrorStrategy `json:"strategy"`
	MaxRetries int           `json:"max_retries"` // Minimum retries per task under retry-failed
}

// WorkflowSpec describes a workflow to create.
type WorkflowSpec struct {
	ID            string // Generated when empty
	Name          string
	Description   string
	Version       string
	Tasks         []TaskSpec
	Variables     map[string]string
	Parallelism   Parallelism
	ErrorHandling ErrorHandling
	CreatedBy     string
}

// Workflow is a named, versioned bundle of tasks with shared policy.
type Workflow struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Description   string            `json:"description,omitempty"`
	Version       string            `json:"version"`
	Tasks         []TaskSpec        `json:"tasks"`
	TaskIDs       []string          `json:"task_ids"`
	Variables     map[string]string `json:"variables,omitempty"`
	Parallelism   Parallelism       `json:"parallelism"`
	ErrorHandling ErrorHandling     `json:"error_handling"`
	CreatedAt     time.Time         `json:"created_at"`
	CreatedBy     string            `json:"created_by,omitempty"`
	State         WorkflowState     `json:"state"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	EndedAt       *time.Time        `json:"ended_at,omitempty"`
	Halted        bool              `json:"halted,omitempty"`
	HaltReason    string            `json:"halt_reason,omitempty"`
}

func cloneWorkflow(w *Workflow) *Workflow {
	cp := *w
	cp.Tasks = slices.Clone(w.Tasks)
	cp.TaskIDs = slices.Clone(w.TaskIDs)
	cp.Variables = maps.Clone(w.Variables)
	return &cp
}

// WorkflowStatus aggregates the state of a workflow's tasks.
type WorkflowStatus struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	State      WorkflowState `json:"state"`
	Total      int           `json:"total"`
	Pending    int           `json:"pending"`
	Queued     int           `json:"queued"`
	Running    int           `json:"running"`
	Completed  int           `json:"completed"`
	Failed     int           `json:"failed"`
	Retrying   int           `json:"retrying"`
	Cancelled  int           `json:"cancelled"`
	Progress   int           `json:"progress"` // Mean task progress
	Halted     bool          `json:"halted,omitempty"`
	HaltReason string        `json:"halt_reason,omitempty"`
	Tasks      []*Task       `json:"tasks"`
}

// WorkflowManager stores workflows and applies their policies. It never runs
// tasks itself: executing a workflow registers its tasks with the engine.
type WorkflowManager struct {
	e *Engine

	mu        sync.RWMutex
	workflows map[string]*Workflow
}

func newWorkflowManager(e *Engine) *WorkflowManager {
	return &WorkflowManager{
		e:         e,
		workflows: make(map[string]*Workflow),
	}
}

// CreateWorkflow validates and stores a workflow. Its tasks are not
// registered until ExecuteWorkflow.
func (e *Engine) CreateWorkflow(ctx context.Context, spec WorkflowSpec) (*Workflow, error) {
	return e.workflows.create(ctx, spec)
}

// ExecuteWorkflow registers every task of the workflow with the engine. The
// scheduler loop admits them as their dependencies are met.
func (e *Engine) ExecuteWorkflow(ctx context.Context, workflowID string) error {
	return e.workflows.execute(ctx, workflowID)
}

// GetWorkflow returns a copy of a workflow.
func (e *Engine) GetWorkflow(workflowID string) (*Workflow, error) {
	wf, ok := e.workflows.get(workflowID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrWorkflowNotFound, workflowID)
	}
	return wf, nil
}

// ListWorkflows returns all workflows, oldest first.
func (e *Engine) ListWorkflows() []*Workflow {
	return e.workflows.list()
}

// GetWorkflowStatus aggregates the state of a workflow's tasks.
func (e *Engine) GetWorkflowStatus(workflowID string) (*WorkflowStatus, error) {
	wf, ok := e.workflows.get(workflowID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrWorkflowNotFound, workflowID)
	}
	return e.workflows.status(wf), nil
}

// CancelWorkflow cancels every member task that has not finished yet and
// stops admitting the rest.
func (e *Engine) CancelWorkflow(ctx context.Context, workflowID, reason string, rollback bool) error {
	if !e.workflows.halt(workflowID, reason) {
		return fmt.Errorf("%w: %q", ErrWorkflowNotFound, workflowID)
	}
	visited := make(map[string]bool)
	for _, t := range e.workflows.members(workflowID) {
		if t.Status.IsTerminal() || (t.Status == TaskFailed && t.NextRetryAt == nil) {
			continue
		}
		if err := e.cancelCascade(ctx, t.ID, reason, rollback, visited); err != nil {
			e.log.WithTask(t.ID).Warn("workflow cancellation skipped task", "error", err.Error())
		}
	}
	e.workflows.memberChanged(ctx, workflowID)
	e.notify()
	return nil
}

const workflowPollInterval = 25 * time.Millisecond

// WaitWorkflow blocks until the workflow reaches a terminal state or ctx is done.
func (e *Engine) WaitWorkflow(ctx context.Context, workflowID string) (*WorkflowStatus, error) {
	ticker := time.NewTicker(workflowPollInterval)
	defer ticker.Stop()

	for {
		st, err := e.GetWorkflowStatus(workflowID)
		if err != nil {
			return nil, err
		}
		if st.State.IsTerminal() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (wm *WorkflowManager) create(ctx context.Context, spec WorkflowSpec) (*Workflow, error) {
	e := wm.e
	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w %q: %s", ErrInvalidWorkflow, id, fmt.Sprintf(format, args...))
	}

	if spec.Name == "" {
		return nil, invalid("name is required")
	}
	if len(spec.Tasks) == 0 {
		return nil, invalid("at least one task is required")
	}

	par := spec.Parallelism
	if par.Strategy == "" {
		par.Strategy = BreadthFirst
	}
	switch par.Strategy {
	case BreadthFirst, DepthFirst, PriorityBased:
	default:
		return nil, invalid("unknown ordering strategy %q", par.Strategy)
	}
	if par.MaxConcurrent < 0 {
		return nil, invalid("max concurrent must not be negative")
	}

	eh := spec.ErrorHandling
	if eh.Strategy == "" {
		eh.Strategy = FailFast
	}
	switch eh.Strategy {
	case FailFast, ContinueOnError, RetryFailed:
	default:
		return nil, invalid("unknown error strategy %q", eh.Strategy)
	}
	if eh.MaxRetries < 0 {
		return nil, invalid("max retries must not be negative")
	}

	specs := slices.Clone(spec.Tasks)
	seen := make(map[string]bool, len(specs))
	now := e.now()
	tasks := make([]*Task, 0, len(specs))
	for i := range specs {
		if specs[i].ID == "" {
			specs[i].ID = uuid.NewString()
		}
		tid := specs[i].ID
		if seen[tid] {
			return nil, invalid("task %q declared twice", tid)
		}
		seen[tid] = true
		if _, exists := e.registry.Get(tid); exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateTask, tid)
		}
		t, err := e.buildTask(specs[i], id, now)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := e.graph.Validate(tasks); err != nil {
		return nil, fmt.Errorf("workflow %q: %w", id, err)
	}

	version := spec.Version
	if version == "" {
		version = "1.0.0"
	}

	wf := &Workflow{
		ID:            id,
		Name:          spec.Name,
		Description:   spec.Description,
		Version:       version,
		Tasks:         specs,
		Variables:     maps.Clone(spec.Variables),
		Parallelism:   par,
		ErrorHandling: eh,
		CreatedAt:     now,
		CreatedBy:     spec.CreatedBy,
		State:         WorkflowCreated,
	}
	for _, s := range specs {
		wf.TaskIDs = append(wf.TaskIDs, s.ID)
	}

	wm.mu.Lock()
	if _, exists := wm.workflows[id]; exists {
		wm.mu.Unlock()
		return nil, invalid("workflow already exists")
	}
	wm.workflows[id] = wf
	out := cloneWorkflow(wf)
	wm.mu.Unlock()

	e.log.WithWorkflow(id).Info("workflow created", "name", wf.Name, "tasks", len(specs))
	e.save(ctx, WorkflowKeyPrefix+id, out)
	return out, nil
}

func (wm *WorkflowManager) execute(ctx context.Context, workflowID string) error {
	e := wm.e
	now := e.now()

	wm.mu.Lock()
	wf, ok := wm.workflows[workflowID]
	if !ok {
		wm.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrWorkflowNotFound, workflowID)
	}
	if wf.State != WorkflowCreated {
		wm.mu.Unlock()
		return fmt.Errorf("%w %q: already executed", ErrInvalidWorkflow, workflowID)
	}
	wf.State = WorkflowRunning
	wf.StartedAt = &now
	snapshot := cloneWorkflow(wf)
	wm.mu.Unlock()

	tasks := make([]*Task, 0, len(snapshot.Tasks))
	for _, spec := range orderSpecs(snapshot.Tasks, snapshot.Parallelism.Strategy) {
		vars := maps.Clone(snapshot.Variables)
		if vars == nil {
			vars = make(map[string]string, len(spec.Variables))
		}
		maps.Copy(vars, spec.Variables)
		spec.Variables = vars

		t, err := e.buildTask(spec, workflowID, now)
		if err != nil {
			wm.revert(workflowID)
			return err
		}
		if snapshot.ErrorHandling.Strategy == RetryFailed && t.RetryPolicy.MaxAttempts < snapshot.ErrorHandling.MaxRetries {
			t.RetryPolicy.MaxAttempts = snapshot.ErrorHandling.MaxRetries
		}
		tasks = append(tasks, t)
	}

	if err := e.register(ctx, tasks); err != nil {
		wm.revert(workflowID)
		return fmt.Errorf("execute workflow %q: %w", workflowID, err)
	}

	e.log.WithWorkflow(workflowID).Info("workflow started",
		"tasks", len(tasks),
		"ordering", string(snapshot.Parallelism.Strategy),
		"on_error", string(snapshot.ErrorHandling.Strategy))
	wm.persist(ctx, workflowID)
	wm.memberChanged(ctx, workflowID)
	return nil
}

func (wm *WorkflowManager) revert(workflowID string) {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	if wf, ok := wm.workflows[workflowID]; ok {
		wf.State = WorkflowCreated
		wf.StartedAt = nil
	}
}

// orderSpecs returns specs in registration order for the given strategy.
// Sorting is stable so declaration order breaks ties.
func orderSpecs(specs []TaskSpec, strategy OrderingStrategy) []TaskSpec {
	out := slices.Clone(specs)
	index := make(map[string]int, len(specs))
	for i, s := range specs {
		index[s.ID] = i
	}

	switch strategy {
	case PriorityBased:
		sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })

	case DepthFirst:
		visited := make(map[string]bool, len(specs))
		ordered := make([]TaskSpec, 0, len(specs))
		var visit func(s TaskSpec)
		visit = func(s TaskSpec) {
			if visited[s.ID] {
				return
			}
			visited[s.ID] = true
			for _, d := range s.Dependencies {
				if i, ok := index[d.TaskID]; ok {
					visit(specs[i])
				}
			}
			ordered = append(ordered, s)
		}
		for _, s := range specs {
			visit(s)
		}
		out = ordered

	default:
		depth := make(map[string]int, len(specs))
		var depthOf func(id string, seen map[string]bool) int
		depthOf = func(id string, seen map[string]bool) int {
			if d, ok := depth[id]; ok {
				return d
			}
			if seen[id] {
				return 0
			}
			seen[id] = true
			d := 0
			for _, dep := range specs[index[id]].Dependencies {
				if _, ok := index[dep.TaskID]; ok {
					d = max(d, depthOf(dep.TaskID, seen)+1)
				}
			}
			depth[id] = d
			return d
		}
		for _, s := range specs {
			depthOf(s.ID, make(map[string]bool))
		}
		sort.SliceStable(out, func(i, j int) bool { return depth[out[i].ID] < depth[out[j].ID] })
	}
	return out
}

func (wm *WorkflowManager) get(workflowID string) (*Workflow, bool) {
	wm.mu.RLock()
	defer wm.mu.RUnlock()
	wf, ok := wm.workflows[workflowID]
	if !ok {
		return nil, false
	}
	return cloneWorkflow(wf), true
}

func (wm *WorkflowManager) list() []*Workflow {
	wm.mu.RLock()
	out := make([]*Workflow, 0, len(wm.workflows))
	for _, wf := range wm.workflows {
		out = append(out, cloneWorkflow(wf))
	}
	wm.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (wm *WorkflowManager) members(workflowID string) []*Task {
	return wm.e.registry.Filter(func(t *Task) bool { return t.Metadata.WorkflowID == workflowID })
}

// halted reports whether admission of the workflow's tasks has stopped.
func (wm *WorkflowManager) halted(workflowID string) bool {
	if workflowID == "" {
		return false
	}
	wm.mu.RLock()
	defer wm.mu.RUnlock()
	wf, ok := wm.workflows[workflowID]
	return ok && wf.Halted
}

func (wm *WorkflowManager) halt(workflowID, reason string) bool {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	wf, ok := wm.workflows[workflowID]
	if !ok {
		return false
	}
	if !wf.Halted {
		wf.Halted = true
		wf.HaltReason = reason
	}
	return true
}

// maxConcurrent returns the workflow's own running-task cap, 0 if none.
func (wm *WorkflowManager) maxConcurrent(workflowID string) int {
	wm.mu.RLock()
	defer wm.mu.RUnlock()
	if wf, ok := wm.workflows[workflowID]; ok {
		return wf.Parallelism.MaxConcurrent
	}
	return 0
}

// taskFailed applies the workflow's error strategy to a member that failed
// for good.
func (wm *WorkflowManager) taskFailed(ctx context.Context, task *Task) {
	e := wm.e
	wf, ok := wm.get(task.Metadata.WorkflowID)
	if !ok {
		return
	}
	log := e.log.WithWorkflow(wf.ID).WithTask(task.ID)
	visited := map[string]bool{task.ID: true}

	switch wf.ErrorHandling.Strategy {
	case ContinueOnError:
		// Dependents of the failed task can never start; independent
		// branches keep running.
		reason := fmt.Sprintf("dependency %q failed", task.ID)
		for _, depID := range e.graph.DependentsOf(task.ID) {
			dep, ok := e.registry.Get(depID)
			if !ok || (dep.Status != TaskPending && dep.Status != TaskQueued) {
				continue
			}
			if err := e.cancelCascade(ctx, depID, reason, false, visited); err != nil {
				log.Warn("dependent cancellation failed", "dependent", depID, "error", err.Error())
			}
		}
		log.Info("workflow continues after task failure")

	default:
		reason := fmt.Sprintf("workflow halted: task %q failed", task.ID)
		wm.halt(wf.ID, reason)
		for _, t := range wm.members(wf.ID) {
			waiting := t.Status == TaskFailed && t.NextRetryAt != nil
			if t.Status != TaskPending && t.Status != TaskQueued && !waiting {
				continue
			}
			if err := e.cancelCascade(ctx, t.ID, reason, false, visited); err != nil {
				log.Warn("member cancellation failed", "member", t.ID, "error", err.Error())
			}
		}
		log.Warn("workflow halted", "strategy", string(wf.ErrorHandling.Strategy))
	}
}

func (wm *WorkflowManager) status(wf *Workflow) *WorkflowStatus {
	st := &WorkflowStatus{
		ID:         wf.ID,
		Name:       wf.Name,
		Halted:     wf.Halted,
		HaltReason: wf.HaltReason,
	}
	if wf.State == WorkflowCreated {
		st.State = WorkflowCreated
		st.Total = len(wf.TaskIDs)
		st.Pending = st.Total
		return st
	}

	progress := 0
	for _, t := range wm.members(wf.ID) {
		st.Total++
		progress += t.Progress
		switch t.Status {
		case TaskPending:
			st.Pending++
		case TaskQueued:
			st.Queued++
		case TaskRunning:
			st.Running++
		case TaskCompleted:
			st.Completed++
		case TaskCancelled:
			st.Cancelled++
		case TaskFailed:
			if t.NextRetryAt != nil {
				st.Retrying++
			} else {
				st.Failed++
			}
		}
		st.Tasks = append(st.Tasks, t)
	}
	if st.Total > 0 {
		st.Progress = progress / st.Total
	}

	switch {
	case st.Pending+st.Queued+st.Running+st.Retrying > 0:
		st.State = WorkflowRunning
	case st.Failed > 0:
		st.State = WorkflowFailed
	case st.Cancelled > 0:
		st.State = WorkflowCancelled
	default:
		st.State = WorkflowCompleted
	}
	return st
}

// memberChanged recomputes the workflow state after a member transition and
// publishes a progress event.
func (wm *WorkflowManager) memberChanged(ctx context.Context, workflowID string) {
	if workflowID == "" {
		return
	}
	wf, ok := wm.get(workflowID)
	if !ok || wf.State == WorkflowCreated {
		return
	}
	st := wm.status(wf)
	now := wm.e.now()

	changed := false
	wm.mu.Lock()
	if cur, ok := wm.workflows[workflowID]; ok && cur.State != st.State {
		cur.State = st.State
		if st.State.IsTerminal() {
			cur.EndedAt = &now
		} else {
			cur.EndedAt = nil
		}
		changed = true
	}
	wm.mu.Unlock()

	if changed {
		wm.persist(ctx, workflowID)
		if st.State.IsTerminal() {
			wm.e.log.WithWorkflow(workflowID).Info("workflow finished",
				"state", string(st.State),
				"completed", st.Completed,
				"failed", st.Failed,
				"cancelled", st.Cancelled)
		}
	}

	wm.e.emit(events.TopicWorkflow, events.WorkflowProgressEvent{
		WorkflowID: workflowID,
		Name:       wf.Name,
		Status:     string(st.State),
		Total:      st.Total,
		Completed:  st.Completed,
		Running:    st.Running,
		Failed:     st.Failed,
		Cancelled:  st.Cancelled,
		Pending:    st.Pending + st.Queued + st.Retrying,
		Timestamp:  now,
	})
}

func (wm *WorkflowManager) persist(ctx context.Context, workflowID string) {
	if wf, ok := wm.get(workflowID); ok {
		wm.e.save(ctx, WorkflowKeyPrefix+workflowID, wf)
	}
}

// restore reloads workflow records saved by a previous engine.
func (wm *WorkflowManager) restore(ctx context.Context) error {
	p := wm.e.cfg.Persistence
	keys, err := p.Keys(ctx, WorkflowKeyPrefix)
	if err != nil {
		return fmt.Errorf("list workflow records: %w", err)
	}

	var restored []string
	for _, key := range keys {
		var wf Workflow
		if err := p.Load(ctx, key, &wf); err != nil {
			wm.e.log.Warn("skipping unreadable workflow record", "key", key, "error", err.Error())
			continue
		}
		wm.mu.Lock()
		if _, exists := wm.workflows[wf.ID]; !exists {
			wm.workflows[wf.ID] = &wf
			restored = append(restored, wf.ID)
		}
		wm.mu.Unlock()
	}
	for _, id := range restored {
		wm.memberChanged(ctx, id)
	}
	return nil
}
