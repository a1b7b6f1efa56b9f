package scheduler

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/taskcore/internal/events"
	"github.com/aristath/taskcore/internal/executor"
	"github.com/aristath/taskcore/internal/logging"
)

// Persistence is the key/value collaborator records are saved to after
// every significant mutation. Saving is best-effort: failures are logged.
type Persistence interface {
	Save(ctx context.Context, key string, record any) error
	Load(ctx context.Context, key string, dest any) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// EventSink receives lifecycle events. Publish must not block.
type EventSink interface {
	Publish(topic string, event events.Event)
}

// Persistence key prefixes.
const (
	TaskKeyPrefix      = "task/"
	ExecutionKeyPrefix = "execution/"
	WorkflowKeyPrefix  = "workflow/"
)

const persistTimeout = 5 * time.Second

// Config configures an Engine. Zero values take the defaults noted per field.
type Config struct {
	MaxConcurrent       int           // Running slots (default 4)
	TickInterval        time.Duration // Scheduler tick (default 1s)
	CheckpointThreshold int           // Progress mark for the intermediate checkpoint (default 50, <0 disables)
	MaxLogEntries       int           // Per-execution log bound (default 1000)
	DefaultRetry        RetryPolicy   // Applied when a task spec has no retry policy
	DefaultTimeout      time.Duration // Applied when a task spec has no timeout

	Executor    executor.Executor
	ExecutorID  string // Recorded as AssignedTo (default "local")
	Persistence Persistence
	Events      EventSink
	Logger      *logging.Logger
	Now         func() time.Time
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.CheckpointThreshold == 0 {
		c.CheckpointThreshold = 50
	}
	if c.MaxLogEntries <= 0 {
		c.MaxLogEntries = 1000
	}
	if c.DefaultRetry.Multiplier <= 0 {
		c.DefaultRetry.Multiplier = 2
	}
	if c.ExecutorID == "" {
		c.ExecutorID = "local"
	}
	if c.Logger == nil {
		c.Logger = logging.NopLogger()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// RollbackHandler restores a task for the custom rollback strategy. The
// returned state, if non-nil, replaces the task state.
type RollbackHandler interface {
	Rollback(ctx context.Context, task *Task) (map[string]any, error)
}

// RollbackFunc adapts a function to RollbackHandler.
type RollbackFunc func(ctx context.Context, task *Task) (map[string]any, error)

// Rollback calls f.
func (f RollbackFunc) Rollback(ctx context.Context, task *Task) (map[string]any, error) {
	return f(ctx, task)
}

// runningTask is the engine's handle on one in-flight execution.
type runningTask struct {
	taskID     string
	execID     string
	attempt    int
	workflowID string
	startedAt  time.Time
	timeout    time.Duration
	ctx        context.Context
	cancel     context.CancelFunc
	reporter   *reporter
}

// Engine schedules tasks onto a bounded pool of execution slots.
type Engine struct {
	cfg       Config
	log       *logging.Logger
	registry  *Registry
	graph     *Graph
	ledger    *ResourceLedger
	retry     *RetryManager
	workflows *WorkflowManager

	createMu sync.Mutex // Serializes graph validation with insertion

	mu          sync.Mutex // Guards queue, running and peakRunning
	queue       *readyQueue
	running     map[string]*runningTask
	peakRunning int

	ticking atomic.Bool
	wake    chan struct{}

	lifeMu  sync.Mutex
	group   *errgroup.Group
	gctx    context.Context
	cancel  context.CancelFunc
	started bool
	stopped bool

	handlersMu sync.RWMutex
	handlers   map[string]RollbackHandler
}

// New creates an engine. The executor is required.
func New(cfg Config) (*Engine, error) {
	if cfg.Executor == nil {
		return nil, errors.New("scheduler: executor is required")
	}
	cfg.applyDefaults()

	e := &Engine{
		cfg:      cfg,
		log:      cfg.Logger,
		registry: NewRegistry(),
		graph:    NewGraph(),
		ledger:   NewResourceLedger(),
		retry:    NewRetryManager(),
		queue:    newReadyQueue(),
		running:  make(map[string]*runningTask),
		wake:     make(chan struct{}, 1),
		handlers: make(map[string]RollbackHandler),
	}
	e.workflows = newWorkflowManager(e)
	return e, nil
}

// TaskSpec describes a task to create.
type TaskSpec struct {
	ID               string // Generated when empty
	Type             string
	Description      string
	Tags             []string
	Priority         int
	Schedule         *Schedule
	Dependencies     []TaskDependency
	Resources        []ResourceRequirement
	RetryPolicy      *RetryPolicy // nil uses the engine default
	Timeout          time.Duration
	RollbackStrategy RollbackStrategy
	RollbackHandler  string
	Variables        map[string]string
	Extra            map[string]any
	State            map[string]any // Initial state snapshot
}

// buildTask validates spec and turns it into a pending task.
func (e *Engine) buildTask(spec TaskSpec, workflowID string, now time.Time) (*Task, error) {
	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}
	invalid := func(format string, args ...any) error {
		return taskErr("create", id, fmt.Errorf("%w: %s", ErrInvalidTask, fmt.Sprintf(format, args...)))
	}

	deps := make([]TaskDependency, 0, len(spec.Dependencies))
	for _, d := range spec.Dependencies {
		if d.TaskID == "" {
			return nil, invalid("dependency without task id")
		}
		if d.Type == "" {
			d.Type = FinishToStart
		}
		if !d.Type.Valid() {
			return nil, invalid("unknown dependency type %q", d.Type)
		}
		if d.Lag < 0 {
			return nil, invalid("negative lag on dependency %q", d.TaskID)
		}
		deps = append(deps, d)
	}

	resources := make([]ResourceRequirement, 0, len(spec.Resources))
	for _, r := range spec.Resources {
		if r.ResourceID == "" {
			return nil, invalid("resource requirement without resource id")
		}
		if r.Quantity <= 0 {
			r.Quantity = 1
		}
		resources = append(resources, r)
	}

	policy := e.cfg.DefaultRetry
	if spec.RetryPolicy != nil {
		policy = *spec.RetryPolicy
	}
	if policy.MaxAttempts < 0 || policy.Backoff < 0 || policy.MaxBackoff < 0 {
		return nil, invalid("retry policy values must not be negative")
	}
	if policy.Multiplier == 0 {
		policy.Multiplier = 2
	}
	if policy.Multiplier < 1 {
		return nil, invalid("retry multiplier must be at least 1, got %v", policy.Multiplier)
	}

	timeout := spec.Timeout
	if timeout < 0 {
		return nil, invalid("negative timeout")
	}
	if timeout == 0 {
		timeout = e.cfg.DefaultTimeout
	}

	strategy := spec.RollbackStrategy
	switch strategy {
	case "":
		strategy = RollbackPreviousCheckpoint
	case RollbackPreviousCheckpoint, RollbackInitialState:
	case RollbackCustom:
		if spec.RollbackHandler == "" {
			return nil, invalid("custom rollback needs a handler name")
		}
	default:
		return nil, invalid("unknown rollback strategy %q", strategy)
	}

	if s := spec.Schedule; s != nil && s.StartTime != nil && s.Deadline != nil && s.Deadline.Before(*s.StartTime) {
		return nil, invalid("deadline before start time")
	}

	task := &Task{
		ID:          id,
		CreatedAt:   now,
		Type:        spec.Type,
		Description: spec.Description,
		Tags:        append([]string(nil), spec.Tags...),
		Metadata: TaskMetadata{
			WorkflowID: workflowID,
			Variables:  maps.Clone(spec.Variables),
			Extra:      maps.Clone(spec.Extra),
		},
		Priority:         spec.Priority,
		Deps:             deps,
		Resources:        resources,
		RetryPolicy:      policy,
		Timeout:          timeout,
		RollbackStrategy: strategy,
		RollbackHandler:  spec.RollbackHandler,
		Status:           TaskPending,
		State:            maps.Clone(spec.State),
	}
	if spec.Schedule != nil {
		s := *spec.Schedule
		task.Schedule = &s
	}
	return task, nil
}

// CreateTask validates and registers a task. Dependencies must refer to
// registered tasks and may not form a cycle.
func (e *Engine) CreateTask(ctx context.Context, spec TaskSpec) (*Task, error) {
	task, err := e.buildTask(spec, "", e.now())
	if err != nil {
		return nil, err
	}
	if err := e.register(ctx, []*Task{task}); err != nil {
		return nil, err
	}
	created, _ := e.registry.Get(task.ID)
	return created, nil
}

// register validates a batch against the graph and inserts it atomically.
func (e *Engine) register(ctx context.Context, tasks []*Task) error {
	if e.isStopped() {
		return ErrEngineStopped
	}

	e.createMu.Lock()
	if err := e.graph.Validate(tasks); err != nil {
		e.createMu.Unlock()
		return err
	}
	if err := e.registry.InsertAll(tasks); err != nil {
		e.createMu.Unlock()
		return err
	}
	for _, t := range tasks {
		e.graph.AddTask(t)
	}
	e.createMu.Unlock()

	for _, t := range tasks {
		e.log.WithTask(t.ID).Debug("task created", "type", t.Type, "priority", t.Priority)
		e.emit(events.TopicTask, events.TaskCreatedEvent{
			ID:         t.ID,
			Type:       t.Type,
			Priority:   t.Priority,
			WorkflowID: t.Metadata.WorkflowID,
			Timestamp:  t.CreatedAt,
		})
		e.persistTask(ctx, t.ID)
	}
	e.notify()
	return nil
}

// RegisterResource adds a resource to the ledger or updates its capacity.
func (e *Engine) RegisterResource(id string, capacity int) error {
	if err := e.ledger.Register(id, capacity); err != nil {
		return err
	}
	e.notify()
	return nil
}

// UnregisterResource removes a resource. Running tasks holding it fail with
// ErrResourceLost and are handed to the retry manager.
func (e *Engine) UnregisterResource(ctx context.Context, id string) {
	holders := e.ledger.Unregister(id)

	e.mu.Lock()
	var lost []*runningTask
	for _, taskID := range holders {
		if rt, ok := e.running[taskID]; ok {
			lost = append(lost, rt)
		}
	}
	e.mu.Unlock()

	for _, rt := range lost {
		e.failRunning(ctx, rt, fmt.Errorf("%w: %q", ErrResourceLost, id), ErrorKindResource)
	}
	e.notify()
}

// ResourceStatus returns a snapshot of one resource.
func (e *Engine) ResourceStatus(id string) (ResourceStatus, bool) {
	return e.ledger.Status(id)
}

// Resources returns snapshots of every registered resource.
func (e *Engine) Resources() []ResourceStatus {
	return e.ledger.All()
}

// RegisterRollbackHandler binds a name usable as Task.RollbackHandler.
func (e *Engine) RegisterRollbackHandler(name string, h RollbackHandler) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.handlers[name] = h
}

func (e *Engine) rollbackHandler(name string) (RollbackHandler, bool) {
	e.handlersMu.RLock()
	defer e.handlersMu.RUnlock()
	h, ok := e.handlers[name]
	return h, ok
}

// Start launches the scheduler loop. It returns immediately; the loop runs
// until ctx is cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	if e.stopped {
		return ErrEngineStopped
	}
	if e.started {
		return errors.New("scheduler: engine already started")
	}
	e.ensureGroupLocked()
	e.started = true

	stopOnCancel := context.AfterFunc(ctx, e.cancel)
	gctx := e.gctx
	e.group.Go(func() error {
		defer stopOnCancel()
		e.loop(gctx)
		return nil
	})

	e.log.Info("engine started",
		"max_concurrent", e.cfg.MaxConcurrent,
		"tick_interval", e.cfg.TickInterval.String())
	return nil
}

// Stop cancels the loop and all running executions, then waits for them.
// Interrupted tasks return to pending so a later Restore can resume them.
func (e *Engine) Stop() error {
	e.lifeMu.Lock()
	if e.stopped {
		e.lifeMu.Unlock()
		return nil
	}
	e.stopped = true
	e.ensureGroupLocked()
	e.cancel()
	group := e.group
	e.lifeMu.Unlock()

	err := group.Wait()
	e.log.Info("engine stopped")
	return err
}

func (e *Engine) isStopped() bool {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	return e.stopped
}

// ensureGroupLocked lazily creates the goroutine group so Tick can dispatch
// without Start. Caller holds lifeMu.
func (e *Engine) ensureGroupLocked() {
	if e.group != nil {
		return
	}
	e.gctx, e.cancel = context.WithCancel(context.Background())
	e.group = &errgroup.Group{}
}

func (e *Engine) lifecycle() (*errgroup.Group, context.Context, bool) {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.stopped {
		return nil, nil, false
	}
	e.ensureGroupLocked()
	return e.group, e.gctx, true
}

func (e *Engine) loop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	e.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.wake:
		}
		e.Tick(ctx)
	}
}

// notify asks the loop for a prompt tick without waiting for the ticker.
func (e *Engine) notify() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Tick runs one scheduler iteration: promote due retries, admit ready tasks,
// dispatch into free slots and sweep timeouts. A tick that starts while
// another is still running is skipped.
func (e *Engine) Tick(ctx context.Context) {
	if !e.ticking.CompareAndSwap(false, true) {
		e.log.Debug("tick skipped, previous tick still running")
		return
	}
	defer e.ticking.Store(false)

	now := e.now()
	e.promoteRetries(ctx, now)
	e.admitReady(ctx, now)
	e.dispatch(ctx)
	e.sweepTimeouts(ctx, e.now())
}

// promoteRetries moves failed tasks whose retry delay has elapsed back to pending.
func (e *Engine) promoteRetries(ctx context.Context, now time.Time) {
	due := e.registry.Filter(func(t *Task) bool {
		return t.Status == TaskFailed && t.NextRetryAt != nil && !now.Before(*t.NextRetryAt)
	})
	for _, t := range due {
		_, err := e.registry.Update(t.ID, func(t *Task) error {
			if t.Status != TaskFailed || t.NextRetryAt == nil {
				return errStale
			}
			t.Status = TaskPending
			t.NextRetryAt = nil
			t.Metadata.Error = ""
			t.Metadata.ErrorKind = ""
			t.Metadata.FailedAt = nil
			return nil
		})
		if err != nil {
			continue
		}
		e.log.WithTask(t.ID).Debug("retry due, task pending again", "attempt", t.Attempts)
		e.persistTask(ctx, t.ID)
	}
}

// admitReady queues every pending task whose start time has arrived, whose
// dependencies are satisfied and whose resources are currently available.
func (e *Engine) admitReady(ctx context.Context, now time.Time) {
	for _, t := range e.registry.ByStatus(TaskPending) {
		if e.workflows.halted(t.Metadata.WorkflowID) {
			continue
		}
		if s := t.Schedule; s != nil {
			if s.Deadline != nil && now.After(*s.Deadline) {
				e.failPending(ctx, t.ID, ErrDeadlineExceeded, ErrorKindTimeout)
				continue
			}
			if s.StartTime != nil && now.Before(*s.StartTime) {
				continue
			}
		}

		met, err := AreDependenciesMet(t, e.registry.Get, now)
		if err != nil {
			e.failPending(ctx, t.ID, err, ErrorKindDependency)
			continue
		}
		if !met || !e.ledger.Available(t.ID, t.Resources) {
			continue
		}

		queued, err := e.registry.Update(t.ID, func(t *Task) error {
			if t.Status != TaskPending {
				return errStale
			}
			t.Status = TaskQueued
			return nil
		})
		if err != nil {
			continue
		}

		e.mu.Lock()
		e.queue.enqueue(queued.ID, queued.Priority)
		e.mu.Unlock()

		e.log.WithTask(queued.ID).Debug("task queued", "priority", queued.Priority)
		e.persistTask(ctx, queued.ID)
	}
}

// dispatch pops queued tasks into free running slots. Tasks whose resources
// were taken since admission, or whose workflow is at its concurrency cap,
// keep their place in the queue.
func (e *Engine) dispatch(ctx context.Context) {
	group, gctx, ok := e.lifecycle()
	if !ok {
		return
	}

	var started []*runningTask

	e.mu.Lock()
	var deferred []*queueItem
	for len(e.running) < e.cfg.MaxConcurrent {
		item := e.queue.next()
		if item == nil {
			break
		}
		task, exists := e.registry.Get(item.taskID)
		if !exists || task.Status != TaskQueued {
			continue
		}
		if !e.workflowSlotFreeLocked(task.Metadata.WorkflowID) {
			deferred = append(deferred, item)
			continue
		}
		if !e.ledger.Acquire(task.ID, task.Resources) {
			deferred = append(deferred, item)
			continue
		}

		rt, err := e.startLocked(gctx, task)
		if err != nil {
			e.ledger.Release(task.ID)
			continue
		}
		started = append(started, rt)
	}
	for _, item := range deferred {
		e.queue.requeue(item)
	}
	if n := len(e.running); n > e.peakRunning {
		e.peakRunning = n
	}
	e.mu.Unlock()

	for _, rt := range started {
		rt := rt
		group.Go(func() error {
			e.execute(rt)
			return nil
		})
	}
}

func (e *Engine) workflowSlotFreeLocked(workflowID string) bool {
	if workflowID == "" {
		return true
	}
	limit := e.workflows.maxConcurrent(workflowID)
	if limit <= 0 {
		return true
	}
	n := 0
	for _, rt := range e.running {
		if rt.workflowID == workflowID {
			n++
		}
	}
	return n < limit
}

// startLocked moves a queued task to running, records the execution and the
// initial checkpoint. Caller holds e.mu.
func (e *Engine) startLocked(parent context.Context, task *Task) (*runningTask, error) {
	now := e.now()
	execID := uuid.NewString()
	attempt := task.Attempts + 1

	_, err := e.registry.Update(task.ID, func(t *Task) error {
		if t.Status != TaskQueued {
			return errStale
		}
		t.Status = TaskRunning
		t.Progress = 0
		t.StartedAt = &now
		t.CompletedAt = nil
		t.AssignedTo = e.cfg.ExecutorID
		t.ExecutionID = execID
		appendCheckpoint(t, now, "initial state", t.State, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.registry.AddExecution(&TaskExecution{
		ID:         execID,
		TaskID:     task.ID,
		ExecutorID: e.cfg.ExecutorID,
		Attempt:    attempt,
		StartedAt:  now,
		Status:     TaskRunning,
	})

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, task.Timeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}

	rt := &runningTask{
		taskID:     task.ID,
		execID:     execID,
		attempt:    attempt,
		workflowID: task.Metadata.WorkflowID,
		startedAt:  now,
		timeout:    task.Timeout,
		ctx:        ctx,
		cancel:     cancel,
	}
	rt.reporter = newReporter(e, rt)
	e.running[task.ID] = rt
	return rt, nil
}

// sweepTimeouts fails running tasks that exceeded their timeout.
func (e *Engine) sweepTimeouts(ctx context.Context, now time.Time) {
	e.mu.Lock()
	var expired []*runningTask
	for _, rt := range e.running {
		if rt.timeout > 0 && now.Sub(rt.startedAt) > rt.timeout {
			expired = append(expired, rt)
		}
	}
	e.mu.Unlock()

	sort.Slice(expired, func(i, j int) bool { return expired[i].startedAt.Before(expired[j].startedAt) })
	for _, rt := range expired {
		e.failRunning(ctx, rt, fmt.Errorf("%w after %s", ErrTimeout, rt.timeout), ErrorKindTimeout)
	}
}

// failPending fails a task that never started. Such failures are not retried.
func (e *Engine) failPending(ctx context.Context, taskID string, cause error, kind ErrorKind) {
	now := e.now()
	task, err := e.registry.Update(taskID, func(t *Task) error {
		if t.Status != TaskPending {
			return errStale
		}
		markFailed(t, cause, kind, now)
		return nil
	})
	if err != nil {
		return
	}
	e.log.WithTask(taskID).Warn("task failed before start", "error", cause.Error(), "kind", string(kind))
	e.afterFailure(ctx, task, cause, kind, 0, 0)
}

func markFailed(t *Task, cause error, kind ErrorKind, now time.Time) {
	t.Status = TaskFailed
	t.NextRetryAt = nil
	t.Metadata.Error = cause.Error()
	t.Metadata.ErrorKind = kind
	t.Metadata.FailedAt = &now
}

// Stats summarizes the engine.
type Stats struct {
	Total       int            `json:"total"`
	ByStatus    map[string]int `json:"by_status"`
	Running     int            `json:"running"`
	Queued      int            `json:"queued"`
	Retrying    int            `json:"retrying"`
	PeakRunning int            `json:"peak_running"`
	Workflows   int            `json:"workflows"`
}

// Stats returns task counts per status plus slot usage.
func (e *Engine) Stats() Stats {
	st := Stats{ByStatus: make(map[string]int)}
	for _, t := range e.registry.Tasks() {
		st.Total++
		st.ByStatus[t.Status.String()]++
		if t.Status == TaskFailed && t.NextRetryAt != nil {
			st.Retrying++
		}
	}

	e.mu.Lock()
	st.Running = len(e.running)
	st.Queued = e.queue.Len()
	st.PeakRunning = e.peakRunning
	e.mu.Unlock()

	st.Workflows = len(e.workflows.list())
	return st
}

// Idle reports whether no task can still make progress on its own: nothing
// is pending, queued, running or waiting for a retry.
func (e *Engine) Idle() bool {
	busy := e.registry.Filter(func(t *Task) bool {
		switch t.Status {
		case TaskPending, TaskQueued, TaskRunning:
			return true
		case TaskFailed:
			return t.NextRetryAt != nil
		}
		return false
	})
	return len(busy) == 0
}

// Restore reloads task and workflow records from persistence. Tasks that
// were queued or running when saved come back as pending. Tasks already
// registered are skipped. Returns the number of tasks restored.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	if e.cfg.Persistence == nil {
		return 0, nil
	}

	keys, err := e.cfg.Persistence.Keys(ctx, TaskKeyPrefix)
	if err != nil {
		return 0, fmt.Errorf("list task records: %w", err)
	}

	var tasks []*Task
	for _, key := range keys {
		var t Task
		if err := e.cfg.Persistence.Load(ctx, key, &t); err != nil {
			e.log.Warn("skipping unreadable task record", "key", key, "error", err.Error())
			continue
		}
		if _, exists := e.registry.Get(t.ID); exists {
			continue
		}
		if t.Status == TaskQueued || t.Status == TaskRunning {
			t.Status = TaskPending
			t.Progress = 0
		}
		tasks = append(tasks, &t)
	}
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })

	e.createMu.Lock()
	for _, t := range tasks {
		if err := e.registry.Insert(t); err != nil {
			e.createMu.Unlock()
			return 0, err
		}
		e.graph.AddTask(t)
	}
	e.createMu.Unlock()

	if err := e.workflows.restore(ctx); err != nil {
		return len(tasks), err
	}

	e.log.Info("restored tasks from persistence", "count", len(tasks))
	e.notify()
	return len(tasks), nil
}

// errStale aborts a registry update whose precondition no longer holds.
var errStale = errors.New("stale transition")

func (e *Engine) now() time.Time {
	return e.cfg.Now()
}

func (e *Engine) emit(topic string, ev events.Event) {
	if e.cfg.Events != nil {
		e.cfg.Events.Publish(topic, ev)
	}
}

func (e *Engine) persistTask(ctx context.Context, taskID string) {
	task, ok := e.registry.Get(taskID)
	if !ok {
		return
	}
	e.save(ctx, TaskKeyPrefix+taskID, task)
}

func (e *Engine) persistExecution(ctx context.Context, taskID, execID string) {
	for _, ex := range e.registry.Executions(taskID) {
		if ex.ID == execID {
			e.save(ctx, ExecutionKeyPrefix+execID, ex)
			return
		}
	}
}

func (e *Engine) save(ctx context.Context, key string, record any) {
	if e.cfg.Persistence == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := e.cfg.Persistence.Save(pctx, key, record); err != nil {
		e.log.Warn("failed to persist record", "key", key, "error", err.Error())
	}
}
