package scheduler

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/taskcore/internal/events"
	"github.com/aristath/taskcore/internal/executor"
)

// execute runs one attempt of a task. It is the body of the per-task
// goroutine started by dispatch.
func (e *Engine) execute(rt *runningTask) {
	task, ok := e.registry.Get(rt.taskID)
	if !ok {
		return
	}
	ctx := context.WithoutCancel(rt.ctx)
	log := e.log.WithTask(rt.taskID).With("execution_id", rt.execID, "attempt", rt.attempt)
	log.Info("task started", "type", task.Type)

	e.emit(events.TopicTask, events.TaskStartedEvent{
		ID:          task.ID,
		Type:        task.Type,
		ExecutionID: rt.execID,
		Attempt:     rt.attempt,
		Timestamp:   rt.startedAt,
	})
	if n := len(task.Checkpoints); n > 0 {
		e.emitCheckpoint(task.ID, task.Checkpoints[n-1])
	}
	e.persistTask(ctx, task.ID)
	e.persistExecution(ctx, task.ID, rt.execID)
	e.workflows.memberChanged(ctx, rt.workflowID)

	job := executor.Job{
		TaskID:      task.ID,
		ExecutionID: rt.execID,
		Type:        task.Type,
		Description: task.Description,
		Attempt:     rt.attempt,
		Variables:   maps.Clone(task.Metadata.Variables),
		State:       maps.Clone(task.State),
		Extra:       maps.Clone(task.Metadata.Extra),
	}

	result, err := e.invoke(rt.ctx, job, rt.reporter)
	e.finish(rt, result, err)
}

// invoke calls the executor, turning a panic into an execution error.
func (e *Engine) invoke(ctx context.Context, job executor.Job, r executor.Reporter) (res executor.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("executor panic: %v", p)
		}
	}()
	return e.cfg.Executor.Execute(ctx, job, r)
}

// finish records the outcome of an attempt. Attempts already ended by a
// timeout, cancellation or resource loss are ignored.
func (e *Engine) finish(rt *runningTask, result executor.Result, runErr error) {
	ctx := context.WithoutCancel(rt.ctx)

	switch {
	case runErr == nil:
		e.complete(ctx, rt, result)

	case errors.Is(rt.ctx.Err(), context.Canceled):
		// The engine is shutting down; the attempt did not fail on its own.
		now := e.now()
		_, ok := e.leaveRunning(rt, func(t *Task) error {
			t.Status = TaskPending
			t.Progress = 0
			t.Duration += now.Sub(rt.startedAt)
			return nil
		})
		if !ok {
			return
		}
		e.log.WithTask(rt.taskID).Info("task interrupted by shutdown, returned to pending")
		e.persistTask(ctx, rt.taskID)
		e.persistExecution(ctx, rt.taskID, rt.execID)

	case rt.timeout > 0 && errors.Is(runErr, context.DeadlineExceeded):
		e.failRunning(ctx, rt, fmt.Errorf("%w after %s", ErrTimeout, rt.timeout), ErrorKindTimeout)

	default:
		kind := ErrorKindExecution
		if errors.Is(runErr, executor.ErrBreakerOpen) {
			kind = ErrorKindBreaker
		}
		e.failRunning(ctx, rt, runErr, kind)
	}
}

func (e *Engine) complete(ctx context.Context, rt *runningTask, result executor.Result) {
	now := e.now()
	var final TaskCheckpoint

	task, ok := e.leaveRunning(rt, func(t *Task) error {
		t.Status = TaskCompleted
		t.Progress = 100
		t.Duration += now.Sub(rt.startedAt)
		t.CompletedAt = &now
		t.NextRetryAt = nil

		res := executor.Result{
			Output:    maps.Clone(result.Output),
			Artifacts: append([]string(nil), result.Artifacts...),
		}
		t.Result = &res

		state := maps.Clone(t.State)
		if state == nil {
			state = make(map[string]any)
		}
		state["result"] = res.Output
		final = appendCheckpoint(t, now, "final result", state, res.Artifacts)
		return nil
	})
	if !ok {
		return
	}
	e.retry.Forget(task.ID)

	e.log.WithTask(task.ID).Info("task completed",
		"execution_id", rt.execID,
		"duration", task.Duration.String())

	e.emitCheckpoint(task.ID, final)
	e.emit(events.TopicTask, events.TaskCompletedEvent{
		ID:        task.ID,
		Result:    task.Result.Output,
		Duration:  task.Duration,
		Timestamp: now,
	})
	e.persistTask(ctx, task.ID)
	e.persistExecution(ctx, task.ID, rt.execID)
	e.workflows.memberChanged(ctx, rt.workflowID)
	e.notify()
}

// leaveRunning removes rt from the running set, applies fn to the task and
// releases its resources in one critical section, so the running count and
// ledger never disagree with task status. Returns false if rt is no longer
// the task's current execution.
func (e *Engine) leaveRunning(rt *runningTask, fn func(t *Task) error) (*Task, bool) {
	e.mu.Lock()
	cur, ok := e.running[rt.taskID]
	if !ok || cur.execID != rt.execID {
		e.mu.Unlock()
		return nil, false
	}
	delete(e.running, rt.taskID)
	rt.reporter.close()

	task, err := e.registry.Update(rt.taskID, fn)
	released := e.ledger.Release(rt.taskID)
	e.mu.Unlock()

	rt.cancel()

	if err != nil {
		e.log.WithTask(rt.taskID).Error("failed to record end of execution", "error", err.Error())
		return nil, false
	}
	if len(released) > 0 {
		e.log.WithTask(rt.taskID).Debug("resources released", "resources", released)
	}

	now := e.now()
	e.registry.UpdateExecution(rt.taskID, rt.execID, func(x *TaskExecution) {
		x.EndedAt = &now
		x.Status = task.Status
		x.Progress = task.Progress
	})
	return task, true
}

// failRunning ends a running attempt with an error. The retry decision is
// taken in the same update, so a task waiting for its next attempt is never
// observed as permanently failed.
func (e *Engine) failRunning(ctx context.Context, rt *runningTask, cause error, kind ErrorKind) {
	now := e.now()
	elapsed := now.Sub(rt.startedAt)

	var delay time.Duration
	task, ok := e.leaveRunning(rt, func(t *Task) error {
		t.Duration += elapsed
		markFailed(t, cause, kind, now)
		delay = e.scheduleRetry(t, now)
		return nil
	})
	if !ok {
		return
	}

	e.appendLog(rt.taskID, rt.execID, executor.LevelError, cause.Error())
	e.log.WithTask(rt.taskID).Warn("task failed",
		"execution_id", rt.execID,
		"attempt", rt.attempt,
		"kind", string(kind),
		"error", cause.Error())

	e.persistExecution(ctx, rt.taskID, rt.execID)
	e.afterFailure(ctx, task, cause, kind, delay, elapsed)
}

// scheduleRetry asks the retry manager for another attempt of a task that
// has just been marked failed. On success it counts the retry and sets
// NextRetryAt.
func (e *Engine) scheduleRetry(t *Task, now time.Time) time.Duration {
	delay, ok := e.retry.OnFailure(t)
	if !ok {
		return 0
	}
	t.Attempts++
	next := now.Add(delay)
	t.NextRetryAt = &next
	return delay
}

// afterFailure emits the failure and either arms the retry wakeup or reports
// the permanent failure to the owning workflow.
func (e *Engine) afterFailure(ctx context.Context, task *Task, cause error, kind ErrorKind, delay, elapsed time.Duration) {
	now := e.now()
	willRetry := task.NextRetryAt != nil
	attempt := task.Attempts + 1
	if willRetry {
		attempt = task.Attempts
	}

	e.emit(events.TopicTask, events.TaskFailedEvent{
		ID:        task.ID,
		Err:       cause,
		Kind:      string(kind),
		Attempt:   attempt,
		WillRetry: willRetry,
		Duration:  elapsed,
		Timestamp: now,
	})

	if willRetry {
		e.log.WithTask(task.ID).Info("retry scheduled", "retry", task.Attempts, "delay", delay.String())
		e.emit(events.TopicTask, events.TaskRetryingEvent{
			ID:        task.ID,
			Attempt:   task.Attempts,
			Delay:     delay,
			Timestamp: now,
		})
		time.AfterFunc(delay, e.notify)
	} else {
		e.retry.Forget(task.ID)
		e.log.WithTask(task.ID).Warn("task failed permanently", "attempts", task.Attempts, "error", cause.Error())
	}

	e.persistTask(ctx, task.ID)

	wfID := task.Metadata.WorkflowID
	if !willRetry && wfID != "" {
		if cur, ok := e.registry.Get(task.ID); ok && cur.Status == TaskFailed {
			e.workflows.taskFailed(ctx, cur)
		}
	}
	e.workflows.memberChanged(ctx, wfID)
	e.notify()
}

// appendCheckpoint adds a checkpoint to t. Timestamps are kept strictly
// increasing even if the clock does not advance between calls.
func appendCheckpoint(t *Task, now time.Time, description string, state map[string]any, artifacts []string) TaskCheckpoint {
	if n := len(t.Checkpoints); n > 0 {
		if last := t.Checkpoints[n-1].Timestamp; !now.After(last) {
			now = last.Add(time.Nanosecond)
		}
	}
	cp := TaskCheckpoint{
		ID:          uuid.NewString(),
		Timestamp:   now,
		Description: description,
		State:       maps.Clone(state),
		Artifacts:   append([]string(nil), artifacts...),
	}
	t.Checkpoints = append(t.Checkpoints, cp)
	return cp
}

func (e *Engine) emitCheckpoint(taskID string, cp TaskCheckpoint) {
	e.emit(events.TopicTask, events.TaskCheckpointEvent{
		ID:           taskID,
		CheckpointID: cp.ID,
		Description:  cp.Description,
		Timestamp:    cp.Timestamp,
	})
}

// checkpointRunning records a checkpoint on the task if execID is still its
// running execution. With replaceState the task state becomes state first.
func (e *Engine) checkpointRunning(taskID, execID, description string, state map[string]any, artifacts []string, replaceState bool) (TaskCheckpoint, bool) {
	var cp TaskCheckpoint
	_, err := e.registry.Update(taskID, func(t *Task) error {
		if t.Status != TaskRunning || t.ExecutionID != execID {
			return errStale
		}
		if replaceState {
			t.State = maps.Clone(state)
		}
		cp = appendCheckpoint(t, e.now(), description, t.State, artifacts)
		return nil
	})
	return cp, err == nil
}

// appendLog adds an entry to an execution log, evicting the oldest entries
// beyond the configured bound.
func (e *Engine) appendLog(taskID, execID string, level executor.Level, msg string) (LogEntry, bool) {
	entry := LogEntry{Timestamp: e.now(), Level: level, Message: msg}
	limit := e.cfg.MaxLogEntries
	_, ok := e.registry.UpdateExecution(taskID, execID, func(x *TaskExecution) {
		x.Logs = append(x.Logs, entry)
		if over := len(x.Logs) - limit; over > 0 {
			x.Logs = append([]LogEntry(nil), x.Logs[over:]...)
			x.Dropped += over
		}
	})
	return entry, ok
}

// reporter is the executor.Reporter handed to one execution. It stops
// accepting reports once the execution has ended.
type reporter struct {
	e      *Engine
	taskID string
	execID string

	mu           sync.Mutex
	closed       bool
	progress     int
	thresholdHit bool
}

func newReporter(e *Engine, rt *runningTask) *reporter {
	return &reporter{e: e, taskID: rt.taskID, execID: rt.execID}
}

func (r *reporter) close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// Progress implements executor.Reporter. Reports are clamped to 0-100 and
// never move backwards.
func (r *reporter) Progress(percent int, m *executor.Metrics) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}

	percent = min(max(percent, 0), 100)
	if percent < r.progress {
		percent = r.progress
	}
	r.progress = percent

	_, err := r.e.registry.Update(r.taskID, func(t *Task) error {
		if t.Status != TaskRunning || t.ExecutionID != r.execID {
			return errStale
		}
		t.Progress = percent
		return nil
	})
	if err != nil {
		r.mu.Unlock()
		return
	}

	var sample executor.Metrics
	r.e.registry.UpdateExecution(r.taskID, r.execID, func(x *TaskExecution) {
		x.Progress = percent
		if m != nil {
			x.Metrics = cloneMetrics(*m)
			x.PeakMetrics = peakMetrics(x.PeakMetrics, *m)
		}
		sample = x.Metrics
	})

	var cp TaskCheckpoint
	cpOK := false
	if th := r.e.cfg.CheckpointThreshold; !r.thresholdHit && th > 0 && th < 100 && percent >= th {
		r.thresholdHit = true
		cp, cpOK = r.e.checkpointRunning(r.taskID, r.execID, fmt.Sprintf("progress %d%%", th), nil, nil, false)
	}
	r.mu.Unlock()

	r.e.emit(events.TopicTask, events.TaskProgressEvent{
		ID:        r.taskID,
		Progress:  percent,
		CPU:       sample.CPU,
		Memory:    sample.Memory,
		Timestamp: r.e.now(),
	})
	if cpOK {
		r.e.emitCheckpoint(r.taskID, cp)
		r.e.persistTask(context.Background(), r.taskID)
	}
}

// Log implements executor.Reporter.
func (r *reporter) Log(level executor.Level, msg string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	entry, ok := r.e.appendLog(r.taskID, r.execID, level, msg)
	r.mu.Unlock()

	if ok {
		r.e.emit(events.TopicTask, events.TaskOutputEvent{
			ID:        r.taskID,
			Level:     string(entry.Level),
			Line:      entry.Message,
			Timestamp: entry.Timestamp,
		})
	}
}

// Checkpoint implements executor.Reporter. The snapshot becomes the task state.
func (r *reporter) Checkpoint(description string, state map[string]any, artifacts ...string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	cp, ok := r.e.checkpointRunning(r.taskID, r.execID, description, state, artifacts, true)
	r.mu.Unlock()

	if ok {
		r.e.emitCheckpoint(r.taskID, cp)
		r.e.persistTask(context.Background(), r.taskID)
	}
}

func cloneMetrics(m executor.Metrics) executor.Metrics {
	m.Custom = maps.Clone(m.Custom)
	return m
}

func peakMetrics(peak, sample executor.Metrics) executor.Metrics {
	peak.CPU = max(peak.CPU, sample.CPU)
	peak.Memory = max(peak.Memory, sample.Memory)
	peak.Disk = max(peak.Disk, sample.Disk)
	peak.Network = max(peak.Network, sample.Network)
	if len(sample.Custom) > 0 {
		merged := maps.Clone(peak.Custom)
		if merged == nil {
			merged = make(map[string]float64, len(sample.Custom))
		}
		for k, v := range sample.Custom {
			if cur, ok := merged[k]; !ok || v > cur {
				merged[k] = v
			}
		}
		peak.Custom = merged
	}
	return peak
}
