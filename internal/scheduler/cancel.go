package scheduler

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/aristath/taskcore/internal/events"
)

var errAlreadyCancelled = errors.New("already cancelled")

// CancelTask cancels a task and, transitively, every dependent that is still
// pending or queued. Each task is cancelled at most once per call even when
// several dependency paths lead to it. Cancelling a completed task is an
// error; cancelling an already cancelled task is a no-op.
//
// Cancellation is cooperative: a running execution is detached and its
// context cancelled, but the executor may take a moment to notice.
func (e *Engine) CancelTask(ctx context.Context, taskID, reason string, rollback bool) error {
	task, ok := e.registry.Get(taskID)
	if !ok {
		return taskErr("cancel", taskID, ErrTaskNotFound)
	}
	if task.Status == TaskCompleted {
		return taskErr("cancel", taskID, ErrTaskCompleted)
	}

	err := e.cancelCascade(ctx, taskID, reason, rollback, make(map[string]bool))
	e.notify()
	if errors.Is(err, ErrTaskCompleted) {
		return taskErr("cancel", taskID, err)
	}
	return nil
}

func (e *Engine) cancelCascade(ctx context.Context, taskID, reason string, rollback bool, visited map[string]bool) error {
	if visited[taskID] {
		return nil
	}
	visited[taskID] = true

	if err := e.cancelOne(ctx, taskID, reason, rollback); err != nil {
		if errors.Is(err, errAlreadyCancelled) {
			return nil
		}
		return err
	}

	for _, depID := range e.graph.DependentsOf(taskID) {
		dep, ok := e.registry.Get(depID)
		if !ok || (dep.Status != TaskPending && dep.Status != TaskQueued) {
			continue
		}
		if err := e.cancelCascade(ctx, depID, reason, rollback, visited); err != nil && !errors.Is(err, ErrTaskCompleted) {
			e.log.WithTask(depID).Warn("cascade cancellation failed", "error", err.Error())
		}
	}
	return nil
}

// cancelOne cancels a single task: detaches a running execution, drops it
// from the ready queue, releases its resources and applies rollback.
func (e *Engine) cancelOne(ctx context.Context, taskID, reason string, rollback bool) error {
	now := e.now()

	e.mu.Lock()
	rt := e.running[taskID]
	task, err := e.registry.Update(taskID, func(t *Task) error {
		switch t.Status {
		case TaskCompleted:
			return ErrTaskCompleted
		case TaskCancelled:
			return errAlreadyCancelled
		}
		if rt != nil {
			t.Duration += now.Sub(rt.startedAt)
		}
		t.Status = TaskCancelled
		t.NextRetryAt = nil
		t.Metadata.CancelReason = reason
		t.Metadata.CancelledAt = &now
		return nil
	})
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if rt != nil {
		delete(e.running, taskID)
		rt.reporter.close()
	}
	e.queue.remove(taskID)
	released := e.ledger.Release(taskID)
	e.mu.Unlock()

	log := e.log.WithTask(taskID)
	if rt != nil {
		rt.cancel()
		e.registry.UpdateExecution(taskID, rt.execID, func(x *TaskExecution) {
			x.EndedAt = &now
			x.Status = TaskCancelled
		})
		e.persistExecution(ctx, taskID, rt.execID)
	}
	if len(released) > 0 {
		log.Debug("resources released", "resources", released)
	}
	e.retry.Forget(taskID)

	rolledBack := false
	if rollback {
		rolledBack = e.rollback(ctx, task)
	}

	log.Info("task cancelled", "reason", reason, "rollback", rollback)
	e.emit(events.TopicTask, events.TaskCancelledEvent{
		ID:         taskID,
		Reason:     reason,
		RolledBack: rolledBack,
		Timestamp:  now,
	})
	e.persistTask(ctx, taskID)
	e.workflows.memberChanged(ctx, task.Metadata.WorkflowID)
	return nil
}

// rollback restores task state according to its rollback strategy. Handler
// failures are logged and recorded but never block the cancellation.
func (e *Engine) rollback(ctx context.Context, task *Task) bool {
	log := e.log.WithTask(task.ID)

	var (
		state   map[string]any
		restore bool
		rbErr   error
	)
	switch task.RollbackStrategy {
	case RollbackInitialState:
		restore = true
		if len(task.Checkpoints) > 0 {
			state = task.Checkpoints[0].State
		}
	case RollbackCustom:
		h, ok := e.rollbackHandler(task.RollbackHandler)
		if !ok {
			rbErr = fmt.Errorf("no rollback handler registered as %q", task.RollbackHandler)
			break
		}
		state, rbErr = h.Rollback(ctx, task)
		restore = rbErr == nil && state != nil
	default:
		if n := len(task.Checkpoints); n > 0 {
			state = task.Checkpoints[n-1].State
			restore = true
		}
	}

	if rbErr != nil {
		log.Error("rollback failed", "strategy", string(task.RollbackStrategy), "error", rbErr.Error())
	}
	if !restore && rbErr == nil {
		return false
	}

	_, err := e.registry.Update(task.ID, func(t *Task) error {
		if rbErr != nil {
			t.Metadata.RollbackError = rbErr.Error()
			return nil
		}
		t.State = maps.Clone(state)
		if t.State == nil {
			t.State = map[string]any{}
		}
		return nil
	})
	if err != nil {
		return false
	}
	if rbErr == nil {
		log.Debug("state rolled back", "strategy", string(task.RollbackStrategy))
	}
	return rbErr == nil
}
