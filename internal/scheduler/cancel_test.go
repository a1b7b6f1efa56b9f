package scheduler

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/aristath/taskcore/internal/events"
	"github.com/aristath/taskcore/internal/executor"
)

func TestCancelErrors(t *testing.T) {
	e, _ := newTestEngine(t, &executor.Simulated{}, nil)
	ctx := context.Background()

	if err := e.CancelTask(ctx, "ghost", "test", false); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("cancel unknown = %v, want ErrTaskNotFound", err)
	}

	mustCreate(t, e, TaskSpec{ID: "done"})
	e.Tick(ctx)
	waitStatus(t, e, "done", TaskCompleted)

	err := e.CancelTask(ctx, "done", "test", false)
	if !errors.Is(err, ErrTaskCompleted) {
		t.Errorf("cancel completed = %v, want ErrTaskCompleted", err)
	}
	var te *TaskError
	if !errors.As(err, &te) || te.TaskID != "done" || te.Op != "cancel" {
		t.Errorf("expected TaskError for done, got %#v", err)
	}
	if s := statusOf(t, e, "done"); s != TaskCompleted {
		t.Errorf("completed task changed to %s", s)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	e, rec := newTestEngine(t, newGate(), nil)
	ctx := context.Background()

	mustCreate(t, e, TaskSpec{ID: "a"})
	if err := e.CancelTask(ctx, "a", "first", false); err != nil {
		t.Fatal(err)
	}
	if err := e.CancelTask(ctx, "a", "second", false); err != nil {
		t.Fatalf("second cancel = %v, want nil", err)
	}

	task, _ := e.GetTask("a")
	if task.Metadata.CancelReason != "first" || task.Metadata.CancelledAt == nil {
		t.Errorf("cancel metadata = %+v", task.Metadata)
	}
	if n := len(rec.forTask(events.EventTypeTaskCancelled, "a")); n != 1 {
		t.Errorf("cancelled events = %d, want 1", n)
	}
}

// TestCancelDiamondCascade verifies every transitive dependent is cancelled
// exactly once when several paths lead to it.
func TestCancelDiamondCascade(t *testing.T) {
	e, rec := newTestEngine(t, newGate(), nil)
	ctx := context.Background()

	mustCreate(t, e, TaskSpec{ID: "a"})
	mustCreate(t, e, TaskSpec{ID: "b", Dependencies: []TaskDependency{dep("a")}})
	mustCreate(t, e, TaskSpec{ID: "c", Dependencies: []TaskDependency{dep("a")}})
	mustCreate(t, e, TaskSpec{ID: "d", Dependencies: []TaskDependency{dep("b"), dep("c")}})
	mustCreate(t, e, TaskSpec{ID: "unrelated"})

	if err := e.CancelTask(ctx, "a", "abort", false); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"a", "b", "c", "d"} {
		if s := statusOf(t, e, id); s != TaskCancelled {
			t.Errorf("%s = %s, want cancelled", id, s)
		}
		if n := len(rec.forTask(events.EventTypeTaskCancelled, id)); n != 1 {
			t.Errorf("%s cancelled %d times, want once", id, n)
		}
	}
	if s := statusOf(t, e, "unrelated"); s != TaskPending {
		t.Errorf("unrelated = %s, want pending", s)
	}
}

func TestCancelSkipsStartedDependents(t *testing.T) {
	g := newGate()
	e, _ := newTestEngine(t, g, nil)
	ctx := context.Background()

	mustCreate(t, e, TaskSpec{ID: "a"})
	mustCreate(t, e, TaskSpec{ID: "b", Dependencies: []TaskDependency{{TaskID: "a", Type: StartToStart}}})
	e.Tick(ctx)
	e.Tick(ctx)
	if s := statusOf(t, e, "b"); s != TaskRunning {
		t.Fatalf("b = %s, want running", s)
	}

	if err := e.CancelTask(ctx, "a", "stop", false); err != nil {
		t.Fatal(err)
	}
	if s := statusOf(t, e, "a"); s != TaskCancelled {
		t.Errorf("a = %s, want cancelled", s)
	}
	if s := statusOf(t, e, "b"); s != TaskRunning {
		t.Errorf("running dependent b = %s, want untouched", s)
	}
}

func TestCancelRunningReleasesResources(t *testing.T) {
	g := newGate()
	e, _ := newTestEngine(t, g, nil)
	ctx := context.Background()

	_ = e.RegisterResource("db", 1)
	mustCreate(t, e, TaskSpec{ID: "a", Resources: []ResourceRequirement{{ResourceID: "db", Exclusive: true}}})
	mustCreate(t, e, TaskSpec{ID: "b", Resources: []ResourceRequirement{{ResourceID: "db", Exclusive: true}}})

	e.Tick(ctx)
	if s := statusOf(t, e, "a"); s != TaskRunning {
		t.Fatalf("a = %s, want running", s)
	}
	if s := statusOf(t, e, "b"); s != TaskQueued {
		t.Fatalf("b = %s, want queued while db is held", s)
	}
	if got := e.QueuedIDs(); !reflect.DeepEqual(got, []string{"b"}) {
		t.Fatalf("queue = %v, want [b]", got)
	}

	if err := e.CancelTask(ctx, "a", "make room", false); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "executor to observe cancellation", func() bool { return g.running.Load() == 0 })

	st, _ := e.ResourceStatus("db")
	if len(st.Holders) != 0 || st.LockedBy != "" {
		t.Errorf("db still held after cancel: %+v", st)
	}
	exec := e.Executions("a")[0]
	if exec.Status != TaskCancelled || exec.EndedAt == nil {
		t.Errorf("execution not closed: %+v", exec)
	}

	e.Tick(ctx)
	if s := statusOf(t, e, "b"); s != TaskRunning {
		t.Errorf("b = %s after a was cancelled, want running", s)
	}
	if s := statusOf(t, e, "a"); s != TaskCancelled {
		t.Errorf("a = %s after executor returned, want cancelled", s)
	}
}

func TestCancelQueuedTaskLeavesQueue(t *testing.T) {
	e, _ := newTestEngine(t, newGate(), func(cfg *Config) { cfg.MaxConcurrent = 1 })
	ctx := context.Background()

	mustCreate(t, e, TaskSpec{ID: "a", Priority: 2})
	mustCreate(t, e, TaskSpec{ID: "b", Priority: 1})
	e.Tick(ctx)
	if got := e.QueuedIDs(); !reflect.DeepEqual(got, []string{"b"}) {
		t.Fatalf("queue = %v, want [b]", got)
	}

	if err := e.CancelTask(ctx, "b", "not needed", false); err != nil {
		t.Fatal(err)
	}
	if got := e.QueuedIDs(); len(got) != 0 {
		t.Errorf("queue = %v after cancel, want empty", got)
	}
}

// checkpointThenWait records a checkpoint and blocks until cancelled.
func checkpointThenWait(ctx context.Context, job executor.Job, r executor.Reporter) (executor.Result, error) {
	r.Checkpoint("step 1", map[string]any{"n": 1})
	<-ctx.Done()
	return executor.Result{}, ctx.Err()
}

func TestCancelWithRollback(t *testing.T) {
	tests := []struct {
		name      string
		strategy  RollbackStrategy
		handler   RollbackHandler
		wantState map[string]any
		wantError bool
	}{
		{
			name:      "previous checkpoint",
			strategy:  RollbackPreviousCheckpoint,
			wantState: map[string]any{"n": 1},
		},
		{
			name:      "initial state",
			strategy:  RollbackInitialState,
			wantState: map[string]any{"n": 0},
		},
		{
			name:     "custom handler",
			strategy: RollbackCustom,
			handler: RollbackFunc(func(ctx context.Context, task *Task) (map[string]any, error) {
				return map[string]any{"n": -1, "undone": task.ID}, nil
			}),
			wantState: map[string]any{"n": -1, "undone": "a"},
		},
		{
			name:     "failing custom handler",
			strategy: RollbackCustom,
			handler: RollbackFunc(func(ctx context.Context, task *Task) (map[string]any, error) {
				return nil, errors.New("undo failed")
			}),
			wantState: map[string]any{"n": 1},
			wantError: true,
		},
		{
			name:      "missing custom handler",
			strategy:  RollbackCustom,
			wantState: map[string]any{"n": 1},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, rec := newTestEngine(t, executor.Func(checkpointThenWait), nil)
			ctx := context.Background()
			if tt.handler != nil {
				e.RegisterRollbackHandler("undo", tt.handler)
			}

			spec := TaskSpec{ID: "a", State: map[string]any{"n": 0}, RollbackStrategy: tt.strategy}
			if tt.strategy == RollbackCustom {
				spec.RollbackHandler = "undo"
			}
			mustCreate(t, e, spec)
			e.Tick(ctx)
			waitFor(t, "checkpoint", func() bool {
				task, _ := e.GetTask("a")
				return len(task.Checkpoints) == 2
			})

			if err := e.CancelTask(ctx, "a", "rollback test", true); err != nil {
				t.Fatalf("cancel failed: %v", err)
			}

			task, _ := e.GetTask("a")
			if task.Status != TaskCancelled {
				t.Fatalf("status = %s, want cancelled", task.Status)
			}
			if !reflect.DeepEqual(task.State, tt.wantState) {
				t.Errorf("state = %v, want %v", task.State, tt.wantState)
			}
			if (task.Metadata.RollbackError != "") != tt.wantError {
				t.Errorf("rollback error = %q, wantError %v", task.Metadata.RollbackError, tt.wantError)
			}
			ev := rec.forTask(events.EventTypeTaskCancelled, "a")
			if len(ev) != 1 || ev[0].(events.TaskCancelledEvent).RolledBack == tt.wantError {
				t.Errorf("cancelled event = %+v", ev)
			}
		})
	}
}

func TestCancelWithoutRollbackKeepsState(t *testing.T) {
	e, _ := newTestEngine(t, executor.Func(checkpointThenWait), nil)
	ctx := context.Background()

	mustCreate(t, e, TaskSpec{ID: "a", State: map[string]any{"n": 0}, RollbackStrategy: RollbackInitialState})
	e.Tick(ctx)
	waitFor(t, "checkpoint", func() bool {
		task, _ := e.GetTask("a")
		return len(task.Checkpoints) == 2
	})

	if err := e.CancelTask(ctx, "a", "no rollback", false); err != nil {
		t.Fatal(err)
	}
	task, _ := e.GetTask("a")
	if task.State["n"] != 1 {
		t.Errorf("state = %v, want checkpointed n=1 kept", task.State)
	}
}
