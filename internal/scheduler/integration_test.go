package scheduler

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/taskcore/internal/events"
	"github.com/aristath/taskcore/internal/executor"
)

// eventIndex returns the position of the first event of eventType for
// taskID, or -1.
func (r *eventRecorder) eventIndex(eventType, taskID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, ev := range r.events {
		if ev.EventType() == eventType && ev.TaskID() == taskID {
			return i
		}
	}
	return -1
}

func TestDependentWaitsForPrerequisite(t *testing.T) {
	g := newGate()
	e, rec := newTestEngine(t, g, nil)
	ctx := context.Background()

	mustCreate(t, e, TaskSpec{ID: "a", Priority: 5})
	mustCreate(t, e, TaskSpec{ID: "b", Dependencies: []TaskDependency{{TaskID: "a", Type: FinishToStart}}})

	e.Tick(ctx)
	if s := statusOf(t, e, "a"); s != TaskRunning {
		t.Fatalf("a = %s, want running", s)
	}
	e.Tick(ctx)
	if s := statusOf(t, e, "b"); s != TaskPending {
		t.Fatalf("b = %s while a runs, want pending", s)
	}

	g.release("a", nil)
	waitStatus(t, e, "a", TaskCompleted)
	e.Tick(ctx)
	waitStatus(t, e, "b", TaskRunning)
	waitFor(t, "b to reach the executor", func() bool { return len(g.startedIDs()) == 2 })

	completedA := rec.eventIndex(events.EventTypeTaskCompleted, "a")
	startedB := rec.eventIndex(events.EventTypeTaskStarted, "b")
	if completedA < 0 || startedB < completedA {
		t.Errorf("b started at event %d, a completed at %d", startedB, completedA)
	}
	if got := g.startedIDs(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("dispatch order = %v, want [a b]", got)
	}
}

func TestDispatchByDescendingPriority(t *testing.T) {
	g := newGate()
	e, _ := newTestEngine(t, g, func(cfg *Config) { cfg.MaxConcurrent = 1 })
	ctx := context.Background()

	for _, p := range []int{1, 5, 10} {
		mustCreate(t, e, TaskSpec{ID: fmt.Sprintf("p%d", p), Priority: p})
	}

	for _, id := range []string{"p10", "p5", "p1"} {
		e.Tick(ctx)
		waitStatus(t, e, id, TaskRunning)
		g.release(id, nil)
		waitStatus(t, e, id, TaskCompleted)
	}

	if got := g.startedIDs(); !reflect.DeepEqual(got, []string{"p10", "p5", "p1"}) {
		t.Errorf("dispatch order = %v, want [p10 p5 p1]", got)
	}
	if peak := g.peak.Load(); peak != 1 {
		t.Errorf("peak concurrency = %d, want 1", peak)
	}
}

func TestRetryBackoffThenPermanentFailure(t *testing.T) {
	e, rec := newTestEngine(t, &executor.Simulated{Steps: 1, FailWith: errors.New("always")}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mustCreate(t, e, TaskSpec{
		ID:          "flaky",
		RetryPolicy: &RetryPolicy{MaxAttempts: 2, Backoff: 100 * time.Millisecond, Multiplier: 2},
	})
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "permanent failure", func() bool {
		task, _ := e.GetTask("flaky")
		return task.Status == TaskFailed && task.NextRetryAt == nil && len(e.Executions("flaky")) == 3
	})

	execs := e.Executions("flaky")
	for i, want := range []time.Duration{100 * time.Millisecond, 200 * time.Millisecond} {
		prev, next := execs[i], execs[i+1]
		if prev.EndedAt == nil {
			t.Fatalf("execution %d not closed", i)
		}
		gap := next.StartedAt.Sub(*prev.EndedAt)
		if gap < want-20*time.Millisecond || gap > want+time.Second {
			t.Errorf("gap before attempt %d = %v, want about %v", i+2, gap, want)
		}
	}

	retrying := rec.forTask(events.EventTypeTaskRetrying, "flaky")
	if len(retrying) != 2 {
		t.Fatalf("retrying events = %d, want 2", len(retrying))
	}
	for i, want := range []time.Duration{100 * time.Millisecond, 200 * time.Millisecond} {
		if d := retrying[i].(events.TaskRetryingEvent).Delay; d != want {
			t.Errorf("retry %d delay = %v, want %v", i+1, d, want)
		}
	}
	failed := rec.forTask(events.EventTypeTaskFailed, "flaky")
	if last := failed[len(failed)-1].(events.TaskFailedEvent); last.WillRetry || last.Attempt != 3 {
		t.Errorf("final failure = %+v", last)
	}
}

func TestExclusiveResourceSerializesTasks(t *testing.T) {
	g := newGate()
	e, _ := newTestEngine(t, g, func(cfg *Config) { cfg.MaxConcurrent = 2 })
	ctx := context.Background()

	if err := e.RegisterResource("r", 1); err != nil {
		t.Fatal(err)
	}
	req := []ResourceRequirement{{ResourceID: "r", Exclusive: true}}
	mustCreate(t, e, TaskSpec{ID: "a", Resources: req})
	mustCreate(t, e, TaskSpec{ID: "b", Resources: req})

	e.Tick(ctx)
	first, second := "a", "b"
	if statusOf(t, e, "b") == TaskRunning {
		first, second = "b", "a"
	}
	if s := statusOf(t, e, first); s != TaskRunning {
		t.Fatalf("%s = %s, want running", first, s)
	}
	if s := statusOf(t, e, second); s != TaskQueued && s != TaskPending {
		t.Fatalf("%s = %s, want waiting", second, s)
	}

	e.Tick(ctx)
	if s := statusOf(t, e, second); s == TaskRunning {
		t.Fatalf("%s started while %s holds r", second, first)
	}

	g.release(first, nil)
	waitStatus(t, e, first, TaskCompleted)
	e.Tick(ctx)
	waitStatus(t, e, second, TaskRunning)
	g.release(second, nil)
	waitStatus(t, e, second, TaskCompleted)

	if peak := g.peak.Load(); peak != 1 {
		t.Errorf("peak concurrency = %d, want 1", peak)
	}
}

func TestCancelChainBeforeDispatch(t *testing.T) {
	g := newGate()
	e, rec := newTestEngine(t, g, nil)
	ctx := context.Background()

	mustCreate(t, e, TaskSpec{ID: "a"})
	mustCreate(t, e, TaskSpec{ID: "b", Dependencies: []TaskDependency{dep("a")}})
	mustCreate(t, e, TaskSpec{ID: "c", Dependencies: []TaskDependency{dep("b")}})

	if err := e.CancelTask(ctx, "a", "no longer needed", false); err != nil {
		t.Fatal(err)
	}
	e.Tick(ctx)
	e.Tick(ctx)

	for _, id := range []string{"a", "b", "c"} {
		if s := statusOf(t, e, id); s != TaskCancelled {
			t.Errorf("%s = %s, want cancelled", id, s)
		}
	}
	if n := len(rec.ofType(events.EventTypeTaskStarted)); n != 0 {
		t.Errorf("%d tasks started, want none", n)
	}
	if got := g.startedIDs(); len(got) != 0 {
		t.Errorf("executor ran %v", got)
	}
}

func TestConcurrencyBound(t *testing.T) {
	var running, peak atomic.Int32
	work := executor.Func(func(ctx context.Context, job executor.Job, r executor.Reporter) (executor.Result, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			cur := peak.Load()
			if n <= cur || peak.CompareAndSwap(cur, n) {
				break
			}
		}
		select {
		case <-time.After(20 * time.Millisecond):
		case <-ctx.Done():
			return executor.Result{}, ctx.Err()
		}
		r.Progress(100, nil)
		return executor.Result{}, nil
	})

	e, _ := newTestEngine(t, work, func(cfg *Config) { cfg.MaxConcurrent = 3 })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 10; i++ {
		mustCreate(t, e, TaskSpec{ID: fmt.Sprintf("t%02d", i), Priority: i % 3})
	}
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "all tasks to complete", func() bool {
		return e.Stats().ByStatus["completed"] == 10
	})

	if p := peak.Load(); p > 3 {
		t.Errorf("executor saw %d concurrent jobs, limit is 3", p)
	}
	if st := e.Stats(); st.PeakRunning > 3 || st.PeakRunning < 1 {
		t.Errorf("engine peak running = %d", st.PeakRunning)
	}
	if !e.Idle() {
		t.Error("engine not idle after all tasks completed")
	}
}
