package scheduler

import (
	"context"
	"fmt"
	"reflect"
	"testing"

	"github.com/aristath/taskcore/internal/events"
	"github.com/aristath/taskcore/internal/executor"
)

func TestExecutionReporting(t *testing.T) {
	clock := newFakeClock()
	var captured executor.Reporter

	scripted := executor.Func(func(ctx context.Context, job executor.Job, r executor.Reporter) (executor.Result, error) {
		captured = r
		r.Progress(25, &executor.Metrics{CPU: 10, Memory: 100})
		r.Progress(60, &executor.Metrics{CPU: 50, Memory: 80, Custom: map[string]float64{"rows": 3}})
		r.Progress(40, nil)
		r.Checkpoint("halfway", map[string]any{"rows": 500}, "out/part-1")
		for i := 0; i < 5; i++ {
			r.Log(executor.LevelInfo, fmt.Sprintf("line %d", i))
		}
		return executor.Result{Output: map[string]any{"rows": 1000}, Artifacts: []string{"out/all"}}, nil
	})

	e, rec := newTestEngine(t, scripted, func(cfg *Config) {
		cfg.Now = clock.Now
		cfg.MaxLogEntries = 3
	})

	mustCreate(t, e, TaskSpec{ID: "etl", State: map[string]any{"rows": 0}})
	e.Tick(context.Background())
	waitStatus(t, e, "etl", TaskCompleted)

	task, _ := e.GetTask("etl")

	var descs []string
	for i, cp := range task.Checkpoints {
		descs = append(descs, cp.Description)
		if i > 0 && !cp.Timestamp.After(task.Checkpoints[i-1].Timestamp) {
			t.Errorf("checkpoint %d timestamp %v not after %v", i, cp.Timestamp, task.Checkpoints[i-1].Timestamp)
		}
	}
	wantDescs := []string{"initial state", "progress 50%", "halfway", "final result"}
	if !reflect.DeepEqual(descs, wantDescs) {
		t.Errorf("checkpoints = %v, want %v", descs, wantDescs)
	}
	if task.Checkpoints[1].State["rows"] != 0 {
		t.Errorf("threshold checkpoint state = %v, want rows=0", task.Checkpoints[1].State)
	}
	if task.State["rows"] != 500 {
		t.Errorf("task state = %v, want rows=500", task.State)
	}
	final := task.Checkpoints[3]
	if len(final.Artifacts) != 1 || final.Artifacts[0] != "out/all" {
		t.Errorf("final artifacts = %v", final.Artifacts)
	}

	var progress []int
	for _, ev := range rec.forTask(events.EventTypeTaskProgress, "etl") {
		progress = append(progress, ev.(events.TaskProgressEvent).Progress)
	}
	if !reflect.DeepEqual(progress, []int{25, 60, 60}) {
		t.Errorf("progress events = %v, want [25 60 60]", progress)
	}

	exec := e.Executions("etl")[0]
	if len(exec.Logs) != 3 || exec.Dropped != 2 || exec.Logs[2].Message != "line 4" {
		t.Errorf("log = %+v dropped=%d", exec.Logs, exec.Dropped)
	}
	if exec.PeakMetrics.CPU != 50 || exec.PeakMetrics.Memory != 100 || exec.PeakMetrics.Custom["rows"] != 3 {
		t.Errorf("peak metrics = %+v", exec.PeakMetrics)
	}
	if exec.Metrics.Memory != 80 {
		t.Errorf("latest metrics = %+v", exec.Metrics)
	}
	if n := len(rec.forTask(events.EventTypeTaskOutput, "etl")); n != 5 {
		t.Errorf("output events = %d, want 5", n)
	}
	if n := len(rec.forTask(events.EventTypeTaskCheckpoint, "etl")); n != 4 {
		t.Errorf("checkpoint events = %d, want 4", n)
	}

	// Reports after the execution ended are ignored.
	captured.Progress(10, nil)
	captured.Log(executor.LevelError, "late")
	captured.Checkpoint("late", nil)
	task, _ = e.GetTask("etl")
	if task.Progress != 100 || len(task.Checkpoints) != 4 {
		t.Errorf("late reports changed task: progress=%d checkpoints=%d", task.Progress, len(task.Checkpoints))
	}
}

func TestJobCarriesTaskData(t *testing.T) {
	jobs := make(chan executor.Job, 1)
	capture := executor.Func(func(ctx context.Context, job executor.Job, r executor.Reporter) (executor.Result, error) {
		jobs <- job
		return executor.Result{}, nil
	})
	e, _ := newTestEngine(t, capture, nil)

	mustCreate(t, e, TaskSpec{
		ID:          "a",
		Type:        "shell",
		Description: "say hi",
		Variables:   map[string]string{"NAME": "world"},
		Extra:       map[string]any{"command": "echo hi"},
		State:       map[string]any{"k": "v"},
	})
	e.Tick(context.Background())

	job := <-jobs
	if job.TaskID != "a" || job.Type != "shell" || job.Attempt != 1 || job.ExecutionID == "" {
		t.Errorf("unexpected job identity: %+v", job)
	}
	if job.Variables["NAME"] != "world" || job.Extra["command"] != "echo hi" || job.State["k"] != "v" {
		t.Errorf("unexpected job payload: %+v", job)
	}
}

func TestFailureMetadataAndRetryClearing(t *testing.T) {
	clock := newFakeClock()
	flaky := &executor.Simulated{FailWith: fmt.Errorf("flaky"), FailAttempts: 1}
	e, rec := newTestEngine(t, flaky, func(cfg *Config) { cfg.Now = clock.Now })
	ctx := context.Background()

	mustCreate(t, e, TaskSpec{ID: "a", RetryPolicy: &RetryPolicy{MaxAttempts: 3, Backoff: 0}})
	e.Tick(ctx)
	waitFor(t, "first failure", func() bool {
		task, _ := e.GetTask("a")
		return task.Status == TaskFailed && task.NextRetryAt != nil
	})

	task, _ := e.GetTask("a")
	if task.Metadata.Error != "flaky" || task.Metadata.ErrorKind != ErrorKindExecution || task.Metadata.FailedAt == nil {
		t.Errorf("failure metadata = %+v", task.Metadata)
	}
	exec := e.Executions("a")[0]
	if len(exec.Logs) == 0 || exec.Logs[len(exec.Logs)-1].Level != executor.LevelError {
		t.Errorf("failure not logged in execution: %+v", exec.Logs)
	}

	e.Tick(ctx)
	waitStatus(t, e, "a", TaskCompleted)

	task, _ = e.GetTask("a")
	if task.Metadata.Error != "" || task.Metadata.FailedAt != nil {
		t.Errorf("failure metadata not cleared on retry: %+v", task.Metadata)
	}
	if task.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", task.Attempts)
	}
	failed := rec.forTask(events.EventTypeTaskFailed, "a")
	if len(failed) != 1 || !failed[0].(events.TaskFailedEvent).WillRetry {
		t.Errorf("failed events = %+v", failed)
	}
}
