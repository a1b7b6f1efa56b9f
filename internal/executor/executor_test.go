package executor

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

// recordingReporter captures everything a job reports.
type recordingReporter struct {
	mu          sync.Mutex
	progress    []int
	metrics     []*Metrics
	logs        []string
	levels      []Level
	checkpoints []string
}

func (r *recordingReporter) Progress(percent int, m *Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, percent)
	r.metrics = append(r.metrics, m)
}

func (r *recordingReporter) Log(level Level, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.levels = append(r.levels, level)
	r.logs = append(r.logs, msg)
}

func (r *recordingReporter) Checkpoint(description string, state map[string]any, artifacts ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkpoints = append(r.checkpoints, description)
}

func TestRouter(t *testing.T) {
	named := func(name string) Executor {
		return Func(func(ctx context.Context, job Job, r Reporter) (Result, error) {
			return Result{Output: map[string]any{"by": name}}, nil
		})
	}

	tests := []struct {
		name     string
		fallback Executor
		jobType  string
		want     string
		wantErr  bool
	}{
		{name: "registered type", jobType: "shell", want: "shell"},
		{name: "fallback", fallback: named("fallback"), jobType: "other", want: "fallback"},
		{name: "registered wins over fallback", fallback: named("fallback"), jobType: "shell", want: "shell"},
		{name: "no route", jobType: "other", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := NewRouter(tt.fallback)
			router.Handle("shell", named("shell"))

			res, err := router.Execute(context.Background(), Job{TaskID: "t", Type: tt.jobType}, &recordingReporter{})
			if tt.wantErr {
				if err == nil || !strings.Contains(err.Error(), tt.jobType) {
					t.Fatalf("expected error naming %q, got %v", tt.jobType, err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if res.Output["by"] != tt.want {
				t.Errorf("handled by %v, want %s", res.Output["by"], tt.want)
			}
		})
	}
}

func TestSimulated(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name    string
		sim     Simulated
		attempt int
		wantErr bool
	}{
		{name: "succeeds", sim: Simulated{Steps: 4}, attempt: 1},
		{name: "always fails", sim: Simulated{Steps: 2, FailWith: boom}, attempt: 3, wantErr: true},
		{name: "fails early attempts", sim: Simulated{Steps: 2, FailWith: boom, FailAttempts: 2}, attempt: 2, wantErr: true},
		{name: "recovers after early attempts", sim: Simulated{Steps: 2, FailWith: boom, FailAttempts: 2}, attempt: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep := &recordingReporter{}
			res, err := tt.sim.Execute(context.Background(), Job{TaskID: "t", Attempt: tt.attempt}, rep)
			if tt.wantErr {
				if !errors.Is(err, boom) {
					t.Fatalf("err = %v, want boom", err)
				}
			} else {
				if err != nil {
					t.Fatal(err)
				}
				if res.Output["attempt"] != tt.attempt {
					t.Errorf("output = %v", res.Output)
				}
			}
			if last := rep.progress[len(rep.progress)-1]; last != 100 {
				t.Errorf("last progress = %d, want 100", last)
			}
		})
	}
}

func TestSimulatedDefaultsAndCancellation(t *testing.T) {
	rep := &recordingReporter{}
	if _, err := (&Simulated{}).Execute(context.Background(), Job{Attempt: 1}, rep); err != nil {
		t.Fatal(err)
	}
	if want := []int{25, 50, 75, 100}; !reflect.DeepEqual(rep.progress, want) {
		t.Errorf("progress = %v, want %v", rep.progress, want)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := (&Simulated{StepDelay: time.Hour}).Execute(ctx, Job{Attempt: 1}, &recordingReporter{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
