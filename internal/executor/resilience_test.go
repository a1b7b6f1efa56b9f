package executor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

func TestCircuitBreakerRegistry_Defaults(t *testing.T) {
	reg := NewCircuitBreakerRegistry(BreakerSettings{})
	if reg.settings.ConsecutiveFailures != 5 || reg.settings.OpenTimeout != 30*time.Second || reg.settings.HalfOpenRequests != 1 {
		t.Errorf("settings = %+v", reg.settings)
	}

	if _, ok := reg.State("shell"); ok {
		t.Error("State created a breaker")
	}
	a := reg.Get("shell")
	if b := reg.Get("shell"); a != b {
		t.Error("Get returned a different breaker for the same type")
	}
	if c := reg.Get("http"); a == c {
		t.Error("task types share a breaker")
	}
}

func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	failing := Func(func(ctx context.Context, job Job, r Reporter) (Result, error) {
		calls.Add(1)
		return Result{}, errors.New("backend down")
	})

	var transitions []gobreaker.State
	reg := NewCircuitBreakerRegistry(BreakerSettings{
		ConsecutiveFailures: 3,
		OpenTimeout:         time.Hour,
		OnStateChange: func(name string, from, to gobreaker.State) {
			transitions = append(transitions, to)
		},
	})
	b := WithBreaker(failing, reg)
	job := Job{TaskID: "t", Type: "flaky"}

	for i := 0; i < 3; i++ {
		_, err := b.Execute(context.Background(), job, &recordingReporter{})
		if err == nil || errors.Is(err, ErrBreakerOpen) {
			t.Fatalf("call %d: err = %v, want executor error", i+1, err)
		}
	}

	_, err := b.Execute(context.Background(), job, &recordingReporter{})
	if !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("err = %v, want ErrBreakerOpen", err)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("executor called %d times, want 3", n)
	}
	if st, _ := reg.State("flaky"); st != gobreaker.StateOpen {
		t.Errorf("state = %v, want open", st)
	}
	if len(transitions) != 1 || transitions[0] != gobreaker.StateOpen {
		t.Errorf("transitions = %v", transitions)
	}

	// Other task types are unaffected.
	other := Job{TaskID: "u", Type: "healthy"}
	if _, err := b.Execute(context.Background(), other, &recordingReporter{}); errors.Is(err, ErrBreakerOpen) {
		t.Errorf("breaker for another type is open: %v", err)
	}
}

func TestBreaker_CancellationDoesNotTrip(t *testing.T) {
	cancelled := Func(func(ctx context.Context, job Job, r Reporter) (Result, error) {
		return Result{}, context.Canceled
	})
	reg := NewCircuitBreakerRegistry(BreakerSettings{ConsecutiveFailures: 1})
	b := WithBreaker(cancelled, reg)

	for i := 0; i < 3; i++ {
		_, err := b.Execute(context.Background(), Job{TaskID: "t"}, &recordingReporter{})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	}
	if st, _ := reg.State("default"); st != gobreaker.StateClosed {
		t.Errorf("state = %v, want closed", st)
	}
}

func TestBreaker_PassesResultThrough(t *testing.T) {
	ok := Func(func(ctx context.Context, job Job, r Reporter) (Result, error) {
		r.Progress(100, nil)
		return Result{Output: map[string]any{"n": 1}, Artifacts: []string{"out.txt"}}, nil
	})
	b := WithBreaker(ok, NewCircuitBreakerRegistry(BreakerSettings{}))

	rep := &recordingReporter{}
	res, err := b.Execute(context.Background(), Job{TaskID: "t", Type: "x"}, rep)
	if err != nil {
		t.Fatal(err)
	}
	if res.Output["n"] != 1 || len(res.Artifacts) != 1 || len(rep.progress) != 1 {
		t.Errorf("result = %+v, progress = %v", res, rep.progress)
	}
}
