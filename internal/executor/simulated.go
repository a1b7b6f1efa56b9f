package executor

import (
	"context"
	"fmt"
	"time"
)

// Simulated fabricates work: it reports progress in equal steps and then
// succeeds or fails as configured. Used by tests and the demo manifest.
type Simulated struct {
	Steps     int           // Number of progress steps (default 4)
	StepDelay time.Duration // Delay per step
	FailWith  error         // Error to return; nil means succeed
	// FailAttempts limits failures to the first N attempts; 0 fails every attempt.
	FailAttempts int
}

// Execute implements Executor.
func (s *Simulated) Execute(ctx context.Context, job Job, r Reporter) (Result, error) {
	steps := s.Steps
	if steps <= 0 {
		steps = 4
	}

	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(s.StepDelay):
		}

		pct := i * 100 / steps
		r.Progress(pct, &Metrics{
			CPU:    float64(10 + i),
			Memory: float64(64 * i),
		})
		r.Log(LevelDebug, fmt.Sprintf("step %d/%d", i, steps))
	}

	if s.FailWith != nil && (s.FailAttempts == 0 || job.Attempt <= s.FailAttempts) {
		return Result{}, s.FailWith
	}

	return Result{
		Output: map[string]any{"steps": steps, "attempt": job.Attempt},
	}, nil
}
