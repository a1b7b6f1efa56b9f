package scheduler

import (
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryManager decides whether a failed task is retried and after how long.
// Each task gets its own exponential backoff so delays grow per task as
// base × multiplier^retry, capped by MaxBackoff when set.
type RetryManager struct {
	mu    sync.Mutex
	state map[string]*retryState
}

type retryState struct {
	policy RetryPolicy
	b      backoff.BackOff
	issued int
}

// NewRetryManager creates an empty retry manager.
func NewRetryManager() *RetryManager {
	return &RetryManager{state: make(map[string]*retryState)}
}

func newBackOff(p RetryPolicy) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Backoff
	eb.Multiplier = p.Multiplier
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	eb.MaxInterval = time.Duration(math.MaxInt64)
	if p.MaxBackoff > 0 {
		eb.MaxInterval = p.MaxBackoff
	}
	eb.Reset()
	return backoff.WithMaxRetries(eb, uint64(p.MaxAttempts))
}

// OnFailure returns the delay before the next attempt of task, or false once
// task.RetryPolicy.MaxAttempts retries have been issued.
func (m *RetryManager) OnFailure(task *Task) (time.Duration, bool) {
	p := task.RetryPolicy
	if p.MaxAttempts <= 0 || task.Attempts >= p.MaxAttempts {
		return 0, false
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.state[task.ID]
	if !ok || st.policy != p {
		st = &retryState{policy: p, b: newBackOff(p)}
		m.state[task.ID] = st
	}
	// Catch up after a restore or a policy change.
	for st.issued < task.Attempts {
		if st.b.NextBackOff() == backoff.Stop {
			return 0, false
		}
		st.issued++
	}

	d := st.b.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	st.issued++
	return d, true
}

// Forget drops the backoff state of a task that will not be retried again.
func (m *RetryManager) Forget(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.state, taskID)
}
