package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/taskcore/internal/events"
	"github.com/aristath/taskcore/internal/executor"
)

// eventRecorder is an EventSink that keeps every event.
type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) Publish(topic string, ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) ofType(eventType string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.events {
		if ev.EventType() == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (r *eventRecorder) forTask(eventType, taskID string) []events.Event {
	var out []events.Event
	for _, ev := range r.ofType(eventType) {
		if ev.TaskID() == taskID {
			out = append(out, ev)
		}
	}
	return out
}

// gate is an executor whose jobs block until released or cancelled.
type gate struct {
	mu       sync.Mutex
	started  []string
	releases map[string]chan error
	running  atomic.Int32
	peak     atomic.Int32
}

func newGate() *gate {
	return &gate{releases: make(map[string]chan error)}
}

func (g *gate) chLocked(id string) chan error {
	c, ok := g.releases[id]
	if !ok {
		c = make(chan error, 8)
		g.releases[id] = c
	}
	return c
}

func (g *gate) Execute(ctx context.Context, job executor.Job, r executor.Reporter) (executor.Result, error) {
	g.mu.Lock()
	g.started = append(g.started, job.TaskID)
	c := g.chLocked(job.TaskID)
	g.mu.Unlock()

	n := g.running.Add(1)
	defer g.running.Add(-1)
	for {
		cur := g.peak.Load()
		if n <= cur || g.peak.CompareAndSwap(cur, n) {
			break
		}
	}

	select {
	case err := <-c:
		if err != nil {
			return executor.Result{}, err
		}
		return executor.Result{Output: map[string]any{"task": job.TaskID}}, nil
	case <-ctx.Done():
		return executor.Result{}, ctx.Err()
	}
}

func (g *gate) release(id string, err error) {
	g.mu.Lock()
	c := g.chLocked(id)
	g.mu.Unlock()
	c <- err
}

func (g *gate) startedIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.started...)
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// mapStore is an in-memory Persistence that round-trips records through JSON.
type mapStore struct {
	mu      sync.Mutex
	records map[string][]byte
	failing bool
}

func newMapStore() *mapStore {
	return &mapStore{records: make(map[string][]byte)}
}

func (s *mapStore) Save(ctx context.Context, key string, record any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return fmt.Errorf("store unavailable")
	}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	s.records[key] = data
	return nil
}

func (s *mapStore) Load(ctx context.Context, key string, dest any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.records[key]
	if !ok {
		return fmt.Errorf("record %q not found", key)
	}
	return json.Unmarshal(data, dest)
}

func (s *mapStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.records {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *mapStore) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[key]
	return ok
}

func newTestEngine(t *testing.T, exec executor.Executor, mutate func(cfg *Config)) (*Engine, *eventRecorder) {
	t.Helper()
	rec := &eventRecorder{}
	cfg := Config{
		MaxConcurrent: 4,
		TickInterval:  10 * time.Millisecond,
		Executor:      exec,
		Events:        rec,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = e.Stop() })
	return e, rec
}

func mustCreate(t *testing.T, e *Engine, spec TaskSpec) *Task {
	t.Helper()
	task, err := e.CreateTask(context.Background(), spec)
	if err != nil {
		t.Fatalf("CreateTask(%q) failed: %v", spec.ID, err)
	}
	return task
}

func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func statusOf(t *testing.T, e *Engine, id string) TaskStatus {
	t.Helper()
	task, err := e.GetTask(id)
	if err != nil {
		t.Fatalf("GetTask(%q): %v", id, err)
	}
	return task.Status
}

func waitStatus(t *testing.T, e *Engine, id string, want TaskStatus) {
	t.Helper()
	waitFor(t, fmt.Sprintf("task %s to be %s", id, want), func() bool {
		return statusOf(t, e, id) == want
	})
}
