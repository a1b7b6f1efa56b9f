package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/toposort"
)

// Graph tracks dependency edges between tasks.
type Graph struct {
	mu         sync.RWMutex
	nodes      map[string]struct{}
	deps       map[string][]string // taskID -> tasks it depends on
	dependents map[string][]string // taskID -> tasks that depend on it
}

// NewGraph creates an empty dependency graph.
func NewGraph() *Graph {
	return &Graph{
		nodes:      make(map[string]struct{}),
		deps:       make(map[string][]string),
		dependents: make(map[string][]string),
	}
}

// AddTask registers edges dependencyID -> task.ID for every dependency and
// makes sure the task has an adjacency entry of its own.
func (g *Graph) AddTask(task *Task) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.nodes[task.ID] = struct{}{}
	if _, ok := g.dependents[task.ID]; !ok {
		g.dependents[task.ID] = []string{}
	}

	ids := task.DependsOnIDs()
	g.deps[task.ID] = ids
	for _, depID := range ids {
		g.dependents[depID] = append(g.dependents[depID], task.ID)
	}
}

// DependentsOf returns the IDs of tasks declaring a dependency on taskID.
func (g *Graph) DependentsOf(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.dependents[taskID]...)
}

// Validate checks that adding candidates keeps the graph acyclic and that
// every dependency refers to a known or candidate task.
func (g *Graph) Validate(candidates []*Task) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	known := make(map[string]bool, len(g.nodes)+len(candidates))
	for id := range g.nodes {
		known[id] = true
	}
	for _, t := range candidates {
		known[t.ID] = true
	}

	var edges []toposort.Edge
	for taskID, deps := range g.deps {
		edges = appendEdges(edges, taskID, deps)
	}
	for _, t := range candidates {
		ids := t.DependsOnIDs()
		for _, depID := range ids {
			if !known[depID] {
				return fmt.Errorf("%w: task %q depends on %q", ErrUnknownDependency, t.ID, depID)
			}
			if depID == t.ID {
				return fmt.Errorf("%w: task %q depends on itself", ErrDependencyCycle, t.ID)
			}
		}
		edges = appendEdges(edges, t.ID, ids)
	}

	if _, err := toposort.Toposort(edges); err != nil {
		return fmt.Errorf("%w: %v", ErrDependencyCycle, err)
	}
	return nil
}

func appendEdges(edges []toposort.Edge, taskID string, deps []string) []toposort.Edge {
	if len(deps) == 0 {
		// Keep isolated tasks in the sort
		return append(edges, toposort.Edge{nil, taskID})
	}
	for _, depID := range deps {
		edges = append(edges, toposort.Edge{depID, taskID})
	}
	return edges
}

// IsSatisfied evaluates a single dependency against the referenced task.
// finish-* relations need the task completed; start-* relations need it
// running or completed. A positive lag delays satisfaction after the
// relevant start or completion time.
func IsSatisfied(dep TaskDependency, depTask *Task, now time.Time) bool {
	var since *time.Time

	switch dep.Type {
	case FinishToStart, FinishToFinish, "":
		if depTask.Status != TaskCompleted {
			return false
		}
		since = depTask.CompletedAt
	case StartToStart, StartToFinish:
		if depTask.Status != TaskRunning && depTask.Status != TaskCompleted {
			return false
		}
		since = depTask.StartedAt
	default:
		return false
	}

	if dep.Lag > 0 && since != nil && now.Before(since.Add(dep.Lag)) {
		return false
	}
	return true
}

// AreDependenciesMet reports whether every dependency of task is satisfied.
// A dependency on a task the lookup cannot find is an error.
func AreDependenciesMet(task *Task, lookup func(id string) (*Task, bool), now time.Time) (bool, error) {
	for _, dep := range task.Deps {
		depTask, ok := lookup(dep.TaskID)
		if !ok {
			return false, fmt.Errorf("%w: %q", ErrDependencyMissing, dep.TaskID)
		}
		if !IsSatisfied(dep, depTask, now) {
			return false, nil
		}
	}
	return true, nil
}
