package scheduler

import (
	"fmt"
	"sort"
	"sync"
)

// resource is a ledger entry.
type resource struct {
	id        string
	capacity  int
	holders   map[string]bool
	exclusive string // Task holding the exclusive lock, if any
}

// ResourceStatus is a point-in-time view of a resource.
type ResourceStatus struct {
	ID           string   `json:"id"`
	Capacity     int      `json:"capacity"`
	Holders      []string `json:"holders"`
	LockedBy     string   `json:"locked_by,omitempty"`
	Available    bool     `json:"available"`
	Unregistered bool     `json:"unregistered,omitempty"`
}

// ResourceLedger tracks named resources, their capacity, exclusive locks and
// current holders. A single mutex makes check-then-acquire one atomic step.
type ResourceLedger struct {
	mu        sync.Mutex
	resources map[string]*resource
}

// NewResourceLedger creates an empty ledger.
func NewResourceLedger() *ResourceLedger {
	return &ResourceLedger{
		resources: make(map[string]*resource),
	}
}

// Register adds a resource or updates the capacity of an existing one.
func (l *ResourceLedger) Register(id string, capacity int) error {
	if id == "" {
		return fmt.Errorf("resource id is required")
	}
	if capacity < 1 {
		return fmt.Errorf("resource %q: capacity must be at least 1, got %d", id, capacity)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if r, ok := l.resources[id]; ok {
		r.capacity = capacity
		return nil
	}
	l.resources[id] = &resource{
		id:       id,
		capacity: capacity,
		holders:  make(map[string]bool),
	}
	return nil
}

// Unregister removes a resource and returns the tasks that were holding it.
func (l *ResourceLedger) Unregister(id string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.resources[id]
	if !ok {
		return nil
	}
	delete(l.resources, id)

	holders := make([]string, 0, len(r.holders))
	for taskID := range r.holders {
		holders = append(holders, taskID)
	}
	sort.Strings(holders)
	return holders
}

// Available reports whether taskID could acquire every requirement right now.
func (l *ResourceLedger) Available(taskID string, reqs []ResourceRequirement) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.availableLocked(taskID, reqs)
}

func (l *ResourceLedger) availableLocked(taskID string, reqs []ResourceRequirement) bool {
	for _, req := range reqs {
		r, ok := l.resources[req.ResourceID]
		if !ok {
			return false
		}
		if r.holders[taskID] {
			continue
		}
		if r.exclusive != "" && r.exclusive != taskID {
			return false
		}
		if req.Exclusive {
			if len(r.holders) > 0 {
				return false
			}
			continue
		}
		if len(r.holders) >= r.capacity {
			return false
		}
	}
	return true
}

// Acquire re-checks availability and, only if every requirement passes,
// registers taskID as a holder of each resource. Nothing is acquired on failure.
func (l *ResourceLedger) Acquire(taskID string, reqs []ResourceRequirement) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.availableLocked(taskID, reqs) {
		return false
	}
	for _, req := range reqs {
		r := l.resources[req.ResourceID]
		r.holders[taskID] = true
		if req.Exclusive {
			r.exclusive = taskID
		}
	}
	return true
}

// Release removes taskID from every resource it holds and clears any
// exclusive lock it owns. Returns the IDs of the released resources.
func (l *ResourceLedger) Release(taskID string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var released []string
	for id, r := range l.resources {
		if !r.holders[taskID] {
			continue
		}
		delete(r.holders, taskID)
		if r.exclusive == taskID {
			r.exclusive = ""
		}
		released = append(released, id)
	}
	sort.Strings(released)
	return released
}

// Holding returns the resources currently held by taskID.
func (l *ResourceLedger) Holding(taskID string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var held []string
	for id, r := range l.resources {
		if r.holders[taskID] {
			held = append(held, id)
		}
	}
	sort.Strings(held)
	return held
}

// Status returns a snapshot of one resource.
func (l *ResourceLedger) Status(id string) (ResourceStatus, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.resources[id]
	if !ok {
		return ResourceStatus{ID: id, Unregistered: true}, false
	}
	return r.status(), true
}

// StatusFor returns snapshots of every resource named in reqs.
func (l *ResourceLedger) StatusFor(reqs []ResourceRequirement) []ResourceStatus {
	out := make([]ResourceStatus, 0, len(reqs))
	for _, req := range reqs {
		st, _ := l.Status(req.ResourceID)
		out = append(out, st)
	}
	return out
}

// All returns snapshots of every registered resource, sorted by ID.
func (l *ResourceLedger) All() []ResourceStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]ResourceStatus, 0, len(l.resources))
	for _, r := range l.resources {
		out = append(out, r.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *resource) status() ResourceStatus {
	holders := make([]string, 0, len(r.holders))
	for id := range r.holders {
		holders = append(holders, id)
	}
	sort.Strings(holders)
	return ResourceStatus{
		ID:        r.id,
		Capacity:  r.capacity,
		Holders:   holders,
		LockedBy:  r.exclusive,
		Available: r.exclusive == "" && len(r.holders) < r.capacity,
	}
}
