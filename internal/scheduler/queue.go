package scheduler

import "container/heap"

// queueItem is one entry of the ready queue.
type queueItem struct {
	taskID   string
	priority int
	seq      uint64 // Insertion order; ties on priority keep FIFO order
	index    int
}

// readyQueue is a max-heap on priority, min-heap on insertion order.
type readyQueue struct {
	items   []*queueItem
	byID    map[string]*queueItem
	nextSeq uint64
}

func newReadyQueue() *readyQueue {
	return &readyQueue{byID: make(map[string]*queueItem)}
}

// heap.Interface

func (q *readyQueue) Len() int { return len(q.items) }

func (q *readyQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.seq < b.seq
}

func (q *readyQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *readyQueue) Push(x any) {
	item := x.(*queueItem)
	item.index = len(q.items)
	q.items = append(q.items, item)
	q.byID[item.taskID] = item
}

func (q *readyQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	item.index = -1
	delete(q.byID, item.taskID)
	return item
}

// enqueue adds a task at the back of its priority class. No-op if already queued.
func (q *readyQueue) enqueue(taskID string, priority int) {
	if _, ok := q.byID[taskID]; ok {
		return
	}
	q.nextSeq++
	heap.Push(q, &queueItem{taskID: taskID, priority: priority, seq: q.nextSeq})
}

// requeue puts a previously popped item back without losing its place.
func (q *readyQueue) requeue(item *queueItem) {
	if _, ok := q.byID[item.taskID]; ok {
		return
	}
	heap.Push(q, item)
}

// next pops the highest-priority item.
func (q *readyQueue) next() *queueItem {
	if len(q.items) == 0 {
		return nil
	}
	return heap.Pop(q).(*queueItem)
}

// remove drops a task from the queue. Returns false if it was not queued.
func (q *readyQueue) remove(taskID string) bool {
	item, ok := q.byID[taskID]
	if !ok {
		return false
	}
	heap.Remove(q, item.index)
	return true
}

func (q *readyQueue) contains(taskID string) bool {
	_, ok := q.byID[taskID]
	return ok
}

// ids returns queued task IDs in dispatch order without modifying the queue.
func (q *readyQueue) ids() []string {
	cp := &readyQueue{byID: make(map[string]*queueItem, len(q.items))}
	for _, it := range q.items {
		dup := *it
		cp.items = append(cp.items, &dup)
		cp.byID[dup.taskID] = &dup
	}
	heap.Init(cp)

	out := make([]string, 0, len(q.items))
	for cp.Len() > 0 {
		out = append(out, cp.next().taskID)
	}
	return out
}
