package backoff

import (
	"sync"
	"time"
)

// Tasks holds at most one scheduled retry per operation id.
type Tasks struct {
	clock Clock

	mu    sync.Mutex
	gen   uint64
	tasks map[int64]*task
}

type task struct {
	gen   uint64
	timer Timer
}

// NewTasks creates an empty task set driven by clock.
func NewTasks(clock Clock) *Tasks {
	if clock == nil {
		clock = RealClock()
	}
	return &Tasks{clock: clock, tasks: make(map[int64]*task)}
}

// Schedule runs fn after d. An existing task for id is replaced.
func (t *Tasks) Schedule(id int64, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.tasks[id]; ok {
		old.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.tasks[id] = &task{
		gen: gen,
		timer: t.clock.AfterFunc(d, func() {
			t.mu.Lock()
			cur, ok := t.tasks[id]
			if !ok || cur.gen != gen {
				t.mu.Unlock()
				return
			}
			delete(t.tasks, id)
			t.mu.Unlock()
			fn()
		}),
	}
}

// Cancel stops the task for id, if any.
func (t *Tasks) Cancel(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.tasks[id]; ok {
		cur.timer.Stop()
		delete(t.tasks, id)
	}
}

// Pending reports whether id has a task that has not fired yet.
func (t *Tasks) Pending(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.tasks[id]
	return ok
}

// CancelAll stops every task.
func (t *Tasks) CancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, cur := range t.tasks {
		cur.timer.Stop()
		delete(t.tasks, id)
	}
}

// Len returns the number of scheduled tasks.
func (t *Tasks) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tasks)
}
