package schedule

import (
	"sort"
	"sync"
	"time"
)

// PendingDependentTask is a verification run waiting for its fire time
type PendingDependentTask struct {
	ID         uint64
	TriggerJob string
	Payload    []byte
	EnqueuedAt time.Time
	FireAt     time.Time
	Completed  bool
}

// DependentQueue holds verification runs scheduled after primary successes.
// Tasks are handed out at most once; a failed verification is not requeued.
type DependentQueue struct {
	mu     sync.Mutex
	tasks  []*PendingDependentTask // ordered by FireAt, then ID
	nextID uint64
	clock  Clock
}

// NewDependentQueue creates an empty queue. A nil clock means wall time.
func NewDependentQueue(clock Clock) *DependentQueue {
	if clock == nil {
		clock = RealClock()
	}
	return &DependentQueue{clock: clock}
}

// Enqueue schedules a verification of trigger's run, delay from now
func (q *DependentQueue) Enqueue(trigger string, payload []byte, delay time.Duration) PendingDependentTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	q.nextID++
	task := &PendingDependentTask{
		ID:         q.nextID,
		TriggerJob: trigger,
		Payload:    payload,
		EnqueuedAt: now,
		FireAt:     now.Add(delay),
	}

	// Keep FireAt order when delays differ between enqueues
	i := sort.Search(len(q.tasks), func(i int) bool {
		return q.tasks[i].FireAt.After(task.FireAt)
	})
	q.tasks = append(q.tasks, nil)
	copy(q.tasks[i+1:], q.tasks[i:])
	q.tasks[i] = task

	return *task
}

// DrainDue returns every task with FireAt <= now, marked completed
func (q *DependentQueue) DrainDue(now time.Time) []PendingDependentTask {
	return q.DrainDueN(now, -1)
}

// DrainDueN is DrainDue limited to max tasks, earliest first. Due tasks over
// the limit stay pending. A negative max means no limit.
func (q *DependentQueue) DrainDueN(now time.Time, max int) []PendingDependentTask {
	return q.DrainDueWhere(now, max, nil)
}

// DrainDueWhere is DrainDueN restricted to due tasks accepted by ready. Due
// tasks that ready rejects stay pending for a later drain. A nil ready
// accepts every task. ready is called with the queue lock held.
func (q *DependentQueue) DrainDueWhere(now time.Time, max int, ready func(PendingDependentTask) bool) []PendingDependentTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []PendingDependentTask
	for _, task := range q.tasks {
		if max >= 0 && len(due) >= max {
			break
		}
		if task.FireAt.After(now) {
			break
		}
		if ready != nil && !ready(*task) {
			continue
		}
		task.Completed = true
		due = append(due, *task)
	}
	q.purge()
	return due
}

// purge drops completed tasks
func (q *DependentQueue) purge() {
	kept := q.tasks[:0]
	for _, task := range q.tasks {
		if !task.Completed {
			kept = append(kept, task)
		}
	}
	for i := len(kept); i < len(q.tasks); i++ {
		q.tasks[i] = nil
	}
	q.tasks = kept
}

// Pending returns the number of tasks not yet drained
func (q *DependentQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// PendingTasks returns a copy of the tasks not yet drained
func (q *DependentQueue) PendingTasks() []PendingDependentTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]PendingDependentTask, len(q.tasks))
	for i, task := range q.tasks {
		out[i] = *task
	}
	return out
}

// NextFireAt returns the earliest pending fire time
func (q *DependentQueue) NextFireAt() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return time.Time{}, false
	}
	return q.tasks[0].FireAt, true
}
