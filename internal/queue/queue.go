package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrQueueFull is surfaced when Submit is rejected at MaxSize. Never
	// silently dropped.
	ErrQueueFull = errors.New("task queue full")
	// ErrNotFound is returned for unknown task IDs.
	ErrNotFound = errors.New("task not found")
	// ErrDuplicateID is returned when a caller-supplied task ID is already
	// known to the queue, in any state.
	ErrDuplicateID = errors.New("task ID already exists")
)

type Config struct {
	MaxSize int
}

func DefaultConfig() Config {
	return Config{MaxSize: 1000}
}

type item struct {
	task *Task
	seq  int64 // submission order, FIFO within equal priority
}

type pendingHeap []*item

func (h pendingHeap) Len() int { return len(h) }
func (h pendingHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}
func (h pendingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *pendingHeap) Push(x any)   { *h = append(*h, x.(*item)) }
func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue is a priority-ordered, bounded mailbox of tasks. It is the single
// writer of task state; transitions requested by callers are validated here.
type Queue struct {
	cfg Config

	mu      sync.Mutex
	tasks   map[string]*Task
	pending pendingHeap
	seq     int64
	wake    chan struct{} // closed and replaced whenever work arrives
}

func New(cfg Config) *Queue {
	return &Queue{
		cfg:   cfg,
		tasks: make(map[string]*Task),
		wake:  make(chan struct{}),
	}
}

// Submit enqueues a task, assigning an ID when absent. Rejects with
// ErrQueueFull when the pending set is at MaxSize, and with ErrDuplicateID
// when a caller-supplied ID is already tracked: an overwrite would leave the
// displaced task orphaned in the pending heap.
func (q *Queue) Submit(t *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pendingCountLocked() >= q.cfg.MaxSize {
		return ErrQueueFull
	}

	if t.ID == "" {
		t.ID = uuid.NewString()
	} else if _, exists := q.tasks[t.ID]; exists {
		return ErrDuplicateID
	}
	t.State = StatePending
	t.SubmittedAt = time.Now()

	q.tasks[t.ID] = t
	q.pushLocked(t)
	return nil
}

// Next blocks until a pending task is available and returns the
// highest-priority one, transitioning it to RUNNING atomically with the
// dequeue. Returns a snapshot; callers never hold queue-owned state.
func (q *Queue) Next(ctx context.Context) (*Task, error) {
	q.mu.Lock()
	for {
		if t := q.popLocked(); t != nil {
			t.State = StateRunning
			snap := q.snapshotLocked(t)
			q.mu.Unlock()
			return snap, nil
		}

		wake := q.wake
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
		q.mu.Lock()
	}
}

// Get returns a snapshot of the task.
func (q *Queue) Get(taskID string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return q.snapshotLocked(t), nil
}

// UpdateState applies a bare state transition, validating legality.
func (q *Queue) UpdateState(taskID string, state TaskState) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	return q.transitionLocked(t, state)
}

// Complete marks a RUNNING task COMPLETED and attaches its result.
func (q *Queue) Complete(taskID string, result any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if err := q.transitionLocked(t, StateCompleted); err != nil {
		return err
	}
	t.Result = result
	return nil
}

// Fail marks a RUNNING task FAILED and attaches the error.
func (q *Queue) Fail(taskID string, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if err := q.transitionLocked(t, StateFailed); err != nil {
		return err
	}
	t.Error = errMsg
	return nil
}

// Cancel is legal only from PENDING or RUNNING.
func (q *Queue) Cancel(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	return q.transitionLocked(t, StateCancelled)
}

// Requeue puts a RUNNING task back in the pending set, optionally counting
// an execution attempt in the task's metadata. A circuit-breaker denial
// requeues without counting; a failed execution counts.
func (q *Queue) Requeue(taskID string, countAttempt bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if err := q.transitionLocked(t, StatePending); err != nil {
		return err
	}
	if countAttempt {
		if t.Metadata == nil {
			t.Metadata = make(map[string]any)
		}
		t.Metadata[attemptsKey] = t.Attempts() + 1
	}
	q.pushLocked(t)
	return nil
}

// Stats returns task counts by state.
func (q *Queue) Stats() map[TaskState]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := make(map[TaskState]int)
	for _, t := range q.tasks {
		stats[t.State]++
	}
	return stats
}

var legalTransitions = map[TaskState][]TaskState{
	StatePending: {StateRunning, StateCancelled},
	StateRunning: {StateCompleted, StateFailed, StateCancelled, StatePending},
}

func (q *Queue) transitionLocked(t *Task, to TaskState) error {
	for _, allowed := range legalTransitions[t.State] {
		if allowed == to {
			t.State = to
			if to.Terminal() {
				t.FinishedAt = time.Now()
			}
			return nil
		}
	}
	return &InvalidTransitionError{TaskID: t.ID, From: t.State, To: to}
}

func (q *Queue) pushLocked(t *Task) {
	q.seq++
	heap.Push(&q.pending, &item{task: t, seq: q.seq})

	// Broadcast to blocked Next callers
	close(q.wake)
	q.wake = make(chan struct{})
}

// popLocked returns the next PENDING task, skipping entries cancelled while
// queued (lazy deletion).
func (q *Queue) popLocked() *Task {
	for q.pending.Len() > 0 {
		it := heap.Pop(&q.pending).(*item)
		if it.task.State == StatePending {
			return it.task
		}
	}
	return nil
}

func (q *Queue) pendingCountLocked() int {
	n := 0
	for _, it := range q.pending {
		if it.task.State == StatePending {
			n++
		}
	}
	return n
}

func (q *Queue) snapshotLocked(t *Task) *Task {
	snap := *t
	if t.Metadata != nil {
		snap.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			snap.Metadata[k] = v
		}
	}
	return &snap
}
