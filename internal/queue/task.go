package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Priority orders tasks in the queue. Higher values dequeue first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// ParsePriority maps a priority name to its value. Unknown names default to
// normal.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*p = ParsePriority(s)
	return nil
}

// TaskState is a task's lifecycle state. PENDING and RUNNING are the only
// non-terminal states.
type TaskState string

const (
	StatePending   TaskState = "pending"
	StateRunning   TaskState = "running"
	StateCompleted TaskState = "completed"
	StateFailed    TaskState = "failed"
	StateCancelled TaskState = "cancelled"
)

// Terminal reports whether the state is immutable once set.
func (s TaskState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Task is one unit of work. The queue is the single writer of State, Result
// and Error; everyone else requests transitions through the queue.
type Task struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Priority    Priority       `json:"priority"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	State       TaskState      `json:"state"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	SubmittedAt time.Time      `json:"submittedAt"`
	FinishedAt  time.Time      `json:"finishedAt,omitzero"`
}

// attemptsKey carries the retry attempt counter in task metadata.
const attemptsKey = "attempts"

// Attempts returns the number of execution attempts recorded so far.
func (t *Task) Attempts() int {
	if t.Metadata == nil {
		return 0
	}
	switch v := t.Metadata[attemptsKey].(type) {
	case int:
		return v
	case float64: // metadata round-tripped through JSON
		return int(v)
	default:
		return 0
	}
}

// InvalidTransitionError indicates a caller requested an illegal task state
// change.
type InvalidTransitionError struct {
	TaskID string
	From   TaskState
	To     TaskState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s: invalid transition %s -> %s", e.TaskID, e.From, e.To)
}
