package model

import "time"

// TaskStatus represents the current state of a task in the queue.
type TaskStatus string

const (
	TaskBlocked   TaskStatus = "blocked"   // Waiting for dependencies to complete
	TaskPending   TaskStatus = "pending"   // Ready to be scheduled
	TaskRunning   TaskStatus = "running"   // Dispatched to an agent
	TaskCompleted TaskStatus = "completed" // Finished successfully
	TaskFailed    TaskStatus = "failed"    // Retries exhausted or cancelled
)

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskBlocked, TaskPending, TaskRunning, TaskCompleted, TaskFailed:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal status.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Priority bands. Higher values are scheduled first.
const (
	PriorityLow    = 0
	PriorityNormal = 1
	PriorityHigh   = 2
	PriorityUrgent = 3
)

// DefaultMaxRetries is the number of automatic retries a task gets before it
// is marked failed.
const DefaultMaxRetries = 2

// Task is a unit of schedulable work owned by a project.
//
// AgentID is nil while the task is unassigned; it must be set while the task
// is running. A task created with unmet dependencies starts blocked and is
// promoted to pending by the scheduler once every dependency has completed.
type Task struct {
	ID          string
	ProjectID   string
	AgentID     *string
	SprintID    *string
	Title       string
	Description string
	Status      TaskStatus
	Priority    int
	RetryCount  int
	MaxRetries  int
	DependsOn   []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Result      *TaskResult
	Error       string
}

// AssignedTo reports whether the task is bound to the given agent.
func (t *Task) AssignedTo(agentID string) bool {
	return t.AgentID != nil && *t.AgentID == agentID
}

// TaskUpdate describes a partial update to a task. Nil fields are left
// unchanged. Clearing nullable columns (agent binding, timestamps, error) is
// done through the store's transition helpers, not through TaskUpdate.
type TaskUpdate struct {
	Title       *string
	Description *string
	AgentID     *string
	SprintID    *string
	Priority    *int
	Status      *TaskStatus
	DependsOn   *[]string
}

// TaskFilter selects tasks in Store.ListTasks. Zero-valued fields match
// everything.
type TaskFilter struct {
	Status   TaskStatus
	AgentID  string
	SprintID string
}

// QueueStats holds per-status task counts for a project.
type QueueStats struct {
	Pending   int `json:"pending"`
	Blocked   int `json:"blocked"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}
