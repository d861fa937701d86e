package bus

import (
	"encoding/json"
	"time"
)

// Event is the base interface for everything published on the bus.
type Event interface {
	EventType() string
}

// Topic constants.
const (
	TopicTask      = "task"
	TopicScheduler = "scheduler"
	TopicFiles     = "files"
)

// Event type constants. These are also the wire-level "type" strings the hub
// sends to websocket clients.
const (
	EventTypeTaskDispatched = "task_dispatched"
	EventTypeTaskCompleted  = "task_completed"
	EventTypeTaskFailed     = "task_failed"
	EventTypeTaskRetried    = "task_retried"
	EventTypeTaskCancelled  = "task_cancelled"
	EventTypeTaskUnblocked  = "task_unblocked"

	EventTypeSchedulerPaused  = "scheduler_paused"
	EventTypeSchedulerResumed = "scheduler_resumed"

	EventTypeStateChanged  = "state_changed"
	EventTypeResultWritten = "result_written"
)

// TaskDispatchedEvent is published when a task is handed to an agent.
type TaskDispatchedEvent struct {
	ID        string    `json:"task_id"`
	AgentID   string    `json:"agent_id"`
	AgentName string    `json:"agent_name"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
}

func (e TaskDispatchedEvent) EventType() string { return EventTypeTaskDispatched }

// TaskCompletedEvent is published when a dispatch finishes successfully.
type TaskCompletedEvent struct {
	ID        string    `json:"task_id"`
	AgentName string    `json:"agent_name"`
	Summary   string    `json:"summary,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }

// TaskFailedEvent is published when a task's retries are exhausted or it is
// cancelled.
type TaskFailedEvent struct {
	ID        string    `json:"task_id"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }

// TaskRetriedEvent is published when a failed attempt is returned to the
// pending pool.
type TaskRetriedEvent struct {
	ID         string    `json:"task_id"`
	RetryCount int       `json:"retry_count"`
	MaxRetries int       `json:"max_retries"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e TaskRetriedEvent) EventType() string { return EventTypeTaskRetried }

// TaskCancelledEvent is published when a running task is cancelled by the
// user.
type TaskCancelledEvent struct {
	ID        string    `json:"task_id"`
	Timestamp time.Time `json:"timestamp"`
}

func (e TaskCancelledEvent) EventType() string { return EventTypeTaskCancelled }

// TaskUnblockedEvent is published when a blocked task's dependencies have all
// completed.
type TaskUnblockedEvent struct {
	ID        string    `json:"task_id"`
	Timestamp time.Time `json:"timestamp"`
}

func (e TaskUnblockedEvent) EventType() string { return EventTypeTaskUnblocked }

// SchedulerPausedEvent is published once when rate limiting halts dispatch.
type SchedulerPausedEvent struct {
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

func (e SchedulerPausedEvent) EventType() string { return EventTypeSchedulerPaused }

// SchedulerResumedEvent is published once when dispatch resumes.
type SchedulerResumedEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

func (e SchedulerResumedEvent) EventType() string { return EventTypeSchedulerResumed }

// StateChangedEvent is published when the team-state document changes on
// disk.
type StateChangedEvent struct {
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
}

func (e StateChangedEvent) EventType() string { return EventTypeStateChanged }

// ResultWrittenEvent is published when an agent writes a result artifact.
type ResultWrittenEvent struct {
	Path      string    `json:"path"`
	AgentName string    `json:"agent_name,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (e ResultWrittenEvent) EventType() string { return EventTypeResultWritten }

// Envelope wraps an event in the {type, data} shape the websocket clients
// consume.
func Envelope(e Event) ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		Data Event  `json:"data"`
	}{Type: e.EventType(), Data: e})
}
