// Package runner drives one external agent CLI subprocess per chat session,
// streaming parsed output events and mediating the interactive permission
// protocol.
package runner

import "encoding/json"

// EventType identifies the kind of event a run emits.
type EventType string

const (
	// EventMessage carries one structured line-delimited JSON event from the
	// subprocess, passed through verbatim in Data.
	EventMessage EventType = "message"
	// EventRaw carries output that failed structured parsing.
	EventRaw EventType = "raw"
	// EventPermission signals a detected permission prompt; the run is
	// suspended until SendInput delivers a response or the wait times out.
	EventPermission EventType = "permission_request"
	// EventResponseSent confirms a permission response was written to the
	// subprocess.
	EventResponseSent EventType = "permission_response_sent"
	// EventDone is the normal terminal event, carrying the exit code.
	EventDone EventType = "done"
	// EventCancelled is the terminal event after a stop request.
	EventCancelled EventType = "cancelled"
	// EventError is the terminal event for runner-level failures, including
	// the permission-response timeout.
	EventError EventType = "error"
)

// Event is one item in a run's output stream.
type Event struct {
	Type EventType `json:"type"`

	Data    json.RawMessage `json:"data,omitempty"`    // EventMessage
	Content string          `json:"content,omitempty"` // EventRaw

	Prompt  string   `json:"prompt,omitempty"`  // EventPermission
	Kind    string   `json:"kind,omitempty"`    // EventPermission: "tool" or "action"
	Tool    string   `json:"tool,omitempty"`    // EventPermission (tool kind)
	Action  string   `json:"action,omitempty"`  // EventPermission
	Options []string `json:"options,omitempty"` // EventPermission

	Response string `json:"response,omitempty"`  // EventResponseSent
	ExitCode int    `json:"exit_code,omitempty"` // EventDone
	Message  string `json:"message,omitempty"`   // EventError
}

// Terminal reports whether the event ends the run.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventDone, EventCancelled, EventError:
		return true
	}
	return false
}
