// Package teamstate reads the team coordination document maintained by the
// agents themselves. The scheduler treats it as advisory input: a missing or
// malformed file degrades to defaults rather than stopping scheduling.
package teamstate

import (
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Work modes declared in the team-state document. The mode controls how often
// the scheduler polls.
const (
	ModeBurst     = "burst"
	ModeThrottled = "throttled"
	ModeScheduled = "scheduled"
)

// Poll intervals per mode. Scheduled mode falls back to the configured
// default interval.
const (
	BurstInterval     = 2 * time.Second
	ThrottledInterval = 30 * time.Second
	DefaultInterval   = 5 * time.Second
)

// AgentState is the transient operational status an agent reports for itself.
type AgentState struct {
	Status string `yaml:"status"`
	Task   string `yaml:"task,omitempty"`
}

// State is the parsed team-state document.
type State struct {
	Mode   string                `yaml:"mode"`
	Agents map[string]AgentState `yaml:"agents"`
}

// Idle reports whether the document considers the named agent available for
// new work. An agent with no entry is available; only an explicit status other
// than idle or done vetoes assignment.
func (s *State) Idle(agentName string) bool {
	if s == nil || s.Agents == nil {
		return true
	}
	entry, ok := s.Agents[agentName]
	if !ok {
		return true
	}
	return entry.Status == "" || entry.Status == "idle" || entry.Status == "done"
}

// Interval maps the declared work mode to a poll interval. Unknown or empty
// modes behave like scheduled mode.
func (s *State) Interval(scheduled time.Duration) time.Duration {
	if scheduled <= 0 {
		scheduled = DefaultInterval
	}
	if s == nil {
		return scheduled
	}
	switch s.Mode {
	case ModeBurst:
		return BurstInterval
	case ModeThrottled:
		return ThrottledInterval
	default:
		return scheduled
	}
}

// Load parses the team-state document at path. A missing file returns an
// empty state; a malformed file logs once per call and also returns an empty
// state so one bad edit cannot stall the scheduler.
func Load(path string) *State {
	data, err := os.ReadFile(path)
	if err != nil {
		return &State{}
	}

	state := &State{}
	if err := yaml.Unmarshal(data, state); err != nil {
		log.Printf("team state: malformed %s: %v (using defaults)", path, err)
		return &State{}
	}
	return state
}
