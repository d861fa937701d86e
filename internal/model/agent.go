package model

import "time"

// AgentStatus is the persisted availability flag of an agent.
type AgentStatus string

const (
	AgentActive   AgentStatus = "active"
	AgentInactive AgentStatus = "inactive"
)

// Agent is a named worker bound to a working directory. The distinguished
// leader agent works in the project root and never receives scheduled tasks;
// every other agent gets an isolated worktree checkout.
type Agent struct {
	ID           string
	ProjectID    string
	Name         string
	Domain       string
	WorktreePath *string
	Status       AgentStatus
	IsLeader     bool
	CreatedAt    time.Time
}

// WorkDir returns the agent's working directory, falling back to the project
// root when no worktree has been provisioned.
func (a *Agent) WorkDir(projectRoot string) string {
	if a.WorktreePath != nil && *a.WorktreePath != "" {
		return *a.WorktreePath
	}
	return projectRoot
}

// AgentUpdate describes a partial update to an agent. Nil fields are left
// unchanged.
type AgentUpdate struct {
	Name         *string
	Domain       *string
	WorktreePath *string
	Status       *AgentStatus
}
