package model

import "time"

// Project is a root directory under orchestration. At most one project is
// active at a time; creating or activating a project deactivates the rest.
type Project struct {
	ID          string
	Name        string
	RootPath    string
	Description string
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// LeaderName is the reserved name of the agent created with every project.
const LeaderName = "leader"
