package model

import "time"

// SprintStatus is the lifecycle state of a sprint.
type SprintStatus string

const (
	SprintPlanning  SprintStatus = "planning"
	SprintActive    SprintStatus = "active"
	SprintCompleted SprintStatus = "completed"
	SprintCancelled SprintStatus = "cancelled"
)

// Sprint groups tasks under a shared goal and time window.
type Sprint struct {
	ID        string
	ProjectID string
	Name      string
	Goal      string
	Status    SprintStatus
	StartDate *time.Time
	EndDate   *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SprintUpdate describes a partial update to a sprint. Nil fields are left
// unchanged.
type SprintUpdate struct {
	Name      *string
	Goal      *string
	Status    *SprintStatus
	StartDate *time.Time
	EndDate   *time.Time
}
