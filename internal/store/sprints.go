package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agentdeck/internal/model"
)

// CreateSprint creates a sprint in the planning state.
func (s *SQLiteStore) CreateSprint(ctx context.Context, projectID, name, goal string) (*model.Sprint, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sprints (id, project_id, name, goal, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'planning', ?, ?)
	`, id, projectID, name, goal, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert sprint: %w", err)
	}
	return s.GetSprint(ctx, id)
}

// GetSprint retrieves a sprint by ID.
func (s *SQLiteStore) GetSprint(ctx context.Context, id string) (*model.Sprint, error) {
	sp, err := s.scanSprintRow(s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, goal, status, start_date, end_date, created_at, updated_at
		FROM sprints WHERE id = ?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sprint %s: %w", id, ErrNotFound)
	}
	return sp, err
}

// ListSprints returns all sprints for a project, newest first.
func (s *SQLiteStore) ListSprints(ctx context.Context, projectID string) ([]*model.Sprint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, name, goal, status, start_date, end_date, created_at, updated_at
		FROM sprints WHERE project_id = ?
		ORDER BY created_at DESC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sprints: %w", err)
	}
	defer rows.Close()

	var sprints []*model.Sprint
	for rows.Next() {
		sp, err := s.scanSprintRow(rows)
		if err != nil {
			return nil, err
		}
		sprints = append(sprints, sp)
	}
	return sprints, rows.Err()
}

// UpdateSprint applies a partial update. Moving to active stamps start_date;
// moving to a terminal status stamps end_date.
func (s *SQLiteStore) UpdateSprint(ctx context.Context, id string, upd model.SprintUpdate) (*model.Sprint, error) {
	if upd.Status != nil {
		switch *upd.Status {
		case model.SprintPlanning, model.SprintActive, model.SprintCompleted, model.SprintCancelled:
		default:
			return nil, fmt.Errorf("invalid sprint status %q", *upd.Status)
		}
	}

	startDate, endDate := upd.StartDate, upd.EndDate
	if upd.Status != nil {
		now := time.Now().UTC()
		switch *upd.Status {
		case model.SprintActive:
			if startDate == nil {
				startDate = &now
			}
		case model.SprintCompleted, model.SprintCancelled:
			if endDate == nil {
				endDate = &now
			}
		}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sprints SET
			name = COALESCE(?, name),
			goal = COALESCE(?, goal),
			status = COALESCE(?, status),
			start_date = COALESCE(?, start_date),
			end_date = COALESCE(?, end_date),
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, upd.Name, upd.Goal, upd.Status, startDate, endDate, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update sprint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("sprint %s: %w", id, ErrNotFound)
	}
	return s.GetSprint(ctx, id)
}

// DeleteSprint removes a sprint. Tasks referencing it fall back to NULL via
// the foreign key.
func (s *SQLiteStore) DeleteSprint(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sprints WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete sprint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sprint %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) scanSprintRow(row rowScanner) (*model.Sprint, error) {
	sp := &model.Sprint{}
	var start, end sql.NullTime
	err := row.Scan(&sp.ID, &sp.ProjectID, &sp.Name, &sp.Goal, &sp.Status,
		&start, &end, &sp.CreatedAt, &sp.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if start.Valid {
		sp.StartDate = &start.Time
	}
	if end.Valid {
		sp.EndDate = &end.Time
	}
	return sp, nil
}
