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

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// CreateProject creates a project, marks it active (deactivating the rest),
// and provisions its leader agent bound to the project root.
func (s *SQLiteStore) CreateProject(ctx context.Context, name, rootPath, description string) (*model.Project, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE projects SET is_active = 0`); err != nil {
		return nil, fmt.Errorf("failed to deactivate projects: %w", err)
	}

	projectID := uuid.NewString()
	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO projects (id, name, root_path, description, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)
	`, projectID, name, rootPath, description, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert project: %w", err)
	}

	// Every project gets a leader working in the project root.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO agents (id, project_id, name, domain, worktree_path, status, is_leader, created_at)
		VALUES (?, ?, ?, '.', ?, 'active', 1, ?)
	`, uuid.NewString(), projectID, model.LeaderName, rootPath, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create leader agent: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return s.GetProject(ctx, projectID)
}

// GetProject retrieves a project by ID.
func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*model.Project, error) {
	return s.scanProject(s.db.QueryRowContext(ctx, `
		SELECT id, name, root_path, description, is_active, created_at, updated_at
		FROM projects WHERE id = ?
	`, id))
}

// GetProjectByPath retrieves a project by its root path.
func (s *SQLiteStore) GetProjectByPath(ctx context.Context, rootPath string) (*model.Project, error) {
	return s.scanProject(s.db.QueryRowContext(ctx, `
		SELECT id, name, root_path, description, is_active, created_at, updated_at
		FROM projects WHERE root_path = ?
	`, rootPath))
}

// ListProjects returns all projects, active first, most recently updated next.
func (s *SQLiteStore) ListProjects(ctx context.Context) ([]*model.Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, root_path, description, is_active, created_at, updated_at
		FROM projects
		ORDER BY is_active DESC, updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer rows.Close()

	var projects []*model.Project
	for rows.Next() {
		p, err := s.scanProjectRow(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// UpdateProject applies a partial update. Nil fields are left unchanged.
func (s *SQLiteStore) UpdateProject(ctx context.Context, id string, name, description *string) (*model.Project, error) {
	if name == nil && description == nil {
		return s.GetProject(ctx, id)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE projects SET
			name = COALESCE(?, name),
			description = COALESCE(?, description),
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, name, description, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return s.GetProject(ctx, id)
}

// DeleteProject removes a project and, via cascade, its agents, sprints and
// tasks.
func (s *SQLiteStore) DeleteProject(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetActiveProject marks one project active and deactivates the rest.
func (s *SQLiteStore) SetActiveProject(ctx context.Context, id string) (*model.Project, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE projects SET is_active = 0`); err != nil {
		return nil, fmt.Errorf("failed to deactivate projects: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE projects SET is_active = 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to activate project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return s.GetProject(ctx, id)
}

// GetActiveProject returns the currently active project, or ErrNotFound.
func (s *SQLiteStore) GetActiveProject(ctx context.Context) (*model.Project, error) {
	return s.scanProject(s.db.QueryRowContext(ctx, `
		SELECT id, name, root_path, description, is_active, created_at, updated_at
		FROM projects WHERE is_active = 1 LIMIT 1
	`))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanProject(row *sql.Row) (*model.Project, error) {
	p, err := s.scanProjectRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project: %w", ErrNotFound)
	}
	return p, err
}

func (s *SQLiteStore) scanProjectRow(row rowScanner) (*model.Project, error) {
	p := &model.Project{}
	var active int
	err := row.Scan(&p.ID, &p.Name, &p.RootPath, &p.Description, &active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.IsActive = active != 0
	return p, nil
}
