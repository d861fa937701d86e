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

// ErrLeaderImmutable is returned for operations that are not permitted on a
// project's leader agent.
var ErrLeaderImmutable = errors.New("leader agent cannot be deleted")

// CreateAgent creates a non-leader agent for a project.
func (s *SQLiteStore) CreateAgent(ctx context.Context, projectID, name, domain string, worktreePath *string) (*model.Agent, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, project_id, name, domain, worktree_path, status, is_leader, created_at)
		VALUES (?, ?, ?, ?, ?, 'active', 0, ?)
	`, id, projectID, name, domain, worktreePath, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to insert agent: %w", err)
	}
	return s.GetAgent(ctx, id)
}

// GetAgent retrieves an agent by ID.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	return s.scanAgent(s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, domain, worktree_path, status, is_leader, created_at
		FROM agents WHERE id = ?
	`, id))
}

// GetAgentByName retrieves an agent by project and name.
func (s *SQLiteStore) GetAgentByName(ctx context.Context, projectID, name string) (*model.Agent, error) {
	return s.scanAgent(s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, domain, worktree_path, status, is_leader, created_at
		FROM agents WHERE project_id = ? AND name = ?
	`, projectID, name))
}

// ListAgents returns all agents for a project, leader first, then by name.
func (s *SQLiteStore) ListAgents(ctx context.Context, projectID string) ([]*model.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, name, domain, worktree_path, status, is_leader, created_at
		FROM agents
		WHERE project_id = ?
		ORDER BY is_leader DESC, name ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()

	var agents []*model.Agent
	for rows.Next() {
		a, err := s.scanAgentRow(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// UpdateAgent applies a partial update. Nil fields are left unchanged.
func (s *SQLiteStore) UpdateAgent(ctx context.Context, id string, upd model.AgentUpdate) (*model.Agent, error) {
	if upd.Status != nil {
		switch *upd.Status {
		case model.AgentActive, model.AgentInactive:
		default:
			return nil, fmt.Errorf("invalid agent status %q", *upd.Status)
		}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET
			name = COALESCE(?, name),
			domain = COALESCE(?, domain),
			worktree_path = COALESCE(?, worktree_path),
			status = COALESCE(?, status)
		WHERE id = ?
	`, upd.Name, upd.Domain, upd.WorktreePath, upd.Status, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return s.GetAgent(ctx, id)
}

// DeleteAgent removes a non-leader agent. Deleting the leader is refused.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ? AND is_leader = 0`, id)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Distinguish a missing agent from a protected leader.
		if _, getErr := s.GetAgent(ctx, id); getErr == nil {
			return ErrLeaderImmutable
		}
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetLeader makes the given agent the project leader, clearing the flag on
// every other agent in the same transaction.
func (s *SQLiteStore) SetLeader(ctx context.Context, projectID, agentID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE agents SET is_leader = 0 WHERE project_id = ?
	`, projectID); err != nil {
		return fmt.Errorf("failed to clear leader flags: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE agents SET is_leader = 1 WHERE id = ? AND project_id = ?
	`, agentID, projectID)
	if err != nil {
		return fmt.Errorf("failed to set leader: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) scanAgent(row *sql.Row) (*model.Agent, error) {
	a, err := s.scanAgentRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent: %w", ErrNotFound)
	}
	return a, err
}

func (s *SQLiteStore) scanAgentRow(row rowScanner) (*model.Agent, error) {
	a := &model.Agent{}
	var leader int
	var worktree sql.NullString
	err := row.Scan(&a.ID, &a.ProjectID, &a.Name, &a.Domain, &worktree, &a.Status, &leader, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.IsLeader = leader != 0
	if worktree.Valid {
		a.WorktreePath = &worktree.String
	}
	return a, nil
}
