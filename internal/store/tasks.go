package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gammazero/toposort"
	"github.com/google/uuid"

	"agentdeck/internal/model"
)

// ErrTaskRunning is returned when an operation is refused because the task is
// currently dispatched.
var ErrTaskRunning = errors.New("task is running")

// CreateTask inserts a task. Dependencies must reference existing tasks in the
// same project and must not introduce a cycle. The initial status is derived:
// blocked when any dependency is not yet completed, pending otherwise.
func (s *SQLiteStore) CreateTask(ctx context.Context, projectID, title, description string, agentID, sprintID *string, priority int, dependsOn []string) (*model.Task, error) {
	if title == "" {
		return nil, errors.New("task title is required")
	}
	if priority < model.PriorityLow || priority > model.PriorityUrgent {
		return nil, fmt.Errorf("priority %d out of range", priority)
	}

	id := uuid.NewString()
	status, err := s.validateDependencies(ctx, projectID, id, dependsOn)
	if err != nil {
		return nil, err
	}

	depsJSON, err := json.Marshal(dependsOn)
	if err != nil {
		return nil, fmt.Errorf("failed to encode dependencies: %w", err)
	}
	if dependsOn == nil {
		depsJSON = []byte("[]")
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, agent_id, sprint_id, title, description,
			status, priority, retry_count, max_retries, depends_on, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
	`, id, projectID, agentID, sprintID, title, description,
		status, priority, model.DefaultMaxRetries, string(depsJSON), now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert task: %w", err)
	}
	return s.GetTask(ctx, id)
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	t, err := s.scanTaskRow(s.db.QueryRowContext(ctx, taskSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

// ListTasks returns tasks for a project matching the filter, ordered by
// priority descending, then creation time, then ID for a stable order.
func (s *SQLiteStore) ListTasks(ctx context.Context, projectID string, filter model.TaskFilter) ([]*model.Task, error) {
	query := taskSelect + ` WHERE project_id = ?`
	args := []any{projectID}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, filter.AgentID)
	}
	if filter.SprintID != "" {
		query += ` AND sprint_id = ?`
		args = append(args, filter.SprintID)
	}
	query += ` ORDER BY priority DESC, created_at ASC, id ASC`

	return s.queryTasks(ctx, query, args...)
}

// GetBlockedTasks returns every blocked task for a project in stable order.
func (s *SQLiteStore) GetBlockedTasks(ctx context.Context, projectID string) ([]*model.Task, error) {
	return s.ListTasks(ctx, projectID, model.TaskFilter{Status: model.TaskBlocked})
}

// UpdateTask applies a partial update. Changing DependsOn re-validates the
// dependency graph and re-derives blocked/pending status for non-terminal,
// non-running tasks.
func (s *SQLiteStore) UpdateTask(ctx context.Context, id string, upd model.TaskUpdate) (*model.Task, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	if upd.Status != nil && !upd.Status.Valid() {
		return nil, fmt.Errorf("invalid task status %q", *upd.Status)
	}
	if upd.Priority != nil && (*upd.Priority < model.PriorityLow || *upd.Priority > model.PriorityUrgent) {
		return nil, fmt.Errorf("priority %d out of range", *upd.Priority)
	}

	var depsJSON *string
	derivedStatus := upd.Status
	if upd.DependsOn != nil {
		status, err := s.validateDependencies(ctx, task.ProjectID, id, *upd.DependsOn)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(*upd.DependsOn)
		if err != nil {
			return nil, fmt.Errorf("failed to encode dependencies: %w", err)
		}
		if *upd.DependsOn == nil {
			raw = []byte("[]")
		}
		enc := string(raw)
		depsJSON = &enc

		// Re-derive readiness unless the caller set an explicit status or the
		// task is past scheduling.
		if derivedStatus == nil && (task.Status == model.TaskBlocked || task.Status == model.TaskPending) {
			derivedStatus = &status
		}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			title = COALESCE(?, title),
			description = COALESCE(?, description),
			agent_id = COALESCE(?, agent_id),
			sprint_id = COALESCE(?, sprint_id),
			priority = COALESCE(?, priority),
			status = COALESCE(?, status),
			depends_on = COALESCE(?, depends_on),
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, upd.Title, upd.Description, upd.AgentID, upd.SprintID, upd.Priority, derivedStatus, depsJSON, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return s.GetTask(ctx, id)
}

// DeleteTask removes a task. Running tasks must be cancelled first.
func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Status == model.TaskRunning {
		return ErrTaskRunning
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// QueueStats returns per-status task counts for a project.
func (s *SQLiteStore) QueueStats(ctx context.Context, projectID string) (*model.QueueStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM tasks WHERE project_id = ? GROUP BY status
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue stats: %w", err)
	}
	defer rows.Close()

	stats := &model.QueueStats{}
	for rows.Next() {
		var status model.TaskStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch status {
		case model.TaskPending:
			stats.Pending = count
		case model.TaskBlocked:
			stats.Blocked = count
		case model.TaskRunning:
			stats.Running = count
		case model.TaskCompleted:
			stats.Completed = count
		case model.TaskFailed:
			stats.Failed = count
		}
		stats.Total += count
	}
	return stats, rows.Err()
}

// MarkTaskRunning binds a pending task to an agent and stamps started_at. The
// status guard makes concurrent dispatch of the same task a no-op for the
// loser.
func (s *SQLiteStore) MarkTaskRunning(ctx context.Context, id, agentID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			status = 'running',
			agent_id = ?,
			started_at = CURRENT_TIMESTAMP,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'pending'
	`, agentID, id)
	if err != nil {
		return fmt.Errorf("failed to mark task running: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s is not pending: %w", id, ErrNotFound)
	}
	return nil
}

// MarkTaskCompleted finalizes a task with its result payload.
func (s *SQLiteStore) MarkTaskCompleted(ctx context.Context, id string, result *model.TaskResult) error {
	var resultJSON *string
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		enc := string(raw)
		resultJSON = &enc
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			status = 'completed',
			result = ?,
			error = '',
			completed_at = CURRENT_TIMESTAMP,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, resultJSON, id)
	if err != nil {
		return fmt.Errorf("failed to mark task completed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkTaskFailed finalizes a task as failed with a truncated error message.
func (s *SQLiteStore) MarkTaskFailed(ctx context.Context, id, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			status = 'failed',
			error = ?,
			completed_at = CURRENT_TIMESTAMP,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, truncateError(errMsg), id)
	if err != nil {
		return fmt.Errorf("failed to mark task failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// ResetTaskForRetry returns a task to the pending pool after a failed attempt,
// recording the attempt count and last error. The agent binding and timestamps
// are cleared so the next pass can reassign it.
func (s *SQLiteStore) ResetTaskForRetry(ctx context.Context, id string, retryCount int, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			status = 'pending',
			retry_count = ?,
			error = ?,
			agent_id = NULL,
			started_at = NULL,
			completed_at = NULL,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, retryCount, truncateError(errMsg), id)
	if err != nil {
		return fmt.Errorf("failed to reset task for retry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// ResetTaskForManualRetry requeues a failed task with a fresh retry budget.
// Only failed tasks can be requeued this way.
func (s *SQLiteStore) ResetTaskForManualRetry(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			status = 'pending',
			retry_count = 0,
			error = '',
			result = NULL,
			agent_id = NULL,
			started_at = NULL,
			completed_at = NULL,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'failed'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to reset task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s is not failed: %w", id, ErrNotFound)
	}
	return nil
}

// UnblockTask promotes a blocked task to pending.
func (s *SQLiteStore) UnblockTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'pending', updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'blocked'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to unblock task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s is not blocked: %w", id, ErrNotFound)
	}
	return nil
}

// validateDependencies checks that every dependency exists in the project and
// that the resulting graph stays acyclic, then derives the initial status for
// the task: pending when every dependency has completed, blocked otherwise.
func (s *SQLiteStore) validateDependencies(ctx context.Context, projectID, taskID string, dependsOn []string) (model.TaskStatus, error) {
	if len(dependsOn) == 0 {
		return model.TaskPending, nil
	}

	existing, err := s.queryTasks(ctx, taskSelect+` WHERE project_id = ?`, projectID)
	if err != nil {
		return "", err
	}
	byID := make(map[string]*model.Task, len(existing))
	for _, t := range existing {
		byID[t.ID] = t
	}

	ready := true
	for _, depID := range dependsOn {
		if depID == taskID {
			return "", fmt.Errorf("task cannot depend on itself")
		}
		dep, ok := byID[depID]
		if !ok {
			return "", fmt.Errorf("dependency %q does not exist", depID)
		}
		if dep.Status != model.TaskCompleted {
			ready = false
		}
	}

	// Edge (dep, task) means dep must come before task.
	var edges []toposort.Edge
	for _, t := range existing {
		if t.ID == taskID {
			continue
		}
		for _, depID := range t.DependsOn {
			edges = append(edges, toposort.Edge{depID, t.ID})
		}
	}
	for _, depID := range dependsOn {
		edges = append(edges, toposort.Edge{depID, taskID})
	}
	if _, err := toposort.Toposort(edges); err != nil {
		return "", fmt.Errorf("dependency cycle: %w", err)
	}

	if ready {
		return model.TaskPending, nil
	}
	return model.TaskBlocked, nil
}

const taskSelect = `
	SELECT id, project_id, agent_id, sprint_id, title, description,
		status, priority, retry_count, max_retries, depends_on, result, error,
		created_at, updated_at, started_at, completed_at
	FROM tasks`

func (s *SQLiteStore) queryTasks(ctx context.Context, query string, args ...any) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := s.scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) scanTaskRow(row rowScanner) (*model.Task, error) {
	t := &model.Task{}
	var agentID, sprintID, depsJSON, resultJSON sql.NullString
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&t.ID, &t.ProjectID, &agentID, &sprintID, &t.Title, &t.Description,
		&t.Status, &t.Priority, &t.RetryCount, &t.MaxRetries, &depsJSON, &resultJSON, &t.Error,
		&t.CreatedAt, &t.UpdatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if agentID.Valid {
		t.AgentID = &agentID.String
	}
	if sprintID.Valid {
		t.SprintID = &sprintID.String
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	if depsJSON.Valid && depsJSON.String != "" {
		if err := json.Unmarshal([]byte(depsJSON.String), &t.DependsOn); err != nil {
			return nil, fmt.Errorf("failed to decode dependencies for task %s: %w", t.ID, err)
		}
	}
	if resultJSON.Valid && resultJSON.String != "" {
		t.Result = &model.TaskResult{}
		if err := json.Unmarshal([]byte(resultJSON.String), t.Result); err != nil {
			return nil, fmt.Errorf("failed to decode result for task %s: %w", t.ID, err)
		}
	}
	return t, nil
}

// truncateError caps stored error messages so a flooded stderr cannot bloat
// the tasks table.
func truncateError(msg string) string {
	const max = 200
	if len(msg) > max {
		return msg[:max]
	}
	return msg
}
