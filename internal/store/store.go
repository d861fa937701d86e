package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"agentdeck/internal/model"
	_ "modernc.org/sqlite"
)

// Store is the persistence contract the scheduler, runner, and HTTP surface
// depend on. Every mutation is a single atomic statement or transaction; no
// method spans multiple calls.
type Store interface {
	// Projects
	CreateProject(ctx context.Context, name, rootPath, description string) (*model.Project, error)
	GetProject(ctx context.Context, id string) (*model.Project, error)
	GetProjectByPath(ctx context.Context, rootPath string) (*model.Project, error)
	ListProjects(ctx context.Context) ([]*model.Project, error)
	UpdateProject(ctx context.Context, id string, name, description *string) (*model.Project, error)
	DeleteProject(ctx context.Context, id string) error
	SetActiveProject(ctx context.Context, id string) (*model.Project, error)
	GetActiveProject(ctx context.Context) (*model.Project, error)

	// Agents
	CreateAgent(ctx context.Context, projectID, name, domain string, worktreePath *string) (*model.Agent, error)
	GetAgent(ctx context.Context, id string) (*model.Agent, error)
	GetAgentByName(ctx context.Context, projectID, name string) (*model.Agent, error)
	ListAgents(ctx context.Context, projectID string) ([]*model.Agent, error)
	UpdateAgent(ctx context.Context, id string, upd model.AgentUpdate) (*model.Agent, error)
	DeleteAgent(ctx context.Context, id string) error
	SetLeader(ctx context.Context, projectID, agentID string) error

	// Tasks
	CreateTask(ctx context.Context, projectID, title, description string, agentID, sprintID *string, priority int, dependsOn []string) (*model.Task, error)
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context, projectID string, filter model.TaskFilter) ([]*model.Task, error)
	GetBlockedTasks(ctx context.Context, projectID string) ([]*model.Task, error)
	UpdateTask(ctx context.Context, id string, upd model.TaskUpdate) (*model.Task, error)
	DeleteTask(ctx context.Context, id string) error
	QueueStats(ctx context.Context, projectID string) (*model.QueueStats, error)

	// Scheduler transitions. These clear or set the nullable binding columns
	// that TaskUpdate cannot express.
	MarkTaskRunning(ctx context.Context, id, agentID string) error
	MarkTaskCompleted(ctx context.Context, id string, result *model.TaskResult) error
	MarkTaskFailed(ctx context.Context, id, errMsg string) error
	ResetTaskForRetry(ctx context.Context, id string, retryCount int, errMsg string) error
	ResetTaskForManualRetry(ctx context.Context, id string) error
	UnblockTask(ctx context.Context, id string) error

	// Sprints
	CreateSprint(ctx context.Context, projectID, name, goal string) (*model.Sprint, error)
	GetSprint(ctx context.Context, id string) (*model.Sprint, error)
	ListSprints(ctx context.Context, projectID string) ([]*model.Sprint, error)
	UpdateSprint(ctx context.Context, id string, upd model.SprintUpdate) (*model.Sprint, error)
	DeleteSprint(ctx context.Context, id string) error

	Close() error
}

// SQLiteStore implements Store on a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates a SQLite-backed store at the given path, creating parent
// directories as needed. Enables WAL mode, foreign keys, and a busy timeout.
func Open(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	return open(ctx, connStr)
}

// OpenMemory creates an in-memory store for testing. Each call gets its own
// database; the name keeps parallel stores in one process from colliding.
func OpenMemory(ctx context.Context) (*SQLiteStore, error) {
	name := memoryDBSeq.Add(1)
	return open(ctx, fmt.Sprintf("file:memdb%d?mode=memory&cache=shared", name))
}

var memoryDBSeq atomic.Int64

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Foreign keys must be enabled per-connection via PRAGMA with
	// modernc.org/sqlite; cap the pool at one connection so the pragma
	// holds everywhere and writes serialize cleanly.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
