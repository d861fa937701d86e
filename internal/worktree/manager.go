// Package worktree provisions per-agent git worktrees so agents can edit the
// same repository in parallel without stepping on each other.
package worktree

import (
	"bufio"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

const branchPrefix = "agent/"

// Info describes one provisioned worktree.
type Info struct {
	Path      string
	Branch    string
	AgentName string
	Head      string
}

// Config configures the manager.
type Config struct {
	RepoPath    string // absolute path to the project repository
	BaseBranch  string // branch new worktrees fork from, e.g. "main"
	WorktreeDir string // directory under the repo, default ".worktrees"
}

// Manager creates and removes agent worktrees. Git mutates shared repository
// state during worktree operations, so they are serialized.
type Manager struct {
	cfg Config
	mu  sync.Mutex
}

// NewManager creates a worktree manager for one repository.
func NewManager(cfg Config) *Manager {
	if cfg.WorktreeDir == "" {
		cfg.WorktreeDir = ".worktrees"
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	return &Manager{cfg: cfg}
}

// Create provisions a worktree for the named agent on a fresh branch.
func (m *Manager) Create(agentName string) (*Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	branch := branchPrefix + agentName
	path := filepath.Join(m.cfg.RepoPath, m.cfg.WorktreeDir, agentName)

	out, err := m.git(m.cfg.RepoPath, "worktree", "add", "-b", branch, path, m.cfg.BaseBranch)
	if err != nil {
		return nil, fmt.Errorf("creating worktree for %s: %w (output: %s)", agentName, err, out)
	}

	head, err := m.git(path, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("reading HEAD for %s: %w (output: %s)", agentName, err, head)
	}

	return &Info{
		Path:      path,
		Branch:    branch,
		AgentName: agentName,
		Head:      strings.TrimSpace(head),
	}, nil
}

// Remove deletes the agent's worktree and branch. Dirty worktrees are removed
// with force; the branch is force-deleted since agent branches merge through
// the leader, not here.
func (m *Manager) Remove(agentName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := filepath.Join(m.cfg.RepoPath, m.cfg.WorktreeDir, agentName)
	var problems []string

	if out, err := m.git(m.cfg.RepoPath, "worktree", "remove", path); err != nil {
		if forceOut, forceErr := m.git(m.cfg.RepoPath, "worktree", "remove", "--force", path); forceErr != nil {
			problems = append(problems, fmt.Sprintf("worktree remove: %v (output: %s, force output: %s)", err, out, forceOut))
		}
	}
	if out, err := m.git(m.cfg.RepoPath, "branch", "-D", branchPrefix+agentName); err != nil {
		problems = append(problems, fmt.Sprintf("branch delete: %v (output: %s)", err, out))
	}

	if len(problems) > 0 {
		return fmt.Errorf("removing worktree for %s: %s", agentName, strings.Join(problems, "; "))
	}
	return nil
}

// List returns every agent worktree in the repository. Worktrees on branches
// outside the agent/ namespace (including the main checkout) are skipped.
func (m *Manager) List() ([]Info, error) {
	out, err := m.git(m.cfg.RepoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("listing worktrees: %w (output: %s)", err, out)
	}

	var all []Info
	var current Info
	flush := func() {
		if current.Path != "" && current.AgentName != "" {
			all = append(all, current)
		}
		current = Info{}
	}

	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			branch := strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
			current.Branch = branch
			if strings.HasPrefix(branch, branchPrefix) {
				current.AgentName = strings.TrimPrefix(branch, branchPrefix)
			}
		}
	}
	flush()
	return all, nil
}

// Prune drops stale worktree metadata left by manually deleted directories.
func (m *Manager) Prune() error {
	out, err := m.git(m.cfg.RepoPath, "worktree", "prune")
	if err != nil {
		return fmt.Errorf("pruning worktrees: %w (output: %s)", err, out)
	}
	return nil
}

func (m *Manager) git(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}
