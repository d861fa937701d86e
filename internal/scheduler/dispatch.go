package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
)

// TaskIDEnv is the environment variable carrying the task identifier into the
// dispatch script.
const TaskIDEnv = "AGENTDECK_TASK_ID"

// scriptRelPath is where a project overrides the bundled dispatch script.
const scriptRelPath = ".claude/skills/team-coord/scripts/dispatch.sh"

// Dispatcher hands a task to an agent and blocks until the hand-off process
// exits.
type Dispatcher interface {
	Dispatch(ctx context.Context, agentName, description, taskID string) error
}

// ScriptDispatcher invokes the project's dispatch script as
// `dispatch.sh <agent_name> <description>` with cwd set to the project root.
type ScriptDispatcher struct {
	projectRoot string
	bundledDir  string
	procs       *ProcessManager
}

// NewScriptDispatcher creates a dispatcher for one project. bundledDir holds
// the fallback script used when the project does not ship its own.
func NewScriptDispatcher(projectRoot, bundledDir string, procs *ProcessManager) *ScriptDispatcher {
	return &ScriptDispatcher{
		projectRoot: projectRoot,
		bundledDir:  bundledDir,
		procs:       procs,
	}
}

// script resolves the dispatch script, preferring the project-local override.
func (d *ScriptDispatcher) script() (string, error) {
	local := filepath.Join(d.projectRoot, filepath.FromSlash(scriptRelPath))
	if _, err := os.Stat(local); err == nil {
		return local, nil
	}
	bundled := filepath.Join(d.bundledDir, "dispatch.sh")
	if _, err := os.Stat(bundled); err == nil {
		return bundled, nil
	}
	return "", fmt.Errorf("dispatch script not found in %s or %s", local, d.bundledDir)
}

// Dispatch runs the dispatch script and waits for it to exit. A non-zero exit
// returns an error carrying captured stderr. The subprocess gets its own
// process group so cancellation kills the whole tree.
func (d *ScriptDispatcher) Dispatch(ctx context.Context, agentName, description, taskID string) error {
	script, err := d.script()
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, script, agentName, description)
	cmd.Dir = d.projectRoot
	cmd.Env = append(os.Environ(), TaskIDEnv+"="+taskID)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return killProcessGroup(cmd) }

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start dispatch script: %w", err)
	}
	if d.procs != nil {
		d.procs.Track(cmd)
		defer d.procs.Untrack(cmd)
	}

	// Drain both pipes before Wait so a chatty script cannot deadlock on a
	// full pipe buffer.
	var wg sync.WaitGroup
	var stderrBuf bytes.Buffer
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(io.Discard, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		io.Copy(&stderrBuf, stderrPipe)
	}()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if stderrBuf.Len() > 0 {
			return fmt.Errorf("dispatch script failed: %w (stderr: %s)", err, stderrBuf.String())
		}
		return fmt.Errorf("dispatch script failed: %w", err)
	}
	return nil
}

// killProcessGroup sends SIGKILL to the command's entire process group.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill process group: %w", err)
	}
	return nil
}

// ProcessManager tracks running subprocesses so shutdown can terminate every
// process tree the scheduler or runner spawned.
type ProcessManager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewProcessManager creates an empty ProcessManager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{procs: make(map[int]*exec.Cmd)}
}

// Track registers a started subprocess.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.procs[cmd.Process.Pid] = cmd
}

// Untrack removes a subprocess after it has been waited on.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.procs, cmd.Process.Pid)
}

// KillAll terminates every tracked process group.
func (pm *ProcessManager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for pid, cmd := range pm.procs {
		if err := killProcessGroup(cmd); err != nil {
			errs = append(errs, fmt.Errorf("pid %d: %w", pid, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors killing processes: %v", errs)
	}
	return nil
}

// Count returns the number of tracked processes.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}
