// Package scheduler implements the polling control loop that matches pending
// tasks to idle agents and reconciles dispatch outcomes.
package scheduler

import (
	"context"
	"errors"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"agentdeck/internal/bus"
	"agentdeck/internal/model"
	"agentdeck/internal/results"
	"agentdeck/internal/store"
	"agentdeck/internal/teamstate"
)

// RateGate is the admission-control decision surface the scheduler consults
// at the top of every pass.
type RateGate interface {
	ShouldPause() (bool, string)
	ShouldThrottle() (bool, string)
}

// Config holds the per-project scheduler settings.
type Config struct {
	ProjectID   string
	ProjectRoot string
	Interval    time.Duration // poll interval in scheduled mode
}

// Status is a snapshot of the scheduler's run state.
type Status struct {
	Running     bool      `json:"running"`
	Paused      bool      `json:"paused"`
	PauseReason string    `json:"pause_reason,omitempty"`
	LastPass    time.Time `json:"last_pass"`
	InFlight    int       `json:"in_flight"`
}

// Scheduler polls the store, promotes unblocked tasks, assigns pending work
// to idle agents, and reconciles dispatch results. One instance serves one
// project.
type Scheduler struct {
	store      store.Store
	gate       RateGate
	dispatcher Dispatcher
	events     *bus.Bus
	breaker    *gobreaker.CircuitBreaker
	cfg        Config

	// Injection points for tests; defaults read the project's files.
	loadState  func() *teamstate.State
	readResult func(agentName string) *model.TaskResult

	group errgroup.Group

	mu          sync.Mutex
	running     bool
	draining    bool
	paused      bool
	pauseReason string
	lastPass    time.Time
	inflight    map[string]context.CancelFunc
	loopCancel  context.CancelFunc
}

// New creates a scheduler for one project.
func New(st store.Store, gate RateGate, dispatcher Dispatcher, events *bus.Bus, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = teamstate.DefaultInterval
	}
	s := &Scheduler{
		store:      st,
		gate:       gate,
		dispatcher: dispatcher,
		events:     events,
		breaker:    newDispatchBreaker(),
		cfg:        cfg,
		inflight:   make(map[string]context.CancelFunc),
	}
	s.loadState = func() *teamstate.State {
		return teamstate.Load(filepath.Join(cfg.ProjectRoot, ".claude", "team-state.yaml"))
	}
	s.readResult = func(agentName string) *model.TaskResult {
		return results.Read(filepath.Join(cfg.ProjectRoot, ".agent-mail", "results", agentName))
	}
	return s
}

// Start launches the poll loop. Idempotent.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.draining = false

	loopCtx, cancel := context.WithCancel(ctx)
	s.loopCancel = cancel
	go s.loop(loopCtx)
	log.Printf("[scheduler] started for project %s", s.cfg.ProjectID)
}

// Stop halts the poll loop, cancels every in-flight dispatch, and waits for
// their reconciliation to finish. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	wasRunning := s.running
	if s.running {
		s.running = false
		s.loopCancel()
	}
	// draining blocks any pass still executing from launching new units
	// between this sweep and the Wait below.
	s.draining = true
	for _, cancel := range s.inflight {
		cancel()
	}
	s.mu.Unlock()

	s.group.Wait()
	if wasRunning {
		log.Printf("[scheduler] stopped")
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	for {
		s.Pass(ctx)

		interval := s.loadState().Interval(s.cfg.Interval)
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// Pass executes one scheduling cycle. Errors are logged, never propagated;
// one bad task or agent must not halt future polling.
func (s *Scheduler) Pass(ctx context.Context) {
	if paused, reason := s.gate.ShouldPause(); paused {
		s.setPaused(reason)
		return
	}
	s.clearPaused()

	if err := s.resolveBlocked(ctx); err != nil {
		log.Printf("[scheduler] dependency resolution: %v", err)
	}

	// While the breaker cools down every hand-off would be rejected
	// immediately, so skip assignment and leave the queue untouched.
	if s.breaker.State() == gobreaker.StateOpen {
		log.Printf("[scheduler] dispatch breaker open, skipping assignment")
		s.mu.Lock()
		s.lastPass = time.Now().UTC()
		s.mu.Unlock()
		return
	}

	state := s.loadState()
	idle, err := s.idleAgents(ctx, state)
	if err != nil {
		log.Printf("[scheduler] idle agent discovery: %v", err)
		return
	}

	throttled, throttleReason := s.gate.ShouldThrottle()
	if throttled && len(idle) > 1 {
		log.Printf("[scheduler] throttling: %s", throttleReason)
		idle = idle[:1]
	}

	pending, err := s.store.ListTasks(ctx, s.cfg.ProjectID, model.TaskFilter{Status: model.TaskPending})
	if err != nil {
		log.Printf("[scheduler] listing pending tasks: %v", err)
		return
	}

	for _, agent := range idle {
		task := findTaskForAgent(pending, agent)
		if task == nil {
			continue
		}
		pending = removeTask(pending, task.ID)

		if err := s.dispatch(ctx, task, agent); err != nil {
			log.Printf("[scheduler] dispatch of %s to %s: %v", task.ID, agent.Name, err)
			continue
		}
		if throttled {
			break
		}
	}

	s.mu.Lock()
	s.lastPass = time.Now().UTC()
	s.mu.Unlock()
}

// resolveBlocked promotes blocked tasks whose dependencies have all
// completed. Tasks with an empty dependency list are promoted unconditionally.
func (s *Scheduler) resolveBlocked(ctx context.Context) error {
	blocked, err := s.store.GetBlockedTasks(ctx, s.cfg.ProjectID)
	if err != nil {
		return err
	}

	for _, task := range blocked {
		ready := true
		for _, depID := range task.DependsOn {
			dep, err := s.store.GetTask(ctx, depID)
			if err != nil || dep.Status != model.TaskCompleted {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}
		if err := s.store.UnblockTask(ctx, task.ID); err != nil {
			log.Printf("[scheduler] unblocking %s: %v", task.ID, err)
			continue
		}
		s.publish(bus.TopicTask, bus.TaskUnblockedEvent{ID: task.ID, Timestamp: time.Now().UTC()})
	}
	return nil
}

// idleAgents returns the agents eligible for new work this pass: non-leader,
// active, considered available by the team-state document, and without a
// running task.
func (s *Scheduler) idleAgents(ctx context.Context, state *teamstate.State) ([]*model.Agent, error) {
	agents, err := s.store.ListAgents(ctx, s.cfg.ProjectID)
	if err != nil {
		return nil, err
	}
	running, err := s.store.ListTasks(ctx, s.cfg.ProjectID, model.TaskFilter{Status: model.TaskRunning})
	if err != nil {
		return nil, err
	}
	busy := make(map[string]bool, len(running))
	for _, t := range running {
		if t.AgentID != nil {
			busy[*t.AgentID] = true
		}
	}

	var idle []*model.Agent
	for _, a := range agents {
		if a.IsLeader {
			continue
		}
		if a.Status != model.AgentActive {
			continue
		}
		if !state.Idle(a.Name) {
			continue
		}
		if busy[a.ID] {
			continue
		}
		idle = append(idle, a)
	}
	return idle, nil
}

// findTaskForAgent picks the best pending task for an agent: a task already
// assigned to it wins; otherwise the first unassigned task in priority order.
func findTaskForAgent(pending []*model.Task, agent *model.Agent) *model.Task {
	for _, t := range pending {
		if t.AssignedTo(agent.ID) {
			return t
		}
	}
	for _, t := range pending {
		if t.AgentID == nil {
			return t
		}
	}
	return nil
}

func removeTask(tasks []*model.Task, id string) []*model.Task {
	for i, t := range tasks {
		if t.ID == id {
			return append(tasks[:i:i], tasks[i+1:]...)
		}
	}
	return tasks
}

// dispatch persists the running transition, then launches the hand-off as an
// independent tracked unit. The running record is written before the process
// starts so a crash mid-dispatch leaves an inspectable task, not a lost one.
func (s *Scheduler) dispatch(ctx context.Context, task *model.Task, agent *model.Agent) error {
	if err := s.store.MarkTaskRunning(ctx, task.ID, agent.ID); err != nil {
		return err
	}
	s.publish(bus.TopicTask, bus.TaskDispatchedEvent{
		ID:        task.ID,
		AgentID:   agent.ID,
		AgentName: agent.Name,
		Title:     task.Title,
		Timestamp: time.Now().UTC(),
	})

	// The unit outlives the pass; its lifetime is bound to Stop/CancelTask,
	// not to the pass context. Registration and launch happen under the lock
	// so a unit either lands before Stop's cancellation sweep or is never
	// started at all.
	unitCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		cancel()
		s.handleDispatchAborted(task)
		return nil
	}
	s.inflight[task.ID] = cancel
	s.group.Go(func() error {
		defer cancel()
		s.runDispatch(unitCtx, task, agent)
		return nil
	})
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) runDispatch(ctx context.Context, task *model.Task, agent *model.Agent) {
	description := task.Description
	if description == "" {
		description = task.Title
	}

	_, err := s.breaker.Execute(func() (any, error) {
		return nil, s.dispatcher.Dispatch(ctx, agent.Name, description, task.ID)
	})

	s.mu.Lock()
	delete(s.inflight, task.ID)
	s.mu.Unlock()

	switch {
	case err == nil:
		s.handleSuccess(task, agent)
	case errors.Is(err, context.Canceled):
		s.handleDispatchAborted(task)
	case breakerOpen(err):
		// The script never ran; requeue without charging the retry budget.
		log.Printf("[scheduler] dispatch of %s rejected, breaker open", task.ID)
		s.handleDispatchAborted(task)
	default:
		s.handleFailure(task, err)
	}
}

// handleSuccess enriches the completion with whatever result artifacts the
// agent left behind and finalizes the task.
func (s *Scheduler) handleSuccess(task *model.Task, agent *model.Agent) {
	ctx := context.Background()
	result := s.readResult(agent.Name)
	if err := s.store.MarkTaskCompleted(ctx, task.ID, result); err != nil {
		log.Printf("[scheduler] completing %s: %v", task.ID, err)
		return
	}

	summary := ""
	if result != nil {
		summary = result.Summary
	}
	s.publish(bus.TopicTask, bus.TaskCompletedEvent{
		ID:        task.ID,
		AgentName: agent.Name,
		Summary:   summary,
		Timestamp: time.Now().UTC(),
	})
	log.Printf("[scheduler] task %s completed by %s", task.ID, agent.Name)
}

// handleFailure applies the bounded-retry policy: requeue while the budget
// lasts, otherwise finalize as failed.
func (s *Scheduler) handleFailure(task *model.Task, dispatchErr error) {
	ctx := context.Background()
	retryCount := task.RetryCount + 1

	if retryCount <= task.MaxRetries {
		if err := s.store.ResetTaskForRetry(ctx, task.ID, retryCount, dispatchErr.Error()); err != nil {
			log.Printf("[scheduler] requeueing %s: %v", task.ID, err)
			return
		}
		s.publish(bus.TopicTask, bus.TaskRetriedEvent{
			ID:         task.ID,
			RetryCount: retryCount,
			MaxRetries: task.MaxRetries,
			Timestamp:  time.Now().UTC(),
		})
		log.Printf("[scheduler] task %s failed, retry %d/%d: %v", task.ID, retryCount, task.MaxRetries, dispatchErr)
		return
	}

	if err := s.store.MarkTaskFailed(ctx, task.ID, dispatchErr.Error()); err != nil {
		log.Printf("[scheduler] failing %s: %v", task.ID, err)
		return
	}
	s.publish(bus.TopicTask, bus.TaskFailedEvent{
		ID:        task.ID,
		Error:     dispatchErr.Error(),
		Timestamp: time.Now().UTC(),
	})
	log.Printf("[scheduler] task %s failed terminally: %v", task.ID, dispatchErr)
}

// handleDispatchAborted reconciles a unit that ended before the hand-off
// script could run to completion for reasons outside the task itself: Stop
// teardown, shutdown draining, or a breaker rejection. The task goes back to
// pending without consuming a retry. When CancelTask initiated the teardown
// it has already marked the task failed, so the running guard here makes
// this a no-op.
func (s *Scheduler) handleDispatchAborted(task *model.Task) {
	ctx := context.Background()
	current, err := s.store.GetTask(ctx, task.ID)
	if err != nil || current.Status != model.TaskRunning {
		return
	}
	if err := s.store.ResetTaskForRetry(ctx, task.ID, task.RetryCount, ""); err != nil {
		log.Printf("[scheduler] resetting cancelled dispatch %s: %v", task.ID, err)
	}
}

// CancelTask cancels an in-flight dispatch and marks the task failed with a
// user-cancellation error. Returns false when the task is not tracked as
// running. The entry is claimed under the lock so concurrent calls for the
// same task resolve to exactly one winner.
func (s *Scheduler) CancelTask(id string) bool {
	s.mu.Lock()
	cancel, ok := s.inflight[id]
	if ok {
		delete(s.inflight, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	ctx := context.Background()
	if err := s.store.MarkTaskFailed(ctx, id, "Cancelled by user"); err != nil {
		log.Printf("[scheduler] cancelling %s: %v", id, err)
	}
	s.publish(bus.TopicTask, bus.TaskCancelledEvent{ID: id, Timestamp: time.Now().UTC()})
	cancel()
	return true
}

// RetryTask requeues a failed task with a fresh retry budget.
func (s *Scheduler) RetryTask(ctx context.Context, id string) error {
	if err := s.store.ResetTaskForManualRetry(ctx, id); err != nil {
		return err
	}
	s.publish(bus.TopicTask, bus.TaskRetriedEvent{ID: id, Timestamp: time.Now().UTC()})
	return nil
}

// Status returns a snapshot of the run state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Running:     s.running,
		Paused:      s.paused,
		PauseReason: s.pauseReason,
		LastPass:    s.lastPass,
		InFlight:    len(s.inflight),
	}
}

// setPaused records the paused state, emitting a notification only on the
// pause edge.
func (s *Scheduler) setPaused(reason string) {
	s.mu.Lock()
	wasPaused := s.paused
	s.paused = true
	s.pauseReason = reason
	s.mu.Unlock()

	if !wasPaused {
		log.Printf("[scheduler] paused: %s", reason)
		s.publish(bus.TopicScheduler, bus.SchedulerPausedEvent{Reason: reason, Timestamp: time.Now().UTC()})
	}
}

// clearPaused emits a resume notification on the clearing edge.
func (s *Scheduler) clearPaused() {
	s.mu.Lock()
	wasPaused := s.paused
	s.paused = false
	s.pauseReason = ""
	s.mu.Unlock()

	if wasPaused {
		log.Printf("[scheduler] resumed")
		s.publish(bus.TopicScheduler, bus.SchedulerResumedEvent{Timestamp: time.Now().UTC()})
	}
}

func (s *Scheduler) publish(topic string, event bus.Event) {
	if s.events != nil {
		s.events.Publish(topic, event)
	}
}
