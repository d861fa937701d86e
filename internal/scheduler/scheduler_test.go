package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"agentdeck/internal/bus"
	"agentdeck/internal/model"
	"agentdeck/internal/store"
	"agentdeck/internal/teamstate"
)

type fakeGate struct {
	mu       sync.Mutex
	pause    bool
	throttle bool
}

func (g *fakeGate) ShouldPause() (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pause {
		return true, "message usage at 92% of daily limit"
	}
	return false, ""
}

func (g *fakeGate) ShouldThrottle() (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.throttle {
		return true, "token usage at 75% of daily limit"
	}
	return false, ""
}

func (g *fakeGate) set(pause, throttle bool) {
	g.mu.Lock()
	g.pause = pause
	g.throttle = throttle
	g.mu.Unlock()
}

type dispatchCall struct {
	agentName string
	taskID    string
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
	err   error
	block chan struct{} // when non-nil, Dispatch waits for close or cancellation
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, agentName, description, taskID string) error {
	d.mu.Lock()
	d.calls = append(d.calls, dispatchCall{agentName: agentName, taskID: taskID})
	block := d.block
	err := d.err
	d.mu.Unlock()

	if block != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-block:
		}
	}
	return err
}

func (d *fakeDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func (d *fakeDispatcher) lastCall() dispatchCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.calls) == 0 {
		return dispatchCall{}
	}
	return d.calls[len(d.calls)-1]
}

type fixture struct {
	store      *store.SQLiteStore
	gate       *fakeGate
	dispatcher *fakeDispatcher
	events     *bus.Bus
	sched      *Scheduler
	project    *model.Project
	state      *teamstate.State
}

func newFixture(t *testing.T) (*fixture, context.Context) {
	t.Helper()
	ctx := context.Background()

	st, err := store.OpenMemory(ctx)
	if err != nil {
		t.Fatalf("OpenMemory failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	project, err := st.CreateProject(ctx, "demo", t.TempDir(), "")
	if err != nil {
		t.Fatalf("CreateProject failed: %v", err)
	}

	f := &fixture{
		store:      st,
		gate:       &fakeGate{},
		dispatcher: &fakeDispatcher{},
		events:     bus.New(),
		project:    project,
		state:      &teamstate.State{},
	}
	t.Cleanup(f.events.Close)

	f.sched = New(st, f.gate, f.dispatcher, f.events, Config{
		ProjectID:   project.ID,
		ProjectRoot: project.RootPath,
		Interval:    time.Hour,
	})
	f.sched.loadState = func() *teamstate.State { return f.state }
	f.sched.readResult = func(agentName string) *model.TaskResult { return nil }
	return f, ctx
}

func (f *fixture) addAgent(t *testing.T, name string) *model.Agent {
	t.Helper()
	a, err := f.store.CreateAgent(context.Background(), f.project.ID, name, "internal/", nil)
	if err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}
	return a
}

func (f *fixture) addTask(t *testing.T, title string, priority int, deps []string) *model.Task {
	t.Helper()
	task, err := f.store.CreateTask(context.Background(), f.project.ID, title, "", nil, nil, priority, deps)
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	return task
}

// passAndDrain runs one pass and waits for every dispatch unit it launched.
func (f *fixture) passAndDrain(ctx context.Context) {
	f.sched.Pass(ctx)
	f.sched.group.Wait()
}

func TestDependencyGating(t *testing.T) {
	f, ctx := newFixture(t)
	f.addAgent(t, "backend")

	a := f.addTask(t, "task a", model.PriorityNormal, nil)
	b := f.addTask(t, "task b", model.PriorityNormal, []string{a.ID})

	if b.Status != model.TaskBlocked {
		t.Fatalf("b starts %s, want blocked", b.Status)
	}

	// One pass dispatches a; b must stay blocked throughout.
	f.passAndDrain(ctx)
	got, _ := f.store.GetTask(ctx, b.ID)
	if got.Status != model.TaskBlocked {
		t.Errorf("b = %s while dependency incomplete, want blocked", got.Status)
	}

	// a completed on that pass (dispatcher succeeds, empty result). The next
	// pass unblocks b and, with resolve running before assignment, dispatches
	// it in the same pass.
	aGot, _ := f.store.GetTask(ctx, a.ID)
	if aGot.Status != model.TaskCompleted {
		t.Fatalf("a = %s, want completed", aGot.Status)
	}
	f.passAndDrain(ctx)
	got, _ = f.store.GetTask(ctx, b.ID)
	if got.Status != model.TaskCompleted {
		t.Errorf("b = %s after unblocking pass, want completed", got.Status)
	}
}

func TestFreshlyUnblockedTaskEligibleSamePass(t *testing.T) {
	f, ctx := newFixture(t)
	f.addAgent(t, "backend")

	a := f.addTask(t, "dep", model.PriorityNormal, nil)
	b := f.addTask(t, "dependent", model.PriorityNormal, []string{a.ID})

	if err := f.store.MarkTaskRunning(ctx, a.ID, "external"); err != nil {
		t.Fatal(err)
	}
	if err := f.store.MarkTaskCompleted(ctx, a.ID, nil); err != nil {
		t.Fatal(err)
	}

	f.passAndDrain(ctx)
	if f.dispatcher.callCount() != 1 || f.dispatcher.lastCall().taskID != b.ID {
		t.Errorf("calls = %v, want one dispatch of the freshly unblocked task", f.dispatcher.calls)
	}
}

func TestPriorityOrderAndFIFO(t *testing.T) {
	f, ctx := newFixture(t)
	f.addAgent(t, "solo")

	f.addTask(t, "low", model.PriorityLow, nil)
	urgent := f.addTask(t, "urgent", model.PriorityUrgent, nil)

	f.passAndDrain(ctx)
	if got := f.dispatcher.lastCall().taskID; got != urgent.ID {
		t.Errorf("dispatched %s, want the urgent task", got)
	}
}

func TestPreAssignedTaskWinsOverHigherPriority(t *testing.T) {
	f, ctx := newFixture(t)
	agent := f.addAgent(t, "backend")

	f.addTask(t, "urgent unassigned", model.PriorityUrgent, nil)
	mine, err := f.store.CreateTask(ctx, f.project.ID, "mine", "", &agent.ID, nil, model.PriorityLow, nil)
	if err != nil {
		t.Fatal(err)
	}

	f.passAndDrain(ctx)
	if got := f.dispatcher.lastCall().taskID; got != mine.ID {
		t.Errorf("dispatched %s, want the pre-assigned task", got)
	}
}

func TestPauseGateSkipsPassAndEmitsEdgeEvents(t *testing.T) {
	f, ctx := newFixture(t)
	f.addAgent(t, "backend")
	f.addTask(t, "work", model.PriorityNormal, nil)

	ch := f.events.Subscribe(bus.TopicScheduler, 8)
	f.gate.set(true, false)

	f.passAndDrain(ctx)
	f.passAndDrain(ctx)
	if f.dispatcher.callCount() != 0 {
		t.Errorf("dispatched %d tasks while paused, want 0", f.dispatcher.callCount())
	}

	f.gate.set(false, false)
	f.passAndDrain(ctx)

	var types []string
	for len(ch) > 0 {
		types = append(types, (<-ch).EventType())
	}
	want := []string{bus.EventTypeSchedulerPaused, bus.EventTypeSchedulerResumed}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want exactly one paused and one resumed", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("events[%d] = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestThrottleDispatchesAtMostOne(t *testing.T) {
	f, ctx := newFixture(t)
	f.addAgent(t, "a1")
	f.addAgent(t, "a2")
	f.addAgent(t, "a3")
	f.addTask(t, "t1", model.PriorityNormal, nil)
	f.addTask(t, "t2", model.PriorityNormal, nil)
	f.addTask(t, "t3", model.PriorityNormal, nil)

	f.gate.set(false, true)
	f.passAndDrain(ctx)

	if f.dispatcher.callCount() != 1 {
		t.Errorf("dispatched %d tasks under throttle, want 1", f.dispatcher.callCount())
	}
}

func TestIdleAgentDiscovery(t *testing.T) {
	f, ctx := newFixture(t)

	// Leader exists from project creation and must never be picked.
	busyAgent := f.addAgent(t, "busy")
	inactive := f.addAgent(t, "inactive")
	status := model.AgentInactive
	if _, err := f.store.UpdateAgent(ctx, inactive.ID, model.AgentUpdate{Status: &status}); err != nil {
		t.Fatal(err)
	}
	f.addAgent(t, "working")
	free := f.addAgent(t, "free")

	running := f.addTask(t, "occupies busy", model.PriorityNormal, nil)
	if err := f.store.MarkTaskRunning(ctx, running.ID, busyAgent.ID); err != nil {
		t.Fatal(err)
	}

	f.state = &teamstate.State{Agents: map[string]teamstate.AgentState{
		"working": {Status: "working"},
		"free":    {Status: "idle"},
	}}

	idle, err := f.sched.idleAgents(ctx, f.state)
	if err != nil {
		t.Fatalf("idleAgents failed: %v", err)
	}
	if len(idle) != 1 || idle[0].ID != free.ID {
		names := make([]string, len(idle))
		for i, a := range idle {
			names[i] = a.Name
		}
		t.Errorf("idle pool = %v, want only [free]", names)
	}
}

func TestRetryLadder(t *testing.T) {
	f, ctx := newFixture(t)
	f.addAgent(t, "backend")
	task := f.addTask(t, "flaky", model.PriorityNormal, nil)

	f.dispatcher.err = errors.New("exit status 1")
	ch := f.events.Subscribe(bus.TopicTask, 32)

	// Default budget is two retries: attempts 1 and 2 requeue, attempt 3 is
	// terminal.
	for i := 1; i <= 2; i++ {
		f.passAndDrain(ctx)
		got, _ := f.store.GetTask(ctx, task.ID)
		if got.Status != model.TaskPending {
			t.Fatalf("attempt %d: status = %s, want pending", i, got.Status)
		}
		if got.RetryCount != i {
			t.Errorf("attempt %d: retry_count = %d", i, got.RetryCount)
		}
		if got.AgentID != nil {
			t.Error("agent binding should be cleared on requeue")
		}
	}

	f.passAndDrain(ctx)
	got, _ := f.store.GetTask(ctx, task.ID)
	if got.Status != model.TaskFailed {
		t.Fatalf("after exhausting retries: status = %s, want failed", got.Status)
	}
	if got.Error == "" {
		t.Error("terminal failure should carry an error annotation")
	}

	var retried, failed int
	for len(ch) > 0 {
		switch (<-ch).EventType() {
		case bus.EventTypeTaskRetried:
			retried++
		case bus.EventTypeTaskFailed:
			failed++
		}
	}
	if retried != 2 || failed != 1 {
		t.Errorf("retried=%d failed=%d, want 2 and 1", retried, failed)
	}
}

func TestManualRetryAfterTerminalFailure(t *testing.T) {
	f, ctx := newFixture(t)
	f.addAgent(t, "backend")
	task := f.addTask(t, "doomed", model.PriorityNormal, nil)

	f.dispatcher.err = errors.New("boom")
	for i := 0; i < 3; i++ {
		f.passAndDrain(ctx)
	}
	got, _ := f.store.GetTask(ctx, task.ID)
	if got.Status != model.TaskFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}

	if err := f.sched.RetryTask(ctx, task.ID); err != nil {
		t.Fatalf("RetryTask failed: %v", err)
	}
	got, _ = f.store.GetTask(ctx, task.ID)
	if got.Status != model.TaskPending || got.RetryCount != 0 {
		t.Errorf("after manual retry: status=%s retry=%d", got.Status, got.RetryCount)
	}
}

func TestCancelTask(t *testing.T) {
	f, ctx := newFixture(t)
	f.addAgent(t, "backend")
	task := f.addTask(t, "long running", model.PriorityNormal, nil)

	f.dispatcher.block = make(chan struct{})
	f.sched.Pass(ctx)

	waitFor(t, func() bool { return f.dispatcher.callCount() == 1 })

	if ok := f.sched.CancelTask("not-tracked"); ok {
		t.Error("cancelling an untracked task should return false")
	}
	if ok := f.sched.CancelTask(task.ID); !ok {
		t.Fatal("cancelling a tracked task should return true")
	}
	f.sched.group.Wait()

	got, _ := f.store.GetTask(ctx, task.ID)
	if got.Status != model.TaskFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.Error != "Cancelled by user" {
		t.Errorf("error = %q", got.Error)
	}
	if f.sched.Status().InFlight != 0 {
		t.Error("cancelled unit should be untracked")
	}
}

func TestCancelTaskSecondCallReturnsFalse(t *testing.T) {
	f, ctx := newFixture(t)
	f.addAgent(t, "backend")
	task := f.addTask(t, "long running", model.PriorityNormal, nil)

	f.dispatcher.block = make(chan struct{})
	f.sched.Pass(ctx)
	waitFor(t, func() bool { return f.dispatcher.callCount() == 1 })

	ch := f.events.Subscribe(bus.TopicTask, 16)
	if ok := f.sched.CancelTask(task.ID); !ok {
		t.Fatal("first cancel should claim the in-flight unit")
	}
	if ok := f.sched.CancelTask(task.ID); ok {
		t.Error("second cancel of the same task should return false")
	}
	f.sched.group.Wait()

	var cancelled int
	for len(ch) > 0 {
		if (<-ch).EventType() == bus.EventTypeTaskCancelled {
			cancelled++
		}
	}
	if cancelled != 1 {
		t.Errorf("cancelled events = %d, want exactly 1", cancelled)
	}
	got, _ := f.store.GetTask(ctx, task.ID)
	if got.Status != model.TaskFailed || got.Error != "Cancelled by user" {
		t.Errorf("task = %s %q, want failed with user cancellation", got.Status, got.Error)
	}
}

func TestOpenBreakerSkipsAssignment(t *testing.T) {
	f, ctx := newFixture(t)
	f.addAgent(t, "backend")
	task := f.addTask(t, "queued behind outage", model.PriorityNormal, nil)

	// Five consecutive hand-off failures trip the breaker.
	for i := 0; i < 5; i++ {
		f.sched.breaker.Execute(func() (any, error) {
			return nil, errors.New("dispatch script not found")
		})
	}

	f.passAndDrain(ctx)
	f.passAndDrain(ctx)
	if f.dispatcher.callCount() != 0 {
		t.Errorf("dispatched %d tasks while breaker open, want 0", f.dispatcher.callCount())
	}
	got, _ := f.store.GetTask(ctx, task.ID)
	if got.Status != model.TaskPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if got.RetryCount != 0 {
		t.Errorf("retry_count = %d, outage passes must not consume the budget", got.RetryCount)
	}
}

func TestStopBlocksLateDispatchUnits(t *testing.T) {
	f, ctx := newFixture(t)
	f.addAgent(t, "backend")
	task := f.addTask(t, "late arrival", model.PriorityNormal, nil)

	// A pass still executing when Stop runs must not launch units after the
	// cancellation sweep; they would outlive the shutdown wait.
	f.sched.Stop()
	f.passAndDrain(ctx)

	if f.dispatcher.callCount() != 0 {
		t.Errorf("dispatched %d tasks after Stop, want 0", f.dispatcher.callCount())
	}
	got, _ := f.store.GetTask(ctx, task.ID)
	if got.Status != model.TaskPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if got.RetryCount != 0 {
		t.Errorf("retry_count = %d, want 0", got.RetryCount)
	}
	if f.sched.Status().InFlight != 0 {
		t.Errorf("in_flight = %d, want 0", f.sched.Status().InFlight)
	}
}

func TestStopResetsInFlightWithoutConsumingRetry(t *testing.T) {
	f, ctx := newFixture(t)
	f.addAgent(t, "backend")
	task := f.addTask(t, "interrupted", model.PriorityNormal, nil)

	f.dispatcher.block = make(chan struct{})
	f.sched.Pass(ctx)
	waitFor(t, func() bool { return f.dispatcher.callCount() == 1 })

	f.sched.Stop()

	got, _ := f.store.GetTask(ctx, task.ID)
	if got.Status != model.TaskPending {
		t.Errorf("status = %s, want pending after shutdown", got.Status)
	}
	if got.RetryCount != 0 {
		t.Errorf("retry_count = %d, shutdown must not consume a retry", got.RetryCount)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	f, _ := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.sched.Start(ctx)
	f.sched.Start(ctx)
	if !f.sched.Status().Running {
		t.Error("scheduler should report running")
	}
	f.sched.Stop()
	f.sched.Stop()
	if f.sched.Status().Running {
		t.Error("scheduler should report stopped")
	}
}

func TestCompletionEnrichesResult(t *testing.T) {
	f, ctx := newFixture(t)
	f.addAgent(t, "backend")
	task := f.addTask(t, "documented", model.PriorityNormal, nil)

	f.sched.readResult = func(agentName string) *model.TaskResult {
		return &model.TaskResult{Status: "done", Summary: "wrote the docs", SessionID: "sess-9"}
	}

	f.passAndDrain(ctx)
	got, _ := f.store.GetTask(ctx, task.ID)
	if got.Status != model.TaskCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.Result == nil || got.Result.Summary != "wrote the docs" {
		t.Errorf("result = %+v", got.Result)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
