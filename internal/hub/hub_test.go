package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"agentdeck/internal/bus"
	"agentdeck/internal/runner"
	"agentdeck/internal/scheduler"
	"agentdeck/internal/store"
)

type stubGate struct{}

func (stubGate) ShouldPause() (bool, string)    { return false, "" }
func (stubGate) ShouldThrottle() (bool, string) { return false, "" }

type stubDispatcher struct{}

func (stubDispatcher) Dispatch(ctx context.Context, agentName, description, taskID string) error {
	return nil
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing %s: %v", url, err)
	}
	return conn
}

func newTestServer(t *testing.T) (*httptest.Server, *bus.Bus, store.Store) {
	t.Helper()
	events := bus.New()
	st, err := store.OpenMemory(context.Background())
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	h := New(events)
	go h.Run()
	t.Cleanup(h.Stop)

	sched := scheduler.New(st, stubGate{}, stubDispatcher{}, events, scheduler.Config{
		ProjectID:   "p1",
		ProjectRoot: t.TempDir(),
		Interval:    time.Hour,
	})
	srv := httptest.NewServer(NewServer(h, st, sched, runner.NewManager()))
	t.Cleanup(srv.Close)
	return srv, events, st
}

func TestEventsFanOut(t *testing.T) {
	srv, events, _ := newTestServer(t)

	conn := dialWS(t, wsURL(srv, "/ws/events"))
	defer conn.Close()

	// Registration races with the first publish; retry until the client is in.
	deadline := time.Now().Add(5 * time.Second)
	conn.SetReadDeadline(time.Now().Add(6 * time.Second))
	var envelope struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	for {
		events.Publish(bus.TopicTask, bus.TaskCompletedEvent{
			ID: "t1", AgentName: "worker", Timestamp: time.Now(),
		})
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		if err := conn.ReadJSON(&envelope); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no event delivered to websocket client")
		}
	}

	if envelope.Type != bus.EventTypeTaskCompleted {
		t.Errorf("type = %q, want %q", envelope.Type, bus.EventTypeTaskCompleted)
	}
	var payload struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(envelope.Data, &payload); err != nil {
		t.Fatalf("decoding data: %v", err)
	}
	if payload.TaskID != "t1" {
		t.Errorf("task_id = %q, want t1", payload.TaskID)
	}
}

func TestMultipleClientsReceiveSameEvent(t *testing.T) {
	srv, events, _ := newTestServer(t)

	a := dialWS(t, wsURL(srv, "/ws/events"))
	defer a.Close()
	b := dialWS(t, wsURL(srv, "/ws/events"))
	defer b.Close()

	readType := func(conn *websocket.Conn) string {
		deadline := time.Now().Add(5 * time.Second)
		var envelope struct {
			Type string `json:"type"`
		}
		for {
			events.Publish(bus.TopicScheduler, bus.SchedulerPausedEvent{
				Reason: "messages at 91%", Timestamp: time.Now(),
			})
			conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
			if err := conn.ReadJSON(&envelope); err == nil {
				return envelope.Type
			}
			if time.Now().After(deadline) {
				t.Fatal("no event delivered")
			}
		}
	}

	if got := readType(a); got != bus.EventTypeSchedulerPaused {
		t.Errorf("client a type = %q", got)
	}
	if got := readType(b); got != bus.EventTypeSchedulerPaused {
		t.Errorf("client b type = %q", got)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestSchedulerStatusEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/scheduler/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var status scheduler.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decoding status: %v", err)
	}
	if status.Running {
		t.Error("scheduler should not be running")
	}
	if status.InFlight != 0 {
		t.Errorf("in_flight = %d", status.InFlight)
	}
}

func TestCancelUntrackedTaskReturnsNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/scheduler/tasks/nope/cancel", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestQueueStatsEndpoint(t *testing.T) {
	srv, _, st := newTestServer(t)

	project, err := st.CreateProject(context.Background(), "demo", t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.SetActiveProject(context.Background(), project.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateTask(context.Background(), project.ID, "first", "", nil, nil, 1, nil); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(srv.URL + "/api/queue")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var stats struct {
		Pending int `json:"pending"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats.Pending != 1 {
		t.Errorf("pending = %d, want 1", stats.Pending)
	}
}

func TestAgentEndpoints(t *testing.T) {
	srv, _, st := newTestServer(t)

	project, err := st.CreateProject(context.Background(), "demo", t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.SetActiveProject(context.Background(), project.ID); err != nil {
		t.Fatal(err)
	}

	// The project root is not a git repository, so the agent is created
	// without a worktree and works in the project root.
	resp, err := http.Post(srv.URL+"/api/agents", "application/json",
		strings.NewReader(`{"name":"backend","domain":"internal/api"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var created struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		IsLeader bool   `json:"is_leader"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	if created.Name != "backend" || created.IsLeader {
		t.Errorf("created = %+v", created)
	}

	listResp, err := http.Get(srv.URL + "/api/agents")
	if err != nil {
		t.Fatal(err)
	}
	defer listResp.Body.Close()
	var agents []struct {
		Name     string `json:"name"`
		IsLeader bool   `json:"is_leader"`
	}
	if err := json.NewDecoder(listResp.Body).Decode(&agents); err != nil {
		t.Fatal(err)
	}
	if len(agents) != 2 {
		t.Fatalf("got %d agents, want leader plus backend", len(agents))
	}
	if !agents[0].IsLeader {
		t.Error("leader should sort first")
	}

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/agents/"+created.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Errorf("delete status = %d", delResp.StatusCode)
	}
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	srv, _, st := newTestServer(t)

	project, err := st.CreateProject(context.Background(), "demo", t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.SetActiveProject(context.Background(), project.ID); err != nil {
		t.Fatal(err)
	}

	conn := dialWS(t, wsURL(srv, "/ws/chat"))
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"agent": "leader"}); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var reply struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatal(err)
	}
	if reply.Type != "error" {
		t.Errorf("type = %q, want error", reply.Type)
	}
}
