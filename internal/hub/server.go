package hub

import (
	"encoding/json"
	"log"
	"net/http"

	"agentdeck/internal/model"
	"agentdeck/internal/runner"
	"agentdeck/internal/scheduler"
	"agentdeck/internal/store"
	"agentdeck/internal/worktree"
)

// Server assembles the websocket and JSON endpoints into one handler.
type Server struct {
	hub   *Hub
	chat  *ChatHandler
	sched *scheduler.Scheduler
	store store.Store
	mux   *http.ServeMux
}

// NewServer wires the routes. The hub's Run loop must be started separately.
func NewServer(h *Hub, st store.Store, sched *scheduler.Scheduler, sessions *runner.Manager) *Server {
	s := &Server{
		hub:   h,
		chat:  NewChatHandler(st, sessions),
		sched: sched,
		store: st,
		mux:   http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /ws/events", h.ServeEvents)
	s.mux.Handle("GET /ws/chat", s.chat)
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/scheduler/status", s.handleSchedulerStatus)
	s.mux.HandleFunc("POST /api/scheduler/tasks/{id}/cancel", s.handleCancelTask)
	s.mux.HandleFunc("POST /api/scheduler/tasks/{id}/retry", s.handleRetryTask)
	s.mux.HandleFunc("GET /api/queue", s.handleQueueStats)
	s.mux.HandleFunc("GET /api/agents", s.handleListAgents)
	s.mux.HandleFunc("POST /api/agents", s.handleCreateAgent)
	s.mux.HandleFunc("DELETE /api/agents/{id}", s.handleDeleteAgent)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Status())
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cancelled := s.sched.CancelTask(id)
	if !cancelled {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"cancelled": false,
			"error":     "task is not being dispatched",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sched.RetryTask(r.Context(), id); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"retried": true})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	project, err := s.store.GetActiveProject(r.Context())
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no active project"})
		return
	}
	stats, err := s.store.QueueStats(r.Context(), project.ID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// agentView is the wire shape for agent records.
type agentView struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Domain       string `json:"domain,omitempty"`
	WorktreePath string `json:"worktree_path,omitempty"`
	Status       string `json:"status"`
	IsLeader     bool   `json:"is_leader"`
}

func viewOf(a *model.Agent) agentView {
	v := agentView{
		ID:       a.ID,
		Name:     a.Name,
		Domain:   a.Domain,
		Status:   string(a.Status),
		IsLeader: a.IsLeader,
	}
	if a.WorktreePath != nil {
		v.WorktreePath = *a.WorktreePath
	}
	return v
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	project, err := s.store.GetActiveProject(r.Context())
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no active project"})
		return
	}
	agents, err := s.store.ListAgents(r.Context(), project.ID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	views := make([]agentView, len(agents))
	for i, a := range agents {
		views[i] = viewOf(a)
	}
	writeJSON(w, http.StatusOK, views)
}

// handleCreateAgent registers a new agent and, when the project root is a
// git repository, provisions a dedicated worktree for it.
func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string `json:"name"`
		Domain string `json:"domain"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}
	project, err := s.store.GetActiveProject(r.Context())
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no active project"})
		return
	}

	var worktreePath *string
	wt := worktree.NewManager(worktree.Config{RepoPath: project.RootPath})
	if info, err := wt.Create(req.Name); err != nil {
		// Non-git roots still get an agent; it works in the project root.
		log.Printf("[api] worktree for %s not provisioned: %v", req.Name, err)
	} else {
		worktreePath = &info.Path
	}

	agent, err := s.store.CreateAgent(r.Context(), project.ID, req.Name, req.Domain, worktreePath)
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(agent))
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.store.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	if err := s.store.DeleteAgent(r.Context(), agent.ID); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	if agent.WorktreePath != nil {
		project, err := s.store.GetProject(r.Context(), agent.ProjectID)
		if err == nil {
			wt := worktree.NewManager(worktree.Config{RepoPath: project.RootPath})
			if err := wt.Remove(agent.Name); err != nil {
				log.Printf("[api] removing worktree for %s: %v", agent.Name, err)
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
