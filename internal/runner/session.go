package runner

import (
	"context"
	"sync"
)

// Manager multiplexes chat sessions. Each session identifier maps to at most
// one active run; starting a new turn on a session tears down any run still
// in progress.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session
	opts     []Option
}

type session struct {
	runner *Runner
	cancel context.CancelFunc
}

// NewManager creates an empty session manager. opts are applied to every
// runner it constructs.
func NewManager(opts ...Option) *Manager {
	return &Manager{
		sessions: make(map[string]*session),
		opts:     opts,
	}
}

// StartRun begins a turn for the session, executing in workdir. The previous
// run for the same session, if any, is cancelled first.
func (m *Manager) StartRun(ctx context.Context, sessionID, workdir string, req Request) (<-chan Event, error) {
	m.mu.Lock()
	if old, ok := m.sessions[sessionID]; ok {
		old.cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	r := New(workdir, m.opts...)
	m.sessions[sessionID] = &session{runner: r, cancel: cancel}
	m.mu.Unlock()

	events, err := r.Run(runCtx, req)
	if err != nil {
		cancel()
		return nil, err
	}
	return events, nil
}

// SendInput forwards a permission response to the session's active run.
func (m *Manager) SendInput(sessionID, response string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return ErrNoSession
	}
	return s.runner.SendInput(response)
}

// Waiting reports whether the session's run is suspended on a permission
// prompt.
func (m *Manager) Waiting(sessionID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	return ok && s.runner.WaitingForInput()
}

// Stop cancels the session's active run and forgets the session.
func (m *Manager) Stop(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if ok {
		s.cancel()
	}
}

// StopAll cancels every active run.
func (m *Manager) StopAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.cancel()
	}
}
