package hub

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/google/uuid"

	"agentdeck/internal/model"
	"agentdeck/internal/runner"
	"agentdeck/internal/store"
)

// ChatHandler bridges one websocket connection to one interactive runner
// turn, relaying output events downstream and permission responses or stop
// requests upstream.
type ChatHandler struct {
	store    store.Store
	sessions *runner.Manager
}

// NewChatHandler creates the chat websocket handler.
func NewChatHandler(st store.Store, sessions *runner.Manager) *ChatHandler {
	return &ChatHandler{store: st, sessions: sessions}
}

// initMessage is the first frame the client sends after connecting.
type initMessage struct {
	Agent     string   `json:"agent"`
	Message   string   `json:"message"`
	Images    []string `json:"images"`
	Resume    *bool    `json:"resume"`
	SessionID string   `json:"session_id"`
	Mode      string   `json:"mode"`
	Model     string   `json:"model"`
}

// clientMessage is any frame the client sends while the run streams.
type clientMessage struct {
	Type     string `json:"type"`
	Response string `json:"response"`
}

// outEvent decorates runner events with the captured session identifier.
type outEvent struct {
	runner.Event
	SessionID string `json:"session_id,omitempty"`
}

// ServeHTTP handles one chat connection end to end.
func (h *ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[chat] upgrade: %v", err)
		return
	}
	defer conn.Close()

	var init initMessage
	if err := conn.ReadJSON(&init); err != nil {
		log.Printf("[chat] reading init: %v", err)
		return
	}
	if init.Agent == "" {
		init.Agent = model.LeaderName
	}
	if init.Mode == "" {
		init.Mode = string(runner.ModeNormal)
	}
	if init.Model == "" {
		init.Model = "sonnet"
	}
	resume := init.Resume == nil || *init.Resume
	if init.SessionID == "" {
		// The CLI mints the real session id; it is captured from output.
		resume = false
	}

	if init.Message == "" && len(init.Images) == 0 {
		conn.WriteJSON(map[string]string{"type": "error", "message": "No message provided"})
		return
	}

	workdir, err := h.resolveWorkdir(r.Context(), init.Agent)
	if err != nil {
		conn.WriteJSON(map[string]string{"type": "error", "message": err.Error()})
		return
	}

	conn.WriteJSON(map[string]any{
		"type":        "chat_start",
		"agent":       init.Agent,
		"message":     init.Message,
		"image_count": len(init.Images),
		"mode":        init.Mode,
		"model":       init.Model,
		"session_id":  init.SessionID,
	})

	chatID := uuid.NewString()
	events, err := h.sessions.StartRun(context.Background(), chatID, workdir, runner.Request{
		Message:   init.Message,
		SessionID: init.SessionID,
		Resume:    resume,
		Images:    init.Images,
		Mode:      runner.Mode(init.Mode),
		Model:     init.Model,
	})
	if err != nil {
		conn.WriteJSON(map[string]string{"type": "error", "message": err.Error()})
		return
	}
	defer h.sessions.Stop(chatID)

	// Inbound frames are read on a separate goroutine so stop requests can be
	// noticed between output events without blocking the stream.
	inbound := make(chan clientMessage, 4)
	go func() {
		defer close(inbound)
		for {
			var msg clientMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			inbound <- msg
		}
	}()

	sessionID := ""
	if resume {
		sessionID = init.SessionID
	}

	for ev := range events {
		if sessionID == "" && ev.Type == runner.EventMessage {
			sessionID = extractSessionID(ev.Data)
		}
		if err := conn.WriteJSON(outEvent{Event: ev, SessionID: sessionID}); err != nil {
			h.sessions.Stop(chatID)
			return
		}

		if ev.Type == runner.EventPermission {
			// Block until the user answers or disconnects; the runner's own
			// timeout bounds the wait.
			msg, ok := <-inbound
			if !ok {
				h.sessions.Stop(chatID)
				return
			}
			switch msg.Type {
			case "permission_response":
				if err := h.sessions.SendInput(chatID, msg.Response); err != nil {
					log.Printf("[chat] forwarding response: %v", err)
				}
			case "stop":
				h.sessions.Stop(chatID)
			}
			continue
		}

		// Opportunistic stop check between regular output events.
		select {
		case msg, ok := <-inbound:
			if !ok {
				h.sessions.Stop(chatID)
				return
			}
			switch msg.Type {
			case "stop":
				h.sessions.Stop(chatID)
			case "permission_response":
				if err := h.sessions.SendInput(chatID, msg.Response); err != nil {
					log.Printf("[chat] forwarding response: %v", err)
				}
			}
		default:
		}
	}

	conn.WriteJSON(map[string]any{"type": "chat_done", "session_id": sessionID})
}

// resolveWorkdir maps an agent name to its working directory within the
// active project. The leader works in the project root; other agents use
// their worktree when provisioned.
func (h *ChatHandler) resolveWorkdir(ctx context.Context, agentName string) (string, error) {
	project, err := h.store.GetActiveProject(ctx)
	if err != nil {
		return "", err
	}
	if agentName == model.LeaderName {
		return project.RootPath, nil
	}
	agent, err := h.store.GetAgentByName(ctx, project.ID, agentName)
	if err != nil {
		// Unknown agent names fall back to the project root.
		return project.RootPath, nil
	}
	return agent.WorkDir(project.RootPath), nil
}

// extractSessionID pulls the session identifier out of a structured output
// line. Both snake_case and camelCase spellings appear in the wild.
func extractSessionID(raw json.RawMessage) string {
	var probe struct {
		SessionID  string `json:"session_id"`
		SessionIDC string `json:"sessionId"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	if probe.SessionID != "" {
		return probe.SessionID
	}
	return probe.SessionIDC
}
