// Package tui implements the deckmon terminal dashboard: a live view of
// scheduler activity fed by the server's event websocket.
package tui

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"agentdeck/internal/bus"
)

const maxLogLines = 200

// Model is the root Bubble Tea model for deckmon.
type Model struct {
	stream    *Stream
	connected bool
	paused    bool
	reason    string

	counters map[string]int
	logLines []string

	width    int
	height   int
	quitting bool
}

// New creates the dashboard model. The stream must already be started.
func New(stream *Stream) Model {
	return Model{
		stream:   stream,
		counters: make(map[string]int),
	}
}

// Init begins waiting on the event stream.
func (m Model) Init() tea.Cmd {
	return waitForStream(m.stream.Messages())
}

func waitForStream(msgs <-chan StreamMsg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-msgs
		if !ok {
			return nil
		}
		return msg
	}
}

// Update handles key presses and stream messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit
		case KeyClear:
			m.logLines = nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case ConnectedMsg:
		m.connected = true
		m.appendLog("connected to server")
		return m, waitForStream(m.stream.Messages())

	case DisconnectedMsg:
		m.connected = false
		m.appendLog("disconnected, retrying")
		return m, waitForStream(m.stream.Messages())

	case EventMsg:
		m.apply(msg)
		return m, waitForStream(m.stream.Messages())
	}

	return m, nil
}

// apply folds one server event into the counters and the log.
func (m *Model) apply(ev EventMsg) {
	m.counters[ev.Type]++

	var detail struct {
		TaskID    string `json:"task_id"`
		AgentName string `json:"agent_name"`
		Title     string `json:"title"`
		Reason    string `json:"reason"`
		Error     string `json:"error"`
		Summary   string `json:"summary"`
	}
	json.Unmarshal(ev.Data, &detail)

	switch ev.Type {
	case bus.EventTypeSchedulerPaused:
		m.paused = true
		m.reason = detail.Reason
		m.appendLog(StylePaused.Render("scheduler paused: " + detail.Reason))
	case bus.EventTypeSchedulerResumed:
		m.paused = false
		m.reason = ""
		m.appendLog("scheduler resumed")
	case bus.EventTypeTaskDispatched:
		m.appendLog(fmt.Sprintf("dispatched %s to %s (%s)", short(detail.TaskID), detail.AgentName, detail.Title))
	case bus.EventTypeTaskCompleted:
		m.appendLog(StyleCompleted.Render(fmt.Sprintf("completed %s (%s)", short(detail.TaskID), detail.AgentName)))
	case bus.EventTypeTaskFailed:
		m.appendLog(StyleFailed.Render(fmt.Sprintf("failed %s: %s", short(detail.TaskID), detail.Error)))
	case bus.EventTypeTaskRetried:
		m.appendLog(StyleRetried.Render(fmt.Sprintf("retrying %s: %s", short(detail.TaskID), detail.Error)))
	case bus.EventTypeTaskCancelled:
		m.appendLog(fmt.Sprintf("cancelled %s", short(detail.TaskID)))
	case bus.EventTypeTaskUnblocked:
		m.appendLog(fmt.Sprintf("unblocked %s", short(detail.TaskID)))
	default:
		m.appendLog(ev.Type)
	}
}

func (m *Model) appendLog(line string) {
	stamp := time.Now().Format("15:04:05")
	m.logLines = append(m.logLines, stamp+"  "+line)
	if len(m.logLines) > maxLogLines {
		m.logLines = m.logLines[len(m.logLines)-maxLogLines:]
	}
}

// View renders the dashboard.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	status := m.statusLine()
	counters := m.counterLine()

	logHeight := m.height - 6
	if logHeight < 1 {
		logHeight = 1
	}
	visible := m.logLines
	if len(visible) > logHeight {
		visible = visible[len(visible)-logHeight:]
	}
	logBox := StyleBorder.
		Width(m.width - 2).
		Height(logHeight).
		Render(strings.Join(visible, "\n"))

	return lipgloss.JoinVertical(lipgloss.Left,
		StyleTitle.Render("agentdeck monitor"),
		status,
		counters,
		logBox,
		HelpView(),
	)
}

func (m Model) statusLine() string {
	conn := StyleDisconnected.Render("disconnected")
	if m.connected {
		conn = StyleConnected.Render("connected")
	}
	sched := "running"
	if m.paused {
		sched = StylePaused.Render("paused: " + m.reason)
	}
	return fmt.Sprintf(" server: %s   scheduler: %s", conn, sched)
}

func (m Model) counterLine() string {
	return fmt.Sprintf(" dispatched: %d   completed: %d   failed: %d   retried: %d",
		m.counters[bus.EventTypeTaskDispatched],
		m.counters[bus.EventTypeTaskCompleted],
		m.counters[bus.EventTypeTaskFailed],
		m.counters[bus.EventTypeTaskRetried],
	)
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
