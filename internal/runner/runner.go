package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// Mode selects the execution strategy and the permission posture of the
// subprocess.
type Mode string

const (
	// ModeNormal attaches a pseudo-terminal and detects interactive
	// permission prompts in the output stream.
	ModeNormal Mode = "normal"
	// ModePlan restricts the tool allow-list to read-only operations.
	ModePlan Mode = "plan"
	// ModeAuto pre-approves the common editing tools.
	ModeAuto Mode = "auto"
	// ModeYolo skips permission checks entirely.
	ModeYolo Mode = "yolo"
)

// State is the runner's lifecycle position.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateWaiting   State = "waiting_for_permission"
	StateDone      State = "done"
	StateCancelled State = "cancelled"
	StateErrored   State = "errored"
)

// DefaultPromptTimeout bounds how long a run waits for a permission
// response.
const DefaultPromptTimeout = 5 * time.Minute

// ErrNoSession is returned when an operation targets an unknown session.
var ErrNoSession = errors.New("no such session")

const maxTurns = "50"

// Request describes one conversational turn.
type Request struct {
	Message   string
	SessionID string // resume this session when set and Resume is true
	Resume    bool
	Images    []string // base64 data URLs
	Mode      Mode
	Model     string // haiku, sonnet, opus
}

// Runner owns one subprocess for one conversational turn. Single use: a
// second Run on the same instance fails. Sessions spanning multiple turns
// construct a fresh Runner per turn, keyed by session identifier in the
// Manager.
type Runner struct {
	binary        string
	workdir       string
	promptTimeout time.Duration
	input         chan string

	mu      sync.Mutex
	state   State
	started bool
	cmd     *exec.Cmd
}

// Option configures a Runner.
type Option func(*Runner)

// WithBinary overrides the CLI binary name.
func WithBinary(path string) Option {
	return func(r *Runner) { r.binary = path }
}

// WithPromptTimeout overrides the permission-response wait.
func WithPromptTimeout(d time.Duration) Option {
	return func(r *Runner) { r.promptTimeout = d }
}

// New creates a runner executing in the given working directory.
func New(workdir string, opts ...Option) *Runner {
	r := &Runner{
		binary:        "claude",
		workdir:       workdir,
		promptTimeout: DefaultPromptTimeout,
		state:         StateIdle,
		input:         make(chan string, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State returns the runner's current lifecycle state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// WaitingForInput reports whether the run is suspended on a permission
// prompt.
func (r *Runner) WaitingForInput() bool {
	return r.State() == StateWaiting
}

// SendInput delivers a response to a run suspended on a permission prompt.
// The mailbox holds a single slot; a second response before the first is
// consumed is rejected.
func (r *Runner) SendInput(response string) error {
	select {
	case r.input <- response:
		return nil
	default:
		return errors.New("input already queued")
	}
}

// Run starts the subprocess and returns the event stream. The channel is
// closed after a terminal event. Cancel ctx to stop the run; the subprocess
// is killed and a cancelled event is emitted.
func (r *Runner) Run(ctx context.Context, req Request) (<-chan Event, error) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil, errors.New("runner already used")
	}
	r.started = true
	r.state = StateRunning
	r.mu.Unlock()

	out := make(chan Event, 64)
	go r.run(ctx, req, out)
	return out, nil
}

func (r *Runner) run(ctx context.Context, req Request, out chan<- Event) {
	defer close(out)

	imagePaths, cleanup := saveImages(req.Images)
	defer cleanup()

	args := buildArgs(req, imagePaths)
	log.Printf("[runner] starting %s in %s (mode %s)", r.binary, r.workdir, req.Mode)

	var final Event
	if req.Mode == ModeNormal || req.Mode == "" {
		final = r.runWithPTY(ctx, args, out)
	} else {
		final = r.runWithPipes(ctx, args, out)
	}

	r.setState(stateFor(final.Type))
	// The terminal event must reach the consumer even when the buffer is
	// full, so this send blocks until the stream is drained.
	out <- final
}

func stateFor(t EventType) State {
	switch t {
	case EventDone:
		return StateDone
	case EventCancelled:
		return StateCancelled
	default:
		return StateErrored
	}
}

// buildArgs assembles the CLI invocation for a request.
func buildArgs(req Request, imagePaths []string) []string {
	var args []string

	switch req.Model {
	case "haiku", "sonnet", "opus":
		args = append(args, "--model", req.Model)
	}
	for _, p := range imagePaths {
		args = append(args, "--image", p)
	}
	args = append(args, "-p", req.Message)

	if req.Resume && req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	} else if req.Resume {
		args = append(args, "--continue")
	}

	switch req.Mode {
	case ModeYolo:
		args = append(args, "--dangerously-skip-permissions",
			"--output-format", "stream-json", "--verbose")
	case ModeAuto:
		args = append(args, "--allowedTools", "Edit,Write,Bash,Read,Glob,Grep",
			"--output-format", "stream-json", "--verbose")
	case ModePlan:
		args = append(args, "--allowedTools", "Read,Glob,Grep,Task",
			"--output-format", "stream-json", "--verbose")
	default:
		args = append(args, "--verbose")
	}

	return append(args, "--max-turns", maxTurns)
}

// runWithPTY attaches the subprocess to a pseudo-terminal and scans its
// output for permission prompts. Returns the terminal event.
func (r *Runner) runWithPTY(ctx context.Context, args []string, out chan<- Event) Event {
	cmd := exec.Command(r.binary, args...)
	cmd.Dir = r.workdir
	cmd.Env = append(os.Environ(), "NO_COLOR=1", "TERM=dumb")

	tty, err := pty.Start(cmd)
	if err != nil {
		return Event{Type: EventError, Message: fmt.Sprintf("starting subprocess: %v", err)}
	}
	defer tty.Close()

	r.mu.Lock()
	r.cmd = cmd
	r.mu.Unlock()

	chunks := readChunks(tty)
	buffer := ""

	for {
		select {
		case <-ctx.Done():
			r.kill(cmd)
			drain(chunks)
			cmd.Wait()
			return Event{Type: EventCancelled}

		case chunk, ok := <-chunks:
			if !ok {
				// EOF. Flush whatever is left, then collect the exit code.
				if rest := strings.TrimSpace(buffer); rest != "" {
					r.emitLine(ctx, out, rest)
				}
				return Event{Type: EventDone, ExitCode: waitExitCode(cmd)}
			}
			buffer += chunk

			// Interactive prompts usually arrive without a trailing newline,
			// so the raw buffer is checked before line splitting.
			if ev := detectPrompt(buffer); ev != nil {
				buffer = ""
				if stop, final := r.awaitResponse(ctx, out, tty, *ev); stop {
					r.kill(cmd)
					drain(chunks)
					cmd.Wait()
					return final
				}
				continue
			}

			for {
				line, rest, found := strings.Cut(buffer, "\n")
				if !found {
					break
				}
				buffer = rest
				line = strings.TrimSpace(line)
				if line == "" {
					continue
				}

				if ev := detectPrompt(line); ev != nil {
					if stop, final := r.awaitResponse(ctx, out, tty, *ev); stop {
						r.kill(cmd)
						drain(chunks)
						cmd.Wait()
						return final
					}
					continue
				}

				if json.Valid([]byte(line)) && strings.HasPrefix(line, "{") {
					if ev := detectJSONPrompt([]byte(line)); ev != nil {
						if stop, final := r.awaitResponse(ctx, out, tty, *ev); stop {
							r.kill(cmd)
							drain(chunks)
							cmd.Wait()
							return final
						}
						continue
					}
					r.emit(ctx, out, Event{Type: EventMessage, Data: json.RawMessage(line)})
				} else {
					r.emit(ctx, out, Event{Type: EventRaw, Content: line})
				}
			}
		}
	}
}

// runWithPipes reads stdout line-by-line with no prompt detection; the modes
// using this path suppress prompts via CLI flags.
func (r *Runner) runWithPipes(ctx context.Context, args []string, out chan<- Event) Event {
	cmd := exec.Command(r.binary, args...)
	cmd.Dir = r.workdir
	cmd.Env = append(os.Environ(), "NO_COLOR=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Event{Type: EventError, Message: fmt.Sprintf("creating stdout pipe: %v", err)}
	}
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		return Event{Type: EventError, Message: fmt.Sprintf("starting subprocess: %v", err)}
	}
	r.mu.Lock()
	r.cmd = cmd
	r.mu.Unlock()

	lines := make(chan string, 16)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			r.kill(cmd)
			for range lines {
			}
			cmd.Wait()
			return Event{Type: EventCancelled}

		case line, ok := <-lines:
			if !ok {
				return Event{Type: EventDone, ExitCode: waitExitCode(cmd)}
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			r.emitLine(ctx, out, line)
		}
	}
}

// awaitResponse emits the permission event and suspends until a response
// arrives, the wait times out, or the run is cancelled. stop=true means the
// run must end with the returned terminal event.
func (r *Runner) awaitResponse(ctx context.Context, out chan<- Event, w io.Writer, ev Event) (stop bool, final Event) {
	r.setState(StateWaiting)
	r.emit(ctx, out, ev)

	select {
	case response := <-r.input:
		if _, err := io.WriteString(w, response+"\n"); err != nil {
			return true, Event{Type: EventError, Message: fmt.Sprintf("writing response: %v", err)}
		}
		r.setState(StateRunning)
		r.emit(ctx, out, Event{Type: EventResponseSent, Response: response})
		return false, Event{}

	case <-time.After(r.promptTimeout):
		log.Printf("[runner] permission response timeout")
		return true, Event{Type: EventError, Message: "Permission response timeout"}

	case <-ctx.Done():
		return true, Event{Type: EventCancelled}
	}
}

func (r *Runner) emitLine(ctx context.Context, out chan<- Event, line string) {
	if json.Valid([]byte(line)) && strings.HasPrefix(line, "{") {
		r.emit(ctx, out, Event{Type: EventMessage, Data: json.RawMessage(line)})
	} else {
		r.emit(ctx, out, Event{Type: EventRaw, Content: line})
	}
}

func (r *Runner) emit(ctx context.Context, out chan<- Event, ev Event) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// kill terminates the subprocess's whole process group.
func (r *Runner) kill(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		cmd.Process.Kill()
	}
}

// readChunks pumps pty output into a channel in small reads. The channel
// closes on EOF (the pty returns an error once the child exits).
func readChunks(tty *os.File) <-chan string {
	chunks := make(chan string, 16)
	go func() {
		defer close(chunks)
		buf := make([]byte, 4096)
		for {
			n, err := tty.Read(buf)
			if n > 0 {
				chunks <- string(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()
	return chunks
}

func drain(chunks <-chan string) {
	for range chunks {
	}
}

func waitExitCode(cmd *exec.Cmd) int {
	err := cmd.Wait()
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
