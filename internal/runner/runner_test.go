package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeScript installs an executable stand-in for the agent CLI.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-cli")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var got []Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("event stream did not finish; got %+v", got)
		}
	}
}

func eventTypes(events []Event) []EventType {
	types := make([]EventType, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	return types
}

func findEvent(events []Event, typ EventType) *Event {
	for i := range events {
		if events[i].Type == typ {
			return &events[i]
		}
	}
	return nil
}

func TestPipeModeStreamsStructuredAndRawLines(t *testing.T) {
	script := writeScript(t, `
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"working"}]}}'
echo 'plain text line'
echo '{"type":"result","result":"finished"}'
exit 0
`)
	r := New(t.TempDir(), WithBinary(script))
	events, err := r.Run(context.Background(), Request{Message: "hi", Mode: ModeYolo})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	got := collect(t, events)

	if ev := findEvent(got, EventMessage); ev == nil {
		t.Errorf("no structured message events in %v", eventTypes(got))
	}
	raw := findEvent(got, EventRaw)
	if raw == nil || raw.Content != "plain text line" {
		t.Errorf("raw event = %+v", raw)
	}
	done := findEvent(got, EventDone)
	if done == nil || done.ExitCode != 0 {
		t.Errorf("done event = %+v", done)
	}
	if got[len(got)-1].Type != EventDone {
		t.Errorf("last event = %s, want done", got[len(got)-1].Type)
	}
	if r.State() != StateDone {
		t.Errorf("state = %s, want done", r.State())
	}
}

func TestPipeModeReportsExitCode(t *testing.T) {
	script := writeScript(t, `
echo '{"type":"result","result":"boom"}'
exit 3
`)
	r := New(t.TempDir(), WithBinary(script))
	events, err := r.Run(context.Background(), Request{Message: "hi", Mode: ModeAuto})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	got := collect(t, events)

	done := findEvent(got, EventDone)
	if done == nil || done.ExitCode != 3 {
		t.Errorf("done = %+v, want exit code 3", done)
	}
}

func TestPTYPromptRoundTrip(t *testing.T) {
	// The prompt is printed without a trailing newline, exactly as an
	// interactive CLI awaiting a keypress would.
	script := writeScript(t, `
printf 'Allow Bash to run ls? (Y)es / (N)o'
read answer
echo ""
echo "{\"type\":\"result\",\"result\":\"answered $answer\"}"
exit 0
`)
	r := New(t.TempDir(), WithBinary(script))
	events, err := r.Run(context.Background(), Request{Message: "hi", Mode: ModeNormal})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var got []Event
	timeout := time.After(10 * time.Second)
	for {
		var ev Event
		var ok bool
		select {
		case ev, ok = <-events:
		case <-timeout:
			t.Fatalf("stream stalled; got %v", eventTypes(got))
		}
		if !ok {
			break
		}
		got = append(got, ev)

		if ev.Type == EventPermission {
			if ev.Tool != "Bash" {
				t.Errorf("tool = %q, want Bash", ev.Tool)
			}
			if !r.WaitingForInput() {
				t.Error("runner should report waiting_for_permission")
			}
			if err := r.SendInput("Yes"); err != nil {
				t.Fatalf("SendInput failed: %v", err)
			}
		}
	}

	if findEvent(got, EventPermission) == nil {
		t.Fatalf("no permission event; got %v", eventTypes(got))
	}
	sent := findEvent(got, EventResponseSent)
	if sent == nil || sent.Response != "Yes" {
		t.Errorf("response event = %+v", sent)
	}
	done := findEvent(got, EventDone)
	if done == nil || done.ExitCode != 0 {
		t.Errorf("done = %+v", done)
	}
}

func TestPTYPromptTimeout(t *testing.T) {
	script := writeScript(t, `
printf 'Do you want to proceed?'
sleep 30
`)
	r := New(t.TempDir(), WithBinary(script), WithPromptTimeout(200*time.Millisecond))
	events, err := r.Run(context.Background(), Request{Message: "hi", Mode: ModeNormal})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	got := collect(t, events)

	errEv := findEvent(got, EventError)
	if errEv == nil || errEv.Message != "Permission response timeout" {
		t.Fatalf("events = %v, want a timeout error", eventTypes(got))
	}
	if got[len(got)-1].Type != EventError {
		t.Errorf("last event = %s, want error", got[len(got)-1].Type)
	}
	if r.State() != StateErrored {
		t.Errorf("state = %s, want errored", r.State())
	}
}

func TestCancellationEmitsTerminalEvent(t *testing.T) {
	script := writeScript(t, `
echo '{"type":"assistant","message":{"content":[]}}'
sleep 30
`)
	r := New(t.TempDir(), WithBinary(script))
	ctx, cancel := context.WithCancel(context.Background())
	events, err := r.Run(ctx, Request{Message: "hi", Mode: ModeYolo})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Wait for the first event so the subprocess is definitely up.
	select {
	case <-events:
	case <-time.After(5 * time.Second):
		t.Fatal("no output from subprocess")
	}
	cancel()

	got := collect(t, events)
	if len(got) == 0 || got[len(got)-1].Type != EventCancelled {
		t.Fatalf("events = %v, want trailing cancelled", eventTypes(got))
	}
	if r.State() != StateCancelled {
		t.Errorf("state = %s, want cancelled", r.State())
	}
}

func TestTerminalEventSurvivesFullBuffer(t *testing.T) {
	// Enough output to fill the event buffer before anything is read.
	script := writeScript(t, `
i=0
while [ $i -lt 64 ]; do
  echo "line $i"
  i=$((i+1))
done
exit 0
`)
	r := New(t.TempDir(), WithBinary(script))
	events, err := r.Run(context.Background(), Request{Message: "hi", Mode: ModeYolo})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Give the subprocess time to finish while the consumer lags behind.
	time.Sleep(500 * time.Millisecond)

	got := collect(t, events)
	if len(got) == 0 || got[len(got)-1].Type != EventDone {
		t.Fatalf("events = %v, want trailing done", eventTypes(got))
	}
	if r.State() != StateDone {
		t.Errorf("state = %s, want done", r.State())
	}
}

func TestRunnerIsSingleUse(t *testing.T) {
	script := writeScript(t, "exit 0\n")
	r := New(t.TempDir(), WithBinary(script))

	events, err := r.Run(context.Background(), Request{Message: "hi", Mode: ModeYolo})
	if err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	collect(t, events)

	if _, err := r.Run(context.Background(), Request{Message: "again", Mode: ModeYolo}); err == nil {
		t.Error("second Run should fail")
	}
}

func TestSendInputSingleSlot(t *testing.T) {
	r := New(t.TempDir())
	if err := r.SendInput("Yes"); err != nil {
		t.Fatalf("first SendInput failed: %v", err)
	}
	if err := r.SendInput("No"); err == nil {
		t.Error("second SendInput should fail while the slot is occupied")
	}
}

func TestBuildArgs(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		imgs []string
		want []string
	}{
		{
			name: "normal with resume session",
			req:  Request{Message: "fix it", SessionID: "s1", Resume: true, Mode: ModeNormal, Model: "sonnet"},
			want: []string{"--model", "sonnet", "-p", "fix it", "--resume", "s1", "--verbose", "--max-turns", "50"},
		},
		{
			name: "continue without session",
			req:  Request{Message: "go on", Resume: true, Mode: ModeYolo},
			want: []string{"-p", "go on", "--continue", "--dangerously-skip-permissions", "--output-format", "stream-json", "--verbose", "--max-turns", "50"},
		},
		{
			name: "plan mode allow-list",
			req:  Request{Message: "plan", Mode: ModePlan},
			want: []string{"-p", "plan", "--allowedTools", "Read,Glob,Grep,Task", "--output-format", "stream-json", "--verbose", "--max-turns", "50"},
		},
		{
			name: "auto mode allow-list",
			req:  Request{Message: "do", Mode: ModeAuto},
			want: []string{"-p", "do", "--allowedTools", "Edit,Write,Bash,Read,Glob,Grep", "--output-format", "stream-json", "--verbose", "--max-turns", "50"},
		},
		{
			name: "images precede prompt",
			req:  Request{Message: "look", Mode: ModeNormal},
			imgs: []string{"/tmp/a.png"},
			want: []string{"--image", "/tmp/a.png", "-p", "look", "--verbose", "--max-turns", "50"},
		},
		{
			name: "unknown model ignored",
			req:  Request{Message: "hi", Mode: ModeNormal, Model: "gpt"},
			want: []string{"-p", "hi", "--verbose", "--max-turns", "50"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := buildArgs(tt.req, tt.imgs)
			if len(got) != len(tt.want) {
				t.Fatalf("args = %v, want %v", got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("args[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestManagerSessionLifecycle(t *testing.T) {
	script := writeScript(t, `
printf 'Press Enter to continue'
read x
exit 0
`)
	m := NewManager(WithBinary(script))

	events, err := m.StartRun(context.Background(), "sess-1", t.TempDir(), Request{Message: "hi", Mode: ModeNormal})
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Type != EventPermission {
			t.Fatalf("first event = %s, want permission_request", ev.Type)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no permission event")
	}

	if !m.Waiting("sess-1") {
		t.Error("session should report waiting")
	}
	if err := m.SendInput("sess-1", ""); err != nil {
		t.Errorf("SendInput failed: %v", err)
	}
	if err := m.SendInput("missing", "x"); err == nil {
		t.Error("SendInput to unknown session should fail")
	}

	collect(t, events)
	m.Stop("sess-1")
	if m.Waiting("sess-1") {
		t.Error("stopped session should be forgotten")
	}
}

func TestManagerStopCancelsRun(t *testing.T) {
	script := writeScript(t, "sleep 30\n")
	m := NewManager(WithBinary(script))

	events, err := m.StartRun(context.Background(), "sess-1", t.TempDir(), Request{Message: "hi", Mode: ModeYolo})
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	m.Stop("sess-1")

	got := collect(t, events)
	if len(got) == 0 || got[len(got)-1].Type != EventCancelled {
		t.Errorf("events = %v, want cancelled", eventTypes(got))
	}
}
