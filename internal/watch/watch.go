// Package watch publishes filesystem notifications for a project's
// coordination files: the team-state document and the result mailbox.
package watch

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"

	"agentdeck/internal/bus"
)

const stateFileName = "team-state.yaml"

// Watcher tails a project root and turns file activity into bus events.
type Watcher struct {
	root   string
	events *bus.Bus

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a watcher for the given project root.
func New(root string, events *bus.Bus) *Watcher {
	return &Watcher{root: root, events: events}
}

// Start begins watching in the background. The directories do not need to
// exist yet; arming retries with backoff until they appear.
func (w *Watcher) Start(ctx context.Context) {
	if w.done != nil {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.run(ctx)
}

// Stop ends watching and waits for the loop to exit.
func (w *Watcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	for {
		fw, err := w.arm(ctx)
		if err != nil {
			return
		}
		ok := w.pump(ctx, fw)
		fw.Close()
		if !ok {
			return
		}
		log.Printf("[watch] watcher lost, re-arming")
	}
}

// arm creates the fsnotify watcher and registers the coordination
// directories, retrying until at least one of them exists.
func (w *Watcher) arm(ctx context.Context) (*fsnotify.Watcher, error) {
	var fw *fsnotify.Watcher
	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	err := backoff.Retry(func() error {
		var err error
		fw, err = fsnotify.NewWatcher()
		if err != nil {
			return err
		}
		if added := w.addTargets(fw); added == 0 {
			fw.Close()
			return os.ErrNotExist
		}
		return nil
	}, policy)
	if err != nil {
		return nil, err
	}
	return fw, nil
}

// addTargets registers the state directory, the results root, and any
// per-agent result directories that already exist.
func (w *Watcher) addTargets(fw *fsnotify.Watcher) int {
	added := 0
	if err := fw.Add(filepath.Join(w.root, ".claude")); err == nil {
		added++
	}
	resultsDir := filepath.Join(w.root, ".agent-mail", "results")
	if err := fw.Add(resultsDir); err == nil {
		added++
		entries, _ := os.ReadDir(resultsDir)
		for _, e := range entries {
			if e.IsDir() {
				fw.Add(filepath.Join(resultsDir, e.Name()))
			}
		}
	}
	return added
}

// pump translates fsnotify events until cancellation (returns false) or a
// watcher failure (returns true, caller re-arms).
func (w *Watcher) pump(ctx context.Context, fw *fsnotify.Watcher) bool {
	resultsDir := filepath.Join(w.root, ".agent-mail", "results")
	for {
		select {
		case <-ctx.Done():
			return false

		case ev, ok := <-fw.Events:
			if !ok {
				return true
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			w.handle(fw, resultsDir, ev)

		case err, ok := <-fw.Errors:
			if !ok {
				return true
			}
			log.Printf("[watch] %v", err)
		}
	}
}

func (w *Watcher) handle(fw *fsnotify.Watcher, resultsDir string, ev fsnotify.Event) {
	if filepath.Base(ev.Name) == stateFileName {
		w.events.Publish(bus.TopicFiles, bus.StateChangedEvent{
			Path:      ev.Name,
			Timestamp: time.Now(),
		})
		return
	}

	rel, err := filepath.Rel(resultsDir, ev.Name)
	if err != nil || rel == "." || filepath.IsAbs(rel) || rel[0] == '.' {
		return
	}

	// A new per-agent mailbox directory gets its own watch.
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			fw.Add(ev.Name)
			return
		}
	}

	agent := ""
	if dir := filepath.Dir(rel); dir != "." {
		agent = dir
	}
	w.events.Publish(bus.TopicFiles, bus.ResultWrittenEvent{
		Path:      ev.Name,
		AgentName: agent,
		Timestamp: time.Now(),
	})
}
