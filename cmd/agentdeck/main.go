// agentdeck is the orchestration server: it owns the task store, runs the
// dispatch scheduler for the active project, and serves the websocket and
// JSON surface that chat clients and deckmon connect to.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"agentdeck/internal/bus"
	"agentdeck/internal/config"
	"agentdeck/internal/hub"
	"agentdeck/internal/ratelimit"
	"agentdeck/internal/runner"
	"agentdeck/internal/scheduler"
	"agentdeck/internal/store"
	"agentdeck/internal/watch"
)

func main() {
	// Optional; a missing .env is the normal case.
	godotenv.Load()

	cfg, err := config.LoadDefault()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Database.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	events := bus.New()
	defer events.Close()

	h := hub.New(events)
	go h.Run()
	defer h.Stop()

	monitor := ratelimit.NewMonitor(cfg.Limits.StatsCachePath,
		ratelimit.WithLimits(cfg.Limits.MessageLimit, int64(cfg.Limits.TokenLimit)))

	procs := scheduler.NewProcessManager()
	sessions := runner.NewManager(
		runner.WithBinary(cfg.Runner.Binary),
		runner.WithPromptTimeout(time.Duration(cfg.Runner.PromptTimeoutSeconds)*time.Second),
	)

	// The scheduler and the file watcher serve the active project; without
	// one the server still answers chat and API traffic.
	var sched *scheduler.Scheduler
	var watcher *watch.Watcher
	project, err := st.GetActiveProject(ctx)
	if err != nil {
		log.Printf("[main] no active project, scheduler idle: %v", err)
		sched = scheduler.New(st, monitor, nil, events, scheduler.Config{})
	} else {
		dispatcher := scheduler.NewScriptDispatcher(project.RootPath, cfg.Scheduler.BundledScriptsDir, procs)
		sched = scheduler.New(st, monitor, dispatcher, events, scheduler.Config{
			ProjectID:   project.ID,
			ProjectRoot: project.RootPath,
			Interval:    time.Duration(cfg.Scheduler.PollIntervalSeconds) * time.Second,
		})
		sched.Start(ctx)

		watcher = watch.New(project.RootPath, events)
		watcher.Start(ctx)
	}

	srv := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: hub.NewServer(h, st, sched, sessions),
	}
	errChan := make(chan error, 1)
	go func() {
		log.Printf("[main] listening on %s", cfg.Server.Listen)
		errChan <- srv.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		stop()
		log.Println("Shutdown signal received, cleaning up...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}

	sched.Stop()
	if watcher != nil {
		watcher.Stop()
	}
	sessions.StopAll()
	if err := procs.KillAll(); err != nil {
		log.Printf("Error killing subprocesses: %v", err)
	}

	log.Println("Shutdown complete")
}
