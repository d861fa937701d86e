// deckmon is a terminal dashboard for a running agentdeck server. It
// subscribes to the server's event websocket and renders scheduler activity.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"agentdeck/internal/config"
	"agentdeck/internal/tui"
)

func main() {
	cfg, err := config.LoadDefault()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	defaultURL := "ws://" + cfg.Server.Listen + "/ws/events"
	url := flag.String("url", defaultURL, "event websocket URL")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stream := tui.NewStream(*url)
	stream.Start(ctx)

	p := tea.NewProgram(tui.New(stream), tea.WithAltScreen())

	errChan := make(chan error, 1)
	go func() {
		_, err := p.Run()
		errChan <- err
	}()

	select {
	case err := <-errChan:
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		stop()
		p.Quit()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		select {
		case err := <-errChan:
			if err != nil {
				log.Printf("exit error: %v", err)
			}
		case <-shutdownCtx.Done():
			log.Println("shutdown timeout exceeded, forcing exit")
		}
	}
}
