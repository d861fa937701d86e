// Package hub exposes the event bus and chat sessions over websockets.
package hub

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"agentdeck/internal/bus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	clientBufSize  = 64
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dashboard is served from arbitrary local origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans bus events out to connected websocket clients. Delivery is
// fire-and-forget: a client that cannot keep up is disconnected rather than
// allowed to block the rest.
type Hub struct {
	events     *bus.Bus
	register   chan *client
	unregister chan *client
	clients    map[*client]bool
	done       chan struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// New creates a hub consuming every topic on the bus.
func New(events *bus.Bus) *Hub {
	return &Hub{
		events:     events,
		register:   make(chan *client),
		unregister: make(chan *client),
		clients:    make(map[*client]bool),
		done:       make(chan struct{}),
	}
}

// Run pumps bus events to clients until the bus closes or Stop is called.
func (h *Hub) Run() {
	feed := h.events.SubscribeAll(256)
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true

		case c := <-h.unregister:
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}

		case ev, ok := <-feed:
			if !ok {
				h.closeAll()
				return
			}
			payload, err := bus.Envelope(ev)
			if err != nil {
				log.Printf("[hub] encoding %s: %v", ev.EventType(), err)
				continue
			}
			for c := range h.clients {
				select {
				case c.send <- payload:
				default:
					// Slow consumer; drop the connection, not the loop.
					delete(h.clients, c)
					close(c.send)
				}
			}

		case <-h.done:
			h.closeAll()
			return
		}
	}
}

// Stop disconnects every client and ends Run.
func (h *Hub) Stop() {
	close(h.done)
}

func (h *Hub) closeAll() {
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// ServeEvents upgrades the connection and streams bus events to it.
func (h *Hub) ServeEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[hub] upgrade: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientBufSize)}
	h.register <- c

	go c.writePump()
	go c.readPump(h)
}

// writePump serializes all writes to the connection and keeps it alive with
// pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound messages; its job is detecting disconnects.
func (c *client) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
