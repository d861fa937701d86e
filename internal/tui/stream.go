package tui

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

// StreamMsg is anything the event stream delivers to the model.
type StreamMsg interface{ streamMsg() }

// ConnectedMsg signals an established (or re-established) connection.
type ConnectedMsg struct{}

// DisconnectedMsg signals a dropped connection; the stream keeps retrying.
type DisconnectedMsg struct{ Err error }

// EventMsg is one envelope received from the server.
type EventMsg struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (ConnectedMsg) streamMsg()    {}
func (DisconnectedMsg) streamMsg() {}
func (EventMsg) streamMsg()        {}

// Stream maintains a websocket subscription to the server's event socket,
// reconnecting with exponential backoff.
type Stream struct {
	url  string
	msgs chan StreamMsg
}

// NewStream creates a stream for the given ws:// URL.
func NewStream(url string) *Stream {
	return &Stream{url: url, msgs: make(chan StreamMsg, 64)}
}

// Messages exposes the inbound channel for the model's wait command.
func (s *Stream) Messages() <-chan StreamMsg { return s.msgs }

// Start runs the connect/read loop until the context is cancelled.
func (s *Stream) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *Stream) run(ctx context.Context) {
	defer close(s.msgs)
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0 // retry forever
	for {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.deliver(ctx, DisconnectedMsg{Err: err})
			select {
			case <-time.After(policy.NextBackOff()):
			case <-ctx.Done():
				return
			}
			continue
		}
		policy.Reset()
		s.deliver(ctx, ConnectedMsg{})

		// Close the socket when the context ends so ReadJSON unblocks.
		stop := context.AfterFunc(ctx, func() { conn.Close() })
		err = s.read(ctx, conn)
		stop()
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		s.deliver(ctx, DisconnectedMsg{Err: err})
	}
}

func (s *Stream) read(ctx context.Context, conn *websocket.Conn) error {
	for {
		var ev EventMsg
		if err := conn.ReadJSON(&ev); err != nil {
			return err
		}
		s.deliver(ctx, ev)
	}
}

func (s *Stream) deliver(ctx context.Context, msg StreamMsg) {
	select {
	case s.msgs <- msg:
	case <-ctx.Done():
	}
}
