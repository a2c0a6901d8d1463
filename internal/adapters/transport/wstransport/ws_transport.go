package wstransport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/driftlabs/driftsync/internal/ports"
)

type authMessage struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// Transport is the websocket client transport. The session credential is
// opaque to the engine: it is forwarded in the Authorization header and in a
// first-frame auth message, unchanged.
type Transport struct {
	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	recv    chan []byte
	done    chan struct{}
}

func New() *Transport {
	return &Transport{}
}

// Open dials the endpoint and starts the read pump. It may be called again
// after a disconnect; each call establishes a fresh connection and a fresh
// Receive channel.
func (t *Transport) Open(ctx context.Context, endpoint, credential string) error {
	hdr := http.Header{}
	if credential != "" {
		hdr.Set("Authorization", "Bearer "+credential)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, hdr)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket dial %s: %s: %w", endpoint, resp.Status, err)
		}
		return fmt.Errorf("websocket dial %s: %w", endpoint, err)
	}

	if credential != "" {
		if err := conn.WriteJSON(authMessage{Type: "auth", Token: credential}); err != nil {
			conn.Close()
			return fmt.Errorf("websocket auth: %w", err)
		}
	}

	t.mu.Lock()
	t.conn = conn
	t.recv = make(chan []byte, 64)
	t.done = make(chan struct{})
	recv, done := t.recv, t.done
	t.mu.Unlock()

	go t.readPump(conn, recv, done)
	return nil
}

func (t *Transport) readPump(conn *websocket.Conn, recv chan []byte, done chan struct{}) {
	defer close(recv)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case recv <- msg:
		case <-done:
			return
		}
	}
}

// Send writes one frame. gorilla allows a single concurrent writer, so all
// writes are serialized here.
func (t *Transport) Send(data []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errors.New("websocket transport: not open")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Receive returns the inbound frame channel for the current connection. The
// channel closes when the connection drops or Close is called.
func (t *Transport) Receive() <-chan []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recv
}

// Close drops the current connection. Safe to call repeatedly; Open may be
// called again afterwards.
func (t *Transport) Close() error {
	t.mu.Lock()
	conn := t.conn
	done := t.done
	t.conn = nil
	t.done = nil
	t.mu.Unlock()

	if done != nil {
		close(done)
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

var _ ports.Transport = (*Transport)(nil)
