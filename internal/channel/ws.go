package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// pongWait is how long a connection may stay silent before the read
	// loop gives up; pings go out at a third of that.
	pongWait     = 90 * time.Second
	pingInterval = 30 * time.Second
)

// WSConn adapts a gorilla websocket connection to the channel Conn and
// Transport contracts. Writes are serialized; gorilla allows only one
// concurrent writer.
type WSConn struct {
	mu sync.Mutex
	c  *websocket.Conn
}

var _ Transport = (*WSConn)(nil)

// NewWSConn wraps an upgraded websocket connection and arms the
// pong-based read deadline.
func NewWSConn(c *websocket.Conn) *WSConn {
	c.SetReadDeadline(time.Now().Add(pongWait))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(pongWait))
	})
	return &WSConn{c: c}
}

// Send writes one event envelope as a JSON text frame.
func (w *WSConn) Send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.c.SetWriteDeadline(time.Now().Add(writeWait))
	if err := w.c.WriteJSON(Msg{Event: event, Data: data}); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	return nil
}

// Receive blocks for the next event envelope. Control frames are
// handled by gorilla underneath.
func (w *WSConn) Receive() (Msg, error) {
	var msg Msg
	if err := w.c.ReadJSON(&msg); err != nil {
		return Msg{}, err
	}
	return msg, nil
}

// Ping sends a websocket-level keep-alive ping.
func (w *WSConn) Ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.c.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// KeepAlive pings the peer on an interval until ctx is cancelled or a
// ping fails. Run it in its own goroutine beside the session read loop;
// a dead peer then trips the read deadline within pongWait.
func (w *WSConn) KeepAlive(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Ping(); err != nil {
				return
			}
		}
	}
}

// Close closes the underlying connection, unblocking Receive.
func (w *WSConn) Close() error {
	return w.c.Close()
}
