package ws

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/textric/textric-server/internal/apperrors"
)

// socketConn wraps a gorilla websocket connection with a write lock
// and a closed flag, so the pump and the session loop can share it.
// Reads stay with the session loop; only Send and Close are shared.
type socketConn struct {
	ws *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func newSocketConn(ws *websocket.Conn) *socketConn {
	return &socketConn{ws: ws}
}

// Send marshals v as one JSON frame. Safe for concurrent callers.
func (c *socketConn) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("send: %w", apperrors.ErrSocketClosed)
	}
	if err := c.ws.WriteJSON(v); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close closes the underlying socket once; later calls are no-ops.
func (c *socketConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.ws.Close()
}

// Closed reports whether Close has been called.
func (c *socketConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
