package websocket

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ClientConn wraps one upgraded socket. Replay and live fan-out both write to
// the same connection from different goroutines, so writes serialize under mu.
type ClientConn struct {
	id   string
	conn *websocket.Conn

	mu sync.Mutex
}

// NewClientConn wraps an upgraded connection with a fresh socket id.
func NewClientConn(conn *websocket.Conn) *ClientConn {
	return &ClientConn{
		id:   uuid.NewString(),
		conn: conn,
	}
}

// ID implements runner.Sink.
func (c *ClientConn) ID() string { return c.id }

// Send implements runner.Sink.
func (c *ClientConn) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}
