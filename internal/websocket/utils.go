package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	readWait  = 5 * time.Minute
)

// Conn serializes writes to a WebSocket connection so event pushes and
// replies to client actions can share it.
type Conn struct {
	raw *websocket.Conn
	mu  sync.Mutex
}

// NewConn wraps an upgraded connection.
func NewConn(raw *websocket.Conn) *Conn {
	return &Conn{raw: raw}
}

// WriteTyped sends a strongly-typed response payload over the WebSocket.
func (c *Conn) WriteTyped(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.raw.SetWriteDeadline(time.Now().Add(writeWait))
	return c.raw.WriteJSON(v)
}

// WriteError sends a typed ErrorResponse over the WebSocket.
func (c *Conn) WriteError(code, errMsg string) error {
	return c.WriteTyped(ErrorResponse{
		Event: EventError,
		Code:  code,
		Error: errMsg,
	})
}

// ReadJSON reads and decodes a message into the provided structure.
// It sets a read deadline.
func (c *Conn) ReadJSON(v interface{}) error {
	c.raw.SetReadDeadline(time.Now().Add(readWait))
	return c.raw.ReadJSON(v)
}

// Close sends a normal closure frame and closes the connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	_ = c.raw.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.mu.Unlock()
	return c.raw.Close()
}
