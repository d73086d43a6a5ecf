package connection

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrNotFound      = errors.New("connection not found")
	ErrAlreadyExists = errors.New("connection already exists")
)

// Conn serializes writes to a websocket, which allows one concurrent writer only.
type Conn struct {
	ws        *websocket.Conn
	writeWait time.Duration
	mu        sync.Mutex
}

func NewConn(ws *websocket.Conn, writeWait time.Duration) *Conn {
	return &Conn{
		ws:        ws,
		writeWait: writeWait,
	}
}

func (c *Conn) ReadJSON(v any) error {
	return c.ws.ReadJSON(v)
}

func (c *Conn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeWait > 0 {
		if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
			return err
		}
	}

	return c.ws.WriteJSON(v)
}

func (c *Conn) Ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait))
}

func (c *Conn) Close() error {
	if c.ws == nil {
		return nil
	}

	return c.ws.Close()
}

func (c *Conn) WS() *websocket.Conn {
	return c.ws
}
