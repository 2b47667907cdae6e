package gateway

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/useful-bytes/netsleuth/internal/wire"
)

// Conn is the transport handle a Host sends control messages and binary
// frames through. Implementations exist for accepted WebSockets and for
// in-process bindings delivered by direct call.
type Conn interface {
	Send(m wire.Message) error
	SendBin(frameType byte, id uint32, payload []byte) error
	Close() error

	// Persistent reports whether the peer can actually disconnect. In-process
	// bindings cannot, so the reaper's ack-timeout must not drop their host.
	Persistent() bool
}

// WSConn adapts a gorilla connection. Writes are serialized behind a mutex
// because gorilla permits only one concurrent writer.
type WSConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// NewWSConn wraps an accepted or dialed WebSocket.
func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

// Send marshals and writes a control message as a text frame.
func (c *WSConn) Send(m wire.Message) error {
	data, err := wire.Marshal(m)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// SendBin writes a payload frame as a binary message.
func (c *WSConn) SendBin(frameType byte, id uint32, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, wire.EncodeFrame(frameType, id, payload))
}

// Close closes the underlying socket.
func (c *WSConn) Close() error {
	return c.conn.Close()
}

// Persistent is false: a remote socket can die.
func (c *WSConn) Persistent() bool { return false }

// InternalConn delivers messages by direct function call, used when the
// target lives in the same process as the gateway. The target wires the
// callbacks before traffic starts.
type InternalConn struct {
	OnMsg   func(m wire.Message) error
	OnBin   func(frameType byte, id uint32, payload []byte) error
	OnClose func() error
}

// Send invokes the message callback directly.
func (c *InternalConn) Send(m wire.Message) error {
	if c.OnMsg == nil {
		return nil
	}
	return c.OnMsg(m)
}

// SendBin invokes the binary callback directly.
func (c *InternalConn) SendBin(frameType byte, id uint32, payload []byte) error {
	if c.OnBin == nil {
		return nil
	}
	return c.OnBin(frameType, id, payload)
}

// Close invokes the close callback.
func (c *InternalConn) Close() error {
	if c.OnClose == nil {
		return nil
	}
	return c.OnClose()
}

// Persistent is true: an in-process binding never "disconnects".
func (c *InternalConn) Persistent() bool { return true }
