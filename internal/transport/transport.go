// Package transport provides a uniform send/close facade over the two
// transport kinds a relay node accepts: raw TCP stream sockets and
// websocket message sockets. Everything above this package writes through
// the Conn interface and never touches the underlying socket type.
package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Kind identifies the underlying transport of a connection.
type Kind int

const (
	// Stream is a raw TCP socket with no built-in message framing.
	Stream Kind = iota
	// Message is a websocket; the transport delimits messages itself.
	Message
)

func (k Kind) String() string {
	if k == Message {
		return "message"
	}
	return "stream"
}

const writeTimeout = 10 * time.Second

// Conn is the uniform contract both transport kinds implement. Send writes
// one outbound frame as one logical message; Close is idempotent.
type Conn interface {
	Send(data []byte) error
	Close() error
	Kind() Kind
	RemoteAddr() string
}

// streamConn wraps a raw TCP connection.
type streamConn struct {
	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

// NewStreamConn wraps an accepted (or dialed) TCP connection.
func NewStreamConn(conn net.Conn) Conn {
	return &streamConn{conn: conn}
}

func (c *streamConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("connection is closed")
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("stream write failed: %w", err)
	}
	return nil
}

func (c *streamConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

func (c *streamConn) Kind() Kind { return Stream }

func (c *streamConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

// messageConn wraps a websocket connection. gorilla/websocket permits one
// concurrent writer, so sends are serialized under the mutex.
type messageConn struct {
	mu     sync.Mutex
	ws     *websocket.Conn
	closed bool
}

// NewMessageConn wraps an upgraded websocket connection.
func NewMessageConn(ws *websocket.Conn) Conn {
	return &messageConn{ws: ws}
}

func (c *messageConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("connection is closed")
	}

	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("message send failed: %w", err)
	}
	return nil
}

func (c *messageConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.ws.Close()
}

func (c *messageConn) Kind() Kind { return Message }

func (c *messageConn) RemoteAddr() string { return c.ws.RemoteAddr().String() }

// Send writes a frame to a connection, logging instead of propagating
// transport errors: a failed send to one peer must never abort a broadcast
// to the rest. Reports whether the send succeeded.
func Send(conn Conn, data []byte) bool {
	if err := conn.Send(data); err != nil {
		log.Warn().
			Err(err).
			Str("remote", conn.RemoteAddr()).
			Str("kind", conn.Kind().String()).
			Msg("send failed")
		return false
	}
	return true
}
