// Package ws provides the WebSocket transport. Each binary WebSocket message
// carries a chunk of the same framed byte stream used over raw TCP, so the
// session state machine is transport-agnostic.
package ws

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Conn adapts a WebSocket connection established with gobwas/ws to the
// chat.Conn byte-stream interface.
type Conn struct {
	conn  net.Conn
	src   io.Reader
	state ws.State

	rmu     sync.Mutex
	pending []byte

	// control frame replies are written from the read path
	wmu sync.Mutex
}

// NewServerConn wraps an upgraded server-side connection.
func NewServerConn(conn net.Conn) *Conn {
	return &Conn{conn: conn, src: conn, state: ws.StateServerSide}
}

// NewClientConn wraps a dialed client-side connection. buffered holds bytes
// the dialer read past the handshake and may be empty.
func NewClientConn(conn net.Conn, buffered []byte) *Conn {
	c := &Conn{conn: conn, src: conn, state: ws.StateClientSide}
	if len(buffered) > 0 {
		c.src = io.MultiReader(bytes.NewReader(buffered), conn)
	}
	return c
}

// Read implements chat.Conn. It returns bytes of the current binary message
// and fetches the next one once the current message is consumed. A close
// frame from the peer reads as io.EOF.
func (c *Conn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	for len(c.pending) == 0 {
		rw := struct {
			io.Reader
			io.Writer
		}{c.src, writerFunc(c.writeRaw)}

		var (
			data []byte
			err  error
		)
		if c.state.ServerSide() {
			data, err = wsutil.ReadClientBinary(rw)
		} else {
			data, err = wsutil.ReadServerBinary(rw)
		}
		if err != nil {
			var closed wsutil.ClosedError
			if errors.As(err, &closed) {
				return 0, io.EOF
			}
			return 0, err
		}
		c.pending = data
	}

	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// Write implements chat.Conn. Every call becomes one binary message.
func (c *Conn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := wsutil.WriteMessage(c.conn, c.state, ws.OpBinary, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *Conn) writeRaw(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.Write(p)
}

// Close sends a close frame, unless a write to a stalled peer is in
// progress, and closes the connection.
func (c *Conn) Close() error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	if c.wmu.TryLock() {
		_ = wsutil.WriteMessage(c.conn, c.state, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		c.wmu.Unlock()
	}
	return c.conn.Close()
}

// SetReadDeadline implements chat.Conn.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) {
	return f(p)
}
