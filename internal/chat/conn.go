// Package chat provides the room broadcast engine and the per-connection
// session state machine shared by all transports.
package chat

import (
	"io"
	"time"
)

// Conn abstracts a byte-stream connection for both TCP and WebSocket.
// This interface isolates transport details from chat logic.
type Conn interface {
	// Read and Write follow io.Reader and io.Writer semantics over the
	// framed byte stream. Read returns io.EOF when the peer closes.
	io.ReadWriteCloser

	// SetReadDeadline bounds the next Read. A zero value disables it.
	SetReadDeadline(t time.Time) error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}
