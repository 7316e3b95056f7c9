package tcp

import (
	"context"
	"net"

	"github.com/omochice/relaychat/internal/chat"
)

// Transport carries the framed stream directly over TCP.
type Transport struct{}

// Name implements server.Transport.
func (Transport) Name() string {
	return "tcp"
}

// Upgrade implements server.Transport. Raw TCP needs no handshake.
func (Transport) Upgrade(_ context.Context, conn net.Conn) (chat.Conn, error) {
	return NewConn(conn), nil
}
