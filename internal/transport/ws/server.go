package ws

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gobwas/ws"

	"github.com/omochice/relaychat/internal/chat"
)

// DefaultPath is the request path accepted for upgrades.
const DefaultPath = "/ws"

// Transport upgrades accepted TCP connections to WebSocket before handing
// them to a session.
type Transport struct {
	// Path restricts the upgrade to one request path. Empty accepts any.
	Path             string
	// HandshakeTimeout bounds the upgrade. Zero means 10 seconds.
	HandshakeTimeout time.Duration
}

// Name implements server.Transport.
func (Transport) Name() string {
	return "ws"
}

// Upgrade implements server.Transport.
func (t Transport) Upgrade(ctx context.Context, conn net.Conn) (chat.Conn, error) {
	timeout := t.HandshakeTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	u := ws.Upgrader{
		OnRequest: func(uri []byte) error {
			if t.Path == "" {
				return nil
			}
			if path, _, _ := strings.Cut(string(uri), "?"); path != t.Path {
				return ws.RejectConnectionError(ws.RejectionStatus(http.StatusNotFound))
			}
			return nil
		},
	}
	if _, err := u.Upgrade(conn); err != nil {
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}
	return NewServerConn(conn), nil
}
