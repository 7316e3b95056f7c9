package chat_test

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/omochice/relaychat/internal/chat"
	"github.com/omochice/relaychat/pkg/protocol"
)

// pipeConn adapts one end of net.Pipe to chat.Conn.
type pipeConn struct {
	net.Conn
	addr string
}

func (c pipeConn) RemoteAddr() string {
	return c.addr
}

// Compile-time check that pipeConn implements chat.Conn
var _ chat.Conn = pipeConn{}

// newPipe returns the session side and the peer side of an in-memory
// connection.
func newPipe(t *testing.T, addr string) (chat.Conn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return pipeConn{Conn: server, addr: addr}, client
}

// recorder is a Participant that keeps every delivered frame.
type recorder struct {
	key string
	id  protocol.ID

	mu     sync.Mutex
	frames []protocol.Frame
}

func newRecorder(key, id string) *recorder {
	return &recorder{key: key, id: protocol.MustID(id)}
}

func (r *recorder) Key() string           { return r.key }
func (r *recorder) Identity() protocol.ID { return r.id }

func (r *recorder) Deliver(f protocol.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
}

func (r *recorder) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.frames))
	for i, f := range r.frames {
		out[i] = f.Text()
	}
	return out
}

func (r *recorder) received() []protocol.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Frame(nil), r.frames...)
}

var _ chat.Participant = (*recorder)(nil)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// readFrame reads one modern frame from the peer side.
func readFrame(t *testing.T, conn net.Conn) protocol.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	f, err := protocol.ReadFrame(conn, false)
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	return f
}

// expectSilence asserts that nothing arrives on conn for a short while.
func expectSilence(t *testing.T, conn net.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 1)
	if n, err := conn.Read(buf); err == nil {
		t.Fatalf("unexpected %d byte(s) received", n)
	}
	conn.SetReadDeadline(time.Time{})
}
