package ws_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"
	"github.com/gorilla/websocket"

	"github.com/omochice/relaychat/internal/chat"
	"github.com/omochice/relaychat/internal/transport/ws"
)

var _ chat.Conn = (*ws.Conn)(nil)

// upgradeOne accepts a single connection on a fresh listener and upgrades
// it with the transport.
func upgradeOne(t *testing.T, tr ws.Transport) (string, <-chan chat.Conn, <-chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	conns := make(chan chat.Conn, 1)
	errs := make(chan error, 1)
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			errs <- err
			return
		}
		conn, err := tr.Upgrade(context.Background(), raw)
		if err != nil {
			raw.Close()
			errs <- err
			return
		}
		conns <- conn
	}()
	return ln.Addr().String(), conns, errs
}

func waitConn(t *testing.T, conns <-chan chat.Conn, errs <-chan error) chat.Conn {
	t.Helper()
	select {
	case c := <-conns:
		t.Cleanup(func() { c.Close() })
		return c
	case err := <-errs:
		t.Fatalf("upgrade failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for upgrade")
	}
	return nil
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestConn_ReadSpansMessages(t *testing.T) {
	addr, conns, errs := upgradeOne(t, ws.Transport{Path: ws.DefaultPath})
	peer := dial(t, "ws://"+addr+ws.DefaultPath)
	conn := waitConn(t, conns, errs)

	// one frame split across two messages, plus a second frame in the same message
	peer.WriteMessage(websocket.BinaryMessage, []byte("   5he"))
	peer.WriteMessage(websocket.BinaryMessage, []byte("llo   2ok"))

	buf := make([]byte, 15)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("ReadFull() error = %v", err)
	}
	if string(buf) != "   5hello   2ok" {
		t.Errorf("stream = %q", buf)
	}
}

func TestConn_Write(t *testing.T) {
	addr, conns, errs := upgradeOne(t, ws.Transport{})
	peer := dial(t, "ws://"+addr+"/anything")
	conn := waitConn(t, conns, errs)

	if _, err := conn.Write([]byte("   2hi")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := peer.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if mt != websocket.BinaryMessage || string(data) != "   2hi" {
		t.Errorf("peer got type %d %q", mt, data)
	}
}

func TestConn_PeerCloseReadsEOF(t *testing.T) {
	addr, conns, errs := upgradeOne(t, ws.Transport{})
	peer := dial(t, "ws://"+addr+"/")
	conn := waitConn(t, conns, errs)

	peer.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Errorf("Read() error = %v, want io.EOF", err)
	}
}

func TestTransport_RejectsWrongPath(t *testing.T) {
	addr, _, errs := upgradeOne(t, ws.Transport{Path: ws.DefaultPath})

	if _, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/other", nil); err == nil {
		t.Fatal("dial to wrong path succeeded")
	}
	select {
	case err := <-errs:
		if err == nil {
			t.Error("expected upgrade error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for rejection")
	}
}

func TestTransport_Name(t *testing.T) {
	if got := (ws.Transport{}).Name(); got != "ws" {
		t.Errorf("Name() = %q, want ws", got)
	}
}

func TestNewClientConn_ReadsBufferedBytesFirst(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	var buffered bytes.Buffer
	if err := wsutil.WriteServerBinary(&buffered, []byte("   2hi")); err != nil {
		t.Fatalf("WriteServerBinary() error = %v", err)
	}
	conn := ws.NewClientConn(client, buffered.Bytes())

	buf := make([]byte, 6)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("ReadFull() error = %v", err)
	}
	if string(buf) != "   2hi" {
		t.Errorf("stream = %q", buf)
	}
}
