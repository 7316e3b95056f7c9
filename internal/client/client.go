// Package client connects to a chat server, sends the identity handshake and
// relays frames between the caller and the room.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gobwas/ws"

	"github.com/omochice/relaychat/internal/chat"
	"github.com/omochice/relaychat/internal/transport/tcp"
	wstransport "github.com/omochice/relaychat/internal/transport/ws"
	"github.com/omochice/relaychat/pkg/protocol"
)

// ErrClosed is returned by Send after the client has been closed.
var ErrClosed = errors.New("client closed")

// flushTimeout bounds how long Close waits for queued frames to be written.
const flushTimeout = time.Second

// Transport names accepted in Config.
const (
	TransportTCP = "tcp"
	TransportWS  = "ws"
)

// Config describes how to reach the server.
type Config struct {
	// Addr is the host:port to dial.
	Addr      string
	// ID is the identity sent on connect. Ignored in legacy mode.
	ID        string
	// Legacy speaks the older protocol without identities.
	Legacy    bool
	// Transport is TransportTCP or TransportWS.
	Transport string
	// Path is the WebSocket request path.
	Path      string

	DialTimeout time.Duration
	Logger      *slog.Logger
}

// DefaultConfig returns a TCP configuration with a 10 second dial timeout.
func DefaultConfig() Config {
	return Config{
		Transport:   TransportTCP,
		Path:        wstransport.DefaultPath,
		DialTimeout: 10 * time.Second,
	}
}

// Client represents a connected chat client.
type Client struct {
	conn   chat.Conn
	id     protocol.ID
	legacy bool
	logger *slog.Logger

	queue    *chat.Queue
	wake     chan struct{}
	messages chan protocol.Frame
	closing  chan struct{}
	draining chan struct{}
	flushed  chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup

	drainOnce sync.Once
	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

// Dial connects to cfg.Addr and, unless in legacy mode, sends the identity.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	var id protocol.ID
	if !cfg.Legacy {
		var err error
		if id, err = protocol.NewUserID(cfg.ID); err != nil {
			return nil, err
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}

	conn, err := dial(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}

	if !cfg.Legacy {
		if _, err := conn.Write(id[:]); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to send identity: %w", err)
		}
	}

	c := &Client{
		conn:     conn,
		id:       id,
		legacy:   cfg.Legacy,
		logger:   cfg.Logger.With("server", cfg.Addr),
		queue:    chat.NewQueue(0),
		wake:     make(chan struct{}, 1),
		messages: make(chan protocol.Frame, 16),
		closing:  make(chan struct{}),
		draining: make(chan struct{}),
		flushed:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()
	return c, nil
}

func dial(ctx context.Context, cfg Config) (chat.Conn, error) {
	switch cfg.Transport {
	case "", TransportTCP:
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", cfg.Addr)
		if err != nil {
			return nil, err
		}
		return tcp.NewConn(conn), nil
	case TransportWS:
		path := cfg.Path
		if path == "" {
			path = wstransport.DefaultPath
		}
		conn, br, _, err := ws.Dial(ctx, "ws://"+cfg.Addr+path)
		if err != nil {
			return nil, err
		}
		var buffered []byte
		if br != nil {
			// bytes the server sent right after the handshake
			buffered, _ = br.Peek(br.Buffered())
			buffered = bytes.Clone(buffered)
			ws.PutReader(br)
		}
		return wstransport.NewClientConn(conn, buffered), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// ID returns the identity sent on connect.
func (c *Client) ID() protocol.ID {
	return c.id
}

// Messages returns the channel frames from the server are delivered on.
// It is closed when the connection ends.
func (c *Client) Messages() <-chan protocol.Frame {
	return c.messages
}

// Done is closed when the read loop has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, or nil if the server
// hung up cleanly or Close was called.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send queues text for the server. Text longer than one frame allows is
// split into several frames, never inside a UTF-8 sequence.
func (c *Client) Send(text string) error {
	select {
	case <-c.closing:
		return ErrClosed
	case <-c.draining:
		return ErrClosed
	default:
	}

	for _, chunk := range split([]byte(text), protocol.MaxPayload(c.legacy)) {
		f := protocol.Frame{Sender: c.id, Payload: chunk, Legacy: c.legacy}
		kick, err := c.queue.Enqueue(f.Encode())
		if err != nil {
			return err
		}
		if kick {
			select {
			case c.wake <- struct{}{}:
			default:
			}
		}
	}
	return nil
}

func split(p []byte, limit int) [][]byte {
	if len(p) <= limit {
		return [][]byte{p}
	}
	var chunks [][]byte
	for len(p) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(p[cut]) {
			cut--
		}
		if cut == 0 {
			cut = limit
		}
		chunks = append(chunks, p[:cut])
		p = p[cut:]
	}
	if len(p) > 0 {
		chunks = append(chunks, p)
	}
	return chunks
}

// Close writes what is still queued, disconnects from the server and waits
// for the client goroutines. It is safe to call more than once.
func (c *Client) Close() error {
	c.drainOnce.Do(func() { close(c.draining) })
	timer := time.NewTimer(flushTimeout)
	defer timer.Stop()
	select {
	case <-c.flushed:
	case <-c.closing:
	case <-timer.C:
	}
	c.shutdown(nil)
	c.wg.Wait()
	return nil
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.closing)
		c.conn.Close()
	})
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	defer close(c.done)
	defer close(c.messages)

	for {
		f, err := protocol.ReadFrame(c.conn, c.legacy)
		if err != nil {
			select {
			case <-c.closing:
			default:
				if errors.Is(err, io.EOF) {
					c.logger.Debug("server closed connection")
					err = nil
				} else {
					c.logger.Warn("error reading from server", "error", err)
				}
			}
			c.shutdown(err)
			return
		}

		select {
		case c.messages <- f:
		case <-c.closing:
			return
		}
	}
}

func (c *Client) writeLoop() {
	defer c.wg.Done()
	for {
		draining := false
		select {
		case <-c.closing:
			return
		case <-c.wake:
		case <-c.draining:
			draining = true
		}
		for data, ok := c.queue.Head(); ok; data, ok = c.queue.Complete() {
			if _, err := c.conn.Write(data); err != nil {
				c.logger.Warn("failed to send message", "error", err)
				c.shutdown(fmt.Errorf("write: %w", err))
				return
			}
		}
		if draining {
			close(c.flushed)
			return
		}
	}
}
