// Package server accepts connections on one or more listeners and hands
// each of them to a chat session bound to a shared room.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/omochice/relaychat/internal/chat"
	"github.com/omochice/relaychat/internal/metrics"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("server closed")

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Transport turns an accepted connection into the byte stream a session
// reads frames from.
type Transport interface {
	Name() string
	Upgrade(ctx context.Context, conn net.Conn) (chat.Conn, error)
}

// Config holds per-session limits.
type Config struct {
	// IdleTimeout disconnects a session that sends nothing for this long.
	// Zero disables it.
	IdleTimeout time.Duration
	// QueueLimit bounds each session's outbound queue. Zero is unbounded.
	QueueLimit  int
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{}
}

// Server represents a chat server accepting on any number of listeners.
type Server struct {
	room    *chat.Room
	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	listeners  map[net.Listener]struct{}
	sessions   map[*chat.Session]struct{}
	inShutdown atomic.Bool
	wg         sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithConfig sets the session limits.
func WithConfig(cfg Config) Option {
	return func(s *Server) {
		s.config = cfg
	}
}

// WithLogger sets the logger passed down to sessions.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// New creates a new Server relaying through room.
func New(room *chat.Room, opts ...Option) *Server {
	s := &Server{
		room:      room,
		config:    DefaultConfig(),
		logger:    slog.Default(),
		listeners: make(map[net.Listener]struct{}),
		sessions:  make(map[*chat.Session]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListenAndServe listens on the TCP address addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string, t Transport) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln, t)
}

// Serve accepts connections on ln until ctx is cancelled or Shutdown is
// called, running one session per connection. It returns nil when ctx
// ends and ErrServerClosed after Shutdown. Other accept errors are logged
// and retried with backoff.
func (s *Server) Serve(ctx context.Context, ln net.Listener, t Transport) error {
	if !s.trackListener(ln, true) {
		ln.Close()
		return ErrServerClosed
	}
	defer s.trackListener(ln, false)

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	logger := s.logger.With("transport", t.Name(), "addr", ln.Addr().String())
	logger.Info("listening")

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.inShutdown.Load() {
				return ErrServerClosed
			}
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept: %w", err)
			}

			s.metrics.AcceptFailed(t.Name())
			if delay == 0 {
				delay = minAcceptDelay
			} else {
				delay = min(2*delay, maxAcceptDelay)
			}
			logger.Warn("accept failed", "error", err, "retry_in", delay)

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil
			}
			continue
		}
		delay = 0

		if s.inShutdown.Load() {
			conn.Close()
			return ErrServerClosed
		}
		s.wg.Add(1)
		go s.handle(ctx, conn, t, logger)
	}
}

func (s *Server) handle(ctx context.Context, raw net.Conn, t Transport, logger *slog.Logger) {
	defer s.wg.Done()

	conn, err := t.Upgrade(ctx, raw)
	if err != nil {
		raw.Close()
		s.metrics.AcceptFailed(t.Name())
		logger.Warn("failed to open connection", "remote", raw.RemoteAddr().String(), "error", err)
		return
	}

	sess := chat.NewSession(conn, s.room,
		chat.WithIdleTimeout(s.config.IdleTimeout),
		chat.WithQueueLimit(s.config.QueueLimit),
		chat.WithSessionLogger(logger),
		chat.WithSessionMetrics(s.metrics),
	)
	if !s.trackSession(sess, true) {
		sess.Close()
		return
	}
	defer s.trackSession(sess, false)

	if err := sess.Run(ctx); err != nil {
		logger.Debug("session ended", "session", sess.Key(), "error", err)
	}
}

// Shutdown stops all listeners, closes live sessions and waits for their
// goroutines until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.inShutdown.Store(true)

	s.mu.Lock()
	for ln := range s.listeners {
		ln.Close()
	}
	sessions := make([]*chat.Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) trackListener(ln net.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.inShutdown.Load() {
			return false
		}
		s.listeners[ln] = struct{}{}
	} else {
		delete(s.listeners, ln)
	}
	return true
}

func (s *Server) trackSession(sess *chat.Session, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.inShutdown.Load() {
			return false
		}
		s.sessions[sess] = struct{}{}
	} else {
		delete(s.sessions, sess)
	}
	return true
}
