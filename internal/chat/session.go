package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/omochice/relaychat/internal/metrics"
	"github.com/omochice/relaychat/pkg/protocol"
)

// ErrSessionClosed is returned when a session was closed before it could
// join the room.
var ErrSessionClosed = errors.New("session closed")

// State is a step of the session read state machine.
type State int32

const (
	StateConnecting State = iota
	StateAwaitingIdentity
	StateReadingHeader
	StateReadingBody
	StateClosed
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateAwaitingIdentity:
		return "AWAITING_IDENTITY"
	case StateReadingHeader:
		return "READING_HEADER"
	case StateReadingBody:
		return "READING_BODY"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Close reasons reported to metrics.
const (
	reasonEOF      = "eof"
	reasonError    = "error"
	reasonIdle     = "idle"
	reasonWrite    = "write"
	reasonOverflow = "overflow"
	reasonShutdown = "shutdown"
	reasonClosed   = "closed"
	reasonRejected = "rejected"
)

// Session drives one server-side connection: it reads the identity, joins
// the room, relays inbound frames and drains its own outbound queue.
type Session struct {
	key  string
	conn Conn
	room *Room

	queue    *Queue
	wake     chan struct{}
	done     chan struct{}
	overflow atomic.Bool
	wg       sync.WaitGroup

	state    atomic.Int32
	identity protocol.ID

	mu          sync.Mutex
	leave       func()
	closeOnce   sync.Once
	closeReason string
	closeErr    error

	idleTimeout time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithIdleTimeout closes the session when no byte arrives for d.
// Zero disables the timeout.
func WithIdleTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		s.idleTimeout = d
	}
}

// WithQueueLimit bounds the outbound queue; a session whose queue overflows
// is disconnected. Zero leaves the queue unbounded.
func WithQueueLimit(n int) SessionOption {
	return func(s *Session) {
		s.queue = NewQueue(n)
	}
}

// WithSessionLogger sets the parent logger.
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithSessionMetrics sets the metrics sink.
func WithSessionMetrics(m *metrics.Metrics) SessionOption {
	return func(s *Session) {
		s.metrics = m
	}
}

// NewSession binds conn to room. The session does nothing until Run.
func NewSession(conn Conn, room *Room, opts ...SessionOption) *Session {
	s := &Session{
		key:    uuid.NewString(),
		conn:   conn,
		room:   room,
		queue:  NewQueue(0),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("session", s.key, "remote", conn.RemoteAddr())
	return s
}

// Key implements Participant.
func (s *Session) Key() string {
	return s.key
}

// Identity implements Participant. It is zero until the identity is read.
func (s *Session) Identity() protocol.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// State returns the current read state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) setState(st State) {
	for {
		cur := s.state.Load()
		if State(cur) == StateClosed {
			return
		}
		if s.state.CompareAndSwap(cur, int32(st)) {
			return
		}
	}
}

// Run reads the identity, joins the room and relays frames until the
// transport fails or ctx is cancelled. It returns nil when the peer hung
// up cleanly.
func (s *Session) Run(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "session", trace.WithAttributes(
		attribute.String("chat.session", s.key),
		attribute.String("net.peer", s.conn.RemoteAddr()),
	))
	defer span.End()

	s.metrics.SessionOpened()
	s.logger.Debug("session started")

	stop := context.AfterFunc(ctx, func() {
		s.closeWith(reasonShutdown, ctx.Err())
	})
	defer stop()

	s.wg.Add(1)
	go s.writeLoop()

	err := s.readLoop(ctx)
	s.closeWith(reasonFor(err), err)
	s.wg.Wait()

	switch s.closeReason {
	case reasonEOF, reasonClosed, reasonShutdown:
		return nil
	}
	span.RecordError(s.closeErr)
	span.SetStatus(codes.Error, s.closeReason)
	return s.closeErr
}

func (s *Session) readLoop(ctx context.Context) error {
	s.setState(StateAwaitingIdentity)
	var id protocol.ID
	if err := s.readFull(id[:]); err != nil {
		return fmt.Errorf("read identity: %w", err)
	}
	s.mu.Lock()
	s.identity = id
	s.mu.Unlock()
	if id == protocol.AdminID {
		return fmt.Errorf("identity %q: %w", id.String(), protocol.ErrReservedID)
	}

	leave := s.room.Join(ctx, s)
	s.mu.Lock()
	if s.State() == StateClosed {
		s.mu.Unlock()
		leave()
		return ErrSessionClosed
	}
	s.leave = leave
	s.mu.Unlock()

	var header [protocol.HeaderLen]byte
	for {
		s.setState(StateReadingHeader)
		if err := s.readFull(header[:]); err != nil {
			return err
		}
		n := protocol.DecodeHeader(header[:])

		s.setState(StateReadingBody)
		body := make([]byte, n)
		if err := s.readFull(body); err != nil {
			return fmt.Errorf("read body: %w", err)
		}

		f := protocol.DecodeBody(body, false)
		f.Sender = id
		s.logger.Debug("frame received", "id", id.String(), "len", n)
		s.room.Deliver(ctx, f)
	}
}

func (s *Session) readFull(buf []byte) error {
	if s.idleTimeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout)); err != nil {
			return err
		}
	}
	_, err := io.ReadFull(s.conn, buf)
	return err
}

// Deliver implements Participant. It queues f and wakes the writer; it
// never blocks. A session whose bounded queue overflows is disconnected.
func (s *Session) Deliver(f protocol.Frame) {
	select {
	case <-s.done:
		return
	default:
	}
	kick, err := s.queue.Enqueue(f.Encode())
	if err != nil {
		// The room holds its lock while delivering, so closing here
		// would deadlock on leave.
		if s.overflow.CompareAndSwap(false, true) {
			go s.closeWith(reasonOverflow, err)
		}
		return
	}
	if kick {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// Replay queues the room history ahead of any live frame. Replayed frames do
// not count toward the queue limit.
func (s *Session) Replay(frames []protocol.Frame) {
	select {
	case <-s.done:
		return
	default:
	}
	kick := false
	for _, f := range frames {
		if s.queue.EnqueueExempt(f.Encode()) {
			kick = true
		}
	}
	if kick {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// writeLoop is the only path that drains the queue, so at most one write is
// in flight and frames leave in FIFO order.
func (s *Session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for data, ok := s.queue.Head(); ok; data, ok = s.queue.Complete() {
			if _, err := s.conn.Write(data); err != nil {
				s.closeWith(reasonWrite, fmt.Errorf("write: %w", err))
				return
			}
		}
	}
}

// Close closes the transport and leaves the room. It is safe to call more
// than once.
func (s *Session) Close() error {
	s.closeWith(reasonClosed, nil)
	return nil
}

func (s *Session) closeWith(reason string, err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state.Store(int32(StateClosed))
		s.closeReason, s.closeErr = reason, err
		leave := s.leave
		id := s.identity
		s.mu.Unlock()

		close(s.done)
		_ = s.conn.Close()
		s.queue.Reset()
		if leave != nil {
			leave()
		}

		s.metrics.SessionClosed(reason)
		switch reason {
		case reasonEOF, reasonClosed, reasonShutdown:
			s.logger.Info("session closed", "id", id.String(), "reason", reason)
		default:
			s.logger.Warn("session closed", "id", id.String(), "reason", reason, "error", err)
		}
	})
}

func reasonFor(err error) string {
	switch {
	case err == nil:
		return reasonClosed
	case errors.Is(err, io.EOF):
		return reasonEOF
	case errors.Is(err, protocol.ErrReservedID):
		return reasonRejected
	case errors.Is(err, os.ErrDeadlineExceeded):
		return reasonIdle
	case errors.Is(err, net.ErrClosed), errors.Is(err, ErrSessionClosed):
		return reasonClosed
	default:
		return reasonError
	}
}
