package chat

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/omochice/relaychat/internal/metrics"
	"github.com/omochice/relaychat/pkg/protocol"
)

const tracerName = "github.com/omochice/relaychat/internal/chat"

// Participant is a room member. Deliver must not block: the room calls it
// while holding its lock.
type Participant interface {
	// Key uniquely identifies the member within the room.
	Key() string
	// Identity is the fixed-width id used for self-echo suppression.
	Identity() protocol.ID
	Deliver(f protocol.Frame)
}

// replayer is implemented by participants that take the history replay as
// one batch outside their outbound limit.
type replayer interface {
	Replay(frames []protocol.Frame)
}

// Member describes one participant in a Snapshot.
type Member struct {
	Key      string
	Identity protocol.ID
}

// Snapshot is a point-in-time copy of the room state.
type Snapshot struct {
	Members []Member
	History []protocol.Frame
}

// Room is the broadcast hub. It holds non-owning references to its members
// and the bounded history replayed to new joiners.
// All transports share a single Room instance.
type Room struct {
	mu      sync.Mutex
	members map[string]Participant
	history *history

	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// RoomOption configures a Room.
type RoomOption func(*Room)

// WithHistorySize sets how many frames are kept for replay.
func WithHistorySize(n int) RoomOption {
	return func(r *Room) {
		r.history = newHistory(n)
	}
}

// WithLogger sets the room logger.
func WithLogger(logger *slog.Logger) RoomOption {
	return func(r *Room) {
		r.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) RoomOption {
	return func(r *Room) {
		r.metrics = m
	}
}

// WithTracer sets the tracer used for room spans.
func WithTracer(tracer trace.Tracer) RoomOption {
	return func(r *Room) {
		r.tracer = tracer
	}
}

// NewRoom creates an empty room.
func NewRoom(opts ...RoomOption) *Room {
	r := &Room{
		members: make(map[string]Participant),
		history: newHistory(DefaultHistorySize),
		logger:  slog.Default(),
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Join adds p to the room, replays the history to p alone and announces the
// join to every other member. Joining twice with the same key is a no-op.
//
// The returned leave func removes p; it is safe to call more than once.
func (r *Room) Join(ctx context.Context, p Participant) (leave func()) {
	_, span := r.tracer.Start(ctx, "room.join", trace.WithAttributes(
		attribute.String("chat.identity", p.Identity().String()),
	))
	defer span.End()

	r.mu.Lock()
	if _, ok := r.members[p.Key()]; !ok {
		if rp, ok := p.(replayer); ok {
			rp.Replay(r.history.snapshot())
		} else {
			for _, f := range r.history.frames {
				p.Deliver(f)
			}
		}
		span.SetAttributes(attribute.Int("chat.replayed", r.history.len()))
		r.deliverLocked(protocol.JoinNotice(p.Identity()), p.Key())
		r.members[p.Key()] = p
	}
	n := len(r.members)
	r.mu.Unlock()

	r.metrics.MembersChanged(n)
	r.logger.Info("member joined", "id", p.Identity().String(), "key", p.Key(), "members", n)

	var once sync.Once
	return func() {
		once.Do(func() {
			r.Leave(context.WithoutCancel(ctx), p)
		})
	}
}

// Leave removes p and announces it to the remaining members. Removing a
// participant that is not a member does nothing.
func (r *Room) Leave(ctx context.Context, p Participant) {
	_, span := r.tracer.Start(ctx, "room.leave", trace.WithAttributes(
		attribute.String("chat.identity", p.Identity().String()),
	))
	defer span.End()

	r.mu.Lock()
	if _, ok := r.members[p.Key()]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.members, p.Key())
	r.deliverLocked(protocol.LeaveNotice(p.Identity()), "")
	n := len(r.members)
	r.mu.Unlock()

	r.metrics.MembersChanged(n)
	r.logger.Info("member left", "id", p.Identity().String(), "key", p.Key(), "members", n)
}

// Deliver appends f to the history and pushes it to every member whose
// identity differs from f.Sender.
func (r *Room) Deliver(ctx context.Context, f protocol.Frame) {
	_, span := r.tracer.Start(ctx, "room.deliver", trace.WithAttributes(
		attribute.String("chat.sender", f.Sender.String()),
		attribute.Int("chat.payload_len", len(f.Payload)),
	))
	defer span.End()

	r.mu.Lock()
	fanout := r.deliverLocked(f, "")
	r.mu.Unlock()

	span.SetAttributes(attribute.Int("chat.fanout", fanout))
}

// deliverLocked records f and fans it out, skipping the member keyed skip
// and every member sharing the sender identity.
func (r *Room) deliverLocked(f protocol.Frame, skip string) int {
	r.history.push(f)
	fanout := 0
	for key, m := range r.members {
		if key == skip || m.Identity() == f.Sender {
			continue
		}
		m.Deliver(f)
		fanout++
	}
	r.metrics.Delivered(fanout, r.history.len())
	return fanout
}

// Len returns the number of members.
func (r *Room) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// History returns the retained frames, oldest first.
func (r *Room) History() []protocol.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.history.snapshot()
}

// Snapshot copies the membership and history.
func (r *Room) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Snapshot{
		Members: make([]Member, 0, len(r.members)),
		History: r.history.snapshot(),
	}
	for key, m := range r.members {
		s.Members = append(s.Members, Member{Key: key, Identity: m.Identity()})
	}
	return s
}
