package chat_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/omochice/relaychat/internal/chat"
	"github.com/omochice/relaychat/internal/metrics"
	"github.com/omochice/relaychat/pkg/protocol"
)

func text(sender, payload string) protocol.Frame {
	return protocol.NewFrame(protocol.MustID(sender), []byte(payload))
}

func TestRoom_HistoryBound(t *testing.T) {
	room := chat.NewRoom()
	ctx := context.Background()

	for i := 0; i < 150; i++ {
		room.Deliver(ctx, text("carol", fmt.Sprintf("msg %d", i)))
	}

	history := room.History()
	if len(history) != chat.DefaultHistorySize {
		t.Fatalf("len(History()) = %d, want %d", len(history), chat.DefaultHistorySize)
	}
	for i, f := range history {
		if want := fmt.Sprintf("msg %d", i+50); f.Text() != want {
			t.Fatalf("History()[%d] = %q, want %q", i, f.Text(), want)
		}
	}
}

func TestRoom_WithHistorySize(t *testing.T) {
	room := chat.NewRoom(chat.WithHistorySize(3))
	for i := 0; i < 5; i++ {
		room.Deliver(context.Background(), text("carol", fmt.Sprint(i)))
	}

	got := room.History()
	if len(got) != 3 || got[0].Text() != "2" || got[2].Text() != "4" {
		t.Errorf("History() = %v", got)
	}
}

func TestRoom_SelfExclusion(t *testing.T) {
	room := chat.NewRoom()
	ctx := context.Background()
	alice := newRecorder("a", "alice")
	bob := newRecorder("b", "bob")
	room.Join(ctx, alice)
	room.Join(ctx, bob)

	room.Deliver(ctx, text("alice", "hi"))

	for _, f := range alice.received() {
		if f.Sender == protocol.MustID("alice") {
			t.Errorf("alice received her own frame %q", f.Text())
		}
	}
	got := bob.received()
	if last := got[len(got)-1]; last.Text() != "hi" || last.Sender.String() != "alice" {
		t.Errorf("bob last frame = %q from %q, want \"hi\" from alice", last.Text(), last.Sender)
	}

	// a later joiner sees the frame only through replay
	dave := newRecorder("d", "dave")
	room.Join(ctx, dave)
	texts := dave.texts()
	if len(texts) != 3 || texts[2] != "hi" {
		t.Errorf("dave replay = %v", texts)
	}
}

func TestRoom_IdentityCollisionExcludesBoth(t *testing.T) {
	room := chat.NewRoom()
	ctx := context.Background()
	first := newRecorder("1", "twin")
	second := newRecorder("2", "twin")
	room.Join(ctx, first)
	room.Join(ctx, second)
	before := len(second.received())

	room.Deliver(ctx, text("twin", "from first"))

	if got := len(second.received()); got != before {
		t.Errorf("second twin received %d new frame(s), want 0", got-before)
	}
}

func TestRoom_JoinLeaveAnnouncements(t *testing.T) {
	room := chat.NewRoom()
	ctx := context.Background()
	alice := newRecorder("a", "alice")
	room.Join(ctx, alice)

	bob := newRecorder("b", "bob")
	leave := room.Join(ctx, bob)

	if got := alice.texts(); len(got) != 1 || got[0] != "bob joined the chat" {
		t.Fatalf("alice frames = %v, want [bob joined the chat]", got)
	}
	if f := alice.received()[0]; f.Sender != protocol.AdminID {
		t.Errorf("announcement sender = %q, want Admin", f.Sender.Padded())
	}
	for _, f := range bob.received() {
		if f.Text() == "bob joined the chat" {
			t.Error("joiner received its own join announcement")
		}
	}

	leave()
	leave()

	if got := alice.texts(); len(got) != 2 || got[1] != "bob left the chat" {
		t.Errorf("alice frames = %v, want leave announcement once", got)
	}
	if room.Len() != 1 {
		t.Errorf("Len() = %d, want 1", room.Len())
	}
}

func TestRoom_LeaveAbsentIsNoop(t *testing.T) {
	room := chat.NewRoom()
	ctx := context.Background()
	alice := newRecorder("a", "alice")
	room.Join(ctx, alice)

	room.Leave(ctx, newRecorder("x", "ghost"))

	if got := alice.texts(); len(got) != 0 {
		t.Errorf("alice frames = %v, want none", got)
	}
	if n := len(room.History()); n != 1 {
		t.Errorf("len(History()) = %d, want 1", n)
	}
}

func TestRoom_JoinIsIdempotent(t *testing.T) {
	room := chat.NewRoom()
	ctx := context.Background()
	alice := newRecorder("a", "alice")
	bob := newRecorder("b", "bob")
	room.Join(ctx, alice)
	room.Join(ctx, bob)
	room.Join(ctx, bob)

	if room.Len() != 2 {
		t.Errorf("Len() = %d, want 2", room.Len())
	}
	if got := alice.texts(); len(got) != 1 {
		t.Errorf("alice frames = %v, want a single join announcement", got)
	}
}

func TestRoom_Scenario(t *testing.T) {
	room := chat.NewRoom()
	ctx := context.Background()

	alice := newRecorder("a", "alice")
	room.Join(ctx, alice)
	if got := alice.received(); len(got) != 0 {
		t.Fatalf("alice replay = %v, want empty", got)
	}

	bob := newRecorder("b", "bob")
	room.Join(ctx, bob)
	if got := bob.texts(); len(got) != 1 || got[0] != "alice joined the chat" {
		t.Fatalf("bob replay = %v, want [alice joined the chat]", got)
	}
	if got := alice.texts(); len(got) != 1 || got[0] != "bob joined the chat" {
		t.Fatalf("alice frames = %v, want [bob joined the chat]", got)
	}

	room.Deliver(ctx, text("alice", "hi"))

	got := bob.received()
	last := got[len(got)-1]
	if last.Sender.Padded() != "alice   " || last.Text() != "hi" {
		t.Errorf("bob received %q from %q", last.Text(), last.Sender.Padded())
	}
	if n := len(alice.received()); n != 1 {
		t.Errorf("alice received %d frames, want 1", n)
	}
}

func TestRoom_Snapshot(t *testing.T) {
	room := chat.NewRoom()
	room.Join(context.Background(), newRecorder("a", "alice"))

	s := room.Snapshot()
	if len(s.Members) != 1 || s.Members[0].Identity.String() != "alice" || s.Members[0].Key != "a" {
		t.Errorf("Snapshot().Members = %+v", s.Members)
	}
	if len(s.History) != 1 || s.History[0].Kind() != protocol.KindJoin {
		t.Errorf("Snapshot().History = %+v", s.History)
	}
}

func TestRoom_Metrics(t *testing.T) {
	m := metrics.New(metrics.WithRegistry(prometheus.NewRegistry()))
	room := chat.NewRoom(chat.WithMetrics(m))
	ctx := context.Background()

	room.Join(ctx, newRecorder("a", "alice"))
	room.Join(ctx, newRecorder("b", "bob"))
	room.Deliver(ctx, text("alice", "hi"))

	if got := testutil.ToFloat64(m.Members); got != 2 {
		t.Errorf("Members = %v, want 2", got)
	}
	// two join notices plus one text
	if got := testutil.ToFloat64(m.FramesDelivered); got != 3 {
		t.Errorf("FramesDelivered = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.History); got != 3 {
		t.Errorf("History = %v, want 3", got)
	}
}

func TestRoom_ConcurrentUse(t *testing.T) {
	room := chat.NewRoom(chat.WithHistorySize(10))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := newRecorder(fmt.Sprint(i), fmt.Sprintf("u%d", i))
			leave := room.Join(ctx, r)
			for j := 0; j < 10; j++ {
				room.Deliver(ctx, text(fmt.Sprintf("u%d", i), fmt.Sprint(j)))
			}
			leave()
		}(i)
	}
	wg.Wait()

	if room.Len() != 0 {
		t.Errorf("Len() = %d, want 0", room.Len())
	}
	if n := len(room.History()); n != 10 {
		t.Errorf("len(History()) = %d, want 10", n)
	}
}
