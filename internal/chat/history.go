package chat

import "github.com/omochice/relaychat/pkg/protocol"

// DefaultHistorySize is how many delivered frames the room keeps for replay.
const DefaultHistorySize = 100

// history accumulates the last max frames. Once full, every push drops the
// oldest entry. Callers serialise access.
type history struct {
	max    int
	frames []protocol.Frame
}

func newHistory(max int) *history {
	if max <= 0 {
		max = DefaultHistorySize
	}
	return &history{max: max, frames: make([]protocol.Frame, 0, max)}
}

func (h *history) push(f protocol.Frame) {
	if len(h.frames) == h.max {
		copy(h.frames, h.frames[1:])
		h.frames = h.frames[:h.max-1]
	}
	h.frames = append(h.frames, f)
}

func (h *history) len() int {
	return len(h.frames)
}

// snapshot copies the retained frames, oldest first.
func (h *history) snapshot() []protocol.Frame {
	out := make([]protocol.Frame, len(h.frames))
	copy(out, h.frames)
	return out
}
