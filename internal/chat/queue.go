package chat

import (
	"errors"
	"sync"
)

// ErrQueueFull is returned by Enqueue when a bounded queue is at capacity.
var ErrQueueFull = errors.New("outbound queue full")

// Queue is the ordered buffer of encoded frames waiting to be written to
// one connection. The head stays in the queue while it is being written, so
// a non-empty queue always means a write is in flight.
//
// Callers follow one rule: whoever gets kick == true from Enqueue, or a
// next frame from Complete, owns the single outstanding write.
type Queue struct {
	mu     sync.Mutex
	frames [][]byte
	limit  int
	// exempt frames sit at the head and do not count toward limit.
	exempt int
}

// NewQueue creates a queue. A limit of 0 leaves it unbounded.
func NewQueue(limit int) *Queue {
	return &Queue{limit: limit}
}

// Enqueue appends data to the tail. kick reports that the queue was empty
// and the caller must start transmitting the head.
func (q *Queue) Enqueue(data []byte) (kick bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.limit > 0 && len(q.frames)-q.exempt >= q.limit {
		return false, ErrQueueFull
	}
	q.frames = append(q.frames, data)
	return len(q.frames) == 1, nil
}

// EnqueueExempt appends data without applying the limit. It must only be
// used while the queue holds nothing but exempt frames, so that those stay
// at the head.
func (q *Queue) EnqueueExempt(data []byte) (kick bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.frames = append(q.frames, data)
	q.exempt++
	return len(q.frames) == 1
}

// Head returns the frame currently at the front.
func (q *Queue) Head() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return nil, false
	}
	return q.frames[0], true
}

// Complete pops the head after its write finished and returns the next
// frame to transmit, if any.
func (q *Queue) Complete() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return nil, false
	}
	q.frames[0] = nil
	q.frames = q.frames[1:]
	if q.exempt > 0 {
		q.exempt--
	}
	if len(q.frames) == 0 {
		q.frames = nil
		return nil, false
	}
	return q.frames[0], true
}

// Len returns the number of pending frames, including the one in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Reset drops all pending frames.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.frames = nil
	q.exempt = 0
}
