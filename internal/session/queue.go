package session

import (
	"sync"

	"github.com/MrWong99/soundstage/pkg/audio"
)

// frameQueue is the bounded hand-off between the capture producer and the
// analysis consumer. Push never blocks: when full, the oldest frame is
// dropped. It is safe for one producer and one consumer.
type frameQueue struct {
	mu      sync.Mutex
	buf     []audio.Frame
	head    int
	n       int
	dropped bool
	end     error
	closed  bool

	ready chan struct{}
}

func newFrameQueue(capacity int) *frameQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &frameQueue{
		buf:   make([]audio.Frame, capacity),
		ready: make(chan struct{}, 1),
	}
}

// Push appends f and reports whether an older frame had to be dropped.
func (q *frameQueue) Push(f audio.Frame) (dropped bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if q.n == len(q.buf) {
		q.buf[q.head] = audio.Frame{}
		q.head = (q.head + 1) % len(q.buf)
		q.n--
		q.dropped = true
		dropped = true
	}
	q.buf[(q.head+q.n)%len(q.buf)] = f
	q.n++
	q.mu.Unlock()

	q.signal()
	return dropped
}

// Pop returns the oldest frame. ok is false when the queue is empty; end is
// then non-nil once the producer closed the queue. gap reports that frames
// were dropped since the previous Pop.
func (q *frameQueue) Pop() (f audio.Frame, gap, ok bool, end error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == 0 {
		if q.closed {
			return audio.Frame{}, false, false, q.end
		}
		return audio.Frame{}, false, false, nil
	}
	f = q.buf[q.head]
	q.buf[q.head] = audio.Frame{}
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	gap, q.dropped = q.dropped, false
	return f, gap, true, nil
}

// Close marks the end of the stream. Frames already queued remain poppable.
func (q *frameQueue) Close(end error) {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.end = end
	}
	q.mu.Unlock()
	q.signal()
}

// Ready is signalled after every Push and on Close.
func (q *frameQueue) Ready() <-chan struct{} {
	return q.ready
}

// Len returns the number of queued frames.
func (q *frameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

func (q *frameQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
