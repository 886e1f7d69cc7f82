// Package mixer schedules sound-effect clips onto a single output line. Clips
// are queued by priority; a higher-priority clip cuts off the one currently
// playing, equal priorities play in FIFO order, and an optional silence gap
// separates consecutive clips.
package mixer

// entry wraps a [Segment] with scheduling metadata for the priority queue.
// The seq field provides FIFO ordering within the same priority level.
type entry struct {
	segment  *Segment
	priority int
	seq      uint64
}

// segmentHeap implements [container/heap.Interface] as a max-heap ordered by
// priority (descending), with FIFO tie-breaking on seq (ascending).
type segmentHeap []entry

func (h segmentHeap) Len() int { return len(h) }

// Less reports whether element i should be dequeued before element j.
func (h segmentHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h segmentHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *segmentHeap) Push(x any) {
	*h = append(*h, x.(entry))
}

func (h *segmentHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
