package mixer

import (
	"container/heap"
	"sync"
	"time"

	"github.com/MrWong99/soundstage/pkg/audio"
)

const (
	// DefaultGap is the silence inserted between consecutive clips when no
	// explicit gap is configured via [WithGap].
	DefaultGap = 150 * time.Millisecond

	// defaultQueueCap is the initial capacity hint for the priority queue.
	defaultQueueCap = 16
)

// Segment is one clip submitted to the [Mixer]. Audio is delivered in chunks
// so playback can be interrupted between chunks.
type Segment struct {
	// ID identifies the clip in logs, usually the trigger record ID.
	ID string

	// Audio delivers interleaved int16 chunks in Format. The producer closes
	// the channel when the clip ends.
	Audio <-chan []int16

	Format audio.Format

	// Done, when non-nil, is closed once the clip finished, was interrupted,
	// or was discarded.
	Done chan struct{}

	doneOnce sync.Once
}

func (s *Segment) finish() {
	if s.Done == nil {
		return
	}
	s.doneOnce.Do(func() { close(s.Done) })
}

// NewSegment chunks samples into pieces of chunk duration and returns a
// Segment whose Audio channel is already filled and closed.
func NewSegment(id string, samples []int16, f audio.Format, chunk time.Duration) *Segment {
	per := int(int64(f.SampleRate)*int64(chunk)/int64(time.Second)) * f.Channels
	if per <= 0 {
		per = len(samples)
	}
	n := 0
	if per > 0 {
		n = (len(samples) + per - 1) / per
	}
	ch := make(chan []int16, n)
	for start := 0; start < len(samples); start += per {
		end := min(start+per, len(samples))
		ch <- samples[start:end]
	}
	close(ch)
	return &Segment{ID: id, Audio: ch, Format: f, Done: make(chan struct{})}
}

// Option configures a [Mixer] during construction.
type Option func(*Mixer)

// WithGap sets the silence gap inserted between consecutive clips. A gap of
// zero plays clips back to back.
func WithGap(d time.Duration) Option {
	return func(m *Mixer) {
		m.gap = d
	}
}

// WithQueueCapacity sets the initial capacity hint for the internal priority
// queue. The queue grows as needed.
func WithQueueCapacity(n int) Option {
	return func(m *Mixer) {
		if n > 0 {
			m.queue = make(segmentHeap, 0, n)
		}
	}
}

// Mixer schedules [Segment] playback using a priority queue backed by
// [container/heap].
//
// All exported methods are safe for concurrent use.
type Mixer struct {
	output func(chunk []int16, f audio.Format)

	mu            sync.Mutex
	queue         segmentHeap
	seq           uint64
	gap           time.Duration
	playing       *Segment
	playingPri    int
	cancelPlaying chan struct{}

	notify chan struct{}
	done   chan struct{}
	closed bool
}

// New creates a Mixer that delivers chunks to output. The mixer starts a
// background dispatch goroutine immediately.
//
// output is called sequentially from the dispatch goroutine. It may block to
// pace playback (e.g. a voice transport that accepts 20 ms per tick).
//
// Call [Mixer.Close] to stop the background goroutine.
func New(output func(chunk []int16, f audio.Format), opts ...Option) *Mixer {
	m := &Mixer{
		output: output,
		queue:  make(segmentHeap, 0, defaultQueueCap),
		gap:    DefaultGap,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	heap.Init(&m.queue)
	go m.dispatch()
	return m
}

// Enqueue schedules segment at the given priority. If priority is higher than
// the clip currently playing, that clip is cut off.
func (m *Mixer) Enqueue(segment *Segment, priority int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		segment.finish()
		return
	}

	m.seq++
	heap.Push(&m.queue, entry{
		segment:  segment,
		priority: priority,
		seq:      m.seq,
	})

	if m.playing != nil && priority > m.playingPri {
		m.interruptLocked(false)
	}

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Interrupt stops the clip currently playing. When clearQueue is true all
// queued clips are discarded as well.
func (m *Mixer) Interrupt(clearQueue bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interruptLocked(clearQueue)
}

// SetGap configures the silence between consecutive clips.
func (m *Mixer) SetGap(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gap = d
}

// Pending returns the number of queued clips, excluding the one playing.
func (m *Mixer) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Len()
}

// Close stops the dispatch goroutine and discards queued clips. It is
// idempotent.
func (m *Mixer) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.interruptLocked(true)
	m.mu.Unlock()

	close(m.done)
	return nil
}

// interruptLocked cancels the playing clip and optionally clears the queue.
// Must be called with m.mu held.
func (m *Mixer) interruptLocked(clearQueue bool) {
	if m.cancelPlaying != nil {
		close(m.cancelPlaying)
		m.cancelPlaying = nil
	}
	m.playing = nil

	if clearQueue {
		for m.queue.Len() > 0 {
			e := heap.Pop(&m.queue).(entry)
			e.segment.finish()
		}
	}
}

func (m *Mixer) dispatch() {
	var lastPlayed bool

	gapTimer := time.NewTimer(0)
	if !gapTimer.Stop() {
		<-gapTimer.C
	}
	defer gapTimer.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-m.notify:
		}

		for {
			seg, cancel, ok := m.dequeue()
			if !ok {
				break
			}

			if gap := m.currentGap(); lastPlayed && gap > 0 {
				gapTimer.Reset(gap)
				select {
				case <-m.done:
					if !gapTimer.Stop() {
						<-gapTimer.C
					}
					seg.finish()
					return
				case <-cancel:
					if !gapTimer.Stop() {
						<-gapTimer.C
					}
					seg.finish()
					continue
				case <-gapTimer.C:
				}
			}

			m.play(seg, cancel)
			seg.finish()
			lastPlayed = true

			m.mu.Lock()
			if m.playing == seg {
				m.playing = nil
				m.cancelPlaying = nil
			}
			m.mu.Unlock()
		}
	}
}

func (m *Mixer) dequeue() (*Segment, chan struct{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.queue.Len() == 0 {
		return nil, nil, false
	}
	e := heap.Pop(&m.queue).(entry)
	cancel := make(chan struct{})
	m.playing = e.segment
	m.playingPri = e.priority
	m.cancelPlaying = cancel
	return e.segment, cancel, true
}

func (m *Mixer) play(seg *Segment, cancel chan struct{}) {
	for {
		select {
		case <-m.done:
			return
		case <-cancel:
			return
		case chunk, ok := <-seg.Audio:
			if !ok {
				return
			}
			m.output(chunk, seg.Format)
		}
	}
}

func (m *Mixer) currentGap() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gap
}
