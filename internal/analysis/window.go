package analysis

import (
	"time"

	"github.com/MrWong99/soundstage/pkg/audio"
)

// Window is a sealed, time-ordered run of consecutive frames analysed as one
// unit. Windows never share frames and are immutable once sealed.
type Window struct {
	// Seq numbers windows within one session, starting at zero.
	Seq uint64

	// Frames holds exactly the accumulator's block count, in capture order.
	Frames []audio.Frame

	Format audio.Format

	// Degraded is true when a frame carried an overrun, a sequence gap was
	// observed inside the window, or frames were dropped upstream while the
	// window was accumulating.
	Degraded bool
}

// Samples returns the window's interleaved PCM as one contiguous slice.
func (w *Window) Samples() []int16 {
	n := 0
	for _, f := range w.Frames {
		n += len(f.Samples)
	}
	out := make([]int16, 0, n)
	for _, f := range w.Frames {
		out = append(out, f.Samples...)
	}
	return out
}

// Duration is the playback duration of the window.
func (w *Window) Duration() time.Duration {
	var d time.Duration
	for _, f := range w.Frames {
		d += f.Duration()
	}
	return d
}

// Start is the capture timestamp of the first frame.
func (w *Window) Start() time.Duration {
	if len(w.Frames) == 0 {
		return 0
	}
	return w.Frames[0].Timestamp
}

// Accumulator groups frames into windows of a fixed block count. It is not
// safe for concurrent use; the pipeline consumer owns it.
type Accumulator struct {
	blocks   int
	frames   []audio.Frame
	degraded bool

	lastSeq  uint64
	haveLast bool
	next     uint64
}

// NewAccumulator returns an [Accumulator] sealing a window every blocks frames.
// blocks below one is treated as one.
func NewAccumulator(blocks int) *Accumulator {
	if blocks < 1 {
		blocks = 1
	}
	return &Accumulator{blocks: blocks, frames: make([]audio.Frame, 0, blocks)}
}

// Add appends f to the pending window and returns the sealed window once it
// holds the configured number of frames, or nil otherwise.
func (a *Accumulator) Add(f audio.Frame) *Window {
	if a.haveLast && f.Seq != a.lastSeq+1 {
		a.degraded = true
	}
	a.lastSeq = f.Seq
	a.haveLast = true
	if f.Overrun {
		a.degraded = true
	}
	a.frames = append(a.frames, f)
	if len(a.frames) < a.blocks {
		return nil
	}

	w := &Window{
		Seq:      a.next,
		Frames:   a.frames,
		Format:   audio.Format{SampleRate: a.frames[0].SampleRate, Channels: a.frames[0].Channels},
		Degraded: a.degraded,
	}
	a.next++
	a.frames = make([]audio.Frame, 0, a.blocks)
	a.degraded = false
	return w
}

// MarkDegraded flags the window currently accumulating.
func (a *Accumulator) MarkDegraded() {
	a.degraded = true
}

// Pending returns the number of frames in the unsealed window.
func (a *Accumulator) Pending() int {
	return len(a.frames)
}

// Reset discards the partial window. Sequence tracking restarts so the next
// frame never counts as a gap.
func (a *Accumulator) Reset() {
	a.frames = a.frames[:0]
	a.degraded = false
	a.haveLast = false
}
