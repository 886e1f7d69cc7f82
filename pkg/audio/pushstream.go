package audio

import (
	"context"
	"sync"
	"time"
)

// defaultPushCapacity is the number of blocks a [PushStream] buffers before
// it starts dropping the oldest one.
const defaultPushCapacity = 32

// PushStreamOption is a functional option for [NewPushStream].
type PushStreamOption func(*PushStream)

// WithCapacity sets the number of complete blocks buffered between the
// producer and the reader. Values below 1 are ignored.
func WithCapacity(n int) PushStreamOption {
	return func(p *PushStream) {
		if n > 0 {
			p.capacity = n
		}
	}
}

// WithOnClose registers fn to run once when the reader closes the stream.
// Sources use it to detach the stream from the underlying device.
func WithOnClose(fn func()) PushStreamOption {
	return func(p *PushStream) {
		p.onClose = fn
	}
}

// PushStream adapts a push-driven device (callbacks, sockets, voice packets)
// to the pull-based [Stream] interface. Producers call [PushStream.Write] with
// arbitrary sample counts; the stream cuts them into exact blocks and buffers
// up to a fixed number of blocks. When the buffer is full the oldest block is
// dropped and the next delivered block is flagged as an overrun, so the
// producer never blocks.
//
// PushStream is safe for one producer, one reader, and concurrent Close.
type PushStream struct {
	cfg      StreamConfig
	capacity int
	onClose  func()

	mu       sync.Mutex
	pending  []int16
	blocks   []Frame
	nextSeq  uint64
	overrun  bool
	dropped  uint64
	endErr   error
	closed   bool
	notify   chan struct{}
	closeOne sync.Once
}

// Compile-time interface assertion.
var _ Stream = (*PushStream)(nil)

// NewPushStream creates a PushStream delivering blocks in format cfg.
func NewPushStream(cfg StreamConfig, opts ...PushStreamOption) *PushStream {
	p := &PushStream{
		cfg:      cfg,
		capacity: defaultPushCapacity,
		notify:   make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Write appends interleaved samples in the stream's format. It never blocks.
// Writes after the stream was closed or ended return [ErrStreamClosed].
func (p *PushStream) Write(samples []int16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.endErr != nil {
		return ErrStreamClosed
	}

	p.pending = append(p.pending, samples...)
	n := p.cfg.FrameSamples()
	added := false
	for len(p.pending) >= n {
		block := make([]int16, n)
		copy(block, p.pending[:n])
		p.pending = p.pending[n:]

		if len(p.blocks) >= p.capacity {
			p.blocks = p.blocks[1:]
			p.dropped++
			p.overrun = true
		}
		f := Frame{
			Samples:    block,
			SampleRate: p.cfg.SampleRate,
			Channels:   p.cfg.Channels,
			Seq:        p.nextSeq,
			Timestamp:  time.Duration(p.nextSeq) * p.cfg.BlockDuration(),
		}
		p.nextSeq++
		p.blocks = append(p.blocks, f)
		added = true
	}
	if len(p.pending) == 0 {
		p.pending = nil
	}
	if added {
		p.signal()
	}
	return nil
}

// CloseWithError ends the producer side. Buffered blocks remain readable;
// afterwards Read returns err. A partial trailing block is discarded.
func (p *PushStream) CloseWithError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.endErr != nil || p.closed {
		return
	}
	p.endErr = err
	p.pending = nil
	p.signal()
}

// Dropped returns the number of blocks discarded due to overflow.
func (p *PushStream) Dropped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Read blocks until a complete block is buffered.
func (p *PushStream) Read(ctx context.Context) (Frame, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return Frame{}, ErrStreamClosed
		}
		if len(p.blocks) > 0 {
			f := p.blocks[0]
			p.blocks[0] = Frame{}
			p.blocks = p.blocks[1:]
			if p.overrun {
				f.Overrun = true
				p.overrun = false
			}
			p.mu.Unlock()
			return f, nil
		}
		if p.endErr != nil {
			err := p.endErr
			p.mu.Unlock()
			return Frame{}, err
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-p.notify:
		}
	}
}

// Close releases the stream. It is idempotent.
func (p *PushStream) Close() error {
	p.closeOne.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.blocks = nil
		p.pending = nil
		p.signal()
		p.mu.Unlock()
		if p.onClose != nil {
			p.onClose()
		}
	})
	return nil
}

// signal wakes a blocked reader. Caller must hold p.mu.
func (p *PushStream) signal() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}
