// Package events is the in-process publish/subscribe bus behind the /ws
// endpoint.
//
// Publishers never block: each subscriber owns a bounded channel and events
// that do not fit are dropped for that subscriber only. Inbound WebSocket
// messages never reach the bus.
package events

import (
	"context"
	"sync"
	"time"
)

// Type tags the payload carried by an [Event].
type Type string

const (
	// TypeSignal carries an analysis.Signal for every analysed window.
	TypeSignal Type = "signal"

	// TypeTrigger carries a dispatch.Record for every trigger attempt.
	TypeTrigger Type = "trigger"

	// TypeStatus carries a session.Status after every state change.
	TypeStatus Type = "status"

	// TypePlayback carries a [Playback] asking connected UIs to play a clip.
	TypePlayback Type = "playback"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Event is one message on the bus. It is serialised as-is to /ws clients.
type Event struct {
	Type    Type      `json:"type"`
	Payload any       `json:"payload"`
	Time    time.Time `json:"time"`
}

// Playback is the payload of a [TypePlayback] event.
type Playback struct {
	RecordID string  `json:"record_id"`
	EffectID string  `json:"effect_id"`
	URL      string  `json:"url"`
	Volume   float64 `json:"volume"`
	Priority int     `json:"priority"`
}

// Option configures a [Bus].
type Option func(*Bus)

// WithBuffer sets the per-subscriber channel capacity.
func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithSubscriberHook registers fn to be called with +1 on subscribe and -1
// on unsubscribe. It is used to feed the subscriber gauge.
func WithSubscriberHook(fn func(delta int64)) Option {
	return func(b *Bus) {
		b.hook = fn
	}
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		b.now = now
	}
}

// Bus fans events out to subscribers. It is safe for concurrent use.
type Bus struct {
	buffer int
	hook   func(int64)
	now    func() time.Time

	mu      sync.Mutex
	subs    map[chan Event]struct{}
	dropped uint64
}

// NewBus creates an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		buffer: DefaultBuffer,
		now:    time.Now,
		subs:   make(map[chan Event]struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Publish delivers an event of type t to every subscriber without blocking.
// A nil Bus discards the event.
func (b *Bus) Publish(t Type, payload any) {
	if b == nil {
		return
	}
	ev := Event{Type: t, Payload: payload, Time: b.now()}

	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped++
		}
	}
}

// Subscribe registers a new subscriber. The returned channel is closed when
// cancel is called or ctx is done. cancel is idempotent.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, func()) {
	ch := make(chan Event, b.buffer)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	if b.hook != nil {
		b.hook(1)
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			close(ch)
			b.mu.Unlock()
			if b.hook != nil {
				b.hook(-1)
			}
		})
	}
	stop := context.AfterFunc(ctx, cancel)
	return ch, func() {
		stop()
		cancel()
	}
}

// Subscribers returns the current number of subscribers.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns the total number of per-subscriber deliveries that were
// dropped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
