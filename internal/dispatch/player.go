package dispatch

import (
	"context"
	"time"

	"github.com/MrWong99/soundstage/internal/events"
	"github.com/MrWong99/soundstage/pkg/audio/mixer"
	"github.com/MrWong99/soundstage/pkg/provider/sfx"
)

// Playback priorities. Manual triggers cut off automatic ones.
const (
	PriorityAuto   = 1
	PriorityManual = 2
)

// mixerChunk is the granularity at which mixer playback can be interrupted.
const mixerChunk = 20 * time.Millisecond

// Playback describes how one resolved clip should be played.
type Playback struct {
	RecordID string
	EffectID string

	// Ref is the clip path below /api/audio/.
	Ref string

	// Volume in [0, 1] scales the clip.
	Volume float64

	Priority int
}

// Player plays resolved clips. Implementations must be safe for concurrent
// use and should return once playback has been scheduled.
type Player interface {
	Play(ctx context.Context, clip sfx.Clip, pb Playback) error
}

// ─── Browser ─────────────────────────────────────────────────────────────────

// BrowserPlayer asks connected UIs to play the clip by publishing a
// [events.TypePlayback] event carrying its URL.
type BrowserPlayer struct {
	bus *events.Bus
}

var _ Player = (*BrowserPlayer)(nil)

// NewBrowserPlayer creates a player publishing on bus.
func NewBrowserPlayer(bus *events.Bus) *BrowserPlayer {
	return &BrowserPlayer{bus: bus}
}

// Play implements [Player].
func (p *BrowserPlayer) Play(_ context.Context, _ sfx.Clip, pb Playback) error {
	p.bus.Publish(events.TypePlayback, events.Playback{
		RecordID: pb.RecordID,
		EffectID: pb.EffectID,
		URL:      AudioURL(pb.Ref),
		Volume:   pb.Volume,
		Priority: pb.Priority,
	})
	return nil
}

// AudioURL returns the HTTP path serving ref.
func AudioURL(ref string) string {
	return "/api/audio/" + ref
}

// ─── Mixer ───────────────────────────────────────────────────────────────────

// MixerPlayer schedules clips on a priority [mixer.Mixer], e.g. one feeding a
// Discord voice channel.
type MixerPlayer struct {
	mixer     *mixer.Mixer
	onClipEnd func()
}

var _ Player = (*MixerPlayer)(nil)

// MixerOption configures a [MixerPlayer].
type MixerOption func(*MixerPlayer)

// WithClipEnd registers fn to run after each clip finished or was cut off.
func WithClipEnd(fn func()) MixerOption {
	return func(p *MixerPlayer) {
		p.onClipEnd = fn
	}
}

// NewMixerPlayer creates a player feeding m.
func NewMixerPlayer(m *mixer.Mixer, opts ...MixerOption) *MixerPlayer {
	p := &MixerPlayer{mixer: m}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Play implements [Player]. It returns as soon as the clip is queued.
func (p *MixerPlayer) Play(_ context.Context, clip sfx.Clip, pb Playback) error {
	seg := mixer.NewSegment(pb.RecordID, applyGain(clip.Samples, pb.Volume), clip.Format, mixerChunk)
	p.mixer.Enqueue(seg, pb.Priority)
	if p.onClipEnd != nil {
		go func() {
			<-seg.Done
			p.onClipEnd()
		}()
	}
	return nil
}

// applyGain returns a scaled copy of samples. A volume of 1 or more returns
// samples unchanged.
func applyGain(samples []int16, volume float64) []int16 {
	if volume >= 1 {
		return samples
	}
	volume = max(volume, 0)
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = int16(float64(s) * volume)
	}
	return out
}

// ─── None ────────────────────────────────────────────────────────────────────

// NullPlayer discards every clip.
type NullPlayer struct{}

var _ Player = NullPlayer{}

// Play implements [Player].
func (NullPlayer) Play(context.Context, sfx.Clip, Playback) error { return nil }
