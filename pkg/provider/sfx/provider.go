// Package sfx defines the Generator interface for text-to-sound-effect
// backends.
//
// A Generator turns a text prompt into a short audio clip. SoundStage chains
// a cloud generator (ElevenLabs) with a local procedural synthesiser through
// a fallback group, so every implementation reports configuration-level
// absence as [ErrUnavailable] rather than as a runtime failure.
package sfx

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/soundstage/pkg/audio"
)

// Duration bounds accepted by generators.
const (
	MinDuration = 500 * time.Millisecond
	MaxDuration = 22 * time.Second
)

// ErrUnavailable is returned when a generator cannot serve requests at all,
// e.g. because no credential is configured or cloud processing is not
// permitted.
var ErrUnavailable = errors.New("sfx: generator unavailable")

// Request describes one effect to generate.
type Request struct {
	// Prompt is the text description of the sound.
	Prompt string

	// Duration is the requested clip length. Zero lets the generator decide.
	Duration time.Duration

	// PromptInfluence in [0, 1] controls how literally the prompt is followed.
	PromptInfluence float64
}

// Clip is a generated or loaded sound effect.
type Clip struct {
	// Samples is interleaved 16-bit PCM in Format.
	Samples []int16

	Format audio.Format
}

// Duration returns the playback length of the clip.
func (c Clip) Duration() time.Duration {
	if c.Format.SampleRate <= 0 || c.Format.Channels <= 0 {
		return 0
	}
	frames := len(c.Samples) / c.Format.Channels
	return time.Duration(int64(frames) * int64(time.Second) / int64(c.Format.SampleRate))
}

// WAV encodes the clip as a 16-bit RIFF/WAV file.
func (c Clip) WAV() ([]byte, error) {
	return audio.EncodeWAV(c.Samples, c.Format)
}

// Generator is the abstraction over any sound-effect generation backend.
//
// Implementations must be safe for concurrent use and honour ctx
// cancellation.
type Generator interface {
	// Generate produces a clip for req. It returns an error wrapping
	// [ErrUnavailable] when the backend is not usable at all.
	Generate(ctx context.Context, req Request) (Clip, error)
}

// ClampDuration limits d to [MinDuration, MaxDuration]. Zero stays zero.
func ClampDuration(d time.Duration) time.Duration {
	if d == 0 {
		return 0
	}
	return min(max(d, MinDuration), MaxDuration)
}

// ClampInfluence limits v to [0, 1].
func ClampInfluence(v float64) float64 {
	return min(max(v, 0), 1)
}
