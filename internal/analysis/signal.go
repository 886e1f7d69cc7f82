// Package analysis implements the feature and classifier stage of the
// SoundStage pipeline.
//
// An [Accumulator] groups capture frames into sealed [Window] values. A
// [Classifier] turns each window into a [Signal]: an emotion with a
// confidence, the configured keywords that were heard, the discrete game
// events that were announced, and scalar [Features] of the audio.
//
// Two classifiers are provided. [Null] computes features only and is the
// deterministic baseline used in tests. [Composite] chains an optional
// speech-to-text provider with an [EmotionDetector], a [PhraseEvents] table,
// and a phonetic [KeywordSpotter].
package analysis

import (
	"context"
	"slices"
	"sync"
)

// Emotion is the emotion label assigned to a window.
type Emotion string

const (
	EmotionNone    Emotion = "none"
	EmotionHappy   Emotion = "happy"
	EmotionSad     Emotion = "sad"
	EmotionExcited Emotion = "excited"
	EmotionAngry   Emotion = "angry"
	EmotionNeutral Emotion = "neutral"
)

// ParseEmotion maps a label to an [Emotion]. Unknown labels map to
// [EmotionNone].
func ParseEmotion(s string) Emotion {
	switch e := Emotion(s); e {
	case EmotionHappy, EmotionSad, EmotionExcited, EmotionAngry, EmotionNeutral:
		return e
	}
	return EmotionNone
}

// Signal is the result of classifying one window.
type Signal struct {
	// Window is the sequence number of the analysed window.
	Window uint64 `json:"window"`

	Emotion    Emotion `json:"emotion"`
	Confidence float64 `json:"confidence"`

	// Keywords lists matched vocabulary entries in vocabulary order.
	Keywords []string `json:"keywords"`

	// Events lists detected event tags in table order.
	Events []string `json:"events"`

	Features   Features `json:"features"`
	Transcript string   `json:"transcript,omitempty"`
	Degraded   bool     `json:"degraded"`
}

// Empty returns the null signal for w: no emotion, keywords, or events.
func Empty(w *Window) Signal {
	return Signal{Window: w.Seq, Emotion: EmotionNone, Degraded: w.Degraded}
}

// Options are the per-session classifier settings.
type Options struct {
	// Keywords is the keyword vocabulary in priority order.
	Keywords []string

	DetectEmotion  bool
	DetectKeywords bool
	DetectEvents   bool
}

// Classifier turns a window into a signal.
//
// Analyze must not retain w and must not share mutable state between calls
// apart from read-only configuration. Absence of keywords or events is a
// normal, non-error result. An error means the window produced no usable
// signal.
type Classifier interface {
	Analyze(ctx context.Context, w *Window) (Signal, error)
}

// Factory builds the classifier for one session.
type Factory func(Options) Classifier

// ─── Null ────────────────────────────────────────────────────────────────────

// Null is a deterministic classifier that computes [Features] and never
// detects an emotion, keyword, or event.
type Null struct{}

var _ Classifier = Null{}

// Analyze implements [Classifier].
func (Null) Analyze(_ context.Context, w *Window) (Signal, error) {
	sig := Empty(w)
	sig.Features = ComputeFeatures(w.Samples(), w.Format.Channels)
	return sig, nil
}

// NullFactory returns a [Factory] that always builds [Null].
func NullFactory() Factory {
	return func(Options) Classifier { return Null{} }
}

// ─── History ─────────────────────────────────────────────────────────────────

// History retains the most recent signals for observability. It is safe for
// concurrent use.
type History struct {
	mu   sync.Mutex
	buf  []Signal
	next int
	full bool
}

// NewHistory returns a [History] holding up to size signals. size below one
// is treated as one.
func NewHistory(size int) *History {
	return &History{buf: make([]Signal, max(size, 1))}
}

// Add records sig, evicting the oldest entry when full.
func (h *History) Add(sig Signal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf[h.next] = sig
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}
}

// Snapshot returns the retained signals, newest first.
func (h *History) Snapshot() []Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Signal
	if h.full {
		out = append(out, h.buf[h.next:]...)
	}
	out = append(out, h.buf[:h.next]...)
	slices.Reverse(out)
	return out
}
