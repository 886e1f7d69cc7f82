package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MrWong99/soundstage/pkg/provider/stt"
)

// CompositeOption is a functional option for configuring a [Composite].
type CompositeOption func(*Composite)

// WithTranscriber sets the speech-to-text provider. Without one, keyword and
// event detection never fire and emotion detection is acoustic only.
func WithTranscriber(p stt.Provider) CompositeOption {
	return func(c *Composite) {
		c.transcriber = p
	}
}

// WithEmotionDetector sets the emotion detector. Default: [Heuristic] at the
// configured silence threshold.
func WithEmotionDetector(d EmotionDetector) CompositeOption {
	return func(c *Composite) {
		c.emotion = d
	}
}

// WithEvents sets the event phrase table.
func WithEvents(p *PhraseEvents) CompositeOption {
	return func(c *Composite) {
		c.events = p
	}
}

// WithSilenceRMS sets the RMS below which transcription is skipped.
// Default: 0.01.
func WithSilenceRMS(rms float64) CompositeOption {
	return func(c *Composite) {
		c.silence = rms
	}
}

// WithSpotterOptions configures the keyword spotter built from the session
// vocabulary.
func WithSpotterOptions(opts ...SpotterOption) CompositeOption {
	return func(c *Composite) {
		c.spotterOpts = append(c.spotterOpts, opts...)
	}
}

// Composite chains transcription, emotion detection, event detection, and
// keyword spotting. Each sub-result is independent: a failing stage leaves
// its field empty and the others still run.
//
// Composite is read-only after construction and safe for concurrent use.
type Composite struct {
	opts        Options
	transcriber stt.Provider
	emotion     EmotionDetector
	events      *PhraseEvents
	spotter     *KeywordSpotter
	spotterOpts []SpotterOption
	silence     float64
}

var _ Classifier = (*Composite)(nil)

// NewComposite returns a [Composite] for one session.
func NewComposite(opts Options, cfg ...CompositeOption) *Composite {
	c := &Composite{opts: opts, silence: 0.01}
	for _, o := range cfg {
		o(c)
	}
	if c.emotion == nil {
		c.emotion = NewHeuristic(c.silence)
	}
	c.spotter = NewKeywordSpotter(opts.Keywords, c.spotterOpts...)
	return c
}

// CompositeFactory returns a [Factory] building a [Composite] per session
// with the shared cfg.
func CompositeFactory(cfg ...CompositeOption) Factory {
	return func(opts Options) Classifier {
		return NewComposite(opts, cfg...)
	}
}

// Analyze implements [Classifier]. A transcription failure is returned as an
// error only when no emotion could be determined either.
func (c *Composite) Analyze(ctx context.Context, w *Window) (Signal, error) {
	samples := w.Samples()
	sig := Empty(w)
	sig.Features = ComputeFeatures(samples, w.Format.Channels)

	var sttErr error
	if c.wantsTranscript() && sig.Features.RMS >= c.silence {
		tr, err := c.transcriber.Transcribe(ctx, stt.Request{
			Samples: samples,
			Format:  w.Format,
			Prompt:  strings.Join(c.opts.Keywords, ", "),
		})
		if err != nil {
			sttErr = fmt.Errorf("analysis: transcribe window %d: %w", w.Seq, err)
		} else {
			sig.Transcript = tr.Text
		}
	}

	if c.opts.DetectEmotion {
		e, conf, err := c.emotion.Detect(ctx, EmotionInput{Features: sig.Features, Transcript: sig.Transcript})
		if err != nil {
			slog.Warn("analysis: emotion detection failed", "window", w.Seq, "err", err)
		} else {
			sig.Emotion, sig.Confidence = e, conf
		}
	}

	if sig.Transcript != "" {
		if c.opts.DetectEvents && c.events != nil {
			sig.Events = c.events.Detect(sig.Transcript)
		}
		if c.opts.DetectKeywords {
			sig.Keywords = c.spotter.Spot(sig.Transcript)
		}
	}

	if sttErr != nil {
		if sig.Emotion == EmotionNone {
			return sig, sttErr
		}
		slog.Warn("analysis: transcription failed, keeping acoustic result", "window", w.Seq, "err", sttErr)
	}
	return sig, nil
}

func (c *Composite) wantsTranscript() bool {
	if c.transcriber == nil {
		return false
	}
	return c.opts.DetectKeywords || c.opts.DetectEvents || c.opts.DetectEmotion
}
