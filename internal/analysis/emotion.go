package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MrWong99/soundstage/pkg/provider/llm"
)

// EmotionInput is what an [EmotionDetector] sees of one window.
type EmotionInput struct {
	Features   Features
	Transcript string
}

// EmotionDetector labels the emotion of a window.
// Implementations return [EmotionNone] with zero confidence when nothing
// could be determined.
type EmotionDetector interface {
	Detect(ctx context.Context, in EmotionInput) (Emotion, float64, error)
}

// ─── Heuristic ───────────────────────────────────────────────────────────────

// Acoustic thresholds for [Heuristic], on normalised RMS and ZCR.
const (
	loudRMS   = 0.2
	activeRMS = 0.05
	noisyZCR  = 0.1
	voicedZCR = 0.05
)

// defaultLexicon maps emotions to words that announce them in a transcript.
var defaultLexicon = map[Emotion][]string{
	EmotionHappy:   {"haha", "lol", "nice", "awesome", "great", "love", "yay"},
	EmotionExcited: {"wow", "omg", "insane", "clutch", "lets go", "let's go", "yes"},
	EmotionSad:     {"sad", "ugh", "unlucky", "sorry", "missed", "oh no"},
	EmotionAngry:   {"hate", "stupid", "rage", "cheater", "unfair"},
}

// lexiconConfidence is the confidence assigned to a transcript lexicon hit.
const lexiconConfidence = 0.8

// calmCeiling caps the acoustic confidence of windows below loudRMS.
const calmCeiling = 0.3

// Heuristic derives the emotion from acoustic features, refined by a small
// word lexicon when a transcript is available. It is deterministic and safe
// for concurrent use.
type Heuristic struct {
	silence float64
}

var _ EmotionDetector = (*Heuristic)(nil)

// NewHeuristic returns a [Heuristic] treating windows below silenceRMS as
// silent.
func NewHeuristic(silenceRMS float64) *Heuristic {
	return &Heuristic{silence: silenceRMS}
}

// Detect implements [EmotionDetector]. Acoustic confidence grows with how far
// a window is past the loud threshold; ordinary talking and quiet rooms stay
// at or below 0.3 so they never clear the default trigger threshold alone.
func (h *Heuristic) Detect(_ context.Context, in EmotionInput) (Emotion, float64, error) {
	f := in.Features
	emotion, conf := EmotionNone, 0.0

	switch {
	case f.RMS < h.silence:
	case f.RMS >= loudRMS && f.ZCR >= noisyZCR:
		emotion, conf = EmotionExcited, clamp01(0.3+(f.RMS-loudRMS)*2+f.ZCR)
	case f.RMS >= loudRMS:
		emotion, conf = EmotionAngry, clamp01(0.2+(f.RMS-loudRMS)*2)
	case f.RMS >= activeRMS && f.ZCR >= voicedZCR:
		emotion, conf = EmotionHappy, min(0.1+f.RMS, calmCeiling)
	case f.RMS >= activeRMS:
		emotion, conf = EmotionNeutral, 0.2
	default:
		emotion, conf = EmotionSad, min(f.RMS*4, calmCeiling)
	}

	if lex := lexiconEmotion(in.Transcript); lex != EmotionNone && lexiconConfidence > conf {
		emotion, conf = lex, lexiconConfidence
	}
	return emotion, conf, nil
}

// lexiconEmotion returns the first emotion, in fixed label order, whose
// lexicon appears in transcript.
func lexiconEmotion(transcript string) Emotion {
	if transcript == "" {
		return EmotionNone
	}
	text := " " + normalizeText(transcript) + " "
	for _, e := range []Emotion{EmotionExcited, EmotionHappy, EmotionAngry, EmotionSad} {
		for _, w := range defaultLexicon[e] {
			if strings.Contains(text, " "+normalizeText(w)+" ") {
				return e
			}
		}
	}
	return EmotionNone
}

func clamp01(v float64) float64 {
	return max(0, min(1, v))
}

// ─── LLM ─────────────────────────────────────────────────────────────────────

const defaultEmotionTemperature = 0.0

const emotionSystemPrompt = `You classify the emotional tone of a live stream transcript snippet.

Allowed labels: happy, sad, excited, angry, neutral, none.
Use "none" when the snippet carries no recognisable emotion.

Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{"emotion": "<label>", "confidence": <0.0-1.0>}`

// emotionResponse is the expected JSON structure returned by the LLM.
type emotionResponse struct {
	Emotion    string  `json:"emotion"`
	Confidence float64 `json:"confidence"`
}

// LLMOption is a functional option for configuring an [LLMEmotion].
type LLMOption func(*LLMEmotion)

// WithTemperature sets the sampling temperature. Default: 0.
func WithTemperature(temp float64) LLMOption {
	return func(l *LLMEmotion) {
		l.temperature = temp
	}
}

// WithAcousticFallback sets the detector used when the window carries no
// transcript.
func WithAcousticFallback(d EmotionDetector) LLMOption {
	return func(l *LLMEmotion) {
		l.fallback = d
	}
}

// LLMEmotion classifies the window transcript with an [llm.Provider].
// Unparseable responses yield [EmotionNone] rather than an error.
type LLMEmotion struct {
	llm         llm.Provider
	temperature float64
	fallback    EmotionDetector
}

var _ EmotionDetector = (*LLMEmotion)(nil)

// NewLLMEmotion returns an [LLMEmotion] backed by provider.
func NewLLMEmotion(provider llm.Provider, opts ...LLMOption) *LLMEmotion {
	l := &LLMEmotion{llm: provider, temperature: defaultEmotionTemperature}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Detect implements [EmotionDetector].
func (l *LLMEmotion) Detect(ctx context.Context, in EmotionInput) (Emotion, float64, error) {
	if strings.TrimSpace(in.Transcript) == "" {
		if l.fallback != nil {
			return l.fallback.Detect(ctx, in)
		}
		return EmotionNone, 0, nil
	}

	resp, err := l.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: emotionSystemPrompt,
		Temperature:  l.temperature,
		MaxTokens:    64,
		Messages:     []llm.Message{{Role: "user", Content: in.Transcript}},
	})
	if err != nil {
		return EmotionNone, 0, fmt.Errorf("analysis: llm emotion: %w", err)
	}

	if resp == nil {
		return EmotionNone, 0, nil
	}

	var r emotionResponse
	if err := json.Unmarshal([]byte(stripMarkdown(resp.Content)), &r); err != nil {
		return EmotionNone, 0, nil //nolint:nilerr // unparseable output means no emotion
	}
	e := ParseEmotion(strings.ToLower(strings.TrimSpace(r.Emotion)))
	if e == EmotionNone {
		return EmotionNone, 0, nil
	}
	return e, clamp01(r.Confidence), nil
}

// stripMarkdown removes a surrounding code fence from model output.
func stripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
