// Package decision turns analysis signals into effect triggers.
//
// The [Engine] is a deterministic, total function of a signal, the session
// [State], and an immutable [Policy]. Rules apply in fixed priority order:
// events, then emotion above the sensitivity threshold, then keywords. At
// most one [Decision] is produced per signal, and none while the cooldown
// from the previous automatic trigger is active.
package decision

import (
	"strings"
	"time"

	"github.com/MrWong99/soundstage/internal/analysis"
	"github.com/MrWong99/soundstage/internal/config"
)

// DefaultEffectDuration is the cooldown used for effects whose duration is
// unknown when no explicit cooldown is configured.
const DefaultEffectDuration = 3 * time.Second

// Rule names the rule that produced a decision.
type Rule string

const (
	RuleEvent   Rule = "event"
	RuleEmotion Rule = "emotion"
	RuleKeyword Rule = "keyword"
	RuleManual  Rule = "manual"
)

// Decision is the effect chosen for one window, or for a manual trigger.
type Decision struct {
	EffectID  string  `json:"effect_id"`
	Intensity float64 `json:"intensity"`
	Rule      Rule    `json:"rule"`

	// Key is the event tag, emotion label, or keyword that matched.
	Key string `json:"key,omitempty"`

	// Window is the sequence number of the analysed window.
	Window uint64 `json:"window"`

	// Cooldown is how long automatic triggers are suppressed after this one.
	Cooldown time.Duration `json:"cooldown"`
}

// Mapping binds a signal key to an effect ID.
type Mapping struct {
	Key    string
	Effect string
}

// Policy holds the decision tables. Tables are ordered; the first matching
// entry wins. A Policy is immutable once handed to an [Engine].
type Policy struct {
	Events   []Mapping
	Emotions []Mapping
	Keywords []Mapping

	// ThresholdFactor multiplies the session sensitivity to form the emotion
	// confidence threshold.
	ThresholdFactor float64

	// KeywordIntensity is the intensity of keyword-triggered effects.
	KeywordIntensity float64
}

// PolicyFromConfig builds a [Policy] from the decision section of the config.
func PolicyFromConfig(d config.DecisionConfig) Policy {
	conv := func(ms []config.Mapping) []Mapping {
		out := make([]Mapping, len(ms))
		for i, m := range ms {
			out[i] = Mapping{Key: m.Key, Effect: m.Effect}
		}
		return out
	}
	return Policy{
		Events:           conv(d.Events),
		Emotions:         conv(d.Emotions),
		Keywords:         conv(d.Keywords),
		ThresholdFactor:  d.ThresholdFactor,
		KeywordIntensity: d.KeywordIntensity,
	}
}

// State is the part of the session the engine consults.
type State struct {
	// Sensitivity in [0, 1] scales the emotion threshold.
	Sensitivity float64

	// AutoTrigger enables automatic decisions.
	AutoTrigger bool

	// Cooldown is the configured cooldown. Zero uses the effect duration.
	Cooldown time.Duration

	// CooldownUntil is when the previous automatic trigger's cooldown ends.
	CooldownUntil time.Time

	Now time.Time
}

// InCooldown reports whether automatic triggers are suppressed at st.Now.
func (st State) InCooldown() bool {
	return st.Now.Before(st.CooldownUntil)
}

// Engine applies a [Policy]. It is immutable and safe for concurrent use.
type Engine struct {
	events    []Mapping
	emotions  map[analysis.Emotion]string
	keywords  map[string]string
	factor    float64
	kwInt     float64
	durations map[string]time.Duration
}

// NewEngine returns an [Engine] for p. durations maps effect IDs to their
// default duration and drives the cooldown when none is configured.
func NewEngine(p Policy, durations map[string]time.Duration) *Engine {
	e := &Engine{
		events:    p.Events,
		emotions:  make(map[analysis.Emotion]string, len(p.Emotions)),
		keywords:  make(map[string]string, len(p.Keywords)),
		factor:    p.ThresholdFactor,
		kwInt:     p.KeywordIntensity,
		durations: durations,
	}
	for _, m := range p.Emotions {
		if _, dup := e.emotions[analysis.Emotion(m.Key)]; !dup {
			e.emotions[analysis.Emotion(m.Key)] = m.Effect
		}
	}
	for _, m := range p.Keywords {
		k := strings.ToLower(m.Key)
		if _, dup := e.keywords[k]; !dup {
			e.keywords[k] = m.Effect
		}
	}
	return e
}

// Threshold is the emotion confidence a signal must exceed at sensitivity.
func (e *Engine) Threshold(sensitivity float64) float64 {
	return e.factor * sensitivity
}

// Decide returns the decision for sig, or nil when no rule fires, automatic
// triggering is off, or the cooldown is active.
func (e *Engine) Decide(sig analysis.Signal, st State) *Decision {
	if !st.AutoTrigger || st.InCooldown() {
		return nil
	}
	d := e.match(sig, st.Sensitivity)
	if d == nil {
		return nil
	}
	d.Window = sig.Window
	d.Cooldown = e.cooldown(d.EffectID, st.Cooldown)
	return d
}

func (e *Engine) match(sig analysis.Signal, sensitivity float64) *Decision {
	if len(sig.Events) > 0 {
		for _, m := range e.events {
			for _, ev := range sig.Events {
				if ev == m.Key {
					return &Decision{EffectID: m.Effect, Intensity: 1.0, Rule: RuleEvent, Key: ev}
				}
			}
		}
	}

	if sig.Emotion != analysis.EmotionNone && sig.Confidence > e.Threshold(sensitivity) {
		if effect, ok := e.emotions[sig.Emotion]; ok {
			return &Decision{EffectID: effect, Intensity: sig.Confidence, Rule: RuleEmotion, Key: string(sig.Emotion)}
		}
	}

	for _, kw := range sig.Keywords {
		if effect, ok := e.keywords[strings.ToLower(kw)]; ok {
			return &Decision{EffectID: effect, Intensity: e.kwInt, Rule: RuleKeyword, Key: kw}
		}
	}
	return nil
}

// Manual builds the decision for an operator-initiated trigger. Manual
// decisions ignore auto-trigger and cooldown and never start one.
func Manual(effectID string, intensity float64) Decision {
	return Decision{EffectID: effectID, Intensity: max(0, min(1, intensity)), Rule: RuleManual}
}

func (e *Engine) cooldown(effectID string, configured time.Duration) time.Duration {
	if configured > 0 {
		return configured
	}
	if d, ok := e.durations[effectID]; ok && d > 0 {
		return d
	}
	return DefaultEffectDuration
}
