package decision_test

import (
	"testing"
	"time"

	"github.com/MrWong99/soundstage/internal/analysis"
	"github.com/MrWong99/soundstage/internal/config"
	"github.com/MrWong99/soundstage/internal/decision"
)

var now = time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

func newEngine() *decision.Engine {
	p := decision.PolicyFromConfig(config.DecisionConfig{
		ThresholdFactor:  0.7,
		KeywordIntensity: 0.75,
		Events:           config.DefaultEventMappings(),
		Emotions:         config.DefaultEmotionMappings(),
		Keywords: []config.Mapping{
			{Key: "GG", Effect: "applause"},
			{Key: "noob", Effect: "boo"},
		},
	})
	return decision.NewEngine(p, map[string]time.Duration{"applause": 4 * time.Second, "cheer": 2 * time.Second})
}

func running(sensitivity float64) decision.State {
	return decision.State{Sensitivity: sensitivity, AutoTrigger: true, Now: now}
}

func TestDecide_Scenarios(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		sig       analysis.Signal
		state     decision.State
		wantID    string
		wantInt   float64
		wantRule  decision.Rule
		wantNoDec bool
	}{
		{
			name:     "victory event",
			sig:      analysis.Signal{Events: []string{"victory"}, Emotion: analysis.EmotionNone},
			state:    running(0.5),
			wantID:   "applause",
			wantInt:  1.0,
			wantRule: decision.RuleEvent,
		},
		{
			name:     "happy above threshold",
			sig:      analysis.Signal{Emotion: analysis.EmotionHappy, Confidence: 0.9},
			state:    running(0.5),
			wantID:   "cheer",
			wantInt:  0.9,
			wantRule: decision.RuleEmotion,
		},
		{
			name:      "happy below threshold",
			sig:       analysis.Signal{Emotion: analysis.EmotionHappy, Confidence: 0.3},
			state:     running(0.5),
			wantNoDec: true,
		},
		{
			name:      "confidence equal to threshold does not fire",
			sig:       analysis.Signal{Emotion: analysis.EmotionHappy, Confidence: 0.35},
			state:     running(0.5),
			wantNoDec: true,
		},
		{
			name:     "event outranks emotion and keyword",
			sig:      analysis.Signal{Events: []string{"defeat"}, Emotion: analysis.EmotionHappy, Confidence: 1, Keywords: []string{"gg"}},
			state:    running(0.5),
			wantID:   "boo",
			wantInt:  1.0,
			wantRule: decision.RuleEvent,
		},
		{
			name:     "event table order wins",
			sig:      analysis.Signal{Events: []string{"level_up", "victory"}},
			state:    running(0.5),
			wantID:   "applause",
			wantInt:  1.0,
			wantRule: decision.RuleEvent,
		},
		{
			name:     "untriggerable emotion falls through to keyword",
			sig:      analysis.Signal{Emotion: analysis.EmotionAngry, Confidence: 0.99, Keywords: []string{"noob", "gg"}},
			state:    running(0.5),
			wantID:   "boo",
			wantInt:  0.75,
			wantRule: decision.RuleKeyword,
		},
		{
			name:     "keyword lookup ignores case",
			sig:      analysis.Signal{Keywords: []string{"gg"}},
			state:    running(0.5),
			wantID:   "applause",
			wantInt:  0.75,
			wantRule: decision.RuleKeyword,
		},
		{
			name:      "unmapped keyword",
			sig:       analysis.Signal{Keywords: []string{"clutch"}},
			state:     running(0.5),
			wantNoDec: true,
		},
		{
			name:      "auto trigger disabled",
			sig:       analysis.Signal{Events: []string{"victory"}},
			state:     decision.State{Sensitivity: 0.5, Now: now},
			wantNoDec: true,
		},
		{
			name:      "cooldown active",
			sig:       analysis.Signal{Events: []string{"victory"}},
			state:     decision.State{Sensitivity: 0.5, AutoTrigger: true, Now: now, CooldownUntil: now.Add(time.Second)},
			wantNoDec: true,
		},
		{
			name:     "cooldown just elapsed",
			sig:      analysis.Signal{Events: []string{"victory"}},
			state:    decision.State{Sensitivity: 0.5, AutoTrigger: true, Now: now, CooldownUntil: now},
			wantID:   "applause",
			wantInt:  1.0,
			wantRule: decision.RuleEvent,
		},
	}

	e := newEngine()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := e.Decide(tt.sig, tt.state)
			if tt.wantNoDec {
				if d != nil {
					t.Fatalf("Decide = %+v, want nil", d)
				}
				return
			}
			if d == nil {
				t.Fatal("Decide = nil, want a decision")
			}
			if d.EffectID != tt.wantID || d.Intensity != tt.wantInt || d.Rule != tt.wantRule {
				t.Errorf("Decide = %s/%v/%s, want %s/%v/%s", d.EffectID, d.Intensity, d.Rule, tt.wantID, tt.wantInt, tt.wantRule)
			}
		})
	}
}

func TestDecide_Deterministic(t *testing.T) {
	t.Parallel()
	e := newEngine()
	sig := analysis.Signal{Window: 7, Emotion: analysis.EmotionExcited, Confidence: 0.6, Keywords: []string{"gg"}}
	first := e.Decide(sig, running(0.5))
	for range 100 {
		if got := e.Decide(sig, running(0.5)); *got != *first {
			t.Fatalf("Decide changed: %+v vs %+v", got, first)
		}
	}
	if first.Window != 7 {
		t.Errorf("Window = %d, want 7", first.Window)
	}
}

func TestDecide_Cooldown(t *testing.T) {
	t.Parallel()
	e := newEngine()

	tests := []struct {
		name       string
		sig        analysis.Signal
		configured time.Duration
		want       time.Duration
	}{
		{"configured wins", analysis.Signal{Events: []string{"victory"}}, 10 * time.Second, 10 * time.Second},
		{"effect duration", analysis.Signal{Events: []string{"victory"}}, 0, 4 * time.Second},
		{"unknown duration", analysis.Signal{Events: []string{"defeat"}}, 0, decision.DefaultEffectDuration},
	}
	for _, tt := range tests {
		st := running(0.5)
		st.Cooldown = tt.configured
		d := e.Decide(tt.sig, st)
		if d == nil || d.Cooldown != tt.want {
			t.Errorf("%s: cooldown = %+v, want %v", tt.name, d, tt.want)
		}
	}
}

func TestManual(t *testing.T) {
	t.Parallel()

	d := decision.Manual("gasp", 1.7)
	if d.EffectID != "gasp" || d.Rule != decision.RuleManual || d.Intensity != 1 || d.Cooldown != 0 {
		t.Errorf("Manual = %+v", d)
	}
	if d := decision.Manual("gasp", -1); d.Intensity != 0 {
		t.Errorf("Intensity = %v, want 0", d.Intensity)
	}
}

func TestThreshold(t *testing.T) {
	t.Parallel()
	if got := newEngine().Threshold(0.5); got != 0.35 {
		t.Errorf("Threshold(0.5) = %v, want 0.35", got)
	}
}
