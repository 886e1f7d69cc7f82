package synth

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/soundstage/pkg/provider/sfx"
)

func TestGenerate_Deterministic(t *testing.T) {
	t.Parallel()

	g := New(WithSampleRate(8000))
	req := sfx.Request{Prompt: "audience applause", Duration: time.Second, PromptInfluence: 0.5}
	a, err := g.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	b, err := g.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !slices.Equal(a.Samples, b.Samples) {
		t.Error("identical requests produced different clips")
	}
}

func TestGenerate_DurationAndFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		dur  time.Duration
		want time.Duration
	}{
		{name: "default", dur: 0, want: defaultDuration},
		{name: "explicit", dur: 1500 * time.Millisecond, want: 1500 * time.Millisecond},
		{name: "clamped low", dur: 10 * time.Millisecond, want: sfx.MinDuration},
		{name: "clamped high", dur: time.Minute, want: sfx.MaxDuration},
	}
	g := New(WithSampleRate(8000))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			clip, err := g.Generate(context.Background(), sfx.Request{Prompt: "boo", Duration: tt.dur})
			if err != nil {
				t.Fatalf("Generate: %v", err)
			}
			if clip.Format.SampleRate != 8000 || clip.Format.Channels != 1 {
				t.Errorf("format = %v, want 8000Hz mono", clip.Format)
			}
			if got := clip.Duration(); got != tt.want {
				t.Errorf("Duration = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGenerate_NotSilent(t *testing.T) {
	t.Parallel()

	g := New(WithSampleRate(8000))
	for _, prompt := range []string{"cheer", "applause", "boo", "laugh", "gasp", "wow", "something else"} {
		clip, err := g.Generate(context.Background(), sfx.Request{Prompt: prompt, Duration: time.Second, PromptInfluence: 1})
		if err != nil {
			t.Fatalf("Generate(%q): %v", prompt, err)
		}
		var peak int16
		for _, s := range clip.Samples {
			peak = max(peak, s, -s)
		}
		if peak < 1000 {
			t.Errorf("Generate(%q) peak = %d, want audible output", prompt, peak)
		}
	}
}

func TestGenerate_ContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New().Generate(ctx, sfx.Request{Prompt: "cheer", Duration: 5 * time.Second}); err == nil {
		t.Error("expected error for cancelled context")
	}
}
