package dispatch

import (
	"testing"
	"time"

	"github.com/MrWong99/soundstage/pkg/audio"
	"github.com/MrWong99/soundstage/pkg/provider/sfx"
)

func TestCacheKey(t *testing.T) {
	t.Parallel()
	base := sfx.Request{Prompt: "applause", Duration: 2 * time.Second, PromptInfluence: 0.5}
	if CacheKey(base) != CacheKey(base) {
		t.Fatal("CacheKey is not deterministic")
	}
	if !validKey(CacheKey(base)) {
		t.Errorf("CacheKey %q is not a valid key", CacheKey(base))
	}

	variants := []sfx.Request{
		{Prompt: "applause!", Duration: 2 * time.Second, PromptInfluence: 0.5},
		{Prompt: "applause", Duration: 3 * time.Second, PromptInfluence: 0.5},
		{Prompt: "applause", Duration: 2 * time.Second, PromptInfluence: 0.6},
	}
	for _, v := range variants {
		if CacheKey(v) == CacheKey(base) {
			t.Errorf("CacheKey(%+v) collides with base", v)
		}
	}
}

func TestCache_MemoryBound(t *testing.T) {
	t.Parallel()
	c, err := NewCache("")
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	c.max = 2
	clip := sfx.Clip{Samples: []int16{1, 2}, Format: audio.Format{SampleRate: 8000, Channels: 1}}
	keys := []string{
		CacheKey(sfx.Request{Prompt: "a"}),
		CacheKey(sfx.Request{Prompt: "b"}),
		CacheKey(sfx.Request{Prompt: "c"}),
	}
	for _, k := range keys {
		if err := c.Store(k, clip); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}
	if _, ok := c.Load(keys[0]); ok {
		t.Error("oldest entry should have been evicted")
	}
	if _, ok := c.Load(keys[2]); !ok {
		t.Error("newest entry missing")
	}
	if err := c.Store("../escape", clip); err == nil {
		t.Error("Store accepted an invalid key")
	}
}

func TestApplyGain(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		volume float64
		want   []int16
	}{
		{"unity", 1, []int16{1000, -1000}},
		{"half", 0.5, []int16{500, -500}},
		{"mute", 0, []int16{0, 0}},
		{"negative clamps to mute", -1, []int16{0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := applyGain([]int16{1000, -1000}, tt.volume)
			if got[0] != tt.want[0] || got[1] != tt.want[1] {
				t.Errorf("applyGain = %v, want %v", got, tt.want)
			}
		})
	}
}
