package main

import (
	"testing"

	"github.com/MrWong99/soundstage/internal/config"
)

func TestOptString(t *testing.T) {
	t.Parallel()

	opts := map[string]any{"language": "de", "beam": 5}
	if got := optString(opts, "language"); got != "de" {
		t.Errorf("optString(language) = %q, want de", got)
	}
	if got := optString(opts, "beam"); got != "" {
		t.Errorf("optString(beam) = %q, want empty for non-string", got)
	}
	if got := optString(nil, "language"); got != "" {
		t.Errorf("optString(nil) = %q, want empty", got)
	}
}

func TestBuildProviders(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	cfg := &config.Config{}
	cfg.Analysis.Transcriber = config.ProviderEntry{Name: "whisper", BaseURL: "http://localhost:8080"}
	cfg.Analysis.Emotion = config.EmotionConfig{
		Detector: config.EmotionHeuristic,
		LLM:      config.ProviderEntry{Name: "ollama"},
	}
	cfg.Generation.Provider = config.ProviderEntry{Name: "elevenlabs"}

	ps, err := buildProviders(cfg, reg)
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	if ps.Transcriber == nil {
		t.Error("expected whisper transcriber")
	}
	if ps.EmotionLLM != nil {
		t.Error("LLM must not be built for the heuristic detector")
	}
	if ps.Generator != nil {
		t.Error("generator must not be built without an API key")
	}
}

func TestBuildProviders_UnknownNameSkipped(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.Analysis.Transcriber = config.ProviderEntry{Name: "deepgram"}

	ps, err := buildProviders(cfg, config.NewRegistry())
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	if ps.Transcriber != nil {
		t.Error("unregistered provider must be skipped")
	}
}
