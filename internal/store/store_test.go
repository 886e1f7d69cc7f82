package store

import "testing"

func TestSettings_Masked(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		key  string
		want string
	}{
		{"empty", "", ""},
		{"short", "abc", "****"},
		{"long", "sk_live_123456", "****3456"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := Settings{ElevenLabsAPIKey: tt.key}
			if got := s.Masked().ElevenLabsAPIKey; got != tt.want {
				t.Errorf("Masked() = %q, want %q", got, tt.want)
			}
			if s.ElevenLabsAPIKey != tt.key {
				t.Error("Masked must not modify the receiver")
			}
		})
	}
}

func TestSettings_Validate(t *testing.T) {
	t.Parallel()
	if err := DefaultSettings().Validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
	bad := DefaultSettings()
	bad.TriggerSensitivity = 1.5
	bad.EffectVolume = -0.1
	if err := bad.Validate(); err == nil {
		t.Error("expected validation error")
	}
}
