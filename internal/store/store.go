// Package store defines the persistence contract of SoundStage: privacy
// consent, user settings, named settings profiles, and the trigger history.
//
// Every record is keyed by a user ID. Implementations live in the memory,
// sqlite, and postgres subpackages; the storetest package holds the shared
// conformance suite they all pass.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/soundstage/internal/dispatch"
)

// ErrNotFound is returned (wrapped) when the requested consent, settings, or
// profile does not exist.
var ErrNotFound = errors.New("store: not found")

// Consent is the privacy consent of one user.
type Consent struct {
	AudioCapture    bool      `json:"audio_capture_consent"`
	CloudProcessing bool      `json:"cloud_processing_consent"`
	Analytics       bool      `json:"analytics_consent"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Settings are the user-adjustable runtime settings.
type Settings struct {
	AudioInputDevice   string  `json:"audio_input_device"`
	AudioOutputDevice  string  `json:"audio_output_device"`
	AutoTriggerEnabled bool    `json:"auto_trigger_enabled"`
	TriggerSensitivity float64 `json:"trigger_sensitivity"`
	ElevenLabsAPIKey   string  `json:"elevenlabs_api_key"`
	EffectVolume       float64 `json:"effect_volume"`
	HotkeysEnabled     bool    `json:"hotkeys_enabled"`
}

// DefaultSettings returns the settings of a user who never saved any.
func DefaultSettings() Settings {
	return Settings{
		TriggerSensitivity: 0.5,
		EffectVolume:       0.8,
		HotkeysEnabled:     true,
	}
}

// Masked returns a copy with the API key replaced by a fixed mask, keeping
// the last four characters.
func (s Settings) Masked() Settings {
	if s.ElevenLabsAPIKey == "" {
		return s
	}
	k := s.ElevenLabsAPIKey
	if len(k) <= 4 {
		s.ElevenLabsAPIKey = "****"
	} else {
		s.ElevenLabsAPIKey = "****" + k[len(k)-4:]
	}
	return s
}

// Validate reports whether numeric settings are in range.
func (s Settings) Validate() error {
	var errs []error
	if s.TriggerSensitivity < 0 || s.TriggerSensitivity > 1 {
		errs = append(errs, errors.New("store: trigger_sensitivity must be in [0, 1]"))
	}
	if s.EffectVolume < 0 || s.EffectVolume > 1 {
		errs = append(errs, errors.New("store: effect_volume must be in [0, 1]"))
	}
	return errors.Join(errs...)
}

// Store persists consent, settings, profiles, and trigger history.
// Implementations must be safe for concurrent use.
type Store interface {
	// GetConsent returns the user's consent, or an error wrapping
	// [ErrNotFound] when none was recorded.
	GetConsent(ctx context.Context, userID string) (Consent, error)

	// SetConsent records the user's consent, replacing any previous record.
	SetConsent(ctx context.Context, userID string, c Consent) error

	// GetSettings returns the user's settings, or an error wrapping
	// [ErrNotFound] when none were saved.
	GetSettings(ctx context.Context, userID string) (Settings, error)

	// SaveSettings replaces the user's settings.
	SaveSettings(ctx context.Context, userID string, s Settings) error

	// SaveProfile stores s under name, replacing an existing profile.
	SaveProfile(ctx context.Context, userID, name string, s Settings) error

	// LoadProfile returns the profile stored under name, or an error wrapping
	// [ErrNotFound].
	LoadProfile(ctx context.Context, userID, name string) (Settings, error)

	// ListProfiles returns the user's profile names in ascending order.
	ListProfiles(ctx context.Context, userID string) ([]string, error)

	// AppendTrigger appends rec to the user's trigger history.
	AppendTrigger(ctx context.Context, userID string, rec dispatch.Record) error

	// TriggerHistory returns at most limit records, newest first. A limit of
	// zero or less returns every record.
	TriggerHistory(ctx context.Context, userID string, limit int) ([]dispatch.Record, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend.
	Close() error
}

// SettingsOrDefault returns the user's saved settings, or [DefaultSettings]
// when none exist.
func SettingsOrDefault(ctx context.Context, s Store, userID string) (Settings, error) {
	set, err := s.GetSettings(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return DefaultSettings(), nil
	}
	return set, err
}

// HasCaptureConsent reports whether the user granted audio capture consent.
// A missing consent record counts as not granted.
func HasCaptureConsent(ctx context.Context, s Store, userID string) (bool, error) {
	c, err := s.GetConsent(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return c.AudioCapture, nil
}
