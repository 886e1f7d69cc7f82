package dispatch

import (
	"time"

	"github.com/MrWong99/soundstage/internal/decision"
)

// Source tells whether a trigger came from the decision engine or an
// operator.
type Source string

const (
	SourceAuto   Source = "auto"
	SourceManual Source = "manual"
)

// Status is the outcome of one trigger attempt.
type Status string

const (
	// StatusPlayed means the clip was resolved and handed to the player.
	StatusPlayed Status = "played"

	// StatusGenerationFailed means a generator was tried and failed or timed
	// out.
	StatusGenerationFailed Status = "generation_failed"

	// StatusUnavailable means no asset, cached clip, or usable generator
	// exists for the effect.
	StatusUnavailable Status = "unavailable"

	// StatusPlaybackFailed means the clip was resolved but the player
	// rejected it.
	StatusPlaybackFailed Status = "playback_failed"
)

// Record is the audit entry of one trigger attempt. Records are append-only.
type Record struct {
	ID        string        `json:"id"`
	EffectID  string        `json:"effect_id"`
	Timestamp time.Time     `json:"timestamp"`
	Source    Source        `json:"source"`
	Rule      decision.Rule `json:"rule"`

	// Key is the event, emotion, or keyword that matched. Empty for manual
	// triggers.
	Key string `json:"key,omitempty"`

	Intensity float64 `json:"intensity"`
	Status    Status  `json:"status"`

	// AudioRef is the path of the resolved clip below /api/audio/.
	AudioRef string `json:"audio_ref,omitempty"`

	Error string `json:"error,omitempty"`
}

// OK reports whether the clip was played.
func (r Record) OK() bool {
	return r.Status == StatusPlayed
}
