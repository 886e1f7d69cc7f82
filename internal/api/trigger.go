package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/soundstage/internal/dispatch"
	"github.com/MrWong99/soundstage/internal/store"
)

// manualRequest is the body of POST /api/trigger/manual.
type manualRequest struct {
	EffectType string   `json:"effect_type"`
	Intensity  *float64 `json:"intensity"`

	// Duration is in seconds.
	Duration   float64 `json:"duration"`
	TextPrompt string  `json:"text_prompt"`
}

func (s *Server) handleManual(w http.ResponseWriter, r *http.Request) {
	var body manualRequest
	if err := decodeJSON(w, r, &body, false); err != nil {
		writeError(w, r, err)
		return
	}
	if body.EffectType == "" {
		writeError(w, r, badRequest("effect_type is required"))
		return
	}
	intensity := 0.5
	if body.Intensity != nil {
		intensity = *body.Intensity
	}
	if intensity < 0 || intensity > 1 {
		writeError(w, r, badRequest("intensity must be in [0, 1]"))
		return
	}
	if body.Duration < 0 {
		writeError(w, r, badRequest("duration must not be negative"))
		return
	}
	rec, err := s.cfg.Sessions.Trigger(r.Context(), dispatch.ManualRequest{
		EffectID:  body.EffectType,
		Intensity: intensity,
		Duration:  time.Duration(body.Duration * float64(time.Second)),
		Prompt:    body.TextPrompt,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleAuto toggles automatic triggering and persists the choice.
func (s *Server) handleAuto(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		set, err := store.SettingsOrDefault(r.Context(), s.cfg.Store, s.cfg.UserID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		set.AutoTriggerEnabled = enabled
		if err := s.cfg.Store.SaveSettings(r.Context(), s.cfg.UserID, set); err != nil {
			writeError(w, r, err)
			return
		}
		s.cfg.Sessions.SetAutoTrigger(enabled)
		writeJSON(w, http.StatusOK, map[string]bool{"auto_trigger_enabled": enabled})
	}
}

func (s *Server) handleEffects(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"effects": s.cfg.Dispatcher.Catalog().List()})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := DefaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, r, badRequest("limit must be a positive integer"))
			return
		}
		limit = n
	}
	recs, err := s.cfg.Store.TriggerHistory(r.Context(), s.cfg.UserID, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []dispatch.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": recs})
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	data, err := s.cfg.Dispatcher.Audio(r.PathValue("ref"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	_, _ = w.Write(data)
}
