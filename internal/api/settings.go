package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MrWong99/soundstage/internal/session"
	"github.com/MrWong99/soundstage/internal/store"
)

func (s *Server) handleGetConsent(w http.ResponseWriter, r *http.Request) {
	c, err := s.cfg.Store.GetConsent(r.Context(), s.cfg.UserID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleSetConsent(w http.ResponseWriter, r *http.Request) {
	var c store.Consent
	if err := decodeJSON(w, r, &c, false); err != nil {
		writeError(w, r, err)
		return
	}
	c.UpdatedAt = s.now().UTC()
	if err := s.cfg.Store.SetConsent(r.Context(), s.cfg.UserID, c); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleCurrentSettings(w http.ResponseWriter, r *http.Request) {
	set, err := store.SettingsOrDefault(r.Context(), s.cfg.Store, s.cfg.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, set.Masked())
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	prev, err := store.SettingsOrDefault(r.Context(), s.cfg.Store, s.cfg.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	next := prev
	if err := decodeJSON(w, r, &next, false); err != nil {
		writeError(w, r, err)
		return
	}
	// Clients echo the masked key back; keep the stored one.
	if strings.HasPrefix(next.ElevenLabsAPIKey, "****") {
		next.ElevenLabsAPIKey = prev.ElevenLabsAPIKey
	}
	if err := next.Validate(); err != nil {
		writeError(w, r, badRequest("%v", err))
		return
	}
	if err := s.cfg.Store.SaveSettings(r.Context(), s.cfg.UserID, next); err != nil {
		writeError(w, r, err)
		return
	}
	s.apply(next)
	writeJSON(w, http.StatusOK, next.Masked())
}

func (s *Server) handleSaveProfile(w http.ResponseWriter, r *http.Request) {
	name, err := profileName(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	set, err := store.SettingsOrDefault(r.Context(), s.cfg.Store, s.cfg.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.cfg.Store.SaveProfile(r.Context(), s.cfg.UserID, name, set); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"profile": name})
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	names, err := s.cfg.Store.ListProfiles(r.Context(), s.cfg.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": names})
}

func (s *Server) handleLoadProfile(w http.ResponseWriter, r *http.Request) {
	name, err := profileName(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	set, err := s.cfg.Store.LoadProfile(r.Context(), s.cfg.UserID, name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.cfg.Store.SaveSettings(r.Context(), s.cfg.UserID, set); err != nil {
		writeError(w, r, err)
		return
	}
	s.apply(set)
	writeJSON(w, http.StatusOK, set.Masked())
}

func profileName(r *http.Request) (string, error) {
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		return "", badRequest("query parameter name is required")
	}
	return name, nil
}

// apply pushes persisted settings into the live session and dispatcher.
func (s *Server) apply(set store.Settings) {
	s.cfg.Sessions.UpdateSettings(func(st *session.Settings) {
		st.Sensitivity = set.TriggerSensitivity
		st.AutoTrigger = set.AutoTriggerEnabled
	})
	s.cfg.Dispatcher.SetVolume(set.EffectVolume)
	if s.cfg.OnSettings != nil {
		s.cfg.OnSettings(set)
	}
}
