package api

import (
	"net/http"

	"github.com/MrWong99/soundstage/internal/session"
	"github.com/MrWong99/soundstage/internal/store"
	"github.com/MrWong99/soundstage/pkg/audio"
)

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req session.StartRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		writeError(w, r, err)
		return
	}
	if req.DeviceID == "" {
		set, err := store.SettingsOrDefault(r.Context(), s.cfg.Store, s.cfg.UserID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		req.DeviceID = set.AudioInputDevice
	}
	if err := s.cfg.Sessions.Start(r.Context(), req); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Sessions.Status())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Sessions.Stop(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Sessions.Status())
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, _ *http.Request) {
	s.cfg.Sessions.Acknowledge()
	writeJSON(w, http.StatusOK, s.cfg.Sessions.Status())
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Sessions.Status())
}

func (s *Server) handleSignals(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"signals": s.cfg.Sessions.Signals()})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devs, err := s.cfg.Devices.Devices(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if devs == nil {
		devs = []audio.Device{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devs})
}
