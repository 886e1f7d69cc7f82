// Package api serves the SoundStage HTTP surface: analysis control, manual
// and automatic triggering, consent and settings, the typed /ws event
// stream, clip downloads, and the mount points for ingest, MCP, metrics,
// and health probes.
package api

import (
	"net/http"
	"net/url"
	"time"

	"github.com/MrWong99/soundstage/internal/dispatch"
	"github.com/MrWong99/soundstage/internal/events"
	"github.com/MrWong99/soundstage/internal/health"
	"github.com/MrWong99/soundstage/internal/observe"
	"github.com/MrWong99/soundstage/internal/session"
	"github.com/MrWong99/soundstage/internal/store"
	"github.com/MrWong99/soundstage/pkg/audio"
)

// DefaultHistoryLimit is the trigger history page size when ?limit= is absent.
const DefaultHistoryLimit = 50

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// Config holds the collaborators of a [Server]. Sessions, Dispatcher,
// Devices, Store, and Bus are required.
type Config struct {
	Sessions   *session.Manager
	Dispatcher *dispatch.Dispatcher
	Devices    audio.Source
	Store      store.Store
	Bus        *events.Bus

	// UserID keys consent, settings, profiles, and history.
	UserID string

	Service string
	Version string

	// CORSOrigins are the browser origins allowed to call the API and to
	// open /ws.
	CORSOrigins []string

	// Optional mounts.
	Health  *health.Handler
	Ingest  http.Handler
	MCP     http.Handler
	Metrics http.Handler

	// Observe instruments requests when non-nil.
	Observe *observe.Metrics

	// OnSettings is called after settings were saved or a profile was
	// loaded, after the session and dispatcher have been updated.
	OnSettings func(store.Settings)
}

// Server routes requests to the session and its collaborators.
type Server struct {
	cfg     Config
	mux     *http.ServeMux
	origins map[string]struct{}
	wsHosts []string
	now     func() time.Time
}

// New creates a Server and registers every route.
func New(cfg Config) *Server {
	if cfg.Service == "" {
		cfg.Service = "soundstage"
	}
	s := &Server{
		cfg:     cfg,
		mux:     http.NewServeMux(),
		origins: make(map[string]struct{}, len(cfg.CORSOrigins)),
		now:     time.Now,
	}
	for _, o := range cfg.CORSOrigins {
		s.origins[o] = struct{}{}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			s.wsHosts = append(s.wsHosts, u.Host)
		}
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	m := s.mux
	m.HandleFunc("GET /{$}", s.handleRoot)
	m.HandleFunc("GET /health", s.handleHealth)
	if s.cfg.Health != nil {
		s.cfg.Health.Register(m)
	}
	if s.cfg.Metrics != nil {
		m.Handle("GET /metrics", s.cfg.Metrics)
	}

	m.HandleFunc("POST /api/analyze/start", s.handleStart)
	m.HandleFunc("POST /api/analyze/stop", s.handleStop)
	m.HandleFunc("POST /api/analyze/acknowledge", s.handleAcknowledge)
	m.HandleFunc("GET /api/analyze/status", s.handleStatus)
	m.HandleFunc("GET /api/analyze/signals", s.handleSignals)
	m.HandleFunc("GET /api/analyze/audio-devices", s.handleDevices)

	m.HandleFunc("POST /api/trigger/manual", s.handleManual)
	m.HandleFunc("POST /api/trigger/auto/enable", s.handleAuto(true))
	m.HandleFunc("POST /api/trigger/auto/disable", s.handleAuto(false))
	m.HandleFunc("GET /api/trigger/effects", s.handleEffects)
	m.HandleFunc("GET /api/trigger/history", s.handleHistory)
	m.HandleFunc("GET /api/audio/{ref...}", s.handleAudio)

	m.HandleFunc("GET /api/settings/consent", s.handleGetConsent)
	m.HandleFunc("POST /api/settings/consent", s.handleSetConsent)
	m.HandleFunc("POST /api/settings/update", s.handleUpdateSettings)
	m.HandleFunc("GET /api/settings/current", s.handleCurrentSettings)
	m.HandleFunc("POST /api/settings/profile/save", s.handleSaveProfile)
	m.HandleFunc("GET /api/settings/profile/list", s.handleListProfiles)
	m.HandleFunc("POST /api/settings/profile/load", s.handleLoadProfile)

	m.HandleFunc("GET /ws", s.handleEvents)

	if s.cfg.Ingest != nil {
		m.Handle("/api/ingest/", http.StripPrefix("/api/ingest", s.cfg.Ingest))
	}
	if s.cfg.MCP != nil {
		m.Handle("/mcp", s.cfg.MCP)
		m.Handle("/mcp/", s.cfg.MCP)
	}
}

// Handler returns the routed handler wrapped in CORS and, when configured,
// the observability middleware.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	if s.cfg.Observe != nil {
		h = observe.Middleware(s.cfg.Observe)(h)
	}
	return s.cors(h)
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": s.cfg.Service,
		"version": s.cfg.Version,
		"status":  "running",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
