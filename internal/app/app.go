// Package app wires all SoundStage subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP API until the context ends, and Shutdown
// tears everything down in order.
//
// For testing, inject test doubles via functional options (WithStore,
// WithSource, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/soundstage/internal/analysis"
	"github.com/MrWong99/soundstage/internal/api"
	"github.com/MrWong99/soundstage/internal/config"
	"github.com/MrWong99/soundstage/internal/decision"
	"github.com/MrWong99/soundstage/internal/dispatch"
	"github.com/MrWong99/soundstage/internal/effects"
	"github.com/MrWong99/soundstage/internal/events"
	"github.com/MrWong99/soundstage/internal/health"
	"github.com/MrWong99/soundstage/internal/mcpserver"
	"github.com/MrWong99/soundstage/internal/observe"
	"github.com/MrWong99/soundstage/internal/resilience"
	"github.com/MrWong99/soundstage/internal/session"
	"github.com/MrWong99/soundstage/internal/store"
	"github.com/MrWong99/soundstage/pkg/audio"
	discordaudio "github.com/MrWong99/soundstage/pkg/audio/discord"
	"github.com/MrWong99/soundstage/pkg/audio/ingest"
	"github.com/MrWong99/soundstage/pkg/audio/mixer"
	"github.com/MrWong99/soundstage/pkg/audio/wavfile"
	"github.com/MrWong99/soundstage/pkg/provider/llm"
	"github.com/MrWong99/soundstage/pkg/provider/sfx"
	"github.com/MrWong99/soundstage/pkg/provider/sfx/synth"
	"github.com/MrWong99/soundstage/pkg/provider/stt"
)

// Version is reported by /health, /api/status, and the MCP server.
const Version = "0.4.0"

// shutdownTimeout bounds the HTTP server drain when Run's context ends.
const shutdownTimeout = 10 * time.Second

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	// Transcriber feeds keyword and event detection.
	Transcriber stt.Provider

	// EmotionLLM backs the "llm" emotion detector.
	EmotionLLM llm.Provider

	// Generator is the cloud sound-effect generator.
	Generator sfx.Generator
}

// GeneratorFactory builds a cloud generator for an API key entered through
// the settings API.
type GeneratorFactory func(apiKey string) (sfx.Generator, error)

// App owns all subsystem lifetimes and runs the SoundStage server.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New and torn down in Shutdown.
	store      store.Store
	catalog    *effects.Catalog
	bus        *events.Bus
	metrics    *observe.Metrics
	cloud      *cloudGenerator
	dispatcher *dispatch.Dispatcher
	router     *audio.Router
	sessions   *session.Manager
	server     *http.Server

	userID    string
	localOnly bool

	voice         *discordaudio.Voice
	level         *slog.LevelVar
	genFactory    GeneratorFactory
	metricsHandle http.Handler
	extraSources  map[string]audio.Source

	// reloadMu serialises configuration reloads.
	reloadMu sync.Mutex

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a store instead of opening one from config.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithSource registers an additional capture source under prefix.
func WithSource(prefix string, src audio.Source) Option {
	return func(a *App) {
		if a.extraSources == nil {
			a.extraSources = make(map[string]audio.Source)
		}
		a.extraSources[prefix] = src
	}
}

// WithDiscordVoice makes the joined Discord voice channel available as a
// capture source and as the "discord" player.
func WithDiscordVoice(v *discordaudio.Voice) Option {
	return func(a *App) { a.voice = v }
}

// WithLevelVar lets hot reloads change the log level.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithMetrics injects the metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandle = h }
}

// WithGeneratorFactory lets the settings API replace the cloud generator
// when the user enters a new API key.
func WithGeneratorFactory(f GeneratorFactory) Option {
	return func(a *App) { a.genFactory = f }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option functions
// to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		userID:    cfg.Server.UserID,
		localOnly: config.BoolValue(cfg.Privacy.LocalProcessingOnly, true),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.bus = events.NewBus(events.WithSubscriberHook(func(delta int64) {
		a.metrics.EventSubscribers.Add(context.Background(), delta)
	}))

	// ── 1. Store ─────────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Effect catalogue ──────────────────────────────────────────────
	catalog, err := effects.NewCatalog(cfg.Effects)
	if err != nil {
		return nil, fmt.Errorf("app: init effects: %w", err)
	}
	a.catalog = catalog

	// ── 3. Dispatcher ────────────────────────────────────────────────────
	if err := a.initDispatcher(); err != nil {
		return nil, fmt.Errorf("app: init dispatcher: %w", err)
	}

	// ── 4. Capture sources ───────────────────────────────────────────────
	ingestHub := a.initSources()

	// ── 5. Session manager ───────────────────────────────────────────────
	a.initSession()

	// ── 6. Persisted settings ────────────────────────────────────────────
	if err := a.restoreSettings(ctx); err != nil {
		return nil, fmt.Errorf("app: restore settings: %w", err)
	}

	// ── 7. HTTP surface ──────────────────────────────────────────────────
	a.initServer(ingestHub)

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initDispatcher builds the generator chain and the player, then the
// dispatcher on top of them.
func (a *App) initDispatcher() error {
	cfg := a.cfg
	a.cloud = &cloudGenerator{}
	if a.providers.Generator != nil {
		a.cloud.set(a.providers.Generator)
	}

	var gen sfx.Generator = &dispatch.Gated{
		Generator: a.cloud,
		Allow:     a.cloudAllowed,
		Reason:    "cloud processing not permitted",
	}
	if config.BoolValue(cfg.Generation.LocalSynth, true) {
		name := cfg.Generation.Provider.Name
		if name == "" {
			name = "cloud"
		}
		fb := resilience.NewSFXFallback(gen, name, resilience.FallbackConfig{})
		fb.AddFallback("synth", synth.New())
		gen = fb
	}

	player, err := a.buildPlayer()
	if err != nil {
		return err
	}

	dopts := []dispatch.Option{
		dispatch.WithJournal(a.store, cfg.Server.UserID),
		dispatch.WithBus(a.bus),
		dispatch.WithMetrics(a.metrics),
		dispatch.WithTimeout(cfg.Generation.Timeout),
	}
	if cfg.Generation.CacheDir != "" {
		cache, err := dispatch.NewCache(cfg.Generation.CacheDir)
		if err != nil {
			return err
		}
		dopts = append(dopts, dispatch.WithCache(cache))
	}
	a.dispatcher = dispatch.New(a.catalog, gen, player, dopts...)
	return nil
}

// buildPlayer returns the configured effect player.
func (a *App) buildPlayer() (dispatch.Player, error) {
	switch a.cfg.Playback.Player {
	case config.PlayerDiscord:
		if a.voice == nil {
			return nil, errors.New("playback.player \"discord\" requires the Discord bot")
		}
		mix := mixer.New(a.voice.Output, mixer.WithGap(a.cfg.Playback.Gap))
		a.closers = append(a.closers, mix.Close)
		return dispatch.NewMixerPlayer(mix, dispatch.WithClipEnd(a.voice.Flush)), nil
	case config.PlayerNone:
		return dispatch.NullPlayer{}, nil
	default:
		return dispatch.NewBrowserPlayer(a.bus), nil
	}
}

// initSources registers every configured capture source with the router and
// returns the ingest hub when enabled.
func (a *App) initSources() *ingest.Hub {
	cfg := a.cfg.Audio
	a.router = audio.NewRouter()

	if cfg.FilesDir != "" {
		a.router.Register(wavfile.Prefix, wavfile.New(cfg.FilesDir,
			wavfile.WithRealtime(config.BoolValue(cfg.Realtime, true))))
	}
	var hub *ingest.Hub
	if cfg.Ingest.Enabled {
		hub = ingest.NewHub(
			ingest.WithOriginPatterns(originPatterns(a.cfg.Server.CORSOrigins)...),
			ingest.WithBufferBlocks(cfg.Ingest.BufferBlocks),
		)
		a.router.Register(ingest.Prefix, hub)
	}
	if a.voice != nil {
		a.router.Register(discordaudio.Prefix, a.voice)
	}
	for prefix, src := range a.extraSources {
		a.router.Register(prefix, src)
	}
	slog.Info("capture sources registered", "prefixes", a.router.Prefixes())
	return hub
}

// initSession creates the session manager.
func (a *App) initSession() {
	cfg := a.cfg
	var consent func(context.Context) (bool, error)
	if config.BoolValue(cfg.Privacy.ConsentRequired, true) {
		consent = func(ctx context.Context) (bool, error) {
			return store.HasCaptureConsent(ctx, a.store, cfg.Server.UserID)
		}
	}

	a.sessions = session.New(session.Config{
		Source: a.router,
		Stream: audio.StreamConfig{
			Format:    audio.Format{SampleRate: cfg.Audio.SampleRate, Channels: cfg.Audio.Channels},
			BlockSize: cfg.Audio.BlockSize,
		},
		WindowBlocks:    cfg.Audio.WindowBlocks,
		QueueFrames:     cfg.Audio.QueueFrames,
		Classifier:      a.classifier(),
		Engine:          decision.NewEngine(decision.PolicyFromConfig(cfg.Decision), a.catalog.Durations()),
		Dispatcher:      a.dispatcher,
		Consent:         consent,
		DefaultKeywords: cfg.Analysis.Keywords,
		Settings: session.Settings{
			Sensitivity: cfg.Decision.Sensitivity,
			AutoTrigger: cfg.Decision.AutoTrigger,
			Cooldown:    cfg.Decision.Cooldown,
		},
		HistorySize: cfg.Analysis.HistorySize,
		Bus:         a.bus,
		Metrics:     a.metrics,
	})
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if a.sessions.State() == session.StateIdle {
			return nil
		}
		return a.sessions.Stop(ctx)
	})
}

// classifier builds the analysis factory selected by the config.
func (a *App) classifier() analysis.Factory {
	cfg := a.cfg.Analysis
	if cfg.Classifier == config.ClassifierNull {
		return analysis.NullFactory()
	}

	localOnly := a.localOnly
	heuristic := analysis.NewHeuristic(cfg.SilenceRMS)

	opts := []analysis.CompositeOption{
		analysis.WithSilenceRMS(cfg.SilenceRMS),
		analysis.WithEvents(analysis.NewPhraseEvents(config.EventTags, cfg.EventPhrases)),
	}

	switch t := a.providers.Transcriber; {
	case t == nil:
		slog.Warn("no transcriber configured, keyword and event detection disabled")
	case localOnly && !isLocalProvider("stt", cfg.Transcriber.Name):
		slog.Warn("transcriber disabled by privacy.local_processing_only", "name", cfg.Transcriber.Name)
	default:
		opts = append(opts, analysis.WithTranscriber(t))
	}

	var detector analysis.EmotionDetector = heuristic
	if cfg.Emotion.Detector == config.EmotionLLM {
		switch p := a.providers.EmotionLLM; {
		case p == nil:
			slog.Warn("emotion detector \"llm\" has no provider, using heuristic")
		case localOnly && !isLocalProvider("llm", cfg.Emotion.LLM.Name):
			slog.Warn("llm emotion detector disabled by privacy.local_processing_only", "name", cfg.Emotion.LLM.Name)
		default:
			detector = analysis.NewLLMEmotion(p, analysis.WithAcousticFallback(heuristic))
		}
	}
	opts = append(opts, analysis.WithEmotionDetector(detector))

	return analysis.CompositeFactory(opts...)
}

// restoreSettings applies the user's saved settings over the config
// defaults.
func (a *App) restoreSettings(ctx context.Context) error {
	set, err := a.store.GetSettings(ctx, a.userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	a.applySettings(set)
	a.sessions.UpdateSettings(func(s *session.Settings) {
		s.Sensitivity = set.TriggerSensitivity
		s.AutoTrigger = set.AutoTriggerEnabled
	})
	a.dispatcher.SetVolume(set.EffectVolume)
	slog.Info("restored saved settings", "user", a.userID)
	return nil
}

// applySettings reacts to settings saved through the API.
func (a *App) applySettings(set store.Settings) {
	if set.ElevenLabsAPIKey == "" || a.genFactory == nil || set.ElevenLabsAPIKey == a.cloud.key() {
		return
	}
	g, err := a.genFactory(set.ElevenLabsAPIKey)
	if err != nil {
		slog.Warn("failed to create generator from saved API key", "err", err)
		return
	}
	a.cloud.setWithKey(g, set.ElevenLabsAPIKey)
	slog.Info("cloud generator updated from settings")
}

// initServer builds the HTTP server.
func (a *App) initServer(hub *ingest.Hub) {
	cfg := a.cfg
	apiCfg := api.Config{
		Sessions:    a.sessions,
		Dispatcher:  a.dispatcher,
		Devices:     a.router,
		Store:       a.store,
		Bus:         a.bus,
		UserID:      cfg.Server.UserID,
		Service:     "soundstage",
		Version:     Version,
		CORSOrigins: cfg.Server.CORSOrigins,
		Health:      health.New(health.PingChecker("store", a.store)),
		Metrics:     a.metricsHandle,
		Observe:     a.metrics,
		OnSettings:  a.applySettings,
	}
	if hub != nil {
		apiCfg.Ingest = hub.Handler()
	}
	if cfg.MCP.Enabled {
		apiCfg.MCP = mcpserver.New(a.sessions, a.catalog, Version).Handler()
	}

	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           api.New(apiCfg).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Sessions returns the session manager.
func (a *App) Sessions() *session.Manager { return a.sessions }

// Catalog returns the effect catalogue.
func (a *App) Catalog() *effects.Catalog { return a.catalog }

// Handler returns the routed HTTP handler.
func (a *App) Handler() http.Handler { return a.server.Handler }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP API and blocks until ctx is cancelled or the listener
// fails. When ctx is done, Run drains the server and returns ctx.Err().
func (a *App) Run(ctx context.Context) error {
	a.reloadMu.Lock()
	tls := a.cfg.Server.TLS
	a.reloadMu.Unlock()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if tls != nil {
			slog.Info("listening (TLS)", "addr", a.server.Addr)
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			slog.Info("listening", "addr", a.server.Addr)
			err = a.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// localProviders lists provider names that run on the operator's machine.
var localProviders = map[string][]string{
	"stt": {"whisper"},
	"llm": {"ollama", "llamacpp", "llamafile"},
}

// isLocalProvider reports whether the named provider keeps audio and text on
// the local machine.
func isLocalProvider(kind, name string) bool {
	return slices.Contains(localProviders[kind], name)
}

// originPatterns converts CORS origins into host patterns for the WebSocket
// origin check.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if _, host, ok := strings.Cut(o, "://"); ok {
			o = host
		}
		out = append(out, o)
	}
	return out
}
