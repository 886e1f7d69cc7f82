// Package session orchestrates one live analysis session: capture, windowing,
// classification, decision, and dispatch.
//
// A [Manager] owns at most one running pipeline. Its lifecycle is
//
//	idle → starting → running → stopping → idle
//
// with error reachable from starting and running when the capture device is
// lost. Status snapshots are published lock-free after every mutation.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/soundstage/internal/analysis"
	"github.com/MrWong99/soundstage/internal/decision"
	"github.com/MrWong99/soundstage/internal/dispatch"
	"github.com/MrWong99/soundstage/internal/events"
	"github.com/MrWong99/soundstage/internal/observe"
	"github.com/MrWong99/soundstage/pkg/audio"
)

// Sentinel errors returned by [Manager] methods.
var (
	// ErrConsentRequired is returned by Start when audio capture consent has
	// not been granted.
	ErrConsentRequired = errors.New("session: audio capture consent required")

	// ErrAlreadyRunning is returned by Start while a session is starting,
	// running, or stopping.
	ErrAlreadyRunning = errors.New("session: analysis already running")

	// ErrNotRunning is returned by operations that need a running session.
	ErrNotRunning = errors.New("session: analysis not running")
)

// State is the lifecycle state of the [Manager].
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateError    State = "error"
)

// active reports whether a pipeline exists in state s.
func (s State) active() bool {
	return s == StateStarting || s == StateRunning || s == StateStopping
}

// Default sizes.
const (
	DefaultRecentTriggers = 10
	DefaultHistorySize    = 32

	// resultBuffer bounds dispatch records waiting for the consumer.
	resultBuffer = 8
)

// StartRequest selects the device and detectors of a new session.
type StartRequest struct {
	DeviceID string   `json:"audio_source"`
	Keywords []string `json:"keywords"`

	EnableEmotion  bool `json:"enable_emotion"`
	EnableKeywords bool `json:"enable_keywords"`
	EnableEvents   bool `json:"enable_events"`
}

// Settings are the knobs that may change between windows without restart.
type Settings struct {
	Sensitivity float64       `json:"sensitivity"`
	AutoTrigger bool          `json:"auto_trigger"`
	Cooldown    time.Duration `json:"cooldown"`
}

// Status is a point-in-time snapshot of the session. Snapshots are immutable.
type Status struct {
	State     State     `json:"state"`
	Device    string    `json:"device,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`

	Sensitivity   float64   `json:"sensitivity"`
	AutoTrigger   bool      `json:"auto_trigger"`
	CooldownUntil time.Time `json:"cooldown_until,omitzero"`

	Keywords       []string `json:"keywords,omitempty"`
	EnableEmotion  bool     `json:"enable_emotion"`
	EnableKeywords bool     `json:"enable_keywords"`
	EnableEvents   bool     `json:"enable_events"`

	WindowsAnalyzed uint64 `json:"windows_analyzed"`
	DegradedWindows uint64 `json:"degraded_windows"`
	DroppedFrames   uint64 `json:"dropped_frames"`
	AnalysisErrors  uint64 `json:"analysis_errors"`

	LastSignal     *analysis.Signal  `json:"last_signal,omitempty"`
	RecentTriggers []dispatch.Record `json:"recent_triggers"`
	LastError      string            `json:"last_error,omitempty"`
}

// Dispatcher turns decisions into played effects.
type Dispatcher interface {
	Dispatch(ctx context.Context, d decision.Decision) dispatch.Record
	DispatchManual(ctx context.Context, req dispatch.ManualRequest) (dispatch.Record, error)
}

// Config holds the collaborators of a [Manager].
type Config struct {
	Source audio.Source
	Stream audio.StreamConfig

	// WindowBlocks is the number of frames per analysis window.
	WindowBlocks int

	// QueueFrames bounds the frame queue between capture and analysis.
	QueueFrames int

	Classifier analysis.Factory
	Engine     *decision.Engine
	Dispatcher Dispatcher

	// Consent reports whether audio capture is permitted. Nil means consent
	// is not required.
	Consent func(ctx context.Context) (bool, error)

	// DefaultKeywords is used when a StartRequest carries no keywords.
	DefaultKeywords []string

	Settings Settings

	// HistorySize bounds the retained signal history.
	HistorySize int

	// RecentTriggers bounds the trigger records kept in [Status].
	RecentTriggers int

	Bus     *events.Bus
	Metrics *observe.Metrics

	// Now overrides the clock used for cooldowns.
	Now func() time.Time
}

// Manager runs analysis sessions. All methods are safe for concurrent use.
type Manager struct {
	cfg Config

	mu      sync.Mutex
	state   State
	current *run
	gen     uint64

	status   atomic.Pointer[Status]
	settings atomic.Pointer[Settings]
	engine   atomic.Pointer[decision.Engine]
	history  *analysis.History
}

// New creates an idle Manager.
func New(cfg Config) *Manager {
	if cfg.Classifier == nil {
		cfg.Classifier = analysis.NullFactory()
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.RecentTriggers <= 0 {
		cfg.RecentTriggers = DefaultRecentTriggers
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	m := &Manager{
		cfg:     cfg,
		state:   StateIdle,
		history: analysis.NewHistory(cfg.HistorySize),
	}
	set := cfg.Settings
	m.settings.Store(&set)
	m.engine.Store(cfg.Engine)
	m.status.Store(&Status{
		State:          StateIdle,
		Sensitivity:    set.Sensitivity,
		AutoTrigger:    set.AutoTrigger,
		RecentTriggers: []dispatch.Record{},
	})
	return m
}

// Status returns the latest snapshot without locking.
func (m *Manager) Status() Status {
	return *m.status.Load()
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	return m.status.Load().State
}

// Signals returns the retained signal history, newest first.
func (m *Manager) Signals() []analysis.Signal {
	return m.history.Snapshot()
}

// Start opens the capture device and launches the pipeline. From the error
// state an explicit Start acts as a restart.
func (m *Manager) Start(ctx context.Context, req StartRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.active() {
		return ErrAlreadyRunning
	}
	if m.cfg.Consent != nil {
		ok, err := m.cfg.Consent(ctx)
		if err != nil {
			return fmt.Errorf("session: check consent: %w", err)
		}
		if !ok {
			return ErrConsentRequired
		}
	}

	if len(req.Keywords) == 0 {
		req.Keywords = slices.Clone(m.cfg.DefaultKeywords)
	}
	set := m.settings.Load()
	m.state = StateStarting
	m.publishLocked(func(s *Status) {
		*s = Status{
			State:          StateStarting,
			Device:         req.DeviceID,
			Sensitivity:    set.Sensitivity,
			AutoTrigger:    set.AutoTrigger,
			Keywords:       req.Keywords,
			EnableEmotion:  req.EnableEmotion,
			EnableKeywords: req.EnableKeywords,
			EnableEvents:   req.EnableEvents,
			RecentTriggers: []dispatch.Record{},
		}
	})

	stream, err := m.cfg.Source.Open(ctx, req.DeviceID, m.cfg.Stream)
	if err != nil {
		m.state = StateIdle
		m.publishLocked(func(s *Status) {
			s.State = StateIdle
			s.LastError = err.Error()
		})
		slog.Warn("session: failed to open capture device", "device", req.DeviceID, "err", err)
		return fmt.Errorf("session: open device %q: %w", req.DeviceID, err)
	}

	classifier := m.cfg.Classifier(analysis.Options{
		Keywords:       req.Keywords,
		DetectEmotion:  req.EnableEmotion,
		DetectKeywords: req.EnableKeywords,
		DetectEvents:   req.EnableEvents,
	})

	m.gen++
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{
		m:          m,
		gen:        m.gen,
		ctx:        runCtx,
		cancel:     cancel,
		done:       make(chan struct{}),
		stream:     stream,
		classifier: classifier,
		queue:      newFrameQueue(m.cfg.QueueFrames),
		results:    make(chan dispatch.Record, resultBuffer),
		acc:        analysis.NewAccumulator(m.cfg.WindowBlocks),
		window:     m.windowDuration(),
	}
	m.current = r
	m.state = StateRunning
	startedAt := m.cfg.Now().UTC()
	m.publishLocked(func(s *Status) {
		s.State = StateRunning
		s.StartedAt = startedAt
	})
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ActiveSessions.Add(ctx, 1)
	}
	slog.Info("session: analysis started",
		"device", req.DeviceID,
		"keywords", len(req.Keywords),
		"emotion", req.EnableEmotion,
		"keyword_spotting", req.EnableKeywords,
		"events", req.EnableEvents,
		"window", r.window,
	)

	go r.supervise()
	return nil
}

// Stop ends the running session and waits for the pipeline to exit. The
// partial window is discarded and in-flight generation is not awaited. Stop
// on an idle manager is a no-op; on an errored manager it acknowledges the
// error.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateIdle:
		m.mu.Unlock()
		return nil
	case StateError:
		m.acknowledgeLocked()
		m.mu.Unlock()
		return nil
	}
	r := m.current
	if m.state != StateStopping {
		m.state = StateStopping
		m.publishLocked(func(s *Status) { s.State = StateStopping })
	}
	r.stopped.Store(true)
	r.cancel()
	m.mu.Unlock()

	// Unblock sources that ignore context cancellation.
	_ = r.stream.Close()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session: stop: %w", ctx.Err())
	}
}

// Acknowledge clears the error state. In any other state it does nothing.
func (m *Manager) Acknowledge() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateError {
		m.acknowledgeLocked()
	}
}

func (m *Manager) acknowledgeLocked() {
	m.state = StateIdle
	m.publishLocked(func(s *Status) {
		s.State = StateIdle
		s.LastError = ""
	})
}

// Trigger plays an effect on operator request. It is allowed in any state
// and ignores auto-trigger and cooldown.
func (m *Manager) Trigger(ctx context.Context, req dispatch.ManualRequest) (dispatch.Record, error) {
	rec, err := m.cfg.Dispatcher.DispatchManual(ctx, req)
	if err != nil {
		return dispatch.Record{}, err
	}
	m.mu.Lock()
	m.addTriggerLocked(rec)
	m.mu.Unlock()
	return rec, nil
}

// SetAutoTrigger enables or disables automatic triggering from the next
// window on.
func (m *Manager) SetAutoTrigger(enabled bool) {
	m.UpdateSettings(func(s *Settings) { s.AutoTrigger = enabled })
}

// UpdateSettings applies fn to a copy of the current settings and publishes
// the result. The pipeline reads settings once per window.
func (m *Manager) UpdateSettings(fn func(*Settings)) Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := *m.settings.Load()
	fn(&next)
	next.Sensitivity = min(max(next.Sensitivity, 0), 1)
	m.settings.Store(&next)
	m.publishLocked(func(s *Status) {
		s.Sensitivity = next.Sensitivity
		s.AutoTrigger = next.AutoTrigger
	})
	return next
}

// Settings returns the current hot settings.
func (m *Manager) Settings() Settings {
	return *m.settings.Load()
}

// SetEngine swaps the decision engine, e.g. after the policy was reloaded.
// The pipeline picks it up at the next window.
func (m *Manager) SetEngine(e *decision.Engine) {
	m.engine.Store(e)
}

func (m *Manager) windowDuration() time.Duration {
	c := m.cfg.Stream
	if c.SampleRate <= 0 {
		return 0
	}
	blocks := max(m.cfg.WindowBlocks, 1)
	return time.Duration(int64(c.BlockSize) * int64(blocks) * int64(time.Second) / int64(c.SampleRate))
}

// publishLocked copies the current status, applies fn, stores the new
// snapshot, and publishes it on the bus. Callers hold m.mu.
func (m *Manager) publishLocked(fn func(*Status)) {
	next := *m.status.Load()
	fn(&next)
	m.status.Store(&next)
	m.cfg.Bus.Publish(events.TypeStatus, next)
}

// addTriggerLocked prepends rec to the recent triggers. Callers hold m.mu.
func (m *Manager) addTriggerLocked(rec dispatch.Record) {
	m.publishLocked(func(s *Status) {
		recent := make([]dispatch.Record, 0, m.cfg.RecentTriggers)
		recent = append(recent, rec)
		for _, r := range s.RecentTriggers {
			if len(recent) == m.cfg.RecentTriggers {
				break
			}
			recent = append(recent, r)
		}
		s.RecentTriggers = recent
	})
}
