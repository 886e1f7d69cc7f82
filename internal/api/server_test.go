package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/soundstage/internal/api"
	"github.com/MrWong99/soundstage/internal/config"
	"github.com/MrWong99/soundstage/internal/dispatch"
	"github.com/MrWong99/soundstage/internal/effects"
	"github.com/MrWong99/soundstage/internal/events"
	"github.com/MrWong99/soundstage/internal/health"
	"github.com/MrWong99/soundstage/internal/session"
	"github.com/MrWong99/soundstage/internal/store"
	"github.com/MrWong99/soundstage/internal/store/memory"
	"github.com/MrWong99/soundstage/pkg/audio"
	"github.com/MrWong99/soundstage/pkg/audio/mock"
	"github.com/MrWong99/soundstage/pkg/provider/sfx"
	sfxmock "github.com/MrWong99/soundstage/pkg/provider/sfx/mock"
)

const userID = "local"

type fixture struct {
	srv      *httptest.Server
	sessions *session.Manager
	disp     *dispatch.Dispatcher
	store    *memory.Store
	source   *mock.Source
	gen      *sfxmock.Generator
	settings []store.Settings
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	catalog, err := effects.NewCatalog([]config.EffectConfig{
		{ID: "applause", Name: "Applause", Category: config.CategoryPositive, Prompt: "crowd applause", Duration: time.Second},
	})
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	cache, err := dispatch.NewCache(t.TempDir())
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}

	f := &fixture{
		store:  memory.New(100),
		source: &mock.Source{StreamResult: &mock.Stream{}},
		gen: &sfxmock.Generator{Clip: sfx.Clip{
			Samples: []int16{0, 100, -100, 0},
			Format:  audio.Format{SampleRate: 8000, Channels: 1},
		}},
	}
	t.Cleanup(func() { _ = f.store.Close() })

	bus := events.NewBus()
	f.disp = dispatch.New(catalog, f.gen, dispatch.NewBrowserPlayer(bus),
		dispatch.WithCache(cache),
		dispatch.WithJournal(f.store, userID),
		dispatch.WithBus(bus),
	)
	f.sessions = session.New(session.Config{
		Source:       f.source,
		Stream:       audio.StreamConfig{Format: audio.Format{SampleRate: 8000, Channels: 1}, BlockSize: 80},
		WindowBlocks: 4,
		QueueFrames:  16,
		Dispatcher:   f.disp,
		Bus:          bus,
		Settings:     session.Settings{Sensitivity: 0.5},
		Consent: func(ctx context.Context) (bool, error) {
			return store.HasCaptureConsent(ctx, f.store, userID)
		},
	})
	t.Cleanup(func() { _ = f.sessions.Stop(context.Background()) })

	s := api.New(api.Config{
		Sessions:    f.sessions,
		Dispatcher:  f.disp,
		Devices:     f.source,
		Store:       f.store,
		Bus:         bus,
		UserID:      userID,
		Version:     "test",
		CORSOrigins: []string{"http://localhost:3000"},
		Health:      health.New(health.PingChecker("store", f.store)),
		OnSettings:  func(s store.Settings) { f.settings = append(f.settings, s) },
	})
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func (f *fixture) expect(t *testing.T, method, path string, body any, want int) []byte {
	t.Helper()
	resp, data := f.do(t, method, path, body)
	if resp.StatusCode != want {
		t.Fatalf("%s %s = %d, want %d (body %s)", method, path, resp.StatusCode, want, data)
	}
	return data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return v
}

// ─── Service ─────────────────────────────────────────────────────────────────

func TestServer_RootAndHealth(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	root := decode[map[string]string](t, f.expect(t, "GET", "/", nil, http.StatusOK))
	if root["service"] != "soundstage" || root["version"] != "test" {
		t.Errorf("root = %v", root)
	}
	h := decode[map[string]string](t, f.expect(t, "GET", "/health", nil, http.StatusOK))
	if h["status"] != "healthy" {
		t.Errorf("health = %v", h)
	}
	f.expect(t, "GET", "/healthz", nil, http.StatusOK)
	f.expect(t, "GET", "/readyz", nil, http.StatusOK)
}

// ─── Analysis ────────────────────────────────────────────────────────────────

func TestServer_AnalysisLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	start := map[string]any{"audio_source": "mock:1", "enable_events": true}
	f.expect(t, "POST", "/api/analyze/start", start, http.StatusForbidden)

	f.expect(t, "POST", "/api/settings/consent", map[string]bool{"audio_capture_consent": true}, http.StatusOK)
	st := decode[session.Status](t, f.expect(t, "POST", "/api/analyze/start", start, http.StatusOK))
	if st.State != session.StateRunning || st.Device != "mock:1" || !st.EnableEvents {
		t.Errorf("status after start = %+v", st)
	}
	f.expect(t, "POST", "/api/analyze/start", start, http.StatusConflict)

	st = decode[session.Status](t, f.expect(t, "GET", "/api/analyze/status", nil, http.StatusOK))
	if st.State != session.StateRunning {
		t.Errorf("state = %q, want running", st.State)
	}

	st = decode[session.Status](t, f.expect(t, "POST", "/api/analyze/stop", nil, http.StatusOK))
	if st.State != session.StateIdle {
		t.Errorf("state after stop = %q, want idle", st.State)
	}
	st = decode[session.Status](t, f.expect(t, "POST", "/api/analyze/acknowledge", nil, http.StatusOK))
	if st.State != session.StateIdle {
		t.Errorf("state after acknowledge = %q, want idle", st.State)
	}
}

func TestServer_StartUsesSavedInputDevice(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.expect(t, "POST", "/api/settings/consent", map[string]bool{"audio_capture_consent": true}, http.StatusOK)
	f.expect(t, "POST", "/api/settings/update", map[string]any{"audio_input_device": "mock:saved"}, http.StatusOK)
	f.expect(t, "POST", "/api/analyze/start", nil, http.StatusOK)

	calls := f.source.Calls()
	if len(calls) != 1 || calls[0].DeviceID != "mock:saved" {
		t.Errorf("Open calls = %+v, want mock:saved", calls)
	}
}

func TestServer_StartDeviceUnavailable(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.source.OpenErr = audio.ErrDeviceUnavailable

	f.expect(t, "POST", "/api/settings/consent", map[string]bool{"audio_capture_consent": true}, http.StatusOK)
	body := decode[map[string]string](t, f.expect(t, "POST", "/api/analyze/start", map[string]string{"audio_source": "mock:gone"}, http.StatusUnprocessableEntity))
	if body["error"] == "" {
		t.Error("error body missing")
	}
}

func TestServer_Devices(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.source.DevicesResult = []audio.Device{{ID: "mock:1", Name: "Mock", Kind: audio.DeviceMock, Default: true}}

	got := decode[struct {
		Devices []audio.Device `json:"devices"`
	}](t, f.expect(t, "GET", "/api/analyze/audio-devices", nil, http.StatusOK))
	if len(got.Devices) != 1 || got.Devices[0].ID != "mock:1" {
		t.Errorf("devices = %+v", got.Devices)
	}
}

// ─── Triggering ──────────────────────────────────────────────────────────────

func TestServer_ManualTrigger(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{name: "missing effect", body: map[string]any{}, want: http.StatusBadRequest},
		{name: "unknown effect", body: map[string]any{"effect_type": "kazoo"}, want: http.StatusNotFound},
		{name: "intensity out of range", body: map[string]any{"effect_type": "applause", "intensity": 1.5}, want: http.StatusBadRequest},
		{name: "negative duration", body: map[string]any{"effect_type": "applause", "duration": -1}, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.expect(t, "POST", "/api/trigger/manual", tt.body, tt.want)
		})
	}

	rec := decode[dispatch.Record](t, f.expect(t, "POST", "/api/trigger/manual",
		map[string]any{"effect_type": "applause", "duration": 2.5}, http.StatusOK))
	if rec.Status != dispatch.StatusPlayed || rec.Source != dispatch.SourceManual {
		t.Fatalf("record = %+v, want played manual", rec)
	}
	if rec.Intensity != 0.5 {
		t.Errorf("Intensity = %v, want default 0.5", rec.Intensity)
	}
	calls := f.gen.Calls()
	if len(calls) != 1 || calls[0].Req.Duration != 2500*time.Millisecond {
		t.Errorf("generator calls = %+v, want one 2.5s request", calls)
	}

	hist := decode[struct {
		History []dispatch.Record `json:"history"`
	}](t, f.expect(t, "GET", "/api/trigger/history?limit=10", nil, http.StatusOK))
	if len(hist.History) != 1 || hist.History[0].ID != rec.ID {
		t.Errorf("history = %+v, want the manual record", hist.History)
	}
	f.expect(t, "GET", "/api/trigger/history?limit=zero", nil, http.StatusBadRequest)

	resp, data := f.do(t, "GET", "/api/audio/"+rec.AudioRef, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET audio = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/wav" {
		t.Errorf("Content-Type = %q", ct)
	}
	if !bytes.HasPrefix(data, []byte("RIFF")) {
		t.Error("audio body is not a RIFF file")
	}
	f.expect(t, "GET", "/api/audio/cache/"+strings.Repeat("0", 64), nil, http.StatusNotFound)
	f.expect(t, "GET", "/api/audio/elsewhere", nil, http.StatusNotFound)
}

func TestServer_AutoToggle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.expect(t, "POST", "/api/trigger/auto/enable", nil, http.StatusOK)
	if !f.sessions.Settings().AutoTrigger {
		t.Error("auto trigger not enabled on session")
	}
	set, err := f.store.GetSettings(context.Background(), userID)
	if err != nil || !set.AutoTriggerEnabled {
		t.Errorf("persisted settings = %+v, %v", set, err)
	}

	f.expect(t, "POST", "/api/trigger/auto/disable", nil, http.StatusOK)
	if f.sessions.Settings().AutoTrigger {
		t.Error("auto trigger still enabled on session")
	}
}

func TestServer_Effects(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	got := decode[struct {
		Effects []effects.Effect `json:"effects"`
	}](t, f.expect(t, "GET", "/api/trigger/effects", nil, http.StatusOK))
	if len(got.Effects) != 1 || got.Effects[0].ID != "applause" {
		t.Errorf("effects = %+v", got.Effects)
	}
}

// ─── Settings ────────────────────────────────────────────────────────────────

func TestServer_ConsentDefaultsToDenied(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	c := decode[store.Consent](t, f.expect(t, "GET", "/api/settings/consent", nil, http.StatusOK))
	if c.AudioCapture || c.CloudProcessing || c.Analytics {
		t.Errorf("consent = %+v, want all false", c)
	}
	f.expect(t, "POST", "/api/settings/consent", "not an object", http.StatusBadRequest)
}

func TestServer_UpdateSettings(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	cur := decode[store.Settings](t, f.expect(t, "GET", "/api/settings/current", nil, http.StatusOK))
	if cur != store.DefaultSettings() {
		t.Errorf("current = %+v, want defaults", cur)
	}

	f.expect(t, "POST", "/api/settings/update", map[string]any{"trigger_sensitivity": 2}, http.StatusBadRequest)

	got := decode[store.Settings](t, f.expect(t, "POST", "/api/settings/update", map[string]any{
		"trigger_sensitivity": 0.25,
		"effect_volume":       0.4,
		"elevenlabs_api_key":  "sk-secret-1234",
	}, http.StatusOK))
	if got.ElevenLabsAPIKey != "****1234" {
		t.Errorf("returned key = %q, want masked", got.ElevenLabsAPIKey)
	}
	if s := f.sessions.Settings().Sensitivity; s != 0.25 {
		t.Errorf("session sensitivity = %v, want 0.25", s)
	}
	if v := f.disp.Volume(); v != 0.4 {
		t.Errorf("volume = %v, want 0.4", v)
	}

	// Echoing the masked key keeps the stored one.
	f.expect(t, "POST", "/api/settings/update", map[string]any{"elevenlabs_api_key": "****1234"}, http.StatusOK)
	set, err := f.store.GetSettings(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if set.ElevenLabsAPIKey != "sk-secret-1234" {
		t.Errorf("stored key = %q, want original", set.ElevenLabsAPIKey)
	}
	if len(f.settings) != 2 {
		t.Errorf("OnSettings calls = %d, want 2", len(f.settings))
	}
}

func TestServer_Profiles(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.expect(t, "POST", "/api/settings/profile/save", nil, http.StatusBadRequest)
	f.expect(t, "POST", "/api/settings/update", map[string]any{"trigger_sensitivity": 0.9}, http.StatusOK)
	f.expect(t, "POST", "/api/settings/profile/save?name=loud", nil, http.StatusOK)
	f.expect(t, "POST", "/api/settings/update", map[string]any{"trigger_sensitivity": 0.1}, http.StatusOK)

	list := decode[struct {
		Profiles []string `json:"profiles"`
	}](t, f.expect(t, "GET", "/api/settings/profile/list", nil, http.StatusOK))
	if len(list.Profiles) != 1 || list.Profiles[0] != "loud" {
		t.Errorf("profiles = %v, want [loud]", list.Profiles)
	}

	f.expect(t, "POST", "/api/settings/profile/load?name=missing", nil, http.StatusNotFound)
	got := decode[store.Settings](t, f.expect(t, "POST", "/api/settings/profile/load?name=loud", nil, http.StatusOK))
	if got.TriggerSensitivity != 0.9 {
		t.Errorf("loaded sensitivity = %v, want 0.9", got.TriggerSensitivity)
	}
	if s := f.sessions.Settings().Sensitivity; s != 0.9 {
		t.Errorf("session sensitivity = %v, want 0.9", s)
	}
}

// ─── CORS ────────────────────────────────────────────────────────────────────

func TestServer_CORS(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	tests := []struct {
		name       string
		origin     string
		wantStatus int
		wantAllow  string
	}{
		{name: "allowed", origin: "http://localhost:3000", wantStatus: http.StatusNoContent, wantAllow: "http://localhost:3000"},
		{name: "denied", origin: "https://evil.example", wantStatus: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodOptions, f.srv.URL+"/api/trigger/manual", nil)
			req.Header.Set("Origin", tt.origin)
			req.Header.Set("Access-Control-Request-Method", "POST")
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("preflight: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if got := resp.Header.Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantAllow)
			}
		})
	}
}

// ─── Event stream ────────────────────────────────────────────────────────────

func TestServer_EventStream(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(f.srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	read := func() events.Event {
		t.Helper()
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		var ev events.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		return ev
	}

	if ev := read(); ev.Type != events.TypeStatus {
		t.Fatalf("first event type = %q, want status", ev.Type)
	}

	// Inbound messages are ignored, never echoed.
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"trigger"}`)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	f.expect(t, "POST", "/api/trigger/manual", map[string]any{"effect_type": "applause"}, http.StatusOK)

	seen := map[events.Type]bool{}
	for !seen[events.TypeTrigger] || !seen[events.TypePlayback] {
		ev := read()
		seen[ev.Type] = true
		if ev.Type == events.TypeTrigger {
			payload, _ := json.Marshal(ev.Payload)
			rec := decode[dispatch.Record](t, payload)
			if rec.EffectID != "applause" || rec.Source != dispatch.SourceManual {
				t.Errorf("trigger payload = %+v", rec)
			}
		}
	}
	if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil && !errors.Is(err, context.Canceled) {
		t.Logf("close: %v", err)
	}
}
