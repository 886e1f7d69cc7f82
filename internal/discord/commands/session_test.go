package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/soundstage/internal/config"
	"github.com/MrWong99/soundstage/internal/discord"
	"github.com/MrWong99/soundstage/internal/dispatch"
	"github.com/MrWong99/soundstage/internal/effects"
	"github.com/MrWong99/soundstage/internal/session"
	"github.com/MrWong99/soundstage/pkg/audio"
)

// fakeSessions records calls made by the command handlers.
type fakeSessions struct {
	mu       sync.Mutex
	status   session.Status
	starts   []session.StartRequest
	stops    int
	triggers []dispatch.ManualRequest
	startErr error
	record   dispatch.Record
}

func (f *fakeSessions) Status() session.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeSessions) Start(_ context.Context, req session.StartRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.starts = append(f.starts, req)
	f.status.State = session.StateRunning
	f.status.Device = req.DeviceID
	return nil
}

func (f *fakeSessions) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.status.State = session.StateIdle
	return nil
}

func (f *fakeSessions) Trigger(_ context.Context, req dispatch.ManualRequest) (dispatch.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.EffectID != "applause" {
		return dispatch.Record{}, fmt.Errorf("dispatch: %q: %w", req.EffectID, dispatch.ErrUnknownEffect)
	}
	f.triggers = append(f.triggers, req)
	rec := f.record
	rec.EffectID = req.EffectID
	rec.Intensity = req.Intensity
	return rec, nil
}

func TestSessionStart(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		startErr    error
		wantStarted bool
		wantReply   string
	}{
		{name: "started", wantStarted: true, wantReply: "Analysis started on `discord:ch-1`."},
		{name: "already running", startErr: session.ErrAlreadyRunning, wantReply: "already running"},
		{name: "consent missing", startErr: session.ErrConsentRequired, wantReply: "consent has not been granted"},
		{
			name:      "device unavailable",
			startErr:  fmt.Errorf("session: open device: %w", audio.ErrDeviceUnavailable),
			wantReply: "Could not join the voice channel",
		},
		{name: "other error", startErr: errors.New("boom"), wantReply: "Failed to start analysis: boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fs := &fakeSessions{startErr: tt.startErr}
			sc := &SessionCommands{sessions: fs, perms: discord.NewPermissionChecker("")}

			msg, started := sc.start(context.Background(), "discord:ch-1")
			if started != tt.wantStarted {
				t.Errorf("started = %v, want %v", started, tt.wantStarted)
			}
			if !strings.Contains(msg, tt.wantReply) {
				t.Errorf("reply = %q, want it to contain %q", msg, tt.wantReply)
			}
			if tt.wantStarted {
				req := fs.starts[0]
				if !req.EnableEmotion || !req.EnableKeywords || !req.EnableEvents {
					t.Errorf("start request = %+v, want every detector enabled", req)
				}
			}
		})
	}
}

func TestSessionStop(t *testing.T) {
	t.Parallel()

	t.Run("idle", func(t *testing.T) {
		t.Parallel()
		fs := &fakeSessions{status: session.Status{State: session.StateIdle}}
		sc := &SessionCommands{sessions: fs}
		msg, err := sc.stop(context.Background())
		if err != nil {
			t.Fatalf("stop: %v", err)
		}
		if msg != "No analysis is running." || fs.stops != 0 {
			t.Errorf("reply = %q, stops = %d", msg, fs.stops)
		}
	})

	t.Run("running", func(t *testing.T) {
		t.Parallel()
		fs := &fakeSessions{status: session.Status{State: session.StateRunning, WindowsAnalyzed: 12}}
		sc := &SessionCommands{sessions: fs}
		msg, err := sc.stop(context.Background())
		if err != nil {
			t.Fatalf("stop: %v", err)
		}
		if fs.stops != 1 {
			t.Errorf("stops = %d, want 1", fs.stops)
		}
		if !strings.Contains(msg, "Analysis stopped.") || !strings.Contains(msg, "12") {
			t.Errorf("reply = %q", msg)
		}
	})

	t.Run("error acknowledged", func(t *testing.T) {
		t.Parallel()
		fs := &fakeSessions{status: session.Status{State: session.StateError}}
		sc := &SessionCommands{sessions: fs}
		msg, err := sc.stop(context.Background())
		if err != nil {
			t.Fatalf("stop: %v", err)
		}
		if msg != "Capture error acknowledged." {
			t.Errorf("reply = %q", msg)
		}
	})
}

func TestSessionPermissions(t *testing.T) {
	t.Parallel()

	perms := discord.NewPermissionChecker("operator-role")
	sc := &SessionCommands{sessions: &fakeSessions{}, perms: perms}

	i := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Member: &discordgo.Member{
				User:  &discordgo.User{ID: "user-1"},
				Roles: []string{"other-role"},
			},
		},
	}
	if sc.perms.IsOperator(i) {
		t.Fatal("expected IsOperator to return false for user without operator role")
	}
}

func TestVoiceDevice(t *testing.T) {
	t.Parallel()

	if got := voiceDevice("ch-1", "u-1", false); got != "discord:ch-1" {
		t.Errorf("voiceDevice(all) = %q", got)
	}
	if got := voiceDevice("ch-1", "u-1", true); got != "discord:ch-1/u-1" {
		t.Errorf("voiceDevice(only me) = %q", got)
	}
	if got := voiceDevice("ch-1", "", true); got != "discord:ch-1" {
		t.Errorf("voiceDevice(no user) = %q", got)
	}
}

func TestStatusEmbed(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	embed := statusEmbed(session.Status{
		State:       session.StateRunning,
		Device:      "file:demo.wav",
		StartedAt:   now.Add(-90 * time.Second),
		Sensitivity: 0.5,
	}, now)

	want := map[string]string{
		"State":        "running",
		"Auto-trigger": "off",
		"Sensitivity":  "0.50",
		"Device":       "file:demo.wav",
		"Running for":  "1m30s",
	}
	got := make(map[string]string, len(embed.Fields))
	for _, f := range embed.Fields {
		got[f.Name] = f.Value
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("field %q = %q, want %q", k, got[k], v)
		}
	}
}

func TestSessionDefinition(t *testing.T) {
	t.Parallel()

	def := (&SessionCommands{}).Definition()
	if def.Name != "soundstage" {
		t.Errorf("Name = %q, want soundstage", def.Name)
	}
	var subs []string
	for _, o := range def.Options {
		subs = append(subs, o.Name)
	}
	if strings.Join(subs, ",") != "start,stop,status" {
		t.Errorf("subcommands = %v", subs)
	}
}

func newTestCatalog(t *testing.T) *effects.Catalog {
	t.Helper()
	catalog, err := effects.NewCatalog(config.DefaultEffects())
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	return catalog
}
