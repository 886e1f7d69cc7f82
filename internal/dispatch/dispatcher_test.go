package dispatch_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/soundstage/internal/config"
	"github.com/MrWong99/soundstage/internal/decision"
	"github.com/MrWong99/soundstage/internal/dispatch"
	"github.com/MrWong99/soundstage/internal/effects"
	"github.com/MrWong99/soundstage/internal/events"
	"github.com/MrWong99/soundstage/internal/resilience"
	"github.com/MrWong99/soundstage/internal/store/memory"
	"github.com/MrWong99/soundstage/pkg/audio"
	"github.com/MrWong99/soundstage/pkg/audio/mixer"
	"github.com/MrWong99/soundstage/pkg/provider/sfx"
	sfxmock "github.com/MrWong99/soundstage/pkg/provider/sfx/mock"
)

var clipFormat = audio.Format{SampleRate: 8000, Channels: 1}

func testClip() sfx.Clip {
	return sfx.Clip{Samples: []int16{0, 1000, -1000, 2000, -2000, 0, 500, -500}, Format: clipFormat}
}

// recordingPlayer records every Play call.
type recordingPlayer struct {
	mu    sync.Mutex
	plays []dispatch.Playback
	err   error
}

func (p *recordingPlayer) Play(_ context.Context, _ sfx.Clip, pb dispatch.Playback) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plays = append(p.plays, pb)
	return p.err
}

func (p *recordingPlayer) Plays() []dispatch.Playback {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]dispatch.Playback(nil), p.plays...)
}

func newCatalog(t *testing.T, cfgs ...config.EffectConfig) *effects.Catalog {
	t.Helper()
	c, err := effects.NewCatalog(cfgs)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	return c
}

func writeAsset(t *testing.T) string {
	t.Helper()
	data, err := audio.EncodeWAV(testClip().Samples, clipFormat)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	path := filepath.Join(t.TempDir(), "applause.wav")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write asset: %v", err)
	}
	return path
}

func TestDispatch_PrerenderedAssetSkipsGenerator(t *testing.T) {
	t.Parallel()
	asset := writeAsset(t)
	gen := &sfxmock.Generator{Clip: testClip()}
	player := &recordingPlayer{}
	d := dispatch.New(newCatalog(t, config.EffectConfig{ID: "applause", Asset: asset, Duration: 2 * time.Second}), gen, player)

	rec := d.Dispatch(context.Background(), decision.Decision{EffectID: "applause", Intensity: 1, Rule: decision.RuleEvent, Key: "victory"})

	if rec.Status != dispatch.StatusPlayed {
		t.Fatalf("status = %q (%s), want played", rec.Status, rec.Error)
	}
	if rec.AudioRef != "asset/applause" {
		t.Errorf("audio ref = %q, want asset/applause", rec.AudioRef)
	}
	if rec.Source != dispatch.SourceAuto || rec.Rule != decision.RuleEvent || rec.Key != "victory" {
		t.Errorf("record = %+v", rec)
	}
	if gen.CallCount() != 0 {
		t.Errorf("generator called %d times, want 0", gen.CallCount())
	}
	plays := player.Plays()
	if len(plays) != 1 || plays[0].Priority != dispatch.PriorityAuto || plays[0].RecordID != rec.ID {
		t.Errorf("plays = %+v", plays)
	}

	wav, err := d.Audio(rec.AudioRef)
	if err != nil {
		t.Fatalf("Audio: %v", err)
	}
	samples, f, err := audio.DecodeWAV(bytes.NewReader(wav))
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if f != clipFormat || len(samples) != len(testClip().Samples) {
		t.Errorf("round trip: format %v, %d samples", f, len(samples))
	}
}

func TestDispatch_GeneratesOnceThenServesFromCache(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cache, err := dispatch.NewCache(dir)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	gen := &sfxmock.Generator{Clip: testClip()}
	d := dispatch.New(newCatalog(t, config.EffectConfig{ID: "cheer", Prompt: "crowd cheering", Duration: 3 * time.Second}),
		gen, &recordingPlayer{}, dispatch.WithCache(cache))

	dec := decision.Decision{EffectID: "cheer", Intensity: 0.9, Rule: decision.RuleEmotion, Key: "happy"}
	first := d.Dispatch(context.Background(), dec)
	second := d.Dispatch(context.Background(), dec)

	if first.Status != dispatch.StatusPlayed || second.Status != dispatch.StatusPlayed {
		t.Fatalf("statuses = %q, %q", first.Status, second.Status)
	}
	if gen.CallCount() != 1 {
		t.Errorf("generator called %d times, want 1", gen.CallCount())
	}
	if !strings.HasPrefix(first.AudioRef, "cache/") || first.AudioRef != second.AudioRef {
		t.Errorf("refs = %q, %q", first.AudioRef, second.AudioRef)
	}
	req := gen.Calls()[0].Req
	if req.Prompt != "crowd cheering" || req.Duration != 3*time.Second || req.PromptInfluence != 0.9 {
		t.Errorf("request = %+v", req)
	}

	// A fresh cache on the same directory finds the clip on disk.
	reopened, err := dispatch.NewCache(dir)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	if _, ok := reopened.Load(strings.TrimPrefix(first.AudioRef, "cache/")); !ok {
		t.Error("clip not persisted to disk")
	}
	if _, err := d.Audio(first.AudioRef); err != nil {
		t.Errorf("Audio(%q): %v", first.AudioRef, err)
	}
}

func TestDispatch_StatusMapping(t *testing.T) {
	t.Parallel()
	cat := func(t *testing.T) *effects.Catalog {
		return newCatalog(t,
			config.EffectConfig{ID: "boo", Prompt: "crowd booing"},
			config.EffectConfig{ID: "silent"},
			config.EffectConfig{ID: "broken", Asset: "/nonexistent/boo.wav"},
		)
	}
	tests := []struct {
		name      string
		effect    string
		gen       sfx.Generator
		playerErr error
		want      dispatch.Status
	}{
		{"played", "boo", &sfxmock.Generator{Clip: testClip()}, nil, dispatch.StatusPlayed},
		{"no generator", "boo", nil, nil, dispatch.StatusUnavailable},
		{"generator unavailable", "boo", &sfxmock.Generator{Err: sfx.ErrUnavailable}, nil, dispatch.StatusUnavailable},
		{"generator error", "boo", &sfxmock.Generator{Err: errors.New("quota exceeded")}, nil, dispatch.StatusGenerationFailed},
		{"no prompt no asset", "silent", &sfxmock.Generator{Clip: testClip()}, nil, dispatch.StatusUnavailable},
		{"unreadable asset", "broken", &sfxmock.Generator{Clip: testClip()}, nil, dispatch.StatusUnavailable},
		{"unknown effect", "nope", &sfxmock.Generator{Clip: testClip()}, nil, dispatch.StatusUnavailable},
		{"playback failed", "boo", &sfxmock.Generator{Clip: testClip()}, errors.New("voice disconnected"), dispatch.StatusPlaybackFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := dispatch.New(cat(t), tt.gen, &recordingPlayer{err: tt.playerErr})
			rec := d.Dispatch(context.Background(), decision.Decision{EffectID: tt.effect, Intensity: 0.5, Rule: decision.RuleKeyword})
			if rec.Status != tt.want {
				t.Errorf("status = %q (%s), want %q", rec.Status, rec.Error, tt.want)
			}
			if tt.want != dispatch.StatusPlayed && rec.Error == "" {
				t.Error("failed record carries no error text")
			}
			if rec.ID == "" {
				t.Error("record has no ID")
			}
		})
	}
}

func TestDispatch_GenerationTimeout(t *testing.T) {
	t.Parallel()
	gen := &sfxmock.Generator{Block: make(chan struct{})}
	d := dispatch.New(newCatalog(t, config.EffectConfig{ID: "wow", Prompt: "wow"}), gen, nil,
		dispatch.WithTimeout(20*time.Millisecond))

	start := time.Now()
	rec := d.Dispatch(context.Background(), decision.Decision{EffectID: "wow", Intensity: 1})
	if rec.Status != dispatch.StatusGenerationFailed {
		t.Errorf("status = %q, want generation_failed", rec.Status)
	}
	if time.Since(start) > time.Second {
		t.Error("timeout not honoured")
	}
}

func TestDispatchManual(t *testing.T) {
	t.Parallel()
	asset := writeAsset(t)
	gen := &sfxmock.Generator{Clip: testClip()}
	player := &recordingPlayer{}
	journal := memory.New(0)
	bus := events.NewBus()
	sub, cancel := bus.Subscribe(context.Background())
	defer cancel()

	d := dispatch.New(newCatalog(t, config.EffectConfig{ID: "applause", Asset: asset, Prompt: "applause"}),
		gen, player, dispatch.WithJournal(journal, "default"), dispatch.WithBus(bus), dispatch.WithVolume(0.4))

	t.Run("unknown effect", func(t *testing.T) {
		_, err := d.DispatchManual(context.Background(), dispatch.ManualRequest{EffectID: "nope"})
		if !errors.Is(err, dispatch.ErrUnknownEffect) {
			t.Errorf("err = %v, want ErrUnknownEffect", err)
		}
	})

	t.Run("prompt override clamps duration and influence", func(t *testing.T) {
		rec, err := d.DispatchManual(context.Background(), dispatch.ManualRequest{
			EffectID:  "applause",
			Intensity: 3,
			Duration:  time.Minute,
			Prompt:    "thunderous applause",
		})
		if err != nil {
			t.Fatalf("DispatchManual: %v", err)
		}
		if rec.Source != dispatch.SourceManual || rec.Rule != decision.RuleManual || rec.Intensity != 1 {
			t.Errorf("record = %+v", rec)
		}
		calls := gen.Calls()
		if len(calls) != 1 {
			t.Fatalf("generator calls = %d, want 1", len(calls))
		}
		if calls[0].Req.Duration != sfx.MaxDuration || calls[0].Req.PromptInfluence != 1 {
			t.Errorf("request = %+v", calls[0].Req)
		}
		plays := player.Plays()
		last := plays[len(plays)-1]
		if last.Priority != dispatch.PriorityManual || last.Volume != 0.4 {
			t.Errorf("playback = %+v", last)
		}
	})

	hist, err := journal.TriggerHistory(context.Background(), "default", 0)
	if err != nil || len(hist) != 1 {
		t.Fatalf("journal = %+v, %v; want 1 record", hist, err)
	}
	select {
	case ev := <-sub:
		rec, ok := ev.Payload.(dispatch.Record)
		if ev.Type != events.TypeTrigger || !ok || rec.ID != hist[0].ID {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("trigger event not published")
	}
}

func TestGated_FallsBackToLocalGenerator(t *testing.T) {
	t.Parallel()
	cloud := &sfxmock.Generator{Clip: testClip()}
	local := &sfxmock.Generator{Clip: testClip()}
	var allowed bool
	var mu sync.Mutex

	fb := resilience.NewSFXFallback(&dispatch.Gated{
		Generator: cloud,
		Allow: func(context.Context) bool {
			mu.Lock()
			defer mu.Unlock()
			return allowed
		},
		Reason: "cloud processing not permitted",
	}, "elevenlabs", resilience.FallbackConfig{})
	fb.AddFallback("synth", local)

	d := dispatch.New(newCatalog(t, config.EffectConfig{ID: "laugh", Prompt: "laughter"}), fb, nil)

	rec := d.Dispatch(context.Background(), decision.Decision{EffectID: "laugh", Intensity: 0.5})
	if rec.Status != dispatch.StatusPlayed || cloud.CallCount() != 0 || local.CallCount() != 1 {
		t.Errorf("denied: status %q, cloud %d, local %d", rec.Status, cloud.CallCount(), local.CallCount())
	}

	mu.Lock()
	allowed = true
	mu.Unlock()
	rec = d.Dispatch(context.Background(), decision.Decision{EffectID: "laugh", Intensity: 0.6})
	if rec.Status != dispatch.StatusPlayed || cloud.CallCount() != 1 {
		t.Errorf("allowed: status %q, cloud %d", rec.Status, cloud.CallCount())
	}
}

func TestBrowserPlayer_PublishesURL(t *testing.T) {
	t.Parallel()
	bus := events.NewBus()
	sub, cancel := bus.Subscribe(context.Background())
	defer cancel()

	p := dispatch.NewBrowserPlayer(bus)
	if err := p.Play(context.Background(), testClip(), dispatch.Playback{RecordID: "r", EffectID: "wow", Ref: "asset/wow", Volume: 0.8, Priority: 2}); err != nil {
		t.Fatalf("Play: %v", err)
	}
	ev := <-sub
	pb, ok := ev.Payload.(events.Playback)
	if ev.Type != events.TypePlayback || !ok {
		t.Fatalf("event = %+v", ev)
	}
	if pb.URL != "/api/audio/asset/wow" || pb.Volume != 0.8 || pb.Priority != 2 {
		t.Errorf("playback = %+v", pb)
	}
}

func TestAudio_RejectsUnknownRefs(t *testing.T) {
	t.Parallel()
	cache, _ := dispatch.NewCache("")
	d := dispatch.New(newCatalog(t, config.EffectConfig{ID: "wow", Prompt: "wow"}), nil, nil, dispatch.WithCache(cache))

	for _, ref := range []string{"cache/../../etc/passwd", "cache/abc", "asset/wow", "asset/nope", "other/x", ""} {
		if _, err := d.Audio(ref); err == nil {
			t.Errorf("Audio(%q) succeeded, want error", ref)
		}
	}
}

func TestMixerPlayer_PlaysScaledClip(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var played []int16
	m := mixer.New(func(chunk []int16, _ audio.Format) {
		mu.Lock()
		played = append(played, chunk...)
		mu.Unlock()
	}, mixer.WithGap(0))
	defer m.Close()

	ended := make(chan struct{})
	p := dispatch.NewMixerPlayer(m, dispatch.WithClipEnd(func() { close(ended) }))
	clip := sfx.Clip{Samples: []int16{1000, -1000, 2000, -2000}, Format: clipFormat}
	if err := p.Play(context.Background(), clip, dispatch.Playback{RecordID: "r1", Volume: 0.5, Priority: dispatch.PriorityManual}); err != nil {
		t.Fatalf("Play: %v", err)
	}

	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("clip did not finish")
	}
	mu.Lock()
	defer mu.Unlock()
	want := []int16{500, -500, 1000, -1000}
	if len(played) != len(want) {
		t.Fatalf("played %v, want %v", played, want)
	}
	for i := range want {
		if played[i] != want[i] {
			t.Fatalf("played %v, want %v", played, want)
		}
	}
}
