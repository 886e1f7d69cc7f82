// Package storetest provides the conformance suite shared by every
// [store.Store] implementation.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/soundstage/internal/decision"
	"github.com/MrWong99/soundstage/internal/dispatch"
	"github.com/MrWong99/soundstage/internal/store"
)

// Factory returns a fresh, empty store. historyLimit bounds the trigger
// records kept per user; zero keeps all.
type Factory func(t *testing.T, historyLimit int) store.Store

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	t.Run("Consent", func(t *testing.T) { testConsent(t, newStore(t, 0)) })
	t.Run("Settings", func(t *testing.T) { testSettings(t, newStore(t, 0)) })
	t.Run("Profiles", func(t *testing.T) { testProfiles(t, newStore(t, 0)) })
	t.Run("TriggerHistory", func(t *testing.T) { testHistory(t, newStore(t, 0)) })
	t.Run("HistoryLimit", func(t *testing.T) { testHistoryLimit(t, newStore(t, 3)) })
	t.Run("Ping", func(t *testing.T) {
		if err := newStore(t, 0).Ping(context.Background()); err != nil {
			t.Errorf("Ping: %v", err)
		}
	})
}

func testConsent(t *testing.T, s store.Store) {
	ctx := context.Background()
	if _, err := s.GetConsent(ctx, "alice"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetConsent on empty store: err = %v, want ErrNotFound", err)
	}
	ok, err := store.HasCaptureConsent(ctx, s, "alice")
	if err != nil || ok {
		t.Fatalf("HasCaptureConsent = %v, %v; want false, nil", ok, err)
	}

	want := store.Consent{AudioCapture: true, Analytics: true, UpdatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	if err := s.SetConsent(ctx, "alice", want); err != nil {
		t.Fatalf("SetConsent: %v", err)
	}
	got, err := s.GetConsent(ctx, "alice")
	if err != nil {
		t.Fatalf("GetConsent: %v", err)
	}
	if got.AudioCapture != want.AudioCapture || got.CloudProcessing != want.CloudProcessing ||
		got.Analytics != want.Analytics || !got.UpdatedAt.Equal(want.UpdatedAt) {
		t.Errorf("GetConsent = %+v, want %+v", got, want)
	}

	// Replace.
	want.AudioCapture = false
	if err := s.SetConsent(ctx, "alice", want); err != nil {
		t.Fatalf("SetConsent replace: %v", err)
	}
	if ok, _ := store.HasCaptureConsent(ctx, s, "alice"); ok {
		t.Error("capture consent should be revoked")
	}
	if _, err := s.GetConsent(ctx, "bob"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("consent leaked across users: %v", err)
	}
}

func testSettings(t *testing.T, s store.Store) {
	ctx := context.Background()
	got, err := store.SettingsOrDefault(ctx, s, "alice")
	if err != nil {
		t.Fatalf("SettingsOrDefault: %v", err)
	}
	if got != store.DefaultSettings() {
		t.Errorf("SettingsOrDefault = %+v, want defaults", got)
	}

	want := store.Settings{
		AudioInputDevice:   "file:crowd.wav",
		AutoTriggerEnabled: true,
		TriggerSensitivity: 0.3,
		ElevenLabsAPIKey:   "secret",
		EffectVolume:       0.6,
	}
	if err := s.SaveSettings(ctx, "alice", want); err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}
	if got, err = s.GetSettings(ctx, "alice"); err != nil || got != want {
		t.Errorf("GetSettings = %+v, %v; want %+v", got, err, want)
	}
}

func testProfiles(t *testing.T, s store.Store) {
	ctx := context.Background()
	if _, err := s.LoadProfile(ctx, "alice", "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("LoadProfile missing: err = %v, want ErrNotFound", err)
	}

	streaming := store.DefaultSettings()
	streaming.AutoTriggerEnabled = true
	quiet := store.DefaultSettings()
	quiet.EffectVolume = 0.2

	for name, set := range map[string]store.Settings{"streaming": streaming, "quiet": quiet} {
		if err := s.SaveProfile(ctx, "alice", name, set); err != nil {
			t.Fatalf("SaveProfile(%s): %v", name, err)
		}
	}
	// Overwrite keeps a single entry.
	if err := s.SaveProfile(ctx, "alice", "quiet", quiet); err != nil {
		t.Fatalf("SaveProfile overwrite: %v", err)
	}

	names, err := s.ListProfiles(ctx, "alice")
	if err != nil {
		t.Fatalf("ListProfiles: %v", err)
	}
	if !slices.Equal(names, []string{"quiet", "streaming"}) {
		t.Errorf("ListProfiles = %v, want [quiet streaming]", names)
	}
	got, err := s.LoadProfile(ctx, "alice", "streaming")
	if err != nil || got != streaming {
		t.Errorf("LoadProfile = %+v, %v; want %+v", got, err, streaming)
	}
	if names, _ := s.ListProfiles(ctx, "bob"); len(names) != 0 {
		t.Errorf("profiles leaked across users: %v", names)
	}
}

func record(i int) dispatch.Record {
	return dispatch.Record{
		ID:        fmt.Sprintf("rec-%d", i),
		EffectID:  "applause",
		Timestamp: time.Date(2026, 3, 1, 12, 0, i, 0, time.UTC),
		Source:    dispatch.SourceAuto,
		Rule:      decision.RuleEvent,
		Key:       "victory",
		Intensity: 1,
		Status:    dispatch.StatusPlayed,
		AudioRef:  "asset/applause",
	}
}

func testHistory(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i := range 5 {
		if err := s.AppendTrigger(ctx, "alice", record(i)); err != nil {
			t.Fatalf("AppendTrigger: %v", err)
		}
	}
	failed := record(5)
	failed.Status = dispatch.StatusGenerationFailed
	failed.Error = "boom"
	failed.Source = dispatch.SourceManual
	failed.Rule = decision.RuleManual
	if err := s.AppendTrigger(ctx, "alice", failed); err != nil {
		t.Fatalf("AppendTrigger: %v", err)
	}

	all, err := s.TriggerHistory(ctx, "alice", 0)
	if err != nil {
		t.Fatalf("TriggerHistory: %v", err)
	}
	if len(all) != 6 {
		t.Fatalf("len = %d, want 6", len(all))
	}
	if all[0].ID != "rec-5" || all[5].ID != "rec-0" {
		t.Errorf("order = %s..%s, want newest first", all[0].ID, all[5].ID)
	}
	got := all[0]
	if got.Status != failed.Status || got.Error != "boom" || got.Rule != decision.RuleManual ||
		got.Source != dispatch.SourceManual || !got.Timestamp.Equal(failed.Timestamp) {
		t.Errorf("round trip = %+v, want %+v", got, failed)
	}

	two, err := s.TriggerHistory(ctx, "alice", 2)
	if err != nil || len(two) != 2 || two[1].ID != "rec-4" {
		t.Errorf("TriggerHistory(2) = %v, %v", two, err)
	}
	if none, _ := s.TriggerHistory(ctx, "bob", 10); len(none) != 0 {
		t.Errorf("history leaked across users: %v", none)
	}
}

func testHistoryLimit(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i := range 5 {
		if err := s.AppendTrigger(ctx, "alice", record(i)); err != nil {
			t.Fatalf("AppendTrigger: %v", err)
		}
	}
	all, err := s.TriggerHistory(ctx, "alice", 0)
	if err != nil {
		t.Fatalf("TriggerHistory: %v", err)
	}
	ids := make([]string, len(all))
	for i, r := range all {
		ids[i] = r.ID
	}
	if !slices.Equal(ids, []string{"rec-4", "rec-3", "rec-2"}) {
		t.Errorf("retained = %v, want the 3 newest", ids)
	}
}
