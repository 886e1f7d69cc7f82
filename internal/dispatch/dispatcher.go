// Package dispatch turns decisions into played sound effects.
//
// A [Dispatcher] resolves the clip of an effect (pre-rendered asset, then
// clip cache, then generator), hands it to a [Player], and records the
// outcome as a [Record]. Every failure after the effect lookup is reflected
// in the record status rather than returned as an error, so the analysis
// pipeline never stalls on a trigger.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/soundstage/internal/decision"
	"github.com/MrWong99/soundstage/internal/effects"
	"github.com/MrWong99/soundstage/internal/events"
	"github.com/MrWong99/soundstage/internal/observe"
	"github.com/MrWong99/soundstage/pkg/audio"
	"github.com/MrWong99/soundstage/pkg/provider/sfx"
)

// ErrUnknownEffect is returned (wrapped) by [Dispatcher.DispatchManual] for
// effect IDs missing from the catalogue.
var ErrUnknownEffect = effects.ErrUnknownEffect

// Clip reference prefixes below /api/audio/.
const (
	refAsset = "asset/"
	refCache = "cache/"
)

// DefaultTimeout bounds one generation request.
const DefaultTimeout = 30 * time.Second

// ManualRequest is an operator-initiated trigger.
type ManualRequest struct {
	EffectID  string        `json:"effect_id"`
	Intensity float64       `json:"intensity"`
	Duration  time.Duration `json:"duration,omitempty"`

	// Prompt overrides the effect's generation prompt. A non-empty prompt
	// forces generation even for pre-rendered effects.
	Prompt string `json:"prompt,omitempty"`
}

// Journal persists trigger records.
type Journal interface {
	AppendTrigger(ctx context.Context, userID string, rec Record) error
}

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithCache enables the clip cache.
func WithCache(c *Cache) Option {
	return func(d *Dispatcher) { d.cache = c }
}

// WithJournal appends every record to j under userID.
func WithJournal(j Journal, userID string) Option {
	return func(d *Dispatcher) {
		d.journal = j
		d.userID = userID
	}
}

// WithBus publishes every record as a [events.TypeTrigger] event.
func WithBus(b *events.Bus) Option {
	return func(d *Dispatcher) { d.bus = b }
}

// WithMetrics records trigger and generation metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithTimeout bounds one generation request. Zero disables the bound.
func WithTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = t }
}

// WithClock overrides the record timestamp source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithVolume sets the initial playback volume in [0, 1].
func WithVolume(v float64) Option {
	return func(d *Dispatcher) { d.SetVolume(v) }
}

// Dispatcher resolves and plays effects. It is safe for concurrent use.
type Dispatcher struct {
	catalog *effects.Catalog
	gen     sfx.Generator
	player  Player

	cache   *Cache
	journal Journal
	userID  string
	bus     *events.Bus
	metrics *observe.Metrics
	timeout time.Duration
	now     func() time.Time

	// volume holds math.Float64bits of the playback volume.
	volume atomic.Uint64

	assetMu sync.Mutex
	assets  map[string]sfx.Clip
}

// New creates a Dispatcher. gen may be nil when no generator is configured;
// player nil discards clips.
func New(catalog *effects.Catalog, gen sfx.Generator, player Player, opts ...Option) *Dispatcher {
	if player == nil {
		player = NullPlayer{}
	}
	d := &Dispatcher{
		catalog: catalog,
		gen:     gen,
		player:  player,
		timeout: DefaultTimeout,
		now:     time.Now,
		assets:  make(map[string]sfx.Clip),
	}
	d.SetVolume(1)
	for _, o := range opts {
		o(d)
	}
	return d
}

// SetVolume changes the playback volume, clamped to [0, 1].
func (d *Dispatcher) SetVolume(v float64) {
	d.volume.Store(math.Float64bits(min(max(v, 0), 1)))
}

// Volume returns the playback volume.
func (d *Dispatcher) Volume() float64 {
	return math.Float64frombits(d.volume.Load())
}

// Catalog returns the effect catalogue.
func (d *Dispatcher) Catalog() *effects.Catalog {
	return d.catalog
}

// Dispatch plays the effect chosen by an automatic decision.
func (d *Dispatcher) Dispatch(ctx context.Context, dec decision.Decision) Record {
	rec := d.newRecord(dec.EffectID, SourceAuto, dec.Rule, dec.Key, dec.Intensity)
	eff, err := d.catalog.Get(dec.EffectID)
	if err != nil {
		rec.Status = StatusUnavailable
		rec.Error = err.Error()
		d.finish(ctx, rec)
		return rec
	}
	return d.run(ctx, rec, eff, 0, "", PriorityAuto)
}

// DispatchManual plays an operator-selected effect. It fails only when the
// effect is unknown; every other outcome is reported in the record.
func (d *Dispatcher) DispatchManual(ctx context.Context, req ManualRequest) (Record, error) {
	eff, err := d.catalog.Get(req.EffectID)
	if err != nil {
		return Record{}, fmt.Errorf("dispatch: %w", err)
	}
	m := decision.Manual(eff.ID, req.Intensity)
	rec := d.newRecord(m.EffectID, SourceManual, m.Rule, "", m.Intensity)
	return d.run(ctx, rec, eff, req.Duration, req.Prompt, PriorityManual), nil
}

func (d *Dispatcher) newRecord(effectID string, src Source, rule decision.Rule, key string, intensity float64) Record {
	return Record{
		ID:        uuid.NewString(),
		EffectID:  effectID,
		Timestamp: d.now().UTC(),
		Source:    src,
		Rule:      rule,
		Key:       key,
		Intensity: intensity,
	}
}

func (d *Dispatcher) run(ctx context.Context, rec Record, eff effects.Effect, dur time.Duration, prompt string, priority int) Record {
	ctx, span := observe.StartSpan(ctx, "dispatch.trigger", trace.WithAttributes(
		attribute.String("effect_id", eff.ID),
		attribute.String("source", string(rec.Source)),
	))
	defer span.End()

	clip, ref, err := d.resolve(ctx, eff, rec.Intensity, dur, prompt)
	switch {
	case errors.Is(err, sfx.ErrUnavailable):
		rec.Status = StatusUnavailable
		rec.Error = err.Error()
	case err != nil:
		rec.Status = StatusGenerationFailed
		rec.Error = err.Error()
	default:
		rec.AudioRef = ref
		perr := d.player.Play(ctx, clip, Playback{
			RecordID: rec.ID,
			EffectID: rec.EffectID,
			Ref:      ref,
			Volume:   d.Volume(),
			Priority: priority,
		})
		if perr != nil {
			rec.Status = StatusPlaybackFailed
			rec.Error = perr.Error()
		} else {
			rec.Status = StatusPlayed
		}
	}
	observe.SetOutcome(span, string(rec.Status), rec.Error)
	d.finish(ctx, rec)
	return rec
}

// finish logs, counts, persists, and publishes rec.
func (d *Dispatcher) finish(ctx context.Context, rec Record) {
	log := observe.Logger(ctx)
	if rec.OK() {
		log.Info("dispatch: effect triggered",
			"record_id", rec.ID, "effect_id", rec.EffectID, "source", rec.Source,
			"rule", rec.Rule, "intensity", rec.Intensity, "audio_ref", rec.AudioRef)
	} else {
		log.Warn("dispatch: trigger not played",
			"record_id", rec.ID, "effect_id", rec.EffectID, "source", rec.Source,
			"status", rec.Status, "err", rec.Error)
	}
	if d.metrics != nil {
		d.metrics.RecordTrigger(ctx, string(rec.Source), string(rec.Rule), string(rec.Status))
	}
	if d.journal != nil {
		// The record outlives a cancelled trigger context.
		jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := d.journal.AppendTrigger(jctx, d.userID, rec); err != nil {
			log.Error("dispatch: failed to persist trigger record", "record_id", rec.ID, "err", err)
		}
		cancel()
	}
	d.bus.Publish(events.TypeTrigger, rec)
}

// resolve finds the clip for eff: pre-rendered asset, then cache, then
// generator.
func (d *Dispatcher) resolve(ctx context.Context, eff effects.Effect, intensity float64, dur time.Duration, prompt string) (sfx.Clip, string, error) {
	if eff.Prerendered() && prompt == "" {
		clip, err := d.loadAsset(eff)
		if err == nil {
			return clip, refAsset + eff.ID, nil
		}
		if eff.Prompt == "" {
			return sfx.Clip{}, "", fmt.Errorf("dispatch: asset %q: %w: %w", eff.Asset, sfx.ErrUnavailable, err)
		}
		slog.Warn("dispatch: asset unreadable, generating instead", "effect_id", eff.ID, "asset", eff.Asset, "err", err)
	}

	if prompt == "" {
		prompt = eff.Prompt
	}
	if prompt == "" {
		return sfx.Clip{}, "", fmt.Errorf("dispatch: effect %q has neither asset nor prompt: %w", eff.ID, sfx.ErrUnavailable)
	}
	if dur == 0 {
		dur = eff.Duration
	}
	req := sfx.Request{
		Prompt:          prompt,
		Duration:        sfx.ClampDuration(dur),
		PromptInfluence: sfx.ClampInfluence(intensity),
	}
	key := CacheKey(req)
	if d.cache != nil {
		if clip, ok := d.cache.Load(key); ok {
			return clip, refCache + key, nil
		}
	}
	if d.gen == nil {
		return sfx.Clip{}, "", fmt.Errorf("dispatch: no generator configured: %w", sfx.ErrUnavailable)
	}

	gctx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		gctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	start := time.Now()
	clip, err := d.gen.Generate(gctx, req)
	if d.metrics != nil {
		status := "ok"
		switch {
		case errors.Is(err, sfx.ErrUnavailable):
			status = "unavailable"
		case err != nil:
			status = "error"
		}
		d.metrics.RecordGeneration(ctx, status, time.Since(start))
	}
	if err != nil {
		return sfx.Clip{}, "", fmt.Errorf("dispatch: generate %q: %w", eff.ID, err)
	}
	if d.cache == nil {
		return clip, "", nil
	}
	if err := d.cache.Store(key, clip); err != nil {
		slog.Warn("dispatch: failed to cache clip", "effect_id", eff.ID, "err", err)
	}
	return clip, refCache + key, nil
}

// loadAsset decodes the effect's WAV asset once and keeps it in memory.
func (d *Dispatcher) loadAsset(eff effects.Effect) (sfx.Clip, error) {
	d.assetMu.Lock()
	defer d.assetMu.Unlock()
	if clip, ok := d.assets[eff.ID]; ok {
		return clip, nil
	}
	f, err := os.Open(eff.Asset)
	if err != nil {
		return sfx.Clip{}, err
	}
	defer f.Close()
	samples, format, err := audio.DecodeWAV(f)
	if err != nil {
		return sfx.Clip{}, err
	}
	clip := sfx.Clip{Samples: samples, Format: format}
	d.assets[eff.ID] = clip
	return clip, nil
}

// Audio returns the WAV encoding of the clip behind ref, as produced in
// [Record.AudioRef]. It returns an error wrapping [ErrUnknownEffect] or
// [os.ErrNotExist] when ref does not resolve.
func (d *Dispatcher) Audio(ref string) ([]byte, error) {
	switch {
	case strings.HasPrefix(ref, refAsset):
		eff, err := d.catalog.Get(strings.TrimPrefix(ref, refAsset))
		if err != nil {
			return nil, fmt.Errorf("dispatch: audio %q: %w", ref, err)
		}
		if !eff.Prerendered() {
			return nil, fmt.Errorf("dispatch: audio %q: %w", ref, os.ErrNotExist)
		}
		clip, err := d.loadAsset(eff)
		if err != nil {
			return nil, fmt.Errorf("dispatch: audio %q: %w", ref, err)
		}
		return clip.WAV()
	case strings.HasPrefix(ref, refCache) && d.cache != nil:
		clip, ok := d.cache.Load(strings.TrimPrefix(ref, refCache))
		if !ok {
			return nil, fmt.Errorf("dispatch: audio %q: %w", ref, os.ErrNotExist)
		}
		return clip.WAV()
	}
	return nil, fmt.Errorf("dispatch: audio %q: %w", ref, os.ErrNotExist)
}
