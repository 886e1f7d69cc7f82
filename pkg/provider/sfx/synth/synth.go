// Package synth provides a local, deterministic sound-effect generator.
//
// It never leaves the process, so it is always available, including when
// local processing only is enforced. The prompt selects a sound family by
// keyword (applause, cheer, boo, laugh, gasp, wow/aww, or a generic chime)
// and seeds the noise source, so identical requests yield identical clips.
package synth

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/MrWong99/soundstage/pkg/audio"
	"github.com/MrWong99/soundstage/pkg/provider/sfx"
)

const defaultDuration = 2 * time.Second

// Compile-time interface assertion.
var _ sfx.Generator = (*Generator)(nil)

// Option configures a [Generator].
type Option func(*Generator)

// WithSampleRate sets the output sample rate. Defaults to 44100 Hz.
func WithSampleRate(rate int) Option {
	return func(g *Generator) {
		if rate > 0 {
			g.rate = rate
		}
	}
}

// Generator implements sfx.Generator with procedural synthesis.
type Generator struct {
	rate int
}

// New creates a Generator producing mono clips.
func New(opts ...Option) *Generator {
	g := &Generator{rate: 44100}
	for _, o := range opts {
		o(g)
	}
	return g
}

// family is a sound recipe: it returns the raw sample at time t (seconds)
// of a clip of length dur, before the envelope is applied.
type family func(r *rand.Rand, t, dur float64) float64

// families maps prompt keywords to recipes, checked in order.
var families = []struct {
	keywords []string
	fn       family
}{
	{[]string{"applause", "clap"}, applause},
	{[]string{"cheer", "crowd", "whistle"}, cheer},
	{[]string{"boo"}, boo},
	{[]string{"laugh"}, laugh},
	{[]string{"gasp"}, gasp},
	{[]string{"wow", "aww", "amaze"}, glide},
}

// Generate implements sfx.Generator.
func (g *Generator) Generate(ctx context.Context, req sfx.Request) (sfx.Clip, error) {
	dur := sfx.ClampDuration(req.Duration)
	if dur == 0 {
		dur = defaultDuration
	}
	influence := sfx.ClampInfluence(req.PromptInfluence)

	h := fnv.New64a()
	_, _ = h.Write([]byte(req.Prompt))
	seed := h.Sum64()
	r := rand.New(rand.NewPCG(seed, uint64(dur)))

	fn := family(chime)
	prompt := strings.ToLower(req.Prompt)
outer:
	for _, f := range families {
		for _, kw := range f.keywords {
			if strings.Contains(prompt, kw) {
				fn = f.fn
				break outer
			}
		}
	}

	n := int(dur.Seconds() * float64(g.rate))
	out := make([]int16, n)
	secs := dur.Seconds()
	// Louder and less attenuated the more literally the prompt is followed.
	gain := 0.35 + 0.5*influence
	for i := range n {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return sfx.Clip{}, err
			}
		}
		t := float64(i) / float64(g.rate)
		v := fn(r, t, secs) * envelope(t, secs) * gain
		out[i] = int16(max(-1, min(1, v)) * math.MaxInt16)
	}
	return sfx.Clip{Samples: out, Format: audio.Format{SampleRate: g.rate, Channels: 1}}, nil
}

// envelope is a 50 ms attack with a linear release over the last quarter.
func envelope(t, dur float64) float64 {
	const attack = 0.05
	if t < attack {
		return t / attack
	}
	if rel := dur * 0.75; t > rel {
		return max(0, (dur-t)/(dur-rel))
	}
	return 1
}

func applause(r *rand.Rand, t, _ float64) float64 {
	// Dense random clicks: noise gated by a fast random trigger.
	if r.Float64() < 0.08 {
		return r.Float64()*2 - 1
	}
	return (r.Float64()*2 - 1) * 0.15
}

func cheer(r *rand.Rand, t, _ float64) float64 {
	noise := r.Float64()*2 - 1
	swell := 0.6 + 0.4*math.Sin(2*math.Pi*1.5*t)
	voice := 0.3 * math.Sin(2*math.Pi*(420+60*math.Sin(2*math.Pi*5*t))*t)
	return 0.6*noise*swell + voice
}

func boo(_ *rand.Rand, t, _ float64) float64 {
	f := 140 + 8*math.Sin(2*math.Pi*4*t)
	// Band-limited sawtooth from three harmonics.
	var v float64
	for k := 1.0; k <= 3; k++ {
		v += math.Sin(2*math.Pi*f*k*t) / k
	}
	return 0.6 * v
}

func laugh(r *rand.Rand, t, _ float64) float64 {
	// "ha" pulses at ~5 Hz.
	gate := math.Max(0, math.Sin(2*math.Pi*5*t))
	return gate * (0.7*math.Sin(2*math.Pi*300*t) + 0.3*(r.Float64()*2-1))
}

func gasp(r *rand.Rand, t, dur float64) float64 {
	// Breathy noise that swells towards the middle.
	return (r.Float64()*2 - 1) * math.Sin(math.Pi*t/dur)
}

func glide(_ *rand.Rand, t, dur float64) float64 {
	// Falling then rising pitch contour, like a crowd "woooah".
	f := 250 + 150*math.Cos(2*math.Pi*t/dur)
	return 0.8 * math.Sin(2*math.Pi*f*t)
}

func chime(_ *rand.Rand, t, _ float64) float64 {
	return 0.5*math.Sin(2*math.Pi*880*t)*math.Exp(-3*t) + 0.3*math.Sin(2*math.Pi*1320*t)*math.Exp(-4*t)
}
