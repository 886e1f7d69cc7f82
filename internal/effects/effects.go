// Package effects holds the static sound-effect catalogue.
package effects

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/soundstage/internal/config"
)

// ErrUnknownEffect is returned when an effect ID is not in the catalogue.
var ErrUnknownEffect = errors.New("effects: unknown effect")

// Effect is one sound-effect definition. Effects are read-only once loaded.
type Effect struct {
	ID       string                `json:"id"`
	Name     string                `json:"name"`
	Category config.EffectCategory `json:"category"`

	// Asset is the path of a pre-rendered WAV file, if any.
	Asset string `json:"asset,omitempty"`

	// Prompt is the text used to generate the effect.
	Prompt string `json:"prompt,omitempty"`

	Duration time.Duration `json:"duration"`
}

// Prerendered reports whether the effect plays a fixed asset.
func (e Effect) Prerendered() bool {
	return e.Asset != ""
}

// Catalog is an ordered, immutable set of effects.
type Catalog struct {
	list []Effect
	byID map[string]int
}

// NewCatalog builds a catalogue from the effects section of the config.
// Duplicate IDs are rejected.
func NewCatalog(cfgs []config.EffectConfig) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]int, len(cfgs))}
	for _, ec := range cfgs {
		if _, dup := c.byID[ec.ID]; dup {
			return nil, fmt.Errorf("effects: duplicate effect %q", ec.ID)
		}
		c.byID[ec.ID] = len(c.list)
		c.list = append(c.list, Effect{
			ID:       ec.ID,
			Name:     ec.Name,
			Category: ec.Category,
			Asset:    ec.Asset,
			Prompt:   ec.Prompt,
			Duration: ec.Duration,
		})
	}
	return c, nil
}

// Get returns the effect with the given ID.
func (c *Catalog) Get(id string) (Effect, error) {
	i, ok := c.byID[id]
	if !ok {
		return Effect{}, fmt.Errorf("%w: %q", ErrUnknownEffect, id)
	}
	return c.list[i], nil
}

// List returns the effects in configuration order.
func (c *Catalog) List() []Effect {
	out := make([]Effect, len(c.list))
	copy(out, c.list)
	return out
}

// Durations maps effect IDs to their default durations.
func (c *Catalog) Durations() map[string]time.Duration {
	out := make(map[string]time.Duration, len(c.list))
	for _, e := range c.list {
		out[e.ID] = e.Duration
	}
	return out
}
