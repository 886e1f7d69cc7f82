package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/soundstage/internal/store"
	"github.com/MrWong99/soundstage/pkg/provider/sfx"
)

// cloudGenerator holds the current cloud generator. The settings API may
// swap it while clips are being generated.
type cloudGenerator struct {
	mu     sync.RWMutex
	gen    sfx.Generator
	apiKey string
}

var _ sfx.Generator = (*cloudGenerator)(nil)

func (c *cloudGenerator) set(g sfx.Generator) {
	c.setWithKey(g, "")
}

func (c *cloudGenerator) setWithKey(g sfx.Generator, apiKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen = g
	c.apiKey = apiKey
}

// key returns the API key the current generator was built from, or "" when
// it came from the config file.
func (c *cloudGenerator) key() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey
}

// Generate implements [sfx.Generator].
func (c *cloudGenerator) Generate(ctx context.Context, req sfx.Request) (sfx.Clip, error) {
	c.mu.RLock()
	g := c.gen
	c.mu.RUnlock()
	if g == nil {
		return sfx.Clip{}, fmt.Errorf("app: no cloud generator configured: %w", sfx.ErrUnavailable)
	}
	return g.Generate(ctx, req)
}

// cloudAllowed reports whether effect prompts may leave the machine: local
// processing must be off and the user must have granted cloud processing
// consent.
func (a *App) cloudAllowed(ctx context.Context) bool {
	if a.localOnly {
		return false
	}
	c, err := a.store.GetConsent(ctx, a.userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		slog.Debug("app: no cloud processing consent", "user_id", a.userID)
		return false
	case err != nil:
		slog.Warn("app: consent lookup failed, keeping prompts local", "user_id", a.userID, "err", err)
		return false
	}
	return c.CloudProcessing
}
