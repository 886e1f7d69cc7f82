package dispatch

import (
	"context"
	"fmt"

	"github.com/MrWong99/soundstage/pkg/provider/sfx"
)

// Gated wraps a generator that may only run while Allow returns true. It
// reports [sfx.ErrUnavailable] otherwise, so a fallback group moves on to the
// next generator. It is used to enforce cloud processing consent.
type Gated struct {
	Generator sfx.Generator
	Allow     func(ctx context.Context) bool
	Reason    string
}

var _ sfx.Generator = (*Gated)(nil)

// Generate implements [sfx.Generator].
func (g *Gated) Generate(ctx context.Context, req sfx.Request) (sfx.Clip, error) {
	if g.Allow != nil && !g.Allow(ctx) {
		return sfx.Clip{}, fmt.Errorf("dispatch: %s: %w", g.Reason, sfx.ErrUnavailable)
	}
	return g.Generator.Generate(ctx, req)
}
