// Package mock provides a test double for the sfx.Generator interface.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/soundstage/pkg/provider/sfx"
)

// GenerateCall records a single invocation of Generator.Generate.
type GenerateCall struct {
	Ctx context.Context
	Req sfx.Request
}

// Generator is a mock implementation of sfx.Generator.
type Generator struct {
	mu sync.Mutex

	// Clip is returned by Generate.
	Clip sfx.Clip

	// Err, if non-nil, is returned as the error from Generate.
	Err error

	// Block, when non-nil, makes Generate wait until it is closed or ctx is
	// done.
	Block chan struct{}

	// Delay, if positive, makes Generate wait before returning.
	Delay time.Duration

	// GenerateCalls records every call to Generate.
	GenerateCalls []GenerateCall
}

// Generate records the call and returns Clip, Err.
func (g *Generator) Generate(ctx context.Context, req sfx.Request) (sfx.Clip, error) {
	g.mu.Lock()
	g.GenerateCalls = append(g.GenerateCalls, GenerateCall{Ctx: ctx, Req: req})
	clip, err, block, delay := g.Clip, g.Err, g.Block, g.Delay
	g.mu.Unlock()

	if block != nil {
		select {
		case <-ctx.Done():
			return sfx.Clip{}, ctx.Err()
		case <-block:
		}
	}
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return sfx.Clip{}, ctx.Err()
		case <-t.C:
		}
	}
	return clip, err
}

// CallCount returns the number of Generate calls. Thread-safe.
func (g *Generator) CallCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.GenerateCalls)
}

// Calls returns a copy of the recorded calls. Thread-safe.
func (g *Generator) Calls() []GenerateCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]GenerateCall, len(g.GenerateCalls))
	copy(out, g.GenerateCalls)
	return out
}

// Ensure Generator implements sfx.Generator at compile time.
var _ sfx.Generator = (*Generator)(nil)
