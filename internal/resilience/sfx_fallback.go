package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/soundstage/pkg/provider/sfx"
)

// SFXFallback implements [sfx.Generator] with automatic failover across
// several generators, each behind its own circuit breaker.
//
// Generators reporting [sfx.ErrUnavailable] are skipped without counting
// against their breaker. The combined error wraps [sfx.ErrUnavailable] only
// when no generator actually attempted the request, so callers can tell a
// missing configuration apart from a failed generation.
type SFXFallback struct {
	group *FallbackGroup[sfx.Generator]
}

// Compile-time interface assertion.
var _ sfx.Generator = (*SFXFallback)(nil)

// NewSFXFallback creates an [SFXFallback] with primary as the preferred
// generator. cfg.CircuitBreaker.IsFailure is overridden.
func NewSFXFallback(primary sfx.Generator, primaryName string, cfg FallbackConfig) *SFXFallback {
	cfg.CircuitBreaker.IsFailure = isGenerationFailure
	return &SFXFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional generator, tried after those already
// registered.
func (f *SFXFallback) AddFallback(name string, g sfx.Generator) {
	f.group.AddFallback(name, g)
}

// Names returns the generator names in the order they are tried.
func (f *SFXFallback) Names() []string {
	return f.group.Names()
}

// Generate implements [sfx.Generator].
func (f *SFXFallback) Generate(ctx context.Context, req sfx.Request) (sfx.Clip, error) {
	var failures []error
	clip, err := ExecuteWithResult(f.group, func(g sfx.Generator) (sfx.Clip, error) {
		c, err := g.Generate(ctx, req)
		if err != nil && !errors.Is(err, sfx.ErrUnavailable) {
			failures = append(failures, err)
		}
		return c, err
	})
	if err != nil && len(failures) > 0 {
		// At least one generator really tried: report only those failures.
		return sfx.Clip{}, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(failures...))
	}
	return clip, err
}

// isGenerationFailure keeps configuration gaps and caller cancellation out of
// the breaker's failure count.
func isGenerationFailure(err error) bool {
	return !errors.Is(err, sfx.ErrUnavailable) && !errors.Is(err, context.Canceled)
}
