package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Compile-time interface assertion.
var _ Source = (*Router)(nil)

// Router multiplexes several [Source] implementations behind one. Device IDs
// are routed by their prefix up to the first colon ("file:a.wav" goes to the
// source registered under "file").
//
// Router is safe for concurrent use.
type Router struct {
	mu      sync.RWMutex
	sources map[string]Source
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{sources: make(map[string]Source)}
}

// Register adds src under prefix, replacing any previous registration.
func (r *Router) Register(prefix string, src Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[prefix] = src
}

// Prefixes returns the registered prefixes in sorted order.
func (r *Router) Prefixes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sources))
	for p := range r.sources {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Devices merges the device lists of all registered sources. A failing source
// is logged and skipped so one broken backend does not hide the others.
func (r *Router) Devices(ctx context.Context) ([]Device, error) {
	var all []Device
	for _, prefix := range r.Prefixes() {
		r.mu.RLock()
		src := r.sources[prefix]
		r.mu.RUnlock()

		devs, err := src.Devices(ctx)
		if err != nil {
			slog.Warn("audio: list devices failed", "source", prefix, "err", err)
			continue
		}
		all = append(all, devs...)
	}
	return all, nil
}

// Open routes deviceID to the matching source. An empty deviceID opens the
// first device flagged as default, or the first device listed.
func (r *Router) Open(ctx context.Context, deviceID string, cfg StreamConfig) (Stream, error) {
	if deviceID == "" {
		id, err := r.defaultDevice(ctx)
		if err != nil {
			return nil, err
		}
		deviceID = id
	}

	prefix, _, ok := strings.Cut(deviceID, ":")
	if !ok {
		return nil, fmt.Errorf("audio: device %q has no source prefix: %w", deviceID, ErrDeviceUnavailable)
	}
	r.mu.RLock()
	src, found := r.sources[prefix]
	r.mu.RUnlock()
	if !found {
		return nil, fmt.Errorf("audio: no source for device %q: %w", deviceID, ErrDeviceUnavailable)
	}
	return src.Open(ctx, deviceID, cfg)
}

func (r *Router) defaultDevice(ctx context.Context) (string, error) {
	devs, err := r.Devices(ctx)
	if err != nil {
		return "", err
	}
	if len(devs) == 0 {
		return "", fmt.Errorf("audio: no capture devices: %w", ErrDeviceUnavailable)
	}
	for _, d := range devs {
		if d.Default {
			return d.ID, nil
		}
	}
	return devs[0].ID, nil
}
