// Package memory provides an in-process [store.Store]. Nothing survives a
// restart; it backs tests and the "memory" storage driver.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/soundstage/internal/dispatch"
	"github.com/MrWong99/soundstage/internal/store"
)

// Store is a map-backed [store.Store].
type Store struct {
	historyLimit int

	mu       sync.RWMutex
	consent  map[string]store.Consent
	settings map[string]store.Settings
	profiles map[string]map[string]store.Settings
	history  map[string][]dispatch.Record
}

var _ store.Store = (*Store)(nil)

// New creates an empty store. historyLimit bounds the trigger records kept
// per user; zero keeps all.
func New(historyLimit int) *Store {
	return &Store{
		historyLimit: historyLimit,
		consent:      make(map[string]store.Consent),
		settings:     make(map[string]store.Settings),
		profiles:     make(map[string]map[string]store.Settings),
		history:      make(map[string][]dispatch.Record),
	}
}

// GetConsent implements [store.Store].
func (s *Store) GetConsent(_ context.Context, userID string) (store.Consent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.consent[userID]
	if !ok {
		return store.Consent{}, fmt.Errorf("memory: consent for %q: %w", userID, store.ErrNotFound)
	}
	return c, nil
}

// SetConsent implements [store.Store].
func (s *Store) SetConsent(_ context.Context, userID string, c store.Consent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consent[userID] = c
	return nil
}

// GetSettings implements [store.Store].
func (s *Store) GetSettings(_ context.Context, userID string) (store.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.settings[userID]
	if !ok {
		return store.Settings{}, fmt.Errorf("memory: settings for %q: %w", userID, store.ErrNotFound)
	}
	return set, nil
}

// SaveSettings implements [store.Store].
func (s *Store) SaveSettings(_ context.Context, userID string, set store.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[userID] = set
	return nil
}

// SaveProfile implements [store.Store].
func (s *Store) SaveProfile(_ context.Context, userID, name string, set store.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		p = make(map[string]store.Settings)
		s.profiles[userID] = p
	}
	p[name] = set
	return nil
}

// LoadProfile implements [store.Store].
func (s *Store) LoadProfile(_ context.Context, userID, name string) (store.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.profiles[userID][name]
	if !ok {
		return store.Settings{}, fmt.Errorf("memory: profile %q: %w", name, store.ErrNotFound)
	}
	return set, nil
}

// ListProfiles implements [store.Store].
func (s *Store) ListProfiles(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.profiles[userID]))
	for name := range s.profiles[userID] {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

// AppendTrigger implements [store.Store].
func (s *Store) AppendTrigger(_ context.Context, userID string, rec dispatch.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := append(s.history[userID], rec)
	if s.historyLimit > 0 && len(h) > s.historyLimit {
		h = slices.Clone(h[len(h)-s.historyLimit:])
	}
	s.history[userID] = h
	return nil
}

// TriggerHistory implements [store.Store].
func (s *Store) TriggerHistory(_ context.Context, userID string, limit int) ([]dispatch.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.history[userID]
	n := len(h)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]dispatch.Record, 0, n)
	for i := len(h) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, h[i])
	}
	return out, nil
}

// Ping implements [store.Store]. It always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close implements [store.Store]. It is a no-op.
func (s *Store) Close() error { return nil }
