package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] polls its file.
const DefaultWatchInterval = 5 * time.Second

// fingerprint identifies one version of the config file. The mtime and size
// are checked first; the content hash decides whether a rewrite is a change.
type fingerprint struct {
	mtime time.Time
	size  int64
	sum   [sha256.Size]byte
}

// sameStat reports whether info still matches the recorded file metadata.
func (f fingerprint) sameStat(info os.FileInfo) bool {
	return info.ModTime().Equal(f.mtime) && info.Size() == f.size
}

// Watcher polls a config file and hands every valid new version to a
// callback, typically [app.App.Reload]. Invalid edits are logged and skipped;
// the last valid config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(next *Config)

	mu      sync.Mutex
	current *Config
	seen    fingerprint

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path once and starts polling it. The initial load must
// succeed; onChange is only called for later versions.
func NewWatcher(path string, onChange func(next *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, fp, err := readConfig(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.current, w.seen = cfg, fp

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Current returns the last valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling and waits for an in-progress reload to finish.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	w.wg.Wait()
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			if next := w.poll(); next != nil && w.onChange != nil {
				w.onChange(next)
			}
		}
	}
}

// poll returns the new config when the file content changed and is valid.
func (w *Watcher) poll() *Config {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config: watched file unavailable", "path", w.path, "err", err)
		return nil
	}

	w.mu.Lock()
	seen := w.seen
	w.mu.Unlock()
	if seen.sameStat(info) {
		return nil
	}

	cfg, fp, err := readConfig(w.path)
	if err != nil {
		slog.Warn("config: reload rejected, keeping previous config", "path", w.path, "err", err)
		// Remember the bad version so it is reported once, not every tick.
		w.mu.Lock()
		w.seen = fp
		w.mu.Unlock()
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	changed := fp.sum != w.seen.sum
	w.seen = fp
	if !changed {
		return nil
	}
	w.current = cfg
	slog.Info("config: file changed", "path", w.path)
	return cfg
}

// readConfig loads and validates path. The fingerprint is filled whenever the
// file could be read, even if the config is invalid.
func readConfig(path string) (*Config, fingerprint, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	fp := fingerprint{mtime: info.ModTime(), size: info.Size(), sum: sha256.Sum256(data)}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fp, err
	}
	return cfg, fp, nil
}
