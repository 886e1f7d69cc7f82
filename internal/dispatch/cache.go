package dispatch

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/MrWong99/soundstage/pkg/audio"
	"github.com/MrWong99/soundstage/pkg/provider/sfx"
)

// defaultMemoryEntries bounds the in-memory clip cache.
const defaultMemoryEntries = 64

// CacheKey returns the hex SHA-256 of the request's prompt, duration, and
// prompt influence. Equal requests share one cached clip.
func CacheKey(req sfx.Request) string {
	h := sha256.New()
	h.Write([]byte(req.Prompt))
	h.Write([]byte{0})
	h.Write([]byte(req.Duration.String()))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatFloat(req.PromptInfluence, 'f', 3, 64)))
	return hex.EncodeToString(h.Sum(nil))
}

// validKey reports whether key is a 64-character lowercase hex string, which
// keeps user-supplied refs from escaping the cache directory.
func validKey(key string) bool {
	if len(key) != sha256.Size*2 {
		return false
	}
	for _, c := range key {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Cache stores generated clips in memory and, when a directory is set, as
// WAV files on disk. It is safe for concurrent use.
type Cache struct {
	dir string
	max int

	mu    sync.Mutex
	clips map[string]sfx.Clip
	order []string
}

// NewCache creates a cache writing to dir. An empty dir keeps clips in memory
// only. The directory is created if missing.
func NewCache(dir string) (*Cache, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("dispatch: create cache dir: %w", err)
		}
	}
	return &Cache{
		dir:   dir,
		max:   defaultMemoryEntries,
		clips: make(map[string]sfx.Clip),
	}, nil
}

// Load returns the clip stored under key.
func (c *Cache) Load(key string) (sfx.Clip, bool) {
	if !validKey(key) {
		return sfx.Clip{}, false
	}
	c.mu.Lock()
	clip, ok := c.clips[key]
	c.mu.Unlock()
	if ok {
		return clip, true
	}
	if c.dir == "" {
		return sfx.Clip{}, false
	}
	data, err := os.ReadFile(c.path(key))
	if err != nil {
		return sfx.Clip{}, false
	}
	samples, f, err := audio.DecodeWAV(bytes.NewReader(data))
	if err != nil {
		return sfx.Clip{}, false
	}
	clip = sfx.Clip{Samples: samples, Format: f}
	c.remember(key, clip)
	return clip, true
}

// Store saves clip under key.
func (c *Cache) Store(key string, clip sfx.Clip) error {
	if !validKey(key) {
		return fmt.Errorf("dispatch: invalid cache key %q", key)
	}
	c.remember(key, clip)
	if c.dir == "" {
		return nil
	}
	data, err := clip.WAV()
	if err != nil {
		return fmt.Errorf("dispatch: encode cached clip: %w", err)
	}
	tmp := c.path(key) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("dispatch: write cached clip: %w", err)
	}
	if err := os.Rename(tmp, c.path(key)); err != nil {
		return fmt.Errorf("dispatch: write cached clip: %w", err)
	}
	return nil
}

func (c *Cache) remember(key string, clip sfx.Clip) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.clips[key]; !ok {
		c.order = append(c.order, key)
	}
	c.clips[key] = clip
	for len(c.order) > c.max {
		delete(c.clips, c.order[0])
		c.order = c.order[1:]
	}
}

func (c *Cache) path(key string) string {
	return filepath.Join(c.dir, key+".wav")
}
