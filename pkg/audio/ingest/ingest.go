// Package ingest provides an [audio.Source] fed by remote clients over
// WebSocket. A browser (or any other client) connects to
//
//	GET /{name}?rate=48000&channels=1
//
// and streams binary messages of little-endian 16-bit PCM. While connected,
// the client is listed as capture device "ingest:<name>". Audio received
// before a session opens the device is discarded.
//
// A client that disconnects with a normal close ends the stream with io.EOF;
// any other disconnect is reported as a lost device.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/soundstage/pkg/audio"
)

// Prefix is the device-ID prefix served by this source.
const Prefix = "ingest"

// maxMessageBytes bounds a single PCM message (one second of 48 kHz stereo).
const maxMessageBytes = 48000 * 2 * 2

// Compile-time interface assertion.
var _ audio.Source = (*Hub)(nil)

// Option is a functional option for [NewHub].
type Option func(*Hub)

// WithOriginPatterns sets the allowed Origin host patterns for browser clients.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Hub) {
		h.origins = patterns
	}
}

// WithBufferBlocks sets the per-stream block buffer passed to [audio.NewPushStream].
func WithBufferBlocks(n int) Option {
	return func(h *Hub) {
		h.bufferBlocks = n
	}
}

// Hub tracks connected ingest clients and serves the WebSocket endpoint.
//
// Hub is safe for concurrent use.
type Hub struct {
	origins      []string
	bufferBlocks int

	mu      sync.Mutex
	clients map[string]*client
}

// client is one connected producer.
type client struct {
	format audio.Format

	mu     sync.Mutex
	stream *audio.PushStream
	conv   *audio.FormatConverter
}

// NewHub creates an empty Hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{clients: make(map[string]*client)}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Handler returns an http.Handler that serves the ingest endpoint:
//
//	GET /{name}?rate=<hz>&channels=<n>
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{name}", h.handleIngest)
	return mux
}

// Devices lists the currently connected clients.
func (h *Hub) Devices(_ context.Context) ([]audio.Device, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	devs := make([]audio.Device, 0, len(h.clients))
	for name, c := range h.clients {
		devs = append(devs, audio.Device{
			ID:         Prefix + ":" + name,
			Name:       name,
			Kind:       audio.DeviceIngest,
			SampleRate: c.format.SampleRate,
			Channels:   c.format.Channels,
		})
	}
	sort.Slice(devs, func(i, j int) bool { return devs[i].ID < devs[j].ID })
	return devs, nil
}

// Open attaches a new stream to the connected client named by deviceID.
// Client audio is converted to cfg's format.
func (h *Hub) Open(_ context.Context, deviceID string, cfg audio.StreamConfig) (audio.Stream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("ingest: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	name := strings.TrimPrefix(deviceID, Prefix+":")

	h.mu.Lock()
	c, ok := h.clients[name]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("ingest: client %q not connected: %w", name, audio.ErrDeviceUnavailable)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		return nil, fmt.Errorf("ingest: client %q already in use: %w", name, audio.ErrDeviceUnavailable)
	}
	var ps *audio.PushStream
	ps = audio.NewPushStream(cfg,
		audio.WithCapacity(h.bufferBlocks),
		audio.WithOnClose(func() { c.detach(ps) }),
	)
	c.stream = ps
	c.conv = &audio.FormatConverter{Target: cfg.Format}
	return ps, nil
}

func (c *client) detach(ps *audio.PushStream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == ps {
		c.stream = nil
		c.conv = nil
	}
}

// push converts and forwards one message to the attached stream, if any.
func (c *client) push(samples []int16) {
	c.mu.Lock()
	ps, conv := c.stream, c.conv
	c.mu.Unlock()
	if ps == nil {
		return
	}
	_ = ps.Write(conv.Convert(samples, c.format))
}

// end terminates the attached stream with err.
func (c *client) end(err error) {
	c.mu.Lock()
	ps := c.stream
	c.stream = nil
	c.mu.Unlock()
	if ps != nil {
		ps.CloseWithError(err)
	}
}

func (h *Hub) handleIngest(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	format, err := parseFormat(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	c := &client{format: format}
	h.mu.Lock()
	if _, exists := h.clients[name]; exists {
		h.mu.Unlock()
		http.Error(w, "ingest client already connected", http.StatusConflict)
		return
	}
	h.clients[name] = c
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, name)
		h.mu.Unlock()
	}()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		slog.Warn("ingest: websocket accept failed", "client", name, "err", err)
		c.end(fmt.Errorf("ingest: client %q: %w", name, audio.ErrDeviceUnavailable))
		return
	}
	conn.SetReadLimit(maxMessageBytes)
	slog.Info("ingest: client connected", "client", name, "format", format.String())

	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				slog.Info("ingest: client disconnected", "client", name)
				c.end(io.EOF)
			} else {
				slog.Warn("ingest: client lost", "client", name, "err", err)
				c.end(fmt.Errorf("ingest: client %q lost: %w: %w", name, audio.ErrDeviceUnavailable, err))
			}
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		c.push(audio.DecodePCM16LE(data))
	}
}

func parseFormat(r *http.Request) (audio.Format, error) {
	f := audio.Format{SampleRate: 48000, Channels: 1}
	q := r.URL.Query()
	if v := q.Get("rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 8000 || n > 192000 {
			return f, errors.New("rate must be an integer between 8000 and 192000")
		}
		f.SampleRate = n
	}
	if v := q.Get("channels"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 8 {
			return f, errors.New("channels must be an integer between 1 and 8")
		}
		f.Channels = n
	}
	return f, nil
}
