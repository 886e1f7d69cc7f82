// Package elevenlabs provides an ElevenLabs-backed sound-effect generator
// using the ElevenLabs sound-generation REST API. It implements the
// sfx.Generator interface.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/soundstage/pkg/audio"
	"github.com/MrWong99/soundstage/pkg/provider/sfx"
)

const (
	defaultBaseURL   = "https://api.elevenlabs.io/v1"
	defaultOutputFmt = "pcm_44100"
	// maxResponseBytes bounds one clip: 22 s of 48 kHz mono PCM16 with room to spare.
	maxResponseBytes = 8 << 20
)

// Compile-time interface assertion.
var _ sfx.Generator = (*Generator)(nil)

// Option is a functional option for configuring the ElevenLabs Generator.
type Option func(*Generator)

// WithBaseURL overrides the API base URL (e.g., for tests or proxies).
func WithBaseURL(url string) Option {
	return func(g *Generator) {
		g.baseURL = strings.TrimRight(url, "/")
	}
}

// WithOutputFormat sets the raw PCM output format (e.g., "pcm_22050",
// "pcm_44100"). Only pcm_* formats are supported.
func WithOutputFormat(format string) Option {
	return func(g *Generator) {
		g.outputFormat = format
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Generator) {
		g.httpClient = c
	}
}

// Generator implements sfx.Generator backed by the ElevenLabs API.
type Generator struct {
	apiKey       string
	baseURL      string
	outputFormat string
	httpClient   *http.Client
}

// New creates a new ElevenLabs Generator. An empty apiKey yields a generator
// that always reports [sfx.ErrUnavailable].
func New(apiKey string, opts ...Option) (*Generator, error) {
	g := &Generator{
		apiKey:       apiKey,
		baseURL:      defaultBaseURL,
		outputFormat: defaultOutputFmt,
		httpClient:   &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(g)
	}
	if _, err := parseOutputFormat(g.outputFormat); err != nil {
		return nil, err
	}
	return g, nil
}

// generateRequest is the JSON body of POST /sound-generation.
type generateRequest struct {
	Text            string   `json:"text"`
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`
	PromptInfluence float64  `json:"prompt_influence"`
}

// Generate implements sfx.Generator.
func (g *Generator) Generate(ctx context.Context, req sfx.Request) (sfx.Clip, error) {
	if g.apiKey == "" {
		return sfx.Clip{}, fmt.Errorf("elevenlabs: no api key configured: %w", sfx.ErrUnavailable)
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return sfx.Clip{}, errors.New("elevenlabs: prompt must not be empty")
	}
	format, _ := parseOutputFormat(g.outputFormat)

	body := generateRequest{
		Text:            req.Prompt,
		PromptInfluence: sfx.ClampInfluence(req.PromptInfluence),
	}
	if d := sfx.ClampDuration(req.Duration); d > 0 {
		secs := d.Seconds()
		body.DurationSeconds = &secs
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return sfx.Clip{}, fmt.Errorf("elevenlabs: marshal request: %w", err)
	}

	url := g.baseURL + "/sound-generation?output_format=" + g.outputFormat
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return sfx.Clip{}, fmt.Errorf("elevenlabs: create request: %w", err)
	}
	httpReq.Header.Set("xi-api-key", g.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return sfx.Clip{}, fmt.Errorf("elevenlabs: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("elevenlabs: server returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode == http.StatusUnauthorized {
			err = fmt.Errorf("%w: %w", err, sfx.ErrUnavailable)
		}
		return sfx.Clip{}, err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return sfx.Clip{}, fmt.Errorf("elevenlabs: read response: %w", err)
	}
	if len(data) < 2 {
		return sfx.Clip{}, errors.New("elevenlabs: empty audio response")
	}
	return sfx.Clip{Samples: audio.DecodePCM16LE(data), Format: format}, nil
}

// parseOutputFormat maps "pcm_<rate>" to a mono audio format.
func parseOutputFormat(s string) (audio.Format, error) {
	rateStr, ok := strings.CutPrefix(s, "pcm_")
	if !ok {
		return audio.Format{}, fmt.Errorf("elevenlabs: unsupported output format %q; only pcm_* formats are supported", s)
	}
	var rate int
	if _, err := fmt.Sscanf(rateStr, "%d", &rate); err != nil || rate <= 0 {
		return audio.Format{}, fmt.Errorf("elevenlabs: invalid output format %q", s)
	}
	return audio.Format{SampleRate: rate, Channels: 1}, nil
}
