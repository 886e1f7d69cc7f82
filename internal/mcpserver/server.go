// Package mcpserver exposes SoundStage to MCP clients over streamable HTTP.
//
// Tools:
//
//   - list_effects: the effect catalogue
//   - trigger_effect: manual trigger
//   - session_status: live session snapshot
//   - start_analysis / stop_analysis: session lifecycle
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/soundstage/internal/dispatch"
	"github.com/MrWong99/soundstage/internal/effects"
	"github.com/MrWong99/soundstage/internal/session"
)

// Sessions is the part of the session manager the tools drive.
type Sessions interface {
	Status() session.Status
	Start(ctx context.Context, req session.StartRequest) error
	Stop(ctx context.Context) error
	Trigger(ctx context.Context, req dispatch.ManualRequest) (dispatch.Record, error)
}

// Compile-time interface assertion.
var _ Sessions = (*session.Manager)(nil)

// Server wraps an MCP server with the SoundStage tools registered.
type Server struct {
	sessions Sessions
	catalog  *effects.Catalog
	srv      *mcp.Server
}

// New registers every tool on a fresh MCP server.
func New(sessions Sessions, catalog *effects.Catalog, version string) *Server {
	s := &Server{
		sessions: sessions,
		catalog:  catalog,
		srv:      mcp.NewServer(&mcp.Implementation{Name: "soundstage", Version: version}, nil),
	}
	s.register()
	return s
}

// MCP returns the underlying server, e.g. to connect an in-memory transport.
func (s *Server) MCP() *mcp.Server {
	return s.srv
}

// Handler serves the streamable HTTP transport.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.srv }, nil)
}

// ─── Tool arguments ──────────────────────────────────────────────────────────

type noArgs struct{}

type triggerArgs struct {
	EffectID  string  `json:"effect_id" jsonschema:"ID of the effect from list_effects"`
	Intensity float64 `json:"intensity,omitempty" jsonschema:"intensity in [0, 1], default 0.5"`
	Duration  float64 `json:"duration,omitempty" jsonschema:"duration override in seconds for generated effects"`
}

type startArgs struct {
	DeviceID       string   `json:"device_id,omitempty" jsonschema:"capture device ID, empty selects the default"`
	Keywords       []string `json:"keywords,omitempty" jsonschema:"keyword vocabulary, defaults to the configured list"`
	EnableEmotion  *bool    `json:"enable_emotion,omitempty" jsonschema:"detect emotion, default true"`
	EnableKeywords *bool    `json:"enable_keywords,omitempty" jsonschema:"spot keywords, default true"`
	EnableEvents   *bool    `json:"enable_events,omitempty" jsonschema:"detect game events, default true"`
}

func (s *Server) register() {
	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "list_effects",
		Description: "List the sound effects that can be triggered.",
	}, s.listEffects)
	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "trigger_effect",
		Description: "Play a sound effect now, bypassing auto-trigger and cooldown.",
	}, s.triggerEffect)
	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "session_status",
		Description: "Return the live analysis session status.",
	}, s.sessionStatus)
	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "start_analysis",
		Description: "Start live audio analysis on a capture device.",
	}, s.startAnalysis)
	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "stop_analysis",
		Description: "Stop live audio analysis.",
	}, s.stopAnalysis)
}

// ─── Handlers ────────────────────────────────────────────────────────────────

func (s *Server) listEffects(_ context.Context, _ *mcp.CallToolRequest, _ noArgs) (*mcp.CallToolResult, any, error) {
	return jsonResult(map[string]any{"effects": s.catalog.List()})
}

func (s *Server) triggerEffect(ctx context.Context, _ *mcp.CallToolRequest, args triggerArgs) (*mcp.CallToolResult, any, error) {
	if args.EffectID == "" {
		return errorResult("effect_id is required"), nil, nil
	}
	intensity := args.Intensity
	if intensity == 0 {
		intensity = 0.5
	}
	if intensity < 0 || intensity > 1 || args.Duration < 0 {
		return errorResult("intensity must be in [0, 1] and duration must not be negative"), nil, nil
	}
	rec, err := s.sessions.Trigger(ctx, dispatch.ManualRequest{
		EffectID:  args.EffectID,
		Intensity: intensity,
		Duration:  time.Duration(args.Duration * float64(time.Second)),
	})
	if err != nil {
		return errorResult(err.Error()), nil, nil
	}
	slog.Info("mcpserver: effect triggered", "effect_id", rec.EffectID, "status", rec.Status)
	return jsonResult(rec)
}

func (s *Server) sessionStatus(_ context.Context, _ *mcp.CallToolRequest, _ noArgs) (*mcp.CallToolResult, any, error) {
	return jsonResult(s.sessions.Status())
}

func (s *Server) startAnalysis(ctx context.Context, _ *mcp.CallToolRequest, args startArgs) (*mcp.CallToolResult, any, error) {
	req := session.StartRequest{
		DeviceID:       args.DeviceID,
		Keywords:       args.Keywords,
		EnableEmotion:  boolOr(args.EnableEmotion, true),
		EnableKeywords: boolOr(args.EnableKeywords, true),
		EnableEvents:   boolOr(args.EnableEvents, true),
	}
	if err := s.sessions.Start(ctx, req); err != nil {
		return errorResult(err.Error()), nil, nil
	}
	return jsonResult(s.sessions.Status())
}

func (s *Server) stopAnalysis(ctx context.Context, _ *mcp.CallToolRequest, _ noArgs) (*mcp.CallToolResult, any, error) {
	if err := s.sessions.Stop(ctx); err != nil {
		return errorResult(err.Error()), nil, nil
	}
	return jsonResult(s.sessions.Status())
}

// ─── Results ─────────────────────────────────────────────────────────────────

func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, fmt.Errorf("mcpserver: encode result: %w", err)
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(data)}}}, nil, nil
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
		IsError: true,
	}
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
