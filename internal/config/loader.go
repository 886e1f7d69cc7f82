package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr       = ":8000"
	DefaultUserID           = "default"
	DefaultSampleRate       = 44100
	DefaultChannels         = 2
	DefaultBlockSize        = 1024
	DefaultWindowBlocks     = 43
	DefaultQueueFrames      = 128
	DefaultSilenceRMS       = 0.01
	DefaultHistorySize      = 32
	DefaultSensitivity      = 0.5
	DefaultThresholdFactor  = 0.7
	DefaultKeywordIntensity = 0.75
	DefaultEffectDuration   = 3 * time.Second
	DefaultGenerateTimeout  = 30 * time.Second
	DefaultCacheDir         = "./audio_cache"
	DefaultSQLitePath       = "./soundstage.db"
	DefaultHistoryLimit     = 1000
)

// DefaultCORSOrigins are the development front-end origins.
var DefaultCORSOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

// Known event tags and emotion labels.
var (
	EventTags     = []string{"victory", "defeat", "achievement", "level_up"}
	EmotionLabels = []string{"happy", "sad", "excited", "angry", "neutral"}
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"whisper", "openai"},
	"sfx": {"elevenlabs"},
}

// DefaultEffects returns the built-in effect catalogue.
func DefaultEffects() []EffectConfig {
	return []EffectConfig{
		{ID: "cheer", Name: "Cheer", Category: CategoryPositive, Prompt: "crowd cheering loudly with whistles"},
		{ID: "applause", Name: "Applause", Category: CategoryPositive, Prompt: "audience applause, enthusiastic clapping"},
		{ID: "laugh", Name: "Laugh", Category: CategoryPositive, Prompt: "group of people laughing heartily"},
		{ID: "boo", Name: "Boo", Category: CategoryNegative, Prompt: "crowd booing in disappointment"},
		{ID: "gasp", Name: "Gasp", Category: CategoryReaction, Prompt: "audience gasping in surprise"},
		{ID: "wow", Name: "Wow", Category: CategoryReaction, Prompt: "crowd saying wow in amazement"},
		{ID: "aww", Name: "Aww", Category: CategoryReaction, Prompt: "audience saying aww sympathetically"},
	}
}

// DefaultEventMappings returns the default event→effect table.
func DefaultEventMappings() []Mapping {
	return []Mapping{
		{Key: "victory", Effect: "applause"},
		{Key: "defeat", Effect: "boo"},
		{Key: "achievement", Effect: "wow"},
		{Key: "level_up", Effect: "cheer"},
	}
}

// DefaultEmotionMappings returns the default emotion→effect table.
func DefaultEmotionMappings() []Mapping {
	return []Mapping{
		{Key: "happy", Effect: "cheer"},
		{Key: "excited", Effect: "cheer"},
		{Key: "sad", Effect: "aww"},
	}
}

// DefaultEventPhrases returns the default phrase table used to detect events
// in transcripts.
func DefaultEventPhrases() map[string][]string {
	return map[string][]string{
		"victory":     {"we won", "victory", "gg we win", "winner"},
		"defeat":      {"we lost", "defeat", "game over", "you died"},
		"achievement": {"achievement unlocked", "new record", "personal best"},
		"level_up":    {"level up", "leveled up", "levelled up"},
	}
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// environment fallbacks, and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv fills credentials left empty in the file from the environment.
func ApplyEnv(cfg *Config) {
	if cfg.Generation.Provider.APIKey == "" {
		if key := os.Getenv("ELEVENLABS_API_KEY"); key != "" {
			cfg.Generation.Provider.APIKey = key
			if cfg.Generation.Provider.Name == "" {
				cfg.Generation.Provider.Name = "elevenlabs"
			}
		}
	}
	if cfg.Discord.Token == "" {
		cfg.Discord.Token = os.Getenv("SOUNDSTAGE_DISCORD_TOKEN")
	}
}

// ApplyDefaults fills zero values with their defaults. Explicitly configured
// values are never overwritten.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = slices.Clone(DefaultCORSOrigins)
	}
	if cfg.Server.UserID == "" {
		cfg.Server.UserID = DefaultUserID
	}

	a := &cfg.Audio
	if a.SampleRate == 0 {
		a.SampleRate = DefaultSampleRate
	}
	if a.Channels == 0 {
		a.Channels = DefaultChannels
	}
	if a.BlockSize == 0 {
		a.BlockSize = DefaultBlockSize
	}
	if a.WindowBlocks == 0 {
		a.WindowBlocks = DefaultWindowBlocks
	}
	if a.QueueFrames == 0 {
		a.QueueFrames = DefaultQueueFrames
	}
	if a.Ingest.BufferBlocks == 0 {
		a.Ingest.BufferBlocks = DefaultQueueFrames
	}

	an := &cfg.Analysis
	if an.Classifier == "" {
		an.Classifier = ClassifierComposite
	}
	if an.SilenceRMS == 0 {
		an.SilenceRMS = DefaultSilenceRMS
	}
	if an.Emotion.Detector == "" {
		an.Emotion.Detector = EmotionHeuristic
	}
	if an.EventPhrases == nil {
		an.EventPhrases = DefaultEventPhrases()
	}
	if an.HistorySize == 0 {
		an.HistorySize = DefaultHistorySize
	}

	d := &cfg.Decision
	if d.Sensitivity == 0 {
		d.Sensitivity = DefaultSensitivity
	}
	if d.ThresholdFactor == 0 {
		d.ThresholdFactor = DefaultThresholdFactor
	}
	if d.KeywordIntensity == 0 {
		d.KeywordIntensity = DefaultKeywordIntensity
	}
	if d.Events == nil {
		d.Events = DefaultEventMappings()
	}
	if d.Emotions == nil {
		d.Emotions = DefaultEmotionMappings()
	}

	if len(cfg.Effects) == 0 {
		cfg.Effects = DefaultEffects()
	}
	for i := range cfg.Effects {
		e := &cfg.Effects[i]
		if e.Name == "" {
			e.Name = e.ID
		}
		if e.Category == "" {
			e.Category = CategoryReaction
		}
		if e.Duration == 0 {
			e.Duration = DefaultEffectDuration
		}
	}

	if cfg.Generation.Timeout == 0 {
		cfg.Generation.Timeout = DefaultGenerateTimeout
	}
	if cfg.Generation.CacheDir == "" {
		cfg.Generation.CacheDir = DefaultCacheDir
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = StorageSQLite
	}
	if cfg.Storage.Driver == StorageSQLite && cfg.Storage.Path == "" {
		cfg.Storage.Path = DefaultSQLitePath
	}
	if cfg.Storage.HistoryLimit == 0 {
		cfg.Storage.HistoryLimit = DefaultHistoryLimit
	}

	if cfg.Playback.Player == "" {
		cfg.Playback.Player = PlayerBrowser
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Audio
	a := cfg.Audio
	if a.SampleRate < 8000 || a.SampleRate > 192000 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is out of range [8000, 192000]", a.SampleRate))
	}
	if a.Channels < 1 || a.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is invalid; valid values: 1, 2", a.Channels))
	}
	if a.BlockSize <= 0 {
		errs = append(errs, fmt.Errorf("audio.block_size %d must be positive", a.BlockSize))
	}
	if a.WindowBlocks <= 0 {
		errs = append(errs, fmt.Errorf("audio.window_blocks %d must be positive", a.WindowBlocks))
	}
	if a.QueueFrames < a.WindowBlocks {
		slog.Warn("audio.queue_frames is smaller than one analysis window; expect dropped frames under load",
			"queue_frames", a.QueueFrames,
			"window_blocks", a.WindowBlocks,
		)
	}

	// Analysis
	an := cfg.Analysis
	if !an.Classifier.IsValid() {
		errs = append(errs, fmt.Errorf("analysis.classifier %q is invalid; valid values: null, composite", an.Classifier))
	}
	if !an.Emotion.Detector.IsValid() {
		errs = append(errs, fmt.Errorf("analysis.emotion.detector %q is invalid; valid values: heuristic, llm", an.Emotion.Detector))
	}
	if an.SilenceRMS < 0 || an.SilenceRMS > 1 {
		errs = append(errs, fmt.Errorf("analysis.silence_rms %.3f is out of range [0, 1]", an.SilenceRMS))
	}
	if an.Emotion.Detector == EmotionLLM && an.Emotion.LLM.Name == "" {
		errs = append(errs, errors.New("analysis.emotion: detector \"llm\" requires analysis.emotion.llm.name"))
	}
	if an.Emotion.Detector == EmotionLLM && an.Transcriber.Name == "" {
		slog.Warn("analysis.emotion.detector is llm but no transcriber is configured; emotions will not be detected")
	}
	for tag := range an.EventPhrases {
		if !slices.Contains(EventTags, tag) {
			errs = append(errs, fmt.Errorf("analysis.event_phrases: unknown event %q; valid values: %v", tag, EventTags))
		}
	}
	validateProviderName("stt", an.Transcriber.Name)
	validateProviderName("llm", an.Emotion.LLM.Name)

	// Effects
	effectSeen := make(map[string]int, len(cfg.Effects))
	for i, e := range cfg.Effects {
		prefix := fmt.Sprintf("effects[%d]", i)
		if e.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := effectSeen[e.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of effects[%d]", prefix, e.ID, prev))
			}
			effectSeen[e.ID] = i
		}
		if !e.Category.IsValid() {
			errs = append(errs, fmt.Errorf("%s.category %q is invalid; valid values: positive, negative, reaction", prefix, e.Category))
		}
		if e.Asset == "" && e.Prompt == "" {
			errs = append(errs, fmt.Errorf("%s: one of asset or prompt is required", prefix))
		}
		if e.Duration < 0 {
			errs = append(errs, fmt.Errorf("%s.duration %s must not be negative", prefix, e.Duration))
		}
	}

	// Decision
	d := cfg.Decision
	if d.Sensitivity < 0 || d.Sensitivity > 1 {
		errs = append(errs, fmt.Errorf("decision.sensitivity %.2f is out of range [0, 1]", d.Sensitivity))
	}
	if d.ThresholdFactor < 0 {
		errs = append(errs, fmt.Errorf("decision.threshold_factor %.2f must not be negative", d.ThresholdFactor))
	}
	if d.KeywordIntensity < 0 || d.KeywordIntensity > 1 {
		errs = append(errs, fmt.Errorf("decision.keyword_intensity %.2f is out of range [0, 1]", d.KeywordIntensity))
	}
	if d.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("decision.cooldown %s must not be negative", d.Cooldown))
	}
	errs = append(errs, validateMappings("decision.events", d.Events, EventTags, effectSeen)...)
	errs = append(errs, validateMappings("decision.emotions", d.Emotions, EmotionLabels, effectSeen)...)
	errs = append(errs, validateMappings("decision.keywords", d.Keywords, nil, effectSeen)...)

	// Generation
	validateProviderName("sfx", cfg.Generation.Provider.Name)
	if cfg.Generation.Timeout < 0 {
		errs = append(errs, fmt.Errorf("generation.timeout %s must not be negative", cfg.Generation.Timeout))
	}
	if cfg.Generation.Provider.Name != "" && cfg.Generation.Provider.APIKey == "" {
		slog.Warn("generation.provider is configured without an api_key; cloud generation will be unavailable",
			"provider", cfg.Generation.Provider.Name)
	}
	if cfg.Generation.Provider.Name != "" && BoolValue(cfg.Privacy.LocalProcessingOnly, true) {
		slog.Warn("generation.provider is configured but privacy.local_processing_only is enabled; cloud generation is disabled")
	}

	// Storage
	s := cfg.Storage
	if !s.Driver.IsValid() {
		errs = append(errs, fmt.Errorf("storage.driver %q is invalid; valid values: memory, sqlite, postgres", s.Driver))
	}
	if s.Driver == StoragePostgres && s.PostgresDSN == "" {
		errs = append(errs, errors.New("storage.postgres_dsn is required when driver is postgres"))
	}
	if s.Driver == StorageMemory {
		slog.Warn("storage.driver is memory; consent, settings, and history are lost on restart")
	}
	if s.HistoryLimit < 0 {
		errs = append(errs, fmt.Errorf("storage.history_limit %d must not be negative", s.HistoryLimit))
	}

	// Playback / Discord
	if !cfg.Playback.Player.IsValid() {
		errs = append(errs, fmt.Errorf("playback.player %q is invalid; valid values: browser, discord, none", cfg.Playback.Player))
	}
	if cfg.Playback.Player == PlayerDiscord && cfg.Discord.Token == "" {
		errs = append(errs, errors.New("playback.player \"discord\" requires discord.token"))
	}
	if cfg.Discord.Token != "" && cfg.Discord.GuildID == "" {
		errs = append(errs, errors.New("discord.guild_id is required when discord.token is set"))
	}

	return errors.Join(errs...)
}

// validateMappings checks a decision table: keys must be known (when known is
// non-nil) and unique, and every effect must exist in the catalogue.
func validateMappings(field string, ms []Mapping, known []string, effects map[string]int) []error {
	var errs []error
	seen := make(map[string]bool, len(ms))
	for i, m := range ms {
		prefix := fmt.Sprintf("%s[%d]", field, i)
		if m.Key == "" {
			errs = append(errs, fmt.Errorf("%s.key is required", prefix))
			continue
		}
		if known != nil && !slices.Contains(known, m.Key) {
			errs = append(errs, fmt.Errorf("%s.key %q is invalid; valid values: %v", prefix, m.Key, known))
		}
		if seen[m.Key] {
			errs = append(errs, fmt.Errorf("%s.key %q is a duplicate", prefix, m.Key))
		}
		seen[m.Key] = true
		if _, ok := effects[m.Effect]; !ok {
			errs = append(errs, fmt.Errorf("%s.effect %q is not a configured effect", prefix, m.Effect))
		}
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
