// Package config holds runtime configuration: defaults, the yaml file, env
// overrides and validation. Secrets never live in the yaml file; they are read
// from the environment (optionally seeded from .env by the caller).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"reel-pipeline/internal/retry"
	"reel-pipeline/internal/types"
)

// Transition is how consecutive clips are joined.
type Transition string

const (
	TransitionHardCut   Transition = "hardcut"
	TransitionCrossfade Transition = "crossfade"
)

// PromptBackend selects the prompt generator.
type PromptBackend string

const (
	PromptsGroq   PromptBackend = "groq"
	PromptsGemini PromptBackend = "gemini"
)

// CheckpointBackend selects where artifacts documents are kept.
type CheckpointBackend string

const (
	CheckpointFile     CheckpointBackend = "file"
	CheckpointPostgres CheckpointBackend = "postgres"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Paths      PathsConfig      `yaml:"paths"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Retry      RetryConfig      `yaml:"retry"`
	Limits     LimitsConfig     `yaml:"limits"`
	Media      MediaConfig      `yaml:"media"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Log        LogConfig        `yaml:"log"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	MaxUploadMB     int64         `yaml:"max_upload_mb"`
}

type PathsConfig struct {
	WorkDir   string `yaml:"work_dir"`
	UploadDir string `yaml:"upload_dir"`
}

type PipelineConfig struct {
	MaxConcurrentJobs int  `yaml:"max_concurrent_jobs"`
	VideoConcurrency  int  `yaml:"video_concurrency"`
	SceneDurationSec  int  `yaml:"scene_duration_sec"`
	VoiceoverEnabled  bool `yaml:"voiceover_enabled"`
	// OriginalAnchor also passes the uploaded image to scenes after the first.
	OriginalAnchor bool          `yaml:"original_anchor"`
	Transition     Transition    `yaml:"transition"`
	TransitionSec  float64       `yaml:"transition_sec"`
	SessionTTL     time.Duration `yaml:"session_ttl"`
	ReapInterval   time.Duration `yaml:"reap_interval"`
}

// PolicyConfig mirrors retry.Policy. Zero fields inherit from the default.
type PolicyConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	Jitter      float64       `yaml:"jitter"`
}

type RetryConfig struct {
	Default PolicyConfig                 `yaml:"default"`
	Stages  map[types.Stage]PolicyConfig `yaml:"stages"`
}

// WindowConfig allows Requests calls per Period. Zero Requests disables it.
type WindowConfig struct {
	Requests int           `yaml:"requests"`
	Period   time.Duration `yaml:"period"`
}

type LimitsConfig struct {
	Images WindowConfig `yaml:"images"`
	Videos WindowConfig `yaml:"videos"`
	Speech WindowConfig `yaml:"speech"`
	Music  WindowConfig `yaml:"music"`
}

type MediaConfig struct {
	FFmpegPath  string `yaml:"ffmpeg_path"`
	FFprobePath string `yaml:"ffprobe_path"`
	Width       int    `yaml:"width"`
	Height      int    `yaml:"height"`
	FPS         int    `yaml:"fps"`
	// Degraded* is the resolution used after a quality-degrading recovery.
	DegradedWidth  int     `yaml:"degraded_width"`
	DegradedHeight int     `yaml:"degraded_height"`
	VoiceGain      float64 `yaml:"voice_gain"`
	MusicGain      float64 `yaml:"music_gain"`
	OriginalGain   float64 `yaml:"original_gain"`
	KeepClipAudio  bool    `yaml:"keep_clip_audio"`
}

type PromptsConfig struct {
	Backend     PromptBackend `yaml:"backend"`
	GroqURL     string        `yaml:"groq_url"`
	GroqModel   string        `yaml:"groq_model"`
	GeminiModel string        `yaml:"gemini_model"`
	Temperature float64       `yaml:"temperature"`
}

type HTTPProviderConfig struct {
	BaseURL      string        `yaml:"base_url"`
	Model        string        `yaml:"model"`
	Timeout      time.Duration `yaml:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type ProvidersConfig struct {
	Prompts PromptsConfig      `yaml:"prompts"`
	Images  HTTPProviderConfig `yaml:"images"`
	Videos  HTTPProviderConfig `yaml:"videos"`
	Music   HTTPProviderConfig `yaml:"music"`
	Voice   types.VoiceParams  `yaml:"voice"`
}

type CheckpointConfig struct {
	Backend CheckpointBackend `yaml:"backend"`
	// Dir defaults to paths.work_dir for the file backend.
	Dir string `yaml:"dir"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
	Color string `yaml:"color"`
}

// Secrets are read from the environment only.
type Secrets struct {
	GroqAPIKey   string
	GeminiAPIKey string
	ImageAPIKey  string
	VideoAPIKey  string
	MusicAPIKey  string
	DatabaseURL  string
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:            "8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			AllowedOrigins:  []string{"http://localhost:5173"},
			MaxUploadMB:     10,
		},
		Paths: PathsConfig{
			WorkDir:   "./work",
			UploadDir: "./uploads",
		},
		Pipeline: PipelineConfig{
			MaxConcurrentJobs: 4,
			VideoConcurrency:  1,
			SceneDurationSec:  5,
			VoiceoverEnabled:  false,
			OriginalAnchor:    false,
			Transition:        TransitionHardCut,
			TransitionSec:     0.5,
			SessionTTL:        24 * time.Hour,
			ReapInterval:      10 * time.Minute,
		},
		Retry: RetryConfig{
			Default: PolicyConfig{
				MaxAttempts: 3,
				BaseDelay:   time.Second,
				MaxDelay:    30 * time.Second,
				Multiplier:  2,
				Jitter:      0.3,
			},
			Stages: map[types.Stage]PolicyConfig{
				types.StageImages: {BaseDelay: 2 * time.Second, MaxDelay: 60 * time.Second},
				types.StageVideos: {BaseDelay: 5 * time.Second, MaxDelay: 60 * time.Second},
				types.StageMerge:  {MaxAttempts: 2, BaseDelay: 500 * time.Millisecond},
			},
		},
		Limits: LimitsConfig{
			Images: WindowConfig{Requests: 10, Period: time.Minute},
			Videos: WindowConfig{Requests: 4, Period: time.Minute},
			Speech: WindowConfig{Requests: 30, Period: time.Minute},
			Music:  WindowConfig{Requests: 4, Period: time.Minute},
		},
		Media: MediaConfig{
			FFmpegPath:     "ffmpeg",
			FFprobePath:    "ffprobe",
			Width:          1080,
			Height:         1920,
			FPS:            30,
			DegradedWidth:  720,
			DegradedHeight: 1280,
			VoiceGain:      1.0,
			MusicGain:      0.5,
			OriginalGain:   0.5,
			KeepClipAudio:  true,
		},
		Providers: ProvidersConfig{
			Prompts: PromptsConfig{
				Backend:     PromptsGroq,
				GroqURL:     "https://api.groq.com/openai/v1/chat/completions",
				GroqModel:   "llama-3.3-70b-versatile",
				GeminiModel: "gemini-1.5-flash",
				Temperature: 0.8,
			},
			Images: HTTPProviderConfig{Timeout: 120 * time.Second},
			Videos: HTTPProviderConfig{Timeout: 30 * time.Second, PollInterval: 5 * time.Second},
			Music:  HTTPProviderConfig{Timeout: 120 * time.Second},
			Voice: types.VoiceParams{
				LanguageCode: "en-US",
				Name:         "en-US-Neural2-D",
				SpeakingRate: 1.0,
			},
		},
		Checkpoint: CheckpointConfig{Backend: CheckpointFile},
		Log:        LogConfig{Level: "info", Color: "auto"},
	}
}

// Load decodes the yaml file at path over the defaults, applies env
// overrides and validates. An empty path means defaults plus env only.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
		// yaml decodes each stage entry from zero; fill what the file left
		// unset from the built-in stage defaults.
		for stage, def := range DefaultConfig().Retry.Stages {
			if pc, ok := cfg.Retry.Stages[stage]; ok {
				cfg.Retry.Stages[stage] = pc.over(def)
			}
		}
	}
	cfg.applyEnv(os.Getenv)
	if cfg.Checkpoint.Dir == "" {
		cfg.Checkpoint.Dir = cfg.Paths.WorkDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := getenv("WORK_DIR"); v != "" {
		c.Paths.WorkDir = v
	}
	if v := getenv("CHECKPOINT_BACKEND"); v != "" {
		c.Checkpoint.Backend = CheckpointBackend(strings.ToLower(v))
	}
	if v := getenv("ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = strings.Split(v, ",")
	}
	if v := getenv("MAX_CONCURRENT_JOBS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pipeline.MaxConcurrentJobs = n
		}
	}
}

// LoadSecrets reads API keys and the database URL from the environment.
func LoadSecrets() Secrets {
	return Secrets{
		GroqAPIKey:   os.Getenv("GROQ_API_KEY"),
		GeminiAPIKey: os.Getenv("GEMINI_API_KEY"),
		ImageAPIKey:  os.Getenv("IMAGE_API_KEY"),
		VideoAPIKey:  os.Getenv("VIDEO_API_KEY"),
		MusicAPIKey:  os.Getenv("MUSIC_API_KEY"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
	}
}

// Validate checks enums and ranges.
func (c *Config) Validate() error {
	switch c.Pipeline.Transition {
	case TransitionHardCut, TransitionCrossfade:
	default:
		return fmt.Errorf("invalid pipeline.transition %q (use 'hardcut' or 'crossfade')", c.Pipeline.Transition)
	}
	switch c.Providers.Prompts.Backend {
	case PromptsGroq, PromptsGemini:
	default:
		return fmt.Errorf("invalid providers.prompts.backend %q (use 'groq' or 'gemini')", c.Providers.Prompts.Backend)
	}
	switch c.Checkpoint.Backend {
	case CheckpointFile, CheckpointPostgres:
	default:
		return fmt.Errorf("invalid checkpoint.backend %q (use 'file' or 'postgres')", c.Checkpoint.Backend)
	}
	if c.Pipeline.MaxConcurrentJobs < 1 {
		return errors.New("pipeline.max_concurrent_jobs must be at least 1")
	}
	if c.Pipeline.VideoConcurrency < 1 || c.Pipeline.VideoConcurrency > types.MaxScenes {
		return fmt.Errorf("pipeline.video_concurrency must be between 1 and %d", types.MaxScenes)
	}
	if c.Pipeline.SceneDurationSec < 1 {
		return errors.New("pipeline.scene_duration_sec must be positive")
	}
	if c.Pipeline.Transition == TransitionCrossfade &&
		(c.Pipeline.TransitionSec <= 0 || c.Pipeline.TransitionSec >= float64(c.Pipeline.SceneDurationSec)) {
		return errors.New("pipeline.transition_sec must be positive and shorter than a scene")
	}
	if c.Paths.WorkDir == "" {
		return errors.New("paths.work_dir must not be empty")
	}
	if c.Media.Width <= 0 || c.Media.Height <= 0 || c.Media.FPS <= 0 {
		return errors.New("media width, height and fps must be positive")
	}
	if c.Media.Width%2 != 0 || c.Media.Height%2 != 0 {
		return errors.New("media width and height must be even")
	}
	for name, g := range map[string]float64{"voice": c.Media.VoiceGain, "music": c.Media.MusicGain, "original": c.Media.OriginalGain} {
		if g < 0 || g > 4 {
			return fmt.Errorf("media.%s_gain %.2f out of range [0, 4]", name, g)
		}
	}
	if err := c.Retry.Default.validate("default"); err != nil {
		return err
	}
	for stage, p := range c.Retry.Stages {
		if err := p.validate(string(stage)); err != nil {
			return err
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level %q", c.Log.Level)
	}
	return nil
}

// over returns p with its zero fields taken from base.
func (p PolicyConfig) over(base PolicyConfig) PolicyConfig {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = base.MaxAttempts
	}
	if p.BaseDelay == 0 {
		p.BaseDelay = base.BaseDelay
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = base.MaxDelay
	}
	if p.Multiplier == 0 {
		p.Multiplier = base.Multiplier
	}
	if p.Jitter == 0 {
		p.Jitter = base.Jitter
	}
	return p
}

func (p PolicyConfig) validate(name string) error {
	if p.MaxAttempts < 0 || p.MaxAttempts > 10 {
		return fmt.Errorf("retry.%s.max_attempts must be between 0 and 10", name)
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("retry.%s delays must not be negative", name)
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return fmt.Errorf("retry.%s.jitter must be within [0, 1]", name)
	}
	return nil
}

// Policy returns the retry policy for a stage: the stage override merged over
// the default.
func (c RetryConfig) Policy(stage types.Stage) retry.Policy {
	p := retry.DefaultPolicy()
	merge := func(pc PolicyConfig) {
		if pc.MaxAttempts > 0 {
			p.MaxAttempts = pc.MaxAttempts
		}
		if pc.BaseDelay > 0 {
			p.BaseDelay = pc.BaseDelay
		}
		if pc.MaxDelay > 0 {
			p.MaxDelay = pc.MaxDelay
		}
		if pc.Multiplier > 0 {
			p.Multiplier = pc.Multiplier
		}
		if pc.Jitter > 0 {
			p.Jitter = pc.Jitter
		}
	}
	merge(c.Default)
	if o, ok := c.Stages[stage]; ok {
		merge(o)
	}
	return p
}
