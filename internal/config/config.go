// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	CORSOrigins []string
	DBPath      string
	OutputDir   string
	LexiconPath string

	Router    RouterConfig
	Dialog    DialogConfig
	Execution ExecutionConfig
	Session   SessionConfig
	OpenAI    OpenAIConfig
	Gemini    GeminiConfig
	HTTP      HTTPConfig
}

// RouterConfig controls intent classification.
type RouterConfig struct {
	ConfidenceThreshold float64
}

// DialogConfig holds the values used for slots the user leaves open.
type DialogConfig struct {
	DefaultSubject    string
	DefaultStyle      string
	DefaultPose       string
	DefaultBackground string
	DefaultMood       string
	ImageSize         string
}

// ExecutionConfig controls task delegation and the direct image backend.
type ExecutionConfig struct {
	AgentAddr     string
	AgentRuntime  string // none, grpc-unary, grpc-stream
	Timeout       time.Duration
	ImageBackend  string // openai, gemini
	MaskThreshold int
	MaskChannel   string
}

// SessionConfig controls in-memory session lifetimes.
type SessionConfig struct {
	PendingTTL    time.Duration
	IdleTTL       time.Duration
	SweepInterval time.Duration
}

// OpenAIConfig holds language and image model settings.
type OpenAIConfig struct {
	APIKey        string
	BaseURL       string
	ChatModel     string
	ImageModel    string
	EditModel     string
	ClientTimeout time.Duration
}

// GeminiConfig holds the alternative image backend settings.
type GeminiConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// HTTPConfig bounds request rate and size.
type HTTPConfig struct {
	RateLimitRequests int
	RateLimitWindow   time.Duration
	MaxUploadBytes    int64
	KeepAlive         time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/carat.db"),
		OutputDir:   getEnv("OUTPUT_DIR", "./data/outputs"),
		LexiconPath: getEnv("LEXICON_PATH", ""),
		Router: RouterConfig{
			ConfidenceThreshold: getEnvFloat("ROUTER_CONFIDENCE_THRESHOLD", 0.80),
		},
		Dialog: DialogConfig{
			DefaultSubject:    getEnv("DIALOG_DEFAULT_SUBJECT", "cute character"),
			DefaultStyle:      getEnv("DIALOG_DEFAULT_STYLE", "illustration"),
			DefaultPose:       getEnv("DIALOG_DEFAULT_POSE", "natural pose"),
			DefaultBackground: getEnv("DIALOG_DEFAULT_BACKGROUND", "white background"),
			DefaultMood:       getEnv("DIALOG_DEFAULT_MOOD", "cute"),
			ImageSize:         getEnv("IMAGE_SIZE", "1024x1024"),
		},
		Execution: ExecutionConfig{
			AgentAddr:     getEnv("AGENT_ADDR", ""),
			AgentRuntime:  getEnv("AGENT_RUNTIME", "none"),
			Timeout:       getEnvDuration("EXECUTION_TIMEOUT", 25*time.Second),
			ImageBackend:  getEnv("IMAGE_BACKEND", "openai"),
			MaskThreshold: getEnvInt("MASK_THRESHOLD", 127),
			MaskChannel:   getEnv("MASK_CHANNEL", "alpha"),
		},
		Session: SessionConfig{
			PendingTTL:    getEnvDuration("SESSION_PENDING_TTL", 600*time.Second),
			IdleTTL:       getEnvDuration("SESSION_IDLE_TTL", 2*time.Hour),
			SweepInterval: getEnvDuration("SESSION_SWEEP_INTERVAL", time.Minute),
		},
		OpenAI: OpenAIConfig{
			APIKey:        getEnv("OPENAI_API_KEY", ""),
			BaseURL:       getEnv("OPENAI_BASE_URL", ""),
			ChatModel:     getEnv("OPENAI_CHAT_MODEL", "gpt-4o-mini"),
			ImageModel:    getEnv("OPENAI_IMAGE_MODEL", "dall-e-3"),
			EditModel:     getEnv("OPENAI_EDIT_MODEL", "dall-e-2"),
			ClientTimeout: getEnvDuration("OPENAI_TIMEOUT", 30*time.Second),
		},
		Gemini: GeminiConfig{
			APIKey:  getEnv("GEMINI_API_KEY", ""),
			BaseURL: getEnv("GEMINI_BASE_URL", ""),
			Model:   getEnv("GEMINI_IMAGE_MODEL", "gemini-2.5-flash-image-preview"),
		},
		HTTP: HTTPConfig{
			RateLimitRequests: getEnvInt("RATE_LIMIT_REQUESTS", 20),
			RateLimitWindow:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
			MaxUploadBytes:    int64(getEnvInt("MAX_UPLOAD_BYTES", 10<<20)),
			KeepAlive:         getEnvDuration("SSE_KEEPALIVE", 10*time.Second),
		},
	}
	cfg.CORSOrigins = splitList(getEnv("CORS_ORIGINS", ""))
	if len(cfg.CORSOrigins) == 0 && cfg.FrontendURL != "" {
		cfg.CORSOrigins = []string{cfg.FrontendURL}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	add := func(msg string) { result = multierror.Append(result, errors.New(msg)) }

	if c.Port == "" {
		add("PORT cannot be empty")
	}
	if c.DBPath == "" {
		add("DB_PATH cannot be empty")
	}
	if c.OutputDir == "" {
		add("OUTPUT_DIR cannot be empty")
	}
	if t := c.Router.ConfidenceThreshold; t <= 0 || t > 1 {
		add("ROUTER_CONFIDENCE_THRESHOLD must be in (0, 1]")
	}
	if c.Execution.Timeout <= 0 {
		add("EXECUTION_TIMEOUT must be > 0")
	}
	switch c.Execution.AgentRuntime {
	case "none", "":
	case "grpc-unary", "grpc-stream":
		if c.Execution.AgentAddr == "" {
			add("AGENT_ADDR is required when AGENT_RUNTIME is " + c.Execution.AgentRuntime)
		}
	default:
		add("AGENT_RUNTIME must be none, grpc-unary or grpc-stream")
	}
	switch c.Execution.ImageBackend {
	case "openai", "gemini":
	default:
		add("IMAGE_BACKEND must be openai or gemini")
	}
	if c.Execution.MaskThreshold < 0 || c.Execution.MaskThreshold > 255 {
		add("MASK_THRESHOLD must be in [0, 255]")
	}
	if c.Session.PendingTTL <= 0 {
		add("SESSION_PENDING_TTL must be > 0")
	}
	if c.HTTP.RateLimitRequests <= 0 {
		add("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.HTTP.MaxUploadBytes <= 0 {
		add("MAX_UPLOAD_BYTES must be > 0")
	}
	return result.ErrorOrNil()
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go durations ("25s") and bare seconds ("600").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
