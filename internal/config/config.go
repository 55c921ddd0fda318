package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Global singleton so helpers outside the composition root can reach the
// active configuration.
var globalConfig *Config

// Config holds all environment-backed configuration for router-api.
type Config struct {
	// Server
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9091"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"console"`

	// Provider credentials and endpoints
	OpenAIAPIKey      string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL     string `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com/v1"`
	OpenRouterAPIKey  string `env:"OPENROUTER_API_KEY"`
	OpenRouterBaseURL string `env:"OPENROUTER_BASE_URL" envDefault:"https://openrouter.ai/api/v1"`
	CustomAPIKey      string `env:"CUSTOM_API_KEY"`
	CustomBaseURL     string `env:"CUSTOM_BASE_URL"`

	// Allow-lists: comma-separated, case-insensitive names or aliases.
	OpenAIAllowedModels     string `env:"OPENAI_ALLOWED_MODELS"`
	OpenRouterAllowedModels string `env:"OPENROUTER_ALLOWED_MODELS"`
	CustomAllowedModels     string `env:"CUSTOM_ALLOWED_MODELS"`

	// Resilience knobs. The first-activity watchdog and the best-effort call
	// cap are orthogonal safety nets: the watchdog aborts a dead stream, the
	// cap only stops waiting. ModelCallTimeout of zero means no cap.
	StreamFirstActivityTimeout float64 `env:"STREAM_FIRST_ACTIVITY_TIMEOUT" envDefault:"15"`
	ModelCallTimeout           float64 `env:"MODEL_CALL_TIMEOUT" envDefault:"0"`

	// Capability manifest
	ModelManifestPath     string `env:"MODEL_MANIFEST_PATH" envDefault:"config/models.yml"`
	ModelManifestOverride string `env:"MODEL_MANIFEST_OVERRIDE"`

	// Conversation store bounds
	ConversationMaxTurns int           `env:"CONVERSATION_MAX_TURNS" envDefault:"50"`
	ConversationMaxIdle  time.Duration `env:"CONVERSATION_MAX_IDLE" envDefault:"3h"`

	// Execution pool
	WorkerPoolSize int `env:"WORKER_POOL_SIZE" envDefault:"8"`

	// Internal
	EnvReloadedAt time.Time
}

// Load parses environment variables into Config and performs minimal
// validation.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	for name, raw := range map[string]string{
		"OPENAI_BASE_URL":     cfg.OpenAIBaseURL,
		"OPENROUTER_BASE_URL": cfg.OpenRouterBaseURL,
		"CUSTOM_BASE_URL":     cfg.CustomBaseURL,
	} {
		if raw == "" {
			continue
		}
		parsed, err := url.ParseRequestURI(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", name, err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return nil, fmt.Errorf("invalid %s: scheme %q not allowed", name, parsed.Scheme)
		}
	}

	if cfg.WorkerPoolSize < 1 {
		cfg.WorkerPoolSize = 1
	}

	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.LogFormat = strings.ToLower(cfg.LogFormat)
	cfg.EnvReloadedAt = time.Now()

	globalConfig = cfg
	return cfg, nil
}

// GetGlobal returns the global config instance.
func GetGlobal() *Config {
	return globalConfig
}

// StreamFirstActivityWindow returns the watchdog window as a duration,
// falling back to the 15s default for non-positive values.
func (c *Config) StreamFirstActivityWindow() time.Duration {
	if c == nil || c.StreamFirstActivityTimeout <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.StreamFirstActivityTimeout * float64(time.Second))
}

// ModelCallCap returns the best-effort overall wait cap, or zero when no cap
// is configured.
func (c *Config) ModelCallCap() time.Duration {
	if c == nil || c.ModelCallTimeout <= 0 {
		return 0
	}
	return time.Duration(c.ModelCallTimeout * float64(time.Second))
}

// ParseAllowList normalizes a comma-separated allow-list into a lowercase
// set. Nil means no restriction.
func ParseAllowList(raw string) map[string]struct{} {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}
	set := make(map[string]struct{})
	for _, entry := range strings.Split(trimmed, ",") {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry != "" {
			set[entry] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

var Version = "dev"
