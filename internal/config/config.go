// Package config provides application configuration management with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (./config.yaml)
//  3. Default values (sensible defaults so the process runs with only
//     DATABASE_URL and REDIS_URL set)
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrMissingDatabaseURL indicates DATABASE_URL was not provided.
	ErrMissingDatabaseURL = errors.New("missing DATABASE_URL")

	// ErrMissingRedisURL indicates REDIS_URL was not provided.
	ErrMissingRedisURL = errors.New("missing REDIS_URL")

	// ErrInvalidThreshold indicates a similarity threshold is out of [0,1].
	ErrInvalidThreshold = errors.New("invalid similarity threshold")
)

// Config stores application configuration. Sensitive fields are masked in
// MarshalJSON — the config is logged once at startup.
type Config struct {
	Port string `mapstructure:"port" json:"port"`

	DatabaseURL string `mapstructure:"database_url" json:"database_url"` // SENSITIVE
	RedisURL    string `mapstructure:"redis_url" json:"redis_url"`       // SENSITIVE

	BetterAuthURL string `mapstructure:"better_auth_url" json:"better_auth_url"`
	AuthOrigin    string `mapstructure:"auth_origin" json:"auth_origin"`

	ChatModel      string `mapstructure:"chat_model" json:"chat_model"`
	EmbedderModel  string `mapstructure:"embedder_model" json:"embedder_model"`
	EmbedderDims   int    `mapstructure:"embedder_dims" json:"embedder_dims"`

	CORSOrigins []string `mapstructure:"cors_origins" json:"cors_origins"`

	MemoryQueueDebounceDelay time.Duration `mapstructure:"memory_queue_debounce_delay" json:"memory_queue_debounce_delay"`
	MemoryQueueAttempts      int           `mapstructure:"memory_queue_attempts" json:"memory_queue_attempts"`
	MemoryExtractionThreshold float64      `mapstructure:"memory_extraction_threshold" json:"memory_extraction_threshold"`
	MemoryExtractionTopK      int          `mapstructure:"memory_extraction_top_k" json:"memory_extraction_top_k"`
	MemoryExtractionRetries   int          `mapstructure:"memory_extraction_retries" json:"memory_extraction_retries"`
	MemoryDecayHalfLife       time.Duration `mapstructure:"memory_decay_half_life" json:"memory_decay_half_life"`
	MemoryMaxPerUser          int          `mapstructure:"memory_max_per_user" json:"memory_max_per_user"`

	WSConnectionKeyTTL time.Duration `mapstructure:"ws_connection_key_ttl" json:"ws_connection_key_ttl"`
	AppShutdownTimeout time.Duration `mapstructure:"app_shutdown_timeout" json:"app_shutdown_timeout"`

	LogLevel  string `mapstructure:"log_level" json:"log_level"`
	LogFormat string `mapstructure:"log_format" json:"log_format"`

	// TracingEndpoint is the OTLP/HTTP collector address (host:port, no
	// scheme) for chat.turn/memory.extract spans. Empty disables tracing.
	TracingEndpoint string `mapstructure:"tracing_endpoint" json:"tracing_endpoint"`
}

// Load loads configuration. Priority: environment variables > config file >
// defaults.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("no config.yaml found, using env vars and defaults")
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("port", "8080")
	viper.SetDefault("chat_model", "googleai/gemini-2.5-flash")
	viper.SetDefault("embedder_model", "googleai/text-embedding-004")
	viper.SetDefault("embedder_dims", 1024)
	viper.SetDefault("cors_origins", []string{"http://localhost:3000"})

	viper.SetDefault("memory_queue_debounce_delay", 3000*time.Millisecond)
	viper.SetDefault("memory_queue_attempts", 3)
	viper.SetDefault("memory_extraction_threshold", 0.7)
	viper.SetDefault("memory_extraction_top_k", 5)
	viper.SetDefault("memory_extraction_retries", 3)
	viper.SetDefault("memory_decay_half_life", 14*24*time.Hour)
	viper.SetDefault("memory_max_per_user", 500)

	viper.SetDefault("ws_connection_key_ttl", 60000*time.Millisecond)
	viper.SetDefault("app_shutdown_timeout", 10000*time.Millisecond)

	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_format", "text")

	viper.SetDefault("tracing_endpoint", "")
}

// bindEnvVariables binds the env vars named in the external interfaces
// section explicitly, rather than relying on viper's automatic env
// resolution, so the set of recognized variables is auditable in one place.
func bindEnvVariables() {
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("database_url", "DATABASE_URL")
	mustBind("redis_url", "REDIS_URL")
	mustBind("better_auth_url", "BETTER_AUTH_URL")
	mustBind("auth_origin", "AUTH_ORIGIN")
	mustBind("port", "PORT")
	mustBind("chat_model", "CHAT_MODEL")
	mustBind("embedder_model", "EMBEDDER_MODEL")
	mustBind("memory_queue_debounce_delay", "MEMORY_QUEUE_DEBOUNCE_DELAY_MS")
	mustBind("memory_queue_attempts", "MEMORY_QUEUE_ATTEMPTS")
	mustBind("memory_extraction_threshold", "MEMORY_EXTRACTION_THRESHOLD")
	mustBind("memory_extraction_top_k", "MEMORY_EXTRACTION_TOP_K")
	mustBind("memory_extraction_retries", "MEMORY_EXTRACTION_RETRIES")
	mustBind("memory_decay_half_life", "MEMORY_DECAY_HALF_LIFE_MS")
	mustBind("memory_max_per_user", "MEMORY_MAX_PER_USER")
	mustBind("ws_connection_key_ttl", "WS_CONNECTION_KEY_TTL_MS")
	mustBind("app_shutdown_timeout", "APP_SHUTDOWN_TIMEOUT_MS")
	mustBind("tracing_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	mustBind("log_level", "LOG_LEVEL")
	mustBind("log_format", "LOG_FORMAT")
	mustBind("cors_origins", "CORS_ORIGINS")
}

// Validate checks the configuration for correctness. Called by Load for
// fail-fast startup; exported so tests can validate hand-built configs.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return ErrMissingDatabaseURL
	}
	if c.RedisURL == "" {
		return ErrMissingRedisURL
	}
	if c.MemoryExtractionThreshold < 0 || c.MemoryExtractionThreshold > 1 {
		return fmt.Errorf("%w: %f", ErrInvalidThreshold, c.MemoryExtractionThreshold)
	}
	return nil
}

// maskedValue is the placeholder for masked sensitive data. Using the
// full-width block character (not "*" or "[REDACTED]") avoids the masked
// output accidentally containing a substring of the real secret.
const maskedValue = "████████"

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with explicit sensitive field
// masking so the config can be logged at startup without leaking credentials
// embedded in DATABASE_URL/REDIS_URL.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.DatabaseURL = maskSecret(a.DatabaseURL)
	a.RedisURL = maskSecret(a.RedisURL)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer via MarshalJSON to prevent accidental printing
// of secrets embedded in connection URLs.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
