// Package config loads and validates noteworker configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Application ApplicationConfig `mapstructure:"application"`
	Embedding   EmbeddingConfig   `mapstructure:"embedding"`
	Enrichment  EnrichmentConfig  `mapstructure:"enrichment"`
	Headless    HeadlessConfig    `mapstructure:"headless"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit"`
	Ingestion   IngestionConfig   `mapstructure:"ingestion"`
	AMQP        AMQPConfig        `mapstructure:"amqp"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Storage     StorageConfig     `mapstructure:"storage"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Events      EventsConfig      `mapstructure:"events"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// ApplicationConfig identifies the service for tracing and resource metadata.
type ApplicationConfig struct {
	ServiceName   string `mapstructure:"service_name"`
	Version       string `mapstructure:"version"`
	ProjectID     string `mapstructure:"project_id"`
	ProjectNumber string `mapstructure:"project_number"`
	Region        string `mapstructure:"region"`
}

// EmbeddingConfig governs the embedding worker and its provider.
type EmbeddingConfig struct {
	APIKey             string `mapstructure:"api_key"`
	BaseURL            string `mapstructure:"base_url"`
	Model              string `mapstructure:"model"`
	Dimensions         int    `mapstructure:"dimensions"`
	User               string `mapstructure:"user"`
	MaxInputCharacters int    `mapstructure:"max_input_characters"`
	MaxRetries         int    `mapstructure:"max_retries"`
}

// EnrichmentConfig governs the enrichment worker and its probe fetcher.
type EnrichmentConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxRetries     int    `mapstructure:"max_retries"`
	UserAgent      string `mapstructure:"user_agent"`
	MaxBodyBytes   int    `mapstructure:"max_body_bytes"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	MaxParallel     int  `mapstructure:"max_parallel"`
	NavTimeoutSec   int  `mapstructure:"nav_timeout_seconds"`
	PromotionThresh int  `mapstructure:"promotion_threshold"`
}

// RateLimitConfig paces outbound enrichment fetches per host.
type RateLimitConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	DefaultRPS   float64 `mapstructure:"default_rps"`
	DefaultBurst int     `mapstructure:"default_burst"`
}

// IngestionConfig governs the external capture loop.
type IngestionConfig struct {
	Enabled                bool     `mapstructure:"enabled"`
	BatchSize              int      `mapstructure:"batch_size"`
	AllowedEmailSenders    []string `mapstructure:"allowed_email_senders"`
	AllowedTelegramChatIDs []int64  `mapstructure:"allowed_telegram_chat_ids"`
}

// AMQPConfig holds broker settings for the capture queue.
type AMQPConfig struct {
	URL         string `mapstructure:"url"`
	Queue       string `mapstructure:"queue"`
	WaitSeconds int    `mapstructure:"wait_seconds"`
	Prefetch    int    `mapstructure:"prefetch"`
}

// DatabaseConfig controls note persistence.
type DatabaseConfig struct {
	Backend            string `mapstructure:"backend"`
	DSN                string `mapstructure:"dsn"`
	Table              string `mapstructure:"table"`
	MaxConns           int32  `mapstructure:"max_conns"`
	MinConns           int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMin int    `mapstructure:"max_conn_lifetime_minutes"`
}

// StorageConfig sets the raw capture archive backend.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	Bucket      string `mapstructure:"gcs_bucket"`
	BaseDir     string `mapstructure:"base_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for processed-note notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// EventsConfig controls the lifecycle event hub.
type EventsConfig struct {
	BufferSize    int  `mapstructure:"buffer_size"`
	MaxBatch      int  `mapstructure:"max_batch"`
	MaxWaitMs     int  `mapstructure:"max_wait_ms"`
	SinkTimeoutMs int  `mapstructure:"sink_timeout_ms"`
	LogSink       bool `mapstructure:"log_sink"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("NOTEWORKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("application.service_name", "quillbox-noteworker")
	v.SetDefault("application.version", "0.1.0")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.max_input_characters", 8000)
	v.SetDefault("embedding.max_retries", 3)
	v.SetDefault("enrichment.timeout_seconds", 15)
	v.SetDefault("enrichment.max_retries", 3)
	v.SetDefault("enrichment.user_agent", "quillbox-unfurl/0.1")
	v.SetDefault("enrichment.max_body_bytes", 2*1024*1024)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.default_rps", 2)
	v.SetDefault("ratelimit.default_burst", 2)
	v.SetDefault("ingestion.enabled", false)
	v.SetDefault("ingestion.batch_size", 10)
	v.SetDefault("amqp.queue", "quillbox.captures")
	v.SetDefault("amqp.wait_seconds", 20)
	v.SetDefault("amqp.prefetch", 64)
	v.SetDefault("database.backend", "memory")
	v.SetDefault("database.table", "notes")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "captures")
	v.SetDefault("storage.content_type", "application/json")
	v.SetDefault("events.buffer_size", 4096)
	v.SetDefault("events.max_batch", 1000)
	v.SetDefault("events.max_wait_ms", 500)
	v.SetDefault("events.sink_timeout_ms", 10000)
	v.SetDefault("events.log_sink", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Embedding.MaxInputCharacters <= 0 {
		return fmt.Errorf("embedding.max_input_characters must be > 0")
	}
	if c.Embedding.MaxRetries <= 0 {
		return fmt.Errorf("embedding.max_retries must be > 0")
	}
	if c.Enrichment.TimeoutSeconds <= 0 {
		return fmt.Errorf("enrichment.timeout_seconds must be > 0")
	}
	if c.Enrichment.MaxRetries <= 0 {
		return fmt.Errorf("enrichment.max_retries must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Database.Backend {
	case "", "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("database.backend must be memory or postgres, got %q", c.Database.Backend)
	}
	switch c.Storage.Backend {
	case "", "memory":
	case "local":
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be memory, local or gcs, got %q", c.Storage.Backend)
	}
	if c.Ingestion.Enabled {
		if c.AMQP.URL == "" {
			return fmt.Errorf("amqp.url must be set when ingestion is enabled")
		}
		if c.AMQP.Queue == "" {
			return fmt.Errorf("amqp.queue must be set when ingestion is enabled")
		}
	}
	return nil
}

// EnrichTimeout converts the enrichment timeout into a duration.
func (c Config) EnrichTimeout() time.Duration {
	return time.Duration(c.Enrichment.TimeoutSeconds) * time.Second
}
