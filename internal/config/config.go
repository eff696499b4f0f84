// Package config provides configuration loading for the knowledge service.
// Supports YAML files, environment variable overrides, and an atomically
// swappable runtime snapshot (see Store).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the knowledge service.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Cache         CacheConfig         `yaml:"cache"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	Retrieval     RetrievalConfig     `yaml:"retrieval"`
	Prompt        PromptConfig        `yaml:"prompt"`
	Completion    CompletionConfig    `yaml:"completion"`
	Confidence    ConfidenceConfig    `yaml:"confidence"`
	Conversation  ConversationConfig  `yaml:"conversation"`
	Analyzer      AnalyzerConfig      `yaml:"analyzer"`
	Auth          AuthConfig          `yaml:"auth"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

// DatabaseConfig holds storage backend settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"` // postgres, sqlite or memory
	Postgres PostgresConfig `yaml:"postgres"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
}

// PostgresConfig holds Postgres-specific settings.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path        string `yaml:"path"`
	JournalMode string `yaml:"journal_mode"`
}

// CacheConfig holds retrieval-cache settings.
type CacheConfig struct {
	Driver  string        `yaml:"driver"` // memory or redis
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl"`
	MaxSize int           `yaml:"max_size"`
	Redis   RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// EmbeddingConfig holds embedding model settings. Dimension must match the
// model's native output; a mismatch is fatal at startup.
type EmbeddingConfig struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	Model      string        `yaml:"model"`
	Dimension  int           `yaml:"dimension"`
	CacheSize  int           `yaml:"cache_size"`
	MaxRetries int           `yaml:"max_retries"`
	Timeout    time.Duration `yaml:"timeout"`
}

// RetrievalConfig holds retriever settings.
type RetrievalConfig struct {
	MaxChunks          int     `yaml:"max_chunks"`          // default K_final
	MaxChunksCeiling   int     `yaml:"max_chunks_ceiling"`  // caller override cap
	MinQuality         float64 `yaml:"min_quality"`         // quality filter floor
	DiversityThreshold float64 `yaml:"diversity_threshold"` // similarity ceiling
	EnableHybridSearch bool    `yaml:"enable_hybrid_search"`
	VectorWeight       float64 `yaml:"vector_weight"`
	LexicalWeight      float64 `yaml:"lexical_weight"`
}

// PromptConfig holds prompt assembly settings.
type PromptConfig struct {
	MaxPromptTokens int `yaml:"max_prompt_tokens"`
	HistoryTurns    int `yaml:"history_turns"`
}

// CompletionConfig holds chat-completion client settings. Models is an
// ordered preference list; later entries are fallbacks.
type CompletionConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Models      []string      `yaml:"models"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
	MaxInFlight int           `yaml:"max_in_flight"`
	QueueWait   time.Duration `yaml:"queue_wait"`
}

// ConfidenceConfig holds scoring weights and classification thresholds.
// All weights are configuration, not constants.
type ConfidenceConfig struct {
	RetrievalWeight  float64 `yaml:"retrieval_weight"`
	ContentWeight    float64 `yaml:"content_weight"`
	ContextWeight    float64 `yaml:"context_weight"`
	GenerationWeight float64 `yaml:"generation_weight"`

	HighThreshold    float64 `yaml:"high_threshold"`
	MediumThreshold  float64 `yaml:"medium_threshold"`
	LowThreshold     float64 `yaml:"low_threshold"`
	MinimumThreshold float64 `yaml:"minimum_threshold"`

	EnableCitationValidation bool `yaml:"enable_citation_validation"`

	// ModelConfidence maps model identifiers to prior confidence constants.
	ModelConfidence        map[string]float64 `yaml:"model_confidence"`
	DefaultModelConfidence float64            `yaml:"default_model_confidence"`
}

// ConversationConfig holds conversation persistence settings.
type ConversationConfig struct {
	RetentionTurns int `yaml:"retention_turns"`
}

// AnalyzerConfig points at the gazetteer and stop-word data files.
type AnalyzerConfig struct {
	GazetteerPath string `yaml:"gazetteer_path"`
	StopwordsPath string `yaml:"stopwords_path"`
}

// AuthConfig holds API authentication settings. Tokens maps bearer tokens
// to capability lists.
type AuthConfig struct {
	Enabled bool                `yaml:"enabled"`
	Tokens  map[string][]string `yaml:"tokens"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Load reads configuration from a YAML file and applies environment overrides.
// An empty path loads defaults plus env overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with development defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     60 * time.Second,
			IdleTimeout:      120 * time.Second,
			RequestTimeout:   45 * time.Second,
			GracefulShutdown: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Postgres: PostgresConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
				QueryTimeout:    5 * time.Second,
				MaxRetries:      3,
				RetryBackoff:    200 * time.Millisecond,
			},
			SQLite: SQLiteConfig{
				Path:        "/tmp/knowledge-service.db",
				JournalMode: "WAL",
			},
		},
		Cache: CacheConfig{
			Driver:  "memory",
			Enabled: true,
			TTL:     5 * time.Minute,
			MaxSize: 10000,
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				DB:       0,
				PoolSize: 10,
			},
		},
		Embedding: EmbeddingConfig{
			BaseURL:    "https://api.openai.com/v1",
			Model:      "text-embedding-3-large",
			Dimension:  3072,
			CacheSize:  4096,
			MaxRetries: 3,
			Timeout:    30 * time.Second,
		},
		Retrieval: RetrievalConfig{
			MaxChunks:          5,
			MaxChunksCeiling:   50,
			MinQuality:         0.3,
			DiversityThreshold: 0.92,
			EnableHybridSearch: true,
			VectorWeight:       0.7,
			LexicalWeight:      0.3,
		},
		Prompt: PromptConfig{
			MaxPromptTokens: 6000,
			HistoryTurns:    6,
		},
		Completion: CompletionConfig{
			BaseURL:     "https://api.openai.com/v1",
			Models:      []string{"gpt-4o", "gpt-4o-mini"},
			MaxTokens:   1024,
			Temperature: 0.2,
			Timeout:     60 * time.Second,
			MaxRetries:  3,
			MaxInFlight: 16,
			QueueWait:   5 * time.Second,
		},
		Confidence: ConfidenceConfig{
			RetrievalWeight:          0.35,
			ContentWeight:            0.30,
			ContextWeight:            0.20,
			GenerationWeight:         0.15,
			HighThreshold:            0.8,
			MediumThreshold:          0.6,
			LowThreshold:             0.4,
			MinimumThreshold:         0.2,
			EnableCitationValidation: true,
			ModelConfidence: map[string]float64{
				"gpt-4o":      0.85,
				"gpt-4o-mini": 0.75,
			},
			DefaultModelConfidence: 0.7,
		},
		Conversation: ConversationConfig{
			RetentionTurns: 20,
		},
		Analyzer: AnalyzerConfig{
			GazetteerPath: "data/gazetteer.yaml",
			StopwordsPath: "data/stopwords.txt",
		},
		Auth: AuthConfig{
			Enabled: false,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Database.Driver {
	case "postgres", "sqlite", "memory":
	default:
		return fmt.Errorf("invalid database driver: %s", c.Database.Driver)
	}

	if c.Cache.Driver != "memory" && c.Cache.Driver != "redis" {
		return fmt.Errorf("invalid cache driver: %s", c.Cache.Driver)
	}

	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", c.Embedding.Dimension)
	}

	if c.Retrieval.MaxChunks < 1 || c.Retrieval.MaxChunks > c.Retrieval.MaxChunksCeiling {
		return fmt.Errorf("retrieval max_chunks must be in [1, %d]", c.Retrieval.MaxChunksCeiling)
	}

	if c.Retrieval.VectorWeight < 0 || c.Retrieval.LexicalWeight < 0 {
		return fmt.Errorf("retrieval weights must be non-negative")
	}
	if c.Retrieval.VectorWeight+c.Retrieval.LexicalWeight <= 0 {
		return fmt.Errorf("retrieval weights must sum to a positive value")
	}

	if c.Retrieval.DiversityThreshold <= 0 || c.Retrieval.DiversityThreshold > 1 {
		return fmt.Errorf("diversity_threshold must be in (0, 1]")
	}

	if len(c.Completion.Models) == 0 {
		return fmt.Errorf("completion requires at least one model")
	}

	if c.Completion.Temperature < 0 || c.Completion.Temperature > 2 {
		return fmt.Errorf("completion temperature must be in [0, 2]")
	}

	wsum := c.Confidence.RetrievalWeight + c.Confidence.ContentWeight +
		c.Confidence.ContextWeight + c.Confidence.GenerationWeight
	if wsum <= 0 {
		return fmt.Errorf("confidence weights must sum to a positive value")
	}

	if !ordered(c.Confidence.MinimumThreshold, c.Confidence.LowThreshold,
		c.Confidence.MediumThreshold, c.Confidence.HighThreshold) {
		return fmt.Errorf("confidence thresholds must be non-decreasing: minimum <= low <= medium <= high")
	}

	return nil
}

func ordered(vals ...float64) bool {
	for i := 1; i < len(vals); i++ {
		if vals[i] < vals[i-1] {
			return false
		}
	}
	return true
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		if strings.HasPrefix(v, "sqlite:") {
			cfg.Database.Driver = "sqlite"
			cfg.Database.SQLite.Path = strings.TrimPrefix(v, "sqlite:")
		} else if strings.HasPrefix(v, "postgres") {
			cfg.Database.Driver = "postgres"
			cfg.Database.Postgres.DSN = v
		}
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Cache.Driver = "redis"
		cfg.Cache.Redis.Addr = strings.TrimPrefix(v, "redis://")
	}

	if v := os.Getenv("EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("EMBEDDING_DIMENSION"); v != "" {
		if d, err := strconv.Atoi(v); err == nil {
			cfg.Embedding.Dimension = d
		}
	}

	if v := os.Getenv("COMPLETION_API_KEY"); v != "" {
		cfg.Completion.APIKey = v
	}
	if v := os.Getenv("COMPLETION_MODELS"); v != "" {
		cfg.Completion.Models = strings.Split(v, ",")
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}

	if v := os.Getenv("AUTH_ENABLED"); v == "true" {
		cfg.Auth.Enabled = true
	}
}
