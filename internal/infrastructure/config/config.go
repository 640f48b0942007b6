// Package config loads service configuration: built-in defaults, then an
// optional YAML file, then environment variables (after .env is loaded).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	Vector    VectorConfig    `yaml:"vector"`
	Ollama    OllamaConfig    `yaml:"ollama"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Cache     CacheConfig     `yaml:"cache"`
	Redis     RedisConfig     `yaml:"redis"`
	Lock      LockConfig      `yaml:"lock"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Parser    ParserConfig    `yaml:"parser"`
	Inbox     InboxConfig     `yaml:"inbox"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"HTTP_ADDR"`
	MaxFileBytes    int64         `yaml:"max_file_bytes" env:"MAX_FILE_BYTES"`
	MaxRequestBytes int64         `yaml:"max_request_bytes" env:"MAX_REQUEST_BYTES"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"HTTP_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"HTTP_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	GinMode         string        `yaml:"gin_mode" env:"GIN_MODE"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// StoreConfig selects conversation persistence: memory or gorm.
type StoreConfig struct {
	Backend      string `yaml:"backend" env:"STORE_BACKEND"`
	Driver       string `yaml:"driver" env:"DB_DRIVER"`
	DSN          string `yaml:"dsn" env:"DATABASE_URL"`
	MaxOpenConns int    `yaml:"max_open_conns" env:"DB_MAX_OPEN_CONNS"`
	MaxIdleConns int    `yaml:"max_idle_conns" env:"DB_MAX_IDLE_CONNS"`
	LogLevel     string `yaml:"log_level" env:"DB_LOG_LEVEL"`
}

type VectorConfig struct {
	Index       string `yaml:"index" env:"VECTOR_INDEX"`
	SQLitePath  string `yaml:"sqlite_path" env:"VECTOR_SQLITE_PATH"`
	ChromemPath string `yaml:"chromem_path" env:"CHROMEM_PATH"`
	// PostgresDSN defaults to the store DSN when that is postgres.
	PostgresDSN string `yaml:"postgres_dsn" env:"PGVECTOR_DSN"`
}

type OllamaConfig struct {
	URL             string        `yaml:"url" env:"OLLAMA_URL"`
	EmbedModel      string        `yaml:"embed_model" env:"EMBED_MODEL"`
	LLMModel        string        `yaml:"llm_model" env:"LLM_MODEL"`
	GenerateTimeout time.Duration `yaml:"generate_timeout" env:"GENERATE_TIMEOUT"`
	Temperature     float64       `yaml:"temperature" env:"LLM_TEMPERATURE"`
	TopP            float64       `yaml:"top_p" env:"LLM_TOP_P"`
	NumPredict      int           `yaml:"num_predict" env:"LLM_NUM_PREDICT"`
}

type EmbeddingConfig struct {
	BatchSize   int           `yaml:"batch_size" env:"EMBED_BATCH_SIZE"`
	Concurrency int           `yaml:"concurrency" env:"EMBED_CONCURRENCY"`
	Timeout     time.Duration `yaml:"timeout" env:"EMBED_TIMEOUT"`
}

type CacheConfig struct {
	Type      string        `yaml:"type" env:"EMBEDDING_CACHE_TYPE"`
	MaxSize   int           `yaml:"max_size" env:"EMBEDDING_CACHE_MAX_SIZE"`
	TTL       time.Duration `yaml:"ttl" env:"EMBEDDING_CACHE_TTL"`
	KeyPrefix string        `yaml:"key_prefix" env:"EMBEDDING_CACHE_KEY_PREFIX"`
}

type RedisConfig struct {
	URL string `yaml:"url" env:"REDIS_URL"`
}

type LockConfig struct {
	Backend     string        `yaml:"backend" env:"LOCK_BACKEND"`
	TTL         time.Duration `yaml:"ttl" env:"LOCK_TTL"`
	InflightTTL time.Duration `yaml:"inflight_ttl" env:"INFLIGHT_TTL"`
}

type ChunkingConfig struct {
	Size              int  `yaml:"size" env:"CHUNK_SIZE"`
	Overlap           int  `yaml:"overlap" env:"CHUNK_OVERLAP"`
	RemoveBoilerplate bool `yaml:"remove_boilerplate" env:"REMOVE_BOILERPLATE"`
}

type PipelineConfig struct {
	TopK            int           `yaml:"top_k" env:"TOP_K"`
	MaxTopK         int           `yaml:"max_top_k" env:"MAX_TOP_K"`
	MinScore        float64       `yaml:"min_score" env:"MIN_SCORE"`
	HistoryTurns    int           `yaml:"history_turns" env:"HISTORY_TURNS"`
	IngestTimeout   time.Duration `yaml:"ingest_timeout" env:"INGEST_TIMEOUT"`
	TurnTimeout     time.Duration `yaml:"turn_timeout" env:"TURN_TIMEOUT"`
	WaitTimeout     time.Duration `yaml:"answer_wait_timeout" env:"ANSWER_WAIT_TIMEOUT"`
	RetryAttempts   int           `yaml:"retry_attempts" env:"RETRY_ATTEMPTS"`
	RetryInitial    time.Duration `yaml:"retry_initial" env:"RETRY_INITIAL_INTERVAL"`
	RetryMaxBackoff time.Duration `yaml:"retry_max_interval" env:"RETRY_MAX_INTERVAL"`
}

type ParserConfig struct {
	PDFServiceURL     string        `yaml:"pdf_service_url" env:"PDF_SERVICE_URL"`
	PDFServiceTimeout time.Duration `yaml:"pdf_service_timeout" env:"PDF_SERVICE_TIMEOUT"`
}

type InboxConfig struct {
	Dir         string        `yaml:"dir" env:"INBOX_DIR"`
	SettleDelay time.Duration `yaml:"settle_delay" env:"INBOX_SETTLE_DELAY"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			MaxFileBytes:    10 << 20,
			MaxRequestBytes: 12 << 20,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    6 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
			GinMode:         "release",
		},
		Log: LogConfig{Level: "info", Format: "console"},
		Store: StoreConfig{
			Backend:  "gorm",
			Driver:   "sqlite",
			DSN:      "docchat.db",
			LogLevel: "warn",
		},
		Vector: VectorConfig{
			Index:      "sqlite",
			SQLitePath: "data",
		},
		Ollama: OllamaConfig{
			URL:             "http://localhost:11434",
			EmbedModel:      "nomic-embed-text",
			LLMModel:        "llama3.2",
			GenerateTimeout: 5 * time.Minute,
			Temperature:     0.1,
			TopP:            0.9,
			NumPredict:      1000,
		},
		Embedding: EmbeddingConfig{BatchSize: 16, Concurrency: 2, Timeout: 60 * time.Second},
		Cache:     CacheConfig{Type: "memory", MaxSize: 10000, TTL: time.Hour, KeyPrefix: "emb:"},
		Lock:      LockConfig{Backend: "local", TTL: 2 * time.Minute, InflightTTL: 15 * time.Minute},
		Chunking:  ChunkingConfig{Size: 1000, Overlap: 200, RemoveBoilerplate: true},
		Pipeline: PipelineConfig{
			TopK:            5,
			MaxTopK:         20,
			HistoryTurns:    3,
			IngestTimeout:   10 * time.Minute,
			TurnTimeout:     8 * time.Minute,
			WaitTimeout:     2 * time.Minute,
			RetryAttempts:   3,
			RetryInitial:    100 * time.Millisecond,
			RetryMaxBackoff: 2 * time.Second,
		},
		Parser: ParserConfig{PDFServiceTimeout: 60 * time.Second},
		Inbox:  InboxConfig{SettleDelay: 500 * time.Millisecond},
	}
}

// Load builds the configuration. path may be empty, in which case
// CONFIG_FILE is consulted; a missing file is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) normalize() {
	lower := func(s *string) { *s = strings.ToLower(strings.TrimSpace(*s)) }
	lower(&c.Log.Level)
	lower(&c.Log.Format)
	lower(&c.Store.Backend)
	lower(&c.Store.Driver)
	lower(&c.Vector.Index)
	lower(&c.Cache.Type)
	lower(&c.Lock.Backend)
	c.Parser.PDFServiceURL = strings.TrimRight(strings.TrimSpace(c.Parser.PDFServiceURL), "/")
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Chunking.Size > 0, "chunk size must be positive, got %d", c.Chunking.Size)
	check(c.Chunking.Overlap >= 0 && c.Chunking.Overlap < c.Chunking.Size,
		"chunk overlap %d must be in [0, %d)", c.Chunking.Overlap, c.Chunking.Size)
	check(c.Pipeline.TopK > 0 && c.Pipeline.TopK <= c.Pipeline.MaxTopK,
		"top_k %d must be in [1, %d]", c.Pipeline.TopK, c.Pipeline.MaxTopK)
	check(c.Pipeline.MinScore >= 0 && c.Pipeline.MinScore <= 1, "min_score %g must be in [0, 1]", c.Pipeline.MinScore)
	check(c.Server.MaxFileBytes > 0, "max file bytes must be positive")
	check(c.Server.MaxRequestBytes >= c.Server.MaxFileBytes,
		"max request bytes %d is below max file bytes %d", c.Server.MaxRequestBytes, c.Server.MaxFileBytes)
	check(c.Embedding.BatchSize > 0, "embed batch size must be positive")

	check(oneOf(c.Store.Backend, "memory", "gorm"), "unknown store backend %q", c.Store.Backend)
	if c.Store.Backend == "gorm" {
		check(oneOf(c.Store.Driver, "sqlite", "postgres"), "unknown database driver %q", c.Store.Driver)
		check(c.Store.DSN != "", "database DSN is required for the gorm store")
	}
	check(oneOf(c.Vector.Index, "memory", "sqlite", "chromem", "pgvector"), "unknown vector index %q", c.Vector.Index)
	if c.Vector.Index == "pgvector" {
		check(c.PostgresDSN() != "", "pgvector needs PGVECTOR_DSN or a postgres DATABASE_URL")
	}
	check(oneOf(c.Cache.Type, "memory", "redis", "none", ""), "unknown embedding cache type %q", c.Cache.Type)
	check(oneOf(c.Lock.Backend, "local", "redis"), "unknown lock backend %q", c.Lock.Backend)
	check(oneOf(c.Log.Format, "console", "json"), "unknown log format %q", c.Log.Format)
	if c.NeedsRedis() {
		check(c.Redis.URL != "", "REDIS_URL is required when redis is used")
	}

	return errors.Join(errs...)
}

// NeedsRedis reports whether any component is configured to use redis.
func (c *Config) NeedsRedis() bool {
	return c.Cache.Type == "redis" || c.Lock.Backend == "redis"
}

// PostgresDSN returns the DSN used by the pgvector index.
func (c *Config) PostgresDSN() string {
	if c.Vector.PostgresDSN != "" {
		return c.Vector.PostgresDSN
	}
	if c.Store.Driver == "postgres" {
		return c.Store.DSN
	}
	return ""
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
