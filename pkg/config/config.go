// Package config loads and validates application configuration from YAML
// files with environment-variable overrides. It provides typed structs for
// every subsystem (Server, Postgres, Redis, Kafka, Indexer, Search, Resolver,
// Viewer, Extraction, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Redis      RedisConfig      `yaml:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Indexer    IndexerConfig    `yaml:"indexer"`
	Search     SearchConfig     `yaml:"search"`
	Resolver   ResolverConfig   `yaml:"resolver"`
	Viewer     ViewerConfig     `yaml:"viewer"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// RateLimitPerMinute caps requests per client address; zero disables
	// limiting.
	RateLimitPerMinute int `yaml:"rateLimitPerMinute"`
}

// PostgresConfig holds the connection parameters for the rotation store.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// RedisConfig holds Redis connection parameters. Redis backs both the
// out-of-band extraction cache and the committed-query result cache.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// KafkaConfig holds the broker list and topic for viewer analytics events.
type KafkaConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Brokers     []string `yaml:"brokers"`
	EventsTopic string   `yaml:"eventsTopic"`
}

// IndexerConfig controls cooperative page indexing: how many pages one slice
// processes before yielding, and how long the indexer parks between slices.
type IndexerConfig struct {
	SliceSize  int           `yaml:"sliceSize"`
	SliceYield time.Duration `yaml:"sliceYield"`
}

// SearchConfig controls query execution: debounce window, context radius for
// result snippets, remote fallback limits and timeouts.
type SearchConfig struct {
	DebounceWindow   time.Duration `yaml:"debounceWindow"`
	ContextRadius    int           `yaml:"contextRadius"`
	RemoteAddr       string        `yaml:"remoteAddr"`
	RemoteTimeout    time.Duration `yaml:"remoteTimeout"`
	RemoteLimit      int           `yaml:"remoteLimit"`
	ResultCacheTTL   time.Duration `yaml:"resultCacheTTL"`
	EnableQueryCache bool          `yaml:"enableQueryCache"`
}

// ResolverConfig bounds highlight rect resolution against the rendered text
// layer.
type ResolverConfig struct {
	MaxAttempts   int           `yaml:"maxAttempts"`
	FrameInterval time.Duration `yaml:"frameInterval"`
}

// ViewerConfig holds viewer-state timing: highlight auto-clear delay, the
// page-sync suppression window after a search jump, the rotation persistence
// debounce, and the inter-page gap used by the geometry index.
type ViewerConfig struct {
	HighlightClearDelay time.Duration `yaml:"highlightClearDelay"`
	PageSyncSuppression time.Duration `yaml:"pageSyncSuppression"`
	RotationDebounce    time.Duration `yaml:"rotationDebounce"`
	PageGap             float64       `yaml:"pageGap"`
}

// ExtractionConfig selects the extraction cache backend: "redis" or "dir".
type ExtractionConfig struct {
	Backend string `yaml:"backend"`
	Dir     string `yaml:"dir"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Extraction.Backend {
	case "redis", "dir", "memory":
	default:
		return fmt.Errorf("extraction.backend must be redis, dir, or memory; got %q", c.Extraction.Backend)
	}
	if c.Extraction.Backend == "dir" && c.Extraction.Dir == "" {
		return fmt.Errorf("extraction.dir is required for the dir backend")
	}
	if c.Indexer.SliceSize <= 0 {
		return fmt.Errorf("indexer.sliceSize must be positive")
	}
	if c.Resolver.MaxAttempts <= 0 {
		return fmt.Errorf("resolver.maxAttempts must be positive")
	}
	return nil
}

// defaultConfig returns a Config with defaults suitable for local development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:               8080,
			ReadTimeout:        30 * time.Second,
			WriteTimeout:       30 * time.Second,
			ShutdownTimeout:    15 * time.Second,
			RateLimitPerMinute: 600,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "viewercore",
			User:            "viewercore",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			PoolSize: 10,
			CacheTTL: 60 * time.Second,
		},
		Kafka: KafkaConfig{
			Enabled:     false,
			Brokers:     []string{"localhost:9092"},
			EventsTopic: "viewer-events",
		},
		Indexer: IndexerConfig{
			SliceSize:  8,
			SliceYield: 0,
		},
		Search: SearchConfig{
			DebounceWindow:   300 * time.Millisecond,
			ContextRadius:    40,
			RemoteTimeout:    5 * time.Second,
			RemoteLimit:      200,
			ResultCacheTTL:   60 * time.Second,
			EnableQueryCache: false,
		},
		Resolver: ResolverConfig{
			MaxAttempts:   12,
			FrameInterval: 16 * time.Millisecond,
		},
		Viewer: ViewerConfig{
			HighlightClearDelay: 1500 * time.Millisecond,
			PageSyncSuppression: 800 * time.Millisecond,
			RotationDebounce:    1200 * time.Millisecond,
			PageGap:             16,
		},
		Extraction: ExtractionConfig{
			Backend: "memory",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads VIEWERCORE_* environment variables and overrides
// the corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VIEWERCORE_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("VIEWERCORE_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("VIEWERCORE_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("VIEWERCORE_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("VIEWERCORE_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("VIEWERCORE_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("VIEWERCORE_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("VIEWERCORE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("VIEWERCORE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("VIEWERCORE_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
		cfg.Kafka.Enabled = true
	}
	if v := os.Getenv("VIEWERCORE_SEARCH_REMOTE_ADDR"); v != "" {
		cfg.Search.RemoteAddr = v
	}
	if v := os.Getenv("VIEWERCORE_EXTRACTION_BACKEND"); v != "" {
		cfg.Extraction.Backend = v
	}
	if v := os.Getenv("VIEWERCORE_EXTRACTION_DIR"); v != "" {
		cfg.Extraction.Dir = v
	}
	if v := os.Getenv("VIEWERCORE_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("VIEWERCORE_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
