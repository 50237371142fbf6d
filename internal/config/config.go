// Package config provides unified configuration loading for docsearch.
// Supports YAML files, .env files, environment variables, and programmatic overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for docsearch.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Cache         CacheConfig         `yaml:"cache"`
	Events        EventsConfig        `yaml:"events"`
	Queue         QueueConfig         `yaml:"queue"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Search        SearchConfig        `yaml:"search"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
	AllowedOrigins   []string      `yaml:"allowed_origins"`
	APIKeys          []string      `yaml:"api_keys"` // empty disables authentication
	MaxHeaderBytes   int           `yaml:"max_header_bytes"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"` // sqlite or postgres
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	JournalMode  string `yaml:"journal_mode"`
}

// PostgresConfig holds Postgres-specific settings.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// CacheConfig holds cache and lease backend settings.
type CacheConfig struct {
	Driver     string        `yaml:"driver"` // memory or redis
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
	Redis      RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	Prefix   string `yaml:"prefix"`
}

// EventsConfig selects the progress event transport.
type EventsConfig struct {
	Driver string `yaml:"driver"` // memory or redis
	Source string `yaml:"source"`
	Buffer int    `yaml:"buffer"`
}

// QueueConfig holds dispatch queue settings.
type QueueConfig struct {
	Workers  int           `yaml:"workers"`
	Capacity int           `yaml:"capacity"`
	LeaseTTL time.Duration `yaml:"lease_ttl"`
}

// PipelineConfig holds processing pipeline settings.
type PipelineConfig struct {
	DefaultLanguage string `yaml:"default_language"`
	UploadDir       string `yaml:"upload_dir"`
	RasterDir       string `yaml:"raster_dir"`
	RasterDPI       int    `yaml:"raster_dpi"`
	MaxUploadBytes  int64  `yaml:"max_upload_bytes"`
}

// SearchConfig holds search engine settings.
type SearchConfig struct {
	DefaultLimit   int           `yaml:"default_limit"`
	MaxLimit       int           `yaml:"max_limit"`
	SnippetRadius  int           `yaml:"snippet_radius"`
	FallbackLength int           `yaml:"fallback_length"`
	CacheResults   bool          `yaml:"cache_results"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	// RefreshInterval rebuilds the index from the database so pages
	// committed by other processes become searchable. Zero disables it.
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// RateLimitConfig holds per-client API rate limiting settings.
type RateLimitConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
	Burst    int           `yaml:"burst"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	ServiceName string `yaml:"service_name"`
}

// Load builds the configuration in layers: defaults, then the YAML file at
// path (optional), then environment variables. A .env file in the working
// directory is read first so its values count as environment.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	for _, o := range envOverrides {
		if v, ok := os.LookupEnv(o.name); ok && v != "" {
			o.apply(cfg, v)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for development.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             3001,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     60 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 15 * time.Second,
			AllowedOrigins:   []string{"http://localhost:5173"},
			MaxHeaderBytes:   1 << 20,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			SQLite: SQLiteConfig{
				Path:         "/tmp/docsearch.db",
				MaxOpenConns: 1,
				JournalMode:  "WAL",
			},
			Postgres: PostgresConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Cache: CacheConfig{
			Driver:     "memory",
			TTL:        time.Minute,
			MaxEntries: 10000,
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				DB:       0,
				PoolSize: 10,
				Prefix:   "docsearch:",
			},
		},
		Events: EventsConfig{
			Driver: "memory",
			Source: "docsearch/pipeline",
			Buffer: 64,
		},
		Queue: QueueConfig{
			Workers:  2,
			Capacity: 1000,
			LeaseTTL: 30 * time.Minute,
		},
		Pipeline: PipelineConfig{
			DefaultLanguage: "eng",
			UploadDir:       "uploads",
			RasterDir:       "uploads/pages",
			RasterDPI:       300,
			MaxUploadBytes:  50 * 1024 * 1024,
		},
		Search: SearchConfig{
			DefaultLimit:    10,
			MaxLimit:        100,
			SnippetRadius:   100,
			FallbackLength:  200,
			CacheResults:    true,
			CacheTTL:        30 * time.Second,
			RefreshInterval: 30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled:  true,
			Requests: 100,
			Window:   15 * time.Minute,
			Burst:    20,
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			ServiceName: "docsearch",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return fmt.Errorf("invalid database driver: %s", c.Database.Driver)
	}

	if c.Database.Driver == "postgres" && c.Database.Postgres.DSN == "" {
		return fmt.Errorf("postgres driver requires a dsn")
	}

	if c.Cache.Driver != "memory" && c.Cache.Driver != "redis" {
		return fmt.Errorf("invalid cache driver: %s", c.Cache.Driver)
	}

	if c.Events.Driver != "memory" && c.Events.Driver != "redis" {
		return fmt.Errorf("invalid events driver: %s", c.Events.Driver)
	}

	if c.Queue.Workers < 1 {
		return fmt.Errorf("queue workers must be at least 1, got %d", c.Queue.Workers)
	}

	if c.Queue.Capacity < 1 {
		return fmt.Errorf("queue capacity must be at least 1, got %d", c.Queue.Capacity)
	}

	if c.Pipeline.DefaultLanguage == "" {
		return fmt.Errorf("pipeline default_language is required")
	}

	if c.Search.DefaultLimit < 1 || c.Search.DefaultLimit > c.Search.MaxLimit {
		return fmt.Errorf("search default_limit must be between 1 and max_limit (%d)", c.Search.MaxLimit)
	}
	if c.Search.RefreshInterval < 0 {
		return fmt.Errorf("search refresh_interval must not be negative")
	}

	return nil
}

// DatabaseDSN returns the appropriate database connection string.
func (c *Config) DatabaseDSN() string {
	if c.Database.Driver == "sqlite" {
		return c.Database.SQLite.Path
	}
	return c.Database.Postgres.DSN
}

type envOverride struct {
	name  string
	apply func(cfg *Config, v string)
}

// envOverrides lists the recognised variables. Malformed numbers are ignored
// and leave the previous value in place.
var envOverrides = []envOverride{
	{"SERVER_HOST", func(c *Config, v string) { c.Server.Host = v }},
	{"SERVER_PORT", func(c *Config, v string) { setInt(&c.Server.Port, v) }},
	{"FRONTEND_URL", func(c *Config, v string) { c.Server.AllowedOrigins = []string{v} }},
	{"API_KEYS", func(c *Config, v string) { c.Server.APIKeys = splitList(v) }},
	{"DATABASE_URL", applyDatabaseURL},
	{"REDIS_URL", func(c *Config, v string) {
		c.Cache.Driver = "redis"
		c.Events.Driver = "redis"
		c.Cache.Redis.Addr = strings.TrimPrefix(v, "redis://")
	}},
	{"REDIS_PASSWORD", func(c *Config, v string) { c.Cache.Redis.Password = v }},
	{"WORKER_CONCURRENCY", func(c *Config, v string) { setInt(&c.Queue.Workers, v) }},
	{"UPLOAD_DIR", func(c *Config, v string) { c.Pipeline.UploadDir = v }},
	{"RASTER_DIR", func(c *Config, v string) { c.Pipeline.RasterDir = v }},
	{"OCR_LANGUAGE", func(c *Config, v string) { c.Pipeline.DefaultLanguage = v }},
	{"LOG_LEVEL", func(c *Config, v string) { c.Observability.LogLevel = v }},
	{"LOG_FORMAT", func(c *Config, v string) { c.Observability.LogFormat = v }},
	{"RATE_LIMIT_ENABLED", func(c *Config, v string) {
		if b, err := strconv.ParseBool(v); err == nil {
			c.RateLimit.Enabled = b
		}
	}},
}

// applyDatabaseURL accepts "sqlite:<path>" or a postgres:// / postgresql:// URL.
func applyDatabaseURL(c *Config, v string) {
	switch {
	case strings.HasPrefix(v, "sqlite:"):
		c.Database.Driver = "sqlite"
		c.Database.SQLite.Path = strings.TrimPrefix(v, "sqlite:")
	case strings.HasPrefix(v, "postgres"):
		c.Database.Driver = "postgres"
		c.Database.Postgres.DSN = v
	}
}

func setInt(dst *int, v string) {
	if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		*dst = n
	}
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
