package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/V4T54L/chrono-reader/internal/domain"
)

// Config holds all application configuration.
// Values come from defaults, then the config file, then the environment.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Archive ArchiveConfig `yaml:"archive"`
	Cache   CacheConfig   `yaml:"cache"`
	Metrics MetricsConfig `yaml:"metrics"`
	Query   QueryConfig   `yaml:"query"`
}

type LogConfig struct {
	Type       string `yaml:"type" env:"LOG_TYPE"` // console or file
	File       string `yaml:"file" env:"LOG_FILE"`
	Level      string `yaml:"level" env:"LOG_LEVEL"`
	Name       string `yaml:"name" env:"LOG_NAME"`
	FileSizeMB int    `yaml:"file_size_mb" env:"LOG_FILE_SIZE_MB"`
	FileNum    int    `yaml:"file_num" env:"LOG_FILE_NUM"`
}

type ArchiveConfig struct {
	Backend         string        `yaml:"backend" env:"ARCHIVE_BACKEND"` // file, postgres or sqlite
	StoryFilesDir   string        `yaml:"story_files_dir" env:"ARCHIVE_STORY_FILES_DIR"`
	DSN             string        `yaml:"dsn" env:"ARCHIVE_DSN"`
	MonitorInterval time.Duration `yaml:"monitor_interval" env:"ARCHIVE_MONITOR_INTERVAL"`
	Compression     string        `yaml:"compression" env:"ARCHIVE_COMPRESSION"` // none, snappy or zstd
	MaxChunkEvents  int           `yaml:"max_chunk_events" env:"ARCHIVE_MAX_CHUNK_EVENTS"`
}

type CacheConfig struct {
	RedisURL string        `yaml:"redis_url" env:"CACHE_REDIS_URL"`
	TTL      time.Duration `yaml:"ttl" env:"CACHE_TTL"`
}

type MetricsConfig struct {
	TextfilePath string `yaml:"textfile_path" env:"METRICS_TEXTFILE_PATH"`
}

type QueryConfig struct {
	Format       string   `yaml:"format" env:"QUERY_FORMAT"` // text or json
	RedactFields []string `yaml:"redact_fields" env:"QUERY_REDACT_FIELDS" envSeparator:","`
}

// Default returns the configuration used when neither file nor environment set a value.
func Default() Config {
	var cfg Config
	cfg.Log.Type = "console"
	cfg.Log.Level = "info"
	cfg.Log.Name = "chrono-reader"
	cfg.Log.FileSizeMB = 100
	cfg.Log.FileNum = 3
	cfg.Archive.Backend = "file"
	cfg.Archive.StoryFilesDir = "/tmp/chronolog/archive"
	cfg.Archive.MonitorInterval = 5 * time.Second
	cfg.Archive.Compression = "none"
	cfg.Archive.MaxChunkEvents = 1024
	cfg.Cache.TTL = 10 * time.Minute
	cfg.Query.Format = "text"
	return cfg
}

// Load reads the config file at path over the defaults and applies environment
// overrides. An empty path is rejected with domain.ErrMissingConfig.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, domain.ErrMissingConfig
	}

	// Attempt to load .env file for local development.
	_ = godotenv.Load()

	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, errors.New("config file is empty")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks enumerated fields.
func (c *Config) Validate() error {
	switch c.Log.Type {
	case "console", "file":
	default:
		return fmt.Errorf("unknown log type %q", c.Log.Type)
	}
	switch c.Archive.Backend {
	case "file":
		if c.Archive.StoryFilesDir == "" {
			return errors.New("archive.story_files_dir is required for the file backend")
		}
	case "postgres", "sqlite":
		if c.Archive.DSN == "" {
			return fmt.Errorf("archive.dsn is required for the %s backend", c.Archive.Backend)
		}
	default:
		return fmt.Errorf("unknown archive backend %q", c.Archive.Backend)
	}
	switch c.Archive.Compression {
	case "none", "snappy", "zstd":
	default:
		return fmt.Errorf("unknown archive compression %q", c.Archive.Compression)
	}
	switch c.Query.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown output format %q", c.Query.Format)
	}
	if c.Archive.MonitorInterval <= 0 {
		return errors.New("archive.monitor_interval must be positive")
	}
	return nil
}
