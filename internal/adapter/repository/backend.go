// Package repository selects the archive backend described by the configuration.
package repository

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/chrono-reader/internal/adapter/repository/archive"
	redisrepo "github.com/V4T54L/chrono-reader/internal/adapter/repository/redis"
	"github.com/V4T54L/chrono-reader/internal/adapter/repository/sqlstore"
	"github.com/V4T54L/chrono-reader/internal/domain"
	"github.com/V4T54L/chrono-reader/internal/pkg/config"
)

// NewArchiveReader builds the configured reader, wrapped in the Redis chunk
// cache when a cache URL is set. Nothing is opened until Initialize.
func NewArchiveReader(cfg *config.Config, logger *slog.Logger) (domain.ArchiveReader, error) {
	var (
		reader   domain.ArchiveReader
		location string
	)
	switch cfg.Archive.Backend {
	case "file":
		reader = archive.NewReader(cfg.Archive.StoryFilesDir, cfg.Archive.MonitorInterval, logger)
		location = filepath.Clean(cfg.Archive.StoryFilesDir)
	case sqlstore.DriverPostgres, sqlstore.DriverSQLite:
		store, err := NewSQLStore(cfg, logger)
		if err != nil {
			return nil, err
		}
		reader = store
		location = cfg.Archive.DSN
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Archive.Backend)
	}

	if cfg.Cache.RedisURL == "" {
		return reader, nil
	}
	redisOpts, err := redis.ParseURL(cfg.Cache.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	namespace := redisrepo.BackendFingerprint(cfg.Archive.Backend, location)
	return redisrepo.NewCachedReader(reader, redis.NewClient(redisOpts), namespace, cfg.Cache.TTL, cfg.Archive.MonitorInterval, logger), nil
}

// NewSQLStore builds the SQL archive store for a postgres or sqlite backend.
func NewSQLStore(cfg *config.Config, logger *slog.Logger) (*sqlstore.Store, error) {
	return sqlstore.New(cfg.Archive.Backend, cfg.Archive.DSN, cfg.Archive.MonitorInterval, logger)
}
