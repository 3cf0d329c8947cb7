package repository

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/V4T54L/chrono-reader/internal/adapter/repository/archive"
	redisrepo "github.com/V4T54L/chrono-reader/internal/adapter/repository/redis"
	"github.com/V4T54L/chrono-reader/internal/adapter/repository/sqlstore"
	"github.com/V4T54L/chrono-reader/internal/domain"
	"github.com/V4T54L/chrono-reader/internal/pkg/config"
)

func TestNewArchiveReader(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("File backend", func(t *testing.T) {
		cfg := config.Default()
		reader, err := NewArchiveReader(&cfg, logger)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if _, ok := reader.(*archive.Reader); !ok {
			t.Errorf("expected *archive.Reader, got %T", reader)
		}
	})

	t.Run("SQLite backend", func(t *testing.T) {
		cfg := config.Default()
		cfg.Archive.Backend = "sqlite"
		cfg.Archive.DSN = "file::memory:"
		reader, err := NewArchiveReader(&cfg, logger)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if _, ok := reader.(*sqlstore.Store); !ok {
			t.Errorf("expected *sqlstore.Store, got %T", reader)
		}
	})

	t.Run("Cached backend", func(t *testing.T) {
		cfg := config.Default()
		cfg.Cache.RedisURL = "redis://127.0.0.1:1/0"
		reader, err := NewArchiveReader(&cfg, logger)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if _, ok := reader.(*redisrepo.CachedReader); !ok {
			t.Errorf("expected *redis.CachedReader, got %T", reader)
		}
		reader.Shutdown()
	})

	t.Run("Invalid redis url", func(t *testing.T) {
		cfg := config.Default()
		cfg.Cache.RedisURL = "not a url"
		if _, err := NewArchiveReader(&cfg, logger); err == nil {
			t.Fatal("expected an error, got nil")
		}
	})

	t.Run("Unknown backend", func(t *testing.T) {
		cfg := config.Default()
		cfg.Archive.Backend = "s3"
		if _, err := NewArchiveReader(&cfg, logger); err == nil {
			t.Fatal("expected an error, got nil")
		}
	})
}

func TestNewArchiveReader_SharedCache(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mr := miniredis.RunT(t)
	id := domain.StoryIdentity{Chronicle: "LLM", Story: "conversation"}

	// Two archives holding different events for the same story and window.
	read := func(root string, ts int64) []int64 {
		t.Helper()
		w, err := archive.NewWriter(root, "none", 10, logger)
		if err != nil {
			t.Fatalf("writer: %v", err)
		}
		if err := w.Record(context.Background(), id, domain.Event{EventTime: ts, LogRecord: "x"}); err != nil {
			t.Fatalf("record: %v", err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("close writer: %v", err)
		}

		cfg := config.Default()
		cfg.Archive.StoryFilesDir = root
		cfg.Cache.RedisURL = "redis://" + mr.Addr() + "/0"
		reader, err := NewArchiveReader(&cfg, logger)
		if err != nil {
			t.Fatalf("new reader: %v", err)
		}
		if err := reader.Initialize(context.Background()); err != nil {
			t.Fatalf("initialize: %v", err)
		}
		defer reader.Shutdown()

		list := domain.NewChunkList()
		defer list.Release()
		if err := reader.ReadArchivedStory(context.Background(), "LLM", "conversation", 0, 1000, list); err != nil {
			t.Fatalf("read: %v", err)
		}
		var times []int64
		for _, c := range list.Chunks() {
			for _, e := range c.Events() {
				times = append(times, e.EventTime)
			}
		}
		return times
	}

	if got := read(t.TempDir(), 100); len(got) != 1 || got[0] != 100 {
		t.Fatalf("first archive: expected [100], got %v", got)
	}
	if got := read(t.TempDir(), 200); len(got) != 1 || got[0] != 200 {
		t.Errorf("second archive: expected its own [200], got %v", got)
	}
	if keys := mr.Keys(); len(keys) != 2 {
		t.Errorf("expected one cache entry per archive, got %v", keys)
	}
}
