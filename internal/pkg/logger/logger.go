package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/V4T54L/chrono-reader/internal/pkg/config"
)

// New builds the process logger. Console logs go to stderr as text so that
// stdout stays free for query results; file logs are JSON with size-based
// rotation. The returned closer flushes and closes the log file, if any.
func New(cfg config.LogConfig) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var (
		handler slog.Handler
		closer  io.Closer = nopCloser{}
	)
	switch cfg.Type {
	case "", "console":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log file path is required for file logging")
		}
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.FileSizeMB,
			MaxBackups: cfg.FileNum,
		}
		handler = slog.NewJSONHandler(rotator, opts)
		closer = rotator
	default:
		return nil, nil, fmt.Errorf("unknown log type %q", cfg.Type)
	}

	logger := slog.New(handler)
	if cfg.Name != "" {
		logger = logger.With("app", cfg.Name)
	}
	return logger, closer, nil
}

// ParseLevel accepts slog level names (debug, info, warn, error); empty means info.
func ParseLevel(s string) (slog.Level, error) {
	if s == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
