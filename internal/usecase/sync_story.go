package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/V4T54L/chrono-reader/internal/adapter/metrics"
	"github.com/V4T54L/chrono-reader/internal/domain"
)

const (
	defaultRetryCount   = 3
	defaultRetryBackoff = 1 * time.Second
)

// SyncStoryUseCase copies a story window from one archive into another,
// chunk by chunk.
type SyncStoryUseCase struct {
	source       domain.ArchiveReader
	sink         domain.StoryWriter
	logger       *slog.Logger
	metrics      *metrics.QueryMetrics
	retryCount   int
	retryBackoff time.Duration
}

// NewSyncStoryUseCase creates a new use case for syncing stories. Zero retry
// settings fall back to the defaults.
func NewSyncStoryUseCase(source domain.ArchiveReader, sink domain.StoryWriter, logger *slog.Logger, m *metrics.QueryMetrics, retryCount int, retryBackoff time.Duration) *SyncStoryUseCase {
	if retryCount <= 0 {
		retryCount = defaultRetryCount
	}
	if retryBackoff <= 0 {
		retryBackoff = defaultRetryBackoff
	}
	return &SyncStoryUseCase{
		source:       source,
		sink:         sink,
		logger:       logger.With("component", "story_sync"),
		metrics:      m,
		retryCount:   retryCount,
		retryBackoff: retryBackoff,
	}
}

// Sync reads q's window from the source and writes every chunk to the sink.
// It returns the number of chunks written. The source must already be initialized.
func (uc *SyncStoryUseCase) Sync(ctx context.Context, q domain.Query) (int, error) {
	list := domain.NewChunkList()
	defer list.Release()

	// 1. Read the window from the source archive
	if err := uc.source.ReadArchivedStory(ctx, q.Identity.Chronicle, q.Identity.Story, q.Window.Start, q.Window.End, list); err != nil {
		uc.logger.Error("failed to read story from source", "story", q.Identity.String(), "error", err)
		if !errors.Is(err, domain.ErrReadFailure) {
			err = fmt.Errorf("%w: %v", domain.ErrReadFailure, err)
		}
		return 0, err
	}

	chunks := list.Chunks()
	if len(chunks) == 0 {
		return 0, nil // Nothing in the window, not an error
	}
	uc.logger.Debug("read chunks from source", "count", len(chunks))

	// 2. Write each chunk to the sink with retries
	synced := 0
	for _, chunk := range chunks {
		if err := uc.writeWithRetry(ctx, chunk); err != nil {
			uc.logger.Error("failed to write chunk to sink after retries", "chunk_start", chunk.Start(), "error", err)
			return synced, err
		}
		synced++
		if uc.metrics != nil {
			uc.metrics.ChunksSynced.Inc()
		}
	}

	uc.logger.Info("successfully synced story window", "story", q.Identity.String(), "chunks", synced)
	return synced, nil
}

func (uc *SyncStoryUseCase) writeWithRetry(ctx context.Context, chunk *domain.StoryChunk) error {
	var lastErr error
	for i := 0; i < uc.retryCount; i++ {
		err := uc.sink.WriteChunk(ctx, chunk)
		if err == nil {
			return nil
		}
		lastErr = err
		if i == uc.retryCount-1 {
			break
		}
		uc.logger.Warn("failed to write chunk to sink, retrying...", "attempt", i+1, "error", err)
		select {
		case <-time.After(uc.retryBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
