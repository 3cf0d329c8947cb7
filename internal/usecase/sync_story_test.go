package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/V4T54L/chrono-reader/internal/adapter/metrics"
	"github.com/V4T54L/chrono-reader/internal/domain"
	"github.com/V4T54L/chrono-reader/internal/domain/mocks"
)

func TestSyncStoryUseCase_Sync(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("Successful Sync", func(t *testing.T) {
		base := domain.LiveChunks()
		source := &mocks.MockArchiveReader{Chunks: [][]int64{{1, 2}, {5}}}
		sink := &mocks.MockStoryWriter{}
		m := metrics.NewQueryMetrics()
		uc := NewSyncStoryUseCase(source, sink, logger, m, 3, time.Millisecond)

		count, err := uc.Sync(context.Background(), testQuery(t, 0, 10))
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if count != 2 {
			t.Errorf("expected 2 chunks synced, got %d", count)
		}
		if len(sink.Written) != 2 || len(sink.Written[0]) != 2 {
			t.Errorf("unexpected sink contents %+v", sink.Written)
		}
		if got := testutil.ToFloat64(m.ChunksSynced); got != 2 {
			t.Errorf("expected synced counter 2, got %v", got)
		}
		if live := domain.LiveChunks() - base; live != 0 {
			t.Errorf("expected chunks released after sync, %d still live", live)
		}
	})

	t.Run("Sink Failure Recovers on Retry", func(t *testing.T) {
		source := &mocks.MockArchiveReader{Chunks: [][]int64{{1}}}
		sink := &mocks.MockStoryWriter{WriteErrs: []error{errors.New("database is down")}}
		uc := NewSyncStoryUseCase(source, sink, logger, nil, 3, time.Millisecond)

		count, err := uc.Sync(context.Background(), testQuery(t, 0, 10))
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if count != 1 || len(sink.Written) != 1 {
			t.Errorf("expected 1 chunk written after retry, got count=%d written=%d", count, len(sink.Written))
		}
	})

	t.Run("Sink Failure Exhausts Retries", func(t *testing.T) {
		down := errors.New("database is down")
		source := &mocks.MockArchiveReader{Chunks: [][]int64{{1}, {2}}}
		sink := &mocks.MockStoryWriter{WriteErrs: []error{down, down}}
		uc := NewSyncStoryUseCase(source, sink, logger, nil, 2, time.Millisecond)

		count, err := uc.Sync(context.Background(), testQuery(t, 0, 10))
		if !errors.Is(err, down) {
			t.Fatalf("expected sink error, got %v", err)
		}
		if count != 0 {
			t.Errorf("expected 0 chunks synced, got %d", count)
		}
	})

	t.Run("No Backoff After Final Attempt", func(t *testing.T) {
		down := errors.New("database is down")
		source := &mocks.MockArchiveReader{Chunks: [][]int64{{1}}}
		sink := &mocks.MockStoryWriter{WriteErrs: []error{down}}
		uc := NewSyncStoryUseCase(source, sink, logger, nil, 1, time.Hour)
		q := testQuery(t, 0, 10)

		result := make(chan error, 1)
		go func() {
			_, err := uc.Sync(context.Background(), q)
			result <- err
		}()
		select {
		case err := <-result:
			if !errors.Is(err, down) {
				t.Fatalf("expected sink error, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("sync waited out the backoff after its last attempt")
		}
	})

	t.Run("Source Read Error", func(t *testing.T) {
		source := &mocks.MockArchiveReader{ReadErr: errors.New("segment truncated")}
		sink := &mocks.MockStoryWriter{}
		uc := NewSyncStoryUseCase(source, sink, logger, nil, 3, time.Millisecond)

		_, err := uc.Sync(context.Background(), testQuery(t, 0, 10))
		if !errors.Is(err, domain.ErrReadFailure) {
			t.Fatalf("expected ErrReadFailure, got %v", err)
		}
	})

	t.Run("No Chunks to Sync", func(t *testing.T) {
		source := &mocks.MockArchiveReader{}
		sink := &mocks.MockStoryWriter{}
		uc := NewSyncStoryUseCase(source, sink, logger, nil, 0, 0)

		count, err := uc.Sync(context.Background(), testQuery(t, 0, 10))
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if count != 0 || len(sink.Written) != 0 {
			t.Error("sink should not be called with no chunks")
		}
	})
}
