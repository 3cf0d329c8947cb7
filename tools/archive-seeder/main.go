package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/V4T54L/chrono-reader/internal/adapter/pii"
	"github.com/V4T54L/chrono-reader/internal/adapter/repository/archive"
	"github.com/V4T54L/chrono-reader/internal/domain"
	"github.com/V4T54L/chrono-reader/internal/usecase"
)

type seedOptions struct {
	root        string
	compression string
	chunkEvents int
	chronicle   string
	story       string
	stories     int
	events      int
	start       int64
	step        time.Duration
	rps         int
}

func main() {
	var opts seedOptions
	flag.StringVar(&opts.root, "dir", "/tmp/chronolog/archive", "Archive root directory")
	flag.StringVar(&opts.compression, "compression", "none", "Chunk file compression: none, snappy or zstd")
	flag.IntVar(&opts.chunkEvents, "chunk-events", 1024, "Events per chunk file")
	flag.StringVar(&opts.chronicle, "chronicle", "LLM", "Chronicle name")
	flag.StringVar(&opts.story, "story", "conversation", "Story name, suffixed with the worker number when -c > 1")
	flag.IntVar(&opts.stories, "c", 1, "Number of stories written concurrently")
	flag.IntVar(&opts.events, "n", 10000, "Events per story")
	flag.Int64Var(&opts.start, "start", 1736800000000000000, "First event time in nanoseconds since the epoch")
	flag.DurationVar(&opts.step, "step", time.Second, "Time between consecutive events")
	flag.IntVar(&opts.rps, "rps", 1000, "Events per second limit")
	flag.Parse()

	log.Printf("Seeding %d stories x %d events into %s", opts.stories, opts.events, opts.root)

	began := time.Now()
	written, failed, err := seed(context.Background(), opts, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		log.Fatalf("Seeding failed: %v", err)
	}

	log.Println("Seeding finished.")
	log.Printf("Events written: %d", written)
	log.Printf("Errors: %d", failed)
	log.Printf("Actual rate: %.2f events/s", float64(written)/time.Since(began).Seconds())
}

// seed writes opts.events synthetic events to each story and returns the
// number written and failed.
func seed(ctx context.Context, opts seedOptions, logger *slog.Logger) (int64, int64, error) {
	writer, err := archive.NewWriter(opts.root, opts.compression, opts.chunkEvents, logger)
	if err != nil {
		return 0, 0, err
	}
	uc := usecase.NewRecordStoryUseCase(writer, pii.NewRedactor(nil, logger), logger)
	limiter := rate.NewLimiter(rate.Limit(opts.rps), 100) // Allow bursts up to 100

	var wg sync.WaitGroup
	var successCount, errorCount atomic.Int64
	for i := 0; i < opts.stories; i++ {
		story := opts.story
		if opts.stories > 1 {
			story = fmt.Sprintf("%s-%d", opts.story, i)
		}
		wg.Add(1)
		go func(workerID int, identity domain.StoryIdentity) {
			defer wg.Done()
			for n := 0; n < opts.events; n++ {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
				event := &domain.Event{
					StoryID:    uint64(workerID + 1),
					EventTime:  opts.start + int64(n)*int64(opts.step),
					ClientID:   uint32(workerID),
					EventIndex: uint32(n),
					LogRecord:  fmt.Sprintf(`{"event_id": "%s", "message": "seeded event %d from worker %d"}`, uuid.NewString(), n, workerID),
				}
				if err := uc.Record(ctx, identity, event); err != nil {
					errorCount.Add(1)
					continue
				}
				successCount.Add(1)
			}
		}(i, domain.StoryIdentity{Chronicle: opts.chronicle, Story: story})
	}
	wg.Wait()

	if err := writer.Close(); err != nil {
		return successCount.Load(), errorCount.Load(), err
	}
	return successCount.Load(), errorCount.Load(), nil
}
