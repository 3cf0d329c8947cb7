package usecase

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/V4T54L/chrono-reader/internal/adapter/metrics"
	"github.com/V4T54L/chrono-reader/internal/adapter/pii"
	"github.com/V4T54L/chrono-reader/internal/domain"
	"github.com/V4T54L/chrono-reader/internal/interrupt"
)

const tracerName = "github.com/V4T54L/chrono-reader/internal/usecase"

// ErrInterrupted is returned when the query was torn down by an interrupt.
var ErrInterrupted = errors.New("query interrupted")

// ResourceGuard owns the live-resource references shared with the interrupt
// path. Resources are registered right after they are acquired and handed
// back through ReleaseChunks and ShutdownReader, never released directly.
type ResourceGuard interface {
	TrackChunks(list *domain.ChunkList) bool
	ReleaseChunks(list *domain.ChunkList) int
	TrackReader(r interrupt.Shutdowner) bool
	ShutdownReader(r interrupt.Shutdowner) error
}

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// QueryStoryUseCase runs one story query end to end: open the archive, read
// the window, render the chunks, release them and shut the archive down.
type QueryStoryUseCase struct {
	reader   domain.ArchiveReader
	guard    ResourceGuard
	out      io.Writer
	logger   *slog.Logger
	format   string
	redactor *pii.Redactor
	metrics  *metrics.QueryMetrics
}

// QueryOption configures a QueryStoryUseCase.
type QueryOption func(*QueryStoryUseCase)

func WithFormat(format string) QueryOption {
	return func(uc *QueryStoryUseCase) { uc.format = format }
}

func WithRedactor(r *pii.Redactor) QueryOption {
	return func(uc *QueryStoryUseCase) { uc.redactor = r }
}

func WithMetrics(m *metrics.QueryMetrics) QueryOption {
	return func(uc *QueryStoryUseCase) { uc.metrics = m }
}

// NewQueryStoryUseCase creates a new QueryStoryUseCase writing results to out.
func NewQueryStoryUseCase(reader domain.ArchiveReader, guard ResourceGuard, out io.Writer, logger *slog.Logger, opts ...QueryOption) *QueryStoryUseCase {
	uc := &QueryStoryUseCase{
		reader: reader,
		guard:  guard,
		out:    out,
		logger: logger,
		format: FormatText,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// Configure validates the query parameters. Nothing is opened or allocated
// for a rejected query.
func Configure(configPath string, identity domain.StoryIdentity, window domain.TimeWindow) (domain.Query, error) {
	if configPath == "" {
		return domain.Query{}, domain.ErrMissingConfig
	}
	if identity.Chronicle == "" || identity.Story == "" {
		return domain.Query{}, domain.ErrInvalidStory
	}
	if err := window.Validate(); err != nil {
		return domain.Query{}, err
	}
	return domain.Query{
		ID:         uuid.NewString(),
		ConfigPath: configPath,
		Identity:   identity,
		Window:     window,
	}, nil
}

// Run executes q. The result chunks are released and the reader is shut down
// exactly once on every return path.
func (uc *QueryStoryUseCase) Run(ctx context.Context, q domain.Query) (err error) {
	logger := uc.logger.With("query_id", q.ID, "story", q.Identity.String())
	defer func() { uc.countQuery(err) }()

	if !uc.guard.TrackReader(uc.reader) {
		return ErrInterrupted
	}
	defer func() {
		if serr := uc.guard.ShutdownReader(uc.reader); serr != nil {
			logger.Error("failed to shut down archive reader", "error", serr)
			if err == nil {
				err = serr
			}
		}
	}()

	if err := uc.reader.Initialize(ctx); err != nil {
		if !errors.Is(err, domain.ErrBackendUnavailable) {
			err = fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
		}
		logger.Error("failed to open archive", "error", err)
		return err
	}

	fmt.Fprintf(uc.out, "Reading [%d,%d] from %s\n", q.Window.Start, q.Window.End, q.Identity)

	list, err := uc.Execute(ctx, q)
	if err != nil {
		logger.Error("archive read failed", "error", err)
		return err
	}
	defer uc.Release(list)

	if err := uc.Render(list); err != nil {
		return err
	}
	logger.Info("query completed", "chunks", list.Len())
	return nil
}

// Execute reads the query window into a fresh collection registered with the
// guard. On failure the collection is released before returning.
func (uc *QueryStoryUseCase) Execute(ctx context.Context, q domain.Query) (*domain.ChunkList, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ReadArchivedStory")
	defer span.End()
	start, end := q.Window.Int64Bounds()
	span.SetAttributes(
		attribute.String("chrono.chronicle", q.Identity.Chronicle),
		attribute.String("chrono.story", q.Identity.Story),
		attribute.Int64("chrono.window.start", start),
		attribute.Int64("chrono.window.end", end),
	)

	list := domain.NewChunkList()
	if !uc.guard.TrackChunks(list) {
		return nil, ErrInterrupted
	}

	began := time.Now()
	err := uc.reader.ReadArchivedStory(ctx, q.Identity.Chronicle, q.Identity.Story, q.Window.Start, q.Window.End, list)
	if uc.metrics != nil {
		uc.metrics.ReadDuration.Observe(time.Since(began).Seconds())
	}
	if err != nil {
		uc.guard.ReleaseChunks(list)
		span.RecordError(err)
		span.SetStatus(codes.Error, "archive read failed")
		switch {
		case errors.Is(err, domain.ErrCollectionReleased):
			return nil, ErrInterrupted
		case errors.Is(err, domain.ErrReadFailure), errors.Is(err, domain.ErrInvalidRange):
			return nil, err
		default:
			return nil, fmt.Errorf("%w: %v", domain.ErrReadFailure, err)
		}
	}
	if list.Released() {
		return nil, ErrInterrupted
	}

	n := list.Len()
	span.SetAttributes(attribute.Int("chrono.chunks", n))
	if uc.metrics != nil {
		uc.metrics.ChunksReturned.Add(float64(n))
	}
	return list, nil
}

// Render writes the collection in the configured format. It reads the chunks
// without changing or releasing them.
func (uc *QueryStoryUseCase) Render(list *domain.ChunkList) error {
	w := bufio.NewWriter(uc.out)
	var (
		events int
		err    error
	)
	if uc.format == FormatJSON {
		events, err = uc.renderJSON(w, list)
	} else {
		events, err = uc.renderText(w, list)
	}
	if uc.metrics != nil {
		uc.metrics.EventsRendered.Add(float64(events))
	}
	if ferr := w.Flush(); err == nil {
		err = ferr
	}
	return err
}

// Release hands the collection back to the guard. Safe to call repeatedly.
func (uc *QueryStoryUseCase) Release(list *domain.ChunkList) int {
	return uc.guard.ReleaseChunks(list)
}

func (uc *QueryStoryUseCase) renderText(w *bufio.Writer, list *domain.ChunkList) (int, error) {
	chunks := list.Chunks()
	fmt.Fprintf(w, "%d chunk(s) returned.\n", len(chunks))

	events := 0
	for _, chunk := range chunks {
		fmt.Fprintf(w, "Chunk with %d events:\n", chunk.EventCount())
		err := chunk.Range(func(_ uint64, e domain.Event) bool {
			fmt.Fprintf(w, "  storyId=%d, time=%d, clientId=%d, index=%d, record=\"%s\"\n",
				e.StoryID, e.EventTime, e.ClientID, e.EventIndex, uc.record(e))
			events++
			return true
		})
		if err != nil {
			return events, uc.renderError(err)
		}
		if err := w.Flush(); err != nil {
			return events, err
		}
	}
	return events, nil
}

type jsonSummary struct {
	Chunks int `json:"chunks"`
}

type jsonEvent struct {
	Chunk      int    `json:"chunk"`
	Index      uint64 `json:"index"`
	StoryID    uint64 `json:"story_id"`
	EventTime  int64  `json:"event_time"`
	ClientID   uint32 `json:"client_id"`
	EventIndex uint32 `json:"event_index"`
	LogRecord  string `json:"log_record"`
}

func (uc *QueryStoryUseCase) renderJSON(w *bufio.Writer, list *domain.ChunkList) (int, error) {
	chunks := list.Chunks()
	enc := json.NewEncoder(w)
	if err := enc.Encode(jsonSummary{Chunks: len(chunks)}); err != nil {
		return 0, err
	}

	events := 0
	for i, chunk := range chunks {
		var encErr error
		err := chunk.Range(func(idx uint64, e domain.Event) bool {
			encErr = enc.Encode(jsonEvent{
				Chunk:      i,
				Index:      idx,
				StoryID:    e.StoryID,
				EventTime:  e.EventTime,
				ClientID:   e.ClientID,
				EventIndex: e.EventIndex,
				LogRecord:  uc.record(e),
			})
			if encErr == nil {
				events++
			}
			return encErr == nil
		})
		if err != nil {
			return events, uc.renderError(err)
		}
		if encErr != nil {
			return events, encErr
		}
	}
	return events, nil
}

func (uc *QueryStoryUseCase) record(e domain.Event) string {
	out, _, err := uc.redactor.Redact(e.LogRecord)
	if err != nil {
		uc.logger.Warn("failed to redact record, rendering it unchanged", "error", err, "event_time", e.EventTime)
	}
	return out
}

func (uc *QueryStoryUseCase) renderError(err error) error {
	if errors.Is(err, domain.ErrChunkReleased) {
		return ErrInterrupted
	}
	return err
}

func (uc *QueryStoryUseCase) countQuery(err error) {
	if uc.metrics == nil {
		return
	}
	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrInterrupted):
		status = "interrupted"
	case errors.Is(err, domain.ErrBackendUnavailable):
		status = "unavailable"
	case errors.Is(err, domain.ErrInvalidRange):
		status = "invalid"
	default:
		status = "read_error"
	}
	uc.metrics.QueriesTotal.WithLabelValues(status).Inc()
}
