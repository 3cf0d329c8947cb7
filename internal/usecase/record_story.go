package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/V4T54L/chrono-reader/internal/adapter/pii"
	"github.com/V4T54L/chrono-reader/internal/domain"
)

// RecordStoryUseCase handles appending single events to a story archive.
type RecordStoryUseCase struct {
	recorder domain.EventRecorder
	redactor *pii.Redactor
	logger   *slog.Logger
	now      func() time.Time
}

// NewRecordStoryUseCase creates a new RecordStoryUseCase.
func NewRecordStoryUseCase(recorder domain.EventRecorder, redactor *pii.Redactor, logger *slog.Logger) *RecordStoryUseCase {
	return &RecordStoryUseCase{
		recorder: recorder,
		redactor: redactor,
		logger:   logger,
		now:      time.Now,
	}
}

// Record stamps, redacts and appends an event to the identified story.
func (uc *RecordStoryUseCase) Record(ctx context.Context, identity domain.StoryIdentity, event *domain.Event) error {
	if identity.Chronicle == "" || identity.Story == "" {
		return domain.ErrInvalidStory
	}

	// 1. Enrich with the recording time
	if event.EventTime == 0 {
		event.EventTime = uc.now().UnixNano()
	}

	// 2. Redact PII
	record, _, err := uc.redactor.Redact(event.LogRecord)
	if err != nil {
		uc.logger.Warn("failed to redact PII, proceeding with unredacted record", "error", err, "event_time", event.EventTime)
	}
	event.LogRecord = record

	// 3. Append to the archive
	if err := uc.recorder.Record(ctx, identity, *event); err != nil {
		uc.logger.Error("failed to record story event", "error", err, "story", identity.String())
		return err
	}
	return nil
}
