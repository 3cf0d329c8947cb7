package mocks

import (
	"context"
	"sync"

	"github.com/V4T54L/chrono-reader/internal/domain"
)

// MockArchiveReader is a mock implementation of domain.ArchiveReader for testing.
// Chunks lists the event timestamps of each chunk the reader delivers.
type MockArchiveReader struct {
	mu            sync.Mutex
	Chunks        [][]int64
	Records       map[int64]string
	InitErr       error
	ReadErr       error
	ShutdownErr   error
	InitCalls     int
	ReadCalls     int
	ShutdownCalls int

	// BeforeReturn runs after chunks are appended and before ReadArchivedStory returns.
	BeforeReturn func(out *domain.ChunkList)
}

func (m *MockArchiveReader) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InitCalls++
	return m.InitErr
}

func (m *MockArchiveReader) ReadArchivedStory(ctx context.Context, chronicle, story string, start, end uint64, out *domain.ChunkList) error {
	m.mu.Lock()
	m.ReadCalls++
	chunks, readErr, hook := m.Chunks, m.ReadErr, m.BeforeReturn
	m.mu.Unlock()

	window := domain.TimeWindow{Start: start, End: end}
	identity := domain.StoryIdentity{Chronicle: chronicle, Story: story}
	for _, times := range chunks {
		if len(times) == 0 {
			continue
		}
		chunk := domain.NewStoryChunk(identity, times[0])
		for i, ts := range times {
			if !window.Contains(ts) {
				continue
			}
			_, _ = chunk.Insert(domain.Event{
				StoryID:    42,
				EventTime:  ts,
				ClientID:   7,
				EventIndex: uint32(i),
				LogRecord:  m.record(ts),
			})
		}
		if chunk.EventCount() == 0 {
			chunk.Release()
			continue
		}
		if err := out.Append(chunk); err != nil {
			return err
		}
	}
	if hook != nil {
		hook(out)
	}
	return readErr
}

func (m *MockArchiveReader) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ShutdownCalls++
	return m.ShutdownErr
}

func (m *MockArchiveReader) record(ts int64) string {
	if r, ok := m.Records[ts]; ok {
		return r
	}
	return "event"
}

// Calls returns the init, read and shutdown call counts.
func (m *MockArchiveReader) Calls() (init, read, shutdown int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.InitCalls, m.ReadCalls, m.ShutdownCalls
}

// MockStoryWriter is a mock implementation of domain.StoryWriter for testing.
type MockStoryWriter struct {
	mu        sync.Mutex
	Written   [][]domain.Event
	WriteErrs []error // consumed one per call, nil entries succeed
	Closed    bool
}

func (m *MockStoryWriter) WriteChunk(ctx context.Context, chunk *domain.StoryChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.WriteErrs) > 0 {
		err := m.WriteErrs[0]
		m.WriteErrs = m.WriteErrs[1:]
		if err != nil {
			return err
		}
	}
	m.Written = append(m.Written, chunk.Events())
	return nil
}

func (m *MockStoryWriter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

// MockEventRecorder is a mock implementation of domain.EventRecorder for testing.
type MockEventRecorder struct {
	mu        sync.Mutex
	Recorded  []domain.Event
	RecordErr error
}

func (m *MockEventRecorder) Record(ctx context.Context, identity domain.StoryIdentity, event domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RecordErr != nil {
		return m.RecordErr
	}
	m.Recorded = append(m.Recorded, event)
	return nil
}
