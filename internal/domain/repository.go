package domain

import "context"

// ArchiveReader defines the read side of a story archive.
// Implementations own a background goroutine that Shutdown must join.
type ArchiveReader interface {
	// Initialize opens the archive. It fails with ErrBackendUnavailable when
	// the archive cannot be reached.
	Initialize(ctx context.Context) error

	// ReadArchivedStory appends to out every chunk of the story holding events
	// in [start, end). It blocks until the read completes and fails with
	// ErrReadFailure on I/O or corrupt data.
	ReadArchivedStory(ctx context.Context, chronicle, story string, start, end uint64, out *ChunkList) error

	// Shutdown stops the background goroutine and releases backend resources.
	// Calling it more than once is safe.
	Shutdown() error
}

// StoryWriter defines the write side of a story archive.
type StoryWriter interface {
	// WriteChunk persists one sealed chunk. The caller keeps ownership of chunk.
	WriteChunk(ctx context.Context, chunk *StoryChunk) error

	Close() error
}

// EventRecorder appends individual events to the currently open chunk of a story.
type EventRecorder interface {
	Record(ctx context.Context, identity StoryIdentity, event Event) error
}
