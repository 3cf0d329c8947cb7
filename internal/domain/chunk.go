package domain

import (
	"sync"
	"sync/atomic"
)

var liveChunks atomic.Int64

// LiveChunks returns the number of chunks constructed and not yet released.
func LiveChunks() int64 {
	return liveChunks.Load()
}

// StoryChunk holds the events of one contiguous recorded segment of a story.
// It is filled by an archive backend, sealed, and then read-only until Release.
type StoryChunk struct {
	identity StoryIdentity
	start    int64

	mu       sync.RWMutex
	events   []Event // position is the chunk-local event index
	owner    *ChunkList
	sealed   bool
	released bool
}

// NewStoryChunk allocates an empty chunk for a segment starting at start.
func NewStoryChunk(identity StoryIdentity, start int64) *StoryChunk {
	liveChunks.Add(1)
	return &StoryChunk{identity: identity, start: start}
}

func (c *StoryChunk) Identity() StoryIdentity { return c.identity }

// Start is the beginning of the recorded segment, not necessarily the first event time.
func (c *StoryChunk) Start() int64 { return c.start }

// Insert appends an event and returns its chunk-local index.
func (c *StoryChunk) Insert(e Event) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.released:
		return 0, ErrChunkReleased
	case c.sealed:
		return 0, ErrChunkSealed
	}
	if n := len(c.events); n > 0 && e.EventTime < c.events[n-1].EventTime {
		return 0, ErrOutOfOrder
	}
	c.events = append(c.events, e)
	return uint64(len(c.events) - 1), nil
}

// Seal makes the chunk immutable.
func (c *StoryChunk) Seal() {
	c.mu.Lock()
	c.sealed = true
	c.mu.Unlock()
}

// EventCount returns the number of events; zero once released.
func (c *StoryChunk) EventCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.events)
}

// Range calls fn for each event in index order until fn returns false.
// It returns ErrChunkReleased if the chunk was released before the call.
func (c *StoryChunk) Range(fn func(index uint64, e Event) bool) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.released {
		return ErrChunkReleased
	}
	for i, e := range c.events {
		if !fn(uint64(i), e) {
			return nil
		}
	}
	return nil
}

// Events returns a copy of the chunk's events in index order.
func (c *StoryChunk) Events() []Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// Release drops the chunk's events. Only the first call does any work and
// returns true.
func (c *StoryChunk) Release() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return false
	}
	c.released = true
	c.sealed = true
	c.events = nil
	liveChunks.Add(-1)
	return true
}

// claim seals the chunk and records l as its only owning collection.
func (c *StoryChunk) claim(l *ChunkList) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.released:
		return ErrChunkReleased
	case c.owner != nil:
		return ErrChunkOwned
	}
	c.owner = l
	c.sealed = true
	return nil
}

func (c *StoryChunk) Released() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.released
}

// ChunkList owns the chunks returned by one archive read, in delivery order.
type ChunkList struct {
	mu       sync.Mutex
	chunks   []*StoryChunk
	released bool
}

// NewChunkList returns an empty collection.
func NewChunkList() *ChunkList {
	return &ChunkList{}
}

// Append transfers ownership of chunk to the list. If the list was already
// released the chunk is released on the spot and ErrCollectionReleased is returned.
func (l *ChunkList) Append(chunk *StoryChunk) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := chunk.claim(l); err != nil {
		return err
	}
	if l.released {
		chunk.Release()
		return ErrCollectionReleased
	}
	l.chunks = append(l.chunks, chunk)
	return nil
}

func (l *ChunkList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.chunks)
}

// Chunks returns the current chunks. The list keeps ownership.
func (l *ChunkList) Chunks() []*StoryChunk {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*StoryChunk, len(l.chunks))
	copy(out, l.chunks)
	return out
}

// Release releases every chunk exactly once and empties the list. Later calls,
// and appends after it, do not touch the released chunks again.
func (l *ChunkList) Release() int {
	l.mu.Lock()
	chunks := l.chunks
	l.chunks = nil
	l.released = true
	l.mu.Unlock()

	n := 0
	for _, c := range chunks {
		if c.Release() {
			n++
		}
	}
	return n
}

func (l *ChunkList) Released() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released
}
