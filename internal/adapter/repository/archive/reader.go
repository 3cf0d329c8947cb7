package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/V4T54L/chrono-reader/internal/domain"
)

// Reader implements domain.ArchiveReader over a directory of story chunk files.
// A monitor goroutine keeps an index of the segments on disk up to date.
type Reader struct {
	root     string
	interval time.Duration
	logger   *slog.Logger

	mu    sync.RWMutex
	index map[domain.StoryIdentity][]segment

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewReader creates a Reader rooted at root. Nothing is opened until Initialize.
func NewReader(root string, monitorInterval time.Duration, logger *slog.Logger) *Reader {
	return &Reader{
		root:     root,
		interval: monitorInterval,
		logger:   logger.With("component", "archive_reader"),
		index:    make(map[domain.StoryIdentity][]segment),
	}
}

// Initialize checks the archive root, builds the segment index and starts the monitor.
func (r *Reader) Initialize(ctx context.Context) error {
	info, err := os.Stat(r.root)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", domain.ErrBackendUnavailable, r.root)
	}
	if err := r.rescan(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}

	r.startOnce.Do(func() {
		monitorCtx, cancel := context.WithCancel(context.Background())
		r.cancel = cancel
		r.wg.Add(1)
		go r.monitor(monitorCtx)
	})
	r.logger.Info("Archive opened", "root", r.root, "stories", r.storyCount())
	return nil
}

// ReadArchivedStory appends the story's chunks overlapping [start, end) to out,
// in segment order, keeping only the events inside the window.
func (r *Reader) ReadArchivedStory(ctx context.Context, chronicle, story string, start, end uint64, out *domain.ChunkList) error {
	window := domain.TimeWindow{Start: start, End: end}
	if err := window.Validate(); err != nil {
		return err
	}
	id := domain.StoryIdentity{Chronicle: chronicle, Story: story}
	winStart, winEnd := window.Int64Bounds()

	segs, err := r.segments(id)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrReadFailure, err)
	}

	for i, seg := range segs {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrReadFailure, err)
		}
		if seg.start >= winEnd {
			break
		}
		// A segment ends where the next one starts.
		if i+1 < len(segs) && segs[i+1].start < winStart {
			continue
		}

		chunk, err := r.readSegment(id, seg, window)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", domain.ErrReadFailure, seg.path, err)
		}
		if chunk.EventCount() == 0 {
			chunk.Release()
			continue
		}
		if err := out.Append(chunk); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown stops the monitor goroutine and waits for it.
func (r *Reader) Shutdown() error {
	r.stopOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		r.wg.Wait()
		r.logger.Info("Archive reader shut down")
	})
	return nil
}

func (r *Reader) readSegment(id domain.StoryIdentity, seg segment, window domain.TimeWindow) (*domain.StoryChunk, error) {
	file, err := os.Open(seg.path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	dec, err := newDecoder(seg.path, file)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	chunk := domain.NewStoryChunk(id, seg.start)
	scanner := bufio.NewScanner(dec)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var event domain.Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			chunk.Release()
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if !window.Contains(event.EventTime) {
			continue
		}
		if _, err := chunk.Insert(event); err != nil {
			chunk.Release()
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		chunk.Release()
		return nil, err
	}
	return chunk, nil
}

// segments returns the indexed segments of a story, scanning its chronicle
// directory when the story is not indexed yet.
func (r *Reader) segments(id domain.StoryIdentity) ([]segment, error) {
	r.mu.RLock()
	segs, ok := r.index[id]
	r.mu.RUnlock()
	if ok {
		return segs, nil
	}

	stories, err := scanChronicle(r.root, id.Chronicle)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	r.mu.Lock()
	for sid, s := range stories {
		r.index[sid] = s
	}
	r.mu.Unlock()
	return stories[id], nil
}

func (r *Reader) monitor(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("Stopping archive monitor")
			return
		case <-ticker.C:
			before := r.storyCount()
			if err := r.rescan(); err != nil {
				r.logger.Warn("Failed to rescan archive", "error", err)
				continue
			}
			if after := r.storyCount(); after != before {
				r.logger.Info("Archive index changed", "stories", after)
			}
		}
	}
}

func (r *Reader) rescan() error {
	index, err := scanRoot(r.root)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.index = index
	r.mu.Unlock()
	return nil
}

func (r *Reader) storyCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.index)
}
