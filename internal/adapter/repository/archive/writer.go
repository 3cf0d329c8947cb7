package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/V4T54L/chrono-reader/internal/domain"
)

// Writer writes story chunk files. Whole chunks go through WriteChunk; single
// events go through Record, which keeps one open segment per story and rotates
// it after maxChunkEvents events. Open segments carry a .part suffix until
// they are sealed, so readers never see a half-written chunk.
type Writer struct {
	root           string
	compression    string
	maxChunkEvents int
	logger         *slog.Logger

	mu   sync.Mutex
	open map[domain.StoryIdentity]*openSegment
}

type openSegment struct {
	path   string
	file   *os.File
	buf    *bufio.Writer
	enc    io.WriteCloser
	events int
	last   int64
}

// NewWriter creates a Writer rooted at root, creating the directory if needed.
func NewWriter(root, compression string, maxChunkEvents int, logger *slog.Logger) (*Writer, error) {
	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create archive directory %s: %w", root, err)
	}
	check, err := newEncoder(compression, io.Discard)
	if err != nil {
		return nil, err
	}
	check.Close()
	if maxChunkEvents <= 0 {
		maxChunkEvents = 1024
	}
	return &Writer{
		root:           root,
		compression:    compression,
		maxChunkEvents: maxChunkEvents,
		logger:         logger.With("component", "archive_writer"),
		open:           make(map[domain.StoryIdentity]*openSegment),
	}, nil
}

// WriteChunk writes chunk as one sealed segment named after its start time.
func (w *Writer) WriteChunk(ctx context.Context, chunk *domain.StoryChunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	seg, err := w.createSegment(chunk.Identity(), chunk.Start(), false)
	if err != nil {
		return err
	}

	var writeErr error
	rangeErr := chunk.Range(func(_ uint64, e domain.Event) bool {
		writeErr = seg.append(e)
		return writeErr == nil
	})
	if rangeErr != nil {
		writeErr = rangeErr
	}
	if writeErr != nil {
		seg.abort()
		return fmt.Errorf("failed to write chunk %s@%d: %w", chunk.Identity(), chunk.Start(), writeErr)
	}
	return seg.seal()
}

// Record appends event to the story's open segment, opening or rotating it as needed.
func (w *Writer) Record(ctx context.Context, id domain.StoryIdentity, event domain.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	seg := w.open[id]
	if seg != nil && event.EventTime < seg.last {
		return fmt.Errorf("%w: story %s", domain.ErrOutOfOrder, id)
	}
	if seg != nil && seg.events >= w.maxChunkEvents {
		if err := seg.seal(); err != nil {
			w.logger.Error("Failed to seal story segment before rotating", "path", seg.path, "error", err)
		}
		delete(w.open, id)
		seg = nil
	}
	if seg == nil {
		var err error
		seg, err = w.createSegment(id, event.EventTime, true)
		if err != nil {
			return err
		}
		w.open[id] = seg
		w.logger.Debug("Rotated to new story segment", "story", id.String(), "path", seg.path)
	}
	return seg.append(event)
}

// Close seals every open segment.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error
	for id, seg := range w.open {
		if err := seg.seal(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(w.open, id)
	}
	return firstErr
}

// createSegment opens a partial segment file starting at start. With
// sequenced set, a start already taken by another segment of the story gets
// the next free sequence number instead of failing.
func (w *Writer) createSegment(id domain.StoryIdentity, start int64, sequenced bool) (*openSegment, error) {
	dir := filepath.Join(w.root, id.Chronicle)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create chronicle directory %s: %w", dir, err)
	}

	for seq := 0; ; seq++ {
		path := filepath.Join(dir, segmentName(id.Story, start, seq, w.compression))
		if _, err := os.Stat(path); err == nil {
			if !sequenced {
				return nil, fmt.Errorf("story segment %s already exists", path)
			}
			continue
		}

		f, err := os.OpenFile(path+partialExt, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
		if err != nil {
			if sequenced && errors.Is(err, fs.ErrExist) {
				continue
			}
			return nil, fmt.Errorf("failed to create story segment %s: %w", path, err)
		}
		buf := bufio.NewWriter(f)
		enc, err := newEncoder(w.compression, buf)
		if err != nil {
			f.Close()
			os.Remove(f.Name())
			return nil, err
		}
		return &openSegment{path: path, file: f, buf: buf, enc: enc, last: start}, nil
	}
}

func (s *openSegment) append(e domain.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	data = append(data, '\n')
	if _, err := s.enc.Write(data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	s.events++
	s.last = e.EventTime
	return nil
}

// seal flushes, syncs and renames the segment to its final name.
func (s *openSegment) seal() error {
	if err := s.enc.Close(); err != nil {
		s.abort()
		return err
	}
	if err := s.buf.Flush(); err != nil {
		s.abort()
		return err
	}
	if err := s.file.Sync(); err != nil {
		s.abort()
		return err
	}
	if err := s.file.Close(); err != nil {
		os.Remove(s.file.Name())
		return err
	}
	return os.Rename(s.path+partialExt, s.path)
}

func (s *openSegment) abort() {
	s.file.Close()
	os.Remove(s.path + partialExt)
}
