package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"github.com/V4T54L/chrono-reader/internal/domain"
)

// Story chunk files live at <root>/<chronicle>/<story>.<startNanos>.jsonl with
// an optional .sz (snappy framed) or .zst (zstd) suffix. Each file is one
// recorded segment holding JSON-encoded events, one per line. Segments that
// share a start time carry a sequence number: <story>.<startNanos>_<seq>.jsonl.
const (
	segmentExt  = ".jsonl"
	snappyExt   = ".sz"
	zstdExt     = ".zst"
	partialExt  = ".part"
	filePerm    = 0644
	dirPerm     = 0755
	maxLineSize = 64 << 20
)

type segment struct {
	path  string
	start int64
	seq   int
}

// segmentName returns the file name of a story segment starting at start.
func segmentName(story string, start int64, seq int, compression string) string {
	if seq > 0 {
		return fmt.Sprintf("%s.%d_%d%s%s", story, start, seq, segmentExt, compressionExt(compression))
	}
	return fmt.Sprintf("%s.%d%s%s", story, start, segmentExt, compressionExt(compression))
}

// parseSegmentName extracts the story name, segment start and sequence number
// from a file name.
func parseSegmentName(name string) (story string, start int64, seq int, ok bool) {
	base := strings.TrimSuffix(strings.TrimSuffix(name, snappyExt), zstdExt)
	if !strings.HasSuffix(base, segmentExt) {
		return "", 0, 0, false
	}
	base = strings.TrimSuffix(base, segmentExt)
	dot := strings.LastIndexByte(base, '.')
	if dot <= 0 {
		return "", 0, 0, false
	}
	startPart := base[dot+1:]
	if i := strings.IndexByte(startPart, '_'); i >= 0 {
		n, err := strconv.Atoi(startPart[i+1:])
		if err != nil || n <= 0 {
			return "", 0, 0, false
		}
		seq = n
		startPart = startPart[:i]
	}
	start, err := strconv.ParseInt(startPart, 10, 64)
	if err != nil {
		return "", 0, 0, false
	}
	return base[:dot], start, seq, true
}

// scanChronicle lists the sealed segments of every story in one chronicle directory.
func scanChronicle(root, chronicle string) (map[domain.StoryIdentity][]segment, error) {
	dir := filepath.Join(root, chronicle)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	out := make(map[domain.StoryIdentity][]segment)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		story, start, seq, ok := parseSegmentName(entry.Name())
		if !ok {
			continue
		}
		id := domain.StoryIdentity{Chronicle: chronicle, Story: story}
		out[id] = append(out[id], segment{path: filepath.Join(dir, entry.Name()), start: start, seq: seq})
	}
	for id := range out {
		sortSegments(out[id])
	}
	return out, nil
}

// scanRoot lists the sealed segments of every story under root.
func scanRoot(root string) (map[domain.StoryIdentity][]segment, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive directory: %w", err)
	}

	index := make(map[domain.StoryIdentity][]segment)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		stories, err := scanChronicle(root, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read chronicle %s: %w", entry.Name(), err)
		}
		for id, segs := range stories {
			index[id] = segs
		}
	}
	return index, nil
}

func sortSegments(segs []segment) {
	sort.Slice(segs, func(i, j int) bool {
		if segs[i].start != segs[j].start {
			return segs[i].start < segs[j].start
		}
		if segs[i].seq != segs[j].seq {
			return segs[i].seq < segs[j].seq
		}
		return segs[i].path < segs[j].path
	})
}

func compressionExt(compression string) string {
	switch compression {
	case "snappy":
		return snappyExt
	case "zstd":
		return zstdExt
	default:
		return ""
	}
}

// newDecoder wraps r with the decompressor matching the file name.
func newDecoder(name string, r io.Reader) (io.ReadCloser, error) {
	switch {
	case strings.HasSuffix(name, snappyExt):
		return io.NopCloser(snappy.NewReader(r)), nil
	case strings.HasSuffix(name, zstdExt):
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	default:
		return io.NopCloser(r), nil
	}
}

// newEncoder wraps w with the configured compressor. Closing the encoder
// flushes it but does not close w.
func newEncoder(compression string, w io.Writer) (io.WriteCloser, error) {
	switch compression {
	case "snappy":
		return snappy.NewBufferedWriter(w), nil
	case "zstd":
		return zstd.NewWriter(w)
	case "", "none":
		return nopWriteCloser{w}, nil
	default:
		return nil, fmt.Errorf("unknown compression %q", compression)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
