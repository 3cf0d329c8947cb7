package archive

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/V4T54L/chrono-reader/internal/domain"
)

var story = domain.StoryIdentity{Chronicle: "LLM", Story: "conversation"}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeSegments writes one sealed segment per entry of segments.
func writeSegments(t *testing.T, root, compression string, segments ...[]int64) {
	t.Helper()
	w, err := NewWriter(root, compression, 100, testLogger())
	if err != nil {
		t.Fatalf("failed to create writer: %v", err)
	}
	defer w.Close()

	for _, times := range segments {
		chunk := domain.NewStoryChunk(story, times[0])
		for i, ts := range times {
			if _, err := chunk.Insert(domain.Event{StoryID: 9, EventTime: ts, ClientID: 3, EventIndex: uint32(i), LogRecord: "msg"}); err != nil {
				t.Fatalf("insert: %v", err)
			}
		}
		if err := w.WriteChunk(context.Background(), chunk); err != nil {
			t.Fatalf("write chunk: %v", err)
		}
		chunk.Release()
	}
}

func setupTestReader(t *testing.T, root string) *Reader {
	t.Helper()
	r := NewReader(root, 20*time.Millisecond, testLogger())
	if err := r.Initialize(context.Background()); err != nil {
		t.Fatalf("failed to initialize reader: %v", err)
	}
	t.Cleanup(func() { r.Shutdown() })
	return r
}

func eventTimes(list *domain.ChunkList) [][]int64 {
	var out [][]int64
	for _, c := range list.Chunks() {
		var times []int64
		c.Range(func(_ uint64, e domain.Event) bool {
			times = append(times, e.EventTime)
			return true
		})
		out = append(out, times)
	}
	return out
}

func TestReader_ReadArchivedStory(t *testing.T) {
	for _, compression := range []string{"none", "snappy", "zstd"} {
		t.Run("Single Chunk "+compression, func(t *testing.T) {
			root := t.TempDir()
			writeSegments(t, root, compression, []int64{1000, 1500, 1999})
			r := setupTestReader(t, root)

			before := domain.LiveChunks()
			list := domain.NewChunkList()
			if err := r.ReadArchivedStory(context.Background(), "LLM", "conversation", 1000, 2000, list); err != nil {
				t.Fatalf("read: %v", err)
			}
			got := eventTimes(list)
			if len(got) != 1 || len(got[0]) != 3 {
				t.Fatalf("expected 1 chunk of 3 events, got %v", got)
			}
			for i, want := range []int64{1000, 1500, 1999} {
				if got[0][i] != want {
					t.Errorf("event %d: got %d, want %d", i, got[0][i], want)
				}
			}
			list.Release()
			if domain.LiveChunks() != before {
				t.Errorf("expected %d live chunks, got %d", before, domain.LiveChunks())
			}
		})
	}

	t.Run("Window Filters Across Segments", func(t *testing.T) {
		root := t.TempDir()
		writeSegments(t, root, "none", []int64{100, 150}, []int64{200, 250}, []int64{300, 350}, []int64{400})
		r := setupTestReader(t, root)

		list := domain.NewChunkList()
		defer list.Release()
		if err := r.ReadArchivedStory(context.Background(), "LLM", "conversation", 150, 300, list); err != nil {
			t.Fatalf("read: %v", err)
		}
		got := eventTimes(list)
		if len(got) != 2 {
			t.Fatalf("expected 2 chunks, got %v", got)
		}
		if len(got[0]) != 1 || got[0][0] != 150 {
			t.Errorf("unexpected first chunk %v", got[0])
		}
		if len(got[1]) != 2 || got[1][0] != 200 || got[1][1] != 250 {
			t.Errorf("unexpected second chunk %v", got[1])
		}
	})

	t.Run("Degenerate Window", func(t *testing.T) {
		root := t.TempDir()
		writeSegments(t, root, "none", []int64{100, 200, 300})
		r := setupTestReader(t, root)

		hit := domain.NewChunkList()
		defer hit.Release()
		if err := r.ReadArchivedStory(context.Background(), "LLM", "conversation", 200, 200, hit); err != nil {
			t.Fatalf("read: %v", err)
		}
		if got := eventTimes(hit); len(got) != 1 || len(got[0]) != 1 || got[0][0] != 200 {
			t.Errorf("expected only the event at 200, got %v", got)
		}

		miss := domain.NewChunkList()
		defer miss.Release()
		if err := r.ReadArchivedStory(context.Background(), "LLM", "conversation", 250, 250, miss); err != nil {
			t.Fatalf("read: %v", err)
		}
		if miss.Len() != 0 {
			t.Errorf("expected no chunks, got %d", miss.Len())
		}
	})

	t.Run("Unknown Story Is Empty", func(t *testing.T) {
		r := setupTestReader(t, t.TempDir())
		list := domain.NewChunkList()
		if err := r.ReadArchivedStory(context.Background(), "nope", "nothing", 0, 10, list); err != nil {
			t.Fatalf("read: %v", err)
		}
		if list.Len() != 0 {
			t.Errorf("expected empty result, got %d", list.Len())
		}
	})

	t.Run("Corrupt Segment", func(t *testing.T) {
		root := t.TempDir()
		dir := filepath.Join(root, "LLM")
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "conversation.10.jsonl"), []byte("{not json\n"), 0644); err != nil {
			t.Fatal(err)
		}
		r := setupTestReader(t, root)

		before := domain.LiveChunks()
		list := domain.NewChunkList()
		err := r.ReadArchivedStory(context.Background(), "LLM", "conversation", 0, 100, list)
		if !errors.Is(err, domain.ErrReadFailure) {
			t.Fatalf("expected ErrReadFailure, got %v", err)
		}
		if domain.LiveChunks() != before {
			t.Errorf("failed read leaked chunks: %d -> %d", before, domain.LiveChunks())
		}
	})
}

func TestReader_Initialize(t *testing.T) {
	t.Run("Missing Root", func(t *testing.T) {
		r := NewReader(filepath.Join(t.TempDir(), "missing"), time.Second, testLogger())
		err := r.Initialize(context.Background())
		if !errors.Is(err, domain.ErrBackendUnavailable) {
			t.Fatalf("expected ErrBackendUnavailable, got %v", err)
		}
		if err := r.Shutdown(); err != nil {
			t.Errorf("shutdown of unopened reader should succeed, got %v", err)
		}
	})

	t.Run("Monitor Picks Up New Stories", func(t *testing.T) {
		root := t.TempDir()
		r := setupTestReader(t, root)
		if r.storyCount() != 0 {
			t.Fatalf("expected empty index, got %d", r.storyCount())
		}

		writeSegments(t, root, "none", []int64{1, 2})

		deadline := time.Now().Add(2 * time.Second)
		for r.storyCount() == 0 && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		if r.storyCount() != 1 {
			t.Errorf("expected monitor to index 1 story, got %d", r.storyCount())
		}
	})

	t.Run("Shutdown Is Idempotent", func(t *testing.T) {
		r := setupTestReader(t, t.TempDir())
		for i := 0; i < 3; i++ {
			if err := r.Shutdown(); err != nil {
				t.Fatalf("shutdown %d: %v", i, err)
			}
		}
	})
}

func TestWriter_Record(t *testing.T) {
	root := t.TempDir()
	w, err := NewWriter(root, "snappy", 2, testLogger())
	if err != nil {
		t.Fatalf("failed to create writer: %v", err)
	}

	for _, ts := range []int64{10, 20, 30, 40, 50} {
		if err := w.Record(context.Background(), story, domain.Event{EventTime: ts, LogRecord: "x"}); err != nil {
			t.Fatalf("record %d: %v", ts, err)
		}
	}
	if err := w.Record(context.Background(), story, domain.Event{EventTime: 45}); !errors.Is(err, domain.ErrOutOfOrder) {
		t.Errorf("expected ErrOutOfOrder, got %v", err)
	}

	// The open segment is still partial and invisible to readers.
	segs, err := scanChronicle(root, "LLM")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(segs[story]) != 2 {
		t.Errorf("expected 2 sealed segments before close, got %d", len(segs[story]))
	}

	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	segs, _ = scanChronicle(root, "LLM")
	if len(segs[story]) != 3 {
		t.Fatalf("expected 3 sealed segments after close, got %d", len(segs[story]))
	}
	for i, want := range []int64{10, 30, 50} {
		if segs[story][i].start != want {
			t.Errorf("segment %d: start %d, want %d", i, segs[story][i].start, want)
		}
	}

	r := setupTestReader(t, root)
	list := domain.NewChunkList()
	defer list.Release()
	if err := r.ReadArchivedStory(context.Background(), "LLM", "conversation", 0, 100, list); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := eventTimes(list); len(got) != 3 || len(got[2]) != 1 || got[2][0] != 50 {
		t.Errorf("unexpected chunks %v", got)
	}
}

func TestParseSegmentName(t *testing.T) {
	tests := []struct {
		name  string
		story string
		start int64
		seq   int
		ok    bool
	}{
		{"conversation.100.jsonl", "conversation", 100, 0, true},
		{"my.story.7.jsonl.sz", "my.story", 7, 0, true},
		{"s.5.jsonl.zst", "s", 5, 0, true},
		{"s.100_2.jsonl", "s", 100, 2, true},
		{"s.-40_1.jsonl.sz", "s", -40, 1, true},
		{"s.100_0.jsonl", "", 0, 0, false},
		{"s.100_x.jsonl", "", 0, 0, false},
		{"s.5.jsonl.part", "", 0, 0, false},
		{"s.jsonl", "", 0, 0, false},
		{"s.abc.jsonl", "", 0, 0, false},
	}
	for _, tt := range tests {
		story, start, seq, ok := parseSegmentName(tt.name)
		if ok != tt.ok || story != tt.story || start != tt.start || seq != tt.seq {
			t.Errorf("parseSegmentName(%q) = (%q, %d, %d, %v), want (%q, %d, %d, %v)",
				tt.name, story, start, seq, ok, tt.story, tt.start, tt.seq, tt.ok)
		}
	}

	for _, seq := range []int{0, 3} {
		name := segmentName("conversation", 42, seq, "zstd")
		if _, start, got, ok := parseSegmentName(name); !ok || start != 42 || got != seq {
			t.Errorf("segmentName round trip for seq %d: %q parsed as (%d, %d, %v)", seq, name, start, got, ok)
		}
	}
}

func TestWriter_RecordSameTimestampRotation(t *testing.T) {
	root := t.TempDir()
	w, err := NewWriter(root, "none", 2, testLogger())
	if err != nil {
		t.Fatalf("failed to create writer: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := w.Record(context.Background(), story, domain.Event{EventTime: 100, EventIndex: uint32(i), LogRecord: "x"}); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	if err := w.Record(context.Background(), story, domain.Event{EventTime: 200, EventIndex: 5, LogRecord: "x"}); err != nil {
		t.Fatalf("record after burst: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	segs, err := scanChronicle(root, "LLM")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(segs[story]) != 3 {
		t.Fatalf("expected 3 sealed segments, got %d", len(segs[story]))
	}
	for i, seg := range segs[story] {
		if seg.start != 100 || seg.seq != i {
			t.Errorf("segment %d: start %d seq %d, want start 100 seq %d", i, seg.start, seg.seq, i)
		}
	}

	r := setupTestReader(t, root)
	t.Run("Full Window", func(t *testing.T) {
		list := domain.NewChunkList()
		defer list.Release()
		if err := r.ReadArchivedStory(context.Background(), "LLM", "conversation", 0, 300, list); err != nil {
			t.Fatalf("read: %v", err)
		}
		var indexes []uint32
		for _, c := range list.Chunks() {
			c.Range(func(_ uint64, e domain.Event) bool {
				indexes = append(indexes, e.EventIndex)
				return true
			})
		}
		if len(indexes) != 6 {
			t.Fatalf("expected 6 events, got %d (%v)", len(indexes), indexes)
		}
		for i, idx := range indexes {
			if idx != uint32(i) {
				t.Errorf("event %d has index %d, want events in write order", i, idx)
			}
		}
	})

	t.Run("Degenerate Window", func(t *testing.T) {
		list := domain.NewChunkList()
		defer list.Release()
		if err := r.ReadArchivedStory(context.Background(), "LLM", "conversation", 100, 100, list); err != nil {
			t.Fatalf("read: %v", err)
		}
		total := 0
		for _, c := range list.Chunks() {
			total += c.EventCount()
		}
		if total != 5 {
			t.Errorf("expected the 5 events at t=100, got %d", total)
		}
	})
}

func TestWriter_WriteChunkExisting(t *testing.T) {
	root := t.TempDir()
	writeSegments(t, root, "none", []int64{10, 20})

	w, err := NewWriter(root, "none", 100, testLogger())
	if err != nil {
		t.Fatalf("failed to create writer: %v", err)
	}
	chunk := domain.NewStoryChunk(story, 10)
	defer chunk.Release()
	if _, err := chunk.Insert(domain.Event{EventTime: 10}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := w.WriteChunk(context.Background(), chunk); err == nil {
		t.Error("expected an error when the chunk segment already exists")
	}
	segs, _ := scanChronicle(root, "LLM")
	if len(segs[story]) != 1 {
		t.Errorf("expected the existing segment only, got %d", len(segs[story]))
	}
}
