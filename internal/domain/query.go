package domain

import (
	"fmt"
	"math"
)

// TimeWindow is the half-open interval [Start, End) in nanoseconds since the Unix epoch.
type TimeWindow struct {
	Start uint64
	End   uint64
}

// Validate rejects inverted windows. An empty window (Start == End) is valid.
func (w TimeWindow) Validate() error {
	if w.Start > w.End {
		return fmt.Errorf("%w: start=%d end=%d", ErrInvalidRange, w.Start, w.End)
	}
	return nil
}

// Contains reports whether an event timestamp falls inside the window.
// A degenerate window (Start == End) matches only an event at exactly Start.
func (w TimeWindow) Contains(t int64) bool {
	if t < 0 {
		return false
	}
	u := uint64(t)
	if w.Start == w.End {
		return u == w.Start
	}
	return u >= w.Start && u < w.End
}

// ScanEnd returns the exclusive upper bound a backend has to scan to, which is
// one past Start for a degenerate window.
func (w TimeWindow) ScanEnd() uint64 {
	if w.Start == w.End && w.End < math.MaxUint64 {
		return w.End + 1
	}
	return w.End
}

// Int64Bounds returns the scanned range clamped to the signed range used by
// event timestamps.
func (w TimeWindow) Int64Bounds() (start, end int64) {
	return clampInt64(w.Start), clampInt64(w.ScanEnd())
}

func clampInt64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

// Query is a validated request to read one story over one window.
type Query struct {
	ID         string
	ConfigPath string
	Identity   StoryIdentity
	Window     TimeWindow
}
