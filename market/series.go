package market

import (
	"sort"
	"time"
)

// DefaultMaxBarPoints caps the rolling window kept per instrument.
const DefaultMaxBarPoints = 500

// BarSeries is an immutable, strictly ascending, timestamp-deduplicated bar window.
// Merges never mutate a series; they return either the same pointer (no-op) or a new one.
// A nil *BarSeries behaves as an empty unbounded series.
type BarSeries struct {
	bars  []Bar
	times []time.Time
	max   int
}

// NewBarSeries returns an empty series capped at max bars (max <= 0 means unbounded).
func NewBarSeries(max int) *BarSeries {
	if max < 0 {
		max = 0
	}
	return &BarSeries{max: max}
}

// Len returns the number of bars.
func (s *BarSeries) Len() int {
	if s == nil {
		return 0
	}
	return len(s.bars)
}

// Max returns the configured window size, 0 if unbounded.
func (s *BarSeries) Max() int {
	if s == nil {
		return 0
	}
	return s.max
}

// At returns the i-th bar, oldest first.
func (s *BarSeries) At(i int) Bar {
	return s.bars[i]
}

// Bars returns a copy of the bars, oldest first.
func (s *BarSeries) Bars() []Bar {
	if s == nil || len(s.bars) == 0 {
		return []Bar{}
	}
	out := make([]Bar, len(s.bars))
	copy(out, s.bars)
	return out
}

// Last returns the newest bar.
func (s *BarSeries) Last() (Bar, bool) {
	if s.Len() == 0 {
		return Bar{}, false
	}
	return s.bars[len(s.bars)-1], true
}

// MergeBars folds one bar into s.
//   - same timestamp and identical fields: returns s unchanged (same pointer)
//   - same timestamp, different fields: replaced in place, latest wins
//   - new timestamp: inserted in ascending order
//
// The oldest bars are evicted when the window exceeds its cap. A bar whose timestamp
// cannot be parsed is ignored.
func MergeBars(s *BarSeries, incoming Bar) *BarSeries {
	w := newWorking(s)
	w.merge(incoming)
	return w.finish()
}

// MergeBarBatch folds bars one at a time. An empty batch, or a batch made only of
// redundant bars, returns s unchanged.
func MergeBarBatch(s *BarSeries, incoming []Bar) *BarSeries {
	if len(incoming) == 0 {
		return s
	}
	w := newWorking(s)
	for _, b := range incoming {
		w.merge(b)
	}
	return w.finish()
}

// working is a lazily copied view of a series used while merging.
type working struct {
	src     *BarSeries
	bars    []Bar
	times   []time.Time
	max     int
	changed bool
}

func newWorking(s *BarSeries) *working {
	w := &working{src: s}
	if s != nil {
		w.bars = s.bars
		w.times = s.times
		w.max = s.max
	}
	return w
}

func (w *working) own() {
	if w.changed {
		return
	}
	bars := make([]Bar, len(w.bars), len(w.bars)+1)
	copy(bars, w.bars)
	times := make([]time.Time, len(w.times), len(w.times)+1)
	copy(times, w.times)
	w.bars, w.times = bars, times
	w.changed = true
}

func (w *working) merge(b Bar) {
	ts, ok := b.Time()
	if !ok {
		return
	}
	i := sort.Search(len(w.times), func(i int) bool { return !w.times[i].Before(ts) })
	if i < len(w.times) && w.times[i].Equal(ts) {
		if w.bars[i].Equal(b) {
			return
		}
		w.own()
		w.bars[i] = b
		return
	}
	w.own()
	w.bars = append(w.bars, Bar{})
	w.times = append(w.times, time.Time{})
	copy(w.bars[i+1:], w.bars[i:])
	copy(w.times[i+1:], w.times[i:])
	w.bars[i] = b
	w.times[i] = ts
}

func (w *working) finish() *BarSeries {
	if !w.changed {
		if w.src == nil {
			return NewBarSeries(0)
		}
		return w.src
	}
	if w.max > 0 && len(w.bars) > w.max {
		drop := len(w.bars) - w.max
		w.bars = w.bars[drop:]
		w.times = w.times[drop:]
	}
	return &BarSeries{bars: w.bars, times: w.times, max: w.max}
}
