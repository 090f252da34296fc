package market

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 6, 3, 13, 30, 0, 0, time.UTC)

func barAt(min int, close float64) Bar {
	return Bar{
		Timestamp: FormatTimestamp(t0.Add(time.Duration(min) * time.Minute)),
		Open:      close - 1,
		High:      close + 1,
		Low:       close - 2,
		Close:     close,
		Volume:    Float(10),
	}
}

func assertAscending(t *testing.T, s *BarSeries) {
	t.Helper()
	for i := 1; i < s.Len(); i++ {
		prev, _ := s.At(i - 1).Time()
		cur, _ := s.At(i).Time()
		require.Truef(t, prev.Before(cur), "bars %d/%d not strictly ascending: %s >= %s", i-1, i, prev, cur)
	}
}

func TestMergeBarsIdenticalIsNoop(t *testing.T) {
	s := MergeBarBatch(NewBarSeries(0), []Bar{barAt(0, 100), barAt(1, 101)})
	out := MergeBars(s, barAt(1, 101))
	assert.Same(t, s, out)
}

func TestMergeBarsEquivalentTimestampIsNoop(t *testing.T) {
	s := MergeBars(NewBarSeries(0), barAt(0, 100))
	dup := barAt(0, 100)
	dup.Timestamp = "2024-06-03T13:30:00.000Z"
	assert.Same(t, s, MergeBars(s, dup))
}

func TestMergeBarsReplacesRevisedBar(t *testing.T) {
	s := MergeBarBatch(NewBarSeries(0), []Bar{barAt(0, 100), barAt(1, 101)})
	revised := barAt(1, 105)
	out := MergeBars(s, revised)

	require.NotSame(t, s, out)
	assert.Equal(t, 2, out.Len())
	assert.Equal(t, 105.0, out.At(1).Close)
	// the input series is untouched
	assert.Equal(t, 101.0, s.At(1).Close)
}

func TestMergeBarsVolumeChangeIsRevision(t *testing.T) {
	s := MergeBars(NewBarSeries(0), barAt(0, 100))
	b := barAt(0, 100)
	b.Volume = Float(11)
	assert.NotSame(t, s, MergeBars(s, b))
	b.Volume = nil
	assert.NotSame(t, s, MergeBars(s, b))
}

func TestMergeBarsInsertsOutOfOrder(t *testing.T) {
	s := NewBarSeries(0)
	for _, m := range []int{5, 1, 3, 0, 4, 2} {
		s = MergeBars(s, barAt(m, float64(100+m)))
	}
	require.Equal(t, 6, s.Len())
	assertAscending(t, s)
	for i := 0; i < 6; i++ {
		assert.Equal(t, float64(100+i), s.At(i).Close)
	}
}

func TestMergeBarsEvictsOldest(t *testing.T) {
	s := NewBarSeries(3)
	for m := 0; m < 5; m++ {
		s = MergeBars(s, barAt(m, float64(m)))
	}
	require.Equal(t, 3, s.Len())
	assert.Equal(t, 2.0, s.At(0).Close)
	last, ok := s.Last()
	require.True(t, ok)
	assert.Equal(t, 4.0, last.Close)
}

func TestMergeBarsIgnoresUnparseableTimestamp(t *testing.T) {
	s := MergeBars(NewBarSeries(0), barAt(0, 1))
	assert.Same(t, s, MergeBars(s, Bar{Timestamp: "yesterday", Close: 1}))
}

func TestMergeBarsIdempotent(t *testing.T) {
	s := MergeBarBatch(NewBarSeries(0), []Bar{barAt(0, 1), barAt(2, 3)})
	once := MergeBars(s, barAt(1, 2))
	twice := MergeBars(once, barAt(1, 2))
	assert.Same(t, once, twice)
	assert.Equal(t, once.Bars(), twice.Bars())
}

func TestMergeBarBatchEmptyIsNoop(t *testing.T) {
	s := MergeBars(NewBarSeries(0), barAt(0, 1))
	assert.Same(t, s, MergeBarBatch(s, nil))
	assert.Same(t, s, MergeBarBatch(s, []Bar{}))
}

func TestMergeBarBatchRedundantIsNoop(t *testing.T) {
	s := MergeBarBatch(NewBarSeries(0), []Bar{barAt(0, 1), barAt(1, 2)})
	assert.Same(t, s, MergeBarBatch(s, []Bar{barAt(1, 2), barAt(0, 1)}))
}

func TestMergeBarBatchMatchesSequentialFold(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		max := rng.Intn(8)
		base := NewBarSeries(max)
		batch := make([]Bar, 0, 20)
		for i := 0; i < 20; i++ {
			batch = append(batch, barAt(rng.Intn(12), float64(rng.Intn(5))))
		}
		folded := base
		for _, b := range batch {
			folded = MergeBars(folded, b)
		}
		merged := MergeBarBatch(base, batch)
		require.Equal(t, folded.Bars(), merged.Bars(), fmt.Sprintf("round %d max %d", round, max))
		assertAscending(t, merged)
		if max > 0 {
			assert.LessOrEqual(t, merged.Len(), max)
		}
	}
}

func TestNilSeries(t *testing.T) {
	var s *BarSeries
	assert.Equal(t, 0, s.Len())
	assert.Empty(t, s.Bars())
	_, ok := s.Last()
	assert.False(t, ok)
	out := MergeBars(s, barAt(0, 1))
	assert.Equal(t, 1, out.Len())
	assert.Nil(t, MergeBarBatch(s, nil))
}
