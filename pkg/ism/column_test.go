package ism

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevoDB/incstore/pkg/codec"
)

type event struct {
	row  uint32
	data string
}

// recordingHandler keeps every notification it receives
type recordingHandler struct {
	duplicated []event
	removed    []event
}

func (h *recordingHandler) OnDuplicated(row uint32, data []byte) {
	h.duplicated = append(h.duplicated, event{row, string(data)})
}

func (h *recordingHandler) OnRemoved(row uint32, data []byte) {
	h.removed = append(h.removed, event{row, string(data)})
}

func stringColumn(t *testing.T, bucketSize int, opts ...ColumnOption) (*Store, *Column) {
	t.Helper()
	s := createStore(t, t.TempDir(), bucketSize)
	c, err := s.AddColumn("label", codec.KindString, 1, opts...)
	require.NoError(t, err)
	return s, c
}

func intervals(t *testing.T, c *Column) int {
	t.Helper()
	n, err := c.IntervalCount()
	require.NoError(t, err)
	return n
}

func TestRoundTrip(t *testing.T) {
	s := createStore(t, t.TempDir(), 512)
	c, err := s.AddColumn("v", codec.KindFloat64, 1)
	require.NoError(t, err)
	require.NoError(t, s.AddRow(200))

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		row := uint32(rng.Intn(200))
		v := float64(rng.Intn(5))
		require.NoError(t, c.Put(row, v))

		got, err := c.Get(row)
		require.NoError(t, err)
		require.Equal(t, v, got, "row %d after write %d", row, i)
	}
	require.NoError(t, s.Validate())
}

func TestRandomWritesMatchModel(t *testing.T) {
	s := createStore(t, t.TempDir(), 128)
	c, err := s.AddColumn("v", codec.KindInt32, 1)
	require.NoError(t, err)

	const n = 150
	model := make([]any, n)
	for i := range model {
		model[i] = int32(i % 3)
	}
	fill(t, s, c, model)

	// every row has been written, so later writes change only their row
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 1000; i++ {
		row := rng.Intn(n)
		model[row] = int32(rng.Intn(4))
		require.NoError(t, c.Put(uint32(row), model[row]))
	}
	requireRows(t, c, model)
	require.NoError(t, s.Validate())
}

func TestRunLengthCompaction(t *testing.T) {
	for _, n := range []int{1, 10, 1000} {
		_, c := stringColumn(t, 128)
		values := make([]any, n)
		for i := range values {
			values[i] = "steady"
		}
		fill(t, c.store, c, values)

		assert.Equal(t, 1, intervals(t, c), "rows %d", n)
		requireRows(t, c, values)
	}
}

func TestMergeCollapses(t *testing.T) {
	s, c := stringColumn(t, 256)
	fill(t, s, c, []any{"A", "A", "A", "B", "B", "C"})
	require.Equal(t, 3, intervals(t, c))

	require.NoError(t, c.Put(3, "A"))
	assert.Equal(t, 3, intervals(t, c))
	require.NoError(t, c.Put(4, "A"))
	assert.Equal(t, 2, intervals(t, c))

	requireRows(t, c, []any{"A", "A", "A", "A", "A", "C"})
}

func TestMergeWithBothNeighbours(t *testing.T) {
	s, c := stringColumn(t, 256)
	fill(t, s, c, []any{"A", "A", "B", "A", "A"})
	require.Equal(t, 3, intervals(t, c))

	require.NoError(t, c.Put(2, "A"))
	assert.Equal(t, 1, intervals(t, c))
	requireRows(t, c, []any{"A", "A", "A", "A", "A"})
}

func TestMergeWithNext(t *testing.T) {
	s, c := stringColumn(t, 256)
	fill(t, s, c, []any{"A", "A", "A", "B", "B"})

	// last row of a longer interval moves to the next one
	require.NoError(t, c.Put(2, "B"))
	assert.Equal(t, 2, intervals(t, c))
	requireRows(t, c, []any{"A", "A", "B", "B", "B"})

	// a single row interval disappears into the next one
	fill(t, s, c, []any{"C"})
	require.NoError(t, c.Put(1, "X"))
	require.NoError(t, c.Put(1, "B"))
	requireRows(t, c, []any{"A", "B", "B", "B", "B", "C"})
	assert.Equal(t, 3, intervals(t, c))
}

func TestMidIntervalSplitPreservesReads(t *testing.T) {
	s, c := stringColumn(t, 256)
	values := make([]any, 10)
	for i := range values {
		values[i] = "X"
	}
	fill(t, s, c, values)
	require.Equal(t, 1, intervals(t, c))

	require.NoError(t, c.Put(5, "Y"))
	values[5] = "Y"
	requireRows(t, c, values)
	assert.Equal(t, 3, intervals(t, c))
}

func TestPutAtIntervalEdges(t *testing.T) {
	s, c := stringColumn(t, 256)
	fill(t, s, c, []any{"X", "X", "X", "X", "Z"})

	require.NoError(t, c.Put(0, "Y"))
	require.NoError(t, c.Put(3, "W"))
	requireRows(t, c, []any{"Y", "X", "X", "W", "Z"})
	assert.Equal(t, 4, intervals(t, c))

	// single row interval without equal neighbours is replaced in place
	require.NoError(t, c.Put(3, "V"))
	requireRows(t, c, []any{"Y", "X", "X", "V", "Z"})
	assert.Equal(t, 4, intervals(t, c))
}

func TestInteriorWriteBetweenDistinctRuns(t *testing.T) {
	s, c := stringColumn(t, 256)
	fill(t, s, c, []any{"alpha", "alpha", "alpha", "beta", "beta", "gamma"})
	require.Equal(t, 3, intervals(t, c))

	v, err := c.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "alpha", v)

	// row 1 is inside the alpha run; only row 1 changes
	require.NoError(t, c.Put(1, "beta"))
	requireRows(t, c, []any{"alpha", "beta", "alpha", "beta", "beta", "gamma"})
	assert.Equal(t, 5, intervals(t, c))
}

func TestWriteAfterLastRowPropagates(t *testing.T) {
	s := createStore(t, t.TempDir(), 128)
	c, err := s.AddColumn("v", codec.KindInt64, 1)
	require.NoError(t, err)
	other, err := s.AddColumn("w", codec.KindInt64, 1)
	require.NoError(t, err)

	// spread the table over several buckets through the other column
	values := make([]any, 60)
	for i := range values {
		values[i] = int64(i)
	}
	fill(t, s, other, values)
	require.Greater(t, len(s.Buckets()), 2)

	// rows were added before v was ever written; writing v moves forward
	require.NoError(t, c.Put(10, int64(5)))
	for r := uint32(0); r < 60; r++ {
		got, err := c.Get(r)
		require.NoError(t, err)
		if r < 10 {
			assert.Equal(t, int64(0), got, "row %d", r)
		} else {
			assert.Equal(t, int64(5), got, "row %d", r)
		}
	}

	// a row before the last write only changes itself
	require.NoError(t, c.Put(4, int64(9)))
	got, err := c.Get(5)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)

	require.NoError(t, c.Put(40, int64(6)))
	got, err = c.Get(39)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got)
	got, err = c.Get(59)
	require.NoError(t, err)
	assert.Equal(t, int64(6), got)

	requireRows(t, other, values)
	require.NoError(t, s.Validate())
}

func TestRemoveRowInsideIntervals(t *testing.T) {
	s, c := stringColumn(t, 256)
	fill(t, s, c, []any{"A", "A", "B", "C", "C"})

	// a single row interval goes away; its neighbours stay separate
	require.NoError(t, s.RemoveRow(2))
	requireRows(t, c, []any{"A", "A", "C", "C"})
	assert.Equal(t, 2, intervals(t, c))

	require.NoError(t, s.RemoveRow(0))
	requireRows(t, c, []any{"A", "C", "C"})

	// rows written after a removal still follow the after-last rule
	require.NoError(t, s.AddRow(2))
	require.NoError(t, c.Put(3, "D"))
	requireRows(t, c, []any{"A", "C", "C", "D", "D"})
}

func TestRemoveRowDoesNotMerge(t *testing.T) {
	s, c := stringColumn(t, 256)
	fill(t, s, c, []any{"A", "B", "A"})
	require.NoError(t, s.RemoveRow(1))

	requireRows(t, c, []any{"A", "A"})
	assert.Equal(t, 2, intervals(t, c))
}

func TestDuplicateHandler(t *testing.T) {
	h := &recordingHandler{}
	s, c := stringColumn(t, 256, WithDuplicateHandler(h))
	fill(t, s, c, []any{"X", "X", "X", "X"})

	require.NoError(t, c.Put(1, "Y"))
	require.Len(t, h.duplicated, 1)
	assert.Equal(t, uint32(2), h.duplicated[0].row)
	assert.Contains(t, h.duplicated[0].data, "X")

	h.removed = nil
	require.NoError(t, c.Put(1, "Z"))
	require.Len(t, h.removed, 1)
	assert.Equal(t, uint32(1), h.removed[0].row)
	assert.Contains(t, h.removed[0].data, "Y")

	h.removed = nil
	require.NoError(t, s.RemoveRow(1))
	require.Len(t, h.removed, 1)
	assert.Contains(t, h.removed[0].data, "Z")
}

func TestDuplicateHandlerOnSplit(t *testing.T) {
	h := &recordingHandler{}
	s, c := stringColumn(t, 128, WithDuplicateHandler(h))

	values := make([]any, 40)
	for i := range values {
		values[i] = string(rune('a' + i%26))
	}
	fill(t, s, c, values)
	require.Greater(t, len(s.Buckets()), 1)

	// every bucket after the first starts with a value copied from its
	// left neighbour at some point
	starts := make(map[uint32]bool)
	for _, e := range h.duplicated {
		starts[e.row] = true
	}
	for _, e := range s.Buckets()[1:] {
		assert.True(t, starts[e.Start], "bucket at row %d", e.Start)
	}
	requireRows(t, c, values)
}

func TestPutErrors(t *testing.T) {
	s := createStore(t, t.TempDir(), 256)
	c, err := s.AddColumn("v", codec.KindInt16, 2)
	require.NoError(t, err)
	require.NoError(t, s.AddRow(5))

	assert.ErrorIs(t, c.Put(5, []int16{1, 2}), ErrRowOutOfRange)
	assert.ErrorIs(t, c.Put(0, []int16{1}), codec.ErrShapeMismatch)
	assert.ErrorIs(t, c.Put(0, int16(1)), codec.ErrShapeMismatch)
	assert.ErrorIs(t, c.Put(0, "text"), codec.ErrShapeMismatch)

	_, err = c.Get(5)
	assert.ErrorIs(t, err, ErrRowOutOfRange)

	require.NoError(t, c.Put(2, []int16{1, 2}))
	v, err := c.Get(2)
	require.NoError(t, err)
	assert.Equal(t, []int16{1, 2}, v)
}

func TestValueTooLargeForBucket(t *testing.T) {
	s, c := stringColumn(t, 128)
	require.NoError(t, s.AddRow(4))

	big := make([]byte, 200)
	for i := range big {
		big[i] = 'q'
	}
	err := c.Put(2, string(big))
	assert.ErrorIs(t, err, ErrStructural)
}
