// Package bucket implements the fixed-capacity page of the interval store.
//
// A bucket covers a contiguous range of table rows. For every column it
// keeps two parallel arrays: the bucket-relative row at which each interval
// starts and the offset of that interval's encoded value in the bucket's
// shared heap. Interval i of a column covers rows
// [rowStart[i], rowStart[i+1]-1]; the last interval runs to the bucket's
// last row. The bucket does not know its own row count; callers pass it in
// from the bucket index.
package bucket

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/KevoDB/incstore/pkg/common/bsearch"
)

const (
	// countSize is the size of the per-column interval count
	countSize = 4
	// entrySize is the size of one (rowStart, byteOffset) pair
	entrySize = 8
)

var (
	// ErrNoSpace is returned when an operation does not fit in the bucket
	ErrNoSpace = errors.New("bucket full")
	// ErrCorrupt is returned when the bucket structure is inconsistent
	ErrCorrupt = errors.New("bucket corrupt")
	// ErrCannotSplit is returned when a bucket holds too few rows to split
	ErrCannotSplit = errors.New("bucket cannot be split")
)

// Sizer reports the stored length of the value starting at data[0]
type Sizer interface {
	Length(data []byte) (int, error)
}

type column struct {
	rows    []uint32
	offsets []uint32
}

// Bucket is one page of interval data
type Bucket struct {
	capacity int
	order    binary.ByteOrder
	sizers   []Sizer
	cols     []column
	heap     []byte
}

// Interval describes the interval covering a row
type Interval struct {
	// Index is where a new interval starting at the row would be inserted:
	// the covering interval itself when the row starts it, else the next one
	Index int
	// Covering is the index of the interval containing the row
	Covering int
	// Start and End are the bucket-relative rows of the interval
	Start uint32
	End   uint32
	// Offset of the interval's value in the heap
	Offset uint32
}

// Single reports whether the interval holds exactly one row
func (iv Interval) Single() bool {
	return iv.Start == iv.End
}

// New creates an empty bucket with one (still empty) index per sizer
func New(capacity int, sizers []Sizer, order binary.ByteOrder) *Bucket {
	return &Bucket{
		capacity: capacity,
		order:    order,
		sizers:   append([]Sizer(nil), sizers...),
		cols:     make([]column, len(sizers)),
		heap:     make([]byte, 0, capacity/2),
	}
}

// NumColumns returns the number of columns kept in the bucket
func (b *Bucket) NumColumns() int { return len(b.cols) }

// Capacity returns the page size in bytes
func (b *Bucket) Capacity() int { return b.capacity }

// Size returns the serialized size of the bucket
func (b *Bucket) Size() int {
	size := len(b.heap)
	for _, c := range b.cols {
		size += countSize + entrySize*len(c.rows)
	}
	return size
}

// FreeSpace returns the number of unused bytes in the page
func (b *Bucket) FreeSpace() int {
	return b.capacity - b.Size()
}

// CanAdd reports whether a new interval with a value of n bytes fits
func (b *Bucket) CanAdd(n int) bool {
	return b.Size()+entrySize+n <= b.capacity
}

// CanReplace reports whether a value of oldLen bytes can be replaced by
// one of newLen bytes
func (b *Bucket) CanReplace(oldLen, newLen int) bool {
	return b.Size()-oldLen+newLen <= b.capacity
}

// Entries returns the number of intervals of a column
func (b *Bucket) Entries(col int) int {
	return len(b.cols[col].rows)
}

// RowStart returns the first row of interval i
func (b *Bucket) RowStart(col, i int) uint32 {
	return b.cols[col].rows[i]
}

// SetRowStart moves the start of interval i. The caller keeps the starts
// strictly increasing.
func (b *Bucket) SetRowStart(col, i int, row uint32) {
	b.cols[col].rows[i] = row
}

// Locate finds the interval containing the bucket-relative row
func (b *Bucket) Locate(col int, row, nrrow uint32) (Interval, error) {
	if col < 0 || col >= len(b.cols) {
		return Interval{}, fmt.Errorf("%w: column %d out of range", ErrCorrupt, col)
	}
	c := &b.cols[col]
	idx, found := bsearch.Brackets(c.rows, row)
	covering := idx
	if !found {
		covering = idx - 1
	}
	if covering < 0 {
		return Interval{}, fmt.Errorf("%w: column %d has no interval for row %d", ErrCorrupt, col, row)
	}

	iv := Interval{
		Index:    idx,
		Covering: covering,
		Start:    c.rows[covering],
		Offset:   c.offsets[covering],
	}
	if covering+1 < len(c.rows) {
		iv.End = c.rows[covering+1] - 1
	} else if nrrow > 0 {
		iv.End = nrrow - 1
	} else {
		iv.End = iv.Start
	}
	return iv, nil
}

// Value returns a copy of the encoded value of interval i
func (b *Bucket) Value(col, i int) ([]byte, error) {
	if col < 0 || col >= len(b.cols) || i < 0 || i >= len(b.cols[col].rows) {
		return nil, fmt.Errorf("%w: no interval %d in column %d", ErrCorrupt, i, col)
	}
	data, err := b.slot(col, b.cols[col].offsets[i])
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), data...), nil
}

// FirstValue returns the value valid at the bucket's first row
func (b *Bucket) FirstValue(col int) ([]byte, error) {
	return b.Value(col, 0)
}

// AddInterval inserts a new interval starting at row at index idx. If the
// interval currently at idx starts at the same row it is moved to start one
// row later; it must hold more than one row for that.
func (b *Bucket) AddInterval(col int, row uint32, idx int, data []byte) error {
	c := &b.cols[col]
	if idx < 0 || idx > len(c.rows) {
		return fmt.Errorf("%w: insert index %d beyond %d intervals", ErrCorrupt, idx, len(c.rows))
	}
	if !b.CanAdd(len(data)) {
		return ErrNoSpace
	}

	off := b.appendData(data)
	c.rows = insertAt(c.rows, idx, row)
	c.offsets = insertAt(c.offsets, idx, off)
	if idx+1 < len(c.rows) && c.rows[idx+1] == row {
		c.rows[idx+1]++
	}
	return nil
}

// ReplaceInterval overwrites the value of interval idx. It returns
// ErrNoSpace when the new value does not fit in the page.
func (b *Bucket) ReplaceInterval(col, idx int, data []byte) error {
	c := &b.cols[col]
	if idx < 0 || idx >= len(c.rows) {
		return fmt.Errorf("%w: no interval %d in column %d", ErrCorrupt, idx, col)
	}
	off := c.offsets[idx]
	old, err := b.slot(col, off)
	if err != nil {
		return err
	}
	oldLen := len(old)

	if oldLen == len(data) {
		copy(b.heap[off:], data)
		return nil
	}
	if !b.CanReplace(oldLen, len(data)) {
		return ErrNoSpace
	}
	b.removeData(off, oldLen)
	c.offsets[idx] = b.appendData(data)
	return nil
}

// ShiftLeft removes n intervals starting at idx together with their values
func (b *Bucket) ShiftLeft(col, idx, n int) error {
	c := &b.cols[col]
	if idx < 0 || n < 0 || idx+n > len(c.rows) {
		return fmt.Errorf("%w: cannot remove %d intervals at %d of %d", ErrCorrupt, n, idx, len(c.rows))
	}
	for i := idx; i < idx+n; i++ {
		data, err := b.slot(col, c.offsets[i])
		if err != nil {
			return err
		}
		b.removeData(c.offsets[i], len(data))
	}
	c.rows = append(c.rows[:idx], c.rows[idx+n:]...)
	c.offsets = append(c.offsets[:idx], c.offsets[idx+n:]...)
	return nil
}

// RemoveRow deletes a bucket-relative row from a column. A single-row
// interval disappears (unless it is the column's only one) and its value is
// returned; every interval after the row starts one row earlier.
func (b *Bucket) RemoveRow(col int, row, nrrow uint32) ([]byte, error) {
	iv, err := b.Locate(col, row, nrrow)
	if err != nil {
		return nil, err
	}

	var removed []byte
	if iv.Single() && b.Entries(col) > 1 {
		if removed, err = b.Value(col, iv.Covering); err != nil {
			return nil, err
		}
		if err := b.ShiftLeft(col, iv.Covering, 1); err != nil {
			return nil, err
		}
	}

	rows := b.cols[col].rows
	for i := range rows {
		if rows[i] > row {
			rows[i]--
		}
	}
	return removed, nil
}

// CanAddColumn reports whether a new column with a first value of n bytes
// fits
func (b *Bucket) CanAddColumn(n int) bool {
	return b.Size()+countSize+entrySize+n <= b.capacity
}

// AddColumn appends a column whose only interval starts at row 0
func (b *Bucket) AddColumn(sizer Sizer, data []byte) error {
	if !b.CanAddColumn(len(data)) {
		return ErrNoSpace
	}
	off := b.appendData(data)
	b.sizers = append(b.sizers, sizer)
	b.cols = append(b.cols, column{rows: []uint32{0}, offsets: []uint32{off}})
	return nil
}

// RemoveColumn drops a column and releases its values
func (b *Bucket) RemoveColumn(col int) error {
	if col < 0 || col >= len(b.cols) {
		return fmt.Errorf("%w: column %d out of range", ErrCorrupt, col)
	}
	if err := b.ShiftLeft(col, 0, b.Entries(col)); err != nil {
		return err
	}
	b.cols = append(b.cols[:col], b.cols[col+1:]...)
	b.sizers = append(b.sizers[:col], b.sizers[col+1:]...)
	return nil
}

// Assign makes b a copy of other. It is used to keep the bucket identity
// for the left half of a split.
func (b *Bucket) Assign(other *Bucket) {
	b.capacity = other.capacity
	b.order = other.order
	b.sizers = append(b.sizers[:0], other.sizers...)
	b.cols = make([]column, len(other.cols))
	for i, c := range other.cols {
		b.cols[i] = column{
			rows:    append([]uint32(nil), c.rows...),
			offsets: append([]uint32(nil), c.offsets...),
		}
	}
	b.heap = append(b.heap[:0], other.heap...)
}

// Validate checks the interval invariants for a bucket of nrrow rows
func (b *Bucket) Validate(nrrow uint32) error {
	for ci, c := range b.cols {
		if len(c.rows) == 0 {
			return fmt.Errorf("%w: column %d has no intervals", ErrCorrupt, ci)
		}
		if len(c.rows) != len(c.offsets) {
			return fmt.Errorf("%w: column %d index arrays differ in length", ErrCorrupt, ci)
		}
		if c.rows[0] != 0 {
			return fmt.Errorf("%w: column %d starts at row %d", ErrCorrupt, ci, c.rows[0])
		}
		for i := range c.rows {
			if i > 0 && c.rows[i] <= c.rows[i-1] {
				return fmt.Errorf("%w: column %d row starts not increasing at %d", ErrCorrupt, ci, i)
			}
			if nrrow > 0 && c.rows[i] >= nrrow {
				return fmt.Errorf("%w: column %d interval %d starts at %d beyond %d rows", ErrCorrupt, ci, i, c.rows[i], nrrow)
			}
			if _, err := b.slot(ci, c.offsets[i]); err != nil {
				return err
			}
		}
	}
	if b.Size() > b.capacity {
		return fmt.Errorf("%w: %d bytes used of %d", ErrCorrupt, b.Size(), b.capacity)
	}
	return nil
}

// slot returns the heap bytes of the value at off, validated against the
// heap size
func (b *Bucket) slot(col int, off uint32) ([]byte, error) {
	if int(off) >= len(b.heap) {
		return nil, fmt.Errorf("%w: offset %d beyond heap of %d bytes", ErrCorrupt, off, len(b.heap))
	}
	n, err := b.sizers[col].Length(b.heap[off:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return b.heap[off : int(off)+n], nil
}

func (b *Bucket) appendData(data []byte) uint32 {
	off := uint32(len(b.heap))
	b.heap = append(b.heap, data...)
	return off
}

// removeData cuts n bytes out of the heap and moves every offset behind
// them down
func (b *Bucket) removeData(off uint32, n int) {
	b.heap = append(b.heap[:off], b.heap[int(off)+n:]...)
	for ci := range b.cols {
		offsets := b.cols[ci].offsets
		for i := range offsets {
			if offsets[i] > off {
				offsets[i] -= uint32(n)
			}
		}
	}
}

func insertAt(s []uint32, idx int, v uint32) []uint32 {
	s = append(s, 0)
	copy(s[idx+1:], s[idx:])
	s[idx] = v
	return s
}
