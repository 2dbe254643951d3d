// Package index maps table rows to the buckets that hold them.
//
// The index is a sorted boundary array of n+1 row numbers and n bucket
// ids. Bucket i holds rows [boundary[i], boundary[i+1]); boundary[0] is
// always 0 and boundary[n] is the table's row count.
package index

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/KevoDB/incstore/pkg/common/bsearch"
)

// Version of the index record
const Version uint32 = 1

var (
	// ErrBoundaryExists is returned when a bucket already starts at a row
	ErrBoundaryExists = errors.New("bucket boundary already exists")
	// ErrCorrupt is returned for an inconsistent or unreadable index
	ErrCorrupt = errors.New("bucket index corrupt")
)

// Entry describes one bucket in the index
type Entry struct {
	ID    uint32
	Start uint32
	Rows  uint32
}

// Index is the row to bucket map of a store
type Index struct {
	boundaries []uint32
	ids        []uint32
}

// New creates the index of an empty store: one bucket with id 0 and no rows
func New() *Index {
	return &Index{
		boundaries: []uint32{0, 0},
		ids:        []uint32{0},
	}
}

// NumBuckets returns the number of buckets in use
func (x *Index) NumBuckets() int { return len(x.ids) }

// NumRows returns the row count, the last boundary
func (x *Index) NumRows() uint32 { return x.boundaries[len(x.ids)] }

// Boundaries returns a copy of the boundary array
func (x *Index) Boundaries() []uint32 {
	return slices.Clone(x.boundaries)
}

// Entries returns all buckets in row order
func (x *Index) Entries() []Entry {
	out := make([]Entry, len(x.ids))
	for i := range x.ids {
		out[i] = x.entry(i)
	}
	return out
}

// Lookup returns the position in the index of the bucket containing row
func (x *Index) Lookup(row uint32) int {
	i := bsearch.LowerBoundOrPrev(x.boundaries[:len(x.ids)], row)
	return max(i, 0)
}

// BucketFor returns the bucket holding row with its first row and row count
func (x *Index) BucketFor(row uint32) Entry {
	return x.entry(x.Lookup(row))
}

// InsertBoundary makes a new bucket start at row
func (x *Index) InsertBoundary(row, id uint32) error {
	n := len(x.ids)
	if row > x.boundaries[n] {
		return fmt.Errorf("%w: boundary %d beyond %d rows", ErrCorrupt, row, x.boundaries[n])
	}
	idx, found := bsearch.Brackets(x.boundaries, row)
	if found {
		return fmt.Errorf("%w: row %d", ErrBoundaryExists, row)
	}
	x.boundaries = slices.Insert(x.boundaries, idx, row)
	x.ids = slices.Insert(x.ids, idx, id)
	return nil
}

// AddRow appends n rows to the last bucket
func (x *Index) AddRow(n uint32) {
	x.boundaries[len(x.ids)] += n
}

// RemoveRow removes a row from the bucket holding it. A bucket left without
// rows is dropped from the index unless it is the only one; its page stays
// allocated in the bucket file.
func (x *Index) RemoveRow(row uint32) {
	idx := x.Lookup(row)
	for i := idx + 1; i < len(x.boundaries); i++ {
		x.boundaries[i]--
	}
	if x.boundaries[idx] == x.boundaries[idx+1] && len(x.ids) > 1 {
		x.boundaries = slices.Delete(x.boundaries, idx, idx+1)
		x.ids = slices.Delete(x.ids, idx, idx+1)
	}
}

// Validate checks the boundary invariants
func (x *Index) Validate() error {
	if len(x.ids) == 0 || len(x.boundaries) != len(x.ids)+1 {
		return fmt.Errorf("%w: %d boundaries for %d buckets", ErrCorrupt, len(x.boundaries), len(x.ids))
	}
	if x.boundaries[0] != 0 {
		return fmt.Errorf("%w: first boundary is %d", ErrCorrupt, x.boundaries[0])
	}
	for i := 1; i < len(x.boundaries); i++ {
		if x.boundaries[i] < x.boundaries[i-1] {
			return fmt.Errorf("%w: boundary %d decreases", ErrCorrupt, i)
		}
		if i < len(x.ids) && x.boundaries[i] == x.boundaries[i-1] {
			return fmt.Errorf("%w: bucket %d is empty", ErrCorrupt, x.ids[i-1])
		}
	}
	seen := make(map[uint32]struct{}, len(x.ids))
	for _, id := range x.ids {
		if _, ok := seen[id]; ok {
			return fmt.Errorf("%w: bucket %d listed twice", ErrCorrupt, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// MarshalBinary encodes the index record: version, n, the n+1 boundaries
// and the n bucket ids
func (x *Index) MarshalBinary(order binary.ByteOrder) []byte {
	n := len(x.ids)
	out := make([]byte, 8+4*(2*n+1))
	order.PutUint32(out, Version)
	order.PutUint32(out[4:], uint32(n))
	pos := 8
	for _, b := range x.boundaries {
		order.PutUint32(out[pos:], b)
		pos += 4
	}
	for _, id := range x.ids {
		order.PutUint32(out[pos:], id)
		pos += 4
	}
	return out
}

// Unmarshal decodes an index record
func Unmarshal(data []byte, order binary.ByteOrder) (*Index, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: record of %d bytes", ErrCorrupt, len(data))
	}
	if v := order.Uint32(data); v != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, v)
	}
	n := int(order.Uint32(data[4:]))
	if n < 1 || len(data) != 8+4*(2*n+1) {
		return nil, fmt.Errorf("%w: %d buckets in a %d byte record", ErrCorrupt, n, len(data))
	}

	x := &Index{
		boundaries: make([]uint32, n+1),
		ids:        make([]uint32, n),
	}
	pos := 8
	for i := range x.boundaries {
		x.boundaries[i] = order.Uint32(data[pos:])
		pos += 4
	}
	for i := range x.ids {
		x.ids[i] = order.Uint32(data[pos:])
		pos += 4
	}
	if err := x.Validate(); err != nil {
		return nil, err
	}
	return x, nil
}

func (x *Index) entry(i int) Entry {
	return Entry{
		ID:    x.ids[i],
		Start: x.boundaries[i],
		Rows:  x.boundaries[i+1] - x.boundaries[i],
	}
}
