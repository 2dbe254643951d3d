package bucket

import (
	"fmt"
	"slices"
)

// SplitResult holds the two halves of a split bucket
type SplitResult struct {
	// Row is the first bucket-relative row of the right half
	Row uint32
	// Left holds rows [0, Row) and Right holds rows [Row, nrrow)
	Left  *Bucket
	Right *Bucket
	// Duplicated reports per column whether the interval straddling Row had
	// its value copied into the right half
	Duplicated []bool
}

// Pending describes the write a split has to make room for
type Pending struct {
	// Col and Row locate the write; Row is bucket-relative
	Col int
	Row uint32
	// Len is the encoded length of the new value
	Len int
	// Tail is set when the value replaces every row from Row to the end
	// of its interval, as writes after the last written row do
	Tail bool
}

// Split divides a bucket of nrrow rows in two so that the pending write
// fits in the half that holds its row. When the row lies after every
// interval start the bucket is split exactly there, which keeps appended
// rows together.
func (b *Bucket) Split(nrrow uint32, w Pending) (SplitResult, error) {
	if nrrow < 2 {
		return SplitResult{}, ErrCannotSplit
	}
	if w.Col < 0 || w.Col >= len(b.cols) {
		return SplitResult{}, fmt.Errorf("%w: column %d out of range", ErrCorrupt, w.Col)
	}

	at, err := b.splitRow(nrrow, w)
	if err != nil {
		return SplitResult{}, err
	}

	res := SplitResult{
		Row:        at,
		Left:       New(b.capacity, b.sizers, b.order),
		Right:      New(b.capacity, b.sizers, b.order),
		Duplicated: make([]bool, len(b.cols)),
	}
	for ci, c := range b.cols {
		lc := &res.Left.cols[ci]
		rc := &res.Right.cols[ci]
		for i, start := range c.rows {
			data, err := b.slot(ci, c.offsets[i])
			if err != nil {
				return SplitResult{}, err
			}
			switch {
			case start < at:
				lc.rows = append(lc.rows, start)
				lc.offsets = append(lc.offsets, res.Left.appendData(data))
				if i+1 == len(c.rows) || c.rows[i+1] > at {
					// the interval straddles the split row
					rc.rows = append(rc.rows, 0)
					rc.offsets = append(rc.offsets, res.Right.appendData(data))
					res.Duplicated[ci] = true
				}
			default:
				rc.rows = append(rc.rows, start-at)
				rc.offsets = append(rc.offsets, res.Right.appendData(data))
			}
		}
	}
	return res, nil
}

// splitRow picks the first row of the right half. Candidates where both
// halves fit once the pending write is applied win over those that do
// not; among each group the one with the smaller larger half wins.
func (b *Bucket) splitRow(nrrow uint32, w Pending) (uint32, error) {
	iv, err := b.Locate(w.Col, w.Row, nrrow)
	if err != nil {
		return 0, err
	}
	cur, err := b.slot(w.Col, iv.Offset)
	if err != nil {
		return 0, err
	}

	var maxStart uint32
	for _, c := range b.cols {
		if n := len(c.rows); n > 0 && c.rows[n-1] > maxStart {
			maxStart = c.rows[n-1]
		}
	}
	if w.Row > maxStart && w.Row > 0 && w.Row < nrrow {
		if fits, _ := b.evalSplit(w.Row, w, iv, len(cur)); fits {
			return w.Row, nil
		}
	}

	candidates := make([]uint32, 0, 8)
	for _, c := range b.cols {
		for _, start := range c.rows {
			if start > 0 {
				candidates = append(candidates, start)
			}
		}
	}
	for _, r := range []uint32{w.Row, w.Row + 1} {
		if r > 0 && r < nrrow {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return nrrow / 2, nil
	}
	slices.Sort(candidates)
	candidates = slices.Compact(candidates)

	best := candidates[0]
	bestFits, bestSize := false, -1
	for _, at := range candidates {
		fits, larger := b.evalSplit(at, w, iv, len(cur))
		if bestSize < 0 || (fits && !bestFits) || (fits == bestFits && larger < bestSize) {
			best, bestFits, bestSize = at, fits, larger
		}
	}
	return best, nil
}

// evalSplit reports whether both halves of a split at row at stay within
// capacity after the pending write, and the size of the larger one. iv is
// the interval holding the write's row, with a value of curLen bytes.
func (b *Bucket) evalSplit(at uint32, w Pending, iv Interval, curLen int) (bool, int) {
	left, right := b.splitSizes(at)

	// the interval as seen from the half holding the row
	start, end := iv.Start, iv.End
	if w.Row < at {
		end = min(end, at-1)
	} else {
		start = max(start, at)
	}
	need := w.need(start, end, curLen)
	if w.Row < at {
		left += need
	} else {
		right += need
	}
	return left <= b.capacity && right <= b.capacity, max(left, right)
}

// need returns an upper bound on the bytes the write adds to a bucket in
// which its row lies in the interval [start, end] holding a value of
// curLen bytes
func (w Pending) need(start, end uint32, curLen int) int {
	switch {
	case w.Row == start && (w.Tail || start == end):
		// the interval value is replaced
		return w.Len - curLen
	case w.Row > start && w.Row < end && !w.Tail:
		// the interval is cut in three around the row
		return 2*entrySize + curLen + w.Len
	}
	return entrySize + w.Len
}

// splitSizes returns the serialized sizes of both halves when splitting at
// row at
func (b *Bucket) splitSizes(at uint32) (left, right int) {
	left = countSize * len(b.cols)
	right = countSize * len(b.cols)
	for ci, c := range b.cols {
		for i, start := range c.rows {
			n := 0
			if data, err := b.slot(ci, c.offsets[i]); err == nil {
				n = len(data)
			}
			if start < at {
				left += entrySize + n
				if i+1 == len(c.rows) || c.rows[i+1] > at {
					right += entrySize + n
				}
			} else {
				right += entrySize + n
			}
		}
	}
	return left, right
}
