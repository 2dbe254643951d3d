package ism

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KevoDB/incstore/pkg/bucket"
	"github.com/KevoDB/incstore/pkg/codec"
	"github.com/KevoDB/incstore/pkg/index"
	"github.com/KevoDB/incstore/pkg/stats"
)

// DuplicateHandler is implemented by columns whose values refer to shared
// data outside the bucket. The store calls it whenever a stored value is
// copied into a second interval or dropped from one.
type DuplicateHandler interface {
	// OnDuplicated is called when data now also starts an interval at row
	OnDuplicated(row uint32, data []byte)
	// OnRemoved is called when an interval holding data at row disappears
	// or is overwritten
	OnRemoved(row uint32, data []byte)
}

// NopDuplicateHandler ignores all notifications
type NopDuplicateHandler struct{}

func (NopDuplicateHandler) OnDuplicated(uint32, []byte) {}
func (NopDuplicateHandler) OnRemoved(uint32, []byte)    {}

// ColumnOption configures a Column
type ColumnOption func(*Column)

// WithDuplicateHandler attaches a handler for duplicated and removed values
func WithDuplicateHandler(h DuplicateHandler) ColumnOption {
	return func(c *Column) {
		c.handler = h
	}
}

// Column reads and writes the values of one column
type Column struct {
	store   *Store
	name    string
	col     int
	codec   *codec.Codec
	handler DuplicateHandler

	// lastRowPut is one past the highest row written so far. Rows from
	// there on still carry the value propagated from before them.
	lastRowPut uint32

	// last interval read
	cached     bool
	cacheStart uint32
	cacheEnd   uint32
	cacheData  []byte
}

func newColumn(s *Store, name string, col int, c *codec.Codec, opts ...ColumnOption) *Column {
	column := &Column{
		store:   s,
		name:    name,
		col:     col,
		codec:   c,
		handler: NopDuplicateHandler{},
	}
	for _, opt := range opts {
		opt(column)
	}
	return column
}

// Name returns the column name
func (c *Column) Name() string { return c.name }

// Kind returns the element kind of the column
func (c *Column) Kind() codec.Kind { return c.codec.Kind() }

// Parse converts text into a value this column accepts. Array elements
// are separated by commas.
func (c *Column) Parse(text string) (any, error) { return c.codec.Parse(text) }

// Nelem returns the number of elements per value
func (c *Column) Nelem() int { return c.codec.Nelem() }

// SetDuplicateHandler replaces the column's duplicate handler. Handlers are
// not persisted and have to be set again after opening a store.
func (c *Column) SetDuplicateHandler(h DuplicateHandler) {
	if h == nil {
		h = NopDuplicateHandler{}
	}
	c.handler = h
}

func (c *Column) lock() (*Store, error) {
	s := c.store
	if s == nil {
		return nil, fmt.Errorf("%w: %q was removed", ErrNoSuchColumn, c.name)
	}
	s.mu.Lock()
	if err := s.checkOpen(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	return s, nil
}

func (c *Column) invalidate() {
	c.cached = false
	c.cacheData = nil
}

// Get returns the value of row
func (c *Column) Get(row uint32) (any, error) {
	s, err := c.lock()
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	start := time.Now()
	hit := c.cached && row >= c.cacheStart && row <= c.cacheEnd
	data, err := c.get(row)
	var v any
	if err == nil {
		v, err = c.codec.Decode(data)
	}

	s.metrics.RecordGet(context.Background(), time.Since(start), c.name, hit, err)
	if err != nil {
		if !errors.Is(err, ErrRowOutOfRange) {
			s.stats.TrackError("get_error")
		}
		return nil, err
	}
	s.stats.TrackOperationWithLatency(stats.OpGet, uint64(time.Since(start).Nanoseconds()))
	s.stats.TrackBytes(false, uint64(len(data)))
	return v, nil
}

// get returns the stored bytes of row, using the last interval read when
// it covers the row
func (c *Column) get(row uint32) ([]byte, error) {
	s := c.store
	if row >= s.index.NumRows() {
		return nil, fmt.Errorf("%w: row %d of %d", ErrRowOutOfRange, row, s.index.NumRows())
	}
	if c.cached && row >= c.cacheStart && row <= c.cacheEnd {
		return c.cacheData, nil
	}

	e, b, err := s.bucketFor(row)
	if err != nil {
		return nil, err
	}
	iv, err := b.Locate(c.col, row-e.Start, e.Rows)
	if err != nil {
		return nil, err
	}
	data, err := b.Value(c.col, iv.Covering)
	if err != nil {
		return nil, err
	}

	c.cached = true
	c.cacheStart = e.Start + iv.Start
	c.cacheEnd = e.Start + iv.End
	c.cacheData = data
	return data, nil
}

// Put stores value at row
func (c *Column) Put(row uint32, value any) error {
	s, err := c.lock()
	if err != nil {
		return err
	}
	defer s.mu.Unlock()

	if row >= s.index.NumRows() {
		return fmt.Errorf("%w: row %d of %d", ErrRowOutOfRange, row, s.index.NumRows())
	}
	data, err := c.codec.Encode(value)
	if err != nil {
		return err
	}

	start := time.Now()
	c.invalidate()
	err = c.put(row, data)

	s.metrics.RecordPut(context.Background(), time.Since(start), c.name, int64(len(data)), err)
	if err != nil {
		s.stats.TrackError("put_error")
		if errors.Is(err, ErrStructural) {
			s.logger.Error("Put of row %d in column %s failed: %v", row, c.name, err)
		}
		return err
	}
	s.stats.TrackOperationWithLatency(stats.OpPut, uint64(time.Since(start).Nanoseconds()))
	s.stats.TrackBytes(true, uint64(len(data)))
	return nil
}

// put writes data at row, splitting the bucket once when it runs out of
// space
func (c *Column) put(row uint32, data []byte) error {
	afterLast := row >= c.lastRowPut
	if afterLast {
		c.lastRowPut = row + 1
	}

	split := false
	for {
		err := c.write(row, data, afterLast)
		if !errors.Is(err, bucket.ErrNoSpace) {
			return err
		}
		if split {
			return fmt.Errorf("%w: %d byte value for row %d does not fit after a split", ErrStructural, len(data), row)
		}
		if err := c.store.splitBucket(row, c, len(data), afterLast); err != nil {
			return err
		}
		split = true
	}
}

// write applies one put to the bucket holding row. On bucket.ErrNoSpace the
// bucket is left as it was or with the write half done, which a retry
// picks up.
func (c *Column) write(row uint32, data []byte, afterLast bool) error {
	s := c.store
	e, b, err := s.bucketFor(row)
	if err != nil {
		return err
	}
	brow := row - e.Start
	iv, err := b.Locate(c.col, brow, e.Rows)
	if err != nil {
		return err
	}
	cur, err := b.Value(c.col, iv.Covering)
	if err != nil {
		return err
	}
	if c.codec.Equal(cur, data) {
		return nil
	}
	idx := iv.Covering

	equalPrev := false
	if brow == iv.Start && brow > 0 {
		prev, err := b.Value(c.col, idx-1)
		if err != nil {
			return err
		}
		equalPrev = c.codec.Equal(prev, data)
	}

	if afterLast {
		switch {
		case brow == 0 || (brow == iv.Start && !equalPrev):
			err = c.replace(b, idx, e.Start+iv.Start, cur, data)
		case equalPrev:
			err = c.drop(b, idx, 1, e.Start+iv.Start)
		default:
			err = b.AddInterval(c.col, brow, iv.Index, data)
		}
		if err != nil {
			return err
		}
		s.markDirty(e.ID)
		return c.putFromRow(row, data)
	}

	equalNext := false
	if brow == iv.End && idx+1 < b.Entries(c.col) {
		next, err := b.Value(c.col, idx+1)
		if err != nil {
			return err
		}
		equalNext = c.codec.Equal(next, data)
	}

	switch {
	case equalPrev && equalNext:
		// the previous interval absorbs this row and the next interval
		if err := c.drop(b, idx, 2, e.Start+iv.Start); err != nil {
			return err
		}
	case equalPrev:
		if iv.Single() {
			err = c.drop(b, idx, 1, e.Start+iv.Start)
		} else {
			b.SetRowStart(c.col, idx, iv.Start+1)
		}
		if err != nil {
			return err
		}
	case equalNext:
		next := idx + 1
		if iv.Single() {
			if err := c.drop(b, idx, 1, e.Start+iv.Start); err != nil {
				return err
			}
			next = idx
		}
		b.SetRowStart(c.col, next, b.RowStart(c.col, next)-1)
	case iv.Single():
		if err := c.replace(b, idx, row, cur, data); err != nil {
			return err
		}
	case brow > iv.Start && brow < iv.End:
		// keep the old value for the rows after row, then end the
		// shortened interval with the new value
		if err := b.AddInterval(c.col, brow+1, idx+1, cur); err != nil {
			return err
		}
		s.markDirty(e.ID)
		c.handler.OnDuplicated(row+1, cur)
		return c.write(row, data, false)
	default:
		if err := b.AddInterval(c.col, brow, iv.Index, data); err != nil {
			return err
		}
	}
	s.markDirty(e.ID)
	return nil
}

// replace overwrites the value of interval idx starting at row
func (c *Column) replace(b *bucket.Bucket, idx int, row uint32, old, data []byte) error {
	if err := b.ReplaceInterval(c.col, idx, data); err != nil {
		return err
	}
	c.handler.OnRemoved(row, old)
	return nil
}

// drop removes n intervals starting at idx, the first one starting at row
func (c *Column) drop(b *bucket.Bucket, idx, n int, row uint32) error {
	for i := idx; i < idx+n; i++ {
		old, err := b.Value(c.col, i)
		if err != nil {
			return err
		}
		c.handler.OnRemoved(row, old)
		if i+1 < b.Entries(c.col) {
			row += b.RowStart(c.col, i+1) - b.RowStart(c.col, i)
		}
	}
	return b.ShiftLeft(c.col, idx, n)
}

// putFromRow carries data into the first interval of every bucket after
// the one holding row
func (c *Column) putFromRow(row uint32, data []byte) error {
	s := c.store
	cur := s.index.NewCursor(row)
	if _, ok := cur.Next(); !ok {
		return nil
	}
	for {
		e, b, ok, err := s.nextBucket(cur)
		if err != nil || !ok {
			return err
		}
		old, err := b.FirstValue(c.col)
		if err != nil {
			return err
		}
		if c.codec.Equal(old, data) {
			continue
		}
		err = c.replace(b, 0, e.Start, old, data)
		if errors.Is(err, bucket.ErrNoSpace) {
			// the left half keeps bucket row 0 and the cursor moves on
			// to the right half next
			if err = s.splitBucket(e.Start, c, len(data), true); err == nil {
				b, err = s.cache.Get(e.ID)
			}
			if err == nil {
				err = c.replace(b, 0, e.Start, old, data)
			}
			if errors.Is(err, bucket.ErrNoSpace) {
				err = fmt.Errorf("%w: %d byte value does not fit bucket %d after a split", ErrStructural, len(data), e.ID)
			}
		}
		if err != nil {
			return err
		}
		s.markDirty(e.ID)
		c.handler.OnDuplicated(e.Start, data)
	}
}

// remove deletes row from the column's intervals in bucket b
func (c *Column) remove(b *bucket.Bucket, e index.Entry, row uint32) error {
	removed, err := b.RemoveRow(c.col, row-e.Start, e.Rows)
	if err != nil {
		return err
	}
	if removed != nil {
		c.handler.OnRemoved(row, removed)
	}
	if row < c.lastRowPut {
		c.lastRowPut--
	}
	c.invalidate()
	return nil
}

// IntervalCount returns the number of intervals the column is stored in
// across all buckets
func (c *Column) IntervalCount() (int, error) {
	s, err := c.lock()
	if err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.index.Entries() {
		b, err := s.cache.Get(e.ID)
		if err != nil {
			return 0, err
		}
		n += b.Entries(c.col)
	}
	return n, nil
}
