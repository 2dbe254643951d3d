package index

// Cursor walks the buckets of an index in row order starting with the
// bucket that holds a given row
type Cursor struct {
	x     *Index
	pos   int
	start uint32
	begun bool
}

// NewCursor returns a cursor positioned before the bucket holding row
func (x *Index) NewCursor(row uint32) *Cursor {
	return &Cursor{x: x, start: row}
}

// Next returns the next bucket. It returns false when the start row lies
// past the last row or when no buckets are left.
func (c *Cursor) Next() (Entry, bool) {
	if !c.begun {
		if c.start >= c.x.NumRows() {
			return Entry{}, false
		}
		c.pos = c.x.Lookup(c.start)
		c.begun = true
	}
	if c.pos >= len(c.x.ids) {
		return Entry{}, false
	}
	e := c.x.entry(c.pos)
	c.pos++
	return e, true
}
