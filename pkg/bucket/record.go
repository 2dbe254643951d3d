package bucket

import (
	"encoding/binary"
	"fmt"
)

// MarshalBinary encodes the bucket record. For each column it writes the
// interval count, the row starts and the byte offsets, followed by the
// heap.
func (b *Bucket) MarshalBinary() ([]byte, error) {
	out := make([]byte, b.Size())
	pos := 0
	for _, c := range b.cols {
		b.order.PutUint32(out[pos:], uint32(len(c.rows)))
		pos += countSize
		for _, r := range c.rows {
			b.order.PutUint32(out[pos:], r)
			pos += 4
		}
		for _, o := range c.offsets {
			b.order.PutUint32(out[pos:], o)
			pos += 4
		}
	}
	copy(out[pos:], b.heap)
	return out, nil
}

// Unmarshal decodes a bucket record holding one column per sizer
func Unmarshal(data []byte, capacity int, sizers []Sizer, order binary.ByteOrder) (*Bucket, error) {
	if len(data) > capacity {
		return nil, fmt.Errorf("%w: record of %d bytes exceeds capacity %d", ErrCorrupt, len(data), capacity)
	}

	b := New(capacity, sizers, order)
	pos := 0
	for ci := range b.cols {
		if pos+countSize > len(data) {
			return nil, fmt.Errorf("%w: truncated count of column %d", ErrCorrupt, ci)
		}
		n := int(order.Uint32(data[pos:]))
		pos += countSize
		if n > (len(data)-pos)/entrySize {
			return nil, fmt.Errorf("%w: column %d claims %d intervals", ErrCorrupt, ci, n)
		}

		c := column{rows: make([]uint32, n), offsets: make([]uint32, n)}
		for i := range c.rows {
			c.rows[i] = order.Uint32(data[pos:])
			pos += 4
		}
		for i := range c.offsets {
			c.offsets[i] = order.Uint32(data[pos:])
			pos += 4
		}
		b.cols[ci] = c
	}
	b.heap = append(b.heap[:0], data[pos:]...)

	for ci, c := range b.cols {
		for i, off := range c.offsets {
			if _, err := b.slot(ci, off); err != nil {
				return nil, fmt.Errorf("column %d interval %d: %w", ci, i, err)
			}
		}
	}
	return b, nil
}
