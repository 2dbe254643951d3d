// Package codec converts column values to and from the byte form kept in
// bucket heaps.
//
// A column value is either a scalar of the column's Go type or a slice of
// exactly Nelem elements of that type. Two layouts exist: canonical
// (big-endian, portable between hosts) and native (host byte order). A
// store picks one for all of its columns.
package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrShapeMismatch is returned when a value does not match the
	// column's element type or element count
	ErrShapeMismatch = errors.New("value shape mismatch")

	// ErrUnsupportedKind is returned for an unknown element kind
	ErrUnsupportedKind = errors.New("unsupported element kind")

	// ErrShortValue is returned when stored bytes are too short to hold a value
	ErrShortValue = errors.New("stored value truncated")
)

// lengthPrefixSize is the size of every string length field
const lengthPrefixSize = 4

type byteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

// ByteOrder returns the integer layout used by a store
func ByteOrder(canonical bool) binary.ByteOrder {
	return order(canonical)
}

func order(canonical bool) byteOrder {
	if canonical {
		return binary.BigEndian
	}
	return binary.NativeEndian
}

// Codec encodes and decodes the values of one column
type Codec struct {
	kind      Kind
	nelem     int
	canonical bool
	order     byteOrder
}

// New creates a codec for nelem elements of the given kind
func New(kind Kind, nelem int, canonical bool) (*Codec, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedKind, kind)
	}
	if nelem < 1 {
		return nil, fmt.Errorf("%w: element count %d must be positive", ErrShapeMismatch, nelem)
	}
	return &Codec{
		kind:      kind,
		nelem:     nelem,
		canonical: canonical,
		order:     order(canonical),
	}, nil
}

// Kind returns the element kind
func (c *Codec) Kind() Kind { return c.kind }

// Nelem returns the number of elements per value
func (c *Codec) Nelem() int { return c.nelem }

// Canonical reports whether the portable layout is used
func (c *Codec) Canonical() bool { return c.canonical }

// FixedLength returns the encoded size of every value, or 0 when values
// are variable length
func (c *Codec) FixedLength() int {
	switch c.kind {
	case KindString:
		return 0
	case KindBool:
		return (c.nelem + 7) / 8
	default:
		return c.kind.Size() * c.nelem
	}
}

// Equal reports whether two encoded values are the same value
func (c *Codec) Equal(a, b []byte) bool {
	return bytes.Equal(a, b)
}

// Length returns the stored length of the value starting at data[0]
func (c *Codec) Length(data []byte) (int, error) {
	if n := c.FixedLength(); n > 0 {
		if len(data) < n {
			return 0, fmt.Errorf("%w: have %d bytes, need %d", ErrShortValue, len(data), n)
		}
		return n, nil
	}
	if len(data) < lengthPrefixSize {
		return 0, fmt.Errorf("%w: missing length prefix", ErrShortValue)
	}
	total := int(c.order.Uint32(data))
	if total < lengthPrefixSize || total > len(data) {
		return 0, fmt.Errorf("%w: length prefix %d, have %d bytes", ErrShortValue, total, len(data))
	}
	return total, nil
}

// Encode converts a value into its stored form
func (c *Codec) Encode(v any) ([]byte, error) {
	switch c.kind {
	case KindBool:
		vals, err := elems[bool](v, c.nelem)
		if err != nil {
			return nil, err
		}
		out := make([]byte, c.FixedLength())
		for i, b := range vals {
			if b {
				out[i/8] |= 1 << (i % 8)
			}
		}
		return out, nil
	case KindUint8:
		vals, err := elems[uint8](v, c.nelem)
		if err != nil {
			return nil, err
		}
		return append([]byte(nil), vals...), nil
	case KindInt16:
		return encodeFixed(c, v, func(out []byte, x int16) []byte {
			return c.order.AppendUint16(out, uint16(x))
		})
	case KindUint16:
		return encodeFixed(c, v, c.order.AppendUint16)
	case KindInt32:
		return encodeFixed(c, v, func(out []byte, x int32) []byte {
			return c.order.AppendUint32(out, uint32(x))
		})
	case KindUint32:
		return encodeFixed(c, v, c.order.AppendUint32)
	case KindInt64:
		return encodeFixed(c, v, func(out []byte, x int64) []byte {
			return c.order.AppendUint64(out, uint64(x))
		})
	case KindFloat32:
		return encodeFixed(c, v, func(out []byte, x float32) []byte {
			return c.order.AppendUint32(out, math.Float32bits(x))
		})
	case KindFloat64:
		return encodeFixed(c, v, func(out []byte, x float64) []byte {
			return c.order.AppendUint64(out, math.Float64bits(x))
		})
	case KindComplex64:
		return encodeFixed(c, v, func(out []byte, x complex64) []byte {
			out = c.order.AppendUint32(out, math.Float32bits(real(x)))
			return c.order.AppendUint32(out, math.Float32bits(imag(x)))
		})
	case KindComplex128:
		return encodeFixed(c, v, func(out []byte, x complex128) []byte {
			out = c.order.AppendUint64(out, math.Float64bits(real(x)))
			return c.order.AppendUint64(out, math.Float64bits(imag(x)))
		})
	case KindString:
		vals, err := elems[string](v, c.nelem)
		if err != nil {
			return nil, err
		}
		return c.encodeStrings(vals), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, c.kind)
}

// Decode converts a stored value back into a scalar or a slice
func (c *Codec) Decode(data []byte) (any, error) {
	n, err := c.Length(data)
	if err != nil {
		return nil, err
	}
	data = data[:n]

	switch c.kind {
	case KindBool:
		vals := make([]bool, c.nelem)
		for i := range vals {
			vals[i] = data[i/8]&(1<<(i%8)) != 0
		}
		return shape(vals, c.nelem), nil
	case KindUint8:
		return shape(append([]uint8(nil), data...), c.nelem), nil
	case KindInt16:
		return decodeFixed(c, data, 2, func(b []byte) int16 { return int16(c.order.Uint16(b)) }), nil
	case KindUint16:
		return decodeFixed(c, data, 2, c.order.Uint16), nil
	case KindInt32:
		return decodeFixed(c, data, 4, func(b []byte) int32 { return int32(c.order.Uint32(b)) }), nil
	case KindUint32:
		return decodeFixed(c, data, 4, c.order.Uint32), nil
	case KindInt64:
		return decodeFixed(c, data, 8, func(b []byte) int64 { return int64(c.order.Uint64(b)) }), nil
	case KindFloat32:
		return decodeFixed(c, data, 4, func(b []byte) float32 {
			return math.Float32frombits(c.order.Uint32(b))
		}), nil
	case KindFloat64:
		return decodeFixed(c, data, 8, func(b []byte) float64 {
			return math.Float64frombits(c.order.Uint64(b))
		}), nil
	case KindComplex64:
		return decodeFixed(c, data, 8, func(b []byte) complex64 {
			return complex(math.Float32frombits(c.order.Uint32(b)), math.Float32frombits(c.order.Uint32(b[4:])))
		}), nil
	case KindComplex128:
		return decodeFixed(c, data, 16, func(b []byte) complex128 {
			return complex(math.Float64frombits(c.order.Uint64(b)), math.Float64frombits(c.order.Uint64(b[8:])))
		}), nil
	case KindString:
		vals, err := c.decodeStrings(data)
		if err != nil {
			return nil, err
		}
		return shape(vals, c.nelem), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, c.kind)
}

// Zero returns the default value of the column
func (c *Codec) Zero() any {
	switch c.kind {
	case KindBool:
		return shape(make([]bool, c.nelem), c.nelem)
	case KindUint8:
		return shape(make([]uint8, c.nelem), c.nelem)
	case KindInt16:
		return shape(make([]int16, c.nelem), c.nelem)
	case KindUint16:
		return shape(make([]uint16, c.nelem), c.nelem)
	case KindInt32:
		return shape(make([]int32, c.nelem), c.nelem)
	case KindUint32:
		return shape(make([]uint32, c.nelem), c.nelem)
	case KindInt64:
		return shape(make([]int64, c.nelem), c.nelem)
	case KindFloat32:
		return shape(make([]float32, c.nelem), c.nelem)
	case KindFloat64:
		return shape(make([]float64, c.nelem), c.nelem)
	case KindComplex64:
		return shape(make([]complex64, c.nelem), c.nelem)
	case KindComplex128:
		return shape(make([]complex128, c.nelem), c.nelem)
	case KindString:
		return shape(make([]string, c.nelem), c.nelem)
	}
	return nil
}

// encodeStrings writes the total length first (it includes itself), then
// for arrays a length per element, then the raw string bytes
func (c *Codec) encodeStrings(vals []string) []byte {
	total := lengthPrefixSize
	for _, s := range vals {
		total += len(s)
		if c.nelem > 1 {
			total += lengthPrefixSize
		}
	}

	out := make([]byte, 0, total)
	out = c.order.AppendUint32(out, uint32(total))
	for _, s := range vals {
		if c.nelem > 1 {
			out = c.order.AppendUint32(out, uint32(len(s)))
		}
		out = append(out, s...)
	}
	return out
}

func (c *Codec) decodeStrings(data []byte) ([]string, error) {
	if c.nelem == 1 {
		return []string{string(data[lengthPrefixSize:])}, nil
	}

	vals := make([]string, c.nelem)
	pos := lengthPrefixSize
	for i := range vals {
		if pos+lengthPrefixSize > len(data) {
			return nil, fmt.Errorf("%w: element %d length", ErrShortValue, i)
		}
		n := int(c.order.Uint32(data[pos:]))
		pos += lengthPrefixSize
		if pos+n > len(data) {
			return nil, fmt.Errorf("%w: element %d has %d bytes", ErrShortValue, i, n)
		}
		vals[i] = string(data[pos : pos+n])
		pos += n
	}
	return vals, nil
}

// elems accepts a scalar T for single-element columns or a []T of length n
func elems[T any](v any, n int) ([]T, error) {
	switch x := v.(type) {
	case T:
		if n != 1 {
			return nil, fmt.Errorf("%w: scalar given for a %d-element column", ErrShapeMismatch, n)
		}
		return []T{x}, nil
	case []T:
		if len(x) != n {
			return nil, fmt.Errorf("%w: %d elements given, column holds %d", ErrShapeMismatch, len(x), n)
		}
		return x, nil
	}
	var zero T
	return nil, fmt.Errorf("%w: got %T, column holds %T", ErrShapeMismatch, v, zero)
}

func encodeFixed[T any](c *Codec, v any, put func([]byte, T) []byte) ([]byte, error) {
	vals, err := elems[T](v, c.nelem)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, c.FixedLength())
	for _, x := range vals {
		out = put(out, x)
	}
	return out, nil
}

func decodeFixed[T any](c *Codec, data []byte, size int, get func([]byte) T) any {
	vals := make([]T, c.nelem)
	for i := range vals {
		vals[i] = get(data[i*size:])
	}
	return shape(vals, c.nelem)
}

func shape[T any](vals []T, n int) any {
	if n == 1 {
		return vals[0]
	}
	return vals
}
