package codec

import (
	"fmt"
	"strconv"
	"strings"
)

// Parse converts a textual value into the Go value the codec encodes.
// Array elements are separated by commas.
func (c *Codec) Parse(text string) (any, error) {
	parts := []string{text}
	if c.nelem > 1 {
		parts = strings.Split(text, ",")
		if len(parts) != c.nelem {
			return nil, fmt.Errorf("%w: %d elements given, column holds %d", ErrShapeMismatch, len(parts), c.nelem)
		}
	}

	switch c.kind {
	case KindBool:
		return parseAll(parts, c.nelem, strconv.ParseBool)
	case KindUint8:
		return parseAll(parts, c.nelem, func(s string) (uint8, error) {
			v, err := strconv.ParseUint(s, 10, 8)
			return uint8(v), err
		})
	case KindInt16:
		return parseAll(parts, c.nelem, func(s string) (int16, error) {
			v, err := strconv.ParseInt(s, 10, 16)
			return int16(v), err
		})
	case KindUint16:
		return parseAll(parts, c.nelem, func(s string) (uint16, error) {
			v, err := strconv.ParseUint(s, 10, 16)
			return uint16(v), err
		})
	case KindInt32:
		return parseAll(parts, c.nelem, func(s string) (int32, error) {
			v, err := strconv.ParseInt(s, 10, 32)
			return int32(v), err
		})
	case KindUint32:
		return parseAll(parts, c.nelem, func(s string) (uint32, error) {
			v, err := strconv.ParseUint(s, 10, 32)
			return uint32(v), err
		})
	case KindInt64:
		return parseAll(parts, c.nelem, func(s string) (int64, error) {
			return strconv.ParseInt(s, 10, 64)
		})
	case KindFloat32:
		return parseAll(parts, c.nelem, func(s string) (float32, error) {
			v, err := strconv.ParseFloat(s, 32)
			return float32(v), err
		})
	case KindFloat64:
		return parseAll(parts, c.nelem, func(s string) (float64, error) {
			return strconv.ParseFloat(s, 64)
		})
	case KindComplex64:
		return parseAll(parts, c.nelem, func(s string) (complex64, error) {
			v, err := strconv.ParseComplex(s, 64)
			return complex64(v), err
		})
	case KindComplex128:
		return parseAll(parts, c.nelem, func(s string) (complex128, error) {
			return strconv.ParseComplex(s, 128)
		})
	case KindString:
		return parseAll(parts, c.nelem, func(s string) (string, error) { return s, nil })
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, c.kind)
}

func parseAll[T any](parts []string, n int, parse func(string) (T, error)) (any, error) {
	vals := make([]T, len(parts))
	for i, p := range parts {
		v, err := parse(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("%w: element %d: %v", ErrShapeMismatch, i, err)
		}
		vals[i] = v
	}
	return shape(vals, n), nil
}
