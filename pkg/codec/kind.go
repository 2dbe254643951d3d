package codec

import (
	"fmt"
	"strings"
)

// Kind identifies the element type stored in a column
type Kind uint8

const (
	KindBool Kind = iota + 1
	KindUint8
	KindInt16
	KindUint16
	KindInt32
	KindUint32
	KindInt64
	KindFloat32
	KindFloat64
	KindComplex64
	KindComplex128
	KindString
)

var kindNames = map[Kind]string{
	KindBool:       "bool",
	KindUint8:      "uint8",
	KindInt16:      "int16",
	KindUint16:     "uint16",
	KindInt32:      "int32",
	KindUint32:     "uint32",
	KindInt64:      "int64",
	KindFloat32:    "float32",
	KindFloat64:    "float64",
	KindComplex64:  "complex64",
	KindComplex128: "complex128",
	KindString:     "string",
}

// String returns the Go type name of the kind
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("KIND(%d)", uint8(k))
}

// Valid reports whether k is one of the supported kinds
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// Size returns the stored size of one element in bytes. Strings are
// variable length and report 0; bools are bit-packed and report 0 as well
// since their size depends on the element count.
func (k Kind) Size() int {
	switch k {
	case KindUint8:
		return 1
	case KindInt16, KindUint16:
		return 2
	case KindInt32, KindUint32, KindFloat32:
		return 4
	case KindInt64, KindFloat64, KindComplex64:
		return 8
	case KindComplex128:
		return 16
	default:
		return 0
	}
}

// ParseKind converts a type name such as "float64" into a Kind
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown kind %q", ErrUnsupportedKind, s)
}
