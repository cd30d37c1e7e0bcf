package model

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Kind is the type of a metadata value.
type Kind int

// Metadata value kinds.
const (
	KindString Kind = iota
	KindInt
	KindUint
	KindFloat
	KindBool
	KindArray
	KindBlob
	KindStrings // Array of strings.
	KindPacked  // Array of fixed-width scalars stored little-endian.
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindUint:
		return "uint"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindArray:
		return "array"
	case KindBlob:
		return "blob"
	case KindStrings:
		return "strings"
	case KindPacked:
		return "packed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Value is a typed metadata value. Only the field matching Kind is set.
// Packed arrays keep their raw bytes in Blob with the element kind and width
// in Elem and Width.
type Value struct {
	Kind  Kind
	Str   string
	Int   int64
	Uint  uint64
	Float float64
	Bool  bool
	Items []Value
	Blob  []byte
	Strs  []string
	Elem  Kind
	Width int
}

// StringValue returns a string value.
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

// IntValue returns a signed integer value.
func IntValue(v int64) Value { return Value{Kind: KindInt, Int: v} }

// UintValue returns an unsigned integer value.
func UintValue(v uint64) Value { return Value{Kind: KindUint, Uint: v} }

// FloatValue returns a floating point value.
func FloatValue(v float64) Value { return Value{Kind: KindFloat, Float: v} }

// BoolValue returns a boolean value.
func BoolValue(v bool) Value { return Value{Kind: KindBool, Bool: v} }

// ArrayValue returns an array value.
func ArrayValue(items []Value) Value { return Value{Kind: KindArray, Items: items} }

// BlobValue returns a binary value.
func BlobValue(b []byte) Value { return Value{Kind: KindBlob, Blob: b} }

// StringsValue returns an array of strings.
func StringsValue(s []string) Value { return Value{Kind: KindStrings, Strs: s} }

// PackedValue returns an array of elem scalars, each width bytes wide, held
// little-endian in raw. elem is KindInt, KindUint, KindFloat or KindBool.
func PackedValue(elem Kind, width int, raw []byte) Value {
	return Value{Kind: KindPacked, Elem: elem, Width: width, Blob: raw}
}

// Len returns the number of elements of an array value, or 0.
func (v Value) Len() int {
	switch v.Kind {
	case KindArray:
		return len(v.Items)
	case KindStrings:
		return len(v.Strs)
	case KindPacked:
		if v.Width <= 0 {
			return 0
		}
		return len(v.Blob) / v.Width
	case KindBlob:
		return len(v.Blob)
	default:
		return 0
	}
}

// Index returns element i of an array value. Blob elements are unsigned
// bytes.
func (v Value) Index(i int) Value {
	switch v.Kind {
	case KindArray:
		return v.Items[i]
	case KindStrings:
		return StringValue(v.Strs[i])
	case KindBlob:
		return UintValue(uint64(v.Blob[i]))
	case KindPacked:
		return v.packed(v.Blob[i*v.Width : (i+1)*v.Width])
	default:
		panic(fmt.Sprintf("model: Index on %s value", v.Kind))
	}
}

func (v Value) packed(b []byte) Value {
	var u uint64
	switch v.Width {
	case 1:
		u = uint64(b[0])
	case 2:
		u = uint64(binary.LittleEndian.Uint16(b))
	case 4:
		u = uint64(binary.LittleEndian.Uint32(b))
	case 8:
		u = binary.LittleEndian.Uint64(b)
	}
	switch v.Elem {
	case KindInt:
		shift := uint(64 - 8*v.Width)
		return IntValue(int64(u<<shift) >> shift) //nolint:gosec // G115: sign extension
	case KindFloat:
		if v.Width == 4 {
			return FloatValue(float64(math.Float32frombits(uint32(u))))
		}
		return FloatValue(math.Float64frombits(u))
	case KindBool:
		return BoolValue(u != 0)
	default:
		return UintValue(u)
	}
}

// AsUint returns the value as an unsigned integer when it is a non-negative
// integer of either signedness.
func (v Value) AsUint() (uint64, bool) {
	switch v.Kind {
	case KindUint:
		return v.Uint, true
	case KindInt:
		if v.Int >= 0 {
			return uint64(v.Int), true
		}
	}
	return 0, false
}

// String renders the value briefly; long arrays and blobs are summarized.
func (v Value) String() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindInt:
		return fmt.Sprintf("%d", v.Int)
	case KindUint:
		return fmt.Sprintf("%d", v.Uint)
	case KindFloat:
		return fmt.Sprintf("%g", v.Float)
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindBlob:
		return fmt.Sprintf("blob(%d bytes)", len(v.Blob))
	case KindArray, KindStrings, KindPacked:
		n := v.Len()
		if n > 8 {
			return fmt.Sprintf("array(%d items)", n)
		}
		parts := make([]string, n)
		for i := range parts {
			parts[i] = v.Index(i).String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return "?"
	}
}
