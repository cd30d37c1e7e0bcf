// Package gguf parses and validates typed key-value tensor containers in the
// GGUF layout.
//
// Layout (all integers little-endian):
//
//	magic "GGUF" | u32 version | tensor count | kv count
//	kv entries:   string key | u32 value type | value
//	tensor infos: string name | u32 n_dims | dims | u32 ggml type | u64 offset
//	padding to alignment | tensor data
//
// Version 1 stores counts, string lengths, array lengths and dimensions as
// u32; version 2 widens them to u64. Every read is bounds-checked against the
// artifact and no declared count is trusted for allocation.
package gguf

import "fmt"

// Magic is the leading marker of every GGUF artifact.
const Magic = "GGUF"

// Supported versions.
const (
	Version1 uint32 = 1
	Version2 uint32 = 2
)

// Default tensor data alignment per version. general.alignment overrides it.
const (
	AlignmentV1 = 32
	AlignmentV2 = 64
)

// AlignmentKey overrides the tensor data alignment.
const AlignmentKey = "general.alignment"

// DefaultAlignment returns the alignment used when general.alignment is absent.
func DefaultAlignment(version uint32) uint64 {
	if version >= Version2 {
		return AlignmentV2
	}
	return AlignmentV1
}

// ValueType is the type tag of a metadata value.
type ValueType uint32

// Metadata value types.
const (
	ValueTypeUint8   ValueType = 0
	ValueTypeInt8    ValueType = 1
	ValueTypeUint16  ValueType = 2
	ValueTypeInt16   ValueType = 3
	ValueTypeUint32  ValueType = 4
	ValueTypeInt32   ValueType = 5
	ValueTypeFloat32 ValueType = 6
	ValueTypeBool    ValueType = 7
	ValueTypeString  ValueType = 8
	ValueTypeArray   ValueType = 9
	ValueTypeUint64  ValueType = 10
	ValueTypeInt64   ValueType = 11
	ValueTypeFloat64 ValueType = 12
)

var valueTypeNames = [...]string{
	"uint8", "int8", "uint16", "int16", "uint32", "int32",
	"float32", "bool", "string", "array", "uint64", "int64", "float64",
}

// Known reports whether t is a recognized type tag.
func (t ValueType) Known() bool {
	return int(t) < len(valueTypeNames)
}

// String returns the string representation of the value type.
func (t ValueType) String() string {
	if t.Known() {
		return valueTypeNames[t]
	}
	return fmt.Sprintf("unknown(%d)", uint32(t))
}

// fixedSize returns the encoded size of scalar types, or 0 for variable
// length types.
func (t ValueType) fixedSize() uint64 {
	switch t {
	case ValueTypeUint8, ValueTypeInt8, ValueTypeBool:
		return 1
	case ValueTypeUint16, ValueTypeInt16:
		return 2
	case ValueTypeUint32, ValueTypeInt32, ValueTypeFloat32:
		return 4
	case ValueTypeUint64, ValueTypeInt64, ValueTypeFloat64:
		return 8
	default:
		return 0
	}
}

// GGMLType is the element or quantization type of a tensor.
type GGMLType uint32

// GGML tensor types.
//
//nolint:revive // Underscores in names match the upstream type names.
const (
	GGMLTypeF32  GGMLType = 0
	GGMLTypeF16  GGMLType = 1
	GGMLTypeQ4_0 GGMLType = 2
	GGMLTypeQ4_1 GGMLType = 3
	// Types 4 and 5 were removed upstream and are rejected.
	GGMLTypeQ5_0    GGMLType = 6
	GGMLTypeQ5_1    GGMLType = 7
	GGMLTypeQ8_0    GGMLType = 8
	GGMLTypeQ8_1    GGMLType = 9
	GGMLTypeQ2_K    GGMLType = 10
	GGMLTypeQ3_K    GGMLType = 11
	GGMLTypeQ4_K    GGMLType = 12
	GGMLTypeQ5_K    GGMLType = 13
	GGMLTypeQ6_K    GGMLType = 14
	GGMLTypeQ8_K    GGMLType = 15
	GGMLTypeIQ2_XXS GGMLType = 16
	GGMLTypeIQ2_XS  GGMLType = 17
	GGMLTypeIQ3_XXS GGMLType = 18
	GGMLTypeIQ1_S   GGMLType = 19
	GGMLTypeIQ4_NL  GGMLType = 20
	GGMLTypeIQ3_S   GGMLType = 21
	GGMLTypeIQ2_S   GGMLType = 22
	GGMLTypeIQ4_XS  GGMLType = 23
	GGMLTypeI8      GGMLType = 24
	GGMLTypeI16     GGMLType = 25
	GGMLTypeI32     GGMLType = 26
	GGMLTypeI64     GGMLType = 27
	GGMLTypeF64     GGMLType = 28
	GGMLTypeBF16    GGMLType = 29
)

// TypeTrait describes the storage of a GGML type.
type TypeTrait struct {
	Name      string
	BlockSize uint64 // Elements per block.
	TypeSize  uint64 // Bytes per block.
	Quantized bool
}

var typeTraits = map[GGMLType]TypeTrait{
	GGMLTypeF32:     {"F32", 1, 4, false},
	GGMLTypeF16:     {"F16", 1, 2, false},
	GGMLTypeQ4_0:    {"Q4_0", 32, 18, true},
	GGMLTypeQ4_1:    {"Q4_1", 32, 20, true},
	GGMLTypeQ5_0:    {"Q5_0", 32, 22, true},
	GGMLTypeQ5_1:    {"Q5_1", 32, 24, true},
	GGMLTypeQ8_0:    {"Q8_0", 32, 34, true},
	GGMLTypeQ8_1:    {"Q8_1", 32, 36, true},
	GGMLTypeQ2_K:    {"Q2_K", 256, 84, true},
	GGMLTypeQ3_K:    {"Q3_K", 256, 110, true},
	GGMLTypeQ4_K:    {"Q4_K", 256, 144, true},
	GGMLTypeQ5_K:    {"Q5_K", 256, 176, true},
	GGMLTypeQ6_K:    {"Q6_K", 256, 210, true},
	GGMLTypeQ8_K:    {"Q8_K", 256, 292, true},
	GGMLTypeIQ2_XXS: {"IQ2_XXS", 256, 66, true},
	GGMLTypeIQ2_XS:  {"IQ2_XS", 256, 74, true},
	GGMLTypeIQ3_XXS: {"IQ3_XXS", 256, 98, true},
	GGMLTypeIQ1_S:   {"IQ1_S", 256, 50, true},
	GGMLTypeIQ4_NL:  {"IQ4_NL", 32, 18, true},
	GGMLTypeIQ3_S:   {"IQ3_S", 256, 110, true},
	GGMLTypeIQ2_S:   {"IQ2_S", 256, 82, true},
	GGMLTypeIQ4_XS:  {"IQ4_XS", 256, 136, true},
	GGMLTypeI8:      {"I8", 1, 1, false},
	GGMLTypeI16:     {"I16", 1, 2, false},
	GGMLTypeI32:     {"I32", 1, 4, false},
	GGMLTypeI64:     {"I64", 1, 8, false},
	GGMLTypeF64:     {"F64", 1, 8, false},
	GGMLTypeBF16:    {"BF16", 1, 2, false},
}

// Trait returns the trait of t and whether t is known.
func (t GGMLType) Trait() (TypeTrait, bool) {
	trait, ok := typeTraits[t]
	return trait, ok
}

// String returns the upstream name of the type.
func (t GGMLType) String() string {
	if trait, ok := typeTraits[t]; ok {
		return trait.Name
	}
	return fmt.Sprintf("unknown(%d)", uint32(t))
}

// ByteSize returns the storage size of n elements of type t. It reports
// false when n is not a whole number of blocks or the size overflows.
func (trait TypeTrait) ByteSize(n uint64) (uint64, bool) {
	if trait.BlockSize == 0 || n%trait.BlockSize != 0 {
		return 0, false
	}
	blocks := n / trait.BlockSize
	if trait.TypeSize != 0 && blocks > ^uint64(0)/trait.TypeSize {
		return 0, false
	}
	return blocks * trait.TypeSize, true
}
