// Package model holds the format-neutral result of parsing an artifact.
//
// A ParsedModel is produced once per inspection by a format parser and is
// read-only for every validator and scanner that runs afterwards.
package model

import (
	"fmt"
	"sort"
	"strings"
)

// Format is the detected artifact format.
type Format int

// Supported formats.
const (
	FormatUnknown Format = iota
	FormatSafeTensors
	FormatGGUF
	FormatONNX
)

// String returns the format name.
func (f Format) String() string {
	switch f {
	case FormatSafeTensors:
		return "safetensors"
	case FormatGGUF:
		return "gguf"
	case FormatONNX:
		return "onnx"
	default:
		return "unknown"
	}
}

// ParseFormat converts a format name into a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "safetensors":
		return FormatSafeTensors, nil
	case "gguf":
		return FormatGGUF, nil
	case "onnx":
		return FormatONNX, nil
	case "unknown":
		return FormatUnknown, nil
	default:
		return FormatUnknown, fmt.Errorf("unknown format %q", s)
	}
}

// Region is a byte range of the artifact.
type Region struct {
	Offset uint64 // Absolute start offset.
	Length uint64
}

// End returns the exclusive end offset of the region.
func (r Region) End() uint64 {
	return r.Offset + r.Length
}

// Tensor describes one tensor declared by an artifact.
type Tensor struct {
	Name  string
	DType string   // Format-specific dtype name (e.g. "F32", "Q4_K", "FLOAT").
	Shape []uint64 // Dimension sizes, outermost first.

	// Start and End delimit the declared byte range [Start, End) relative to
	// the data region. They are the declared values and are not trusted.
	Start uint64
	End   uint64

	// ExpectedSize is width(dtype) × product(shape) when the dtype is known.
	ExpectedSize uint64
	KnownDType   bool
	Quantized    bool
}

// Size returns the declared byte length, or 0 for an inverted range.
func (t *Tensor) Size() uint64 {
	if t.End < t.Start {
		return 0
	}
	return t.End - t.Start
}

// NumElements returns the product of the shape and whether it fits in uint64.
// An empty shape is a scalar with one element.
func (t *Tensor) NumElements() (uint64, bool) {
	return Product(t.Shape)
}

// MetadataEntry is a typed key-value pair. Scope is empty for artifact-wide
// metadata, or the tensor name for per-tensor metadata.
type MetadataEntry struct {
	Scope string
	Key   string
	Value Value
}

// ParsedModel is the format-neutral parse result.
type ParsedModel struct {
	Format     Format
	Version    uint64
	Tensors    []Tensor
	Metadata   []MetadataEntry
	DataRegion Region
	Alignment  uint64 // Tensor data alignment (typed-KV containers), 0 if not applicable.
	Producer   string // Producing framework, when the format records one.
}

// Normalize sorts tensors by name and metadata by scope and key so that the
// model does not depend on the iteration order of any parser map.
func (m *ParsedModel) Normalize() {
	sort.SliceStable(m.Tensors, func(i, j int) bool {
		return m.Tensors[i].Name < m.Tensors[j].Name
	})
	sort.SliceStable(m.Metadata, func(i, j int) bool {
		a, b := m.Metadata[i], m.Metadata[j]
		if a.Scope != b.Scope {
			return a.Scope < b.Scope
		}
		return a.Key < b.Key
	})
}

// Product multiplies dims, reporting false on uint64 overflow.
// An empty slice yields 1.
func Product(dims []uint64) (uint64, bool) {
	n := uint64(1)
	for _, d := range dims {
		if d == 0 {
			return 0, true
		}
		if n > ^uint64(0)/d {
			return 0, false
		}
		n *= d
	}
	return n, true
}

// MulSize returns a × b, reporting false on uint64 overflow.
func MulSize(a, b uint64) (uint64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	if a > ^uint64(0)/b {
		return 0, false
	}
	return a * b, true
}
