package onnx

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/born-ml/modelinspect/internal/finding"
)

// DefaultMaxDepth bounds graph nesting through node attributes.
const DefaultMaxDepth = 4

// ModelProto field numbers.
const (
	modelIRVersion       = 1
	modelProducerName    = 2
	modelProducerVersion = 3
	modelDomain          = 4
	modelModelVersion    = 5
	modelDocString       = 6
	modelGraph           = 7
	modelOpsetImport     = 8
	modelMetadataProps   = 14
)

// GraphProto field numbers.
const (
	graphNode        = 1
	graphName        = 2
	graphInitializer = 5
	graphInput       = 11
	graphOutput      = 12
)

// NodeProto field numbers.
const (
	nodeInput     = 1
	nodeOutput    = 2
	nodeName      = 3
	nodeOpType    = 4
	nodeAttribute = 5
	nodeDomain    = 7
)

// AttributeProto field numbers for graph-valued attributes.
const (
	attrG      = 6
	attrGraphs = 11
)

// TensorProto field numbers.
const (
	tensorDims         = 1
	tensorDataType     = 2
	tensorFloatData    = 4
	tensorInt32Data    = 5
	tensorStringData   = 6
	tensorInt64Data    = 7
	tensorName         = 8
	tensorRawData      = 9
	tensorDoubleData   = 10
	tensorUint64Data   = 11
	tensorExternalData = 13
	tensorDataLocation = 14
)

const dataLocationExternal = 1

// field is one decoded protobuf field.
type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	bytes  []byte
	offset uint64 // Artifact offset of the value (content start for bytes).
}

// decoder walks protobuf messages while tracking artifact offsets.
type decoder struct {
	maxDepth int
}

// Parse decodes a ModelProto from data.
//
// Any decode failure aborts: the returned error is a *finding.ParseError
// with code MALFORMED_GRAPH (or NESTING_TOO_DEEP) and no model is returned.
func Parse(data []byte, maxDepth int) (*Model, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	d := &decoder{maxDepth: maxDepth}
	m := &Model{}
	if err := d.model(data, m); err != nil {
		return nil, err
	}
	return m, nil
}

// walk calls fn for every field of the message in b, which starts at
// artifact offset base.
func walk(b []byte, base uint64, fn func(f field) error) error {
	off := base
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return malformed(off, protowire.ParseError(n))
		}
		off += uint64(n)
		b = b[n:]

		f := field{num: num, typ: typ, offset: off}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				f.offset = off + uint64(n-len(f.bytes))
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return malformed(off, protowire.ParseError(n))
		}
		off += uint64(n)
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func malformed(off uint64, err error) error {
	return &finding.ParseError{Code: finding.CodeMalformedGraph, Offset: off, Err: err}
}

var errWireType = errors.New("unexpected wire type")

func (f field) str() (string, error) {
	if f.typ != protowire.BytesType {
		return "", malformed(f.offset, fmt.Errorf("field %d: %w", f.num, errWireType))
	}
	return string(f.bytes), nil
}

func (f field) int() (int64, error) {
	if f.typ != protowire.VarintType {
		return 0, malformed(f.offset, fmt.Errorf("field %d: %w", f.num, errWireType))
	}
	return int64(f.varint), nil //nolint:gosec // G115: protobuf int64 is two's complement
}

func (f field) message() ([]byte, error) {
	if f.typ != protowire.BytesType {
		return nil, malformed(f.offset, fmt.Errorf("field %d: %w", f.num, errWireType))
	}
	return f.bytes, nil
}

func (d *decoder) model(data []byte, m *Model) error {
	return walk(data, 0, func(f field) error {
		var err error
		switch f.num {
		case modelIRVersion:
			m.IRVersion, err = f.int()
		case modelProducerName:
			m.ProducerName, err = f.str()
		case modelProducerVersion:
			m.ProducerVersion, err = f.str()
		case modelDomain:
			m.Domain, err = f.str()
		case modelModelVersion:
			m.ModelVersion, err = f.int()
		case modelDocString:
			m.DocString, err = f.str()
		case modelGraph:
			var b []byte
			if b, err = f.message(); err == nil {
				m.Graph = &Graph{}
				err = d.graph(b, f.offset, m.Graph, 1)
			}
		case modelOpsetImport:
			var op OperatorSetID
			if err = d.opset(f, &op); err == nil {
				m.OpsetImport = append(m.OpsetImport, op)
			}
		case modelMetadataProps:
			var e StringStringEntry
			if err = entry(f, &e); err == nil {
				m.MetadataProps = append(m.MetadataProps, e)
			}
		}
		return err
	})
}

func (d *decoder) graph(b []byte, base uint64, g *Graph, depth int) error {
	if depth > d.maxDepth {
		return finding.Errorf(finding.CodeNestingTooDeep, base,
			"graph nesting depth %d exceeds limit %d", depth, d.maxDepth)
	}
	return walk(b, base, func(f field) error {
		var err error
		switch f.num {
		case graphNode:
			var n Node
			if err = d.node(f, &n, depth); err == nil {
				g.Nodes = append(g.Nodes, n)
			}
		case graphName:
			g.Name, err = f.str()
		case graphInitializer:
			var t Tensor
			if err = d.tensor(f, &t); err == nil {
				g.Initializers = append(g.Initializers, t)
			}
		case graphInput, graphOutput:
			var name string
			if name, err = valueInfoName(f); err == nil {
				if f.num == graphInput {
					g.Inputs = append(g.Inputs, name)
				} else {
					g.Outputs = append(g.Outputs, name)
				}
			}
		}
		return err
	})
}

func (d *decoder) node(f field, n *Node, depth int) error {
	b, err := f.message()
	if err != nil {
		return err
	}
	return walk(b, f.offset, func(f field) error {
		var err error
		var s string
		switch f.num {
		case nodeInput:
			if s, err = f.str(); err == nil {
				n.Inputs = append(n.Inputs, s)
			}
		case nodeOutput:
			if s, err = f.str(); err == nil {
				n.Outputs = append(n.Outputs, s)
			}
		case nodeName:
			n.Name, err = f.str()
		case nodeOpType:
			n.OpType, err = f.str()
		case nodeDomain:
			n.Domain, err = f.str()
		case nodeAttribute:
			err = d.attribute(f, n, depth)
		}
		return err
	})
}

// attribute keeps only graph-valued attributes; scalar attributes are
// irrelevant to inspection.
func (d *decoder) attribute(f field, n *Node, depth int) error {
	b, err := f.message()
	if err != nil {
		return err
	}
	return walk(b, f.offset, func(f field) error {
		if f.num != attrG && f.num != attrGraphs {
			return nil
		}
		sb, err := f.message()
		if err != nil {
			return err
		}
		g := &Graph{}
		if err := d.graph(sb, f.offset, g, depth+1); err != nil {
			return err
		}
		n.Subgraphs = append(n.Subgraphs, g)
		return nil
	})
}

//nolint:gocyclo,cyclop // One case per TensorProto field.
func (d *decoder) tensor(f field, t *Tensor) error {
	b, err := f.message()
	if err != nil {
		return err
	}
	t.At = f.offset
	return walk(b, f.offset, func(f field) error {
		var err error
		switch f.num {
		case tensorDims:
			err = repeatedVarint(f, func(v uint64) {
				t.Dims = append(t.Dims, int64(v)) //nolint:gosec // G115: two's complement
			})
		case tensorDataType:
			var v int64
			v, err = f.int()
			t.DataType = int32(v) //nolint:gosec // G115: enum value
		case tensorName:
			t.Name, err = f.str()
		case tensorRawData:
			if _, err = f.message(); err == nil {
				t.HasRaw = true
				t.RawOffset = f.offset
				t.RawLength = uint64(len(f.bytes))
			}
		case tensorFloatData:
			err = countFixed(f, 4, &t.TypedElements)
		case tensorDoubleData:
			err = countFixed(f, 8, &t.TypedElements)
		case tensorInt32Data, tensorInt64Data, tensorUint64Data:
			err = repeatedVarint(f, func(uint64) { t.TypedElements++ })
		case tensorStringData:
			if _, err = f.message(); err == nil {
				t.TypedElements++
			}
		case tensorExternalData:
			var e StringStringEntry
			if err = entry(f, &e); err == nil {
				t.ExternalData = append(t.ExternalData, e)
			}
		case tensorDataLocation:
			var v int64
			v, err = f.int()
			t.External = v == dataLocationExternal
		}
		return err
	})
}

// repeatedVarint decodes a repeated varint field in packed or unpacked form.
func repeatedVarint(f field, fn func(uint64)) error {
	switch f.typ {
	case protowire.VarintType:
		fn(f.varint)
		return nil
	case protowire.BytesType:
		b, off := f.bytes, f.offset
		for len(b) > 0 {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return malformed(off, protowire.ParseError(n))
			}
			fn(v)
			b = b[n:]
			off += uint64(n)
		}
		return nil
	default:
		return malformed(f.offset, fmt.Errorf("field %d: %w", f.num, errWireType))
	}
}

// countFixed counts the elements of a repeated fixed-width field.
func countFixed(f field, width int, count *uint64) error {
	switch {
	case f.typ == protowire.BytesType && len(f.bytes)%width == 0:
		*count += uint64(len(f.bytes) / width)
	case f.typ == protowire.Fixed32Type && width == 4, f.typ == protowire.Fixed64Type && width == 8:
		*count++
	default:
		return malformed(f.offset, fmt.Errorf("field %d: bad packed length or wire type", f.num))
	}
	return nil
}

func (d *decoder) opset(f field, op *OperatorSetID) error {
	b, err := f.message()
	if err != nil {
		return err
	}
	return walk(b, f.offset, func(f field) error {
		var err error
		switch f.num {
		case 1:
			op.Domain, err = f.str()
		case 2:
			op.Version, err = f.int()
		}
		return err
	})
}

func entry(f field, e *StringStringEntry) error {
	b, err := f.message()
	if err != nil {
		return err
	}
	return walk(b, f.offset, func(f field) error {
		var err error
		switch f.num {
		case 1:
			e.Key, err = f.str()
		case 2:
			e.Value, err = f.str()
		}
		return err
	})
}

// valueInfoName returns ValueInfoProto.name.
func valueInfoName(f field) (string, error) {
	b, err := f.message()
	if err != nil {
		return "", err
	}
	var name string
	err = walk(b, f.offset, func(f field) error {
		if f.num == 1 {
			var err error
			name, err = f.str()
			return err
		}
		return nil
	})
	return name, err
}
