// Package onnx decodes and validates ONNX-style graph containers.
//
// Only the parts of the protobuf schema needed for inspection are decoded:
// model header fields, operator set imports, metadata, graph nodes and
// initializers (including graphs nested in node attributes). Initializer
// payloads are never copied; raw_data is recorded by its artifact offset.
package onnx

// Model is the decoded ModelProto.
type Model struct {
	IRVersion       int64
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	DocString       string
	Graph           *Graph
	OpsetImport     []OperatorSetID
	MetadataProps   []StringStringEntry
}

// Graph is the decoded GraphProto.
type Graph struct {
	Name         string
	Nodes        []Node
	Initializers []Tensor
	Inputs       []string // Value info names.
	Outputs      []string
}

// Node is the decoded NodeProto. Subgraphs holds graphs found in the
// node's attributes (e.g. If and Loop bodies).
type Node struct {
	Name      string
	OpType    string
	Domain    string
	Inputs    []string
	Outputs   []string
	Subgraphs []*Graph
}

// Tensor is the decoded TensorProto.
type Tensor struct {
	Name     string
	DataType int32
	Dims     []int64
	At       uint64 // Artifact offset of the TensorProto record.

	HasRaw    bool
	RawOffset uint64 // Artifact offset of raw_data.
	RawLength uint64

	// TypedElements counts values stored in the typed repeated fields
	// (float_data, int32_data, string_data, int64_data, double_data,
	// uint64_data).
	TypedElements uint64

	External     bool // data_location == EXTERNAL
	ExternalData []StringStringEntry
}

// OperatorSetID identifies an opset import.
type OperatorSetID struct {
	Domain  string
	Version int64
}

// StringStringEntry is a key-value pair.
type StringStringEntry struct {
	Key   string
	Value string
}

// TensorProto data types.
const (
	TensorProtoUndefined      = 0
	TensorProtoFloat          = 1
	TensorProtoUint8          = 2
	TensorProtoInt8           = 3
	TensorProtoUint16         = 4
	TensorProtoInt16          = 5
	TensorProtoInt32          = 6
	TensorProtoInt64          = 7
	TensorProtoString         = 8
	TensorProtoBool           = 9
	TensorProtoFloat16        = 10
	TensorProtoDouble         = 11
	TensorProtoUint32         = 12
	TensorProtoUint64         = 13
	TensorProtoComplex64      = 14
	TensorProtoComplex128     = 15
	TensorProtoBfloat16       = 16
	TensorProtoFloat8E4M3FN   = 17
	TensorProtoFloat8E4M3FNUZ = 18
	TensorProtoFloat8E5M2     = 19
	TensorProtoFloat8E5M2FNUZ = 20
	TensorProtoUint4          = 21
	TensorProtoInt4           = 22
	TensorProtoFloat4E2M1     = 23
)

// dataTypeBits is the storage width of each fixed-size data type in bits.
var dataTypeBits = map[int32]uint64{
	TensorProtoFloat:          32,
	TensorProtoUint8:          8,
	TensorProtoInt8:           8,
	TensorProtoUint16:         16,
	TensorProtoInt16:          16,
	TensorProtoInt32:          32,
	TensorProtoInt64:          64,
	TensorProtoBool:           8,
	TensorProtoFloat16:        16,
	TensorProtoDouble:         64,
	TensorProtoUint32:         32,
	TensorProtoUint64:         64,
	TensorProtoComplex64:      64,
	TensorProtoComplex128:     128,
	TensorProtoBfloat16:       16,
	TensorProtoFloat8E4M3FN:   8,
	TensorProtoFloat8E4M3FNUZ: 8,
	TensorProtoFloat8E5M2:     8,
	TensorProtoFloat8E5M2FNUZ: 8,
	TensorProtoUint4:          4,
	TensorProtoInt4:           4,
	TensorProtoFloat4E2M1:     4,
}

var dataTypeNames = map[int32]string{
	TensorProtoFloat: "FLOAT", TensorProtoUint8: "UINT8", TensorProtoInt8: "INT8",
	TensorProtoUint16: "UINT16", TensorProtoInt16: "INT16", TensorProtoInt32: "INT32",
	TensorProtoInt64: "INT64", TensorProtoString: "STRING", TensorProtoBool: "BOOL",
	TensorProtoFloat16: "FLOAT16", TensorProtoDouble: "DOUBLE", TensorProtoUint32: "UINT32",
	TensorProtoUint64: "UINT64", TensorProtoComplex64: "COMPLEX64", TensorProtoComplex128: "COMPLEX128",
	TensorProtoBfloat16: "BFLOAT16", TensorProtoFloat8E4M3FN: "FLOAT8E4M3FN",
	TensorProtoFloat8E4M3FNUZ: "FLOAT8E4M3FNUZ", TensorProtoFloat8E5M2: "FLOAT8E5M2",
	TensorProtoFloat8E5M2FNUZ: "FLOAT8E5M2FNUZ", TensorProtoUint4: "UINT4", TensorProtoInt4: "INT4",
	TensorProtoFloat4E2M1: "FLOAT4E2M1",
}

// DataTypeName returns the schema name of a data type, or "" if unknown.
func DataTypeName(dt int32) string {
	return dataTypeNames[dt]
}

// ByteSize returns the raw_data length required for n elements of dt.
// Sub-byte types are packed and rounded up to whole bytes. It reports false
// for unknown and variable-size types.
func ByteSize(dt int32, n uint64) (uint64, bool) {
	bits, ok := dataTypeBits[dt]
	if !ok {
		return 0, false
	}
	if bits < 8 {
		return n/2 + n%2, true
	}
	width := bits / 8
	if n > ^uint64(0)/width {
		return 0, false
	}
	return n * width, true
}
