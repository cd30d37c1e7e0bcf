package onnx

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/born-ml/modelinspect/internal/finding"
	"github.com/born-ml/modelinspect/internal/model"
)

// Protobuf fixture helpers.

func fields(parts ...[]byte) []byte {
	var b []byte
	for _, p := range parts {
		b = append(b, p...)
	}
	return b
}

func varintField(num protowire.Number, v uint64) []byte {
	b := protowire.AppendTag(nil, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func bytesField(num protowire.Number, v []byte) []byte {
	b := protowire.AppendTag(nil, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func stringField(num protowire.Number, s string) []byte {
	b := protowire.AppendTag(nil, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func buildNode(name, opType, domain string, inputs, outputs []string, attrs ...[]byte) []byte {
	var parts [][]byte
	for _, in := range inputs {
		parts = append(parts, stringField(nodeInput, in))
	}
	for _, out := range outputs {
		parts = append(parts, stringField(nodeOutput, out))
	}
	parts = append(parts, stringField(nodeName, name), stringField(nodeOpType, opType))
	if domain != "" {
		parts = append(parts, stringField(nodeDomain, domain))
	}
	for _, a := range attrs {
		parts = append(parts, bytesField(nodeAttribute, a))
	}
	return fields(parts...)
}

func graphAttribute(name string, g []byte) []byte {
	return fields(stringField(1, name), bytesField(attrG, g))
}

func buildTensor(name string, dtype int32, dims []int64, raw []byte) []byte {
	var parts [][]byte
	for _, d := range dims {
		parts = append(parts, varintField(tensorDims, uint64(d)))
	}
	parts = append(parts, varintField(tensorDataType, uint64(dtype)), stringField(tensorName, name))
	if raw != nil {
		parts = append(parts, bytesField(tensorRawData, raw))
	}
	return fields(parts...)
}

func valueInfo(name string) []byte {
	return stringField(1, name)
}

func buildGraph(name string, nodes, inits [][]byte, inputs, outputs []string) []byte {
	var parts [][]byte
	for _, n := range nodes {
		parts = append(parts, bytesField(graphNode, n))
	}
	parts = append(parts, stringField(graphName, name))
	for _, t := range inits {
		parts = append(parts, bytesField(graphInitializer, t))
	}
	for _, in := range inputs {
		parts = append(parts, bytesField(graphInput, valueInfo(in)))
	}
	for _, out := range outputs {
		parts = append(parts, bytesField(graphOutput, valueInfo(out)))
	}
	return fields(parts...)
}

func opset(domain string, version uint64) []byte {
	return fields(stringField(1, domain), varintField(2, version))
}

func buildModel(graph []byte, extra ...[]byte) []byte {
	parts := [][]byte{
		varintField(modelIRVersion, 7),
		stringField(modelProducerName, "pytorch"),
		stringField(modelProducerVersion, "2.1"),
		bytesField(modelOpsetImport, opset("", 17)),
	}
	parts = append(parts, extra...)
	if graph != nil {
		parts = append(parts, bytesField(modelGraph, graph))
	}
	return fields(parts...)
}

// buildSimpleAddModel builds Z = X + Y.
func buildSimpleAddModel() []byte {
	g := buildGraph("add",
		[][]byte{buildNode("add0", "Add", "", []string{"X", "Y"}, []string{"Z"})},
		nil, []string{"X", "Y"}, []string{"Z"})
	return buildModel(g)
}

func float32s(n int) []byte {
	b := make([]byte, 4*n)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(float32(i)))
	}
	return b
}

// buildMatMulModel builds Y = X · W with a 4x4 float initializer W.
func buildMatMulModel() ([]byte, []byte) {
	raw := float32s(16)
	g := buildGraph("matmul",
		[][]byte{buildNode("mm", "MatMul", "", []string{"X", "W"}, []string{"Y"})},
		[][]byte{buildTensor("W", TensorProtoFloat, []int64{4, 4}, raw)},
		[]string{"X"}, []string{"Y"})
	return buildModel(g), raw
}

func inspect(t *testing.T, data []byte, opts Options) (*model.ParsedModel, []finding.Finding) {
	t.Helper()
	c := finding.NewCollector()
	m, err := Inspect(context.Background(), data, 0, opts, c)
	require.NoError(t, err)
	return m, c.Findings()
}

func codes(fs []finding.Finding) []finding.Code {
	out := make([]finding.Code, 0, len(fs))
	for _, f := range fs {
		out = append(out, f.Code)
	}
	return out
}

func TestParseSimpleAdd(t *testing.T) {
	m, err := Parse(buildSimpleAddModel(), 0)
	require.NoError(t, err)

	assert.Equal(t, int64(7), m.IRVersion)
	assert.Equal(t, "pytorch", m.ProducerName)
	require.Len(t, m.OpsetImport, 1)
	assert.Equal(t, OperatorSetID{Domain: "", Version: 17}, m.OpsetImport[0])

	require.NotNil(t, m.Graph)
	assert.Equal(t, "add", m.Graph.Name)
	require.Len(t, m.Graph.Nodes, 1)
	n := m.Graph.Nodes[0]
	assert.Equal(t, "Add", n.OpType)
	assert.Equal(t, []string{"X", "Y"}, n.Inputs)
	assert.Equal(t, []string{"Z"}, n.Outputs)
	assert.Equal(t, []string{"X", "Y"}, m.Graph.Inputs)
	assert.Equal(t, []string{"Z"}, m.Graph.Outputs)
}

func TestParseInitializerOffsets(t *testing.T) {
	data, raw := buildMatMulModel()
	m, err := Parse(data, 0)
	require.NoError(t, err)

	require.Len(t, m.Graph.Initializers, 1)
	w := m.Graph.Initializers[0]
	assert.Equal(t, "W", w.Name)
	assert.Equal(t, int32(TensorProtoFloat), w.DataType)
	assert.Equal(t, []int64{4, 4}, w.Dims)
	require.True(t, w.HasRaw)
	assert.Equal(t, uint64(len(raw)), w.RawLength)
	assert.Equal(t, raw, data[w.RawOffset:w.RawOffset+w.RawLength])
}

func TestParsePackedFields(t *testing.T) {
	var dims []byte
	dims = protowire.AppendVarint(dims, 2)
	dims = protowire.AppendVarint(dims, 3)
	var floats []byte
	for i := 0; i < 6; i++ {
		floats = protowire.AppendFixed32(floats, math.Float32bits(1))
	}
	tensor := fields(
		bytesField(tensorDims, dims),
		varintField(tensorDataType, TensorProtoFloat),
		stringField(tensorName, "packed"),
		bytesField(tensorFloatData, floats),
	)
	g := buildGraph("g",
		[][]byte{buildNode("n", "Relu", "", []string{"packed"}, []string{"y"})},
		[][]byte{tensor}, nil, []string{"y"})

	m, err := Parse(buildModel(g), 0)
	require.NoError(t, err)
	require.Len(t, m.Graph.Initializers, 1)
	got := m.Graph.Initializers[0]
	assert.Equal(t, []int64{2, 3}, got.Dims)
	assert.Equal(t, uint64(6), got.TypedElements)
	assert.False(t, got.HasRaw)
}

func TestParseMalformed(t *testing.T) {
	valid := buildSimpleAddModel()

	tests := []struct {
		name string
		data []byte
		code finding.Code
	}{
		{"truncated tag", []byte{0x80}, finding.CodeMalformedGraph},
		{"truncated graph", valid[:len(valid)-3], finding.CodeMalformedGraph},
		{"length past end", fields(protowire.AppendTag(nil, modelGraph, protowire.BytesType), []byte{0x7f, 0x00}), finding.CodeMalformedGraph},
		{"string as varint", varintField(modelProducerName, 1), finding.CodeMalformedGraph},
		{"graph as varint", varintField(modelGraph, 1), finding.CodeMalformedGraph},
		{"reserved field number", []byte{0x00, 0x01}, finding.CodeMalformedGraph},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Parse(tt.data, 0)
			require.Error(t, err)
			assert.Nil(t, m)

			var pe *finding.ParseError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.code, pe.Code)
		})
	}
}

// nestedModel builds a model whose graph nests depth levels deep through
// If-node branch attributes.
func nestedModel(depth int) []byte {
	g := buildGraph("leaf",
		[][]byte{buildNode("leaf", "Identity", "", []string{"x"}, []string{"y"})},
		nil, nil, []string{"y"})
	for i := 1; i < depth; i++ {
		g = buildGraph("outer",
			[][]byte{buildNode("if", "If", "", []string{"cond"}, []string{"y"}, graphAttribute("then_branch", g))},
			nil, nil, []string{"y"})
	}
	return buildModel(g)
}

func TestParseNesting(t *testing.T) {
	m, err := Parse(nestedModel(DefaultMaxDepth), 0)
	require.NoError(t, err)
	require.Len(t, m.Graph.Nodes, 1)
	require.Len(t, m.Graph.Nodes[0].Subgraphs, 1)

	_, err = Parse(nestedModel(DefaultMaxDepth+1), 0)
	var pe *finding.ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, finding.CodeNestingTooDeep, pe.Code)

	_, err = Parse(nestedModel(3), 2)
	require.Error(t, err)
}

func TestInspectValid(t *testing.T) {
	data, _ := buildMatMulModel()
	m, fs := inspect(t, data, Options{})

	assert.Empty(t, fs)
	require.NotNil(t, m)
	assert.Equal(t, model.FormatONNX, m.Format)
	assert.Equal(t, uint64(7), m.Version)
	assert.Equal(t, "pytorch 2.1", m.Producer)
	assert.Equal(t, model.Region{Offset: 0, Length: uint64(len(data))}, m.DataRegion)

	var w *model.Tensor
	for i := range m.Tensors {
		if m.Tensors[i].Name == "W" {
			w = &m.Tensors[i]
		}
	}
	require.NotNil(t, w)
	assert.Equal(t, "FLOAT", w.DType)
	assert.Equal(t, []uint64{4, 4}, w.Shape)
	assert.True(t, w.KnownDType)
	assert.Equal(t, uint64(64), w.ExpectedSize)
	assert.Equal(t, uint64(64), w.Size())
}

func TestInspectMalformedHasNoModel(t *testing.T) {
	m, fs := inspect(t, []byte{0x80}, Options{})
	assert.Nil(t, m)
	assert.Equal(t, []finding.Code{finding.CodeMalformedGraph}, codes(fs))
}

func TestValidate(t *testing.T) {
	mm := func(inits ...[]byte) []byte {
		return buildModel(buildGraph("g",
			[][]byte{buildNode("mm", "MatMul", "", []string{"X", "W"}, []string{"Y"})},
			inits, []string{"X"}, []string{"Y"}))
	}
	external := fields(
		varintField(tensorDims, 4),
		varintField(tensorDataType, TensorProtoFloat),
		stringField(tensorName, "W"),
		bytesField(tensorExternalData, fields(stringField(1, "location"), stringField(2, "weights.bin"))),
		varintField(tensorDataLocation, dataLocationExternal),
	)

	tests := []struct {
		name string
		data []byte
		opts Options
		want []finding.Code
	}{
		{
			name: "no graph",
			data: buildModel(nil),
			want: []finding.Code{finding.CodeEmptyGraph},
		},
		{
			name: "graph without nodes",
			data: buildModel(buildGraph("g", nil, nil, nil, nil)),
			want: []finding.Code{finding.CodeEmptyGraph},
		},
		{
			name: "raw data too short",
			data: mm(buildTensor("W", TensorProtoFloat, []int64{4, 4}, float32s(15))),
			want: []finding.Code{finding.CodeSizeMismatch},
		},
		{
			name: "unknown data type",
			data: mm(buildTensor("W", 99, []int64{4}, make([]byte, 4))),
			want: []finding.Code{finding.CodeUnknownDType},
		},
		{
			name: "sub-byte type rounds up",
			data: mm(buildTensor("W", TensorProtoInt4, []int64{3}, make([]byte, 2))),
			want: nil,
		},
		{
			name: "external data",
			data: mm(external),
			want: []finding.Code{finding.CodeExternalData},
		},
		{
			name: "duplicate initializer",
			data: mm(
				buildTensor("W", TensorProtoFloat, []int64{1}, float32s(1)),
				buildTensor("W", TensorProtoFloat, []int64{1}, float32s(1)),
			),
			want: []finding.Code{finding.CodeDuplicateTensor},
		},
		{
			name: "unreferenced initializer",
			data: mm(
				buildTensor("W", TensorProtoFloat, []int64{1}, float32s(1)),
				buildTensor("payload", TensorProtoUint8, []int64{64}, make([]byte, 64)),
			),
			opts: Options{UnusedTensorBytes: 32},
			want: []finding.Code{finding.CodeUnreferencedTensor},
		},
		{
			name: "small unreferenced initializer",
			data: mm(
				buildTensor("W", TensorProtoFloat, []int64{1}, float32s(1)),
				buildTensor("spare", TensorProtoUint8, []int64{8}, make([]byte, 8)),
			),
			want: nil,
		},
		{
			name: "large initializer",
			data: mm(buildTensor("W", TensorProtoFloat, []int64{4, 4}, float32s(16))),
			opts: Options{LargeTensorBytes: 32},
			want: []finding.Code{finding.CodeLargeTensor},
		},
		{
			name: "unknown node domain",
			data: buildModel(buildGraph("g",
				[][]byte{
					buildNode("a", "Custom", "evil.ops", []string{"X"}, []string{"Y"}),
					buildNode("b", "Custom", "evil.ops", []string{"Y"}, []string{"Z"}),
				},
				nil, []string{"X"}, []string{"Z"})),
			want: []finding.Code{finding.CodeUnknownOpsetDomain},
		},
		{
			name: "unknown opset import",
			data: buildModel(buildSimpleGraph(), bytesField(modelOpsetImport, opset("vendor.x", 1))),
			want: []finding.Code{finding.CodeUnknownOpsetDomain},
		},
		{
			name: "metadata keys",
			data: buildModel(buildSimpleGraph(),
				bytesField(modelMetadataProps, fields(stringField(1, "author"), stringField(2, "me"))),
				bytesField(modelMetadataProps, fields(stringField(1, "exec"), stringField(2, "rm -rf"))),
			),
			want: []finding.Code{finding.CodeMetadataUnknownKey},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, fs := inspect(t, tt.data, tt.opts)
			assert.ElementsMatch(t, tt.want, codes(fs))
		})
	}
}

func buildSimpleGraph() []byte {
	return buildGraph("add",
		[][]byte{buildNode("add0", "Add", "", []string{"X", "Y"}, []string{"Z"})},
		nil, []string{"X", "Y"}, []string{"Z"})
}

func TestValidateReferencesInsideSubgraph(t *testing.T) {
	// W is only consumed by a node inside the then_branch subgraph.
	body := buildGraph("then",
		[][]byte{buildNode("mm", "MatMul", "", []string{"X", "W"}, []string{"Y"})},
		nil, nil, []string{"Y"})
	g := buildGraph("main",
		[][]byte{buildNode("if", "If", "", []string{"cond"}, []string{"Y"}, graphAttribute("then_branch", body))},
		[][]byte{buildTensor("W", TensorProtoFloat, []int64{16}, float32s(16))},
		[]string{"cond", "X"}, []string{"Y"})

	_, fs := inspect(t, buildModel(g), Options{UnusedTensorBytes: 8})
	assert.Empty(t, fs)
}

func TestValidateTypedData(t *testing.T) {
	ints := func(n int) []byte {
		var b []byte
		for i := 0; i < n; i++ {
			b = append(b, varintField(tensorInt64Data, uint64(i))...)
		}
		return b
	}
	tensor := func(n int) []byte {
		return fields(
			varintField(tensorDims, 3),
			varintField(tensorDataType, TensorProtoInt64),
			stringField(tensorName, "shape"),
			ints(n),
		)
	}
	g := func(tensor []byte) []byte {
		return buildModel(buildGraph("g",
			[][]byte{buildNode("r", "Reshape", "", []string{"X", "shape"}, []string{"Y"})},
			[][]byte{tensor}, []string{"X"}, []string{"Y"}))
	}

	_, fs := inspect(t, g(tensor(3)), Options{})
	assert.Empty(t, fs)

	_, fs = inspect(t, g(tensor(2)), Options{})
	require.Len(t, fs, 1)
	assert.Equal(t, finding.CodeSizeMismatch, fs[0].Code)
	assert.Equal(t, "shape", fs[0].Location.Tensor)
}

func TestByteSize(t *testing.T) {
	tests := []struct {
		dt   int32
		n    uint64
		want uint64
		ok   bool
	}{
		{TensorProtoFloat, 10, 40, true},
		{TensorProtoDouble, 3, 24, true},
		{TensorProtoComplex128, 2, 32, true},
		{TensorProtoBfloat16, 5, 10, true},
		{TensorProtoFloat8E5M2, 7, 7, true},
		{TensorProtoUint4, 5, 3, true},
		{TensorProtoString, 1, 0, false},
		{TensorProtoUndefined, 1, 0, false},
		{TensorProtoInt64, math.MaxUint64, 0, false},
	}
	for _, tt := range tests {
		got, ok := ByteSize(tt.dt, tt.n)
		assert.Equal(t, tt.ok, ok, "dtype %d", tt.dt)
		assert.Equal(t, tt.want, got, "dtype %d", tt.dt)
	}
}
