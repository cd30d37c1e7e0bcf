package onnx

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/born-ml/modelinspect/internal/finding"
	"github.com/born-ml/modelinspect/internal/model"
	"github.com/born-ml/modelinspect/internal/parallel"
	"github.com/born-ml/modelinspect/internal/rangecheck"
)

// DefaultUnusedTensorBytes is the size above which an initializer that no
// node consumes is reported.
const DefaultUnusedTensorBytes = 1 << 20

// DefaultDomainAllowList holds the operator domains shipped with the
// reference runtimes. The empty string is the default ai.onnx domain.
var DefaultDomainAllowList = []string{"", "ai.onnx", "ai.onnx.ml", "ai.onnx.training", "com.microsoft"}

// DefaultMetadataAllowList holds metadata_props keys written by common
// exporters.
var DefaultMetadataAllowList = []string{"author", "description", "license"}

// Options configures validation.
type Options struct {
	LargeTensorBytes  uint64
	UnusedTensorBytes uint64
	DomainAllowList   []string
	MetadataAllowList []string
	Workers           parallel.Config
}

func (o Options) withDefaults() Options {
	if o.UnusedTensorBytes == 0 {
		o.UnusedTensorBytes = DefaultUnusedTensorBytes
	}
	if o.DomainAllowList == nil {
		o.DomainAllowList = DefaultDomainAllowList
	}
	if o.MetadataAllowList == nil {
		o.MetadataAllowList = DefaultMetadataAllowList
	}
	return o
}

// initializer is a tensor together with its derived model descriptor.
type initializer struct {
	src  *Tensor
	desc model.Tensor
}

// Build converts m into a format-neutral model. The data region is the whole
// artifact, so tensor ranges are absolute raw_data offsets.
func Build(m *Model, size uint64) *model.ParsedModel {
	pm := &model.ParsedModel{
		Format:     model.FormatONNX,
		Version:    uint64(max(m.IRVersion, 0)),
		DataRegion: model.Region{Offset: 0, Length: size},
		Producer:   strings.TrimSpace(m.ProducerName + " " + m.ProducerVersion),
	}
	for _, e := range m.MetadataProps {
		pm.Metadata = append(pm.Metadata, model.MetadataEntry{Key: e.Key, Value: model.StringValue(e.Value)})
	}
	for _, in := range initializers(m.Graph) {
		pm.Tensors = append(pm.Tensors, in.desc)
	}
	pm.Normalize()
	return pm
}

// initializers collects the initializers of g and every nested graph.
func initializers(g *Graph) []initializer {
	var out []initializer
	eachGraph(g, func(g *Graph) {
		for i := range g.Initializers {
			t := &g.Initializers[i]
			out = append(out, initializer{src: t, desc: descriptor(t)})
		}
	})
	return out
}

func descriptor(t *Tensor) model.Tensor {
	d := model.Tensor{
		Name:  t.Name,
		DType: DataTypeName(t.DataType),
		Start: t.At,
		End:   t.At,
	}
	if d.DType == "" {
		d.DType = fmt.Sprintf("unknown(%d)", t.DataType)
	}
	for _, dim := range t.Dims {
		d.Shape = append(d.Shape, uint64(max(dim, 0)))
	}
	if t.HasRaw {
		d.Start = t.RawOffset
		d.End = t.RawOffset + t.RawLength
	}
	if n, ok := d.NumElements(); ok {
		d.ExpectedSize, d.KnownDType = ByteSize(t.DataType, n)
	}
	return d
}

// eachGraph visits g and its nested graphs depth first.
func eachGraph(g *Graph, fn func(*Graph)) {
	if g == nil {
		return
	}
	fn(g)
	for i := range g.Nodes {
		for _, sub := range g.Nodes[i].Subgraphs {
			eachGraph(sub, fn)
		}
	}
}

// Validate checks m and adds every violation to c.
func Validate(ctx context.Context, m *Model, size uint64, opts Options, c *finding.Collector) (*model.ParsedModel, error) {
	opts = opts.withDefaults()
	pm := Build(m, size)

	if m.Graph == nil || len(m.Graph.Nodes) == 0 {
		c.Add(finding.New(finding.CodeEmptyGraph, "model has no graph nodes"))
	}

	inits := initializers(m.Graph)
	refs := references(m.Graph)
	err := parallel.For(ctx, len(inits), func(i int) {
		c.Add(checkInitializer(&inits[i], refs, &opts)...)
	}, opts.Workers)
	if err != nil {
		return nil, err
	}

	eachGraph(m.Graph, func(g *Graph) {
		checkDuplicates(g, c)
	})
	checkDomains(m, opts.DomainAllowList, c)

	for _, e := range m.MetadataProps {
		if !slices.Contains(opts.MetadataAllowList, e.Key) {
			c.Add(finding.New(finding.CodeMetadataUnknownKey, "unrecognized metadata key %q", e.Key).
				WithEvidence("key", e.Key))
		}
	}
	return pm, nil
}

func checkInitializer(in *initializer, refs map[string]bool, opts *Options) []finding.Finding {
	t, d := in.src, &in.desc
	at := func(f finding.Finding) finding.Finding {
		return f.AtTensor(t.Name).AtOffset(t.At)
	}
	var out []finding.Finding

	if DataTypeName(t.DataType) == "" {
		out = append(out, at(finding.New(finding.CodeUnknownDType, "unknown data type %d", t.DataType).
			WithEvidence("data_type", t.DataType)))
	}

	size := d.ExpectedSize
	switch {
	case t.External:
		out = append(out, at(finding.New(finding.CodeExternalData, "initializer data is stored outside the artifact").
			WithEvidence("location", externalLocation(t))))
	case slices.ContainsFunc(t.Dims, func(v int64) bool { return v < 0 }):
		out = append(out, at(finding.New(finding.CodeSizeMismatch, "negative dimension in %v", t.Dims)))
	case t.HasRaw:
		size = t.RawLength
		if d.KnownDType && t.RawLength != d.ExpectedSize {
			out = append(out, at(finding.New(finding.CodeSizeMismatch,
				"raw_data holds %d bytes, %s%v needs %d", t.RawLength, d.DType, d.Shape, d.ExpectedSize).
				WithEvidence("declared", t.RawLength).
				WithEvidence("expected", d.ExpectedSize)))
		}
	case DataTypeName(t.DataType) != "":
		if f, ok := typedMismatch(t, d); ok {
			out = append(out, at(f))
		}
	}

	if opts.LargeTensorBytes > 0 && size > opts.LargeTensorBytes {
		out = append(out, rangecheck.Large(t.Name, t.At, size, opts.LargeTensorBytes))
	}
	if !refs[t.Name] && size > opts.UnusedTensorBytes {
		out = append(out, at(finding.New(finding.CodeUnreferencedTensor,
			"initializer of %d bytes is never consumed by a node (possible payload injection)", size).
			WithEvidence("bytes", size)))
	}
	return out
}

// typedMismatch compares the element count of the typed data fields with
// the shape. Complex values occupy two slots each.
func typedMismatch(t *Tensor, d *model.Tensor) (finding.Finding, bool) {
	n, ok := d.NumElements()
	if !ok {
		return finding.New(finding.CodeSizeMismatch, "shape %v overflows the element count", d.Shape), true
	}
	want := n
	if t.DataType == TensorProtoComplex64 || t.DataType == TensorProtoComplex128 {
		want, ok = model.MulSize(n, 2)
		if !ok {
			return finding.New(finding.CodeSizeMismatch, "shape %v overflows the element count", d.Shape), true
		}
	}
	if t.TypedElements == want {
		return finding.Finding{}, false
	}
	return finding.New(finding.CodeSizeMismatch,
		"typed data holds %d values, %s%v needs %d", t.TypedElements, d.DType, d.Shape, want).
		WithEvidence("declared", t.TypedElements).
		WithEvidence("expected", want), true
}

func externalLocation(t *Tensor) string {
	for _, e := range t.ExternalData {
		if e.Key == "location" {
			return e.Value
		}
	}
	return ""
}

// references returns every value name consumed by a node or exported as a
// graph output, across nested graphs.
func references(g *Graph) map[string]bool {
	refs := make(map[string]bool)
	eachGraph(g, func(g *Graph) {
		for i := range g.Nodes {
			for _, in := range g.Nodes[i].Inputs {
				refs[in] = true
			}
		}
		for _, out := range g.Outputs {
			refs[out] = true
		}
	})
	return refs
}

func checkDuplicates(g *Graph, c *finding.Collector) {
	seen := make(map[string]bool, len(g.Initializers))
	for _, t := range g.Initializers {
		if seen[t.Name] {
			c.Add(finding.New(finding.CodeDuplicateTensor, "initializer name is declared more than once").
				AtTensor(t.Name).AtOffset(t.At))
			continue
		}
		seen[t.Name] = true
	}
}

// checkDomains reports each opset import or node domain outside allow once.
func checkDomains(m *Model, allow []string, c *finding.Collector) {
	reported := make(map[string]bool)
	report := func(domain, where string) {
		if reported[domain] || slices.Contains(allow, domain) {
			return
		}
		reported[domain] = true
		c.Add(finding.New(finding.CodeUnknownOpsetDomain, "%s uses unrecognized domain %q", where, domain).
			WithEvidence("domain", domain))
	}
	for _, op := range m.OpsetImport {
		report(op.Domain, "opset import")
	}
	eachGraph(m.Graph, func(g *Graph) {
		for i := range g.Nodes {
			n := &g.Nodes[i]
			report(n.Domain, fmt.Sprintf("node %q (%s)", n.Name, n.OpType))
		}
	})
}

// Inspect parses data and validates the result. A decode error is recorded
// as a finding and yields no model.
func Inspect(ctx context.Context, data []byte, maxDepth int, opts Options, c *finding.Collector) (*model.ParsedModel, error) {
	m, err := Parse(data, maxDepth)
	if err != nil {
		c.Add(finding.FromError(err, finding.CodeMalformedGraph))
		return nil, nil
	}
	return Validate(ctx, m, uint64(len(data)), opts, c)
}
