package gguf

import (
	"context"

	"github.com/born-ml/modelinspect/internal/finding"
	"github.com/born-ml/modelinspect/internal/model"
	"github.com/born-ml/modelinspect/internal/parallel"
	"github.com/born-ml/modelinspect/internal/rangecheck"
)

// RequiredV2Keys must be present in version 2 artifacts.
var RequiredV2Keys = []string{
	"general.architecture",
	"tokenizer.ggml.model",
	"tokenizer.ggml.tokens",
}

// V2OnlyKeys were introduced with version 2 and are unexpected in version 1.
var V2OnlyKeys = []string{
	"general.file_type",
	"general.quantization_version",
	"tokenizer.chat_template",
	"tokenizer.ggml.pre",
}

// Options configures validation.
type Options struct {
	LargeTensorBytes uint64
	Workers          parallel.Config
}

// Build converts f into a format-neutral model and reports tensor table
// entries whose size cannot be derived.
func Build(f *File) (*model.ParsedModel, []finding.Finding) {
	m := &model.ParsedModel{
		Format:    model.FormatGGUF,
		Version:   uint64(f.Version),
		Alignment: f.Alignment,
	}
	if f.Complete && f.DataOffset <= f.Size {
		m.DataRegion = model.Region{Offset: f.DataOffset, Length: f.Size - f.DataOffset}
	}
	for _, kv := range f.KVs {
		m.Metadata = append(m.Metadata, model.MetadataEntry{Key: kv.Key, Value: kv.Value})
	}

	var problems []finding.Finding
	for i := range f.Tensors {
		t, fs := descriptor(&f.Tensors[i])
		m.Tensors = append(m.Tensors, t)
		problems = append(problems, fs...)
	}
	m.Normalize()
	return m, problems
}

// descriptor derives the byte range of a tensor from its type and shape.
func descriptor(ti *TensorInfo) (model.Tensor, []finding.Finding) {
	t := model.Tensor{
		Name:  ti.Name,
		DType: ti.Type.String(),
		Shape: ti.Dimensions,
		Start: ti.Offset,
		End:   ti.Offset,
	}
	at := func(fd finding.Finding) finding.Finding {
		return fd.AtTensor(ti.Name).AtOffset(ti.At)
	}

	trait, ok := ti.Type.Trait()
	if !ok {
		return t, []finding.Finding{at(finding.New(finding.CodeUnknownQuantization,
			"unknown ggml type %d", uint32(ti.Type)).
			WithEvidence("type", uint32(ti.Type)))}
	}
	t.Quantized = trait.Quantized

	n, ok := model.Product(ti.Dimensions)
	if !ok {
		return t, []finding.Finding{at(finding.New(finding.CodeSizeMismatch,
			"shape %v overflows the element count", ti.Dimensions))}
	}
	if n%trait.BlockSize != 0 {
		return t, []finding.Finding{at(finding.New(finding.CodeSizeMismatch,
			"%d elements is not a multiple of the %s block size %d", n, trait.Name, trait.BlockSize).
			WithEvidence("elements", n).
			WithEvidence("block_size", trait.BlockSize))}
	}
	size, ok := trait.ByteSize(n)
	if !ok || ti.Offset > ^uint64(0)-size {
		return t, []finding.Finding{at(finding.New(finding.CodeSizeMismatch,
			"tensor of %d %s elements at offset %d overflows the addressable size", n, trait.Name, ti.Offset))}
	}

	t.KnownDType = true
	t.ExpectedSize = size
	t.End = ti.Offset + size
	return t, nil
}

// Validate checks f and adds every violation to c.
func Validate(ctx context.Context, f *File, opts Options, c *finding.Collector) (*model.ParsedModel, error) {
	m, problems := Build(f)
	c.Add(problems...)

	checkKeys(f, c)
	checkDuplicateTensors(f, c)

	if f.AlignmentInvalid != nil {
		c.Add(finding.New(finding.CodeMetadataInvalid,
			"%s = %s is not a power of two; using %d", AlignmentKey, f.AlignmentInvalid.Value, f.Alignment).
			WithSeverity(finding.Warning).
			AtOffset(f.AlignmentInvalid.Offset).
			WithEvidence("key", AlignmentKey))
	}

	if !f.Complete {
		// Without a complete tensor table the data section is unknown.
		return m, nil
	}
	// Tensors whose size could not be derived have no range to check.
	ranged := make([]model.Tensor, 0, len(m.Tensors))
	for _, t := range m.Tensors {
		if t.KnownDType {
			ranged = append(ranged, t)
		}
	}
	err := rangecheck.Check(ctx, ranged, rangecheck.Options{
		Region:           m.DataRegion,
		LargeTensorBytes: opts.LargeTensorBytes,
		Alignment:        f.Alignment,
		CheckNames:       true,
		Workers:          opts.Workers,
	}, c)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func checkKeys(f *File, c *finding.Collector) {
	first := make(map[string]uint64, len(f.KVs))
	for _, kv := range f.KVs {
		if prev, dup := first[kv.Key]; dup {
			c.Add(finding.New(finding.CodeDuplicateKey, "key %q is repeated (first at offset %d)", kv.Key, prev).
				AtOffset(kv.Offset).
				WithEvidence("key", kv.Key).
				WithEvidence("first_offset", prev))
			continue
		}
		first[kv.Key] = kv.Offset
	}

	switch f.Version {
	case Version2:
		var missing []string
		for _, k := range RequiredV2Keys {
			if _, ok := f.Lookup(k); !ok {
				missing = append(missing, k)
			}
		}
		if len(missing) > 0 {
			c.Add(finding.New(finding.CodeMissingV2Fields,
				"declares version 2 but lacks expected fields %v", missing).
				AtOffset(4).
				WithEvidence("missing", missing))
		}
	case Version1:
		var present []string
		for _, k := range V2OnlyKeys {
			if _, ok := f.Lookup(k); ok {
				present = append(present, k)
			}
		}
		if len(present) > 0 {
			c.Add(finding.New(finding.CodeVersionMismatch,
				"invalid version/content alignment: version 1 carries version 2 fields %v", present).
				AtOffset(4).
				WithEvidence("keys", present))
		}
	}
}

func checkDuplicateTensors(f *File, c *finding.Collector) {
	seen := make(map[string]bool, len(f.Tensors))
	for _, t := range f.Tensors {
		if seen[t.Name] {
			c.Add(finding.New(finding.CodeDuplicateTensor, "tensor name is declared more than once").
				AtTensor(t.Name).AtOffset(t.At))
			continue
		}
		seen[t.Name] = true
	}
}

// Inspect parses data and validates the result. Parse errors are recorded
// as findings; whatever was parsed before the error is still validated.
func Inspect(ctx context.Context, data []byte, lim Limits, opts Options, c *finding.Collector) (*model.ParsedModel, error) {
	f, err := Parse(data, lim)
	if err != nil {
		c.Add(finding.FromError(err, finding.CodeTruncatedStructure))
	}
	if f == nil {
		return nil, nil
	}
	return Validate(ctx, f, opts, c)
}
