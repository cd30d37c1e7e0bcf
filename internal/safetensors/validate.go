package safetensors

import (
	"context"
	"slices"
	"strings"

	"github.com/born-ml/modelinspect/internal/finding"
	"github.com/born-ml/modelinspect/internal/model"
	"github.com/born-ml/modelinspect/internal/parallel"
	"github.com/born-ml/modelinspect/internal/rangecheck"
)

// DefaultMetadataAllowList holds the __metadata__ keys written by the
// reference exporters.
var DefaultMetadataAllowList = []string{"format"}

// Options configures validation.
type Options struct {
	LargeTensorBytes  uint64
	MetadataAllowList []string
	Workers           parallel.Config
}

// Validate checks f and adds every violation to c. It does not stop at the
// first problem.
func Validate(ctx context.Context, f *File, opts Options, c *finding.Collector) error {
	c.Add(f.Problems...)

	m := f.Model
	err := rangecheck.Check(ctx, m.Tensors, rangecheck.Options{
		Region:           m.DataRegion,
		LargeTensorBytes: opts.LargeTensorBytes,
		CheckSize:        true,
		CheckNames:       true,
		ReportUnclaimed:  true,
		Workers:          opts.Workers,
	}, c)
	if err != nil {
		return err
	}

	for i := range m.Tensors {
		t := &m.Tensors[i]
		if DType(t.DType).ByteOriented() && looksLikeParameter(t.Name) {
			c.Add(finding.New(finding.CodeSuspiciousDType,
				"parameter-like tensor uses byte-oriented dtype %s", t.DType).
				AtTensor(t.Name).
				WithEvidence("dtype", t.DType))
		}
	}

	allow := opts.MetadataAllowList
	if allow == nil {
		allow = DefaultMetadataAllowList
	}
	for _, e := range m.Metadata {
		if !slices.Contains(allow, e.Key) {
			c.Add(finding.New(finding.CodeMetadataUnknownKey, "unrecognized metadata key %q", e.Key).
				AtOffset(8).
				WithEvidence("key", e.Key))
		}
	}
	return nil
}

var parameterWords = []string{"weight", "bias", "kernel", "gamma", "beta"}

// looksLikeParameter matches names such as "encoder.0.weight",
// "lm_head.bias" or "conv1_kernel".
func looksLikeParameter(name string) bool {
	lower := strings.ToLower(name)
	segments := strings.FieldsFunc(lower, func(r rune) bool {
		return r == '.' || r == '/' || r == ':'
	})
	for _, seg := range segments {
		for _, w := range parameterWords {
			if seg == w || seg == w+"s" || strings.HasSuffix(seg, "_"+w) {
				return true
			}
		}
	}
	return false
}

// Inspect parses data and validates the result. On a terminal parse error it
// records the error as a finding and returns a nil model.
func Inspect(ctx context.Context, data []byte, maxHeaderSize uint64, opts Options, c *finding.Collector) (*model.ParsedModel, error) {
	f, err := Parse(data, maxHeaderSize)
	if err != nil {
		c.Add(finding.FromError(err, finding.CodeHeaderNotJSON))
		return nil, nil
	}
	if err := Validate(ctx, f, opts, c); err != nil {
		return nil, err
	}
	return f.Model, nil
}
