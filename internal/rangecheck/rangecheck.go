// Package rangecheck validates declared tensor byte ranges against a data
// region: size agreement, bounds, overlap, ghost tensors, alignment, large
// tensors and tensor names.
//
// All checks collect findings and continue. Tensors whose declared range is
// inverted (Start > End) are reported by the format parser and skipped here.
package rangecheck

import (
	"context"
	"sort"
	"strings"

	"github.com/born-ml/modelinspect/internal/finding"
	"github.com/born-ml/modelinspect/internal/model"
	"github.com/born-ml/modelinspect/internal/parallel"
)

// MaxTensorNameLen is the longest tensor name accepted without a finding.
const MaxTensorNameLen = 4096

// Options configures a range check.
type Options struct {
	Region           model.Region // Data region; tensor ranges are relative to Region.Offset.
	LargeTensorBytes uint64       // 0 disables the large-tensor check.
	Alignment        uint64       // 0 disables the alignment check.
	CheckSize        bool         // Compare declared range length with ExpectedSize.
	CheckNames       bool         // Flag path-like or oversized tensor names.
	ReportUnclaimed  bool         // Report data-region bytes not covered by any tensor.
	Workers          parallel.Config
}

// Check runs every enabled check over tensors and adds findings to c.
// Per-tensor checks run in parallel; the overlap sweep runs once over a
// sorted copy. It returns ctx.Err() if canceled.
func Check(ctx context.Context, tensors []model.Tensor, opts Options, c *finding.Collector) error {
	err := parallel.For(ctx, len(tensors), func(i int) {
		c.Add(checkTensor(&tensors[i], &opts)...)
	}, opts.Workers)
	if err != nil {
		return err
	}

	overlaps, covered := Sweep(tensors, opts.Region)
	c.Add(overlaps...)

	if opts.ReportUnclaimed && covered < opts.Region.Length {
		unclaimed := opts.Region.Length - covered
		c.Add(finding.New(finding.CodeUnclaimedData,
			"%d bytes of the data region are not claimed by any tensor", unclaimed).
			AtOffset(opts.Region.Offset).
			WithEvidence("bytes", unclaimed))
	}
	return nil
}

func checkTensor(t *model.Tensor, opts *Options) []finding.Finding {
	var out []finding.Finding
	if opts.CheckNames {
		if f, bad := Name(t.Name); bad {
			out = append(out, f)
		}
	}
	if t.End < t.Start {
		return out
	}

	at := abs(opts.Region.Offset, t.Start)
	size := t.Size()

	if opts.CheckSize && t.KnownDType && size != t.ExpectedSize {
		out = append(out, finding.New(finding.CodeSizeMismatch,
			"declared range is %d bytes, dtype %s and shape %v require %d", size, t.DType, t.Shape, t.ExpectedSize).
			AtTensor(t.Name).AtOffset(at).
			WithEvidence("declared", size).
			WithEvidence("expected", t.ExpectedSize))
	}

	dataLen := opts.Region.Length
	switch {
	case size == 0:
		out = append(out, finding.New(finding.CodeGhostTensor, "tensor has an empty byte range").
			AtTensor(t.Name).AtOffset(at).
			WithEvidence("start", t.Start))
	case t.Start >= dataLen:
		out = append(out,
			finding.New(finding.CodeGhostTensor, "tensor range lies entirely outside the data region").
				AtTensor(t.Name).AtOffset(at).
				WithEvidence("start", t.Start).
				WithEvidence("data_length", dataLen),
			outOfBounds(t, at, dataLen))
	case t.End > dataLen:
		out = append(out, outOfBounds(t, at, dataLen))
	}

	if opts.Alignment > 0 && t.Start%opts.Alignment != 0 {
		out = append(out, finding.New(finding.CodeTensorMisaligned,
			"offset %d is not a multiple of alignment %d", t.Start, opts.Alignment).
			AtTensor(t.Name).AtOffset(at).
			WithEvidence("offset", t.Start).
			WithEvidence("alignment", opts.Alignment))
	}

	if opts.LargeTensorBytes > 0 && size > opts.LargeTensorBytes {
		out = append(out, Large(t.Name, at, size, opts.LargeTensorBytes))
	}
	return out
}

func outOfBounds(t *model.Tensor, at, dataLen uint64) finding.Finding {
	return finding.New(finding.CodeTensorOutOfBounds,
		"range [%d, %d) exceeds data region of %d bytes", t.Start, t.End, dataLen).
		AtTensor(t.Name).AtOffset(at).
		WithEvidence("start", t.Start).
		WithEvidence("end", t.End).
		WithEvidence("data_length", dataLen)
}

// Large returns a LARGE_TENSOR finding.
func Large(name string, at, size, threshold uint64) finding.Finding {
	return finding.New(finding.CodeLargeTensor,
		"tensor is %d bytes, above the %d byte threshold", size, threshold).
		AtTensor(name).AtOffset(at).
		WithEvidence("bytes", size).
		WithEvidence("threshold", threshold)
}

// Sweep reports every tensor whose range starts before the furthest end seen
// so far, after sorting by start offset. It also returns how many bytes of
// region are covered by at least one tensor. The result does not depend on
// the order of tensors.
func Sweep(tensors []model.Tensor, region model.Region) ([]finding.Finding, uint64) {
	sorted := make([]*model.Tensor, 0, len(tensors))
	for i := range tensors {
		if tensors[i].End > tensors[i].Start {
			sorted = append(sorted, &tensors[i])
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		if sorted[i].End != sorted[j].End {
			return sorted[i].End < sorted[j].End
		}
		return sorted[i].Name < sorted[j].Name
	})

	var (
		out     []finding.Finding
		covered uint64
		reach   *model.Tensor // tensor with the largest End so far
	)
	for _, t := range sorted {
		lo, hi := min(t.Start, region.Length), min(t.End, region.Length)
		if reach == nil {
			covered += hi - lo
			reach = t
			continue
		}

		if t.Start < reach.End {
			overlap := min(t.End, reach.End) - t.Start
			out = append(out, finding.New(finding.CodeTensorOverlap,
				"range [%d, %d) overlaps %q [%d, %d) by %d bytes",
				t.Start, t.End, reach.Name, reach.Start, reach.End, overlap).
				AtTensor(t.Name).AtOffset(abs(region.Offset, t.Start)).
				WithEvidence("other", reach.Name).
				WithEvidence("overlap_bytes", overlap))
		}

		reachEnd := min(reach.End, region.Length)
		if hi > reachEnd {
			covered += hi - max(lo, reachEnd)
		}
		if t.End > reach.End {
			reach = t
		}
	}
	return out, covered
}

// Name checks a tensor name for path traversal, separators, NUL bytes and
// excessive length.
func Name(name string) (finding.Finding, bool) {
	var reason string
	switch {
	case len(name) > MaxTensorNameLen:
		reason = "name is longer than 4096 bytes"
	case strings.Contains(name, ".."):
		reason = "name contains '..'"
	case strings.ContainsAny(name, `/\`):
		reason = "name contains a path separator"
	case strings.ContainsRune(name, 0):
		reason = "name contains a NUL byte"
	default:
		return finding.Finding{}, false
	}
	shown := name
	if len(shown) > 64 {
		shown = shown[:64]
	}
	return finding.New(finding.CodeSuspiciousName, "%s", reason).
		AtTensor(name).
		WithEvidence("name", shown), true
}

// abs converts a region-relative offset to an absolute artifact offset,
// saturating on overflow.
func abs(base, rel uint64) uint64 {
	if rel > ^uint64(0)-base {
		return ^uint64(0)
	}
	return base + rel
}
