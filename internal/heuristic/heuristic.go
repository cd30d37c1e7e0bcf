// Package heuristic scans artifact bytes for signs of hidden payloads.
//
// The scanner ignores declared structure apart from choosing which byte
// ranges to look at, so it still runs when parsing failed. It reports
// high-entropy regions and the magic bytes of archives and executables.
// Its findings are Warning or Info, never Error.
package heuristic

import (
	"context"
	"sort"

	"github.com/born-ml/modelinspect/internal/finding"
	"github.com/born-ml/modelinspect/internal/model"
	"github.com/born-ml/modelinspect/internal/parallel"
)

// Defaults.
const (
	DefaultBlockSize        = 1 << 20
	DefaultWindow           = 4096
	DefaultThreshold        = 7.9
	DefaultMaxArchiveMember = 32
)

// Options configures a scan.
type Options struct {
	BlockSize         int     // Bytes processed between cancellation checks.
	Window            int     // Entropy window in bytes.
	Threshold         float64 // Entropy in bits per byte above which a window is flagged.
	MaxArchiveMembers int     // Member names kept in zip evidence.
	Workers           parallel.Config
}

func (o Options) withDefaults() Options {
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.BlockSize <= 0 {
		o.BlockSize = DefaultBlockSize
	}
	// Blocks hold whole windows.
	if r := o.BlockSize % o.Window; r != 0 {
		o.BlockSize += o.Window - r
	}
	if o.Threshold <= 0 {
		o.Threshold = DefaultThreshold
	}
	if o.MaxArchiveMembers <= 0 {
		o.MaxArchiveMembers = DefaultMaxArchiveMember
	}
	return o
}

// Targets returns the disjoint, sorted byte ranges of an artifact of size
// bytes that a scan covers: the union of the data region and every tensor
// range, clamped to the artifact. Without a model or any usable range the
// whole artifact is scanned.
func Targets(m *model.ParsedModel, size uint64) []model.Region {
	var spans []span
	add := func(start, end uint64) {
		end = min(end, size)
		if start < end {
			spans = append(spans, span{start, end})
		}
	}
	// Tensor ranges are relative to the data region and cannot be placed
	// without one.
	if m != nil && m.DataRegion.Length > 0 {
		base := m.DataRegion.Offset
		add(base, m.DataRegion.End())
		for i := range m.Tensors {
			t := &m.Tensors[i]
			if t.End > t.Start && base <= size {
				add(base+min(t.Start, size-base), base+min(t.End, size-base))
			}
		}
	}
	if len(spans) == 0 {
		add(0, size)
	}
	return merge(spans)
}

type span struct{ start, end uint64 }

func merge(spans []span) []model.Region {
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	var out []model.Region
	for _, s := range spans {
		if n := len(out); n > 0 && s.start <= out[n-1].End() {
			if s.end > out[n-1].End() {
				out[n-1].Length = s.end - out[n-1].Offset
			}
			continue
		}
		out = append(out, model.Region{Offset: s.start, Length: s.end - s.start})
	}
	return out
}

// Scan runs the entropy and signature scans over the targets of m in data
// and adds findings to c. m may be nil. It returns ctx.Err() if canceled.
func Scan(ctx context.Context, data []byte, m *model.ParsedModel, opts Options, c *finding.Collector) error {
	opts = opts.withDefaults()
	regions := Targets(m, uint64(len(data)))
	loc := newLocator(m)

	err := parallel.For(ctx, len(regions), func(i int) {
		s := &scanner{data: data, region: regions[i], opts: &opts, loc: loc}
		c.Add(s.run(ctx)...)
	}, opts.Workers)
	if err != nil {
		return err
	}
	// A region may stop early on cancellation after parallel.For has
	// handed it out.
	return ctx.Err()
}

// scanner scans one region.
type scanner struct {
	data   []byte
	region model.Region
	opts   *Options
	loc    *locator

	archiveEnd  uint64 // End of the member data of the last listed zip archive.
	zipListings int
}

func (s *scanner) run(ctx context.Context) []finding.Finding {
	var out []finding.Finding
	hot := entropyRun{}
	start, end := s.region.Offset, s.region.End()
	block := uint64(s.opts.BlockSize)

	for b := start; b < end; b += block {
		if ctx.Err() != nil {
			return out
		}
		bEnd := min(b+block, end)
		out = append(out, s.entropy(b, bEnd, &hot)...)
		out = append(out, s.signatures(ctx, b, bEnd)...)
	}
	if f, ok := hot.flush(s); ok {
		out = append(out, f)
	}
	return out
}

// locator maps artifact offsets to tensor names.
type locator struct {
	base    uint64
	tensors []model.Tensor
}

func newLocator(m *model.ParsedModel) *locator {
	if m == nil || m.DataRegion.Length == 0 {
		return &locator{}
	}
	return &locator{base: m.DataRegion.Offset, tensors: m.Tensors}
}

// tensorAt returns the name of the first tensor, in name order, whose range
// contains off.
func (l *locator) tensorAt(off uint64) string {
	if off < l.base {
		return ""
	}
	rel := off - l.base
	for i := range l.tensors {
		if t := &l.tensors[i]; rel >= t.Start && rel < t.End {
			return t.Name
		}
	}
	return ""
}

func (l *locator) at(f finding.Finding, off uint64) finding.Finding {
	f = f.AtOffset(off)
	if name := l.tensorAt(off); name != "" {
		f = f.AtTensor(name)
	}
	return f
}
