package heuristic

import (
	"math"

	"github.com/born-ml/modelinspect/internal/finding"
)

// Entropy returns the Shannon entropy of b in bits per byte (0 to 8).
func Entropy(b []byte) float64 {
	if len(b) == 0 {
		return 0
	}
	var counts [256]int
	for _, v := range b {
		counts[v]++
	}
	n := float64(len(b))
	var h float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}

// entropyRun tracks consecutive windows above the threshold.
type entropyRun struct {
	active  bool
	start   uint64
	end     uint64
	windows int
	peak    float64
}

// entropy evaluates the windows that start in [from, to). The last window of
// a region is evaluated only if it is complete.
func (s *scanner) entropy(from, to uint64, run *entropyRun) []finding.Finding {
	var out []finding.Finding
	w := uint64(s.opts.Window)
	end := s.region.End()
	for off := from; off < to && off+w <= end; off += w {
		h := Entropy(s.data[off : off+w])
		if h <= s.opts.Threshold {
			if f, ok := run.flush(s); ok {
				out = append(out, f)
			}
			continue
		}
		if !run.active {
			*run = entropyRun{active: true, start: off}
		}
		run.end = off + w
		run.windows++
		run.peak = max(run.peak, h)
	}
	return out
}

// flush ends the current run and returns its finding.
func (r *entropyRun) flush(s *scanner) (finding.Finding, bool) {
	if !r.active {
		return finding.Finding{}, false
	}
	f := finding.New(finding.CodeHighEntropyRegion,
		"%d bytes with entropy up to %.3f bits/byte (threshold %.2f); possible compressed or encrypted payload",
		r.end-r.start, r.peak, s.opts.Threshold).
		WithEvidence("length", r.end-r.start).
		WithEvidence("windows", r.windows).
		WithEvidence("max_entropy", math.Round(r.peak*1000)/1000)
	start := r.start
	*r = entropyRun{}
	return s.loc.at(f, start), true
}
