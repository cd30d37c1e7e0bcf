// Package finding defines the canonical finding model shared by every stage
// of an inspection: format detection, parsing, validation, heuristic scanning
// and policy evaluation.
//
// Findings are values. Builders such as [Finding.AtTensor] and
// [Finding.WithEvidence] return modified copies, so a finding handed to a
// [Collector] is never mutated afterwards.
package finding

import (
	"fmt"
	"maps"
	"sort"
	"strings"
)

// Severity is the ordered severity of a finding: Info < Warning < Error.
type Severity int

// Severity levels.
const (
	Info Severity = iota
	Warning
	Error
)

// String returns the lower-case name of the severity.
func (s Severity) String() string {
	switch s {
	case Info:
		return "info"
	case Warning:
		return "warning"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// ParseSeverity converts a severity name into a Severity.
// Matching is case-insensitive and accepts "warn" as an alias of "warning".
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return Info, nil
	case "warn", "warning":
		return Warning, nil
	case "error":
		return Error, nil
	default:
		return Info, fmt.Errorf("unknown severity %q (expected info, warning or error)", s)
	}
}

// Location points a finding at a place in the artifact.
// Both fields are optional.
type Location struct {
	Offset *uint64 // Absolute byte offset in the artifact.
	Tensor string  // Tensor name.
}

// String renders the location for messages and pattern matching.
func (l Location) String() string {
	switch {
	case l.Tensor != "" && l.Offset != nil:
		return fmt.Sprintf("%s@%d", l.Tensor, *l.Offset)
	case l.Tensor != "":
		return l.Tensor
	case l.Offset != nil:
		return fmt.Sprintf("@%d", *l.Offset)
	default:
		return ""
	}
}

// Finding is a single reported issue.
type Finding struct {
	Code     Code
	Severity Severity
	Location Location
	Message  string
	Evidence map[string]any
}

// New creates a finding with the default severity registered for code.
func New(code Code, format string, args ...any) Finding {
	return Finding{
		Code:     code,
		Severity: code.DefaultSeverity(),
		Message:  fmt.Sprintf(format, args...),
	}
}

// WithSeverity returns a copy of f with the given intrinsic severity.
func (f Finding) WithSeverity(s Severity) Finding {
	f.Severity = s
	return f
}

// AtTensor returns a copy of f located at the named tensor.
func (f Finding) AtTensor(name string) Finding {
	f.Location.Tensor = name
	return f
}

// AtOffset returns a copy of f located at an absolute artifact offset.
func (f Finding) AtOffset(off uint64) Finding {
	f.Location.Offset = &off
	return f
}

// WithEvidence returns a copy of f with key set to value in its evidence.
func (f Finding) WithEvidence(key string, value any) Finding {
	ev := make(map[string]any, len(f.Evidence)+1)
	maps.Copy(ev, f.Evidence)
	ev[key] = value
	f.Evidence = ev
	return f
}

// String renders the finding on one line.
func (f Finding) String() string {
	loc := f.Location.String()
	if loc == "" {
		return fmt.Sprintf("[%s] %s: %s", f.Severity, f.Code, f.Message)
	}
	return fmt.Sprintf("[%s] %s (%s): %s", f.Severity, f.Code, loc, f.Message)
}

// Less reports whether a sorts before b in the stable output order:
// tensor name, offset (unset first), code, then message.
func Less(a, b Finding) bool {
	if a.Location.Tensor != b.Location.Tensor {
		return a.Location.Tensor < b.Location.Tensor
	}
	ao, bo := a.Location.Offset, b.Location.Offset
	switch {
	case ao == nil && bo != nil:
		return true
	case ao != nil && bo == nil:
		return false
	case ao != nil && bo != nil && *ao != *bo:
		return *ao < *bo
	}
	if a.Code != b.Code {
		return a.Code < b.Code
	}
	return a.Message < b.Message
}

// Sort orders findings in place using [Less].
func Sort(fs []Finding) {
	sort.SliceStable(fs, func(i, j int) bool { return Less(fs[i], fs[j]) })
}

// MaxSeverity returns the highest severity among fs, or Info when fs is empty.
func MaxSeverity(fs []Finding) Severity {
	highest := Info
	for _, f := range fs {
		if f.Severity > highest {
			highest = f.Severity
		}
	}
	return highest
}

// Count returns the number of findings carrying code.
func Count(fs []Finding, code Code) int {
	n := 0
	for _, f := range fs {
		if f.Code == code {
			n++
		}
	}
	return n
}
