package policy

import (
	"github.com/born-ml/modelinspect/internal/finding"
	"github.com/born-ml/modelinspect/internal/model"
)

// Verdict is the overall outcome of one inspection.
type Verdict int

// Verdicts.
const (
	Pass Verdict = iota
	Warn
	Fail
)

// String returns the verdict name.
func (v Verdict) String() string {
	switch v {
	case Pass:
		return "PASS"
	case Warn:
		return "WARN"
	case Fail:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}

// Evaluation is the policy outcome for one finding.
type Evaluation struct {
	Finding    finding.Finding
	Intrinsic  finding.Severity
	Effective  finding.Severity
	Suppressed bool
	FailBuild  bool
	Rule       string // Name of the matching rule, empty if none.
}

// Engine applies a compiled policy. It is immutable after construction and
// safe for concurrent use.
type Engine struct {
	rules       []Rule
	diagnostics []finding.Finding
}

// NewEngine builds an engine from doc, which may be nil. Rules naming codes
// that no component reports are kept and recorded as diagnostics.
func NewEngine(doc *Document) (*Engine, error) {
	e := &Engine{}
	if doc == nil {
		return e, nil
	}
	if err := doc.Compile(); err != nil {
		return nil, err
	}
	for _, r := range doc.Rules {
		e.rules = append(e.rules, *r)
		if r.Match.Code != "" && !r.Match.Code.Known() {
			e.diagnostics = append(e.diagnostics,
				finding.New(finding.CodePolicyUnknownCode,
					"rule %q references unknown finding code %q", r.Name, r.Match.Code).
					WithEvidence("rule", r.Name).
					WithEvidence("code", string(r.Match.Code)))
		}
	}
	return e, nil
}

// Diagnostics returns the engine diagnostics recorded at construction.
func (e *Engine) Diagnostics() []finding.Finding {
	out := make([]finding.Finding, len(e.diagnostics))
	copy(out, e.diagnostics)
	return out
}

// Evaluate applies the first matching rule to each finding. Findings
// without a matching rule keep their intrinsic severity.
func (e *Engine) Evaluate(format model.Format, fs []finding.Finding) []Evaluation {
	out := make([]Evaluation, len(fs))
	for i := range fs {
		f := &fs[i]
		ev := Evaluation{Finding: *f, Intrinsic: f.Severity, Effective: f.Severity}
		for j := range e.rules {
			r := &e.rules[j]
			if !r.Match.Matches(format, f) {
				continue
			}
			ev.Rule = r.Name
			if r.Action.OverrideSeverity.Set {
				ev.Effective = r.Action.OverrideSeverity.Severity
			}
			ev.Suppressed = r.Action.Suppress
			ev.FailBuild = r.Action.FailBuild
			break
		}
		out[i] = ev
	}
	return out
}

// Effective drops suppressed evaluations.
func Effective(evals []Evaluation) []Evaluation {
	out := make([]Evaluation, 0, len(evals))
	for _, ev := range evals {
		if !ev.Suppressed {
			out = append(out, ev)
		}
	}
	return out
}

// ComputeVerdict maps evaluations to a verdict: a fail_build rule or an
// effective Error fails, a Warning warns, anything else passes. Suppressed
// evaluations are ignored.
func ComputeVerdict(evals []Evaluation) Verdict {
	v := Pass
	for _, ev := range evals {
		if ev.Suppressed {
			continue
		}
		switch {
		case ev.FailBuild, ev.Effective >= finding.Error:
			return Fail
		case ev.Effective == finding.Warning:
			v = Warn
		}
	}
	return v
}
