package policy

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/modelinspect/internal/finding"
	"github.com/born-ml/modelinspect/internal/model"
)

func mustEngine(t *testing.T, src string) *Engine {
	t.Helper()
	doc, err := Parse([]byte(src))
	require.NoError(t, err)
	e, err := NewEngine(doc)
	require.NoError(t, err)
	return e
}

func largeTensor(name string) finding.Finding {
	return finding.New(finding.CodeLargeTensor, "big").AtTensor(name).AtOffset(128)
}

func TestParse(t *testing.T) {
	doc, err := Parse([]byte(`
rules:
  - name: quiet-large
    match: {code: LARGE_TENSOR, severity: warning, location_pattern: "model.*", format: gguf}
    action: {override_severity: info}
  - match: {code: GHOST_TENSOR}
    action: {fail_build: true}
`))
	require.NoError(t, err)
	require.Len(t, doc.Rules, 2)

	r := doc.Rules[0]
	assert.Equal(t, "quiet-large", r.Name)
	assert.Equal(t, finding.CodeLargeTensor, r.Match.Code)
	assert.True(t, r.Match.Severity.Set)
	assert.Equal(t, finding.Warning, r.Match.Severity.Severity)
	assert.Equal(t, finding.Info, r.Action.OverrideSeverity.Severity)
	assert.Equal(t, "rule-1", doc.Rules[1].Name)
}

func TestParseJSON(t *testing.T) {
	doc, err := Parse([]byte(`{"rules":[{"match":{"code":"LARGE_TENSOR"},"action":{"suppress":true}}]}`))
	require.NoError(t, err)
	require.Len(t, doc.Rules, 1)
	assert.True(t, doc.Rules[0].Action.Suppress)
}

func TestParseBareList(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"yaml", `
- name: allow-overlap
  match: {code: TENSOR_OVERLAP}
  action: {suppress: true}
- match: {code: GHOST_TENSOR}
  action: {fail_build: true}
`},
		{"json", `[{"name":"allow-overlap","match":{"code":"TENSOR_OVERLAP"},"action":{"suppress":true}},` +
			`{"match":{"code":"GHOST_TENSOR"},"action":{"fail_build":true}}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := Parse([]byte(tt.src))
			require.NoError(t, err)
			require.Len(t, doc.Rules, 2)
			assert.Equal(t, "allow-overlap", doc.Rules[0].Name)
			assert.Equal(t, finding.CodeTensorOverlap, doc.Rules[0].Match.Code)
			assert.True(t, doc.Rules[0].Action.Suppress)
			assert.Equal(t, "rule-1", doc.Rules[1].Name)
			assert.True(t, doc.Rules[1].Action.FailBuild)
		})
	}
}

func TestParseEmpty(t *testing.T) {
	doc, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, doc.Rules)
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"unknown match severity", `rules: [{match: {severity: fatal}, action: {suppress: true}}]`},
		{"unknown override severity", `rules: [{match: {}, action: {override_severity: loud}}]`},
		{"unknown format", `rules: [{match: {format: pickle}, action: {suppress: true}}]`},
		{"bad regex", `rules: [{match: {location_pattern: "re:("}, action: {suppress: true}}]`},
		{"no action", `rules: [{name: noop, match: {code: LARGE_TENSOR}}]`},
		{"unknown field", `rules: [{match: {code: X}, action: {suppress: true}, priority: 3}]`},
		{"not yaml", `rules: [`},
		{"null rule", `rules: [~]`},
		{"bare list unknown field", `[{match: {code: X}, action: {suppress: true}, priority: 3}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.src))
			assert.ErrorIs(t, err, ErrInvalidPolicy)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - match: {code: LARGE_TENSOR}\n    action: {suppress: true}\n"), 0o600))

	doc, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, doc.Rules, 1)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSuppressLargeTensor(t *testing.T) {
	e := mustEngine(t, `rules: [{match: {code: LARGE_TENSOR}, action: {suppress: true}}]`)
	fs := []finding.Finding{largeTensor("w")}

	evals := e.Evaluate(model.FormatSafeTensors, fs)
	require.Len(t, evals, 1)
	assert.True(t, evals[0].Suppressed)
	assert.Equal(t, finding.Warning, evals[0].Intrinsic)
	assert.Equal(t, fs[0], evals[0].Finding, "intrinsic evidence is kept")

	assert.Empty(t, Effective(evals))
	assert.Equal(t, Pass, ComputeVerdict(evals))
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name       string
		policy     string
		format     model.Format
		finding    finding.Finding
		effective  finding.Severity
		suppressed bool
		failBuild  bool
		rule       string
	}{
		{
			name:      "no rules keeps intrinsic severity",
			policy:    ``,
			finding:   largeTensor("w"),
			effective: finding.Warning,
		},
		{
			name:      "override",
			policy:    `rules: [{name: promote, match: {code: LARGE_TENSOR}, action: {override_severity: error}}]`,
			finding:   largeTensor("w"),
			effective: finding.Error,
			rule:      "promote",
		},
		{
			name:      "code mismatch",
			policy:    `rules: [{match: {code: GHOST_TENSOR}, action: {override_severity: error}}]`,
			finding:   largeTensor("w"),
			effective: finding.Warning,
		},
		{
			name:      "severity mismatch",
			policy:    `rules: [{match: {severity: error}, action: {suppress: true}}]`,
			finding:   largeTensor("w"),
			effective: finding.Warning,
		},
		{
			name:      "format match",
			policy:    `rules: [{match: {format: gguf}, action: {override_severity: info}}]`,
			format:    model.FormatGGUF,
			finding:   largeTensor("w"),
			effective: finding.Info,
			rule:      "rule-0",
		},
		{
			name:      "format mismatch",
			policy:    `rules: [{match: {format: gguf}, action: {override_severity: info}}]`,
			format:    model.FormatONNX,
			finding:   largeTensor("w"),
			effective: finding.Warning,
		},
		{
			name:      "wildcard location",
			policy:    `rules: [{match: {location_pattern: "blk.*.ffn"}, action: {override_severity: info}}]`,
			finding:   largeTensor("blk.3.ffn"),
			effective: finding.Info,
			rule:      "rule-0",
		},
		{
			name:      "wildcard is anchored",
			policy:    `rules: [{match: {location_pattern: "blk.?"}, action: {override_severity: info}}]`,
			finding:   largeTensor("blk.12"),
			effective: finding.Warning,
		},
		{
			name:      "offset location",
			policy:    `rules: [{match: {location_pattern: "*@128"}, action: {override_severity: info}}]`,
			finding:   largeTensor("w"),
			effective: finding.Info,
			rule:      "rule-0",
		},
		{
			name:      "regex location",
			policy:    `rules: [{match: {location_pattern: "re:^layers\\.[0-9]+$"}, action: {override_severity: info}}]`,
			finding:   largeTensor("layers.17"),
			effective: finding.Info,
			rule:      "rule-0",
		},
		{
			name: "first match wins",
			policy: `rules:
  - {name: first, match: {code: LARGE_TENSOR}, action: {fail_build: true}}
  - {name: second, match: {code: LARGE_TENSOR}, action: {suppress: true}}`,
			finding:   largeTensor("w"),
			effective: finding.Warning,
			failBuild: true,
			rule:      "first",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := mustEngine(t, tt.policy)
			evals := e.Evaluate(tt.format, []finding.Finding{tt.finding})
			require.Len(t, evals, 1)
			ev := evals[0]
			assert.Equal(t, tt.finding.Severity, ev.Intrinsic)
			assert.Equal(t, tt.effective, ev.Effective)
			assert.Equal(t, tt.suppressed, ev.Suppressed)
			assert.Equal(t, tt.failBuild, ev.FailBuild)
			assert.Equal(t, tt.rule, ev.Rule)
		})
	}
}

func TestComputeVerdict(t *testing.T) {
	ev := func(s finding.Severity) Evaluation {
		return Evaluation{Intrinsic: s, Effective: s}
	}
	tests := []struct {
		name  string
		evals []Evaluation
		want  Verdict
	}{
		{"empty", nil, Pass},
		{"info only", []Evaluation{ev(finding.Info)}, Pass},
		{"warning", []Evaluation{ev(finding.Info), ev(finding.Warning)}, Warn},
		{"error", []Evaluation{ev(finding.Warning), ev(finding.Error)}, Fail},
		{"suppressed error", []Evaluation{{Effective: finding.Error, Suppressed: true}}, Pass},
		{"demoted error", []Evaluation{{Intrinsic: finding.Error, Effective: finding.Warning}}, Warn},
		{"fail build on info", []Evaluation{{Effective: finding.Info, FailBuild: true}}, Fail},
		{"suppressed fail build", []Evaluation{{Effective: finding.Info, FailBuild: true, Suppressed: true}}, Pass},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeVerdict(tt.evals))
		})
	}
}

func TestDiagnostics(t *testing.T) {
	e := mustEngine(t, `rules:
  - {name: legacy, match: {code: PICKLE_IMPORT}, action: {suppress: true}}
  - {name: known, match: {code: LARGE_TENSOR}, action: {suppress: true}}`)

	diags := e.Diagnostics()
	require.Len(t, diags, 1)
	assert.Equal(t, finding.CodePolicyUnknownCode, diags[0].Code)
	assert.Equal(t, finding.Info, diags[0].Severity)
	assert.Equal(t, "legacy", diags[0].Evidence["rule"])

	// The rule is still applied if the code ever appears.
	evals := e.Evaluate(model.FormatUnknown, []finding.Finding{finding.New("PICKLE_IMPORT", "x")})
	assert.True(t, evals[0].Suppressed)
}

func TestEngineNil(t *testing.T) {
	e, err := NewEngine(nil)
	require.NoError(t, err)
	assert.Empty(t, e.Diagnostics())
	assert.Equal(t, Warn, ComputeVerdict(e.Evaluate(model.FormatGGUF, []finding.Finding{largeTensor("w")})))
}

func TestEngineConcurrent(t *testing.T) {
	e := mustEngine(t, `rules: [{match: {location_pattern: "w*"}, action: {override_severity: error}}]`)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			evals := e.Evaluate(model.FormatSafeTensors, []finding.Finding{largeTensor("w1"), largeTensor("x")})
			assert.Equal(t, Fail, ComputeVerdict(evals))
		}()
	}
	wg.Wait()
}
