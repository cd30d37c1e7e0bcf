// Package policy turns intrinsic findings into effective severities and a
// verdict using an ordered list of declarative rules.
package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/born-ml/modelinspect/internal/finding"
	"github.com/born-ml/modelinspect/internal/model"
)

// ErrInvalidPolicy is returned for policy documents that cannot be applied.
var ErrInvalidPolicy = errors.New("invalid policy")

// Severity is a severity name in a policy document.
type Severity struct {
	finding.Severity
	Set bool
}

// UnmarshalYAML accepts info, warning (or warn) and error.
func (s *Severity) UnmarshalYAML(value *yaml.Node) error {
	if value.Tag == "!!null" {
		*s = Severity{}
		return nil
	}
	var name string
	if err := value.Decode(&name); err != nil {
		return fmt.Errorf("severity: unsupported type %s", value.Tag)
	}
	sev, err := finding.ParseSeverity(name)
	if err != nil {
		return err
	}
	*s = Severity{Severity: sev, Set: true}
	return nil
}

// Document is a parsed policy.
type Document struct {
	Rules []*Rule `yaml:"rules" json:"rules"`
}

// Rule adjusts the findings it matches.
type Rule struct {
	Name   string `yaml:"name" json:"name"`
	Match  Match  `yaml:"match" json:"match"`
	Action Action `yaml:"action" json:"action"`
}

// Match selects findings. Empty fields match anything.
type Match struct {
	Code     finding.Code `yaml:"code,omitempty" json:"code,omitempty"`
	Severity Severity     `yaml:"severity,omitempty" json:"severity,omitempty"`

	// LocationPattern is matched against the tensor name and the rendered
	// location ("tensor@offset"). "*" and "?" are wildcards; a "re:" prefix
	// makes the rest a regular expression.
	LocationPattern string `yaml:"location_pattern,omitempty" json:"location_pattern,omitempty"`
	locationRegex   *regexp.Regexp

	Format string `yaml:"format,omitempty" json:"format,omitempty"`
	format model.Format
}

// Action is applied to matched findings.
type Action struct {
	OverrideSeverity Severity `yaml:"override_severity,omitempty" json:"override_severity,omitempty"`
	Suppress         bool     `yaml:"suppress,omitempty" json:"suppress,omitempty"`
	FailBuild        bool     `yaml:"fail_build,omitempty" json:"fail_build,omitempty"`
}

// Parse decodes and validates a YAML (or JSON) policy document. The rules
// may be given as a bare list or under a "rules" key. Empty input is a
// policy without rules.
func Parse(data []byte) (*Document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
	}

	doc := &Document{}
	var target any = doc
	if len(root.Content) > 0 && root.Content[0].Kind == yaml.SequenceNode {
		target = &doc.Rules
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(target); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
	}
	if err := doc.Compile(); err != nil {
		return nil, err
	}
	return doc, nil
}

// LoadFile reads and parses the policy at path.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// Compile validates every rule and prepares it for matching.
func (d *Document) Compile() error {
	for i, r := range d.Rules {
		if r == nil {
			return fmt.Errorf("%w: rule %d is empty", ErrInvalidPolicy, i)
		}
		if r.Name == "" {
			r.Name = fmt.Sprintf("rule-%d", i)
		}
		if err := r.Match.compile(); err != nil {
			return fmt.Errorf("%w: rule %d (%s): %w", ErrInvalidPolicy, i, r.Name, err)
		}
		if !r.Action.OverrideSeverity.Set && !r.Action.Suppress && !r.Action.FailBuild {
			return fmt.Errorf("%w: rule %d (%s) has no action", ErrInvalidPolicy, i, r.Name)
		}
	}
	return nil
}

func (m *Match) compile() error {
	if m.Format != "" {
		f, err := model.ParseFormat(m.Format)
		if err != nil {
			return err
		}
		m.format = f
	}
	if m.LocationPattern != "" {
		re, err := compilePattern(m.LocationPattern)
		if err != nil {
			return fmt.Errorf("invalid location_pattern: %w", err)
		}
		m.locationRegex = re
	}
	return nil
}

// compilePattern converts a wildcard pattern (or "re:" expression) into an
// anchored regular expression.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	if expr, ok := strings.CutPrefix(pattern, "re:"); ok {
		return regexp.Compile(expr)
	}
	expr := "^" + regexp.QuoteMeta(pattern)
	expr = strings.ReplaceAll(expr, "\\*", ".*")
	expr = strings.ReplaceAll(expr, "\\?", ".")
	return regexp.Compile(expr + "$")
}

// Matches reports whether f, found in an artifact of format, satisfies m.
func (m *Match) Matches(format model.Format, f *finding.Finding) bool {
	if m.Code != "" && m.Code != f.Code {
		return false
	}
	if m.Severity.Set && m.Severity.Severity != f.Severity {
		return false
	}
	if m.Format != "" && m.format != format {
		return false
	}
	if m.locationRegex != nil {
		loc := f.Location
		if !m.locationRegex.MatchString(loc.Tensor) && !m.locationRegex.MatchString(loc.String()) {
			return false
		}
	}
	return true
}
