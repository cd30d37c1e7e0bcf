package main

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	validHeader   = `{"w":{"dtype":"F32","shape":[2,2],"data_offsets":[0,16]}}`
	overlapHeader = `{"a":{"dtype":"U8","shape":[10],"data_offsets":[0,10]},"b":{"dtype":"U8","shape":[10],"data_offsets":[9,19]}}`
)

func writeSafeTensors(t *testing.T, dir, name, header string, dataLen int) string {
	t.Helper()
	out := make([]byte, 8, 8+len(header)+dataLen)
	binary.LittleEndian.PutUint64(out, uint64(len(header)))
	out = append(out, header...)
	out = append(out, make([]byte, dataLen)...)

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, out, 0o600))
	return path
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestVersion(t *testing.T) {
	code, out, _ := runCLI(t, "version")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "modelinspect "+version)
	assert.Contains(t, out, "Platform:")
}

func TestScan(t *testing.T) {
	dir := t.TempDir()
	valid := writeSafeTensors(t, dir, "valid.safetensors", validHeader, 16)
	overlap := writeSafeTensors(t, dir, "overlap.safetensors", overlapHeader, 19)
	suppress := writeFile(t, dir, "suppress.yaml", `
rules:
  - name: allow-overlap
    match:
      code: TENSOR_OVERLAP
    action:
      suppress: true
`)
	broken := writeFile(t, dir, "broken.yaml", "rules: [")
	missing := filepath.Join(dir, "missing.safetensors")

	tests := []struct {
		name     string
		args     []string
		wantCode int
		wantOut  []string
	}{
		{
			name:     "valid artifact passes",
			args:     []string{"scan", valid},
			wantCode: exitOK,
			wantOut:  []string{valid + ": PASS (safetensors, 0 findings, 0 suppressed)"},
		},
		{
			name:     "overlap fails",
			args:     []string{"scan", overlap},
			wantCode: exitFail,
			wantOut:  []string{"TENSOR_OVERLAP", overlap + ": FAIL"},
		},
		{
			name:     "any failing artifact fails the run",
			args:     []string{"scan", valid, overlap},
			wantCode: exitFail,
			wantOut:  []string{valid + ": PASS", overlap + ": FAIL"},
		},
		{
			name:     "policy suppression",
			args:     []string{"scan", "--policy", suppress, overlap},
			wantCode: exitOK,
			wantOut:  []string{"suppressed)"},
		},
		{
			name:     "missing file is reported",
			args:     []string{"scan", missing},
			wantCode: exitFail,
			wantOut:  []string{"ARTIFACT_UNREADABLE"},
		},
		{
			name:     "broken policy",
			args:     []string{"scan", "--policy", broken, valid},
			wantCode: exitUsage,
		},
		{
			name:     "missing policy",
			args:     []string{"scan", "--policy", filepath.Join(dir, "nope.yaml"), valid},
			wantCode: exitUsage,
		},
		{
			name:     "no arguments",
			args:     []string{"scan"},
			wantCode: exitUsage,
		},
		{
			name:     "unknown flag",
			args:     []string{"scan", "--bogus", valid},
			wantCode: exitUsage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, out, _ := runCLI(t, tt.args...)
			assert.Equal(t, tt.wantCode, code)
			for _, want := range tt.wantOut {
				assert.Contains(t, out, want)
			}
		})
	}
}

func TestScanInvalidConfigFallsBack(t *testing.T) {
	dir := t.TempDir()
	valid := writeSafeTensors(t, dir, "valid.safetensors", validHeader, 16)
	cfg := writeFile(t, dir, "config.yaml", "logging:\n  level: loud\n")

	code, out, errOut := runCLI(t, "scan", "--config", cfg, valid)
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "PASS")
	assert.Contains(t, errOut, "using defaults")
}

func TestScanUnreadableConfig(t *testing.T) {
	dir := t.TempDir()
	valid := writeSafeTensors(t, dir, "valid.safetensors", validHeader, 16)

	code, _, errOut := runCLI(t, "scan", "--config", filepath.Join(dir, "absent.yaml"), valid)
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, errOut, "Error:")
}
