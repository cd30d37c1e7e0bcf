package detect

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/modelinspect/internal/finding"
	"github.com/born-ml/modelinspect/internal/model"
)

func safetensorsPrefix(headerLen uint64, rest string) []byte {
	buf := make([]byte, 8, 8+len(rest))
	binary.LittleEndian.PutUint64(buf, headerLen)
	return append(buf, rest...)
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name   string
		prefix []byte
		want   model.Format
		code   finding.Code
	}{
		{"gguf", []byte("GGUF\x02\x00\x00\x00\x00\x00\x00\x00"), model.FormatGGUF, ""},
		{"safetensors", safetensorsPrefix(60, `{"t":{}}`), model.FormatSafeTensors, ""},
		{"safetensors leading space", safetensorsPrefix(60, " \n{"), model.FormatSafeTensors, ""},
		{"safetensors length only", safetensorsPrefix(60, ""), model.FormatSafeTensors, ""},
		{"safetensors empty header", safetensorsPrefix(0, "\x00\x01"), model.FormatSafeTensors, ""},
		{"onnx", []byte{0x08, 0x07, 0x12, 0x04, 't', 'e', 's', 't'}, model.FormatONNX, ""},
		{"onnx implausible ir version", []byte{0x08, 0x7f, 0, 0, 0, 0, 0, 0}, model.FormatUnknown, finding.CodeUnknownFormat},
		{"random", []byte("hello world, bye"), model.FormatUnknown, finding.CodeUnknownFormat},
		{"too short", []byte("GGU"), model.FormatUnknown, finding.CodeTruncatedHeader},
		{"empty", nil, model.FormatUnknown, finding.CodeTruncatedHeader},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, f := Detect(tt.prefix)
			assert.Equal(t, tt.want, got)
			if tt.code == "" {
				assert.Nil(t, f)
				return
			}
			require.NotNil(t, f)
			assert.Equal(t, tt.code, f.Code)
			assert.Equal(t, finding.Error, f.Severity)
		})
	}
}

func TestDetectOnlyReadsPrefix(t *testing.T) {
	long := append([]byte("GGUF"), make([]byte, 4096)...)
	got, f := Detect(long)
	assert.Equal(t, model.FormatGGUF, got)
	assert.Nil(t, f)
}

func TestDetectUnknownEvidence(t *testing.T) {
	prefix := append([]byte("PK\x03\x04\xde\xad\xbe\xef"), make([]byte, 32)...)
	got, f := Detect(prefix)
	assert.Equal(t, model.FormatUnknown, got)
	require.NotNil(t, f)
	assert.Equal(t, "504b0304deadbeef0000000000000000", f.Evidence["prefix"])
}
