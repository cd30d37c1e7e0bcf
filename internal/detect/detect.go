// Package detect classifies an artifact by its leading bytes.
package detect

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/born-ml/modelinspect/internal/finding"
	"github.com/born-ml/modelinspect/internal/model"
)

// PrefixSize is the number of leading bytes Detect looks at.
const PrefixSize = 16

// MinSize is the smallest artifact any supported format can start with.
const MinSize = 8

// GGUFMagic is the typed-KV container marker.
const GGUFMagic = "GGUF"

// maxIRVersion bounds the ONNX IR version accepted as plausible.
const maxIRVersion = 32

// Detect returns the format of an artifact given its prefix. Only the first
// PrefixSize bytes are examined. For unknown or truncated input it also
// returns an Error finding.
func Detect(prefix []byte) (model.Format, *finding.Finding) {
	if len(prefix) > PrefixSize {
		prefix = prefix[:PrefixSize]
	}
	if len(prefix) < MinSize {
		f := finding.New(finding.CodeTruncatedHeader,
			"truncated or unrecognized header: %d bytes, need at least %d", len(prefix), MinSize).
			AtOffset(0).
			WithEvidence("length", len(prefix))
		return model.FormatUnknown, &f
	}

	switch {
	case string(prefix[:4]) == GGUFMagic:
		return model.FormatGGUF, nil
	case looksLikeSafeTensors(prefix):
		return model.FormatSafeTensors, nil
	case looksLikeONNX(prefix):
		return model.FormatONNX, nil
	}

	f := finding.New(finding.CodeUnknownFormat, "truncated or unrecognized header").
		AtOffset(0).
		WithEvidence("prefix", hex.EncodeToString(prefix))
	return model.FormatUnknown, &f
}

// looksLikeSafeTensors checks for an 8-byte length followed by the start of a
// JSON object. The length itself is validated by the parser, so a truncated
// or empty header is still routed there and reported precisely.
func looksLikeSafeTensors(p []byte) bool {
	n := binary.LittleEndian.Uint64(p[:8])
	if n == 0 {
		return true
	}
	for _, b := range p[8:] {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	// Length field present but no header byte: a truncated safetensors file
	// when the declared length is small enough to be a header at all.
	return len(p) == MinSize && n < 1<<32
}

// looksLikeONNX checks for ModelProto field 1 (ir_version, varint) first.
func looksLikeONNX(p []byte) bool {
	if p[0] != 0x08 {
		return false
	}
	var v uint64
	var shift uint
	for i := 1; i < len(p) && i < 10; i++ {
		b := p[i]
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v >= 1 && v <= maxIRVersion
		}
		shift += 7
	}
	return false
}
