package gguf

import (
	"encoding/binary"
	"math"

	"github.com/born-ml/modelinspect/internal/finding"
)

// reader is a bounds-checked little-endian cursor over the artifact bytes.
type reader struct {
	data []byte
	pos  uint64
	wide bool // 64-bit counts, lengths and dimensions (version 2).
}

func (r *reader) remaining() uint64 {
	return uint64(len(r.data)) - r.pos
}

// take returns the next n bytes or a TRUNCATED_STRUCTURE error.
func (r *reader) take(n uint64, what string) ([]byte, error) {
	if n > r.remaining() {
		return nil, finding.Errorf(finding.CodeTruncatedStructure, r.pos,
			"%s: need %d bytes, %d remain", what, n, r.remaining())
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) u8(what string) (uint8, error) {
	b, err := r.take(1, what)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u16(what string) (uint16, error) {
	b, err := r.take(2, what)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *reader) u32(what string) (uint32, error) {
	b, err := r.take(4, what)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) u64(what string) (uint64, error) {
	b, err := r.take(8, what)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *reader) f32(what string) (float32, error) {
	v, err := r.u32(what)
	return math.Float32frombits(v), err
}

func (r *reader) f64(what string) (float64, error) {
	v, err := r.u64(what)
	return math.Float64frombits(v), err
}

// sizeWidth is the encoded width of counts and lengths for this version.
func (r *reader) sizeWidth() uint64 {
	if r.wide {
		return 8
	}
	return 4
}

// size reads a count, length or dimension.
func (r *reader) size(what string) (uint64, error) {
	if r.wide {
		return r.u64(what)
	}
	v, err := r.u32(what)
	return uint64(v), err
}

// str reads a length-prefixed string (not NUL-terminated). The result is a
// copy and stays valid after the artifact is released.
func (r *reader) str(what string, maxLen uint64) (string, error) {
	at := r.pos
	n, err := r.size(what + " length")
	if err != nil {
		return "", err
	}
	if n > maxLen {
		return "", finding.Errorf(finding.CodeLimitExceeded, at,
			"%s: length %d exceeds limit %d", what, n, maxLen)
	}
	b, err := r.take(n, what)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
