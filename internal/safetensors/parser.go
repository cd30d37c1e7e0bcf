// Package safetensors parses and validates SafeTensors-style artifacts.
//
// Layout:
//
//	[8 bytes: header length L (uint64 LE)]
//	[L bytes: UTF-8 JSON header]
//	[tensor data region: remaining bytes]
//
// The header maps tensor names to {dtype, shape, data_offsets} objects, with
// data offsets relative to the start of the data region. The reserved
// __metadata__ key holds a flat string to string map.
package safetensors

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"unicode/utf8"

	"github.com/born-ml/modelinspect/internal/finding"
	"github.com/born-ml/modelinspect/internal/model"
)

// MetadataKey is the reserved header key for free-form metadata.
const MetadataKey = "__metadata__"

// DefaultMaxHeaderSize is the default cap on the declared header length.
const DefaultMaxHeaderSize = 100 * 1024 * 1024

// File is a parsed SafeTensors artifact.
type File struct {
	Model        *model.ParsedModel
	HeaderLength uint64

	// Problems found while reading header entries. They do not stop parsing.
	Problems []finding.Finding
}

// Parse reads the header of data.
//
// A header that cannot be located or decoded is terminal: Parse returns a
// *finding.ParseError and no File. Malformed entries are recorded in
// File.Problems and parsing continues with the next entry.
func Parse(data []byte, maxHeaderSize uint64) (*File, error) {
	if len(data) < 8 {
		return nil, finding.Errorf(finding.CodeHeaderLengthInvalid, 0,
			"artifact has %d bytes, header length field needs 8", len(data))
	}
	if maxHeaderSize == 0 {
		maxHeaderSize = DefaultMaxHeaderSize
	}

	headerLen := binary.LittleEndian.Uint64(data[:8])
	avail := uint64(len(data)) - 8
	if headerLen > avail {
		return nil, finding.Errorf(finding.CodeHeaderLengthInvalid, 0,
			"header length %d exceeds the %d bytes following the length field", headerLen, avail)
	}
	if headerLen > maxHeaderSize {
		return nil, finding.Errorf(finding.CodeHeaderLengthInvalid, 0,
			"header length %d exceeds limit %d", headerLen, maxHeaderSize)
	}

	header := data[8 : 8+headerLen]
	if !utf8.Valid(header) {
		return nil, finding.Errorf(finding.CodeHeaderNotUTF8, 8, "header is not valid UTF-8")
	}

	f := &File{
		HeaderLength: headerLen,
		Model: &model.ParsedModel{
			Format: model.FormatSafeTensors,
			DataRegion: model.Region{
				Offset: 8 + headerLen,
				Length: avail - headerLen,
			},
		},
	}
	if err := f.decodeHeader(header); err != nil {
		return nil, err
	}
	f.Model.Normalize()
	return f, nil
}

// decodeHeader walks the top-level object token by token so that duplicate
// keys are seen instead of silently overwritten.
func (f *File) decodeHeader(header []byte) error {
	notJSON := func(err error) error {
		return finding.Errorf(finding.CodeHeaderNotJSON, 8, "header is not a JSON object: %v", err)
	}

	dec := json.NewDecoder(bytes.NewReader(header))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return notJSON(err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return notJSON(fmt.Errorf("top level is %v", tok))
	}

	seen := make(map[string]bool)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return notJSON(err)
		}
		key, _ := tok.(string)
		at := 8 + uint64(dec.InputOffset()) //nolint:gosec // G115: offset within header

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return notJSON(err)
		}

		if seen[key] {
			code := finding.CodeDuplicateTensor
			if key == MetadataKey {
				code = finding.CodeMetadataInvalid
			}
			f.problem(finding.New(code, "key %q appears more than once in the header", key).
				AtTensor(key).AtOffset(at))
			continue
		}
		seen[key] = true

		if key == MetadataKey {
			f.decodeMetadata(raw, at)
			continue
		}
		if t, ok := f.decodeEntry(key, raw, at); ok {
			f.Model.Tensors = append(f.Model.Tensors, t)
		}
	}

	if _, err := dec.Token(); err != nil {
		return notJSON(err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return notJSON(errors.New("trailing data after header object"))
	}
	return nil
}

type rawEntry struct {
	DType       json.RawMessage `json:"dtype"`
	Shape       json.RawMessage `json:"shape"`
	DataOffsets json.RawMessage `json:"data_offsets"`
}

func (f *File) decodeEntry(name string, raw json.RawMessage, at uint64) (model.Tensor, bool) {
	invalid := func(format string, args ...any) (model.Tensor, bool) {
		f.problem(finding.New(finding.CodeTensorEntryInvalid, format, args...).AtTensor(name).AtOffset(at))
		return model.Tensor{}, false
	}

	if len(raw) == 0 || raw[0] != '{' {
		return invalid("entry is not an object")
	}
	var e rawEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return invalid("entry: %v", err)
	}

	var dtype string
	if e.DType == nil || json.Unmarshal(e.DType, &dtype) != nil {
		return invalid("entry has no string dtype")
	}
	shape, err := uintArray(e.Shape)
	if err != nil {
		return invalid("shape: %v", err)
	}
	offsets, err := uintArray(e.DataOffsets)
	if err != nil || len(offsets) != 2 {
		if err == nil {
			err = fmt.Errorf("want 2 values, got %d", len(offsets))
		}
		return invalid("data_offsets: %v", err)
	}

	t := model.Tensor{
		Name:  name,
		DType: dtype,
		Shape: shape,
		Start: offsets[0],
		End:   offsets[1],
	}

	if t.Start > t.End {
		f.problem(finding.New(finding.CodeTensorOffsetsInvalid,
			"data_offsets start %d is after end %d", t.Start, t.End).
			AtTensor(name).AtOffset(at).
			WithEvidence("start", t.Start).
			WithEvidence("end", t.End))
	}

	width, known := DType(dtype).Width()
	if !known {
		f.problem(finding.New(finding.CodeUnknownDType, "unknown dtype %q", dtype).
			AtTensor(name).AtOffset(at).
			WithEvidence("dtype", dtype))
		return t, true
	}

	n, ok := model.Product(shape)
	size, ok2 := model.MulSize(n, width)
	if !ok || !ok2 {
		// Expected size is not representable; leave it unknown so the
		// range check does not report it twice.
		f.problem(finding.New(finding.CodeSizeMismatch, "shape %v overflows the addressable size", shape).
			AtTensor(name).AtOffset(at))
		return t, true
	}
	t.KnownDType = true
	t.ExpectedSize = size
	return t, true
}

// decodeMetadata accepts only a flat object of string values.
func (f *File) decodeMetadata(raw json.RawMessage, at uint64) {
	var fields map[string]json.RawMessage
	if len(raw) == 0 || raw[0] != '{' || json.Unmarshal(raw, &fields) != nil {
		f.problem(finding.New(finding.CodeMetadataInvalid, "%s is not an object", MetadataKey).AtOffset(at))
		return
	}
	for key, v := range fields {
		var s string
		if len(v) == 0 || v[0] != '"' || json.Unmarshal(v, &s) != nil {
			f.problem(finding.New(finding.CodeMetadataInvalid, "%s value for %q is not a string", MetadataKey, key).
				AtOffset(at).
				WithEvidence("key", key))
			continue
		}
		f.Model.Metadata = append(f.Model.Metadata, model.MetadataEntry{Key: key, Value: model.StringValue(s)})
	}
}

func (f *File) problem(fd finding.Finding) {
	f.Problems = append(f.Problems, fd)
}

// uintArray decodes a JSON array of non-negative integers.
func uintArray(raw json.RawMessage) ([]uint64, error) {
	if len(raw) == 0 {
		return nil, errors.New("missing")
	}
	var nums []json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&nums); err != nil {
		return nil, err
	}
	if nums == nil {
		return nil, errors.New("not an array")
	}
	out := make([]uint64, len(nums))
	for i, n := range nums {
		v, err := strconv.ParseUint(n.String(), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("element %d: %q is not a non-negative integer", i, n)
		}
		out[i] = v
	}
	return out, nil
}
