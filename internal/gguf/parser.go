package gguf

import (
	"unsafe"

	"github.com/born-ml/modelinspect/internal/finding"
	"github.com/born-ml/modelinspect/internal/model"
)

// Limits bound the resources a parse may consume.
type Limits struct {
	MaxTensorCount   uint64
	MaxKVCount       uint64
	MaxNestingDepth  int    // Maximum depth of nested arrays.
	MaxArrayElements uint64 // Total array elements across all metadata values.
	MaxMetadataBytes uint64 // Memory the decoded metadata arrays may occupy.
	MaxStringLength  uint64
	MaxDims          uint32
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxTensorCount:   100_000,
		MaxKVCount:       1_000_000,
		MaxNestingDepth:  4,
		MaxArrayElements: 1 << 24,
		MaxMetadataBytes: 256 << 20,
		MaxStringLength:  1 << 20,
		MaxDims:          8,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxTensorCount == 0 {
		l.MaxTensorCount = d.MaxTensorCount
	}
	if l.MaxKVCount == 0 {
		l.MaxKVCount = d.MaxKVCount
	}
	if l.MaxNestingDepth <= 0 {
		l.MaxNestingDepth = d.MaxNestingDepth
	}
	if l.MaxArrayElements == 0 {
		l.MaxArrayElements = d.MaxArrayElements
	}
	if l.MaxMetadataBytes == 0 {
		l.MaxMetadataBytes = d.MaxMetadataBytes
	}
	if l.MaxStringLength == 0 {
		l.MaxStringLength = d.MaxStringLength
	}
	if l.MaxDims == 0 {
		l.MaxDims = d.MaxDims
	}
	return l
}

// KV is one metadata entry.
type KV struct {
	Key    string
	Type   ValueType
	Value  model.Value
	Offset uint64 // Artifact offset of the entry.
}

// TensorInfo is one tensor table entry.
type TensorInfo struct {
	Name       string
	Dimensions []uint64
	Type       GGMLType
	Offset     uint64 // Declared offset relative to the tensor data section.
	At         uint64 // Artifact offset of the entry.
}

// File is a parsed GGUF artifact. After a parse error it holds whatever was
// read before the failure and Complete is false.
type File struct {
	Version     uint32
	TensorCount uint64
	KVCount     uint64
	KVs         []KV
	Tensors     []TensorInfo

	Alignment        uint64
	AlignmentInvalid *KV // general.alignment entry that could not be used.

	DataOffset uint64 // Absolute offset of the tensor data section.
	Size       uint64 // Artifact length.
	Complete   bool
}

// Lookup returns the first metadata entry with key.
func (f *File) Lookup(key string) (*KV, bool) {
	for i := range f.KVs {
		if f.KVs[i].Key == key {
			return &f.KVs[i], true
		}
	}
	return nil, false
}

type parser struct {
	r         reader
	lim       Limits
	elements  uint64
	metaBytes uint64
}

// Decoded sizes of array elements that are not stored packed.
const (
	stringHeaderSize = uint64(unsafe.Sizeof(""))
	valueSize        = uint64(unsafe.Sizeof(model.Value{}))
)

// Parse reads the header, metadata and tensor table of data.
//
// Bad magic and unsupported versions return a nil File. Any later failure
// returns the partial File together with a *finding.ParseError.
func Parse(data []byte, lim Limits) (*File, error) {
	p := &parser{r: reader{data: data}, lim: lim.withDefaults()}
	return p.parse()
}

func (p *parser) parse() (*File, error) {
	r := &p.r
	magic, err := r.take(4, "magic")
	if err != nil || string(magic) != Magic {
		return nil, finding.Errorf(finding.CodeBadMagic, 0, "missing %q magic", Magic)
	}

	version, err := r.u32("version")
	if err != nil {
		return nil, err
	}
	if version != Version1 && version != Version2 {
		return nil, finding.Errorf(finding.CodeUnsupportedVersion, 4,
			"version %d is not supported (supported: 1, 2)", version)
	}
	r.wide = version >= Version2

	f := &File{
		Version:   version,
		Size:      uint64(len(r.data)),
		Alignment: DefaultAlignment(version),
	}

	countAt := r.pos
	if f.TensorCount, err = r.size("tensor count"); err != nil {
		return f, err
	}
	if f.KVCount, err = r.size("kv count"); err != nil {
		return f, err
	}
	if f.TensorCount > p.lim.MaxTensorCount {
		return f, finding.Errorf(finding.CodeLimitExceeded, countAt,
			"tensor count %d exceeds limit %d", f.TensorCount, p.lim.MaxTensorCount)
	}
	if f.KVCount > p.lim.MaxKVCount {
		return f, finding.Errorf(finding.CodeLimitExceeded, countAt,
			"kv count %d exceeds limit %d", f.KVCount, p.lim.MaxKVCount)
	}

	// Smallest possible entries: empty key + type tag + 1-byte value, and
	// empty name + n_dims + type + offset.
	minKV := r.sizeWidth() + 4 + 1
	minTensor := r.sizeWidth() + 4 + 4 + 8
	if f.KVCount > r.remaining()/minKV {
		return f, finding.Errorf(finding.CodeTruncatedStructure, countAt,
			"%d kv entries cannot fit in the remaining %d bytes", f.KVCount, r.remaining())
	}

	f.KVs = make([]KV, 0, f.KVCount)
	for i := uint64(0); i < f.KVCount; i++ {
		kv, err := p.kv()
		if err != nil {
			return f, err
		}
		f.KVs = append(f.KVs, kv)
		if kv.Key == AlignmentKey && f.AlignmentInvalid == nil {
			applyAlignment(f, kv)
		}
	}

	if f.TensorCount > r.remaining()/minTensor {
		return f, finding.Errorf(finding.CodeTruncatedStructure, r.pos,
			"%d tensor infos cannot fit in the remaining %d bytes", f.TensorCount, r.remaining())
	}
	f.Tensors = make([]TensorInfo, 0, f.TensorCount)
	for i := uint64(0); i < f.TensorCount; i++ {
		t, err := p.tensorInfo()
		if err != nil {
			return f, err
		}
		f.Tensors = append(f.Tensors, t)
	}

	f.DataOffset = alignUp(r.pos, f.Alignment)
	f.Complete = true
	return f, nil
}

// applyAlignment honors a general.alignment entry that is a power of two.
func applyAlignment(f *File, kv KV) {
	v, ok := kv.Value.AsUint()
	if !ok || v == 0 || v&(v-1) != 0 {
		f.AlignmentInvalid = &kv
		return
	}
	f.Alignment = v
}

func (p *parser) kv() (KV, error) {
	kv := KV{Offset: p.r.pos}
	key, err := p.r.str("kv key", p.lim.MaxStringLength)
	if err != nil {
		return kv, err
	}
	kv.Key = key

	tagAt := p.r.pos
	tag, err := p.r.u32("kv type")
	if err != nil {
		return kv, err
	}
	kv.Type = ValueType(tag)
	if !kv.Type.Known() {
		return kv, finding.Errorf(finding.CodeUnknownKVType, tagAt,
			"key %q has unknown value type %d", key, tag)
	}

	kv.Value, err = p.value(kv.Type, 0)
	return kv, err
}

// value reads one value of type t found at array nesting depth.
func (p *parser) value(t ValueType, depth int) (model.Value, error) {
	r := &p.r
	switch t {
	case ValueTypeUint8:
		v, err := r.u8("uint8")
		return model.UintValue(uint64(v)), err
	case ValueTypeInt8:
		v, err := r.u8("int8")
		return model.IntValue(int64(int8(v))), err
	case ValueTypeUint16:
		v, err := r.u16("uint16")
		return model.UintValue(uint64(v)), err
	case ValueTypeInt16:
		v, err := r.u16("int16")
		return model.IntValue(int64(int16(v))), err
	case ValueTypeUint32:
		v, err := r.u32("uint32")
		return model.UintValue(uint64(v)), err
	case ValueTypeInt32:
		v, err := r.u32("int32")
		return model.IntValue(int64(int32(v))), err
	case ValueTypeUint64:
		v, err := r.u64("uint64")
		return model.UintValue(v), err
	case ValueTypeInt64:
		v, err := r.u64("int64")
		return model.IntValue(int64(v)), err //nolint:gosec // G115: two's complement reinterpretation
	case ValueTypeFloat32:
		v, err := r.f32("float32")
		return model.FloatValue(float64(v)), err
	case ValueTypeFloat64:
		v, err := r.f64("float64")
		return model.FloatValue(v), err
	case ValueTypeBool:
		v, err := r.u8("bool")
		return model.BoolValue(v != 0), err
	case ValueTypeString:
		s, err := r.str("string", p.lim.MaxStringLength)
		return model.StringValue(s), err
	case ValueTypeArray:
		return p.array(depth + 1)
	default:
		return model.Value{}, finding.Errorf(finding.CodeUnknownKVType, r.pos,
			"unknown value type %d", uint32(t))
	}
}

func (p *parser) array(depth int) (model.Value, error) {
	r := &p.r
	at := r.pos
	if depth > p.lim.MaxNestingDepth {
		return model.Value{}, finding.Errorf(finding.CodeNestingTooDeep, at,
			"array nesting depth %d exceeds limit %d", depth, p.lim.MaxNestingDepth)
	}

	tag, err := r.u32("array element type")
	if err != nil {
		return model.Value{}, err
	}
	elem := ValueType(tag)
	if !elem.Known() {
		return model.Value{}, finding.Errorf(finding.CodeUnknownKVType, at,
			"array has unknown element type %d", tag)
	}
	n, err := r.size("array length")
	if err != nil {
		return model.Value{}, err
	}

	p.elements += n
	if n > p.lim.MaxArrayElements || p.elements > p.lim.MaxArrayElements {
		return model.Value{}, finding.Errorf(finding.CodeLimitExceeded, at,
			"array of %d elements exceeds the metadata element budget %d", n, p.lim.MaxArrayElements)
	}

	minSize := elem.fixedSize()
	switch elem {
	case ValueTypeString:
		minSize = r.sizeWidth()
	case ValueTypeArray:
		minSize = 4 + r.sizeWidth()
	}
	if n > r.remaining()/minSize {
		return model.Value{}, finding.Errorf(finding.CodeTruncatedStructure, at,
			"array of %d %s elements cannot fit in the remaining %d bytes", n, elem, r.remaining())
	}

	switch elem {
	case ValueTypeString:
		if err := p.charge(at, n, stringHeaderSize); err != nil {
			return model.Value{}, err
		}
		strs := make([]string, 0, n)
		for i := uint64(0); i < n; i++ {
			s, err := r.str("string", p.lim.MaxStringLength)
			if err != nil {
				return model.Value{}, err
			}
			strs = append(strs, s)
		}
		return model.StringsValue(strs), nil

	case ValueTypeArray:
		if err := p.charge(at, n, valueSize); err != nil {
			return model.Value{}, err
		}
		items := make([]model.Value, 0, n)
		for i := uint64(0); i < n; i++ {
			v, err := p.array(depth + 1)
			if err != nil {
				return model.Value{}, err
			}
			items = append(items, v)
		}
		return model.ArrayValue(items), nil
	}

	// Fixed-width scalars are copied out of the artifact as one block.
	width := elem.fixedSize()
	if err := p.charge(at, n, width); err != nil {
		return model.Value{}, err
	}
	b, err := r.take(n*width, elem.String()+" array")
	if err != nil {
		return model.Value{}, err
	}
	raw := append([]byte(nil), b...)
	if elem == ValueTypeUint8 {
		return model.BlobValue(raw), nil
	}
	return model.PackedValue(packedKind(elem), int(width), raw), nil
}

// charge reserves n decoded elements of size bytes each against the
// metadata memory budget.
func (p *parser) charge(at, n, size uint64) error {
	if size != 0 && n > (p.lim.MaxMetadataBytes-p.metaBytes)/size {
		return finding.Errorf(finding.CodeLimitExceeded, at,
			"array of %d elements exceeds the metadata memory budget of %d bytes", n, p.lim.MaxMetadataBytes)
	}
	p.metaBytes += n * size
	return nil
}

// packedKind is the model kind of a fixed-width scalar value type.
func packedKind(t ValueType) model.Kind {
	switch t {
	case ValueTypeInt8, ValueTypeInt16, ValueTypeInt32, ValueTypeInt64:
		return model.KindInt
	case ValueTypeFloat32, ValueTypeFloat64:
		return model.KindFloat
	case ValueTypeBool:
		return model.KindBool
	default:
		return model.KindUint
	}
}

func (p *parser) tensorInfo() (TensorInfo, error) {
	r := &p.r
	t := TensorInfo{At: r.pos}

	name, err := r.str("tensor name", p.lim.MaxStringLength)
	if err != nil {
		return t, err
	}
	t.Name = name

	ndimsAt := r.pos
	ndims, err := r.u32("n_dims")
	if err != nil {
		return t, err
	}
	if ndims > p.lim.MaxDims {
		return t, finding.Errorf(finding.CodeLimitExceeded, ndimsAt,
			"tensor %q has %d dimensions, limit %d", name, ndims, p.lim.MaxDims)
	}

	t.Dimensions = make([]uint64, ndims)
	for i := range t.Dimensions {
		if t.Dimensions[i], err = r.size("dimension"); err != nil {
			return t, err
		}
	}

	typ, err := r.u32("ggml type")
	if err != nil {
		return t, err
	}
	t.Type = GGMLType(typ)

	t.Offset, err = r.u64("tensor offset")
	return t, err
}

// alignUp rounds off up to a multiple of alignment.
func alignUp(off, alignment uint64) uint64 {
	if alignment == 0 {
		return off
	}
	if rem := off % alignment; rem != 0 {
		return off + alignment - rem
	}
	return off
}
