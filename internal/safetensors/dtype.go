package safetensors

// DType is a SafeTensors element type name as it appears in the header.
type DType string

// Supported dtypes.
const (
	Bool   DType = "BOOL"
	U8     DType = "U8"
	I8     DType = "I8"
	F8E4M3 DType = "F8_E4M3"
	F8E5M2 DType = "F8_E5M2"
	I16    DType = "I16"
	U16    DType = "U16"
	F16    DType = "F16"
	BF16   DType = "BF16"
	I32    DType = "I32"
	U32    DType = "U32"
	F32    DType = "F32"
	I64    DType = "I64"
	U64    DType = "U64"
	F64    DType = "F64"
)

var widths = map[DType]uint64{
	Bool: 1, U8: 1, I8: 1, F8E4M3: 1, F8E5M2: 1,
	I16: 2, U16: 2, F16: 2, BF16: 2,
	I32: 4, U32: 4, F32: 4,
	I64: 8, U64: 8, F64: 8,
}

// Width returns the byte width of d and whether d is a known dtype.
func (d DType) Width() (uint64, bool) {
	w, ok := widths[d]
	return w, ok
}

// ByteOriented reports whether d stores one byte per element without a
// floating point interpretation.
func (d DType) ByteOriented() bool {
	return d == U8 || d == I8 || d == Bool
}
