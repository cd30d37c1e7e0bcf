package finding

// Code is a stable finding identifier. Codes are the contract surface that
// policy documents and downstream reporting key off of; never rename one.
type Code string

// Input errors.
const (
	CodeArtifactTooLarge   Code = "ARTIFACT_TOO_LARGE"
	CodeArtifactEmpty      Code = "ARTIFACT_EMPTY"
	CodeArtifactUnreadable Code = "ARTIFACT_UNREADABLE"
)

// Format detection.
const (
	CodeTruncatedHeader Code = "TRUNCATED_HEADER"
	CodeUnknownFormat   Code = "UNKNOWN_FORMAT"
)

// Structural parse errors.
const (
	CodeHeaderLengthInvalid Code = "HEADER_LENGTH_INVALID"
	CodeHeaderNotUTF8       Code = "HEADER_NOT_UTF8"
	CodeHeaderNotJSON       Code = "HEADER_NOT_JSON"
	CodeBadMagic            Code = "BAD_MAGIC"
	CodeUnsupportedVersion  Code = "UNSUPPORTED_VERSION"
	CodeUnknownKVType       Code = "UNKNOWN_KV_TYPE"
	CodeTruncatedStructure  Code = "TRUNCATED_STRUCTURE"
	CodeNestingTooDeep      Code = "NESTING_TOO_DEEP"
	CodeLimitExceeded       Code = "LIMIT_EXCEEDED"
	CodeMalformedGraph      Code = "MALFORMED_GRAPH"
)

// Validation findings.
const (
	CodeTensorEntryInvalid   Code = "TENSOR_ENTRY_INVALID"
	CodeTensorOffsetsInvalid Code = "TENSOR_OFFSETS_INVALID"
	CodeUnknownDType         Code = "UNKNOWN_DTYPE"
	CodeUnknownQuantization  Code = "UNKNOWN_QUANTIZATION"
	CodeSizeMismatch         Code = "SIZE_MISMATCH"
	CodeTensorOutOfBounds    Code = "TENSOR_OUT_OF_BOUNDS"
	CodeTensorOverlap        Code = "TENSOR_OVERLAP"
	CodeTensorMisaligned     Code = "TENSOR_MISALIGNED"
	CodeGhostTensor          Code = "GHOST_TENSOR"
	CodeLargeTensor          Code = "LARGE_TENSOR"
	CodeSuspiciousDType      Code = "SUSPICIOUS_DTYPE"
	CodeSuspiciousName       Code = "SUSPICIOUS_TENSOR_NAME"
	CodeDuplicateTensor      Code = "DUPLICATE_TENSOR"
	CodeDuplicateKey         Code = "DUPLICATE_KEY"
	CodeUnclaimedData        Code = "UNCLAIMED_DATA"
	CodeMetadataInvalid      Code = "METADATA_INVALID"
	CodeMetadataUnknownKey   Code = "METADATA_UNKNOWN_KEY"
	CodeMissingV2Fields      Code = "MISSING_V2_FIELDS"
	CodeVersionMismatch      Code = "VERSION_CONTENT_MISMATCH"
	CodeEmptyGraph           Code = "EMPTY_GRAPH"
	CodeUnreferencedTensor   Code = "UNREFERENCED_TENSOR"
	CodeUnknownOpsetDomain   Code = "UNKNOWN_OPSET_DOMAIN"
	CodeExternalData         Code = "EXTERNAL_DATA"
)

// Heuristic findings.
const (
	CodeHighEntropyRegion Code = "HIGH_ENTROPY_REGION"
	CodeEmbeddedSignature Code = "EMBEDDED_ARCHIVE_SIGNATURE"
)

// Engine diagnostics.
const (
	CodePolicyUnknownCode Code = "POLICY_UNKNOWN_CODE"
)

// catalog maps every known code to its intrinsic default severity.
var catalog = map[Code]Severity{
	CodeArtifactTooLarge:   Error,
	CodeArtifactEmpty:      Error,
	CodeArtifactUnreadable: Error,

	CodeTruncatedHeader: Error,
	CodeUnknownFormat:   Error,

	CodeHeaderLengthInvalid: Error,
	CodeHeaderNotUTF8:       Error,
	CodeHeaderNotJSON:       Error,
	CodeBadMagic:            Error,
	CodeUnsupportedVersion:  Error,
	CodeUnknownKVType:       Error,
	CodeTruncatedStructure:  Error,
	CodeNestingTooDeep:      Error,
	CodeLimitExceeded:       Error,
	CodeMalformedGraph:      Error,

	CodeTensorEntryInvalid:   Error,
	CodeTensorOffsetsInvalid: Error,
	CodeUnknownDType:         Error,
	CodeUnknownQuantization:  Error,
	CodeSizeMismatch:         Error,
	CodeTensorOutOfBounds:    Error,
	CodeTensorOverlap:        Error,
	CodeTensorMisaligned:     Warning,
	CodeGhostTensor:          Warning,
	CodeLargeTensor:          Warning,
	CodeSuspiciousDType:      Warning,
	CodeSuspiciousName:       Warning,
	CodeDuplicateTensor:      Error,
	CodeDuplicateKey:         Error,
	CodeUnclaimedData:        Info,
	CodeMetadataInvalid:      Error,
	CodeMetadataUnknownKey:   Info,
	CodeMissingV2Fields:      Warning,
	CodeVersionMismatch:      Warning,
	CodeEmptyGraph:           Error,
	CodeUnreferencedTensor:   Warning,
	CodeUnknownOpsetDomain:   Warning,
	CodeExternalData:         Info,

	CodeHighEntropyRegion: Warning,
	CodeEmbeddedSignature: Warning,

	CodePolicyUnknownCode: Info,
}

// DefaultSeverity returns the intrinsic severity registered for c.
// Unregistered codes default to Error.
func (c Code) DefaultSeverity() Severity {
	if s, ok := catalog[c]; ok {
		return s
	}
	return Error
}

// Known reports whether c is a registered finding code.
func (c Code) Known() bool {
	_, ok := catalog[c]
	return ok
}

// String returns the code identifier.
func (c Code) String() string {
	return string(c)
}
