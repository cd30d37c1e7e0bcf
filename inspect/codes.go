package inspect

import (
	"github.com/born-ml/modelinspect/internal/finding"
	"github.com/born-ml/modelinspect/internal/model"
	"github.com/born-ml/modelinspect/internal/policy"
)

// Re-exported types.
type (
	Finding  = finding.Finding
	Code     = finding.Code
	Severity = finding.Severity
	Location = finding.Location
	Format   = model.Format
	Verdict  = policy.Verdict
)

// Severities.
const (
	Info    = finding.Info
	Warning = finding.Warning
	Error   = finding.Error
)

// Verdicts.
const (
	Pass = policy.Pass
	Warn = policy.Warn
	Fail = policy.Fail
)

// Formats.
const (
	FormatUnknown     = model.FormatUnknown
	FormatSafeTensors = model.FormatSafeTensors
	FormatGGUF        = model.FormatGGUF
	FormatONNX        = model.FormatONNX
)

// Finding codes.
const (
	CodeArtifactEmpty        = finding.CodeArtifactEmpty
	CodeArtifactTooLarge     = finding.CodeArtifactTooLarge
	CodeArtifactUnreadable   = finding.CodeArtifactUnreadable
	CodeBadMagic             = finding.CodeBadMagic
	CodeDuplicateKey         = finding.CodeDuplicateKey
	CodeDuplicateTensor      = finding.CodeDuplicateTensor
	CodeEmbeddedSignature    = finding.CodeEmbeddedSignature
	CodeEmptyGraph           = finding.CodeEmptyGraph
	CodeExternalData         = finding.CodeExternalData
	CodeGhostTensor          = finding.CodeGhostTensor
	CodeHeaderLengthInvalid  = finding.CodeHeaderLengthInvalid
	CodeHeaderNotJSON        = finding.CodeHeaderNotJSON
	CodeHeaderNotUTF8        = finding.CodeHeaderNotUTF8
	CodeHighEntropyRegion    = finding.CodeHighEntropyRegion
	CodeLargeTensor          = finding.CodeLargeTensor
	CodeLimitExceeded        = finding.CodeLimitExceeded
	CodeMalformedGraph       = finding.CodeMalformedGraph
	CodeMetadataInvalid      = finding.CodeMetadataInvalid
	CodeMetadataUnknownKey   = finding.CodeMetadataUnknownKey
	CodeMissingV2Fields      = finding.CodeMissingV2Fields
	CodeNestingTooDeep       = finding.CodeNestingTooDeep
	CodePolicyUnknownCode    = finding.CodePolicyUnknownCode
	CodeSizeMismatch         = finding.CodeSizeMismatch
	CodeSuspiciousDType      = finding.CodeSuspiciousDType
	CodeSuspiciousName       = finding.CodeSuspiciousName
	CodeTensorEntryInvalid   = finding.CodeTensorEntryInvalid
	CodeTensorMisaligned     = finding.CodeTensorMisaligned
	CodeTensorOffsetsInvalid = finding.CodeTensorOffsetsInvalid
	CodeTensorOutOfBounds    = finding.CodeTensorOutOfBounds
	CodeTensorOverlap        = finding.CodeTensorOverlap
	CodeTruncatedHeader      = finding.CodeTruncatedHeader
	CodeTruncatedStructure   = finding.CodeTruncatedStructure
	CodeUnclaimedData        = finding.CodeUnclaimedData
	CodeUnknownDType         = finding.CodeUnknownDType
	CodeUnknownFormat        = finding.CodeUnknownFormat
	CodeUnknownKVType        = finding.CodeUnknownKVType
	CodeUnknownOpsetDomain   = finding.CodeUnknownOpsetDomain
	CodeUnknownQuantization  = finding.CodeUnknownQuantization
	CodeUnreferencedTensor   = finding.CodeUnreferencedTensor
	CodeUnsupportedVersion   = finding.CodeUnsupportedVersion
	CodeVersionMismatch      = finding.CodeVersionMismatch
)
