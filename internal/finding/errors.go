package finding

import (
	"errors"
	"fmt"
)

// ParseError is a structural parse failure at a known offset. Parsers return
// it instead of panicking or guessing; validators turn it into a Finding.
type ParseError struct {
	Code   Code
	Offset uint64 // Absolute artifact offset where parsing failed.
	Err    error
}

// Errorf returns a ParseError wrapping a formatted error.
func Errorf(code Code, offset uint64, format string, args ...any) *ParseError {
	return &ParseError{Code: code, Offset: offset, Err: fmt.Errorf(format, args...)}
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("%s at offset %d: %v", e.Code, e.Offset, e.Err)
}

// Unwrap returns the underlying error.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// Finding converts the error into a finding located at its offset.
func (e *ParseError) Finding() Finding {
	return New(e.Code, "%v", e.Err).AtOffset(e.Offset)
}

// FromError converts err into a finding. A *ParseError keeps its code and
// offset; any other error becomes fallback at no particular location.
func FromError(err error, fallback Code) Finding {
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe.Finding()
	}
	return New(fallback, "%v", err)
}
