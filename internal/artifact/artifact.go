// Package artifact provides read-only access to the bytes of a model artifact.
//
// An Artifact is either an in-memory byte slice or a read-only memory mapping
// of a file. Its content is never modified. Mapped artifacts own the mapping
// and must be released with Close once inspection completes.
package artifact

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"sync"
)

// Open errors.
var (
	ErrTooLarge   = errors.New("artifact exceeds maximum size")
	ErrEmpty      = errors.New("artifact is empty")
	ErrUnreadable = errors.New("artifact is unreadable")
	ErrClosed     = errors.New("artifact is closed")
)

// Artifact is an immutable view of an artifact's bytes.
type Artifact struct {
	path   string
	data   []byte
	file   *os.File
	mapped bool
	closed bool

	digestOnce sync.Once
	digest     [32]byte
}

// FromBytes wraps data as an artifact. The caller must not modify data
// while the artifact is in use.
func FromBytes(data []byte) *Artifact {
	return &Artifact{data: data}
}

// Open maps the file at path read-only.
//
// Files larger than maxSize are rejected with ErrTooLarge before any mapping
// or buffer allocation happens. A maxSize of 0 disables the limit.
//
//nolint:gosec // G304: inspecting a caller-supplied path is the purpose of this function.
func Open(path string, maxSize int64) (*Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreadable, err)
	}

	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: stat: %w", ErrUnreadable, err)
	}
	if !stat.Mode().IsRegular() {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s is not a regular file", ErrUnreadable, path)
	}

	size := stat.Size()
	if size == 0 {
		_ = f.Close()
		return nil, ErrEmpty
	}
	if maxSize > 0 && size > maxSize {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %d bytes > limit %d", ErrTooLarge, size, maxSize)
	}

	data, mapped, err := mapFile(f, size)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: map: %w", ErrUnreadable, err)
	}

	return &Artifact{
		path:   path,
		data:   data,
		file:   f,
		mapped: mapped,
	}, nil
}

// Path returns the file path, or "" for in-memory artifacts.
func (a *Artifact) Path() string {
	return a.path
}

// Len returns the artifact length in bytes.
func (a *Artifact) Len() int {
	return len(a.data)
}

// Bytes returns the artifact content. The slice is read-only and valid only
// until Close. Writing to a mapped slice faults.
func (a *Artifact) Bytes() []byte {
	return a.data
}

// Prefix returns at most n leading bytes.
func (a *Artifact) Prefix(n int) []byte {
	if n > len(a.data) {
		n = len(a.data)
	}
	return a.data[:n]
}

// Digest returns the SHA-256 of the content, computed once.
func (a *Artifact) Digest() [32]byte {
	a.digestOnce.Do(func() {
		a.digest = sha256.Sum256(a.data)
	})
	return a.digest
}

// Close releases the mapping and the underlying file. It is a no-op for
// in-memory artifacts and for repeated calls.
func (a *Artifact) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true

	var err error
	if a.mapped && a.data != nil {
		err = unmapFile(a.data)
	}
	a.data = nil

	if a.file != nil {
		if closeErr := a.file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}
