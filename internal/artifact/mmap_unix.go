//go:build unix

package artifact

import (
	"os"

	"golang.org/x/sys/unix"
)

// mapFile memory-maps a file read-only (Unix implementation).
func mapFile(f *os.File, size int64) ([]byte, bool, error) {
	data, err := unix.Mmap(
		int(f.Fd()), //nolint:gosec // G115: file descriptor fits in int
		0,
		int(size), //nolint:gosec // G115: size bounded by the caller's limit
		unix.PROT_READ,
		unix.MAP_SHARED,
	)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// unmapFile releases a mapping created by mapFile.
func unmapFile(data []byte) error {
	return unix.Munmap(data)
}
